package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/carbonmrv/pkg/contracts"
)

func TestWriteServiceError_StatusByKind(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
	}{
		{fmt.Errorf("%w: land_area", contracts.ErrInvalidFarmRecord), http.StatusBadRequest, "validation"},
		{contracts.ErrNotFound, http.StatusNotFound, "not_found"},
		{contracts.ErrNotEligible, http.StatusConflict, "conflict"},
		{contracts.ErrInsufficientBalance, http.StatusUnprocessableEntity, "permanent"},
		{contracts.ErrLedgerUnavailable, http.StatusServiceUnavailable, "transient"},
	}
	for _, tc := range cases {
		t.Run(tc.kind, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteServiceError(rec, httptest.NewRequest(http.MethodGet, "/v1/x", nil), tc.err)

			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
			var p ProblemDetail
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
			assert.Equal(t, tc.kind, p.Kind)
			assert.Equal(t, tc.status, p.Status)
			assert.Equal(t, "/v1/x", p.Instance)
		})
	}
}

func TestWriteServiceError_TransientSetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteServiceError(rec, httptest.NewRequest(http.MethodPost, "/v1/reports/r/mint", nil), contracts.ErrStoreUnavailable)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
}

func TestWriteServiceError_InternalHidesDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteServiceError(rec, httptest.NewRequest(http.MethodGet, "/v1/x", nil), errors.New("pq: password authentication failed"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")
}
