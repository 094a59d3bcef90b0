// Package api exposes the verification pipeline over HTTP. Errors are
// RFC 7807 problem documents.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/carbonmrv/pkg/contracts"
)

const problemTypeBase = "https://carbonmrv.dev/errors/"

// ProblemDetail implements RFC 7807.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteErrorR writes a problem response for r.
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:     problemTypeBase + strconv.Itoa(status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	})
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteBadRequest writes a 400.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", detail)
}

// WriteTooManyRequests writes a 429 with Retry-After.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteErrorR(w, r, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal logs err and writes a 500 without exposing it.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.ErrorContext(r.Context(), "internal server error", "component", "api", "path", r.URL.Path, "error", err)
	WriteErrorR(w, r, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// WriteServiceError maps a pipeline error onto a problem response by kind.
func WriteServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := contracts.KindOf(err)
	var status int
	var title string
	switch kind {
	case contracts.KindValidation:
		status, title = http.StatusBadRequest, "Invalid Input"
	case contracts.KindNotFound:
		status, title = http.StatusNotFound, "Not Found"
	case contracts.KindConflict:
		status, title = http.StatusConflict, "Conflict"
	case contracts.KindPermanent:
		status, title = http.StatusUnprocessableEntity, "Unprocessable Entity"
	case contracts.KindTransient:
		status, title = http.StatusServiceUnavailable, "Service Unavailable"
		w.Header().Set("Retry-After", "5")
	default:
		WriteInternal(w, r, err)
		return
	}
	writeProblem(w, &ProblemDetail{
		Type:     problemTypeBase + string(kind),
		Title:    title,
		Status:   status,
		Detail:   err.Error(),
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
		Kind:     string(kind),
	})
}

// schemaError reports a body that parsed but failed its JSON Schema.
func schemaError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, contracts.ErrInvalidFarmRecord) || errors.Is(err, contracts.ErrInvalidObservation) {
		WriteErrorR(w, r, http.StatusUnprocessableEntity, "Schema Violation", err.Error())
		return
	}
	WriteInternal(w, r, err)
}
