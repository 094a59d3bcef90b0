package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/carbonmrv/pkg/contracts"
)

func recordWith(confidence float64) contracts.VerificationRecord {
	rec := contracts.VerificationRecord{ReportID: "CR-1"}
	rec.Proof.ConfidenceScore = confidence
	rec.Measurement.CarbonSequesteredTons = 40.5
	rec.Evidence.Farm.Practices = []string{"no-till", "cover-crops"}
	rec.Evidence.Observation.CloudCoverPct = 10
	return rec
}

func TestDefaultRule(t *testing.T) {
	e, err := NewEvaluator(DefaultThreshold)
	require.NoError(t, err)

	tests := []struct {
		confidence float64
		eligible   bool
	}{
		{0.95, true},
		{0.7, true},
		{0.69, false},
		{0, false},
	}
	for _, tt := range tests {
		d, err := e.Evaluate(recordWith(tt.confidence))
		require.NoError(t, err)
		assert.Equal(t, tt.eligible, d.Eligible, "confidence %v", tt.confidence)
		if !tt.eligible {
			assert.Equal(t, DefaultRule, d.Rule)
		}
	}
}

func TestCustomRules(t *testing.T) {
	e, err := NewEvaluator(0.5,
		DefaultRule,
		`report.cloud_cover_pct <= 30.0`,
		`"no-till" in report.practices`,
	)
	require.NoError(t, err)

	d, err := e.Evaluate(recordWith(0.8))
	require.NoError(t, err)
	assert.True(t, d.Eligible)

	rec := recordWith(0.8)
	rec.Evidence.Farm.Practices = []string{"cover-crops"}
	d, err = e.Evaluate(rec)
	require.NoError(t, err)
	assert.False(t, d.Eligible)
	assert.Equal(t, `"no-till" in report.practices`, d.Rule)
}

func TestNewEvaluator_Rejects(t *testing.T) {
	_, err := NewEvaluator(1.5)
	require.Error(t, err)

	_, err = NewEvaluator(0.7, `report.confidence >=`)
	require.Error(t, err)

	_, err = NewEvaluator(0.7, `1 + 2`)
	require.Error(t, err)
}

func TestEvaluate_MissingFieldIsError(t *testing.T) {
	e, err := NewEvaluator(0.7, `report.nonexistent > 1.0`)
	require.NoError(t, err)
	_, err = e.Evaluate(recordWith(0.9))
	require.Error(t, err)
}
