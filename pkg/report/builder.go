// Package report assembles verification records from analysis output.
package report

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/carbonmrv/pkg/canonicalize"
	"github.com/Mindburn-Labs/carbonmrv/pkg/contracts"
)

const (
	// Method labels every measurement produced by this pipeline.
	Method = "AI-Satellite-Analysis"
	// MeasurementPeriod is the window ending at build time that a report covers.
	MeasurementPeriod = 30 * 24 * time.Hour
	// ReportIDPrefix distinguishes carbon reports from other identifiers.
	ReportIDPrefix = "CR-"
)

// Builder creates PENDING verification records. Clock and ID source are
// injectable for deterministic tests.
type Builder struct {
	NetworkID string
	Now       func() time.Time
	NewID     func() string
}

// NewBuilder returns a builder that stamps records with networkID.
func NewBuilder(networkID string) *Builder {
	return &Builder{
		NetworkID: networkID,
		Now:       func() time.Time { return time.Now().UTC() },
		NewID:     func() string { return ReportIDPrefix + uuid.NewString() },
	}
}

// Build validates its inputs and returns a new PENDING record whose
// proof.rawDataHash commits to the exact (farm, observation, analysis) tuple.
func (b *Builder) Build(farm contracts.FarmRecord, obs contracts.Observation, analysis contracts.AnalysisResult) (contracts.VerificationRecord, error) {
	if err := farm.Validate(); err != nil {
		return contracts.VerificationRecord{}, err
	}
	if err := obs.Validate(); err != nil {
		return contracts.VerificationRecord{}, err
	}
	if err := analysis.Validate(); err != nil {
		return contracts.VerificationRecord{}, fmt.Errorf("%w: %v", contracts.ErrInvalidObservation, err)
	}

	evidence := contracts.Evidence{Farm: farm, Observation: obs, Analysis: analysis}
	hash, err := canonicalize.CanonicalHash(evidence)
	if err != nil {
		return contracts.VerificationRecord{}, fmt.Errorf("hash evidence: %w", err)
	}

	now := b.Now()
	return contracts.VerificationRecord{
		ReportID: b.NewID(),
		Farm: contracts.FarmSnapshot{
			LocationID:   farm.FarmID,
			OwnerAddress: farm.OwnerAddress,
			LandArea:     farm.LandArea,
			Coordinates:  farm.Coordinates,
		},
		Measurement: contracts.Measurement{
			Timestamp:             now,
			CarbonSequesteredTons: analysis.CarbonSequesteredTons,
			PeriodStart:           now.Add(-MeasurementPeriod),
			PeriodEnd:             now,
			Method:                Method,
		},
		Proof: contracts.Proof{
			ModelVersion:    analysis.ModelVersion,
			ConfidenceScore: analysis.ConfidenceScore,
			RawDataHash:     hash,
			ImageRef:        obs.ImageRef,
		},
		Ledger:    contracts.LedgerRef{NetworkID: b.NetworkID},
		Status:    contracts.StatusPending,
		Evidence:  evidence,
		UpdatedAt: now,
	}, nil
}
