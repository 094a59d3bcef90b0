package contracts

import (
	"fmt"
	"math"
	"time"
)

// Observation is a single satellite pass over a parcel. It is consumed once per analysis.
type Observation struct {
	ImageRef         string      `json:"image_ref"`
	CapturedAt       time.Time   `json:"captured_at"`
	Coordinates      Coordinates `json:"coordinates"`
	ResolutionMeters float64     `json:"resolution_meters"`
	CloudCoverPct    float64     `json:"cloud_cover_pct"`

	// ImageData optionally carries the raw scene. When present it is stored in
	// the content store and the record proof references it by content id.
	ImageData []byte `json:"-"`
}

// Validate checks the observation domain, returning an error wrapping ErrInvalidObservation.
func (o Observation) Validate() error {
	if math.IsNaN(o.CloudCoverPct) || o.CloudCoverPct < 0 || o.CloudCoverPct > 100 {
		return fmt.Errorf("%w: cloud_cover_pct must be within [0,100], got %v", ErrInvalidObservation, o.CloudCoverPct)
	}
	if !o.Coordinates.Valid() {
		return fmt.Errorf("%w: coordinates out of range (%v, %v)", ErrInvalidObservation,
			o.Coordinates.Latitude, o.Coordinates.Longitude)
	}
	if !(o.ResolutionMeters > 0) || math.IsInf(o.ResolutionMeters, 0) {
		return fmt.Errorf("%w: resolution_meters must be positive, got %v", ErrInvalidObservation, o.ResolutionMeters)
	}
	if o.CapturedAt.IsZero() {
		return fmt.Errorf("%w: captured_at is required", ErrInvalidObservation)
	}
	return nil
}

// AnalysisResult is the output of the analysis engine. It always carries an
// amount together with a confidence, never a bare point estimate.
type AnalysisResult struct {
	CarbonSequesteredTons float64 `json:"carbon_sequestered_tons"`
	ConfidenceScore       float64 `json:"confidence_score"`
	ModelVersion          string  `json:"model_version"`
	BiomassEstimate       float64 `json:"biomass_estimate"`
	VegetationIndex       float64 `json:"vegetation_index"`
	SoilCarbonContent     float64 `json:"soil_carbon_content"`
}

// Validate checks the analysis output bounds.
func (a AnalysisResult) Validate() error {
	if math.IsNaN(a.CarbonSequesteredTons) || a.CarbonSequesteredTons < 0 {
		return fmt.Errorf("carbon_sequestered_tons must be non-negative, got %v", a.CarbonSequesteredTons)
	}
	if math.IsNaN(a.ConfidenceScore) || a.ConfidenceScore < 0 || a.ConfidenceScore > 1 {
		return fmt.Errorf("confidence_score must be within [0,1], got %v", a.ConfidenceScore)
	}
	if math.IsNaN(a.VegetationIndex) || a.VegetationIndex < 0 || a.VegetationIndex > 1 {
		return fmt.Errorf("vegetation_index must be within [0,1], got %v", a.VegetationIndex)
	}
	return nil
}
