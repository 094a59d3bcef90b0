package analysis

import (
	"fmt"
	"math"
)

// DefaultModelVersion is reported on every result produced with DefaultParams.
const DefaultModelVersion = "CarbonNet-v2.1.0"

// Params are the tunable coefficients of the estimation model. They are
// loaded from the methodology profile and must keep the carbon estimate
// monotone in both inputs, so all weights are non-negative.
type Params struct {
	ModelVersion   string  `yaml:"model_version" json:"model_version"`
	BiomassPerNDVI float64 `yaml:"biomass_per_ndvi" json:"biomass_per_ndvi"`
	BiomassWeight  float64 `yaml:"biomass_weight" json:"biomass_weight"`
	SoilWeight     float64 `yaml:"soil_weight" json:"soil_weight"`

	ConfidenceCeiling float64 `yaml:"confidence_ceiling" json:"confidence_ceiling"`
	ConfidenceFloor   float64 `yaml:"confidence_floor" json:"confidence_floor"`

	// Scenes coarser than ReferenceResolution lose confidence proportionally,
	// never below MinResolutionFactor.
	ReferenceResolution float64 `yaml:"reference_resolution_meters" json:"reference_resolution_meters"`
	MinResolutionFactor float64 `yaml:"min_resolution_factor" json:"min_resolution_factor"`
}

// DefaultParams returns the coefficients of the reference methodology.
func DefaultParams() Params {
	return Params{
		ModelVersion:        DefaultModelVersion,
		BiomassPerNDVI:      100,
		BiomassWeight:       0.5,
		SoilWeight:          0.1,
		ConfidenceCeiling:   0.97,
		ConfidenceFloor:     0.05,
		ReferenceResolution: 10,
		MinResolutionFactor: 0.5,
	}
}

// Validate rejects parameter sets that would break monotonicity or the confidence bounds.
func (p Params) Validate() error {
	for name, v := range map[string]float64{
		"biomass_per_ndvi": p.BiomassPerNDVI,
		"biomass_weight":   p.BiomassWeight,
		"soil_weight":      p.SoilWeight,
	} {
		if math.IsNaN(v) || v < 0 {
			return fmt.Errorf("analysis params: %s must be non-negative, got %v", name, v)
		}
	}
	if !(p.ConfidenceFloor > 0) {
		return fmt.Errorf("analysis params: confidence_floor must be positive, got %v", p.ConfidenceFloor)
	}
	if p.ConfidenceCeiling > 1 || p.ConfidenceCeiling < p.ConfidenceFloor {
		return fmt.Errorf("analysis params: confidence_ceiling must be within [floor,1], got %v", p.ConfidenceCeiling)
	}
	if !(p.ReferenceResolution > 0) {
		return fmt.Errorf("analysis params: reference_resolution_meters must be positive")
	}
	if p.MinResolutionFactor <= 0 || p.MinResolutionFactor > 1 {
		return fmt.Errorf("analysis params: min_resolution_factor must be within (0,1]")
	}
	if p.ModelVersion == "" {
		return fmt.Errorf("analysis params: model_version is required")
	}
	return nil
}

// Carbon combines biomass and soil carbon. Non-decreasing in both arguments.
func (p Params) Carbon(biomass, soilCarbon float64) float64 {
	return biomass*p.BiomassWeight + soilCarbon*p.SoilWeight
}

// Confidence is non-increasing in cloud cover and coarser resolution and
// never drops below the floor.
func (p Params) Confidence(cloudCoverPct, resolutionMeters float64) float64 {
	clear := 1 - clamp(cloudCoverPct, 0, 100)/100
	c := p.ConfidenceFloor + (p.ConfidenceCeiling-p.ConfidenceFloor)*clear*p.resolutionFactor(resolutionMeters)
	return math.Max(p.ConfidenceFloor, c)
}

func (p Params) resolutionFactor(res float64) float64 {
	if res <= p.ReferenceResolution {
		return 1
	}
	return math.Max(p.MinResolutionFactor, p.ReferenceResolution/res)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

// round2 rounds half away from zero to two decimals.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
