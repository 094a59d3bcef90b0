// Package analysis turns a satellite observation into a carbon estimate
// paired with a confidence score.
package analysis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/carbonmrv/pkg/contracts"
)

// Engine is the estimation contract consumed by the orchestrator.
type Engine interface {
	Analyze(ctx context.Context, obs contracts.Observation) (contracts.AnalysisResult, error)
}

// Model is the reference Engine: signals come from a Sampler and are
// combined with Params.
type Model struct {
	params  Params
	sampler Sampler
	logger  *slog.Logger
}

// NewModel validates params and returns a ready model.
func NewModel(params Params, sampler Sampler) (*Model, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if sampler == nil {
		return nil, fmt.Errorf("analysis: sampler is required")
	}
	return &Model{
		params:  params,
		sampler: sampler,
		logger:  slog.Default().With("component", "analysis"),
	}, nil
}

// Params returns the coefficients in use.
func (m *Model) Params() Params { return m.params }

// Analyze validates the observation, samples its signals and derives the estimate.
func (m *Model) Analyze(ctx context.Context, obs contracts.Observation) (contracts.AnalysisResult, error) {
	if err := obs.Validate(); err != nil {
		return contracts.AnalysisResult{}, err
	}

	s, err := m.sampler.Sample(ctx, obs)
	if err != nil {
		return contracts.AnalysisResult{}, err
	}
	ndvi := clamp(s.VegetationIndex, 0, 1)
	soil := s.SoilCarbonContent
	if soil < 0 {
		soil = 0
	}

	biomass := ndvi * m.params.BiomassPerNDVI
	res := contracts.AnalysisResult{
		CarbonSequesteredTons: round2(m.params.Carbon(biomass, soil)),
		ConfidenceScore:       round2(m.params.Confidence(obs.CloudCoverPct, obs.ResolutionMeters)),
		ModelVersion:          m.params.ModelVersion,
		BiomassEstimate:       round2(biomass),
		VegetationIndex:       round2(ndvi),
		SoilCarbonContent:     round2(soil),
	}
	if err := res.Validate(); err != nil {
		return contracts.AnalysisResult{}, fmt.Errorf("analysis produced out-of-range result: %w", err)
	}

	m.logger.DebugContext(ctx, "observation analysed",
		"image_ref", obs.ImageRef,
		"carbon_tons", res.CarbonSequesteredTons,
		"confidence", res.ConfidenceScore)
	return res, nil
}
