package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/carbonmrv/pkg/contracts"
	"github.com/Mindburn-Labs/carbonmrv/pkg/util/resiliency"
)

// Sample is the raw signal the model is computed from.
type Sample struct {
	VegetationIndex   float64 `yaml:"ndvi" json:"ndvi"`
	SoilCarbonContent float64 `yaml:"soil_carbon" json:"soil_carbon"`
}

// Sampler derives vegetation and soil signals for an observation.
type Sampler interface {
	Sample(ctx context.Context, obs contracts.Observation) (Sample, error)
}

// StaticSampler returns the same signal for every observation. Used for
// fixtures and offline runs.
type StaticSampler struct {
	Value Sample
}

func (s StaticSampler) Sample(_ context.Context, _ contracts.Observation) (Sample, error) {
	return s.Value, nil
}

// HTTPSampler queries a remote satellite index service:
//
//	POST {BaseURL}/v1/indices  {observation JSON}  ->  {"ndvi": 0.72, "soil_carbon": 45.1}
type HTTPSampler struct {
	baseURL string
	client  *resiliency.EnhancedClient
}

// NewHTTPSampler builds a sampler backed by the resilient HTTP client.
func NewHTTPSampler(baseURL string, opts ...resiliency.ClientOption) *HTTPSampler {
	return &HTTPSampler{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  resiliency.NewEnhancedClient("satellite-index", opts...),
	}
}

func (s *HTTPSampler) Sample(ctx context.Context, obs contracts.Observation) (Sample, error) {
	payload, err := json.Marshal(obs)
	if err != nil {
		return Sample{}, fmt.Errorf("encode observation: %w", err)
	}

	body, err := s.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/indices", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return Sample{}, fmt.Errorf("%w: %v", contracts.ErrAnalysisUnavailable, err)
	}

	var out Sample
	if err := json.Unmarshal(body, &out); err != nil {
		return Sample{}, fmt.Errorf("%w: decode index response: %v", contracts.ErrAnalysisUnavailable, err)
	}
	return out, nil
}
