package config

import (
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/carbonmrv/pkg/analysis"
	"github.com/Mindburn-Labs/carbonmrv/pkg/policy"
)

// Profile is a methodology profile: the tunables that decide how a farm's
// sequestration is estimated, when credits may be issued and how audits judge them.
type Profile struct {
	Name                string          `yaml:"name" json:"name"`
	Standard            string          `yaml:"standard" json:"standard"`
	ConfidenceThreshold float64         `yaml:"confidence_threshold" json:"confidence_threshold"`
	FreshnessDays       int             `yaml:"freshness_days" json:"freshness_days"`
	MinModelVersion     string          `yaml:"min_model_version,omitempty" json:"min_model_version,omitempty"`
	AutoReject          bool            `yaml:"auto_reject" json:"auto_reject"`
	MintRules           []string        `yaml:"mint_rules,omitempty" json:"mint_rules,omitempty"`
	Analysis            analysis.Params `yaml:"analysis" json:"analysis"`
	Fixture             analysis.Sample `yaml:"fixture" json:"fixture"`
}

// DefaultProfile is the reference methodology.
func DefaultProfile() *Profile {
	return &Profile{
		Name:                "default",
		Standard:            "Carbon Credit Verification Standard v1.0",
		ConfidenceThreshold: policy.DefaultThreshold,
		FreshnessDays:       90,
		MintRules:           []string{policy.DefaultRule},
		Analysis:            analysis.DefaultParams(),
		Fixture:             analysis.Sample{VegetationIndex: 0.72, SoilCarbonContent: 45},
	}
}

// LoadProfile reads a YAML profile from path. Fields absent from the file keep
// their DefaultProfile values. An empty path returns the default profile.
func LoadProfile(path string) (*Profile, error) {
	p := DefaultProfile()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("profile %q: %w", path, err)
	}
	return p, nil
}

// Validate checks ranges and that the minimum model version parses.
func (p *Profile) Validate() error {
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be within [0,1], got %v", p.ConfidenceThreshold)
	}
	if p.FreshnessDays <= 0 {
		return fmt.Errorf("freshness_days must be positive, got %d", p.FreshnessDays)
	}
	if p.MinModelVersion != "" {
		if _, err := semver.NewVersion(p.MinModelVersion); err != nil {
			return fmt.Errorf("min_model_version: %w", err)
		}
	}
	return p.Analysis.Validate()
}

// Freshness returns the audit freshness window.
func (p *Profile) Freshness() time.Duration {
	return time.Duration(p.FreshnessDays) * 24 * time.Hour
}
