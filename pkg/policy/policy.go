// Package policy decides whether a verified report is eligible for minting.
// Rules are CEL expressions evaluated against the report's analysis outputs.
package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/carbonmrv/pkg/contracts"
)

// DefaultThreshold is the minimum confidence for minting.
const DefaultThreshold = 0.7

// DefaultRule mints when the model is confident enough.
const DefaultRule = `report.confidence >= threshold`

// Decision is the outcome of an eligibility check.
type Decision struct {
	Eligible bool   `json:"eligible"`
	Rule     string `json:"rule,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Evaluator checks records against an ordered list of rules. All rules must
// hold. Compiled programs are cached per expression.
type Evaluator struct {
	env       *cel.Env
	threshold float64
	rules     []string

	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewEvaluator compiles rules eagerly so a bad profile fails at startup.
// With no rules the evaluator applies DefaultRule.
func NewEvaluator(threshold float64, rules ...string) (*Evaluator, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be within [0,1], got %v", threshold)
	}
	env, err := cel.NewEnv(
		cel.Variable("report", cel.DynType),
		cel.Variable("threshold", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	if len(rules) == 0 {
		rules = []string{DefaultRule}
	}
	e := &Evaluator{
		env:       env,
		threshold: threshold,
		rules:     append([]string(nil), rules...),
		prgCache:  make(map[string]cel.Program),
	}
	for _, r := range e.rules {
		if _, err := e.program(r); err != nil {
			return nil, fmt.Errorf("rule %q: %w", r, err)
		}
	}
	return e, nil
}

// Threshold returns the configured confidence threshold.
func (e *Evaluator) Threshold() float64 { return e.threshold }

// Evaluate returns the first failing rule, or an eligible decision.
func (e *Evaluator) Evaluate(rec contracts.VerificationRecord) (Decision, error) {
	input := map[string]any{
		"threshold": e.threshold,
		"report":    reportVars(rec),
	}
	for _, rule := range e.rules {
		ok, err := e.eval(rule, input)
		if err != nil {
			return Decision{}, fmt.Errorf("policy rule %q: %w", rule, err)
		}
		if !ok {
			return Decision{
				Eligible: false,
				Rule:     rule,
				Reason:   fmt.Sprintf("confidence %.2f below threshold %.2f or rule not met", rec.Proof.ConfidenceScore, e.threshold),
			}, nil
		}
	}
	return Decision{Eligible: true}, nil
}

func reportVars(rec contracts.VerificationRecord) map[string]any {
	practices := make([]any, 0, len(rec.Evidence.Farm.Practices))
	for _, p := range rec.Evidence.Farm.Practices {
		practices = append(practices, p)
	}
	return map[string]any{
		"id":                rec.ReportID,
		"owner":             rec.Farm.OwnerAddress,
		"farm_id":           rec.Farm.LocationID,
		"land_area":         rec.Farm.LandArea,
		"confidence":        rec.Proof.ConfidenceScore,
		"carbon_tons":       rec.Measurement.CarbonSequesteredTons,
		"model_version":     rec.Proof.ModelVersion,
		"cloud_cover_pct":   rec.Evidence.Observation.CloudCoverPct,
		"resolution_meters": rec.Evidence.Observation.ResolutionMeters,
		"crop_type":         rec.Evidence.Farm.CropType,
		"practices":         practices,
	}
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("rule must evaluate to bool, got %s", out)
	}
	p, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache[expr] = p
	return p, nil
}

func (e *Evaluator) eval(expr string, input map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}
