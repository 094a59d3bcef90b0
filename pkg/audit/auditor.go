// Package audit re-validates stored verification records and keeps the
// mutation trail written by the orchestrator.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/opencontainers/go-digest"

	"github.com/Mindburn-Labs/carbonmrv/pkg/artifacts"
	"github.com/Mindburn-Labs/carbonmrv/pkg/canonicalize"
	"github.com/Mindburn-Labs/carbonmrv/pkg/contracts"
)

// Issue messages reported by the auditor.
const (
	IssueNotFound      = "Report not found"
	IssueLowConfidence = "Low AI confidence score"
	IssueIntegrity     = "Data integrity check failed"
	IssueFutureTime    = "Future timestamp detected"
	IssueStale         = "Report is too old"
	IssueModelOutdated = "Model version below required minimum"
)

// DefaultFreshness is how old a measurement may be before it is flagged stale.
const DefaultFreshness = 90 * 24 * time.Hour

// Discount factors applied per issue.
const (
	defaultThreshold    = 0.7
	lowConfidenceFactor = 0.7
	integrityFactor     = 0.5
	futureFactor        = 0.3
	staleFactor         = 0.8
	modelFactor         = 0.9
)

// Result is the outcome of an audit. Confidence is a multiplicative discount
// over 1.0, rounded to two decimals.
type Result struct {
	ReportID   string   `json:"report_id"`
	Valid      bool     `json:"valid"`
	Confidence float64  `json:"confidence"`
	Issues     []string `json:"issues"`
}

// RecordSource reads records by id.
type RecordSource interface {
	Get(ctx context.Context, reportID string) (contracts.VerificationRecord, error)
}

// SnapshotStore is the content store records were persisted to. The indexed
// copy of a record is mutable; the snapshot under its storage ref is not.
type SnapshotStore interface {
	Get(ctx context.Context, cid digest.Digest) (contracts.VerificationRecord, error)
	VerifyIntegrity(ctx context.Context, cid digest.Digest, expected string) (bool, error)
}

// Auditor checks persisted records. It never mutates them.
type Auditor struct {
	records   RecordSource
	snapshots SnapshotStore
	threshold float64
	freshness time.Duration
	minModel  *semver.Constraints
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures an Auditor.
type Option func(*Auditor)

// WithThreshold sets the low-confidence threshold.
func WithThreshold(t float64) Option { return func(a *Auditor) { a.threshold = t } }

// WithFreshness sets how old a measurement may be before it is flagged stale.
func WithFreshness(d time.Duration) Option { return func(a *Auditor) { a.freshness = d } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(a *Auditor) { a.now = now } }

// WithMinModelVersion flags records produced by a model older than v.
func WithMinModelVersion(v string) Option {
	return func(a *Auditor) {
		c, err := semver.NewConstraint(">= " + v)
		if err != nil {
			a.logger.Warn("ignoring invalid minimum model version", "version", v, "error", err)
			return
		}
		a.minModel = c
	}
}

func NewAuditor(records RecordSource, snapshots SnapshotStore, opts ...Option) *Auditor {
	a := &Auditor{
		records:   records,
		snapshots: snapshots,
		threshold: defaultThreshold,
		freshness: DefaultFreshness,
		now:       time.Now,
		logger:    slog.Default().With("component", "auditor"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Audit re-validates reportID. A missing report is a result, not an error;
// errors are returned only when the record source or content store is down.
func (a *Auditor) Audit(ctx context.Context, reportID string) (Result, error) {
	rec, err := a.records.Get(ctx, reportID)
	if errors.Is(err, contracts.ErrNotFound) {
		return Result{ReportID: reportID, Valid: false, Confidence: 0, Issues: []string{IssueNotFound}}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("audit %s: %w", reportID, err)
	}

	var (
		issues     = []string{}
		confidence = 1.0
		fatal      bool
	)
	flag := func(issue string, factor float64, isFatal bool) {
		issues = append(issues, issue)
		confidence *= factor
		fatal = fatal || isFatal
	}

	if rec.Proof.ConfidenceScore < a.threshold {
		flag(IssueLowConfidence, lowConfidenceFactor, true)
	}

	intact, err := a.intact(ctx, rec)
	if err != nil {
		return Result{}, fmt.Errorf("audit %s: %w", reportID, err)
	}
	if !intact {
		flag(IssueIntegrity, integrityFactor, true)
	}

	now := a.now()
	switch ts := rec.Measurement.Timestamp; {
	case ts.After(now):
		flag(IssueFutureTime, futureFactor, true)
	case now.Sub(ts) > a.freshness:
		flag(IssueStale, staleFactor, false)
	}

	if a.minModel != nil {
		if v, err := semver.NewVersion(modelSemver(rec.Proof.ModelVersion)); err != nil || !a.minModel.Check(v) {
			flag(IssueModelOutdated, modelFactor, true)
		}
	}

	res := Result{
		ReportID:   reportID,
		Valid:      !fatal,
		Confidence: math.Round(confidence*100) / 100,
		Issues:     issues,
	}
	a.logger.DebugContext(ctx, "report audited", "report_id", reportID, "valid", res.Valid, "issues", len(issues))
	return res, nil
}

// intact reports whether the claim in rec is backed by its evidence and, once
// stored, by the persisted snapshot. Only store outages are returned as errors.
func (a *Auditor) intact(ctx context.Context, rec contracts.VerificationRecord) (bool, error) {
	if !matchesEvidence(rec) {
		return false, nil
	}
	if rec.StorageRef == "" || a.snapshots == nil {
		return true, nil
	}
	cid := digest.Digest(rec.StorageRef)
	ok, err := a.snapshots.VerifyIntegrity(ctx, cid, rec.Proof.RawDataHash)
	if err != nil || !ok {
		return false, err
	}
	stored, err := a.snapshots.Get(ctx, cid)
	switch {
	case errors.Is(err, contracts.ErrNotFound), errors.Is(err, artifacts.ErrIntegrity):
		return false, nil
	case err != nil:
		return false, err
	}
	return sameClaim(rec, stored), nil
}

// matchesEvidence checks the claim fields against the embedded evidence tuple
// and the evidence against its committed hash.
func matchesEvidence(rec contracts.VerificationRecord) bool {
	ev := rec.Evidence
	if rec.Measurement.CarbonSequesteredTons != ev.Analysis.CarbonSequesteredTons ||
		rec.Proof.ConfidenceScore != ev.Analysis.ConfidenceScore ||
		rec.Proof.ModelVersion != ev.Analysis.ModelVersion ||
		rec.Farm.OwnerAddress != ev.Farm.OwnerAddress ||
		rec.Farm.LocationID != ev.Farm.FarmID {
		return false
	}
	hash, err := canonicalize.CanonicalHash(ev)
	return err == nil && hash == rec.Proof.RawDataHash
}

func sameClaim(a, b contracts.VerificationRecord) bool {
	return a.ReportID == b.ReportID &&
		a.Farm == b.Farm &&
		a.Measurement.CarbonSequesteredTons == b.Measurement.CarbonSequesteredTons &&
		a.Measurement.Timestamp.Equal(b.Measurement.Timestamp) &&
		a.Proof == b.Proof
}

// modelSemver strips a "Name-v" prefix such as "CarbonNet-v2.1.0".
func modelSemver(model string) string {
	for i := len(model) - 1; i >= 0; i-- {
		if model[i] == '-' && i+1 < len(model) && (model[i+1] == 'v' || model[i+1] == 'V') {
			return model[i+2:]
		}
	}
	return model
}
