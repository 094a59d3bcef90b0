// Package verification orchestrates the report lifecycle: analyze, build,
// register, store, check eligibility and mint. Each step is applied to the
// registry before the next begins, so an interrupted run leaves a record that
// can be resumed with StoreReport or MintReport.
package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/Mindburn-Labs/carbonmrv/pkg/analysis"
	"github.com/Mindburn-Labs/carbonmrv/pkg/artifacts"
	"github.com/Mindburn-Labs/carbonmrv/pkg/audit"
	"github.com/Mindburn-Labs/carbonmrv/pkg/contracts"
	"github.com/Mindburn-Labs/carbonmrv/pkg/observability"
	"github.com/Mindburn-Labs/carbonmrv/pkg/policy"
	"github.com/Mindburn-Labs/carbonmrv/pkg/registry"
	"github.com/Mindburn-Labs/carbonmrv/pkg/report"
	"github.com/Mindburn-Labs/carbonmrv/pkg/token"
	"github.com/Mindburn-Labs/carbonmrv/pkg/util/resiliency"
)

// ContentStore persists records and scenes by content id.
type ContentStore interface {
	Put(ctx context.Context, rec contracts.VerificationRecord) (digest.Digest, error)
	PutImage(ctx context.Context, data []byte) (digest.Digest, error)
	GetEnvelope(ctx context.Context, cid digest.Digest) (artifacts.Envelope, error)
	PublicURL(cid digest.Digest, filename string) string
}

// Document is the persisted form of a report as a third party would fetch it.
type Document struct {
	StorageRef string             `json:"storage_ref"`
	PublicURL  string             `json:"public_url"`
	ImageURL   string             `json:"image_url,omitempty"`
	Envelope   artifacts.Envelope `json:"envelope"`
}

// Eligibility decides whether a stored record may be minted.
type Eligibility interface {
	Evaluate(rec contracts.VerificationRecord) (policy.Decision, error)
}

// Deps are the collaborators of a Service. Engine, Index, Store and Ledger
// are required.
type Deps struct {
	Engine    analysis.Engine
	Builder   *report.Builder
	Index     registry.Index
	Store     ContentStore
	Ledger    token.Ledger
	Policy    Eligibility
	Events    audit.Logger
	Telemetry *observability.Provider
}

// Service is the orchestrator.
type Service struct {
	engine    analysis.Engine
	builder   *report.Builder
	index     registry.Index
	store     ContentStore
	ledger    token.Ledger
	policy    Eligibility
	events    audit.Logger
	telemetry *observability.Provider

	retry       resiliency.RetryPolicy
	stepTimeout time.Duration
	concurrency int
	autoReject  bool
	now         func() time.Time
	logger      *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithRetryPolicy bounds retries of transient store and ledger failures.
func WithRetryPolicy(p resiliency.RetryPolicy) Option { return func(s *Service) { s.retry = p } }

// WithStepTimeout caps each external call.
func WithStepTimeout(d time.Duration) Option { return func(s *Service) { s.stepTimeout = d } }

// WithConcurrency bounds RunBatch parallelism.
func WithConcurrency(n int) Option { return func(s *Service) { s.concurrency = n } }

// WithAutoReject rejects stored records that fail eligibility instead of
// leaving them PENDING for review.
func WithAutoReject(on bool) Option { return func(s *Service) { s.autoReject = on } }

// WithClock overrides the time source used for status timestamps.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService wires a Service. Missing optional deps get defaults: the default
// builder for the ledger's network, the default confidence policy, a discarding
// event log and disabled telemetry.
func NewService(d Deps, opts ...Option) (*Service, error) {
	if d.Engine == nil || d.Index == nil || d.Store == nil || d.Ledger == nil {
		return nil, errors.New("verification: engine, index, store and ledger are required")
	}
	s := &Service{
		engine:      d.Engine,
		builder:     d.Builder,
		index:       d.Index,
		store:       d.Store,
		ledger:      d.Ledger,
		policy:      d.Policy,
		events:      d.Events,
		telemetry:   d.Telemetry,
		retry:       resiliency.DefaultRetryPolicy(),
		stepTimeout: 30 * time.Second,
		concurrency: 4,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      slog.Default().With("component", "verification"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.builder == nil {
		s.builder = report.NewBuilder(d.Ledger.Info().NetworkID)
	}
	if s.policy == nil {
		p, err := policy.NewEvaluator(policy.DefaultThreshold)
		if err != nil {
			return nil, err
		}
		s.policy = p
	}
	if s.events == nil {
		s.events = audit.NewMemoryLogger()
	}
	if s.telemetry == nil {
		t, err := observability.New(context.Background(), observability.DefaultConfig())
		if err != nil {
			return nil, err
		}
		s.telemetry = t
	}
	if s.concurrency < 1 {
		s.concurrency = 1
	}
	s.retry.AttemptTimeout = s.stepTimeout
	return s, nil
}

// RunWorkflow runs the full pipeline for one observation of one farm.
//
// An analysis failure returns a nil result and creates no record. Once the
// record is registered a result is always returned; a storage or ledger
// failure stops the run early, leaves the record resumable and is reported
// in WorkflowResult.Error rather than as an error.
func (s *Service) RunWorkflow(ctx context.Context, farm contracts.FarmRecord, obs contracts.Observation) (*contracts.WorkflowResult, error) {
	if err := farm.Validate(); err != nil {
		return nil, err
	}
	if err := obs.Validate(); err != nil {
		return nil, err
	}

	analysisResult, err := s.analyze(ctx, obs)
	if err != nil {
		s.logger.WarnContext(ctx, "analysis failed, no record created", "farm_id", farm.FarmID, "error", err)
		return nil, err
	}

	if len(obs.ImageData) > 0 {
		obs.ImageRef = s.storeImage(ctx, obs)
		obs.ImageData = nil
	}

	rec, err := s.builder.Build(farm, obs, analysisResult)
	if err != nil {
		return nil, err
	}
	if err := s.index.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("register report: %w", err)
	}
	s.record(ctx, audit.EventMutation, "report.created", rec.ReportID, map[string]any{
		"farm_id":     farm.FarmID,
		"carbon_tons": analysisResult.CarbonSequesteredTons,
		"confidence":  analysisResult.ConfidenceScore,
	})

	return s.advance(ctx, rec), nil
}

// Resume drives an existing record as far as it can go: store it if needed,
// then evaluate and mint it.
func (s *Service) Resume(ctx context.Context, reportID string) (*contracts.WorkflowResult, error) {
	rec, err := s.index.Get(ctx, reportID)
	if err != nil {
		return nil, err
	}
	return s.advance(ctx, rec), nil
}

// advance runs the store, eligibility and mint steps from wherever rec is.
func (s *Service) advance(ctx context.Context, rec contracts.VerificationRecord) *contracts.WorkflowResult {
	if rec.Status.Terminal() {
		return resultOf(rec)
	}

	if rec.StorageRef == "" {
		stored, err := s.storeRecord(ctx, rec)
		if err != nil {
			res := resultOf(rec)
			res.Error = err.Error()
			return res
		}
		rec = stored
	}

	if rec.Status == contracts.StatusPending {
		next, err := s.verify(ctx, rec)
		if err != nil {
			res := resultOf(rec)
			res.Error = err.Error()
			return res
		}
		rec = next
		if rec.Status != contracts.StatusVerified {
			return resultOf(rec)
		}
	}

	minted, err := s.mint(ctx, rec)
	if err != nil {
		res := resultOf(rec)
		res.Error = err.Error()
		return res
	}
	return resultOf(minted)
}

// StoreReport puts a registered record into the content store. It is a
// no-op returning the existing record if a storage ref is already set.
func (s *Service) StoreReport(ctx context.Context, reportID string) (contracts.VerificationRecord, error) {
	rec, err := s.index.Get(ctx, reportID)
	if err != nil {
		return contracts.VerificationRecord{}, err
	}
	if rec.StorageRef != "" {
		return rec, nil
	}
	return s.storeRecord(ctx, rec)
}

// MintReport issues credits for a stored, eligible record. Minting an already
// minted record returns it unchanged with its original transaction.
func (s *Service) MintReport(ctx context.Context, reportID string) (contracts.VerificationRecord, error) {
	rec, err := s.index.Get(ctx, reportID)
	if err != nil {
		return contracts.VerificationRecord{}, err
	}
	switch rec.Status {
	case contracts.StatusMinted:
		return rec, nil
	case contracts.StatusRejected:
		return contracts.VerificationRecord{}, fmt.Errorf("%w: report %s is rejected", contracts.ErrInvalidTransition, reportID)
	}
	if rec.StorageRef == "" {
		return contracts.VerificationRecord{}, fmt.Errorf("%w: report %s has not been stored", contracts.ErrInvalidTransition, reportID)
	}
	if rec.Status == contracts.StatusPending {
		if rec, err = s.verify(ctx, rec); err != nil {
			return contracts.VerificationRecord{}, err
		}
		if rec.Status != contracts.StatusVerified {
			return contracts.VerificationRecord{}, fmt.Errorf("%w: %s", contracts.ErrNotEligible, rec.StatusReason)
		}
	}
	return s.mint(ctx, rec)
}

// RejectReport withdraws a record from issuance. A VERIFIED record whose mint
// has been sent to the ledger cannot be rejected until MintReport settles it.
func (s *Service) RejectReport(ctx context.Context, reportID, reason string) (contracts.VerificationRecord, error) {
	if reason == "" {
		reason = "rejected by operator"
	}
	rec, err := s.index.Update(ctx, reportID, func(r *contracts.VerificationRecord) error {
		if r.MintRequested && r.Status == contracts.StatusVerified {
			return fmt.Errorf("%w: report %s has a mint in flight, settle it with a mint retry", contracts.ErrInvalidTransition, reportID)
		}
		return r.Advance(contracts.StatusRejected, reason, s.now())
	})
	if err != nil {
		return contracts.VerificationRecord{}, err
	}
	s.record(ctx, audit.EventMutation, "report.rejected", reportID, map[string]any{"reason": reason})
	return rec, nil
}

// ReportDocument fetches the stored envelope of a report. Reports that have
// not been stored yet are not found.
func (s *Service) ReportDocument(ctx context.Context, reportID string) (Document, error) {
	rec, err := s.index.Get(ctx, reportID)
	if err != nil {
		return Document{}, err
	}
	if rec.StorageRef == "" {
		return Document{}, fmt.Errorf("%w: report %s has not been stored", contracts.ErrNotFound, reportID)
	}
	cid := digest.Digest(rec.StorageRef)

	ctx, done := s.telemetry.TrackOperation(ctx, "store.get")
	gctx, cancel := context.WithTimeout(ctx, s.stepTimeout)
	defer cancel()
	env, err := s.store.GetEnvelope(gctx, cid)
	err = transient(err, contracts.ErrStoreUnavailable)
	done(err)
	if err != nil {
		return Document{}, err
	}

	doc := Document{StorageRef: rec.StorageRef, PublicURL: s.store.PublicURL(cid, ""), Envelope: env}
	if img, err := digest.Parse(rec.Proof.ImageRef); err == nil {
		doc.ImageURL = s.store.PublicURL(img, "")
	}
	return doc, nil
}

// Journal returns the ledger journal and whether its hash chain verifies.
func (s *Service) Journal(ctx context.Context) (token.JournalStatus, error) {
	j, ok := s.ledger.(token.Journaler)
	if !ok {
		return token.JournalStatus{}, fmt.Errorf("%w: ledger %s keeps no readable journal", contracts.ErrNotFound, s.ledger.Info().NetworkID)
	}
	ctx, done := s.telemetry.TrackOperation(ctx, "ledger.journal")
	st, err := token.CheckJournal(ctx, j)
	err = transient(err, contracts.ErrLedgerUnavailable)
	done(err)
	if err == nil && !st.Valid {
		s.logger.ErrorContext(ctx, "ledger journal failed verification", "problem", st.Problem)
	}
	return st, err
}

func (s *Service) GetReport(ctx context.Context, reportID string) (contracts.VerificationRecord, error) {
	return s.index.Get(ctx, reportID)
}

func (s *Service) ListReports(ctx context.Context, f registry.Filter) ([]contracts.VerificationRecord, error) {
	return s.index.List(ctx, f)
}

func (s *Service) ListByOwner(ctx context.Context, owner string) ([]contracts.VerificationRecord, error) {
	return s.index.List(ctx, registry.Filter{Owner: owner})
}

func (s *Service) ListByFarm(ctx context.Context, farmID string) ([]contracts.VerificationRecord, error) {
	return s.index.List(ctx, registry.Filter{FarmID: farmID})
}

// TotalCreditsMinted sums the tonnage of owner's minted records.
func (s *Service) TotalCreditsMinted(ctx context.Context, owner string) (float64, error) {
	recs, err := s.index.List(ctx, registry.Filter{Owner: owner, Status: contracts.StatusMinted})
	if err != nil {
		return 0, err
	}
	var total token.Amount
	for _, r := range recs {
		a, err := token.FromTons(r.Measurement.CarbonSequesteredTons)
		if err != nil {
			return 0, err
		}
		if total, err = total.Add(a); err != nil {
			return 0, err
		}
	}
	return total.Tons(), nil
}

func (s *Service) Balance(ctx context.Context, address string) (token.Amount, error) {
	return s.ledger.BalanceOf(ctx, address)
}

func (s *Service) TokenInfo() token.Info { return s.ledger.Info() }

// Transfer moves credits between holders. Unlike minting it has no
// idempotency key, so it is attempted once and never retried.
func (s *Service) Transfer(ctx context.Context, from, to string, amount token.Amount) (token.TxID, error) {
	ctx, done := s.telemetry.TrackOperation(ctx, "ledger.transfer")
	tctx, cancel := context.WithTimeout(ctx, s.stepTimeout)
	defer cancel()
	tx, err := s.ledger.Transfer(tctx, from, to, amount)
	err = transient(err, contracts.ErrLedgerUnavailable)
	done(err)
	if err != nil {
		return "", err
	}
	s.record(ctx, audit.EventLedger, "ledger.transfer", string(tx), map[string]any{
		"from": from, "to": to, "amount": amount.String(),
	})
	return tx, nil
}

// Retire permanently removes credits held by holder. Attempted once.
func (s *Service) Retire(ctx context.Context, holder string, amount token.Amount, reason string) (token.TxID, error) {
	ctx, done := s.telemetry.TrackOperation(ctx, "ledger.retire")
	tctx, cancel := context.WithTimeout(ctx, s.stepTimeout)
	defer cancel()
	tx, err := s.ledger.Retire(tctx, holder, amount, reason)
	err = transient(err, contracts.ErrLedgerUnavailable)
	done(err)
	if err != nil {
		return "", err
	}
	s.record(ctx, audit.EventLedger, "ledger.retire", string(tx), map[string]any{
		"holder": holder, "amount": amount.String(), "reason": reason,
	})
	return tx, nil
}

func (s *Service) analyze(ctx context.Context, obs contracts.Observation) (contracts.AnalysisResult, error) {
	ctx, done := s.telemetry.TrackOperation(ctx, "workflow.analyze")
	actx, cancel := context.WithTimeout(ctx, s.stepTimeout)
	defer cancel()

	res, err := s.engine.Analyze(actx, obs)
	err = transient(err, contracts.ErrAnalysisUnavailable)
	done(err)
	return res, err
}

// storeImage stores the raw scene and returns its content id. Failure is not
// fatal: the record keeps the caller's image reference.
func (s *Service) storeImage(ctx context.Context, obs contracts.Observation) string {
	ctx, done := s.telemetry.TrackOperation(ctx, "workflow.store_image")
	var cid digest.Digest
	err := s.withRetry(ctx, "store.image", func(ctx context.Context) error {
		var err error
		cid, err = s.store.PutImage(ctx, obs.ImageData)
		return transient(err, contracts.ErrStoreUnavailable)
	})
	done(err)
	if err != nil {
		s.logger.WarnContext(ctx, "scene upload failed, keeping external reference", "image_ref", obs.ImageRef, "error", err)
		return obs.ImageRef
	}
	return cid.String()
}

func (s *Service) storeRecord(ctx context.Context, rec contracts.VerificationRecord) (contracts.VerificationRecord, error) {
	ctx, done := s.telemetry.TrackOperation(ctx, "workflow.store")
	var cid digest.Digest
	err := s.withRetry(ctx, "store.put", func(ctx context.Context) error {
		var err error
		cid, err = s.store.Put(ctx, rec)
		return transient(err, contracts.ErrStoreUnavailable)
	})
	done(err)
	if err != nil {
		s.logger.WarnContext(ctx, "storage failed, record left pending", "report_id", rec.ReportID, "error", err)
		s.record(ctx, audit.EventMutation, "report.store_failed", rec.ReportID, map[string]any{"error": err.Error()})
		return contracts.VerificationRecord{}, err
	}

	updated, err := s.index.Update(ctx, rec.ReportID, func(r *contracts.VerificationRecord) error {
		if r.StorageRef == "" {
			r.StorageRef = cid.String()
			r.UpdatedAt = s.now()
		}
		return nil
	})
	if err != nil {
		return contracts.VerificationRecord{}, fmt.Errorf("record storage ref: %w", err)
	}
	s.record(ctx, audit.EventMutation, "report.stored", rec.ReportID, map[string]any{"storage_ref": updated.StorageRef})
	return updated, nil
}

// verify applies the mint policy to a stored PENDING record. Eligible records
// move to VERIFIED; the rest stay PENDING with a reason, or are rejected when
// auto-reject is on.
func (s *Service) verify(ctx context.Context, rec contracts.VerificationRecord) (contracts.VerificationRecord, error) {
	decision, err := s.policy.Evaluate(rec)
	if err != nil {
		return contracts.VerificationRecord{}, err
	}
	if decision.Eligible {
		if _, err := token.FromTons(rec.Measurement.CarbonSequesteredTons); err != nil || rec.Measurement.CarbonSequesteredTons <= 0 {
			decision = policy.Decision{Reason: "no sequestration to issue"}
		}
	}

	updated, err := s.index.Update(ctx, rec.ReportID, func(r *contracts.VerificationRecord) error {
		switch {
		case decision.Eligible:
			return r.Advance(contracts.StatusVerified, "eligible for minting", s.now())
		case s.autoReject:
			return r.Advance(contracts.StatusRejected, decision.Reason, s.now())
		default:
			r.StatusReason = decision.Reason
			return nil
		}
	})
	if err != nil {
		return contracts.VerificationRecord{}, err
	}

	switch updated.Status {
	case contracts.StatusVerified:
		s.record(ctx, audit.EventPolicy, "report.verified", rec.ReportID, nil)
	case contracts.StatusRejected:
		s.record(ctx, audit.EventPolicy, "report.rejected", rec.ReportID, map[string]any{"reason": decision.Reason})
	default:
		s.record(ctx, audit.EventPolicy, "report.held", rec.ReportID, map[string]any{"reason": decision.Reason, "rule": decision.Rule})
	}
	return updated, nil
}

// mint issues credits for a VERIFIED record. The report id is the ledger
// idempotency key, so repeating a mint whose response was lost returns the
// original transaction.
func (s *Service) mint(ctx context.Context, rec contracts.VerificationRecord) (contracts.VerificationRecord, error) {
	amount, err := token.FromTons(rec.Measurement.CarbonSequesteredTons)
	if err != nil {
		return contracts.VerificationRecord{}, err
	}

	// Claim the record first. A reject that lands before this wins; one that
	// lands after is refused until the outcome below is recorded.
	claimed, err := s.index.Update(ctx, rec.ReportID, func(r *contracts.VerificationRecord) error {
		switch r.Status {
		case contracts.StatusVerified:
			r.MintRequested = true
			return nil
		case contracts.StatusMinted:
			return nil
		default:
			return fmt.Errorf("%w: report %s is %s", contracts.ErrInvalidTransition, r.ReportID, r.Status)
		}
	})
	if err != nil {
		return contracts.VerificationRecord{}, err
	}
	if claimed.Status == contracts.StatusMinted {
		return claimed, nil
	}

	ctx, done := s.telemetry.TrackOperation(ctx, "workflow.mint")
	var tx token.TxID
	err = s.withRetry(ctx, "ledger.mint", func(ctx context.Context) error {
		var err error
		tx, err = s.ledger.Mint(ctx, token.MintRequest{
			To:             rec.Owner(),
			Amount:         amount,
			StorageRef:     rec.StorageRef,
			IdempotencyKey: rec.ReportID,
		})
		return transient(err, contracts.ErrLedgerUnavailable)
	})
	done(err)
	if err != nil {
		s.logger.WarnContext(ctx, "mint failed, record left verified", "report_id", rec.ReportID, "error", err)
		s.record(ctx, audit.EventLedger, "report.mint_failed", rec.ReportID, map[string]any{"error": err.Error()})
		if !contracts.IsTransient(err) {
			s.releaseMint(ctx, rec.ReportID)
		}
		return contracts.VerificationRecord{}, err
	}

	info := s.ledger.Info()
	updated, err := s.index.Update(ctx, rec.ReportID, func(r *contracts.VerificationRecord) error {
		if r.Ledger.TxHash == "" {
			r.Ledger.TxHash = string(tx)
			r.Ledger.TokenID = info.TokenID
			r.Ledger.NetworkID = info.NetworkID
		}
		r.MintRequested = false
		return r.Advance(contracts.StatusMinted, "credits issued", s.now())
	})
	if err != nil {
		return contracts.VerificationRecord{}, fmt.Errorf("record mint %s: %w", tx, err)
	}
	s.telemetry.RecordCredits(ctx, rec.Measurement.CarbonSequesteredTons)
	s.record(ctx, audit.EventLedger, "report.minted", rec.ReportID, map[string]any{
		"tx_hash": updated.Ledger.TxHash,
		"amount":  amount.String(),
		"owner":   rec.Owner(),
	})
	return updated, nil
}

// releaseMint clears the in-flight marker after the ledger refused a mint
// outright. Transient failures keep it: the ledger may have committed.
func (s *Service) releaseMint(ctx context.Context, reportID string) {
	_, err := s.index.Update(ctx, reportID, func(r *contracts.VerificationRecord) error {
		r.MintRequested = false
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "could not clear mint marker", "report_id", reportID, "error", err)
	}
}

func (s *Service) withRetry(ctx context.Context, name string, op func(ctx context.Context) error) error {
	return resiliency.Retry(ctx, name, s.retry, contracts.IsTransient, op)
}

func (s *Service) record(ctx context.Context, t audit.EventType, action, resource string, meta map[string]any) {
	if err := s.events.Record(ctx, t, action, resource, meta); err != nil {
		s.logger.ErrorContext(ctx, "audit trail write failed", "action", action, "resource", resource, "error", err)
	}
}

// transient classifies a timed-out call as the adapter's transient kind.
func transient(err, kind error) error {
	if err == nil || errors.Is(err, kind) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", kind, err)
	}
	return err
}

func resultOf(rec contracts.VerificationRecord) *contracts.WorkflowResult {
	return &contracts.WorkflowResult{
		ReportID:      rec.ReportID,
		StorageRef:    rec.StorageRef,
		TxHash:        rec.Ledger.TxHash,
		CarbonCredits: rec.Measurement.CarbonSequesteredTons,
		Status:        rec.Status,
	}
}
