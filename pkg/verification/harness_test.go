package verification

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/carbonmrv/pkg/analysis"
	"github.com/Mindburn-Labs/carbonmrv/pkg/artifacts"
	"github.com/Mindburn-Labs/carbonmrv/pkg/audit"
	"github.com/Mindburn-Labs/carbonmrv/pkg/contracts"
	"github.com/Mindburn-Labs/carbonmrv/pkg/registry"
	"github.com/Mindburn-Labs/carbonmrv/pkg/token"
	"github.com/Mindburn-Labs/carbonmrv/pkg/util/resiliency"
)

var capturedAt = time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

func farmF1() contracts.FarmRecord {
	return contracts.FarmRecord{
		FarmID:       "F1",
		OwnerAddress: "addr-A",
		LandArea:     12.5,
		Coordinates:  contracts.Coordinates{Latitude: -1.29, Longitude: 36.82},
		CropType:     "maize",
		Practices:    []string{"no-till"},
	}
}

func observation(cloud float64) contracts.Observation {
	return contracts.Observation{
		ImageRef:         "s2://T37MBU/2026-05-01",
		CapturedAt:       capturedAt,
		Coordinates:      contracts.Coordinates{Latitude: -1.29, Longitude: 36.82},
		ResolutionMeters: 10,
		CloudCoverPct:    cloud,
	}
}

// flakyStore fails Put while failing is set, or for the next failNext calls.
type flakyStore struct {
	*artifacts.RecordStore
	mu        sync.Mutex
	failing   bool
	failNext  int
	putCalls  int
	imageCall int
}

func (f *flakyStore) Put(ctx context.Context, rec contracts.VerificationRecord) (digest.Digest, error) {
	f.mu.Lock()
	f.putCalls++
	fail := f.failing || f.failNext > 0
	if f.failNext > 0 {
		f.failNext--
	}
	f.mu.Unlock()
	if fail {
		return "", contracts.ErrStoreUnavailable
	}
	return f.RecordStore.Put(ctx, rec)
}

func (f *flakyStore) PutImage(ctx context.Context, data []byte) (digest.Digest, error) {
	f.mu.Lock()
	f.imageCall++
	f.mu.Unlock()
	return f.RecordStore.PutImage(ctx, data)
}

func (f *flakyStore) setFailing(on bool) {
	f.mu.Lock()
	f.failing = on
	f.mu.Unlock()
}

// flakyLedger wraps a ledger. With failing set every mint is refused; with
// loseAcks > 0 the mint is applied but the caller sees a transient error.
// refuse, when set, is returned for every mint without applying it. beforeMint
// runs ahead of each mint that reaches the wrapped ledger.
type flakyLedger struct {
	token.Ledger
	mu         sync.Mutex
	failing    bool
	loseAcks   int
	mintCalls  int
	refuse     error
	beforeMint func(req token.MintRequest)
}

func (f *flakyLedger) Mint(ctx context.Context, req token.MintRequest) (token.TxID, error) {
	f.mu.Lock()
	f.mintCalls++
	failing, refuse, hook := f.failing, f.refuse, f.beforeMint
	lose := f.loseAcks > 0
	if lose {
		f.loseAcks--
	}
	f.mu.Unlock()

	if failing {
		return "", contracts.ErrLedgerUnavailable
	}
	if refuse != nil {
		return "", refuse
	}
	if hook != nil {
		hook(req)
	}
	tx, err := f.Ledger.Mint(ctx, req)
	if err == nil && lose {
		return "", contracts.ErrLedgerUnavailable
	}
	return tx, err
}

func (f *flakyLedger) Journal(ctx context.Context) ([]token.Entry, error) {
	return f.Ledger.(token.Journaler).Journal(ctx)
}

func (f *flakyLedger) setFailing(on bool) {
	f.mu.Lock()
	f.failing = on
	f.mu.Unlock()
}

func (f *flakyLedger) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mintCalls
}

type harness struct {
	svc    *Service
	index  *registry.MemoryIndex
	store  *flakyStore
	ledger *flakyLedger
	events *audit.MemoryLogger
}

func fastRetry() resiliency.RetryPolicy {
	return resiliency.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	model, err := analysis.NewModel(analysis.DefaultParams(),
		analysis.StaticSampler{Value: analysis.Sample{VegetationIndex: 0.72, SoilCarbonContent: 45}})
	require.NoError(t, err)

	h := &harness{
		index:  registry.NewMemoryIndex(),
		store:  &flakyStore{RecordStore: artifacts.NewRecordStore(artifacts.NewMemoryStore())},
		ledger: &flakyLedger{Ledger: token.NewMemoryLedger(token.DefaultInfo(""))},
		events: audit.NewMemoryLogger(),
	}
	h.svc, err = NewService(Deps{
		Engine: model,
		Index:  h.index,
		Store:  h.store,
		Ledger: h.ledger,
		Events: h.events,
	}, append([]Option{WithRetryPolicy(fastRetry()), WithStepTimeout(time.Second)}, opts...)...)
	require.NoError(t, err)
	return h
}

func (h *harness) balance(t *testing.T, addr string) token.Amount {
	t.Helper()
	b, err := h.svc.Balance(context.Background(), addr)
	require.NoError(t, err)
	return b
}
