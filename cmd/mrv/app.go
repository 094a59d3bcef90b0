package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/carbonmrv/pkg/analysis"
	"github.com/Mindburn-Labs/carbonmrv/pkg/api"
	"github.com/Mindburn-Labs/carbonmrv/pkg/artifacts"
	"github.com/Mindburn-Labs/carbonmrv/pkg/audit"
	"github.com/Mindburn-Labs/carbonmrv/pkg/config"
	"github.com/Mindburn-Labs/carbonmrv/pkg/observability"
	"github.com/Mindburn-Labs/carbonmrv/pkg/policy"
	"github.com/Mindburn-Labs/carbonmrv/pkg/registry"
	"github.com/Mindburn-Labs/carbonmrv/pkg/report"
	"github.com/Mindburn-Labs/carbonmrv/pkg/store/sqldb"
	"github.com/Mindburn-Labs/carbonmrv/pkg/token"
	"github.com/Mindburn-Labs/carbonmrv/pkg/util/resiliency"
	"github.com/Mindburn-Labs/carbonmrv/pkg/verification"
)

// app is the wired process: one pipeline, its auditor and the resources to release on exit.
type app struct {
	cfg       *config.Config
	profile   *config.Profile
	service   *verification.Service
	auditor   *audit.Auditor
	limiter   api.Limiter
	telemetry *observability.Provider

	db      *sql.DB
	redis   *redis.Client
	closers []func(context.Context) error
}

// Audit trail lines go to auditOut so command output on stdout stays parseable.
func newApp(ctx context.Context, cfg *config.Config, auditOut io.Writer) (a *app, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		return nil, err
	}

	a = &app{cfg: cfg, profile: profile}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	otelCfg := observability.DefaultConfig()
	otelCfg.Enabled = cfg.OTelEnabled
	otelCfg.OTLPEndpoint = cfg.OTelEndpoint
	otelCfg.Insecure = cfg.OTelInsecure
	a.telemetry, err = observability.New(ctx, otelCfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.closers = append(a.closers, a.telemetry.Shutdown)

	index, err := a.openIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	ledger, err := a.openLedger(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}

	blobs, err := artifacts.NewStoreFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("artifacts: %w", err)
	}
	records := artifacts.NewRecordStore(blobs,
		artifacts.WithStandard(profile.Standard),
		artifacts.WithGateway(cfg.PublicGateway))

	var sampler analysis.Sampler = analysis.StaticSampler{Value: profile.Fixture}
	if cfg.AnalysisURL != "" {
		sampler = analysis.NewHTTPSampler(cfg.AnalysisURL)
	}
	engine, err := analysis.NewModel(profile.Analysis, sampler)
	if err != nil {
		return nil, fmt.Errorf("analysis: %w", err)
	}

	eligibility, err := policy.NewEvaluator(profile.ConfidenceThreshold, profile.MintRules...)
	if err != nil {
		return nil, fmt.Errorf("mint rules: %w", err)
	}

	a.service, err = verification.NewService(verification.Deps{
		Engine:    engine,
		Builder:   report.NewBuilder(ledger.Info().NetworkID),
		Index:     index,
		Store:     records,
		Ledger:    ledger,
		Policy:    eligibility,
		Events:    audit.NewLoggerWithWriter(auditOut),
		Telemetry: a.telemetry,
	},
		verification.WithRetryPolicy(resiliency.DefaultRetryPolicy()),
		verification.WithStepTimeout(cfg.StepTimeout),
		verification.WithConcurrency(cfg.BatchConcurrency),
		verification.WithAutoReject(profile.AutoReject),
	)
	if err != nil {
		return nil, err
	}

	auditOpts := []audit.Option{
		audit.WithThreshold(profile.ConfidenceThreshold),
		audit.WithFreshness(profile.Freshness()),
	}
	if profile.MinModelVersion != "" {
		auditOpts = append(auditOpts, audit.WithMinModelVersion(profile.MinModelVersion))
	}
	a.auditor = audit.NewAuditor(index, records, auditOpts...)

	a.limiter = api.NewLocalLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	if cfg.RateLimitRedis {
		a.limiter = api.NewRedisLimiter(a.redisClient(), cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	slog.Info("pipeline ready", "component", "mrv",
		"registry", cfg.RegistryBackend, "ledger", cfg.LedgerBackend,
		"profile", profile.Name, "network", ledger.Info().NetworkID)
	return a, nil
}

func (a *app) openIndex(ctx context.Context) (registry.Index, error) {
	switch a.cfg.RegistryBackend {
	case config.BackendSQL:
		db, err := a.database(ctx)
		if err != nil {
			return nil, err
		}
		idx := registry.NewSQLIndex(db)
		if err := idx.Init(ctx); err != nil {
			return nil, err
		}
		return idx, nil
	case config.BackendRedis:
		client := a.redisClient()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return registry.NewRedisIndex(client, "mrv"), nil
	default:
		return registry.NewMemoryIndex(), nil
	}
}

func (a *app) openLedger(ctx context.Context) (token.Ledger, error) {
	info := token.DefaultInfo(a.cfg.NetworkID)
	if a.cfg.LedgerBackend != config.BackendSQL {
		return token.NewMemoryLedger(info), nil
	}
	db, err := a.database(ctx)
	if err != nil {
		return nil, err
	}
	l := token.NewSQLLedger(db, info)
	if err := l.Init(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// database opens the shared SQL connection once.
func (a *app) database(ctx context.Context) (*sql.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := sqldb.Open(ctx, a.cfg.DatabaseDriver, a.cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })
	return db, nil
}

func (a *app) redisClient() *redis.Client {
	if a.redis == nil {
		a.redis = registry.NewRedisClient(a.cfg.RedisAddr, a.cfg.RedisPassword, 0)
		client := a.redis
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	}
	return a.redis
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	a.closers = nil
	return errors.Join(errs...)
}
