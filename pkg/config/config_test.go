package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/carbonmrv/pkg/policy"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "LOG_LEVEL", "REGISTRY_BACKEND", "LEDGER_BACKEND", "DB_DRIVER",
		"DATABASE_URL", "BATCH_CONCURRENCY", "STEP_TIMEOUT", "RATE_LIMIT_RPS", "OTEL_ENABLED", "PUBLIC_GATEWAY_URL"} {
		t.Setenv(k, "")
	}
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, BackendMemory, cfg.RegistryBackend)
	assert.Equal(t, BackendMemory, cfg.LedgerBackend)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, 4, cfg.BatchConcurrency)
	assert.Equal(t, 30*time.Second, cfg.StepTimeout)
	assert.Equal(t, 10.0, cfg.RateLimitRPS)
	assert.False(t, cfg.OTelEnabled)
	assert.Equal(t, "https://w3s.link/ipfs/", cfg.PublicGateway)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
	require.NoError(t, cfg.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("REGISTRY_BACKEND", "redis")
	t.Setenv("LEDGER_BACKEND", "sql")
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("BATCH_CONCURRENCY", "16")
	t.Setenv("STEP_TIMEOUT", "5s")
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("PUBLIC_GATEWAY_URL", "https://gw.example/ipfs")

	cfg := Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, BackendRedis, cfg.RegistryBackend)
	assert.Equal(t, BackendSQL, cfg.LedgerBackend)
	assert.Equal(t, 16, cfg.BatchConcurrency)
	assert.Equal(t, 5*time.Second, cfg.StepTimeout)
	assert.True(t, cfg.OTelEnabled)
	assert.Equal(t, "https://gw.example/ipfs", cfg.PublicGateway)
	require.NoError(t, cfg.Validate())
}

func TestValidate_Rejects(t *testing.T) {
	cfg := Load()
	cfg.LedgerBackend = BackendRedis
	require.Error(t, cfg.Validate())

	cfg = Load()
	cfg.RegistryBackend = "etcd"
	require.Error(t, cfg.Validate())

	cfg = Load()
	cfg.BatchConcurrency = 0
	require.Error(t, cfg.Validate())
}

func TestLoadProfile_DefaultWhenEmpty(t *testing.T) {
	p, err := LoadProfile("")
	require.NoError(t, err)
	assert.Equal(t, policy.DefaultThreshold, p.ConfidenceThreshold)
	assert.Equal(t, 90*24*time.Hour, p.Freshness())
	require.NoError(t, p.Validate())
}

func TestLoadProfile_MergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: strict
confidence_threshold: 0.8
freshness_days: 30
min_model_version: "2.0.0"
auto_reject: true
mint_rules:
  - report.confidence >= threshold
  - report.cloud_cover_pct <= 40.0
analysis:
  soil_weight: 0.2
`), 0o600))

	p, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "strict", p.Name)
	assert.Equal(t, 0.8, p.ConfidenceThreshold)
	assert.Equal(t, 30*24*time.Hour, p.Freshness())
	assert.True(t, p.AutoReject)
	assert.Len(t, p.MintRules, 2)
	assert.Equal(t, 0.2, p.Analysis.SoilWeight)
	assert.Equal(t, 100.0, p.Analysis.BiomassPerNDVI)
}

func TestLoadProfile_Invalid(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"threshold": "confidence_threshold: 1.5\n",
		"freshness": "freshness_days: 0\n",
		"semver":    "min_model_version: banana\n",
		"params":    "analysis:\n  soil_weight: -1\n",
		"yaml":      "confidence_threshold: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			_, err := LoadProfile(path)
			require.Error(t, err)
		})
	}

	_, err := LoadProfile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}
