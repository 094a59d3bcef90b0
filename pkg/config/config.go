// Package config loads service configuration from the environment and the
// methodology profile from YAML.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend names accepted by REGISTRY_BACKEND and LEDGER_BACKEND.
const (
	BackendMemory = "memory"
	BackendSQL    = "sql"
	BackendRedis  = "redis"
)

// Config holds process configuration.
type Config struct {
	Port     string
	LogLevel string

	RegistryBackend string // memory | sql | redis
	LedgerBackend   string // memory | sql
	DatabaseDriver  string // sqlite | postgres
	DatabaseURL     string
	RedisAddr       string
	RedisPassword   string

	NetworkID        string
	PublicGateway    string // base URL stored documents are published under
	AnalysisURL      string // empty runs the built-in fixture sampler
	ProfilePath      string
	BatchConcurrency int
	StepTimeout      time.Duration

	RateLimitRPS   float64
	RateLimitBurst int
	RateLimitRedis bool // share the API limiter across replicas through Redis

	OTelEnabled  bool
	OTelEndpoint string
	OTelInsecure bool
}

// Load reads configuration from environment variables, applying defaults.
func Load() *Config {
	return &Config{
		Port:             envOr("PORT", "8080"),
		LogLevel:         envOr("LOG_LEVEL", "INFO"),
		RegistryBackend:  envOr("REGISTRY_BACKEND", BackendMemory),
		LedgerBackend:    envOr("LEDGER_BACKEND", BackendMemory),
		DatabaseDriver:   envOr("DB_DRIVER", "sqlite"),
		DatabaseURL:      envOr("DATABASE_URL", "data/mrv.db"),
		RedisAddr:        envOr("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		NetworkID:        envOr("LEDGER_NETWORK_ID", "polygon-mumbai-testnet"),
		PublicGateway:    envOr("PUBLIC_GATEWAY_URL", "https://w3s.link/ipfs/"),
		AnalysisURL:      os.Getenv("ANALYSIS_SERVICE_URL"),
		ProfilePath:      os.Getenv("METHODOLOGY_PROFILE"),
		BatchConcurrency: envInt("BATCH_CONCURRENCY", 4),
		StepTimeout:      envDuration("STEP_TIMEOUT", 30*time.Second),
		RateLimitRPS:     envFloat("RATE_LIMIT_RPS", 10),
		RateLimitBurst:   envInt("RATE_LIMIT_BURST", 20),
		RateLimitRedis:   os.Getenv("RATE_LIMIT_REDIS") == "true",
		OTelEnabled:      os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint:     envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTelInsecure:     os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
	}
}

// Validate rejects unknown backends and nonsensical limits.
func (c *Config) Validate() error {
	switch c.RegistryBackend {
	case BackendMemory, BackendSQL, BackendRedis:
	default:
		return fmt.Errorf("unsupported registry backend %q", c.RegistryBackend)
	}
	switch c.LedgerBackend {
	case BackendMemory, BackendSQL:
	default:
		return fmt.Errorf("unsupported ledger backend %q", c.LedgerBackend)
	}
	if c.BatchConcurrency < 1 {
		return fmt.Errorf("BATCH_CONCURRENCY must be at least 1, got %d", c.BatchConcurrency)
	}
	if c.StepTimeout <= 0 {
		return fmt.Errorf("STEP_TIMEOUT must be positive, got %s", c.StepTimeout)
	}
	return nil
}

// SlogLevel maps LogLevel onto slog levels. Unknown values mean INFO.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return def
}
