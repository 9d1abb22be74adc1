package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Market    MarketConfig    `yaml:"market"`
	Reasoning ReasoningConfig `yaml:"reasoning"`
	Store     StoreConfig     `yaml:"store"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
}

// EngineConfig bounds negotiation sessions and tunes the round policy.
type EngineConfig struct {
	MaxRounds           int           `yaml:"max_rounds"`           // hard round cap, default 10
	SessionTimeout      time.Duration `yaml:"session_timeout"`      // wall-clock cap, default 300s
	AcceptanceThreshold float64       `yaml:"acceptance_threshold"` // relative gap considered closable, default 0.05
	DefaultMarginTarget float64       `yaml:"default_margin_target"`
}

// MarketConfig tunes the snapshot cache and the aggregator client.
type MarketConfig struct {
	SnapshotTTL      time.Duration `yaml:"snapshot_ttl"`      // default 24h
	AggregateTimeout time.Duration `yaml:"aggregate_timeout"` // per-call, default 30s
	BaseURL          string        `yaml:"base_url"`
	RequestsPerMin   float64       `yaml:"requests_per_min"` // aggregator politeness, default 30
	BurstSize        int           `yaml:"burst_size"`
	SweepSchedule    string        `yaml:"sweep_schedule"` // cron spec, default "@hourly"
}

// BackendConfig configures one reasoning backend.
type BackendConfig struct {
	Name        string        `yaml:"name"`
	Kind        string        `yaml:"kind"` // "anthropic", "bedrock", "mock"
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key,omitempty"`
	BaseURL     string        `yaml:"base_url,omitempty"`
	Region      string        `yaml:"region,omitempty"` // bedrock only
	ConnTimeout time.Duration `yaml:"conn_timeout,omitempty"`
	RespTimeout time.Duration `yaml:"resp_timeout,omitempty"`
	Pool        PoolConfig    `yaml:"pool,omitempty"`
}

// PoolConfig configures HTTP connection pooling for a backend.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// RetryConfig bounds pipeline retries for transient backend failures.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"` // default 3
	BaseDelay   time.Duration `yaml:"base_delay"`   // default 500ms
	MaxDelay    time.Duration `yaml:"max_delay"`    // default 10s
}

// BreakerConfig configures the circuit breaker around a backend.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"` // consecutive failures before open, default 5
	Timeout     time.Duration `yaml:"timeout"`      // open duration, default 30s
	Interval    time.Duration `yaml:"interval"`     // closed-state count reset, default 60s
}

// ReasoningConfig selects and tunes the agent reasoning backends.
type ReasoningConfig struct {
	Default       string          `yaml:"default"` // backend name used by the pipeline
	Fallbacks     []string        `yaml:"fallbacks,omitempty"`
	InvokeTimeout time.Duration   `yaml:"invoke_timeout"` // per-attempt, default 45s
	MaxTokens     int             `yaml:"max_tokens"`
	Retry         RetryConfig     `yaml:"retry"`
	Breaker       BreakerConfig   `yaml:"breaker"`
	Backends      []BackendConfig `yaml:"backends"`
}

// StoreConfig locates the negotiation store.
type StoreConfig struct {
	Path string `yaml:"path"` // sqlite file
}

// CatalogConfig locates the vehicle/client catalog.
type CatalogConfig struct {
	Path string `yaml:"path"` // sqlite file
}

// LoggerConfig holds structured logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
	Output string `yaml:"output"` // stdout|stderr|<path>
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// Defaults returns a Config with production defaults applied.
func Defaults() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxRounds:           10,
			SessionTimeout:      300 * time.Second,
			AcceptanceThreshold: 0.05,
			DefaultMarginTarget: 0.15,
		},
		Market: MarketConfig{
			SnapshotTTL:      24 * time.Hour,
			AggregateTimeout: 30 * time.Second,
			RequestsPerMin:   30,
			BurstSize:        5,
			SweepSchedule:    "@hourly",
		},
		Reasoning: ReasoningConfig{
			InvokeTimeout: 45 * time.Second,
			MaxTokens:     2000,
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   500 * time.Millisecond,
				MaxDelay:    10 * time.Second,
			},
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Store:   StoreConfig{Path: "dealbroker.db"},
		Catalog: CatalogConfig{Path: "catalog.db"},
		Logger:  LoggerConfig{Level: "info", Format: "text", Output: "stderr"},
		Tracer:  TracerConfig{Enabled: false, Exporter: "noop"},
	}
}

// Load reads the config file at path, applies env overrides, decrypts
// secrets when DEALBROKER_CONFIG_KEY is set, and validates the result.
// A missing file yields defaults + env overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("DEALBROKER_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies DEALBROKER_* environment variables on top of cfg.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DEALBROKER_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("DEALBROKER_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("DEALBROKER_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
		if cfg.Tracer.Exporter == "" || cfg.Tracer.Exporter == "noop" {
			cfg.Tracer.Exporter = "stdout"
		}
	}
	if v := os.Getenv("DEALBROKER_REASONING_DEFAULT"); v != "" {
		cfg.Reasoning.Default = v
	}
	if v := os.Getenv("DEALBROKER_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("DEALBROKER_CATALOG_PATH"); v != "" {
		cfg.Catalog.Path = v
	}
	if v := os.Getenv("DEALBROKER_MARKET_BASE_URL"); v != "" {
		cfg.Market.BaseURL = v
	}
	if v := os.Getenv("DEALBROKER_ENGINE_MAX_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MaxRounds = n
		}
	}
	if v := os.Getenv("DEALBROKER_ENGINE_SESSION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.SessionTimeout = d
		}
	}
}

// Backend returns the backend config with the given name, or nil.
func (c *Config) Backend(name string) *BackendConfig {
	for i := range c.Reasoning.Backends {
		if c.Reasoning.Backends[i].Name == name {
			return &c.Reasoning.Backends[i]
		}
	}
	return nil
}
