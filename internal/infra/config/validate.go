package config

import (
	"fmt"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a
// *ValidationError when one or more problems are found, allowing callers to
// inspect all issues at once.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateEngine(cfg, ve)
	validateMarket(cfg, ve)
	validateReasoning(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateEngine(cfg *Config, ve *ValidationError) {
	if cfg.Engine.MaxRounds <= 0 {
		ve.Add("engine.max_rounds must be > 0")
	}
	if cfg.Engine.SessionTimeout <= 0 {
		ve.Add("engine.session_timeout must be > 0")
	}
	if cfg.Engine.AcceptanceThreshold <= 0 || cfg.Engine.AcceptanceThreshold >= 1 {
		ve.Add("engine.acceptance_threshold must be in (0,1), got %v", cfg.Engine.AcceptanceThreshold)
	}
	if cfg.Engine.DefaultMarginTarget <= 0 || cfg.Engine.DefaultMarginTarget >= 1 {
		ve.Add("engine.default_margin_target must be in (0,1), got %v", cfg.Engine.DefaultMarginTarget)
	}
}

func validateMarket(cfg *Config, ve *ValidationError) {
	if cfg.Market.SnapshotTTL <= 0 {
		ve.Add("market.snapshot_ttl must be > 0")
	}
	if cfg.Market.AggregateTimeout <= 0 {
		ve.Add("market.aggregate_timeout must be > 0")
	}
	if cfg.Market.RequestsPerMin <= 0 {
		ve.Add("market.requests_per_min must be > 0")
	}
}

func validateReasoning(cfg *Config, ve *ValidationError) {
	if cfg.Reasoning.InvokeTimeout <= 0 {
		ve.Add("reasoning.invoke_timeout must be > 0")
	}
	if cfg.Reasoning.Retry.MaxAttempts <= 0 {
		ve.Add("reasoning.retry.max_attempts must be > 0")
	}
	if len(cfg.Reasoning.Backends) == 0 {
		ve.Add("reasoning.backends must list at least one backend")
		return
	}

	names := make(map[string]bool, len(cfg.Reasoning.Backends))
	validKinds := map[string]bool{"anthropic": true, "bedrock": true, "mock": true}
	for i, b := range cfg.Reasoning.Backends {
		if b.Name == "" {
			ve.Add("reasoning.backends[%d].name is required", i)
		}
		if names[b.Name] {
			ve.Add("reasoning.backends: duplicate name %q", b.Name)
		}
		names[b.Name] = true
		if !validKinds[b.Kind] {
			ve.Add("reasoning.backends[%d].kind %q is not one of anthropic|bedrock|mock", i, b.Kind)
		}
		if b.Kind == "anthropic" && b.APIKey == "" {
			ve.Add("reasoning.backends[%d] (%s): api_key is required for anthropic", i, b.Name)
		}
	}

	if cfg.Reasoning.Default == "" {
		ve.Add("reasoning.default backend name is required")
	} else if !names[cfg.Reasoning.Default] {
		ve.Add("reasoning.default %q does not match any configured backend", cfg.Reasoning.Default)
	}
	for _, fb := range cfg.Reasoning.Fallbacks {
		if !names[fb] {
			ve.Add("reasoning.fallbacks: %q does not match any configured backend", fb)
		}
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch cfg.Logger.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("logger.level %q is not a known level", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is not text or json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop", "":
	default:
		ve.Add("tracer.exporter %q is not supported", cfg.Tracer.Exporter)
	}
}
