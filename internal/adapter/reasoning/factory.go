package reasoning

import (
	"fmt"
	"log/slog"

	"dealbroker/internal/domain"
	"dealbroker/internal/infra/config"
)

// NewBackend constructs a single backend from its config entry.
func NewBackend(cfg config.BackendConfig, logger *slog.Logger) (domain.ReasoningBackend, error) {
	switch cfg.Kind {
	case "anthropic":
		return NewAnthropicBackend(cfg, logger), nil
	case "bedrock":
		return NewBedrockBackend(cfg, logger)
	case "mock":
		return NewMockBackend(cfg), nil
	default:
		return nil, fmt.Errorf("%w: unknown backend kind %q", domain.ErrInvalidInput, cfg.Kind)
	}
}

// BuildStack assembles the configured reasoning stack: each backend wrapped
// in a circuit breaker, the default backend fronted by the fallbacks in
// configured order.
func BuildStack(cfg config.ReasoningConfig, logger *slog.Logger) (domain.ReasoningBackend, error) {
	if cfg.Default == "" {
		return nil, fmt.Errorf("%w: no default reasoning backend configured", domain.ErrInvalidInput)
	}

	byName := make(map[string]domain.ReasoningBackend, len(cfg.Backends))
	for _, bc := range cfg.Backends {
		backend, err := NewBackend(bc, logger)
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", bc.Name, err)
		}
		byName[bc.Name] = NewCircuitBreakerBackend(backend, cfg.Breaker, logger)
	}

	primary, ok := byName[cfg.Default]
	if !ok {
		return nil, fmt.Errorf("%w: default backend %q not configured", domain.ErrInvalidInput, cfg.Default)
	}

	if len(cfg.Fallbacks) == 0 {
		return primary, nil
	}

	fallbacks := make([]domain.ReasoningBackend, 0, len(cfg.Fallbacks))
	for _, name := range cfg.Fallbacks {
		fb, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: fallback backend %q not configured", domain.ErrInvalidInput, name)
		}
		fallbacks = append(fallbacks, fb)
	}

	return NewFailoverBackend(primary, fallbacks, logger), nil
}
