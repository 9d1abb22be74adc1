package reasoning

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"dealbroker/internal/domain"
	"dealbroker/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerBackend wraps a ReasoningBackend with circuit breaker
// protection. When the wrapped backend fails repeatedly, the circuit opens
// and subsequent calls fail fast without reaching the backend, preventing
// retry storms against an API that is already down.
type CircuitBreakerBackend struct {
	inner   domain.ReasoningBackend
	breaker *gobreaker.CircuitBreaker[*domain.ReasoningResponse]
	logger  *slog.Logger
}

// NewCircuitBreakerBackend wraps inner with a circuit breaker.
// Zero-valued cfg fields fall back to sensible defaults.
func NewCircuitBreakerBackend(inner domain.ReasoningBackend, cfg config.BreakerConfig, logger *slog.Logger) *CircuitBreakerBackend {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	name := inner.Name()
	cb := gobreaker.NewCircuitBreaker[*domain.ReasoningResponse](gobreaker.Settings{
		Name:        "reasoning:" + name,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	return &CircuitBreakerBackend{
		inner:   inner,
		breaker: cb,
		logger:  logger,
	}
}

// Complete implements domain.ReasoningBackend. Calls are routed through the
// circuit breaker.
func (b *CircuitBreakerBackend) Complete(ctx context.Context, req domain.ReasoningRequest) (*domain.ReasoningResponse, error) {
	resp, err := b.breaker.Execute(func() (*domain.ReasoningResponse, error) {
		return b.inner.Complete(ctx, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("backend %q circuit open: %w: %v", b.inner.Name(), domain.ErrBackendUnavailable, err)
		}
		return nil, err
	}
	return resp, nil
}

// Name implements domain.ReasoningBackend.
func (b *CircuitBreakerBackend) Name() string { return b.inner.Name() }

// State returns the current circuit breaker state for monitoring.
func (b *CircuitBreakerBackend) State() gobreaker.State {
	return b.breaker.State()
}

// Counts returns the current circuit breaker failure/success counts.
func (b *CircuitBreakerBackend) Counts() gobreaker.Counts {
	return b.breaker.Counts()
}

var _ domain.ReasoningBackend = (*CircuitBreakerBackend)(nil)
