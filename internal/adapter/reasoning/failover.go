package reasoning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"dealbroker/internal/domain"
)

var _ domain.ReasoningBackend = (*FailoverBackend)(nil)

// FailoverBackend wraps a primary reasoning backend with fallback backends.
// If the primary fails, it tries each fallback in order.
type FailoverBackend struct {
	primary   domain.ReasoningBackend
	fallbacks []domain.ReasoningBackend
	logger    *slog.Logger
}

// NewFailoverBackend creates a failover-capable backend.
func NewFailoverBackend(primary domain.ReasoningBackend, fallbacks []domain.ReasoningBackend, logger *slog.Logger) *FailoverBackend {
	return &FailoverBackend{
		primary:   primary,
		fallbacks: fallbacks,
		logger:    logger,
	}
}

// Complete tries the primary backend first, then each fallback on failure.
func (f *FailoverBackend) Complete(ctx context.Context, req domain.ReasoningRequest) (*domain.ReasoningResponse, error) {
	resp, err := f.primary.Complete(ctx, req)
	if err == nil {
		return resp, nil
	}
	f.logger.Warn("primary reasoning backend failed, trying fallbacks",
		"primary", f.primary.Name(), "error", err)

	// Collect all errors for better diagnostics
	allErrors := []string{fmt.Sprintf("%s: %v", f.primary.Name(), err)}

	for _, fb := range f.fallbacks {
		resp, err = fb.Complete(ctx, req)
		if err == nil {
			f.logger.Info("failover succeeded", "backend", fb.Name())
			return resp, nil
		}
		f.logger.Warn("fallback reasoning backend failed", "backend", fb.Name(), "error", err)
		allErrors = append(allErrors, fmt.Sprintf("%s: %v", fb.Name(), err))
	}

	return nil, fmt.Errorf("all backends failed: %w: [%s]",
		domain.ErrBackendUnavailable, strings.Join(allErrors, "; "))
}

// Name returns a composite name.
func (f *FailoverBackend) Name() string {
	return f.primary.Name() + "+failover"
}
