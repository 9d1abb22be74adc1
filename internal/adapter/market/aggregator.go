// Package market adapts external vehicle listing sources into the
// domain.MarketAggregator contract.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"dealbroker/internal/domain"
	"dealbroker/internal/infra/config"
)

const maxResponseBody = 1 * 1024 * 1024 // 1 MB

var _ domain.MarketAggregator = (*HTTPAggregator)(nil)

// HTTPAggregator queries a listing aggregation service over HTTP. Outbound
// calls are rate limited so a burst of cache misses cannot exhaust the
// upstream quota.
type HTTPAggregator struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewHTTPAggregator creates an aggregator for the configured listing service.
func NewHTTPAggregator(cfg config.MarketConfig, logger *slog.Logger) *HTTPAggregator {
	perMin := cfg.RequestsPerMin
	if perMin <= 0 {
		perMin = 30
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = 5
	}
	timeout := cfg.AggregateTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &HTTPAggregator{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(float64(perMin)/60.0), burst),
		logger:  logger,
	}
}

// Aggregate implements domain.MarketAggregator.
func (a *HTTPAggregator) Aggregate(ctx context.Context, key domain.SnapshotKey) (*domain.AggregateResult, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limit wait: %v", domain.ErrMarketDataUnavailable, err)
	}

	q := url.Values{}
	q.Set("make", key.Make)
	q.Set("model", key.Model)
	q.Set("year", strconv.Itoa(key.Year))
	q.Set("fuel", string(key.Fuel))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/listings/aggregate?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrMarketDataUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: aggregation API error %d: %s",
			domain.ErrMarketDataUnavailable, resp.StatusCode, string(body))
	}

	var result domain.AggregateResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("%w: unmarshal response: %v", domain.ErrMarketDataUnavailable, err)
	}

	if result.ListingCount <= 0 || result.AveragePrice <= 0 {
		return nil, fmt.Errorf("%w: no usable listings for %s", domain.ErrMarketDataUnavailable, key)
	}

	a.logger.Debug("market aggregation",
		"segment", key.String(),
		"listings", result.ListingCount,
		"average", result.AveragePrice,
	)

	return &result, nil
}

var _ domain.MarketAggregator = (*SyntheticAggregator)(nil)

// SyntheticAggregator derives deterministic pseudo-market statistics from the
// snapshot key. It backs local development and the seed command when no
// listing service is configured.
type SyntheticAggregator struct{}

// Aggregate implements domain.MarketAggregator.
func (SyntheticAggregator) Aggregate(_ context.Context, key domain.SnapshotKey) (*domain.AggregateResult, error) {
	// FNV-1a over the key string gives a stable per-segment seed.
	var h uint64 = 14695981039346656037
	for _, c := range []byte(key.String()) {
		h ^= uint64(c)
		h *= 1099511628211
	}

	base := 12000 + float64(h%40000)
	age := time.Now().Year() - key.Year
	if age < 0 {
		age = 0
	}
	depreciated := base * 1.0 / (1.0 + 0.12*float64(age))

	return &domain.AggregateResult{
		AveragePrice: depreciated,
		MinPrice:     depreciated * 0.85,
		MaxPrice:     depreciated * 1.20,
		ListingCount: int(10 + h%90),
		Confidence:   0.6 + float64(h%40)/100.0,
	}, nil
}
