package market

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealbroker/internal/domain"
	"dealbroker/internal/infra/config"
)

type stubAggregator struct {
	mu     sync.Mutex
	result *domain.AggregateResult
	err    error
	delay  time.Duration
	calls  atomic.Int64
}

func (s *stubAggregator) Aggregate(ctx context.Context, _ domain.SnapshotKey) (*domain.AggregateResult, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	r := *s.result
	return &r, nil
}

func (s *stubAggregator) set(result *domain.AggregateResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = result
	s.err = err
}

func testCacheKey() domain.SnapshotKey {
	return domain.SnapshotKey{Make: "Renault", Model: "Clio", Year: 2020, Fuel: domain.FuelGasoline}
}

func newCache(agg domain.MarketAggregator, ttl time.Duration) *SnapshotCache {
	return NewSnapshotCache(agg, config.MarketConfig{SnapshotTTL: ttl}, nil, slog.Default())
}

func TestSnapshotCachesWithinTTL(t *testing.T) {
	agg := &stubAggregator{result: &domain.AggregateResult{
		AveragePrice: 15000, MinPrice: 13000, MaxPrice: 17000, ListingCount: 20, Confidence: 0.9,
	}}
	cache := newCache(agg, time.Hour)

	first, err := cache.Snapshot(context.Background(), testCacheKey())
	require.NoError(t, err)
	assert.Equal(t, 15000.0, first.AveragePrice)
	assert.False(t, first.Degraded)

	second, err := cache.Snapshot(context.Background(), testCacheKey())
	require.NoError(t, err)
	assert.Equal(t, first.ComputedAt, second.ComputedAt)
	assert.Equal(t, 1, cache.Aggregations())
}

func TestSnapshotRecomputesAfterTTL(t *testing.T) {
	agg := &stubAggregator{result: &domain.AggregateResult{
		AveragePrice: 15000, ListingCount: 20, Confidence: 0.9,
	}}
	cache := newCache(agg, time.Hour)

	now := time.Now()
	cache.now = func() time.Time { return now }

	_, err := cache.Snapshot(context.Background(), testCacheKey())
	require.NoError(t, err)

	agg.set(&domain.AggregateResult{AveragePrice: 14000, ListingCount: 25, Confidence: 0.9}, nil)
	cache.now = func() time.Time { return now.Add(2 * time.Hour) }

	snap, err := cache.Snapshot(context.Background(), testCacheKey())
	require.NoError(t, err)
	assert.Equal(t, 14000.0, snap.AveragePrice)
	assert.Equal(t, 2, cache.Aggregations())
}

func TestSnapshotConcurrentMissSingleAggregation(t *testing.T) {
	agg := &stubAggregator{
		result: &domain.AggregateResult{AveragePrice: 15000, ListingCount: 20, Confidence: 0.9},
		delay:  50 * time.Millisecond,
	}
	cache := newCache(agg, time.Hour)

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = cache.Snapshot(context.Background(), testCacheKey())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "caller %d", i)
	}
	assert.Equal(t, int64(1), agg.calls.Load())
}

func TestSnapshotDegradedServe(t *testing.T) {
	agg := &stubAggregator{result: &domain.AggregateResult{
		AveragePrice: 15000, ListingCount: 20, Confidence: 0.9,
	}}
	cache := newCache(agg, time.Hour)

	now := time.Now()
	cache.now = func() time.Time { return now }

	_, err := cache.Snapshot(context.Background(), testCacheKey())
	require.NoError(t, err)

	// Aggregator down, entry expired: serve the stale snapshot, degraded.
	agg.set(nil, errors.New("listing service down"))
	cache.now = func() time.Time { return now.Add(25 * time.Hour) }

	snap, err := cache.Snapshot(context.Background(), testCacheKey())
	require.NoError(t, err)
	assert.True(t, snap.Degraded)
	assert.Equal(t, 15000.0, snap.AveragePrice)

	// The stored entry is untouched: recovery on the next call is possible.
	agg.set(&domain.AggregateResult{AveragePrice: 16000, ListingCount: 18, Confidence: 0.8}, nil)
	snap, err = cache.Snapshot(context.Background(), testCacheKey())
	require.NoError(t, err)
	assert.False(t, snap.Degraded)
	assert.Equal(t, 16000.0, snap.AveragePrice)
}

func TestSnapshotHardFailure(t *testing.T) {
	agg := &stubAggregator{err: errors.New("listing service down")}
	cache := newCache(agg, time.Hour)

	_, err := cache.Snapshot(context.Background(), testCacheKey())
	assert.True(t, errors.Is(err, domain.ErrMarketDataUnavailable))
}

func TestSweep(t *testing.T) {
	agg := &stubAggregator{result: &domain.AggregateResult{
		AveragePrice: 15000, ListingCount: 20, Confidence: 0.9,
	}}
	cache := newCache(agg, time.Hour)

	now := time.Now()
	cache.now = func() time.Time { return now }

	_, err := cache.Snapshot(context.Background(), testCacheKey())
	require.NoError(t, err)
	require.Equal(t, 1, cache.Len())

	// Fresh entries survive.
	assert.Equal(t, 0, cache.Sweep())
	assert.Equal(t, 1, cache.Len())

	// Expired entries survive too; they back the degraded serve.
	cache.now = func() time.Time { return now.Add(2 * time.Hour) }
	assert.Equal(t, 0, cache.Sweep())
	assert.Equal(t, 1, cache.Len())

	// Past the retention horizon the entry is gone.
	cache.now = func() time.Time { return now.Add(5 * time.Hour) }
	assert.Equal(t, 1, cache.Sweep())
	assert.Equal(t, 0, cache.Len())
}

func TestSweepKeepsDegradedServeAlive(t *testing.T) {
	agg := &stubAggregator{result: &domain.AggregateResult{
		AveragePrice: 15000, ListingCount: 20, Confidence: 0.9,
	}}
	cache := newCache(agg, time.Hour)

	now := time.Now()
	cache.now = func() time.Time { return now }

	_, err := cache.Snapshot(context.Background(), testCacheKey())
	require.NoError(t, err)

	// Aggregator goes down and the entry expires. A sweep in between must
	// not turn the outage into a hard miss.
	agg.set(nil, errors.New("listing service down"))
	cache.now = func() time.Time { return now.Add(3 * time.Hour) }
	assert.Equal(t, 0, cache.Sweep())

	snap, err := cache.Snapshot(context.Background(), testCacheKey())
	require.NoError(t, err)
	assert.True(t, snap.Degraded)
	assert.Equal(t, 15000.0, snap.AveragePrice)
}
