// Package market maintains the in-memory market snapshot cache.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"dealbroker/internal/domain"
	"dealbroker/internal/infra/config"
)

// SnapshotCache caches market snapshots per vehicle segment. Recomputation is
// stampede-suppressed: one in-flight aggregation per key, concurrent callers
// share the result. When the aggregator fails and an expired snapshot exists,
// that snapshot is served marked degraded instead of failing the negotiation.
type SnapshotCache struct {
	aggregator domain.MarketAggregator
	bus        domain.EventBus
	logger     *slog.Logger

	ttl     time.Duration
	timeout time.Duration

	mu        sync.RWMutex
	snapshots map[domain.SnapshotKey]*domain.MarketSnapshot

	group singleflight.Group

	statsMu      sync.Mutex
	aggregations int

	// now is swappable for tests.
	now func() time.Time
}

// NewSnapshotCache creates a cache over the given aggregator. bus may be nil.
func NewSnapshotCache(aggregator domain.MarketAggregator, cfg config.MarketConfig, bus domain.EventBus, logger *slog.Logger) *SnapshotCache {
	ttl := cfg.SnapshotTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	timeout := cfg.AggregateTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &SnapshotCache{
		aggregator: aggregator,
		bus:        bus,
		logger:     logger,
		ttl:        ttl,
		timeout:    timeout,
		snapshots:  make(map[domain.SnapshotKey]*domain.MarketSnapshot),
		now:        time.Now,
	}
}

// Snapshot returns a fresh snapshot for the segment, recomputing if the cached
// entry is missing or expired. A degraded snapshot is returned as a last
// resort when recomputation fails but an expired entry survives.
func (c *SnapshotCache) Snapshot(ctx context.Context, key domain.SnapshotKey) (*domain.MarketSnapshot, error) {
	now := c.now()

	c.mu.RLock()
	cached, ok := c.snapshots[key]
	c.mu.RUnlock()
	if ok && !cached.Stale(c.ttl, now) {
		snap := *cached
		return &snap, nil
	}

	result, err, _ := c.group.Do(key.String(), func() (any, error) {
		return c.refresh(ctx, key)
	})
	if err != nil {
		// Degraded serve: an expired snapshot beats no snapshot. The stored
		// entry keeps its old ComputedAt so the next call retries.
		c.mu.RLock()
		stale, ok := c.snapshots[key]
		c.mu.RUnlock()
		if ok {
			snap := *stale
			snap.Degraded = true
			c.logger.Warn("serving degraded market snapshot",
				"segment", key.String(),
				"age", now.Sub(snap.ComputedAt).String(),
				"error", err,
			)
			c.publish(ctx, domain.EventSnapshotDegraded, snap)
			return &snap, nil
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrMarketDataUnavailable, err)
	}

	snap := *result.(*domain.MarketSnapshot)
	return &snap, nil
}

// refresh recomputes one segment and stores the result. Runs inside the
// singleflight group.
func (c *SnapshotCache) refresh(ctx context.Context, key domain.SnapshotKey) (*domain.MarketSnapshot, error) {
	c.statsMu.Lock()
	c.aggregations++
	c.statsMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := c.aggregator.Aggregate(ctx, key)
	if err != nil {
		return nil, err
	}

	snap := &domain.MarketSnapshot{
		Key:          key,
		AveragePrice: result.AveragePrice,
		MinPrice:     result.MinPrice,
		MaxPrice:     result.MaxPrice,
		ListingCount: result.ListingCount,
		Confidence:   result.Confidence,
		ComputedAt:   c.now(),
	}

	c.mu.Lock()
	c.snapshots[key] = snap
	c.mu.Unlock()

	c.logger.Debug("market snapshot refreshed",
		"segment", key.String(),
		"listings", snap.ListingCount,
		"average", snap.AveragePrice,
	)
	c.publish(ctx, domain.EventSnapshotRefreshed, *snap)

	return snap, nil
}

// staleRetentionFactor scales the TTL into the sweep eviction horizon.
// Expired entries are kept several TTLs past expiry so an aggregator outage
// degrades to a stale serve instead of a hard failure.
const staleRetentionFactor = 4

// Sweep drops entries stale beyond the retention horizon and returns how many
// were removed. Merely expired entries survive; they back the degraded serve
// until refresh overwrites them. Called by the daemon on a schedule.
func (c *SnapshotCache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, snap := range c.snapshots {
		if snap.Stale(c.ttl*staleRetentionFactor, now) {
			delete(c.snapshots, key)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Info("swept expired market snapshots", "removed", removed)
	}
	return removed
}

// Len reports how many snapshots are cached.
func (c *SnapshotCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.snapshots)
}

// Aggregations reports how many aggregator calls were made.
func (c *SnapshotCache) Aggregations() int {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.aggregations
}

func (c *SnapshotCache) publish(ctx context.Context, typ domain.EventType, snap domain.MarketSnapshot) {
	if c.bus == nil {
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}
	c.bus.Publish(ctx, domain.Event{
		Type:      typ,
		Timestamp: c.now(),
		Payload:   payload,
	})
}
