package domain

import (
	"context"
	"fmt"
	"time"
)

// SnapshotKey identifies the vehicle segment a market snapshot covers.
type SnapshotKey struct {
	Make  string   `json:"make"`
	Model string   `json:"model"`
	Year  int      `json:"year"`
	Fuel  FuelType `json:"fuel"`
}

// KeyFor builds the snapshot key for a vehicle.
func KeyFor(v Vehicle) SnapshotKey {
	return SnapshotKey{Make: v.Make, Model: v.Model, Year: v.Year, Fuel: v.Fuel}
}

func (k SnapshotKey) String() string {
	return fmt.Sprintf("%s/%s/%d/%s", k.Make, k.Model, k.Year, k.Fuel)
}

// MarketSnapshot holds aggregated pricing statistics for a vehicle segment.
type MarketSnapshot struct {
	Key          SnapshotKey `json:"key"`
	AveragePrice float64     `json:"average_price"`
	MinPrice     float64     `json:"min_price"`
	MaxPrice     float64     `json:"max_price"`
	ListingCount int         `json:"listing_count"`
	Confidence   float64     `json:"confidence"` // [0,1]
	ComputedAt   time.Time   `json:"computed_at"`

	// Degraded marks a snapshot served past its TTL because recomputation
	// failed. Consumers must not cache it further.
	Degraded bool `json:"degraded,omitempty"`
}

// Stale reports whether the snapshot is older than ttl at the given instant.
func (s MarketSnapshot) Stale(ttl time.Duration, now time.Time) bool {
	return now.Sub(s.ComputedAt) >= ttl
}

// AggregateResult is the raw output of the external aggregation collaborator.
type AggregateResult struct {
	AveragePrice float64 `json:"average_price"`
	MinPrice     float64 `json:"min_price"`
	MaxPrice     float64 `json:"max_price"`
	ListingCount int     `json:"listing_count"`
	Confidence   float64 `json:"confidence"`
}

// MarketAggregator computes market statistics for a vehicle segment from
// external listing sources. Implemented out of core; failures are treated
// per the snapshot cache degradation rule.
type MarketAggregator interface {
	Aggregate(ctx context.Context, key SnapshotKey) (*AggregateResult, error)
}
