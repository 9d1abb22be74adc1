package domain

import (
	"encoding/json"
	"time"
)

// NegotiationStatus is the lifecycle state of a negotiation session.
type NegotiationStatus string

const (
	StatusInitiated       NegotiationStatus = "initiated"
	StatusInProgress      NegotiationStatus = "in_progress"
	StatusPendingApproval NegotiationStatus = "pending_approval"
	StatusConcluded       NegotiationStatus = "concluded"
	StatusFailed          NegotiationStatus = "failed"
)

// Terminal reports whether the status is absorbing.
func (s NegotiationStatus) Terminal() bool {
	return s == StatusConcluded || s == StatusFailed
}

// statusTransitions is the allowed transition table. Status is monotonic
// except the bounded pending_approval <-> in_progress oscillation.
var statusTransitions = map[NegotiationStatus][]NegotiationStatus{
	StatusInitiated:       {StatusInProgress, StatusFailed},
	StatusInProgress:      {StatusPendingApproval, StatusConcluded, StatusFailed},
	StatusPendingApproval: {StatusInProgress, StatusConcluded, StatusFailed},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to NegotiationStatus) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FailureReason classifies a failed negotiation. Round-limit exhaustion and
// session timeout are defined outcomes, not errors.
type FailureReason string

const (
	ReasonRoundLimitExhausted FailureReason = "round_limit_exhausted"
	ReasonSessionTimeout      FailureReason = "timeout"
	ReasonAbandoned           FailureReason = "abandoned"
)

// Negotiation is the aggregate root. It owns its Offers and Rounds; Vehicle
// and Client are referenced, never owned. Mutated only by the orchestrator
// through legal transitions; immutable once terminal.
type Negotiation struct {
	ID               string            `json:"id"`
	ClientID         string            `json:"client_id"`
	TradeInVehicleID string            `json:"trade_in_vehicle_id,omitempty"`
	TargetVehicleID  string            `json:"target_vehicle_id"`
	Status           NegotiationStatus `json:"status"`
	RoundCount       int               `json:"round_count"`
	MaxRounds        int               `json:"max_rounds"`
	MarginTarget     float64           `json:"margin_target"`

	TradeInValue    float64       `json:"trade_in_value,omitempty"`
	FinalPrice      float64       `json:"final_price,omitempty"`
	MarginAchieved  float64       `json:"margin_achieved,omitempty"`
	ChosenOfferType OfferType     `json:"chosen_offer_type,omitempty"`
	FailureReason   FailureReason `json:"failure_reason,omitempty"`

	MarketAnalysis *MarketAnalysis `json:"market_analysis,omitempty"`
	SnapshotKey    SnapshotKey     `json:"snapshot_key"`
	StrategyNotes  string          `json:"strategy_notes,omitempty"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// OfferType distinguishes the deal structures an offer can take.
type OfferType string

const (
	OfferPurchase     OfferType = "purchase"
	OfferLease        OfferType = "lease"
	OfferSubscription OfferType = "subscription"
)

// OfferStatus tracks one offer version through its lifecycle.
type OfferStatus string

const (
	OfferProposed    OfferStatus = "proposed"
	OfferAccepted    OfferStatus = "accepted"
	OfferRejected    OfferStatus = "rejected"
	OfferNegotiating OfferStatus = "negotiating" // superseded by a newer version
)

// Active reports whether the offer is the negotiation's current offer,
// i.e. neither settled nor superseded-and-settled.
func (s OfferStatus) Active() bool {
	return s == OfferProposed
}

// Offer is one immutable offer version. Rounds never edit an offer in place;
// a revision is appended as a new Offer and the prior version is marked
// negotiating.
type Offer struct {
	ID            string      `json:"id"`
	NegotiationID string      `json:"negotiation_id"`
	Type          OfferType   `json:"type"`
	TradeInValue  float64     `json:"trade_in_value"`
	PurchasePrice float64     `json:"purchase_price,omitempty"`
	MonthlyPay    float64     `json:"monthly_payment,omitempty"`
	DurationMo    int         `json:"duration_months,omitempty"`
	TotalCost     float64     `json:"total_cost"`
	WarrantyMo    int         `json:"warranty_months"`
	Maintenance   bool        `json:"maintenance_included"`
	Roadside      bool        `json:"roadside_assistance"`
	Insurance     bool        `json:"insurance_included"`
	Justification string      `json:"justification"`
	Confidence    float64     `json:"confidence"` // [0,1]
	Concession    bool        `json:"concession,omitempty"`
	Status        OfferStatus `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
}

// EffectivePrice is the price the client commits to: purchase price for
// purchase offers, total of monthly payments for lease and subscription.
func (o Offer) EffectivePrice() float64 {
	if o.Type == OfferPurchase {
		return o.PurchasePrice
	}
	return o.MonthlyPay * float64(o.DurationMo)
}

// Margin is the fractional profit relative to effective price given the
// dealer's cost basis. Returns 0 when the effective price is 0.
func (o Offer) Margin(costBasis float64) float64 {
	price := o.EffectivePrice()
	if price <= 0 {
		return 0
	}
	return (price - costBasis) / price
}

// RoundStatus tracks one negotiation round record.
type RoundStatus string

const (
	RoundOngoing  RoundStatus = "ongoing"
	RoundResolved RoundStatus = "resolved"
)

// NegotiationRound captures one proposal/feedback exchange. Rounds are
// append-only and ordered by Number (1-based, strictly increasing, no gaps).
type NegotiationRound struct {
	NegotiationID   string          `json:"negotiation_id"`
	Number          int             `json:"number"`
	Proposal        json.RawMessage `json:"proposal"`
	Reasoning       string          `json:"reasoning"`
	ClientFeedback  string          `json:"client_feedback,omitempty"`
	CounterProposal json.RawMessage `json:"counter_proposal,omitempty"`
	Likelihood      float64         `json:"acceptance_likelihood"`
	Status          RoundStatus     `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
}

// CounterProposal is the structured part of external feedback: the client's
// stated terms, if any.
type CounterProposal struct {
	Price      float64   `json:"price,omitempty"`
	MonthlyPay float64   `json:"monthly_payment,omitempty"`
	DurationMo int       `json:"duration_months,omitempty"`
	OfferType  OfferType `json:"offer_type,omitempty"`
}

// EffectivePrice mirrors Offer.EffectivePrice for counter-proposals.
func (c CounterProposal) EffectivePrice() float64 {
	if c.Price > 0 {
		return c.Price
	}
	return c.MonthlyPay * float64(c.DurationMo)
}

// RoundResult is returned by the orchestrator after a round executes.
type RoundResult struct {
	NegotiationID string            `json:"negotiation_id"`
	RoundNumber   int               `json:"round_number"`
	Status        NegotiationStatus `json:"status"`
	FailureReason FailureReason     `json:"failure_reason,omitempty"`
	Action        RoundAction       `json:"action"`
	ActiveOffer   *Offer            `json:"active_offer,omitempty"`
	Likelihood    float64           `json:"acceptance_likelihood"`
	Reasoning     string            `json:"reasoning,omitempty"`
}
