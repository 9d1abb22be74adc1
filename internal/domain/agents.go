package domain

import "context"

// AgentRole identifies one of the four reasoning agent variants. All roles
// share the same capability contract: structured context in, structured
// result out. The pipeline owns timeout, retry, and schema validation; the
// backend owns nothing but the completion itself.
type AgentRole string

const (
	RoleMarketAnalysis    AgentRole = "market_analysis"
	RoleTradeInEvaluation AgentRole = "trade_in_evaluation"
	RoleOfferStructuring  AgentRole = "offer_structuring"
	RoleNegotiation       AgentRole = "negotiation"
)

// ReasoningRequest is the uniform input to a reasoning backend.
type ReasoningRequest struct {
	Role      AgentRole
	System    string // role instruction
	Prompt    string // serialized structured context
	MaxTokens int
}

// ReasoningResponse is the raw backend output before schema validation.
type ReasoningResponse struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// ReasoningBackend produces structured output for an agent role. It may fail
// with timeout, malformed output, or unavailability; classification and
// retries happen in the pipeline.
type ReasoningBackend interface {
	Complete(ctx context.Context, req ReasoningRequest) (*ReasoningResponse, error)
	Name() string
}

// DemandLevel grades market demand for a vehicle segment.
type DemandLevel string

const (
	DemandHigh   DemandLevel = "high"
	DemandMedium DemandLevel = "medium"
	DemandLow    DemandLevel = "low"
)

// PricingPosition places the vehicle's value against the market.
type PricingPosition string

const (
	PricingAboveMarket PricingPosition = "above_market"
	PricingAtMarket    PricingPosition = "at_market"
	PricingBelowMarket PricingPosition = "below_market"
)

// MarketAnalysis is the MarketAnalysis agent's result.
type MarketAnalysis struct {
	Demand             DemandLevel     `json:"demand"`
	Position           PricingPosition `json:"position"`
	CompetitiveFactors []string        `json:"competitive_factors"`
	Strategy           string          `json:"strategy"`
	RiskFactors        []string        `json:"risk_factors,omitempty"`
}

// TradeInEvaluation is the TradeInEvaluation agent's result.
// Invariant: FinalValue == BaseValue + ConditionAdjustment + LoyaltyBonus,
// clamped to be non-negative. The pipeline recomputes it; the backend's
// arithmetic is never trusted.
type TradeInEvaluation struct {
	BaseValue           float64 `json:"base_value"`
	ConditionAdjustment float64 `json:"condition_adjustment"`
	LoyaltyBonus        float64 `json:"loyalty_bonus"`
	FinalValue          float64 `json:"final_value"`
	Confidence          float64 `json:"confidence"` // [0,1]
	Justification       string  `json:"justification"`
}

// OfferDraft is one candidate offer from the OfferStructuring agent.
// BudgetConflict is set when no terms can satisfy both the margin target and
// the client budget; the agent must flag the conflict rather than silently
// violate either constraint.
type OfferDraft struct {
	Type           OfferType `json:"type"`
	PurchasePrice  float64   `json:"purchase_price,omitempty"`
	MonthlyPay     float64   `json:"monthly_payment,omitempty"`
	DurationMo     int       `json:"duration_months,omitempty"`
	WarrantyMo     int       `json:"warranty_months"`
	Maintenance    bool      `json:"maintenance_included"`
	Roadside       bool      `json:"roadside_assistance"`
	Insurance      bool      `json:"insurance_included"`
	Confidence     float64   `json:"confidence"` // [0,1]
	Reasoning      string    `json:"reasoning"`
	Concession     bool      `json:"concession,omitempty"`
	BudgetConflict bool      `json:"budget_conflict,omitempty"`
}

// EffectivePrice mirrors Offer.EffectivePrice for drafts.
func (d OfferDraft) EffectivePrice() float64 {
	if d.Type == OfferPurchase {
		return d.PurchasePrice
	}
	return d.MonthlyPay * float64(d.DurationMo)
}

// RoundAction is the Negotiation agent's recommendation for the round.
type RoundAction string

const (
	ActionAccept   RoundAction = "accept"
	ActionAdjust   RoundAction = "adjust"
	ActionHoldFirm RoundAction = "hold_firm"
	ActionClose    RoundAction = "close"
)

// RoundDecision is the Negotiation agent's result for one round.
type RoundDecision struct {
	RevisedOffer  *OfferDraft `json:"revised_offer,omitempty"`
	Likelihood    float64     `json:"acceptance_likelihood"` // [0,1]
	ExpectedPrice float64     `json:"expected_price,omitempty"`
	Reasoning     string      `json:"reasoning"`
	Action        RoundAction `json:"action"`
}
