package negotiation

import (
	"encoding/json"
	"math"
	"time"

	"dealbroker/internal/domain"
)

// roundPlan is the outcome of planning one negotiation round: the updated
// negotiation, the round record, and the offer mutation to commit atomically.
type roundPlan struct {
	negotiation  domain.Negotiation
	round        domain.NegotiationRound
	newOffer     *domain.Offer
	supersededID string
	result       domain.RoundResult
}

// gapAndLikelihood derives the relative gap between the client's expected
// price and the active offer, and the acceptance likelihood 1 - min(1, gap).
// The structured counter-proposal wins over the agent's estimate; with no
// price signal at all, the agent's own likelihood stands and the gap is
// treated as open (1.0).
func gapAndLikelihood(active domain.Offer, counter *domain.CounterProposal, decision *domain.RoundDecision) (gap, likelihood float64) {
	base := active.EffectivePrice()

	var expected float64
	if counter != nil && counter.EffectivePrice() > 0 {
		expected = counter.EffectivePrice()
	} else if decision.ExpectedPrice > 0 {
		expected = decision.ExpectedPrice
	}

	if expected <= 0 || base <= 0 {
		return 1, clamp01(decision.Likelihood)
	}

	gap = math.Abs(expected-base) / base
	return gap, 1 - math.Min(1, gap)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// planRound applies the round decision rules to a live negotiation. In
// precedence order: a gap within the acceptance threshold (or an agent accept
// recommendation) parks the session pending approval; the final round fails
// with round_limit_exhausted; the next-to-last round forces one concession
// offer; otherwise the agent's adjust/hold outcome applies and the session
// stays in progress. Exactly one round record is produced.
func planRound(agg *domain.NegotiationAggregate, decision *domain.RoundDecision, feedback string, counter *domain.CounterProposal, threshold, costBasis float64, now time.Time) roundPlan {
	n := agg.Negotiation
	active := *agg.ActiveOffer()
	roundNumber := n.RoundCount + 1

	gap, likelihood := gapAndLikelihood(active, counter, decision)

	var (
		newOffer     *domain.Offer
		supersededID string
		action       = decision.Action
	)

	switch {
	case gap <= threshold || decision.Action == domain.ActionAccept:
		// Client expectation effectively met: hand off for approval.
		n.Status = domain.StatusPendingApproval
		action = domain.ActionAccept

	case roundNumber >= n.MaxRounds:
		n = fail(n, domain.ReasonRoundLimitExhausted, now)
		action = domain.ActionClose

	case roundNumber == n.MaxRounds-1:
		// One last concession before the limit.
		offer := concessionOffer(n, active, decision, gap, costBasis, now)
		newOffer = &offer
		supersededID = active.ID
		n.Status = domain.StatusInProgress
		action = domain.ActionAdjust

	case decision.Action == domain.ActionAdjust && decision.RevisedOffer != nil:
		offer := offerFromDraft(n.ID, *decision.RevisedOffer, n.TradeInValue, now)
		newOffer = &offer
		supersededID = active.ID
		n.Status = domain.StatusInProgress

	default:
		// hold_firm and close keep the active offer on the table.
		n.Status = domain.StatusInProgress
	}

	n.RoundCount = roundNumber
	n.UpdatedAt = now

	operative := active
	if newOffer != nil {
		operative = *newOffer
	}
	proposal, _ := json.Marshal(operative)

	var counterRaw json.RawMessage
	if counter != nil {
		counterRaw, _ = json.Marshal(counter)
	}

	round := domain.NegotiationRound{
		NegotiationID:   n.ID,
		Number:          roundNumber,
		Proposal:        proposal,
		Reasoning:       decision.Reasoning,
		ClientFeedback:  feedback,
		CounterProposal: counterRaw,
		Likelihood:      likelihood,
		Status:          domain.RoundResolved,
		CreatedAt:       now,
	}

	result := domain.RoundResult{
		NegotiationID: n.ID,
		RoundNumber:   roundNumber,
		Status:        n.Status,
		FailureReason: n.FailureReason,
		Action:        action,
		Likelihood:    likelihood,
		Reasoning:     decision.Reasoning,
	}
	if !n.Status.Terminal() {
		result.ActiveOffer = &operative
	}

	return roundPlan{
		negotiation:  n,
		round:        round,
		newOffer:     newOffer,
		supersededID: supersededID,
		result:       result,
	}
}

// concessionOffer builds the forced next-to-last-round offer: the agent's
// revision when it made one, otherwise the active offer repriced toward the
// client's expectation, floored at the dealer's cost basis.
func concessionOffer(n domain.Negotiation, active domain.Offer, decision *domain.RoundDecision, gap, costBasis float64, now time.Time) domain.Offer {
	if decision.RevisedOffer != nil {
		draft := *decision.RevisedOffer
		draft.Concession = true
		return offerFromDraft(n.ID, draft, n.TradeInValue, now)
	}

	offer := active
	offer.ID = generateULID(now)
	offer.Status = domain.OfferProposed
	offer.Concession = true
	offer.Justification = "final concession before round limit"
	offer.CreatedAt = now

	// Move the price most of the way across the gap, never below cost.
	target := active.EffectivePrice() * (1 - gap*0.8)
	if target < costBasis {
		target = costBasis
	}
	if offer.Type == domain.OfferPurchase {
		offer.PurchasePrice = target
		offer.TotalCost = target
	} else if offer.DurationMo > 0 {
		offer.MonthlyPay = target / float64(offer.DurationMo)
		offer.TotalCost = target
	}
	return offer
}

// timedOut reports whether the session exceeded its wall-clock budget.
func timedOut(n domain.Negotiation, timeout time.Duration, now time.Time) bool {
	return timeout > 0 && now.Sub(n.StartedAt) >= timeout
}
