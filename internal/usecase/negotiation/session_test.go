package negotiation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealbroker/internal/domain"
)

func planFixture(roundCount, maxRounds int) *domain.NegotiationAggregate {
	return &domain.NegotiationAggregate{
		Negotiation: domain.Negotiation{
			ID:           "neg-1",
			ClientID:     "cl-1",
			Status:       domain.StatusInProgress,
			RoundCount:   roundCount,
			MaxRounds:    maxRounds,
			MarginTarget: 0.15,
			StartedAt:    time.Now(),
		},
		Offers: []domain.Offer{{
			ID:            "off-1",
			NegotiationID: "neg-1",
			Type:          domain.OfferPurchase,
			PurchasePrice: 24000,
			TotalCost:     24000,
			Status:        domain.OfferProposed,
		}},
	}
}

func TestGapAndLikelihood(t *testing.T) {
	active := domain.Offer{Type: domain.OfferPurchase, PurchasePrice: 20000}

	// Structured counter wins over the agent's estimate.
	gap, likelihood := gapAndLikelihood(active,
		&domain.CounterProposal{Price: 19000},
		&domain.RoundDecision{ExpectedPrice: 10000, Likelihood: 0.2})
	assert.InDelta(t, 0.05, gap, 1e-9)
	assert.InDelta(t, 0.95, likelihood, 1e-9)

	// No counter: agent's expected price drives the gap.
	gap, likelihood = gapAndLikelihood(active, nil,
		&domain.RoundDecision{ExpectedPrice: 15000})
	assert.InDelta(t, 0.25, gap, 1e-9)
	assert.InDelta(t, 0.75, likelihood, 1e-9)

	// No price signal at all: the agent's own likelihood stands.
	gap, likelihood = gapAndLikelihood(active, nil,
		&domain.RoundDecision{Likelihood: 0.6})
	assert.Equal(t, 1.0, gap)
	assert.Equal(t, 0.6, likelihood)

	// A gap beyond 100% floors the likelihood at zero.
	_, likelihood = gapAndLikelihood(active, &domain.CounterProposal{Price: 45000}, &domain.RoundDecision{})
	assert.Equal(t, 0.0, likelihood)
}

func TestPlanRoundSmallGapPendsApproval(t *testing.T) {
	agg := planFixture(0, 10)
	now := time.Now()

	plan := planRound(agg,
		&domain.RoundDecision{Action: domain.ActionHoldFirm, Reasoning: "close enough"},
		"almost there", &domain.CounterProposal{Price: 23500},
		0.05, 20000, now)

	assert.Equal(t, domain.StatusPendingApproval, plan.negotiation.Status)
	assert.Equal(t, domain.ActionAccept, plan.result.Action)
	assert.Equal(t, 1, plan.negotiation.RoundCount)
	assert.Equal(t, 1, plan.round.Number)
	assert.Nil(t, plan.newOffer)
	require.NotNil(t, plan.result.ActiveOffer)
	assert.Equal(t, "off-1", plan.result.ActiveOffer.ID)
}

func TestPlanRoundAgentAcceptPendsApproval(t *testing.T) {
	agg := planFixture(0, 10)

	plan := planRound(agg,
		&domain.RoundDecision{Action: domain.ActionAccept, ExpectedPrice: 18000},
		"", nil, 0.05, 20000, time.Now())

	assert.Equal(t, domain.StatusPendingApproval, plan.negotiation.Status)
	assert.Nil(t, plan.newOffer)
}

func TestPlanRoundFinalRoundFails(t *testing.T) {
	agg := planFixture(2, 3)
	now := time.Now()

	plan := planRound(agg,
		&domain.RoundDecision{Action: domain.ActionAdjust, RevisedOffer: &domain.OfferDraft{
			Type: domain.OfferPurchase, PurchasePrice: 23000, Reasoning: "meet in the middle",
		}},
		"still too high", &domain.CounterProposal{Price: 12000},
		0.05, 20000, now)

	assert.Equal(t, domain.StatusFailed, plan.negotiation.Status)
	assert.Equal(t, domain.ReasonRoundLimitExhausted, plan.negotiation.FailureReason)
	assert.Equal(t, 3, plan.negotiation.RoundCount)
	assert.Equal(t, 3, plan.round.Number)
	assert.Nil(t, plan.newOffer)
	assert.Nil(t, plan.result.ActiveOffer)
	require.NotNil(t, plan.negotiation.EndedAt)
}

func TestPlanRoundNextToLastForcesConcession(t *testing.T) {
	agg := planFixture(1, 3)
	now := time.Now()

	// hold_firm is overridden on the next-to-last round.
	plan := planRound(agg,
		&domain.RoundDecision{Action: domain.ActionHoldFirm},
		"", &domain.CounterProposal{Price: 12000},
		0.05, 20000, now)

	require.NotNil(t, plan.newOffer)
	assert.True(t, plan.newOffer.Concession)
	assert.Equal(t, "off-1", plan.supersededID)
	assert.Equal(t, domain.StatusInProgress, plan.negotiation.Status)
	assert.Equal(t, domain.ActionAdjust, plan.result.Action)

	// Derived concession moves toward the client but never below cost.
	assert.GreaterOrEqual(t, plan.newOffer.EffectivePrice(), 20000.0)
	assert.Less(t, plan.newOffer.EffectivePrice(), 24000.0)
}

func TestPlanRoundConcessionUsesAgentRevision(t *testing.T) {
	agg := planFixture(1, 3)

	plan := planRound(agg,
		&domain.RoundDecision{Action: domain.ActionAdjust, RevisedOffer: &domain.OfferDraft{
			Type: domain.OfferPurchase, PurchasePrice: 21500, Reasoning: "last push",
		}},
		"", &domain.CounterProposal{Price: 12000},
		0.05, 20000, time.Now())

	require.NotNil(t, plan.newOffer)
	assert.True(t, plan.newOffer.Concession)
	assert.Equal(t, 21500.0, plan.newOffer.PurchasePrice)
}

func TestPlanRoundAdjustAppendsOfferVersion(t *testing.T) {
	agg := planFixture(0, 10)
	now := time.Now()

	plan := planRound(agg,
		&domain.RoundDecision{Action: domain.ActionAdjust, RevisedOffer: &domain.OfferDraft{
			Type: domain.OfferPurchase, PurchasePrice: 22500, Reasoning: "small step",
		}},
		"too expensive", &domain.CounterProposal{Price: 18000},
		0.05, 20000, now)

	require.NotNil(t, plan.newOffer)
	assert.Equal(t, 22500.0, plan.newOffer.PurchasePrice)
	assert.Equal(t, domain.OfferProposed, plan.newOffer.Status)
	assert.Equal(t, "off-1", plan.supersededID)
	assert.Equal(t, domain.StatusInProgress, plan.negotiation.Status)
	require.NotNil(t, plan.result.ActiveOffer)
	assert.Equal(t, plan.newOffer.ID, plan.result.ActiveOffer.ID)
}

func TestPlanRoundHoldFirmKeepsActiveOffer(t *testing.T) {
	agg := planFixture(0, 10)

	plan := planRound(agg,
		&domain.RoundDecision{Action: domain.ActionHoldFirm, Reasoning: "priced to market"},
		"can you do better", &domain.CounterProposal{Price: 18000},
		0.05, 20000, time.Now())

	assert.Nil(t, plan.newOffer)
	assert.Empty(t, plan.supersededID)
	assert.Equal(t, domain.StatusInProgress, plan.negotiation.Status)
	assert.Equal(t, domain.ActionHoldFirm, plan.result.Action)
}

func TestTimedOut(t *testing.T) {
	now := time.Now()
	n := domain.Negotiation{StartedAt: now.Add(-10 * time.Minute)}

	assert.True(t, timedOut(n, 5*time.Minute, now))
	assert.False(t, timedOut(n, time.Hour, now))
	assert.False(t, timedOut(n, 0, now))
}
