package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from NegotiationStatus
		to   NegotiationStatus
		want bool
	}{
		{"initiated to in_progress", StatusInitiated, StatusInProgress, true},
		{"in_progress to pending_approval", StatusInProgress, StatusPendingApproval, true},
		{"pending_approval back to in_progress", StatusPendingApproval, StatusInProgress, true},
		{"pending_approval to concluded", StatusPendingApproval, StatusConcluded, true},
		{"in_progress to concluded", StatusInProgress, StatusConcluded, true},
		{"in_progress to failed", StatusInProgress, StatusFailed, true},
		{"concluded is absorbing", StatusConcluded, StatusInProgress, false},
		{"failed is absorbing", StatusFailed, StatusInProgress, false},
		{"failed cannot conclude", StatusFailed, StatusConcluded, false},
		{"initiated cannot skip to concluded", StatusInitiated, StatusConcluded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusConcluded.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusInitiated.Terminal())
	assert.False(t, StatusInProgress.Terminal())
	assert.False(t, StatusPendingApproval.Terminal())
}

func TestOfferEffectivePrice(t *testing.T) {
	purchase := Offer{Type: OfferPurchase, PurchasePrice: 32000}
	assert.Equal(t, 32000.0, purchase.EffectivePrice())

	lease := Offer{Type: OfferLease, MonthlyPay: 450, DurationMo: 48}
	assert.Equal(t, 450.0*48, lease.EffectivePrice())
}

func TestOfferMargin(t *testing.T) {
	o := Offer{Type: OfferPurchase, PurchasePrice: 32000}
	assert.InDelta(t, (32000.0-27200.0)/32000.0, o.Margin(27200), 1e-9)

	zero := Offer{Type: OfferPurchase}
	assert.Equal(t, 0.0, zero.Margin(27200))
}

func TestAggregateActiveOffer(t *testing.T) {
	agg := &NegotiationAggregate{
		Offers: []Offer{
			{ID: "o1", Status: OfferNegotiating},
			{ID: "o2", Status: OfferRejected},
			{ID: "o3", Status: OfferProposed},
		},
	}
	active := agg.ActiveOffer()
	if assert.NotNil(t, active) {
		assert.Equal(t, "o3", active.ID)
	}

	none := &NegotiationAggregate{
		Offers: []Offer{{ID: "o1", Status: OfferRejected}},
	}
	assert.Nil(t, none.ActiveOffer())
}

func TestCounterProposalEffectivePrice(t *testing.T) {
	byPrice := CounterProposal{Price: 29500}
	assert.Equal(t, 29500.0, byPrice.EffectivePrice())

	byMonthly := CounterProposal{MonthlyPay: 400, DurationMo: 36}
	assert.Equal(t, 400.0*36, byMonthly.EffectivePrice())
}

func TestClientInBudget(t *testing.T) {
	c := Client{BudgetMin: 25000, BudgetMax: 40000}
	assert.True(t, c.InBudget(32000))
	assert.False(t, c.InBudget(41000))
	assert.False(t, c.InBudget(20000))

	open := Client{}
	assert.True(t, open.InBudget(999999))
}
