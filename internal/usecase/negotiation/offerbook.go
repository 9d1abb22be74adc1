package negotiation

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"dealbroker/internal/domain"
)

// generateULID produces a sortable unique ID for negotiations and offers.
func generateULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// offerFromDraft materializes one agent draft as a proposed offer version.
func offerFromDraft(negotiationID string, draft domain.OfferDraft, tradeInValue float64, now time.Time) domain.Offer {
	total := draft.EffectivePrice()
	return domain.Offer{
		ID:            generateULID(now),
		NegotiationID: negotiationID,
		Type:          draft.Type,
		TradeInValue:  tradeInValue,
		PurchasePrice: draft.PurchasePrice,
		MonthlyPay:    draft.MonthlyPay,
		DurationMo:    draft.DurationMo,
		TotalCost:     total,
		WarrantyMo:    draft.WarrantyMo,
		Maintenance:   draft.Maintenance,
		Roadside:      draft.Roadside,
		Insurance:     draft.Insurance,
		Justification: draft.Reasoning,
		Confidence:    draft.Confidence,
		Concession:    draft.Concession,
		Status:        domain.OfferProposed,
		CreatedAt:     now,
	}
}

// checkAcceptable verifies the offer may be accepted: the negotiation must
// not be terminal and the offer must be the active proposed version.
func checkAcceptable(agg *domain.NegotiationAggregate, offerID string) (*domain.Offer, error) {
	if agg.Negotiation.Status.Terminal() {
		return nil, fmt.Errorf("accept offer %s: %w", offerID, domain.ErrNegotiationTerminal)
	}
	active := agg.ActiveOffer()
	if active == nil || active.ID != offerID || active.Status != domain.OfferProposed {
		return nil, fmt.Errorf("accept offer %s: %w", offerID, domain.ErrOfferNotActive)
	}
	return active, nil
}

// checkRejectable verifies the offer may be rejected. Any non-settled offer
// of a live negotiation qualifies; rejection never terminates the session.
func checkRejectable(agg *domain.NegotiationAggregate, offerID string) (*domain.Offer, error) {
	if agg.Negotiation.Status.Terminal() {
		return nil, fmt.Errorf("reject offer %s: %w", offerID, domain.ErrNegotiationTerminal)
	}
	for i := range agg.Offers {
		if agg.Offers[i].ID == offerID {
			switch agg.Offers[i].Status {
			case domain.OfferAccepted, domain.OfferRejected:
				return nil, fmt.Errorf("reject offer %s: %w", offerID, domain.ErrOfferNotActive)
			}
			return &agg.Offers[i], nil
		}
	}
	return nil, fmt.Errorf("reject offer %s: %w", offerID, domain.ErrOfferNotFound)
}

// conclude finalizes the negotiation on an accepted offer: final price,
// margin achieved relative to the dealer's cost basis, chosen type.
func conclude(n domain.Negotiation, offer domain.Offer, costBasis float64, now time.Time) domain.Negotiation {
	final := offer.EffectivePrice()
	n.Status = domain.StatusConcluded
	n.FinalPrice = final
	n.MarginAchieved = offer.Margin(costBasis)
	n.ChosenOfferType = offer.Type
	n.EndedAt = &now
	n.UpdatedAt = now
	return n
}

// fail terminates the negotiation with a reason code.
func fail(n domain.Negotiation, reason domain.FailureReason, now time.Time) domain.Negotiation {
	n.Status = domain.StatusFailed
	n.FailureReason = reason
	n.EndedAt = &now
	n.UpdatedAt = now
	return n
}
