package domain

import "context"

// Catalog provides read access to vehicles and clients. The core never
// writes through this interface; seeding is an adapter concern.
type Catalog interface {
	Vehicle(ctx context.Context, vin string) (*Vehicle, error)
	Client(ctx context.Context, id string) (*Client, error)
	// FindVehicle returns an in-stock vehicle matching the query, used when
	// a negotiation is initiated without an explicit target.
	FindVehicle(ctx context.Context, q VehicleQuery) (*Vehicle, error)
}

// NegotiationAggregate is a negotiation with its owned children, loaded as a
// consistent snapshot.
type NegotiationAggregate struct {
	Negotiation Negotiation
	Offers      []Offer            // ordered by creation
	Rounds      []NegotiationRound // ordered by round number
}

// ActiveOffer returns the current non-superseded offer, or nil.
func (a *NegotiationAggregate) ActiveOffer() *Offer {
	for i := len(a.Offers) - 1; i >= 0; i-- {
		switch a.Offers[i].Status {
		case OfferProposed, OfferAccepted:
			return &a.Offers[i]
		}
	}
	return nil
}

// NegotiationStore persists negotiation aggregates.
//
// CommitRound must write the round record, any appended offer version, the
// superseded offer's status change, and the negotiation update in a single
// transaction: a round either fully commits or nothing is persisted.
type NegotiationStore interface {
	Create(ctx context.Context, n Negotiation, firstOffers []Offer) error
	Get(ctx context.Context, id string) (*NegotiationAggregate, error)
	GetByOffer(ctx context.Context, offerID string) (*NegotiationAggregate, error)
	CommitRound(ctx context.Context, n Negotiation, round NegotiationRound, newOffer *Offer, supersededID string) error
	UpdateNegotiation(ctx context.Context, n Negotiation) error
	UpdateOfferStatus(ctx context.Context, offerID string, status OfferStatus) error
	// AppendOffer inserts a new offer version together with the negotiation
	// update in one transaction. Used to reopen a live negotiation whose
	// offers were all rejected.
	AppendOffer(ctx context.Context, n Negotiation, offer Offer) error
	// Settle updates one offer's status and the negotiation in a single
	// transaction. Used for accept/reject, which must never partially apply.
	Settle(ctx context.Context, n Negotiation, offerID string, status OfferStatus) error
}
