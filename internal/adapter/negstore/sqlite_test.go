package negstore

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"dealbroker/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "negotiations.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func fixtureNegotiation() domain.Negotiation {
	now := time.Now().UTC()
	return domain.Negotiation{
		ID:              "neg-1",
		ClientID:        "cl-1",
		TargetVehicleID: "VIN-COROLLA",
		Status:          domain.StatusInitiated,
		MaxRounds:       10,
		MarginTarget:    0.15,
		TradeInValue:    8500,
		SnapshotKey:     domain.SnapshotKey{Make: "Toyota", Model: "Corolla", Year: 2021, Fuel: domain.FuelHybrid},
		MarketAnalysis:  &domain.MarketAnalysis{Demand: domain.DemandHigh},
		StartedAt:       now,
		UpdatedAt:       now,
	}
}

func fixtureOffer(id string, status domain.OfferStatus) domain.Offer {
	return domain.Offer{
		ID:            id,
		NegotiationID: "neg-1",
		Type:          domain.OfferPurchase,
		TradeInValue:  8500,
		PurchasePrice: 22000,
		TotalCost:     22000,
		WarrantyMo:    12,
		Justification: "market-aligned starting offer",
		Confidence:    0.7,
		Status:        status,
		CreatedAt:     time.Now().UTC(),
	}
}

func TestStoreCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	n := fixtureNegotiation()
	if err := store.Create(ctx, n, []domain.Offer{fixtureOffer("off-1", domain.OfferProposed)}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	agg, err := store.Get(ctx, "neg-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if agg.Negotiation.Status != domain.StatusInitiated {
		t.Errorf("status = %s", agg.Negotiation.Status)
	}
	if agg.Negotiation.MarketAnalysis == nil || agg.Negotiation.MarketAnalysis.Demand != domain.DemandHigh {
		t.Errorf("market analysis not round-tripped: %+v", agg.Negotiation.MarketAnalysis)
	}
	if agg.Negotiation.SnapshotKey.Model != "Corolla" {
		t.Errorf("snapshot key = %+v", agg.Negotiation.SnapshotKey)
	}
	if len(agg.Offers) != 1 || agg.Offers[0].ID != "off-1" {
		t.Fatalf("offers = %+v", agg.Offers)
	}

	active := agg.ActiveOffer()
	if active == nil || active.ID != "off-1" {
		t.Errorf("active offer = %+v", active)
	}

	_, err = store.Get(ctx, "neg-missing")
	if !errors.Is(err, domain.ErrNegotiationNotFound) {
		t.Errorf("expected ErrNegotiationNotFound, got %v", err)
	}
}

func TestStoreGetByOffer(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, fixtureNegotiation(), []domain.Offer{fixtureOffer("off-1", domain.OfferProposed)}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	agg, err := store.GetByOffer(ctx, "off-1")
	if err != nil {
		t.Fatalf("GetByOffer: %v", err)
	}
	if agg.Negotiation.ID != "neg-1" {
		t.Errorf("negotiation = %s", agg.Negotiation.ID)
	}

	_, err = store.GetByOffer(ctx, "off-missing")
	if !errors.Is(err, domain.ErrOfferNotFound) {
		t.Errorf("expected ErrOfferNotFound, got %v", err)
	}
}

func TestStoreCommitRound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	n := fixtureNegotiation()
	if err := store.Create(ctx, n, []domain.Offer{fixtureOffer("off-1", domain.OfferProposed)}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	n.Status = domain.StatusInProgress
	n.RoundCount = 1
	n.UpdatedAt = time.Now().UTC()

	revised := fixtureOffer("off-2", domain.OfferProposed)
	revised.PurchasePrice = 21000
	revised.TotalCost = 21000
	revised.Concession = true

	round := domain.NegotiationRound{
		NegotiationID:   "neg-1",
		Number:          1,
		Proposal:        json.RawMessage(`{"purchase_price":21000}`),
		Reasoning:       "matched client counter within margin",
		ClientFeedback:  "too expensive",
		CounterProposal: json.RawMessage(`{"price":20500}`),
		Likelihood:      0.85,
		Status:          domain.RoundResolved,
		CreatedAt:       time.Now().UTC(),
	}

	if err := store.CommitRound(ctx, n, round, &revised, "off-1"); err != nil {
		t.Fatalf("CommitRound: %v", err)
	}

	agg, err := store.Get(ctx, "neg-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if agg.Negotiation.RoundCount != 1 || agg.Negotiation.Status != domain.StatusInProgress {
		t.Errorf("negotiation = %+v", agg.Negotiation)
	}
	if len(agg.Rounds) != 1 {
		t.Fatalf("rounds = %d", len(agg.Rounds))
	}
	if agg.Rounds[0].Likelihood != 0.85 {
		t.Errorf("likelihood = %v", agg.Rounds[0].Likelihood)
	}
	if string(agg.Rounds[0].CounterProposal) != `{"price":20500}` {
		t.Errorf("counter = %s", agg.Rounds[0].CounterProposal)
	}

	if len(agg.Offers) != 2 {
		t.Fatalf("offers = %d", len(agg.Offers))
	}
	if agg.Offers[0].Status != domain.OfferNegotiating {
		t.Errorf("superseded status = %s", agg.Offers[0].Status)
	}
	active := agg.ActiveOffer()
	if active == nil || active.ID != "off-2" || !active.Concession {
		t.Errorf("active = %+v", active)
	}
}

func TestStoreCommitRoundAtomicOnBadSupersede(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	n := fixtureNegotiation()
	if err := store.Create(ctx, n, []domain.Offer{fixtureOffer("off-1", domain.OfferProposed)}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	n.RoundCount = 1
	round := domain.NegotiationRound{
		NegotiationID: "neg-1",
		Number:        1,
		Proposal:      json.RawMessage(`{}`),
		Status:        domain.RoundResolved,
		CreatedAt:     time.Now().UTC(),
	}

	err := store.CommitRound(ctx, n, round, nil, "off-missing")
	if !errors.Is(err, domain.ErrOfferNotFound) {
		t.Fatalf("expected ErrOfferNotFound, got %v", err)
	}

	// Nothing from the failed transaction may be visible.
	agg, err := store.Get(ctx, "neg-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(agg.Rounds) != 0 {
		t.Errorf("rounds leaked from aborted tx: %d", len(agg.Rounds))
	}
	if agg.Negotiation.RoundCount != 0 {
		t.Errorf("round count leaked: %d", agg.Negotiation.RoundCount)
	}
}

func TestStoreUpdateOfferStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, fixtureNegotiation(), []domain.Offer{fixtureOffer("off-1", domain.OfferProposed)}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.UpdateOfferStatus(ctx, "off-1", domain.OfferAccepted); err != nil {
		t.Fatalf("UpdateOfferStatus: %v", err)
	}

	agg, _ := store.Get(ctx, "neg-1")
	if agg.Offers[0].Status != domain.OfferAccepted {
		t.Errorf("status = %s", agg.Offers[0].Status)
	}

	err := store.UpdateOfferStatus(ctx, "off-missing", domain.OfferRejected)
	if !errors.Is(err, domain.ErrOfferNotFound) {
		t.Errorf("expected ErrOfferNotFound, got %v", err)
	}
}

func TestStoreSettle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, fixtureNegotiation(), []domain.Offer{fixtureOffer("off-1", domain.OfferProposed)}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	now := time.Now().UTC()
	n := fixtureNegotiation()
	n.Status = domain.StatusConcluded
	n.FinalPrice = 22000
	n.MarginAchieved = 0.14
	n.ChosenOfferType = domain.OfferPurchase
	n.EndedAt = &now
	n.UpdatedAt = now

	if err := store.Settle(ctx, n, "off-1", domain.OfferAccepted); err != nil {
		t.Fatalf("Settle: %v", err)
	}

	agg, err := store.Get(ctx, "neg-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if agg.Negotiation.Status != domain.StatusConcluded {
		t.Errorf("status = %s", agg.Negotiation.Status)
	}
	if agg.Negotiation.FinalPrice != 22000 {
		t.Errorf("final price = %v", agg.Negotiation.FinalPrice)
	}
	if agg.Negotiation.EndedAt == nil {
		t.Error("ended_at not persisted")
	}
	if agg.Offers[0].Status != domain.OfferAccepted {
		t.Errorf("offer status = %s", agg.Offers[0].Status)
	}

	// An unknown offer aborts the transaction without touching the negotiation.
	if err := store.Settle(ctx, n, "off-missing", domain.OfferRejected); !errors.Is(err, domain.ErrOfferNotFound) {
		t.Errorf("expected ErrOfferNotFound, got %v", err)
	}
}

func TestStoreAppendOffer(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, fixtureNegotiation(), []domain.Offer{fixtureOffer("off-1", domain.OfferRejected)}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	n := fixtureNegotiation()
	n.Status = domain.StatusInProgress
	n.UpdatedAt = time.Now().UTC()
	reopened := fixtureOffer("off-2", domain.OfferProposed)
	reopened.PurchasePrice = 21500
	reopened.TotalCost = 21500

	if err := store.AppendOffer(ctx, n, reopened); err != nil {
		t.Fatalf("AppendOffer: %v", err)
	}

	agg, err := store.Get(ctx, "neg-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if agg.Negotiation.Status != domain.StatusInProgress {
		t.Errorf("status = %s", agg.Negotiation.Status)
	}
	if len(agg.Offers) != 2 {
		t.Fatalf("offers = %d, want 2", len(agg.Offers))
	}
	if agg.Offers[1].ID != "off-2" || agg.Offers[1].PurchasePrice != 21500 {
		t.Errorf("appended offer = %+v", agg.Offers[1])
	}
	active := agg.ActiveOffer()
	if active == nil || active.ID != "off-2" {
		t.Errorf("active offer = %+v", active)
	}
}
