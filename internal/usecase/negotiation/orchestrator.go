// Package negotiation drives negotiation sessions: the orchestrator facade,
// the round protocol, and offer lifecycle transitions. All mutations of one
// negotiation serialize on a per-negotiation lock; agent failures never leave
// a round half-applied.
package negotiation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"dealbroker/internal/domain"
	"dealbroker/internal/infra/config"
	"dealbroker/internal/infra/tracer"
	"dealbroker/internal/usecase/eventbus"
	"dealbroker/internal/usecase/pipeline"
)

// SnapshotProvider yields market snapshots for a vehicle segment.
type SnapshotProvider interface {
	Snapshot(ctx context.Context, key domain.SnapshotKey) (*domain.MarketSnapshot, error)
}

// AgentPipeline is the slice of the reasoning pipeline the orchestrator uses.
type AgentPipeline interface {
	AnalyzeMarket(ctx context.Context, vehicle domain.Vehicle, snapshot domain.MarketSnapshot) (*domain.MarketAnalysis, error)
	EvaluateTradeIn(ctx context.Context, vehicle domain.Vehicle, snapshot domain.MarketSnapshot, client domain.Client) (*domain.TradeInEvaluation, error)
	StructureOffers(ctx context.Context, client domain.Client, target domain.Vehicle, snapshot domain.MarketSnapshot, tradeInValue, marginTarget float64) ([]domain.OfferDraft, error)
	NegotiateRound(ctx context.Context, in pipeline.NegotiateInput) (*domain.RoundDecision, error)
}

// Orchestrator is the facade over the negotiation core. It composes the
// snapshot cache, the agent pipeline, the stores, and the per-negotiation
// locker, and publishes lifecycle events.
type Orchestrator struct {
	store   domain.NegotiationStore
	catalog domain.Catalog
	market  SnapshotProvider
	agents  AgentPipeline
	bus     domain.EventBus
	logger  *slog.Logger
	locks   *keyedLocker
	cfg     config.EngineConfig

	now func() time.Time // override in tests
}

// NewOrchestrator wires the negotiation facade. Zero config fields fall back
// to the engine defaults.
func NewOrchestrator(store domain.NegotiationStore, catalog domain.Catalog, market SnapshotProvider, agents AgentPipeline, cfg config.EngineConfig, bus domain.EventBus, logger *slog.Logger) *Orchestrator {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 10
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 300 * time.Second
	}
	if cfg.AcceptanceThreshold <= 0 {
		cfg.AcceptanceThreshold = 0.05
	}
	if cfg.DefaultMarginTarget <= 0 {
		cfg.DefaultMarginTarget = 0.15
	}
	return &Orchestrator{
		store:   store,
		catalog: catalog,
		market:  market,
		agents:  agents,
		bus:     bus,
		logger:  logger.With("component", "orchestrator"),
		locks:   newKeyedLocker(),
		cfg:     cfg,
		now:     time.Now,
	}
}

// InitiateRequest carries the inputs to start a negotiation. TargetVehicleID
// may be empty, in which case the target is resolved from the client's
// preferences and budget. MarginTarget zero means the configured default.
type InitiateRequest struct {
	ClientID         string  `json:"client_id"`
	TradeInVehicleID string  `json:"trade_in_vehicle_id,omitempty"`
	TargetVehicleID  string  `json:"target_vehicle_id,omitempty"`
	MarginTarget     float64 `json:"margin_target,omitempty"`
}

// Initiate starts a negotiation: market analysis, trade-in evaluation when a
// trade-in is present, offer structuring, then a single persisted write of
// the in_progress negotiation with its first offer. Validation and all agent
// work happen before anything is stored.
func (o *Orchestrator) Initiate(ctx context.Context, req InitiateRequest) (*domain.NegotiationAggregate, error) {
	const op = "Orchestrator.Initiate"

	ctx, span := tracer.StartSpan(ctx, "negotiation.initiate")
	defer span.End()

	margin := req.MarginTarget
	if margin == 0 {
		margin = o.cfg.DefaultMarginTarget
	}
	if margin <= 0 || margin >= 1 {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput,
			fmt.Sprintf("margin target %.3f outside (0, 1)", margin))
	}
	if req.ClientID == "" {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "client id is required")
	}

	client, err := o.catalog.Client(ctx, req.ClientID)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}

	target, err := o.resolveTarget(ctx, req.TargetVehicleID, *client)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}

	var tradeIn *domain.Vehicle
	if req.TradeInVehicleID != "" {
		tradeIn, err = o.catalog.Vehicle(ctx, req.TradeInVehicleID)
		if err != nil {
			return nil, domain.WrapOp(op, err)
		}
	}

	// Market data is a hard requirement at initiation. Degraded snapshots
	// are acceptable, a complete miss is not.
	snap, err := o.market.Snapshot(ctx, domain.KeyFor(*target))
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}

	analysis, err := o.agents.AnalyzeMarket(ctx, *target, *snap)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}

	var tradeInValue float64
	if tradeIn != nil {
		tiSnap, err := o.market.Snapshot(ctx, domain.KeyFor(*tradeIn))
		if err != nil {
			return nil, domain.WrapOp(op, err)
		}
		eval, err := o.agents.EvaluateTradeIn(ctx, *tradeIn, *tiSnap, *client)
		if err != nil {
			return nil, domain.WrapOp(op, err)
		}
		tradeInValue = eval.FinalValue
	}

	drafts, err := o.agents.StructureOffers(ctx, *client, *target, *snap, tradeInValue, margin)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}

	now := o.now()
	n := domain.Negotiation{
		ID:               generateULID(now),
		ClientID:         client.ID,
		TradeInVehicleID: req.TradeInVehicleID,
		TargetVehicleID:  target.VIN,
		Status:           domain.StatusInProgress,
		MaxRounds:        o.cfg.MaxRounds,
		MarginTarget:     margin,
		TradeInValue:     tradeInValue,
		MarketAnalysis:   analysis,
		SnapshotKey:      domain.KeyFor(*target),
		StrategyNotes:    analysis.Strategy,
		StartedAt:        now,
		UpdatedAt:        now,
	}

	// One active offer per negotiation: the most confident draft opens.
	offer := offerFromDraft(n.ID, bestDraft(drafts), tradeInValue, now)

	if err := o.store.Create(ctx, n, []domain.Offer{offer}); err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp(op, err)
	}

	span.SetAttributes(
		tracer.StringAttr("negotiation.id", n.ID),
		tracer.StringAttr("vehicle.vin", target.VIN),
	)
	tracer.SetOK(span)

	o.logger.Info("negotiation initiated",
		"negotiation_id", n.ID,
		"client_id", client.ID,
		"target_vin", target.VIN,
		"trade_in_value", tradeInValue,
		"offer_type", offer.Type,
	)
	eventbus.Emit(ctx, o.bus, o.logger, domain.EventNegotiationInitiated, n)
	eventbus.Emit(ctx, o.bus, o.logger, domain.EventOfferProposed, offer)

	return &domain.NegotiationAggregate{Negotiation: n, Offers: []domain.Offer{offer}}, nil
}

// resolveTarget fetches an explicitly named target, or searches the catalog
// using the client's stated preferences and budget.
func (o *Orchestrator) resolveTarget(ctx context.Context, vin string, client domain.Client) (*domain.Vehicle, error) {
	if vin != "" {
		v, err := o.catalog.Vehicle(ctx, vin)
		if err != nil {
			return nil, err
		}
		if !v.InStock {
			return nil, fmt.Errorf("%w: vehicle %s is not in stock", domain.ErrInvalidInput, vin)
		}
		return v, nil
	}
	return o.catalog.FindVehicle(ctx, domain.VehicleQuery{
		Fuel:         client.PreferredFuel,
		Transmission: client.PreferredTransmission,
		PriceMin:     client.BudgetMin,
		PriceMax:     client.BudgetMax,
		InStock:      true,
	})
}

// bestDraft picks the opening offer among the agent's candidates.
func bestDraft(drafts []domain.OfferDraft) domain.OfferDraft {
	best := drafts[0]
	for _, d := range drafts[1:] {
		if d.Confidence > best.Confidence {
			best = d
		}
	}
	return best
}

// ExecuteRound runs one proposal/feedback round. The round record, the offer
// mutation, and the negotiation update commit in one transaction; an agent
// failure persists nothing, so the caller may simply retry.
func (o *Orchestrator) ExecuteRound(ctx context.Context, negotiationID, feedback string, counter *domain.CounterProposal) (*domain.RoundResult, error) {
	const op = "Orchestrator.ExecuteRound"

	ctx, span := tracer.StartSpan(ctx, "negotiation.execute_round")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("negotiation.id", negotiationID))

	unlock, err := o.locks.Lock(ctx, negotiationID)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	defer unlock()

	agg, err := o.store.Get(ctx, negotiationID)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	n := agg.Negotiation
	if n.Status.Terminal() {
		return nil, domain.NewDomainError(op, domain.ErrNegotiationTerminal,
			fmt.Sprintf("status %s", n.Status))
	}

	now := o.now()
	if timedOut(n, o.cfg.SessionTimeout, now) {
		return o.failSession(ctx, n, domain.ReasonSessionTimeout, now, op)
	}

	target, err := o.catalog.Vehicle(ctx, n.TargetVehicleID)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	costBasis := target.MarketValue

	active := agg.ActiveOffer()
	if active == nil {
		// Every prior offer was rejected. Rejection does not end the session,
		// so restructure a fresh opening offer and run the round against it.
		active, err = o.reopenOffer(ctx, agg, *target, now)
		if err != nil {
			tracer.RecordError(span, err)
			return nil, domain.WrapOp(op, err)
		}
		n = agg.Negotiation
	}

	decision, err := o.agents.NegotiateRound(ctx, pipeline.NegotiateInput{
		Rounds:          agg.Rounds,
		ActiveOffer:     *active,
		Feedback:        feedback,
		CounterProposal: counter,
		MarginTarget:    n.MarginTarget,
		CostBasis:       costBasis,
		RoundsLeft:      n.MaxRounds - n.RoundCount,
	})
	if err != nil {
		// Nothing was persisted: the round may be retried as-is.
		tracer.RecordError(span, err)
		return nil, domain.WrapOp(op, err)
	}

	plan := planRound(agg, decision, feedback, counter, o.cfg.AcceptanceThreshold, costBasis, now)

	if err := o.store.CommitRound(ctx, plan.negotiation, plan.round, plan.newOffer, plan.supersededID); err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp(op, err)
	}

	span.SetAttributes(
		tracer.IntAttr("round.number", plan.round.Number),
		tracer.StringAttr("round.action", string(plan.result.Action)),
		tracer.FloatAttr("round.likelihood", plan.result.Likelihood),
	)
	tracer.SetOK(span)

	o.logger.Info("round executed",
		"negotiation_id", negotiationID,
		"round", plan.round.Number,
		"action", plan.result.Action,
		"status", plan.result.Status,
		"likelihood", plan.result.Likelihood,
	)
	eventbus.Emit(ctx, o.bus, o.logger, domain.EventRoundCompleted, plan.result)
	if plan.newOffer != nil {
		eventbus.Emit(ctx, o.bus, o.logger, domain.EventOfferProposed, *plan.newOffer)
	}
	if plan.negotiation.Status == domain.StatusFailed {
		eventbus.Emit(ctx, o.bus, o.logger, domain.EventNegotiationFailed, plan.negotiation)
	}

	return &plan.result, nil
}

// reopenOffer restructures an opening offer for a live negotiation with no
// active offer left. The new version is persisted before the round proceeds,
// so a failing agent call afterwards still leaves a proposable offer behind.
func (o *Orchestrator) reopenOffer(ctx context.Context, agg *domain.NegotiationAggregate, target domain.Vehicle, now time.Time) (*domain.Offer, error) {
	n := agg.Negotiation

	client, err := o.catalog.Client(ctx, n.ClientID)
	if err != nil {
		return nil, err
	}
	snap, err := o.market.Snapshot(ctx, n.SnapshotKey)
	if err != nil {
		return nil, err
	}
	drafts, err := o.agents.StructureOffers(ctx, *client, target, *snap, n.TradeInValue, n.MarginTarget)
	if err != nil {
		return nil, err
	}

	offer := offerFromDraft(n.ID, bestDraft(drafts), n.TradeInValue, now)
	n.UpdatedAt = now
	if err := o.store.AppendOffer(ctx, n, offer); err != nil {
		return nil, err
	}
	agg.Negotiation = n
	agg.Offers = append(agg.Offers, offer)

	o.logger.Info("offer reopened after rejection",
		"negotiation_id", n.ID,
		"offer_id", offer.ID,
		"offer_type", offer.Type,
	)
	eventbus.Emit(ctx, o.bus, o.logger, domain.EventOfferProposed, offer)

	return &agg.Offers[len(agg.Offers)-1], nil
}

// failSession terminates a session outside the round protocol (timeout).
func (o *Orchestrator) failSession(ctx context.Context, n domain.Negotiation, reason domain.FailureReason, now time.Time, op string) (*domain.RoundResult, error) {
	n = fail(n, reason, now)
	if err := o.store.UpdateNegotiation(ctx, n); err != nil {
		return nil, domain.WrapOp(op, err)
	}
	o.logger.Warn("negotiation failed",
		"negotiation_id", n.ID, "reason", reason, "rounds_used", n.RoundCount)
	eventbus.Emit(ctx, o.bus, o.logger, domain.EventNegotiationFailed, n)
	return &domain.RoundResult{
		NegotiationID: n.ID,
		RoundNumber:   n.RoundCount,
		Status:        n.Status,
		FailureReason: reason,
	}, nil
}

// GetDetails returns the negotiation with its ordered offers and rounds.
func (o *Orchestrator) GetDetails(ctx context.Context, negotiationID string) (*domain.NegotiationAggregate, error) {
	agg, err := o.store.Get(ctx, negotiationID)
	return agg, domain.WrapOp("Orchestrator.GetDetails", err)
}

// GetHistory returns the negotiation's rounds in order.
func (o *Orchestrator) GetHistory(ctx context.Context, negotiationID string) ([]domain.NegotiationRound, error) {
	agg, err := o.store.Get(ctx, negotiationID)
	if err != nil {
		return nil, domain.WrapOp("Orchestrator.GetHistory", err)
	}
	return agg.Rounds, nil
}

// AnalysisSummary is the condensed view of a negotiation's trajectory.
type AnalysisSummary struct {
	NegotiationID   string                   `json:"negotiation_id"`
	Status          domain.NegotiationStatus `json:"status"`
	FailureReason   domain.FailureReason     `json:"failure_reason,omitempty"`
	RoundsUsed      int                      `json:"rounds_used"`
	MaxRounds       int                      `json:"max_rounds"`
	ActiveOffer     *domain.Offer            `json:"active_offer,omitempty"`
	MarketAnalysis  *domain.MarketAnalysis   `json:"market_analysis,omitempty"`
	LikelihoodTrace []float64                `json:"likelihood_trace"`
	FinalPrice      float64                  `json:"final_price,omitempty"`
	MarginAchieved  float64                  `json:"margin_achieved,omitempty"`
}

// GetAnalysis summarizes a negotiation: status, rounds used, the current
// offer, and the acceptance-likelihood trace across rounds.
func (o *Orchestrator) GetAnalysis(ctx context.Context, negotiationID string) (*AnalysisSummary, error) {
	agg, err := o.store.Get(ctx, negotiationID)
	if err != nil {
		return nil, domain.WrapOp("Orchestrator.GetAnalysis", err)
	}

	trace := make([]float64, 0, len(agg.Rounds))
	for _, r := range agg.Rounds {
		trace = append(trace, r.Likelihood)
	}

	n := agg.Negotiation
	return &AnalysisSummary{
		NegotiationID:   n.ID,
		Status:          n.Status,
		FailureReason:   n.FailureReason,
		RoundsUsed:      n.RoundCount,
		MaxRounds:       n.MaxRounds,
		ActiveOffer:     agg.ActiveOffer(),
		MarketAnalysis:  n.MarketAnalysis,
		LikelihoodTrace: trace,
		FinalPrice:      n.FinalPrice,
		MarginAchieved:  n.MarginAchieved,
	}, nil
}

// AcceptOffer accepts the negotiation's active offer and concludes the
// session, recording final price and margin achieved. Accepting a superseded
// or settled offer fails.
func (o *Orchestrator) AcceptOffer(ctx context.Context, offerID string) (*domain.Negotiation, error) {
	const op = "Orchestrator.AcceptOffer"

	located, err := o.store.GetByOffer(ctx, offerID)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}

	unlock, err := o.locks.Lock(ctx, located.Negotiation.ID)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	defer unlock()

	// Reload under the lock; the offer may have settled meanwhile.
	agg, err := o.store.Get(ctx, located.Negotiation.ID)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	offer, err := checkAcceptable(agg, offerID)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}

	target, err := o.catalog.Vehicle(ctx, agg.Negotiation.TargetVehicleID)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}

	now := o.now()
	n := conclude(agg.Negotiation, *offer, target.MarketValue, now)
	if err := o.store.Settle(ctx, n, offerID, domain.OfferAccepted); err != nil {
		return nil, domain.WrapOp(op, err)
	}

	o.logger.Info("offer accepted",
		"negotiation_id", n.ID,
		"offer_id", offerID,
		"final_price", n.FinalPrice,
		"margin_achieved", n.MarginAchieved,
	)
	eventbus.Emit(ctx, o.bus, o.logger, domain.EventOfferAccepted, *offer)
	eventbus.Emit(ctx, o.bus, o.logger, domain.EventNegotiationConcluded, n)

	return &n, nil
}

// RejectOffer marks an offer rejected without terminating the negotiation.
// A pending-approval session returns to in_progress so rounds can resume.
func (o *Orchestrator) RejectOffer(ctx context.Context, offerID string) (*domain.Negotiation, error) {
	const op = "Orchestrator.RejectOffer"

	located, err := o.store.GetByOffer(ctx, offerID)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}

	unlock, err := o.locks.Lock(ctx, located.Negotiation.ID)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	defer unlock()

	agg, err := o.store.Get(ctx, located.Negotiation.ID)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	if _, err := checkRejectable(agg, offerID); err != nil {
		return nil, domain.WrapOp(op, err)
	}

	n := agg.Negotiation
	if n.Status == domain.StatusPendingApproval {
		n.Status = domain.StatusInProgress
	}
	n.UpdatedAt = o.now()

	if err := o.store.Settle(ctx, n, offerID, domain.OfferRejected); err != nil {
		return nil, domain.WrapOp(op, err)
	}

	o.logger.Info("offer rejected", "negotiation_id", n.ID, "offer_id", offerID)
	eventbus.Emit(ctx, o.bus, o.logger, domain.EventOfferRejected, offerID)

	return &n, nil
}

// Abandon terminates a non-terminal negotiation on behalf of an external
// actor, recording failed(abandoned).
func (o *Orchestrator) Abandon(ctx context.Context, negotiationID string) (*domain.Negotiation, error) {
	const op = "Orchestrator.Abandon"

	unlock, err := o.locks.Lock(ctx, negotiationID)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	defer unlock()

	agg, err := o.store.Get(ctx, negotiationID)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	if agg.Negotiation.Status.Terminal() {
		return nil, domain.NewDomainError(op, domain.ErrNegotiationTerminal,
			fmt.Sprintf("status %s", agg.Negotiation.Status))
	}

	n := fail(agg.Negotiation, domain.ReasonAbandoned, o.now())
	if err := o.store.UpdateNegotiation(ctx, n); err != nil {
		return nil, domain.WrapOp(op, err)
	}

	o.logger.Info("negotiation abandoned", "negotiation_id", n.ID, "rounds_used", n.RoundCount)
	eventbus.Emit(ctx, o.bus, o.logger, domain.EventNegotiationFailed, n)

	return &n, nil
}
