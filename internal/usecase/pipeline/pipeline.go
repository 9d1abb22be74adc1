// Package pipeline runs the negotiation agent roles against a reasoning
// backend with retries, timeouts, and schema validation.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"github.com/kaptinlin/jsonschema"
	"go.opentelemetry.io/otel/trace"

	"dealbroker/internal/domain"
	"dealbroker/internal/infra/config"
	"dealbroker/internal/infra/tracer"
)

// Retry and invocation defaults.
const (
	defaultMaxAttempts   = 3
	defaultBaseDelay     = 500 * time.Millisecond
	defaultMaxDelay      = 10 * time.Second
	defaultInvokeTimeout = 45 * time.Second
	defaultMaxTokens     = 2000
)

// Pipeline invokes the four agent roles through one guarded path: per-attempt
// timeout, bounded retries with backoff, error classification, and JSON
// Schema validation of every structured result. Backend arithmetic is never
// trusted; invariants are recomputed after decoding.
type Pipeline struct {
	backend    domain.ReasoningBackend
	classifier *ErrorClassifier
	schemas    map[domain.AgentRole]*jsonschema.Schema
	logger     *slog.Logger

	maxAttempts   int
	baseDelay     time.Duration
	maxDelay      time.Duration
	invokeTimeout time.Duration
	maxTokens     int
}

// New creates a pipeline over the given backend.
func New(backend domain.ReasoningBackend, cfg config.ReasoningConfig, logger *slog.Logger) (*Pipeline, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		backend:       backend,
		classifier:    NewErrorClassifier(),
		schemas:       schemas,
		logger:        logger,
		maxAttempts:   cfg.Retry.MaxAttempts,
		baseDelay:     cfg.Retry.BaseDelay,
		maxDelay:      cfg.Retry.MaxDelay,
		invokeTimeout: cfg.InvokeTimeout,
		maxTokens:     cfg.MaxTokens,
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = defaultMaxAttempts
	}
	if p.baseDelay <= 0 {
		p.baseDelay = defaultBaseDelay
	}
	if p.maxDelay <= 0 {
		p.maxDelay = defaultMaxDelay
	}
	if p.invokeTimeout <= 0 {
		p.invokeTimeout = defaultInvokeTimeout
	}
	if p.maxTokens <= 0 {
		p.maxTokens = defaultMaxTokens
	}
	return p, nil
}

// --- role methods ---

const marketAnalysisSystem = `You are a vehicle market analyst for a dealership.
Given a vehicle and aggregated market statistics, assess demand, pricing
position, and a negotiation strategy. Answer with a single JSON object:
{"demand": "high|medium|low", "position": "above_market|at_market|below_market",
"competitive_factors": [...], "strategy": "...", "risk_factors": [...]}.
No prose outside the JSON.`

type marketAnalysisInput struct {
	Vehicle  domain.Vehicle        `json:"vehicle"`
	Snapshot domain.MarketSnapshot `json:"market_snapshot"`
}

// AnalyzeMarket runs the market analysis role.
func (p *Pipeline) AnalyzeMarket(ctx context.Context, vehicle domain.Vehicle, snapshot domain.MarketSnapshot) (*domain.MarketAnalysis, error) {
	var result domain.MarketAnalysis
	err := p.invoke(ctx, domain.RoleMarketAnalysis, marketAnalysisSystem,
		marketAnalysisInput{Vehicle: vehicle, Snapshot: snapshot},
		&result, nil,
	)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

const tradeInSystem = `You are a trade-in appraiser for a dealership. Value the
client's current vehicle from its condition, mileage, and the market
statistics, and grant a loyalty bonus proportional to the client's loyalty
score. Answer with a single JSON object:
{"base_value": n, "condition_adjustment": n, "loyalty_bonus": n,
"final_value": n, "confidence": 0..1, "justification": "..."}.
No prose outside the JSON.`

type tradeInInput struct {
	Vehicle  domain.Vehicle        `json:"vehicle"`
	Snapshot domain.MarketSnapshot `json:"market_snapshot"`
	Client   domain.Client         `json:"client"`
}

// EvaluateTradeIn runs the trade-in evaluation role. The final value is
// recomputed from the parts and clamped non-negative.
func (p *Pipeline) EvaluateTradeIn(ctx context.Context, vehicle domain.Vehicle, snapshot domain.MarketSnapshot, client domain.Client) (*domain.TradeInEvaluation, error) {
	var result domain.TradeInEvaluation
	err := p.invoke(ctx, domain.RoleTradeInEvaluation, tradeInSystem,
		tradeInInput{Vehicle: vehicle, Snapshot: snapshot, Client: client},
		&result, nil,
	)
	if err != nil {
		return nil, err
	}

	// Recompute: the backend's arithmetic is never trusted.
	result.FinalValue = result.BaseValue + result.ConditionAdjustment + result.LoyaltyBonus
	if result.FinalValue < 0 {
		result.FinalValue = 0
	}
	return &result, nil
}

const offerStructuringSystem = `You are a deal structurer for a dealership.
Compose 1 to 3 candidate offers (purchase, lease, or subscription) for the
client and target vehicle, anchoring on the retail asking price. Every offer
must keep the dealer margin at or above
the target unless explicitly marked "concession": true. Prices must fall in
the client's budget when that is achievable; when margin and budget cannot
both hold, set "budget_conflict": true instead of silently violating either.
Answer with a JSON array of offer objects using the keys: type,
purchase_price, monthly_payment, duration_months, warranty_months,
maintenance_included, roadside_assistance, insurance_included, confidence,
reasoning, concession, budget_conflict. No prose outside the JSON.`

type offerStructuringInput struct {
	Client       domain.Client         `json:"client"`
	Target       domain.Vehicle        `json:"target_vehicle"`
	Snapshot     domain.MarketSnapshot `json:"market_snapshot"`
	TradeInValue float64               `json:"trade_in_value"`
	MarginTarget float64               `json:"margin_target"`
	CostBasis    float64               `json:"dealer_cost_basis"`
	RetailPrice  float64               `json:"retail_price"`
}

// StructureOffers runs the offer structuring role. Each returned draft
// honors the margin target unless flagged as a concession, and the budget
// when feasible; a draft that silently violates either is rejected as
// malformed and retried.
func (p *Pipeline) StructureOffers(ctx context.Context, client domain.Client, target domain.Vehicle, snapshot domain.MarketSnapshot, tradeInValue, marginTarget float64) ([]domain.OfferDraft, error) {
	costBasis := target.MarketValue
	minPrice := costBasis / (1 - marginTarget)
	budgetFeasible := client.BudgetMax == 0 || minPrice <= client.BudgetMax

	var drafts []domain.OfferDraft
	err := p.invoke(ctx, domain.RoleOfferStructuring, offerStructuringSystem,
		offerStructuringInput{
			Client:       client,
			Target:       target,
			Snapshot:     snapshot,
			TradeInValue: tradeInValue,
			MarginTarget: marginTarget,
			CostBasis:    costBasis,
			RetailPrice:  target.RetailPrice(),
		},
		&drafts,
		func() error {
			for i, d := range drafts {
				price := d.EffectivePrice()
				if price <= 0 {
					return fmt.Errorf("%w: draft %d has no price", domain.ErrMalformedOutput, i)
				}
				marginOK := price >= minPrice
				if !marginOK && !d.Concession && !d.BudgetConflict {
					return fmt.Errorf("%w: draft %d below margin target without concession flag",
						domain.ErrMalformedOutput, i)
				}
				if budgetFeasible && !client.InBudget(price) && !d.BudgetConflict {
					return fmt.Errorf("%w: draft %d outside feasible budget without conflict flag",
						domain.ErrMalformedOutput, i)
				}
			}
			return nil
		},
	)
	if err != nil {
		return nil, err
	}
	return drafts, nil
}

const negotiationSystem = `You are the lead negotiator for a dealership. Given
the negotiation history, the active offer, and the client's latest feedback,
decide the next move: accept the client's position, adjust the offer, hold
firm, or close. Estimate the price the client would accept and the likelihood
they accept the current terms. Answer with a single JSON object:
{"action": "accept|adjust|hold_firm|close", "acceptance_likelihood": 0..1,
"expected_price": n, "reasoning": "...", "revised_offer": {...}} where
revised_offer is present only for "adjust". No prose outside the JSON.`

// NegotiateInput is the context handed to the negotiation role for one round.
type NegotiateInput struct {
	Rounds          []domain.NegotiationRound `json:"rounds"`
	ActiveOffer     domain.Offer              `json:"active_offer"`
	Feedback        string                    `json:"client_feedback"`
	CounterProposal *domain.CounterProposal   `json:"counter_proposal,omitempty"`
	MarginTarget    float64                   `json:"margin_target"`
	CostBasis       float64                   `json:"dealer_cost_basis"`
	RoundsLeft      int                       `json:"rounds_left"`
}

// NegotiateRound runs the negotiation role for one round.
func (p *Pipeline) NegotiateRound(ctx context.Context, in NegotiateInput) (*domain.RoundDecision, error) {
	var result domain.RoundDecision
	err := p.invoke(ctx, domain.RoleNegotiation, negotiationSystem, in, &result,
		func() error {
			if result.Action == domain.ActionAdjust && result.RevisedOffer == nil {
				return fmt.Errorf("%w: adjust action without revised offer", domain.ErrMalformedOutput)
			}
			return nil
		},
	)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// --- invocation path ---

// invoke runs one role to completion: marshal input, call the backend with a
// per-attempt timeout, extract and schema-validate the JSON, decode into out,
// and run the role's post check. Retryable failures (including malformed
// output) consume the retry budget; exhaustion or a permanent failure
// surfaces ErrAgentFailure.
func (p *Pipeline) invoke(ctx context.Context, role domain.AgentRole, system string, input any, out any, post func() error) error {
	ctx, span := tracer.StartSpan(ctx, "pipeline.invoke",
		trace.WithAttributes(tracer.StringAttr("agent.role", string(role))),
	)
	defer span.End()

	prompt, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("marshal %s input: %w", role, err)
	}

	req := domain.ReasoningRequest{
		Role:      role,
		System:    system,
		Prompt:    string(prompt),
		MaxTokens: p.maxTokens,
	}

	var lastErr error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		lastErr = p.attempt(ctx, req, out, post)
		if lastErr == nil {
			span.SetAttributes(tracer.IntAttr("agent.attempts", attempt+1))
			tracer.SetOK(span)
			return nil
		}

		classified := p.classifier.Classify(lastErr)
		if classified.Category == ErrorCategoryPermanent {
			tracer.RecordError(span, lastErr)
			return fmt.Errorf("%w: %s: %v", domain.ErrAgentFailure, role, lastErr)
		}

		if attempt < p.maxAttempts-1 {
			delay := p.retryBackoff(attempt)
			p.logger.Info("retrying agent invocation",
				"role", role, "attempt", attempt+1, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				tracer.RecordError(span, ctx.Err())
				return fmt.Errorf("%w: %s: %v", domain.ErrAgentFailure, role, ctx.Err())
			}
		}
	}

	tracer.RecordError(span, lastErr)
	return fmt.Errorf("%w: %s after %d attempts: %v",
		domain.ErrAgentFailure, role, p.maxAttempts, lastErr)
}

func (p *Pipeline) attempt(ctx context.Context, req domain.ReasoningRequest, out any, post func() error) error {
	ctx, cancel := context.WithTimeout(ctx, p.invokeTimeout)
	defer cancel()

	resp, err := p.backend.Complete(ctx, req)
	if err != nil {
		return err
	}

	raw, err := extractJSON(resp.Text)
	if err != nil {
		return err
	}

	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedOutput, err)
	}
	if err := validateAgainst(p.schemas[req.Role], parsed); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedOutput, err)
	}
	if post != nil {
		if err := post(); err != nil {
			return err
		}
	}
	return nil
}

// retryBackoff computes exponential backoff with jitter.
func (p *Pipeline) retryBackoff(attempt int) time.Duration {
	delay := p.baseDelay * time.Duration(1<<uint(attempt))
	if delay > p.maxDelay {
		delay = p.maxDelay
	}
	// Add 0-25% jitter.
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}

// codeFenceRe matches markdown code fences wrapping JSON.
var codeFenceRe = regexp.MustCompile(`(?si)^` + "```" + `(?:json)?\s*(.*?)\s*` + "```" + `$`)

// extractJSON returns the outermost JSON object or array embedded in s,
// stripping markdown code fences first.
func extractJSON(s string) (string, error) {
	s = strings.TrimSpace(s)
	if m := codeFenceRe.FindStringSubmatch(s); len(m) > 1 {
		s = strings.TrimSpace(m[1])
	}
	for _, pair := range [][2]byte{{'{', '}'}, {'[', ']'}} {
		start := strings.IndexByte(s, pair[0])
		end := strings.LastIndexByte(s, pair[1])
		if start != -1 && end > start {
			return s[start : end+1], nil
		}
	}
	return "", fmt.Errorf("%w: no JSON payload in response", domain.ErrMalformedOutput)
}
