package pipeline

import (
	"fmt"

	"github.com/kaptinlin/jsonschema"

	"dealbroker/internal/domain"
)

// Role output schemas. Backend output is validated against the role's schema
// before decoding; anything nonconforming counts as malformed output.

const marketAnalysisSchema = `{
	"type": "object",
	"required": ["demand", "position", "strategy"],
	"properties": {
		"demand": {"enum": ["high", "medium", "low"]},
		"position": {"enum": ["above_market", "at_market", "below_market"]},
		"competitive_factors": {"type": "array", "items": {"type": "string"}},
		"strategy": {"type": "string", "minLength": 1},
		"risk_factors": {"type": "array", "items": {"type": "string"}}
	}
}`

const tradeInEvaluationSchema = `{
	"type": "object",
	"required": ["base_value", "condition_adjustment", "loyalty_bonus", "justification"],
	"properties": {
		"base_value": {"type": "number", "minimum": 0},
		"condition_adjustment": {"type": "number"},
		"loyalty_bonus": {"type": "number", "minimum": 0},
		"final_value": {"type": "number"},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"justification": {"type": "string", "minLength": 1}
	}
}`

const offerDraftsSchema = `{
	"type": "array",
	"minItems": 1,
	"maxItems": 3,
	"items": {
		"type": "object",
		"required": ["type", "reasoning"],
		"properties": {
			"type": {"enum": ["purchase", "lease", "subscription"]},
			"purchase_price": {"type": "number", "minimum": 0},
			"monthly_payment": {"type": "number", "minimum": 0},
			"duration_months": {"type": "integer", "minimum": 0},
			"warranty_months": {"type": "integer", "minimum": 0},
			"maintenance_included": {"type": "boolean"},
			"roadside_assistance": {"type": "boolean"},
			"insurance_included": {"type": "boolean"},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1},
			"reasoning": {"type": "string", "minLength": 1},
			"concession": {"type": "boolean"},
			"budget_conflict": {"type": "boolean"}
		}
	}
}`

const roundDecisionSchema = `{
	"type": "object",
	"required": ["action", "reasoning", "acceptance_likelihood"],
	"properties": {
		"action": {"enum": ["accept", "adjust", "hold_firm", "close"]},
		"acceptance_likelihood": {"type": "number", "minimum": 0, "maximum": 1},
		"expected_price": {"type": "number", "minimum": 0},
		"reasoning": {"type": "string", "minLength": 1},
		"revised_offer": {
			"type": "object",
			"required": ["type", "reasoning"],
			"properties": {
				"type": {"enum": ["purchase", "lease", "subscription"]},
				"purchase_price": {"type": "number", "minimum": 0},
				"monthly_payment": {"type": "number", "minimum": 0},
				"duration_months": {"type": "integer", "minimum": 0}
			}
		}
	}
}`

// compileSchemas builds the per-role schema table.
func compileSchemas() (map[domain.AgentRole]*jsonschema.Schema, error) {
	sources := map[domain.AgentRole]string{
		domain.RoleMarketAnalysis:    marketAnalysisSchema,
		domain.RoleTradeInEvaluation: tradeInEvaluationSchema,
		domain.RoleOfferStructuring:  offerDraftsSchema,
		domain.RoleNegotiation:       roundDecisionSchema,
	}

	compiler := jsonschema.NewCompiler()
	schemas := make(map[domain.AgentRole]*jsonschema.Schema, len(sources))
	for role, src := range sources {
		schema, err := compiler.Compile([]byte(src))
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", role, err)
		}
		schemas[role] = schema
	}
	return schemas, nil
}

// validateAgainst checks parsed JSON against the role's schema.
func validateAgainst(schema *jsonschema.Schema, data any) error {
	result := schema.Validate(data)
	if !result.IsValid() {
		return fmt.Errorf("%w: %s", domain.ErrMalformedOutput, result.Error())
	}
	return nil
}
