package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"dealbroker/internal/domain"
	"dealbroker/internal/infra/config"
	"dealbroker/internal/infra/tracer"
)

const defaultAnthropicVersion = "2023-06-01"

// AnthropicBackend implements domain.ReasoningBackend for the Anthropic
// Messages API.
type AnthropicBackend struct {
	name    string
	model   string
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	version string
}

// NewAnthropicBackend creates a backend for the Anthropic Messages API.
func NewAnthropicBackend(cfg config.BackendConfig, logger *slog.Logger) *AnthropicBackend {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}

	return &AnthropicBackend{
		name:    cfg.Name,
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  NewHTTPClient(cfg),
		logger:  logger,
		version: defaultAnthropicVersion,
	}
}

// Complete implements domain.ReasoningBackend.
func (b *AnthropicBackend) Complete(ctx context.Context, req domain.ReasoningRequest) (*domain.ReasoningResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "reasoning.complete",
		trace.WithAttributes(
			tracer.StringAttr("reasoning.backend", b.name),
			tracer.StringAttr("reasoning.role", string(req.Role)),
		),
	)
	defer span.End()

	body, err := json.Marshal(toAnthropicRequest(b.model, req))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	headers := map[string]string{
		"x-api-key":         b.apiKey,
		"anthropic-version": b.version,
	}

	respBody, err := doJSONRequest(ctx, b.client, b.baseURL+"/v1/messages", body, headers)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var antResp anthropicResponse
	if err := json.Unmarshal(respBody, &antResp); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	result := fromAnthropicResponse(antResp)
	span.SetAttributes(
		tracer.IntAttr("reasoning.input_tokens", result.InputTokens),
		tracer.IntAttr("reasoning.output_tokens", result.OutputTokens),
	)
	tracer.SetOK(span)
	logCompletion(b.logger, b.name, result)

	return result, nil
}

// Name implements domain.ReasoningBackend.
func (b *AnthropicBackend) Name() string { return b.name }

// --- Anthropic API wire types ---

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicResponse struct {
	ID      string             `json:"id"`
	Model   string             `json:"model"`
	Content []anthropicContent `json:"content"`
	Usage   anthropicUsage     `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func toAnthropicRequest(model string, req domain.ReasoningRequest) anthropicRequest {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return anthropicRequest{
		Model:     model,
		System:    req.System,
		MaxTokens: maxTokens,
		Messages: []anthropicMessage{
			{
				Role:    "user",
				Content: []anthropicContent{{Type: "text", Text: req.Prompt}},
			},
		},
	}
}

func fromAnthropicResponse(resp anthropicResponse) *domain.ReasoningResponse {
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &domain.ReasoningResponse{
		Text:         text.String(),
		Model:        resp.Model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
}
