package reasoning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/trace"

	"dealbroker/internal/domain"
	"dealbroker/internal/infra/config"
	"dealbroker/internal/infra/tracer"
)

// bedrockConverseAPI abstracts the Bedrock runtime methods for testability.
type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockBackend implements domain.ReasoningBackend via the AWS Bedrock
// Converse API.
type BedrockBackend struct {
	name   string
	model  string
	client bedrockConverseAPI
	logger *slog.Logger
}

// NewBedrockBackend creates a Bedrock backend using the default AWS credential chain.
func NewBedrockBackend(cfg config.BackendConfig, logger *slog.Logger) (*BedrockBackend, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &BedrockBackend{
		name:   cfg.Name,
		model:  cfg.Model,
		client: bedrockruntime.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// newBedrockBackendWithClient creates a BedrockBackend with an injected client (for testing).
func newBedrockBackendWithClient(name, model string, client bedrockConverseAPI, logger *slog.Logger) *BedrockBackend {
	return &BedrockBackend{
		name:   name,
		model:  model,
		client: client,
		logger: logger,
	}
}

// Complete implements domain.ReasoningBackend.
func (b *BedrockBackend) Complete(ctx context.Context, req domain.ReasoningRequest) (*domain.ReasoningResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "reasoning.complete",
		trace.WithAttributes(
			tracer.StringAttr("reasoning.backend", b.name),
			tracer.StringAttr("reasoning.role", string(req.Role)),
		),
	)
	defer span.End()

	output, err := b.client.Converse(ctx, toBedrockConverseInput(b.model, req))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, mapBedrockError(err)
	}

	result := fromBedrockConverseOutput(output, b.model)
	span.SetAttributes(
		tracer.IntAttr("reasoning.input_tokens", result.InputTokens),
		tracer.IntAttr("reasoning.output_tokens", result.OutputTokens),
	)
	tracer.SetOK(span)
	logCompletion(b.logger, b.name, result)

	return result, nil
}

// Name implements domain.ReasoningBackend.
func (b *BedrockBackend) Name() string { return b.name }

// --- Bedrock request/response conversion ---

func toBedrockConverseInput(model string, req domain.ReasoningRequest) *bedrockruntime.ConverseInput {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(model),
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(maxTokens)),
		},
		Messages: []types.Message{
			{
				Role: types.ConversationRoleUser,
				Content: []types.ContentBlock{
					&types.ContentBlockMemberText{Value: req.Prompt},
				},
			},
		},
	}

	if req.System != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}
	}

	return input
}

func fromBedrockConverseOutput(output *bedrockruntime.ConverseOutput, model string) *domain.ReasoningResponse {
	result := &domain.ReasoningResponse{Model: model}

	if output.Usage != nil {
		result.InputTokens = int(aws.ToInt32(output.Usage.InputTokens))
		result.OutputTokens = int(aws.ToInt32(output.Usage.OutputTokens))
	}

	if outMsg, ok := output.Output.(*types.ConverseOutputMemberMessage); ok {
		var text strings.Builder
		for _, block := range outMsg.Value.Content {
			if b, ok := block.(*types.ContentBlockMemberText); ok {
				text.WriteString(b.Value)
			}
		}
		result.Text = text.String()
	}

	return result
}

// --- Error mapping ---

func mapBedrockError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case code == "ThrottlingException" || code == "TooManyRequestsException":
			return fmt.Errorf("%w: %s", domain.ErrRateLimit, msg)
		case code == "AccessDeniedException" || code == "UnrecognizedClientException":
			return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, msg)
		case code == "ModelNotReadyException" || code == "ServiceUnavailableException" ||
			code == "InternalServerException":
			return fmt.Errorf("%w: %s", domain.ErrBackendUnavailable, msg)
		}
	}

	return domain.WrapOp("bedrock", err)
}
