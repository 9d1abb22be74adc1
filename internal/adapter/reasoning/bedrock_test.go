package reasoning

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"dealbroker/internal/domain"
)

type fakeConverseClient struct {
	output *bedrockruntime.ConverseOutput
	err    error

	gotInput *bedrockruntime.ConverseInput
}

func (f *fakeConverseClient) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.gotInput = params
	return f.output, f.err
}

func TestBedrockComplete(t *testing.T) {
	client := &fakeConverseClient{
		output: &bedrockruntime.ConverseOutput{
			Output: &types.ConverseOutputMemberMessage{
				Value: types.Message{
					Role: types.ConversationRoleAssistant,
					Content: []types.ContentBlock{
						&types.ContentBlockMemberText{Value: `{"trade_in_base_value":15000}`},
					},
				},
			},
			Usage: &types.TokenUsage{
				InputTokens:  aws.Int32(100),
				OutputTokens: aws.Int32(20),
			},
		},
	}

	backend := newBedrockBackendWithClient("bedrock", "anthropic.claude-v3", client, newTestLogger())

	resp, err := backend.Complete(context.Background(), domain.ReasoningRequest{
		Role:   domain.RoleTradeInEvaluation,
		System: "evaluate trade-ins",
		Prompt: "evaluate this vehicle",
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != `{"trade_in_base_value":15000}` {
		t.Errorf("text = %q", resp.Text)
	}
	if resp.InputTokens != 100 || resp.OutputTokens != 20 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}

	if len(client.gotInput.System) != 1 {
		t.Fatalf("system blocks = %d, want 1", len(client.gotInput.System))
	}
	if aws.ToString(client.gotInput.ModelId) != "anthropic.claude-v3" {
		t.Errorf("model = %q", aws.ToString(client.gotInput.ModelId))
	}
}

func TestMapBedrockErrorThrottling(t *testing.T) {
	err := mapBedrockError(&smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"})
	if !errors.Is(err, domain.ErrRateLimit) {
		t.Errorf("expected ErrRateLimit, got %v", err)
	}
}

func TestMapBedrockErrorAccessDenied(t *testing.T) {
	err := mapBedrockError(&smithy.GenericAPIError{Code: "AccessDeniedException", Message: "no"})
	if !errors.Is(err, domain.ErrAuthInvalid) {
		t.Errorf("expected ErrAuthInvalid, got %v", err)
	}
}

func TestMapBedrockErrorUnavailable(t *testing.T) {
	err := mapBedrockError(&smithy.GenericAPIError{Code: "ServiceUnavailableException", Message: "down"})
	if !errors.Is(err, domain.ErrBackendUnavailable) {
		t.Errorf("expected ErrBackendUnavailable, got %v", err)
	}
}
