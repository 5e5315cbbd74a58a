package bedrock_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"

	"goa.design/pilot/features/llm/bedrock"
	"goa.design/pilot/llm"
)

type mockRuntime struct {
	captured *bedrockruntime.ConverseInput
	output   *bedrockruntime.ConverseOutput
	err      error
}

func (m *mockRuntime) Converse(_ context.Context, params *bedrockruntime.ConverseInput,
	_ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	m.captured = params
	return m.output, m.err
}

func TestClientComplete(t *testing.T) {
	mock := &mockRuntime{}
	client, err := bedrock.New(mock, bedrock.Options{
		DefaultModel: "anthropic.claude-sonnet-4-5",
		MaxTokens:    512,
		Temperature:  0.2,
	})
	require.NoError(t, err)

	mock.output = &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
			Role: brtypes.ConversationRoleAssistant,
			Content: []brtypes.ContentBlock{
				&brtypes.ContentBlockMemberText{Value: "hello"},
			},
		}},
		Usage: &brtypes.TokenUsage{
			InputTokens:  aws.Int32(100),
			OutputTokens: aws.Int32(20),
			TotalTokens:  aws.Int32(120),
		},
		StopReason: brtypes.StopReasonEndTurn,
	}

	resp, err := client.Complete(context.Background(), llm.TextRequest{
		System: "You are terse.",
		Prompt: "hi",
	})
	require.NoError(t, err)
	require.Equal(t, "hello", resp.Text)
	require.Equal(t, 100, resp.InputTokens)
	require.Equal(t, 20, resp.OutputTokens)
	require.Equal(t, "end_turn", resp.StopReason)

	input := mock.captured
	require.Equal(t, "anthropic.claude-sonnet-4-5", *input.ModelId)
	require.Len(t, input.System, 1)
	require.Len(t, input.Messages, 1)
	require.Equal(t, brtypes.ConversationRoleUser, input.Messages[0].Role)
	require.Equal(t, "hi", input.Messages[0].Content[0].(*brtypes.ContentBlockMemberText).Value)
	require.NotNil(t, input.InferenceConfig)
	require.Equal(t, int32(512), *input.InferenceConfig.MaxTokens)
}

func TestClientCompleteStructuredOutput(t *testing.T) {
	mock := &mockRuntime{}
	client, err := bedrock.New(mock, bedrock.Options{DefaultModel: "anthropic.claude-sonnet-4-5"})
	require.NoError(t, err)

	mock.output = &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
			Role: brtypes.ConversationRoleAssistant,
			Content: []brtypes.ContentBlock{
				&brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					Name:  aws.String("emit_result"),
					Input: document.NewLazyDocument(map[string]any{"value": 42}),
				}},
			},
		}},
		StopReason: brtypes.StopReasonToolUse,
	}

	resp, err := client.Complete(context.Background(), llm.TextRequest{
		Prompt: "extract",
		Schema: json.RawMessage(`{"type":"object"}`),
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"value":42}`, resp.Text)
	require.Equal(t, "tool_use", resp.StopReason)

	input := mock.captured
	require.NotNil(t, input.ToolConfig)
	require.Len(t, input.ToolConfig.Tools, 1)
	choice, ok := input.ToolConfig.ToolChoice.(*brtypes.ToolChoiceMemberTool)
	require.True(t, ok)
	require.Equal(t, "emit_result", *choice.Value.Name)
}

func TestClientCompleteRateLimited(t *testing.T) {
	mock := &mockRuntime{
		err: &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"},
	}
	client, err := bedrock.New(mock, bedrock.Options{DefaultModel: "id"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), llm.TextRequest{Prompt: "hi"})
	require.ErrorIs(t, err, llm.ErrRateLimited)
}

func TestClientDescribe(t *testing.T) {
	mock := &mockRuntime{}
	client, err := bedrock.New(mock, bedrock.Options{DefaultModel: "anthropic.claude-sonnet-4-5"})
	require.NoError(t, err)

	mock.output = &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
			Role: brtypes.ConversationRoleAssistant,
			Content: []brtypes.ContentBlock{
				&brtypes.ContentBlockMemberText{Value: "a dashboard"},
			},
		}},
		StopReason: brtypes.StopReasonEndTurn,
	}

	resp, err := client.Describe(context.Background(), llm.VisionRequest{
		Prompt:   "what is shown?",
		Image:    []byte{1, 2, 3},
		MIMEType: "image/jpeg",
	})
	require.NoError(t, err)
	require.Equal(t, "a dashboard", resp.Text)

	content := mock.captured.Messages[0].Content
	require.Len(t, content, 2)
	img, ok := content[0].(*brtypes.ContentBlockMemberImage)
	require.True(t, ok)
	require.Equal(t, brtypes.ImageFormatJpeg, img.Value.Format)
	require.Equal(t, []byte{1, 2, 3}, img.Value.Source.(*brtypes.ImageSourceMemberBytes).Value)
	require.Equal(t, "what is shown?", content[1].(*brtypes.ContentBlockMemberText).Value)
}

func TestClientDescribeRejectsUnknownFormat(t *testing.T) {
	client, err := bedrock.New(&mockRuntime{}, bedrock.Options{DefaultModel: "id"})
	require.NoError(t, err)

	_, err = client.Describe(context.Background(), llm.VisionRequest{
		Image:    []byte{1},
		MIMEType: "image/tiff",
	})
	require.ErrorContains(t, err, "unsupported image format")
}
