// Package bedrock provides llm.TextClient and llm.VisionClient
// implementations backed by the AWS Bedrock Runtime Converse API. Structured
// output follows the same forced-tool pattern as the Anthropic adapter since
// Converse has no native response schema parameter.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/pilot/llm"
	"goa.design/pilot/telemetry"
)

const resultToolName = "emit_result"

type (
	// RuntimeClient mirrors the subset of the AWS Bedrock runtime client
	// required by the adapter. It matches *bedrockruntime.Client so callers can
	// pass either the real client or a mock in tests.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	}

	// Options configures optional Bedrock adapter behavior.
	Options struct {
		// DefaultModel is the Bedrock model identifier used when the request
		// does not name one, e.g. "anthropic.claude-sonnet-4-5".
		DefaultModel string

		// MaxTokens sets the default completion cap when a request does not
		// specify MaxTokens. When zero or negative, the client omits MaxTokens
		// so Bedrock uses its own default.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float32

		// Logger is used for non-fatal diagnostics inside the adapter. When
		// nil, defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Client implements llm.TextClient and llm.VisionClient on top of AWS
	// Bedrock Converse.
	Client struct {
		runtime      RuntimeClient
		defaultModel string
		maxTok       int
		temp         float32
		logger       telemetry.Logger
	}
)

var (
	_ llm.TextClient   = (*Client)(nil)
	_ llm.VisionClient = (*Client)(nil)
)

// New initializes a Bedrock-powered client configured for Converse requests.
func New(runtime RuntimeClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Client{
		runtime:      runtime,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
		logger:       logger,
	}, nil
}

// Complete issues a Converse request. When req.Schema is set the request
// forces the synthetic result tool and the returned text is the tool input
// document re-encoded as JSON.
func (c *Client) Complete(ctx context.Context, req llm.TextRequest) (*llm.TextResponse, error) {
	if req.Prompt == "" {
		return nil, errors.New("bedrock: prompt is required")
	}
	output, err := c.runtime.Converse(ctx, c.buildConverseInput(ctx, req))
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", llm.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("bedrock converse: %w", err)
	}
	return translateResponse(output)
}

// Describe captions an image by sending it alongside the prompt as an image
// content block in a single user message.
func (c *Client) Describe(ctx context.Context, req llm.VisionRequest) (*llm.TextResponse, error) {
	if len(req.Image) == 0 {
		return nil, errors.New("bedrock: image payload is required")
	}
	format, err := imageFormat(req.MIMEType)
	if err != nil {
		return nil, err
	}
	blocks := []brtypes.ContentBlock{
		&brtypes.ContentBlockMemberImage{
			Value: brtypes.ImageBlock{
				Format: format,
				Source: &brtypes.ImageSourceMemberBytes{Value: req.Image},
			},
		},
	}
	if req.Prompt != "" {
		blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: req.Prompt})
	}
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(c.resolveModelID(req.Model)),
		Messages: []brtypes.Message{
			{Role: brtypes.ConversationRoleUser, Content: blocks},
		},
	}
	if cfg := c.inferenceConfig(0, 0); cfg != nil {
		input.InferenceConfig = cfg
	}
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", llm.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("bedrock converse: %w", err)
	}
	return translateResponse(output)
}

func (c *Client) buildConverseInput(ctx context.Context, req llm.TextRequest) *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(c.resolveModelID(req.Model)),
		Messages: []brtypes.Message{
			{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: req.Prompt}},
			},
		},
	}
	if req.System != "" {
		input.System = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: req.System},
		}
	}
	if len(req.Schema) > 0 {
		input.ToolConfig = c.resultToolConfig(ctx, req.Schema)
	}
	if cfg := c.inferenceConfig(req.MaxTokens, req.Temperature); cfg != nil {
		input.InferenceConfig = cfg
	}
	return input
}

func (c *Client) resultToolConfig(ctx context.Context, schema json.RawMessage) *brtypes.ToolConfiguration {
	spec := brtypes.ToolSpecification{
		Name:        aws.String(resultToolName),
		Description: aws.String("Record the structured result of the task."),
		InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: c.toDocument(ctx, schema)},
	}
	return &brtypes.ToolConfiguration{
		Tools: []brtypes.Tool{&brtypes.ToolMemberToolSpec{Value: spec}},
		ToolChoice: &brtypes.ToolChoiceMemberTool{
			Value: brtypes.SpecificToolChoice{Name: aws.String(resultToolName)},
		},
	}
}

func (c *Client) toDocument(ctx context.Context, raw json.RawMessage) document.Interface {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		c.logger.Error(ctx, "failed to unmarshal result schema", "err", err)
		decoded = map[string]any{"type": "object"}
	}
	return document.NewLazyDocument(decoded)
}

func (c *Client) resolveModelID(requested string) string {
	if requested != "" {
		return requested
	}
	return c.defaultModel
}

func (c *Client) inferenceConfig(maxTokens int, temp float64) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	tokens := maxTokens
	if tokens <= 0 {
		tokens = c.maxTok
	}
	if tokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(tokens)) //nolint:gosec // AWS SDK requires int32
	}
	t := float32(temp)
	if t <= 0 {
		t = c.temp
	}
	if t > 0 {
		cfg.Temperature = aws.Float32(t)
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

func imageFormat(mimeType string) (brtypes.ImageFormat, error) {
	switch mimeType {
	case "", "image/png":
		return brtypes.ImageFormatPng, nil
	case "image/jpeg":
		return brtypes.ImageFormatJpeg, nil
	case "image/gif":
		return brtypes.ImageFormatGif, nil
	case "image/webp":
		return brtypes.ImageFormatWebp, nil
	default:
		return "", fmt.Errorf("bedrock: unsupported image format %q", mimeType)
	}
}

// isRateLimited reports whether err represents a provider rate limiting
// condition. It treats both HTTP 429 responses and provider error codes like
// ThrottlingException as rate-limited signals and is idempotent when
// ErrRateLimited is already present in the error chain.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, llm.ErrRateLimited) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 429 {
		return true
	}

	return false
}

// translateResponse flattens the Converse output into a single text payload.
// A forced result tool call wins over narration text blocks.
func translateResponse(output *bedrockruntime.ConverseOutput) (*llm.TextResponse, error) {
	if output == nil {
		return nil, errors.New("bedrock: response is nil")
	}
	resp := &llm.TextResponse{StopReason: string(output.StopReason)}
	var text strings.Builder
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				if v.Value == "" {
					continue
				}
				if text.Len() > 0 {
					text.WriteByte('\n')
				}
				text.WriteString(v.Value)
			case *brtypes.ContentBlockMemberToolUse:
				if aws.ToString(v.Value.Name) != resultToolName {
					continue
				}
				if doc := decodeDocument(v.Value.Input); len(doc) > 0 {
					resp.Text = string(doc)
				}
			}
		}
	}
	if resp.Text == "" {
		resp.Text = text.String()
	}
	if usage := output.Usage; usage != nil {
		resp.InputTokens = int(aws.ToInt32(usage.InputTokens))
		resp.OutputTokens = int(aws.ToInt32(usage.OutputTokens))
	}
	return resp, nil
}

func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil {
		return nil
	}
	if len(data) == 0 {
		return nil
	}
	return json.RawMessage(data)
}
