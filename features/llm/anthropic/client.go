// Package anthropic provides llm.TextClient and llm.VisionClient
// implementations backed by the Anthropic Claude Messages API using
// github.com/anthropics/anthropic-sdk-go. Structured output is obtained by
// forcing a single synthetic tool whose input schema is the caller-provided
// JSON schema; the tool input document becomes the completion text.
package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/pilot/llm"
)

// resultToolName is the synthetic tool used to coerce schema-conforming
// output. Claude fills its input with the result document.
const resultToolName = "emit_result"

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by the
	// adapter. It is satisfied by *sdk.MessageService so callers can pass either a
	// real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures optional Anthropic adapter behavior.
	Options struct {
		// DefaultModel is the Claude model identifier used when the request does
		// not name one. Use the typed model constants from
		// github.com/anthropics/anthropic-sdk-go or the identifiers listed in the
		// Anthropic model reference.
		DefaultModel string

		// MaxTokens sets the default completion cap when a request does not
		// specify MaxTokens. When zero or negative, the client requires callers
		// to set it explicitly.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float64
	}

	// Client implements llm.TextClient and llm.VisionClient on top of Anthropic
	// Claude Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTok       int
		temp         float64
	}
)

var (
	_ llm.TextClient   = (*Client)(nil)
	_ llm.VisionClient = (*Client)(nil)
)

// New builds an Anthropic-backed client from the provided Anthropic Messages
// client and configuration options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// Complete issues a non-streaming Messages.New request. When req.Schema is
// set the request forces the synthetic result tool and the returned text is
// the raw tool input JSON.
func (c *Client) Complete(ctx context.Context, req llm.TextRequest) (*llm.TextResponse, error) {
	if req.Prompt == "" {
		return nil, errors.New("anthropic: prompt is required")
	}
	params, err := c.prepareParams(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", llm.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return translateResponse(msg)
}

// Describe captions an image by sending it alongside the prompt as a base64
// image block in a single user message.
func (c *Client) Describe(ctx context.Context, req llm.VisionRequest) (*llm.TextResponse, error) {
	if len(req.Image) == 0 {
		return nil, errors.New("anthropic: image payload is required")
	}
	if c.maxTok <= 0 {
		return nil, errors.New("anthropic: max_tokens must be positive")
	}
	mediaType := req.MIMEType
	if mediaType == "" {
		mediaType = "image/png"
	}
	blocks := []sdk.ContentBlockParamUnion{
		sdk.NewImageBlockBase64(mediaType, base64.StdEncoding.EncodeToString(req.Image)),
	}
	if req.Prompt != "" {
		blocks = append(blocks, sdk.NewTextBlock(req.Prompt))
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(c.maxTok),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(blocks...)},
		Model:     sdk.Model(c.resolveModelID(req.Model)),
	}
	if c.temp > 0 {
		params.Temperature = sdk.Float(c.temp)
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", llm.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return translateResponse(msg)
}

func (c *Client) prepareParams(req llm.TextRequest) (*sdk.MessageNewParams, error) {
	maxTokens := c.effectiveMaxTokens(req.MaxTokens)
	if maxTokens <= 0 {
		return nil, errors.New("anthropic: max_tokens must be positive")
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))},
		Model:     sdk.Model(c.resolveModelID(req.Model)),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if t := c.effectiveTemperature(req.Temperature); t > 0 {
		params.Temperature = sdk.Float(t)
	}
	if len(req.Schema) > 0 {
		schema, err := resultToolSchema(req.Schema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: result schema: %w", err)
		}
		u := sdk.ToolUnionParamOfTool(schema, resultToolName)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String("Record the structured result of the task.")
		}
		params.Tools = []sdk.ToolUnionParam{u}
		params.ToolChoice = sdk.ToolChoiceParamOfTool(resultToolName)
	}
	return &params, nil
}

func (c *Client) resolveModelID(requested string) string {
	if requested != "" {
		return requested
	}
	return c.defaultModel
}

func (c *Client) effectiveMaxTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	return c.maxTok
}

func (c *Client) effectiveTemperature(requested float64) float64 {
	if requested > 0 {
		return requested
	}
	return c.temp
}

// resultToolSchema converts a raw JSON schema document into the SDK input
// schema parameter, carrying every schema keyword through ExtraFields.
func resultToolSchema(raw json.RawMessage) (sdk.ToolInputSchemaParam, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func isRateLimited(err error) bool {
	var apierr *sdk.Error
	return errors.As(err, &apierr) && apierr.StatusCode == http.StatusTooManyRequests
}

// translateResponse flattens the response blocks into a single text payload.
// A forced result tool call wins over narration text blocks.
func translateResponse(msg *sdk.Message) (*llm.TextResponse, error) {
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}
	resp := &llm.TextResponse{StopReason: string(msg.StopReason)}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			if text.Len() > 0 {
				text.WriteByte('\n')
			}
			text.WriteString(block.Text)
		case "tool_use":
			if block.Name == resultToolName && len(block.Input) > 0 {
				resp.Text = string(block.Input)
			}
		}
	}
	if resp.Text == "" {
		resp.Text = text.String()
	}
	resp.InputTokens = int(msg.Usage.InputTokens)
	resp.OutputTokens = int(msg.Usage.OutputTokens)
	return resp, nil
}
