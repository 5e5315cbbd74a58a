// Package openai provides llm.TextClient, llm.VisionClient and
// llm.Transcriber implementations backed by the OpenAI API using
// github.com/openai/openai-go. Structured output uses the native
// json_schema response format; transcription uses verbose_json so segment
// timings survive translation.
package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"goa.design/pilot/llm"
)

type (
	// ChatClient captures the subset of the openai-go chat service used by the
	// adapter. It is satisfied by *openai.ChatCompletionService.
	ChatClient interface {
		New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
	}

	// TranscriptionClient captures the subset of the openai-go audio service
	// used by the adapter. It is satisfied by *openai.AudioTranscriptionService.
	TranscriptionClient interface {
		New(ctx context.Context, body openai.AudioTranscriptionNewParams, opts ...option.RequestOption) (*openai.Transcription, error)
	}

	// Options configures the OpenAI adapter.
	Options struct {
		// DefaultModel is the chat model identifier used when the request does
		// not name one.
		DefaultModel string

		// TranscribeModel is the transcription model identifier used when the
		// request does not name one. Defaults to whisper-1.
		TranscribeModel string

		// MaxTokens sets the default completion cap when a request does not
		// specify MaxTokens. When zero or negative, the cap is omitted.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float64
	}

	// Client implements llm.TextClient, llm.VisionClient and llm.Transcriber
	// via the OpenAI API.
	Client struct {
		chat            ChatClient
		audio           TranscriptionClient
		defaultModel    string
		transcribeModel string
		maxTok          int
		temp            float64
	}
)

var (
	_ llm.TextClient   = (*Client)(nil)
	_ llm.VisionClient = (*Client)(nil)
	_ llm.Transcriber  = (*Client)(nil)
)

// New builds an OpenAI-backed client from the provided service clients and
// options. The transcription client may be nil when audio is not needed.
func New(chat ChatClient, audio TranscriptionClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	transcribeModel := opts.TranscribeModel
	if transcribeModel == "" {
		transcribeModel = string(openai.AudioModelWhisper1)
	}
	return &Client{
		chat:            chat,
		audio:           audio,
		defaultModel:    opts.DefaultModel,
		transcribeModel: transcribeModel,
		maxTok:          opts.MaxTokens,
		temp:            opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default openai-go HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, &oc.Audio.Transcriptions, opts)
}

// Complete renders a chat completion. When req.Schema is set the request
// carries a json_schema response format so the completion conforms to it.
func (c *Client) Complete(ctx context.Context, req llm.TextRequest) (*llm.TextResponse, error) {
	if req.Prompt == "" {
		return nil, errors.New("openai: prompt is required")
	}
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.resolveModelID(req.Model)),
	}
	if req.System != "" {
		params.Messages = append(params.Messages, openai.SystemMessage(req.System))
	}
	params.Messages = append(params.Messages, openai.UserMessage(req.Prompt))
	if n := c.effectiveMaxTokens(req.MaxTokens); n > 0 {
		params.MaxCompletionTokens = openai.Int(int64(n))
	}
	if t := c.effectiveTemperature(req.Temperature); t > 0 {
		params.Temperature = openai.Float(t)
	}
	if len(req.Schema) > 0 {
		format, err := jsonSchemaFormat(req.Schema)
		if err != nil {
			return nil, fmt.Errorf("openai: result schema: %w", err)
		}
		params.ResponseFormat = format
	}
	res, err := c.chat.New(ctx, params)
	if err != nil {
		return nil, wrapError("chat completion", err)
	}
	return translateCompletion(res)
}

// Describe captions an image by sending it alongside the prompt as a data URL
// image part in a single user message.
func (c *Client) Describe(ctx context.Context, req llm.VisionRequest) (*llm.TextResponse, error) {
	if len(req.Image) == 0 {
		return nil, errors.New("openai: image payload is required")
	}
	mediaType := req.MIMEType
	if mediaType == "" {
		mediaType = "image/png"
	}
	dataURL := "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(req.Image)
	parts := []openai.ChatCompletionContentPartUnionParam{
		openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
	}
	if req.Prompt != "" {
		parts = append(parts, openai.TextContentPart(req.Prompt))
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.resolveModelID(req.Model)),
		Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage(parts)},
	}
	if c.maxTok > 0 {
		params.MaxCompletionTokens = openai.Int(int64(c.maxTok))
	}
	if c.temp > 0 {
		params.Temperature = openai.Float(c.temp)
	}
	res, err := c.chat.New(ctx, params)
	if err != nil {
		return nil, wrapError("chat completion", err)
	}
	return translateCompletion(res)
}

// Transcribe converts an audio or video payload to text with segment timings.
func (c *Client) Transcribe(ctx context.Context, req llm.TranscriptionRequest) (*llm.Transcript, error) {
	if c.audio == nil {
		return nil, errors.New("openai: transcription client is not configured")
	}
	if len(req.Media) == 0 {
		return nil, errors.New("openai: media payload is required")
	}
	filename := req.Filename
	if filename == "" {
		filename = "media.mp4"
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.transcribeModel
	}
	params := openai.AudioTranscriptionNewParams{
		File:           openai.File(bytes.NewReader(req.Media), filename, mime.TypeByExtension(path.Ext(filename))),
		Model:          openai.AudioModel(modelID),
		ResponseFormat: openai.AudioResponseFormatVerboseJSON,
	}
	tr, err := c.audio.New(ctx, params)
	if err != nil {
		return nil, wrapError("transcription", err)
	}
	return translateTranscription(tr), nil
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

func jsonSchemaFormat(raw json.RawMessage) (openai.ChatCompletionNewParamsResponseFormatUnion, error) {
	var schema any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return openai.ChatCompletionNewParamsResponseFormatUnion{}, err
	}
	return openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
			JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
				Name:   "result",
				Schema: schema,
			},
		},
	}, nil
}

func wrapError(op string, err error) error {
	if isRateLimited(err) {
		return fmt.Errorf("%w: %w", llm.ErrRateLimited, err)
	}
	return fmt.Errorf("openai %s: %w", op, err)
}

func isRateLimited(err error) bool {
	var apierr *openai.Error
	return errors.As(err, &apierr) && apierr.StatusCode == http.StatusTooManyRequests
}

func translateCompletion(res *openai.ChatCompletion) (*llm.TextResponse, error) {
	if res == nil || len(res.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}
	choice := res.Choices[0]
	return &llm.TextResponse{
		Text:         choice.Message.Content,
		InputTokens:  int(res.Usage.PromptTokens),
		OutputTokens: int(res.Usage.CompletionTokens),
		StopReason:   string(choice.FinishReason),
	}, nil
}

// verboseTranscription mirrors the verbose_json payload fields the typed SDK
// response does not surface.
type verboseTranscription struct {
	Language string `json:"language"`
	Text     string `json:"text"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

func translateTranscription(tr *openai.Transcription) *llm.Transcript {
	if tr == nil {
		return &llm.Transcript{}
	}
	out := &llm.Transcript{Text: tr.Text}
	decodeVerbose([]byte(tr.RawJSON()), out)
	return out
}

// decodeVerbose re-decodes the raw verbose_json payload to recover segment
// timings and language. Failures leave the plain text result untouched.
func decodeVerbose(raw []byte, out *llm.Transcript) {
	var verbose verboseTranscription
	if err := json.Unmarshal(raw, &verbose); err != nil {
		return
	}
	out.Language = verbose.Language
	if out.Text == "" {
		out.Text = verbose.Text
	}
	for _, s := range verbose.Segments {
		out.Segments = append(out.Segments, llm.Segment{
			Start: time.Duration(s.Start * float64(time.Second)),
			End:   time.Duration(s.End * float64(time.Second)),
			Text:  strings.TrimSpace(s.Text),
		})
	}
}
