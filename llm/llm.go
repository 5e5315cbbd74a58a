// Package llm declares the language-model capability boundaries used by the
// knowledge extraction pipeline: text completion for entity synthesis,
// vision captioning for video keyframes, and audio transcription. Provider
// adapters live under features/llm.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrRateLimited is wrapped by adapters when the provider sheds load so the
// rate-limiting middleware can back off.
var ErrRateLimited = errors.New("rate limited")

type (
	// TextRequest is one completion request. When Schema is set, the
	// caller expects the completion to be a JSON document conforming to
	// it; adapters pass the schema to providers that support structured
	// output and callers re-validate regardless.
	TextRequest struct {
		System      string
		Prompt      string
		Model       string
		MaxTokens   int
		Temperature float64
		Schema      json.RawMessage
	}

	// TextResponse is the completion outcome.
	TextResponse struct {
		Text         string
		InputTokens  int
		OutputTokens int
		StopReason   string
	}

	// TextClient completes prompts.
	TextClient interface {
		Complete(ctx context.Context, req TextRequest) (*TextResponse, error)
	}

	// VisionRequest asks for a description of one image.
	VisionRequest struct {
		Prompt string
		// Image is the encoded image payload.
		Image []byte
		// MIMEType identifies the image encoding, e.g. "image/png".
		MIMEType string
		Model    string
	}

	// VisionClient captions images.
	VisionClient interface {
		Describe(ctx context.Context, req VisionRequest) (*TextResponse, error)
	}

	// Segment is one timed span of a transcript.
	Segment struct {
		Start time.Duration `json:"start"`
		End   time.Duration `json:"end"`
		Text  string        `json:"text"`
	}

	// Transcript is the result of transcribing an audio or video payload.
	Transcript struct {
		Text     string    `json:"text"`
		Segments []Segment `json:"segments,omitempty"`
		Language string    `json:"language,omitempty"`
	}

	// TranscriptionRequest carries the media payload to transcribe.
	TranscriptionRequest struct {
		// Media is the raw audio or video payload.
		Media []byte
		// Filename hints the container format, e.g. "capture.mp4".
		Filename string
		Model    string
	}

	// Transcriber converts speech to text.
	Transcriber interface {
		Transcribe(ctx context.Context, req TranscriptionRequest) (*Transcript, error)
	}
)
