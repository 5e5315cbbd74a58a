package middleware

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/time/rate"

	"goa.design/pilot/llm"
)

type fakeTextClient struct {
	completeErr   error
	completeCalls int
}

func (f *fakeTextClient) Complete(_ context.Context, _ llm.TextRequest) (*llm.TextResponse, error) {
	f.completeCalls++
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	return &llm.TextResponse{Text: "ok"}, nil
}

type fakeVisionClient struct {
	describeCalls int
}

func (f *fakeVisionClient) Describe(_ context.Context, _ llm.VisionRequest) (*llm.TextResponse, error) {
	f.describeCalls++
	return &llm.TextResponse{Text: "a screen"}, nil
}

func TestAdaptiveRateLimiter_BackoffOnRateLimited(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 60000)

	initialTPM := limiter.currentTPM

	client := &fakeTextClient{
		completeErr: llm.ErrRateLimited,
	}
	wrapped := limiter.TextMiddleware()(client)

	_, err := wrapped.Complete(context.Background(), llm.TextRequest{Prompt: "hello"})
	if err == nil || !errors.Is(err, llm.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	if limiter.currentTPM >= initialTPM {
		t.Fatalf("expected TPM to decrease, got %f (initial %f)",
			limiter.currentTPM, initialTPM)
	}
}

func TestAdaptiveRateLimiter_ProbeOnSuccess(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 120000)

	limiter.mu.Lock()
	initialTPM := limiter.currentTPM
	limiter.recoveryRate = 1000
	limiter.mu.Unlock()

	client := &fakeTextClient{}
	wrapped := limiter.TextMiddleware()(client)

	_, err := wrapped.Complete(context.Background(), llm.TextRequest{Prompt: "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	if limiter.currentTPM <= initialTPM {
		t.Fatalf("expected TPM to increase, got %f (initial %f)",
			limiter.currentTPM, initialTPM)
	}
}

func TestAdaptiveRateLimiter_RespectsContextWhenQueued(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60, 60)

	limiter.mu.Lock()
	limiter.currentTPM = 60
	// Configure an impossible limiter so any non-zero token request fails
	// immediately. This exercises the error path without relying on timing.
	limiter.limiter = rate.NewLimiter(0, 0)
	limiter.mu.Unlock()

	client := &fakeTextClient{}
	wrapped := limiter.TextMiddleware()(client)

	longText := make([]byte, 600)
	for i := range longText {
		longText[i] = 'a'
	}

	_, err := wrapped.Complete(context.Background(), llm.TextRequest{Prompt: string(longText)})
	if err == nil {
		t.Fatal("expected limiter error")
	}
	if client.completeCalls != 0 {
		t.Fatalf("expected underlying client not to be called, got %d calls",
			client.completeCalls)
	}
}

func TestAdaptiveRateLimiter_WrapsVision(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 120000)

	limiter.mu.Lock()
	limiter.recoveryRate = 1000
	initialTPM := limiter.currentTPM
	limiter.mu.Unlock()

	client := &fakeVisionClient{}
	wrapped := limiter.VisionMiddleware()(client)

	_, err := wrapped.Describe(context.Background(), llm.VisionRequest{
		Prompt: "what is shown?",
		Image:  []byte{1, 2, 3},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.describeCalls != 1 {
		t.Fatalf("expected 1 describe call, got %d", client.describeCalls)
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	if limiter.currentTPM <= initialTPM {
		t.Fatalf("expected TPM to increase, got %f (initial %f)",
			limiter.currentTPM, initialTPM)
	}
}

func TestEstimateTokensMonotonic(t *testing.T) {
	small := estimateTextTokens(llm.TextRequest{Prompt: "short"})
	big := estimateTextTokens(llm.TextRequest{
		System: "you are a careful extraction assistant",
		Prompt: "this is a much longer message",
	})

	if small <= 0 {
		t.Fatalf("expected positive token estimate for small request, got %d", small)
	}
	if big <= small {
		t.Fatalf("expected larger estimate for larger request, small=%d big=%d",
			small, big)
	}
	if empty := estimateTextTokens(llm.TextRequest{}); empty != 500 {
		t.Fatalf("expected floor estimate for empty request, got %d", empty)
	}

	vision := estimateVisionTokens(llm.VisionRequest{Prompt: "short"})
	if vision <= small {
		t.Fatalf("expected image cost to dominate, text=%d vision=%d", small, vision)
	}
}
