package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/pilot/knowledge"
	"goa.design/pilot/llm"
	"goa.design/pilot/wire"
)

// textClientStub replays queued completion payloads and records the
// requests it saw.
type textClientStub struct {
	reqs  []llm.TextRequest
	queue []string
	err   error
}

func (s *textClientStub) Complete(_ context.Context, req llm.TextRequest) (*llm.TextResponse, error) {
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return nil, s.err
	}
	var text string
	if len(s.queue) > 0 {
		text, s.queue = s.queue[0], s.queue[1:]
	}
	return &llm.TextResponse{Text: text, StopReason: "end_turn"}, nil
}

func newExtractor(t *testing.T, stub *textClientStub) *TextExtractor {
	t.Helper()
	x, err := NewTextExtractor(stub, "test-model")
	require.NoError(t, err)
	return x
}

func bizChunk(id, text string, tokens int) *knowledge.ContentChunk {
	return &knowledge.ContentChunk{
		KnowledgeID: "k1",
		ChunkID:     id,
		Source:      "documentation",
		Text:        text,
		TokenCount:  tokens,
	}
}

func TestNewTextExtractorValidation(t *testing.T) {
	_, err := NewTextExtractor(nil, "model")
	assert.Error(t, err)
	_, err = NewTextExtractor(&textClientStub{}, "")
	assert.Error(t, err)
}

func TestFunctionsFromStructuredCompletion(t *testing.T) {
	stub := &textClientStub{queue: []string{`{"functions":[
		{"name":"Invoice Management","description":"Create and send invoices.","screens":["Billing","Invoice Editor"],"confidence":0.9},
		{"name":"Weak Guess","confidence":0.1}
	]}`}}
	x := newExtractor(t, stub)

	fns, err := x.Functions(context.Background(), []*knowledge.ContentChunk{
		bizChunk("c1", "Billing lets you create and send invoices.", 120),
		bizChunk("c2", "Invoices are sent from the Billing page.", 80),
	})
	require.NoError(t, err)
	require.Len(t, fns, 1, "low-confidence candidates are dropped")

	fn := fns[0]
	assert.Equal(t, "function-invoice-management", fn.FunctionID)
	assert.Equal(t, "Invoice Management", fn.Name)
	assert.Equal(t, "Create and send invoices.", fn.Description)
	assert.Equal(t, []string{"Billing", "Invoice Editor"}, fn.ScreensMentioned)
	assert.Equal(t, SourceTextLLM, fn.Provenance.ExtractionSource)
	assert.InDelta(t, 0.9, fn.Provenance.ExtractionConfidence, 1e-9)
	assert.Equal(t, []string{"c1", "c2"}, fn.Provenance.ChunkIDs)

	require.Len(t, stub.reqs, 1, "both chunks fit one batch")
	req := stub.reqs[0]
	assert.Equal(t, "test-model", req.Model)
	assert.Equal(t, businessSystemPrompt, req.System)
	assert.NotEmpty(t, req.Schema)
	assert.Contains(t, req.Prompt, "Billing lets you create and send invoices.")
}

func TestFunctionsBatchByTokenBudget(t *testing.T) {
	payload := `{"functions":[{"name":"Invoice Management","confidence":0.8}]}`
	stub := &textClientStub{queue: []string{payload, payload}}
	x := newExtractor(t, stub)

	fns, err := x.Functions(context.Background(), []*knowledge.ContentChunk{
		bizChunk("c1", "First block.", 4000),
		bizChunk("c2", "Second block.", 4000),
	})
	require.NoError(t, err)
	assert.Len(t, stub.reqs, 2, "chunks exceed one prompt budget")
	require.Len(t, fns, 1, "same name from both batches merges")
	assert.Equal(t, []string{"c1", "c2"}, fns[0].Provenance.ChunkIDs)
}

func TestFunctionsRejectSchemaViolation(t *testing.T) {
	stub := &textClientStub{queue: []string{`{"functions":"nope"}`}}
	x := newExtractor(t, stub)

	_, err := x.Functions(context.Background(), []*knowledge.ContentChunk{bizChunk("c1", "some text", 10)})
	require.Error(t, err)
	var werr *wire.Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, wire.CodeSchemaValidationFailed, werr.Code)
}

func TestFunctionsPropagateClientError(t *testing.T) {
	stub := &textClientStub{err: errors.New("rate limited")}
	x := newExtractor(t, stub)

	_, err := x.Functions(context.Background(), []*knowledge.ContentChunk{bizChunk("c1", "some text", 10)})
	require.Error(t, err)
	assert.ErrorContains(t, err, "extract business functions")
}

func TestFlowsAcceptFencedCompletion(t *testing.T) {
	stub := &textClientStub{queue: []string{
		"```json\n{\"flows\":[{\"name\":\"Checkout\",\"description\":\"Pay for the cart.\",\"steps\":[\"Open cart\",\"Pay\"],\"confidence\":0.8}]}\n```",
	}}
	x := newExtractor(t, stub)

	flows, err := x.Flows(context.Background(), []*knowledge.ContentChunk{bizChunk("c1", "Checkout docs.", 10)})
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, "flow-checkout", flows[0].FlowID)
	assert.Equal(t, "Checkout", flows[0].Name)
	assert.Equal(t, []string{"Open cart", "Pay"}, flows[0].Steps)
}

func TestWorkflowsFromStructuredCompletion(t *testing.T) {
	stub := &textClientStub{queue: []string{
		`{"workflows":[{"name":"Customer Onboarding","steps":["Create account","Verify email"],"confidence":0.7}]}`,
	}}
	x := newExtractor(t, stub)

	wfs, err := x.Workflows(context.Background(), []*knowledge.ContentChunk{bizChunk("c1", "Onboarding docs.", 10)})
	require.NoError(t, err)
	require.Len(t, wfs, 1)
	assert.Equal(t, "workflow-customer-onboarding", wfs[0].WorkflowID)
	assert.Equal(t, []string{"Create account", "Verify email"}, wfs[0].Steps)
	assert.InDelta(t, 0.7, wfs[0].Provenance.ExtractionConfidence, 1e-9)
}

func TestFeaturesResolveFunctionReferences(t *testing.T) {
	fns := []*knowledge.BusinessFunction{
		{KnowledgeID: "k1", FunctionID: "function-invoice-management", Name: "Invoice Management",
			Provenance: knowledge.Provenance{ChunkIDs: []string{"c1"}}},
		{KnowledgeID: "k1", FunctionID: "function-payment-processing", Name: "Payment Processing",
			Provenance: knowledge.Provenance{ChunkIDs: []string{"c2"}}},
	}
	stub := &textClientStub{queue: []string{
		`{"features":[{"name":"Billing","description":"Money movement.","functions":["Invoice Management","payment processing","Ghost Capability"],"confidence":0.85}]}`,
	}}
	x := newExtractor(t, stub)

	feats, err := x.Features(context.Background(), fns)
	require.NoError(t, err)
	require.Len(t, feats, 1)

	ft := feats[0]
	assert.Equal(t, "feature-billing", ft.FeatureID)
	// Name matching is case-insensitive; unknown references are dropped.
	assert.Equal(t, []string{"function-invoice-management", "function-payment-processing"}, ft.FunctionIDs)
	assert.Equal(t, []string{"c1", "c2"}, ft.Provenance.ChunkIDs)
	assert.Contains(t, stub.reqs[0].Prompt, "- Invoice Management")
}

func TestFeaturesWithoutFunctionsSkipCompletion(t *testing.T) {
	stub := &textClientStub{}
	x := newExtractor(t, stub)

	feats, err := x.Features(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, feats)
	assert.Empty(t, stub.reqs)
}

func TestDecodeStructuredStripsNarration(t *testing.T) {
	var doc functionsDoc
	err := decodeStructured(`Sure! Here is the result: {"functions":[]} Hope that helps.`, functionsSchema, &doc)
	require.NoError(t, err)
	assert.Empty(t, doc.Functions)
}
