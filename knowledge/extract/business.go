package extract

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/pilot/knowledge"
	"goa.design/pilot/knowledge/ingest"
	"goa.design/pilot/llm"
	"goa.design/pilot/wire"
)

// SourceTextLLM marks entities synthesized by the text model rather
// than by pattern rules.
const SourceTextLLM = "text_llm"

// DefaultBatchTokens caps how much chunk text a single completion
// request carries.
const DefaultBatchTokens = 6000

const (
	businessSystemPrompt = "You analyze product documentation for a browser automation platform. Extract only entities the text supports and respond with one JSON document conforming to the schema you were given. Confidence is your certainty in [0,1] that the entity is real."

	functionsPrompt = "List the business functions (user-facing capabilities) the text below describes. Name each one, describe it in a sentence, list the screen names mentioned alongside it and rate your confidence."

	flowsPrompt = "List the user flows the text below describes: ordered paths a user takes through the product to reach a goal. Name each flow, describe it, list its steps in order and rate your confidence."

	workflowsPrompt = "List the business workflows the text below describes: multi-task procedures such as onboarding a customer. Name each workflow, describe it, list its steps in order and rate your confidence."

	featuresPrompt = "Group the business functions below into product features. Name each feature, describe it, list the exact names of the functions it covers and rate your confidence."
)

//go:embed schemas/*.json
var schemasFS embed.FS

// schemaAsset pairs the raw schema bytes passed to providers that
// support structured output with the compiled form used to re-validate
// completions locally.
type schemaAsset struct {
	raw      json.RawMessage
	compiled *jsonschema.Schema
}

var (
	functionsSchema = mustSchema("schemas/functions.json")
	flowsSchema     = mustSchema("schemas/flows.json")
	workflowsSchema = mustSchema("schemas/workflows.json")
	featuresSchema  = mustSchema("schemas/features.json")
)

func mustSchema(name string) *schemaAsset {
	raw, err := schemasFS.ReadFile(name)
	if err != nil {
		panic(fmt.Sprintf("extract: read %s: %v", name, err))
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		panic(fmt.Sprintf("extract: decode %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("extract: add schema %s: %v", name, err))
	}
	compiled, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("extract: compile schema %s: %v", name, err))
	}
	return &schemaAsset{raw: raw, compiled: compiled}
}

type (
	functionDTO struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Screens     []string `json:"screens"`
		Confidence  float64  `json:"confidence"`
	}
	functionsDoc struct {
		Functions []functionDTO `json:"functions"`
	}

	// flowDTO carries both user flows and workflows, which share a shape.
	flowDTO struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Steps       []string `json:"steps"`
		Confidence  float64  `json:"confidence"`
	}
	flowsDoc struct {
		Flows []flowDTO `json:"flows"`
	}
	workflowsDoc struct {
		Workflows []flowDTO `json:"workflows"`
	}

	featureDTO struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Functions   []string `json:"functions"`
		Confidence  float64  `json:"confidence"`
	}
	featuresDoc struct {
		Features []featureDTO `json:"features"`
	}
)

// TextExtractor synthesizes business-level entities from chunk text
// with a completion model. Completions are validated against the
// embedded JSON Schemas before they are accepted.
type TextExtractor struct {
	client      llm.TextClient
	model       string
	batchTokens int
}

// NewTextExtractor builds a TextExtractor for the given client and
// model identifier.
func NewTextExtractor(client llm.TextClient, model string) (*TextExtractor, error) {
	if client == nil {
		return nil, errors.New("extract: text client is required")
	}
	if model == "" {
		return nil, errors.New("extract: model identifier is required")
	}
	return &TextExtractor{client: client, model: model, batchTokens: DefaultBatchTokens}, nil
}

// Functions extracts the business functions the chunks describe.
func (x *TextExtractor) Functions(ctx context.Context, chunks []*knowledge.ContentChunk) ([]*knowledge.BusinessFunction, error) {
	var (
		out  []*knowledge.BusinessFunction
		byID = make(map[string]*knowledge.BusinessFunction)
	)
	for _, batch := range x.batches(chunks) {
		var doc functionsDoc
		if err := x.complete(ctx, functionsPrompt, batch, functionsSchema, &doc); err != nil {
			return nil, fmt.Errorf("extract business functions: %w", err)
		}
		for _, dto := range doc.Functions {
			name, ok := knowledge.CleanName(dto.Name)
			if !ok {
				continue
			}
			conf := clamp01(dto.Confidence)
			if conf < ConfidenceThreshold {
				continue
			}
			id := entityID("function", name)
			if prev, ok := byID[id]; ok {
				if conf > prev.Provenance.ExtractionConfidence {
					prev.Provenance.ExtractionConfidence = conf
					if d := strings.TrimSpace(dto.Description); d != "" {
						prev.Description = d
					}
				}
				for _, s := range dto.Screens {
					prev.ScreensMentioned = appendUniqueFold(prev.ScreensMentioned, strings.TrimSpace(s))
				}
				prev.Provenance.ChunkIDs = dedupeFold(append(prev.Provenance.ChunkIDs, chunkIDs(batch)...))
				continue
			}
			now := nowMS()
			fn := &knowledge.BusinessFunction{
				KnowledgeID:      batch[0].KnowledgeID,
				FunctionID:       id,
				Name:             name,
				Description:      strings.TrimSpace(dto.Description),
				ScreensMentioned: cleanList(dto.Screens),
				Provenance:       provenance(SourceTextLLM, conf, "model structured output", chunkIDs(batch)),
				CreatedAtMS:      now,
				UpdatedAtMS:      now,
			}
			byID[id] = fn
			out = append(out, fn)
		}
	}
	return out, nil
}

// Flows extracts the user flows the chunks describe.
func (x *TextExtractor) Flows(ctx context.Context, chunks []*knowledge.ContentChunk) ([]*knowledge.UserFlow, error) {
	var (
		out  []*knowledge.UserFlow
		byID = make(map[string]bool)
	)
	for _, batch := range x.batches(chunks) {
		var doc flowsDoc
		if err := x.complete(ctx, flowsPrompt, batch, flowsSchema, &doc); err != nil {
			return nil, fmt.Errorf("extract user flows: %w", err)
		}
		for _, dto := range doc.Flows {
			name, ok := knowledge.CleanName(dto.Name)
			if !ok {
				continue
			}
			conf := clamp01(dto.Confidence)
			if conf < ConfidenceThreshold {
				continue
			}
			id := entityID("flow", name)
			if byID[id] {
				continue
			}
			byID[id] = true
			now := nowMS()
			out = append(out, &knowledge.UserFlow{
				KnowledgeID: batch[0].KnowledgeID,
				FlowID:      id,
				Name:        name,
				Description: strings.TrimSpace(dto.Description),
				Steps:       stepList(dto.Steps),
				Provenance:  provenance(SourceTextLLM, conf, "model structured output", chunkIDs(batch)),
				CreatedAtMS: now,
				UpdatedAtMS: now,
			})
		}
	}
	return out, nil
}

// Workflows extracts the multi-task business procedures the chunks
// describe.
func (x *TextExtractor) Workflows(ctx context.Context, chunks []*knowledge.ContentChunk) ([]*knowledge.Workflow, error) {
	var (
		out  []*knowledge.Workflow
		byID = make(map[string]bool)
	)
	for _, batch := range x.batches(chunks) {
		var doc workflowsDoc
		if err := x.complete(ctx, workflowsPrompt, batch, workflowsSchema, &doc); err != nil {
			return nil, fmt.Errorf("extract workflows: %w", err)
		}
		for _, dto := range doc.Workflows {
			name, ok := knowledge.CleanName(dto.Name)
			if !ok {
				continue
			}
			conf := clamp01(dto.Confidence)
			if conf < ConfidenceThreshold {
				continue
			}
			id := entityID("workflow", name)
			if byID[id] {
				continue
			}
			byID[id] = true
			now := nowMS()
			out = append(out, &knowledge.Workflow{
				KnowledgeID: batch[0].KnowledgeID,
				WorkflowID:  id,
				Name:        name,
				Description: strings.TrimSpace(dto.Description),
				Steps:       stepList(dto.Steps),
				Provenance:  provenance(SourceTextLLM, conf, "model structured output", chunkIDs(batch)),
				CreatedAtMS: now,
				UpdatedAtMS: now,
			})
		}
	}
	return out, nil
}

// Features groups previously extracted business functions into product
// features. Function references in the completion resolve by name
// similarity; unresolved references are dropped.
func (x *TextExtractor) Features(ctx context.Context, functions []*knowledge.BusinessFunction) ([]*knowledge.BusinessFeature, error) {
	if len(functions) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(functions))
	byName := make(map[string]*knowledge.BusinessFunction, len(functions))
	var b strings.Builder
	b.WriteString(featuresPrompt)
	b.WriteString("\n\n")
	for _, fn := range functions {
		names = append(names, fn.Name)
		byName[strings.ToLower(fn.Name)] = fn
		b.WriteString("- ")
		b.WriteString(fn.Name)
		if fn.Description != "" {
			b.WriteString(": ")
			b.WriteString(fn.Description)
		}
		b.WriteByte('\n')
	}
	resp, err := x.client.Complete(ctx, llm.TextRequest{
		System:    businessSystemPrompt,
		Prompt:    b.String(),
		Model:     x.model,
		MaxTokens: completionMaxTokens,
		Schema:    featuresSchema.raw,
	})
	if err != nil {
		return nil, fmt.Errorf("extract features: %w", err)
	}
	var doc featuresDoc
	if err := decodeStructured(resp.Text, featuresSchema, &doc); err != nil {
		return nil, fmt.Errorf("extract features: %w", err)
	}
	var (
		out  []*knowledge.BusinessFeature
		byID = make(map[string]bool)
	)
	for _, dto := range doc.Features {
		name, ok := knowledge.CleanName(dto.Name)
		if !ok {
			continue
		}
		conf := clamp01(dto.Confidence)
		if conf < ConfidenceThreshold {
			continue
		}
		id := entityID("feature", name)
		if byID[id] {
			continue
		}
		byID[id] = true
		var fnIDs, chunkRefs []string
		for _, raw := range dto.Functions {
			match, _, ok := knowledge.BestMatch(raw, names, screenMatchThreshold)
			if !ok {
				continue
			}
			fn := byName[strings.ToLower(match)]
			fnIDs = addUnique(fnIDs, fn.FunctionID)
			chunkRefs = dedupeFold(append(chunkRefs, fn.Provenance.ChunkIDs...))
		}
		now := nowMS()
		out = append(out, &knowledge.BusinessFeature{
			KnowledgeID: functions[0].KnowledgeID,
			FeatureID:   id,
			Name:        name,
			Description: strings.TrimSpace(dto.Description),
			FunctionIDs: fnIDs,
			Provenance:  provenance(SourceTextLLM, conf, "model structured output", chunkRefs),
			CreatedAtMS: now,
			UpdatedAtMS: now,
		})
	}
	return out, nil
}

// completionMaxTokens bounds each structured completion.
const completionMaxTokens = 2048

func (x *TextExtractor) complete(ctx context.Context, instruction string, batch []*knowledge.ContentChunk, schema *schemaAsset, out any) error {
	var b strings.Builder
	b.WriteString(instruction)
	b.WriteString("\n\n")
	for i, c := range batch {
		if i > 0 {
			b.WriteString("\n---\n")
		}
		b.WriteString(c.Text)
	}
	resp, err := x.client.Complete(ctx, llm.TextRequest{
		System:    businessSystemPrompt,
		Prompt:    b.String(),
		Model:     x.model,
		MaxTokens: completionMaxTokens,
		Schema:    schema.raw,
	})
	if err != nil {
		return err
	}
	return decodeStructured(resp.Text, schema, out)
}

// batches packs chunks into prompt-sized groups, never splitting a
// chunk and always emitting at least one chunk per batch.
func (x *TextExtractor) batches(chunks []*knowledge.ContentChunk) [][]*knowledge.ContentChunk {
	var (
		out [][]*knowledge.ContentChunk
		cur []*knowledge.ContentChunk
		n   int
	)
	for _, c := range chunks {
		t := c.TokenCount
		if t <= 0 {
			t = ingest.EstimateTokens(c.Text)
		}
		if len(cur) > 0 && n+t > x.batchTokens {
			out = append(out, cur)
			cur, n = nil, 0
		}
		cur = append(cur, c)
		n += t
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// decodeStructured validates a completion against the schema and then
// decodes it into out. Schema failures surface as workflow-retriable
// errors.
func decodeStructured(text string, schema *schemaAsset, out any) error {
	raw := extractJSON(text)
	if raw == "" {
		return wire.Errorf(wire.CodeSchemaValidationFailed, "completion carries no JSON document")
	}
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return wire.Errorf(wire.CodeSchemaValidationFailed, "decode completion: %v", err)
	}
	if err := schema.compiled.Validate(doc); err != nil {
		return wire.Errorf(wire.CodeSchemaValidationFailed, "completion rejected by schema: %v", err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return wire.Errorf(wire.CodeSchemaValidationFailed, "decode completion: %v", err)
	}
	return nil
}

// extractJSON pulls the JSON document out of a completion that may wrap
// it in markdown fences or narration.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		if j := strings.IndexByte(rest, '\n'); j >= 0 {
			rest = rest[j+1:]
		}
		if j := strings.Index(rest, "```"); j >= 0 {
			text = rest[:j]
		}
	}
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func cleanList(ss []string) []string {
	var out []string
	for _, s := range ss {
		if s = strings.TrimSpace(s); s != "" {
			out = appendUniqueFold(out, s)
		}
	}
	return out
}

// stepList trims step texts and drops empties, preserving order.
func stepList(ss []string) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
