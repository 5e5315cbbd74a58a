// Package ingest turns source material into the content chunks the
// extraction pipeline consumes. One ingester per source family
// (documentation, website crawl, video) produces knowledge.ContentChunks
// under a shared token budget; the Router picks the ingester by source tag
// and Persist writes the results, skipping chunks whose content hash is
// already stored.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"goa.design/pilot/knowledge"
	"goa.design/pilot/llm"
	"goa.design/pilot/wire"
)

// Source type tags. They double as the Source field of produced chunks.
const (
	SourceDocumentation = "documentation"
	SourceWebsite       = "website"
	SourceVideo         = "video"
)

type (
	// Page is one crawled page of a website source.
	Page struct {
		URL   string `json:"url"`
		Title string `json:"title,omitempty"`
		// Text is the readable content extracted from the page.
		Text string `json:"text"`
	}

	// Source is the material one ingestion run consumes. Type selects the
	// ingester; the matching payload field must be set. Sources serialize
	// to JSON so they can ride inside workflow activity inputs.
	Source struct {
		KnowledgeID string `json:"knowledge_id"`
		// Type is documentation, website or video.
		Type string `json:"type"`
		// Ref locates the original material: URL, file name or object key.
		Ref string `json:"ref,omitempty"`
		// Text is the documentation payload.
		Text string `json:"text,omitempty"`
		// Pages is the website payload.
		Pages []Page `json:"pages,omitempty"`
		// Media is the video payload.
		Media []byte `json:"media,omitempty"`
		// MediaName hints the media container, e.g. "walkthrough.mp4".
		MediaName string `json:"media_name,omitempty"`
		// Metadata is copied onto every produced chunk.
		Metadata map[string]string `json:"metadata,omitempty"`
	}

	// Ingester converts one source into content chunks.
	Ingester interface {
		Ingest(ctx context.Context, src Source) ([]*knowledge.ContentChunk, error)
	}
)

// ContentHash fingerprints the source material itself, before chunking. The
// extraction workflow folds it into activity idempotency keys so re-running
// ingestion over identical material replays the recorded result.
func (s Source) ContentHash() string {
	h := sha256.New()
	h.Write([]byte(s.Type))
	h.Write([]byte{'\n'})
	h.Write([]byte(s.Ref))
	h.Write([]byte{'\n'})
	h.Write([]byte(s.Text))
	h.Write(s.Media)
	for _, p := range s.Pages {
		h.Write([]byte(p.URL))
		h.Write([]byte{'\n'})
		h.Write([]byte(p.Text))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Router dispatches sources to the ingester registered for their type.
// Register everything before first use; the map is not guarded.
type Router struct {
	ingesters map[string]Ingester
}

var _ Ingester = (*Router)(nil)

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{ingesters: make(map[string]Ingester)}
}

// NewDefaultRouter wires the three standard ingesters under the default
// token budget. The transcriber may be nil; video sources then fail
// validation until one is configured.
func NewDefaultRouter(transcriber llm.Transcriber, transcribeModel string) *Router {
	r := NewRouter()
	r.Register(SourceDocumentation, NewDocumentationIngester(nil))
	r.Register(SourceWebsite, NewWebsiteIngester(nil))
	r.Register(SourceVideo, NewVideoIngester(transcriber, transcribeModel, nil))
	return r
}

// Register binds an ingester to a source type, replacing any previous one.
func (r *Router) Register(sourceType string, ing Ingester) {
	r.ingesters[sourceType] = ing
}

// Ingest implements Ingester by dispatching on the source type.
func (r *Router) Ingest(ctx context.Context, src Source) ([]*knowledge.ContentChunk, error) {
	ing, ok := r.ingesters[src.Type]
	if !ok {
		return nil, wire.Errorf(wire.CodeInvalidParams, "no ingester for source type %q", src.Type)
	}
	return ing.Ingest(ctx, src)
}

// Persist stores chunks, skipping any whose content hash is already present
// in the scope or repeated within the batch. It returns how many chunks
// were written and how many were skipped.
func Persist(ctx context.Context, store knowledge.ChunkStore, chunks []*knowledge.ContentChunk) (int, int, error) {
	var skipped int
	seen := make(map[string]bool, len(chunks))
	fresh := make([]*knowledge.ContentChunk, 0, len(chunks))
	for _, ch := range chunks {
		if seen[ch.ContentHash] {
			skipped++
			continue
		}
		seen[ch.ContentHash] = true
		ok, err := store.HasChunk(ctx, ch.KnowledgeID, ch.ContentHash)
		if err != nil {
			return 0, skipped, fmt.Errorf("chunk dedup lookup: %w", err)
		}
		if ok {
			skipped++
			continue
		}
		fresh = append(fresh, ch)
	}
	if len(fresh) == 0 {
		return 0, skipped, nil
	}
	if err := store.PutChunks(ctx, fresh); err != nil {
		return 0, skipped, fmt.Errorf("store chunks: %w", err)
	}
	return len(fresh), skipped, nil
}

// buildChunk fills one chunk: estimated token count, SHA-256 content hash
// and a deterministic ID so re-ingesting the same material upserts the same
// documents instead of growing the collection.
func buildChunk(knowledgeID, source, ref string, index int, text string, meta map[string]string) *knowledge.ContentChunk {
	sum := sha256.Sum256([]byte(text))
	hash := hex.EncodeToString(sum[:])
	return &knowledge.ContentChunk{
		KnowledgeID: knowledgeID,
		ChunkID:     fmt.Sprintf("%s-%04d-%s", source, index, hash[:12]),
		Source:      source,
		SourceRef:   ref,
		Index:       index,
		Text:        text,
		TokenCount:  EstimateTokens(text),
		ContentHash: hash,
		Metadata:    meta,
		CreatedAtMS: time.Now().UnixMilli(),
	}
}

// mergeMeta copies base and extra into a fresh map, extra winning on
// conflicts. Both empty yields nil so chunks omit the field.
func mergeMeta(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	m := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		m[k] = v
	}
	for k, v := range extra {
		m[k] = v
	}
	return m
}
