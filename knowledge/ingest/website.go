package ingest

import (
	"context"
	"strings"

	"goa.design/pilot/knowledge"
	"goa.design/pilot/wire"
)

// WebsiteIngester chunks crawled pages. Each chunk keeps its page URL and
// title so extraction can attribute screens to the pages they came from.
type WebsiteIngester struct {
	chunker *Chunker
}

// NewWebsiteIngester returns a website ingester. A nil chunker uses the
// default budget.
func NewWebsiteIngester(c *Chunker) *WebsiteIngester {
	if c == nil {
		c = NewChunker(MaxChunkTokens)
	}
	return &WebsiteIngester{chunker: c}
}

// Ingest implements Ingester. Pages without readable text are skipped; the
// chunk index keeps counting across pages so ordering within the source is
// preserved.
func (i *WebsiteIngester) Ingest(_ context.Context, src Source) ([]*knowledge.ContentChunk, error) {
	if len(src.Pages) == 0 {
		return nil, wire.Errorf(wire.CodeInvalidParams, "website source %q has no pages", src.Ref)
	}
	var chunks []*knowledge.ContentChunk
	index := 0
	for _, page := range src.Pages {
		text := strings.TrimSpace(page.Text)
		if text == "" {
			continue
		}
		extra := map[string]string{"url": page.URL}
		if page.Title != "" {
			extra["title"] = page.Title
		}
		for _, piece := range i.chunker.Split(text) {
			chunks = append(chunks, buildChunk(src.KnowledgeID, SourceWebsite, page.URL, index, piece, mergeMeta(src.Metadata, extra)))
			index++
		}
	}
	if len(chunks) == 0 {
		return nil, wire.Errorf(wire.CodeInvalidParams, "website source %q has only empty pages", src.Ref)
	}
	return chunks, nil
}
