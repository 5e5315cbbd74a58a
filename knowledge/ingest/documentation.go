package ingest

import (
	"context"
	"strings"

	"goa.design/pilot/knowledge"
	"goa.design/pilot/wire"
)

// DocumentationIngester chunks manuals, help pages and other prose at
// heading and paragraph boundaries. Chunks that open with a markdown
// heading carry it as "section" metadata so extraction can keep section
// context without re-parsing.
type DocumentationIngester struct {
	chunker *Chunker
}

// NewDocumentationIngester returns a documentation ingester. A nil chunker
// uses the default budget.
func NewDocumentationIngester(c *Chunker) *DocumentationIngester {
	if c == nil {
		c = NewChunker(MaxChunkTokens)
	}
	return &DocumentationIngester{chunker: c}
}

// Ingest implements Ingester.
func (i *DocumentationIngester) Ingest(_ context.Context, src Source) ([]*knowledge.ContentChunk, error) {
	if strings.TrimSpace(src.Text) == "" {
		return nil, wire.Errorf(wire.CodeInvalidParams, "documentation source %q has no text", src.Ref)
	}
	pieces := i.chunker.Split(src.Text)
	chunks := make([]*knowledge.ContentChunk, 0, len(pieces))
	for idx, text := range pieces {
		var extra map[string]string
		if section := leadingHeading(text); section != "" {
			extra = map[string]string{"section": section}
		}
		chunks = append(chunks, buildChunk(src.KnowledgeID, SourceDocumentation, src.Ref, idx, text, mergeMeta(src.Metadata, extra)))
	}
	return chunks, nil
}

// leadingHeading returns the heading text when a chunk opens with one.
func leadingHeading(text string) string {
	line, _, _ := strings.Cut(text, "\n")
	line = strings.TrimSpace(line)
	if !isHeadingLine(line) {
		return ""
	}
	return strings.TrimSpace(strings.TrimLeft(line, "#"))
}
