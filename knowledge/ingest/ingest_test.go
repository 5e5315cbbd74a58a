package ingest

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/pilot/knowledge"
	"goa.design/pilot/wire"
)

type chunkStoreStub struct {
	existing map[string]bool
	put      []*knowledge.ContentChunk
}

func (s *chunkStoreStub) PutChunks(_ context.Context, chunks []*knowledge.ContentChunk) error {
	s.put = append(s.put, chunks...)
	return nil
}

func (s *chunkStoreStub) ListChunks(context.Context, string) ([]*knowledge.ContentChunk, error) {
	return s.put, nil
}

func (s *chunkStoreStub) HasChunk(_ context.Context, _, hash string) (bool, error) {
	return s.existing[hash], nil
}

func TestDocumentationIngester(t *testing.T) {
	src := Source{
		KnowledgeID: "k1",
		Type:        SourceDocumentation,
		Ref:         "manual.md",
		Text:        "# Getting Started\n\nSign in with your email.\n\n# Billing\n\nOpen the billing tab to see invoices.",
		Metadata:    map[string]string{"origin": "upload"},
	}

	chunks, err := NewDocumentationIngester(NewChunker(12)).Ingest(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	for i, ch := range chunks {
		assert.Equal(t, "k1", ch.KnowledgeID)
		assert.Equal(t, SourceDocumentation, ch.Source)
		assert.Equal(t, "manual.md", ch.SourceRef)
		assert.Equal(t, i, ch.Index)
		assert.Greater(t, ch.TokenCount, 0)
		assert.Len(t, ch.ContentHash, 64)
		assert.Equal(t, "upload", ch.Metadata["origin"])
		assert.Greater(t, ch.CreatedAtMS, int64(0))
		assert.True(t, strings.HasPrefix(ch.ChunkID, "documentation-"), ch.ChunkID)
	}
	assert.Equal(t, "Getting Started", chunks[0].Metadata["section"])
	assert.Equal(t, "Billing", chunks[1].Metadata["section"])

	_, err = NewDocumentationIngester(nil).Ingest(context.Background(), Source{KnowledgeID: "k1", Type: SourceDocumentation})
	assert.Equal(t, wire.CodeInvalidParams, wire.CodeOf(err))
}

func TestWebsiteIngester(t *testing.T) {
	src := Source{
		KnowledgeID: "k1",
		Type:        SourceWebsite,
		Ref:         "https://example.com",
		Pages: []Page{
			{URL: "https://example.com/login", Title: "Login", Text: "Enter your username and password to sign in."},
			{URL: "https://example.com/empty", Title: "Empty"},
			{URL: "https://example.com/home", Title: "Home", Text: "The dashboard shows recent activity."},
		},
	}

	chunks, err := NewWebsiteIngester(nil).Ingest(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, "https://example.com/login", chunks[0].SourceRef)
	assert.Equal(t, "Login", chunks[0].Metadata["title"])
	assert.Equal(t, "https://example.com/login", chunks[0].Metadata["url"])
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, "https://example.com/home", chunks[1].SourceRef)
	assert.Equal(t, 1, chunks[1].Index)

	_, err = NewWebsiteIngester(nil).Ingest(context.Background(), Source{KnowledgeID: "k1", Type: SourceWebsite})
	assert.Equal(t, wire.CodeInvalidParams, wire.CodeOf(err))
}

type stubIngester struct {
	got    Source
	chunks []*knowledge.ContentChunk
}

func (s *stubIngester) Ingest(_ context.Context, src Source) ([]*knowledge.ContentChunk, error) {
	s.got = src
	return s.chunks, nil
}

func TestRouterDispatch(t *testing.T) {
	stub := &stubIngester{chunks: []*knowledge.ContentChunk{{ChunkID: "c1"}}}
	r := NewRouter()
	r.Register(SourceDocumentation, stub)

	chunks, err := r.Ingest(context.Background(), Source{KnowledgeID: "k1", Type: SourceDocumentation, Text: "hello"})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "k1", stub.got.KnowledgeID)

	_, err = r.Ingest(context.Background(), Source{Type: "carrier_pigeon"})
	assert.Equal(t, wire.CodeInvalidParams, wire.CodeOf(err))
}

func TestPersistSkipsKnownChunks(t *testing.T) {
	fresh := buildChunk("k1", SourceDocumentation, "a.md", 0, "new material", nil)
	known := buildChunk("k1", SourceDocumentation, "a.md", 1, "already stored", nil)
	dup := buildChunk("k1", SourceDocumentation, "a.md", 2, "new material", nil)

	store := &chunkStoreStub{existing: map[string]bool{known.ContentHash: true}}
	written, skipped, err := Persist(context.Background(), store, []*knowledge.ContentChunk{fresh, known, dup})
	require.NoError(t, err)
	assert.Equal(t, 1, written)
	assert.Equal(t, 2, skipped)
	require.Len(t, store.put, 1)
	assert.Equal(t, fresh.ChunkID, store.put[0].ChunkID)
}

func TestSourceContentHashIsStable(t *testing.T) {
	a := Source{KnowledgeID: "k1", Type: SourceDocumentation, Ref: "a.md", Text: "same"}
	b := Source{KnowledgeID: "k2", Type: SourceDocumentation, Ref: "a.md", Text: "same"}
	c := Source{KnowledgeID: "k1", Type: SourceDocumentation, Ref: "a.md", Text: "different"}

	// Scope does not affect the material fingerprint; content does.
	assert.Equal(t, a.ContentHash(), b.ContentHash())
	assert.NotEqual(t, a.ContentHash(), c.ContentHash())
	assert.Len(t, a.ContentHash(), 64)
}
