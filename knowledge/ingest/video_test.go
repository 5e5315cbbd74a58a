package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/pilot/llm"
	"goa.design/pilot/wire"
)

type transcriberStub struct {
	lastReq llm.TranscriptionRequest
	tr      *llm.Transcript
	err     error
}

func (s *transcriberStub) Transcribe(_ context.Context, req llm.TranscriptionRequest) (*llm.Transcript, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return s.tr, nil
}

func TestVideoIngesterGroupsSegments(t *testing.T) {
	stub := &transcriberStub{tr: &llm.Transcript{
		Language: "english",
		Segments: []llm.Segment{
			{Start: 0, End: 5 * time.Second, Text: "Open the dashboard."},
			{Start: 5 * time.Second, End: 9 * time.Second, Text: "Click settings."},
			{Start: 9 * time.Second, End: 15 * time.Second, Text: "Save."},
		},
	}}
	ing := NewVideoIngester(stub, "whisper-1", NewChunker(6))

	src := Source{
		KnowledgeID: "k1",
		Type:        SourceVideo,
		Ref:         "walkthrough.mp4",
		Media:       []byte("not really a video"),
		MediaName:   "walkthrough.mp4",
	}
	chunks, err := ing.Ingest(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, "whisper-1", stub.lastReq.Model)
	assert.Equal(t, "walkthrough.mp4", stub.lastReq.Filename)

	assert.Equal(t, "Open the dashboard. Click settings.", chunks[0].Text)
	assert.Equal(t, "0", chunks[0].Metadata["start_ms"])
	assert.Equal(t, "9000", chunks[0].Metadata["end_ms"])
	assert.Equal(t, "english", chunks[0].Metadata["language"])
	assert.Equal(t, SourceVideo, chunks[0].Source)
	assert.Equal(t, "walkthrough.mp4", chunks[0].SourceRef)

	assert.Equal(t, "Save.", chunks[1].Text)
	assert.Equal(t, "9000", chunks[1].Metadata["start_ms"])
	assert.Equal(t, "15000", chunks[1].Metadata["end_ms"])
}

func TestVideoIngesterFallsBackToText(t *testing.T) {
	stub := &transcriberStub{tr: &llm.Transcript{Text: "A plain transcript without timing.", Language: "english"}}
	ing := NewVideoIngester(stub, "", nil)

	chunks, err := ing.Ingest(context.Background(), Source{KnowledgeID: "k1", Type: SourceVideo, Ref: "demo.mp4", Media: []byte("x")})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "A plain transcript without timing.", chunks[0].Text)
	assert.Equal(t, "english", chunks[0].Metadata["language"])
	assert.NotContains(t, chunks[0].Metadata, "start_ms")
}

func TestVideoIngesterValidation(t *testing.T) {
	_, err := NewVideoIngester(nil, "", nil).Ingest(context.Background(), Source{Type: SourceVideo, Media: []byte("x")})
	assert.Equal(t, wire.CodeInvalidParams, wire.CodeOf(err))

	stub := &transcriberStub{tr: &llm.Transcript{}}
	_, err = NewVideoIngester(stub, "", nil).Ingest(context.Background(), Source{Type: SourceVideo})
	assert.Equal(t, wire.CodeInvalidParams, wire.CodeOf(err))

	// Empty transcript is rejected rather than silently producing nothing.
	_, err = NewVideoIngester(stub, "", nil).Ingest(context.Background(), Source{Type: SourceVideo, Media: []byte("x")})
	assert.Equal(t, wire.CodeInvalidParams, wire.CodeOf(err))
}

func TestVideoIngesterTranscriberError(t *testing.T) {
	stub := &transcriberStub{err: errors.New("upstream busy")}
	_, err := NewVideoIngester(stub, "", nil).Ingest(context.Background(), Source{Type: SourceVideo, Ref: "demo.mp4", Media: []byte("x")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transcribe")
	assert.Contains(t, err.Error(), "upstream busy")
}
