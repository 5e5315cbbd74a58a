package ingest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"goa.design/pilot/knowledge"
	"goa.design/pilot/llm"
	"goa.design/pilot/wire"
)

// VideoIngester transcribes recorded walkthroughs and chunks the transcript
// along segment boundaries, keeping the time range each chunk covers as
// start_ms/end_ms metadata.
type VideoIngester struct {
	transcriber llm.Transcriber
	model       string
	chunker     *Chunker
}

// NewVideoIngester returns a video ingester. The model is passed through to
// the transcriber; a nil chunker uses the default budget.
func NewVideoIngester(transcriber llm.Transcriber, model string, c *Chunker) *VideoIngester {
	if c == nil {
		c = NewChunker(MaxChunkTokens)
	}
	return &VideoIngester{transcriber: transcriber, model: model, chunker: c}
}

// Ingest implements Ingester. Transcripts without timing segments fall back
// to plain text chunking.
func (i *VideoIngester) Ingest(ctx context.Context, src Source) ([]*knowledge.ContentChunk, error) {
	if i.transcriber == nil {
		return nil, wire.Errorf(wire.CodeInvalidParams, "video ingestion is not configured")
	}
	if len(src.Media) == 0 {
		return nil, wire.Errorf(wire.CodeInvalidParams, "video source %q has no media", src.Ref)
	}
	tr, err := i.transcriber.Transcribe(ctx, llm.TranscriptionRequest{
		Media:    src.Media,
		Filename: src.MediaName,
		Model:    i.model,
	})
	if err != nil {
		return nil, fmt.Errorf("transcribe %q: %w", src.Ref, err)
	}

	var chunks []*knowledge.ContentChunk
	if len(tr.Segments) > 0 {
		chunks = i.chunksFromSegments(src, tr)
	} else if strings.TrimSpace(tr.Text) != "" {
		for idx, piece := range i.chunker.Split(tr.Text) {
			chunks = append(chunks, buildChunk(src.KnowledgeID, SourceVideo, src.Ref, idx, piece, mergeMeta(src.Metadata, languageMeta(tr.Language))))
		}
	}
	if len(chunks) == 0 {
		return nil, wire.Errorf(wire.CodeInvalidParams, "video source %q produced an empty transcript", src.Ref)
	}
	return chunks, nil
}

// chunksFromSegments packs transcript segments greedily under the token
// budget. A single segment over the budget is split like prose and keeps
// the segment's time range on every piece.
func (i *VideoIngester) chunksFromSegments(src Source, tr *llm.Transcript) []*knowledge.ContentChunk {
	type group struct {
		texts      []string
		start, end time.Duration
		tokens     int
	}
	var (
		groups []group
		cur    group
	)
	flush := func() {
		if len(cur.texts) == 0 {
			return
		}
		groups = append(groups, cur)
		cur = group{}
	}
	for _, seg := range tr.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		tokens := EstimateTokens(text)
		if tokens > i.chunker.maxTokens {
			flush()
			for _, piece := range i.chunker.splitOversized(text) {
				groups = append(groups, group{
					texts: []string{piece},
					start: seg.Start,
					end:   seg.End,
				})
			}
			continue
		}
		cost := tokens
		if len(cur.texts) > 0 {
			cost++
		}
		if cur.tokens+cost > i.chunker.maxTokens {
			flush()
			cost = tokens
		}
		if len(cur.texts) == 0 {
			cur.start = seg.Start
		}
		cur.texts = append(cur.texts, text)
		cur.end = seg.End
		cur.tokens += cost
	}
	flush()

	chunks := make([]*knowledge.ContentChunk, 0, len(groups))
	for idx, g := range groups {
		extra := map[string]string{
			"start_ms": strconv.FormatInt(g.start.Milliseconds(), 10),
			"end_ms":   strconv.FormatInt(g.end.Milliseconds(), 10),
		}
		if tr.Language != "" {
			extra["language"] = tr.Language
		}
		chunks = append(chunks, buildChunk(src.KnowledgeID, SourceVideo, src.Ref, idx, strings.Join(g.texts, " "), mergeMeta(src.Metadata, extra)))
	}
	return chunks
}

func languageMeta(lang string) map[string]string {
	if lang == "" {
		return nil
	}
	return map[string]string{"language": lang}
}
