// Package extract turns content chunks into the typed entities of the
// knowledge graph. Extractors are pure functions over chunks plus
// previously extracted context: screens, then tasks, then actions, then
// transitions, each building on the ones before. Business-level
// entities come from a text model instead of rules and are validated
// against embedded JSON Schemas before they are accepted.
//
// Every entity carries provenance naming its source and a confidence
// score; candidates below ConfidenceThreshold are dropped. The keyword
// and phrase tables driving the rule-based extractors live in
// patterns.yaml.
package extract

import (
	"strings"
	"time"

	"goa.design/pilot/knowledge"
)

// ConfidenceThreshold is the minimum extraction confidence an entity
// needs to be kept.
const ConfidenceThreshold = 0.3

// slug renders a name as a lowercase hyphenated identifier fragment.
func slug(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	dash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// entityID mints a deterministic identifier so re-extraction of the
// same source upserts instead of duplicating.
func entityID(prefix, name string) string {
	return prefix + "-" + slug(name)
}

func provenance(source string, confidence float64, analysis string, chunkIDs []string) knowledge.Provenance {
	return knowledge.Provenance{
		ExtractionSource:     source,
		ExtractionConfidence: confidence,
		CaptureAnalysis:      analysis,
		ChunkIDs:             chunkIDs,
	}
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}

// sentences splits prose into sentences, treating line breaks as
// boundaries too so list items stay separate.
func sentences(text string) []string {
	var out []string
	start := 0
	flush := func(end int) {
		if s := strings.TrimSpace(text[start:end]); s != "" {
			out = append(out, s)
		}
		start = end
	}
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			if i+1 == len(text) || text[i+1] == ' ' || text[i+1] == '\t' || text[i+1] == '\n' {
				flush(i + 1)
			}
		case '\n':
			flush(i)
			start = i + 1
		}
	}
	flush(len(text))
	return out
}

// stopwords are skipped when deriving the significant word of a phrase.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "on": true, "to": true,
	"in": true, "into": true, "of": true, "your": true, "all": true,
	"each": true, "every": true, "from": true, "for": true, "at": true,
	"then": true, "and": true, "or": true, "with": true,
}

// trimArticles strips leading articles and filler prepositions.
func trimArticles(s string) string {
	for {
		fields := strings.SplitN(strings.TrimSpace(s), " ", 2)
		if len(fields) < 2 || !stopwords[strings.ToLower(fields[0])] {
			return strings.TrimSpace(s)
		}
		s = fields[1]
	}
}

// trimPunct strips trailing sentence punctuation.
func trimPunct(s string) string {
	return strings.TrimRight(strings.TrimSpace(s), ".,!?;: ")
}

func chunkIDs(chunks []*knowledge.ContentChunk) []string {
	ids := make([]string, 0, len(chunks))
	for _, c := range chunks {
		ids = append(ids, c.ChunkID)
	}
	return ids
}

// unquote strips matched single or double quotes.
func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return strings.TrimSpace(s[1 : len(s)-1])
		}
	}
	return s
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
