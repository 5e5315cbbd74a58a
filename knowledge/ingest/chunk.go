package ingest

import (
	"regexp"
	"strings"
)

// MaxChunkTokens is the default per-chunk token budget.
const MaxChunkTokens = 2000

var wordPattern = regexp.MustCompile(`\w+`)

// EstimateTokens approximates how many model tokens text costs: one per
// word plus one per four remaining characters, so punctuation-heavy and
// non-Latin text still registers.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	words := wordPattern.FindAllStringIndex(text, -1)
	wordLen := 0
	for _, span := range words {
		wordLen += span[1] - span[0]
	}
	return len(words) + (len(text)-wordLen)/4
}

// Chunker splits text under a token budget, preferring paragraph
// boundaries, then sentence boundaries, then a word split for degenerate
// input.
type Chunker struct {
	maxTokens int
}

// NewChunker returns a chunker with the given per-chunk token budget.
// Budgets below 1 fall back to MaxChunkTokens.
func NewChunker(maxTokens int) *Chunker {
	if maxTokens < 1 {
		maxTokens = MaxChunkTokens
	}
	return &Chunker{maxTokens: maxTokens}
}

// Split divides text into chunks of at most the configured token budget.
// Paragraphs pack greedily; a bare heading is never left dangling at the
// end of a chunk, it moves to the front of the next one.
func (c *Chunker) Split(text string) []string {
	var (
		chunks    []string
		cur       []string
		curTokens int
	)
	flush := func() {
		if len(cur) == 0 {
			return
		}
		chunks = append(chunks, strings.Join(cur, "\n\n"))
		cur, curTokens = nil, 0
	}
	push := func(block string, tokens int) {
		cost := tokens
		if len(cur) > 0 {
			// Charge the joining blank line against the budget.
			cost += 2
		}
		if curTokens+cost > c.maxTokens {
			var carry string
			var carryTokens int
			if n := len(cur); n > 0 && headingOnly(cur[n-1]) {
				carry = cur[n-1]
				carryTokens = EstimateTokens(carry)
				cur = cur[:n-1]
			}
			flush()
			cost = tokens
			if carry != "" {
				cur = append(cur, carry)
				curTokens = carryTokens
				cost = tokens + 2
				if curTokens+cost > c.maxTokens {
					flush()
					cost = tokens
				}
			}
		}
		cur = append(cur, block)
		curTokens += cost
	}
	for _, block := range splitBlocks(text) {
		tokens := EstimateTokens(block)
		if tokens > c.maxTokens {
			for _, piece := range c.splitOversized(block) {
				push(piece, EstimateTokens(piece))
			}
			continue
		}
		push(block, tokens)
	}
	flush()
	return chunks
}

// splitOversized breaks a block that alone exceeds the budget, first at
// sentence boundaries, then word by word for a single runaway sentence.
func (c *Chunker) splitOversized(block string) []string {
	var (
		pieces []string
		cur    []string
		tokens int
	)
	flush := func() {
		if len(cur) == 0 {
			return
		}
		pieces = append(pieces, strings.Join(cur, " "))
		cur, tokens = nil, 0
	}
	for _, sentence := range splitSentences(block) {
		st := EstimateTokens(sentence)
		if st > c.maxTokens {
			flush()
			pieces = append(pieces, c.splitWords(sentence)...)
			continue
		}
		cost := st
		if len(cur) > 0 {
			cost++
		}
		if tokens+cost > c.maxTokens {
			flush()
			cost = st
		}
		cur = append(cur, sentence)
		tokens += cost
	}
	flush()
	return pieces
}

// splitWords is the last resort for a sentence over the budget. A single
// token run larger than the whole budget is emitted as-is; there is nothing
// below word level to cut at.
func (c *Chunker) splitWords(s string) []string {
	var (
		out    []string
		cur    []string
		tokens int
	)
	for _, w := range strings.Fields(s) {
		wt := EstimateTokens(w)
		cost := wt
		if len(cur) > 0 {
			cost++
		}
		if tokens+cost > c.maxTokens && len(cur) > 0 {
			out = append(out, strings.Join(cur, " "))
			cur, tokens = nil, 0
			cost = wt
		}
		cur = append(cur, w)
		tokens += cost
	}
	if len(cur) > 0 {
		out = append(out, strings.Join(cur, " "))
	}
	return out
}

// splitBlocks cuts text into paragraphs at blank lines. A markdown heading
// starts a new block even without a preceding blank line so sections stay
// separable.
func splitBlocks(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var (
		blocks []string
		cur    []string
	)
	flush := func() {
		if len(cur) == 0 {
			return
		}
		blocks = append(blocks, strings.Join(cur, "\n"))
		cur = nil
	}
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			flush()
			continue
		}
		if isHeadingLine(trimmed) {
			flush()
		}
		cur = append(cur, strings.TrimRight(line, " \t"))
	}
	flush()
	return blocks
}

// splitSentences cuts at terminal punctuation followed by whitespace and at
// newlines. Good enough for chunk sizing; no abbreviation handling.
func splitSentences(s string) []string {
	var out []string
	start := 0
	emit := func(end int) {
		if piece := strings.TrimSpace(s[start:end]); piece != "" {
			out = append(out, piece)
		}
		start = end
	}
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\n':
			emit(i + 1)
		case '.', '!', '?':
			if i+1 == len(s) || s[i+1] == ' ' || s[i+1] == '\t' || s[i+1] == '\n' {
				emit(i + 1)
			}
		}
	}
	emit(len(s))
	return out
}

func isHeadingLine(line string) bool {
	if !strings.HasPrefix(line, "#") {
		return false
	}
	rest := strings.TrimLeft(line, "#")
	return rest == "" || strings.HasPrefix(rest, " ")
}

// headingOnly reports whether block is a bare heading with no body.
func headingOnly(block string) bool {
	return !strings.Contains(block, "\n") && isHeadingLine(strings.TrimSpace(block))
}
