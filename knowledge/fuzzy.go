package knowledge

import "strings"

// Similarity scores how alike two names are, in [0,1]. Case and
// surrounding whitespace are ignored; the score is one minus the
// normalized edit distance, so 1 means equal and 0 means nothing shared.
func Similarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == b {
		if a == "" {
			return 0
		}
		return 1
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 0
	}
	return 1 - float64(editDistance(a, b))/float64(longest)
}

// BestMatch returns the candidate most similar to name at or above the
// threshold. Ties keep the earliest candidate so callers get deterministic
// results from sorted input.
func BestMatch(name string, candidates []string, threshold float64) (string, float64, bool) {
	var (
		best      string
		bestScore float64
		found     bool
	)
	for _, c := range candidates {
		s := Similarity(name, c)
		if s < threshold {
			continue
		}
		if !found || s > bestScore {
			best, bestScore, found = c, s, true
		}
	}
	return best, bestScore, found
}

func editDistance(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min3(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
