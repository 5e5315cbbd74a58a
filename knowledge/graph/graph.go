// Package graph maintains the in-memory navigation view of a knowledge
// scope: screen adjacency, group recovery lists and shortest paths. The
// index is a cache built from the store on demand and rebuilt after
// re-extraction; it is never persisted.
package graph

import (
	"sort"
	"strings"

	"goa.design/pilot/knowledge"
)

// Edge is one outbound or inbound navigation edge.
type Edge struct {
	Transition *knowledge.Transition
	TargetID   string
}

// Match is a screen identification result.
type Match struct {
	Screen *knowledge.Screen
	Score  float64
}

// Observation is what a live session saw on the page, used to identify the
// screen it is on.
type Observation struct {
	URL string
	// Text is the visible page text plus element names, matched
	// case-insensitively against signature indicators.
	Text string
}

// Index is the materialized graph of one knowledge scope. Immutable after
// Build; safe for concurrent readers.
type Index struct {
	knowledgeID string
	screens     map[string]*knowledge.Screen
	transitions map[string]*knowledge.Transition
	out         map[string][]Edge
	in          map[string][]Edge
	groups      map[string]*knowledge.ScreenGroup
	byScreen    map[string][]*knowledge.ScreenGroup
}

// Build materializes the index for a set. Transitions with endpoints
// missing from the set are skipped; adjacency lists are sorted by
// transition ID so traversal order is stable.
func Build(set *knowledge.Set) *Index {
	x := &Index{
		knowledgeID: set.KnowledgeID,
		screens:     make(map[string]*knowledge.Screen, len(set.Screens)),
		transitions: make(map[string]*knowledge.Transition, len(set.Transitions)),
		out:         make(map[string][]Edge),
		in:          make(map[string][]Edge),
		groups:      make(map[string]*knowledge.ScreenGroup, len(set.Groups)),
		byScreen:    make(map[string][]*knowledge.ScreenGroup),
	}
	for _, s := range set.Screens {
		x.screens[s.ScreenID] = s
	}
	for _, tr := range set.Transitions {
		if x.screens[tr.FromScreenID] == nil || x.screens[tr.ToScreenID] == nil {
			continue
		}
		x.transitions[tr.TransitionID] = tr
		x.out[tr.FromScreenID] = append(x.out[tr.FromScreenID], Edge{Transition: tr, TargetID: tr.ToScreenID})
		x.in[tr.ToScreenID] = append(x.in[tr.ToScreenID], Edge{Transition: tr, TargetID: tr.FromScreenID})
	}
	for _, edges := range x.out {
		sortEdges(edges)
	}
	for _, edges := range x.in {
		sortEdges(edges)
	}
	for _, g := range set.Groups {
		cp := *g
		cp.RecoveryEdges = append([]knowledge.RecoveryEdge(nil), g.RecoveryEdges...)
		sort.SliceStable(cp.RecoveryEdges, func(i, j int) bool {
			return cp.RecoveryEdges[i].Priority < cp.RecoveryEdges[j].Priority
		})
		x.groups[cp.GroupID] = &cp
		for _, id := range cp.ScreenIDs {
			x.byScreen[id] = append(x.byScreen[id], x.groups[cp.GroupID])
		}
	}
	return x
}

func sortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		return edges[i].Transition.TransitionID < edges[j].Transition.TransitionID
	})
}

// KnowledgeID returns the scope the index was built from.
func (x *Index) KnowledgeID() string { return x.knowledgeID }

// Screen returns a screen by ID, or nil.
func (x *Index) Screen(id string) *knowledge.Screen { return x.screens[id] }

// Screens returns every screen, sorted by ID.
func (x *Index) Screens() []*knowledge.Screen {
	out := make([]*knowledge.Screen, 0, len(x.screens))
	for _, s := range x.screens {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScreenID < out[j].ScreenID })
	return out
}

// Out returns the outbound edges of a screen.
func (x *Index) Out(screenID string) []Edge { return x.out[screenID] }

// In returns the inbound edges of a screen.
func (x *Index) In(screenID string) []Edge { return x.in[screenID] }

// Transitions returns the outbound transitions of a screen.
func (x *Index) Transitions(screenID string) []*knowledge.Transition {
	edges := x.out[screenID]
	out := make([]*knowledge.Transition, len(edges))
	for i, e := range edges {
		out[i] = e.Transition
	}
	return out
}

// Groups returns the groups a screen belongs to.
func (x *Index) Groups(screenID string) []*knowledge.ScreenGroup { return x.byScreen[screenID] }

// RecoveryTargets returns the recovery edges available from a screen,
// collected across its groups and sorted by priority. Lower priority is
// tried first.
func (x *Index) RecoveryTargets(screenID string) []knowledge.RecoveryEdge {
	var out []knowledge.RecoveryEdge
	for _, g := range x.byScreen[screenID] {
		out = append(out, g.RecoveryEdges...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// FindPath returns the shortest transition sequence from one screen to
// another by hop count, or false when no path exists. A path from a screen
// to itself is empty and found.
func (x *Index) FindPath(fromID, toID string) ([]*knowledge.Transition, bool) {
	if x.screens[fromID] == nil || x.screens[toID] == nil {
		return nil, false
	}
	return bfs(fromID, toID, func(id string) []Edge { return x.out[id] })
}

func bfs(fromID, toID string, edges func(string) []Edge) ([]*knowledge.Transition, bool) {
	if fromID == toID {
		return nil, true
	}
	type arrival struct {
		prev string
		via  *knowledge.Transition
	}
	seen := map[string]arrival{fromID: {}}
	queue := []string{fromID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range edges(cur) {
			if _, ok := seen[e.TargetID]; ok {
				continue
			}
			seen[e.TargetID] = arrival{prev: cur, via: e.Transition}
			if e.TargetID == toID {
				var path []*knowledge.Transition
				for at := toID; at != fromID; {
					a := seen[at]
					path = append(path, a.via)
					at = a.prev
				}
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return path, true
			}
			queue = append(queue, e.TargetID)
		}
	}
	return nil, false
}

// SearchScreens ranks screens against a free-text query by name and
// signature tokens. Results are sorted by score descending, ties broken by
// screen ID for determinism.
func (x *Index) SearchScreens(query string, limit int) []Match {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	var out []Match
	for _, s := range x.screens {
		score := screenScore(s, q)
		if score > 0 {
			out = append(out, Match{Screen: s, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Screen.ScreenID < out[j].Screen.ScreenID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func screenScore(s *knowledge.Screen, q string) float64 {
	name := strings.ToLower(s.Name)
	switch {
	case name == q:
		return 1.0
	case strings.HasPrefix(name, q):
		return 0.8
	case strings.Contains(name, q):
		return 0.6
	}
	for _, group := range [][]string{s.StateSignature.Required, s.StateSignature.Optional} {
		for _, tok := range group {
			if strings.Contains(strings.ToLower(tok), q) {
				return 0.4
			}
		}
	}
	return 0
}

// MatchThreshold is the minimum score for a screen identification to be
// reported.
const MatchThreshold = 0.5

// MatchScreen identifies the screen an observation was taken on. A
// candidate is rejected outright when any of its negative or exclusion
// indicators appears in the observation; among survivors the score
// combines URL pattern match, required indicators and optional indicator
// coverage. Candidates are ranked score descending with screen-ID
// tie-break.
func (x *Index) MatchScreen(obs Observation) (Match, bool) {
	text := strings.ToLower(obs.Text)
	var best Match
	var found bool

	ids := make([]string, 0, len(x.screens))
	for id := range x.screens {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		s := x.screens[id]
		if indicatorPresent(text, s.StateSignature.Negative) || indicatorPresent(text, s.StateSignature.Exclusion) {
			continue
		}
		score := matchScore(s, obs.URL, text)
		if score < MatchThreshold {
			continue
		}
		if !found || score > best.Score {
			best = Match{Screen: s, Score: score}
			found = true
		}
	}
	return best, found
}

func matchScore(s *knowledge.Screen, url, text string) float64 {
	var score float64
	if url != "" && knowledge.MatchURLPatterns(url, s.URLPatterns) {
		score += 0.3
	}
	// Required indicators are all-or-nothing and clear the match threshold
	// on their own.
	req := s.StateSignature.Required
	if len(req) > 0 {
		for _, tok := range req {
			if !strings.Contains(text, strings.ToLower(tok)) {
				return 0
			}
		}
		score += 0.5
	}
	if opt := s.StateSignature.Optional; len(opt) > 0 {
		var hits int
		for _, tok := range opt {
			if strings.Contains(text, strings.ToLower(tok)) {
				hits++
			}
		}
		score += 0.2 * float64(hits) / float64(len(opt))
	}
	// A documentation screen with an empty signature is identified by name
	// mention alone.
	if len(req) == 0 && s.Name != "" && strings.Contains(text, strings.ToLower(s.Name)) {
		score += 0.5
	}
	return score
}

func indicatorPresent(text string, indicators []string) bool {
	for _, tok := range indicators {
		if tok == "" {
			continue
		}
		if strings.Contains(text, strings.ToLower(tok)) {
			return true
		}
	}
	return false
}
