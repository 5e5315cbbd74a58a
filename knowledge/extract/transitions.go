package extract

import (
	"regexp"
	"sort"
	"strings"

	"goa.design/pilot/knowledge"
)

const (
	// DefaultReliability seeds extracted transitions until execution
	// samples refine the estimate.
	DefaultReliability = 0.95

	// screenMatchThreshold is the similarity a prose screen name needs
	// to resolve onto an extracted screen.
	screenMatchThreshold = 0.8

	transitionFromToConfidence    = 0.8
	transitionTriggerConfidence   = 0.7
	transitionConditionConfidence = 0.6
)

// Three phrase families produce transitions. The first names both
// endpoints; the other two name only the target and take the source
// from the narrative context, which follows "on the <name> page"
// phrases and the target of each extracted transition.
var (
	fromToRE = regexp.MustCompile(`(?i)\bfrom\s+the\s+(?P<from>[\w-]{1,24}(?:\s+[\w-]{1,24}){0,2}?)\s+(?:page|screen|view|tab)\b[^.!?]{0,60}?\b(?:go(?:es)?|navigates?|switch(?:es)?|moves?|returns?|proceeds?)\s+(?:back\s+)?to\s+(?:the\s+)?(?P<to>[\w-]{1,24}(?:\s+[\w-]{1,24}){0,2}?)(?:\s+(?:page|screen|view|tab))?\s*(?:[.,!?;]|$)`)

	triggerRE = regexp.MustCompile(`(?i)\bclick(?:ing)?\s+(?:on\s+)?(?:the\s+)?(?P<trigger>[\w-]{1,24}(?:\s+[\w-]{1,24}){0,2}?)\s+(?P<noun>button|link|icon|tab|menu)\s+(?:takes|brings|sends|leads|redirects)\s+(?:you|the\s+user)\s+(?:back\s+)?to\s+(?:the\s+)?(?P<to>[\w-]{1,24}(?:\s+[\w-]{1,24}){0,2}?)(?:\s+(?:page|screen|view|tab))?\s*(?:[.,!?;]|$)`)

	conditionRE = regexp.MustCompile(`(?i)\b(?:after|when|once)\s+(?P<cond>[^,.!?]{3,80}?),\s*(?:you\s+(?:are|will\s+be)\s+|the\s+user\s+is\s+)?(?:taken|redirected|brought|returned|sent)\s+(?:back\s+)?to\s+(?:the\s+)?(?P<to>[\w-]{1,24}(?:\s+[\w-]{1,24}){0,2}?)(?:\s+(?:page|screen|view|tab))?\s*(?:[.,!?;]|$)`)

	contextRE = regexp.MustCompile(`(?i)\bon\s+the\s+(?P<name>[\w-]{1,24}(?:\s+[\w-]{1,24}){0,2}?)\s+(?:page|screen|view|tab)\b`)

	bulletRE = regexp.MustCompile(`^\s*[-*]\s+(.+)$`)
)

// Transitions extracts navigation edges from prose. Both endpoints must
// resolve onto already extracted screens or the edge is dropped, as are
// self transitions. Trigger phrases resolve onto the given actions when
// one matches closely enough.
func Transitions(chunks []*knowledge.ContentChunk, screens []*knowledge.Screen, actions []*knowledge.Action) []*knowledge.Transition {
	scr := indexScreens(screens)
	act := indexActions(actions)
	byID := make(map[string]*knowledge.Transition)
	var out []*knowledge.Transition
	for _, c := range chunks {
		for _, tr := range chunkTransitions(c, scr, act) {
			if prev, ok := byID[tr.TransitionID]; ok {
				mergeTransition(prev, tr)
				continue
			}
			byID[tr.TransitionID] = tr
			out = append(out, tr)
		}
	}
	return out
}

func chunkTransitions(c *knowledge.ContentChunk, scr *screenIndex, act *actionIndex) []*knowledge.Transition {
	var (
		out     []*knowledge.Transition
		context *knowledge.Screen
	)
	if s, ok := scr.resolve(chunkScreenHint(c)); ok {
		context = s
	}
	sents := sentences(c.Text)
	for i, sent := range sents {
		if bulletRE.MatchString(sent) {
			continue
		}
		if m := contextRE.FindStringSubmatch(sent); m != nil {
			if s, ok := scr.resolve(m[1]); ok {
				context = s
			}
		}
		tr, target := sentenceTransition(sent, context, scr, act, c)
		if target != nil {
			context = target
		}
		if tr == nil {
			continue
		}
		// List items directly below the phrase are its conditions.
		for j := i + 1; j < len(sents); j++ {
			m := bulletRE.FindStringSubmatch(sents[j])
			if m == nil {
				break
			}
			tr.Conditions = appendUniqueFold(tr.Conditions, trimPunct(m[1]))
		}
		out = append(out, tr)
	}
	return out
}

// sentenceTransition matches one sentence against the three families.
// It returns the extracted transition, if any, and the screen the
// narrative lands on so the caller can advance its context.
func sentenceTransition(sent string, context *knowledge.Screen, scr *screenIndex, act *actionIndex, c *knowledge.ContentChunk) (*knowledge.Transition, *knowledge.Screen) {
	if m := namedGroups(fromToRE, sent); m != nil {
		to, ok := scr.resolve(m["to"])
		if !ok {
			return nil, nil
		}
		from, ok := scr.resolve(m["from"])
		if !ok || from.ScreenID == to.ScreenID {
			return nil, to
		}
		return newTransition(from, to, "", nil, transitionFromToConfidence, "from-to phrase", c), to
	}
	if m := namedGroups(triggerRE, sent); m != nil {
		to, ok := scr.resolve(m["to"])
		if !ok {
			return nil, nil
		}
		if context == nil || context.ScreenID == to.ScreenID {
			return nil, to
		}
		trigger := act.resolve("click " + m["trigger"] + " " + m["noun"])
		return newTransition(context, to, trigger, nil, transitionTriggerConfidence, "trigger phrase", c), to
	}
	if m := namedGroups(conditionRE, sent); m != nil {
		to, ok := scr.resolve(m["to"])
		if !ok {
			return nil, nil
		}
		if context == nil || context.ScreenID == to.ScreenID {
			return nil, to
		}
		var conds []string
		if cond := trimPunct(m["cond"]); cond != "" {
			conds = []string{cond}
		}
		return newTransition(context, to, "", conds, transitionConditionConfidence, "condition phrase", c), to
	}
	return nil, nil
}

func newTransition(from, to *knowledge.Screen, triggerID string, conds []string, confidence float64, analysis string, c *knowledge.ContentChunk) *knowledge.Transition {
	now := nowMS()
	return &knowledge.Transition{
		KnowledgeID:     c.KnowledgeID,
		TransitionID:    "transition-" + transitionSlug(from) + "-to-" + transitionSlug(to),
		FromScreenID:    from.ScreenID,
		ToScreenID:      to.ScreenID,
		TriggerActionID: triggerID,
		Conditions:      conds,
		Reliability:     DefaultReliability,
		Provenance:      provenance(c.Source, confidence, analysis, []string{c.ChunkID}),
		CreatedAtMS:     now,
		UpdatedAtMS:     now,
	}
}

func transitionSlug(s *knowledge.Screen) string {
	if rest := strings.TrimPrefix(s.ScreenID, "screen-"); rest != "" && rest != s.ScreenID {
		return rest
	}
	return slug(s.Name)
}

func mergeTransition(dst, src *knowledge.Transition) {
	for _, cond := range src.Conditions {
		dst.Conditions = appendUniqueFold(dst.Conditions, cond)
	}
	if dst.TriggerActionID == "" {
		dst.TriggerActionID = src.TriggerActionID
	}
	if src.Provenance.ExtractionConfidence > dst.Provenance.ExtractionConfidence {
		dst.Provenance.ExtractionConfidence = src.Provenance.ExtractionConfidence
		dst.Provenance.CaptureAnalysis = src.Provenance.CaptureAnalysis
	}
	dst.Provenance.ChunkIDs = dedupeFold(append(dst.Provenance.ChunkIDs, src.Provenance.ChunkIDs...))
	if src.UpdatedAtMS > dst.UpdatedAtMS {
		dst.UpdatedAtMS = src.UpdatedAtMS
	}
}

// chunkScreenHint names the screen a chunk starts on, when its metadata
// says so.
func chunkScreenHint(c *knowledge.ContentChunk) string {
	if s := c.Metadata["section"]; s != "" {
		return s
	}
	if t := c.Metadata["title"]; t != "" {
		return trimTitleSuffix(t)
	}
	return ""
}

type screenIndex struct {
	names  []string
	byName map[string]*knowledge.Screen
}

func indexScreens(screens []*knowledge.Screen) *screenIndex {
	idx := &screenIndex{byName: make(map[string]*knowledge.Screen, len(screens))}
	for _, s := range screens {
		key := strings.ToLower(s.Name)
		if _, ok := idx.byName[key]; ok {
			continue
		}
		idx.byName[key] = s
		idx.names = append(idx.names, s.Name)
	}
	sort.Strings(idx.names)
	return idx
}

func (idx *screenIndex) resolve(name string) (*knowledge.Screen, bool) {
	name = trimPunct(trimArticles(name))
	if name == "" {
		return nil, false
	}
	match, _, ok := knowledge.BestMatch(name, idx.names, screenMatchThreshold)
	if !ok {
		return nil, false
	}
	s, ok := idx.byName[strings.ToLower(match)]
	return s, ok
}

type actionIndex struct {
	names  []string
	byName map[string]*knowledge.Action
}

func indexActions(actions []*knowledge.Action) *actionIndex {
	idx := &actionIndex{byName: make(map[string]*knowledge.Action, len(actions))}
	for _, a := range actions {
		key := strings.ToLower(a.Name)
		if _, ok := idx.byName[key]; ok {
			continue
		}
		idx.byName[key] = a
		idx.names = append(idx.names, a.Name)
	}
	sort.Strings(idx.names)
	return idx
}

// resolve returns the id of the action whose name best matches the
// probe, or "" when none is close enough.
func (idx *actionIndex) resolve(probe string) string {
	if len(idx.names) == 0 {
		return ""
	}
	match, _, ok := knowledge.BestMatch(probe, idx.names, screenMatchThreshold)
	if !ok {
		return ""
	}
	return idx.byName[strings.ToLower(match)].ActionID
}

func namedGroups(re *regexp.Regexp, s string) map[string]string {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for i, name := range re.SubexpNames() {
		if i > 0 && name != "" && m[i] != "" {
			out[name] = m[i]
		}
	}
	return out
}

func appendUniqueFold(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, have := range list {
		if strings.EqualFold(have, v) {
			return list
		}
	}
	return append(list, v)
}
