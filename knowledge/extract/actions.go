package extract

import (
	"regexp"
	"strings"

	"goa.design/pilot/knowledge"
)

var (
	quotedValueRE = regexp.MustCompile(`["']([^"']{1,80})["']`)
	inTargetRE    = regexp.MustCompile(`(?i)\b(?:in|into|on)\s+(?:the\s+|your\s+)?(.{2,60}?)[.,;:!?]?$`)
	fromTargetRE  = regexp.MustCompile(`(?i)\bfrom\s+(?:the\s+|your\s+)?(.{2,60}?)[.,;:!?]?$`)
	selectValueRE = regexp.MustCompile(`(?i)^(?:the\s+)?["']?([\w-]{1,24}(?:\s+[\w-]{1,24}){0,2}?)["']?\s+from\b`)
	waitValueRE   = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:seconds?|secs?|s\b)`)
	postcondRE    = regexp.MustCompile(`(?i)\s+to\s+([a-z][^.!?]{2,60})[.!?]?$`)
	precondRE     = regexp.MustCompile(`(?i)\b(?:if|once|after|when)\s+(.{3,80}?)(?:,|[.!?]|$)`)

	// clickableElems are element kinds where a navigation or selection
	// verb really means a click.
	clickableElems = map[string]bool{
		"button": true, "link": true, "tab": true, "menu": true,
		"icon": true, "checkbox": true,
	}
)

// Actions extracts canonical actions from task steps and from
// imperative sentences in the chunks. Task steps gain their ActionID in
// place so the task and the action reference each other. Duplicate
// descriptions collapse onto one action. The confidence score is the
// runtime translation confidence.
func Actions(chunks []*knowledge.ContentChunk, tasks []*knowledge.Task) []*knowledge.Action {
	byID := make(map[string]*knowledge.Action)
	var order []string

	record := func(a *knowledge.Action) *knowledge.Action {
		prev, ok := byID[a.ActionID]
		if !ok {
			byID[a.ActionID] = a
			order = append(order, a.ActionID)
			return a
		}
		if prev.Selector.CSS == "" {
			prev.Selector = a.Selector
		}
		if prev.Value == "" {
			prev.Value = a.Value
		}
		if a.ConfidenceScore > prev.ConfidenceScore {
			prev.ConfidenceScore = a.ConfidenceScore
			prev.BrowserUseAction = a.BrowserUseAction
			prev.Provenance.ExtractionConfidence = a.Provenance.ExtractionConfidence
		}
		prev.Provenance.ChunkIDs = dedupeFold(append(prev.Provenance.ChunkIDs, a.Provenance.ChunkIDs...))
		return prev
	}

	for _, t := range tasks {
		for i := range t.Steps {
			a, ok := parseAction(t.Steps[i].Description, t.KnowledgeID, t.Provenance.ExtractionSource, "task step", t.Provenance.ChunkIDs)
			if !ok {
				continue
			}
			a = record(a)
			t.Steps[i].ActionID = a.ActionID
			a.TaskIDs = addUnique(a.TaskIDs, t.TaskID)
			t.ActionIDs = addUnique(t.ActionIDs, a.ActionID)
		}
	}

	for _, c := range chunks {
		for _, s := range sentences(c.Text) {
			if !imperative(s) {
				continue
			}
			if a, ok := parseAction(s, c.KnowledgeID, c.Source, "imperative sentence", []string{c.ChunkID}); ok {
				record(a)
			}
		}
	}

	out := make([]*knowledge.Action, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

// imperative reports whether the sentence opens with an action verb,
// allowing a single leading adverb.
func imperative(sentence string) bool {
	_, _, _, start, ok := canonicalVerb(sentence)
	if !ok {
		return false
	}
	return len(strings.Fields(sentence[:start])) <= 1
}

func parseAction(text, knowledgeID, source, analysis string, chunkIDs []string) (*knowledge.Action, bool) {
	typ, alias, rest, _, ok := canonicalVerb(text)
	if !ok || rest == "" && typ != "wait" {
		return nil, false
	}

	target := rest
	var value string
	var post []string

	switch typ {
	case "type":
		if m := quotedValueRE.FindStringSubmatch(text); m != nil {
			value = m[1]
		}
		if m := inTargetRE.FindStringSubmatch(rest); m != nil {
			target = m[1]
		}
	case "navigate":
		if u := fullURLRE.FindString(text); u != "" {
			value = strings.TrimRight(u, ".,;:!?)'\"")
		} else if m := relPathRE.FindStringSubmatch(" " + text); m != nil {
			value = strings.TrimRight(m[1], ".:")
		}
	case "select_option":
		if m := selectValueRE.FindStringSubmatch(rest); m != nil {
			value = unquote(m[1])
		} else if m := quotedValueRE.FindStringSubmatch(rest); m != nil {
			value = m[1]
		}
		if m := fromTargetRE.FindStringSubmatch(rest); m != nil {
			target = m[1]
		}
	case "wait":
		if m := waitValueRE.FindStringSubmatch(text); m != nil {
			value = m[1]
		}
	case "scroll":
		if strings.Contains(alias, "down") {
			value = "down"
		} else if strings.Contains(alias, "up") {
			value = "up"
		}
	}

	if typ == "click" || typ == "type" || typ == "select_option" {
		if loc := postcondRE.FindStringSubmatchIndex(target); loc != nil {
			post = append(post, trimPunct(target[loc[2]:loc[3]]))
			target = target[:loc[0]]
		}
	}
	target = trimPunct(trimArticles(target))

	// Element evidence refines the selector and can reclassify the
	// verb: opening a menu or selecting a tab is a click.
	verbWord := strings.Fields(alias)[0]
	var selector, name string
	if elemName, rule, found := elementIn(target); found {
		selector = cssSelector(rule, elemName)
		if clickableElems[rule.typ] && (typ == "navigate" || typ == "select_option") {
			typ = "click"
			verbWord = "click"
		}
		name = verbWord + " " + strings.ToLower(elemName) + " " + rule.typ
	} else {
		if needle := significantWord(target); needle != "" && typ == "click" {
			selector = "[aria-label*='" + needle + "' i], [title*='" + needle + "' i]"
		}
		name = verbWord
		if short := shortPhrase(target, 4); short != "" {
			name += " " + short
		}
	}

	cleaned, ok := knowledge.CleanName(name)
	if !ok {
		return nil, false
	}

	var pre []string
	if m := precondRE.FindStringSubmatch(text); m != nil {
		pre = append(pre, trimPunct(m[1]))
	}

	now := nowMS()
	a := &knowledge.Action{
		KnowledgeID:       knowledgeID,
		ActionID:          entityID("action", cleaned),
		Name:              cleaned,
		Type:              typ,
		TargetDescription: target,
		Selector:          knowledge.Selectors{CSS: selector},
		Value:             value,
		Preconditions:     pre,
		Postconditions:    post,
		Idempotent:        knowledge.IdempotentAction(typ, text),
		Provenance:        provenance(source, 0, analysis, chunkIDs),
		CreatedAtMS:       now,
		UpdatedAtMS:       now,
	}
	bua, conf, err := knowledge.TranslateAction(a)
	if err != nil || conf < ConfidenceThreshold {
		return nil, false
	}
	a.BrowserUseAction = bua
	a.ConfidenceScore = conf
	a.Provenance.ExtractionConfidence = conf
	return a, true
}

// elementIn matches an element mention in a target phrase. The phrase
// is re-articled so mentions stripped of their determiner still match.
func elementIn(target string) (string, elementRule, bool) {
	if target == "" {
		return "", elementRule{}, false
	}
	probe := "the " + target
	for _, re := range []*regexp.Regexp{rules.elementMention, rules.elementLabeled} {
		m := re.FindStringSubmatch(probe)
		if m == nil {
			continue
		}
		name := unquote(m[re.SubexpIndex("name")])
		rule, ok := elementTypeForNoun(m[re.SubexpIndex("noun")])
		if !ok || len(name) < 2 {
			continue
		}
		return name, rule, true
	}
	return "", elementRule{}, false
}

// significantWord picks the first non-filler word of a phrase,
// lowercased for selector needles.
func significantWord(phrase string) string {
	for _, w := range strings.Fields(phrase) {
		lw := strings.ToLower(trimPunct(w))
		if lw == "" || stopwords[lw] || isElementNoun(lw) {
			continue
		}
		return strings.ReplaceAll(lw, "'", "")
	}
	return ""
}

func shortPhrase(s string, maxWords int) string {
	words := strings.Fields(s)
	if len(words) > maxWords {
		words = words[:maxWords]
	}
	return strings.Join(words, " ")
}

func addUnique(ids []string, id string) []string {
	for _, have := range ids {
		if have == id {
			return ids
		}
	}
	return append(ids, id)
}
