package extract

import (
	"regexp"
	"strconv"
	"strings"

	"goa.design/pilot/knowledge"
)

// Confidence per procedural evidence class.
const (
	taskListConfidence     = 0.9
	taskSequenceConfidence = 0.6
	taskLoopConfidence     = 0.6
)

var (
	// numberedStepRE matches "1. ...", "2) ..." and "Step 3: ..." lines.
	numberedStepRE = regexp.MustCompile(`(?i)^\s*(?:step\s+)?(\d{1,2})\s*[.):]\s+(.+)$`)
	// sequenceStartRE marks sentences that order an imperative sequence.
	sequenceStartRE = regexp.MustCompile(`(?i)^(?:first|then|next|after\s+that|finally|lastly)\b[,:]?\s*`)
	// stepRefRE finds references to a numbered step inside loop text.
	stepRefRE = regexp.MustCompile(`(?i)\bsteps?\s+(\d{1,2})\b`)

	enterValueRE = regexp.MustCompile(`(?i)\b(?:enter|type|provide|fill\s+in)\s+(?:your\s+|the\s+|an?\s+)?(?P<name>[\w-]{1,24}(?:\s+[\w-]{1,24}){0,2}?)(?:\s+(?:in|into|on|and|at|for)\b|[.,;:!?]|$)`)
	fieldNameRE  = regexp.MustCompile(`(?i)\b(?:the\s+|your\s+)?(?P<name>[\w-]{1,24}(?:\s+[\w-]{1,24}){0,2}?)\s+field\b`)
	outputRE     = regexp.MustCompile(`(?i)\b(?:you\s+(?:will\s+)?(?:see|receive|get)|displays?|returns?)\s+(?:the\s+|an?\s+|your\s+)?(?P<name>[\w-]{1,24}(?:\s+[\w-]{1,24}){0,3}?)(?:[.,;:!?]|$)`)
)

// Tasks extracts procedural tasks from content chunks. Numbered lists
// are the strongest evidence, then marked imperative sequences, then
// standalone loop sentences. Loop constructs become the task's iterator
// spec and never appear in the step list; a task whose prose jumps back
// to an earlier step cannot be expressed linearly and is dropped.
func Tasks(chunks []*knowledge.ContentChunk) []*knowledge.Task {
	var out []*knowledge.Task
	ids := make(map[string]int)

	add := func(t *knowledge.Task) {
		if t == nil {
			return
		}
		if n := ids[t.TaskID]; n > 0 {
			ids[t.TaskID] = n + 1
			t.TaskID = t.TaskID + "-" + strconv.Itoa(n+1)
		} else {
			ids[t.TaskID] = 1
		}
		out = append(out, t)
	}

	for _, c := range chunks {
		listTasks := 0
		for _, list := range numberedLists(c.Text) {
			add(buildTask(list.items, list.heading, c, taskListConfidence, "numbered list"))
			listTasks++
		}
		if listTasks > 0 {
			continue
		}

		sents := sentences(c.Text)
		consumed := make([]bool, len(sents))

		// Marked imperative sequences: two or more consecutive
		// sentences opening with first/then/next/finally.
		for i := 0; i < len(sents); {
			j := i
			for j < len(sents) && sequenceStartRE.MatchString(sents[j]) {
				j++
			}
			if j-i >= 2 {
				items := make([]string, 0, j-i)
				for k := i; k < j; k++ {
					consumed[k] = true
					items = append(items, sequenceStartRE.ReplaceAllString(sents[k], ""))
				}
				add(buildTask(items, "", c, taskSequenceConfidence, "imperative sequence"))
			}
			if j == i {
				j++
			}
			i = j
		}

		// Standalone loop sentences become single-iterator tasks.
		for i, s := range sents {
			if consumed[i] {
				continue
			}
			if _, ok := knowledge.LoopPhrase(s); ok {
				add(buildTask([]string{s}, "", c, taskLoopConfidence, "loop sentence"))
			}
		}
	}
	return out
}

type numberedList struct {
	heading string
	items   []string
}

// numberedLists finds runs of numbered lines, keeping the nearest
// preceding line as a heading hint. Indented continuation lines attach
// to the item above.
func numberedLists(text string) []numberedList {
	var lists []numberedList
	var cur *numberedList
	lastLine := ""

	flush := func() {
		if cur != nil && len(cur.items) > 0 {
			lists = append(lists, *cur)
		}
		cur = nil
	}

	for _, line := range strings.Split(text, "\n") {
		if m := numberedStepRE.FindStringSubmatch(line); m != nil {
			if cur == nil {
				cur = &numberedList{heading: lastLine}
			}
			cur.items = append(cur.items, strings.TrimSpace(m[2]))
			continue
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if cur != nil && (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) {
			cur.items[len(cur.items)-1] += " " + trimmed
			continue
		}
		flush()
		lastLine = strings.TrimRight(strings.TrimLeft(trimmed, "# "), ":")
	}
	flush()
	return lists
}

func buildTask(items []string, heading string, c *knowledge.ContentChunk, confidence float64, analysis string) *knowledge.Task {
	var steps []knowledge.TaskStep
	var iterator *knowledge.IteratorSpec

	for idx, raw := range items {
		text := strings.TrimSpace(raw)
		if text == "" {
			continue
		}
		if phrase, ok := knowledge.LoopPhrase(text); ok {
			spec, stepText := parseIterator(phrase, text, steps)
			if iterator == nil && spec != nil {
				iterator = spec
				if stepText != "" {
					steps = append(steps, knowledge.TaskStep{Order: len(steps) + 1, Description: stepText})
				}
			}
			continue
		}
		if _, ok := knowledge.BackwardRef(text, idx+1); ok {
			// A jump back without a loop phrase cannot be expressed as
			// linear steps or an iterator.
			return nil
		}
		steps = append(steps, knowledge.TaskStep{Order: len(steps) + 1, Description: trimPunct(text)})
	}
	if len(steps) == 0 && iterator == nil {
		return nil
	}

	name, ok := taskName(heading, c, steps, iterator)
	if !ok {
		return nil
	}

	now := nowMS()
	t := &knowledge.Task{
		KnowledgeID:  c.KnowledgeID,
		TaskID:       entityID("task", name),
		Name:         name,
		Steps:        steps,
		IOSpec:       extractIOSpec(items),
		IteratorSpec: iterator,
		PageURL:      c.Metadata["url"],
		Provenance:   provenance(c.Source, confidence, analysis, []string{c.ChunkID}),
		CreatedAtMS:  now,
		UpdatedAtMS:  now,
	}
	return t
}

// taskName tries the section heading, the chunk metadata, the iterator
// collection and finally the first step.
func taskName(heading string, c *knowledge.ContentChunk, steps []knowledge.TaskStep, it *knowledge.IteratorSpec) (string, bool) {
	candidates := []string{heading, c.Metadata["section"], c.Metadata["title"]}
	if it != nil && it.CollectionSelector != "" {
		candidates = append(candidates, "Process each "+it.CollectionSelector)
	}
	if len(steps) > 0 {
		candidates = append(candidates, steps[0].Description)
	}
	for _, cand := range candidates {
		if cand == "" {
			continue
		}
		if name, ok := knowledge.CleanName(cand); ok {
			return name, true
		}
	}
	return "", false
}

// parseIterator translates a detected loop sentence into an iterator
// spec. The returned step text, when non-empty, is the per-item action
// and becomes the task's step; loop sentences that reference an already
// captured step resolve onto it instead.
func parseIterator(phrase, text string, steps []knowledge.TaskStep) (*knowledge.IteratorSpec, string) {
	rule, ok := rules.iterators[phrase]
	if !ok {
		return nil, ""
	}
	spec := &knowledge.IteratorSpec{Type: rule.typ}
	var actionText string
	if m := rule.re.FindStringSubmatch(text); m != nil {
		if rule.collection >= 0 {
			spec.CollectionSelector = trimPunct(trimArticles(m[rule.collection]))
		}
		if rule.action >= 0 {
			actionText = trimPunct(m[rule.action])
		}
		if rule.termination >= 0 {
			spec.TerminationCondition = trimPunct(m[rule.termination])
		}
	}

	if m := stepRefRE.FindStringSubmatch(actionText); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n >= 1 && n <= len(steps) {
			spec.ItemAction = itemActionFrom(steps[n-1].Description)
			actionText = ""
		}
	}
	if spec.ItemAction == "" && actionText != "" {
		spec.ItemAction = itemActionFrom(actionText)
	}
	if spec.TerminationCondition == "" {
		if spec.Type == knowledge.IteratorPagination {
			spec.TerminationCondition = "no next page"
		} else {
			spec.TerminationCondition = "collection exhausted"
		}
	}
	if spec.CollectionSelector == "" && spec.ItemAction == "" {
		return nil, ""
	}

	// A bare verb is an item action, not a step of its own.
	if len(strings.Fields(actionText)) < 2 {
		actionText = ""
	}
	return spec, actionText
}

// itemActionFrom condenses a per-item action description into a short
// verb-object tag, e.g. "click the delete button" becomes
// "click-delete".
func itemActionFrom(text string) string {
	typ, _, rest, _, ok := canonicalVerb(text)
	if !ok {
		words := strings.Fields(trimPunct(text))
		if len(words) > 2 {
			words = words[:2]
		}
		return slug(strings.Join(words, " "))
	}
	for _, w := range strings.Fields(rest) {
		lw := strings.ToLower(trimPunct(w))
		if lw == "" || stopwords[lw] || isElementNoun(lw) {
			continue
		}
		return typ + "-" + slug(lw)
	}
	return typ
}

// extractIOSpec scans step texts for typed inputs and outputs. Field
// volatility comes from the keyword tables.
func extractIOSpec(items []string) knowledge.IOSpec {
	var spec knowledge.IOSpec
	seenIn := make(map[string]bool)
	seenOut := make(map[string]bool)

	addInput := func(raw string) {
		name := strings.ToLower(trimPunct(trimArticles(raw)))
		if name == "" || seenIn[name] {
			return
		}
		seenIn[name] = true
		spec.Inputs = append(spec.Inputs, knowledge.TaskInput{
			Name:       name,
			Type:       "string",
			Volatility: volatilityFor(name),
			Required:   true,
		})
		spec.ResolutionOrder = append(spec.ResolutionOrder, name)
	}

	for _, item := range items {
		for _, m := range enterValueRE.FindAllStringSubmatch(item, -1) {
			addInput(m[enterValueRE.SubexpIndex("name")])
		}
		for _, m := range fieldNameRE.FindAllStringSubmatch(item, -1) {
			addInput(m[fieldNameRE.SubexpIndex("name")])
		}
		for _, m := range outputRE.FindAllStringSubmatch(item, -1) {
			name := strings.ToLower(trimPunct(trimArticles(m[outputRE.SubexpIndex("name")])))
			if name == "" || seenOut[name] {
				continue
			}
			seenOut[name] = true
			spec.Outputs = append(spec.Outputs, knowledge.TaskOutput{Name: name, Type: "string"})
		}
	}
	return spec
}
