package knowledge

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// MaxIndicatorLen caps state signature tokens.
const MaxIndicatorLen = 50

// MaxNameLen caps cleaned entity names.
const MaxNameLen = 80

// MaxReportedCycles bounds how many step cycles a validation reports per
// task.
const MaxReportedCycles = 5

// Violation is one failed invariant, attributed to the entity that broke
// it.
type Violation struct {
	Rule       string `json:"rule"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	Message    string `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s %s: %s (%s)", v.EntityKind, v.EntityID, v.Message, v.Rule)
}

var (
	htmlTagRE    = regexp.MustCompile(`<[^>]*>`)
	whitespaceRE = regexp.MustCompile(`\s+`)

	// Documentation boilerplate that is never an entity name.
	docTextRE = regexp.MustCompile(`(?i)^(note|tip|warning|caution|for example|e\.g\.|i\.e\.|see also|click here|refer to|as shown)\b`)

	// Backward step references. The captured group is the referenced step
	// number.
	backRefREs = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bgo\s+back\s+to\s+step\s+(\d+)`),
		regexp.MustCompile(`(?i)\breturn\s+to\s+step\s+(\d+)`),
		regexp.MustCompile(`(?i)\brepeat\s+(?:from\s+)?steps?\s+(\d+)`),
	}

	// loopPhrases detect loop constructs in prose, checked in order. Tasks
	// express loops through their iterator spec, never through steps, so
	// any of these in a step description is a violation. Extractors use
	// the same patterns to build iterator specs.
	loopPhrases = []struct {
		name string
		re   *regexp.Regexp
	}{
		{"for_each", regexp.MustCompile(`(?i)\bfor\s+(?:each|every)\b`)},
		{"repeat_until", regexp.MustCompile(`(?i)\brepeat\b.{0,60}\buntil\b`)},
		{"delete_all", regexp.MustCompile(`(?i)\b(?:delete|remove|clear)\s+all\b`)},
		{"iterate_over", regexp.MustCompile(`(?i)\biterate\s+(?:over|through)\b`)},
		{"while_condition", regexp.MustCompile(`(?i)\bwhile\s+(?:there\s+(?:are|is)|the|any)\b`)},
		{"until_exhausted", regexp.MustCompile(`(?i)\buntil\s+(?:no\s+more|none|the\s+list\s+is\s+empty|empty)\b`)},
		{"next_page", regexp.MustCompile(`(?i)\b(?:next\s+page|each\s+page|page\s+by\s+page)\b`)},
		{"one_by_one", regexp.MustCompile(`(?i)\bone\s+(?:by\s+one|at\s+a\s+time|after\s+(?:the\s+)?(?:an)?other)\b`)},
	}
)

// CleanName normalizes a raw extracted name: HTML stripped, whitespace
// collapsed, truncated to MaxNameLen at a word boundary. The second result
// is false when the text cannot be an entity name at all.
func CleanName(raw string) (string, bool) {
	s := htmlTagRE.ReplaceAllString(raw, " ")
	s = whitespaceRE.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	if docTextRE.MatchString(s) {
		return "", false
	}
	// Multi-sentence text is documentation prose, not a name.
	if strings.Count(s, ".") >= 2 && len(strings.Fields(s)) >= 10 {
		return "", false
	}
	if len(s) > MaxNameLen {
		cut := s[:MaxNameLen]
		if i := strings.LastIndexByte(cut, ' '); i > MaxNameLen/2 {
			cut = cut[:i]
		}
		s = strings.TrimRight(cut, " ,;:-")
	}
	return s, true
}

// CapIndicator enforces the signature token length cap.
func CapIndicator(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= MaxIndicatorLen {
		return s
	}
	return strings.TrimSpace(s[:MaxIndicatorLen])
}

// TooGeneric reports whether a URL pattern would match essentially
// anything. A pattern with no literal characters outside regex syntax
// carries no information.
func TooGeneric(pattern string) bool {
	trimmed := strings.TrimPrefix(pattern, "^")
	trimmed = strings.TrimSuffix(trimmed, "$")
	if trimmed == "" {
		return true
	}
	for _, r := range trimmed {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return false
		}
	}
	return true
}

// ValidURLPattern reports whether the pattern compiles and is specific
// enough to keep.
func ValidURLPattern(pattern string) bool {
	if TooGeneric(pattern) {
		return false
	}
	_, err := compilePattern(pattern)
	return err == nil
}

var patternCache sync.Map // pattern string -> *regexp.Regexp

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if re, ok := patternCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	patternCache.Store(pattern, re)
	return re, nil
}

// MatchURLPatterns reports whether the URL matches any of the patterns.
// Patterns that fail to compile are skipped.
func MatchURLPatterns(url string, patterns []string) bool {
	for _, p := range patterns {
		re, err := compilePattern(p)
		if err != nil {
			continue
		}
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

// LoopPhrase reports the first loop construct found in the text, if any.
func LoopPhrase(text string) (string, bool) {
	for _, p := range loopPhrases {
		if p.re.MatchString(text) {
			return p.name, true
		}
	}
	return "", false
}

// BackwardRef reports a reference to an earlier step in the text. current
// is the order of the step being scanned; only references to strictly
// earlier steps count.
func BackwardRef(text string, current int) (int, bool) {
	for _, re := range backRefREs {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if n < current {
			return n, true
		}
	}
	return 0, false
}

// StepCycle is one cycle among a task's steps found by the step-graph
// validation. Start is the step order the cycle was entered at and Path
// lists the step orders along it, ending back at Start.
type StepCycle struct {
	Start int   `json:"start"`
	Path  []int `json:"path"`
}

// DetectStepCycles builds the task's step graph (sequential edges plus any
// textual references to other steps) and reports cycles found by DFS, up
// to max. Straight-line tasks report none; backward references create the
// cycles this catches.
func DetectStepCycles(t *Task, max int) []StepCycle {
	if max <= 0 {
		max = MaxReportedCycles
	}
	orders := make([]int, 0, len(t.Steps))
	exists := make(map[int]bool, len(t.Steps))
	for _, s := range t.Steps {
		orders = append(orders, s.Order)
		exists[s.Order] = true
	}

	edges := make(map[int][]int, len(t.Steps))
	for i, s := range t.Steps {
		if i+1 < len(t.Steps) {
			edges[s.Order] = append(edges[s.Order], t.Steps[i+1].Order)
		}
		for _, re := range backRefREs {
			for _, m := range re.FindAllStringSubmatch(s.Description, -1) {
				if n, err := strconv.Atoi(m[1]); err == nil && exists[n] {
					edges[s.Order] = append(edges[s.Order], n)
				}
			}
		}
	}

	var cycles []StepCycle
	state := make(map[int]int, len(t.Steps)) // 0 unvisited, 1 on stack, 2 done
	var stack []int

	var dfs func(node int)
	dfs = func(node int) {
		if len(cycles) >= max {
			return
		}
		state[node] = 1
		stack = append(stack, node)
		for _, next := range edges[node] {
			switch state[next] {
			case 0:
				dfs(next)
			case 1:
				// Found a cycle: slice the stack from the first occurrence
				// of next.
				start := 0
				for i, v := range stack {
					if v == next {
						start = i
						break
					}
				}
				path := append([]int(nil), stack[start:]...)
				path = append(path, next)
				cycles = append(cycles, StepCycle{Start: next, Path: path})
				if len(cycles) >= max {
					return
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[node] = 2
	}

	for _, o := range orders {
		if state[o] == 0 {
			dfs(o)
		}
		if len(cycles) >= max {
			break
		}
	}
	return cycles
}

// ValidateTask checks a task's structural invariants: linear steps with no
// backward references, loops confined to the iterator spec, and a sound
// iterator spec when present.
func ValidateTask(t *Task) []Violation {
	var out []Violation
	add := func(rule, msg string) {
		out = append(out, Violation{Rule: rule, EntityKind: "task", EntityID: t.TaskID, Message: msg})
	}

	for _, s := range t.Steps {
		if n, ok := BackwardRef(s.Description, s.Order); ok {
			add("task_backward_reference", fmt.Sprintf("step %d references earlier step %d", s.Order, n))
		}
		if name, ok := LoopPhrase(s.Description); ok {
			add("task_loop_in_steps", fmt.Sprintf("step %d contains %s loop; loops belong in iterator_spec", s.Order, name))
		}
	}

	for _, c := range DetectStepCycles(t, MaxReportedCycles) {
		add("task_step_cycle", fmt.Sprintf("cycle starting at step %d: %v", c.Start, c.Path))
	}

	if it := t.IteratorSpec; it != nil && it.Type != IteratorNone {
		switch it.Type {
		case IteratorCollection, IteratorPagination:
		default:
			add("task_iterator_type", fmt.Sprintf("unknown iterator type %q", it.Type))
		}
		if it.Type == IteratorCollection && it.CollectionSelector == "" && it.ItemAction == "" {
			add("task_iterator_incomplete", "collection iterator needs a collection selector or item action")
		}
		if it.MaxIterations < 0 {
			add("task_iterator_bound", "max_iterations cannot be negative")
		}
	}
	return out
}

// ValidateRecovery requires every screen group to expose at least one
// recovery edge whose target resolves, so a lost session always has a way
// back to known ground.
func ValidateRecovery(set *Set) []Violation {
	screens := make(map[string]bool, len(set.Screens))
	for _, s := range set.Screens {
		screens[s.ScreenID] = true
	}

	var out []Violation
	for _, g := range set.Groups {
		add := func(rule, msg string) {
			out = append(out, Violation{Rule: rule, EntityKind: "screen_group", EntityID: g.GroupID, Message: msg})
		}
		if len(g.RecoveryEdges) == 0 {
			add("group_no_recovery", "group exposes no recovery edge")
			continue
		}
		resolved := false
		for _, e := range g.RecoveryEdges {
			if screens[e.ScreenID] {
				resolved = true
			} else {
				add("group_recovery_target", fmt.Sprintf("recovery edge %q targets unknown screen %q", e.Strategy, e.ScreenID))
			}
			if e.Priority <= 0 {
				add("group_recovery_priority", fmt.Sprintf("recovery edge %q has non-positive priority %d", e.Strategy, e.Priority))
			}
		}
		if !resolved {
			add("group_no_recovery", "no recovery edge resolves to a known screen")
		}
	}
	return out
}

// ValidateScreens checks signature token caps and URL pattern legality.
func ValidateScreens(set *Set) []Violation {
	var out []Violation
	for _, s := range set.Screens {
		add := func(rule, msg string) {
			out = append(out, Violation{Rule: rule, EntityKind: "screen", EntityID: s.ScreenID, Message: msg})
		}
		for _, group := range [][]string{s.StateSignature.Required, s.StateSignature.Optional, s.StateSignature.Exclusion, s.StateSignature.Negative} {
			for _, tok := range group {
				if len(tok) > MaxIndicatorLen {
					add("screen_indicator_length", fmt.Sprintf("indicator %q exceeds %d chars", tok, MaxIndicatorLen))
				}
			}
		}
		for _, p := range s.URLPatterns {
			if !ValidURLPattern(p) {
				add("screen_url_pattern", fmt.Sprintf("invalid or too-generic url pattern %q", p))
			}
		}
	}
	return out
}

// ValidateRefs checks that every cross-reference in the set resolves to an
// entity within the same knowledge scope.
func ValidateRefs(set *Set) []Violation {
	screens := make(map[string]bool, len(set.Screens))
	for _, s := range set.Screens {
		screens[s.ScreenID] = true
	}
	actions := make(map[string]bool, len(set.Actions))
	for _, a := range set.Actions {
		actions[a.ActionID] = true
	}
	tasks := make(map[string]bool, len(set.Tasks))
	for _, t := range set.Tasks {
		tasks[t.TaskID] = true
	}

	var out []Violation
	add := func(kind, id, rule, msg string) {
		out = append(out, Violation{Rule: rule, EntityKind: kind, EntityID: id, Message: msg})
	}

	for _, tr := range set.Transitions {
		if !screens[tr.FromScreenID] {
			add("transition", tr.TransitionID, "transition_endpoint", fmt.Sprintf("from_screen %q not found", tr.FromScreenID))
		}
		if !screens[tr.ToScreenID] {
			add("transition", tr.TransitionID, "transition_endpoint", fmt.Sprintf("to_screen %q not found", tr.ToScreenID))
		}
		if tr.TriggerActionID != "" && !actions[tr.TriggerActionID] {
			add("transition", tr.TransitionID, "transition_trigger", fmt.Sprintf("trigger action %q not found", tr.TriggerActionID))
		}
		if tr.Reliability < 0 || tr.Reliability > 1 {
			add("transition", tr.TransitionID, "transition_reliability", fmt.Sprintf("reliability %v outside [0,1]", tr.Reliability))
		}
	}

	for _, t := range set.Tasks {
		for _, s := range t.Steps {
			if s.ActionID != "" && !actions[s.ActionID] {
				add("task", t.TaskID, "task_step_action", fmt.Sprintf("step %d action %q not found", s.Order, s.ActionID))
			}
			if s.ScreenID != "" && !screens[s.ScreenID] {
				add("task", t.TaskID, "task_step_screen", fmt.Sprintf("step %d screen %q not found", s.Order, s.ScreenID))
			}
		}
	}

	for _, g := range set.Groups {
		for _, id := range g.ScreenIDs {
			if !screens[id] {
				add("screen_group", g.GroupID, "group_member", fmt.Sprintf("member screen %q not found", id))
			}
		}
	}

	for _, w := range set.Workflows {
		for _, id := range w.TaskIDs {
			if !tasks[id] {
				add("workflow", w.WorkflowID, "workflow_task", fmt.Sprintf("task %q not found", id))
			}
		}
	}
	return out
}

// ValidateSet runs every structural validation over a knowledge set.
func ValidateSet(set *Set) []Violation {
	var out []Violation
	out = append(out, ValidateScreens(set)...)
	for _, t := range set.Tasks {
		out = append(out, ValidateTask(t)...)
	}
	out = append(out, ValidateRefs(set)...)
	out = append(out, ValidateRecovery(set)...)
	return out
}
