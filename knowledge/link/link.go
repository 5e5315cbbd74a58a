// Package link establishes bidirectional cross-references between extracted
// entities. It runs after every extractor has finished and mutates the set
// in place; the caller persists the whole set in one write so the links
// land atomically with respect to the workflow run. All inserts are
// idempotent, so relinking an already-linked set is a no-op.
package link

import (
	"strings"

	"goa.design/pilot/knowledge"
)

// FunctionScreenThreshold is the fuzzy-match cutoff for resolving a
// business function's mentioned screen names.
const FunctionScreenThreshold = 0.6

// Stats counts the links established by one Apply pass. Only newly added
// references count.
type Stats struct {
	TaskScreen     int `json:"task_screen"`
	TaskAction     int `json:"task_action"`
	ActionScreen   int `json:"action_screen"`
	FunctionScreen int `json:"function_screen"`
	WorkflowRefs   int `json:"workflow_refs"`
	TransitionRefs int `json:"transition_refs"`
}

// Total returns the number of links added across all rules.
func (s Stats) Total() int {
	return s.TaskScreen + s.TaskAction + s.ActionScreen + s.FunctionScreen + s.WorkflowRefs + s.TransitionRefs
}

// Apply links the set per the cross-reference rules: tasks to screens via
// page URL and step references, actions to screens by extraction context,
// business functions to screens by fuzzy name match, workflows to the
// screens, tasks and actions their steps mention, and transitions to their
// endpoints and trigger by direct ID.
func Apply(set *knowledge.Set) Stats {
	var st Stats

	screensByID := make(map[string]*knowledge.Screen, len(set.Screens))
	for _, s := range set.Screens {
		screensByID[s.ScreenID] = s
	}
	actionsByID := make(map[string]*knowledge.Action, len(set.Actions))
	for _, a := range set.Actions {
		actionsByID[a.ActionID] = a
	}

	st.TaskScreen, st.TaskAction = linkTasks(set, screensByID, actionsByID)
	st.ActionScreen = linkActions(set)
	st.FunctionScreen = linkFunctions(set)
	st.WorkflowRefs = linkWorkflows(set)
	st.TransitionRefs = linkTransitions(set, screensByID, actionsByID)
	return st
}

func linkTasks(set *knowledge.Set, screens map[string]*knowledge.Screen, actions map[string]*knowledge.Action) (int, int) {
	var screenLinks, actionLinks int
	for _, t := range set.Tasks {
		if t.PageURL != "" {
			for _, s := range set.Screens {
				if !knowledge.MatchURLPatterns(t.PageURL, s.URLPatterns) {
					continue
				}
				if linkPair(&t.ScreenIDs, s.ScreenID, &s.TaskIDs, t.TaskID) {
					screenLinks++
				}
			}
		}
		for _, step := range t.Steps {
			if s := screens[step.ScreenID]; s != nil {
				if linkPair(&t.ScreenIDs, s.ScreenID, &s.TaskIDs, t.TaskID) {
					screenLinks++
				}
			}
			if a := actions[step.ActionID]; a != nil {
				if linkPair(&t.ActionIDs, a.ActionID, &a.TaskIDs, t.TaskID) {
					actionLinks++
				}
			}
		}
	}
	return screenLinks, actionLinks
}

func linkActions(set *knowledge.Set) int {
	var links int
	for _, a := range set.Actions {
		switch {
		case a.Provenance.ExtractionSource == "video":
			// Video-sourced actions were observed on a screen the capture
			// analysis names.
			context := a.Provenance.CaptureAnalysis + " " + a.TargetDescription
			for _, s := range set.Screens {
				if !mentions(context, s.Name) {
					continue
				}
				if linkPair(&a.ScreenIDs, s.ScreenID, &s.ActionIDs, a.ActionID) {
					links++
				}
			}
		case a.Type == knowledge.ActionNavigate:
			url := navigationURL(a)
			if url == "" {
				continue
			}
			for _, s := range set.Screens {
				if !knowledge.MatchURLPatterns(url, s.URLPatterns) {
					continue
				}
				if linkPair(&a.ScreenIDs, s.ScreenID, &s.ActionIDs, a.ActionID) {
					links++
				}
			}
		}
	}
	return links
}

func navigationURL(a *knowledge.Action) string {
	if a.Value != "" {
		return a.Value
	}
	if a.BrowserUseAction != nil {
		if u, ok := a.BrowserUseAction.Params["url"].(string); ok {
			return u
		}
	}
	return ""
}

func linkFunctions(set *knowledge.Set) int {
	names := make([]string, len(set.Screens))
	byName := make(map[string]*knowledge.Screen, len(set.Screens))
	for i, s := range set.Screens {
		names[i] = s.Name
		byName[s.Name] = s
	}

	var links int
	for _, f := range set.Functions {
		for _, mentioned := range f.ScreensMentioned {
			name, _, ok := knowledge.BestMatch(mentioned, names, FunctionScreenThreshold)
			if !ok {
				continue
			}
			s := byName[name]
			if linkPair(&f.ScreenIDs, s.ScreenID, &s.FunctionIDs, f.FunctionID) {
				links++
			}
		}
	}
	return links
}

func linkWorkflows(set *knowledge.Set) int {
	var links int
	for _, w := range set.Workflows {
		for _, step := range w.Steps {
			for _, s := range set.Screens {
				if !mentions(step, s.Name) {
					continue
				}
				if linkPair(&w.ScreenIDs, s.ScreenID, &s.WorkflowIDs, w.WorkflowID) {
					links++
				}
			}
			for _, t := range set.Tasks {
				if !mentions(step, t.Name) {
					continue
				}
				if linkPair(&w.TaskIDs, t.TaskID, &t.WorkflowIDs, w.WorkflowID) {
					links++
				}
			}
			for _, a := range set.Actions {
				if !mentions(step, a.Name) {
					continue
				}
				if linkPair(&w.ActionIDs, a.ActionID, &a.WorkflowIDs, w.WorkflowID) {
					links++
				}
			}
		}
	}
	return links
}

func linkTransitions(set *knowledge.Set, screens map[string]*knowledge.Screen, actions map[string]*knowledge.Action) int {
	var links int
	for _, tr := range set.Transitions {
		if s := screens[tr.FromScreenID]; s != nil {
			if addRef(&s.TransitionIDs, tr.TransitionID) {
				links++
			}
		}
		if s := screens[tr.ToScreenID]; s != nil {
			if addRef(&s.TransitionIDs, tr.TransitionID) {
				links++
			}
		}
		if a := actions[tr.TriggerActionID]; a != nil {
			if addRef(&a.TransitionIDs, tr.TransitionID) {
				links++
			}
		}
	}
	return links
}

// linkPair inserts both directions of a link; it reports whether anything
// new was added.
func linkPair(left *[]string, leftID string, right *[]string, rightID string) bool {
	a := addRef(left, leftID)
	b := addRef(right, rightID)
	return a || b
}

// addRef is an idempotent set-insert.
func addRef(ids *[]string, id string) bool {
	if id == "" {
		return false
	}
	for _, v := range *ids {
		if v == id {
			return false
		}
	}
	*ids = append(*ids, id)
	return true
}

// mentions reports whether the text names the entity. Short names are too
// ambiguous to match on.
func mentions(text, name string) bool {
	name = strings.TrimSpace(name)
	if len(name) < 3 {
		return false
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(name))
}
