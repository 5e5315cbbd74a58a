package diff

import (
	"strings"

	"goa.design/pilot/dom"
)

// synthesize runs the semantic-event rules against the computed deltas. The
// rules execute in a fixed order and scan elements in ascending index order,
// so the emitted events are deterministic for a given snapshot pair. Rules
// are additive: a rule never removes or reorders events emitted by an
// earlier rule.
func synthesize(d *StateDiff, pre, post *dom.Snapshot) {
	navigationEvents(d, pre, post)
	uiStateEvents(d, pre, post)
	formEvents(d, pre, post)
	feedbackEvents(d, post)
	authEvents(d, pre, post)
	dataEvents(d, post)
}

func emit(d *StateDiff, typ, name, target string, confidence float64) {
	d.SemanticEvents = append(d.SemanticEvents, SemanticEvent{
		EventType:      typ,
		EventName:      name,
		TargetSelector: target,
		Confidence:     confidence,
	})
}

func navigationEvents(d *StateDiff, pre, post *dom.Snapshot) {
	if pre == nil {
		if post.ReadyState == "complete" {
			emit(d, EventTypeNavigation, EventPageLoadComplete, "", 0.9)
		}
		return
	}
	switch {
	case d.NavigationChanges.URLChanged && sameDocument(pre.URL, post.URL) && strings.Contains(post.URL, "#"):
		emit(d, EventTypeNavigation, EventHashChange, "", 0.95)
	case d.NavigationChanges.URLChanged && sameHost(pre.URL, post.URL) && pre.ReadyState == "complete" && post.ReadyState == "complete":
		emit(d, EventTypeNavigation, EventClientSideRoute, "", 0.85)
	case d.NavigationChanges.URLChanged && post.ReadyState == "complete":
		emit(d, EventTypeNavigation, EventPageLoadComplete, "", 0.95)
	case !d.NavigationChanges.URLChanged && pre.ReadyState != "complete" && post.ReadyState == "complete":
		emit(d, EventTypeNavigation, EventPageLoadComplete, "", 0.9)
	}
}

func uiStateEvents(d *StateDiff, pre, post *dom.Snapshot) {
	for _, a := range d.DOMChanges.Added {
		switch {
		case a.Role == "dialog":
			emit(d, EventTypeUIState, EventModalOpened, a.Selector, 0.9)
		case hasClass(a.Attrs, "modal"):
			emit(d, EventTypeUIState, EventModalOpened, a.Selector, 0.75)
		case a.Role == "listbox" || a.Role == "menu":
			emit(d, EventTypeUIState, EventDropdownExpanded, a.Selector, 0.85)
		}
	}
	if pre != nil {
		for _, r := range d.DOMChanges.Removed {
			e, err := pre.Element(r.Index)
			if err != nil {
				continue
			}
			if e.Role == "dialog" {
				emit(d, EventTypeUIState, EventModalClosed, r.Selector, 0.9)
			} else if hasClass(e.Attrs, "modal") {
				emit(d, EventTypeUIState, EventModalClosed, r.Selector, 0.75)
			}
		}
	}
	for _, m := range d.DOMChanges.Modified {
		if ch, ok := m.Changes.Attrs["aria-expanded"]; ok && ch.Old == "false" && ch.New == "true" {
			emit(d, EventTypeUIState, EventDropdownExpanded, m.Selector, 0.9)
		}
		if ch, ok := m.Changes.Attrs["aria-selected"]; ok && ch.New == "true" {
			if e, err := post.Element(m.Index); err == nil && e.Role == "tab" {
				emit(d, EventTypeUIState, EventTabSwitched, m.Selector, 0.9)
			}
		}
	}
}

func formEvents(d *StateDiff, pre, post *dom.Snapshot) {
	if pre != nil && len(pre.Forms) > 0 {
		postForms := make(map[string]struct{}, len(post.Forms))
		for i := range post.Forms {
			postForms[post.Forms[i].Selector] = struct{}{}
		}
		for i := range pre.Forms {
			_, still := postForms[pre.Forms[i].Selector]
			if d.NavigationChanges.URLChanged || !still {
				emit(d, EventTypeForm, EventFormSubmitted, pre.Forms[i].Selector, 0.7)
				break
			}
		}
	}
	for _, fc := range d.FormStateChanges {
		for _, f := range fc.FieldsChanged {
			if f.ValidationState == "invalid" {
				sel := ""
				if e, err := post.Element(f.FieldIndex); err == nil {
					sel = e.Selector
				}
				emit(d, EventTypeForm, EventValidationError, sel, 0.85)
			}
		}
	}
	if fc := d.AccessibilityChanges.FocusChanged; fc != nil && fc.ToIndex >= 0 {
		if e, err := post.Element(fc.ToIndex); err == nil {
			tag := strings.ToLower(e.Tag)
			if tag == "input" || tag == "textarea" || tag == "select" {
				emit(d, EventTypeForm, EventFieldFocused, e.Selector, 0.9)
			}
		}
	}
}

func feedbackEvents(d *StateDiff, post *dom.Snapshot) {
	for _, a := range d.DOMChanges.Added {
		switch {
		case a.Role == "alert":
			emit(d, EventTypeFeedback, EventErrorBannerAppeared, a.Selector, 0.9)
		case a.Text != "" && (hasClass(a.Attrs, "error") || hasClass(a.Attrs, "alert") || hasClass(a.Attrs, "danger")):
			emit(d, EventTypeFeedback, EventErrorBannerAppeared, a.Selector, 0.7)
		case hasClass(a.Attrs, "success") || (a.Text != "" && strings.Contains(strings.ToLower(a.Text), "success")):
			emit(d, EventTypeFeedback, EventSuccessMessageAppeared, a.Selector, 0.7)
		case a.Role == "status" || hasClass(a.Attrs, "toast") || hasClass(a.Attrs, "snackbar"):
			emit(d, EventTypeFeedback, EventToastNotification, a.Selector, 0.8)
		}
	}
}

// authEvents interprets the disappearance or persistence of a password field
// after a change as a login outcome. The success and failure rules are
// mutually exclusive so at most one fires per diff.
func authEvents(d *StateDiff, pre, post *dom.Snapshot) {
	if pre == nil {
		return
	}
	preSel := passwordFieldSelector(pre)
	if preSel == "" {
		return
	}
	postSel := passwordFieldSelector(post)
	errorSeen := false
	for _, ev := range d.SemanticEvents {
		if ev.EventName == EventErrorBannerAppeared || ev.EventName == EventValidationError {
			errorSeen = true
			break
		}
	}
	switch {
	case postSel == "" && (d.NavigationChanges.URLChanged || len(d.DOMChanges.Removed) > 0):
		emit(d, EventTypeAuth, EventLoginSuccess, preSel, 0.75)
	case postSel != "" && errorSeen:
		emit(d, EventTypeAuth, EventLoginFailure, postSel, 0.75)
	}
}

func dataEvents(d *StateDiff, post *dom.Snapshot) {
	listTarget := ""
	for _, a := range d.DOMChanges.Added {
		if isListItem(a.Tag, a.Role) {
			listTarget = a.Selector
			break
		}
	}
	if listTarget == "" {
		for _, r := range d.DOMChanges.Removed {
			if isListItem(r.Tag, "") {
				listTarget = r.Selector
				break
			}
		}
	}
	if listTarget != "" {
		emit(d, EventTypeData, EventListUpdated, listTarget, 0.8)
	}
	for _, m := range d.DOMChanges.Modified {
		if _, ok := m.Changes.Attrs["aria-sort"]; ok {
			emit(d, EventTypeData, EventTableSorted, m.Selector, 0.9)
			continue
		}
		if ch, ok := m.Changes.Attrs["aria-current"]; ok && (ch.New == "page" || ch.Old == "page") {
			emit(d, EventTypeData, EventPaginationChanged, m.Selector, 0.85)
		}
	}
}

func passwordFieldSelector(s *dom.Snapshot) string {
	for i := range s.Elements {
		e := &s.Elements[i]
		if e.Visible && strings.ToLower(e.Tag) == "input" && strings.ToLower(e.Attrs["type"]) == "password" {
			return e.Selector
		}
	}
	return ""
}

func hasClass(attrs map[string]string, class string) bool {
	for _, c := range strings.Fields(attrs["class"]) {
		if strings.EqualFold(c, class) {
			return true
		}
	}
	return false
}

func isListItem(tag, role string) bool {
	switch strings.ToLower(tag) {
	case "li", "tr":
		return true
	}
	return role == "listitem" || role == "row"
}

func sameHost(a, b string) bool {
	return hostOf(a) == hostOf(b)
}

func hostOf(u string) string {
	s := u
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	for _, sep := range []byte{'/', '?', '#'} {
		if i := strings.IndexByte(s, sep); i >= 0 {
			s = s[:i]
		}
	}
	return s
}
