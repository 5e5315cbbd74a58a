// Package diff computes structured differences between two page snapshots
// and synthesizes semantic events from them. The diff is deterministic: the
// same pair of snapshots always produces the same StateDiff, with the same
// events in the same order.
package diff

import (
	"goa.design/pilot/dom"
)

// FormatVersion is the wire version of the StateDiff structure.
const FormatVersion = "1.0"

// DiffType distinguishes incremental diffs from full rebuilds.
type DiffType string

const (
	// DiffIncremental describes element-level deltas between two captures
	// of the same document.
	DiffIncremental DiffType = "incremental"
	// DiffFull describes a complete replacement, emitted when there is no
	// usable pre snapshot or the document itself was replaced.
	DiffFull DiffType = "full"
)

type (
	// AddedElement describes an element present only in the post snapshot.
	AddedElement struct {
		Index    int               `json:"index"`
		Selector string            `json:"selector"`
		Tag      string            `json:"tag"`
		Role     string            `json:"role,omitempty"`
		Text     string            `json:"text,omitempty"`
		Attrs    map[string]string `json:"attrs,omitempty"`
		BBox     *dom.BBox         `json:"bbox,omitempty"`
	}

	// RemovedElement describes an element present only in the pre snapshot.
	// Index refers to the pre snapshot.
	RemovedElement struct {
		Index    int    `json:"index"`
		Selector string `json:"selector"`
		Tag      string `json:"tag"`
	}

	// AttrChange is an attribute value transition.
	AttrChange struct {
		Old string `json:"old"`
		New string `json:"new"`
	}

	// ClassChanges lists CSS classes added to and removed from an element.
	ClassChanges struct {
		Added   []string `json:"added,omitempty"`
		Removed []string `json:"removed,omitempty"`
	}

	// TextChange is a visible-text transition.
	TextChange struct {
		Old string `json:"old"`
		New string `json:"new"`
	}

	// ElementChanges collects the per-element deltas of a modified element.
	ElementChanges struct {
		Attrs   map[string]AttrChange `json:"attrs,omitempty"`
		Classes *ClassChanges         `json:"classes,omitempty"`
		Text    *TextChange           `json:"text,omitempty"`
	}

	// ModifiedElement describes an element present in both snapshots whose
	// attributes, classes or text changed. Index refers to the post
	// snapshot.
	ModifiedElement struct {
		Index    int            `json:"index"`
		Selector string         `json:"selector"`
		Changes  ElementChanges `json:"changes"`
	}

	// MovedElement describes an element whose index changed between
	// snapshots.
	MovedElement struct {
		FromIndex int    `json:"from_index"`
		ToIndex   int    `json:"to_index"`
		Selector  string `json:"selector"`
	}

	// DOMChanges is the element-level delta set.
	DOMChanges struct {
		Added    []AddedElement    `json:"added,omitempty"`
		Removed  []RemovedElement  `json:"removed,omitempty"`
		Modified []ModifiedElement `json:"modified,omitempty"`
		Moved    []MovedElement    `json:"moved,omitempty"`
	}

	// NavigationChanges captures document-level transitions.
	NavigationChanges struct {
		URLChanged   bool   `json:"url_changed"`
		TitleChanged bool   `json:"title_changed"`
		URL          string `json:"url,omitempty"`
		Title        string `json:"title,omitempty"`
	}

	// FieldChange is a form-field state transition. FieldIndex is the
	// field's element index in the post snapshot.
	FieldChange struct {
		FieldIndex      int    `json:"field_index"`
		ValidationState string `json:"validation_state,omitempty"`
		ValueChanged    bool   `json:"value_changed,omitempty"`
	}

	// FormStateChange groups the field transitions of one form.
	FormStateChange struct {
		FormIndex     int           `json:"form_index"`
		FieldsChanged []FieldChange `json:"fields_changed"`
		FormValid     bool          `json:"form_valid"`
	}

	// FocusChange records a focus move between elements. Indices of -1
	// mean no element held focus on that side.
	FocusChange struct {
		FromIndex int `json:"from_index"`
		ToIndex   int `json:"to_index"`
	}

	// AccessibilityChanges captures accessibility-relevant transitions.
	AccessibilityChanges struct {
		FocusChanged *FocusChange `json:"focus_changed,omitempty"`
	}

	// SemanticEvent is a rule-derived interpretation of the raw deltas.
	SemanticEvent struct {
		EventType      string  `json:"event_type"`
		EventName      string  `json:"event_name"`
		TargetSelector string  `json:"target_selector,omitempty"`
		Confidence     float64 `json:"confidence"`
	}

	// StateDiff is the full structured difference between two snapshots.
	StateDiff struct {
		FormatVersion        string               `json:"format_version"`
		DiffType             DiffType             `json:"diff_type"`
		PreHash              string               `json:"pre_hash,omitempty"`
		PostHash             string               `json:"post_hash"`
		DOMChanges           DOMChanges           `json:"dom_changes"`
		NavigationChanges    NavigationChanges    `json:"navigation_changes"`
		FormStateChanges     []FormStateChange    `json:"form_state_changes,omitempty"`
		AccessibilityChanges AccessibilityChanges `json:"accessibility_changes"`
		SemanticEvents       []SemanticEvent      `json:"semantic_events,omitempty"`
	}
)

// Semantic event categories.
const (
	EventTypeNavigation = "navigation"
	EventTypeUIState    = "ui_state"
	EventTypeForm       = "form"
	EventTypeFeedback   = "feedback"
	EventTypeAuth       = "auth"
	EventTypeData       = "data"
)

// Semantic event names. The vocabulary is closed: rules only ever emit these.
const (
	EventPageLoadComplete       = "page_load_complete"
	EventClientSideRoute        = "client_side_route"
	EventHashChange             = "hash_change"
	EventModalOpened            = "modal_opened"
	EventModalClosed            = "modal_closed"
	EventDropdownExpanded       = "dropdown_expanded"
	EventTabSwitched            = "tab_switched"
	EventFormSubmitted          = "form_submitted"
	EventValidationError        = "validation_error"
	EventFieldFocused           = "field_focused"
	EventErrorBannerAppeared    = "error_banner_appeared"
	EventSuccessMessageAppeared = "success_message_appeared"
	EventToastNotification      = "toast_notification"
	EventLoginSuccess           = "login_success"
	EventLoginFailure           = "login_failure"
	EventListUpdated            = "list_updated"
	EventTableSorted            = "table_sorted"
	EventPaginationChanged      = "pagination_changed"
)

// Empty reports whether the diff carries no changes and no events.
func (d *StateDiff) Empty() bool {
	return len(d.DOMChanges.Added) == 0 &&
		len(d.DOMChanges.Removed) == 0 &&
		len(d.DOMChanges.Modified) == 0 &&
		len(d.DOMChanges.Moved) == 0 &&
		!d.NavigationChanges.URLChanged &&
		!d.NavigationChanges.TitleChanged &&
		len(d.FormStateChanges) == 0 &&
		d.AccessibilityChanges.FocusChanged == nil &&
		len(d.SemanticEvents) == 0
}
