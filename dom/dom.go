// Package dom models point-in-time views of a browser page. A Snapshot is an
// immutable, index-addressed capture of the interactive elements of a page;
// indices are dense and assigned in capture order, and are only meaningful
// within the snapshot that produced them. The package provides element
// signatures, a stable content hash, cross-snapshot index remapping and
// form-field detection.
package dom

import (
	"errors"
)

type (
	// Viewport is the page viewport in CSS pixels.
	Viewport struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	}

	// BBox is an element bounding box relative to the viewport origin.
	BBox struct {
		X      float64 `json:"x"`
		Y      float64 `json:"y"`
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	}

	// Element is one interactive element captured from the page. Index is
	// dense and zero-based within the owning snapshot. Attrs carries the
	// attribute subset relevant to automation (type, name, id, placeholder,
	// href, value, form and friends); Text is the trimmed visible text.
	Element struct {
		Index    int               `json:"index"`
		Tag      string            `json:"tag"`
		Role     string            `json:"role"`
		Selector string            `json:"selector"`
		Attrs    map[string]string `json:"attrs,omitempty"`
		Text     string            `json:"text,omitempty"`
		BBox     BBox              `json:"bbox"`
		Visible  bool              `json:"visible"`
		Enabled  bool              `json:"enabled"`
		Focused  bool              `json:"focused,omitempty"`
	}

	// FieldRole is the detected semantic role of a form field.
	FieldRole string

	// FormField pairs an element index with its detected role and the
	// field state observed at capture time.
	FormField struct {
		ElementIndex    int       `json:"element_index"`
		Role            FieldRole `json:"role"`
		Name            string    `json:"name,omitempty"`
		Value           string    `json:"value,omitempty"`
		ValidationState string    `json:"validation_state,omitempty"`
		Required        bool      `json:"required,omitempty"`
	}

	// Form is a detected form group with its fields.
	Form struct {
		Index    int         `json:"index"`
		Selector string      `json:"selector"`
		Fields   []FormField `json:"fields"`
		Valid    bool        `json:"valid"`
	}

	// Snapshot is an immutable capture of a page. ContentHash is the
	// SHA-256 hex digest of the page URL and the ordered element
	// signatures; two captures of an unchanged page produce the same hash.
	Snapshot struct {
		URL          string    `json:"url"`
		Title        string    `json:"title"`
		ReadyState   string    `json:"ready_state"`
		ScrollX      int       `json:"scroll_x"`
		ScrollY      int       `json:"scroll_y"`
		CursorX      int       `json:"cursor_x"`
		CursorY      int       `json:"cursor_y"`
		Viewport     Viewport  `json:"viewport"`
		Elements     []Element `json:"elements"`
		Forms        []Form    `json:"forms"`
		ContentHash  string    `json:"content_hash"`
		CapturedAtMS int64     `json:"captured_at_ms"`
	}

	// FormFieldHints is the result of login-form auto-discovery. Nil slots
	// mean the heuristic could not resolve a candidate; callers fall back
	// to sending Enter.
	FormFieldHints struct {
		UsernameIndex *int `json:"username_index"`
		PasswordIndex *int `json:"password_index"`
		SubmitIndex   *int `json:"submit_index"`
	}
)

// Detected form-field roles.
const (
	FieldRoleUsername FieldRole = "username"
	FieldRolePassword FieldRole = "password"
	FieldRoleEmail    FieldRole = "email"
	FieldRoleSubmit   FieldRole = "submit"
	FieldRoleText     FieldRole = "text"
	FieldRoleOther    FieldRole = "other"
)

// Errors returned by snapshot resolution.
var (
	// ErrNoSuchIndex reports an element index outside the snapshot range.
	ErrNoSuchIndex = errors.New("no element at index")
	// ErrNoSignatureMatch reports that no element in the fresh snapshot
	// carries the signature of the referenced element.
	ErrNoSignatureMatch = errors.New("no element matches signature")
	// ErrAmbiguousSelector reports that a selector matched more than one
	// element.
	ErrAmbiguousSelector = errors.New("selector matches multiple elements")
)

// Finalize assigns dense zero-based indices in capture order, detects form
// groups and computes the content hash. Driver implementations call it once
// after capture; the snapshot must not be mutated afterwards.
func Finalize(s *Snapshot) {
	for i := range s.Elements {
		s.Elements[i].Index = i
	}
	s.Forms = DetectForms(s.Elements)
	s.ContentHash = ContentHash(s.URL, s.Elements)
}

// Element returns the element at index in O(1).
func (s *Snapshot) Element(index int) (*Element, error) {
	if index < 0 || index >= len(s.Elements) {
		return nil, ErrNoSuchIndex
	}
	return &s.Elements[index], nil
}

// FindBySelector returns the single element whose capture selector equals
// sel. It returns ErrNoSignatureMatch when absent and ErrAmbiguousSelector
// when several elements share the selector.
func (s *Snapshot) FindBySelector(sel string) (*Element, error) {
	var found *Element
	for i := range s.Elements {
		if s.Elements[i].Selector != sel {
			continue
		}
		if found != nil {
			return nil, ErrAmbiguousSelector
		}
		found = &s.Elements[i]
	}
	if found == nil {
		return nil, ErrNoSignatureMatch
	}
	return found, nil
}

// Remap resolves an element index taken against old to the corresponding
// index in fresh by element-signature match. When several fresh elements
// share the signature the one closest to the original index wins, lowest
// index on ties, so remapping is deterministic.
func Remap(old *Snapshot, index int, fresh *Snapshot) (int, error) {
	el, err := old.Element(index)
	if err != nil {
		return 0, err
	}
	sig := Signature(el)
	best := -1
	bestDist := -1
	for i := range fresh.Elements {
		if Signature(&fresh.Elements[i]) != sig {
			continue
		}
		dist := i - index
		if dist < 0 {
			dist = -dist
		}
		if best == -1 || dist < bestDist {
			best, bestDist = i, dist
		}
	}
	if best == -1 {
		return 0, ErrNoSignatureMatch
	}
	return best, nil
}
