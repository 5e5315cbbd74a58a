// Package action defines the closed vocabulary of browser actions: one Kind
// per wire tag, a typed parameter record per Kind, and the validation
// contract each record must satisfy before dispatch. The vocabulary is
// exhaustive; consumers reject tags outside it rather than guessing.
package action

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Kind is a wire action tag.
type Kind string

// The action vocabulary. Tags are wire-stable.
const (
	Navigate         Kind = "navigate"
	Click            Kind = "click"
	RightClick       Kind = "right_click"
	DoubleClick      Kind = "double_click"
	Hover            Kind = "hover"
	Type             Kind = "type"
	TypeSlowly       Kind = "type_slowly"
	Clear            Kind = "clear"
	SelectAll        Kind = "select_all"
	Copy             Kind = "copy"
	Paste            Kind = "paste"
	Cut              Kind = "cut"
	Scroll           Kind = "scroll"
	AnimateScroll    Kind = "animate_scroll"
	SendKeys         Kind = "send_keys"
	KeyboardShortcut Kind = "keyboard_shortcut"
	Wait             Kind = "wait"
	GoBack           Kind = "go_back"
	GoForward        Kind = "go_forward"
	Refresh          Kind = "refresh"
	DragDrop         Kind = "drag_drop"
	UploadFile       Kind = "upload_file"
	SelectDropdown   Kind = "select_dropdown"
	FillForm         Kind = "fill_form"
	SelectMultiple   Kind = "select_multiple"
	SubmitForm       Kind = "submit_form"
	ResetForm        Kind = "reset_form"
	PlayVideo        Kind = "play_video"
	PauseVideo       Kind = "pause_video"
	SeekVideo        Kind = "seek_video"
	AdjustVolume     Kind = "adjust_volume"
	ToggleFullscreen Kind = "toggle_fullscreen"
	ToggleMute       Kind = "toggle_mute"
	TakeScreenshot   Kind = "take_screenshot"
	MultiSelect      Kind = "multi_select"
	HighlightElement Kind = "highlight_element"
	HighlightRegion  Kind = "highlight_region"
	DrawOnPage       Kind = "draw_on_page"
	ZoomIn           Kind = "zoom_in"
	ZoomOut          Kind = "zoom_out"
	ZoomReset        Kind = "zoom_reset"
	DownloadFile     Kind = "download_file"
	PresentationMode Kind = "presentation_mode"
	ShowPointer      Kind = "show_pointer"
	FocusElement     Kind = "focus_element"
)

// ErrUnknownKind reports a tag outside the vocabulary.
var ErrUnknownKind = errors.New("unknown action type")

type (
	// Params is the decoded, validated parameter record of one action.
	Params interface {
		// Kind returns the tag the record belongs to.
		Kind() Kind
		// Validate checks the record against its contract.
		Validate() error
	}

	// Indexed is implemented by params that address a single element by
	// snapshot index. Dispatchers use it to resolve and, when stale,
	// remap the index before invoking the handler.
	Indexed interface {
		TargetIndex() *int
	}
)

// registry maps each tag to its parameter record constructor. Shared
// records carry the concrete tag so Kind survives decoding.
var registry = map[Kind]func() Params{
	Navigate:         func() Params { return &NavigateParams{} },
	Click:            func() Params { return &ClickParams{} },
	RightClick:       func() Params { return &PointerParams{kind: RightClick} },
	DoubleClick:      func() Params { return &PointerParams{kind: DoubleClick} },
	Hover:            func() Params { return &PointerParams{kind: Hover} },
	Type:             func() Params { return &TypeParams{} },
	TypeSlowly:       func() Params { return &TypeSlowlyParams{} },
	Clear:            func() Params { return &EditParams{kind: Clear} },
	SelectAll:        func() Params { return &EditParams{kind: SelectAll} },
	Copy:             func() Params { return &EditParams{kind: Copy} },
	Paste:            func() Params { return &EditParams{kind: Paste} },
	Cut:              func() Params { return &EditParams{kind: Cut} },
	Scroll:           func() Params { return &ScrollParams{kind: Scroll} },
	AnimateScroll:    func() Params { return &ScrollParams{kind: AnimateScroll} },
	SendKeys:         func() Params { return &KeysParams{kind: SendKeys} },
	KeyboardShortcut: func() Params { return &KeysParams{kind: KeyboardShortcut} },
	Wait:             func() Params { return &WaitParams{} },
	GoBack:           func() Params { return &HistoryParams{kind: GoBack} },
	GoForward:        func() Params { return &HistoryParams{kind: GoForward} },
	Refresh:          func() Params { return &HistoryParams{kind: Refresh} },
	DragDrop:         func() Params { return &DragDropParams{} },
	UploadFile:       func() Params { return &UploadFileParams{} },
	SelectDropdown:   func() Params { return &SelectDropdownParams{} },
	FillForm:         func() Params { return &FillFormParams{} },
	SelectMultiple:   func() Params { return &SelectMultipleParams{} },
	SubmitForm:       func() Params { return &FormParams{kind: SubmitForm} },
	ResetForm:        func() Params { return &FormParams{kind: ResetForm} },
	PlayVideo:        func() Params { return &MediaParams{kind: PlayVideo} },
	PauseVideo:       func() Params { return &MediaParams{kind: PauseVideo} },
	SeekVideo:        func() Params { return &SeekVideoParams{} },
	AdjustVolume:     func() Params { return &AdjustVolumeParams{} },
	ToggleFullscreen: func() Params { return &MediaParams{kind: ToggleFullscreen} },
	ToggleMute:       func() Params { return &MediaParams{kind: ToggleMute} },
	TakeScreenshot:   func() Params { return &EmptyParams{kind: TakeScreenshot} },
	MultiSelect:      func() Params { return &MultiSelectParams{} },
	HighlightElement: func() Params { return &HighlightElementParams{} },
	HighlightRegion:  func() Params { return &HighlightRegionParams{} },
	DrawOnPage:       func() Params { return &DrawParams{} },
	ZoomIn:           func() Params { return &EmptyParams{kind: ZoomIn} },
	ZoomOut:          func() Params { return &EmptyParams{kind: ZoomOut} },
	ZoomReset:        func() Params { return &EmptyParams{kind: ZoomReset} },
	DownloadFile:     func() Params { return &DownloadFileParams{} },
	PresentationMode: func() Params { return &ToggleParams{kind: PresentationMode} },
	ShowPointer:      func() Params { return &ToggleParams{kind: ShowPointer} },
	FocusElement:     func() Params { return &FocusElementParams{} },
}

// nonIdempotent lists the tags whose re-execution can produce a different
// observable outcome. Everything else may be retried blindly.
var nonIdempotent = map[Kind]bool{
	Click:          true,
	Type:           true,
	TypeSlowly:     true,
	DragDrop:       true,
	UploadFile:     true,
	SelectDropdown: true,
	FillForm:       true,
	SelectMultiple: true,
	SubmitForm:     true,
	ResetForm:      true,
	DownloadFile:   true,
}

// Known reports whether k belongs to the vocabulary.
func Known(k Kind) bool {
	_, ok := registry[k]
	return ok
}

// Idempotent reports whether re-executing k is observably safe.
func Idempotent(k Kind) bool { return !nonIdempotent[k] }

// Kinds returns the vocabulary sorted by tag.
func Kinds() []Kind {
	out := make([]Kind, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Decode unmarshals and validates the parameter record for a tag. It
// returns ErrUnknownKind (wrapped) for tags outside the vocabulary; any
// other error means the params failed decoding or their contract.
func Decode(k Kind, raw json.RawMessage) (Params, error) {
	newParams, ok := registry[k]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, k)
	}
	p := newParams()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("decode %s params: %w", k, err)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
