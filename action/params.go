package action

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

type (
	// Point is a viewport coordinate in CSS pixels.
	Point struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}

	// Target addresses an element by snapshot index or by coordinate.
	// Exactly one of the two must be set.
	Target struct {
		Index *int   `json:"index,omitempty"`
		Coord *Point `json:"coord,omitempty"`
	}

	// NavigateParams drives the page to a URL.
	NavigateParams struct {
		URL    string `json:"url"`
		NewTab bool   `json:"new_tab,omitempty"`
	}

	// ClickParams is a single left click on an element or coordinate.
	ClickParams struct {
		Target
		Button string `json:"button,omitempty"`
	}

	// PointerParams covers right_click, double_click and hover.
	PointerParams struct {
		Target
		kind Kind
	}

	// TypeParams emits text into the focused element or the element at
	// Index. Existing text is preserved; issue clear first to replace.
	TypeParams struct {
		Text  string `json:"text"`
		Index *int   `json:"index,omitempty"`
	}

	// TypeSlowlyParams types with a fixed per-character delay.
	TypeSlowlyParams struct {
		Text    string `json:"text"`
		Index   *int   `json:"index,omitempty"`
		DelayMS int64  `json:"delay_ms,omitempty"`
	}

	// EditParams covers clear, select_all, copy, paste and cut. A nil
	// Index operates on the focused element.
	EditParams struct {
		Index *int `json:"index,omitempty"`
		kind  Kind
	}

	// ScrollParams moves the viewport. DurationMS only applies to
	// animate_scroll; plain scroll jumps.
	ScrollParams struct {
		Direction  string  `json:"direction"`
		Amount     float64 `json:"amount,omitempty"`
		DurationMS int64   `json:"duration_ms,omitempty"`
		kind       Kind
	}

	// KeysParams covers send_keys and keyboard_shortcut. Keys are special
	// keys, modifiers or single printable characters.
	KeysParams struct {
		Keys  []string `json:"keys"`
		Index *int     `json:"index,omitempty"`
		kind  Kind
	}

	// WaitParams is a fixed delay.
	WaitParams struct {
		Seconds float64 `json:"seconds"`
	}

	// HistoryParams covers go_back, go_forward and refresh.
	HistoryParams struct {
		kind Kind
	}

	// DragDropParams drags from Start to End. Both points must resolve.
	DragDropParams struct {
		Start Target `json:"start"`
		End   Target `json:"end"`
	}

	// UploadFileParams sets a local file on a file input.
	UploadFileParams struct {
		FilePath string `json:"file_path"`
		Index    *int   `json:"index,omitempty"`
	}

	// SelectDropdownParams picks one option of a select element. Exactly
	// one of Value, Text or OptionIndex must be present.
	SelectDropdownParams struct {
		Index       int     `json:"index"`
		Value       *string `json:"value,omitempty"`
		Text        *string `json:"text,omitempty"`
		OptionIndex *int    `json:"option_index,omitempty"`
	}

	// FieldValue is one fill_form entry.
	FieldValue struct {
		Index int    `json:"index"`
		Value string `json:"value"`
	}

	// FillFormParams sets several fields in order. Each field is atomic;
	// partial success is reported per field.
	FillFormParams struct {
		Fields []FieldValue `json:"fields"`
	}

	// SelectMultipleParams selects several options of a multi-select.
	SelectMultipleParams struct {
		Index  int      `json:"index"`
		Values []string `json:"values"`
	}

	// FormParams covers submit_form and reset_form. A nil Index targets
	// the nearest form; submit then falls back to pressing Enter.
	FormParams struct {
		Index *int `json:"index,omitempty"`
		kind  Kind
	}

	// MediaParams covers play_video, pause_video, toggle_fullscreen and
	// toggle_mute. A nil Index targets the first media element.
	MediaParams struct {
		Index *int `json:"index,omitempty"`
		kind  Kind
	}

	// SeekVideoParams seeks to an absolute time. Handlers clamp the time
	// to [0, duration].
	SeekVideoParams struct {
		Index       *int    `json:"index,omitempty"`
		TimeSeconds float64 `json:"time_seconds"`
	}

	// AdjustVolumeParams sets the volume of a media element.
	AdjustVolumeParams struct {
		Index  *int    `json:"index,omitempty"`
		Volume float64 `json:"volume"`
	}

	// MultiSelectParams toggles selection on several elements.
	MultiSelectParams struct {
		Indices []int `json:"indices"`
	}

	// HighlightElementParams draws a best-effort overlay on an element.
	HighlightElementParams struct {
		Index      int    `json:"index"`
		Color      string `json:"color,omitempty"`
		DurationMS int64  `json:"duration_ms,omitempty"`
	}

	// HighlightRegionParams draws a best-effort overlay on a region.
	HighlightRegionParams struct {
		X          float64 `json:"x"`
		Y          float64 `json:"y"`
		Width      float64 `json:"width"`
		Height     float64 `json:"height"`
		Color      string  `json:"color,omitempty"`
		DurationMS int64   `json:"duration_ms,omitempty"`
	}

	// DrawParams draws a freehand path on the page overlay.
	DrawParams struct {
		Points      []Point `json:"points"`
		Color       string  `json:"color,omitempty"`
		StrokeWidth float64 `json:"stroke_width,omitempty"`
	}

	// DownloadFileParams downloads by URL or by link element. Exactly one
	// of the two must be present.
	DownloadFileParams struct {
		URL   *string `json:"url,omitempty"`
		Index *int    `json:"index,omitempty"`
	}

	// ToggleParams covers presentation_mode and show_pointer.
	ToggleParams struct {
		Enable bool `json:"enable"`
		kind   Kind
	}

	// FocusElementParams moves focus to an element.
	FocusElementParams struct {
		Index int `json:"index"`
	}

	// EmptyParams covers tags that carry no parameters.
	EmptyParams struct {
		kind Kind
	}
)

// Mouse buttons accepted by click.
const (
	ButtonLeft   = "left"
	ButtonRight  = "right"
	ButtonMiddle = "middle"
)

// Scroll directions.
const (
	DirectionUp    = "up"
	DirectionDown  = "down"
	DirectionLeft  = "left"
	DirectionRight = "right"
)

// MaxWaitSeconds bounds the wait action so a single command cannot park a
// session indefinitely.
const MaxWaitSeconds = 300

// Validate checks that exactly one addressing mode is set.
func (t *Target) Validate() error {
	switch {
	case t.Index == nil && t.Coord == nil:
		return errors.New("target requires index or coord")
	case t.Index != nil && t.Coord != nil:
		return errors.New("target accepts index or coord, not both")
	case t.Index != nil && *t.Index < 0:
		return fmt.Errorf("negative index %d", *t.Index)
	}
	return nil
}

// TargetIndex returns the element index when index-addressed.
func (t *Target) TargetIndex() *int { return t.Index }

func (*NavigateParams) Kind() Kind { return Navigate }

func (p *NavigateParams) Validate() error {
	if p.URL == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "about" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	return nil
}

func (*ClickParams) Kind() Kind { return Click }

func (p *ClickParams) Validate() error {
	if err := p.Target.Validate(); err != nil {
		return err
	}
	switch p.Button {
	case "", ButtonLeft, ButtonRight, ButtonMiddle:
		return nil
	}
	return fmt.Errorf("unknown mouse button %q", p.Button)
}

func (p *PointerParams) Kind() Kind      { return p.kind }
func (p *PointerParams) Validate() error { return p.Target.Validate() }

func (*TypeParams) Kind() Kind { return Type }

func (p *TypeParams) Validate() error {
	if p.Index != nil && *p.Index < 0 {
		return fmt.Errorf("negative index %d", *p.Index)
	}
	return nil
}

func (p *TypeParams) TargetIndex() *int { return p.Index }

func (*TypeSlowlyParams) Kind() Kind { return TypeSlowly }

func (p *TypeSlowlyParams) Validate() error {
	if p.Index != nil && *p.Index < 0 {
		return fmt.Errorf("negative index %d", *p.Index)
	}
	if p.DelayMS < 0 {
		return errors.New("negative delay_ms")
	}
	return nil
}

func (p *TypeSlowlyParams) TargetIndex() *int { return p.Index }

func (p *EditParams) Kind() Kind { return p.kind }

func (p *EditParams) Validate() error {
	if p.Index != nil && *p.Index < 0 {
		return fmt.Errorf("negative index %d", *p.Index)
	}
	return nil
}

func (p *EditParams) TargetIndex() *int { return p.Index }

func (p *ScrollParams) Kind() Kind { return p.kind }

func (p *ScrollParams) Validate() error {
	switch p.Direction {
	case DirectionUp, DirectionDown, DirectionLeft, DirectionRight:
	default:
		return fmt.Errorf("unknown scroll direction %q", p.Direction)
	}
	if p.Amount < 0 {
		return errors.New("negative scroll amount")
	}
	if p.DurationMS < 0 {
		return errors.New("negative duration_ms")
	}
	return nil
}

func (p *KeysParams) Kind() Kind { return p.kind }

func (p *KeysParams) Validate() error {
	if len(p.Keys) == 0 {
		return errors.New("keys are required")
	}
	for _, k := range p.Keys {
		if !ValidKey(k) {
			return fmt.Errorf("unknown key %q", k)
		}
	}
	if p.Index != nil && *p.Index < 0 {
		return fmt.Errorf("negative index %d", *p.Index)
	}
	return nil
}

func (p *KeysParams) TargetIndex() *int { return p.Index }

func (*WaitParams) Kind() Kind { return Wait }

func (p *WaitParams) Validate() error {
	if p.Seconds <= 0 {
		return errors.New("seconds must be positive")
	}
	if p.Seconds > MaxWaitSeconds {
		return fmt.Errorf("seconds exceeds maximum %d", MaxWaitSeconds)
	}
	return nil
}

func (p *HistoryParams) Kind() Kind    { return p.kind }
func (*HistoryParams) Validate() error { return nil }

func (*DragDropParams) Kind() Kind { return DragDrop }

func (p *DragDropParams) Validate() error {
	if err := p.Start.Validate(); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if err := p.End.Validate(); err != nil {
		return fmt.Errorf("end: %w", err)
	}
	return nil
}

func (*UploadFileParams) Kind() Kind { return UploadFile }

func (p *UploadFileParams) Validate() error {
	if strings.TrimSpace(p.FilePath) == "" {
		return errors.New("file_path is required")
	}
	if p.Index != nil && *p.Index < 0 {
		return fmt.Errorf("negative index %d", *p.Index)
	}
	return nil
}

func (p *UploadFileParams) TargetIndex() *int { return p.Index }

func (*SelectDropdownParams) Kind() Kind { return SelectDropdown }

func (p *SelectDropdownParams) Validate() error {
	if p.Index < 0 {
		return fmt.Errorf("negative index %d", p.Index)
	}
	set := 0
	if p.Value != nil {
		set++
	}
	if p.Text != nil {
		set++
	}
	if p.OptionIndex != nil {
		set++
	}
	if set != 1 {
		return errors.New("exactly one of value, text or option_index is required")
	}
	if p.OptionIndex != nil && *p.OptionIndex < 0 {
		return errors.New("negative option_index")
	}
	return nil
}

func (p *SelectDropdownParams) TargetIndex() *int { return &p.Index }

func (*FillFormParams) Kind() Kind { return FillForm }

func (p *FillFormParams) Validate() error {
	if len(p.Fields) == 0 {
		return errors.New("fields are required")
	}
	for i, f := range p.Fields {
		if f.Index < 0 {
			return fmt.Errorf("fields[%d]: negative index %d", i, f.Index)
		}
	}
	return nil
}

func (*SelectMultipleParams) Kind() Kind { return SelectMultiple }

func (p *SelectMultipleParams) Validate() error {
	if p.Index < 0 {
		return fmt.Errorf("negative index %d", p.Index)
	}
	if len(p.Values) == 0 {
		return errors.New("values are required")
	}
	return nil
}

func (p *SelectMultipleParams) TargetIndex() *int { return &p.Index }

func (p *FormParams) Kind() Kind { return p.kind }

func (p *FormParams) Validate() error {
	if p.Index != nil && *p.Index < 0 {
		return fmt.Errorf("negative index %d", *p.Index)
	}
	return nil
}

func (p *FormParams) TargetIndex() *int { return p.Index }

func (p *MediaParams) Kind() Kind { return p.kind }

func (p *MediaParams) Validate() error {
	if p.Index != nil && *p.Index < 0 {
		return fmt.Errorf("negative index %d", *p.Index)
	}
	return nil
}

func (p *MediaParams) TargetIndex() *int { return p.Index }

func (*SeekVideoParams) Kind() Kind { return SeekVideo }

func (p *SeekVideoParams) Validate() error {
	if p.TimeSeconds < 0 {
		return errors.New("negative time_seconds")
	}
	if p.Index != nil && *p.Index < 0 {
		return fmt.Errorf("negative index %d", *p.Index)
	}
	return nil
}

func (p *SeekVideoParams) TargetIndex() *int { return p.Index }

func (*AdjustVolumeParams) Kind() Kind { return AdjustVolume }

func (p *AdjustVolumeParams) Validate() error {
	if p.Volume < 0 || p.Volume > 1 {
		return fmt.Errorf("volume %v outside [0,1]", p.Volume)
	}
	if p.Index != nil && *p.Index < 0 {
		return fmt.Errorf("negative index %d", *p.Index)
	}
	return nil
}

func (p *AdjustVolumeParams) TargetIndex() *int { return p.Index }

func (*MultiSelectParams) Kind() Kind { return MultiSelect }

func (p *MultiSelectParams) Validate() error {
	if len(p.Indices) == 0 {
		return errors.New("indices are required")
	}
	for i, idx := range p.Indices {
		if idx < 0 {
			return fmt.Errorf("indices[%d]: negative index %d", i, idx)
		}
	}
	return nil
}

func (*HighlightElementParams) Kind() Kind { return HighlightElement }

func (p *HighlightElementParams) Validate() error {
	if p.Index < 0 {
		return fmt.Errorf("negative index %d", p.Index)
	}
	if p.DurationMS < 0 {
		return errors.New("negative duration_ms")
	}
	return nil
}

func (p *HighlightElementParams) TargetIndex() *int { return &p.Index }

func (*HighlightRegionParams) Kind() Kind { return HighlightRegion }

func (p *HighlightRegionParams) Validate() error {
	if p.Width <= 0 || p.Height <= 0 {
		return errors.New("width and height must be positive")
	}
	if p.DurationMS < 0 {
		return errors.New("negative duration_ms")
	}
	return nil
}

func (*DrawParams) Kind() Kind { return DrawOnPage }

func (p *DrawParams) Validate() error {
	if len(p.Points) < 2 {
		return errors.New("at least two points are required")
	}
	if p.StrokeWidth < 0 {
		return errors.New("negative stroke_width")
	}
	return nil
}

func (*DownloadFileParams) Kind() Kind { return DownloadFile }

func (p *DownloadFileParams) Validate() error {
	switch {
	case p.URL == nil && p.Index == nil:
		return errors.New("url or index is required")
	case p.URL != nil && p.Index != nil:
		return errors.New("url and index are mutually exclusive")
	case p.URL != nil && strings.TrimSpace(*p.URL) == "":
		return errors.New("url is empty")
	case p.Index != nil && *p.Index < 0:
		return fmt.Errorf("negative index %d", *p.Index)
	}
	return nil
}

func (p *ToggleParams) Kind() Kind    { return p.kind }
func (*ToggleParams) Validate() error { return nil }

func (*FocusElementParams) Kind() Kind { return FocusElement }

func (p *FocusElementParams) Validate() error {
	if p.Index < 0 {
		return fmt.Errorf("negative index %d", p.Index)
	}
	return nil
}

func (p *FocusElementParams) TargetIndex() *int { return &p.Index }

func (p *EmptyParams) Kind() Kind    { return p.kind }
func (*EmptyParams) Validate() error { return nil }
