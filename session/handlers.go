package session

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"time"

	"goa.design/pilot/action"
	"goa.design/pilot/dom"
	"goa.design/pilot/driver"
	"goa.design/pilot/wire"
)

// defaultTypeDelay is the per-character pause used by type_slowly when the
// command does not specify one.
const defaultTypeDelay = 50 * time.Millisecond

// defaultScrollAmount is the pixel distance of a scroll command that names
// only a direction.
const defaultScrollAmount = 500

// maxZoomSteps bounds cumulative zoom so repeated zoom_in cannot push the
// page scale past usability.
const maxZoomSteps = 6

// actionRun carries the per-action execution state: the lazily captured
// fresh view, collected side effects and the result payload. It lives for
// one action, inside the session critical section.
type actionRun struct {
	m   *Manager
	s   *Session
	drv driver.Driver

	pre           *dom.Snapshot
	data          json.RawMessage
	effects       wire.ObservedEffects
	screenshotRef string
	crashed       bool
}

// view returns the fresh snapshot for this action, capturing it on first
// use. Element indexes handed to the driver refer to this capture.
func (r *actionRun) view(ctx context.Context) (*dom.Snapshot, *wire.Error) {
	if r.pre != nil {
		return r.pre, nil
	}
	snap, err := r.drv.Snapshot(ctx)
	if err != nil {
		return nil, r.classify(err, wire.CodeDriverUnavailable)
	}
	r.pre = snap
	return snap, nil
}

// resolve maps an element index from the issuer's view to the fresh capture.
// When the page changed since the issuer last looked, the element is located
// again by signature; an element that vanished yields a stale-index error so
// the issuer refreshes its view instead of acting on the wrong target.
func (r *actionRun) resolve(ctx context.Context, idx int) (int, *dom.Element, *wire.Error) {
	cur, werr := r.view(ctx)
	if werr != nil {
		return 0, nil, werr
	}
	if prev := r.s.snapshot; prev != nil && prev.ContentHash != cur.ContentHash {
		mapped, err := dom.Remap(prev, idx, cur)
		switch {
		case err == nil:
			idx = mapped
		case errors.Is(err, dom.ErrNoSuchIndex):
			return 0, nil, wire.Errorf(wire.CodeElementNotFound, "no element at index %d", idx)
		default:
			return 0, nil, wire.Errorf(wire.CodeElementIndexStale,
				"element %d is gone: the page changed since the view was captured", idx)
		}
	}
	el, err := cur.Element(idx)
	if err != nil {
		return 0, nil, wire.Errorf(wire.CodeElementNotFound, "no element at index %d", idx)
	}
	return idx, el, nil
}

// classify maps a handler failure to the wire taxonomy. Crashes flip the
// crashed flag so the session is failed after the update is assembled.
func (r *actionRun) classify(err error, fallback wire.ErrorCode) *wire.Error {
	switch {
	case errors.Is(err, driver.ErrCrashed):
		r.crashed = true
		return wire.Wrap(wire.CodeDriverCrashed, err)
	case errors.Is(err, context.DeadlineExceeded):
		return wire.Wrap(wire.CodeActionTimeout, err)
	case errors.Is(err, context.Canceled):
		return wire.Wrap(wire.CodeSessionClosed, err)
	}
	if werr, ok := wire.AsError(err); ok {
		return werr
	}
	return wire.Wrap(fallback, err)
}

// payload marshals v as the action result data.
func (r *actionRun) payload(v any) {
	if b, err := json.Marshal(v); err == nil {
		r.data = b
	}
}

// execute translates one decoded action into driver calls.
func (r *actionRun) execute(ctx context.Context, p action.Params) *wire.Error {
	switch p := p.(type) {
	case *action.NavigateParams:
		if err := r.drv.Navigate(ctx, p.URL, p.NewTab); err != nil {
			return r.classify(err, wire.CodeNavigationFailed)
		}
		r.effects.Navigated = true
		r.effects.URL = p.URL
		return nil

	case *action.ClickParams:
		return r.click(ctx, p.Target, p.Button, 1, nil)

	case *action.PointerParams:
		switch p.Kind() {
		case action.RightClick:
			return r.click(ctx, p.Target, action.ButtonRight, 1, nil)
		case action.DoubleClick:
			return r.click(ctx, p.Target, action.ButtonLeft, 2, nil)
		default: // hover
			return r.hover(ctx, p.Target)
		}

	case *action.TypeParams:
		return r.typeText(ctx, p.Index, p.Text, 0)

	case *action.TypeSlowlyParams:
		delay := time.Duration(p.DelayMS) * time.Millisecond
		if delay == 0 {
			delay = defaultTypeDelay
		}
		return r.typeText(ctx, p.Index, p.Text, delay)

	case *action.EditParams:
		return r.edit(ctx, p)

	case *action.ScrollParams:
		return r.scroll(ctx, p)

	case *action.KeysParams:
		req := driver.KeysRequest{Keys: p.Keys}
		if p.Index != nil {
			idx, el, werr := r.resolve(ctx, *p.Index)
			if werr != nil {
				return werr
			}
			if werr := visible(el); werr != nil {
				return werr
			}
			req.Index = &idx
		}
		if err := r.drv.SendKeys(ctx, req); err != nil {
			return r.classify(err, wire.CodeDriverUnavailable)
		}
		return nil

	case *action.WaitParams:
		timer := time.NewTimer(time.Duration(p.Seconds * float64(time.Second)))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return r.classify(ctx.Err(), wire.CodeActionTimeout)
		case <-timer.C:
			return nil
		}

	case *action.HistoryParams:
		var err error
		switch p.Kind() {
		case action.GoBack:
			err = r.drv.NavigateHistory(ctx, -1)
		case action.GoForward:
			err = r.drv.NavigateHistory(ctx, 1)
		default: // refresh
			err = r.drv.Reload(ctx)
		}
		if err != nil {
			return r.classify(err, wire.CodeNavigationFailed)
		}
		return nil

	case *action.DragDropParams:
		fx, fy, werr := r.point(ctx, p.Start)
		if werr != nil {
			return werr
		}
		tx, ty, werr := r.point(ctx, p.End)
		if werr != nil {
			return werr
		}
		if err := r.drv.Drag(ctx, driver.DragRequest{FromX: fx, FromY: fy, ToX: tx, ToY: ty}); err != nil {
			return r.classify(err, wire.CodeDriverUnavailable)
		}
		return nil

	case *action.UploadFileParams:
		return r.upload(ctx, p)

	case *action.SelectDropdownParams:
		return r.selectOne(ctx, p)

	case *action.FillFormParams:
		return r.fillForm(ctx, p)

	case *action.SelectMultipleParams:
		idx, el, werr := r.resolve(ctx, p.Index)
		if werr != nil {
			return werr
		}
		if el.Tag != "select" {
			return wire.Errorf(wire.CodeInvalidParams, "element %d is a %s, not a select", idx, el.Tag)
		}
		req := driver.SelectRequest{Index: idx, By: driver.SelectByValue, Values: p.Values}
		if err := r.drv.Select(ctx, req); err != nil {
			return r.classify(err, wire.CodeDriverUnavailable)
		}
		r.effects.FormFieldsChanged = true
		return nil

	case *action.FormParams:
		return r.form(ctx, p)

	case *action.MediaParams:
		op := map[action.Kind]driver.MediaOp{
			action.PlayVideo:        driver.MediaPlay,
			action.PauseVideo:       driver.MediaPause,
			action.ToggleFullscreen: driver.MediaFullscreen,
			action.ToggleMute:       driver.MediaMute,
		}[p.Kind()]
		return r.media(ctx, p.Index, driver.MediaRequest{Op: op})

	case *action.SeekVideoParams:
		return r.media(ctx, p.Index, driver.MediaRequest{Op: driver.MediaSeek, Seconds: p.TimeSeconds})

	case *action.AdjustVolumeParams:
		return r.media(ctx, p.Index, driver.MediaRequest{Op: driver.MediaVolume, Volume: p.Volume})

	case *action.MultiSelectParams:
		for _, raw := range p.Indices {
			idx, el, werr := r.resolve(ctx, raw)
			if werr != nil {
				return werr
			}
			if werr := interactable(el); werr != nil {
				return werr
			}
			req := driver.ClickRequest{Index: &idx, Modifiers: []string{"ctrl"}}
			if err := r.drv.Click(ctx, req); err != nil {
				return r.classify(err, wire.CodeDriverUnavailable)
			}
		}
		return nil

	case *action.HighlightElementParams:
		idx, _, werr := r.resolve(ctx, p.Index)
		if werr != nil {
			return werr
		}
		req := driver.OverlayRequest{
			Kind:     driver.OverlayElement,
			Index:    idx,
			Color:    p.Color,
			Duration: time.Duration(p.DurationMS) * time.Millisecond,
		}
		if err := r.drv.Overlay(ctx, req); err != nil {
			return r.classify(err, wire.CodeDriverUnavailable)
		}
		r.effects.VisibilityChanged = true
		return nil

	case *action.HighlightRegionParams:
		req := driver.OverlayRequest{
			Kind:     driver.OverlayRegion,
			X:        p.X,
			Y:        p.Y,
			W:        p.Width,
			H:        p.Height,
			Color:    p.Color,
			Duration: time.Duration(p.DurationMS) * time.Millisecond,
		}
		if err := r.drv.Overlay(ctx, req); err != nil {
			return r.classify(err, wire.CodeDriverUnavailable)
		}
		r.effects.VisibilityChanged = true
		return nil

	case *action.DrawParams:
		path := make([]driver.PathPoint, len(p.Points))
		for i, pt := range p.Points {
			path[i] = driver.PathPoint{X: pt.X, Y: pt.Y}
		}
		req := driver.OverlayRequest{
			Kind:  driver.OverlayPath,
			Path:  path,
			Color: p.Color,
			Width: p.StrokeWidth,
		}
		if err := r.drv.Overlay(ctx, req); err != nil {
			return r.classify(err, wire.CodeDriverUnavailable)
		}
		r.effects.VisibilityChanged = true
		return nil

	case *action.DownloadFileParams:
		return r.download(ctx, p)

	case *action.ToggleParams:
		var err error
		if p.Kind() == action.PresentationMode {
			err = r.drv.SetPresentation(ctx, p.Enable)
		} else {
			err = r.drv.ShowPointer(ctx, p.Enable)
		}
		if err != nil {
			return r.classify(err, wire.CodeDriverUnavailable)
		}
		r.effects.VisibilityChanged = true
		return nil

	case *action.FocusElementParams:
		idx, el, werr := r.resolve(ctx, p.Index)
		if werr != nil {
			return werr
		}
		if werr := interactable(el); werr != nil {
			return werr
		}
		if err := r.drv.Focus(ctx, idx); err != nil {
			return r.classify(err, wire.CodeDriverUnavailable)
		}
		return nil

	case *action.EmptyParams:
		switch p.Kind() {
		case action.TakeScreenshot:
			return r.screenshot(ctx)
		case action.ZoomIn:
			return r.zoom(ctx, r.s.zoomStep+1)
		case action.ZoomOut:
			return r.zoom(ctx, r.s.zoomStep-1)
		default: // zoom_reset
			return r.zoom(ctx, 0)
		}
	}

	// Unreachable while the vocabulary and this switch stay in step.
	return wire.Errorf(wire.CodeUnknownActionType, "no handler for %q", p.Kind())
}

func (r *actionRun) click(ctx context.Context, t action.Target, button string, count int, modifiers []string) *wire.Error {
	req := driver.ClickRequest{Button: button, Count: count, Modifiers: modifiers}
	if t.Index != nil {
		idx, el, werr := r.resolve(ctx, *t.Index)
		if werr != nil {
			return werr
		}
		if werr := interactable(el); werr != nil {
			return werr
		}
		req.Index = &idx
	} else {
		req.X, req.Y = t.Coord.X, t.Coord.Y
	}
	if err := r.drv.Click(ctx, req); err != nil {
		return r.classify(err, wire.CodeDriverUnavailable)
	}
	return nil
}

func (r *actionRun) hover(ctx context.Context, t action.Target) *wire.Error {
	req := driver.ClickRequest{}
	if t.Index != nil {
		idx, el, werr := r.resolve(ctx, *t.Index)
		if werr != nil {
			return werr
		}
		if werr := visible(el); werr != nil {
			return werr
		}
		req.Index = &idx
	} else {
		req.X, req.Y = t.Coord.X, t.Coord.Y
	}
	if err := r.drv.Move(ctx, req); err != nil {
		return r.classify(err, wire.CodeDriverUnavailable)
	}
	return nil
}

func (r *actionRun) typeText(ctx context.Context, index *int, text string, perChar time.Duration) *wire.Error {
	req := driver.TypeRequest{Text: text, PerCharDelay: perChar}
	if index != nil {
		idx, el, werr := r.resolve(ctx, *index)
		if werr != nil {
			return werr
		}
		if werr := typeable(el); werr != nil {
			return werr
		}
		req.Index = &idx
	}
	if err := r.drv.Type(ctx, req); err != nil {
		return r.classify(err, wire.CodeDriverUnavailable)
	}
	r.effects.FormFieldsChanged = true
	return nil
}

// edit covers the clipboard and selection verbs. The verbs act on the
// focused element; an index focuses the element first.
func (r *actionRun) edit(ctx context.Context, p *action.EditParams) *wire.Error {
	var idxPtr *int
	if p.Index != nil {
		idx, el, werr := r.resolve(ctx, *p.Index)
		if werr != nil {
			return werr
		}
		if werr := visible(el); werr != nil {
			return werr
		}
		if err := r.drv.Focus(ctx, idx); err != nil {
			return r.classify(err, wire.CodeDriverUnavailable)
		}
		idxPtr = &idx
	}

	if p.Kind() == action.Clear {
		if err := r.drv.ClearInput(ctx, idxPtr); err != nil {
			return r.classify(err, wire.CodeDriverUnavailable)
		}
		r.effects.FormFieldsChanged = true
		return nil
	}

	combo := map[action.Kind]string{
		action.SelectAll: "a",
		action.Copy:      "c",
		action.Paste:     "v",
		action.Cut:       "x",
	}[p.Kind()]
	if err := r.drv.SendKeys(ctx, driver.KeysRequest{Index: idxPtr, Keys: []string{"ctrl", combo}}); err != nil {
		return r.classify(err, wire.CodeDriverUnavailable)
	}

	switch p.Kind() {
	case action.Copy, action.Cut:
		text, err := r.drv.Clipboard(ctx)
		if err != nil {
			return r.classify(err, wire.CodeDriverUnavailable)
		}
		r.payload(map[string]string{"clipboard": text})
		if p.Kind() == action.Cut {
			r.effects.FormFieldsChanged = true
		}
	case action.Paste:
		r.effects.FormFieldsChanged = true
	}
	return nil
}

func (r *actionRun) scroll(ctx context.Context, p *action.ScrollParams) *wire.Error {
	amount := p.Amount
	if amount == 0 {
		amount = defaultScrollAmount
	}
	var req driver.ScrollRequest
	switch p.Direction {
	case action.DirectionUp:
		req.DeltaY = -amount
	case action.DirectionDown:
		req.DeltaY = amount
	case action.DirectionLeft:
		req.DeltaX = -amount
	case action.DirectionRight:
		req.DeltaX = amount
	}
	if p.Kind() == action.AnimateScroll {
		req.Duration = time.Duration(p.DurationMS) * time.Millisecond
		if req.Duration == 0 {
			req.Duration = 500 * time.Millisecond
		}
	}
	if err := r.drv.Scroll(ctx, req); err != nil {
		return r.classify(err, wire.CodeDriverUnavailable)
	}
	return nil
}

func (r *actionRun) upload(ctx context.Context, p *action.UploadFileParams) *wire.Error {
	var idx int
	if p.Index != nil {
		mapped, el, werr := r.resolve(ctx, *p.Index)
		if werr != nil {
			return werr
		}
		if !fileInput(el) {
			return wire.Errorf(wire.CodeInvalidParams, "element %d is not a file input", mapped)
		}
		idx = mapped
	} else {
		view, werr := r.view(ctx)
		if werr != nil {
			return werr
		}
		found := -1
		for i := range view.Elements {
			if fileInput(&view.Elements[i]) {
				found = view.Elements[i].Index
				break
			}
		}
		if found < 0 {
			return wire.Errorf(wire.CodeElementNotFound, "page has no file input")
		}
		idx = found
	}
	if err := r.drv.SetFiles(ctx, idx, []string{p.FilePath}); err != nil {
		return r.classify(err, wire.CodeFileUploadFailed)
	}
	r.effects.FormFieldsChanged = true
	return nil
}

func (r *actionRun) selectOne(ctx context.Context, p *action.SelectDropdownParams) *wire.Error {
	idx, el, werr := r.resolve(ctx, p.Index)
	if werr != nil {
		return werr
	}
	if el.Tag != "select" {
		return wire.Errorf(wire.CodeInvalidParams, "element %d is a %s, not a select", idx, el.Tag)
	}
	req := driver.SelectRequest{Index: idx}
	switch {
	case p.Value != nil:
		req.By, req.Values = driver.SelectByValue, []string{*p.Value}
	case p.Text != nil:
		req.By, req.Values = driver.SelectByText, []string{*p.Text}
	default:
		req.By, req.Values = driver.SelectByIndex, []string{strconv.Itoa(*p.OptionIndex)}
	}
	if err := r.drv.Select(ctx, req); err != nil {
		return r.classify(err, wire.CodeDriverUnavailable)
	}
	r.effects.FormFieldsChanged = true
	return nil
}

// fillFieldReport is the per-field outcome carried in the fill_form result
// data. Fields keep being filled after one fails.
type fillFieldReport struct {
	Index int    `json:"index"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (r *actionRun) fillForm(ctx context.Context, p *action.FillFormParams) *wire.Error {
	reports := make([]fillFieldReport, 0, len(p.Fields))
	var firstErr *wire.Error
	for _, f := range p.Fields {
		report := fillFieldReport{Index: f.Index, OK: true}
		if werr := r.fillField(ctx, f); werr != nil {
			report.OK = false
			report.Error = werr.Error()
			if firstErr == nil {
				firstErr = werr
			}
		}
		reports = append(reports, report)
	}
	r.payload(map[string]any{"fields": reports})
	r.effects.FormFieldsChanged = true
	return firstErr
}

func (r *actionRun) fillField(ctx context.Context, f action.FieldValue) *wire.Error {
	idx, el, werr := r.resolve(ctx, f.Index)
	if werr != nil {
		return werr
	}
	if werr := typeable(el); werr != nil {
		return werr
	}
	if err := r.drv.ClearInput(ctx, &idx); err != nil {
		return r.classify(err, wire.CodeDriverUnavailable)
	}
	if err := r.drv.Type(ctx, driver.TypeRequest{Index: &idx, Text: f.Value}); err != nil {
		return r.classify(err, wire.CodeDriverUnavailable)
	}
	return nil
}

func (r *actionRun) form(ctx context.Context, p *action.FormParams) *wire.Error {
	var idxPtr *int
	if p.Index != nil {
		idx, _, werr := r.resolve(ctx, *p.Index)
		if werr != nil {
			return werr
		}
		idxPtr = &idx
	}
	if p.Kind() == action.ResetForm {
		if err := r.drv.ResetForm(ctx, idxPtr); err != nil {
			return r.classify(err, wire.CodeDriverUnavailable)
		}
		r.effects.FormFieldsChanged = true
		return nil
	}
	if err := r.drv.SubmitForm(ctx, idxPtr); err != nil {
		return r.classify(err, wire.CodeSubmissionRejected)
	}
	return nil
}

func (r *actionRun) media(ctx context.Context, index *int, req driver.MediaRequest) *wire.Error {
	if index != nil {
		idx, el, werr := r.resolve(ctx, *index)
		if werr != nil {
			return werr
		}
		if el.Tag != "video" && el.Tag != "audio" {
			return wire.Errorf(wire.CodeInvalidParams, "element %d is a %s, not a media element", idx, el.Tag)
		}
		req.Index = &idx
	}
	if err := r.drv.Media(ctx, req); err != nil {
		return r.classify(err, wire.CodeDriverUnavailable)
	}
	return nil
}

func (r *actionRun) download(ctx context.Context, p *action.DownloadFileParams) *wire.Error {
	url := ""
	if p.URL != nil {
		url = *p.URL
	} else {
		idx, el, werr := r.resolve(ctx, *p.Index)
		if werr != nil {
			return werr
		}
		url = el.Attrs["href"]
		if url == "" {
			url = el.Attrs["src"]
		}
		if url == "" {
			return wire.Errorf(wire.CodeElementNotFound, "element %d carries no downloadable reference", idx)
		}
	}
	ref, err := r.drv.Download(ctx, url)
	if err != nil {
		return r.classify(err, wire.CodeNavigationFailed)
	}
	r.effects.DownloadRef = ref
	r.payload(map[string]string{"download_ref": ref, "url": url})
	return nil
}

func (r *actionRun) screenshot(ctx context.Context) *wire.Error {
	img, err := r.drv.Screenshot(ctx)
	if err != nil {
		return r.classify(err, wire.CodeDriverUnavailable)
	}
	ref, err := r.m.shots.Save(ctx, r.s.room, img)
	if err != nil {
		return wire.Wrap(wire.CodeDriverUnavailable, err)
	}
	r.screenshotRef = ref
	r.payload(map[string]string{"screenshot_ref": ref})
	return nil
}

// zoom applies a cumulative zoom step. Each step scales by 1.25; step zero
// resets the page scale.
func (r *actionRun) zoom(ctx context.Context, step int) *wire.Error {
	if step > maxZoomSteps {
		step = maxZoomSteps
	}
	if step < -maxZoomSteps {
		step = -maxZoomSteps
	}
	factor := 0.0
	if step != 0 {
		factor = math.Pow(1.25, float64(step))
	}
	if err := r.drv.Zoom(ctx, factor); err != nil {
		return r.classify(err, wire.CodeDriverUnavailable)
	}
	r.s.zoomStep = step
	r.effects.VisibilityChanged = true
	return nil
}

// point resolves a drag target to viewport coordinates, using the element
// bounding-box center for index targets.
func (r *actionRun) point(ctx context.Context, t action.Target) (float64, float64, *wire.Error) {
	if t.Coord != nil {
		return t.Coord.X, t.Coord.Y, nil
	}
	_, el, werr := r.resolve(ctx, *t.Index)
	if werr != nil {
		return 0, 0, werr
	}
	if werr := visible(el); werr != nil {
		return 0, 0, werr
	}
	return el.BBox.X + el.BBox.Width/2, el.BBox.Y + el.BBox.Height/2, nil
}

// visible rejects elements outside the rendered page. The issuer refreshes
// its view and retries; visibility changes between captures.
func visible(el *dom.Element) *wire.Error {
	if !el.Visible {
		return wire.Errorf(wire.CodeElementNotFound, "element %d is not visible", el.Index)
	}
	return nil
}

// interactable rejects hidden or disabled elements for pointer actions.
func interactable(el *dom.Element) *wire.Error {
	if werr := visible(el); werr != nil {
		return werr
	}
	if !el.Enabled {
		return wire.Errorf(wire.CodeElementNotFound, "element %d is disabled", el.Index)
	}
	return nil
}

// typeable rejects elements that cannot receive text. Targeting the wrong
// element kind is an issuer mistake, not a page race, so it is reported as
// invalid params rather than an element failure.
func typeable(el *dom.Element) *wire.Error {
	if werr := interactable(el); werr != nil {
		return werr
	}
	switch {
	case el.Tag == "input", el.Tag == "textarea":
	case el.Attrs["contenteditable"] == "true":
	default:
		return wire.Errorf(wire.CodeInvalidParams, "element %d (%s) does not accept text", el.Index, el.Tag)
	}
	if _, ok := el.Attrs["readonly"]; ok {
		return wire.Errorf(wire.CodeInvalidParams, "element %d is read-only", el.Index)
	}
	return nil
}

// fileInput reports whether el is an <input type="file">.
func fileInput(el *dom.Element) bool {
	return el.Tag == "input" && el.Attrs["type"] == "file"
}
