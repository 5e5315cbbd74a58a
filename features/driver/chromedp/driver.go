package chromedp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"

	"goa.design/pilot/dom"
	"goa.design/pilot/driver"
	"goa.design/pilot/telemetry"
)

const scrollAnimationSteps = 10

// Driver is one browser tab. Every operation serializes on an internal mutex
// and runs against the tab context with a per-operation timeout; caller
// cancellation propagates into DevTools calls.
type Driver struct {
	cfg     driver.Config
	timeout time.Duration
	log     telemetry.Logger

	mu        sync.Mutex
	tab       context.Context
	tabCancel context.CancelFunc
	// retired holds cancel funcs of tabs replaced by Navigate with newTab.
	// They stay open, as a real browser would leave them, until Close.
	retired []context.CancelFunc
	closed  bool

	// lastSnap resolves element indices; nil until the first Snapshot.
	lastSnap *dom.Snapshot
	lastX    float64
	lastY    float64
	hasPos   bool
	clip     string
}

var _ driver.Driver = (*Driver)(nil)

// run executes DevTools actions against the tab, bounded by the operation
// timeout and the caller's context.
func (d *Driver) run(callCtx context.Context, actions ...chromedp.Action) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runLocked(callCtx, actions...)
}

func (d *Driver) runLocked(callCtx context.Context, actions ...chromedp.Action) error {
	if d.closed {
		return errors.New("driver closed")
	}
	if d.tab.Err() != nil {
		return driver.ErrCrashed
	}
	runCtx, cancel := context.WithTimeout(d.tab, d.timeout)
	defer cancel()
	if callCtx != nil {
		if done := callCtx.Done(); done != nil {
			go func() {
				select {
				case <-done:
					cancel()
				case <-runCtx.Done():
				}
			}()
		}
	}
	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if callCtx != nil && callCtx.Err() != nil {
		return callCtx.Err()
	}
	if d.tab.Err() != nil {
		return fmt.Errorf("%w: %v", driver.ErrCrashed, err)
	}
	return err
}

// setupActions returns the per-tab configuration: viewport emulation, user
// agent override and clipboard permissions. Permission grants are
// best-effort; older browsers reject them.
func (d *Driver) setupActions() []chromedp.Action {
	acts := []chromedp.Action{
		chromedp.EmulateViewport(int64(d.cfg.Viewport.Width), int64(d.cfg.Viewport.Height)),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_ = browser.GrantPermissions([]browser.PermissionType{
				browser.PermissionTypeClipboardReadWrite,
				browser.PermissionTypeClipboardSanitizedWrite,
			}).Do(ctx)
			return nil
		}),
	}
	if d.cfg.UserAgent != "" {
		acts = append(acts, chromedp.ActionFunc(func(ctx context.Context) error {
			return emulation.SetUserAgentOverride(d.cfg.UserAgent).Do(ctx)
		}))
	}
	return acts
}

// element resolves an index against the most recent snapshot.
func (d *Driver) element(index int) (*dom.Element, error) {
	d.mu.Lock()
	snap := d.lastSnap
	d.mu.Unlock()
	if snap == nil {
		return nil, errors.New("no snapshot captured yet")
	}
	return snap.Element(index)
}

// point resolves an optional element index to its bounding-box center, or
// passes raw coordinates through.
func (d *Driver) point(index *int, x, y float64) (float64, float64, error) {
	if index == nil {
		return x, y, nil
	}
	el, err := d.element(*index)
	if err != nil {
		return 0, 0, err
	}
	return el.BBox.X + el.BBox.Width/2, el.BBox.Y + el.BBox.Height/2, nil
}

func (d *Driver) setCursor(x, y float64) {
	d.mu.Lock()
	d.lastX, d.lastY, d.hasPos = x, y, true
	d.mu.Unlock()
}

// cursor returns the last pointer position, or the viewport center before
// any pointer op.
func (d *Driver) cursor() (float64, float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hasPos {
		return d.lastX, d.lastY
	}
	return float64(d.cfg.Viewport.Width) / 2, float64(d.cfg.Viewport.Height) / 2
}

// Navigate implements driver.Driver.
func (d *Driver) Navigate(ctx context.Context, url string, newTab bool) error {
	if newTab {
		if err := d.openTab(); err != nil {
			return err
		}
		d.log.Debug(ctx, "opened browser tab", "url", url)
	}
	return d.run(ctx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery))
}

// openTab replaces the active tab with a fresh one in the same browser. The
// old tab stays open until Close.
func (d *Driver) openTab() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("driver closed")
	}
	if d.tab.Err() != nil {
		return driver.ErrCrashed
	}
	tab, cancel := chromedp.NewContext(d.tab)
	runCtx, tcancel := context.WithTimeout(tab, d.timeout)
	defer tcancel()
	acts := append(d.setupActions(), chromedp.Navigate("about:blank"))
	if err := chromedp.Run(runCtx, acts...); err != nil {
		cancel()
		return err
	}
	d.retired = append(d.retired, d.tabCancel)
	d.tab, d.tabCancel = tab, cancel
	d.lastSnap = nil
	d.hasPos = false
	return nil
}

// NavigateHistory implements driver.Driver. Moves past either end of the
// history clamp to the boundary entry.
func (d *Driver) NavigateHistory(ctx context.Context, delta int) error {
	if delta == 0 {
		return nil
	}
	return d.run(ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			cur, entries, err := page.GetNavigationHistory().Do(ctx)
			if err != nil {
				return err
			}
			target := cur + int64(delta)
			if target < 0 {
				target = 0
			}
			if max := int64(len(entries) - 1); target > max {
				target = max
			}
			if target == cur {
				return nil
			}
			return page.NavigateToHistoryEntry(entries[target].ID).Do(ctx)
		}),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// Reload implements driver.Driver.
func (d *Driver) Reload(ctx context.Context) error {
	return d.run(ctx, chromedp.Reload(), chromedp.WaitReady("body", chromedp.ByQuery))
}

// Snapshot implements driver.Driver. The capture runs a single page script
// and finalizes indices, forms and the content hash on the Go side.
func (d *Driver) Snapshot(ctx context.Context) (*dom.Snapshot, error) {
	var (
		url      string
		title    string
		captured capturedPage
	)
	err := d.run(ctx,
		chromedp.Location(&url),
		chromedp.Title(&title),
		chromedp.Evaluate(captureScript, &captured),
	)
	if err != nil {
		return nil, err
	}
	snap := captured.toSnapshot(url, title)
	x, y := d.cursor()
	snap.CursorX, snap.CursorY = int(x), int(y)
	dom.Finalize(snap)
	d.mu.Lock()
	d.lastSnap = snap
	d.mu.Unlock()
	return snap, nil
}

// Screenshot implements driver.Driver.
func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := d.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Click implements driver.Driver.
func (d *Driver) Click(ctx context.Context, req driver.ClickRequest) error {
	x, y, err := d.point(req.Index, req.X, req.Y)
	if err != nil {
		return err
	}
	count := req.Count
	if count <= 0 {
		count = 1
	}
	opts := []chromedp.MouseOption{
		chromedp.ButtonType(mouseButton(req.Button)),
		chromedp.ClickCount(count),
	}
	if mods := keyModifiers(req.Modifiers); mods != 0 {
		opts = append(opts, withMouseModifiers(mods))
	}
	if err := d.run(ctx, chromedp.MouseClickXY(x, y, opts...)); err != nil {
		return err
	}
	d.setCursor(x, y)
	return nil
}

// Move implements driver.Driver.
func (d *Driver) Move(ctx context.Context, req driver.ClickRequest) error {
	x, y, err := d.point(req.Index, req.X, req.Y)
	if err != nil {
		return err
	}
	if err := d.run(ctx, chromedp.MouseEvent(input.MouseMoved, x, y)); err != nil {
		return err
	}
	d.setCursor(x, y)
	return nil
}

// Type implements driver.Driver.
func (d *Driver) Type(ctx context.Context, req driver.TypeRequest) error {
	var sel string
	if req.Index != nil {
		el, err := d.element(*req.Index)
		if err != nil {
			return err
		}
		sel = el.Selector
	}
	if req.PerCharDelay <= 0 {
		if sel != "" {
			return d.run(ctx, chromedp.SendKeys(sel, req.Text, chromedp.ByQuery))
		}
		return d.run(ctx, chromedp.KeyEvent(req.Text))
	}
	acts := make([]chromedp.Action, 0, 2*len(req.Text)+1)
	if sel != "" {
		acts = append(acts, chromedp.Focus(sel, chromedp.ByQuery))
	}
	for _, r := range req.Text {
		acts = append(acts, chromedp.KeyEvent(string(r)), chromedp.Sleep(req.PerCharDelay))
	}
	return d.run(ctx, acts...)
}

// ClearInput implements driver.Driver.
func (d *Driver) ClearInput(ctx context.Context, index *int) error {
	if index != nil {
		el, err := d.element(*index)
		if err != nil {
			return err
		}
		return d.run(ctx,
			chromedp.Focus(el.Selector, chromedp.ByQuery),
			chromedp.SetValue(el.Selector, "", chromedp.ByQuery),
		)
	}
	var ok bool
	if err := d.run(ctx, chromedp.Evaluate(clearActiveScript, &ok)); err != nil {
		return err
	}
	if !ok {
		return errors.New("no editable element focused")
	}
	return nil
}

// SendKeys implements driver.Driver. Modifier names anywhere in the sequence
// are held for the remaining keys.
func (d *Driver) SendKeys(ctx context.Context, req driver.KeysRequest) error {
	keys, mods, err := splitKeySequence(req.Keys)
	if err != nil {
		return err
	}
	var acts []chromedp.Action
	if req.Index != nil {
		el, err := d.element(*req.Index)
		if err != nil {
			return err
		}
		acts = append(acts, chromedp.Focus(el.Selector, chromedp.ByQuery))
	}
	if keys != "" {
		var opts []chromedp.KeyOption
		if mods != 0 {
			opts = append(opts, chromedp.KeyModifiers(mods))
		}
		acts = append(acts, chromedp.KeyEvent(keys, opts...))
	}
	if len(acts) == 0 {
		return errors.New("key sequence is empty")
	}
	return d.run(ctx, acts...)
}

// Scroll implements driver.Driver. A positive duration splits the delta into
// wheel steps with pauses between them.
func (d *Driver) Scroll(ctx context.Context, req driver.ScrollRequest) error {
	if req.DeltaX == 0 && req.DeltaY == 0 {
		return nil
	}
	x, y := d.cursor()
	steps := 1
	var pause time.Duration
	if req.Duration > 0 {
		steps = scrollAnimationSteps
		pause = req.Duration / time.Duration(steps)
	}
	dx := req.DeltaX / float64(steps)
	dy := req.DeltaY / float64(steps)
	acts := make([]chromedp.Action, 0, 2*steps)
	for i := 0; i < steps; i++ {
		acts = append(acts, chromedp.MouseEvent(input.MouseWheel, x, y, withWheelDelta(dx, dy)))
		if pause > 0 && i < steps-1 {
			acts = append(acts, chromedp.Sleep(pause))
		}
	}
	return d.run(ctx, acts...)
}

// Drag implements driver.Driver.
func (d *Driver) Drag(ctx context.Context, req driver.DragRequest) error {
	err := d.run(ctx,
		chromedp.MouseEvent(input.MousePressed, req.FromX, req.FromY, chromedp.ButtonType(input.Left)),
		chromedp.MouseEvent(input.MouseMoved, req.ToX, req.ToY, chromedp.ButtonType(input.Left)),
		chromedp.MouseEvent(input.MouseReleased, req.ToX, req.ToY, chromedp.ButtonType(input.Left)),
	)
	if err != nil {
		return err
	}
	d.setCursor(req.ToX, req.ToY)
	return nil
}

// SetFiles implements driver.Driver.
func (d *Driver) SetFiles(ctx context.Context, index int, paths []string) error {
	el, err := d.element(index)
	if err != nil {
		return err
	}
	return d.run(ctx, chromedp.SetUploadFiles(el.Selector, paths, chromedp.ByQuery))
}

// Select implements driver.Driver.
func (d *Driver) Select(ctx context.Context, req driver.SelectRequest) error {
	el, err := d.element(req.Index)
	if err != nil {
		return err
	}
	script, err := selectScript(el.Selector, req.By, req.Values)
	if err != nil {
		return err
	}
	var failure string
	if err := d.run(ctx, chromedp.Evaluate(script, &failure)); err != nil {
		return err
	}
	if failure != "" {
		return errors.New(failure)
	}
	return nil
}

// SubmitForm implements driver.Driver.
func (d *Driver) SubmitForm(ctx context.Context, index *int) error {
	sel := "form"
	if index != nil {
		el, err := d.element(*index)
		if err != nil {
			return err
		}
		sel = el.Selector
	}
	return d.run(ctx, chromedp.Submit(sel, chromedp.ByQuery))
}

// ResetForm implements driver.Driver.
func (d *Driver) ResetForm(ctx context.Context, index *int) error {
	sel := "form"
	if index != nil {
		el, err := d.element(*index)
		if err != nil {
			return err
		}
		sel = el.Selector
	}
	return d.run(ctx, chromedp.Reset(sel, chromedp.ByQuery))
}

// Media implements driver.Driver.
func (d *Driver) Media(ctx context.Context, req driver.MediaRequest) error {
	sel := ""
	if req.Index != nil {
		el, err := d.element(*req.Index)
		if err != nil {
			return err
		}
		sel = el.Selector
	}
	script, err := mediaScript(sel, req)
	if err != nil {
		return err
	}
	var failure string
	if err := d.run(ctx, chromedp.Evaluate(script, &failure)); err != nil {
		return err
	}
	if failure != "" {
		return errors.New(failure)
	}
	return nil
}

// Zoom implements driver.Driver.
func (d *Driver) Zoom(ctx context.Context, factor float64) error {
	if factor == 0 {
		factor = 1
	}
	if factor < 0 {
		return fmt.Errorf("zoom factor %v out of range", factor)
	}
	return d.run(ctx, chromedp.Evaluate(zoomScript(factor), nil))
}

// Overlay implements driver.Driver. Overlays are page decorations; failures
// to draw are returned but never affect page state.
func (d *Driver) Overlay(ctx context.Context, req driver.OverlayRequest) error {
	if req.Kind == driver.OverlayElement {
		el, err := d.element(req.Index)
		if err != nil {
			return err
		}
		req.X, req.Y = el.BBox.X, el.BBox.Y
		req.W, req.H = el.BBox.Width, el.BBox.Height
	}
	script, err := overlayScript(req)
	if err != nil {
		return err
	}
	return d.run(ctx, chromedp.Evaluate(script, nil))
}

// Focus implements driver.Driver.
func (d *Driver) Focus(ctx context.Context, index int) error {
	el, err := d.element(index)
	if err != nil {
		return err
	}
	return d.run(ctx, chromedp.Focus(el.Selector, chromedp.ByQuery))
}

// SetPresentation implements driver.Driver.
func (d *Driver) SetPresentation(ctx context.Context, enable bool) error {
	return d.run(ctx, chromedp.Evaluate(presentationScript(enable), nil))
}

// ShowPointer implements driver.Driver.
func (d *Driver) ShowPointer(ctx context.Context, visible bool) error {
	return d.run(ctx, chromedp.Evaluate(pointerScript(visible), nil))
}

// Download implements driver.Driver. The fetch runs in the page so it rides
// the page's cookies and auth state; the body is written under the session
// download directory.
func (d *Driver) Download(ctx context.Context, url string) (string, error) {
	script, err := downloadScript(url)
	if err != nil {
		return "", err
	}
	var encoded string
	if err := d.run(ctx, chromedp.Evaluate(script, &encoded, awaitPromise)); err != nil {
		return "", err
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode download payload: %w", err)
	}
	if err := os.MkdirAll(d.cfg.DownloadDir, 0o755); err != nil {
		return "", err
	}
	name := path.Base(url)
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	if name == "" || name == "." || name == "/" {
		name = "download"
	}
	dest := filepath.Join(d.cfg.DownloadDir, uuid.NewString()+"-"+name)
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", err
	}
	return dest, nil
}

// Clipboard implements driver.Driver. Page clipboard wins when readable;
// otherwise the driver-local copy set by SetClipboard is returned.
func (d *Driver) Clipboard(ctx context.Context) (string, error) {
	var text string
	if err := d.run(ctx, chromedp.Evaluate(readClipboardScript, &text, awaitPromise)); err == nil && text != "" {
		d.mu.Lock()
		d.clip = text
		d.mu.Unlock()
		return text, nil
	} else if err != nil && errors.Is(err, driver.ErrCrashed) {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clip, nil
}

// SetClipboard implements driver.Driver. The page clipboard sync is
// best-effort; the local copy is authoritative.
func (d *Driver) SetClipboard(ctx context.Context, text string) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.New("driver closed")
	}
	d.clip = text
	d.mu.Unlock()
	script, err := writeClipboardScript(text)
	if err != nil {
		return err
	}
	if err := d.run(ctx, chromedp.Evaluate(script, nil, awaitPromise)); err != nil && errors.Is(err, driver.ErrCrashed) {
		return err
	}
	return nil
}

// PageText implements driver.Driver.
func (d *Driver) PageText(ctx context.Context) (string, error) {
	var text string
	if err := d.run(ctx, chromedp.Evaluate(pageTextScript, &text)); err != nil {
		return "", err
	}
	return text, nil
}

// Alive implements driver.Driver.
func (d *Driver) Alive(ctx context.Context) error {
	var one int
	if err := d.run(ctx, chromedp.Evaluate("1", &one)); err != nil {
		if errors.Is(err, driver.ErrCrashed) {
			return err
		}
		return fmt.Errorf("%w: %v", driver.ErrCrashed, err)
	}
	return nil
}

// Close implements driver.Driver.
func (d *Driver) Close(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.tabCancel()
	for _, cancel := range d.retired {
		cancel()
	}
	d.retired = nil
	return nil
}

func mouseButton(name string) input.MouseButton {
	switch strings.ToLower(name) {
	case "", "left":
		return input.Left
	case "right":
		return input.Right
	case "middle":
		return input.Middle
	default:
		return input.Left
	}
}

func withMouseModifiers(mods input.Modifier) chromedp.MouseOption {
	return func(p *input.DispatchMouseEventParams) *input.DispatchMouseEventParams {
		return p.WithModifiers(mods)
	}
}

func withWheelDelta(dx, dy float64) chromedp.MouseOption {
	return func(p *input.DispatchMouseEventParams) *input.DispatchMouseEventParams {
		return p.WithDeltaX(dx).WithDeltaY(dy)
	}
}

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}
