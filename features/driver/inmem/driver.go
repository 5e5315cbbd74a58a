// Package inmem provides an in-memory implementation of driver.Driver backed
// by scripted pages. It is intended for tests and local development;
// production deployments use features/driver/chromedp.
package inmem

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"goa.design/pilot/dom"
	"goa.design/pilot/driver"
)

type (
	// Page is one scripted page. Element positions double as the indices
	// snapshots assign, so Links and Reveals key on position.
	Page struct {
		URL      string
		Title    string
		Text     string
		Elements []dom.Element
		// Links maps element positions to navigation targets followed
		// on click, submit or Enter.
		Links map[int]string
		// Reveals maps element positions to elements appended to the
		// page on click, modeling modals and expanding menus.
		Reveals map[int][]dom.Element
	}

	// World is the set of pages drivers can navigate. Pages added after a
	// driver started are reachable immediately; a reload picks up changed
	// definitions.
	World struct {
		mu    sync.RWMutex
		pages map[string]Page
	}

	// TypeRecord is one recorded text emission.
	TypeRecord struct {
		Index *int
		Text  string
	}

	// Driver is a scripted browser page. It records every operation so
	// tests can assert on the exact driver traffic.
	Driver struct {
		world *World
		cfg   driver.Config

		mu        sync.Mutex
		url       string
		title     string
		text      string
		elements  []dom.Element
		links     map[int]string
		reveals   map[int][]dom.Element
		history   []string
		histPos   int
		focus     *int
		clipboard string
		zoom      float64
		presented bool
		pointer   bool
		crashed   bool
		closed    bool
		shots     int

		Clicks    []driver.ClickRequest
		Moves     []driver.ClickRequest
		Typed     []TypeRecord
		Keys      []driver.KeysRequest
		Scrolls   []driver.ScrollRequest
		Drags     []driver.DragRequest
		Selects   []driver.SelectRequest
		Medias    []driver.MediaRequest
		Overlays  []driver.OverlayRequest
		Files     map[int][]string
		Downloads []string
	}

	// Factory allocates inmem drivers over a shared world.
	Factory struct {
		world *World

		mu      sync.Mutex
		created []*Driver
		nextErr error
	}
)

// NewWorld returns an empty world.
func NewWorld() *World {
	return &World{pages: make(map[string]Page)}
}

// AddPage registers or replaces a page definition.
func (w *World) AddPage(p Page) {
	w.mu.Lock()
	w.pages[p.URL] = p
	w.mu.Unlock()
}

func (w *World) page(url string) (Page, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	p, ok := w.pages[url]
	return p, ok
}

// NewFactory returns a factory allocating drivers over world.
func NewFactory(world *World) *Factory {
	return &Factory{world: world}
}

// New implements driver.Factory.
func (f *Factory) New(_ context.Context, cfg driver.Config) (driver.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nextErr != nil {
		err := f.nextErr
		f.nextErr = nil
		return nil, err
	}
	if cfg.Viewport.Width == 0 {
		cfg.Viewport = dom.Viewport{Width: 1280, Height: 720}
	}
	d := &Driver{
		world:   f.world,
		cfg:     cfg,
		url:     "about:blank",
		history: []string{"about:blank"},
		zoom:    1,
		Files:   make(map[int][]string),
	}
	f.created = append(f.created, d)
	return d, nil
}

// FailNext makes the next New call return err.
func (f *Factory) FailNext(err error) {
	f.mu.Lock()
	f.nextErr = err
	f.mu.Unlock()
}

// Created returns every driver the factory allocated, in order.
func (f *Factory) Created() []*Driver {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Driver(nil), f.created...)
}

// Crash marks the driver dead: every subsequent call fails with ErrCrashed.
func (d *Driver) Crash() {
	d.mu.Lock()
	d.crashed = true
	d.mu.Unlock()
}

func (d *Driver) check() error {
	if d.crashed {
		return driver.ErrCrashed
	}
	if d.closed {
		return fmt.Errorf("driver closed")
	}
	return nil
}

// loadLocked replaces the current page state from the world. The caller holds
// the mutex.
func (d *Driver) loadLocked(url string) error {
	if url == "about:blank" {
		d.url, d.title, d.text = url, "", ""
		d.elements, d.links, d.reveals = nil, nil, nil
		d.focus = nil
		return nil
	}
	p, ok := d.world.page(url)
	if !ok {
		return fmt.Errorf("no page at %s", url)
	}
	d.url, d.title, d.text = p.URL, p.Title, p.Text
	d.elements = cloneElements(p.Elements)
	d.links, d.reveals = p.Links, p.Reveals
	d.focus = nil
	return nil
}

// Navigate implements driver.Driver.
func (d *Driver) Navigate(_ context.Context, url string, _ bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	if err := d.loadLocked(url); err != nil {
		return err
	}
	d.history = append(d.history[:d.histPos+1], url)
	d.histPos = len(d.history) - 1
	return nil
}

// NavigateHistory implements driver.Driver. Moves past either end clamp.
func (d *Driver) NavigateHistory(_ context.Context, delta int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	pos := d.histPos + delta
	if pos < 0 {
		pos = 0
	}
	if pos >= len(d.history) {
		pos = len(d.history) - 1
	}
	d.histPos = pos
	return d.loadLocked(d.history[pos])
}

// Reload implements driver.Driver. It re-reads the page definition so world
// mutations become visible.
func (d *Driver) Reload(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	return d.loadLocked(d.url)
}

// Snapshot implements driver.Driver.
func (d *Driver) Snapshot(_ context.Context) (*dom.Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return nil, err
	}
	s := &dom.Snapshot{
		URL:          d.url,
		Title:        d.title,
		ReadyState:   "complete",
		Viewport:     d.cfg.Viewport,
		Elements:     cloneElements(d.elements),
		CapturedAtMS: time.Now().UnixMilli(),
	}
	if d.focus != nil && *d.focus < len(s.Elements) {
		s.Elements[*d.focus].Focused = true
	}
	dom.Finalize(s)
	return s, nil
}

// Screenshot implements driver.Driver.
func (d *Driver) Screenshot(_ context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return nil, err
	}
	d.shots++
	return fmt.Appendf(nil, "frame:%s:%d", d.url, d.shots), nil
}

// Click implements driver.Driver.
func (d *Driver) Click(_ context.Context, req driver.ClickRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	d.Clicks = append(d.Clicks, req)
	idx := req.Index
	if idx == nil {
		idx = d.hitTestLocked(req.X, req.Y)
	}
	if idx == nil {
		return nil
	}
	if *idx < 0 || *idx >= len(d.elements) {
		return fmt.Errorf("no element at index %d", *idx)
	}
	i := *idx
	d.focus = &i
	if extra, ok := d.reveals[i]; ok {
		d.elements = append(d.elements, cloneElements(extra)...)
	}
	if target, ok := d.links[i]; ok {
		if err := d.loadLocked(target); err != nil {
			return err
		}
		d.history = append(d.history[:d.histPos+1], target)
		d.histPos = len(d.history) - 1
	}
	return nil
}

// Move implements driver.Driver.
func (d *Driver) Move(_ context.Context, req driver.ClickRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	d.Moves = append(d.Moves, req)
	return nil
}

// Type implements driver.Driver. Text is appended to the element value per
// the type contract; clear first to replace.
func (d *Driver) Type(_ context.Context, req driver.TypeRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	d.Typed = append(d.Typed, TypeRecord{Index: req.Index, Text: req.Text})
	idx := req.Index
	if idx == nil {
		idx = d.focus
	}
	if idx == nil || *idx < 0 || *idx >= len(d.elements) {
		return fmt.Errorf("no focused element to type into")
	}
	e := &d.elements[*idx]
	if e.Attrs == nil {
		e.Attrs = make(map[string]string)
	}
	e.Attrs["value"] += req.Text
	i := *idx
	d.focus = &i
	return nil
}

// ClearInput implements driver.Driver.
func (d *Driver) ClearInput(_ context.Context, index *int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	if index == nil {
		index = d.focus
	}
	if index == nil || *index < 0 || *index >= len(d.elements) {
		return fmt.Errorf("no element to clear")
	}
	if d.elements[*index].Attrs != nil {
		delete(d.elements[*index].Attrs, "value")
	}
	return nil
}

// SendKeys implements driver.Driver. Clipboard shortcuts operate on the
// focused element; Enter follows the page's submit link when one exists.
func (d *Driver) SendKeys(_ context.Context, req driver.KeysRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	d.Keys = append(d.Keys, req)
	if req.Index != nil {
		i := *req.Index
		d.focus = &i
	}
	switch {
	case hasKeys(req.Keys, "ctrl", "c"):
		d.clipboard = d.focusedValueLocked()
	case hasKeys(req.Keys, "ctrl", "x"):
		d.clipboard = d.focusedValueLocked()
		d.setFocusedValueLocked("")
	case hasKeys(req.Keys, "ctrl", "v"):
		d.setFocusedValueLocked(d.focusedValueLocked() + d.clipboard)
	case hasKeys(req.Keys, "Enter"):
		return d.followSubmitLocked()
	}
	return nil
}

// Scroll implements driver.Driver.
func (d *Driver) Scroll(_ context.Context, req driver.ScrollRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	d.Scrolls = append(d.Scrolls, req)
	return nil
}

// Drag implements driver.Driver.
func (d *Driver) Drag(_ context.Context, req driver.DragRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	d.Drags = append(d.Drags, req)
	return nil
}

// SetFiles implements driver.Driver.
func (d *Driver) SetFiles(_ context.Context, index int, paths []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	if index < 0 || index >= len(d.elements) {
		return fmt.Errorf("no element at index %d", index)
	}
	d.Files[index] = append([]string(nil), paths...)
	return nil
}

// Select implements driver.Driver.
func (d *Driver) Select(_ context.Context, req driver.SelectRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	if req.Index < 0 || req.Index >= len(d.elements) {
		return fmt.Errorf("no element at index %d", req.Index)
	}
	d.Selects = append(d.Selects, req)
	e := &d.elements[req.Index]
	if e.Attrs == nil {
		e.Attrs = make(map[string]string)
	}
	e.Attrs["value"] = strings.Join(req.Values, ",")
	return nil
}

// SubmitForm implements driver.Driver.
func (d *Driver) SubmitForm(_ context.Context, index *int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	if index != nil {
		if target, ok := d.links[*index]; ok {
			return d.navigateLocked(target)
		}
	}
	return d.followSubmitLocked()
}

// ResetForm implements driver.Driver.
func (d *Driver) ResetForm(_ context.Context, _ *int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	for i := range d.elements {
		if d.elements[i].Attrs != nil {
			delete(d.elements[i].Attrs, "value")
		}
	}
	return nil
}

// Media implements driver.Driver.
func (d *Driver) Media(_ context.Context, req driver.MediaRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	d.Medias = append(d.Medias, req)
	return nil
}

// Zoom implements driver.Driver.
func (d *Driver) Zoom(_ context.Context, factor float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	if factor == 0 {
		factor = 1
	}
	d.zoom = factor
	return nil
}

// Overlay implements driver.Driver.
func (d *Driver) Overlay(_ context.Context, req driver.OverlayRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	d.Overlays = append(d.Overlays, req)
	return nil
}

// Focus implements driver.Driver.
func (d *Driver) Focus(_ context.Context, index int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	if index < 0 || index >= len(d.elements) {
		return fmt.Errorf("no element at index %d", index)
	}
	d.focus = &index
	return nil
}

// SetPresentation implements driver.Driver.
func (d *Driver) SetPresentation(_ context.Context, enable bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	d.presented = enable
	return nil
}

// ShowPointer implements driver.Driver.
func (d *Driver) ShowPointer(_ context.Context, visible bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	d.pointer = visible
	return nil
}

// Download implements driver.Driver.
func (d *Driver) Download(_ context.Context, url string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return "", err
	}
	ref := "inmem://downloads/" + path.Base(url)
	d.Downloads = append(d.Downloads, url)
	return ref, nil
}

// Clipboard implements driver.Driver.
func (d *Driver) Clipboard(_ context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return "", err
	}
	return d.clipboard, nil
}

// SetClipboard implements driver.Driver.
func (d *Driver) SetClipboard(_ context.Context, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	d.clipboard = text
	return nil
}

// PageText implements driver.Driver.
func (d *Driver) PageText(_ context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return "", err
	}
	return d.text, nil
}

// Alive implements driver.Driver.
func (d *Driver) Alive(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.check()
}

// Close implements driver.Driver.
func (d *Driver) Close(_ context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// URL returns the current page URL.
func (d *Driver) URL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url
}

// ZoomFactor returns the current zoom level.
func (d *Driver) ZoomFactor() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.zoom
}

// Presented reports the presentation-mode toggle.
func (d *Driver) Presented() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.presented
}

// PointerShown reports the pointer-indicator toggle.
func (d *Driver) PointerShown() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pointer
}

func (d *Driver) navigateLocked(url string) error {
	if err := d.loadLocked(url); err != nil {
		return err
	}
	d.history = append(d.history[:d.histPos+1], url)
	d.histPos = len(d.history) - 1
	return nil
}

// followSubmitLocked follows the link of the first submit-typed element.
func (d *Driver) followSubmitLocked() error {
	for i := range d.elements {
		e := &d.elements[i]
		if e.Attrs["type"] == "submit" || e.Role == "button" && strings.Contains(strings.ToLower(e.Text), "submit") {
			if target, ok := d.links[i]; ok {
				return d.navigateLocked(target)
			}
		}
	}
	return nil
}

func (d *Driver) hitTestLocked(x, y float64) *int {
	for i := range d.elements {
		b := d.elements[i].BBox
		if x >= b.X && x <= b.X+b.Width && y >= b.Y && y <= b.Y+b.Height {
			idx := i
			return &idx
		}
	}
	return nil
}

func (d *Driver) focusedValueLocked() string {
	if d.focus == nil || *d.focus >= len(d.elements) {
		return ""
	}
	e := &d.elements[*d.focus]
	if v, ok := e.Attrs["value"]; ok {
		return v
	}
	return e.Text
}

func (d *Driver) setFocusedValueLocked(v string) {
	if d.focus == nil || *d.focus >= len(d.elements) {
		return
	}
	e := &d.elements[*d.focus]
	if e.Attrs == nil {
		e.Attrs = make(map[string]string)
	}
	e.Attrs["value"] = v
}

func hasKeys(keys []string, want ...string) bool {
	for _, w := range want {
		found := false
		for _, k := range keys {
			if strings.EqualFold(k, w) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func cloneElements(src []dom.Element) []dom.Element {
	out := make([]dom.Element, len(src))
	for i, e := range src {
		out[i] = e
		if e.Attrs != nil {
			attrs := make(map[string]string, len(e.Attrs))
			for k, v := range e.Attrs {
				attrs[k] = v
			}
			out[i].Attrs = attrs
		}
	}
	return out
}
