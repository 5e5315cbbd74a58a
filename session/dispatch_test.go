package session

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/pilot/diff"
	"goa.design/pilot/dom"
	"goa.design/pilot/driver"
	dinmem "goa.design/pilot/features/driver/inmem"
	"goa.design/pilot/wire"
)

// do dispatches through the streamed path, which computes a diff.
func (h *harness) do(t *testing.T, room string, seq uint64, kind string, params any) *wire.StateUpdate {
	t.Helper()
	update, err := h.mgr.ExecuteAction(context.Background(), envelope(t, room, seq, kind, params))
	require.NoError(t, err)
	require.NotNil(t, update)
	return update
}

// doSync dispatches through the RPC path, which skips the diff.
func (h *harness) doSync(t *testing.T, room string, seq uint64, kind string, params any) *wire.StateUpdate {
	t.Helper()
	update, err := h.mgr.ExecuteSync(context.Background(), envelope(t, room, seq, kind, params))
	require.NoError(t, err)
	require.NotNil(t, update)
	return update
}

func resultData(t *testing.T, update *wire.StateUpdate) map[string]any {
	t.Helper()
	require.NotEmpty(t, update.Result.Data)
	var out map[string]any
	require.NoError(t, json.Unmarshal(update.Result.Data, &out))
	return out
}

func eventNames(d *diff.StateDiff) []string {
	var names []string
	for _, ev := range d.SemanticEvents {
		names = append(names, ev.EventName)
	}
	return names
}

func TestNavigateAction(t *testing.T) {
	h := newHarness(t)
	h.start(t, "room-1")

	update := h.do(t, "room-1", 1, "navigate", map[string]any{"url": dashboardURL})

	assert.True(t, update.Result.Success)
	assert.Nil(t, update.Result.Error)
	assert.GreaterOrEqual(t, update.Result.DurationMS, int64(0))
	assert.Equal(t, "pilot-room-1", update.SessionID)
	assert.Equal(t, "room-1", update.RoomName)
	assert.Equal(t, "cmd-room-1-1", update.CommandID)
	assert.Equal(t, uint64(1), update.SequenceNumber)

	assert.Equal(t, dashboardURL, update.State.URL)
	assert.Equal(t, "Dashboard", update.State.Title)
	assert.Equal(t, 4, update.State.ElementCount)
	assert.NotEmpty(t, update.State.ContentHash)

	require.NotNil(t, update.Result.ObservedEffects)
	assert.True(t, update.Result.ObservedEffects.Navigated)
	assert.Equal(t, dashboardURL, update.Result.ObservedEffects.URL)

	require.NotNil(t, update.Diff)
	assert.Equal(t, diff.DiffFull, update.Diff.DiffType)
	assert.True(t, update.Diff.NavigationChanges.URLChanged)
	assert.Equal(t, dashboardURL, update.Diff.NavigationChanges.URL)
}

func TestExecuteSyncSkipsDiff(t *testing.T) {
	h := newHarness(t)
	h.start(t, "room-1")

	update := h.doSync(t, "room-1", 1, "navigate", map[string]any{"url": dashboardURL})
	assert.True(t, update.Result.Success)
	assert.Nil(t, update.Diff)
	assert.Equal(t, dashboardURL, update.State.URL)
}

func TestLoginFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, "room-1")

	hints, err := h.mgr.FindFormFields(ctx, "room-1")
	require.NoError(t, err)
	require.NotNil(t, hints.UsernameIndex)
	require.NotNil(t, hints.PasswordIndex)
	require.NotNil(t, hints.SubmitIndex)

	update := h.do(t, "room-1", 1, "fill_form", map[string]any{
		"fields": []map[string]any{
			{"index": *hints.UsernameIndex, "value": "alice"},
			{"index": *hints.PasswordIndex, "value": "s3cret"},
		},
	})
	require.True(t, update.Result.Success)
	require.NotNil(t, update.Result.ObservedEffects)
	assert.True(t, update.Result.ObservedEffects.FormFieldsChanged)
	data := resultData(t, update)
	assert.Len(t, data["fields"], 2)

	update = h.do(t, "room-1", 2, "click", map[string]any{"index": *hints.SubmitIndex})
	require.True(t, update.Result.Success)
	assert.Equal(t, dashboardURL, update.State.URL)
	require.NotNil(t, update.Diff)
	assert.True(t, update.Diff.NavigationChanges.URLChanged)
	assert.Contains(t, eventNames(update.Diff), diff.EventLoginSuccess)
	assert.NotContains(t, eventNames(update.Diff), diff.EventLoginFailure)
}

func TestLoginFailure(t *testing.T) {
	h := newHarness(t)
	failURL := "https://app.test/login-strict"
	h.world.AddPage(dinmem.Page{
		URL:   failURL,
		Title: "Sign in",
		Text:  "Sign in to continue.",
		Elements: []dom.Element{
			{Tag: "input", Selector: "#user", Attrs: map[string]string{"type": "text", "name": "username"}, Visible: true, Enabled: true},
			{Tag: "input", Selector: "#pass", Attrs: map[string]string{"type": "password", "name": "password"}, Visible: true, Enabled: true},
			{Tag: "button", Selector: "#sign-in", Text: "Sign in", Attrs: map[string]string{"type": "submit"}, Visible: true, Enabled: true},
		},
		Reveals: map[int][]dom.Element{
			2: {{Tag: "div", Role: "alert", Selector: "#error", Text: "Invalid credentials", Visible: true, Enabled: true}},
		},
	})
	h.start(t, "room-1")

	update := h.do(t, "room-1", 1, "navigate", map[string]any{"url": failURL})
	require.True(t, update.Result.Success)

	update = h.do(t, "room-1", 2, "click", map[string]any{"index": 2})
	require.True(t, update.Result.Success)
	assert.Equal(t, failURL, update.State.URL)

	require.NotNil(t, update.Diff)
	assert.False(t, update.Diff.NavigationChanges.URLChanged)
	require.NotEmpty(t, update.Diff.DOMChanges.Added)
	names := eventNames(update.Diff)
	assert.Contains(t, names, diff.EventErrorBannerAppeared)
	assert.Contains(t, names, diff.EventLoginFailure)
	assert.NotContains(t, names, diff.EventLoginSuccess)
}

func TestStaleIndexRemap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, "room-1")
	h.do(t, "room-1", 1, "navigate", map[string]any{"url": dashboardURL})

	// The issuer captured its view of the page.
	_, err := h.mgr.GetScreenContent(ctx, "room-1")
	require.NoError(t, err)

	// The page re-renders with a banner prepended, shifting every index.
	h.world.AddPage(dinmem.Page{
		URL:   dashboardURL,
		Title: "Dashboard",
		Text:  "Quarterly reports and settings.",
		Elements: []dom.Element{
			{Tag: "div", Selector: "#banner", Text: "Scheduled maintenance tonight", Visible: true, Enabled: true},
			{Tag: "a", Selector: "#report-link", Text: "Download report", Attrs: map[string]string{"href": reportURL}, Visible: true, Enabled: true},
			{Tag: "input", Selector: "#search", Attrs: map[string]string{"type": "search", "name": "q"}, Visible: true, Enabled: true},
		},
	})
	drv := h.driver(t, 0)
	require.NoError(t, drv.Reload(ctx))

	// Index 0 in the issuer's stale view is the report link, now at 1.
	update := h.doSync(t, "room-1", 2, "click", map[string]any{"index": 0})
	require.True(t, update.Result.Success)
	require.NotEmpty(t, drv.Clicks)
	clicked := drv.Clicks[len(drv.Clicks)-1]
	require.NotNil(t, clicked.Index)
	assert.Equal(t, 1, *clicked.Index)
}

func TestStaleIndexGone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, "room-1")
	h.do(t, "room-1", 1, "navigate", map[string]any{"url": dashboardURL})

	// The page re-renders without the link the issuer targeted.
	h.world.AddPage(dinmem.Page{
		URL:   dashboardURL,
		Title: "Dashboard",
		Text:  "Quarterly reports and settings.",
		Elements: []dom.Element{
			{Tag: "input", Selector: "#search", Attrs: map[string]string{"type": "search", "name": "q"}, Visible: true, Enabled: true},
		},
	})
	require.NoError(t, h.driver(t, 0).Reload(ctx))

	update := h.doSync(t, "room-1", 2, "click", map[string]any{"index": 0})
	require.False(t, update.Result.Success)
	require.NotNil(t, update.Result.Error)
	assert.Equal(t, wire.CodeElementIndexStale, update.Result.Error.Code)
	assert.True(t, update.Result.Error.Retryable)
	assert.Equal(t, dashboardURL, update.State.URL, "failed updates still carry current state")
}

func TestUnknownActionType(t *testing.T) {
	h := newHarness(t)
	h.start(t, "room-1")

	update := h.doSync(t, "room-1", 1, "teleport", nil)
	require.False(t, update.Result.Success)
	require.NotNil(t, update.Result.Error)
	assert.Equal(t, wire.CodeUnknownActionType, update.Result.Error.Code)
	assert.False(t, update.Result.Error.Retryable)
}

func TestInvalidParams(t *testing.T) {
	h := newHarness(t)
	h.start(t, "room-1")

	update := h.doSync(t, "room-1", 1, "click", map[string]any{})
	require.False(t, update.Result.Success)
	require.NotNil(t, update.Result.Error)
	assert.Equal(t, wire.CodeInvalidParams, update.Result.Error.Code)
	assert.Contains(t, update.Result.Error.Message, "target requires index or coord")
}

func TestActionTimeout(t *testing.T) {
	h := newHarness(t)
	h.start(t, "room-1")

	env := envelope(t, "room-1", 1, "wait", map[string]any{"seconds": 5})
	env.TimeoutMS = 30
	update, err := h.mgr.ExecuteSync(context.Background(), env)
	require.NoError(t, err)
	require.False(t, update.Result.Success)
	require.NotNil(t, update.Result.Error)
	assert.Equal(t, wire.CodeActionTimeout, update.Result.Error.Code)
	assert.True(t, update.Result.Error.Retryable)
}

func TestClipboardRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, "room-1")
	h.doSync(t, "room-1", 1, "navigate", map[string]any{"url": dashboardURL})

	update := h.doSync(t, "room-1", 2, "type", map[string]any{"index": 1, "text": "hello"})
	require.True(t, update.Result.Success)
	require.NotNil(t, update.Result.ObservedEffects)
	assert.True(t, update.Result.ObservedEffects.FormFieldsChanged)

	update = h.doSync(t, "room-1", 3, "copy", map[string]any{"index": 1})
	require.True(t, update.Result.Success)
	assert.Equal(t, "hello", resultData(t, update)["clipboard"])

	update = h.doSync(t, "room-1", 4, "paste", map[string]any{"index": 1})
	require.True(t, update.Result.Success)

	content, err := h.mgr.GetScreenContent(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, "hellohello", content.Snapshot.Elements[1].Attrs["value"])
}

func TestZoomSteps(t *testing.T) {
	h := newHarness(t)
	h.start(t, "room-1")
	drv := h.driver(t, 0)

	h.doSync(t, "room-1", 1, "zoom_in", nil)
	h.doSync(t, "room-1", 2, "zoom_in", nil)
	assert.InDelta(t, 1.5625, drv.ZoomFactor(), 1e-9)

	h.doSync(t, "room-1", 3, "zoom_out", nil)
	assert.InDelta(t, 1.25, drv.ZoomFactor(), 1e-9)

	h.doSync(t, "room-1", 4, "zoom_reset", nil)
	assert.InDelta(t, 1.0, drv.ZoomFactor(), 1e-9)
}

func TestTakeScreenshot(t *testing.T) {
	h := newHarness(t)
	h.start(t, "room-1")

	update := h.doSync(t, "room-1", 1, "take_screenshot", nil)
	require.True(t, update.Result.Success)
	ref, ok := resultData(t, update)["screenshot_ref"].(string)
	require.True(t, ok)
	assert.Equal(t, ref, update.ScreenshotRef)
	_, err := os.Stat(ref)
	require.NoError(t, err, "the reference must point at a stored file")
}

func TestDownloadByIndex(t *testing.T) {
	h := newHarness(t)
	h.start(t, "room-1")
	h.doSync(t, "room-1", 1, "navigate", map[string]any{"url": dashboardURL})

	update := h.doSync(t, "room-1", 2, "download_file", map[string]any{"index": 0})
	require.True(t, update.Result.Success)

	data := resultData(t, update)
	assert.Equal(t, "inmem://downloads/report.csv", data["download_ref"])
	assert.Equal(t, reportURL, data["url"])
	require.NotNil(t, update.Result.ObservedEffects)
	assert.Equal(t, "inmem://downloads/report.csv", update.Result.ObservedEffects.DownloadRef)
	assert.Equal(t, []string{reportURL}, h.driver(t, 0).Downloads)
}

func TestSelectDropdown(t *testing.T) {
	h := newHarness(t)
	h.start(t, "room-1")
	h.doSync(t, "room-1", 1, "navigate", map[string]any{"url": dashboardURL})

	update := h.doSync(t, "room-1", 2, "select_dropdown", map[string]any{"index": 3, "value": "30d"})
	require.True(t, update.Result.Success)

	drv := h.driver(t, 0)
	require.Len(t, drv.Selects, 1)
	assert.Equal(t, 3, drv.Selects[0].Index)
	assert.Equal(t, []string{"30d"}, drv.Selects[0].Values)

	// Selecting on a non-select element is a parameter error.
	update = h.doSync(t, "room-1", 3, "select_dropdown", map[string]any{"index": 1, "value": "30d"})
	require.False(t, update.Result.Success)
	assert.Equal(t, wire.CodeInvalidParams, update.Result.Error.Code)
}

func TestElementPreconditions(t *testing.T) {
	h := newHarness(t)
	h.start(t, "room-1")

	// Typing into a button is a parameter error, not a stale view.
	update := h.doSync(t, "room-1", 1, "type", map[string]any{"index": 2, "text": "nope"})
	require.False(t, update.Result.Success)
	assert.Equal(t, wire.CodeInvalidParams, update.Result.Error.Code)

	h.doSync(t, "room-1", 2, "navigate", map[string]any{"url": dashboardURL})

	// Clicking an invisible element is retryable after a view refresh.
	update = h.doSync(t, "room-1", 3, "click", map[string]any{"index": 2})
	require.False(t, update.Result.Success)
	assert.Equal(t, wire.CodeElementNotFound, update.Result.Error.Code)
	assert.True(t, update.Result.Error.Retryable)

	// Uploading without a file input on the page cannot resolve a target.
	update = h.doSync(t, "room-1", 4, "upload_file", map[string]any{"file_path": "/tmp/report.csv"})
	require.False(t, update.Result.Success)
	assert.Equal(t, wire.CodeElementNotFound, update.Result.Error.Code)
}

func TestDelaySamples(t *testing.T) {
	h := newHarness(t)
	h.start(t, "room-1")

	h.doSync(t, "room-1", 1, "navigate", map[string]any{"url": dashboardURL})
	h.doSync(t, "room-1", 2, "wait", map[string]any{"seconds": 0.01})
	h.doSync(t, "room-1", 3, "take_screenshot", nil)

	// A failed action adds nothing.
	update := h.doSync(t, "room-1", 4, "click", map[string]any{"index": 2})
	require.False(t, update.Result.Success)

	samples := h.delays.all()
	require.Len(t, samples, 1, "only page-touching successes are sampled")
	s := samples[0]
	assert.Equal(t, "room-1", s.Room)
	assert.Equal(t, "navigate", s.ActionType)
	assert.Equal(t, loginURL, s.FromURL)
	assert.Equal(t, dashboardURL, s.ToURL)
	assert.True(t, s.URLChanged)
}

// flakyFactory wraps the scripted factory so tests can inject transient
// driver failures.
type flakyFactory struct {
	inner *dinmem.Factory

	mu      sync.Mutex
	created []*flakyDriver
}

func withFlakyDrivers() harnessOption {
	return func(opts *ManagerOptions, h *harness) {
		h.flaky = &flakyFactory{inner: h.drivers}
		opts.Drivers = h.flaky
	}
}

func (f *flakyFactory) New(ctx context.Context, cfg driver.Config) (driver.Driver, error) {
	drv, err := f.inner.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	fd := &flakyDriver{Driver: drv}
	f.mu.Lock()
	f.created = append(f.created, fd)
	f.mu.Unlock()
	return fd, nil
}

func (f *flakyFactory) driver(t *testing.T, i int) *flakyDriver {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Greater(t, len(f.created), i)
	return f.created[i]
}

// flakyDriver fails armed Navigate calls with a transient wire error and
// counts the attempts made since arming.
type flakyDriver struct {
	driver.Driver

	mu       sync.Mutex
	failures int
	attempts int
}

func (d *flakyDriver) failNavigates(n int) {
	d.mu.Lock()
	d.failures, d.attempts = n, 0
	d.mu.Unlock()
}

func (d *flakyDriver) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *flakyDriver) Navigate(ctx context.Context, url string, newTab bool) error {
	d.mu.Lock()
	d.attempts++
	fail := d.failures > 0
	if fail {
		d.failures--
	}
	d.mu.Unlock()
	if fail {
		return wire.Errorf(wire.CodeDriverUnavailable, "renderer busy")
	}
	return d.Driver.Navigate(ctx, url, newTab)
}

func TestTransientDriverErrorRetried(t *testing.T) {
	h := newHarness(t, withFlakyDrivers())
	h.mgr.retryDelay = time.Millisecond
	h.start(t, "room-1")
	drv := h.flaky.driver(t, 0)
	drv.failNavigates(1)

	update := h.doSync(t, "room-1", 1, "navigate", map[string]any{"url": dashboardURL})
	require.True(t, update.Result.Success, "a one-off driver blip must be absorbed")
	assert.Nil(t, update.Result.Error)
	assert.Equal(t, dashboardURL, update.State.URL)
	assert.Equal(t, 2, drv.calls(), "the failed attempt is followed by exactly one retry")
}

func TestTransientDriverErrorSurfacesAfterRetry(t *testing.T) {
	h := newHarness(t, withFlakyDrivers())
	h.mgr.retryDelay = time.Millisecond
	h.start(t, "room-1")
	drv := h.flaky.driver(t, 0)
	drv.failNavigates(2)

	update := h.doSync(t, "room-1", 1, "navigate", map[string]any{"url": dashboardURL})
	require.False(t, update.Result.Success)
	require.NotNil(t, update.Result.Error)
	assert.Equal(t, wire.CodeDriverUnavailable, update.Result.Error.Code)
	assert.True(t, update.Result.Error.Retryable)
	assert.Equal(t, 2, drv.calls(), "a persistent outage gets one retry, not a loop")
}

func TestDispatchUnknownRoom(t *testing.T) {
	h := newHarness(t)

	update, err := h.mgr.ExecuteSync(context.Background(), envelope(t, "nowhere", 1, "navigate", map[string]any{"url": loginURL}))
	require.Nil(t, update)
	require.Equal(t, wire.CodeSessionNotFound, wire.CodeOf(err))
}

func TestDispatchTimesActions(t *testing.T) {
	h := newHarness(t)
	h.start(t, "room-1")

	start := time.Now()
	update := h.doSync(t, "room-1", 1, "wait", map[string]any{"seconds": 0.05})
	elapsed := time.Since(start)
	require.True(t, update.Result.Success)
	assert.GreaterOrEqual(t, update.Result.DurationMS, int64(40))
	assert.LessOrEqual(t, update.Result.DurationMS, elapsed.Milliseconds()+1)
}
