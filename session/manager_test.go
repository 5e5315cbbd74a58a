package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/pilot/bus"
	"goa.design/pilot/dom"
	dinmem "goa.design/pilot/features/driver/inmem"
	vinmem "goa.design/pilot/features/video/inmem"
	"goa.design/pilot/wire"
)

const (
	loginURL     = "https://app.test/login"
	dashboardURL = "https://app.test/dashboard"
	reportURL    = "https://app.test/files/report.csv"
)

// testWorld scripts a two-page site: a login form whose submit button lands
// on a dashboard with a download link, a search box, a hidden button and a
// select.
func testWorld() *dinmem.World {
	w := dinmem.NewWorld()
	w.AddPage(dinmem.Page{
		URL:   loginURL,
		Title: "Sign in",
		Text:  "Welcome back. Sign in to continue.",
		Elements: []dom.Element{
			{Tag: "input", Selector: "#user", Attrs: map[string]string{"type": "text", "name": "username", "form": "#login-form"}, Visible: true, Enabled: true, BBox: dom.BBox{X: 40, Y: 100, Width: 220, Height: 32}},
			{Tag: "input", Selector: "#pass", Attrs: map[string]string{"type": "password", "name": "password", "form": "#login-form"}, Visible: true, Enabled: true, BBox: dom.BBox{X: 40, Y: 150, Width: 220, Height: 32}},
			{Tag: "button", Selector: "#sign-in", Text: "Sign in", Attrs: map[string]string{"type": "submit", "form": "#login-form"}, Visible: true, Enabled: true, BBox: dom.BBox{X: 40, Y: 200, Width: 120, Height: 36}},
		},
		Links: map[int]string{2: dashboardURL},
	})
	w.AddPage(dinmem.Page{
		URL:   dashboardURL,
		Title: "Dashboard",
		Text:  "Quarterly reports and settings.",
		Elements: []dom.Element{
			{Tag: "a", Selector: "#report-link", Text: "Download report", Attrs: map[string]string{"href": reportURL}, Visible: true, Enabled: true, BBox: dom.BBox{X: 20, Y: 60, Width: 180, Height: 20}},
			{Tag: "input", Selector: "#search", Attrs: map[string]string{"type": "search", "name": "q"}, Visible: true, Enabled: true, BBox: dom.BBox{X: 20, Y: 20, Width: 320, Height: 28}},
			{Tag: "button", Selector: "#ghost", Text: "Hidden", Visible: false, Enabled: true},
			{Tag: "select", Selector: "#range", Attrs: map[string]string{"name": "range"}, Visible: true, Enabled: true, BBox: dom.BBox{X: 360, Y: 20, Width: 120, Height: 28}},
		},
	})
	return w
}

type delayRecorder struct {
	mu      sync.Mutex
	samples []DelaySample
}

func (r *delayRecorder) Record(s DelaySample) {
	r.mu.Lock()
	r.samples = append(r.samples, s)
	r.mu.Unlock()
}

func (r *delayRecorder) all() []DelaySample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DelaySample(nil), r.samples...)
}

type regRecorder struct {
	mu         sync.Mutex
	placements map[string]Placement
}

func (r *regRecorder) Register(_ context.Context, room string, p Placement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.placements == nil {
		r.placements = make(map[string]Placement)
	}
	r.placements[room] = p
	return nil
}

func (r *regRecorder) Update(ctx context.Context, room string, p Placement) error {
	return r.Register(ctx, room, p)
}

func (r *regRecorder) Deregister(_ context.Context, room string) error {
	r.mu.Lock()
	delete(r.placements, room)
	r.mu.Unlock()
	return nil
}

func (r *regRecorder) Lookup(_ context.Context, room string) (Placement, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.placements[room]
	return p, ok, nil
}

// fakeBus is a minimal in-process bus: streams deliver to a single sink and
// pub/sub payloads are recorded per channel.
type fakeBus struct {
	mu        sync.Mutex
	streams   map[string]*fakeStream
	published map[string][][]byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		streams:   make(map[string]*fakeStream),
		published: make(map[string][][]byte),
	}
}

func (b *fakeBus) Stream(_ context.Context, name string) (bus.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.streams[name]
	if !ok {
		st = &fakeStream{name: name}
		b.streams[name] = st
	}
	return st, nil
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	b.published[channel] = append(b.published[channel], payload)
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, func(), error) {
	ch := make(chan []byte)
	return ch, func() { close(ch) }, nil
}

func (b *fakeBus) Close(context.Context) error { return nil }

func (b *fakeBus) events(channel string) []wire.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []wire.Event
	for _, p := range b.published[channel] {
		var ev wire.Event
		if json.Unmarshal(p, &ev) == nil {
			out = append(out, ev)
		}
	}
	return out
}

func (b *fakeBus) stream(name string) *fakeStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streams[name]
}

type fakeStream struct {
	name string

	mu      sync.Mutex
	next    int
	entries [][]byte
	sink    *fakeSink
}

func (s *fakeStream) Name() string { return s.name }

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := fmt.Sprintf("%d-0", s.next)
	s.entries = append(s.entries, append([]byte(nil), payload...))
	if s.sink != nil {
		s.sink.send(bus.NewMessage(id, event, payload, nil))
	}
	return id, nil
}

func (s *fakeStream) NewSink(_ context.Context, group string, opts bus.SinkOptions) (bus.Sink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sink := &fakeSink{ch: make(chan bus.Message, 64)}
	if opts.StartAtOldest {
		for i, p := range s.entries {
			sink.send(bus.NewMessage(fmt.Sprintf("replay-%d", i), "replay", p, nil))
		}
	}
	s.sink = sink
	return sink, nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

func (s *fakeStream) payloads() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.entries...)
}

type fakeSink struct {
	ch chan bus.Message

	mu     sync.Mutex
	acked  []string
	closed bool
}

func (s *fakeSink) Subscribe() <-chan bus.Message { return s.ch }

func (s *fakeSink) send(m bus.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.ch <- m
	}
}

func (s *fakeSink) Ack(_ context.Context, m bus.Message) error {
	s.mu.Lock()
	s.acked = append(s.acked, m.ID)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) Close(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// harness wires a manager over the scripted world with recording
// collaborators.
type harness struct {
	world   *dinmem.World
	drivers *dinmem.Factory
	flaky   *flakyFactory
	video   *vinmem.Publisher
	bus     *fakeBus
	reg     *regRecorder
	delays  *delayRecorder
	mgr     *Manager
}

type harnessOption func(*ManagerOptions, *harness)

func withBus() harnessOption {
	return func(opts *ManagerOptions, h *harness) {
		h.bus = newFakeBus()
		opts.Bus = h.bus
	}
}

func withoutVideo() harnessOption {
	return func(opts *ManagerOptions, _ *harness) {
		opts.Video = nil
	}
}

func newHarness(t *testing.T, hopts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		world:  testWorld(),
		video:  vinmem.New(),
		reg:    &regRecorder{},
		delays: &delayRecorder{},
	}
	h.drivers = dinmem.NewFactory(h.world)
	opts := ManagerOptions{
		Drivers:     h.drivers,
		Video:       h.video,
		Registry:    h.reg,
		Delays:      h.delays,
		Screenshots: NewFileScreenshotStore(t.TempDir()),
		Instance:    "test-instance",
	}
	for _, o := range hopts {
		o(&opts, h)
	}
	mgr, err := NewManager(opts)
	require.NoError(t, err)
	h.mgr = mgr
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })
	return h
}

func (h *harness) start(t *testing.T, room string) *Session {
	t.Helper()
	s, err := h.mgr.StartSession(context.Background(), Config{
		RoomName:   room,
		InitialURL: loginURL,
		FPS:        100,
	})
	require.NoError(t, err)
	return s
}

func (h *harness) driver(t *testing.T, i int) *dinmem.Driver {
	t.Helper()
	created := h.drivers.Created()
	require.Greater(t, len(created), i)
	return created[i]
}

func (h *harness) track(t *testing.T, i int) *vinmem.Track {
	t.Helper()
	tracks := h.video.Tracks()
	require.Greater(t, len(tracks), i)
	return tracks[i]
}

func envelope(t *testing.T, room string, seq uint64, actionType string, params any) *wire.ActionEnvelope {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		require.NoError(t, err)
		raw = b
	}
	return &wire.ActionEnvelope{
		Version:        wire.ProtocolVersion,
		CommandID:      fmt.Sprintf("cmd-%s-%d", room, seq),
		RoomName:       room,
		SequenceNumber: seq,
		ActionType:     actionType,
		Params:         raw,
		IssuedAtMS:     time.Now().UnixMilli(),
	}
}

func TestNewManagerRequiresFactory(t *testing.T) {
	_, err := NewManager(ManagerOptions{})
	require.EqualError(t, err, "driver factory is required")
}

func TestStartSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s := h.start(t, "room-1")
	assert.Equal(t, PhaseActive, s.Phase())
	assert.Equal(t, "room-1", s.Room())

	drv := h.driver(t, 0)
	assert.Equal(t, loginURL, drv.URL())

	track := h.track(t, 0)
	assert.Equal(t, "pilot-room-1", track.Config().Identity)
	assert.Equal(t, "room-1", track.Config().RoomName)

	p, ok, err := h.reg.Lookup(ctx, "room-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "test-instance", p.Instance)
	assert.Equal(t, PhaseActive, p.Phase)
}

func TestStartSessionRequiresRoom(t *testing.T) {
	h := newHarness(t)
	_, err := h.mgr.StartSession(context.Background(), Config{})
	require.EqualError(t, err, "room name is required")
}

func TestStartSessionDuplicateRoom(t *testing.T) {
	h := newHarness(t)
	h.start(t, "room-1")
	_, err := h.mgr.StartSession(context.Background(), Config{RoomName: "room-1"})
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestStartSessionDriverFailureFreesRoom(t *testing.T) {
	h := newHarness(t)
	h.drivers.FailNext(errors.New("no browser capacity"))

	_, err := h.mgr.StartSession(context.Background(), Config{RoomName: "room-1"})
	require.ErrorContains(t, err, "allocate driver")

	// The room is free again once allocation failed.
	h.start(t, "room-1")
}

func TestStartSessionTrackFailureIsRecoverable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.video.FailNext(errors.New("sfu unreachable"))

	_, err := h.mgr.StartSession(ctx, Config{RoomName: "room-1", InitialURL: loginURL})
	require.ErrorContains(t, err, "start video track")

	// The driver allocated, so the session survives in failed state.
	_, err = h.mgr.GetContext(ctx, "room-1")
	require.Equal(t, wire.CodeDriverCrashed, wire.CodeOf(err))

	require.NoError(t, h.mgr.RecoverSession(ctx, "room-1"))
	info, err := h.mgr.GetContext(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, PhaseActive, info.Phase)
	assert.Equal(t, loginURL, info.URL)
	assert.Len(t, h.drivers.Created(), 1, "healthy driver must be reused")
}

func TestPauseAndResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.start(t, "room-1")
	track := h.track(t, 0)

	require.NoError(t, h.mgr.PauseSession(ctx, "room-1"))
	assert.Equal(t, PhasePaused, s.Phase())
	assert.True(t, track.Muted())

	// Actions keep executing while paused.
	update, err := h.mgr.ExecuteSync(ctx, envelope(t, "room-1", 1, "navigate", map[string]any{"url": dashboardURL}))
	require.NoError(t, err)
	assert.True(t, update.Result.Success)

	// Pausing twice is a no-op.
	require.NoError(t, h.mgr.PauseSession(ctx, "room-1"))

	require.NoError(t, h.mgr.ResumeSession(ctx, "room-1"))
	assert.Equal(t, PhaseActive, s.Phase())
	assert.False(t, track.Muted())
	require.NoError(t, h.mgr.ResumeSession(ctx, "room-1"))
}

func TestCloseSessionReleasesEverything(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, "room-1")
	drv := h.driver(t, 0)
	track := h.track(t, 0)

	require.NoError(t, h.mgr.CloseSession(ctx, "room-1"))

	assert.True(t, track.Stopped())
	assert.Error(t, drv.Alive(ctx))
	_, err := h.mgr.GetContext(ctx, "room-1")
	require.Equal(t, wire.CodeSessionNotFound, wire.CodeOf(err))
	_, ok, _ := h.reg.Lookup(ctx, "room-1")
	assert.False(t, ok)

	// Idempotent, including rooms that never existed.
	require.NoError(t, h.mgr.CloseSession(ctx, "room-1"))
	require.NoError(t, h.mgr.CloseSession(ctx, "never-was"))
}

func TestCrashAndRecover(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.start(t, "room-1")

	update, err := h.mgr.ExecuteSync(ctx, envelope(t, "room-1", 1, "navigate", map[string]any{"url": dashboardURL}))
	require.NoError(t, err)
	require.True(t, update.Result.Success)

	h.driver(t, 0).Crash()

	// The crash surfaces as a failed update so the stream stays contiguous.
	update, err = h.mgr.ExecuteSync(ctx, envelope(t, "room-1", 2, "refresh", nil))
	require.NoError(t, err)
	require.False(t, update.Result.Success)
	assert.Equal(t, wire.CodeDriverCrashed, update.Result.Error.Code)

	require.Eventually(t, func() bool { return s.Phase() == PhaseFailed }, time.Second, 5*time.Millisecond)

	// Further dispatch is rejected before execution.
	_, err = h.mgr.ExecuteSync(ctx, envelope(t, "room-1", 3, "refresh", nil))
	require.Equal(t, wire.CodeDriverCrashed, wire.CodeOf(err))

	require.NoError(t, h.mgr.RecoverSession(ctx, "room-1"))
	assert.Equal(t, PhaseActive, s.Phase())
	require.Len(t, h.drivers.Created(), 2, "dead driver must be replaced")
	assert.Equal(t, dashboardURL, h.driver(t, 1).URL(), "recovery re-navigates to the last known URL")

	update, err = h.mgr.ExecuteSync(ctx, envelope(t, "room-1", 3, "refresh", nil))
	require.NoError(t, err)
	assert.True(t, update.Result.Success)
}

func TestRecoverRequiresFailedSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, "room-1")

	err := h.mgr.RecoverSession(ctx, "room-1")
	require.ErrorContains(t, err, "recover requires a failed session")

	require.NoError(t, h.mgr.CloseSession(ctx, "room-1"))
	err = h.mgr.RecoverSession(ctx, "room-1")
	require.Equal(t, wire.CodeSessionNotFound, wire.CodeOf(err))
}

func TestFramePump(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, "room-1")
	track := h.track(t, 0)

	require.Eventually(t, func() bool { return track.FrameCount() >= 3 },
		2*time.Second, 5*time.Millisecond, "pump must publish frames")

	require.NoError(t, h.mgr.PauseSession(ctx, "room-1"))
	time.Sleep(50 * time.Millisecond) // drain the in-flight frame
	paused := track.FrameCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, paused, track.FrameCount(), "paused sessions publish no frames")

	require.NoError(t, h.mgr.ResumeSession(ctx, "room-1"))
	require.Eventually(t, func() bool { return track.FrameCount() > paused },
		2*time.Second, 5*time.Millisecond, "resume must restart publishing")

	require.NoError(t, h.mgr.CloseSession(ctx, "room-1"))
	assert.True(t, track.Stopped())
}

func TestFramePumpDetectsCrash(t *testing.T) {
	h := newHarness(t, withBus())
	s := h.start(t, "room-1")
	track := h.track(t, 0)

	require.Eventually(t, func() bool { return track.FrameCount() >= 1 },
		2*time.Second, 5*time.Millisecond)

	h.driver(t, 0).Crash()

	require.Eventually(t, func() bool { return s.Phase() == PhaseFailed },
		2*time.Second, 5*time.Millisecond, "pump must fail the session")
	require.Eventually(t, func() bool {
		for _, ev := range h.bus.events(wire.EventChannel("room-1")) {
			if ev.Type == wire.EventBrowserError {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "crash must publish a browser_error event")
}

func TestStreamModeDispatch(t *testing.T) {
	h := newHarness(t, withBus())
	ctx := context.Background()
	s := h.start(t, "room-1")

	// The consumer joins the room command stream at start.
	require.Eventually(t, func() bool {
		st := h.bus.stream(wire.CommandStream("room-1"))
		if st == nil {
			return false
		}
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.sink != nil
	}, 2*time.Second, 5*time.Millisecond)

	env := envelope(t, "room-1", 1, "navigate", map[string]any{"url": dashboardURL})
	payload, err := json.Marshal(env)
	require.NoError(t, err)
	cmdStream, err := h.bus.Stream(ctx, wire.CommandStream("room-1"))
	require.NoError(t, err)
	_, err = cmdStream.Add(ctx, "action", payload)
	require.NoError(t, err)

	var update wire.StateUpdate
	require.Eventually(t, func() bool {
		st := h.bus.stream(wire.StateStream("room-1"))
		if st == nil {
			return false
		}
		entries := st.payloads()
		if len(entries) == 0 {
			return false
		}
		return json.Unmarshal(entries[0], &update) == nil
	}, 2*time.Second, 5*time.Millisecond, "the command must produce a state update")

	assert.Equal(t, env.CommandID, update.CommandID)
	assert.Equal(t, uint64(1), update.SequenceNumber)
	assert.True(t, update.Result.Success)
	assert.Equal(t, dashboardURL, update.State.URL)
	assert.NotNil(t, update.Diff)
	assert.NotEmpty(t, update.UpdateID)
	require.Eventually(t, func() bool { return s.LastSequence() == 1 },
		2*time.Second, 5*time.Millisecond, "the consumer must advance its high-water mark")

	events := h.bus.events(wire.EventChannel("room-1"))
	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, wire.EventActionCompleted)
	assert.Contains(t, types, wire.EventPageNavigation)
}

func TestManagerClose(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, "room-1")
	h.start(t, "room-2")
	assert.Equal(t, []string{"room-1", "room-2"}, h.mgr.Rooms())

	require.NoError(t, h.mgr.Close(ctx))
	assert.Empty(t, h.mgr.Rooms())

	_, err := h.mgr.StartSession(ctx, Config{RoomName: "room-3"})
	require.ErrorIs(t, err, ErrManagerClosed)
}

func TestNoVideoPublisher(t *testing.T) {
	h := newHarness(t, withoutVideo())
	ctx := context.Background()
	s := h.start(t, "room-1")
	assert.Equal(t, PhaseActive, s.Phase())
	assert.Empty(t, h.video.Tracks())

	update, err := h.mgr.ExecuteSync(ctx, envelope(t, "room-1", 1, "navigate", map[string]any{"url": dashboardURL}))
	require.NoError(t, err)
	assert.True(t, update.Result.Success)
	require.NoError(t, h.mgr.CloseSession(ctx, "room-1"))
}

func TestGetContext(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, "room-1")

	info, err := h.mgr.GetContext(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, "room-1", info.RoomName)
	assert.Equal(t, "pilot-room-1", info.Identity)
	assert.Equal(t, PhaseActive, info.Phase)
	assert.Equal(t, loginURL, info.URL)
	assert.Equal(t, "Sign in", info.Title)
	assert.Equal(t, 3, info.ElementCount)
	assert.NotEmpty(t, info.ContentHash)

	_, err = h.mgr.GetContext(ctx, "missing")
	require.Equal(t, wire.CodeSessionNotFound, wire.CodeOf(err))
}

func TestGetScreenContent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.start(t, "room-1")

	content, err := h.mgr.GetScreenContent(ctx, "room-1")
	require.NoError(t, err)
	require.NotNil(t, content.Snapshot)
	assert.Equal(t, loginURL, content.Snapshot.URL)
	assert.Len(t, content.Snapshot.Elements, 3)
	assert.Contains(t, content.Text, "Welcome back")

	// The capture becomes the session's current view.
	s.mu.Lock()
	cached := s.snapshot
	s.mu.Unlock()
	require.NotNil(t, cached)
	assert.Equal(t, content.Snapshot.ContentHash, cached.ContentHash)
}

func TestFindFormFields(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, "room-1")

	hints, err := h.mgr.FindFormFields(ctx, "room-1")
	require.NoError(t, err)
	require.NotNil(t, hints.UsernameIndex)
	require.NotNil(t, hints.PasswordIndex)
	require.NotNil(t, hints.SubmitIndex)
	assert.Equal(t, 0, *hints.UsernameIndex)
	assert.Equal(t, 1, *hints.PasswordIndex)
	assert.Equal(t, 2, *hints.SubmitIndex)
}
