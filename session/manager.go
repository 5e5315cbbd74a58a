package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"goa.design/pilot/bus"
	"goa.design/pilot/command"
	"goa.design/pilot/dom"
	"goa.design/pilot/driver"
	"goa.design/pilot/telemetry"
	"goa.design/pilot/video"
	"goa.design/pilot/wire"
)

// DefaultFPS is the video frame rate used when a session config leaves FPS
// unset and a video publisher is configured.
const DefaultFPS = 10

// crashThreshold is the number of consecutive frame-capture failures after
// which the pump probes the driver and, when dead, fails the session.
const crashThreshold = 5

type (
	// ManagerOptions configures a session manager.
	ManagerOptions struct {
		// Drivers allocates browsers. Required.
		Drivers driver.Factory
		// Video publishes session viewports. Nil disables video.
		Video video.Publisher
		// Bus enables stream-mode dispatch and event fan-out. Nil leaves
		// only the synchronous RPC path.
		Bus bus.Bus
		// Registry records session placement. Optional.
		Registry Registry
		// Delays receives action timing samples. Optional.
		Delays DelaySink
		// Screenshots stores captured images. Defaults to a file store
		// under the OS temp dir.
		Screenshots ScreenshotStore
		// Instance names this process in placements. Defaults to the
		// hostname.
		Instance string
		// NewDedup builds the per-room dedup cache for stream consumers.
		// Defaults to in-memory caches.
		NewDedup func(room string) command.DedupCache
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to no-op metrics.
		Metrics telemetry.Metrics
	}

	// Manager owns the room → session mapping. Sessions proceed in
	// parallel; each session's driver work is serialized by its own mutex.
	Manager struct {
		drivers  driver.Factory
		video    video.Publisher
		bus      bus.Bus
		events   *command.Events
		registry Registry
		delays   DelaySink
		shots    ScreenshotStore
		instance string
		newDedup func(room string) command.DedupCache
		log      telemetry.Logger
		metrics  telemetry.Metrics

		// retryDelay is the pause before the single retry of a transient
		// driver failure during dispatch.
		retryDelay time.Duration

		mu       sync.RWMutex
		sessions map[string]*Session
		closed   bool
	}
)

// NewManager validates options and builds a manager.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Drivers == nil {
		return nil, errors.New("driver factory is required")
	}
	m := &Manager{
		drivers:  opts.Drivers,
		video:    opts.Video,
		bus:      opts.Bus,
		registry: opts.Registry,
		delays:   opts.Delays,
		shots:    opts.Screenshots,
		instance: opts.Instance,
		newDedup: opts.NewDedup,
		log:      opts.Logger,
		metrics:  opts.Metrics,

		retryDelay: wire.RetryDelay(1),

		sessions: make(map[string]*Session),
	}
	if m.shots == nil {
		m.shots = NewFileScreenshotStore("")
	}
	if m.instance == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "pilot"
		}
		m.instance = host
	}
	if m.log == nil {
		m.log = telemetry.NewNoopLogger()
	}
	if m.metrics == nil {
		m.metrics = telemetry.NewNoopMetrics()
	}
	if m.bus != nil {
		events, err := command.NewEvents(command.EventsOptions{Bus: m.bus, Logger: m.log})
		if err != nil {
			return nil, err
		}
		m.events = events
	}
	return m, nil
}

// StartSession allocates a driver and video track for the room, navigates to
// the initial URL and begins consuming the room's command stream. A failure
// after the driver allocated leaves the session in Failed so RecoverSession
// can revive it.
func (m *Manager) StartSession(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.RoomName == "" {
		return nil, errors.New("room name is required")
	}
	if cfg.Identity == "" {
		cfg.Identity = "pilot-" + cfg.RoomName
	}
	if cfg.FPS <= 0 {
		cfg.FPS = DefaultFPS
	}

	s := &Session{
		room:      cfg.RoomName,
		identity:  cfg.Identity,
		cfg:       cfg,
		phase:     PhaseStarting,
		createdAt: time.Now(),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if _, ok := m.sessions[cfg.RoomName]; ok {
		m.mu.Unlock()
		return nil, ErrAlreadyExists
	}
	m.sessions[cfg.RoomName] = s
	m.mu.Unlock()

	drv, err := m.drivers.New(ctx, driver.Config{
		Viewport:    cfg.Viewport,
		UserAgent:   cfg.UserAgent,
		DownloadDir: cfg.DownloadDir,
	})
	if err != nil {
		m.remove(cfg.RoomName)
		return nil, fmt.Errorf("allocate driver: %w", err)
	}

	s.mu.Lock()
	s.drv = drv
	s.mu.Unlock()

	if err := m.establish(ctx, s); err != nil {
		m.failSession(ctx, s)
		return nil, err
	}

	if m.bus != nil {
		if err := m.mountConsumer(ctx, s); err != nil {
			// Stream mode is preferred, not required: dispatch stays
			// reachable through the synchronous path.
			m.log.Warn(ctx, "command stream unavailable, session is RPC-only",
				"err", err, "room", cfg.RoomName)
		}
	}

	m.log.Info(ctx, "session started", "room", cfg.RoomName, "url", cfg.InitialURL, "fps", cfg.FPS)
	m.metrics.IncCounter("session.started", 1)
	return s, nil
}

// establish brings a session with an allocated driver to Active: video track,
// initial navigation, frame pump, placement. Used by both start and recover.
func (m *Manager) establish(ctx context.Context, s *Session) error {
	cfg := s.cfg
	if m.video != nil {
		track, err := m.video.StartTrack(ctx, video.TrackConfig{
			RoomName: cfg.RoomName,
			Identity: cfg.Identity,
			Width:    cfg.Viewport.Width,
			Height:   cfg.Viewport.Height,
			FPS:      cfg.FPS,
		})
		if err != nil {
			return fmt.Errorf("start video track: %w", err)
		}
		s.mu.Lock()
		s.track = track
		s.mu.Unlock()
	}

	s.mu.Lock()
	drv := s.drv
	url := s.lastURL
	s.mu.Unlock()
	if url == "" {
		url = cfg.InitialURL
	}
	if url != "" {
		if err := drv.Navigate(ctx, url, false); err != nil {
			return fmt.Errorf("navigate %s: %w", url, err)
		}
		s.mu.Lock()
		s.lastURL = url
		s.mu.Unlock()
	}

	s.mu.Lock()
	if err := s.setPhaseLocked(PhaseActive); err != nil {
		s.mu.Unlock()
		return err
	}
	s.snapshot = nil
	if m.video != nil {
		pumpCtx, cancel := context.WithCancel(context.Background())
		s.cancelPump = cancel
		s.pumpDone = make(chan struct{})
		go m.pump(pumpCtx, s, cfg.FPS)
	}
	s.mu.Unlock()

	m.updatePlacement(ctx, s)
	return nil
}

// mountConsumer joins the room's command stream and starts the consume loop.
func (m *Manager) mountConsumer(ctx context.Context, s *Session) error {
	pub, err := command.NewPublisher(ctx, command.PublisherOptions{
		Bus:    m.bus,
		Room:   s.room,
		Logger: m.log,
	})
	if err != nil {
		return err
	}
	var dedup command.DedupCache
	if m.newDedup != nil {
		dedup = m.newDedup(s.room)
	}
	consumer, err := command.NewConsumer(command.ConsumerOptions{
		Bus:       m.bus,
		Room:      s.room,
		Executor:  m,
		Publisher: pub,
		Events:    m.events,
		Dedup:     dedup,
		Logger:    m.log,
		Metrics:   m.metrics,
	})
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.consumer = consumer
	s.cancelConsumer = cancel
	s.mu.Unlock()
	go func() {
		if err := consumer.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			m.log.Error(context.Background(), "command consumer stopped", "err", err, "room", s.room)
		}
	}()
	return nil
}

// PauseSession mutes video publishing. The driver stays live and actions
// keep executing. Pausing a paused session is a no-op.
func (m *Manager) PauseSession(ctx context.Context, room string) error {
	s, err := m.session(room)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.phase == PhasePaused {
		s.mu.Unlock()
		return nil
	}
	if err := s.setPhaseLocked(PhasePaused); err != nil {
		s.mu.Unlock()
		return wire.Wrap(wire.CodeSessionClosed, err)
	}
	track := s.track
	s.mu.Unlock()
	if track != nil {
		track.SetMuted(true)
	}
	m.updatePlacement(ctx, s)
	m.log.Info(ctx, "session paused", "room", room)
	return nil
}

// ResumeSession resumes video publishing. Resuming an active session is a
// no-op.
func (m *Manager) ResumeSession(ctx context.Context, room string) error {
	s, err := m.session(room)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.phase == PhaseActive {
		s.mu.Unlock()
		return nil
	}
	if err := s.setPhaseLocked(PhaseActive); err != nil {
		s.mu.Unlock()
		return wire.Wrap(wire.CodeSessionClosed, err)
	}
	track := s.track
	s.mu.Unlock()
	if track != nil {
		track.SetMuted(false)
	}
	m.updatePlacement(ctx, s)
	m.log.Info(ctx, "session resumed", "room", room)
	return nil
}

// CloseSession releases every session resource: the consumer leaves the
// group, the pump drains, the track unpublishes and the driver closes.
// An in-flight action finishes first; waits are bounded by the action
// timeout. Closing an unknown or already-closed room is a no-op.
func (m *Manager) CloseSession(ctx context.Context, room string) error {
	s, err := m.session(room)
	if err != nil {
		return nil
	}

	s.mu.Lock()
	if s.phase == PhaseClosed {
		s.mu.Unlock()
		return nil
	}
	s.phase = PhaseClosed
	drv, track := s.drv, s.track
	cancelPump, pumpDone := s.cancelPump, s.pumpDone
	cancelConsumer := s.cancelConsumer
	s.drv, s.track = nil, nil
	s.cancelPump, s.pumpDone, s.cancelConsumer = nil, nil, nil
	s.mu.Unlock()

	if cancelConsumer != nil {
		cancelConsumer()
	}
	if cancelPump != nil {
		cancelPump()
		<-pumpDone
	}

	var errs []error
	if track != nil {
		if err := track.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop track: %w", err))
		}
	}
	if drv != nil {
		if err := drv.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close driver: %w", err))
		}
	}
	if m.registry != nil {
		if err := m.registry.Deregister(ctx, room); err != nil {
			m.log.Warn(ctx, "deregister session", "err", err, "room", room)
		}
	}
	m.remove(room)
	m.log.Info(ctx, "session closed", "room", room)
	m.metrics.IncCounter("session.closed", 1)
	return errors.Join(errs...)
}

// RecoverSession revives a Failed session: it probes the driver, recreates it
// when dead, re-establishes the video track and re-navigates to the last
// known URL. The command consumer keeps running across recovery, so the
// sequence high-water mark survives.
func (m *Manager) RecoverSession(ctx context.Context, room string) error {
	s, err := m.session(room)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.phase == PhaseClosed {
		s.mu.Unlock()
		return wire.Errorf(wire.CodeSessionClosed, "session %q is closed", room)
	}
	if err := s.setPhaseLocked(PhaseStarting); err != nil {
		phase := s.phase
		s.mu.Unlock()
		return fmt.Errorf("recover requires a failed session, phase is %s", phase)
	}
	drv := s.drv
	track := s.track
	s.track = nil
	cancelPump, pumpDone := s.cancelPump, s.pumpDone
	s.cancelPump, s.pumpDone = nil, nil
	s.mu.Unlock()

	if cancelPump != nil {
		cancelPump()
		<-pumpDone
	}
	if track != nil {
		if err := track.Stop(ctx); err != nil {
			m.log.Warn(ctx, "stop stale track", "err", err, "room", room)
		}
	}

	if drv == nil || drv.Alive(ctx) != nil {
		if drv != nil {
			if err := drv.Close(ctx); err != nil {
				m.log.Warn(ctx, "close dead driver", "err", err, "room", room)
			}
		}
		fresh, err := m.drivers.New(ctx, driver.Config{
			Viewport:    s.cfg.Viewport,
			UserAgent:   s.cfg.UserAgent,
			DownloadDir: s.cfg.DownloadDir,
		})
		if err != nil {
			m.failSession(ctx, s)
			return fmt.Errorf("reallocate driver: %w", err)
		}
		s.mu.Lock()
		s.drv = fresh
		s.mu.Unlock()
	}

	if err := m.establish(ctx, s); err != nil {
		m.failSession(ctx, s)
		return err
	}
	if m.bus != nil {
		s.mu.Lock()
		mounted := s.consumer != nil
		s.mu.Unlock()
		if !mounted {
			if err := m.mountConsumer(ctx, s); err != nil {
				m.log.Warn(ctx, "command stream unavailable, session is RPC-only",
					"err", err, "room", room)
			}
		}
	}
	m.log.Info(ctx, "session recovered", "room", room)
	m.metrics.IncCounter("session.recovered", 1)
	return nil
}

// GetContext returns the session summary without touching the page when a
// snapshot is cached.
func (m *Manager) GetContext(ctx context.Context, room string) (*Context, error) {
	s, err := m.session(room)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := m.usableLocked(s); err != nil {
		return nil, err
	}
	snap := s.snapshot
	if snap == nil {
		snap, err = s.drv.Snapshot(ctx)
		if err != nil {
			return nil, m.classifyDriverErr(ctx, s, err)
		}
		s.snapshot = snap
	}
	return &Context{
		RoomName:      s.room,
		Identity:      s.identity,
		Phase:         s.phase,
		URL:           snap.URL,
		Title:         snap.Title,
		ContentHash:   snap.ContentHash,
		ElementCount:  len(snap.Elements),
		Viewport:      snap.Viewport,
		LastSequence:  s.lastSequenceLocked(),
		SnapshotAgeMS: time.Now().UnixMilli() - snap.CapturedAtMS,
		CreatedAtMS:   s.createdAt.UnixMilli(),
	}, nil
}

// GetScreenContent captures a fresh snapshot and the page text. The snapshot
// becomes the session's current view: element indexes handed to the caller
// stay resolvable until the next capture.
func (m *Manager) GetScreenContent(ctx context.Context, room string) (*Content, error) {
	s, err := m.session(room)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := m.usableLocked(s); err != nil {
		return nil, err
	}
	snap, err := s.drv.Snapshot(ctx)
	if err != nil {
		return nil, m.classifyDriverErr(ctx, s, err)
	}
	text, err := s.drv.PageText(ctx)
	if err != nil {
		return nil, m.classifyDriverErr(ctx, s, err)
	}
	s.snapshot = snap
	return &Content{Snapshot: snap, Text: text}, nil
}

// FindFormFields captures a fresh snapshot and runs login-form discovery.
func (m *Manager) FindFormFields(ctx context.Context, room string) (*dom.FormFieldHints, error) {
	s, err := m.session(room)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := m.usableLocked(s); err != nil {
		return nil, err
	}
	snap, err := s.drv.Snapshot(ctx)
	if err != nil {
		return nil, m.classifyDriverErr(ctx, s, err)
	}
	s.snapshot = snap
	hints := dom.FindFormFields(snap)
	return &hints, nil
}

// Session returns the live session for a room.
func (m *Manager) Session(room string) (*Session, error) {
	return m.session(room)
}

// Rooms lists the rooms with live sessions, sorted.
func (m *Manager) Rooms() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rooms := make([]string, 0, len(m.sessions))
	for room := range m.sessions {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// Close shuts the manager down, closing every session.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	rooms := make([]string, 0, len(m.sessions))
	for room := range m.sessions {
		rooms = append(rooms, room)
	}
	m.mu.Unlock()

	var errs []error
	for _, room := range rooms {
		if err := m.CloseSession(ctx, room); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", room, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) session(room string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[room]
	m.mu.RUnlock()
	if !ok {
		return nil, wire.Errorf(wire.CodeSessionNotFound, "no session for room %q", room)
	}
	return s, nil
}

func (m *Manager) remove(room string) {
	m.mu.Lock()
	delete(m.sessions, room)
	m.mu.Unlock()
}

// usableLocked rejects queries and dispatch against sessions that cannot
// touch their driver. The caller holds the session mutex.
func (m *Manager) usableLocked(s *Session) error {
	switch s.phase {
	case PhaseActive, PhasePaused:
		return nil
	case PhaseClosed:
		return wire.Errorf(wire.CodeSessionClosed, "session %q is closed", s.room)
	case PhaseFailed:
		return wire.Errorf(wire.CodeDriverCrashed, "session %q failed, recover it first", s.room)
	}
	return wire.Errorf(wire.CodeDriverUnavailable, "session %q is starting", s.room)
}

// classifyDriverErr converts a driver failure into a taxonomy error, failing
// the session when the driver died. The caller holds the session mutex.
func (m *Manager) classifyDriverErr(ctx context.Context, s *Session, err error) error {
	if errors.Is(err, driver.ErrCrashed) {
		if s.phase != PhaseClosed && s.phase != PhaseFailed {
			s.phase = PhaseFailed
		}
		go m.crashObserved(s, err)
		return wire.Wrap(wire.CodeDriverCrashed, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return wire.Wrap(wire.CodeActionTimeout, err)
	}
	return wire.Wrap(wire.CodeDriverUnavailable, err)
}

// crashObserved reports a crash noticed while the session mutex was held.
func (m *Manager) crashObserved(s *Session, err error) {
	m.emitCrash(s.room, err)
	m.updatePlacement(context.Background(), s)
}

// failSession moves a session to Failed outside dispatch.
func (m *Manager) failSession(ctx context.Context, s *Session) {
	s.mu.Lock()
	if s.phase != PhaseClosed {
		s.phase = PhaseFailed
	}
	s.mu.Unlock()
	m.updatePlacement(ctx, s)
}

func (m *Manager) emitCrash(room string, err error) {
	if m.events == nil {
		return
	}
	m.events.Publish(context.Background(), room, wire.EventBrowserError, "",
		wire.Wrap(wire.CodeDriverCrashed, err))
}

func (m *Manager) updatePlacement(ctx context.Context, s *Session) {
	if m.registry == nil {
		return
	}
	s.mu.Lock()
	phase := s.phase
	first := !s.registered
	s.registered = true
	s.mu.Unlock()
	p := Placement{
		Instance:    m.instance,
		Phase:       phase,
		UpdatedAtMS: time.Now().UnixMilli(),
	}
	var err error
	if first {
		err = m.registry.Register(ctx, s.room, p)
	} else {
		err = m.registry.Update(ctx, s.room, p)
	}
	if err != nil {
		m.log.Warn(ctx, "session placement update failed", "err", err, "room", s.room)
	}
}

// pump captures the viewport at the session frame rate and publishes it to
// the video track. Frames are dropped while an action holds the session
// mutex or while the session is paused. Repeated capture failures probe the
// driver; a dead driver fails the session.
func (m *Manager) pump(ctx context.Context, s *Session, fps int) {
	defer close(s.pumpDone)
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()
	consecutive := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !s.mu.TryLock() {
			continue
		}
		if s.phase != PhaseActive || s.drv == nil || s.track == nil {
			s.mu.Unlock()
			continue
		}
		drv, track := s.drv, s.track
		img, err := drv.Screenshot(ctx)
		s.mu.Unlock()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			consecutive++
			if errors.Is(err, driver.ErrCrashed) || consecutive >= crashThreshold {
				m.failSession(ctx, s)
				m.emitCrash(s.room, err)
				m.log.Error(ctx, "frame pump stopped, driver dead", "err", err, "room", s.room)
				return
			}
			continue
		}
		consecutive = 0
		frame := video.Frame{
			Data:       img,
			Width:      s.cfg.Viewport.Width,
			Height:     s.cfg.Viewport.Height,
			CapturedAt: time.Now(),
		}
		if err := track.Publish(ctx, frame); err != nil && ctx.Err() == nil {
			m.log.Debug(ctx, "frame dropped", "err", err, "room", s.room)
		}
	}
}
