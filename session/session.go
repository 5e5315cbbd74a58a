// Package session implements the per-room browser session state machine and
// the action dispatch path. A Manager owns the room → session mapping; each
// session exclusively owns one browser driver and one published video track
// until closed. All driver interaction is serialized by the session mutex, so
// command-sequence order is the observable order of execution.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/pilot/command"
	"goa.design/pilot/dom"
	"goa.design/pilot/driver"
	"goa.design/pilot/video"
)

// Phase is the lifecycle state of a session.
type Phase string

const (
	// PhaseStarting means driver and track allocation is in progress.
	PhaseStarting Phase = "starting"
	// PhaseActive means the session executes actions and publishes video.
	PhaseActive Phase = "active"
	// PhasePaused means video publishing is muted; the driver stays live.
	PhasePaused Phase = "paused"
	// PhaseFailed means the driver crashed; Recover may revive the session.
	PhaseFailed Phase = "failed"
	// PhaseClosed is terminal.
	PhaseClosed Phase = "closed"
)

var (
	// ErrAlreadyExists indicates a session is already registered for the room.
	ErrAlreadyExists = errors.New("session already exists")
	// ErrManagerClosed indicates the manager has shut down.
	ErrManagerClosed = errors.New("session manager closed")
)

// legalPhase holds the allowed phase transitions. DriverCrash (→ Failed) is
// legal from every non-terminal phase.
var legalPhase = map[Phase][]Phase{
	PhaseStarting: {PhaseActive, PhaseFailed, PhaseClosed},
	PhaseActive:   {PhasePaused, PhaseClosed, PhaseFailed},
	PhasePaused:   {PhaseActive, PhaseClosed, PhaseFailed},
	PhaseFailed:   {PhaseStarting, PhaseClosed},
	PhaseClosed:   {},
}

func canTransition(from, to Phase) bool {
	for _, p := range legalPhase[from] {
		if p == to {
			return true
		}
	}
	return false
}

type (
	// Config carries everything StartSession needs for one room.
	Config struct {
		// RoomName keys the session. Required, unique process-wide.
		RoomName string
		// Identity is the participant identity the video track joins
		// under. Defaults to "pilot-" + RoomName.
		Identity string
		// Viewport is the browser viewport. Zero picks the driver default.
		Viewport dom.Viewport
		// FPS is the video frame rate. Zero picks the manager default.
		FPS int
		// InitialURL is navigated to after the driver starts. Optional.
		InitialURL string
		// UserAgent overrides the browser user agent.
		UserAgent string
		// DownloadDir receives downloaded files.
		DownloadDir string
	}

	// Session is one live browser session. All mutable state is guarded by
	// mu, the session critical section: dispatch, frame capture and
	// lifecycle changes all serialize on it.
	Session struct {
		room     string
		identity string
		cfg      Config

		mu         sync.Mutex
		phase      Phase
		drv        driver.Driver
		track      video.Track
		snapshot   *dom.Snapshot
		lastURL    string
		zoomStep   int
		registered bool

		consumer       *command.Consumer
		cancelConsumer context.CancelFunc
		cancelPump     context.CancelFunc
		pumpDone       chan struct{}

		createdAt time.Time
	}

	// Context is the synchronous session summary returned by GetContext.
	Context struct {
		RoomName      string       `json:"room_name"`
		Identity      string       `json:"identity"`
		Phase         Phase        `json:"phase"`
		URL           string       `json:"url"`
		Title         string       `json:"title"`
		ContentHash   string       `json:"content_hash"`
		ElementCount  int          `json:"element_count"`
		Viewport      dom.Viewport `json:"viewport"`
		LastSequence  uint64       `json:"last_sequence"`
		SnapshotAgeMS int64        `json:"snapshot_age_ms"`
		CreatedAtMS   int64        `json:"created_at_ms"`
	}

	// Content is the full page view returned by GetScreenContent.
	Content struct {
		Snapshot *dom.Snapshot `json:"snapshot"`
		Text     string        `json:"text"`
	}

	// Placement records which instance hosts a room.
	Placement struct {
		Instance    string `json:"instance"`
		Phase       Phase  `json:"phase"`
		UpdatedAtMS int64  `json:"updated_at_ms"`
	}

	// Registry tracks session placement across instances so any instance
	// can answer where a room lives. Implementations are best-effort; the
	// manager logs registry errors and carries on.
	Registry interface {
		// Register records that this instance hosts room.
		Register(ctx context.Context, room string, p Placement) error
		// Update refreshes the phase of a hosted room.
		Update(ctx context.Context, room string, p Placement) error
		// Deregister removes the room.
		Deregister(ctx context.Context, room string) error
		// Lookup returns the placement of a room, if registered.
		Lookup(ctx context.Context, room string) (Placement, bool, error)
	}

	// DelaySample is one observed action timing, recorded after every
	// dispatched action that touched the page.
	DelaySample struct {
		Room        string    `json:"room"`
		ActionType  string    `json:"action_type"`
		FromURL     string    `json:"from_url"`
		ToURL       string    `json:"to_url"`
		DurationMS  int64     `json:"duration_ms"`
		URLChanged  bool      `json:"url_changed"`
		DOMStable   bool      `json:"dom_stable"`
		NetworkIdle bool      `json:"network_idle"`
		At          time.Time `json:"at"`
	}

	// DelaySink receives timing samples. Record must not block; sinks
	// aggregate in memory and flush on their own schedule.
	DelaySink interface {
		Record(sample DelaySample)
	}
)

// Room returns the session's room name.
func (s *Session) Room() string { return s.room }

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// LastSequence returns the high-water sequence mark of the stream consumer,
// zero when the session runs without stream mode.
func (s *Session) LastSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSequenceLocked()
}

func (s *Session) lastSequenceLocked() uint64 {
	if s.consumer == nil {
		return 0
	}
	return s.consumer.Sequence().Last()
}

// setPhaseLocked validates and applies a phase transition. The caller holds
// the session mutex.
func (s *Session) setPhaseLocked(to Phase) error {
	if !canTransition(s.phase, to) {
		return errors.New("illegal phase transition " + string(s.phase) + " -> " + string(to))
	}
	s.phase = to
	return nil
}
