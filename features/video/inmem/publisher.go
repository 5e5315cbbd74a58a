// Package inmem provides an in-memory implementation of video.Publisher for
// tests and local development. Tracks record published frames instead of
// encoding them.
package inmem

import (
	"context"
	"errors"
	"sync"

	"goa.design/pilot/video"
)

type (
	// Publisher allocates recording tracks.
	Publisher struct {
		mu      sync.Mutex
		tracks  []*Track
		nextErr error
	}

	// Track records frames published to it.
	Track struct {
		cfg video.TrackConfig

		mu      sync.Mutex
		frames  []video.Frame
		dropped int
		muted   bool
		stopped bool
	}
)

// New returns an empty publisher.
func New() *Publisher {
	return &Publisher{}
}

// StartTrack implements video.Publisher.
func (p *Publisher) StartTrack(_ context.Context, cfg video.TrackConfig) (video.Track, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nextErr != nil {
		err := p.nextErr
		p.nextErr = nil
		return nil, err
	}
	if cfg.RoomName == "" {
		return nil, errors.New("room name is required")
	}
	t := &Track{cfg: cfg}
	p.tracks = append(p.tracks, t)
	return t, nil
}

// FailNext makes the next StartTrack call return err.
func (p *Publisher) FailNext(err error) {
	p.mu.Lock()
	p.nextErr = err
	p.mu.Unlock()
}

// Tracks returns every track started, in order.
func (p *Publisher) Tracks() []*Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Track(nil), p.tracks...)
}

// Publish implements video.Track. Muted tracks count drops instead of
// recording.
func (t *Track) Publish(_ context.Context, f video.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return errors.New("track stopped")
	}
	if t.muted {
		t.dropped++
		return nil
	}
	t.frames = append(t.frames, f)
	return nil
}

// SetMuted implements video.Track.
func (t *Track) SetMuted(muted bool) {
	t.mu.Lock()
	t.muted = muted
	t.mu.Unlock()
}

// Stop implements video.Track.
func (t *Track) Stop(_ context.Context) error {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	return nil
}

// FrameCount returns the number of recorded frames.
func (t *Track) FrameCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.frames)
}

// Muted reports the mute toggle.
func (t *Track) Muted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.muted
}

// Stopped reports whether the track was stopped.
func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Config returns the track configuration.
func (t *Track) Config() video.TrackConfig { return t.cfg }
