// Package video declares the frame publishing capability. Sessions publish
// their viewport as a video track into the room the issuing agents joined;
// the transport (WebRTC SFU, recording sink) is an implementation detail
// behind Publisher.
package video

import (
	"context"
	"time"
)

type (
	// TrackConfig describes the track a session publishes.
	TrackConfig struct {
		// RoomName is the room the track joins.
		RoomName string
		// Identity is the participant identity of the publisher.
		Identity string
		// Width and Height are the frame dimensions in pixels.
		Width, Height int
		// FPS is the target frame rate.
		FPS int
	}

	// Frame is one captured viewport image.
	Frame struct {
		// Data is the encoded image.
		Data []byte
		// Width and Height are the frame dimensions in pixels.
		Width, Height int
		// CapturedAt is the capture timestamp.
		CapturedAt time.Time
	}

	// Track is a live published track.
	Track interface {
		// Publish pushes one frame. Implementations drop frames rather
		// than block when the transport falls behind.
		Publish(ctx context.Context, f Frame) error
		// SetMuted pauses or resumes publishing without releasing the
		// track. Muted tracks silently drop published frames.
		SetMuted(muted bool)
		// Stop unpublishes the track and leaves the room.
		Stop(ctx context.Context) error
	}

	// Publisher creates tracks. One track per session.
	Publisher interface {
		StartTrack(ctx context.Context, cfg TrackConfig) (Track, error)
	}
)
