// Package driver declares the browser capability boundary. A Driver owns one
// live page and exposes the primitive operations the action vocabulary is
// compiled down to; a Factory allocates drivers per session. Implementations
// live under features/driver.
package driver

import (
	"context"
	"errors"
	"time"

	"goa.design/pilot/dom"
)

type (
	// Config carries per-session driver settings.
	Config struct {
		// Viewport is the page viewport in CSS pixels. Zero values fall
		// back to the implementation default.
		Viewport dom.Viewport
		// UserAgent overrides the browser user agent when non-empty.
		UserAgent string
		// DownloadDir receives files saved by Download. When empty the
		// implementation picks a session-scoped temporary directory.
		DownloadDir string
	}

	// ClickRequest is a pointer press on an element or coordinate.
	ClickRequest struct {
		// Index addresses an element from the most recent snapshot.
		// Nil means X,Y carry a raw viewport coordinate.
		Index *int
		X, Y  float64
		// Button is "left", "right" or "middle"; empty means left.
		Button string
		// Count is the number of clicks; zero means one.
		Count int
		// Modifiers are keyboard modifiers held during the press, for
		// multi-select toggling ("ctrl", "shift").
		Modifiers []string
	}

	// TypeRequest emits text into an element or the current focus.
	TypeRequest struct {
		Index *int
		Text  string
		// PerCharDelay inserts a pause between characters. Zero types
		// the whole text at once.
		PerCharDelay time.Duration
	}

	// KeysRequest sends a key sequence, optionally focusing an element
	// first. Modifier keys in the sequence are held for the remainder.
	KeysRequest struct {
		Index *int
		Keys  []string
	}

	// ScrollRequest moves the viewport by a pixel delta. A positive
	// Duration animates the move.
	ScrollRequest struct {
		DeltaX, DeltaY float64
		Duration       time.Duration
	}

	// DragRequest drags from one viewport coordinate to another.
	DragRequest struct {
		FromX, FromY float64
		ToX, ToY     float64
	}

	// SelectBy picks how select options are matched.
	SelectBy string

	// SelectRequest picks options of a select element.
	SelectRequest struct {
		Index int
		By    SelectBy
		// Values are option values, visible texts or stringified option
		// positions depending on By.
		Values []string
	}

	// MediaOp is a media element operation.
	MediaOp string

	// MediaRequest operates a media element. Nil Index targets the first
	// media element on the page.
	MediaRequest struct {
		Index *int
		Op    MediaOp
		// Seconds is the seek target for MediaSeek.
		Seconds float64
		// Volume is the level for MediaVolume, in [0,1].
		Volume float64
	}

	// OverlayRequest draws a best-effort decoration on the page. Exactly
	// one of Element, Region or Path is used depending on Kind.
	OverlayRequest struct {
		Kind     OverlayKind
		Index    int
		X, Y     float64
		W, H     float64
		Path     []PathPoint
		Color    string
		Width    float64
		Duration time.Duration
	}

	// PathPoint is one vertex of a drawn path.
	PathPoint struct {
		X, Y float64
	}

	// OverlayKind selects the overlay shape.
	OverlayKind string

	// Driver is a live browser page. All operations honor ctx
	// cancellation; a canceled action leaves the page in whatever state
	// it reached. Implementations must be safe for use from a single
	// goroutine at a time; serialization is the caller's job.
	Driver interface {
		// Navigate drives the page to url and waits for the load to
		// settle. NewTab opens the URL in a fresh tab and switches to it.
		Navigate(ctx context.Context, url string, newTab bool) error
		// NavigateHistory moves through session history: negative deltas
		// go back, positive go forward.
		NavigateHistory(ctx context.Context, delta int) error
		// Reload refreshes the current page.
		Reload(ctx context.Context) error
		// Snapshot captures the interactive elements of the page. The
		// returned snapshot is finalized and immutable.
		Snapshot(ctx context.Context) (*dom.Snapshot, error)
		// Screenshot captures the viewport as an encoded image.
		Screenshot(ctx context.Context) ([]byte, error)
		// Click performs a pointer press.
		Click(ctx context.Context, req ClickRequest) error
		// Move places the pointer over an element or coordinate without
		// pressing, triggering hover effects.
		Move(ctx context.Context, req ClickRequest) error
		// Type emits text.
		Type(ctx context.Context, req TypeRequest) error
		// ClearInput empties the element at index, or the focused
		// element when index is nil.
		ClearInput(ctx context.Context, index *int) error
		// SendKeys sends a key sequence.
		SendKeys(ctx context.Context, req KeysRequest) error
		// Scroll moves the viewport.
		Scroll(ctx context.Context, req ScrollRequest) error
		// Drag performs a pointer drag.
		Drag(ctx context.Context, req DragRequest) error
		// SetFiles attaches local files to the file input at index.
		SetFiles(ctx context.Context, index int, paths []string) error
		// Select picks options of a select element.
		Select(ctx context.Context, req SelectRequest) error
		// SubmitForm submits the form owning the element at index, or
		// the first form when index is nil.
		SubmitForm(ctx context.Context, index *int) error
		// ResetForm resets the form owning the element at index.
		ResetForm(ctx context.Context, index *int) error
		// Media operates a media element.
		Media(ctx context.Context, req MediaRequest) error
		// Zoom scales the page; factor 0 resets to 1.
		Zoom(ctx context.Context, factor float64) error
		// Overlay draws a decoration.
		Overlay(ctx context.Context, req OverlayRequest) error
		// Focus moves keyboard focus to the element at index.
		Focus(ctx context.Context, index int) error
		// SetPresentation toggles presentation styling such as hidden
		// scrollbars and an enlarged cursor. Best-effort.
		SetPresentation(ctx context.Context, enable bool) error
		// ShowPointer toggles a synthetic pointer indicator that follows
		// the cursor. Best-effort.
		ShowPointer(ctx context.Context, visible bool) error
		// Download fetches a URL in the page context and returns a
		// reference to the stored file.
		Download(ctx context.Context, url string) (string, error)
		// Clipboard returns the driver clipboard contents.
		Clipboard(ctx context.Context) (string, error)
		// SetClipboard replaces the driver clipboard contents.
		SetClipboard(ctx context.Context, text string) error
		// PageText returns the readable text of the current page.
		PageText(ctx context.Context) (string, error)
		// Alive probes the underlying browser. An error means the
		// driver crashed and must be recreated.
		Alive(ctx context.Context) error
		// Close releases the page and its browser resources.
		Close(ctx context.Context) error
	}

	// Factory allocates drivers. One driver per session.
	Factory interface {
		New(ctx context.Context, cfg Config) (Driver, error)
	}
)

// Select matching modes.
const (
	SelectByValue SelectBy = "value"
	SelectByText  SelectBy = "text"
	SelectByIndex SelectBy = "index"
)

// Media operations.
const (
	MediaPlay       MediaOp = "play"
	MediaPause      MediaOp = "pause"
	MediaSeek       MediaOp = "seek"
	MediaVolume     MediaOp = "volume"
	MediaFullscreen MediaOp = "fullscreen"
	MediaMute       MediaOp = "mute"
)

// Overlay shapes.
const (
	OverlayElement OverlayKind = "element"
	OverlayRegion  OverlayKind = "region"
	OverlayPath    OverlayKind = "path"
	OverlayPointer OverlayKind = "pointer"
)

// ErrCrashed reports a dead browser process. Callers recover the session by
// allocating a fresh driver.
var ErrCrashed = errors.New("browser driver crashed")
