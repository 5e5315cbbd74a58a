// Package chromedp implements driver.Driver on a real Chrome or Chromium
// process over the DevTools protocol. A Factory owns one shared browser and
// allocates each driver its own tab; when the browser dies the factory resets
// the allocator and retries once, so a crashed Chrome costs one failed
// session rather than a dead process.
package chromedp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"goa.design/pilot/dom"
	"goa.design/pilot/driver"
	"goa.design/pilot/telemetry"
)

// Defaults applied when the caller leaves the corresponding option zero.
const (
	DefaultActionTimeout  = 60 * time.Second
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 720
)

// Options configures the factory and the browser it launches.
type Options struct {
	// CDPURL connects to an already running browser over the DevTools
	// protocol instead of launching one. HTTP URLs are resolved to the
	// websocket debugger endpoint.
	CDPURL string
	// ChromePath overrides the browser binary location.
	ChromePath string
	// UserDataDir persists browser profile state across restarts. Empty
	// uses a throwaway profile.
	UserDataDir string
	// Headless launches the browser without a display.
	Headless bool
	// ActionTimeout bounds each driver operation. Defaults to 60s.
	ActionTimeout time.Duration
	// Logger receives driver lifecycle logs.
	Logger telemetry.Logger
}

// Factory allocates chromedp drivers as tabs of one shared browser.
type Factory struct {
	opts Options
	log  telemetry.Logger

	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
	closed      bool
}

var _ driver.Factory = (*Factory)(nil)

// NewFactory returns a factory. The browser starts lazily on the first New.
func NewFactory(opts Options) *Factory {
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = DefaultActionTimeout
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Factory{opts: opts, log: log}
}

// New implements driver.Factory. It allocates a fresh tab, applies the
// session configuration and parks it on about:blank.
func (f *Factory) New(ctx context.Context, cfg driver.Config) (driver.Driver, error) {
	if cfg.Viewport.Width <= 0 || cfg.Viewport.Height <= 0 {
		cfg.Viewport = dom.Viewport{Width: DefaultViewportWidth, Height: DefaultViewportHeight}
	}
	if cfg.DownloadDir == "" {
		dir, err := os.MkdirTemp("", "pilot-downloads-")
		if err != nil {
			return nil, fmt.Errorf("create download dir: %w", err)
		}
		cfg.DownloadDir = dir
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, errors.New("driver factory is closed")
	}

	d, err := f.newDriverLocked(cfg)
	if err != nil {
		// The browser may have died with the allocator. Reset and retry
		// once before giving up.
		f.log.Warn(ctx, "browser tab allocation failed, restarting browser", "err", err)
		f.resetAllocatorLocked()
		d, err = f.newDriverLocked(cfg)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Close terminates the shared browser. Drivers allocated from this factory
// die with it.
func (f *Factory) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.resetAllocatorLocked()
}

func (f *Factory) newDriverLocked(cfg driver.Config) (*Driver, error) {
	if err := f.ensureAllocatorLocked(); err != nil {
		return nil, err
	}
	tab, cancel := chromedp.NewContext(f.allocCtx)
	d := &Driver{
		tab:       tab,
		tabCancel: cancel,
		cfg:       cfg,
		timeout:   f.opts.ActionTimeout,
		log:       f.log,
	}
	runCtx, tcancel := context.WithTimeout(tab, f.opts.ActionTimeout)
	defer tcancel()
	acts := append(d.setupActions(), chromedp.Navigate("about:blank"))
	if err := chromedp.Run(runCtx, acts...); err != nil {
		cancel()
		return nil, err
	}
	return d, nil
}

// ensureAllocatorLocked lazily starts or reconnects the shared browser. The
// allocator parent is the background context: browser lifetime is the
// factory's, not any single request's.
func (f *Factory) ensureAllocatorLocked() error {
	if f.allocCtx != nil && f.allocCtx.Err() == nil {
		return nil
	}
	if f.allocCancel != nil {
		f.allocCancel()
	}

	baseCtx := context.Background()
	if cdpURL := strings.TrimSpace(f.opts.CDPURL); cdpURL != "" {
		f.allocCtx, f.allocCancel = chromedp.NewRemoteAllocator(baseCtx, cdpURL)
		return nil
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", f.opts.Headless),
		chromedp.Flag("disable-gpu", f.opts.Headless),
	)
	if path := strings.TrimSpace(f.opts.ChromePath); path != "" {
		opts = append(opts, chromedp.ExecPath(path))
	}
	if dir := strings.TrimSpace(f.opts.UserDataDir); dir != "" {
		profile := filepath.Join(dir, "shared")
		if err := os.MkdirAll(profile, 0o755); err == nil {
			opts = append(opts, chromedp.UserDataDir(profile))
		}
	}
	f.allocCtx, f.allocCancel = chromedp.NewExecAllocator(baseCtx, opts...)
	return nil
}

func (f *Factory) resetAllocatorLocked() {
	if f.allocCancel != nil {
		f.allocCancel()
		f.allocCancel = nil
		f.allocCtx = nil
	}
}
