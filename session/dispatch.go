package session

import (
	"context"
	"errors"
	"time"

	"goa.design/pilot/action"
	"goa.design/pilot/diff"
	"goa.design/pilot/dom"
	"goa.design/pilot/wire"
)

// ExecuteAction runs one stream command against its session. It implements
// command.Executor: once the session gate passes, the command consumes its
// sequence number and yields a state update even when the action fails, so
// the state stream stays contiguous. A non-nil error is returned only for
// failures that happen before anything could execute: unknown room, closed
// or failed session, or a session still starting.
func (m *Manager) ExecuteAction(ctx context.Context, env *wire.ActionEnvelope) (*wire.StateUpdate, error) {
	return m.dispatch(ctx, env, true)
}

// ExecuteSync runs one action for a synchronous caller outside the command
// stream. No structured diff is computed and nothing is appended to the
// state stream; the returned update carries the result and current state.
func (m *Manager) ExecuteSync(ctx context.Context, env *wire.ActionEnvelope) (*wire.StateUpdate, error) {
	return m.dispatch(ctx, env, false)
}

func (m *Manager) dispatch(ctx context.Context, env *wire.ActionEnvelope, withDiff bool) (*wire.StateUpdate, error) {
	s, err := m.session(env.RoomName)
	if err != nil {
		return nil, err
	}

	var (
		update  *wire.StateUpdate
		fromURL string
	)
	params, derr := action.Decode(action.Kind(env.ActionType), env.Params)
	if derr != nil {
		code := wire.CodeInvalidParams
		if errors.Is(derr, action.ErrUnknownKind) {
			code = wire.CodeUnknownActionType
		}
		update, fromURL = m.rejected(s, env, wire.Wrap(code, derr))
	} else {
		if env.TimeoutMS > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(env.TimeoutMS)*time.Millisecond)
			defer cancel()
		}
		update, fromURL, err = m.run(ctx, s, env, params, withDiff)
		if err != nil {
			return nil, err
		}
	}

	m.noteOutcome(ctx, env, update, fromURL)
	return update, nil
}

// run executes a decoded action inside the session critical section and
// assembles the resulting state update. A transient driver failure is
// retried once after the first backoff step before the failed update is
// assembled.
func (m *Manager) run(ctx context.Context, s *Session, env *wire.ActionEnvelope, params action.Params, withDiff bool) (*wire.StateUpdate, string, error) {
	s.mu.Lock()

	if err := m.usableLocked(s); err != nil {
		s.mu.Unlock()
		return nil, "", err
	}

	r := &actionRun{m: m, s: s, drv: s.drv}
	fromURL := s.lastURL
	started := time.Now()

	var werr *wire.Error
	if withDiff {
		// The pre snapshot anchors the diff. Capturing it up front also
		// gives index resolution a fresh view for free.
		_, werr = r.view(ctx)
	}
	if werr == nil {
		werr = r.execute(ctx, params)
	}
	if werr != nil && werr.Code.Family() == wire.FamilyTransient {
		// An infrastructure blip gets one more attempt. The retry's
		// outcome replaces the first attempt's.
		if backoff(ctx, m.retryDelay) {
			retry := &actionRun{m: m, s: s, drv: s.drv, pre: r.pre}
			werr = retry.execute(ctx, params)
			r = retry
		}
	}
	durationMS := time.Since(started).Milliseconds()

	post, perr := r.drv.Snapshot(ctx)
	if perr != nil {
		if werr == nil {
			werr = r.classify(perr, wire.CodeDriverUnavailable)
		}
		// Page state is unknown; drop the cached view so the next index
		// resolution starts from a fresh capture.
		s.snapshot = nil
	} else {
		s.snapshot = post
		s.lastURL = post.URL
	}

	if post != nil && fromURL != "" && post.URL != fromURL {
		r.effects.Navigated = true
		r.effects.URL = post.URL
	}

	update := &wire.StateUpdate{
		SessionID:      s.identity,
		RoomName:       env.RoomName,
		CommandID:      env.CommandID,
		SequenceNumber: env.SequenceNumber,
		Result: wire.ActionResult{
			Success:    werr == nil,
			Error:      werr,
			DurationMS: durationMS,
			Data:       r.data,
		},
		State:         currentState(post, fromURL),
		ScreenshotRef: r.screenshotRef,
	}
	if r.effects != (wire.ObservedEffects{}) {
		effects := r.effects
		update.Result.ObservedEffects = &effects
	}
	if withDiff {
		update.Diff = diff.Compute(r.pre, post)
	}

	crashed := r.crashed
	if crashed && s.phase != PhaseClosed && s.phase != PhaseFailed {
		s.phase = PhaseFailed
	}
	s.mu.Unlock()

	if crashed {
		go m.crashObserved(s, errors.New("driver crashed during action"))
	}
	return update, fromURL, nil
}

// backoff waits d before a retry attempt, bailing out when ctx ends first.
func backoff(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// rejected builds the update for a command that failed validation before
// touching the driver. The current state is taken from the cached view.
func (m *Manager) rejected(s *Session, env *wire.ActionEnvelope, werr *wire.Error) (*wire.StateUpdate, string) {
	s.mu.Lock()
	state := currentState(s.snapshot, s.lastURL)
	identity := s.identity
	fromURL := s.lastURL
	s.mu.Unlock()
	return &wire.StateUpdate{
		SessionID:      identity,
		RoomName:       env.RoomName,
		CommandID:      env.CommandID,
		SequenceNumber: env.SequenceNumber,
		Result:         wire.ActionResult{Success: false, Error: werr},
		State:          state,
	}, fromURL
}

// noteOutcome publishes the action's events and records its timing sample.
// Called outside the session lock.
func (m *Manager) noteOutcome(ctx context.Context, env *wire.ActionEnvelope, update *wire.StateUpdate, fromURL string) {
	kind := action.Kind(env.ActionType)
	navigated := false
	if eff := update.Result.ObservedEffects; eff != nil {
		navigated = eff.Navigated
	}
	if update.Diff != nil && update.Diff.NavigationChanges.URLChanged {
		navigated = true
	}

	if m.events != nil {
		if update.Result.Success {
			m.events.Publish(ctx, env.RoomName, wire.EventActionCompleted, env.CommandID, map[string]any{
				"action_type": env.ActionType,
				"duration_ms": update.Result.DurationMS,
			})
		} else {
			m.events.PublishError(ctx, env.RoomName, env.CommandID, update.Result.Error)
		}
		if navigated {
			m.events.Publish(ctx, env.RoomName, wire.EventPageNavigation, env.CommandID, map[string]any{
				"url":      update.State.URL,
				"from_url": fromURL,
			})
			m.events.Publish(ctx, env.RoomName, wire.EventPageLoadComplete, env.CommandID, map[string]any{
				"url":   update.State.URL,
				"title": update.State.Title,
			})
		}
	}

	if m.delays != nil && update.Result.Success && kind != action.Wait && kind != action.TakeScreenshot {
		m.delays.Record(DelaySample{
			Room:        env.RoomName,
			ActionType:  env.ActionType,
			FromURL:     fromURL,
			ToURL:       update.State.URL,
			DurationMS:  update.Result.DurationMS,
			URLChanged:  navigated,
			DOMStable:   true,
			NetworkIdle: true,
			At:          time.Now(),
		})
	}

	if update.Result.Success {
		m.metrics.IncCounter("session.actions", 1)
	} else {
		m.metrics.IncCounter("session.action_failures", 1)
	}
}

func currentState(snap *dom.Snapshot, fallbackURL string) wire.CurrentState {
	if snap == nil {
		return wire.CurrentState{URL: fallbackURL}
	}
	return wire.CurrentState{
		URL:          snap.URL,
		Title:        snap.Title,
		ContentHash:  snap.ContentHash,
		ElementCount: len(snap.Elements),
	}
}
