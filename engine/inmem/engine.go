// Package inmem provides an in-memory implementation of the workflow engine
// for testing and development. It is not deterministic or replay-safe and
// must not be used for production workloads.
package inmem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/pilot/engine"
	"goa.design/pilot/telemetry"
)

type (
	// Engine runs workflows as plain goroutines and activities as direct
	// function calls with a small retry loop. Signals, queries and status
	// reporting behave like the durable engine so orchestration code and
	// workflow tests run unchanged.
	Engine struct {
		logger telemetry.Logger

		mu         sync.RWMutex
		workflows  map[string]engine.WorkflowDefinition
		activities map[string]activityDef
		handles    map[string]*handle
		statuses   map[string]engine.RunStatus
		heartbeats map[string]int
	}

	activityDef struct {
		handler engine.ActivityFunc
		opts    engine.ActivityOptions
	}

	handle struct {
		workflowID string
		runID      string
		cancelRun  context.CancelFunc

		mu     sync.Mutex
		done   chan struct{}
		err    error
		result []byte
		wfCtx  *wfCtx
	}

	wfCtx struct {
		ctx   context.Context
		id    string
		runID string
		eng   *Engine

		pauseCh  chan engine.PauseRequest
		resumeCh chan engine.ResumeRequest
		cancelCh chan engine.CancelRequest

		queryMu sync.RWMutex
		queries map[string]func() ([]byte, error)
	}

	future[T any] struct {
		ready  chan struct{}
		result T
		err    error
	}

	receiver[T any] struct {
		ch chan T
	}
)

// New returns an in-memory Engine suitable for local development, tests and
// simple single-process runs.
func New() *Engine {
	return &Engine{
		logger:     telemetry.NewNoopLogger(),
		workflows:  make(map[string]engine.WorkflowDefinition),
		activities: make(map[string]activityDef),
		handles:    make(map[string]*handle),
		statuses:   make(map[string]engine.RunStatus),
		heartbeats: make(map[string]int),
	}
}

// RegisterWorkflow records a workflow definition.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("invalid workflow definition")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.workflows[def.Name]; dup {
		return fmt.Errorf("workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterActivity records an activity handler and its default options.
func (e *Engine) RegisterActivity(_ context.Context, def engine.ActivityDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("invalid activity definition")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.activities[def.Name]; dup {
		return fmt.Errorf("activity %q already registered", def.Name)
	}
	e.activities[def.Name] = activityDef{handler: def.Handler, opts: def.Options}
	return nil
}

// StartWorkflow runs the workflow handler in a goroutine. The execution
// outlives the start context; RunTimeout and Cancel bound it instead.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	if req.ID == "" {
		return nil, errors.New("workflow id is required")
	}
	e.mu.Lock()
	def, ok := e.workflows[req.Workflow]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("workflow %q not registered", req.Workflow)
	}
	if st, exists := e.statuses[req.ID]; exists && (st == engine.RunStatusRunning || st == engine.RunStatusPaused) {
		e.mu.Unlock()
		return nil, engine.ErrWorkflowAlreadyStarted
	}

	base := context.WithoutCancel(ctx)
	var (
		runCtx    context.Context
		cancelRun context.CancelFunc
	)
	if req.RunTimeout > 0 {
		runCtx, cancelRun = context.WithTimeout(base, req.RunTimeout)
	} else {
		runCtx, cancelRun = context.WithCancel(base)
	}

	wctx := &wfCtx{
		ctx:   runCtx,
		id:    req.ID,
		runID: req.ID, // in-memory assigns the workflow ID as the run ID
		eng:   e,

		pauseCh:  make(chan engine.PauseRequest, 1),
		resumeCh: make(chan engine.ResumeRequest, 1),
		cancelCh: make(chan engine.CancelRequest, 1),

		queries: make(map[string]func() ([]byte, error)),
	}
	h := &handle{
		workflowID: req.ID,
		runID:      wctx.runID,
		cancelRun:  cancelRun,
		done:       make(chan struct{}),
		wfCtx:      wctx,
	}
	e.handles[req.ID] = h
	e.statuses[req.ID] = engine.RunStatusRunning
	e.mu.Unlock()

	go func() {
		defer close(h.done)
		defer cancelRun()
		res, err := def.Handler(wctx, req.Input)
		h.mu.Lock()
		h.result = res
		h.err = err
		h.mu.Unlock()

		e.mu.Lock()
		switch {
		case err == nil:
			e.statuses[req.ID] = engine.RunStatusCompleted
		case errors.Is(err, context.Canceled):
			e.statuses[req.ID] = engine.RunStatusCanceled
		default:
			e.statuses[req.ID] = engine.RunStatusFailed
		}
		e.mu.Unlock()
	}()

	return h, nil
}

// SignalWorkflow delivers a signal to a running workflow by ID.
func (e *Engine) SignalWorkflow(ctx context.Context, workflowID, name string, payload any) error {
	e.mu.RLock()
	h, ok := e.handles[workflowID]
	e.mu.RUnlock()
	if !ok {
		return engine.ErrWorkflowNotFound
	}
	return h.Signal(ctx, name, payload)
}

// QueryWorkflow invokes a query handler registered by the workflow. Handlers
// stay queryable after the workflow completes, mirroring the durable engine.
func (e *Engine) QueryWorkflow(_ context.Context, workflowID, queryType string) ([]byte, error) {
	e.mu.RLock()
	h, ok := e.handles[workflowID]
	e.mu.RUnlock()
	if !ok {
		return nil, engine.ErrWorkflowNotFound
	}
	return h.wfCtx.query(queryType)
}

// QueryRunStatus returns the lifecycle status for a workflow execution. A
// running workflow exposing the StatusQuery handler refines the answer to
// paused.
func (e *Engine) QueryRunStatus(ctx context.Context, workflowID string) (engine.RunStatus, error) {
	if workflowID == "" {
		return "", errors.New("workflow id is required")
	}
	e.mu.RLock()
	status, ok := e.statuses[workflowID]
	e.mu.RUnlock()
	if !ok {
		return "", engine.ErrWorkflowNotFound
	}
	if status == engine.RunStatusRunning {
		if raw, err := e.QueryWorkflow(ctx, workflowID, engine.StatusQuery); err == nil {
			var refined engine.RunStatus
			if json.Unmarshal(raw, &refined) == nil && refined == engine.RunStatusPaused {
				return engine.RunStatusPaused, nil
			}
		}
	}
	return status, nil
}

// Close cancels every in-flight workflow.
func (e *Engine) Close() error {
	e.mu.RLock()
	handles := make([]*handle, 0, len(e.handles))
	for _, h := range e.handles {
		handles = append(handles, h)
	}
	e.mu.RUnlock()
	for _, h := range handles {
		h.cancelRun()
	}
	return nil
}

// HeartbeatCount reports how many heartbeats an activity recorded across all
// attempts. Test helper.
func (e *Engine) HeartbeatCount(activityName string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.heartbeats[activityName]
}

func (e *Engine) recordHeartbeat(activityName string) {
	e.mu.Lock()
	e.heartbeats[activityName]++
	e.mu.Unlock()
}

// runActivity executes an activity with retries. MaxAttempts of zero or less
// means a single attempt; permanent errors stop retrying immediately.
func (e *Engine) runActivity(ctx context.Context, w *wfCtx, name string, def activityDef, opts engine.ActivityOptions, input []byte) ([]byte, error) {
	attempts := opts.RetryPolicy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := opts.RetryPolicy.InitialInterval
	if delay <= 0 {
		delay = time.Millisecond
	}
	backoff := opts.RetryPolicy.BackoffCoefficient
	if backoff <= 0 {
		backoff = 2
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		actx := engine.WithActivityInfo(ctx, engine.ActivityInfo{
			WorkflowID:   w.id,
			RunID:        w.runID,
			ActivityName: name,
			Attempt:      attempt,
		})
		actx = engine.WithHeartbeats(actx, func(context.Context, []byte) {
			e.recordHeartbeat(name)
		})
		actx, cancel := withOptionalTimeout(actx, opts.Timeout)
		out, err := def.handler(actx, input)
		cancel()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if engine.IsPermanent(err) || attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * backoff)
	}
	return nil, lastErr
}

func (h *handle) WorkflowID() string { return h.workflowID }

func (h *handle) RunID() string { return h.runID }

func (h *handle) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err
	}
}

func (h *handle) Signal(ctx context.Context, name string, payload any) error {
	switch name {
	case engine.SignalPause:
		req, ok := payload.(engine.PauseRequest)
		if !ok {
			return fmt.Errorf("signal %q expects engine.PauseRequest, got %T", name, payload)
		}
		return sendSignal(ctx, h.done, h.wfCtx.pauseCh, req)

	case engine.SignalResume:
		req, ok := payload.(engine.ResumeRequest)
		if !ok {
			return fmt.Errorf("signal %q expects engine.ResumeRequest, got %T", name, payload)
		}
		return sendSignal(ctx, h.done, h.wfCtx.resumeCh, req)

	case engine.SignalCancel:
		req, ok := payload.(engine.CancelRequest)
		if !ok {
			return fmt.Errorf("signal %q expects engine.CancelRequest, got %T", name, payload)
		}
		return sendSignal(ctx, h.done, h.wfCtx.cancelCh, req)

	default:
		return fmt.Errorf("unknown signal %q", name)
	}
}

func (h *handle) Cancel(_ context.Context) error {
	h.cancelRun()
	return nil
}

func (w *wfCtx) Context() context.Context { return w.ctx }

func (w *wfCtx) WorkflowID() string { return w.id }

func (w *wfCtx) RunID() string { return w.runID }

func (w *wfCtx) Logger() telemetry.Logger { return w.eng.logger }

func (w *wfCtx) Now() time.Time { return time.Now() }

func (w *wfCtx) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.ctx.Done():
		return w.ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (w *wfCtx) Await(ctx context.Context, condition func() bool) error {
	if condition == nil {
		return errors.New("await condition is required")
	}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if condition() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.ctx.Done():
			return w.ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *wfCtx) ExecuteActivity(ctx context.Context, call engine.ActivityCall) ([]byte, error) {
	fut, err := w.ExecuteActivityAsync(ctx, call)
	if err != nil {
		return nil, err
	}
	return fut.Get(ctx)
}

func (w *wfCtx) ExecuteActivityAsync(ctx context.Context, call engine.ActivityCall) (engine.Future[[]byte], error) {
	if call.Name == "" {
		return nil, errors.New("activity name is required")
	}
	w.eng.mu.RLock()
	def, ok := w.eng.activities[call.Name]
	w.eng.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("activity %q not registered", call.Name)
	}

	opts := mergeOptions(def.opts, call.Options)
	fut := &future[[]byte]{ready: make(chan struct{})}
	go func() {
		defer close(fut.ready)
		fut.result, fut.err = w.eng.runActivity(ctx, w, call.Name, def, opts, call.Input)
	}()
	return fut, nil
}

func (w *wfCtx) SetQueryHandler(name string, handler func() ([]byte, error)) error {
	if name == "" || handler == nil {
		return errors.New("invalid query handler")
	}
	w.queryMu.Lock()
	w.queries[name] = handler
	w.queryMu.Unlock()
	return nil
}

func (w *wfCtx) query(name string) ([]byte, error) {
	w.queryMu.RLock()
	handler, ok := w.queries[name]
	w.queryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("query %q not registered", name)
	}
	return handler()
}

func (w *wfCtx) PauseRequests() engine.Receiver[engine.PauseRequest] {
	return receiver[engine.PauseRequest]{ch: w.pauseCh}
}

func (w *wfCtx) ResumeRequests() engine.Receiver[engine.ResumeRequest] {
	return receiver[engine.ResumeRequest]{ch: w.resumeCh}
}

func (w *wfCtx) CancelRequests() engine.Receiver[engine.CancelRequest] {
	return receiver[engine.CancelRequest]{ch: w.cancelCh}
}

func (r receiver[T]) Receive(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case val := <-r.ch:
		return val, nil
	}
}

func (r receiver[T]) ReceiveAsync() (T, bool) {
	select {
	case val := <-r.ch:
		return val, true
	default:
		var zero T
		return zero, false
	}
}

func (f *future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-f.ready:
		return f.result, f.err
	}
}

func (f *future[T]) IsReady() bool {
	select {
	case <-f.ready:
		return true
	default:
		return false
	}
}

func sendSignal[T any](ctx context.Context, done <-chan struct{}, ch chan<- T, payload T) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return errors.New("workflow completed")
	case ch <- payload:
		return nil
	}
}

func mergeOptions(base, override engine.ActivityOptions) engine.ActivityOptions {
	out := base
	if override.Queue != "" {
		out.Queue = override.Queue
	}
	if override.Timeout != 0 {
		out.Timeout = override.Timeout
	}
	if override.HeartbeatTimeout != 0 {
		out.HeartbeatTimeout = override.HeartbeatTimeout
	}
	if override.RetryPolicy.MaxAttempts != 0 {
		out.RetryPolicy.MaxAttempts = override.RetryPolicy.MaxAttempts
	}
	if override.RetryPolicy.InitialInterval != 0 {
		out.RetryPolicy.InitialInterval = override.RetryPolicy.InitialInterval
	}
	if override.RetryPolicy.BackoffCoefficient != 0 {
		out.RetryPolicy.BackoffCoefficient = override.RetryPolicy.BackoffCoefficient
	}
	return out
}

func withOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, timeout)
}
