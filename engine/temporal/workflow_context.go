package temporal

import (
	"context"
	"errors"
	"time"

	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"goa.design/pilot/engine"
	"goa.design/pilot/telemetry"
)

type workflowContext struct {
	engine     *Engine
	ctx        workflow.Context
	workflowID string
	runID      string
	logger     telemetry.Logger
}

// NewWorkflowContext adapts a raw Temporal workflow.Context into the engine's
// WorkflowContext. Useful when a workflow registered outside this adapter
// runs on the same worker and wants to call shared workflow helpers.
func NewWorkflowContext(e *Engine, ctx workflow.Context) engine.WorkflowContext {
	return newWorkflowContext(e, ctx)
}

func newWorkflowContext(e *Engine, ctx workflow.Context) *workflowContext {
	info := workflow.GetInfo(ctx)
	return &workflowContext{
		engine:     e,
		ctx:        ctx,
		workflowID: info.WorkflowExecution.ID,
		runID:      info.WorkflowExecution.RunID,
		logger:     e.logger,
	}
}

type contextKey string

const (
	workflowIDKey contextKey = "temporal.workflow_id"
	runIDKey      contextKey = "temporal.run_id"
)

func (w *workflowContext) Context() context.Context {
	ctx := context.WithValue(context.Background(), workflowIDKey, w.workflowID)
	return context.WithValue(ctx, runIDKey, w.runID)
}

func (w *workflowContext) WorkflowID() string { return w.workflowID }

func (w *workflowContext) RunID() string { return w.runID }

func (w *workflowContext) Logger() telemetry.Logger { return w.logger }

func (w *workflowContext) Now() time.Time { return workflow.Now(w.ctx) }

func (w *workflowContext) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return workflow.Sleep(w.ctx, d)
}

func (w *workflowContext) Await(ctx context.Context, condition func() bool) error {
	if condition == nil {
		return errors.New("await condition is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return workflow.Await(w.ctx, condition)
}

func (w *workflowContext) ExecuteActivity(ctx context.Context, call engine.ActivityCall) ([]byte, error) {
	fut, err := w.ExecuteActivityAsync(ctx, call)
	if err != nil {
		return nil, err
	}
	return fut.Get(ctx)
}

func (w *workflowContext) ExecuteActivityAsync(_ context.Context, call engine.ActivityCall) (engine.Future[[]byte], error) {
	if call.Name == "" {
		return nil, errors.New("activity name is required")
	}
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(call.Name, call.Options))
	fut := workflow.ExecuteActivity(actx, call.Name, call.Input)
	return &temporalFuture[[]byte]{future: fut, ctx: actx}, nil
}

func (w *workflowContext) SetQueryHandler(name string, handler func() ([]byte, error)) error {
	return workflow.SetQueryHandler(w.ctx, name, handler)
}

func (w *workflowContext) PauseRequests() engine.Receiver[engine.PauseRequest] {
	return &temporalReceiver[engine.PauseRequest]{
		ctx: w.ctx,
		ch:  workflow.GetSignalChannel(w.ctx, engine.SignalPause),
	}
}

func (w *workflowContext) ResumeRequests() engine.Receiver[engine.ResumeRequest] {
	return &temporalReceiver[engine.ResumeRequest]{
		ctx: w.ctx,
		ch:  workflow.GetSignalChannel(w.ctx, engine.SignalResume),
	}
}

func (w *workflowContext) CancelRequests() engine.Receiver[engine.CancelRequest] {
	return &temporalReceiver[engine.CancelRequest]{
		ctx: w.ctx,
		ch:  workflow.GetSignalChannel(w.ctx, engine.SignalCancel),
	}
}

// activityOptionsFor merges per-call overrides with registration defaults.
// A missing timeout falls back to one minute so activities never run
// unbounded.
func (w *workflowContext) activityOptionsFor(name string, override engine.ActivityOptions) workflow.ActivityOptions {
	defaults := w.engine.activityDefaultsFor(name)

	queue := override.Queue
	if queue == "" {
		queue = defaults.Queue
	}
	if queue == "" {
		queue = w.engine.defaultQueue
	}

	timeout := override.Timeout
	if timeout == 0 {
		timeout = defaults.Timeout
	}
	if timeout == 0 {
		timeout = time.Minute
	}

	heartbeat := override.HeartbeatTimeout
	if heartbeat == 0 {
		heartbeat = defaults.HeartbeatTimeout
	}

	retry := mergeRetryPolicies(defaults.RetryPolicy, override.RetryPolicy)

	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		HeartbeatTimeout:    heartbeat,
		TaskQueue:           queue,
		RetryPolicy:         convertRetryPolicy(retry),
	}
}

type temporalFuture[T any] struct {
	future workflow.Future
	ctx    workflow.Context
}

func (f *temporalFuture[T]) Get(_ context.Context) (T, error) {
	var out T
	if err := f.future.Get(f.ctx, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (f *temporalFuture[T]) IsReady() bool {
	return f.future.IsReady()
}

type temporalReceiver[T any] struct {
	ctx workflow.Context
	ch  workflow.ReceiveChannel
}

func (r *temporalReceiver[T]) Receive(ctx context.Context) (T, error) {
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, err
	}
	var out T
	r.ch.Receive(r.ctx, &out)
	return out, nil
}

func (r *temporalReceiver[T]) ReceiveAsync() (T, bool) {
	var out T
	if ok := r.ch.ReceiveAsync(&out); ok {
		return out, true
	}
	return out, false
}

func mergeRetryPolicies(base, override engine.RetryPolicy) engine.RetryPolicy {
	result := base
	if override.MaxAttempts != 0 {
		result.MaxAttempts = override.MaxAttempts
	}
	if override.InitialInterval != 0 {
		result.InitialInterval = override.InitialInterval
	}
	if override.BackoffCoefficient != 0 {
		result.BackoffCoefficient = override.BackoffCoefficient
	}
	return result
}

func convertRetryPolicy(r engine.RetryPolicy) *sdktemporal.RetryPolicy {
	if r.MaxAttempts == 0 && r.InitialInterval == 0 && r.BackoffCoefficient == 0 {
		return nil
	}
	policy := &sdktemporal.RetryPolicy{}
	if r.MaxAttempts > 0 {
		//nolint:gosec // Attempt counts are small configuration values.
		policy.MaximumAttempts = int32(r.MaxAttempts)
	}
	if r.InitialInterval > 0 {
		policy.InitialInterval = r.InitialInterval
	}
	if r.BackoffCoefficient > 0 {
		policy.BackoffCoefficient = r.BackoffCoefficient
	}
	return policy
}
