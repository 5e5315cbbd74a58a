// Package engine abstracts durable workflow execution for long-running
// extraction jobs. Implementations coordinate workflow registration, activity
// scheduling, external signals and status queries; the interfaces stay
// backend-agnostic so orchestration code never imports the Temporal SDK
// directly. Payloads cross the workflow boundary as JSON-encoded byte slices,
// keeping workflow history readable and replay-safe.
package engine

import (
	"context"
	"errors"
	"time"

	"goa.design/pilot/telemetry"
)

type (
	// Engine coordinates durable workflow execution. Implementations must be
	// safe for concurrent use.
	Engine interface {
		// RegisterWorkflow registers a workflow definition. Returns an error if
		// the name is empty or already registered. Registration must complete
		// before StartWorkflow references the definition.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterActivity registers an activity handler invoked by workflows
		// through WorkflowContext.ExecuteActivity. The definition's options
		// become the defaults for every call.
		RegisterActivity(ctx context.Context, def ActivityDefinition) error

		// StartWorkflow launches a new workflow execution and returns a handle
		// for waiting, signaling and cancellation. Returns
		// ErrWorkflowAlreadyStarted when an execution with the same ID is
		// still running.
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)

		// SignalWorkflow delivers a named signal to a running workflow by ID.
		// Returns ErrWorkflowNotFound when no execution matches.
		SignalWorkflow(ctx context.Context, workflowID, name string, payload any) error

		// QueryWorkflow invokes a query handler registered by the workflow via
		// WorkflowContext.SetQueryHandler and returns its raw response.
		QueryWorkflow(ctx context.Context, workflowID, queryType string) ([]byte, error)

		// QueryRunStatus reports the lifecycle status of a workflow execution.
		// Running workflows that expose the StatusQuery handler may refine the
		// answer to RunStatusPaused.
		QueryRunStatus(ctx context.Context, workflowID string) (RunStatus, error)

		// Close releases engine resources. Workflows already handed to a
		// durable backend keep running; in-process engines stop them.
		Close() error
	}

	// WorkflowFunc is the deterministic entry point of a workflow. The input
	// is the JSON payload supplied to StartWorkflow and the returned bytes
	// become the result observed by WorkflowHandle.Wait. Returning an error
	// that wraps context.Canceled records the run as canceled instead of
	// failed.
	WorkflowFunc func(ctx WorkflowContext, input []byte) ([]byte, error)

	// ActivityFunc executes non-deterministic work outside the workflow
	// history. The context carries ActivityInfo and heartbeat plumbing
	// installed by the engine adapter.
	ActivityFunc func(ctx context.Context, input []byte) ([]byte, error)

	// WorkflowDefinition binds a workflow name to its handler and default
	// task queue.
	WorkflowDefinition struct {
		// Name uniquely identifies the workflow type.
		Name string
		// TaskQueue routes executions to a worker pool. Empty selects the
		// engine default.
		TaskQueue string
		// Handler is the workflow entry point.
		Handler WorkflowFunc
	}

	// ActivityDefinition binds an activity name to its handler and default
	// execution options.
	ActivityDefinition struct {
		// Name uniquely identifies the activity type.
		Name string
		// Options are the scheduling defaults merged with per-call overrides.
		Options ActivityOptions
		// Handler performs the activity work.
		Handler ActivityFunc
	}

	// ActivityOptions controls scheduling, timeouts and retry behavior for an
	// activity invocation. Zero values defer to definition defaults, then to
	// engine defaults.
	ActivityOptions struct {
		// Queue overrides the task queue the activity runs on.
		Queue string
		// Timeout bounds a single activity attempt (start to close).
		Timeout time.Duration
		// HeartbeatTimeout is the maximum interval between heartbeats before
		// the engine considers the attempt dead and reschedules it. Zero
		// disables heartbeat monitoring.
		HeartbeatTimeout time.Duration
		// RetryPolicy governs automatic retries of failed attempts.
		RetryPolicy RetryPolicy
	}

	// RetryPolicy describes exponential backoff retries. Zero fields keep the
	// backend defaults. Errors wrapped with Permanent stop retrying
	// immediately regardless of remaining attempts.
	RetryPolicy struct {
		// MaxAttempts caps total attempts including the first. Zero means
		// backend default, negative means unlimited where supported.
		MaxAttempts int
		// InitialInterval is the delay before the first retry.
		InitialInterval time.Duration
		// BackoffCoefficient multiplies the delay after each attempt.
		BackoffCoefficient float64
	}

	// WorkflowStartRequest describes a workflow execution to launch.
	WorkflowStartRequest struct {
		// ID is the caller-chosen workflow identifier. Required.
		ID string
		// Workflow names the registered definition to run. Required.
		Workflow string
		// TaskQueue overrides the definition's queue.
		TaskQueue string
		// Input is the JSON payload handed to the workflow handler.
		Input []byte
		// RunTimeout bounds the whole execution. Zero means no limit.
		RunTimeout time.Duration
		// Memo attaches non-indexed metadata to the execution record.
		Memo map[string]any
		// RetryPolicy governs automatic retries of the whole workflow run.
		RetryPolicy RetryPolicy
	}

	// WorkflowHandle tracks a started workflow execution.
	WorkflowHandle interface {
		// WorkflowID returns the caller-chosen execution identifier.
		WorkflowID() string
		// RunID returns the backend-assigned run identifier.
		RunID() string
		// Wait blocks until the workflow completes and returns its result.
		Wait(ctx context.Context) ([]byte, error)
		// Signal delivers a named signal to the execution.
		Signal(ctx context.Context, name string, payload any) error
		// Cancel requests hard cancellation of the execution.
		Cancel(ctx context.Context) error
	}

	// WorkflowContext is the deterministic API surface available inside a
	// workflow handler. All side effects go through activities; time comes
	// from Now and Sleep so history replay stays stable.
	WorkflowContext interface {
		// Context returns a Go context carrying workflow identity for
		// logging. It must not be used to perform I/O inside the workflow.
		Context() context.Context

		// WorkflowID returns the execution identifier.
		WorkflowID() string

		// RunID returns the backend-assigned run identifier.
		RunID() string

		// Logger returns the engine logger. Safe to call from workflow code;
		// log statements are not recorded in workflow history.
		Logger() telemetry.Logger

		// Now returns the current workflow time. Deterministic under replay.
		Now() time.Time

		// Sleep pauses the workflow for the given duration using a durable
		// timer.
		Sleep(ctx context.Context, d time.Duration) error

		// Await blocks until the condition evaluates true. The condition is
		// re-evaluated whenever workflow state changes (signal received,
		// activity completed, timer fired).
		Await(ctx context.Context, condition func() bool) error

		// ExecuteActivity schedules an activity and blocks until it
		// completes, returning its result payload.
		ExecuteActivity(ctx context.Context, call ActivityCall) ([]byte, error)

		// ExecuteActivityAsync schedules an activity and returns a future
		// resolved on completion. Use for fan-out within a phase.
		ExecuteActivityAsync(ctx context.Context, call ActivityCall) (Future[[]byte], error)

		// SetQueryHandler exposes read-only workflow state to external
		// callers via Engine.QueryWorkflow. The handler must be
		// side-effect-free.
		SetQueryHandler(name string, handler func() ([]byte, error)) error

		// PauseRequests returns the receiver for pause signals.
		PauseRequests() Receiver[PauseRequest]

		// ResumeRequests returns the receiver for resume signals.
		ResumeRequests() Receiver[ResumeRequest]

		// CancelRequests returns the receiver for graceful cancel signals.
		// Distinct from WorkflowHandle.Cancel: a cancel signal lets the
		// workflow checkpoint and persist partial results before exiting.
		CancelRequests() Receiver[CancelRequest]
	}

	// ActivityCall names a registered activity and its input payload.
	// Options override the registration defaults field by field.
	ActivityCall struct {
		Name    string
		Input   []byte
		Options ActivityOptions
	}

	// Future resolves to the result of an asynchronously scheduled activity.
	Future[T any] interface {
		// Get blocks until the result is available.
		Get(ctx context.Context) (T, error)
		// IsReady reports whether Get would return immediately.
		IsReady() bool
	}

	// Receiver drains one kind of workflow signal.
	Receiver[T any] interface {
		// Receive blocks until a signal arrives.
		Receive(ctx context.Context) (T, error)
		// ReceiveAsync returns the next buffered signal without blocking.
		ReceiveAsync() (T, bool)
	}

	// PauseRequest asks a running workflow to hold before its next phase.
	// The workflow finishes in-flight activities, checkpoints, and parks
	// until a resume or cancel signal arrives.
	PauseRequest struct {
		// Reason is recorded in progress reports.
		Reason string `json:"reason,omitempty"`
		// RequestedBy identifies the caller for audit logs.
		RequestedBy string `json:"requested_by,omitempty"`
	}

	// ResumeRequest releases a paused workflow.
	ResumeRequest struct {
		RequestedBy string `json:"requested_by,omitempty"`
	}

	// CancelRequest asks a running workflow to checkpoint, persist partial
	// results and exit cleanly with a canceled status.
	CancelRequest struct {
		Reason      string `json:"reason,omitempty"`
		RequestedBy string `json:"requested_by,omitempty"`
	}

	// RunStatus is the lifecycle state of a workflow execution.
	RunStatus string
)

// Signal names understood by every engine implementation. Workflows receive
// them through the typed receivers on WorkflowContext.
const (
	// SignalPause carries a PauseRequest.
	SignalPause = "pause"
	// SignalResume carries a ResumeRequest.
	SignalResume = "resume"
	// SignalCancel carries a CancelRequest.
	SignalCancel = "cancel"
)

// StatusQuery is the well-known query type workflows register to refine their
// lifecycle status. The handler returns a JSON-encoded RunStatus; engines
// consult it from QueryRunStatus so a parked workflow reports
// RunStatusPaused instead of RunStatusRunning.
const StatusQuery = "run_status"

// Workflow execution lifecycle states.
const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// ErrWorkflowNotFound reports that no workflow execution matches the given
// identifier.
var ErrWorkflowNotFound = errors.New("workflow not found")

// ErrWorkflowAlreadyStarted reports that an execution with the requested ID
// is still running.
var ErrWorkflowAlreadyStarted = errors.New("workflow already started")
