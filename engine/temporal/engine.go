package temporal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"goa.design/pilot/engine"
	"goa.design/pilot/telemetry"
)

// Options configures the Temporal engine adapter. Either a pre-configured
// Client or ClientOptions must be provided. The adapter wires OTEL
// instrumentation, manages one worker per task queue, and auto-starts workers
// on first workflow execution unless DisableWorkerAutoStart is set.
type Options struct {
	// Client is an optional pre-configured Temporal client. If nil, the
	// adapter creates a lazy client from ClientOptions so OTEL interceptors
	// install automatically.
	Client client.Client

	// ClientOptions describe how to construct the Temporal client when
	// Client is nil. Only connection fields (HostPort, Namespace) need to be
	// set.
	ClientOptions *client.Options

	// WorkerOptions configures worker defaults. TaskQueue is required and is
	// the default queue used when definitions omit one.
	WorkerOptions WorkerOptions

	// Instrumentation toggles OTEL tracing and metrics. Both are enabled by
	// default.
	Instrumentation InstrumentationOptions

	// DisableWorkerAutoStart disables automatic worker startup on first
	// workflow execution. Set it to register all definitions before calling
	// Worker().Start() manually.
	DisableWorkerAutoStart bool

	// Logger emits worker and workflow logs. Nil means no output.
	Logger telemetry.Logger
}

// WorkerOptions configures the shared worker settings applied to every task
// queue managed by the engine. One worker is created per unique queue.
type WorkerOptions struct {
	// TaskQueue is the default queue used when definitions omit one.
	// Required.
	TaskQueue string

	// Options are forwarded to Temporal's worker.New constructor. Set
	// BackgroundActivityContext here to hand activities a context carrying
	// the process logger.
	Options worker.Options
}

// InstrumentationOptions configures OTEL tracing and metrics wiring for the
// Temporal client and workers. Both are enabled by default.
type InstrumentationOptions struct {
	// DisableTracing skips the OTEL tracing interceptor.
	DisableTracing bool

	// DisableMetrics skips the OTEL metrics handler.
	DisableMetrics bool

	// TracerOptions customize the tracing interceptor.
	TracerOptions temporalotel.TracerOptions

	// MetricsOptions customize the metrics handler.
	MetricsOptions temporalotel.MetricsHandlerOptions
}

// Engine implements engine.Engine on Temporal. Registration creates one
// worker per unique task queue; workers start lazily on the first
// StartWorkflow unless auto-start is disabled. All methods are safe for
// concurrent use.
type Engine struct {
	client      client.Client
	closeClient bool

	defaultQueue      string
	workerOpts        worker.Options
	autoStartDisabled bool

	logger telemetry.Logger

	mu              sync.Mutex
	workers         map[string]*workerBundle
	workersStarted  bool
	workflows       map[string]engine.WorkflowDefinition
	activityOptions map[string]engine.ActivityOptions
}

// New constructs a Temporal engine adapter. Either Client or ClientOptions
// must be provided, and WorkerOptions.TaskQueue must be set.
func New(opts Options) (*Engine, error) {
	defaultQueue := opts.WorkerOptions.TaskQueue
	if defaultQueue == "" {
		return nil, fmt.Errorf("temporal engine: worker options must include a default task queue")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	inst, err := configureInstrumentation(opts.Instrumentation)
	if err != nil {
		return nil, err
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, fmt.Errorf("temporal engine: client options are required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		applyClientInstrumentation(&clientOpts, inst)
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}

	workerOpts := opts.WorkerOptions.Options
	applyWorkerInstrumentation(&workerOpts, inst)

	return &Engine{
		client:            cli,
		closeClient:       closeClient,
		defaultQueue:      defaultQueue,
		workerOpts:        workerOpts,
		autoStartDisabled: opts.DisableWorkerAutoStart,
		logger:            logger,
		workers:           make(map[string]*workerBundle),
		workflows:         make(map[string]engine.WorkflowDefinition),
		activityOptions:   make(map[string]engine.ActivityOptions),
	}, nil
}

// RegisterWorkflow registers a workflow definition with the worker for its
// task queue. The handler is wrapped so it receives the engine's
// WorkflowContext instead of a raw Temporal context.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("temporal engine: workflow name cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("temporal engine: workflow %q has no handler", def.Name)
	}
	queue := def.TaskQueue
	if queue == "" {
		queue = e.defaultQueue
	}
	bundle, err := e.workerForQueue(queue)
	if err != nil {
		return err
	}

	bundle.registerWorkflow(def.Name, func(tctx workflow.Context, input []byte) ([]byte, error) {
		out, err := def.Handler(newWorkflowContext(e, tctx), input)
		if err != nil && errors.Is(err, context.Canceled) {
			// Graceful cancel: the handler checkpointed and exited on its
			// own. Record the run as canceled rather than failed.
			return out, sdktemporal.NewCanceledError(err.Error())
		}
		return out, err
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[def.Name]; exists {
		return fmt.Errorf("temporal engine: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterActivity registers an activity handler with the worker for its task
// queue. The handler is wrapped to install attempt metadata and heartbeat
// plumbing on the activity context, and to translate engine.Permanent errors
// into non-retryable Temporal failures.
func (e *Engine) RegisterActivity(_ context.Context, def engine.ActivityDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("temporal engine: activity name cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("temporal engine: activity %q has no handler", def.Name)
	}
	queue := def.Options.Queue
	if queue == "" {
		queue = e.defaultQueue
	}
	bundle, err := e.workerForQueue(queue)
	if err != nil {
		return err
	}

	handler := def.Handler
	bundle.registerActivity(def.Name, func(actx context.Context, input []byte) ([]byte, error) {
		info := activity.GetInfo(actx)
		actx = engine.WithActivityInfo(actx, engine.ActivityInfo{
			WorkflowID:   info.WorkflowExecution.ID,
			RunID:        info.WorkflowExecution.RunID,
			ActivityName: def.Name,
			Attempt:      int(info.Attempt),
		})
		actx = engine.WithHeartbeats(actx, func(ctx context.Context, details []byte) {
			activity.RecordHeartbeat(ctx, details)
		})
		out, err := handler(actx, input)
		if err != nil && engine.IsPermanent(err) {
			return nil, sdktemporal.NewNonRetryableApplicationError(err.Error(), "permanent", err)
		}
		return out, err
	})

	e.mu.Lock()
	e.activityOptions[def.Name] = def.Options
	e.mu.Unlock()
	return nil
}

// StartWorkflow launches a new workflow execution. Workers are auto-started
// first unless disabled. The task queue resolves req.TaskQueue, then the
// definition's queue, then the engine default.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	if req.Workflow == "" {
		return nil, fmt.Errorf("temporal engine: workflow name is required")
	}
	def, err := e.workflowDefinition(req.Workflow)
	if err != nil {
		return nil, err
	}

	if !e.autoStartDisabled {
		e.ensureWorkersStarted()
	}

	queue := req.TaskQueue
	if queue == "" {
		queue = def.TaskQueue
	}
	if queue == "" {
		queue = e.defaultQueue
	}

	opts := client.StartWorkflowOptions{
		ID:                 req.ID,
		TaskQueue:          queue,
		WorkflowRunTimeout: req.RunTimeout,
		Memo:               req.Memo,
	}
	if rp := convertRetryPolicy(req.RetryPolicy); rp != nil {
		opts.RetryPolicy = rp
	}

	run, err := e.client.ExecuteWorkflow(ctx, opts, def.Name, req.Input)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return nil, engine.ErrWorkflowAlreadyStarted
		}
		return nil, err
	}

	return &workflowHandle{run: run, client: e.client}, nil
}

// SignalWorkflow delivers a signal to the latest run of the workflow ID.
func (e *Engine) SignalWorkflow(ctx context.Context, workflowID, name string, payload any) error {
	if workflowID == "" {
		return fmt.Errorf("temporal engine: workflow id is required")
	}
	return mapNotFound(e.client.SignalWorkflow(ctx, workflowID, "", name, payload))
}

// QueryWorkflow invokes a query handler on the latest run of the workflow ID
// and returns its raw response payload.
func (e *Engine) QueryWorkflow(ctx context.Context, workflowID, queryType string) ([]byte, error) {
	if workflowID == "" {
		return nil, fmt.Errorf("temporal engine: workflow id is required")
	}
	val, err := e.client.QueryWorkflow(ctx, workflowID, "", queryType)
	if err != nil {
		return nil, mapNotFound(err)
	}
	var out []byte
	if err := val.Get(&out); err != nil {
		return nil, fmt.Errorf("temporal engine: decode query result: %w", err)
	}
	return out, nil
}

// QueryRunStatus maps the Temporal execution status to the engine lifecycle
// states. Running workflows are additionally asked for the StatusQuery
// handler so a parked execution reports paused.
func (e *Engine) QueryRunStatus(ctx context.Context, workflowID string) (engine.RunStatus, error) {
	if workflowID == "" {
		return "", fmt.Errorf("temporal engine: workflow id is required")
	}
	resp, err := e.client.DescribeWorkflowExecution(ctx, workflowID, "")
	if err != nil {
		return "", mapNotFound(err)
	}
	switch resp.GetWorkflowExecutionInfo().GetStatus() {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING, enumspb.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW:
		if raw, qerr := e.QueryWorkflow(ctx, workflowID, engine.StatusQuery); qerr == nil {
			var status engine.RunStatus
			if json.Unmarshal(raw, &status) == nil && status == engine.RunStatusPaused {
				return engine.RunStatusPaused, nil
			}
		}
		return engine.RunStatusRunning, nil
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return engine.RunStatusCompleted, nil
	case enumspb.WORKFLOW_EXECUTION_STATUS_FAILED, enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return engine.RunStatusFailed, nil
	case enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED, enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return engine.RunStatusCanceled, nil
	default:
		return engine.RunStatusPending, nil
	}
}

// Worker returns a controller for manual worker lifecycle management. Only
// needed when DisableWorkerAutoStart is set.
func (e *Engine) Worker() *WorkerController {
	return &WorkerController{engine: e}
}

// Close shuts down the Temporal client when the engine created it. Stop
// workers first via Worker().Stop() during graceful shutdown.
func (e *Engine) Close() error {
	if e.closeClient && e.client != nil {
		e.client.Close()
	}
	return nil
}

func (e *Engine) workerForQueue(queue string) (*workerBundle, error) {
	if queue == "" {
		queue = e.defaultQueue
	}
	if queue == "" {
		return nil, fmt.Errorf("temporal engine: no task queue configured")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if bundle, ok := e.workers[queue]; ok {
		return bundle, nil
	}

	w := worker.New(e.client, queue, e.workerOpts)
	bundle := &workerBundle{
		queue:  queue,
		worker: w,
		logger: e.logger,
	}
	e.workers[queue] = bundle
	if e.workersStarted {
		bundle.start()
	}
	return bundle, nil
}

func (e *Engine) workflowDefinition(name string) (engine.WorkflowDefinition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	def, ok := e.workflows[name]
	if !ok {
		return engine.WorkflowDefinition{}, fmt.Errorf("temporal engine: workflow %q is not registered", name)
	}
	return def, nil
}

func (e *Engine) ensureWorkersStarted() {
	e.mu.Lock()
	if e.workersStarted {
		e.mu.Unlock()
		return
	}
	e.workersStarted = true
	bundles := make([]*workerBundle, 0, len(e.workers))
	for _, b := range e.workers {
		bundles = append(bundles, b)
	}
	e.mu.Unlock()
	for _, b := range bundles {
		b.start()
	}
}

func (e *Engine) activityDefaultsFor(name string) engine.ActivityOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activityOptions[name]
}

// WorkerController manages start/stop for all workers owned by the engine.
// Controllers share engine state, so Stop affects every queue.
type WorkerController struct {
	engine *Engine
}

// Start launches all registered workers. Workers registered later auto-start.
//
//nolint:unparam // Error return maintained for future extensibility.
func (c *WorkerController) Start() error {
	c.engine.ensureWorkersStarted()
	return nil
}

// Stop gracefully stops all workers managed by the engine.
func (c *WorkerController) Stop() {
	c.engine.mu.Lock()
	bundles := make([]*workerBundle, 0, len(c.engine.workers))
	for _, b := range c.engine.workers {
		bundles = append(bundles, b)
	}
	c.engine.mu.Unlock()

	for _, b := range bundles {
		b.stop()
	}
}

type workerBundle struct {
	queue  string
	worker worker.Worker
	logger telemetry.Logger

	startOnce sync.Once
}

func (b *workerBundle) start() {
	b.startOnce.Do(func() {
		go func() {
			if err := b.worker.Run(worker.InterruptCh()); err != nil {
				b.logger.Error(context.Background(), "temporal worker exited", "queue", b.queue, "err", err)
			}
		}()
	})
}

func (b *workerBundle) stop() {
	b.worker.Stop()
}

func (b *workerBundle) registerWorkflow(name string, fn any) {
	b.worker.RegisterWorkflowWithOptions(fn, workflow.RegisterOptions{Name: name})
}

func (b *workerBundle) registerActivity(name string, fn any) {
	b.worker.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
}

type instrumentation struct {
	tracer  interceptor.Interceptor
	metrics client.MetricsHandler
}

func configureInstrumentation(opts InstrumentationOptions) (*instrumentation, error) {
	inst := &instrumentation{}
	if !opts.DisableTracing {
		tracer, err := temporalotel.NewTracingInterceptor(opts.TracerOptions)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: configure tracing interceptor: %w", err)
		}
		inst.tracer = tracer
	}
	if !opts.DisableMetrics {
		inst.metrics = temporalotel.NewMetricsHandler(opts.MetricsOptions)
	}
	if inst.tracer == nil && inst.metrics == nil {
		return nil, nil
	}
	return inst, nil
}

func applyClientInstrumentation(opts *client.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
	if inst.metrics != nil && opts.MetricsHandler == nil {
		opts.MetricsHandler = inst.metrics
	}
}

func applyWorkerInstrumentation(opts *worker.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
}

type workflowHandle struct {
	run    client.WorkflowRun
	client client.Client
}

func (h *workflowHandle) WorkflowID() string { return h.run.GetID() }

func (h *workflowHandle) RunID() string { return h.run.GetRunID() }

func (h *workflowHandle) Wait(ctx context.Context) ([]byte, error) {
	var out []byte
	if err := h.run.Get(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *workflowHandle) Signal(ctx context.Context, name string, payload any) error {
	return h.client.SignalWorkflow(ctx, h.run.GetID(), h.run.GetRunID(), name, payload)
}

func (h *workflowHandle) Cancel(ctx context.Context) error {
	return h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID())
}

func mapNotFound(err error) error {
	if err == nil {
		return nil
	}
	var nf *serviceerror.NotFound
	if errors.As(err, &nf) {
		return engine.ErrWorkflowNotFound
	}
	return err
}
