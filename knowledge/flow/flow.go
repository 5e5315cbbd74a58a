// Package flow runs knowledge extraction as a durable workflow: ten phases
// executed in order as retriable activities over an engine.Engine, from
// source ingestion through extraction, linking, graph indexing, validation
// and optional browser verification. Every phase is guarded by an
// idempotency ledger keyed on the workflow, the activity and the source
// content hash, so a retried or re-delivered activity replays its recorded
// result instead of repeating side effects. Long phases checkpoint their
// progress so a worker restart resumes mid-phase, and heartbeat while
// processing so stalled attempts are rescheduled.
//
// The Pipeline is the process-level handle: it registers the workflow and
// activity definitions, starts extraction jobs, relays pause/resume/cancel
// signals and answers status queries from the job store.
package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/pilot/bus"
	"goa.design/pilot/driver"
	"goa.design/pilot/engine"
	"goa.design/pilot/knowledge"
	"goa.design/pilot/knowledge/extract"
	"goa.design/pilot/knowledge/graph"
	"goa.design/pilot/knowledge/ingest"
	"goa.design/pilot/telemetry"
	"goa.design/pilot/wire"
)

// Workflow definitions registered by the pipeline. The verification workflow
// reuses the extraction handler with a one-phase plan.
const (
	WorkflowName       = "knowledge_extraction"
	VerifyWorkflowName = "knowledge_verification"
)

// DefaultTaskQueue routes extraction work when the options leave the queue
// unset.
const DefaultTaskQueue = "knowledge-extraction"

// RunTimeout bounds a whole extraction run.
const RunTimeout = 24 * time.Hour

// HeartbeatInterval is how often a processing activity records liveness;
// HeartbeatTimeout is how long the engine waits before rescheduling a silent
// attempt.
const (
	HeartbeatInterval = 30 * time.Second
	HeartbeatTimeout  = 90 * time.Second
)

// CheckpointInterval is the number of items a phase processes between
// checkpoint writes.
const CheckpointInterval = 100

// Phase activity names, in pipeline order.
const (
	PhaseIngest      = "ingest_source"
	PhaseScreens     = "extract_screens"
	PhaseTasks       = "extract_tasks"
	PhaseActions     = "extract_actions"
	PhaseTransitions = "extract_transitions"
	PhaseBusiness    = "extract_business"
	PhaseLink        = "link_entities"
	PhaseGraph       = "build_graph_index"
	PhaseValidate    = "validate_knowledge"
	PhaseVerify      = "verify_actions"
)

// activityProgress is the bookkeeping activity that updates the job row and
// publishes progress events. It is not a pipeline phase and skips the
// idempotency ledger.
const activityProgress = "record_progress"

// Job lifecycle states recorded on the job row. They mirror the engine run
// statuses so status queries need no translation.
const (
	StatusPending   = string(engine.RunStatusPending)
	StatusRunning   = string(engine.RunStatusRunning)
	StatusPaused    = string(engine.RunStatusPaused)
	StatusCompleted = string(engine.RunStatusCompleted)
	StatusFailed    = string(engine.RunStatusFailed)
	StatusCanceled  = string(engine.RunStatusCanceled)
)

type (
	// Options configures a Pipeline.
	Options struct {
		// Engine executes the workflow. Required.
		Engine engine.Engine
		// Store is the knowledge persistence surface. Required.
		Store knowledge.Store
		// Ingester turns sources into content chunks. Required; usually an
		// ingest.Router.
		Ingester ingest.Ingester
		// Text extracts business entities through a text LLM. Nil skips the
		// business phase.
		Text *extract.TextExtractor
		// Graph is the navigation index cache warmed by the graph phase.
		// Defaults to a fresh cache over Store.
		Graph *graph.Cache
		// Drivers allocates browsers for the verification phase. Required
		// when Verify is set.
		Drivers driver.Factory
		// Bus publishes job progress events. Nil disables publishing.
		Bus bus.Bus
		// Verify enables the browser verification phase.
		Verify bool
		// TaskQueue overrides the queue extraction work runs on.
		TaskQueue string
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to no-op metrics.
		Metrics telemetry.Metrics
	}

	// Pipeline owns the extraction workflow: definition registration, job
	// lifecycle and signal relay.
	Pipeline struct {
		engine   engine.Engine
		store    knowledge.Store
		ingester ingest.Ingester
		text     *extract.TextExtractor
		graph    *graph.Cache
		drivers  driver.Factory
		bus      bus.Bus
		verify   bool
		queue    string
		log      telemetry.Logger
		metrics  telemetry.Metrics

		// pausePoll is the durable timer between resume checks while
		// parked. Tests shorten it.
		pausePoll time.Duration
	}

	// StartRequest describes one extraction run.
	StartRequest struct {
		// KnowledgeID scopes the run. Empty generates a fresh scope; a
		// value replaces everything previously extracted under it.
		KnowledgeID string `json:"knowledge_id,omitempty"`
		// WebsiteID tags the job for lookup by site.
		WebsiteID string `json:"website_id,omitempty"`
		// Source is the material to extract from.
		Source ingest.Source `json:"source"`
	}

	// VerifyRequest triggers browser verification over an existing
	// knowledge scope.
	VerifyRequest struct {
		KnowledgeID string `json:"knowledge_id"`
		WebsiteID   string `json:"website_id,omitempty"`
	}
)

// ErrVerifyDisabled reports that browser verification is not enabled on this
// deployment.
var ErrVerifyDisabled = errors.New("verification is disabled")

// New validates options and builds a pipeline. Register must be called
// before Start.
func New(opts Options) (*Pipeline, error) {
	if opts.Engine == nil {
		return nil, errors.New("workflow engine is required")
	}
	if opts.Store == nil {
		return nil, errors.New("knowledge store is required")
	}
	if opts.Ingester == nil {
		return nil, errors.New("ingester is required")
	}
	if opts.Verify && opts.Drivers == nil {
		return nil, errors.New("verification needs a driver factory")
	}
	p := &Pipeline{
		engine:    opts.Engine,
		store:     opts.Store,
		ingester:  opts.Ingester,
		text:      opts.Text,
		graph:     opts.Graph,
		drivers:   opts.Drivers,
		bus:       opts.Bus,
		verify:    opts.Verify,
		queue:     opts.TaskQueue,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		pausePoll: time.Second,
	}
	if p.graph == nil {
		p.graph = graph.NewCache(opts.Store)
	}
	if p.queue == "" {
		p.queue = DefaultTaskQueue
	}
	if p.log == nil {
		p.log = telemetry.NewNoopLogger()
	}
	if p.metrics == nil {
		p.metrics = telemetry.NewNoopMetrics()
	}
	return p, nil
}

// VerifyEnabled reports whether the verification phase is available.
func (p *Pipeline) VerifyEnabled() bool { return p.verify }

// Register installs the workflow and activity definitions on the engine.
// Call once per process before starting or resuming jobs.
func (p *Pipeline) Register(ctx context.Context) error {
	for _, name := range []string{WorkflowName, VerifyWorkflowName} {
		def := engine.WorkflowDefinition{Name: name, TaskQueue: p.queue, Handler: p.run}
		if err := p.engine.RegisterWorkflow(ctx, def); err != nil {
			return fmt.Errorf("register workflow %s: %w", name, err)
		}
	}

	std := engine.ActivityOptions{
		Timeout:          10 * time.Minute,
		HeartbeatTimeout: HeartbeatTimeout,
		RetryPolicy: engine.RetryPolicy{
			MaxAttempts:        5,
			InitialInterval:    time.Second,
			BackoffCoefficient: 2,
		},
	}
	long := std
	long.Timeout = 30 * time.Minute

	defs := []engine.ActivityDefinition{
		{Name: PhaseIngest, Options: std, Handler: p.phaseActivity(p.ingest)},
		{Name: PhaseScreens, Options: std, Handler: p.phaseActivity(p.extractScreens)},
		{Name: PhaseTasks, Options: std, Handler: p.phaseActivity(p.extractTasks)},
		{Name: PhaseActions, Options: std, Handler: p.phaseActivity(p.extractActions)},
		{Name: PhaseTransitions, Options: std, Handler: p.phaseActivity(p.extractTransitions)},
		{Name: PhaseBusiness, Options: long, Handler: p.phaseActivity(p.extractBusiness)},
		{Name: PhaseLink, Options: std, Handler: p.phaseActivity(p.linkEntities)},
		{Name: PhaseGraph, Options: std, Handler: p.phaseActivity(p.buildGraphIndex)},
		{Name: PhaseValidate, Options: std, Handler: p.phaseActivity(p.validateKnowledge)},
		{Name: PhaseVerify, Options: long, Handler: p.phaseActivity(p.verifyActions)},
		{Name: activityProgress, Options: engine.ActivityOptions{
			Timeout:     15 * time.Second,
			RetryPolicy: engine.RetryPolicy{MaxAttempts: 1},
		}, Handler: p.progressActivity},
	}
	for _, def := range defs {
		if err := p.engine.RegisterActivity(ctx, def); err != nil {
			return fmt.Errorf("register activity %s: %w", def.Name, err)
		}
	}
	return nil
}

// Start launches an extraction run and returns the tracking job. Supplying
// a knowledge ID replaces everything previously extracted under it; the old
// entities are bulk-deleted before ingestion so no orphans survive.
func (p *Pipeline) Start(ctx context.Context, req StartRequest) (*knowledge.Job, error) {
	if req.Source.Type == "" {
		return nil, wire.Errorf(wire.CodeInvalidParams, "source type is required")
	}
	replace := req.KnowledgeID != ""
	knowledgeID := req.KnowledgeID
	if knowledgeID == "" {
		knowledgeID = "kn-" + uuid.NewString()
	}
	in := runInput{
		KnowledgeID: knowledgeID,
		WebsiteID:   req.WebsiteID,
		Replace:     replace,
		Verify:      p.verify,
		Source:      &req.Source,
		ContentHash: req.Source.ContentHash(),
	}
	return p.launch(ctx, WorkflowName, in)
}

// StartVerify launches a verification-only run over an existing knowledge
// scope. Returns ErrVerifyDisabled when the deployment does not enable
// verification and knowledge.ErrNotFound when the scope has no screens.
func (p *Pipeline) StartVerify(ctx context.Context, req VerifyRequest) (*knowledge.Job, error) {
	if !p.verify {
		return nil, ErrVerifyDisabled
	}
	if req.KnowledgeID == "" {
		return nil, wire.Errorf(wire.CodeInvalidParams, "knowledge id is required")
	}
	screens, err := p.store.ListScreens(ctx, req.KnowledgeID)
	if err != nil {
		return nil, err
	}
	if len(screens) == 0 {
		return nil, fmt.Errorf("knowledge %s: %w", req.KnowledgeID, knowledge.ErrNotFound)
	}
	in := runInput{
		KnowledgeID: req.KnowledgeID,
		WebsiteID:   req.WebsiteID,
		Verify:      true,
		VerifyOnly:  true,
	}
	return p.launch(ctx, VerifyWorkflowName, in)
}

// launch persists the job row and starts the workflow. The job and workflow
// share one identifier so signals and queries need no extra lookup.
func (p *Pipeline) launch(ctx context.Context, workflow string, in runInput) (*knowledge.Job, error) {
	jobID := "job-" + uuid.NewString()
	in.JobID = jobID

	now := time.Now().UnixMilli()
	job := &knowledge.Job{
		JobID:       jobID,
		KnowledgeID: in.KnowledgeID,
		WebsiteID:   in.WebsiteID,
		WorkflowID:  jobID,
		Status:      StatusPending,
		StartedAtMS: now,
		UpdatedAtMS: now,
	}
	if err := p.store.PutJob(ctx, job); err != nil {
		return nil, fmt.Errorf("record job: %w", err)
	}

	input, err := encodeRunInput(in)
	if err != nil {
		return nil, err
	}
	_, err = p.engine.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:         jobID,
		Workflow:   workflow,
		TaskQueue:  p.queue,
		Input:      input,
		RunTimeout: RunTimeout,
		Memo:       map[string]any{"knowledge_id": in.KnowledgeID, "website_id": in.WebsiteID},
	})
	if err != nil {
		job.Status = StatusFailed
		job.Errors = append(job.Errors, err.Error())
		job.UpdatedAtMS = time.Now().UnixMilli()
		job.CompletedAtMS = job.UpdatedAtMS
		if perr := p.store.PutJob(ctx, job); perr != nil {
			p.log.Error(ctx, "record failed job", "job_id", jobID, "err", perr)
		}
		return nil, fmt.Errorf("start workflow: %w", err)
	}
	p.metrics.IncCounter("extraction.jobs", 1, "workflow", workflow)
	return job, nil
}

// Pause asks a running job to park before its next phase. In-flight
// activities finish first.
func (p *Pipeline) Pause(ctx context.Context, jobID, reason, requestedBy string) error {
	job, err := p.store.Job(ctx, jobID)
	if err != nil {
		return err
	}
	return p.engine.SignalWorkflow(ctx, job.WorkflowID, engine.SignalPause, engine.PauseRequest{
		Reason:      reason,
		RequestedBy: requestedBy,
	})
}

// Resume releases a paused job.
func (p *Pipeline) Resume(ctx context.Context, jobID, requestedBy string) error {
	job, err := p.store.Job(ctx, jobID)
	if err != nil {
		return err
	}
	return p.engine.SignalWorkflow(ctx, job.WorkflowID, engine.SignalResume, engine.ResumeRequest{
		RequestedBy: requestedBy,
	})
}

// Cancel asks a running job to stop gracefully. Results persisted by
// completed phases survive; the job ends in the canceled state.
func (p *Pipeline) Cancel(ctx context.Context, jobID, reason, requestedBy string) error {
	job, err := p.store.Job(ctx, jobID)
	if err != nil {
		return err
	}
	return p.engine.SignalWorkflow(ctx, job.WorkflowID, engine.SignalCancel, engine.CancelRequest{
		Reason:      reason,
		RequestedBy: requestedBy,
	})
}

// Status returns the job row, reconciled against the engine when the engine
// reports a terminal state the row has not recorded. That covers hard
// cancellation and worker loss, where the workflow never got to write its
// final update.
func (p *Pipeline) Status(ctx context.Context, jobID string) (*knowledge.Job, error) {
	job, err := p.store.Job(ctx, jobID)
	if err != nil {
		return nil, err
	}
	st, err := p.engine.QueryRunStatus(ctx, job.WorkflowID)
	if err != nil {
		return job, nil
	}
	if s := string(st); terminalStatus(s) && !terminalStatus(job.Status) {
		job.Status = s
		job.UpdatedAtMS = time.Now().UnixMilli()
		job.CompletedAtMS = job.UpdatedAtMS
		if s == StatusCompleted {
			job.Progress = 100
		}
		if perr := p.store.PutJob(ctx, job); perr != nil {
			p.log.Warn(ctx, "reconcile job status", "job_id", jobID, "err", perr)
		}
	}
	return job, nil
}

// terminalStatus reports whether a job status is final.
func terminalStatus(s string) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}
