package knowledge

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by point reads when no entity matches.
var ErrNotFound = errors.New("knowledge: not found")

type (
	// ExecutionRecord marks an activity execution as completed for
	// idempotency. Key is SHA-256 hex over workflow ID, activity name and
	// the input content hash; records expire after RetentionPeriod.
	ExecutionRecord struct {
		Key          string    `json:"key" bson:"key"`
		WorkflowID   string    `json:"workflow_id" bson:"workflow_id"`
		ActivityName string    `json:"activity_name" bson:"activity_name"`
		ContentHash  string    `json:"content_hash" bson:"content_hash"`
		// Result is the serialized activity output, replayed verbatim when
		// a retry hits an existing record.
		Result    []byte    `json:"result,omitempty" bson:"result,omitempty"`
		CreatedAt time.Time `json:"created_at" bson:"created_at"`
	}

	// Checkpoint records batch progress inside an activity so a retry can
	// resume instead of starting over. One checkpoint per workflow and
	// activity, overwritten as the batch advances.
	Checkpoint struct {
		WorkflowID     string    `json:"workflow_id" bson:"workflow_id"`
		ActivityName   string    `json:"activity_name" bson:"activity_name"`
		ItemsProcessed int       `json:"items_processed" bson:"items_processed"`
		LastItemID     string    `json:"last_item_id" bson:"last_item_id"`
		UpdatedAt      time.Time `json:"updated_at" bson:"updated_at"`
	}

	// Job tracks one extraction run end to end for status queries.
	Job struct {
		JobID       string `json:"job_id" bson:"job_id"`
		KnowledgeID string `json:"knowledge_id" bson:"knowledge_id"`
		WebsiteID   string `json:"website_id,omitempty" bson:"website_id,omitempty"`
		// WorkflowID is the engine execution backing the job.
		WorkflowID string `json:"workflow_id" bson:"workflow_id"`
		// Status is pending, running, paused, completed, failed or
		// canceled.
		Status string `json:"status" bson:"status"`
		// Phase names the pipeline phase currently executing.
		Phase string `json:"phase" bson:"phase"`
		// Progress is percent complete in [0,100].
		Progress float64  `json:"progress" bson:"progress"`
		Errors   []string `json:"errors,omitempty" bson:"errors,omitempty"`
		// EntityCounts reports extracted totals per entity kind.
		EntityCounts  map[string]int `json:"entity_counts,omitempty" bson:"entity_counts,omitempty"`
		StartedAtMS   int64          `json:"started_at_ms" bson:"started_at_ms"`
		UpdatedAtMS   int64          `json:"updated_at_ms" bson:"updated_at_ms"`
		CompletedAtMS int64          `json:"completed_at_ms,omitempty" bson:"completed_at_ms,omitempty"`
	}
)

// RetentionPeriod is how long execution records are kept before the store
// expires them.
const RetentionPeriod = 30 * 24 * time.Hour

type (
	// ScreenStore persists screens. Put upserts by (knowledge_id,
	// screen_id); List returns every screen in the scope.
	ScreenStore interface {
		PutScreens(ctx context.Context, screens []*Screen) error
		Screen(ctx context.Context, knowledgeID, screenID string) (*Screen, error)
		ListScreens(ctx context.Context, knowledgeID string) ([]*Screen, error)
	}

	// ActionStore persists knowledge-tier actions.
	ActionStore interface {
		PutActions(ctx context.Context, actions []*Action) error
		Action(ctx context.Context, knowledgeID, actionID string) (*Action, error)
		ListActions(ctx context.Context, knowledgeID string) ([]*Action, error)
	}

	// TaskStore persists tasks.
	TaskStore interface {
		PutTasks(ctx context.Context, tasks []*Task) error
		Task(ctx context.Context, knowledgeID, taskID string) (*Task, error)
		ListTasks(ctx context.Context, knowledgeID string) ([]*Task, error)
	}

	// TransitionStore persists transitions.
	TransitionStore interface {
		PutTransitions(ctx context.Context, transitions []*Transition) error
		Transition(ctx context.Context, knowledgeID, transitionID string) (*Transition, error)
		ListTransitions(ctx context.Context, knowledgeID string) ([]*Transition, error)
	}

	// GroupStore persists screen groups.
	GroupStore interface {
		PutGroups(ctx context.Context, groups []*ScreenGroup) error
		Group(ctx context.Context, knowledgeID, groupID string) (*ScreenGroup, error)
		ListGroups(ctx context.Context, knowledgeID string) ([]*ScreenGroup, error)
	}

	// FunctionStore persists business functions.
	FunctionStore interface {
		PutFunctions(ctx context.Context, functions []*BusinessFunction) error
		Function(ctx context.Context, knowledgeID, functionID string) (*BusinessFunction, error)
		ListFunctions(ctx context.Context, knowledgeID string) ([]*BusinessFunction, error)
	}

	// FlowStore persists user flows.
	FlowStore interface {
		PutFlows(ctx context.Context, flows []*UserFlow) error
		Flow(ctx context.Context, knowledgeID, flowID string) (*UserFlow, error)
		ListFlows(ctx context.Context, knowledgeID string) ([]*UserFlow, error)
	}

	// WorkflowStore persists workflows.
	WorkflowStore interface {
		PutWorkflows(ctx context.Context, workflows []*Workflow) error
		Workflow(ctx context.Context, knowledgeID, workflowID string) (*Workflow, error)
		ListWorkflows(ctx context.Context, knowledgeID string) ([]*Workflow, error)
	}

	// FeatureStore persists business features.
	FeatureStore interface {
		PutFeatures(ctx context.Context, features []*BusinessFeature) error
		Feature(ctx context.Context, knowledgeID, featureID string) (*BusinessFeature, error)
		ListFeatures(ctx context.Context, knowledgeID string) ([]*BusinessFeature, error)
	}

	// ChunkStore persists content chunks. HasChunk answers by content hash
	// so ingestion can skip unchanged material.
	ChunkStore interface {
		PutChunks(ctx context.Context, chunks []*ContentChunk) error
		ListChunks(ctx context.Context, knowledgeID string) ([]*ContentChunk, error)
		HasChunk(ctx context.Context, knowledgeID, contentHash string) (bool, error)
	}

	// LedgerStore is the idempotency ledger and checkpoint log for the
	// extraction pipeline.
	LedgerStore interface {
		PutExecution(ctx context.Context, rec *ExecutionRecord) error
		Execution(ctx context.Context, key string) (*ExecutionRecord, error)
		PutCheckpoint(ctx context.Context, cp *Checkpoint) error
		Checkpoint(ctx context.Context, workflowID, activityName string) (*Checkpoint, error)
	}

	// JobStore tracks extraction jobs.
	JobStore interface {
		PutJob(ctx context.Context, job *Job) error
		Job(ctx context.Context, jobID string) (*Job, error)
	}

	// Store is the full persistence surface of the knowledge tier. Writes
	// are idempotent upserts keyed by knowledge ID plus the entity's own
	// ID; DeleteKnowledge removes every entity and chunk in a scope so a
	// re-extraction can replace it.
	Store interface {
		ScreenStore
		ActionStore
		TaskStore
		TransitionStore
		GroupStore
		FunctionStore
		FlowStore
		WorkflowStore
		FeatureStore
		ChunkStore
		LedgerStore
		JobStore

		DeleteKnowledge(ctx context.Context, knowledgeID string) error
	}
)

// ReadSet loads every entity of a knowledge scope from the store.
func ReadSet(ctx context.Context, s Store, knowledgeID string) (*Set, error) {
	set := &Set{KnowledgeID: knowledgeID}
	var err error
	if set.Screens, err = s.ListScreens(ctx, knowledgeID); err != nil {
		return nil, err
	}
	if set.Actions, err = s.ListActions(ctx, knowledgeID); err != nil {
		return nil, err
	}
	if set.Tasks, err = s.ListTasks(ctx, knowledgeID); err != nil {
		return nil, err
	}
	if set.Transitions, err = s.ListTransitions(ctx, knowledgeID); err != nil {
		return nil, err
	}
	if set.Groups, err = s.ListGroups(ctx, knowledgeID); err != nil {
		return nil, err
	}
	if set.Functions, err = s.ListFunctions(ctx, knowledgeID); err != nil {
		return nil, err
	}
	if set.Flows, err = s.ListFlows(ctx, knowledgeID); err != nil {
		return nil, err
	}
	if set.Workflows, err = s.ListWorkflows(ctx, knowledgeID); err != nil {
		return nil, err
	}
	if set.Features, err = s.ListFeatures(ctx, knowledgeID); err != nil {
		return nil, err
	}
	return set, nil
}

// WriteSet upserts every entity of the set.
func WriteSet(ctx context.Context, s Store, set *Set) error {
	if err := s.PutScreens(ctx, set.Screens); err != nil {
		return err
	}
	if err := s.PutActions(ctx, set.Actions); err != nil {
		return err
	}
	if err := s.PutTasks(ctx, set.Tasks); err != nil {
		return err
	}
	if err := s.PutTransitions(ctx, set.Transitions); err != nil {
		return err
	}
	if err := s.PutGroups(ctx, set.Groups); err != nil {
		return err
	}
	if err := s.PutFunctions(ctx, set.Functions); err != nil {
		return err
	}
	if err := s.PutFlows(ctx, set.Flows); err != nil {
		return err
	}
	if err := s.PutWorkflows(ctx, set.Workflows); err != nil {
		return err
	}
	return s.PutFeatures(ctx, set.Features)
}
