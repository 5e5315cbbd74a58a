// Package inmem provides an in-memory implementation of knowledge.Store. It
// is intended for tests and single-process runs; production deployments use
// features/store/mongo.
package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"goa.design/pilot/knowledge"
)

// Store keeps every collection in maps keyed by knowledge scope and entity
// ID. All reads and writes deep-copy so callers can mutate results freely,
// matching document-store semantics.
type Store struct {
	mu          sync.RWMutex
	screens     map[string]map[string]*knowledge.Screen
	actions     map[string]map[string]*knowledge.Action
	tasks       map[string]map[string]*knowledge.Task
	transitions map[string]map[string]*knowledge.Transition
	groups      map[string]map[string]*knowledge.ScreenGroup
	functions   map[string]map[string]*knowledge.BusinessFunction
	flows       map[string]map[string]*knowledge.UserFlow
	workflows   map[string]map[string]*knowledge.Workflow
	features    map[string]map[string]*knowledge.BusinessFeature
	chunks      map[string]map[string]*knowledge.ContentChunk
	executions  map[string]*knowledge.ExecutionRecord
	checkpoints map[string]*knowledge.Checkpoint
	jobs        map[string]*knowledge.Job

	// now is replaceable so tests can age execution records.
	now func() time.Time
}

var _ knowledge.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		screens:     make(map[string]map[string]*knowledge.Screen),
		actions:     make(map[string]map[string]*knowledge.Action),
		tasks:       make(map[string]map[string]*knowledge.Task),
		transitions: make(map[string]map[string]*knowledge.Transition),
		groups:      make(map[string]map[string]*knowledge.ScreenGroup),
		functions:   make(map[string]map[string]*knowledge.BusinessFunction),
		flows:       make(map[string]map[string]*knowledge.UserFlow),
		workflows:   make(map[string]map[string]*knowledge.Workflow),
		features:    make(map[string]map[string]*knowledge.BusinessFeature),
		chunks:      make(map[string]map[string]*knowledge.ContentChunk),
		executions:  make(map[string]*knowledge.ExecutionRecord),
		checkpoints: make(map[string]*knowledge.Checkpoint),
		jobs:        make(map[string]*knowledge.Job),
		now:         time.Now,
	}
}

// SetClock replaces the store's clock. Test hook for execution-record
// expiry.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func clone[T any](v *T) *T {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("inmem: clone marshal: %v", err))
	}
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		panic(fmt.Sprintf("inmem: clone unmarshal: %v", err))
	}
	return out
}

func put[T any](byScope map[string]map[string]*T, scope, id string, v *T) {
	m := byScope[scope]
	if m == nil {
		m = make(map[string]*T)
		byScope[scope] = m
	}
	m[id] = clone(v)
}

func get[T any](byScope map[string]map[string]*T, scope, id string) (*T, error) {
	v, ok := byScope[scope][id]
	if !ok {
		return nil, knowledge.ErrNotFound
	}
	return clone(v), nil
}

func list[T any](byScope map[string]map[string]*T, scope string, id func(*T) string) []*T {
	m := byScope[scope]
	out := make([]*T, 0, len(m))
	for _, v := range m {
		out = append(out, clone(v))
	}
	sort.Slice(out, func(i, j int) bool { return id(out[i]) < id(out[j]) })
	return out
}

// PutScreens upserts screens by (knowledge_id, screen_id).
func (s *Store) PutScreens(_ context.Context, screens []*knowledge.Screen) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range screens {
		put(s.screens, v.KnowledgeID, v.ScreenID, v)
	}
	return nil
}

// Screen returns one screen or knowledge.ErrNotFound.
func (s *Store) Screen(_ context.Context, knowledgeID, screenID string) (*knowledge.Screen, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return get(s.screens, knowledgeID, screenID)
}

// ListScreens returns every screen in the scope, sorted by ID.
func (s *Store) ListScreens(_ context.Context, knowledgeID string) ([]*knowledge.Screen, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return list(s.screens, knowledgeID, func(v *knowledge.Screen) string { return v.ScreenID }), nil
}

// PutActions upserts actions.
func (s *Store) PutActions(_ context.Context, actions []*knowledge.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range actions {
		put(s.actions, v.KnowledgeID, v.ActionID, v)
	}
	return nil
}

// Action returns one action or knowledge.ErrNotFound.
func (s *Store) Action(_ context.Context, knowledgeID, actionID string) (*knowledge.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return get(s.actions, knowledgeID, actionID)
}

// ListActions returns every action in the scope, sorted by ID.
func (s *Store) ListActions(_ context.Context, knowledgeID string) ([]*knowledge.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return list(s.actions, knowledgeID, func(v *knowledge.Action) string { return v.ActionID }), nil
}

// PutTasks upserts tasks.
func (s *Store) PutTasks(_ context.Context, tasks []*knowledge.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range tasks {
		put(s.tasks, v.KnowledgeID, v.TaskID, v)
	}
	return nil
}

// Task returns one task or knowledge.ErrNotFound.
func (s *Store) Task(_ context.Context, knowledgeID, taskID string) (*knowledge.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return get(s.tasks, knowledgeID, taskID)
}

// ListTasks returns every task in the scope, sorted by ID.
func (s *Store) ListTasks(_ context.Context, knowledgeID string) ([]*knowledge.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return list(s.tasks, knowledgeID, func(v *knowledge.Task) string { return v.TaskID }), nil
}

// PutTransitions upserts transitions.
func (s *Store) PutTransitions(_ context.Context, transitions []*knowledge.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range transitions {
		put(s.transitions, v.KnowledgeID, v.TransitionID, v)
	}
	return nil
}

// Transition returns one transition or knowledge.ErrNotFound.
func (s *Store) Transition(_ context.Context, knowledgeID, transitionID string) (*knowledge.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return get(s.transitions, knowledgeID, transitionID)
}

// ListTransitions returns every transition in the scope, sorted by ID.
func (s *Store) ListTransitions(_ context.Context, knowledgeID string) ([]*knowledge.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return list(s.transitions, knowledgeID, func(v *knowledge.Transition) string { return v.TransitionID }), nil
}

// PutGroups upserts screen groups.
func (s *Store) PutGroups(_ context.Context, groups []*knowledge.ScreenGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range groups {
		put(s.groups, v.KnowledgeID, v.GroupID, v)
	}
	return nil
}

// Group returns one screen group or knowledge.ErrNotFound.
func (s *Store) Group(_ context.Context, knowledgeID, groupID string) (*knowledge.ScreenGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return get(s.groups, knowledgeID, groupID)
}

// ListGroups returns every screen group in the scope, sorted by ID.
func (s *Store) ListGroups(_ context.Context, knowledgeID string) ([]*knowledge.ScreenGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return list(s.groups, knowledgeID, func(v *knowledge.ScreenGroup) string { return v.GroupID }), nil
}

// PutFunctions upserts business functions.
func (s *Store) PutFunctions(_ context.Context, functions []*knowledge.BusinessFunction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range functions {
		put(s.functions, v.KnowledgeID, v.FunctionID, v)
	}
	return nil
}

// Function returns one business function or knowledge.ErrNotFound.
func (s *Store) Function(_ context.Context, knowledgeID, functionID string) (*knowledge.BusinessFunction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return get(s.functions, knowledgeID, functionID)
}

// ListFunctions returns every business function in the scope, sorted by ID.
func (s *Store) ListFunctions(_ context.Context, knowledgeID string) ([]*knowledge.BusinessFunction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return list(s.functions, knowledgeID, func(v *knowledge.BusinessFunction) string { return v.FunctionID }), nil
}

// PutFlows upserts user flows.
func (s *Store) PutFlows(_ context.Context, flows []*knowledge.UserFlow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range flows {
		put(s.flows, v.KnowledgeID, v.FlowID, v)
	}
	return nil
}

// Flow returns one user flow or knowledge.ErrNotFound.
func (s *Store) Flow(_ context.Context, knowledgeID, flowID string) (*knowledge.UserFlow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return get(s.flows, knowledgeID, flowID)
}

// ListFlows returns every user flow in the scope, sorted by ID.
func (s *Store) ListFlows(_ context.Context, knowledgeID string) ([]*knowledge.UserFlow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return list(s.flows, knowledgeID, func(v *knowledge.UserFlow) string { return v.FlowID }), nil
}

// PutWorkflows upserts workflows.
func (s *Store) PutWorkflows(_ context.Context, workflows []*knowledge.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range workflows {
		put(s.workflows, v.KnowledgeID, v.WorkflowID, v)
	}
	return nil
}

// Workflow returns one workflow or knowledge.ErrNotFound.
func (s *Store) Workflow(_ context.Context, knowledgeID, workflowID string) (*knowledge.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return get(s.workflows, knowledgeID, workflowID)
}

// ListWorkflows returns every workflow in the scope, sorted by ID.
func (s *Store) ListWorkflows(_ context.Context, knowledgeID string) ([]*knowledge.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return list(s.workflows, knowledgeID, func(v *knowledge.Workflow) string { return v.WorkflowID }), nil
}

// PutFeatures upserts business features.
func (s *Store) PutFeatures(_ context.Context, features []*knowledge.BusinessFeature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range features {
		put(s.features, v.KnowledgeID, v.FeatureID, v)
	}
	return nil
}

// Feature returns one business feature or knowledge.ErrNotFound.
func (s *Store) Feature(_ context.Context, knowledgeID, featureID string) (*knowledge.BusinessFeature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return get(s.features, knowledgeID, featureID)
}

// ListFeatures returns every business feature in the scope, sorted by ID.
func (s *Store) ListFeatures(_ context.Context, knowledgeID string) ([]*knowledge.BusinessFeature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return list(s.features, knowledgeID, func(v *knowledge.BusinessFeature) string { return v.FeatureID }), nil
}

// PutChunks upserts content chunks.
func (s *Store) PutChunks(_ context.Context, chunks []*knowledge.ContentChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range chunks {
		put(s.chunks, v.KnowledgeID, v.ChunkID, v)
	}
	return nil
}

// ListChunks returns every chunk in the scope, sorted by ID.
func (s *Store) ListChunks(_ context.Context, knowledgeID string) ([]*knowledge.ContentChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return list(s.chunks, knowledgeID, func(v *knowledge.ContentChunk) string { return v.ChunkID }), nil
}

// HasChunk reports whether a chunk with the content hash exists in the
// scope.
func (s *Store) HasChunk(_ context.Context, knowledgeID, contentHash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.chunks[knowledgeID] {
		if c.ContentHash == contentHash {
			return true, nil
		}
	}
	return false, nil
}

// PutExecution records an activity execution for idempotency.
func (s *Store) PutExecution(_ context.Context, rec *knowledge.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.executions[rec.Key] = &cp
	return nil
}

// Execution returns the execution record for a key. Records older than the
// retention period behave as expired, mirroring the document store's TTL
// index.
func (s *Store) Execution(_ context.Context, key string) (*knowledge.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.executions[key]
	if !ok || s.now().Sub(rec.CreatedAt) > knowledge.RetentionPeriod {
		return nil, knowledge.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// PutCheckpoint overwrites the checkpoint for (workflow, activity).
func (s *Store) PutCheckpoint(_ context.Context, cp *knowledge.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := *cp
	s.checkpoints[cp.WorkflowID+"\x00"+cp.ActivityName] = &v
	return nil
}

// Checkpoint returns the checkpoint for (workflow, activity) or
// knowledge.ErrNotFound.
func (s *Store) Checkpoint(_ context.Context, workflowID, activityName string) (*knowledge.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[workflowID+"\x00"+activityName]
	if !ok {
		return nil, knowledge.ErrNotFound
	}
	v := *cp
	return &v, nil
}

// PutJob upserts a job record.
func (s *Store) PutJob(_ context.Context, job *knowledge.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.JobID] = clone(job)
	return nil
}

// Job returns a job by ID or knowledge.ErrNotFound.
func (s *Store) Job(_ context.Context, jobID string) (*knowledge.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, knowledge.ErrNotFound
	}
	return clone(job), nil
}

// DeleteKnowledge removes every entity and chunk in the scope in one step.
func (s *Store) DeleteKnowledge(_ context.Context, knowledgeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.screens, knowledgeID)
	delete(s.actions, knowledgeID)
	delete(s.tasks, knowledgeID)
	delete(s.transitions, knowledgeID)
	delete(s.groups, knowledgeID)
	delete(s.functions, knowledgeID)
	delete(s.flows, knowledgeID)
	delete(s.workflows, knowledgeID)
	delete(s.features, knowledgeID)
	delete(s.chunks, knowledgeID)
	return nil
}
