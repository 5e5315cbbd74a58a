// Package mongo implements knowledge.Store on MongoDB. Every entity kind
// lives in its own collection, prefixed so several deployments can share a
// database, and is indexed on knowledge_id plus the entity's own ID so
// upserts and scope reads stay cheap. Execution records expire through a TTL
// index matching knowledge.RetentionPeriod.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/pilot/knowledge"
)

const (
	// DefaultPrefix is prepended to every collection name.
	DefaultPrefix = "pilot"

	defaultOpTimeout = 5 * time.Second
	storeName        = "knowledge-mongo"
)

// Options configures the Mongo knowledge store.
type Options struct {
	// Client is the connected Mongo client. Required.
	Client *mongodriver.Client
	// Database is the database holding the knowledge collections. Required.
	Database string
	// Prefix overrides DefaultPrefix for collection names.
	Prefix string
	// Timeout bounds each store operation. Defaults to 5s.
	Timeout time.Duration
}

// Store is the MongoDB-backed knowledge store. It satisfies knowledge.Store
// and health.Pinger.
type Store struct {
	mongo   *mongodriver.Client
	timeout time.Duration

	screens     scoped[knowledge.Screen]
	actions     scoped[knowledge.Action]
	tasks       scoped[knowledge.Task]
	transitions scoped[knowledge.Transition]
	groups      scoped[knowledge.ScreenGroup]
	functions   scoped[knowledge.BusinessFunction]
	flows       scoped[knowledge.UserFlow]
	workflows   scoped[knowledge.Workflow]
	features    scoped[knowledge.BusinessFeature]
	chunks      scoped[knowledge.ContentChunk]

	executions  *mongodriver.Collection
	checkpoints *mongodriver.Collection
	jobs        *mongodriver.Collection
}

var (
	_ knowledge.Store = (*Store)(nil)
	_ health.Pinger   = (*Store)(nil)
)

// New returns a Store backed by MongoDB and ensures its indexes.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	coll := func(name string) *mongodriver.Collection {
		return db.Collection(prefix + "_" + name)
	}
	st := &Store{
		mongo:       opts.Client,
		timeout:     timeout,
		screens:     newScoped(coll("screens"), "screen_id", func(v *knowledge.Screen) (string, string) { return v.KnowledgeID, v.ScreenID }),
		actions:     newScoped(coll("actions"), "action_id", func(v *knowledge.Action) (string, string) { return v.KnowledgeID, v.ActionID }),
		tasks:       newScoped(coll("tasks"), "task_id", func(v *knowledge.Task) (string, string) { return v.KnowledgeID, v.TaskID }),
		transitions: newScoped(coll("transitions"), "transition_id", func(v *knowledge.Transition) (string, string) { return v.KnowledgeID, v.TransitionID }),
		groups:      newScoped(coll("groups"), "group_id", func(v *knowledge.ScreenGroup) (string, string) { return v.KnowledgeID, v.GroupID }),
		functions:   newScoped(coll("functions"), "function_id", func(v *knowledge.BusinessFunction) (string, string) { return v.KnowledgeID, v.FunctionID }),
		flows:       newScoped(coll("flows"), "flow_id", func(v *knowledge.UserFlow) (string, string) { return v.KnowledgeID, v.FlowID }),
		workflows:   newScoped(coll("workflows"), "workflow_id", func(v *knowledge.Workflow) (string, string) { return v.KnowledgeID, v.WorkflowID }),
		features:    newScoped(coll("features"), "feature_id", func(v *knowledge.BusinessFeature) (string, string) { return v.KnowledgeID, v.FeatureID }),
		chunks:      newScoped(coll("chunks"), "chunk_id", func(v *knowledge.ContentChunk) (string, string) { return v.KnowledgeID, v.ChunkID }),
		executions:  coll("executions"),
		checkpoints: coll("checkpoints"),
		jobs:        coll("jobs"),
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := st.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// PutScreens upserts screens by (knowledge_id, screen_id).
func (s *Store) PutScreens(ctx context.Context, screens []*knowledge.Screen) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.screens.putMany(ctx, screens)
}

// Screen returns one screen or knowledge.ErrNotFound.
func (s *Store) Screen(ctx context.Context, knowledgeID, screenID string) (*knowledge.Screen, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.screens.get(ctx, knowledgeID, screenID)
}

// ListScreens returns every screen in the scope, sorted by ID.
func (s *Store) ListScreens(ctx context.Context, knowledgeID string) ([]*knowledge.Screen, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.screens.list(ctx, knowledgeID)
}

// PutActions upserts actions.
func (s *Store) PutActions(ctx context.Context, actions []*knowledge.Action) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.actions.putMany(ctx, actions)
}

// Action returns one action or knowledge.ErrNotFound.
func (s *Store) Action(ctx context.Context, knowledgeID, actionID string) (*knowledge.Action, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.actions.get(ctx, knowledgeID, actionID)
}

// ListActions returns every action in the scope, sorted by ID.
func (s *Store) ListActions(ctx context.Context, knowledgeID string) ([]*knowledge.Action, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.actions.list(ctx, knowledgeID)
}

// PutTasks upserts tasks.
func (s *Store) PutTasks(ctx context.Context, tasks []*knowledge.Task) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.tasks.putMany(ctx, tasks)
}

// Task returns one task or knowledge.ErrNotFound.
func (s *Store) Task(ctx context.Context, knowledgeID, taskID string) (*knowledge.Task, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.tasks.get(ctx, knowledgeID, taskID)
}

// ListTasks returns every task in the scope, sorted by ID.
func (s *Store) ListTasks(ctx context.Context, knowledgeID string) ([]*knowledge.Task, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.tasks.list(ctx, knowledgeID)
}

// PutTransitions upserts transitions.
func (s *Store) PutTransitions(ctx context.Context, transitions []*knowledge.Transition) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.transitions.putMany(ctx, transitions)
}

// Transition returns one transition or knowledge.ErrNotFound.
func (s *Store) Transition(ctx context.Context, knowledgeID, transitionID string) (*knowledge.Transition, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.transitions.get(ctx, knowledgeID, transitionID)
}

// ListTransitions returns every transition in the scope, sorted by ID.
func (s *Store) ListTransitions(ctx context.Context, knowledgeID string) ([]*knowledge.Transition, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.transitions.list(ctx, knowledgeID)
}

// PutGroups upserts screen groups.
func (s *Store) PutGroups(ctx context.Context, groups []*knowledge.ScreenGroup) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.groups.putMany(ctx, groups)
}

// Group returns one screen group or knowledge.ErrNotFound.
func (s *Store) Group(ctx context.Context, knowledgeID, groupID string) (*knowledge.ScreenGroup, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.groups.get(ctx, knowledgeID, groupID)
}

// ListGroups returns every screen group in the scope, sorted by ID.
func (s *Store) ListGroups(ctx context.Context, knowledgeID string) ([]*knowledge.ScreenGroup, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.groups.list(ctx, knowledgeID)
}

// PutFunctions upserts business functions.
func (s *Store) PutFunctions(ctx context.Context, functions []*knowledge.BusinessFunction) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.functions.putMany(ctx, functions)
}

// Function returns one business function or knowledge.ErrNotFound.
func (s *Store) Function(ctx context.Context, knowledgeID, functionID string) (*knowledge.BusinessFunction, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.functions.get(ctx, knowledgeID, functionID)
}

// ListFunctions returns every business function in the scope, sorted by ID.
func (s *Store) ListFunctions(ctx context.Context, knowledgeID string) ([]*knowledge.BusinessFunction, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.functions.list(ctx, knowledgeID)
}

// PutFlows upserts user flows.
func (s *Store) PutFlows(ctx context.Context, flows []*knowledge.UserFlow) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.flows.putMany(ctx, flows)
}

// Flow returns one user flow or knowledge.ErrNotFound.
func (s *Store) Flow(ctx context.Context, knowledgeID, flowID string) (*knowledge.UserFlow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.flows.get(ctx, knowledgeID, flowID)
}

// ListFlows returns every user flow in the scope, sorted by ID.
func (s *Store) ListFlows(ctx context.Context, knowledgeID string) ([]*knowledge.UserFlow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.flows.list(ctx, knowledgeID)
}

// PutWorkflows upserts workflows.
func (s *Store) PutWorkflows(ctx context.Context, workflows []*knowledge.Workflow) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.workflows.putMany(ctx, workflows)
}

// Workflow returns one workflow or knowledge.ErrNotFound.
func (s *Store) Workflow(ctx context.Context, knowledgeID, workflowID string) (*knowledge.Workflow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.workflows.get(ctx, knowledgeID, workflowID)
}

// ListWorkflows returns every workflow in the scope, sorted by ID.
func (s *Store) ListWorkflows(ctx context.Context, knowledgeID string) ([]*knowledge.Workflow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.workflows.list(ctx, knowledgeID)
}

// PutFeatures upserts business features.
func (s *Store) PutFeatures(ctx context.Context, features []*knowledge.BusinessFeature) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.features.putMany(ctx, features)
}

// Feature returns one business feature or knowledge.ErrNotFound.
func (s *Store) Feature(ctx context.Context, knowledgeID, featureID string) (*knowledge.BusinessFeature, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.features.get(ctx, knowledgeID, featureID)
}

// ListFeatures returns every business feature in the scope, sorted by ID.
func (s *Store) ListFeatures(ctx context.Context, knowledgeID string) ([]*knowledge.BusinessFeature, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.features.list(ctx, knowledgeID)
}

// PutChunks upserts content chunks.
func (s *Store) PutChunks(ctx context.Context, chunks []*knowledge.ContentChunk) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.chunks.putMany(ctx, chunks)
}

// ListChunks returns every chunk in the scope, sorted by ID.
func (s *Store) ListChunks(ctx context.Context, knowledgeID string) ([]*knowledge.ContentChunk, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.chunks.list(ctx, knowledgeID)
}

// HasChunk reports whether a chunk with the content hash exists in the scope.
func (s *Store) HasChunk(ctx context.Context, knowledgeID, contentHash string) (bool, error) {
	if knowledgeID == "" || contentHash == "" {
		return false, errors.New("knowledge id and content hash are required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"knowledge_id": knowledgeID, "content_hash": contentHash}
	n, err := s.chunks.coll.CountDocuments(ctx, filter, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PutExecution records an activity execution for idempotency. CreatedAt
// defaults to now; the TTL index expires records after the retention period.
func (s *Store) PutExecution(ctx context.Context, rec *knowledge.ExecutionRecord) error {
	if rec.Key == "" {
		return errors.New("execution key is required")
	}
	doc := *rec
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"key": doc.Key}
	_, err := s.executions.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	return err
}

// Execution returns the execution record for a key. The read filters out
// records past retention so expiry does not depend on the TTL monitor's
// sweep cadence.
func (s *Store) Execution(ctx context.Context, key string) (*knowledge.ExecutionRecord, error) {
	if key == "" {
		return nil, errors.New("execution key is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"key":        key,
		"created_at": bson.M{"$gt": time.Now().UTC().Add(-knowledge.RetentionPeriod)},
	}
	var rec knowledge.ExecutionRecord
	if err := s.executions.FindOne(ctx, filter).Decode(&rec); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, knowledge.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// PutCheckpoint overwrites the checkpoint for (workflow, activity).
func (s *Store) PutCheckpoint(ctx context.Context, cp *knowledge.Checkpoint) error {
	if cp.WorkflowID == "" || cp.ActivityName == "" {
		return errors.New("workflow id and activity name are required")
	}
	doc := *cp
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"workflow_id": doc.WorkflowID, "activity_name": doc.ActivityName}
	_, err := s.checkpoints.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	return err
}

// Checkpoint returns the checkpoint for (workflow, activity) or
// knowledge.ErrNotFound.
func (s *Store) Checkpoint(ctx context.Context, workflowID, activityName string) (*knowledge.Checkpoint, error) {
	if workflowID == "" || activityName == "" {
		return nil, errors.New("workflow id and activity name are required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"workflow_id": workflowID, "activity_name": activityName}
	var cp knowledge.Checkpoint
	if err := s.checkpoints.FindOne(ctx, filter).Decode(&cp); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, knowledge.ErrNotFound
		}
		return nil, err
	}
	return &cp, nil
}

// PutJob upserts a job record.
func (s *Store) PutJob(ctx context.Context, job *knowledge.Job) error {
	if job.JobID == "" {
		return errors.New("job id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"job_id": job.JobID}
	_, err := s.jobs.ReplaceOne(ctx, filter, job, options.Replace().SetUpsert(true))
	return err
}

// Job returns a job by ID or knowledge.ErrNotFound.
func (s *Store) Job(ctx context.Context, jobID string) (*knowledge.Job, error) {
	if jobID == "" {
		return nil, errors.New("job id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var job knowledge.Job
	if err := s.jobs.FindOne(ctx, bson.M{"job_id": jobID}).Decode(&job); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, knowledge.ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// DeleteKnowledge removes every entity and chunk in the scope. Ledger and
// job records are kept; they are keyed by workflow, not by scope.
func (s *Store) DeleteKnowledge(ctx context.Context, knowledgeID string) error {
	if knowledgeID == "" {
		return errors.New("knowledge id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"knowledge_id": knowledgeID}
	for _, coll := range s.scopedCollections() {
		if _, err := coll.DeleteMany(ctx, filter); err != nil {
			return fmt.Errorf("delete %s: %w", coll.Name(), err)
		}
	}
	return nil
}

func (s *Store) scopedCollections() []*mongodriver.Collection {
	return []*mongodriver.Collection{
		s.screens.coll,
		s.actions.coll,
		s.tasks.coll,
		s.transitions.coll,
		s.groups.coll,
		s.functions.coll,
		s.flows.coll,
		s.workflows.coll,
		s.features.coll,
		s.chunks.coll,
	}
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	indexers := []interface {
		ensureIndexes(context.Context) error
	}{
		s.screens, s.actions, s.tasks, s.transitions, s.groups,
		s.functions, s.flows, s.workflows, s.features, s.chunks,
	}
	for _, ix := range indexers {
		if err := ix.ensureIndexes(ctx); err != nil {
			return err
		}
	}
	// Chunk dedup lookups filter on content hash within a scope.
	chunkHashIndex := mongodriver.IndexModel{
		Keys: bson.D{{Key: "knowledge_id", Value: 1}, {Key: "content_hash", Value: 1}},
	}
	if _, err := s.chunks.coll.Indexes().CreateOne(ctx, chunkHashIndex); err != nil {
		return err
	}
	executionIndexes := []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "created_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(knowledge.RetentionPeriod / time.Second)),
		},
	}
	if _, err := s.executions.Indexes().CreateMany(ctx, executionIndexes); err != nil {
		return err
	}
	checkpointIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "workflow_id", Value: 1}, {Key: "activity_name", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := s.checkpoints.Indexes().CreateOne(ctx, checkpointIndex); err != nil {
		return err
	}
	jobIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "job_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := s.jobs.Indexes().CreateOne(ctx, jobIndex)
	return err
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// scoped wraps one entity collection. keys extracts the knowledge scope and
// the entity's own ID, in that order.
type scoped[T any] struct {
	coll  *mongodriver.Collection
	idKey string
	keys  func(*T) (string, string)
}

func newScoped[T any](coll *mongodriver.Collection, idKey string, keys func(*T) (string, string)) scoped[T] {
	return scoped[T]{coll: coll, idKey: idKey, keys: keys}
}

func (s scoped[T]) putMany(ctx context.Context, items []*T) error {
	if len(items) == 0 {
		return nil
	}
	models := make([]mongodriver.WriteModel, 0, len(items))
	for _, it := range items {
		scope, id := s.keys(it)
		if scope == "" || id == "" {
			return fmt.Errorf("%s: knowledge id and %s are required", s.coll.Name(), s.idKey)
		}
		filter := bson.M{"knowledge_id": scope, s.idKey: id}
		models = append(models, mongodriver.NewReplaceOneModel().
			SetFilter(filter).
			SetReplacement(it).
			SetUpsert(true))
	}
	_, err := s.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	return err
}

func (s scoped[T]) get(ctx context.Context, knowledgeID, id string) (*T, error) {
	if knowledgeID == "" || id == "" {
		return nil, fmt.Errorf("knowledge id and %s are required", s.idKey)
	}
	filter := bson.M{"knowledge_id": knowledgeID, s.idKey: id}
	out := new(T)
	if err := s.coll.FindOne(ctx, filter).Decode(out); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, knowledge.ErrNotFound
		}
		return nil, err
	}
	return out, nil
}

func (s scoped[T]) list(ctx context.Context, knowledgeID string) ([]*T, error) {
	if knowledgeID == "" {
		return nil, errors.New("knowledge id is required")
	}
	filter := bson.M{"knowledge_id": knowledgeID}
	cur, err := s.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: s.idKey, Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []*T
	for cur.Next(ctx) {
		item := new(T)
		if err := cur.Decode(item); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s scoped[T]) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "knowledge_id", Value: 1}}},
		{
			Keys:    bson.D{{Key: "knowledge_id", Value: 1}, {Key: s.idKey, Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	})
	return err
}
