package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"goa.design/pilot/engine"
	"goa.design/pilot/knowledge"
	"goa.design/pilot/knowledge/extract"
	"goa.design/pilot/knowledge/ingest"
	"goa.design/pilot/knowledge/link"
	"goa.design/pilot/wire"
)

// phaseFunc is one pipeline phase, run inside the idempotency wrapper.
type phaseFunc func(ctx context.Context, in runInput) (*phaseOutput, error)

// phaseActivity wraps a phase with the execution ledger and heartbeat
// plumbing. A retried or re-delivered activity whose idempotency key is
// already recorded replays the stored result; a fresh attempt heartbeats
// while processing and records its result before returning it.
func (p *Pipeline) phaseActivity(fn phaseFunc) engine.ActivityFunc {
	return func(ctx context.Context, input []byte) ([]byte, error) {
		in, err := decodeRunInput(input)
		if err != nil {
			return nil, engine.Permanent(err)
		}
		info := engine.InfoFromContext(ctx)
		key := IdempotencyKey(info.WorkflowID, info.ActivityName, in.ContentHash)

		rec, err := p.store.Execution(ctx, key)
		switch {
		case err == nil:
			p.log.Info(ctx, "replaying recorded activity result",
				"activity", info.ActivityName, "workflow_id", info.WorkflowID)
			p.metrics.IncCounter("extraction.idempotent_replays", 1, "activity", info.ActivityName)
			return rec.Result, nil
		case !errors.Is(err, knowledge.ErrNotFound):
			return nil, fmt.Errorf("execution ledger lookup: %w", err)
		}

		stop := heartbeatLoop(ctx)
		defer stop()

		started := time.Now()
		out, err := fn(ctx, in)
		if err != nil {
			if wire.CodeOf(err).Family() == wire.FamilyValidation {
				return nil, engine.Permanent(err)
			}
			return nil, err
		}
		out.Phase = info.ActivityName
		p.metrics.RecordTimer("extraction.phase", time.Since(started), "phase", info.ActivityName)

		result, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("encode phase output: %w", err)
		}
		if err := p.store.PutExecution(ctx, &knowledge.ExecutionRecord{
			Key:          key,
			WorkflowID:   info.WorkflowID,
			ActivityName: info.ActivityName,
			ContentHash:  in.ContentHash,
			Result:       result,
			CreatedAt:    time.Now(),
		}); err != nil {
			return nil, fmt.Errorf("record execution: %w", err)
		}
		return result, nil
	}
}

// heartbeatLoop records liveness every HeartbeatInterval until stopped.
func heartbeatLoop(ctx context.Context) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				engine.RecordHeartbeat(ctx, nil)
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { close(done) }
}

// putBatches persists items in checkpoint-sized batches. A checkpoint left
// by a previous attempt skips the items it already wrote, so a rescheduled
// activity resumes mid-phase instead of starting over.
func putBatches[T any](ctx context.Context, p *Pipeline, itemID func(T) string, items []T, put func(context.Context, []T) error) error {
	info := engine.InfoFromContext(ctx)
	skip := 0
	cp, err := p.store.Checkpoint(ctx, info.WorkflowID, info.ActivityName)
	switch {
	case err == nil:
		skip = cp.ItemsProcessed
		p.log.Info(ctx, "resuming from checkpoint",
			"activity", info.ActivityName, "items_processed", cp.ItemsProcessed, "last_item_id", cp.LastItemID)
	case !errors.Is(err, knowledge.ErrNotFound):
		return fmt.Errorf("checkpoint lookup: %w", err)
	}
	if skip > len(items) {
		skip = len(items)
	}

	for start := skip; start < len(items); start += CheckpointInterval {
		end := start + CheckpointInterval
		if end > len(items) {
			end = len(items)
		}
		if err := put(ctx, items[start:end]); err != nil {
			return err
		}
		if err := p.store.PutCheckpoint(ctx, &knowledge.Checkpoint{
			WorkflowID:     info.WorkflowID,
			ActivityName:   info.ActivityName,
			ItemsProcessed: end,
			LastItemID:     itemID(items[end-1]),
			UpdatedAt:      time.Now(),
		}); err != nil {
			return fmt.Errorf("record checkpoint: %w", err)
		}
		engine.RecordHeartbeat(ctx, nil)
	}
	return nil
}

// ingest replaces the knowledge scope when asked, runs the source through
// the ingestion router and persists the produced chunks with content-hash
// dedup.
func (p *Pipeline) ingest(ctx context.Context, in runInput) (*phaseOutput, error) {
	if in.Source == nil {
		return nil, wire.Errorf(wire.CodeInvalidParams, "ingest phase needs a source")
	}

	// The bulk delete runs only before any chunk of this attempt landed;
	// a checkpoint means a previous attempt already cleared the scope.
	if in.Replace {
		info := engine.InfoFromContext(ctx)
		if _, err := p.store.Checkpoint(ctx, info.WorkflowID, info.ActivityName); errors.Is(err, knowledge.ErrNotFound) {
			if err := p.store.DeleteKnowledge(ctx, in.KnowledgeID); err != nil {
				return nil, fmt.Errorf("replace knowledge %s: %w", in.KnowledgeID, err)
			}
			p.log.Info(ctx, "replaced knowledge scope", "knowledge_id", in.KnowledgeID)
		} else if err != nil {
			return nil, fmt.Errorf("checkpoint lookup: %w", err)
		}
		p.graph.Invalidate(in.KnowledgeID)
	}

	src := *in.Source
	src.KnowledgeID = in.KnowledgeID
	chunks, err := p.ingester.Ingest(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("ingest %s source: %w", src.Type, err)
	}

	var written, skipped int
	err = putBatches(ctx, p, func(c *knowledge.ContentChunk) string { return c.ChunkID }, chunks,
		func(ctx context.Context, batch []*knowledge.ContentChunk) error {
			w, s, err := ingest.Persist(ctx, p.store, batch)
			written += w
			skipped += s
			return err
		})
	if err != nil {
		return nil, err
	}
	return &phaseOutput{Counts: map[string]int{"chunks": written, "chunks_deduplicated": skipped}}, nil
}

// extractScreens runs the screen extractor over the scope's chunks.
func (p *Pipeline) extractScreens(ctx context.Context, in runInput) (*phaseOutput, error) {
	chunks, err := p.store.ListChunks(ctx, in.KnowledgeID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	screens := extract.Screens(chunks)
	err = putBatches(ctx, p, func(s *knowledge.Screen) string { return s.ScreenID }, screens, p.store.PutScreens)
	if err != nil {
		return nil, err
	}
	return &phaseOutput{Counts: map[string]int{"screens": len(screens)}}, nil
}

// extractTasks runs the task extractor. Tasks with backward step references
// are dropped by the extractor itself; only linear tasks reach the store.
func (p *Pipeline) extractTasks(ctx context.Context, in runInput) (*phaseOutput, error) {
	chunks, err := p.store.ListChunks(ctx, in.KnowledgeID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	tasks := extract.Tasks(chunks)
	err = putBatches(ctx, p, func(t *knowledge.Task) string { return t.TaskID }, tasks, p.store.PutTasks)
	if err != nil {
		return nil, err
	}
	return &phaseOutput{Counts: map[string]int{"tasks": len(tasks)}}, nil
}

// extractActions runs the action extractor over the chunks and the stored
// tasks. The extractor wires task steps to the actions it mints, so the
// touched tasks are written back alongside the actions.
func (p *Pipeline) extractActions(ctx context.Context, in runInput) (*phaseOutput, error) {
	chunks, err := p.store.ListChunks(ctx, in.KnowledgeID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	tasks, err := p.store.ListTasks(ctx, in.KnowledgeID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	actions := extract.Actions(chunks, tasks)
	err = putBatches(ctx, p, func(a *knowledge.Action) string { return a.ActionID }, actions, p.store.PutActions)
	if err != nil {
		return nil, err
	}
	if err := p.store.PutTasks(ctx, tasks); err != nil {
		return nil, fmt.Errorf("update task step references: %w", err)
	}
	return &phaseOutput{Counts: map[string]int{"actions": len(actions)}}, nil
}

// extractTransitions resolves transition endpoints against the stored
// screens and persists the edges.
func (p *Pipeline) extractTransitions(ctx context.Context, in runInput) (*phaseOutput, error) {
	chunks, err := p.store.ListChunks(ctx, in.KnowledgeID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	screens, err := p.store.ListScreens(ctx, in.KnowledgeID)
	if err != nil {
		return nil, fmt.Errorf("list screens: %w", err)
	}
	actions, err := p.store.ListActions(ctx, in.KnowledgeID)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	transitions := extract.Transitions(chunks, screens, actions)
	err = putBatches(ctx, p, func(t *knowledge.Transition) string { return t.TransitionID }, transitions, p.store.PutTransitions)
	if err != nil {
		return nil, err
	}
	return &phaseOutput{Counts: map[string]int{"transitions": len(transitions)}}, nil
}

// extractBusiness runs the text-model extractors for business functions,
// user flows, workflows and features. Deployments without a text model skip
// the phase.
func (p *Pipeline) extractBusiness(ctx context.Context, in runInput) (*phaseOutput, error) {
	if p.text == nil {
		return &phaseOutput{Skipped: true}, nil
	}
	chunks, err := p.store.ListChunks(ctx, in.KnowledgeID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}

	functions, err := p.text.Functions(ctx, chunks)
	if err != nil {
		return nil, err
	}
	engine.RecordHeartbeat(ctx, nil)
	flows, err := p.text.Flows(ctx, chunks)
	if err != nil {
		return nil, err
	}
	engine.RecordHeartbeat(ctx, nil)
	workflows, err := p.text.Workflows(ctx, chunks)
	if err != nil {
		return nil, err
	}
	engine.RecordHeartbeat(ctx, nil)
	features, err := p.text.Features(ctx, functions)
	if err != nil {
		return nil, err
	}

	if err := p.store.PutFunctions(ctx, functions); err != nil {
		return nil, fmt.Errorf("store functions: %w", err)
	}
	if err := p.store.PutFlows(ctx, flows); err != nil {
		return nil, fmt.Errorf("store flows: %w", err)
	}
	if err := p.store.PutWorkflows(ctx, workflows); err != nil {
		return nil, fmt.Errorf("store workflows: %w", err)
	}
	if err := p.store.PutFeatures(ctx, features); err != nil {
		return nil, fmt.Errorf("store features: %w", err)
	}
	return &phaseOutput{Counts: map[string]int{
		"functions": len(functions),
		"flows":     len(flows),
		"workflows": len(workflows),
		"features":  len(features),
	}}, nil
}

// linkEntities reads the whole scope, applies the cross-reference rules and
// writes the linked set back in one pass.
func (p *Pipeline) linkEntities(ctx context.Context, in runInput) (*phaseOutput, error) {
	set, err := knowledge.ReadSet(ctx, p.store, in.KnowledgeID)
	if err != nil {
		return nil, fmt.Errorf("read knowledge set: %w", err)
	}
	stats := link.Apply(set)
	if err := knowledge.WriteSet(ctx, p.store, set); err != nil {
		return nil, fmt.Errorf("write linked set: %w", err)
	}
	p.graph.Invalidate(in.KnowledgeID)
	return &phaseOutput{Counts: map[string]int{"links": stats.Total()}}, nil
}

// buildGraphIndex partitions the screens into groups with recovery edges,
// persists them and warms the navigation index for the scope.
func (p *Pipeline) buildGraphIndex(ctx context.Context, in runInput) (*phaseOutput, error) {
	screens, err := p.store.ListScreens(ctx, in.KnowledgeID)
	if err != nil {
		return nil, fmt.Errorf("list screens: %w", err)
	}
	groups := buildGroups(in.KnowledgeID, screens)
	if len(groups) > 0 {
		if err := p.store.PutGroups(ctx, groups); err != nil {
			return nil, fmt.Errorf("store groups: %w", err)
		}
		if err := p.store.PutScreens(ctx, screens); err != nil {
			return nil, fmt.Errorf("update screen group references: %w", err)
		}
	}

	p.graph.Invalidate(in.KnowledgeID)
	if _, err := p.graph.Index(ctx, in.KnowledgeID); err != nil {
		return nil, fmt.Errorf("build graph index: %w", err)
	}
	return &phaseOutput{Counts: map[string]int{"groups": len(groups)}}, nil
}

// validateKnowledge runs the invariant checks over the whole scope. Findings
// are reported on the job, not treated as a failed run.
func (p *Pipeline) validateKnowledge(ctx context.Context, in runInput) (*phaseOutput, error) {
	set, err := knowledge.ReadSet(ctx, p.store, in.KnowledgeID)
	if err != nil {
		return nil, fmt.Errorf("read knowledge set: %w", err)
	}
	violations := knowledge.ValidateSet(set)
	out := &phaseOutput{Counts: map[string]int{"violations": len(violations)}}
	for _, v := range violations {
		out.Violations = append(out.Violations, v.String())
	}
	return out, nil
}

// verifyActions is implemented in verify.go.

// progressActivity patches the job row and publishes the update on the
// job's progress channel. It bypasses the idempotency ledger: progress is
// monotonic bookkeeping, re-applying an update is harmless.
func (p *Pipeline) progressActivity(ctx context.Context, input []byte) ([]byte, error) {
	var u progressUpdate
	if err := json.Unmarshal(input, &u); err != nil {
		return nil, engine.Permanent(fmt.Errorf("decode progress update: %w", err))
	}
	job, err := p.store.Job(ctx, u.JobID)
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", u.JobID, err)
	}

	if u.Status != "" {
		job.Status = u.Status
	}
	if u.Phase != "" {
		job.Phase = u.Phase
	}
	if u.Progress >= 0 {
		job.Progress = u.Progress
	}
	job.Errors = append(job.Errors, u.Errors...)
	if len(u.Counts) > 0 {
		if job.EntityCounts == nil {
			job.EntityCounts = make(map[string]int, len(u.Counts))
		}
		for k, v := range u.Counts {
			job.EntityCounts[k] += v
		}
	}
	job.UpdatedAtMS = time.Now().UnixMilli()
	if terminalStatus(job.Status) {
		job.CompletedAtMS = job.UpdatedAtMS
	}
	if err := p.store.PutJob(ctx, job); err != nil {
		return nil, fmt.Errorf("store job %s: %w", u.JobID, err)
	}

	if p.bus != nil {
		payload, err := json.Marshal(job)
		if err == nil {
			ev := wire.Event{Type: "exploration_progress", AtMS: job.UpdatedAtMS, Payload: payload}
			if b, err := json.Marshal(ev); err == nil {
				if err := p.bus.Publish(ctx, wire.ProgressChannel(u.JobID), b); err != nil {
					p.log.Warn(ctx, "publish progress event", "job_id", u.JobID, "err", err)
				}
			}
		}
	}
	return []byte(`{}`), nil
}

// Recovery strategy defaults, in priority order. The dashboard is the
// safest known screen to recover to, settings next; plain browser history
// is the last resort.
var recoveryStrategies = []struct {
	strategy    string
	keywords    []string
	priority    int
	reliability float64
}{
	{strategy: "dashboard", keywords: []string{"dashboard", "home", "overview"}, priority: 1, reliability: 1.0},
	{strategy: "settings", keywords: []string{"settings", "preferences", "account"}, priority: 2, reliability: 0.9},
}

// backRecovery is the fallback edge every group carries so recovery never
// dead-ends.
const (
	backStrategy    = "back"
	backPriority    = 3
	backReliability = 0.8
)

// buildGroups partitions screens into functional-area groups keyed by the
// leading segment of their URL patterns (falling back to the first word of
// the screen name) and attaches priority-ordered recovery edges. Every
// screen lands in exactly one group and every group carries at least the
// history-back fallback edge.
func buildGroups(knowledgeID string, screens []*knowledge.Screen) []*knowledge.ScreenGroup {
	if len(screens) == 0 {
		return nil
	}

	// Scope-wide anchors for the keyword strategies.
	anchors := make(map[string]*knowledge.Screen, len(recoveryStrategies))
	for _, s := range screens {
		for _, rs := range recoveryStrategies {
			if anchors[rs.strategy] != nil {
				continue
			}
			if matchesAnyKeyword(s, rs.keywords) {
				anchors[rs.strategy] = s
			}
		}
	}

	now := time.Now().UnixMilli()
	byArea := make(map[string]*knowledge.ScreenGroup)
	var order []string
	for _, s := range screens {
		area := functionalArea(s)
		g := byArea[area]
		if g == nil {
			g = &knowledge.ScreenGroup{
				KnowledgeID: knowledgeID,
				GroupID:     "group-" + area,
				Name:        area,
				CreatedAtMS: now,
				UpdatedAtMS: now,
			}
			byArea[area] = g
			order = append(order, area)
		}
		g.ScreenIDs = append(g.ScreenIDs, s.ScreenID)
		s.GroupIDs = appendUnique(s.GroupIDs, g.GroupID)
	}

	groups := make([]*knowledge.ScreenGroup, 0, len(order))
	for _, area := range order {
		g := byArea[area]
		for _, rs := range recoveryStrategies {
			if anchor := anchors[rs.strategy]; anchor != nil {
				g.RecoveryEdges = append(g.RecoveryEdges, knowledge.RecoveryEdge{
					Strategy:    rs.strategy,
					ScreenID:    anchor.ScreenID,
					Priority:    rs.priority,
					Reliability: rs.reliability,
				})
			}
		}
		g.RecoveryEdges = append(g.RecoveryEdges, knowledge.RecoveryEdge{
			Strategy:    backStrategy,
			ScreenID:    g.ScreenIDs[0],
			Priority:    backPriority,
			Reliability: backReliability,
		})
		groups = append(groups, g)
	}
	return groups
}

// functionalArea derives the grouping key of a screen: the first path
// segment of its URL patterns when one exists, else the first word of its
// name, else "general".
func functionalArea(s *knowledge.Screen) string {
	for _, pat := range s.URLPatterns {
		if seg := leadingPathSegment(pat); seg != "" {
			return seg
		}
	}
	if fields := strings.Fields(strings.ToLower(s.Name)); len(fields) > 0 {
		return slugWord(fields[0])
	}
	return "general"
}

// slugWord strips non-alphanumeric runes so area keys stay identifier-safe.
func slugWord(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "general"
	}
	return b.String()
}

// leadingPathSegment extracts the first literal path segment of a URL
// pattern, skipping regex syntax and scheme/host prefixes.
func leadingPathSegment(pattern string) string {
	seg := []rune{}
	slash := false
	for _, r := range pattern {
		switch {
		case r == '/':
			if slash && len(seg) > 0 {
				return string(seg)
			}
			slash = true
			seg = seg[:0]
		case !slash:
			// Still in scheme or host.
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			seg = append(seg, r)
		default:
			// Regex syntax ends the literal segment.
			if len(seg) > 0 {
				return string(seg)
			}
			slash = false
		}
	}
	return string(seg)
}

func matchesAnyKeyword(s *knowledge.Screen, keywords []string) bool {
	text := strings.ToLower(s.Name + " " + strings.Join(s.URLPatterns, " "))
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

func appendUnique(ids []string, id string) []string {
	for _, v := range ids {
		if v == id {
			return ids
		}
	}
	return append(ids, id)
}
