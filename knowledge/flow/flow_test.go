package flow

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/pilot/action"
	"goa.design/pilot/dom"
	"goa.design/pilot/engine"
	enginemem "goa.design/pilot/engine/inmem"
	drivermem "goa.design/pilot/features/driver/inmem"
	storemem "goa.design/pilot/features/store/inmem"
	"goa.design/pilot/knowledge"
	"goa.design/pilot/knowledge/ingest"
)

const docSource = "How to create a project:\n" +
	"1. Go to the Projects page.\n" +
	"2. Click the New Project button.\n" +
	"3. Enter the project name in the Name field.\n" +
	"4. Click the Create button.\n" +
	"You will see the project dashboard.\n\n" +
	"For each row in the table, click the delete button.\n"

func newTestPipeline(t *testing.T, store knowledge.Store, ing ingest.Ingester) (*Pipeline, *enginemem.Engine) {
	t.Helper()
	eng := enginemem.New()
	t.Cleanup(func() { _ = eng.Close() })
	if ing == nil {
		ing = ingest.NewDefaultRouter(nil, "")
	}
	p, err := New(Options{Engine: eng, Store: store, Ingester: ing})
	require.NoError(t, err)
	p.pausePoll = 5 * time.Millisecond
	require.NoError(t, p.Register(context.Background()))
	return p, eng
}

func awaitStatus(t *testing.T, p *Pipeline, jobID, want string) *knowledge.Job {
	t.Helper()
	var job *knowledge.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = p.Status(context.Background(), jobID)
		return err == nil && job.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job never reached %s", want)
	return job
}

func TestExtractionRunEndToEnd(t *testing.T) {
	store := storemem.New()
	// A small budget keeps the numbered list and the loop sentence in
	// separate chunks, so both task extraction rules fire.
	p, _ := newTestPipeline(t, store, ingest.NewDocumentationIngester(ingest.NewChunker(50)))
	ctx := context.Background()

	job, err := p.Start(ctx, StartRequest{
		Source: ingest.Source{Type: ingest.SourceDocumentation, Ref: "guide.md", Text: docSource},
	})
	require.NoError(t, err)
	require.NotEmpty(t, job.KnowledgeID)

	done := awaitStatus(t, p, job.JobID, StatusCompleted)
	assert.Equal(t, float64(100), done.Progress)
	assert.Greater(t, done.EntityCounts["chunks"], 0)
	assert.Greater(t, done.EntityCounts["tasks"], 0)

	tasks, err := store.ListTasks(ctx, job.KnowledgeID)
	require.NoError(t, err)

	var loop *knowledge.Task
	for _, tk := range tasks {
		if tk.IteratorSpec != nil && tk.IteratorSpec.Type == knowledge.IteratorCollection {
			loop = tk
		}
		assert.Empty(t, knowledge.ValidateTask(tk))
	}
	require.NotNil(t, loop, "collection loop sentence must yield an iterator task")
	assert.Len(t, loop.Steps, 1)
	assert.Equal(t, "row in the table", loop.IteratorSpec.CollectionSelector)

	// Every screen grouped, every group with recovery edges.
	groups, err := store.ListGroups(ctx, job.KnowledgeID)
	require.NoError(t, err)
	screens, err := store.ListScreens(ctx, job.KnowledgeID)
	require.NoError(t, err)
	if len(screens) > 0 {
		require.NotEmpty(t, groups)
		grouped := map[string]bool{}
		for _, g := range groups {
			require.NotEmpty(t, g.RecoveryEdges)
			for i := 1; i < len(g.RecoveryEdges); i++ {
				assert.LessOrEqual(t, g.RecoveryEdges[i-1].Priority, g.RecoveryEdges[i].Priority)
			}
			for _, id := range g.ScreenIDs {
				grouped[id] = true
			}
		}
		for _, s := range screens {
			assert.True(t, grouped[s.ScreenID], "screen %s not in any group", s.ScreenID)
		}
	}
}

func TestReplaceByKnowledgeID(t *testing.T) {
	store := storemem.New()
	p, _ := newTestPipeline(t, store, nil)
	ctx := context.Background()

	first, err := p.Start(ctx, StartRequest{
		KnowledgeID: "k-replace",
		Source:      ingest.Source{Type: ingest.SourceDocumentation, Ref: "a.md", Text: docSource},
	})
	require.NoError(t, err)
	awaitStatus(t, p, first.JobID, StatusCompleted)

	second, err := p.Start(ctx, StartRequest{
		KnowledgeID: "k-replace",
		Source: ingest.Source{Type: ingest.SourceDocumentation, Ref: "b.md",
			Text: "To rename a widget:\n1. Open the Widgets page.\n2. Click the Rename button.\n3. Click the Save button."},
	})
	require.NoError(t, err)
	awaitStatus(t, p, second.JobID, StatusCompleted)

	// Only the second source's material survives the resync.
	chunks, err := store.ListChunks(ctx, "k-replace")
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.Equal(t, "b.md", c.SourceRef)
	}
	tasks, err := store.ListTasks(ctx, "k-replace")
	require.NoError(t, err)
	require.NotEmpty(t, tasks)
	for _, tk := range tasks {
		assert.NotContains(t, strings.ToLower(tk.Name), "project")
	}
}

// blockingIngester parks the ingest phase until released so tests can
// deliver signals at a known point in the run.
type blockingIngester struct {
	inner   ingest.Ingester
	entered chan struct{}
	release chan struct{}
}

func (b *blockingIngester) Ingest(ctx context.Context, src ingest.Source) ([]*knowledge.ContentChunk, error) {
	close(b.entered)
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return b.inner.Ingest(ctx, src)
}

func TestPauseResume(t *testing.T) {
	store := storemem.New()
	blk := &blockingIngester{
		inner:   ingest.NewDefaultRouter(nil, ""),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	p, _ := newTestPipeline(t, store, blk)
	ctx := context.Background()

	job, err := p.Start(ctx, StartRequest{
		Source: ingest.Source{Type: ingest.SourceDocumentation, Ref: "guide.md", Text: docSource},
	})
	require.NoError(t, err)

	<-blk.entered
	require.NoError(t, p.Pause(ctx, job.JobID, "operator request", "tester"))
	close(blk.release)

	paused := awaitStatus(t, p, job.JobID, StatusPaused)
	assert.Equal(t, StatusPaused, paused.Status)

	require.NoError(t, p.Resume(ctx, job.JobID, "tester"))
	awaitStatus(t, p, job.JobID, StatusCompleted)
}

func TestCancelKeepsPartialResults(t *testing.T) {
	store := storemem.New()
	blk := &blockingIngester{
		inner:   ingest.NewDefaultRouter(nil, ""),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	p, eng := newTestPipeline(t, store, blk)
	ctx := context.Background()

	job, err := p.Start(ctx, StartRequest{
		Source: ingest.Source{Type: ingest.SourceDocumentation, Ref: "guide.md", Text: docSource},
	})
	require.NoError(t, err)

	<-blk.entered
	require.NoError(t, p.Cancel(ctx, job.JobID, "superseded", "tester"))
	close(blk.release)

	awaitStatus(t, p, job.JobID, StatusCanceled)
	st, err := eng.QueryRunStatus(ctx, job.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusCanceled, st)

	// The ingest phase completed before the cancel gate fired; its chunks
	// survive.
	chunks, err := store.ListChunks(ctx, job.KnowledgeID)
	require.NoError(t, err)
	assert.NotEmpty(t, chunks)
}

func TestPhaseActivityReplaysRecordedResult(t *testing.T) {
	store := storemem.New()
	p, _ := newTestPipeline(t, store, nil)
	ctx := engine.WithActivityInfo(context.Background(), engine.ActivityInfo{
		WorkflowID:   "job-replay",
		ActivityName: "extract_screens",
		Attempt:      1,
	})

	var calls atomic.Int32
	wrapped := p.phaseActivity(func(context.Context, runInput) (*phaseOutput, error) {
		calls.Add(1)
		return &phaseOutput{Counts: map[string]int{"screens": 3}}, nil
	})

	input, err := encodeRunInput(runInput{JobID: "job-replay", KnowledgeID: "k1", ContentHash: "abc"})
	require.NoError(t, err)

	first, err := wrapped(ctx, input)
	require.NoError(t, err)
	second, err := wrapped(ctx, input)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load(), "handler must run at most once per idempotency key")
}

func TestPutBatchesResumesFromCheckpoint(t *testing.T) {
	store := storemem.New()
	p, _ := newTestPipeline(t, store, nil)
	ctx := engine.WithActivityInfo(context.Background(), engine.ActivityInfo{
		WorkflowID:   "job-cp",
		ActivityName: "extract_screens",
	})

	items := make([]*knowledge.Screen, 250)
	for i := range items {
		items[i] = &knowledge.Screen{KnowledgeID: "k1", ScreenID: "s-" + strconv.Itoa(i)}
	}

	var written int
	failing := errors.New("store briefly down")
	attempt := 0
	put := func(_ context.Context, batch []*knowledge.Screen) error {
		if attempt == 1 && written >= CheckpointInterval {
			attempt = 2
			return failing
		}
		written += len(batch)
		return nil
	}

	attempt = 1
	err := putBatches(ctx, p, func(s *knowledge.Screen) string { return s.ScreenID }, items, put)
	require.ErrorIs(t, err, failing)
	assert.Equal(t, CheckpointInterval, written)

	// The retry resumes past the checkpointed batch instead of rewriting
	// it.
	require.NoError(t, putBatches(ctx, p, func(s *knowledge.Screen) string { return s.ScreenID }, items, put))
	assert.Equal(t, len(items), written)

	cp, err := store.Checkpoint(ctx, "job-cp", "extract_screens")
	require.NoError(t, err)
	assert.Equal(t, len(items), cp.ItemsProcessed)
}

func TestBuildGroupsRecoveryPriorities(t *testing.T) {
	screens := []*knowledge.Screen{
		{KnowledgeID: "k1", ScreenID: "s-dash", Name: "Dashboard", URLPatterns: []string{`^https://app\.example\.com/dashboard`}},
		{KnowledgeID: "k1", ScreenID: "s-settings", Name: "Settings", URLPatterns: []string{`^/settings`}},
		{KnowledgeID: "k1", ScreenID: "s-report", Name: "Weekly Report", URLPatterns: []string{`^/reports/\d+`}},
	}

	groups := buildGroups("k1", screens)
	require.NotEmpty(t, groups)

	grouped := map[string]string{}
	for _, g := range groups {
		require.NotEmpty(t, g.RecoveryEdges, "group %s has no recovery edge", g.GroupID)
		for _, id := range g.ScreenIDs {
			grouped[id] = g.GroupID
		}
		var sawDash, sawSettings, sawBack bool
		for _, e := range g.RecoveryEdges {
			switch e.Strategy {
			case "dashboard":
				sawDash = true
				assert.Equal(t, 1, e.Priority)
				assert.Equal(t, 1.0, e.Reliability)
				assert.Equal(t, "s-dash", e.ScreenID)
			case "settings":
				sawSettings = true
				assert.Equal(t, 2, e.Priority)
				assert.Equal(t, 0.9, e.Reliability)
			case "back":
				sawBack = true
				assert.Equal(t, 3, e.Priority)
				assert.Equal(t, 0.8, e.Reliability)
			}
		}
		assert.True(t, sawDash && sawSettings && sawBack)
	}
	for _, s := range screens {
		assert.Contains(t, grouped, s.ScreenID)
		assert.NotEmpty(t, s.GroupIDs)
	}
}

func TestVerifyOnlyRun(t *testing.T) {
	ctx := context.Background()
	store := storemem.New()

	const kid = "k-verify"
	require.NoError(t, store.PutScreens(ctx, []*knowledge.Screen{{
		KnowledgeID: kid,
		ScreenID:    "s-dash",
		Name:        "Dashboard",
		URLPatterns: []string{`^https://app\.example\.com/dashboard$`},
		StateSignature: knowledge.StateSignature{
			Required: []string{"welcome"},
		},
	}}))
	require.NoError(t, store.PutActions(ctx, []*knowledge.Action{
		{
			KnowledgeID: kid, ActionID: "a-nav", Name: "Open dashboard", Type: "navigate",
			BrowserUseAction: &knowledge.BrowserUseAction{
				ActionType: string(action.Navigate),
				Params:     map[string]any{"url": "https://app.example.com/dashboard"},
			},
			ScreenIDs: []string{"s-dash"},
		},
		{
			KnowledgeID: kid, ActionID: "a-click", Name: "Create report", Type: "click",
			TargetDescription: "Create report button",
			BrowserUseAction:  &knowledge.BrowserUseAction{ActionType: "click"},
			ScreenIDs:         []string{"s-dash"},
		},
		{
			KnowledgeID: kid, ActionID: "a-ghost", Name: "Frobnicate", Type: "click",
			TargetDescription: "Frobnicate gizmo",
			BrowserUseAction:  &knowledge.BrowserUseAction{ActionType: "click"},
			ScreenIDs:         []string{"s-dash"},
		},
	}))

	world := drivermem.NewWorld()
	world.AddPage(drivermem.Page{
		URL:   "https://app.example.com/dashboard",
		Title: "Dashboard",
		Text:  "Welcome to the dashboard",
		Elements: []dom.Element{
			{Tag: "button", Role: "button", Text: "Create report"},
		},
	})

	eng := enginemem.New()
	t.Cleanup(func() { _ = eng.Close() })
	p, err := New(Options{
		Engine:   eng,
		Store:    store,
		Ingester: ingest.NewDefaultRouter(nil, ""),
		Drivers:  drivermem.NewFactory(world),
		Verify:   true,
	})
	require.NoError(t, err)
	p.pausePoll = 5 * time.Millisecond
	require.NoError(t, p.Register(ctx))

	job, err := p.StartVerify(ctx, VerifyRequest{KnowledgeID: kid})
	require.NoError(t, err)

	done := awaitStatus(t, p, job.JobID, StatusCompleted)
	assert.Equal(t, 3, done.EntityCounts["verified_actions"])
	assert.Equal(t, 1, done.EntityCounts["discrepancies"])

	// Verification observes, it never rewrites the knowledge set.
	actions, err := store.ListActions(ctx, kid)
	require.NoError(t, err)
	assert.Len(t, actions, 3)
}

func TestStartVerifyRequiresFlagAndScreens(t *testing.T) {
	ctx := context.Background()

	p, _ := newTestPipeline(t, storemem.New(), nil)
	_, err := p.StartVerify(ctx, VerifyRequest{KnowledgeID: "k1"})
	require.ErrorIs(t, err, ErrVerifyDisabled)

	// Enabled but the scope has no screens to verify against.
	eng := enginemem.New()
	t.Cleanup(func() { _ = eng.Close() })
	pv, err := New(Options{
		Engine:   eng,
		Store:    storemem.New(),
		Ingester: ingest.NewDefaultRouter(nil, ""),
		Drivers:  drivermem.NewFactory(drivermem.NewWorld()),
		Verify:   true,
	})
	require.NoError(t, err)
	_, err = pv.StartVerify(ctx, VerifyRequest{KnowledgeID: "k1"})
	require.ErrorIs(t, err, knowledge.ErrNotFound)
}
