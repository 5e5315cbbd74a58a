package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/pilot/knowledge"
)

func TestScreenRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.PutScreens(ctx, []*knowledge.Screen{
		{KnowledgeID: "k1", ScreenID: "s-b", Name: "Billing"},
		{KnowledgeID: "k1", ScreenID: "s-a", Name: "Admin"},
		{KnowledgeID: "k2", ScreenID: "s-a", Name: "Other Scope"},
	}))

	got, err := s.Screen(ctx, "k1", "s-a")
	require.NoError(t, err)
	assert.Equal(t, "Admin", got.Name)

	_, err = s.Screen(ctx, "k1", "s-missing")
	assert.ErrorIs(t, err, knowledge.ErrNotFound)

	all, err := s.ListScreens(ctx, "k1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "s-a", all[0].ScreenID)
	assert.Equal(t, "s-b", all[1].ScreenID)

	// Upsert replaces the document.
	require.NoError(t, s.PutScreens(ctx, []*knowledge.Screen{
		{KnowledgeID: "k1", ScreenID: "s-a", Name: "Admin Console"},
	}))
	got, err = s.Screen(ctx, "k1", "s-a")
	require.NoError(t, err)
	assert.Equal(t, "Admin Console", got.Name)
}

func TestReadsAreIsolatedCopies(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.PutScreens(ctx, []*knowledge.Screen{
		{KnowledgeID: "k1", ScreenID: "s-a", Name: "Admin", TaskIDs: []string{"t-1"}},
	}))

	got, err := s.Screen(ctx, "k1", "s-a")
	require.NoError(t, err)
	got.TaskIDs = append(got.TaskIDs, "t-2")
	got.Name = "mutated"

	again, err := s.Screen(ctx, "k1", "s-a")
	require.NoError(t, err)
	assert.Equal(t, "Admin", again.Name)
	assert.Equal(t, []string{"t-1"}, again.TaskIDs)
}

func TestChunkDedup(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.PutChunks(ctx, []*knowledge.ContentChunk{
		{KnowledgeID: "k1", ChunkID: "c-1", Text: "hello", ContentHash: "abc"},
	}))

	ok, err := s.HasChunk(ctx, "k1", "abc")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.HasChunk(ctx, "k1", "zzz")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.HasChunk(ctx, "k2", "abc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExecutionLedgerExpiry(t *testing.T) {
	s := New()
	ctx := context.Background()

	created := time.Now()
	require.NoError(t, s.PutExecution(ctx, &knowledge.ExecutionRecord{
		Key: "exec-1", WorkflowID: "w1", ActivityName: "extract_screens", CreatedAt: created,
	}))

	rec, err := s.Execution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "extract_screens", rec.ActivityName)

	// Past the retention period the record behaves as deleted.
	s.SetClock(func() time.Time { return created.Add(knowledge.RetentionPeriod + time.Hour) })
	_, err = s.Execution(ctx, "exec-1")
	assert.ErrorIs(t, err, knowledge.ErrNotFound)
}

func TestCheckpointOverwrite(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.PutCheckpoint(ctx, &knowledge.Checkpoint{
		WorkflowID: "w1", ActivityName: "extract_tasks", ItemsProcessed: 100, LastItemID: "c-100",
	}))
	require.NoError(t, s.PutCheckpoint(ctx, &knowledge.Checkpoint{
		WorkflowID: "w1", ActivityName: "extract_tasks", ItemsProcessed: 200, LastItemID: "c-200",
	}))

	cp, err := s.Checkpoint(ctx, "w1", "extract_tasks")
	require.NoError(t, err)
	assert.Equal(t, 200, cp.ItemsProcessed)
	assert.Equal(t, "c-200", cp.LastItemID)

	_, err = s.Checkpoint(ctx, "w1", "extract_screens")
	assert.ErrorIs(t, err, knowledge.ErrNotFound)
}

func TestJobs(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.PutJob(ctx, &knowledge.Job{JobID: "j1", Status: "running", Phase: "ingest"}))
	require.NoError(t, s.PutJob(ctx, &knowledge.Job{JobID: "j1", Status: "completed", Phase: "verify", Progress: 100}))

	job, err := s.Job(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "completed", job.Status)
	assert.InDelta(t, 100, job.Progress, 1e-9)

	_, err = s.Job(ctx, "j2")
	assert.ErrorIs(t, err, knowledge.ErrNotFound)
}

func TestDeleteKnowledgeScope(t *testing.T) {
	s := New()
	ctx := context.Background()

	set := &knowledge.Set{
		KnowledgeID: "k1",
		Screens:     []*knowledge.Screen{{KnowledgeID: "k1", ScreenID: "s-1"}},
		Actions:     []*knowledge.Action{{KnowledgeID: "k1", ActionID: "a-1"}},
		Tasks:       []*knowledge.Task{{KnowledgeID: "k1", TaskID: "t-1"}},
		Transitions: []*knowledge.Transition{{KnowledgeID: "k1", TransitionID: "tr-1", FromScreenID: "s-1", ToScreenID: "s-1"}},
		Groups:      []*knowledge.ScreenGroup{{KnowledgeID: "k1", GroupID: "g-1"}},
	}
	require.NoError(t, knowledge.WriteSet(ctx, s, set))
	require.NoError(t, s.PutChunks(ctx, []*knowledge.ContentChunk{
		{KnowledgeID: "k1", ChunkID: "c-1", ContentHash: "h1"},
	}))
	require.NoError(t, s.PutScreens(ctx, []*knowledge.Screen{
		{KnowledgeID: "k2", ScreenID: "s-other"},
	}))

	loaded, err := knowledge.ReadSet(ctx, s, "k1")
	require.NoError(t, err)
	assert.Len(t, loaded.Screens, 1)
	assert.Len(t, loaded.Actions, 1)

	require.NoError(t, s.DeleteKnowledge(ctx, "k1"))

	emptied, err := knowledge.ReadSet(ctx, s, "k1")
	require.NoError(t, err)
	assert.Empty(t, emptied.Screens)
	assert.Empty(t, emptied.Actions)
	assert.Empty(t, emptied.Tasks)
	assert.Empty(t, emptied.Transitions)
	assert.Empty(t, emptied.Groups)

	ok, err := s.HasChunk(ctx, "k1", "h1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Other scopes are untouched.
	other, err := s.ListScreens(ctx, "k2")
	require.NoError(t, err)
	assert.Len(t, other, 1)
}
