package mongo

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/pilot/knowledge"
)

const testDatabase = "pilot_test"

var (
	testMongoClient    *mongodriver.Client
	testMongoContainer testcontainers.Container
	skipIntegration    bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, integration tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else {
		host, err := testMongoContainer.Host(ctx)
		if err != nil {
			fmt.Printf("Failed to get container host: %v\n", err)
			skipIntegration = true
		} else {
			port, err := testMongoContainer.MappedPort(ctx, "27017")
			if err != nil {
				fmt.Printf("Failed to get container port: %v\n", err)
				skipIntegration = true
			} else {
				uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
				testMongoClient, err = mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(uri))
				if err != nil {
					fmt.Printf("Failed to connect to mongo: %v\n", err)
					skipIntegration = true
				}
			}
		}
	}

	code := m.Run()

	if testMongoClient != nil {
		_ = testMongoClient.Disconnect(ctx)
	}
	if testMongoContainer != nil {
		_ = testMongoContainer.Terminate(ctx)
	}

	os.Exit(code)
}

// getStore drops the test database and returns a fresh store. Skips the test
// when Docker is not available.
func getStore(t *testing.T) *Store {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available, skipping integration test")
	}
	if err := testMongoClient.Database(testDatabase).Drop(context.Background()); err != nil {
		t.Fatalf("failed to drop test database: %v", err)
	}
	st, err := New(Options{Client: testMongoClient, Database: testDatabase})
	require.NoError(t, err)
	return st
}

func testScreen(knowledgeID, screenID, name string) *knowledge.Screen {
	return &knowledge.Screen{
		KnowledgeID:  knowledgeID,
		ScreenID:     screenID,
		Name:         name,
		ContentType:  knowledge.ContentWebUI,
		IsActionable: true,
		URLPatterns:  []string{`^/` + screenID + `$`},
		StateSignature: knowledge.StateSignature{
			Required: []string{name},
			Negative: []string{"error"},
		},
		UIElements: []knowledge.UIElement{{
			Name:            "save",
			ElementType:     "button",
			Selectors:       knowledge.Selectors{CSS: "#save"},
			ImportanceScore: 0.7,
		}},
		Provenance:  knowledge.Provenance{ExtractionSource: "website", ExtractionConfidence: 0.9},
		CreatedAtMS: 1700000000000,
		UpdatedAtMS: 1700000000000,
	}
}

func TestIntegrationScreensRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := getStore(t)

	screens := []*knowledge.Screen{
		testScreen("kb-1", "scr-b", "Billing"),
		testScreen("kb-1", "scr-a", "Dashboard"),
		testScreen("kb-2", "scr-a", "Other Scope"),
	}
	require.NoError(t, st.PutScreens(ctx, screens))

	got, err := st.Screen(ctx, "kb-1", "scr-a")
	require.NoError(t, err)
	assert.Equal(t, "Dashboard", got.Name)
	assert.Equal(t, []string{`^/scr-a$`}, got.URLPatterns)
	assert.Equal(t, []string{"error"}, got.StateSignature.Negative)
	require.Len(t, got.UIElements, 1)
	assert.Equal(t, "#save", got.UIElements[0].Selectors.CSS)

	_, err = st.Screen(ctx, "kb-1", "missing")
	assert.ErrorIs(t, err, knowledge.ErrNotFound)

	list, err := st.ListScreens(ctx, "kb-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "scr-a", list[0].ScreenID)
	assert.Equal(t, "scr-b", list[1].ScreenID)

	// Replaying the same IDs replaces the documents.
	updated := testScreen("kb-1", "scr-a", "Dashboard v2")
	require.NoError(t, st.PutScreens(ctx, []*knowledge.Screen{updated}))
	got, err = st.Screen(ctx, "kb-1", "scr-a")
	require.NoError(t, err)
	assert.Equal(t, "Dashboard v2", got.Name)
	list, err = st.ListScreens(ctx, "kb-1")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestIntegrationDeleteKnowledge(t *testing.T) {
	ctx := context.Background()
	st := getStore(t)

	require.NoError(t, st.PutScreens(ctx, []*knowledge.Screen{testScreen("kb-del", "scr-1", "Home")}))
	require.NoError(t, st.PutActions(ctx, []*knowledge.Action{{
		KnowledgeID: "kb-del", ActionID: "act-1", Name: "Click Save", Type: knowledge.ActionClick,
	}}))
	require.NoError(t, st.PutTasks(ctx, []*knowledge.Task{{
		KnowledgeID: "kb-del", TaskID: "task-1", Name: "Create invoice",
		Steps: []knowledge.TaskStep{{Order: 1, Description: "open form"}},
	}}))
	require.NoError(t, st.PutChunks(ctx, []*knowledge.ContentChunk{{
		KnowledgeID: "kb-del", ChunkID: "ch-1", Source: "documentation", Text: "how to", ContentHash: "abc",
	}}))
	require.NoError(t, st.PutScreens(ctx, []*knowledge.Screen{testScreen("kb-keep", "scr-1", "Home")}))

	require.NoError(t, st.DeleteKnowledge(ctx, "kb-del"))

	for name, list := range map[string]func() (int, error){
		"screens": func() (int, error) { l, err := st.ListScreens(ctx, "kb-del"); return len(l), err },
		"actions": func() (int, error) { l, err := st.ListActions(ctx, "kb-del"); return len(l), err },
		"tasks":   func() (int, error) { l, err := st.ListTasks(ctx, "kb-del"); return len(l), err },
		"chunks":  func() (int, error) { l, err := st.ListChunks(ctx, "kb-del"); return len(l), err },
	} {
		n, err := list()
		require.NoError(t, err, name)
		assert.Zero(t, n, "%s not deleted", name)
	}

	kept, err := st.ListScreens(ctx, "kb-keep")
	require.NoError(t, err)
	assert.Len(t, kept, 1, "other scopes must survive the delete")
}

func TestIntegrationLedger(t *testing.T) {
	ctx := context.Background()
	st := getStore(t)

	rec := &knowledge.ExecutionRecord{
		Key:          "deadbeef",
		WorkflowID:   "wf-1",
		ActivityName: "extract_screens",
		ContentHash:  "abc123",
		Result:       []byte(`{"screens":3}`),
	}
	require.NoError(t, st.PutExecution(ctx, rec))

	got, err := st.Execution(ctx, "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", got.WorkflowID)
	assert.Equal(t, "extract_screens", got.ActivityName)
	assert.JSONEq(t, `{"screens":3}`, string(got.Result))
	assert.WithinDuration(t, time.Now().UTC(), got.CreatedAt, time.Minute)

	_, err = st.Execution(ctx, "unknown")
	assert.ErrorIs(t, err, knowledge.ErrNotFound)

	// Records past retention read as absent even before the TTL sweep.
	stale := &knowledge.ExecutionRecord{
		Key:          "stale",
		WorkflowID:   "wf-1",
		ActivityName: "extract_screens",
		CreatedAt:    time.Now().UTC().Add(-knowledge.RetentionPeriod - time.Hour),
	}
	require.NoError(t, st.PutExecution(ctx, stale))
	_, err = st.Execution(ctx, "stale")
	assert.ErrorIs(t, err, knowledge.ErrNotFound)

	cp := &knowledge.Checkpoint{
		WorkflowID:     "wf-1",
		ActivityName:   "extract_screens",
		ItemsProcessed: 100,
		LastItemID:     "ch-100",
	}
	require.NoError(t, st.PutCheckpoint(ctx, cp))
	cp.ItemsProcessed = 200
	cp.LastItemID = "ch-200"
	require.NoError(t, st.PutCheckpoint(ctx, cp))

	gotCP, err := st.Checkpoint(ctx, "wf-1", "extract_screens")
	require.NoError(t, err)
	assert.Equal(t, 200, gotCP.ItemsProcessed)
	assert.Equal(t, "ch-200", gotCP.LastItemID)

	_, err = st.Checkpoint(ctx, "wf-1", "extract_tasks")
	assert.ErrorIs(t, err, knowledge.ErrNotFound)
}

func TestIntegrationJobsAndChunks(t *testing.T) {
	ctx := context.Background()
	st := getStore(t)

	job := &knowledge.Job{
		JobID:        "job-1",
		KnowledgeID:  "kb-1",
		WorkflowID:   "wf-1",
		Status:       "running",
		Phase:        "ingest",
		Progress:     12.5,
		EntityCounts: map[string]int{"screens": 3},
		StartedAtMS:  1700000000000,
		UpdatedAtMS:  1700000001000,
	}
	require.NoError(t, st.PutJob(ctx, job))
	job.Status = "completed"
	job.Progress = 100
	require.NoError(t, st.PutJob(ctx, job))

	got, err := st.Job(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, float64(100), got.Progress)
	assert.Equal(t, map[string]int{"screens": 3}, got.EntityCounts)

	_, err = st.Job(ctx, "missing")
	assert.ErrorIs(t, err, knowledge.ErrNotFound)

	require.NoError(t, st.PutChunks(ctx, []*knowledge.ContentChunk{{
		KnowledgeID: "kb-1", ChunkID: "ch-1", Source: "documentation",
		Text: "chunk text", TokenCount: 2, ContentHash: "hash-1",
	}}))
	ok, err := st.HasChunk(ctx, "kb-1", "hash-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.HasChunk(ctx, "kb-1", "hash-2")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = st.HasChunk(ctx, "kb-2", "hash-1")
	require.NoError(t, err)
	assert.False(t, ok, "dedup is scoped by knowledge id")
}

func TestIntegrationPing(t *testing.T) {
	st := getStore(t)
	assert.Equal(t, "knowledge-mongo", st.Name())
	assert.NoError(t, st.Ping(context.Background()))
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Database: "db"})
	require.EqualError(t, err, "mongo client is required")
	if skipIntegration {
		t.Skip("Docker not available, skipping client-backed validation")
	}
	_, err = New(Options{Client: testMongoClient})
	require.EqualError(t, err, "database name is required")
}
