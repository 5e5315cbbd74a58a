package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/pilot/knowledge"
)

func docChunk(id, section, text string) *knowledge.ContentChunk {
	c := &knowledge.ContentChunk{
		KnowledgeID: "k1",
		ChunkID:     id,
		Source:      "documentation",
		Text:        text,
	}
	if section != "" {
		c.Metadata = map[string]string{"section": section}
	}
	return c
}

func TestTasksFromNumberedList(t *testing.T) {
	c := docChunk("doc-0001", "", "How to create a project:\n"+
		"1. Go to the Projects page.\n"+
		"2. Click the New Project button.\n"+
		"3. Enter the project name in the Name field.\n"+
		"4. Click the Create button.\n"+
		"You will see the project dashboard.")
	c.Metadata = map[string]string{"url": "https://app.example.com/projects"}

	tasks := Tasks([]*knowledge.ContentChunk{c})
	require.Len(t, tasks, 1)

	task := tasks[0]
	assert.Equal(t, "task-how-to-create-a-project", task.TaskID)
	assert.Equal(t, "How to create a project", task.Name)
	assert.Equal(t, "https://app.example.com/projects", task.PageURL)
	assert.Nil(t, task.IteratorSpec)
	assert.InDelta(t, 0.9, task.Provenance.ExtractionConfidence, 1e-9)
	assert.Equal(t, "numbered list", task.Provenance.CaptureAnalysis)

	require.Len(t, task.Steps, 4)
	assert.Equal(t, "Go to the Projects page", task.Steps[0].Description)
	assert.Equal(t, "Click the Create button", task.Steps[3].Description)
	for i, s := range task.Steps {
		assert.Equal(t, i+1, s.Order)
	}
	assert.Empty(t, knowledge.ValidateTask(task))
}

func TestTasksCollectionLoopSentence(t *testing.T) {
	c := docChunk("doc-0002", "", "For each row in the table, click the delete button.")

	tasks := Tasks([]*knowledge.ContentChunk{c})
	require.Len(t, tasks, 1)

	task := tasks[0]
	assert.Equal(t, "Process each row in the table", task.Name)
	assert.Equal(t, "loop sentence", task.Provenance.CaptureAnalysis)
	assert.InDelta(t, 0.6, task.Provenance.ExtractionConfidence, 1e-9)

	// The loop lives in the iterator spec; the per-item action is the
	// only step.
	require.Len(t, task.Steps, 1)
	assert.Equal(t, "click the delete button", task.Steps[0].Description)
	require.NotNil(t, task.IteratorSpec)
	assert.Equal(t, knowledge.IteratorCollection, task.IteratorSpec.Type)
	assert.Equal(t, "row in the table", task.IteratorSpec.CollectionSelector)
	assert.Equal(t, "click-delete", task.IteratorSpec.ItemAction)
	assert.Equal(t, "collection exhausted", task.IteratorSpec.TerminationCondition)
	assert.Empty(t, knowledge.ValidateTask(task))
}

func TestTasksStepReferenceResolvesItemAction(t *testing.T) {
	c := docChunk("doc-0003", "", "1. Click the next button.\n"+
		"2. Repeat step 1 until no more pages remain.")

	tasks := Tasks([]*knowledge.ContentChunk{c})
	require.Len(t, tasks, 1)

	task := tasks[0]
	// The loop sentence resolves onto step 1 instead of adding a step.
	require.Len(t, task.Steps, 1)
	assert.Equal(t, "Click the next button", task.Steps[0].Description)
	require.NotNil(t, task.IteratorSpec)
	assert.Equal(t, "click-next", task.IteratorSpec.ItemAction)
	assert.Equal(t, "no more pages remain", task.IteratorSpec.TerminationCondition)
	assert.Empty(t, knowledge.ValidateTask(task))
}

func TestTasksBackwardReferenceDropsTask(t *testing.T) {
	c := docChunk("doc-0004", "", "Retry flow:\n"+
		"1. Open the queue.\n"+
		"2. Submit the form.\n"+
		"3. If it fails, go back to step 1.")

	assert.Empty(t, Tasks([]*knowledge.ContentChunk{c}))
}

func TestTasksImperativeSequence(t *testing.T) {
	c := docChunk("doc-0005", "", "First, open the Settings page. "+
		"Then click the Advanced tab. Finally, enable the beta features toggle.")

	tasks := Tasks([]*knowledge.ContentChunk{c})
	require.Len(t, tasks, 1)

	task := tasks[0]
	assert.Equal(t, "imperative sequence", task.Provenance.CaptureAnalysis)
	assert.InDelta(t, 0.6, task.Provenance.ExtractionConfidence, 1e-9)
	require.Len(t, task.Steps, 3)
	assert.Equal(t, "open the Settings page", task.Steps[0].Description)
	assert.Equal(t, "click the Advanced tab", task.Steps[1].Description)
	assert.Equal(t, "enable the beta features toggle", task.Steps[2].Description)
}

func TestTasksDuplicateIDsGetSuffix(t *testing.T) {
	text := "For each row in the table, click the delete button."
	tasks := Tasks([]*knowledge.ContentChunk{
		docChunk("doc-0006", "", text),
		docChunk("doc-0007", "", text),
	})
	require.Len(t, tasks, 2)
	assert.Equal(t, "task-process-each-row-in-the-table", tasks[0].TaskID)
	assert.Equal(t, "task-process-each-row-in-the-table-2", tasks[1].TaskID)
}

func TestTaskIOSpecFromSteps(t *testing.T) {
	c := docChunk("doc-0008", "", "Login steps:\n"+
		"1. Enter your username in the login field.\n"+
		"2. Enter the password in the password field.\n"+
		"3. Click Sign in and you will see the account dashboard.")

	tasks := Tasks([]*knowledge.ContentChunk{c})
	require.Len(t, tasks, 1)

	spec := tasks[0].IOSpec
	byName := make(map[string]knowledge.TaskInput, len(spec.Inputs))
	for _, in := range spec.Inputs {
		byName[in.Name] = in
	}
	require.Contains(t, byName, "username")
	require.Contains(t, byName, "password")
	assert.Equal(t, knowledge.VolatilityLow, byName["username"].Volatility)
	assert.Equal(t, knowledge.VolatilityHigh, byName["password"].Volatility)
	assert.True(t, byName["password"].Required)
	assert.Equal(t, "string", byName["password"].Type)

	// Resolution order follows discovery order.
	assert.Equal(t, "username", spec.ResolutionOrder[0])
	assert.Equal(t, "password", spec.ResolutionOrder[len(spec.ResolutionOrder)-1])

	require.Len(t, spec.Outputs, 1)
	assert.Equal(t, "account dashboard", spec.Outputs[0].Name)
}
