package link

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/pilot/knowledge"
)

func linkSet() *knowledge.Set {
	return &knowledge.Set{
		KnowledgeID: "k1",
		Screens: []*knowledge.Screen{
			{KnowledgeID: "k1", ScreenID: "s-dash", Name: "Dashboard", URLPatterns: []string{`^/dashboard`}},
			{KnowledgeID: "k1", ScreenID: "s-settings", Name: "Settings", URLPatterns: []string{`^/settings`}},
			{KnowledgeID: "k1", ScreenID: "s-users", Name: "User List", URLPatterns: []string{`^/users`}},
		},
		Actions: []*knowledge.Action{
			{KnowledgeID: "k1", ActionID: "a-save", Name: "Save Settings", Type: knowledge.ActionClick,
				Provenance: knowledge.Provenance{ExtractionSource: "video", CaptureAnalysis: "User clicks Save on the Settings screen"}},
			{KnowledgeID: "k1", ActionID: "a-goto-users", Name: "Open User List", Type: knowledge.ActionNavigate, Value: "/users/all"},
			{KnowledgeID: "k1", ActionID: "a-export", Name: "Export Report", Type: knowledge.ActionClick},
		},
		Tasks: []*knowledge.Task{
			{KnowledgeID: "k1", TaskID: "t-profile", Name: "Update Profile", PageURL: "/settings/profile",
				Steps: []knowledge.TaskStep{
					{Order: 1, Description: "Open settings", ScreenID: "s-settings"},
					{Order: 2, Description: "Save the form", ActionID: "a-save"},
				}},
		},
		Transitions: []*knowledge.Transition{
			{KnowledgeID: "k1", TransitionID: "tr-1", FromScreenID: "s-dash", ToScreenID: "s-settings", TriggerActionID: "a-save"},
		},
		Functions: []*knowledge.BusinessFunction{
			{KnowledgeID: "k1", FunctionID: "f-admin", Name: "User Administration",
				ScreensMentioned: []string{"Setings", "Zebra Control"}},
		},
		Workflows: []*knowledge.Workflow{
			{KnowledgeID: "k1", WorkflowID: "w-report", Name: "Weekly Report",
				Steps: []string{"Open the Dashboard", "Run the Export Report action"}},
		},
	}
}

func TestApplyLinksEverything(t *testing.T) {
	set := linkSet()
	st := Apply(set)

	// Task → screen by page URL and by step reference.
	task := set.TaskByID("t-profile")
	assert.Contains(t, task.ScreenIDs, "s-settings")
	settings := set.ScreenByID("s-settings")
	assert.Contains(t, settings.TaskIDs, "t-profile")
	assert.Contains(t, task.ActionIDs, "a-save")
	assert.Contains(t, set.ActionByID("a-save").TaskIDs, "t-profile")
	assert.Equal(t, 1, st.TaskScreen)
	assert.Equal(t, 1, st.TaskAction)

	// Video action → mentioned screen; navigation action → URL pattern.
	assert.Contains(t, set.ActionByID("a-save").ScreenIDs, "s-settings")
	assert.Contains(t, settings.ActionIDs, "a-save")
	assert.Contains(t, set.ActionByID("a-goto-users").ScreenIDs, "s-users")
	assert.Contains(t, set.ScreenByID("s-users").ActionIDs, "a-goto-users")
	assert.Equal(t, 2, st.ActionScreen)

	// Function → screen survives the typo, rejects the unknown name.
	fn := set.Functions[0]
	assert.Equal(t, []string{"s-settings"}, fn.ScreenIDs)
	assert.Contains(t, settings.FunctionIDs, "f-admin")
	assert.Equal(t, 1, st.FunctionScreen)

	// Workflow steps resolve the dashboard screen and the export action.
	wf := set.Workflows[0]
	assert.Contains(t, wf.ScreenIDs, "s-dash")
	assert.Contains(t, set.ScreenByID("s-dash").WorkflowIDs, "w-report")
	assert.Contains(t, wf.ActionIDs, "a-export")
	assert.Contains(t, set.ActionByID("a-export").WorkflowIDs, "w-report")

	// Transition endpoints and trigger by direct ID.
	assert.Contains(t, set.ScreenByID("s-dash").TransitionIDs, "tr-1")
	assert.Contains(t, settings.TransitionIDs, "tr-1")
	assert.Contains(t, set.ActionByID("a-save").TransitionIDs, "tr-1")
	assert.Equal(t, 3, st.TransitionRefs)

	assert.Positive(t, st.Total())
}

func TestApplyIsIdempotent(t *testing.T) {
	set := linkSet()
	first := Apply(set)
	require.Positive(t, first.Total())

	second := Apply(set)
	assert.Zero(t, second.Total())

	// Linking twice leaves single references.
	assert.Equal(t, []string{"s-settings"}, set.TaskByID("t-profile").ScreenIDs)
	assert.Equal(t, []string{"t-profile"}, set.ScreenByID("s-settings").TaskIDs)
}

func TestMentionsIgnoresShortNames(t *testing.T) {
	set := &knowledge.Set{
		KnowledgeID: "k1",
		Screens:     []*knowledge.Screen{{ScreenID: "s-a", Name: "Go"}},
		Workflows: []*knowledge.Workflow{
			{WorkflowID: "w-1", Steps: []string{"Go to the beginning"}},
		},
	}
	st := Apply(set)
	assert.Zero(t, st.WorkflowRefs)
	assert.Empty(t, set.Workflows[0].ScreenIDs)
}
