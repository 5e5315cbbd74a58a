// Package knowledge defines the entity model produced by extraction: screens,
// actions, tasks, transitions, screen groups and the higher-level business
// entities, plus the content chunks they are extracted from and the workflow
// bookkeeping records (execution ledger, checkpoints, jobs). Every entity
// carries a KnowledgeID; identifiers are opaque strings unique within that
// scope, and re-extraction with the same KnowledgeID replaces the whole set.
//
// Entities serialize to snake_case JSON for the HTTP surface and to matching
// BSON documents for the store. Timestamps are milliseconds since the Unix
// epoch and content hashes are SHA-256 hex, same as the session wire layer.
package knowledge

// ContentType classifies the source a screen was extracted from.
type ContentType string

// Screen content types.
const (
	ContentWebUI           ContentType = "web_ui"
	ContentDocumentation   ContentType = "documentation"
	ContentVideoTranscript ContentType = "video_transcript"
	ContentAPIDocs         ContentType = "api_docs"
)

// Volatility grades how often a task input changes between runs. High
// volatility inputs (tokens, passwords) must be resolved fresh each run; low
// volatility inputs (names, emails) can be cached.
type Volatility string

// Input volatility grades.
const (
	VolatilityLow    Volatility = "low"
	VolatilityMedium Volatility = "medium"
	VolatilityHigh   Volatility = "high"
)

// IteratorType classifies the loop a task performs. Loops never appear in
// the step list itself.
type IteratorType string

// Iterator types.
const (
	IteratorNone       IteratorType = "none"
	IteratorCollection IteratorType = "collection_processing"
	IteratorPagination IteratorType = "pagination"
)

// RegionType names a recognized screen region.
type RegionType string

// Screen region types.
const (
	RegionHeader     RegionType = "header"
	RegionSidebar    RegionType = "sidebar"
	RegionMain       RegionType = "main"
	RegionFooter     RegionType = "footer"
	RegionModal      RegionType = "modal"
	RegionNavigation RegionType = "navigation"
)

// Variability bands for delay aggregates.
const (
	VariabilityLow    = "low"
	VariabilityMedium = "medium"
	VariabilityHigh   = "high"
)

type (
	// Provenance records where an entity came from and how confident the
	// extractor was. Entities below the confidence threshold are rejected at
	// extraction time.
	Provenance struct {
		// ExtractionSource names the producing extractor or ingester, e.g.
		// "documentation", "website", "video".
		ExtractionSource string `json:"extraction_source" bson:"extraction_source"`
		// ExtractionConfidence is the extractor's self-assessed confidence
		// in [0,1].
		ExtractionConfidence float64 `json:"extraction_confidence" bson:"extraction_confidence"`
		// CaptureAnalysis carries free-form notes about the capture the
		// entity was derived from.
		CaptureAnalysis string `json:"capture_analysis,omitempty" bson:"capture_analysis,omitempty"`
		// ChunkIDs lists the content chunks the entity was extracted from.
		ChunkIDs []string `json:"chunk_ids,omitempty" bson:"chunk_ids,omitempty"`
	}

	// Position is a rectangle in page coordinates.
	Position struct {
		X float64 `json:"x" bson:"x"`
		Y float64 `json:"y" bson:"y"`
		W float64 `json:"w" bson:"w"`
		H float64 `json:"h" bson:"h"`
	}

	// Selectors locates an element by several strategies. CSS is primary;
	// the others are fallbacks for drivers or assistive contexts.
	Selectors struct {
		CSS           string `json:"css,omitempty" bson:"css,omitempty"`
		XPath         string `json:"xpath,omitempty" bson:"xpath,omitempty"`
		Accessibility string `json:"accessibility,omitempty" bson:"accessibility,omitempty"`
	}

	// StateSignature identifies a screen by semantic tokens observed on it.
	// Tokens are capped at 50 characters. Documentation-only screens carry
	// an empty signature and are matched by name instead.
	StateSignature struct {
		// Required tokens must all be present for a match.
		Required []string `json:"required,omitempty" bson:"required,omitempty"`
		// Optional tokens raise the match score when present.
		Optional []string `json:"optional,omitempty" bson:"optional,omitempty"`
		// Exclusion tokens must be absent.
		Exclusion []string `json:"exclusion,omitempty" bson:"exclusion,omitempty"`
		// Negative indicators reject the match outright: their presence
		// means the user is on a different screen or in a different mode.
		Negative []string `json:"negative,omitempty" bson:"negative,omitempty"`
	}

	// UIElement is one interactive or landmark element on a screen.
	UIElement struct {
		Name          string     `json:"name" bson:"name"`
		ElementType   string     `json:"element_type,omitempty" bson:"element_type,omitempty"`
		Selectors     Selectors  `json:"selectors" bson:"selectors"`
		Position      *Position  `json:"position,omitempty" bson:"position,omitempty"`
		LayoutContext RegionType `json:"layout_context,omitempty" bson:"layout_context,omitempty"`
		// ImportanceScore in [0,1] ranks elements for recovery and
		// verification; computed from layout context, size, z-index and an
		// element-type prior.
		ImportanceScore float64 `json:"importance_score" bson:"importance_score"`
	}

	// Region is a typed area of a screen.
	Region struct {
		Type   RegionType `json:"type" bson:"type"`
		Bounds *Position  `json:"bounds,omitempty" bson:"bounds,omitempty"`
		// Keywords are the terms that mapped content onto this region.
		Keywords []string `json:"keywords,omitempty" bson:"keywords,omitempty"`
	}

	// Screen is a distinct UI state of the target application.
	Screen struct {
		KnowledgeID  string      `json:"knowledge_id" bson:"knowledge_id"`
		ScreenID     string      `json:"screen_id" bson:"screen_id"`
		Name         string      `json:"name" bson:"name"`
		ContentType  ContentType `json:"content_type" bson:"content_type"`
		IsActionable bool        `json:"is_actionable" bson:"is_actionable"`
		// URLPatterns are legal regular expressions matching URLs the screen
		// appears under.
		URLPatterns     []string       `json:"url_patterns,omitempty" bson:"url_patterns,omitempty"`
		StateSignature  StateSignature `json:"state_signature" bson:"state_signature"`
		UIElements      []UIElement    `json:"ui_elements,omitempty" bson:"ui_elements,omitempty"`
		Regions         []Region       `json:"regions,omitempty" bson:"regions,omitempty"`
		LayoutStructure string         `json:"layout_structure,omitempty" bson:"layout_structure,omitempty"`

		// Cross-references, maintained bidirectionally by the linker.
		ActionIDs     []string `json:"action_ids,omitempty" bson:"action_ids,omitempty"`
		TaskIDs       []string `json:"task_ids,omitempty" bson:"task_ids,omitempty"`
		TransitionIDs []string `json:"transition_ids,omitempty" bson:"transition_ids,omitempty"`
		GroupIDs      []string `json:"group_ids,omitempty" bson:"group_ids,omitempty"`
		FunctionIDs   []string `json:"function_ids,omitempty" bson:"function_ids,omitempty"`
		FlowIDs       []string `json:"flow_ids,omitempty" bson:"flow_ids,omitempty"`
		WorkflowIDs   []string `json:"workflow_ids,omitempty" bson:"workflow_ids,omitempty"`
		FeatureIDs    []string `json:"feature_ids,omitempty" bson:"feature_ids,omitempty"`

		Provenance  Provenance `json:"provenance" bson:"provenance"`
		CreatedAtMS int64      `json:"created_at_ms" bson:"created_at_ms"`
		UpdatedAtMS int64      `json:"updated_at_ms" bson:"updated_at_ms"`
	}

	// BrowserUseAction is the driver-ready translation of a knowledge-tier
	// action: a runtime action tag plus its JSON parameters.
	BrowserUseAction struct {
		ActionType string         `json:"action_type" bson:"action_type"`
		Params     map[string]any `json:"params,omitempty" bson:"params,omitempty"`
	}

	// Action is a knowledge-tier action: one canonical interaction the
	// target application supports, distinct from the runtime action
	// envelope it translates to.
	Action struct {
		KnowledgeID string `json:"knowledge_id" bson:"knowledge_id"`
		ActionID    string `json:"action_id" bson:"action_id"`
		Name        string `json:"name" bson:"name"`
		// Type is one of the canonical action types: click, type, navigate,
		// select_option, scroll, wait.
		Type string `json:"type" bson:"type"`
		// TargetDescription is the human description the selector was
		// generated from.
		TargetDescription string    `json:"target_description,omitempty" bson:"target_description,omitempty"`
		Selector          Selectors `json:"selector" bson:"selector"`
		// Value is the action's payload when the source specifies one:
		// text typed, URL navigated to, option selected, seconds waited.
		Value          string   `json:"value,omitempty" bson:"value,omitempty"`
		Preconditions  []string `json:"preconditions,omitempty" bson:"preconditions,omitempty"`
		Postconditions []string `json:"postconditions,omitempty" bson:"postconditions,omitempty"`
		Idempotent     bool     `json:"idempotent" bson:"idempotent"`
		// ReversibleBy names the action that undoes this one, when known.
		ReversibleBy string `json:"reversible_by,omitempty" bson:"reversible_by,omitempty"`
		// BrowserUseAction is present when translation to a runtime action
		// succeeded.
		BrowserUseAction  *BrowserUseAction  `json:"browser_use_action,omitempty" bson:"browser_use_action,omitempty"`
		ConfidenceScore   float64            `json:"confidence_score" bson:"confidence_score"`
		DelayIntelligence *DelayIntelligence `json:"delay_intelligence,omitempty" bson:"delay_intelligence,omitempty"`

		ScreenIDs     []string `json:"screen_ids,omitempty" bson:"screen_ids,omitempty"`
		TaskIDs       []string `json:"task_ids,omitempty" bson:"task_ids,omitempty"`
		TransitionIDs []string `json:"transition_ids,omitempty" bson:"transition_ids,omitempty"`
		WorkflowIDs   []string `json:"workflow_ids,omitempty" bson:"workflow_ids,omitempty"`

		Provenance  Provenance `json:"provenance" bson:"provenance"`
		CreatedAtMS int64      `json:"created_at_ms" bson:"created_at_ms"`
		UpdatedAtMS int64      `json:"updated_at_ms" bson:"updated_at_ms"`
	}

	// TaskStep is one ordered step of a task. Steps never reference earlier
	// steps; loops live in the task's IteratorSpec.
	TaskStep struct {
		Order       int    `json:"order" bson:"order"`
		Description string `json:"description" bson:"description"`
		ActionID    string `json:"action_id,omitempty" bson:"action_id,omitempty"`
		// ScreenID is an optional precondition: the screen the step expects
		// to start on.
		ScreenID string `json:"screen_id,omitempty" bson:"screen_id,omitempty"`
	}

	// TaskInput is a typed task parameter.
	TaskInput struct {
		Name        string     `json:"name" bson:"name"`
		Type        string     `json:"type" bson:"type"`
		Volatility  Volatility `json:"volatility" bson:"volatility"`
		Required    bool       `json:"required" bson:"required"`
		Description string     `json:"description,omitempty" bson:"description,omitempty"`
	}

	// TaskOutput is a typed task result.
	TaskOutput struct {
		Name        string `json:"name" bson:"name"`
		Type        string `json:"type" bson:"type"`
		Description string `json:"description,omitempty" bson:"description,omitempty"`
	}

	// IOSpec declares a task's inputs, outputs and the order input
	// variables must be resolved in.
	IOSpec struct {
		Inputs  []TaskInput  `json:"inputs,omitempty" bson:"inputs,omitempty"`
		Outputs []TaskOutput `json:"outputs,omitempty" bson:"outputs,omitempty"`
		// ResolutionOrder lists input names in dependency order.
		ResolutionOrder []string `json:"resolution_order,omitempty" bson:"resolution_order,omitempty"`
	}

	// IteratorSpec describes the single loop a task may perform.
	IteratorSpec struct {
		Type IteratorType `json:"type" bson:"type"`
		// CollectionSelector locates the items iterated over.
		CollectionSelector string `json:"collection_selector,omitempty" bson:"collection_selector,omitempty"`
		// ItemAction names the action applied to each item.
		ItemAction string `json:"item_action,omitempty" bson:"item_action,omitempty"`
		// TerminationCondition describes when iteration stops.
		TerminationCondition string `json:"termination_condition,omitempty" bson:"termination_condition,omitempty"`
		MaxIterations        int    `json:"max_iterations,omitempty" bson:"max_iterations,omitempty"`
	}

	// Task is a linear procedure over actions.
	Task struct {
		KnowledgeID string     `json:"knowledge_id" bson:"knowledge_id"`
		TaskID      string     `json:"task_id" bson:"task_id"`
		Name        string     `json:"name" bson:"name"`
		Description string     `json:"description,omitempty" bson:"description,omitempty"`
		Steps       []TaskStep `json:"steps" bson:"steps"`
		IOSpec      IOSpec     `json:"io_spec" bson:"io_spec"`
		// IteratorSpec is nil (or Type none) for straight-line tasks.
		IteratorSpec *IteratorSpec `json:"iterator_spec,omitempty" bson:"iterator_spec,omitempty"`
		// PageURL is the URL the task's documentation page describes; the
		// linker matches it against screen URL patterns.
		PageURL string `json:"page_url,omitempty" bson:"page_url,omitempty"`

		ScreenIDs   []string `json:"screen_ids,omitempty" bson:"screen_ids,omitempty"`
		ActionIDs   []string `json:"action_ids,omitempty" bson:"action_ids,omitempty"`
		WorkflowIDs []string `json:"workflow_ids,omitempty" bson:"workflow_ids,omitempty"`

		Provenance  Provenance `json:"provenance" bson:"provenance"`
		CreatedAtMS int64      `json:"created_at_ms" bson:"created_at_ms"`
		UpdatedAtMS int64      `json:"updated_at_ms" bson:"updated_at_ms"`
	}

	// Cost estimates what traversing a transition costs.
	Cost struct {
		EstimatedMS int64 `json:"estimated_ms" bson:"estimated_ms"`
	}

	// Transition is one edge of the navigation graph.
	Transition struct {
		KnowledgeID     string   `json:"knowledge_id" bson:"knowledge_id"`
		TransitionID    string   `json:"transition_id" bson:"transition_id"`
		FromScreenID    string   `json:"from_screen_id" bson:"from_screen_id"`
		ToScreenID      string   `json:"to_screen_id" bson:"to_screen_id"`
		TriggerActionID string   `json:"trigger_action_id,omitempty" bson:"trigger_action_id,omitempty"`
		Conditions      []string `json:"conditions,omitempty" bson:"conditions,omitempty"`
		Effects         []string `json:"effects,omitempty" bson:"effects,omitempty"`
		Cost            Cost     `json:"cost" bson:"cost"`
		// Reliability in [0,1] is how often the transition lands on the
		// expected screen.
		Reliability       float64            `json:"reliability" bson:"reliability"`
		DelayIntelligence *DelayIntelligence `json:"delay_intelligence,omitempty" bson:"delay_intelligence,omitempty"`

		Provenance  Provenance `json:"provenance" bson:"provenance"`
		CreatedAtMS int64      `json:"created_at_ms" bson:"created_at_ms"`
		UpdatedAtMS int64      `json:"updated_at_ms" bson:"updated_at_ms"`
	}

	// RecoveryEdge is one prioritized way out of a lost state back to a
	// known screen. Lower priority is safer.
	RecoveryEdge struct {
		// Strategy names the recovery route: dashboard, settings, back.
		Strategy    string  `json:"strategy" bson:"strategy"`
		ScreenID    string  `json:"screen_id" bson:"screen_id"`
		Priority    int     `json:"priority" bson:"priority"`
		Reliability float64 `json:"reliability" bson:"reliability"`
	}

	// ScreenGroup partitions screens by functional area and carries the
	// recovery edges used when no screen match is found.
	ScreenGroup struct {
		KnowledgeID   string         `json:"knowledge_id" bson:"knowledge_id"`
		GroupID       string         `json:"group_id" bson:"group_id"`
		Name          string         `json:"name" bson:"name"`
		ScreenIDs     []string       `json:"screen_ids" bson:"screen_ids"`
		RecoveryEdges []RecoveryEdge `json:"recovery_edges" bson:"recovery_edges"`

		CreatedAtMS int64 `json:"created_at_ms" bson:"created_at_ms"`
		UpdatedAtMS int64 `json:"updated_at_ms" bson:"updated_at_ms"`
	}

	// BusinessFunction is a user-facing capability of the application.
	BusinessFunction struct {
		KnowledgeID string `json:"knowledge_id" bson:"knowledge_id"`
		FunctionID  string `json:"function_id" bson:"function_id"`
		Name        string `json:"name" bson:"name"`
		Description string `json:"description,omitempty" bson:"description,omitempty"`
		// ScreensMentioned holds raw screen names from the source text; the
		// linker resolves them into ScreenIDs by fuzzy match.
		ScreensMentioned []string `json:"screens_mentioned,omitempty" bson:"screens_mentioned,omitempty"`

		ScreenIDs []string `json:"screen_ids,omitempty" bson:"screen_ids,omitempty"`
		TaskIDs   []string `json:"task_ids,omitempty" bson:"task_ids,omitempty"`
		FlowIDs   []string `json:"flow_ids,omitempty" bson:"flow_ids,omitempty"`

		Provenance  Provenance `json:"provenance" bson:"provenance"`
		CreatedAtMS int64      `json:"created_at_ms" bson:"created_at_ms"`
		UpdatedAtMS int64      `json:"updated_at_ms" bson:"updated_at_ms"`
	}

	// UserFlow is an ordered path a user takes through screens to reach a
	// goal.
	UserFlow struct {
		KnowledgeID string   `json:"knowledge_id" bson:"knowledge_id"`
		FlowID      string   `json:"flow_id" bson:"flow_id"`
		Name        string   `json:"name" bson:"name"`
		Description string   `json:"description,omitempty" bson:"description,omitempty"`
		Steps       []string `json:"steps,omitempty" bson:"steps,omitempty"`

		ScreenIDs   []string `json:"screen_ids,omitempty" bson:"screen_ids,omitempty"`
		TaskIDs     []string `json:"task_ids,omitempty" bson:"task_ids,omitempty"`
		FunctionIDs []string `json:"function_ids,omitempty" bson:"function_ids,omitempty"`

		Provenance  Provenance `json:"provenance" bson:"provenance"`
		CreatedAtMS int64      `json:"created_at_ms" bson:"created_at_ms"`
		UpdatedAtMS int64      `json:"updated_at_ms" bson:"updated_at_ms"`
	}

	// Workflow is a multi-task business procedure described by the source
	// material, e.g. "onboard a new customer".
	Workflow struct {
		KnowledgeID string `json:"knowledge_id" bson:"knowledge_id"`
		WorkflowID  string `json:"workflow_id" bson:"workflow_id"`
		Name        string `json:"name" bson:"name"`
		Description string `json:"description,omitempty" bson:"description,omitempty"`
		// Steps holds the raw step texts; the linker parses them into
		// screen/task/action references.
		Steps []string `json:"steps,omitempty" bson:"steps,omitempty"`

		ScreenIDs []string `json:"screen_ids,omitempty" bson:"screen_ids,omitempty"`
		TaskIDs   []string `json:"task_ids,omitempty" bson:"task_ids,omitempty"`
		ActionIDs []string `json:"action_ids,omitempty" bson:"action_ids,omitempty"`

		Provenance  Provenance `json:"provenance" bson:"provenance"`
		CreatedAtMS int64      `json:"created_at_ms" bson:"created_at_ms"`
		UpdatedAtMS int64      `json:"updated_at_ms" bson:"updated_at_ms"`
	}

	// BusinessFeature groups related business functions into a product
	// feature.
	BusinessFeature struct {
		KnowledgeID string `json:"knowledge_id" bson:"knowledge_id"`
		FeatureID   string `json:"feature_id" bson:"feature_id"`
		Name        string `json:"name" bson:"name"`
		Description string `json:"description,omitempty" bson:"description,omitempty"`

		FunctionIDs []string `json:"function_ids,omitempty" bson:"function_ids,omitempty"`
		ScreenIDs   []string `json:"screen_ids,omitempty" bson:"screen_ids,omitempty"`

		Provenance  Provenance `json:"provenance" bson:"provenance"`
		CreatedAtMS int64      `json:"created_at_ms" bson:"created_at_ms"`
		UpdatedAtMS int64      `json:"updated_at_ms" bson:"updated_at_ms"`
	}

	// DelayIntelligence is the aggregated timing profile of an action or
	// transition, used by consumers to pick wait times.
	DelayIntelligence struct {
		AverageDelayMS float64 `json:"average_delay_ms" bson:"average_delay_ms"`
		MedianDelayMS  float64 `json:"median_delay_ms" bson:"median_delay_ms"`
		MinDelayMS     float64 `json:"min_delay_ms" bson:"min_delay_ms"`
		MaxDelayMS     float64 `json:"max_delay_ms" bson:"max_delay_ms"`
		// Variability is low, medium or high.
		Variability string `json:"variability" bson:"variability"`
		// RecommendedWaitMS is average plus one standard deviation.
		RecommendedWaitMS float64 `json:"recommended_wait_time_ms" bson:"recommended_wait_time_ms"`
		IsSlow            bool    `json:"is_slow" bson:"is_slow"`
		IsFast            bool    `json:"is_fast" bson:"is_fast"`
		// Confidence grows with sample count: min(1, 0.5 + 0.1*(n-1)).
		Confidence  float64 `json:"confidence" bson:"confidence"`
		SampleCount int     `json:"sample_count" bson:"sample_count"`
	}

	// ContentChunk is one semantically bounded piece of ingested source
	// material, capped at 2000 tokens.
	ContentChunk struct {
		KnowledgeID string `json:"knowledge_id" bson:"knowledge_id"`
		ChunkID     string `json:"chunk_id" bson:"chunk_id"`
		// Source is the ingester that produced the chunk: documentation,
		// website or video.
		Source string `json:"source" bson:"source"`
		// SourceRef locates the original material: URL, file name or video
		// reference.
		SourceRef string `json:"source_ref,omitempty" bson:"source_ref,omitempty"`
		// Index is the chunk's position within its source.
		Index      int    `json:"index" bson:"index"`
		Text       string `json:"text" bson:"text"`
		TokenCount int    `json:"token_count" bson:"token_count"`
		// ContentHash is the SHA-256 hex of the chunk text, used for dedup
		// and idempotency keys.
		ContentHash string            `json:"content_hash" bson:"content_hash"`
		Metadata    map[string]string `json:"metadata,omitempty" bson:"metadata,omitempty"`
		CreatedAtMS int64             `json:"created_at_ms" bson:"created_at_ms"`
	}

	// Set bundles every entity extracted for one knowledge scope. The
	// linker, validators and graph builder operate on a Set.
	Set struct {
		KnowledgeID string              `json:"knowledge_id"`
		Screens     []*Screen           `json:"screens,omitempty"`
		Actions     []*Action           `json:"actions,omitempty"`
		Tasks       []*Task             `json:"tasks,omitempty"`
		Transitions []*Transition       `json:"transitions,omitempty"`
		Groups      []*ScreenGroup      `json:"groups,omitempty"`
		Functions   []*BusinessFunction `json:"functions,omitempty"`
		Flows       []*UserFlow         `json:"flows,omitempty"`
		Workflows   []*Workflow         `json:"workflows,omitempty"`
		Features    []*BusinessFeature  `json:"features,omitempty"`
	}
)

// Canonical knowledge-tier action types recognized by the extractor and the
// translator.
const (
	ActionClick        = "click"
	ActionTypeText     = "type"
	ActionNavigate     = "navigate"
	ActionSelectOption = "select_option"
	ActionScroll       = "scroll"
	ActionWait         = "wait"
)

// CanonicalActionTypes lists the action types extraction emits, in stable
// order.
func CanonicalActionTypes() []string {
	return []string{ActionClick, ActionTypeText, ActionNavigate, ActionSelectOption, ActionScroll, ActionWait}
}

// Counts returns per-entity totals, used for progress reporting.
func (s *Set) Counts() map[string]int {
	return map[string]int{
		"screens":     len(s.Screens),
		"actions":     len(s.Actions),
		"tasks":       len(s.Tasks),
		"transitions": len(s.Transitions),
		"groups":      len(s.Groups),
		"functions":   len(s.Functions),
		"flows":       len(s.Flows),
		"workflows":   len(s.Workflows),
		"features":    len(s.Features),
	}
}

// ScreenByID returns the screen with the given ID, or nil.
func (s *Set) ScreenByID(id string) *Screen {
	for _, sc := range s.Screens {
		if sc.ScreenID == id {
			return sc
		}
	}
	return nil
}

// ActionByID returns the action with the given ID, or nil.
func (s *Set) ActionByID(id string) *Action {
	for _, a := range s.Actions {
		if a.ActionID == id {
			return a
		}
	}
	return nil
}

// TaskByID returns the task with the given ID, or nil.
func (s *Set) TaskByID(id string) *Task {
	for _, t := range s.Tasks {
		if t.TaskID == id {
			return t
		}
	}
	return nil
}
