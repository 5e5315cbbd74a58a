package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/pilot/dom"
	"goa.design/pilot/knowledge"
	"goa.design/pilot/knowledge/flow"
	"goa.design/pilot/knowledge/graph"
	"goa.design/pilot/knowledge/ingest"
	"goa.design/pilot/session"
	"goa.design/pilot/wire"
)

type (
	// ToolRequest is one RPC invocation: a tool name plus its arguments
	// object.
	ToolRequest struct {
		Tool      string          `json:"tool"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}

	// ToolResponse is the invocation outcome. Error is set exactly when
	// Success is false and always carries a taxonomy code.
	ToolResponse struct {
		Success bool        `json:"success"`
		Error   *wire.Error `json:"error,omitempty"`
		Data    any         `json:"data,omitempty"`
	}

	// tool pairs a compiled argument schema with its handler. Handlers run
	// only after schema validation passes.
	tool struct {
		schema *jsonschema.Schema
		run    func(ctx context.Context, args json.RawMessage) (any, error)
	}
)

// registerTools compiles the argument schemas and binds every tool handler.
func (s *Service) registerTools() error {
	schemas, err := compileSchemas()
	if err != nil {
		return err
	}
	handlers := map[string]func(context.Context, json.RawMessage) (any, error){
		"start_browser_session":       s.startBrowserSession,
		"pause_browser_session":       s.roomTool(s.sessions.PauseSession),
		"resume_browser_session":      s.roomTool(s.sessions.ResumeSession),
		"close_browser_session":       s.roomTool(s.sessions.CloseSession),
		"recover_browser_session":     s.roomTool(s.sessions.RecoverSession),
		"get_browser_context":         s.getBrowserContext,
		"get_screen_content":          s.getScreenContent,
		"find_form_fields":            s.findFormFields,
		"execute_action":              s.executeAction,
		"start_knowledge_exploration": s.startExploration,
		"get_exploration_status":      s.getExplorationStatus,
		"pause_exploration":           s.pauseExploration,
		"resume_exploration":          s.resumeExploration,
		"cancel_exploration":          s.cancelExploration,
		"get_knowledge_results":       s.getKnowledgeResults,
		"query_knowledge":             s.queryKnowledge,
	}
	s.tools = make(map[string]tool, len(handlers))
	for name, h := range handlers {
		schema, ok := schemas[name]
		if !ok {
			return fmt.Errorf("tool %s has no argument schema", name)
		}
		s.tools[name] = tool{schema: schema, run: h}
	}
	return nil
}

// ToolNames returns the registered tool names, sorted.
func (s *Service) ToolNames() []string {
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke dispatches one tool request. Unknown tools and schema violations
// never reach a handler; every failure is reported as a structured error
// with Success false, not a transport error.
func (s *Service) Invoke(ctx context.Context, req ToolRequest) ToolResponse {
	t, ok := s.tools[req.Tool]
	if !ok {
		return errResponse(wire.Errorf(wire.CodeInvalidParams, "unknown tool %q", req.Tool))
	}
	args := req.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var doc any
	if err := json.Unmarshal(args, &doc); err != nil {
		return errResponse(wire.Errorf(wire.CodeMalformedEnvelope, "arguments are not valid JSON: %v", err))
	}
	if err := t.schema.Validate(doc); err != nil {
		return errResponse(wire.Errorf(wire.CodeSchemaValidationFailed, "%s: %v", req.Tool, err))
	}

	started := time.Now()
	data, err := t.run(ctx, args)
	s.metrics.RecordTimer("orchestrator.tool", time.Since(started), "tool", req.Tool)
	if err != nil {
		s.log.Warn(ctx, "tool failed", "tool", req.Tool, "err", err)
		return errResponse(asWireError(err))
	}
	return ToolResponse{Success: true, Data: data}
}

func errResponse(err error) ToolResponse {
	return ToolResponse{Success: false, Error: asWireError(err)}
}

// roomTool adapts the manager's room-keyed lifecycle methods into tool
// handlers returning the room's context after the change.
func (s *Service) roomTool(op func(context.Context, string) error) func(context.Context, json.RawMessage) (any, error) {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			RoomName string `json:"room_name"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, wire.Wrap(wire.CodeMalformedEnvelope, err)
		}
		if err := op(ctx, in.RoomName); err != nil {
			return nil, err
		}
		// Closed rooms have no context anymore; the room name is enough.
		sc, err := s.sessions.GetContext(ctx, in.RoomName)
		if err != nil {
			return map[string]any{"room_name": in.RoomName}, nil
		}
		return sc, nil
	}
}

func (s *Service) startBrowserSession(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		RoomName   string       `json:"room_name"`
		Identity   string       `json:"identity"`
		InitialURL string       `json:"initial_url"`
		UserAgent  string       `json:"user_agent"`
		FPS        int          `json:"fps"`
		Viewport   dom.Viewport `json:"viewport"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, wire.Wrap(wire.CodeMalformedEnvelope, err)
	}
	if _, err := s.sessions.StartSession(ctx, session.Config{
		RoomName:   in.RoomName,
		Identity:   in.Identity,
		Viewport:   in.Viewport,
		FPS:        in.FPS,
		InitialURL: in.InitialURL,
		UserAgent:  in.UserAgent,
	}); err != nil {
		return nil, err
	}
	return s.sessions.GetContext(ctx, in.RoomName)
}

func (s *Service) getBrowserContext(ctx context.Context, args json.RawMessage) (any, error) {
	room, err := roomArg(args)
	if err != nil {
		return nil, err
	}
	return s.sessions.GetContext(ctx, room)
}

func (s *Service) getScreenContent(ctx context.Context, args json.RawMessage) (any, error) {
	room, err := roomArg(args)
	if err != nil {
		return nil, err
	}
	return s.sessions.GetScreenContent(ctx, room)
}

func (s *Service) findFormFields(ctx context.Context, args json.RawMessage) (any, error) {
	room, err := roomArg(args)
	if err != nil {
		return nil, err
	}
	return s.sessions.FindFormFields(ctx, room)
}

// executeAction builds a command envelope from the tool arguments and
// dispatches it synchronously. The update is returned to the caller only;
// the RPC path appends nothing to the state stream.
func (s *Service) executeAction(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		RoomName   string          `json:"room_name"`
		ActionType string          `json:"action_type"`
		Params     json.RawMessage `json:"params"`
		TimeoutMS  int64           `json:"timeout_ms"`
		CommandID  string          `json:"command_id"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, wire.Wrap(wire.CodeMalformedEnvelope, err)
	}
	if in.CommandID == "" {
		in.CommandID = uuid.NewString()
	}
	env := &wire.ActionEnvelope{
		Version:    wire.ProtocolVersion,
		CommandID:  in.CommandID,
		RoomName:   in.RoomName,
		ActionType: in.ActionType,
		Params:     in.Params,
		TimeoutMS:  in.TimeoutMS,
		IssuedAtMS: time.Now().UnixMilli(),
	}
	return s.sessions.ExecuteSync(ctx, env)
}

func (s *Service) startExploration(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		KnowledgeID string        `json:"knowledge_id"`
		WebsiteID   string        `json:"website_id"`
		Source      ingest.Source `json:"source"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, wire.Wrap(wire.CodeMalformedEnvelope, err)
	}
	job, err := s.pipeline.Start(ctx, flow.StartRequest{
		KnowledgeID: in.KnowledgeID,
		WebsiteID:   in.WebsiteID,
		Source:      in.Source,
	})
	if err != nil {
		return nil, err
	}
	s.rememberScope(in.WebsiteID, job.KnowledgeID)
	return job, nil
}

func (s *Service) getExplorationStatus(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, wire.Wrap(wire.CodeMalformedEnvelope, err)
	}
	return s.pipeline.Status(ctx, in.JobID)
}

func (s *Service) pauseExploration(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		JobID       string `json:"job_id"`
		Reason      string `json:"reason"`
		RequestedBy string `json:"requested_by"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, wire.Wrap(wire.CodeMalformedEnvelope, err)
	}
	if err := s.pipeline.Pause(ctx, in.JobID, in.Reason, in.RequestedBy); err != nil {
		return nil, err
	}
	return s.pipeline.Status(ctx, in.JobID)
}

func (s *Service) resumeExploration(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		JobID       string `json:"job_id"`
		RequestedBy string `json:"requested_by"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, wire.Wrap(wire.CodeMalformedEnvelope, err)
	}
	if err := s.pipeline.Resume(ctx, in.JobID, in.RequestedBy); err != nil {
		return nil, err
	}
	return s.pipeline.Status(ctx, in.JobID)
}

func (s *Service) cancelExploration(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		JobID       string `json:"job_id"`
		Reason      string `json:"reason"`
		RequestedBy string `json:"requested_by"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, wire.Wrap(wire.CodeMalformedEnvelope, err)
	}
	if err := s.pipeline.Cancel(ctx, in.JobID, in.Reason, in.RequestedBy); err != nil {
		return nil, err
	}
	return s.pipeline.Status(ctx, in.JobID)
}

func (s *Service) getKnowledgeResults(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		KnowledgeID string `json:"knowledge_id"`
		WebsiteID   string `json:"website_id"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, wire.Wrap(wire.CodeMalformedEnvelope, err)
	}
	id, err := s.resolveScope(in.KnowledgeID, in.WebsiteID)
	if err != nil {
		return nil, err
	}
	return knowledge.ReadSet(ctx, s.store, id)
}

// queryKnowledge answers read-only graph questions. page identifies the
// screen an observation was taken on; search ranks screens by free text;
// links lists outbound transitions; the sitemap variants return the
// semantic grouping and the business-function view respectively.
func (s *Service) queryKnowledge(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		QueryType   string `json:"query_type"`
		KnowledgeID string `json:"knowledge_id"`
		WebsiteID   string `json:"website_id"`
		URL         string `json:"url"`
		Text        string `json:"text"`
		Query       string `json:"query"`
		ScreenID    string `json:"screen_id"`
		Limit       int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, wire.Wrap(wire.CodeMalformedEnvelope, err)
	}
	id, err := s.resolveScope(in.KnowledgeID, in.WebsiteID)
	if err != nil {
		return nil, err
	}
	idx, err := s.index(ctx, id)
	if err != nil {
		return nil, err
	}

	switch in.QueryType {
	case "page":
		match, ok := idx.MatchScreen(graph.Observation{URL: in.URL, Text: in.Text})
		if !ok {
			return map[string]any{"matched": false}, nil
		}
		return map[string]any{"matched": true, "screen": match.Screen, "score": match.Score}, nil

	case "search":
		if in.Query == "" {
			return nil, wire.Errorf(wire.CodeInvalidParams, "search needs a query")
		}
		limit := in.Limit
		if limit == 0 {
			limit = 10
		}
		return idx.SearchScreens(in.Query, limit), nil

	case "links":
		if in.ScreenID == "" {
			return nil, wire.Errorf(wire.CodeInvalidParams, "links needs a screen_id")
		}
		if idx.Screen(in.ScreenID) == nil {
			return nil, fmt.Errorf("screen %s: %w", in.ScreenID, knowledge.ErrNotFound)
		}
		return idx.Transitions(in.ScreenID), nil

	case "sitemap_semantic":
		return s.semanticSitemap(idx), nil

	case "sitemap_functional":
		funcs, err := s.store.ListFunctions(ctx, id)
		if err != nil {
			return nil, err
		}
		return funcs, nil
	}
	return nil, wire.Errorf(wire.CodeInvalidParams, "unknown query type %q", in.QueryType)
}

type sitemapGroup struct {
	Group   *knowledge.ScreenGroup `json:"group"`
	Screens []*knowledge.Screen    `json:"screens"`
}

// semanticSitemap expands each group's screen IDs into full screens so a
// caller gets the whole map in one round trip.
func (s *Service) semanticSitemap(idx *graph.Index) []sitemapGroup {
	seen := make(map[string]bool)
	var out []sitemapGroup
	for _, sc := range idx.Screens() {
		for _, g := range idx.Groups(sc.ScreenID) {
			if seen[g.GroupID] {
				continue
			}
			seen[g.GroupID] = true
			sg := sitemapGroup{Group: g}
			for _, id := range g.ScreenIDs {
				if member := idx.Screen(id); member != nil {
					sg.Screens = append(sg.Screens, member)
				}
			}
			out = append(out, sg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group.GroupID < out[j].Group.GroupID })
	return out
}

func roomArg(args json.RawMessage) (string, error) {
	var in struct {
		RoomName string `json:"room_name"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", wire.Wrap(wire.CodeMalformedEnvelope, err)
	}
	return in.RoomName, nil
}
