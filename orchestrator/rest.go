package orchestrator

import (
	"context"
	"fmt"
	"net/http"

	goahttp "goa.design/goa/v3/http"

	"goa.design/pilot/knowledge"
	"goa.design/pilot/knowledge/flow"
	"goa.design/pilot/knowledge/ingest"
	"goa.design/pilot/wire"
)

// mountREST wires the ingestion, graph, entity and workflow endpoints.
func (s *Service) mountREST(mux goahttp.Muxer) {
	mux.Handle("POST", "/rpc", s.handleRPC)
	mux.Handle("POST", "/ingest/start", s.handleIngestStart)
	mux.Handle("POST", "/ingest/upload", s.handleIngestUpload)
	mux.Handle("POST", "/graph/query", s.handleGraphQuery)
	mux.Handle("POST", "/verify/start", s.handleVerifyStart)
	mux.Handle("GET", "/workflows/status/{job_id}", s.entityHandler(mux, s.jobStatus))

	mux.Handle("GET", "/screens", s.listHandler(s.listScreens))
	mux.Handle("GET", "/tasks", s.listHandler(s.listTasks))
	mux.Handle("GET", "/actions", s.listHandler(s.listActions))
	mux.Handle("GET", "/transitions", s.listHandler(s.listTransitions))
	mux.Handle("GET", "/screens/{id}", s.entityHandler(mux, s.getScreen))
	mux.Handle("GET", "/tasks/{id}", s.entityHandler(mux, s.getTask))
	mux.Handle("GET", "/actions/{id}", s.entityHandler(mux, s.getAction))
	mux.Handle("GET", "/transitions/{id}", s.entityHandler(mux, s.getTransition))
}

// respond encodes one REST result. Failures carry the taxonomy error as the
// body so REST and RPC consumers share one error shape.
func (s *Service) respond(w http.ResponseWriter, r *http.Request, data any, err error) {
	enc := goahttp.ResponseEncoder(r.Context(), w)
	if err != nil {
		s.log.Warn(r.Context(), "request failed", "path", r.URL.Path, "err", err)
		w.WriteHeader(httpStatus(err))
		_ = enc.Encode(asWireError(err))
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = enc.Encode(data)
}

func decodeBody(r *http.Request, v any) error {
	if err := goahttp.RequestDecoder(r).Decode(v); err != nil {
		return wire.Errorf(wire.CodeMalformedEnvelope, "decode request: %v", err)
	}
	return nil
}

// handleRPC dispatches one tool invocation. The response status is 200 even
// for failed invocations; the outcome lives in the envelope.
func (s *Service) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req ToolRequest
	if err := decodeBody(r, &req); err != nil {
		s.respond(w, r, nil, err)
		return
	}
	enc := goahttp.ResponseEncoder(r.Context(), w)
	w.WriteHeader(http.StatusOK)
	_ = enc.Encode(s.Invoke(r.Context(), req))
}

func (s *Service) handleIngestStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KnowledgeID string        `json:"knowledge_id"`
		WebsiteID   string        `json:"website_id"`
		Source      ingest.Source `json:"source"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.respond(w, r, nil, err)
		return
	}
	job, err := s.pipeline.Start(r.Context(), flow.StartRequest{
		KnowledgeID: req.KnowledgeID,
		WebsiteID:   req.WebsiteID,
		Source:      req.Source,
	})
	if err == nil {
		s.rememberScope(req.WebsiteID, job.KnowledgeID)
	}
	s.respond(w, r, job, err)
}

// handleIngestUpload accepts one upload or a batch and starts an extraction
// per fetched object. A batch is all-or-nothing on the fetch side: the first
// object that cannot be retrieved fails the request before any run starts.
func (s *Service) handleIngestUpload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KnowledgeID string          `json:"knowledge_id"`
		WebsiteID   string          `json:"website_id"`
		Upload      *ingest.Upload  `json:"upload,omitempty"`
		Uploads     []ingest.Upload `json:"uploads,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.respond(w, r, nil, err)
		return
	}
	uploads := req.Uploads
	if req.Upload != nil {
		uploads = append([]ingest.Upload{*req.Upload}, uploads...)
	}
	if len(uploads) == 0 {
		s.respond(w, r, nil, wire.Errorf(wire.CodeInvalidParams, "upload or uploads is required"))
		return
	}

	sources := make([]*ingest.Source, 0, len(uploads))
	for _, up := range uploads {
		src, err := s.download.SourceFromUpload(r.Context(), req.KnowledgeID, up)
		if err != nil {
			s.respond(w, r, nil, err)
			return
		}
		sources = append(sources, src)
	}

	jobs := make([]*knowledge.Job, 0, len(sources))
	for _, src := range sources {
		job, err := s.pipeline.Start(r.Context(), flow.StartRequest{
			KnowledgeID: req.KnowledgeID,
			WebsiteID:   req.WebsiteID,
			Source:      *src,
		})
		if err != nil {
			s.respond(w, r, nil, err)
			return
		}
		s.rememberScope(req.WebsiteID, job.KnowledgeID)
		jobs = append(jobs, job)
	}
	if req.Upload != nil && len(jobs) == 1 {
		s.respond(w, r, jobs[0], nil)
		return
	}
	s.respond(w, r, jobs, nil)
}

// handleGraphQuery answers navigation questions against a scope's index.
func (s *Service) handleGraphQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type        string `json:"type"`
		KnowledgeID string `json:"knowledge_id"`
		WebsiteID   string `json:"website_id"`
		FromID      string `json:"from_screen_id"`
		ToID        string `json:"to_screen_id"`
		ScreenID    string `json:"screen_id"`
		Query       string `json:"query"`
		Limit       int    `json:"limit"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.respond(w, r, nil, err)
		return
	}
	id, err := s.resolveScope(req.KnowledgeID, req.WebsiteID)
	if err != nil {
		s.respond(w, r, nil, err)
		return
	}
	idx, err := s.index(r.Context(), id)
	if err != nil {
		s.respond(w, r, nil, err)
		return
	}

	switch req.Type {
	case "find_path":
		path, found, err := s.graphs.FindPath(r.Context(), id, req.FromID, req.ToID)
		if err != nil {
			s.respond(w, r, nil, err)
			return
		}
		s.respond(w, r, map[string]any{"found": found, "path": path}, nil)

	case "get_neighbors":
		if idx.Screen(req.ScreenID) == nil {
			s.respond(w, r, nil, notFound("screen", req.ScreenID))
			return
		}
		s.respond(w, r, map[string]any{
			"out": idx.Out(req.ScreenID),
			"in":  idx.In(req.ScreenID),
		}, nil)

	case "search_screens":
		s.respond(w, r, idx.SearchScreens(req.Query, req.Limit), nil)

	case "get_transitions":
		if idx.Screen(req.ScreenID) == nil {
			s.respond(w, r, nil, notFound("screen", req.ScreenID))
			return
		}
		s.respond(w, r, idx.Transitions(req.ScreenID), nil)

	default:
		s.respond(w, r, nil, wire.Errorf(wire.CodeInvalidParams, "unknown graph query type %q", req.Type))
	}
}

func (s *Service) handleVerifyStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KnowledgeID string `json:"knowledge_id"`
		WebsiteID   string `json:"website_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.respond(w, r, nil, err)
		return
	}
	id, err := s.resolveScope(req.KnowledgeID, req.WebsiteID)
	if err != nil {
		s.respond(w, r, nil, err)
		return
	}
	job, err := s.pipeline.StartVerify(r.Context(), flow.VerifyRequest{
		KnowledgeID: id,
		WebsiteID:   req.WebsiteID,
	})
	s.respond(w, r, job, err)
}

// entityHandler adapts a path-variable lookup into an HTTP handler. The
// knowledge scope comes from the knowledge_id or website_id query parameter.
func (s *Service) entityHandler(mux goahttp.Muxer, get func(ctx context.Context, scope, id string) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		id := vars["id"]
		if id == "" {
			id = vars["job_id"]
		}
		scope, err := s.queryScope(r)
		if err != nil {
			s.respond(w, r, nil, err)
			return
		}
		data, err := get(r.Context(), scope, id)
		s.respond(w, r, data, err)
	}
}

// listHandler adapts a scope-wide list into an HTTP handler.
func (s *Service) listHandler(list func(ctx context.Context, scope string) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope, err := s.queryScope(r)
		if err != nil {
			s.respond(w, r, nil, err)
			return
		}
		data, err := list(r.Context(), scope)
		s.respond(w, r, data, err)
	}
}

// queryScope resolves the knowledge scope addressed by the request's query
// parameters. Workflow status lookups need no scope, so an empty result is
// allowed here and enforced by the getters that require one.
func (s *Service) queryScope(r *http.Request) (string, error) {
	q := r.URL.Query()
	knowledgeID := q.Get("knowledge_id")
	websiteID := q.Get("website_id")
	if knowledgeID == "" && websiteID == "" {
		return "", nil
	}
	return s.resolveScope(knowledgeID, websiteID)
}

func (s *Service) jobStatus(ctx context.Context, _ string, jobID string) (any, error) {
	return s.pipeline.Status(ctx, jobID)
}

func (s *Service) getScreen(ctx context.Context, scope, id string) (any, error) {
	if scope == "" {
		return nil, scopeRequired()
	}
	return s.store.Screen(ctx, scope, id)
}

func (s *Service) getTask(ctx context.Context, scope, id string) (any, error) {
	if scope == "" {
		return nil, scopeRequired()
	}
	return s.store.Task(ctx, scope, id)
}

func (s *Service) getAction(ctx context.Context, scope, id string) (any, error) {
	if scope == "" {
		return nil, scopeRequired()
	}
	return s.store.Action(ctx, scope, id)
}

func (s *Service) getTransition(ctx context.Context, scope, id string) (any, error) {
	if scope == "" {
		return nil, scopeRequired()
	}
	return s.store.Transition(ctx, scope, id)
}

func (s *Service) listScreens(ctx context.Context, scope string) (any, error) {
	if scope == "" {
		return nil, scopeRequired()
	}
	return s.store.ListScreens(ctx, scope)
}

func (s *Service) listTasks(ctx context.Context, scope string) (any, error) {
	if scope == "" {
		return nil, scopeRequired()
	}
	return s.store.ListTasks(ctx, scope)
}

func (s *Service) listActions(ctx context.Context, scope string) (any, error) {
	if scope == "" {
		return nil, scopeRequired()
	}
	return s.store.ListActions(ctx, scope)
}

func (s *Service) listTransitions(ctx context.Context, scope string) (any, error) {
	if scope == "" {
		return nil, scopeRequired()
	}
	return s.store.ListTransitions(ctx, scope)
}

func scopeRequired() error {
	return wire.Errorf(wire.CodeInvalidParams, "knowledge_id or website_id query parameter is required")
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, knowledge.ErrNotFound)
}
