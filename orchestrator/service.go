// Package orchestrator exposes the session and knowledge tiers over HTTP: an
// MCP-style RPC endpoint dispatching named tools with schema-validated
// arguments, and a REST surface for ingestion, graph queries, entity reads
// and workflow status. The package owns no domain logic; it translates
// between the wire and the session manager, the extraction pipeline, the
// knowledge store and the graph cache.
package orchestrator

import (
	"context"
	"errors"
	"sync"

	"goa.design/pilot/knowledge"
	"goa.design/pilot/knowledge/flow"
	"goa.design/pilot/knowledge/graph"
	"goa.design/pilot/knowledge/ingest"
	"goa.design/pilot/session"
	"goa.design/pilot/telemetry"
	"goa.design/pilot/wire"
)

type (
	// Options configures a Service.
	Options struct {
		// Sessions is the browser session manager. Required.
		Sessions *session.Manager
		// Pipeline runs knowledge extraction. Required.
		Pipeline *flow.Pipeline
		// Store is the knowledge persistence surface. Required.
		Store knowledge.Store
		// Graphs is the navigation index cache. Defaults to a fresh cache
		// over Store.
		Graphs *graph.Cache
		// Downloader fetches uploaded objects for /ingest/upload. Defaults
		// to one over http.DefaultClient.
		Downloader *ingest.Downloader
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to no-op metrics.
		Metrics telemetry.Metrics
	}

	// Service is the HTTP-facing orchestration layer.
	Service struct {
		sessions *session.Manager
		pipeline *flow.Pipeline
		store    knowledge.Store
		graphs   *graph.Cache
		download *ingest.Downloader
		tools    map[string]tool
		log      telemetry.Logger
		metrics  telemetry.Metrics

		// scopes maps website IDs to the knowledge scope their latest
		// extraction wrote. A view over started jobs, never persisted; the
		// authoritative association lives on the job rows.
		mu     sync.RWMutex
		scopes map[string]string
	}
)

// New validates options and builds the service.
func New(opts Options) (*Service, error) {
	if opts.Sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if opts.Pipeline == nil {
		return nil, errors.New("extraction pipeline is required")
	}
	if opts.Store == nil {
		return nil, errors.New("knowledge store is required")
	}
	s := &Service{
		sessions: opts.Sessions,
		pipeline: opts.Pipeline,
		store:    opts.Store,
		graphs:   opts.Graphs,
		download: opts.Downloader,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		scopes:   make(map[string]string),
	}
	if s.graphs == nil {
		s.graphs = graph.NewCache(opts.Store)
	}
	if s.download == nil {
		s.download = ingest.NewDownloader(nil)
	}
	if s.log == nil {
		s.log = telemetry.NewNoopLogger()
	}
	if s.metrics == nil {
		s.metrics = telemetry.NewNoopMetrics()
	}
	if err := s.registerTools(); err != nil {
		return nil, err
	}
	return s, nil
}

// rememberScope records which knowledge scope a website's latest extraction
// targets so later queries can address it by website ID.
func (s *Service) rememberScope(websiteID, knowledgeID string) {
	if websiteID == "" || knowledgeID == "" {
		return
	}
	s.mu.Lock()
	s.scopes[websiteID] = knowledgeID
	s.mu.Unlock()
}

// resolveScope returns the knowledge scope addressed by a request carrying
// either a knowledge ID or a website ID.
func (s *Service) resolveScope(knowledgeID, websiteID string) (string, error) {
	if knowledgeID != "" {
		return knowledgeID, nil
	}
	if websiteID == "" {
		return "", wire.Errorf(wire.CodeInvalidParams, "knowledge_id or website_id is required")
	}
	s.mu.RLock()
	id, ok := s.scopes[websiteID]
	s.mu.RUnlock()
	if !ok {
		return "", wire.Errorf(wire.CodeInvalidParams, "unknown website %q, run an extraction first or address the knowledge_id directly", websiteID)
	}
	return id, nil
}

// index returns the graph index of a scope, building it on first use.
func (s *Service) index(ctx context.Context, knowledgeID string) (*graph.Index, error) {
	return s.graphs.Index(ctx, knowledgeID)
}
