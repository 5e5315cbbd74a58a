package orchestrator

import (
	"context"
	"net/http"
	"time"

	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"
)

// HandlerOptions tunes the assembled HTTP handler.
type HandlerOptions struct {
	// Debug mounts the pprof handlers and the runtime debug-log toggle,
	// and logs request and response bodies when debug logs are on.
	Debug bool
	// Pingers are the dependency probes behind /healthz. The endpoint
	// answers 200 only when every pinger succeeds.
	Pingers []health.Pinger
}

// Handler assembles the full HTTP surface: the RPC endpoint, the REST
// routes, the health check and the debug mounts. The context carries the
// logger the request middleware logs through.
func (s *Service) Handler(ctx context.Context, opts HandlerOptions) http.Handler {
	mux := goahttp.NewMuxer()
	if opts.Debug {
		debug.MountPprofHandlers(debug.Adapt(mux))
		debug.MountDebugLogEnabler(debug.Adapt(mux))
	}
	s.mountREST(mux)
	mux.Handle("GET", "/healthz", health.Handler(health.NewChecker(opts.Pingers...)))

	var handler http.Handler = mux
	if opts.Debug {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)
	return handler
}

// NewServer wraps the handler in an http.Server ready to listen on addr.
func (s *Service) NewServer(ctx context.Context, addr string, opts HandlerOptions) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(ctx, opts),
		ReadHeaderTimeout: 60 * time.Second,
	}
}
