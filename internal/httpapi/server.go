// Package httpapi implements the fusion-side HTTP surface: the
// ingestion router (/api/v1/pipe/…) and the query router
// (/api/v1/views/{view_id}/…), per spec.md §6.1.
//
// Grounded on the teacher's gorilla/mux usage in
// infrastructure/middleware and infrastructure/service, with the
// middleware chain supplied by internal/middleware.
package httpapi

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/fustor-io/fustor/internal/arbitrator"
	"github.com/fustor-io/fustor/internal/config"
	"github.com/fustor-io/fustor/internal/fusionpipe"
	"github.com/fustor-io/fustor/internal/metrics"
	"github.com/fustor-io/fustor/internal/middleware"
	"github.com/fustor-io/fustor/internal/session"
	"github.com/fustor-io/fustor/pkg/logger"
)

// ViewSet is one view's wired pair: its arbitrator and the fusion pipes
// that feed it (a view may be fed by more
// than one pipe, e.g. multiple agents observing the same tree). Pipes is
// guarded by mu since a config hot reload (spec.md §6.2/§6.3) can add or
// remove a pipe while request handlers are concurrently reading it.
type ViewSet struct {
	View *arbitrator.View

	mu    sync.RWMutex
	Pipes []*fusionpipe.Pipe
}

// AddPipe appends a newly wired pipe, safe to call while handlers are
// concurrently reading via AnyPipe.
func (vs *ViewSet) AddPipe(p *fusionpipe.Pipe) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.Pipes = append(vs.Pipes, p)
}

// RemovePipe drops p from the set, e.g. once a reload-removed pipe has
// been stopped.
func (vs *ViewSet) RemovePipe(p *fusionpipe.Pipe) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	for i, existing := range vs.Pipes {
		if existing == p {
			vs.Pipes = append(vs.Pipes[:i], vs.Pipes[i+1:]...)
			return
		}
	}
}

// AnyPipe returns the first currently wired pipe, or nil if none.
func (vs *ViewSet) AnyPipe() *fusionpipe.Pipe {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	if len(vs.Pipes) == 0 {
		return nil
	}
	return vs.Pipes[0]
}

// Server wires the session manager, per-view arbitrators/pipes and
// config together behind the HTTP surface.
type Server struct {
	Sessions *session.Manager
	Views    map[string]*ViewSet
	Config   *config.FusionConfig
	Metrics  *metrics.Metrics
	Log      *logger.Logger

	// MonotonicNow must return readings in the same monotonic unit the
	// fusion pipes' consumer goroutines use to arm suspect entries
	// (fusionpipe.Pipe.NowMonotonic), so the sentinel-tasks endpoint's
	// due-ness check lines up with what armed them. Defaults to
	// time.Since(processStart) in whole seconds, matching fusionpipe's own
	// default.
	MonotonicNow func() int64

	router *mux.Router
}

var processStart = time.Now()

func defaultMonotonicNow() int64 { return int64(time.Since(processStart) / time.Second) }

// NewServer builds the full router: ingestion + query + /healthz,
// wrapped in the standard middleware chain. /metrics is not registered
// here; cmd/fustor-fusion adds it to the returned router. A nil Metrics
// gets a fresh, unregistered collector set.
func NewServer(s *Server) http.Handler {
	if s.Log == nil {
		s.Log = logger.NewDefault("httpapi")
	}
	if s.Metrics == nil {
		s.Metrics = metrics.NewWithRegistry("fustor-fusion", nil)
	}
	if s.MonotonicNow == nil {
		s.MonotonicNow = defaultMonotonicNow
	}

	r := mux.NewRouter()
	s.router = r

	resolveView := func(apiKey string) (string, bool) {
		id := s.Config.ViewIDForAPIKey(apiKey)
		return id, id != ""
	}

	ingestion := r.PathPrefix("/api/v1/pipe").Subrouter()
	ingestion.Use(
		middleware.Recovery(s.Log),
		middleware.Logging(s.Log),
		middleware.Metrics(s.Metrics, "fustor-fusion"),
		middleware.BodyLimit(0),
		middleware.Timeout(30*time.Second),
		middleware.APIKeyAuth(resolveView),
	)
	s.registerIngestionRoutes(ingestion)

	query := r.PathPrefix("/api/v1/views/{view_id}").Subrouter()
	query.Use(
		middleware.Recovery(s.Log),
		middleware.Logging(s.Log),
		middleware.Metrics(s.Metrics, "fustor-fusion"),
		middleware.SecurityHeaders(nil),
		middleware.Timeout(10*time.Second),
		middleware.CORS(middleware.CORSConfig{AllowedOrigins: []string{"*"}}),
		middleware.APIKeyAuth(resolveView),
	)
	s.registerQueryRoutes(query)

	health := middleware.NewHealthChecker()
	health.RegisterCheck("views-loaded", func() error {
		if len(s.Views) == 0 {
			return errNoViewsConfigured
		}
		return nil
	})
	r.Handle("/healthz", health.Handler()).Methods(http.MethodGet)

	return r
}

var errNoViewsConfigured = errors.New("no views configured")

// viewSet resolves a view id to its ViewSet, or nil if unknown.
func (s *Server) viewSet(viewID string) *ViewSet {
	return s.Views[viewID]
}

// anyPipe returns the first fusion pipe feeding viewID. Every ingestion
// endpoint routes through it, session-scoped ones included; a session's
// own PipeID is not used to pick the pipe.
func (s *Server) anyPipe(viewID string) *fusionpipe.Pipe {
	vs := s.viewSet(viewID)
	if vs == nil {
		return nil
	}
	return vs.AnyPipe()
}
