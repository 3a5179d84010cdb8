// Command fustor-fusion runs the fusion-side HTTP server described in
// spec.md §4.4-§4.5: one session manager, one arbitrator View and one or
// more fusion pipes per configured view, behind the ingestion and query
// HTTP routers.
//
// Grounded on _teacher/cmd/appserver/main.go's flag parsing, config
// load, and signal-driven graceful shutdown shape, and on
// _teacher/infrastructure/service/runner.go's /metrics registration.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fustor-io/fustor/internal/arbitrator"
	"github.com/fustor-io/fustor/internal/config"
	"github.com/fustor-io/fustor/internal/fusionpipe"
	"github.com/fustor-io/fustor/internal/httpapi"
	"github.com/fustor-io/fustor/internal/metrics"
	"github.com/fustor-io/fustor/internal/session"
	"github.com/fustor-io/fustor/pkg/logger"
)

func main() {
	root := flag.String("config", "", "fusion config root (defaults to $FUSTOR_FUSION_HOME or .)")
	listen := flag.String("listen", "", "HTTP listen address (overrides receivers-config.yaml)")
	logLevel := flag.String("log-level", "info", "log level")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	flag.Parse()

	log := logger.New(logger.Config{Level: *logLevel, Format: *logFormat, Output: "stdout"})

	configRoot := resolveRoot(*root)
	cfg, err := config.LoadFusionConfig(configRoot)
	if err != nil {
		exitOnConfigError(log, err)
	}

	m := metrics.New("fustor-fusion")
	clockStart := time.Now()
	sharedMonotonic := func() int64 { return int64(time.Since(clockStart) / time.Second) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	views := wireViews(cfg, sharedMonotonic)
	hooks := &viewHooks{views: views, config: cfg}
	sessions := session.New(session.Config{Hooks: hooks, Logger: log})

	pipeReg := newPipeRegistry(views, sessions, sharedMonotonic, log)
	pipeReg.sync(ctx, cfg)

	for _, vs := range views {
		go runSweep(ctx, vs.View, sharedMonotonic)
	}

	server := &httpapi.Server{
		Sessions:     sessions,
		Views:        views,
		Config:       cfg,
		Metrics:      m,
		Log:          log,
		MonotonicNow: sharedMonotonic,
	}
	handler := httpapi.NewServer(server)

	if router, ok := handler.(*mux.Router); ok {
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	listenAddr := determineListen(*listen, cfg)
	httpServer := &http.Server{Addr: listenAddr, Handler: handler}

	reloader := config.NewFusionReloader(configRoot, cfg, log.WithField("component", "config-reload"))
	go reloader.Run(ctx, func(next *config.FusionConfig, ev config.FusionReloadEvent) {
		if len(ev.Views.Added) > 0 || len(ev.Views.Removed) > 0 {
			log.WithField("added", ev.Views.Added).WithField("removed", ev.Views.Removed).
				Warn("config reload: view set changed, but views are wired once at startup — restart to apply")
		}
		pipeReg.sync(ctx, next)
		server.Config = next
	})

	go func() {
		log.WithField("addr", listenAddr).Info("fustor-fusion listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server stopped unexpectedly")
			os.Exit(2)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
	cancel()
}

// wireViews builds one arbitrator.View per views-config/*.yaml entry.
// Views are wired once at startup; a reload that adds or removes a view
// id is logged but not applied live (see pipeRegistry for the pipe-level
// hot reload the spec's contract centers on).
func wireViews(cfg *config.FusionConfig, sharedMonotonic func() int64) map[string]*httpapi.ViewSet {
	views := make(map[string]*httpapi.ViewSet, len(cfg.Views))
	for id, vc := range cfg.Views {
		view := arbitrator.NewView(id, arbitrator.Config{
			HotFileThresholdSec:             vc.HotFileThreshold,
			MaxTreeItems:                    vc.MaxTreeItems,
			AuditIntervalSec:                auditIntervalForView(cfg, id),
			RequiresFullResetOnSessionClose: vc.RequiresFullResetOnSessionClose,
		})
		views[id] = &httpapi.ViewSet{View: view}
	}
	return views
}

func auditIntervalForView(cfg *config.FusionConfig, id string) int64 {
	for _, pc := range cfg.Pipes {
		if pc.ViewID == id {
			return pc.AuditIntervalSec
		}
	}
	return config.DefaultPipeOptions().AuditIntervalSec
}

// pipeRegistry tracks the running fusion pipe per configured pipe id, so
// a hot reload (spec.md §6.2/§6.3) can start newly added pipe ids and
// stop removed ones without disturbing unchanged ones or the views they
// feed. A pipe id naming a view that isn't wired is skipped and logged.
type pipeRegistry struct {
	mu              sync.Mutex
	views           map[string]*httpapi.ViewSet
	sessions        *session.Manager
	sharedMonotonic func() int64
	log             *logger.Logger

	running map[string]runningPipe
}

type runningPipe struct {
	pipe   *fusionpipe.Pipe
	viewID string
	cancel context.CancelFunc
}

func newPipeRegistry(views map[string]*httpapi.ViewSet, sessions *session.Manager, sharedMonotonic func() int64, log *logger.Logger) *pipeRegistry {
	return &pipeRegistry{
		views:           views,
		sessions:        sessions,
		sharedMonotonic: sharedMonotonic,
		log:             log,
		running:         make(map[string]runningPipe),
	}
}

func (r *pipeRegistry) sync(parentCtx context.Context, cfg *config.FusionConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, pc := range cfg.Pipes {
		if _, ok := r.running[id]; ok {
			continue
		}
		vs, ok := r.views[pc.ViewID]
		if !ok {
			r.log.WithField("pipe_id", id).WithField("view_id", pc.ViewID).
				Warn("config reload: pipe names an unwired view, skipping")
			continue
		}
		viewID := pc.ViewID
		pipe := fusionpipe.New(fusionpipe.Config{
			ViewID:   viewID,
			Capacity: pc.Capacity,
			Validate: func(sessionID string) bool { return r.sessions.Valid(viewID, sessionID) },
			Consumer: vs.View,
			Logger:   r.log,
		})
		pipe.NowMonotonic = r.sharedMonotonic
		vs.AddPipe(pipe)

		pipeCtx, cancel := context.WithCancel(parentCtx)
		r.running[id] = runningPipe{pipe: pipe, viewID: viewID, cancel: cancel}
		go pipe.Run(pipeCtx)
		r.log.WithField("pipe_id", id).WithField("view_id", viewID).Info("fusion pipe started")
	}

	for id, rp := range r.running {
		if _, ok := cfg.Pipes[id]; ok {
			continue
		}
		rp.cancel()
		if vs, ok := r.views[rp.viewID]; ok {
			vs.RemovePipe(rp.pipe)
		}
		delete(r.running, id)
		r.log.WithField("pipe_id", id).Info("fusion pipe stopped")
	}
}

func runSweep(ctx context.Context, view *arbitrator.View, nowMonotonic func() int64) {
	ticker := time.NewTicker(arbitrator.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			view.SweepSuspects(nowMonotonic())
		}
	}
}

// viewHooks adapts session lifecycle callbacks onto the owning view's
// OnSessionStart/OnSessionClose/Reset methods (spec.md §4.5.6).
type viewHooks struct {
	views  map[string]*httpapi.ViewSet
	config *config.FusionConfig
}

func (h *viewHooks) OnSessionCreated(viewID, sessionID, pipeID string) {
	if vs, ok := h.views[viewID]; ok {
		vs.View.OnSessionStart(sessionID, pipeID)
	}
}

func (h *viewHooks) OnSessionClosed(viewID, sessionID, pipeID string) {
	if vs, ok := h.views[viewID]; ok {
		vs.View.OnSessionClose(sessionID, pipeID)
	}
}

func (h *viewHooks) ResetViewIfNoSessionsRemain(viewID string) {
	vc, ok := h.config.Views[viewID]
	if !ok || !vc.RequiresFullResetOnSessionClose {
		return
	}
	if vs, ok := h.views[viewID]; ok {
		vs.View.Reset()
	}
}

func resolveRoot(flagRoot string) string {
	if trimmed := strings.TrimSpace(flagRoot); trimmed != "" {
		return trimmed
	}
	if env := strings.TrimSpace(os.Getenv("FUSTOR_FUSION_HOME")); env != "" {
		return env
	}
	return "."
}

func determineListen(flagListen string, cfg *config.FusionConfig) string {
	if trimmed := strings.TrimSpace(flagListen); trimmed != "" {
		return trimmed
	}
	if cfg.Receivers.Listen != "" {
		return cfg.Receivers.Listen
	}
	return ":8090"
}

// exitOnConfigError exits with status 1 on any config load failure (a
// validation failure or an unreadable/unparsable file). Status 2 is used
// only for a listen-bind failure, in main.
func exitOnConfigError(log *logger.Logger, err error) {
	if _, ok := err.(*config.ValidationError); ok {
		log.WithError(err).Error("config validation failed")
		os.Exit(1)
	}
	log.WithError(err).Error("config load failed")
	os.Exit(1)
}
