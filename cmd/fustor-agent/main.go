// Command fustor-agent runs the agent-side control loop described in
// spec.md §4.3: one agentpipe.Pipe per configured agent pipe, each
// observing a source and streaming events to its fusion sender.
//
// Grounded on _teacher/cmd/appserver/main.go's flag parsing, config
// load, and signal-driven graceful shutdown shape.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fustor-io/fustor/internal/agentpipe"
	"github.com/fustor-io/fustor/internal/config"
	"github.com/fustor-io/fustor/internal/source"
	"github.com/fustor-io/fustor/internal/transport"
	"github.com/fustor-io/fustor/pkg/logger"
)

func main() {
	home := flag.String("home", "", "agent config home (defaults to $FUSTOR_AGENT_HOME or .)")
	logLevel := flag.String("log-level", "info", "log level")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	flag.Parse()

	root := resolveHome(*home)

	log := logger.New(logger.Config{Level: *logLevel, Format: *logFormat, Output: "stdout"})

	cfg, err := config.LoadAgentConfig(root)
	if err != nil {
		exitOnConfigError(err)
	}

	reg := newPipeRegistry(log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := reg.sync(ctx, cfg); err != nil {
		log.WithError(err).Error("wire agent pipes")
		os.Exit(1)
	}
	if reg.len() == 0 {
		log.Warn("no agent pipes configured, nothing to do")
	}
	log.WithField("agent_id", cfg.AgentID).WithField("pipe_count", reg.len()).Info("fustor-agent started")

	reloader := config.NewAgentReloader(root, cfg, log.WithField("component", "config-reload"))
	go reloader.Run(ctx, func(next *config.AgentConfig, _ config.ReloadEvent) {
		if err := reg.sync(ctx, next); err != nil {
			log.WithError(err).Error("config reload: re-wire agent pipes failed, keeping previous set")
		}
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received")

	cancel()
	reg.stopAll()
}

// pipeRegistry tracks the currently running agentpipe.Pipe per configured
// pipe id, so a hot reload (spec.md §6.2/§6.3) can start newly added ids
// and stop removed ones without disturbing ids that are unchanged.
type pipeRegistry struct {
	mu    sync.Mutex
	log   *logger.Logger
	pipes map[string]*agentpipe.Pipe
}

func newPipeRegistry(log *logger.Logger) *pipeRegistry {
	return &pipeRegistry{log: log, pipes: make(map[string]*agentpipe.Pipe)}
}

func (r *pipeRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pipes)
}

// sync brings the running pipe set in line with cfg.Pipes: builds and
// starts any id not already running, stops and drops any running id no
// longer present. Ids present in both are left untouched — changing an
// existing id's content is ignored per the hot-reload contract, the
// operator must use a new id or restart.
func (r *pipeRegistry) sync(ctx context.Context, cfg *config.AgentConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, pc := range cfg.Pipes {
		if _, ok := r.pipes[id]; ok {
			continue
		}
		pipe, err := buildPipe(cfg, pc, r.log)
		if err != nil {
			return err
		}
		pipe.Start(ctx)
		r.pipes[id] = pipe
		r.log.WithField("pipe_id", id).Info("agent pipe started")
	}

	for id, pipe := range r.pipes {
		if _, ok := cfg.Pipes[id]; ok {
			continue
		}
		stopPipe(pipe, 10*time.Second)
		delete(r.pipes, id)
		r.log.WithField("pipe_id", id).Info("agent pipe stopped")
	}
	return nil
}

func (r *pipeRegistry) stopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var wg sync.WaitGroup
	for _, pipe := range r.pipes {
		wg.Add(1)
		go func(p *agentpipe.Pipe) {
			defer wg.Done()
			stopPipe(p, 10*time.Second)
		}(pipe)
	}
	wg.Wait()
}

func stopPipe(p *agentpipe.Pipe, timeout time.Duration) {
	p.Stop()
	select {
	case <-p.Done():
	case <-time.After(timeout):
	}
}

// buildPipe wires one agentpipe.Pipe for a single agent-pipes-config/*.yaml
// entry, resolving its named source and sender (spec.md §6.2).
func buildPipe(cfg *config.AgentConfig, pc config.AgentPipeConfig, log *logger.Logger) (*agentpipe.Pipe, error) {
	src := cfg.Sources.Sources[pc.SourceName]
	sender := cfg.Senders.Senders[pc.SenderName]

	driver, err := buildDriver(src)
	if err != nil {
		return nil, err
	}

	client := transport.NewClient(sender.BaseURL, sender.APIKey)

	return agentpipe.New(agentpipe.Config{
		ViewID:                pc.ViewID,
		TaskID:                pc.TaskID,
		AgentID:               cfg.AgentID,
		Sender:                client,
		Driver:                driver,
		SessionTimeoutHintSec: pc.SessionTimeoutSeconds,
		AuditIntervalSec:      pc.AuditIntervalSec,
		SentinelIntervalSec:   pc.SentinelIntervalSec,
		Backoff: agentpipe.BackoffConfig{
			Initial:              secondsToDuration(pc.ErrorRetryInterval),
			Multiplier:           pc.BackoffMultiplier,
			Max:                  secondsToDuration(pc.MaxBackoffSeconds),
			MaxConsecutiveErrors: pc.MaxConsecutiveErrors,
		},
		Logger: log,
	}), nil
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

func buildDriver(spec config.SourceSpec) (source.Driver, error) {
	switch spec.Driver {
	case "", "local":
		return source.NewLocalDriver(spec.Root), nil
	default:
		return nil, &config.ValidationError{Field: "sources-config.yaml", Reason: "unknown driver " + spec.Driver}
	}
}

func resolveHome(flagHome string) string {
	if trimmed := strings.TrimSpace(flagHome); trimmed != "" {
		return trimmed
	}
	if env := strings.TrimSpace(os.Getenv("FUSTOR_AGENT_HOME")); env != "" {
		return env
	}
	return "."
}

// exitOnConfigError exits with status 1 on any config load failure: a
// validation failure as well as missing/unreadable files and YAML parse
// errors.
func exitOnConfigError(err error) {
	if _, ok := err.(*config.ValidationError); ok {
		log.Printf("config validation failed: %v", err)
		os.Exit(1)
	}
	log.Printf("config load failed: %v", err)
	os.Exit(1)
}
