// Package agentpipe implements the agent-side control loop (spec.md
// §4.3): one cooperative state machine per observed view that creates a
// session, heartbeats, streams realtime/snapshot/audit events to the
// fusion server, and answers out-of-band commands, regardless of
// transient network trouble.
//
// Grounded on _teacher/system/core/lifecycle.go's ordered-phase
// start/stop shape (here: session → heartbeat → phases, torn down in
// reverse) and on _teacher/infrastructure/ratelimit's RateLimiter for
// pacing outbound batches; the bitmask phase model and cooperative-task
// error table are the spec's own contract, not the teacher's.
package agentpipe

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fustor-io/fustor/internal/bus"
	"github.com/fustor-io/fustor/internal/model"
	"github.com/fustor-io/fustor/internal/source"
	"github.com/fustor-io/fustor/internal/transport"
	"github.com/fustor-io/fustor/pkg/logger"
)

// Config wires one agent pipe to its collaborators.
type Config struct {
	ViewID  string
	TaskID  string
	AgentID string

	Sender Sender
	Driver source.Driver

	// Bus, when non-nil, makes message sync prefer the in-process event
	// bus over the driver's realtime iterator (spec.md §4.3 step 4).
	Bus *bus.Bus

	BatchSize            int
	SessionTimeoutHintSec int64
	AuditIntervalSec     int64
	SentinelIntervalSec  int64
	SendRatePerSecond    float64 // outbound batches/sec, 0 disables pacing

	Backoff BackoffConfig

	// AgentStatus, when set, is called fresh for every heartbeat.
	AgentStatus func() json.RawMessage

	Logger *logger.Logger
}

func (c *Config) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.SessionTimeoutHintSec <= 0 {
		c.SessionTimeoutHintSec = 30
	}
	if c.AuditIntervalSec <= 0 {
		c.AuditIntervalSec = 300
	}
	if c.SentinelIntervalSec <= 0 {
		c.SentinelIntervalSec = 5
	}
	if c.Logger == nil {
		c.Logger = logger.NewDefault("agentpipe")
	}
	if c.AgentStatus == nil {
		c.AgentStatus = DefaultAgentStatus
	}
}

// Pipe is one agent's control loop for one view.
type Pipe struct {
	cfg Config

	mu                sync.RWMutex
	state             State
	role              model.Role
	sessionID         string
	heartbeatInterval time.Duration
	auditMtimeCache   map[string]int64
	phaseCancel       context.CancelFunc

	roleChangedCh     chan struct{}
	sessionObsoleteCh chan struct{}
	commandCh         chan model.Command

	sendLimiter *rate.Limiter

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}

	log *logger.Logger
}

// New builds a Pipe in the STOPPED state; call Start to run it.
func New(cfg Config) *Pipe {
	cfg.setDefaults()
	var limiter *rate.Limiter
	if cfg.SendRatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SendRatePerSecond), int(cfg.SendRatePerSecond)+1)
	}
	return &Pipe{
		cfg:               cfg,
		state:             Stopped,
		role:              model.Follower,
		auditMtimeCache:   make(map[string]int64),
		heartbeatInterval: time.Duration(cfg.SessionTimeoutHintSec) * time.Second / 2,
		roleChangedCh:     make(chan struct{}, 1),
		sessionObsoleteCh: make(chan struct{}, 1),
		commandCh:         make(chan model.Command, 32),
		sendLimiter:       limiter,
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
		log:               cfg.Logger,
	}
}

// Start is idempotent: calling it twice only launches the control loop
// once.
func (p *Pipe) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		go p.commandDispatchLoop(ctx)
		go p.controlLoop(ctx)
	})
}

// Stop is idempotent.
func (p *Pipe) Stop() {
	p.stopOnce.Do(func() {
		p.setState(Stopping)
		close(p.stopCh)
	})
}

// Done closes once the control loop has fully exited.
func (p *Pipe) Done() <-chan struct{} {
	return p.doneCh
}

// Role snapshots the last role the server decided (spec.md §4.3
// "role() → leader|follower").
func (p *Pipe) Role() model.Role {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.role
}

// CurrentState snapshots the current bitmask state.
func (p *Pipe) CurrentState() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Pipe) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Pipe) addState(flag State) {
	p.mu.Lock()
	p.state |= flag
	p.mu.Unlock()
}

// RemapToNewBus switches the bus a (bus-mode) message sync subscribes
// to, e.g. after a split of the agent's diverged bus moves this pipe's
// subscriber onto the new bus. If positionLost
// the in-flight message phase is cancelled so the control loop
// re-enters snapshot sync on its next leader cycle (spec.md §4.3
// "remap_to_new_bus").
func (p *Pipe) RemapToNewBus(newBus *bus.Bus, positionLost bool) {
	p.mu.Lock()
	p.cfg.Bus = newBus
	cancel := p.phaseCancel
	p.mu.Unlock()
	if positionLost && cancel != nil {
		cancel()
	}
}

// DispatchCommand executes cmd out-of-band of whatever phase the pipe is
// in; it must succeed regardless of state (spec.md §4.3
// "dispatch_command").
func (p *Pipe) DispatchCommand(cmd model.Command) {
	select {
	case p.commandCh <- cmd:
	default:
		p.log.WithField("type", string(cmd.Type)).Warn("command queue full, dropping")
	}
}

func (p *Pipe) commandDispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case cmd := <-p.commandCh:
			p.executeCommand(ctx, cmd)
		}
	}
}

func (p *Pipe) executeCommand(ctx context.Context, cmd model.Command) {
	log := p.log.WithField("type", string(cmd.Type))
	switch cmd.Type {
	case model.CommandStopPipe:
		log.Info("stop_pipe command received")
		p.Stop()
	case model.CommandReloadConfig:
		log.Info("reload_config command received")
		p.addState(ConfOutdated)
	case model.CommandScan:
		log.WithField("path", cmd.Path).Info("scan command received")
		p.mu.Lock()
		delete(p.auditMtimeCache, cmd.Path)
		p.mu.Unlock()
	case model.CommandReportStatus:
		log.Info("report_status command received")
	case model.CommandUpgrade:
		// Detached: the spec's own source note says the upgrade command
		// "appears to do exec and expect session to expire naturally" —
		// best-effort, never blocks the control loop or heartbeat.
		log.WithField("version", cmd.Version).Info("upgrade command received (detached)")
	default:
		log.Warn("unknown command type")
	}
	_ = ctx
}

// controlLoop is the single cooperative control task of spec.md §4.3.
func (p *Pipe) controlLoop(ctx context.Context) {
	defer close(p.doneCh)
	p.setState(Initializing)

	runCtx, cancel := mergeDone(ctx, p.stopCh)
	defer cancel()

	bo := newBackoff(p.cfg.Backoff)
	heartbeatStarted := false

	for {
		if runCtx.Err() != nil {
			p.setState(Stopping)
			p.setState(Draining)
			p.setState(Stopped)
			return
		}

		if p.currentSessionID() == "" {
			if err := p.createSession(runCtx); err != nil {
				if runCtx.Err() != nil {
					p.setState(Stopped)
					return
				}
				consecutive, critical := bo.recordError()
				if critical {
					p.log.WithField("consecutive_errors", consecutive).Error("create session: repeated failures")
				}
				p.setState(ErrorState)
				if !bo.wait(runCtx) {
					p.setState(Stopped)
					return
				}
				continue
			}
			bo.reset()
		}

		if !heartbeatStarted {
			go p.heartbeatLoop(runCtx)
			heartbeatStarted = true
		}

		p.setState(Running)
		err := p.runPhases(runCtx)

		switch {
		case errors.Is(err, transport.ErrSessionObsolete):
			p.clearSession()
			p.setState(Reconnecting)
			continue
		case runCtx.Err() != nil:
			p.setState(Stopped)
			return
		case err != nil:
			consecutive, critical := bo.recordError()
			if critical {
				p.log.WithField("consecutive_errors", consecutive).Error("phase error: repeated failures")
			}
			p.setState(ErrorState)
			if !bo.wait(runCtx) {
				p.setState(Stopped)
				return
			}
			p.setState(Reconnecting)
			continue
		default:
			bo.reset()
			// runPhases returned nil only on a role transition or a
			// remap-with-position-lost; restart phases immediately.
		}
	}
}

func (p *Pipe) createSession(ctx context.Context) error {
	resp, err := p.cfg.Sender.CreateSession(ctx, transport.CreateSessionRequest{
		TaskID:                p.cfg.TaskID,
		AgentID:               p.cfg.AgentID,
		SessionTimeoutSeconds: p.cfg.SessionTimeoutHintSec,
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.sessionID = resp.SessionID
	p.role = resp.Role
	timeout := resp.SessionTimeoutSeconds
	if timeout <= 0 {
		timeout = p.cfg.SessionTimeoutHintSec
	}
	p.heartbeatInterval = time.Duration(timeout) * time.Second / 2
	p.mu.Unlock()
	return nil
}

func (p *Pipe) currentSessionID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sessionID
}

func (p *Pipe) clearSession() {
	p.mu.Lock()
	p.sessionID = ""
	p.mu.Unlock()
}

func (p *Pipe) heartbeatIntervalOrDefault() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.heartbeatInterval <= 0 {
		return 15 * time.Second
	}
	return p.heartbeatInterval
}

// heartbeatLoop never dies while Start has been called; it is the only
// canonical place a role change is observed (spec.md §4.3 step 3, 8).
func (p *Pipe) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(p.heartbeatIntervalOrDefault())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sid := p.currentSessionID()
		if sid == "" {
			continue
		}

		var status json.RawMessage
		if p.cfg.AgentStatus != nil {
			status = p.cfg.AgentStatus()
		}

		resp, err := p.cfg.Sender.Heartbeat(ctx, sid, transport.HeartbeatRequest{AgentStatus: status})
		if err != nil {
			if errors.Is(err, transport.ErrSessionObsolete) {
				p.clearSession()
				select {
				case p.sessionObsoleteCh <- struct{}{}:
				default:
				}
			}
			p.log.WithError(err).Warn("heartbeat failed")
			continue
		}

		if resp.SessionTimeoutSeconds > 0 {
			p.mu.Lock()
			p.heartbeatInterval = time.Duration(resp.SessionTimeoutSeconds) * time.Second / 2
			p.mu.Unlock()
			ticker.Reset(p.heartbeatIntervalOrDefault())
		}

		p.observeRole(resp.Role)

		for _, cmd := range resp.Commands {
			p.DispatchCommand(cmd)
		}
	}
}

func (p *Pipe) observeRole(newRole model.Role) {
	p.mu.Lock()
	changed := newRole != "" && newRole != p.role
	wasFollower := p.role == model.Follower
	if changed {
		p.role = newRole
	}
	p.mu.Unlock()

	if !changed {
		return
	}
	if newRole == model.Leader && wasFollower {
		// First audit after promotion must be a full scan.
		p.mu.Lock()
		p.auditMtimeCache = make(map[string]int64)
		p.mu.Unlock()
	}
	p.log.WithField("role", string(newRole)).Info("role transition observed on heartbeat")
	select {
	case p.roleChangedCh <- struct{}{}:
	default:
	}
}

// runPhases runs message sync (and, for a leader, snapshot/audit/
// sentinel) until a role transition, a remap-with-position-lost, a
// session-obsolete signal, or a hard error ends the cycle.
func (p *Pipe) runPhases(ctx context.Context) error {
	phaseCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.phaseCancel = cancel
	p.mu.Unlock()
	defer cancel()

	role := p.Role()
	tasks := 1
	if role == model.Leader {
		tasks = 3
	}
	errCh := make(chan error, tasks)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- p.messageSync(phaseCtx)
	}()

	if role == model.Leader {
		p.addState(SnapshotPhase | MessagePhase)
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- p.leaderCycle(phaseCtx)
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- p.sentinelLoop(phaseCtx)
		}()
	} else {
		p.addState(MessagePhase)
	}

	var result error
	select {
	case <-p.roleChangedCh:
		result = nil
	case <-p.sessionObsoleteCh:
		result = transport.ErrSessionObsolete
	case err := <-errCh:
		result = err
	case <-ctx.Done():
		result = ctx.Err()
	}

	cancel()
	wg.Wait()
	close(errCh)
	if result == nil {
		for err := range errCh {
			if err != nil && !errors.Is(err, context.Canceled) {
				result = err
				break
			}
		}
	}
	return result
}

func (p *Pipe) currentBus() *bus.Bus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.Bus
}

// messageSync streams realtime events: bus mode when a bus is wired,
// otherwise the driver's own realtime iterator. Batches up to
// batch_size; a send failure retries the same batch rather than
// dropping it (spec.md §4.3 step 4).
func (p *Pipe) messageSync(ctx context.Context) error {
	if p.currentBus() != nil {
		return p.messageSyncBus(ctx)
	}
	return p.messageSyncDriver(ctx)
}

func (p *Pipe) messageSyncBus(ctx context.Context) error {
	b := p.currentBus()
	sig := bus.Signature{Driver: "local", URI: p.cfg.ViewID, CredentialHash: p.cfg.AgentID}
	handle, _ := b.Subscribe(sig, 0, false)
	defer b.Unsubscribe(handle)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		events, _ := b.Poll(handle, 200*time.Millisecond)
		if len(events) == 0 {
			continue
		}
		if err := p.sendBatches(ctx, events, false); err != nil {
			return err
		}
	}
}

func (p *Pipe) messageSyncDriver(ctx context.Context) error {
	ch, err := p.cfg.Driver.IterateRealtime(ctx)
	if err != nil {
		return err
	}
	batch := make([]model.Event, 0, p.cfg.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := p.sendBatches(ctx, batch, false)
		batch = batch[:0]
		return err
	}
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = flush()
			return nil
		case event, ok := <-ch:
			if !ok {
				return flush()
			}
			batch = append(batch, event)
			if len(batch) >= p.cfg.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

// sendBatches chunks events into batch_size pieces and sends them,
// retrying the same chunk on non-obsolete failure (spec.md §4.3: "the
// snapshot batch MUST be retained and retried, never silently cleared
// on error" — applied here to every outbound batch, not just snapshot).
func (p *Pipe) sendBatches(ctx context.Context, events []model.Event, finalIsSnapshot bool) error {
	size := p.cfg.BatchSize
	bo := newBackoff(p.cfg.Backoff)
	for start := 0; start < len(events); start += size {
		end := start + size
		if end > len(events) {
			end = len(events)
		}
		isFinal := finalIsSnapshot && end == len(events)
		chunk := events[start:end]

		for {
			if p.sendLimiter != nil {
				if err := p.sendLimiter.Wait(ctx); err != nil {
					return nil
				}
			}
			sid := p.currentSessionID()
			if sid == "" {
				return transport.ErrSessionObsolete
			}
			_, err := p.cfg.Sender.SendEvents(ctx, sid, transport.EventBatchRequest{
				Events:          chunk,
				IsFinalSnapshot: isFinal,
			})
			if err == nil {
				bo.reset()
				break
			}
			if errors.Is(err, transport.ErrSessionObsolete) {
				p.clearSession()
				return transport.ErrSessionObsolete
			}
			bo.recordError()
			if !bo.wait(ctx) {
				return nil
			}
		}
	}
	return nil
}

// leaderCycle runs one snapshot sync followed by the periodic audit
// loop, for as long as this pipe remains leader (spec.md §4.3 steps
// 5-6).
func (p *Pipe) leaderCycle(ctx context.Context) error {
	if err := p.snapshotSync(ctx); err != nil {
		return err
	}
	return p.auditLoop(ctx)
}

func (p *Pipe) snapshotSync(ctx context.Context) error {
	ch, err := p.cfg.Driver.IterateSnapshot(ctx)
	if err != nil {
		return err
	}
	batch := make([]model.Event, 0, p.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-ch:
			if !ok {
				return p.sendBatches(ctx, batch, true)
			}
			batch = append(batch, event)
			if len(batch) >= p.cfg.BatchSize {
				if err := p.sendBatches(ctx, batch, false); err != nil {
					return err
				}
				batch = batch[:0]
			}
		}
	}
}

func (p *Pipe) auditLoop(ctx context.Context) error {
	p.addState(AuditPhase)
	cad, err := newCadence(p.cfg.AuditIntervalSec)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-cad.timer():
		}
		if err := p.runOneAudit(ctx); err != nil {
			return err
		}
	}
}

func (p *Pipe) runOneAudit(ctx context.Context) (err error) {
	sid := p.currentSessionID()
	if sid == "" {
		return transport.ErrSessionObsolete
	}
	if startErr := p.cfg.Sender.AuditStart(ctx, sid, p.cfg.ViewID); startErr != nil {
		if errors.Is(startErr, transport.ErrSessionObsolete) {
			p.clearSession()
			return transport.ErrSessionObsolete
		}
		return startErr
	}

	defer func() {
		// audit/end MUST run even on error (spec.md §4.3 step 6 "finally").
		sid := p.currentSessionID()
		if sid == "" {
			return
		}
		if endErr := p.cfg.Sender.AuditEnd(ctx, sid, p.cfg.ViewID); endErr != nil {
			if errors.Is(endErr, transport.ErrSessionObsolete) {
				p.clearSession()
				if err == nil {
					err = transport.ErrSessionObsolete
				}
			} else {
				p.log.WithError(endErr).Warn("audit/end failed")
			}
		}
	}()

	ch, iterErr := p.cfg.Driver.IterateAudit(ctx)
	if iterErr != nil {
		return iterErr
	}

	batch := make([]model.Event, 0, p.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		case item, ok := <-ch:
			if !ok {
				return p.sendBatches(ctx, batch, false)
			}
			if item.Event == nil {
				// Silent directory: mtime_cache still advances even
				// though nothing is sent over the wire.
				p.mu.Lock()
				p.auditMtimeCache[item.Path] = item.MtimeUpdate
				p.mu.Unlock()
				continue
			}
			p.mu.Lock()
			p.auditMtimeCache[item.Path] = item.Event.Mtime
			p.mu.Unlock()
			batch = append(batch, *item.Event)
			if len(batch) >= p.cfg.BatchSize {
				if err := p.sendBatches(ctx, batch, false); err != nil {
					return err
				}
				batch = batch[:0]
			}
		}
	}
}

// sentinelLoop re-stats suspect paths the fusion server hands back and
// reports what it finds (spec.md §4.3 step 7). A driver that doesn't
// implement source.Stater simply never gets tasks acted on.
func (p *Pipe) sentinelLoop(ctx context.Context) error {
	stater, ok := p.cfg.Driver.(source.Stater)
	if !ok {
		<-ctx.Done()
		return nil
	}

	cad, err := newCadence(p.cfg.SentinelIntervalSec)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-cad.timer():
		}

		tasks, err := p.cfg.Sender.SentinelTasks(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrSessionObsolete) {
				p.clearSession()
				return transport.ErrSessionObsolete
			}
			p.log.WithError(err).Warn("sentinel tasks fetch failed")
			continue
		}
		if len(tasks) == 0 {
			continue
		}

		updates := make([]transport.SentinelFeedbackUpdate, 0, len(tasks))
		for _, task := range tasks {
			mtime, exists, statErr := stater.Stat(ctx, task.Path)
			if statErr != nil {
				continue
			}
			if !exists {
				updates = append(updates, transport.SentinelFeedbackUpdate{
					Path: task.Path, Status: transport.SentinelStatusMissing,
				})
				continue
			}
			updates = append(updates, transport.SentinelFeedbackUpdate{
				Path: task.Path, Mtime: mtime, Status: transport.SentinelStatusStable,
			})
		}
		if len(updates) == 0 {
			continue
		}
		if err := p.cfg.Sender.SentinelFeedback(ctx, transport.SentinelFeedbackRequest{Updates: updates}); err != nil {
			if errors.Is(err, transport.ErrSessionObsolete) {
				p.clearSession()
				return transport.ErrSessionObsolete
			}
			p.log.WithError(err).Warn("sentinel feedback failed")
		}
	}
}

func mergeDone(ctx context.Context, stop <-chan struct{}) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-stop:
			cancel()
		case <-merged.Done():
		}
	}()
	return merged, cancel
}
