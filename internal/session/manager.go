// Package session implements the per-view session manager described in
// spec.md §4.4: session creation, first-come-first-served non-preemptive
// leader election, heartbeat-driven liveness, and timeout sweeping.
//
// Grounded on _teacher/system/events/router.go's RequestRouter shape —
// an RWMutex-guarded registry with config-driven defaults and a
// Stats()-style snapshot method — adapted from request dispatch to
// session/lease bookkeeping. Session IDs use google/uuid, the same
// library the router's sibling packages in the teacher's module reach
// for wherever a random ID is needed outside the hex-scratch path.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fustor-io/fustor/internal/model"
	"github.com/fustor-io/fustor/pkg/logger"
)

// Role is a session's standing within its view: at most one session per
// view holds Leader at any time. Aliased onto model.Role so the wire
// value is shared verbatim with the agent pipe side.
type Role = model.Role

const (
	Leader   = model.Leader
	Follower = model.Follower
)

// ErrSessionNotFound is returned by Heartbeat/Close when the session_id
// is unknown or was already closed — the HTTP layer maps this to a 419.
var ErrSessionNotFound = errors.New("session: unknown or obsolete session_id")

// Hooks lets the FS view react to session lifecycle events without the
// session manager importing the arbitrator package directly.
type Hooks interface {
	OnSessionCreated(viewID, sessionID, pipeID string)
	OnSessionClosed(viewID, sessionID, pipeID string)
	// ResetViewIfNoSessionsRemain is called after a session closes and
	// the view's session set is empty; it should reset the view iff the
	// view is configured with requires_full_reset_on_session_close.
	ResetViewIfNoSessionsRemain(viewID string)
}

// Session is one agent pipe's registration against a view.
type Session struct {
	ID             string
	ViewID         string
	PipeID         string
	AgentID        string
	TaskID         string
	Role           Role
	CreatedAt      time.Time
	LastActiveAt   time.Time
	TimeoutSeconds int64

	mu              sync.Mutex
	pendingCommands []model.Command
}

func (s *Session) enqueueCommand(cmd model.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingCommands = append(s.pendingCommands, cmd)
}

// snapshot returns a copy of the session's fields for callers that must
// not share the live *Session (and its mutex) outside the manager's
// lock, e.g. a query response. Session embeds a sync.Mutex, so `cp := *s`
// would copy a lock value — copy fields individually instead.
func (s *Session) snapshot() *Session {
	return &Session{
		ID:             s.ID,
		ViewID:         s.ViewID,
		PipeID:         s.PipeID,
		AgentID:        s.AgentID,
		TaskID:         s.TaskID,
		Role:           s.Role,
		CreatedAt:      s.CreatedAt,
		LastActiveAt:   s.LastActiveAt,
		TimeoutSeconds: s.TimeoutSeconds,
	}
}

func (s *Session) drainCommands() []model.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pendingCommands) == 0 {
		return nil
	}
	out := s.pendingCommands
	s.pendingCommands = nil
	return out
}

type viewState struct {
	sessions map[string]*Session // keyed by session ID
	leaderID string              // empty if no leader currently holds the lock
}

// Manager is the server-side session registry for all views.
type Manager struct {
	mu     sync.RWMutex
	views  map[string]*viewState
	hooks  Hooks
	log    *logger.Logger

	serverDefaultTimeoutSec int64
}

// Config configures a Manager.
type Config struct {
	Hooks                   Hooks
	Logger                  *logger.Logger
	ServerDefaultTimeoutSec int64
}

// New returns an empty session manager.
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("session")
	}
	if cfg.ServerDefaultTimeoutSec <= 0 {
		cfg.ServerDefaultTimeoutSec = 30
	}
	return &Manager{
		views:                   make(map[string]*viewState),
		hooks:                   cfg.Hooks,
		log:                     cfg.Logger,
		serverDefaultTimeoutSec: cfg.ServerDefaultTimeoutSec,
	}
}

func (m *Manager) view(viewID string) *viewState {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs, ok := m.views[viewID]
	if !ok {
		vs = &viewState{sessions: make(map[string]*Session)}
		m.views[viewID] = vs
	}
	return vs
}

// Create registers a new session for (viewID, pipeID) and resolves its
// role via first-come-first-served, non-preemptive leader election: the
// session that first claims an empty leader slot holds it until it
// closes; every later session is a follower regardless of arrival order
// after that.
func (m *Manager) Create(viewID, pipeID, agentID, taskID string, clientTimeoutHint int64) *Session {
	vs := m.view(viewID)

	now := time.Now()
	s := &Session{
		ID:             uuid.NewString(),
		ViewID:         viewID,
		PipeID:         pipeID,
		AgentID:        agentID,
		TaskID:         taskID,
		CreatedAt:      now,
		LastActiveAt:   now,
		TimeoutSeconds: maxInt64(clientTimeoutHint, m.serverDefaultTimeoutSec),
	}

	m.mu.Lock()
	if vs.leaderID == "" {
		vs.leaderID = s.ID
		s.Role = Leader
	} else {
		s.Role = Follower
	}
	vs.sessions[s.ID] = s
	m.mu.Unlock()

	m.log.WithField("view_id", viewID).WithField("session_id", s.ID).
		WithField("role", s.Role).Info("session created")

	if m.hooks != nil {
		m.hooks.OnSessionCreated(viewID, s.ID, pipeID)
	}
	return s
}

// Heartbeat updates last_active_at and returns the session's current
// role (letting a follower notice promotion), any pending commands, and
// the resolved session timeout.
func (m *Manager) Heartbeat(viewID, sessionID string) (Role, []model.Command, int64, error) {
	m.mu.Lock()
	vs, ok := m.views[viewID]
	if !ok {
		m.mu.Unlock()
		return "", nil, 0, ErrSessionNotFound
	}
	s, ok := vs.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return "", nil, 0, ErrSessionNotFound
	}

	m.mu.Lock()
	s.LastActiveAt = time.Now()
	role := s.Role
	timeout := s.TimeoutSeconds
	m.mu.Unlock()

	return role, s.drainCommands(), timeout, nil
}

// EnqueueCommand appends a command the management plane wants delivered
// on the session's next heartbeat response.
func (m *Manager) EnqueueCommand(viewID, sessionID string, cmd model.Command) error {
	m.mu.RLock()
	vs, ok := m.views[viewID]
	m.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}
	m.mu.RLock()
	s, ok := vs.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}
	s.enqueueCommand(cmd)
	return nil
}

// Close removes a session (explicit DELETE or timeout sweep), releasing
// and re-electing the leader lock if it held it, and triggers a full
// view reset if the view requires one and no sessions remain.
func (m *Manager) Close(viewID, sessionID string) error {
	m.mu.Lock()
	vs, ok := m.views[viewID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	s, ok := vs.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(vs.sessions, sessionID)

	wasLeader := vs.leaderID == sessionID
	if wasLeader {
		vs.leaderID = ""
		m.reelectLeaderLocked(vs)
	}
	noneRemain := len(vs.sessions) == 0
	m.mu.Unlock()

	m.log.WithField("view_id", viewID).WithField("session_id", sessionID).Info("session closed")

	if m.hooks != nil {
		m.hooks.OnSessionClosed(viewID, sessionID, s.PipeID)
		if noneRemain {
			m.hooks.ResetViewIfNoSessionsRemain(viewID)
		}
	}
	return nil
}

// reelectLeaderLocked picks the surviving session with the earliest
// CreatedAt as the new leader. Must be called with m.mu held.
func (m *Manager) reelectLeaderLocked(vs *viewState) {
	var next *Session
	for _, s := range vs.sessions {
		if next == nil || s.CreatedAt.Before(next.CreatedAt) {
			next = s
		}
	}
	if next == nil {
		return
	}
	next.Role = Leader
	vs.leaderID = next.ID
	for _, s := range vs.sessions {
		if s.ID != next.ID {
			s.Role = Follower
		}
	}
}

// SweepTimeouts closes every session across every view whose
// last_active_at is older than its own timeout, as of now. Intended to
// run on a periodic ticker.
func (m *Manager) SweepTimeouts(now time.Time) {
	m.mu.RLock()
	var stale []struct{ viewID, sessionID string }
	for viewID, vs := range m.views {
		for id, s := range vs.sessions {
			if now.Sub(s.LastActiveAt) > time.Duration(s.TimeoutSeconds)*time.Second {
				stale = append(stale, struct{ viewID, sessionID string }{viewID, id})
			}
		}
	}
	m.mu.RUnlock()

	for _, entry := range stale {
		if err := m.Close(entry.viewID, entry.sessionID); err != nil {
			m.log.WithField("view_id", entry.viewID).WithField("session_id", entry.sessionID).
				WithError(err).Warn("timeout sweep: session already gone")
		}
	}
}

// Valid reports whether sessionID is a currently-open session on viewID.
// The fusion pipe calls this before enqueuing a batch; a false result
// means the caller should fail the request with SessionObsolete (419).
func (m *Manager) Valid(viewID, sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vs, ok := m.views[viewID]
	if !ok {
		return false
	}
	_, ok = vs.sessions[sessionID]
	return ok
}

// Get returns the session (for metadata stamping: agent_id, pipe_id).
func (m *Manager) Get(viewID, sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vs, ok := m.views[viewID]
	if !ok {
		return nil, false
	}
	s, ok := vs.sessions[sessionID]
	return s, ok
}

// Sessions returns a snapshot of every session active on viewID (for the
// /sessions query endpoint).
func (m *Manager) Sessions(viewID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vs, ok := m.views[viewID]
	if !ok {
		return nil
	}
	out := make([]*Session, 0, len(vs.sessions))
	for _, s := range vs.sessions {
		out = append(out, s.snapshot())
	}
	return out
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
