package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fustor-io/fustor/internal/model"
)

type fakeHooks struct {
	created []string
	closed  []string
	reset   []string
}

func (f *fakeHooks) OnSessionCreated(viewID, sessionID, pipeID string) {
	f.created = append(f.created, sessionID)
}
func (f *fakeHooks) OnSessionClosed(viewID, sessionID, pipeID string) {
	f.closed = append(f.closed, sessionID)
}
func (f *fakeHooks) ResetViewIfNoSessionsRemain(viewID string) {
	f.reset = append(f.reset, viewID)
}

func TestFirstSessionBecomesLeader(t *testing.T) {
	hooks := &fakeHooks{}
	m := New(Config{Hooks: hooks, ServerDefaultTimeoutSec: 20})

	s1 := m.Create("view1", "pipe1", "agent1", "task1", 0)
	s2 := m.Create("view1", "pipe2", "agent2", "task2", 0)

	assert.Equal(t, Leader, s1.Role)
	assert.Equal(t, Follower, s2.Role)
	assert.ElementsMatch(t, []string{s1.ID, s2.ID}, hooks.created)
}

func TestHeartbeatReflectsPromotionAfterLeaderCloses(t *testing.T) {
	m := New(Config{ServerDefaultTimeoutSec: 20})
	s1 := m.Create("view1", "p1", "a1", "t1", 0)
	s2 := m.Create("view1", "p2", "a2", "t2", 0)

	require.NoError(t, m.Close("view1", s1.ID))

	role, _, _, err := m.Heartbeat("view1", s2.ID)
	require.NoError(t, err)
	assert.Equal(t, Leader, role, "surviving session must be promoted once the leader closes")
}

func TestHeartbeatUnknownSessionReturnsNotFound(t *testing.T) {
	m := New(Config{})
	_, _, _, err := m.Heartbeat("view1", "nonexistent")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestEnqueueCommandDeliveredOnNextHeartbeat(t *testing.T) {
	m := New(Config{})
	s := m.Create("view1", "p1", "a1", "t1", 0)

	require.NoError(t, m.EnqueueCommand("view1", s.ID, model.Command{Type: model.CommandReportStatus}))

	_, cmds, _, err := m.Heartbeat("view1", s.ID)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, model.CommandReportStatus, cmds[0].Type)

	_, cmds, _, err = m.Heartbeat("view1", s.ID)
	require.NoError(t, err)
	assert.Empty(t, cmds, "commands must be drained after delivery")
}

func TestTimeoutResolvesToMaxOfClientHintAndServerDefault(t *testing.T) {
	m := New(Config{ServerDefaultTimeoutSec: 30})
	low := m.Create("view1", "p1", "a1", "t1", 10)
	high := m.Create("view1", "p2", "a2", "t2", 90)

	assert.Equal(t, int64(30), low.TimeoutSeconds)
	assert.Equal(t, int64(90), high.TimeoutSeconds)
}

func TestCloseWithNoSessionsRemainingTriggersReset(t *testing.T) {
	hooks := &fakeHooks{}
	m := New(Config{Hooks: hooks})
	s := m.Create("view1", "p1", "a1", "t1", 0)

	require.NoError(t, m.Close("view1", s.ID))
	assert.Contains(t, hooks.reset, "view1")
}

func TestSweepTimeoutsClosesStaleSessions(t *testing.T) {
	hooks := &fakeHooks{}
	m := New(Config{Hooks: hooks, ServerDefaultTimeoutSec: 1})
	s := m.Create("view1", "p1", "a1", "t1", 0)
	s.LastActiveAt = time.Now().Add(-10 * time.Second)

	m.SweepTimeouts(time.Now())

	assert.Contains(t, hooks.closed, s.ID)
	assert.Empty(t, m.Sessions("view1"))
}

func TestCloseUnknownSessionReturnsNotFound(t *testing.T) {
	m := New(Config{})
	err := m.Close("view1", "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
