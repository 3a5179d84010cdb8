package agentpipe

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fustor-io/fustor/internal/model"
	"github.com/fustor-io/fustor/internal/source"
	"github.com/fustor-io/fustor/internal/transport"
)

// fakeSender is an in-memory stand-in for transport.Client.
type fakeSender struct {
	mu sync.Mutex

	role                model.Role
	nextSessionID       int
	createErr           error
	heartbeatErr        error
	sendErr             error
	sentinelTasks       []transport.SentinelTask

	sessionsCreated []string
	eventsSent      []model.Event
	auditStarts     int
	auditEnds       int
	heartbeats      int
	feedback        []transport.SentinelFeedbackUpdate
}

func newFakeSender(role model.Role) *fakeSender {
	return &fakeSender{role: role}
}

func (f *fakeSender) CreateSession(ctx context.Context, req transport.CreateSessionRequest) (transport.CreateSessionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return transport.CreateSessionResponse{}, f.createErr
	}
	f.nextSessionID++
	sid := "sess-" + string(rune('0'+f.nextSessionID))
	f.sessionsCreated = append(f.sessionsCreated, sid)
	return transport.CreateSessionResponse{
		SessionID: sid, Role: f.role, SessionTimeoutSeconds: 2,
	}, nil
}

func (f *fakeSender) Heartbeat(ctx context.Context, sessionID string, req transport.HeartbeatRequest) (transport.HeartbeatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	if f.heartbeatErr != nil {
		return transport.HeartbeatResponse{}, f.heartbeatErr
	}
	return transport.HeartbeatResponse{Role: f.role, SessionTimeoutSeconds: 2}, nil
}

func (f *fakeSender) CloseSession(ctx context.Context, sessionID string) error {
	return nil
}

func (f *fakeSender) SendEvents(ctx context.Context, sessionID string, req transport.EventBatchRequest) (transport.EventBatchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return transport.EventBatchResponse{}, f.sendErr
	}
	f.eventsSent = append(f.eventsSent, req.Events...)
	return transport.EventBatchResponse{Accepted: true}, nil
}

func (f *fakeSender) AuditStart(ctx context.Context, sessionID, viewID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auditStarts++
	return nil
}

func (f *fakeSender) AuditEnd(ctx context.Context, sessionID, viewID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auditEnds++
	return nil
}

func (f *fakeSender) SentinelTasks(ctx context.Context) ([]transport.SentinelTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sentinelTasks, nil
}

func (f *fakeSender) SentinelFeedback(ctx context.Context, req transport.SentinelFeedbackRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feedback = append(f.feedback, req.Updates...)
	return nil
}

func (f *fakeSender) snapshot() (sentEvents int, heartbeats, auditStarts, auditEnds int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.eventsSent), f.heartbeats, f.auditStarts, f.auditEnds
}

// fakeDriver is a minimal source.Driver for tests.
type fakeDriver struct {
	mu        sync.Mutex
	realtime  chan model.Event
	snapshot  []model.Event
	audit     []model.Event
	statCalls int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{realtime: make(chan model.Event, 16)}
}

func (d *fakeDriver) IterateRealtime(ctx context.Context) (<-chan model.Event, error) {
	return d.realtime, nil
}

func (d *fakeDriver) IterateSnapshot(ctx context.Context) (<-chan model.Event, error) {
	out := make(chan model.Event, len(d.snapshot)+1)
	for _, e := range d.snapshot {
		out <- e
	}
	close(out)
	return out, nil
}

func (d *fakeDriver) IterateAudit(ctx context.Context) (<-chan source.AuditItem, error) {
	out := make(chan source.AuditItem, len(d.audit)+1)
	for i := range d.audit {
		e := d.audit[i]
		out <- source.AuditItem{Event: &e, Path: e.Path}
	}
	close(out)
	return out, nil
}

func (d *fakeDriver) Stat(ctx context.Context, path string) (int64, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statCalls++
	return time.Now().Unix(), true, nil
}

var (
	_ Sender         = (*fakeSender)(nil)
	_ source.Driver  = (*fakeDriver)(nil)
	_ source.Stater  = (*fakeDriver)(nil)
)

func TestStateStringCombinesFlags(t *testing.T) {
	s := Running | AuditPhase
	assert.Contains(t, s.String(), "RUNNING")
	assert.Contains(t, s.String(), "AUDIT_PHASE")
}

func TestFollowerPipeCreatesSessionAndHeartbeats(t *testing.T) {
	sender := newFakeSender(model.Follower)
	driver := newFakeDriver()

	p := New(Config{
		ViewID: "v1", TaskID: "t1", AgentID: "a1",
		Sender: sender, Driver: driver,
		BatchSize: 10, SentinelIntervalSec: 1, AuditIntervalSec: 1,
		Backoff: BackoffConfig{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2, MaxConsecutiveErrors: 3},
	})

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	require.Eventually(t, func() bool {
		_, heartbeats, _, _ := sender.snapshot()
		return heartbeats >= 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, model.Follower, p.Role())

	cancel()
	p.Stop()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("pipe did not stop in time")
	}
}

func TestLeaderPipeRunsSnapshotAndAudit(t *testing.T) {
	sender := newFakeSender(model.Leader)
	driver := newFakeDriver()
	driver.snapshot = []model.Event{
		{Path: "/a.txt", EventType: model.Insert, MessageSource: model.Snapshot, Mtime: 1},
	}
	driver.audit = []model.Event{
		{Path: "/a.txt", EventType: model.Insert, MessageSource: model.Audit, Mtime: 1},
	}

	p := New(Config{
		ViewID: "v1", TaskID: "t1", AgentID: "a1",
		Sender: sender, Driver: driver,
		BatchSize: 10, SentinelIntervalSec: 1, AuditIntervalSec: 1,
		Backoff: BackoffConfig{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2, MaxConsecutiveErrors: 3},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	require.Eventually(t, func() bool {
		sent, _, starts, ends := sender.snapshot()
		return sent >= 1 && starts >= 1 && ends >= 1
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, model.Leader, p.Role())
	p.Stop()
}

func TestDispatchCommandScanClearsAuditMtimeCache(t *testing.T) {
	sender := newFakeSender(model.Leader)
	driver := newFakeDriver()
	p := New(Config{ViewID: "v1", Sender: sender, Driver: driver})
	p.auditMtimeCache["/a.txt"] = 123

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.commandDispatchLoop(ctx)

	p.DispatchCommand(model.Command{Type: model.CommandScan, Path: "/a.txt"})

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		_, ok := p.auditMtimeCache["/a.txt"]
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestDispatchCommandStopPipeStopsTheLoop(t *testing.T) {
	sender := newFakeSender(model.Follower)
	driver := newFakeDriver()
	p := New(Config{ViewID: "v1", Sender: sender, Driver: driver})

	ctx := context.Background()
	p.Start(ctx)
	p.DispatchCommand(model.Command{Type: model.CommandStopPipe})

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stop_pipe command did not stop the pipe")
	}
}

func TestRoleTransitionClearsAuditMtimeCacheOnPromotion(t *testing.T) {
	sender := newFakeSender(model.Follower)
	driver := newFakeDriver()
	p := New(Config{ViewID: "v1", Sender: sender, Driver: driver})
	p.auditMtimeCache["/stale.txt"] = 42
	p.role = model.Follower

	p.observeRole(model.Leader)

	p.mu.Lock()
	_, ok := p.auditMtimeCache["/stale.txt"]
	p.mu.Unlock()
	assert.False(t, ok)
	assert.Equal(t, model.Leader, p.Role())
}

func TestBackoffDurationGrowsAndCaps(t *testing.T) {
	b := newBackoff(BackoffConfig{Initial: 10 * time.Millisecond, Multiplier: 2, Max: 100 * time.Millisecond, MaxConsecutiveErrors: 5})
	d0 := b.duration()
	b.recordError()
	d1 := b.duration()
	b.recordError()
	b.recordError()
	b.recordError()
	b.recordError()
	d5 := b.duration()

	assert.Less(t, d0, d1)
	assert.LessOrEqual(t, d5, 100*time.Millisecond)
}

func TestBackoffRecordErrorReportsCritical(t *testing.T) {
	b := newBackoff(BackoffConfig{MaxConsecutiveErrors: 2})
	_, critical := b.recordError()
	assert.False(t, critical)
	_, critical = b.recordError()
	assert.True(t, critical)
}
