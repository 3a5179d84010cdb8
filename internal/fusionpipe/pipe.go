// Package fusionpipe implements the per-view fusion pipe described in
// spec.md §4.4: a bounded queue receivers push HTTP batches into, and a
// single consumer goroutine drains in enqueue order into the view's
// arbitrator.
//
// Grounded on _teacher/system/events/router.go's bounded channel +
// worker-pool + start/stop/drain idiom, adapted from many workers
// draining one queue concurrently (request dispatch has no ordering
// requirement) to exactly one consumer per pipe (spec.md §5: "within one
// fusion pipe queue, events are processed strictly in enqueue order").
package fusionpipe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fustor-io/fustor/internal/model"
	"github.com/fustor-io/fustor/pkg/logger"
)

// DefaultCapacity is the bounded queue size spec.md §4.4 calls out.
const DefaultCapacity = 10000

// ErrSessionObsolete is returned by ProcessEvents/ProcessAuditStart/
// ProcessAuditEnd when session_id is no longer valid for this view; the
// HTTP layer serialises this as 419.
var ErrSessionObsolete = errors.New("fusionpipe: session obsolete")

// tokenKind distinguishes control tokens from regular events in the
// queue; a zero-value item with kind "" carries a real event.
type tokenKind string

const (
	tokenNone        tokenKind = ""
	tokenAuditStart  tokenKind = "audit_start"
	tokenAuditEnd    tokenKind = "audit_end"
	tokenFinalSnap   tokenKind = "final_snapshot"
)

type queueItem struct {
	kind  tokenKind
	event model.Event
}

// BatchContext carries the metadata the fusion pipe stamps onto every
// event in a batch (spec.md §4.4: metadata = {agent_id, source_uri, pipe_id}).
type BatchContext struct {
	AgentID         string
	PipeID          string
	SourceURI       string
	IsFinalSnapshot bool
}

// SessionValidator reports whether sessionID currently holds a session
// on this pipe's view.
type SessionValidator func(sessionID string) bool

// Consumer is what a fusion pipe drains events into. *arbitrator.View
// satisfies this directly.
type Consumer interface {
	ProcessEvent(event model.Event, nowPhysical, nowMonotonic int64) error
	HandleAuditStart(nowMonotonic int64)
	HandleAuditEnd(nowPhysical, nowMonotonic int64) (purgedTombstones, missingDeleted int)
}

// Stats is the snapshot returned by DTO.
type Stats struct {
	ViewID                   string
	Capacity                 int
	QueueDepth               int
	ActivePushes             int32
	LastKnownLeaderSessionID string
}

// Pipe is one view's fusion pipe.
type Pipe struct {
	ViewID string

	queue        chan queueItem
	activePushes int32

	validate SessionValidator
	consumer Consumer
	log      *logger.Logger

	// NowPhysical/NowMonotonic are injectable clocks (tests supply fakes);
	// defaults are real wall/monotonic readings.
	NowPhysical   func() int64
	NowMonotonic  func() int64

	mu                       sync.Mutex
	lastKnownLeaderSessionID string

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Config configures a new Pipe.
type Config struct {
	ViewID   string
	Capacity int
	Validate SessionValidator
	Consumer Consumer
	Logger   *logger.Logger
}

// New returns a Pipe with an empty queue, not yet consuming.
func New(cfg Config) *Pipe {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("fusionpipe")
	}
	now := time.Now()
	return &Pipe{
		ViewID:       cfg.ViewID,
		queue:        make(chan queueItem, cfg.Capacity),
		validate:     cfg.Validate,
		consumer:     cfg.Consumer,
		log:          cfg.Logger,
		NowPhysical:  func() int64 { return time.Now().Unix() },
		NowMonotonic: func() int64 { return int64(time.Since(now) / time.Second) },
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// ProcessEvents validates the session, stamps metadata onto every event,
// and enqueues them (blocking if the queue is full — the deliberate
// backpressure spec.md §5 requires). If ctx.IsFinalSnapshot, a control
// token is enqueued after the batch so the consumer observes it in order.
func (p *Pipe) ProcessEvents(sessionID string, events []model.Event, ctx BatchContext) error {
	if p.validate != nil && !p.validate(sessionID) {
		return ErrSessionObsolete
	}

	atomic.AddInt32(&p.activePushes, 1)
	defer atomic.AddInt32(&p.activePushes, -1)

	for _, e := range events {
		e.Metadata = &model.Metadata{
			AgentID:   ctx.AgentID,
			PipeID:    ctx.PipeID,
			SourceURI: ctx.SourceURI,
		}
		select {
		case p.queue <- queueItem{event: e}:
		case <-p.stopCh:
			return errors.New("fusionpipe: pipe stopping")
		}
	}

	if ctx.IsFinalSnapshot {
		select {
		case p.queue <- queueItem{kind: tokenFinalSnap}:
		case <-p.stopCh:
			return errors.New("fusionpipe: pipe stopping")
		}
	}

	return nil
}

// ProcessAuditStart enqueues an audit/start control token.
func (p *Pipe) ProcessAuditStart(sessionID string) error {
	if p.validate != nil && !p.validate(sessionID) {
		return ErrSessionObsolete
	}
	atomic.AddInt32(&p.activePushes, 1)
	defer atomic.AddInt32(&p.activePushes, -1)
	select {
	case p.queue <- queueItem{kind: tokenAuditStart}:
	case <-p.stopCh:
		return errors.New("fusionpipe: pipe stopping")
	}
	return nil
}

// ProcessAuditEnd enqueues an audit/end control token.
func (p *Pipe) ProcessAuditEnd(sessionID string) error {
	if p.validate != nil && !p.validate(sessionID) {
		return ErrSessionObsolete
	}
	atomic.AddInt32(&p.activePushes, 1)
	defer atomic.AddInt32(&p.activePushes, -1)
	select {
	case p.queue <- queueItem{kind: tokenAuditEnd}:
	case <-p.stopCh:
		return errors.New("fusionpipe: pipe stopping")
	}
	return nil
}

// SetLastKnownLeader records the current leader session ID for DTO
// reporting; called by the session manager's hooks on role changes.
func (p *Pipe) SetLastKnownLeader(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastKnownLeaderSessionID = sessionID
}

// DTO returns a snapshot of pipe statistics and last known leader.
func (p *Pipe) DTO() Stats {
	p.mu.Lock()
	leader := p.lastKnownLeaderSessionID
	p.mu.Unlock()
	return Stats{
		ViewID:                   p.ViewID,
		Capacity:                 cap(p.queue),
		QueueDepth:               len(p.queue),
		ActivePushes:             atomic.LoadInt32(&p.activePushes),
		LastKnownLeaderSessionID: leader,
	}
}

// WaitForDrain blocks until the queue is empty and active_pushes is at
// most targetActivePushes, or timeout elapses. Callers invoking this
// from inside a push (e.g. a handler that itself counts as one active
// push) MUST pass targetActivePushes=1 to avoid self-deadlock.
func (p *Pipe) WaitForDrain(timeout time.Duration, targetActivePushes int32) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(p.queue) == 0 && atomic.LoadInt32(&p.activePushes) <= targetActivePushes {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		<-ticker.C
	}
}

// Run drains the queue into the consumer until ctx is cancelled or Stop
// is called. This is the pipe's single consumer goroutine; it must never
// have a sibling, or the enqueue-order guarantee breaks.
func (p *Pipe) Run(ctx context.Context) {
	defer close(p.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case item := <-p.queue:
			p.consume(item)
		}
	}
}

func (p *Pipe) consume(item queueItem) {
	nowPhysical := p.NowPhysical()
	nowMonotonic := p.NowMonotonic()

	switch item.kind {
	case tokenNone:
		if err := p.consumer.ProcessEvent(item.event, nowPhysical, nowMonotonic); err != nil {
			p.log.WithField("view_id", p.ViewID).WithError(err).Warn("fusion pipe: event rejected")
		}
	case tokenAuditStart:
		p.consumer.HandleAuditStart(nowMonotonic)
	case tokenAuditEnd:
		purged, missing := p.consumer.HandleAuditEnd(nowPhysical, nowMonotonic)
		p.log.WithField("view_id", p.ViewID).WithField("purged_tombstones", purged).
			WithField("missing_deleted", missing).Info("audit end processed")
	case tokenFinalSnap:
		p.log.WithField("view_id", p.ViewID).Info("final snapshot batch processed")
	}
}

// Stop halts the consumer loop and rejects any further enqueue attempts
// that are blocked waiting for space.
func (p *Pipe) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
}

// Done is closed once Run has returned.
func (p *Pipe) Done() <-chan struct{} {
	return p.doneCh
}
