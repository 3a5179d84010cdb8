// Package bus implements the multi-consumer event ring described in
// spec.md §4.2: producers publish without blocking, each subscriber
// tracks its own cursor, and a diverging fast/slow subscriber population
// triggers an automatic split onto a fresh bus.
//
// Grounded on _teacher/system/core/bus.go's shape (RWMutex-guarded
// subscriber map, fan-out, per-call timeout) but reworked from a
// pub/sub-by-event-name bus into a positional ring buffer with cursors,
// which is the actual contract spec.md §4.2 describes.
package bus

import (
	"sync"
	"time"

	"github.com/fustor-io/fustor/internal/model"
)

// DefaultMaxWait is the poll() floor the spec calls out explicitly.
const DefaultMaxWait = 200 * time.Millisecond

// splitThreshold is the fraction of capacity at which subscriber
// divergence triggers an automatic split (spec.md §4.2).
const splitThreshold = 0.95

// Signature identifies a subscriber: same (driver, uri, credential hash)
// always maps to the same subscriber slot, making Subscribe idempotent.
type Signature struct {
	Driver         string
	URI            string
	CredentialHash string
}

// Handle is returned by Subscribe and passed back into Poll.
type Handle struct {
	sig Signature
}

type subscriberState struct {
	position     int64 // last consumed absolute index
	positionLost bool
}

// Bus is a ring of events with a head cursor and one position per
// subscriber. It is safe for concurrent use.
type Bus struct {
	mu sync.Mutex

	capacity int
	ring     []model.Event
	head     int64 // absolute index of the next event to be written

	subs map[Signature]*subscriberState

	// notify is closed and replaced on every publish, letting blocked
	// Poll callers wake up promptly instead of spinning.
	notify chan struct{}

	frozen bool // true once this bus has been split away from
}

// New returns an empty Bus with the given ring capacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Bus{
		capacity: capacity,
		ring:     make([]model.Event, 0, capacity),
		subs:     make(map[Signature]*subscriberState),
		notify:   make(chan struct{}),
	}
}

// LowWatermark returns the minimum position across all subscribers, or
// head if there are no subscribers. Events below LowWatermark are
// unreachable and may be dropped (spec.md §4.2 invariant).
func (b *Bus) LowWatermark() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lowWatermarkLocked()
}

func (b *Bus) lowWatermarkLocked() int64 {
	if len(b.subs) == 0 {
		return b.head
	}
	lw := b.head
	for _, s := range b.subs {
		if s.position < lw {
			lw = s.position
		}
	}
	return lw
}

// Head returns the current head index (count of events ever published).
func (b *Bus) Head() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.head
}

// Publish appends events to the ring and advances head. Non-blocking:
// producers never wait on consumers. Publishing to a frozen (post-split,
// superseded) bus is a no-op, since frozen buses exist only to let slow
// subscribers drain their existing backlog.
func (b *Bus) Publish(events ...model.Event) {
	if len(events) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		return
	}
	for _, e := range events {
		b.ring = append(b.ring, e.Clone())
		b.head++
	}
	b.trimLocked()
	close(b.notify)
	b.notify = make(chan struct{})
}

// trimLocked drops ring entries that have fallen behind the low
// watermark, bounding memory to roughly `capacity` retained events.
// Must be called with b.mu held.
func (b *Bus) trimLocked() {
	lw := b.lowWatermarkLocked()
	oldestKept := b.head - int64(b.capacity)
	if lw > oldestKept {
		oldestKept = lw
	}
	base := b.head - int64(len(b.ring))
	drop := oldestKept - base
	if drop > 0 {
		if drop > int64(len(b.ring)) {
			drop = int64(len(b.ring))
		}
		b.ring = b.ring[drop:]
	}
}

// Subscribe registers (or re-attaches) a subscriber by signature.
// On first subscribe the cursor starts at the current head, or at
// resumeFrom when hasResume is set; the same staleness rule as below
// applies to that resumeFrom. On re-subscribe with a stale last-consumed index
// (below low_watermark - capacity), positionLost is true, signalling the
// caller to request a fresh snapshot rather than trust the resumed cursor.
func (b *Bus) Subscribe(sig Signature, resumeFrom int64, hasResume bool) (Handle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, exists := b.subs[sig]
	if !exists {
		pos := b.head
		positionLost := false
		if hasResume {
			pos = resumeFrom
			floor := b.lowWatermarkLocked() - int64(b.capacity)
			if pos < floor {
				positionLost = true
				pos = b.head
			}
		}
		state = &subscriberState{position: pos, positionLost: positionLost}
		b.subs[sig] = state
		return Handle{sig: sig}, positionLost
	}

	if hasResume {
		floor := b.lowWatermarkLocked() - int64(b.capacity)
		if resumeFrom < floor {
			state.position = b.head
			state.positionLost = true
			return Handle{sig: sig}, true
		}
		state.position = resumeFrom
	}
	state.positionLost = false
	return Handle{sig: sig}, false
}

// Unsubscribe drops a subscriber's position tracking entirely (e.g. the
// agent pipe stopped for good).
func (b *Bus) Unsubscribe(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, h.sig)
}

// Position returns the subscriber's current cursor.
func (b *Bus) Position(h Handle) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[h.sig]
	if !ok {
		return 0, false
	}
	return s.position, true
}

// Poll returns every event between the handle's cursor and head, waiting
// up to maxWait for at least one event to arrive if none are available
// yet. maxWait is floored at DefaultMaxWait per the design contract.
func (b *Bus) Poll(h Handle, maxWait time.Duration) ([]model.Event, int64) {
	if maxWait < DefaultMaxWait {
		maxWait = DefaultMaxWait
	}
	deadline := time.Now().Add(maxWait)

	for {
		events, cursor, notify := b.snapshot(h)
		if len(events) > 0 || notify == nil {
			return events, cursor
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, cursor
		}
		timer := time.NewTimer(remaining)
		select {
		case <-notify:
			timer.Stop()
		case <-timer.C:
			_, cursor, _ := b.snapshot(h)
			return nil, cursor
		}
	}
}

func (b *Bus) snapshot(h Handle) ([]model.Event, int64, chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.subs[h.sig]
	if !ok {
		return nil, 0, nil
	}

	base := b.head - int64(len(b.ring))
	from := s.position
	if from < base {
		from = base // events older than the retained ring are unreachable
	}
	if from >= b.head {
		return nil, s.position, b.notify
	}

	start := from - base
	out := make([]model.Event, len(b.ring)-int(start))
	copy(out, b.ring[start:])
	s.position = b.head
	return out, s.position, nil
}

// SplitIfDiverged checks whether the fastest and slowest subscribers have
// diverged by at least 95% of capacity, and if so, migrates the fastest
// subscribers onto a freshly created bus. The old bus is frozen (no
// further publishes) so its remaining slow subscribers can drain their
// backlog without racing new writes; the returned bus is what producers
// and fast subscribers should use going forward. Returns (nil, nil) if no
// split was needed. Split is idempotent: calling it again on an
// already-frozen bus is a no-op.
func (b *Bus) SplitIfDiverged() (*Bus, []Signature) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.frozen || len(b.subs) < 2 {
		return nil, nil
	}

	var min, max int64
	first := true
	for _, s := range b.subs {
		if first {
			min, max = s.position, s.position
			first = false
			continue
		}
		if s.position < min {
			min = s.position
		}
		if s.position > max {
			max = s.position
		}
	}

	if float64(max-min) < splitThreshold*float64(b.capacity) {
		return nil, nil
	}

	mid := (min + max) / 2

	// The fastest subscribers carry cursors below b.head: they still have
	// a backlog, in [their position, b.head), that they published-but-
	// haven't-consumed on the old bus. The new bus must retain that span
	// or those cursors become unreachable the instant they're migrated
	// (base := head - len(ring) would equal head on an empty new ring),
	// silently dropping events the old bus guaranteed they'd still see.
	oldBase := b.head - int64(len(b.ring))
	minMoved := b.head
	for _, s := range b.subs {
		if s.position > mid && s.position < minMoved {
			minMoved = s.position
		}
	}
	retainFrom := minMoved
	if retainFrom < oldBase {
		retainFrom = oldBase
	}

	newBus := New(b.capacity)
	newBus.head = b.head
	newBus.ring = append(newBus.ring, b.ring[retainFrom-oldBase:]...)

	var moved []Signature
	for sig, s := range b.subs {
		if s.position > mid {
			newBus.subs[sig] = &subscriberState{position: s.position}
			delete(b.subs, sig)
			moved = append(moved, sig)
		}
	}

	b.frozen = true
	return newBus, moved
}

// Frozen reports whether this bus has been superseded by a split.
func (b *Bus) Frozen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frozen
}
