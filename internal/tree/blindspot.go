package tree

import "sync"

// BlindSpots tracks, per view, the paths whose existence or absence was
// only learnt via a compensating observation (audit/snapshot) rather than
// a realtime confirmation (spec.md §3, glossary "Blind spot"). The two
// sets persist across audits and are cleared only when the corresponding
// realtime event is seen, or when a new session starts on a live view.
type BlindSpots struct {
	mu        sync.RWMutex
	additions map[string]struct{}
	deletions map[string]struct{}
}

// NewBlindSpots returns an empty blind-spot tracker.
func NewBlindSpots() *BlindSpots {
	return &BlindSpots{
		additions: make(map[string]struct{}),
		deletions: make(map[string]struct{}),
	}
}

// AddAddition records that path's existence was only confirmed by audit
// or snapshot evidence.
func (b *BlindSpots) AddAddition(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.additions[path] = struct{}{}
}

// AddDeletion records that path's removal was only inferred by
// missing-item detection, not a realtime DELETE.
func (b *BlindSpots) AddDeletion(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletions[path] = struct{}{}
}

// ClearPath removes path from both sets (a realtime event for it arrived).
func (b *BlindSpots) ClearPath(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.additions, path)
	delete(b.deletions, path)
}

// Additions returns a snapshot of the additions set.
func (b *BlindSpots) Additions() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.additions))
	for p := range b.additions {
		out = append(out, p)
	}
	return out
}

// Deletions returns a snapshot of the deletions set.
func (b *BlindSpots) Deletions() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.deletions))
	for p := range b.deletions {
		out = append(out, p)
	}
	return out
}

// HasAny reports whether either set is non-empty.
func (b *BlindSpots) HasAny() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.additions) > 0 || len(b.deletions) > 0
}

// Clear empties both sets (start of a fresh observation cycle, or reset).
func (b *BlindSpots) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.additions = make(map[string]struct{})
	b.deletions = make(map[string]struct{})
}
