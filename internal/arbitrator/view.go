// Package arbitrator implements the FS Arbitrator (consistency engine)
// described in spec.md §4.5: it owns one view's in-memory tree and
// reconciles REALTIME, SNAPSHOT and AUDIT observations into it, using
// tombstones, suspect tracking and blind-spot sets to survive
// out-of-order, stale or partially-missing evidence.
//
// Grounded on the spec's own rule tables (§4.5.1-§4.5.8); the read/write
// lock split follows _teacher/system/core/bus.go's sync.RWMutex usage
// (many cheap readers, rare exclusive structural operations).
package arbitrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/fustor-io/fustor/internal/clock"
	"github.com/fustor-io/fustor/internal/model"
	"github.com/fustor-io/fustor/internal/tree"
)

// Config holds the per-view tunables the arbitrator consumes directly
// (spec.md §6.2). Everything else in a view's configuration belongs to
// the fusion pipe / session manager layer.
type Config struct {
	HotFileThresholdSec             int64
	MaxTreeItems                    int
	AuditIntervalSec                int64
	RequiresFullResetOnSessionClose bool
}

// View is one view's consistency engine: tree, tombstones, suspects,
// blind spots, logical clock and audit-cycle bookkeeping.
//
// Tree/Suspects/BlindSpots carry no locking of their own (Suspects and
// BlindSpots' own mutexes only protect their own internal maps from each
// other, not from Tree); v.mu is what actually serializes every mutation
// against every other reader and writer. ProcessEvent and SweepSuspects
// are the two writer entry points — ProcessEvent from the fusion pipe's
// single drain goroutine (event order must be preserved per spec.md §5
// "within one fusion pipe queue, events are processed strictly in
// enqueue order"), SweepSuspects from its own ticker goroutine — and
// both take the write lock, since both mutate the tree/suspect state,
// not just read it. HandleAuditEnd, Reset and OnSessionStart are the
// remaining, already-exclusive writers. Query paths (tree/search/stats)
// must go through WithReadLock/GetNode/Walk below rather than touching
// Tree/Suspects/BlindSpots directly, so they take the read lock and may
// run concurrently with each other but never with a writer.
type View struct {
	mu sync.RWMutex

	ID     string
	Config Config

	Tree       *tree.Tree
	Tombstones *tree.Tombstones
	Suspects   *tree.Suspects
	BlindSpots *tree.BlindSpots
	Clock      *clock.Clock

	auditActive      bool
	auditSeenPaths   map[string]struct{}
	auditSkippedDirs map[string]struct{}
	lastAuditStart   int64 // monotonic
}

// NewView returns an empty view ready to receive events.
func NewView(id string, cfg Config) *View {
	return &View{
		ID:               id,
		Config:           cfg,
		Tree:             tree.NewTree(),
		Tombstones:       tree.NewTombstones(),
		Suspects:         tree.NewSuspects(),
		BlindSpots:       tree.NewBlindSpots(),
		Clock:            clock.New(),
		auditSeenPaths:   make(map[string]struct{}),
		auditSkippedDirs: make(map[string]struct{}),
	}
}

// ProcessEvent dispatches a single event by message_source (spec.md §4.5.1).
// nowPhysical is wall-clock Unix seconds; nowMonotonic is any monotonic
// reading in the same unit the caller uses for suspect expiries.
func (v *View) ProcessEvent(event model.Event, nowPhysical, nowMonotonic int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch event.MessageSource {
	case model.Realtime:
		v.processRealtime(event, nowPhysical, nowMonotonic)
	case model.Snapshot:
		v.processSnapshot(event, nowPhysical, nowMonotonic)
	case model.Audit:
		v.processAudit(event, nowPhysical, nowMonotonic)
	default:
		return fmt.Errorf("arbitrator: unknown message source %q", event.MessageSource)
	}
	return nil
}

// processRealtime implements spec.md §4.5.2. Caller holds at least the
// read lock.
func (v *View) processRealtime(event model.Event, nowPhysical, nowMonotonic int64) {
	v.Clock.Sample(event.Mtime, nowPhysical)

	switch event.EventType {
	case model.Insert, model.Update:
		v.Tree.Upsert(event.Path, event.IsDirectory, func(existing *tree.Node) *tree.Node {
			n := existing
			if n == nil {
				n = &tree.Node{Path: event.Path, IsDirectory: event.IsDirectory}
			}
			n.ModifiedTime = event.Mtime
			n.Size = event.Size
			n.IsDirectory = event.IsDirectory
			n.LastUpdatedAt = nowPhysical
			n.KnownByAgent = true
			if event.Metadata != nil {
				n.LastAgentID = event.Metadata.AgentID
				n.SourceURI = event.Metadata.SourceURI
			}
			return n
		})

		if event.IsAtomicWrite {
			v.Suspects.Remove(event.Path)
			v.setIntegritySuspect(event.Path, false)
		} else {
			expiry := nowMonotonic + v.Config.HotFileThresholdSec
			v.Suspects.Arm(event.Path, expiry, event.Mtime)
			v.setIntegritySuspect(event.Path, true)
		}
		v.BlindSpots.ClearPath(event.Path)

	case model.Delete:
		v.Tree.Delete(event.Path)
		watermark := v.Clock.Watermark(float64(nowPhysical))
		v.Tombstones.Put(event.Path, watermark, nowPhysical)
		v.Suspects.Remove(event.Path)
		v.BlindSpots.ClearPath(event.Path)
	}
}

// processSnapshot implements spec.md §4.5.3.
func (v *View) processSnapshot(event model.Event, nowPhysical, nowMonotonic int64) {
	if v.isZombieResurrection(event) {
		return
	}

	v.Tree.Upsert(event.Path, event.IsDirectory, func(existing *tree.Node) *tree.Node {
		n := existing
		if n == nil {
			n = &tree.Node{Path: event.Path, IsDirectory: event.IsDirectory}
		}
		n.ModifiedTime = event.Mtime
		n.Size = event.Size
		n.IsDirectory = event.IsDirectory
		// LastUpdatedAt is untouched: preserved for existing nodes, stays
		// the zero value for newly created ones (spec.md §4.5.3).
		if event.Metadata != nil {
			n.LastAgentID = event.Metadata.AgentID
			n.SourceURI = event.Metadata.SourceURI
		}
		return n
	})

	v.armSuspectIfHot(event, nowPhysical, nowMonotonic)
}

// processAudit implements spec.md §4.5.4.
func (v *View) processAudit(event model.Event, nowPhysical, nowMonotonic int64) {
	if v.isZombieResurrection(event) {
		return
	}

	existing := v.Tree.Get(event.Path)

	if existing != nil && existing.ModifiedTime >= event.Mtime && !event.AuditSkipped {
		// Rule 2: memory version wins.
		v.trackAuditSeen(event)
		return
	}

	if existing == nil && event.ParentMtime != nil {
		if parent := v.Tree.Get(tree.ParentPath(event.Path)); parent != nil {
			if parent.ModifiedTime > *event.ParentMtime {
				// Rule 3: stale evidence for a directory that has since changed.
				v.trackAuditSeen(event)
				return
			}
		}
	}

	changed := existing == nil || existing.ModifiedTime != event.Mtime

	v.Tree.Upsert(event.Path, event.IsDirectory, func(existing *tree.Node) *tree.Node {
		n := existing
		if n == nil {
			n = &tree.Node{Path: event.Path, IsDirectory: event.IsDirectory}
		}
		n.ModifiedTime = event.Mtime
		n.Size = event.Size
		n.IsDirectory = event.IsDirectory
		n.AuditSkipped = event.AuditSkipped
		if event.Metadata != nil {
			n.LastAgentID = event.Metadata.AgentID
			n.SourceURI = event.Metadata.SourceURI
		}
		if changed {
			n.KnownByAgent = false
		}
		return n
	})

	if changed {
		v.BlindSpots.AddAddition(event.Path)
	}

	v.armSuspectIfHot(event, nowPhysical, nowMonotonic)
	v.trackAuditSeen(event)
}

// isZombieResurrection implements the tombstone check shared by snapshot
// and audit processing (spec.md §4.5.3/§4.5.4): a tombstone with
// logical_ts >= mtime means the observation is a zombie resurrection and
// must be discarded; a strictly newer mtime clears the tombstone instead
// (reincarnation).
func (v *View) isZombieResurrection(event model.Event) bool {
	tomb, ok := v.Tombstones.Get(event.Path)
	if !ok {
		return false
	}
	if tomb.LogicalTS >= float64(event.Mtime) {
		return true
	}
	v.Tombstones.Clear(event.Path)
	return false
}

// armSuspectIfHot implements the shared snapshot/audit suspect judgement:
// if the event's mtime is within hot_file_threshold of the current
// watermark, arm a suspect entry whose expiry covers the file's
// remaining hot life, clamped to [1s, hot_file_threshold].
func (v *View) armSuspectIfHot(event model.Event, nowPhysical, nowMonotonic int64) {
	watermark := v.Clock.Watermark(float64(nowPhysical))
	age := watermark - float64(event.Mtime)
	threshold := float64(v.Config.HotFileThresholdSec)
	if age >= threshold {
		return
	}
	remaining := threshold - age
	if remaining < 1 {
		remaining = 1
	}
	if remaining > threshold {
		remaining = threshold
	}
	v.Suspects.Arm(event.Path, nowMonotonic+int64(remaining), event.Mtime)
	v.setIntegritySuspect(event.Path, true)
}

func (v *View) setIntegritySuspect(path string, suspect bool) {
	v.Tree.Upsert(path, false, func(existing *tree.Node) *tree.Node {
		if existing == nil {
			return nil // nothing to mark; the node doesn't exist (shouldn't happen post-upsert)
		}
		existing.IntegritySuspect = suspect
		return existing
	})
}

func (v *View) trackAuditSeen(event model.Event) {
	v.auditSeenPaths[event.Path] = struct{}{}
	if event.IsDirectory && event.AuditSkipped {
		v.auditSkippedDirs[event.Path] = struct{}{}
	}
}

// HandleAuditStart marks the beginning of an audit cycle (spec.md §4.5.5
// watchdog needs last_audit_start to measure overrun).
func (v *View) HandleAuditStart(nowMonotonic int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.auditActive = true
	v.lastAuditStart = nowMonotonic
	v.auditSeenPaths = make(map[string]struct{})
	v.auditSkippedDirs = make(map[string]struct{})
}

// HandleAuditEnd implements spec.md §4.5.5. Takes the write lock.
func (v *View) HandleAuditEnd(nowPhysical, nowMonotonic int64) (purgedTombstones, missingDeleted int) {
	v.mu.Lock()
	defer v.mu.Unlock()

	purgedTombstones = v.Tombstones.Purge(nowPhysical)

	// lastAuditStart is a monotonic reading while LastUpdatedAt is physical
	// time; carry the audit start onto the physical clock via the time
	// elapsed since it (both clocks count seconds).
	auditStartPhysical := nowPhysical - (nowMonotonic - v.lastAuditStart)

	for dirPath := range v.auditSeenPaths {
		if _, skipped := v.auditSkippedDirs[dirPath]; skipped {
			continue
		}
		node := v.Tree.Get(dirPath)
		if node == nil || !node.IsDirectory {
			continue
		}
		for name, child := range node.Children {
			childPath := joinPath(dirPath, name)
			if _, seen := v.auditSeenPaths[childPath]; seen {
				continue
			}
			if _, ok := v.Tombstones.Get(childPath); ok {
				continue
			}
			if child.LastUpdatedAt > auditStartPhysical {
				continue // Stale Evidence Protection
			}
			v.Tree.Delete(childPath)
			v.BlindSpots.AddDeletion(childPath)
			missingDeleted++
		}
	}

	v.auditActive = false
	v.auditSeenPaths = make(map[string]struct{})
	v.auditSkippedDirs = make(map[string]struct{})
	v.lastAuditStart = 0
	return purgedTombstones, missingDeleted
}

// CheckAuditWatchdog force-closes an audit window that has overrun
// 2*audit_interval_sec without an audit/end arriving (spec.md §4.5.5.4).
// Missing-item detection is deliberately NOT run in that case. Returns
// true if the watchdog fired.
func (v *View) CheckAuditWatchdog(nowMonotonic int64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.auditActive {
		return false
	}
	limit := 2 * v.Config.AuditIntervalSec
	if nowMonotonic-v.lastAuditStart <= limit {
		return false
	}
	v.auditActive = false
	v.auditSeenPaths = make(map[string]struct{})
	v.auditSkippedDirs = make(map[string]struct{})
	v.lastAuditStart = 0
	return true
}

// OnSessionStart implements spec.md §4.5.6: start of a fresh observation
// cycle clears both blind-spot sets. Takes the write lock.
func (v *View) OnSessionStart(sessionID, pipeID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.BlindSpots.Clear()
}

// OnSessionClose is a no-op for the FS view (spec.md §4.5.6); the session
// manager is responsible for deciding whether a full Reset is warranted.
func (v *View) OnSessionClose(sessionID, pipeID string) {}

// Reset clears the tree, tombstones, suspects and blind spots (spec.md
// §4.5.6, triggered by the session manager when
// requires_full_reset_on_session_close is set and no sessions remain).
func (v *View) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Tree.Reset()
	v.Tombstones.Reset()
	v.Suspects.Reset()
	v.BlindSpots.Clear()
	v.auditActive = false
	v.auditSeenPaths = make(map[string]struct{})
	v.auditSkippedDirs = make(map[string]struct{})
	v.lastAuditStart = 0
}

// SweepSuspects implements the background suspect sweep (spec.md §4.5.7),
// intended to run on a 0.5s ticker. For each expired entry: if the
// node's current mtime still matches what was recorded, the file has
// gone stable and the suspect flag clears; otherwise the entry is
// renewed against the node's latest mtime.
func (v *View) SweepSuspects(nowMonotonic int64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, entry := range v.Suspects.PopExpired(nowMonotonic) {
		node := v.Tree.Get(entry.Path)
		if node == nil {
			continue
		}
		if node.ModifiedTime == entry.RecordedMtime {
			v.setIntegritySuspect(entry.Path, false)
			continue
		}
		expiry := nowMonotonic + v.Config.HotFileThresholdSec
		v.Suspects.Arm(entry.Path, expiry, node.ModifiedTime)
	}
}

// WithReadLock runs fn while holding the view's read lock. Query
// handlers must build their entire response inside fn — including any
// recursive walk of a node's Children — rather than capturing a *Node
// and inspecting it after WithReadLock returns, since Children is a
// plain map mutated by ProcessEvent/SweepSuspects under the write lock.
func (v *View) WithReadLock(fn func()) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	fn()
}

// GetNode returns the node at path, or nil, taking the read lock for the
// lookup. Safe for callers that only need the node's scalar fields; a
// caller that needs to walk Children must use WithReadLock instead so
// the walk happens under the same lock acquisition as the lookup.
func (v *View) GetNode(path string) *tree.Node {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.Tree.Get(path)
}

// Walk runs visit over the subtree rooted at path under the read lock.
func (v *View) Walk(path string, visit func(*tree.Node) bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	v.Tree.Walk(path, visit)
}

// SuspectCount returns the number of currently armed suspects, under the
// read lock.
func (v *View) SuspectCount() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.Suspects.Len()
}

// BlindSpotSnapshot returns the current addition/deletion paths and
// whether either set is non-empty, all taken under one read lock
// acquisition.
func (v *View) BlindSpotSnapshot() (additions, deletions []string, hasAny bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.BlindSpots.Additions(), v.BlindSpots.Deletions(), v.BlindSpots.HasAny()
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

// SweepInterval is the fixed cadence the background sweep goroutine uses.
const SweepInterval = 500 * time.Millisecond
