package arbitrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fustor-io/fustor/internal/model"
	"github.com/fustor-io/fustor/internal/tree"
)

func cfg() Config {
	return Config{HotFileThresholdSec: 10, MaxTreeItems: 10000, AuditIntervalSec: 30}
}

func TestRealtimeInsertUpsertsAndArmsSuspect(t *testing.T) {
	v := NewView("v1", cfg())
	err := v.ProcessEvent(model.Event{
		Path: "/a/b.txt", EventType: model.Insert, MessageSource: model.Realtime, Mtime: 100,
	}, 100, 1000)
	require.NoError(t, err)

	n := v.Tree.Get("/a/b.txt")
	require.NotNil(t, n)
	assert.True(t, n.KnownByAgent)
	assert.True(t, n.IntegritySuspect, "non-atomic write must be marked suspect")
	assert.True(t, v.Suspects.Has("/a/b.txt"))
}

func TestRealtimeAtomicWriteClearsSuspect(t *testing.T) {
	v := NewView("v1", cfg())
	v.ProcessEvent(model.Event{
		Path: "/a.txt", EventType: model.Insert, MessageSource: model.Realtime, Mtime: 100, IsAtomicWrite: true,
	}, 100, 1000)

	n := v.Tree.Get("/a.txt")
	require.NotNil(t, n)
	assert.False(t, n.IntegritySuspect)
	assert.False(t, v.Suspects.Has("/a.txt"))
}

func TestRealtimeDeleteCreatesTombstone(t *testing.T) {
	v := NewView("v1", cfg())
	v.ProcessEvent(model.Event{Path: "/a.txt", EventType: model.Insert, MessageSource: model.Realtime, Mtime: 100}, 100, 1000)
	v.ProcessEvent(model.Event{Path: "/a.txt", EventType: model.Delete, MessageSource: model.Realtime, Mtime: 150}, 150, 1500)

	assert.Nil(t, v.Tree.Get("/a.txt"))
	_, ok := v.Tombstones.Get("/a.txt")
	assert.True(t, ok)
	assert.False(t, v.Suspects.Has("/a.txt"))
}

func TestSnapshotDiscardsZombieResurrection(t *testing.T) {
	v := NewView("v1", cfg())
	v.Tombstones.Put("/a.txt", 200, 1000)

	v.ProcessEvent(model.Event{
		Path: "/a.txt", EventType: model.Insert, MessageSource: model.Snapshot, Mtime: 150,
	}, 1000, 1000)

	assert.Nil(t, v.Tree.Get("/a.txt"), "snapshot mtime <= tombstone logical_ts must be discarded as a zombie")
}

func TestSnapshotReincarnationClearsTombstone(t *testing.T) {
	v := NewView("v1", cfg())
	v.Tombstones.Put("/a.txt", 100, 1000)

	v.ProcessEvent(model.Event{
		Path: "/a.txt", EventType: model.Insert, MessageSource: model.Snapshot, Mtime: 200,
	}, 1000, 1000)

	assert.NotNil(t, v.Tree.Get("/a.txt"))
	_, ok := v.Tombstones.Get("/a.txt")
	assert.False(t, ok, "strictly newer mtime must clear the tombstone")
}

func TestSnapshotPreservesLastUpdatedAt(t *testing.T) {
	v := NewView("v1", cfg())
	v.ProcessEvent(model.Event{Path: "/a.txt", EventType: model.Insert, MessageSource: model.Realtime, Mtime: 100}, 500, 1000)
	n := v.Tree.Get("/a.txt")
	require.NotNil(t, n)
	originalLastUpdated := n.LastUpdatedAt
	assert.Equal(t, int64(500), originalLastUpdated)

	v.ProcessEvent(model.Event{Path: "/a.txt", EventType: model.Update, MessageSource: model.Snapshot, Mtime: 600}, 900, 1900)
	n = v.Tree.Get("/a.txt")
	require.NotNil(t, n)
	assert.Equal(t, originalLastUpdated, n.LastUpdatedAt, "snapshot must not touch last_updated_at")
}

func TestAuditRule2MemoryVersionWins(t *testing.T) {
	v := NewView("v1", cfg())
	v.ProcessEvent(model.Event{Path: "/a.txt", EventType: model.Insert, MessageSource: model.Realtime, Mtime: 200}, 200, 2000)

	v.ProcessEvent(model.Event{Path: "/a.txt", EventType: model.Insert, MessageSource: model.Audit, Mtime: 100}, 2000, 2000)

	n := v.Tree.Get("/a.txt")
	require.NotNil(t, n)
	assert.Equal(t, int64(200), n.ModifiedTime, "audit with an older mtime than memory must not overwrite")
}

func TestAuditRule3StaleParentEvidenceDiscarded(t *testing.T) {
	v := NewView("v1", cfg())
	v.ProcessEvent(model.Event{Path: "/dir", EventType: model.Insert, MessageSource: model.Realtime, Mtime: 500, IsDirectory: true}, 500, 5000)

	parentMtime := int64(100)
	v.ProcessEvent(model.Event{
		Path: "/dir/new.txt", EventType: model.Insert, MessageSource: model.Audit, Mtime: 50,
		ParentPath: "/dir", ParentMtime: &parentMtime,
	}, 5000, 5000)

	assert.Nil(t, v.Tree.Get("/dir/new.txt"), "stale parent-mtime evidence must be discarded")
}

func TestAuditNewPathMarksBlindSpotAddition(t *testing.T) {
	v := NewView("v1", cfg())
	v.ProcessEvent(model.Event{Path: "/unseen.txt", EventType: model.Insert, MessageSource: model.Audit, Mtime: 50}, 5000, 5000)

	n := v.Tree.Get("/unseen.txt")
	require.NotNil(t, n)
	assert.False(t, n.KnownByAgent)
	assert.Contains(t, v.BlindSpots.Additions(), "/unseen.txt")
}

func TestAuditEndMissingItemDetection(t *testing.T) {
	v := NewView("v1", cfg())
	v.ProcessEvent(model.Event{Path: "/dir", EventType: model.Insert, MessageSource: model.Realtime, Mtime: 10, IsDirectory: true}, 10, 10)
	v.ProcessEvent(model.Event{Path: "/dir/a.txt", EventType: model.Insert, MessageSource: model.Realtime, Mtime: 10}, 10, 10)
	v.ProcessEvent(model.Event{Path: "/dir/b.txt", EventType: model.Insert, MessageSource: model.Realtime, Mtime: 10}, 10, 10)

	v.HandleAuditStart(1000)
	// Audit only observes /dir and /dir/a.txt; /dir/b.txt is missing.
	v.ProcessEvent(model.Event{Path: "/dir", EventType: model.Insert, MessageSource: model.Audit, Mtime: 10, IsDirectory: true}, 1000, 1000)
	v.ProcessEvent(model.Event{Path: "/dir/a.txt", EventType: model.Insert, MessageSource: model.Audit, Mtime: 10}, 1000, 1000)

	_, missingDeleted := v.HandleAuditEnd(1000, 1000)
	assert.Equal(t, 1, missingDeleted)
	assert.Nil(t, v.Tree.Get("/dir/b.txt"))
	assert.Contains(t, v.BlindSpots.Deletions(), "/dir/b.txt")
	assert.NotNil(t, v.Tree.Get("/dir/a.txt"))
}

func TestAuditEndStaleEvidenceProtectionKeepsRecentRealtimeNode(t *testing.T) {
	v := NewView("v1", cfg())
	v.ProcessEvent(model.Event{Path: "/dir", EventType: model.Insert, MessageSource: model.Realtime, Mtime: 10, IsDirectory: true}, 10, 10)

	v.HandleAuditStart(1000)
	v.ProcessEvent(model.Event{Path: "/dir", EventType: model.Insert, MessageSource: model.Audit, Mtime: 10, IsDirectory: true}, 1000, 1000)

	// A realtime event for a child arrives mid-audit, after audit start,
	// but the audit never observes it (already past that directory).
	v.ProcessEvent(model.Event{Path: "/dir/fresh.txt", EventType: model.Insert, MessageSource: model.Realtime, Mtime: 2000}, 2000, 2000)

	_, missingDeleted := v.HandleAuditEnd(2500, 2500)
	assert.Equal(t, 0, missingDeleted, "a child updated after last_audit_start must survive missing-item detection")
	assert.NotNil(t, v.Tree.Get("/dir/fresh.txt"))
}

func TestAuditWatchdogForceClosesOverrunWindow(t *testing.T) {
	v := NewView("v1", cfg())
	v.HandleAuditStart(0)

	assert.False(t, v.CheckAuditWatchdog(50), "watchdog must not fire before 2*audit_interval_sec")
	fired := v.CheckAuditWatchdog(61)
	assert.True(t, fired)
	assert.False(t, v.CheckAuditWatchdog(100), "watchdog is not re-armed until the next audit start")
}

func TestOnSessionStartClearsBlindSpots(t *testing.T) {
	v := NewView("v1", cfg())
	v.BlindSpots.AddAddition("/x")
	v.OnSessionStart("s1", "p1")
	assert.False(t, v.BlindSpots.HasAny())
}

func TestResetClearsEverything(t *testing.T) {
	v := NewView("v1", cfg())
	v.ProcessEvent(model.Event{Path: "/a.txt", EventType: model.Insert, MessageSource: model.Realtime, Mtime: 10}, 10, 10)
	v.Reset()

	assert.Nil(t, v.Tree.Get("/a.txt"))
	assert.Equal(t, 0, v.Tombstones.Len())
	assert.Equal(t, 0, v.Suspects.Len())
	assert.False(t, v.BlindSpots.HasAny())
}

func TestSweepSuspectsStabilizesUnchangedFile(t *testing.T) {
	v := NewView("v1", cfg())
	v.ProcessEvent(model.Event{Path: "/a.txt", EventType: model.Insert, MessageSource: model.Realtime, Mtime: 100}, 100, 1000)
	require.True(t, v.Suspects.Has("/a.txt"))

	v.SweepSuspects(1000 + cfg().HotFileThresholdSec)

	assert.False(t, v.Suspects.Has("/a.txt"))
	n := v.Tree.Get("/a.txt")
	require.NotNil(t, n)
	assert.False(t, n.IntegritySuspect)
}

func TestSweepSuspectsRenewsChangedFile(t *testing.T) {
	v := NewView("v1", cfg())
	v.ProcessEvent(model.Event{Path: "/a.txt", EventType: model.Insert, MessageSource: model.Realtime, Mtime: 100}, 100, 1000)

	// mtime moved on since the suspect was armed (another write landed).
	v.Tree.Upsert("/a.txt", false, func(existing *tree.Node) *tree.Node {
		existing.ModifiedTime = 200
		return existing
	})

	v.SweepSuspects(1000 + cfg().HotFileThresholdSec)
	assert.True(t, v.Suspects.Has("/a.txt"), "a file whose mtime moved must be renewed, not cleared")
}
