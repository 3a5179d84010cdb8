package tree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertCreatesParentChain(t *testing.T) {
	tr := NewTree()
	tr.Upsert("/a/b/c.txt", false, func(existing *Node) *Node {
		if existing == nil {
			existing = &Node{Path: "/a/b/c.txt"}
		}
		existing.ModifiedTime = 100
		return existing
	})

	n := tr.Get("/a/b/c.txt")
	require.NotNil(t, n)
	assert.Equal(t, int64(100), n.ModifiedTime)

	parent := tr.Get("/a/b")
	require.NotNil(t, parent)
	assert.True(t, parent.IsDirectory)
}

func TestDeleteRemovesSubtree(t *testing.T) {
	tr := NewTree()
	tr.Upsert("/a/b/c.txt", false, func(existing *Node) *Node { return &Node{Path: "/a/b/c.txt"} })
	require.True(t, tr.Delete("/a/b"))
	assert.Nil(t, tr.Get("/a/b"))
	assert.Nil(t, tr.Get("/a/b/c.txt"))
}

func TestTombstoneClearOnReincarnation(t *testing.T) {
	ts := NewTombstones()
	ts.Put("/a/b.txt", 100, 1000)

	tomb, ok := ts.Get("/a/b.txt")
	require.True(t, ok)
	assert.Equal(t, float64(100), tomb.LogicalTS)

	ts.Clear("/a/b.txt")
	_, ok = ts.Get("/a/b.txt")
	assert.False(t, ok)
}

func TestTombstonePurgeAfterOneHour(t *testing.T) {
	ts := NewTombstones()
	ts.Put("/old.txt", 1, 0)
	ts.Put("/fresh.txt", 1, 3000)

	purged := ts.Purge(3700) // old.txt is 3700s stale, > 1h
	assert.Equal(t, 1, purged)

	_, ok := ts.Get("/old.txt")
	assert.False(t, ok)
	_, ok = ts.Get("/fresh.txt")
	assert.True(t, ok)
}

func TestSuspectArmAndExpire(t *testing.T) {
	s := NewSuspects()
	s.Arm("/hot.txt", 100, 50)
	assert.True(t, s.Has("/hot.txt"))

	expired := s.PopExpired(100)
	require.Len(t, expired, 1)
	assert.Equal(t, "/hot.txt", expired[0].Path)
	assert.False(t, s.Has("/hot.txt"))
}

func TestSuspectRenewalSupersedesStaleHeapEntry(t *testing.T) {
	s := NewSuspects()
	s.Arm("/hot.txt", 100, 50)
	s.Arm("/hot.txt", 200, 60) // renew before first expiry

	expired := s.PopExpired(100)
	assert.Len(t, expired, 0, "stale heap entry from the first Arm must not surface")

	expired = s.PopExpired(200)
	require.Len(t, expired, 1)
	assert.Equal(t, int64(60), expired[0].RecordedMtime)
}

func TestBlindSpotsClearOnRealtime(t *testing.T) {
	bs := NewBlindSpots()
	bs.AddAddition("/a.txt")
	bs.AddDeletion("/b.txt")
	assert.True(t, bs.HasAny())

	bs.ClearPath("/a.txt")
	assert.NotContains(t, bs.Additions(), "/a.txt")
	assert.Contains(t, bs.Deletions(), "/b.txt")
}
