package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fustor-io/fustor/internal/model"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestIterateSnapshotEmitsEveryEntry(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "hello")
	writeFile(t, root, "sub/b.txt", "world")

	d := NewLocalDriver(root)
	ch, err := d.IterateSnapshot(context.Background())
	require.NoError(t, err)

	seen := map[string]model.Event{}
	for event := range ch {
		seen[event.Path] = event
	}

	require.Contains(t, seen, "/a.txt")
	require.Contains(t, seen, "/sub")
	require.Contains(t, seen, "/sub/b.txt")
	assert.Equal(t, model.Snapshot, seen["/a.txt"].MessageSource)
	assert.Equal(t, model.Insert, seen["/a.txt"].EventType)
	assert.True(t, seen["/sub"].IsDirectory)
	assert.Equal(t, "/sub", seen["/sub/b.txt"].ParentPath)
}

func TestIterateSnapshotSkipsHiddenEntries(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "visible.txt", "x")
	writeFile(t, root, ".hidden/inside.txt", "y")
	writeFile(t, root, ".hiddenfile", "z")

	d := NewLocalDriver(root)
	ch, err := d.IterateSnapshot(context.Background())
	require.NoError(t, err)

	for event := range ch {
		assert.NotContains(t, event.Path, "/.hidden")
		assert.NotEqual(t, "/.hiddenfile", event.Path)
	}
}

func TestIterateAuditEmitsAuditSourcedEvents(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "hello")

	d := NewLocalDriver(root)
	ch, err := d.IterateAudit(context.Background())
	require.NoError(t, err)

	var items []AuditItem
	for item := range ch {
		items = append(items, item)
	}
	require.Len(t, items, 1)
	assert.Equal(t, "/a.txt", items[0].Path)
	assert.Equal(t, model.Audit, items[0].Event.MessageSource)
}

func TestIterateSnapshotStopsOnContextCancel(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 20; i++ {
		writeFile(t, root, filepath.Join("d", string(rune('a'+i))+".txt"), "x")
	}

	d := NewLocalDriver(root)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := d.IterateSnapshot(ctx)
	require.NoError(t, err)

	<-ch
	cancel()

	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot channel did not close after context cancellation")
	}
}

func TestIterateRealtimeObservesCreateAndDelete(t *testing.T) {
	root := t.TempDir()
	d := NewLocalDriver(root)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := d.IterateRealtime(ctx)
	require.NoError(t, err)

	target := filepath.Join(root, "created.txt")
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(target, []byte("hi"), 0o644))

	var sawInsert bool
	deadline := time.After(3 * time.Second)
	for !sawInsert {
		select {
		case event := <-ch:
			if event.Path == "/created.txt" && event.EventType == model.Insert {
				sawInsert = true
			}
		case <-deadline:
			t.Fatal("did not observe create event in time")
		}
	}

	require.NoError(t, os.Remove(target))

	var sawDelete bool
	deadline = time.After(3 * time.Second)
	for !sawDelete {
		select {
		case event := <-ch:
			if event.Path == "/created.txt" && event.EventType == model.Delete {
				sawDelete = true
			}
		case <-deadline:
			t.Fatal("did not observe delete event in time")
		}
	}
}

func TestStatReportsMtimeAndMissing(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "hello")

	d := NewLocalDriver(root)
	mtime, exists, err := d.Stat(context.Background(), "/a.txt")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Greater(t, mtime, int64(0))

	_, exists, err = d.Stat(context.Background(), "/does-not-exist.txt")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRelPathHandlesRoot(t *testing.T) {
	root := t.TempDir()
	d := NewLocalDriver(root)
	assert.Equal(t, "/", d.relPath(root))
	assert.Equal(t, "/sub/file.txt", d.relPath(filepath.Join(root, "sub", "file.txt")))
}
