package source

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fustor-io/fustor/internal/model"
	"github.com/fustor-io/fustor/pkg/logger"
)

// LocalDriver observes a directory on the local filesystem: fsnotify for
// realtime, filepath.WalkDir for snapshot and audit walks.
type LocalDriver struct {
	Root string
	log  *logger.Logger
}

// NewLocalDriver returns a driver rooted at root (an absolute path).
func NewLocalDriver(root string) *LocalDriver {
	return &LocalDriver{Root: root, log: logger.NewDefault("source.local")}
}

func (d *LocalDriver) relPath(absPath string) string {
	rel, err := filepath.Rel(d.Root, absPath)
	if err != nil {
		return absPath
	}
	if rel == "." {
		return "/"
	}
	return "/" + filepath.ToSlash(rel)
}

// IterateRealtime watches the root recursively and emits INSERT/UPDATE/
// DELETE events until ctx is cancelled. This driver does not detect
// atomic writes: IsAtomicWrite is never set on the events it emits.
func (d *LocalDriver) IterateRealtime(ctx context.Context) (<-chan model.Event, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	err = filepath.WalkDir(d.Root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if entry.IsDir() {
			_ = watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		watcher.Close()
		return nil, err
	}

	out := make(chan model.Event, 256)
	go func() {
		defer close(out)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event, ok := d.translate(ev); ok {
					if event.IsDirectory && event.EventType == model.Insert {
						_ = watcher.Add(ev.Name)
					}
					select {
					case out <- event:
					case <-ctx.Done():
						return
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				d.log.WithError(err).Warn("realtime watch error")
			}
		}
	}()

	return out, nil
}

func (d *LocalDriver) translate(ev fsnotify.Event) (model.Event, bool) {
	path := d.relPath(ev.Name)

	if ev.Op&fsnotify.Remove != 0 || ev.Op&fsnotify.Rename != 0 {
		return model.Event{
			Path: path, EventType: model.Delete, MessageSource: model.Realtime, Mtime: time.Now().Unix(),
		}, true
	}

	info, err := os.Stat(ev.Name)
	if err != nil {
		return model.Event{}, false
	}

	eventType := model.Update
	if ev.Op&fsnotify.Create != 0 {
		eventType = model.Insert
	}

	return model.Event{
		Path:          path,
		EventType:     eventType,
		MessageSource: model.Realtime,
		Mtime:         info.ModTime().Unix(),
		Size:          info.Size(),
		IsDirectory:   info.IsDir(),
		ParentPath:    d.relPath(filepath.Dir(ev.Name)),
	}, true
}

// IterateSnapshot walks the whole tree once, emitting one event per entry.
func (d *LocalDriver) IterateSnapshot(ctx context.Context) (<-chan model.Event, error) {
	out := make(chan model.Event, 256)
	go func() {
		defer close(out)
		_ = filepath.WalkDir(d.Root, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if path == d.Root {
				return nil
			}
			if isHidden(path) {
				if entry.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			info, err := entry.Info()
			if err != nil {
				return nil
			}
			event := model.Event{
				Path:          d.relPath(path),
				EventType:     model.Insert,
				MessageSource: model.Snapshot,
				Mtime:         info.ModTime().Unix(),
				Size:          info.Size(),
				IsDirectory:   entry.IsDir(),
				ParentPath:    d.relPath(filepath.Dir(path)),
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return filepath.SkipAll
			}
			return nil
		})
	}()
	return out, nil
}

// IterateAudit walks the whole tree once, emitting a full event per
// entry. This simple driver never skips unchanged directories (that
// optimisation needs a prior-audit mtime cache this driver doesn't own),
// so it never produces a silent AuditItem — the agent pipe's cache
// handling path exists for drivers that do.
func (d *LocalDriver) IterateAudit(ctx context.Context) (<-chan AuditItem, error) {
	out := make(chan AuditItem, 256)
	go func() {
		defer close(out)
		_ = filepath.WalkDir(d.Root, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if path == d.Root {
				return nil
			}
			info, err := entry.Info()
			if err != nil {
				return nil
			}
			rel := d.relPath(path)
			event := model.Event{
				Path:          rel,
				EventType:     model.Insert,
				MessageSource: model.Audit,
				Mtime:         info.ModTime().Unix(),
				Size:          info.Size(),
				IsDirectory:   entry.IsDir(),
				ParentPath:    d.relPath(filepath.Dir(path)),
			}
			item := AuditItem{Event: &event, Path: rel}
			select {
			case out <- item:
			case <-ctx.Done():
				return filepath.SkipAll
			}
			return nil
		})
	}()
	return out, nil
}

// Stat re-checks a single path for the sentinel sweep.
func (d *LocalDriver) Stat(ctx context.Context, path string) (int64, bool, error) {
	full := filepath.Join(d.Root, filepath.FromSlash(strings.TrimPrefix(path, "/")))
	info, err := os.Stat(full)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return info.ModTime().Unix(), true, nil
}

var _ Driver = (*LocalDriver)(nil)
var _ Stater = (*LocalDriver)(nil)

func isHidden(name string) bool {
	return strings.HasPrefix(filepath.Base(name), ".")
}
