package config

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadAgentConfigPopulatesFromDisk(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "agent_id"), "agent-1\n")
	writeFile(t, filepath.Join(root, "sources-config.yaml"), `
sources:
  docs:
    driver: local
    root: /srv/docs
`)
	writeFile(t, filepath.Join(root, "senders-config.yaml"), `
senders:
  primary:
    base_url: http://fusion.local:8080
    api_key: secret
`)
	writeFile(t, filepath.Join(root, "agent-pipes-config", "docs-view.yaml"), `
view_id: docs-view
task_id: task-1
source: docs
sender: primary
audit_interval_sec: 60
`)

	cfg, err := LoadAgentConfig(root)
	require.NoError(t, err)
	require.Equal(t, "agent-1", cfg.AgentID)
	require.Contains(t, cfg.Sources.Sources, "docs")
	require.Contains(t, cfg.Senders.Senders, "primary")
	require.Contains(t, cfg.Pipes, "docs-view")

	pc := cfg.Pipes["docs-view"]
	require.Equal(t, "docs-view", pc.ID)
	require.Equal(t, int64(60), pc.AuditIntervalSec)
	require.Equal(t, int64(5), pc.SentinelIntervalSec) // defaulted
}

func TestLoadAgentConfigRejectsMissingAgentID(t *testing.T) {
	root := t.TempDir()
	_, err := LoadAgentConfig(root)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "agent_id", verr.Field)
}

func TestLoadAgentConfigRejectsUnknownSourceOrSender(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "agent_id"), "agent-1")
	writeFile(t, filepath.Join(root, "agent-pipes-config", "bad.yaml"), `
view_id: v1
source: nope
sender: nope
`)
	_, err := LoadAgentConfig(root)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestLoadAgentConfigMissingDirectoriesIsNotAnError(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "agent_id"), "agent-1")
	cfg, err := LoadAgentConfig(root)
	require.NoError(t, err)
	require.Empty(t, cfg.Pipes)
}

func TestLoadFusionConfigPopulatesFromDisk(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "receivers-config.yaml"), `
api_keys:
  - key-a
listen: ":8080"
`)
	writeFile(t, filepath.Join(root, "views-config", "docs-view.yaml"), `
api_key: view-key-1
max_tree_items: 5000
hot_file_threshold: 20
`)
	writeFile(t, filepath.Join(root, "fusion-pipes-config", "docs-pipe.yaml"), `
view_id: docs-view
capacity: 500
`)

	cfg, err := LoadFusionConfig(root)
	require.NoError(t, err)
	require.Contains(t, cfg.Receivers.APIKeys, "key-a")
	require.Contains(t, cfg.Views, "docs-view")
	require.Contains(t, cfg.Pipes, "docs-pipe")
	require.Equal(t, "docs-view", cfg.Pipes["docs-pipe"].ViewID)
}

func TestLoadFusionConfigRejectsUnknownView(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "fusion-pipes-config", "orphan.yaml"), `
view_id: nowhere
`)
	_, err := LoadFusionConfig(root)
	require.Error(t, err)
}

func TestDiffIDsDetectsAddedAndRemoved(t *testing.T) {
	before := map[string]int{"a": 1, "b": 2}
	after := map[string]int{"b": 2, "c": 3}
	ev := DiffIDs(before, after)
	require.ElementsMatch(t, []string{"c"}, ev.Added)
	require.ElementsMatch(t, []string{"a"}, ev.Removed)
}

func TestDiffIDsIgnoresContentChangesOfSameID(t *testing.T) {
	before := map[string]string{"a": "old"}
	after := map[string]string{"a": "new"}
	ev := DiffIDs(before, after)
	require.Empty(t, ev.Added)
	require.Empty(t, ev.Removed)
}

func TestAgentReloaderFiresOnSIGHUPWithPipeDiff(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "agent_id"), "agent-1")
	writeFile(t, filepath.Join(root, "sources-config.yaml"), `
sources:
  docs:
    driver: local
    root: /srv/docs
`)
	writeFile(t, filepath.Join(root, "senders-config.yaml"), `
senders:
  primary:
    base_url: http://fusion.local:8080
    api_key: secret
`)
	writeFile(t, filepath.Join(root, "agent-pipes-config", "docs-view.yaml"), `
view_id: docs-view
source: docs
sender: primary
`)

	initial, err := LoadAgentConfig(root)
	require.NoError(t, err)

	reloader := NewAgentReloader(root, initial, logrus.NewEntry(logrus.New()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	received := make(chan ReloadEvent, 1)
	go reloader.Run(ctx, func(cfg *AgentConfig, ev ReloadEvent) {
		received <- ev
	})

	// Give signal.Notify time to register before raising the signal.
	time.Sleep(50 * time.Millisecond)

	writeFile(t, filepath.Join(root, "agent-pipes-config", "new-view.yaml"), `
view_id: new-view
source: docs
sender: primary
`)
	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGHUP))

	select {
	case ev := <-received:
		require.ElementsMatch(t, []string{"new-view"}, ev.Added)
		require.Empty(t, ev.Removed)
	case <-ctx.Done():
		t.Fatal("timed out waiting for reload event")
	}
}

func TestFusionReloaderFiresOnDirectoryWriteWithoutSIGHUP(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "receivers-config.yaml"), `
api_keys:
  - key-a
listen: ":8080"
`)
	writeFile(t, filepath.Join(root, "views-config", "docs-view.yaml"), `
api_key: view-key-1
`)
	// fsnotify only watches directories that exist at Add time, so the
	// fusion-pipes-config directory must be created before the reloader
	// starts for a later write inside it to be observed.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "fusion-pipes-config"), 0o755))

	initial, err := LoadFusionConfig(root)
	require.NoError(t, err)

	reloader := NewFusionReloader(root, initial, logrus.NewEntry(logrus.New()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	received := make(chan FusionReloadEvent, 1)
	go reloader.Run(ctx, func(cfg *FusionConfig, ev FusionReloadEvent) {
		received <- ev
	})

	// Give the fsnotify watcher time to register before writing.
	time.Sleep(50 * time.Millisecond)

	writeFile(t, filepath.Join(root, "fusion-pipes-config", "docs-pipe.yaml"), `
view_id: docs-view
capacity: 500
`)

	select {
	case ev := <-received:
		require.ElementsMatch(t, []string{"docs-pipe"}, ev.Pipes.Added)
		require.Empty(t, ev.Pipes.Removed)
		require.Empty(t, ev.Views.Added)
	case <-ctx.Done():
		t.Fatal("timed out waiting for fsnotify-driven reload event")
	}
}
