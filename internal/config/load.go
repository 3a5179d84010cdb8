// Package config loads the agent and fusion configuration layouts of
// spec.md §6.2 from disk: a handful of single YAML files plus several
// directories of one-YAML-file-per-{id}.
//
// Grounded on _teacher/pkg/config/config.go's Load/LoadFile shape
// (defaults struct, optional file overlay, env var overlay via
// envdecode, .env support via godotenv) adapted from one monolithic
// config file to the spec's directory-based layout.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LoadAgentConfig reads $FUSTOR_AGENT_HOME's sources-config.yaml,
// senders-config.yaml and agent-pipes-config/*.yaml.
func LoadAgentConfig(root string) (*AgentConfig, error) {
	_ = godotenv.Load(filepath.Join(root, ".env"))

	cfg := &AgentConfig{Root: root, Pipes: make(map[string]AgentPipeConfig)}

	if id, err := readAgentID(root); err != nil {
		return nil, err
	} else {
		cfg.AgentID = id
	}

	if err := loadYAMLFile(filepath.Join(root, "sources-config.yaml"), &cfg.Sources); err != nil {
		return nil, fmt.Errorf("config: sources-config.yaml: %w", err)
	}
	if err := loadYAMLFile(filepath.Join(root, "senders-config.yaml"), &cfg.Senders); err != nil {
		return nil, fmt.Errorf("config: senders-config.yaml: %w", err)
	}
	if err := envdecode.Decode(&cfg.Senders); err != nil && !isNoFieldsSetError(err) {
		return nil, fmt.Errorf("config: senders env overlay: %w", err)
	}

	pipes, err := loadIDDirectory[AgentPipeConfig](filepath.Join(root, "agent-pipes-config"))
	if err != nil {
		return nil, err
	}
	cfg.Pipes = pipes

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readAgentID(root string) (string, error) {
	if id := strings.TrimSpace(os.Getenv("FUSTOR_AGENT_ID")); id != "" {
		return id, nil
	}
	data, err := os.ReadFile(filepath.Join(root, "agent_id"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// LoadFusionConfig reads the fusion config root's receivers-config.yaml,
// views-config/*.yaml and fusion-pipes-config/*.yaml.
func LoadFusionConfig(root string) (*FusionConfig, error) {
	_ = godotenv.Load(filepath.Join(root, ".env"))

	cfg := &FusionConfig{Root: root}

	if err := loadYAMLFile(filepath.Join(root, "receivers-config.yaml"), &cfg.Receivers); err != nil {
		return nil, fmt.Errorf("config: receivers-config.yaml: %w", err)
	}
	if err := envdecode.Decode(&cfg.Receivers); err != nil && !isNoFieldsSetError(err) {
		return nil, fmt.Errorf("config: receivers env overlay: %w", err)
	}

	views, err := loadIDDirectory[ViewConfig](filepath.Join(root, "views-config"))
	if err != nil {
		return nil, err
	}
	cfg.Views = views

	pipes, err := loadIDDirectory[FusionPipeConfig](filepath.Join(root, "fusion-pipes-config"))
	if err != nil {
		return nil, err
	}
	cfg.Pipes = pipes

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadYAMLFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, out)
}

// loadIDDirectory reads every *.yaml file in dir into a map keyed by its
// base filename without extension, which is that entry's {id}
// (spec.md §6.2: "directory-based {id} sets").
func loadIDDirectory[T any](dir string) (map[string]T, error) {
	result := make(map[string]T)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".yaml")
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		var item T
		if err := yaml.Unmarshal(data, &item); err != nil {
			return nil, fmt.Errorf("config: %s: %w", entry.Name(), err)
		}
		result[id] = item
	}
	return result, nil
}

func isNoFieldsSetError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "none of the target fields were set")
}
