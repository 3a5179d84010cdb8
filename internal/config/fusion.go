package config

// ReceiversConfig is the whole of receivers-config.yaml: the listen
// address and an api_keys list. Requests are authenticated against each
// view's own api_key (ViewIDForAPIKey); APIKeys is loaded but not
// consulted.
type ReceiversConfig struct {
	APIKeys []string `yaml:"api_keys" json:"api_keys"`
	Listen  string   `yaml:"listen" json:"listen" env:"FUSTOR_FUSION_LISTEN"`
}

// ViewConfig is one entry of views-config/*.yaml: the file's base name
// (sans extension) is the view's {id}.
type ViewConfig struct {
	ID                              string `yaml:"-" json:"-"`
	APIKey                          string `yaml:"api_key" json:"api_key"`
	MaxTreeItems                    int    `yaml:"max_tree_items" json:"max_tree_items"`
	HotFileThreshold                int64  `yaml:"hot_file_threshold" json:"hot_file_threshold"`
	RequiresFullResetOnSessionClose bool   `yaml:"requires_full_reset_on_session_close" json:"requires_full_reset_on_session_close"`
}

// FusionPipeConfig is one entry of fusion-pipes-config/*.yaml: the
// file's base name (sans extension) is the pipe's {id}.
type FusionPipeConfig struct {
	ID       string `yaml:"-" json:"-"`
	ViewID   string `yaml:"view_id" json:"view_id"`
	Capacity int    `yaml:"capacity" json:"capacity"`
	PipeOptions `yaml:",inline"`
}

// FusionConfig is the fully-loaded contents of the fusion config root.
type FusionConfig struct {
	Root      string
	Receivers ReceiversConfig
	Views     map[string]ViewConfig
	Pipes     map[string]FusionPipeConfig
}

func (c *FusionConfig) normalize() {
	for id, vc := range c.Views {
		vc.ID = id
		if vc.MaxTreeItems <= 0 {
			vc.MaxTreeItems = DefaultPipeOptions().MaxTreeItems
		}
		if vc.HotFileThreshold <= 0 {
			vc.HotFileThreshold = DefaultPipeOptions().HotFileThreshold
		}
		c.Views[id] = vc
	}
	for id, pc := range c.Pipes {
		pc.ID = id
		pc.normalize()
		if pc.Capacity <= 0 {
			pc.Capacity = 10000
		}
		c.Pipes[id] = pc
	}
}

// Validate checks every fusion pipe names a view that exists and every
// view carries the API key that resolves it on session creation
// (spec.md §6.1 "Resolve view_id from API key").
func (c *FusionConfig) Validate() error {
	for id, vc := range c.Views {
		if vc.APIKey == "" {
			return &ValidationError{Field: "views-config/" + id, Reason: "api_key is mandatory"}
		}
	}
	for id, pc := range c.Pipes {
		if _, ok := c.Views[pc.ViewID]; !ok {
			return &ValidationError{Field: "fusion-pipes-config/" + id, Reason: "unknown view " + pc.ViewID}
		}
	}
	return nil
}

// ViewIDForAPIKey resolves an API key to its view id (spec.md §6.1 GET
// /session/). Returns "" if no view is configured with that key.
func (c *FusionConfig) ViewIDForAPIKey(apiKey string) string {
	for id, vc := range c.Views {
		if vc.APIKey == apiKey {
			return id
		}
	}
	return ""
}
