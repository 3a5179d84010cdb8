package config

// SourceSpec names one observation source an agent pipe can be wired to
// (sources-config.yaml).
type SourceSpec struct {
	Driver string `yaml:"driver" json:"driver"` // "local" is the only built-in today
	Root   string `yaml:"root" json:"root"`
}

// SourcesConfig is the whole of sources-config.yaml.
type SourcesConfig struct {
	Sources map[string]SourceSpec `yaml:"sources" json:"sources"`
}

// SenderSpec names one fusion ingestion endpoint (senders-config.yaml).
type SenderSpec struct {
	BaseURL string `yaml:"base_url" json:"base_url" env:"FUSTOR_SENDER_BASE_URL"`
	APIKey  string `yaml:"api_key" json:"api_key" env:"FUSTOR_SENDER_API_KEY"`
}

// SendersConfig is the whole of senders-config.yaml.
type SendersConfig struct {
	Senders map[string]SenderSpec `yaml:"senders" json:"senders"`
}

// AgentPipeConfig is one entry of agent-pipes-config/*.yaml: the file's
// base name (sans extension) is the pipe's {id}.
type AgentPipeConfig struct {
	ID         string `yaml:"-" json:"-"`
	ViewID     string `yaml:"view_id" json:"view_id"`
	TaskID     string `yaml:"task_id" json:"task_id"`
	SourceName string `yaml:"source" json:"source"`
	SenderName string `yaml:"sender" json:"sender"`
	PipeOptions `yaml:",inline"`
}

// AgentConfig is the fully-loaded contents of $FUSTOR_AGENT_HOME.
type AgentConfig struct {
	Root    string
	AgentID string
	Sources SourcesConfig
	Senders SendersConfig
	Pipes   map[string]AgentPipeConfig
}

func (c *AgentConfig) normalize() {
	for id, pc := range c.Pipes {
		pc.ID = id
		pc.normalize()
		c.Pipes[id] = pc
	}
}

// Validate enforces the mandatory fields spec.md §6.2 names: agent_id,
// and that every pipe references a source and a sender that actually
// exist.
func (c *AgentConfig) Validate() error {
	if c.AgentID == "" {
		return &ValidationError{Field: "agent_id", Reason: "mandatory"}
	}
	for id, pc := range c.Pipes {
		if _, ok := c.Sources.Sources[pc.SourceName]; !ok {
			return &ValidationError{Field: "agent-pipes-config/" + id, Reason: "unknown source " + pc.SourceName}
		}
		if _, ok := c.Senders.Senders[pc.SenderName]; !ok {
			return &ValidationError{Field: "agent-pipes-config/" + id, Reason: "unknown sender " + pc.SenderName}
		}
	}
	return nil
}
