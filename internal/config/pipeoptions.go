package config

// PipeOptions are the cadence/backoff/soft-cap knobs both agent and
// fusion pipe configs carry (spec.md §6.2 "Relevant options the core
// consumes").
type PipeOptions struct {
	AuditIntervalSec      int64   `yaml:"audit_interval_sec" json:"audit_interval_sec"`
	SentinelIntervalSec   int64   `yaml:"sentinel_interval_sec" json:"sentinel_interval_sec"`
	HeartbeatIntervalSec  int64   `yaml:"heartbeat_interval_sec" json:"heartbeat_interval_sec"`
	SessionTimeoutSeconds int64   `yaml:"session_timeout_seconds" json:"session_timeout_seconds"`
	ErrorRetryInterval    float64 `yaml:"error_retry_interval" json:"error_retry_interval"`
	MaxConsecutiveErrors  int     `yaml:"max_consecutive_errors" json:"max_consecutive_errors"`
	BackoffMultiplier     float64 `yaml:"backoff_multiplier" json:"backoff_multiplier"`
	MaxBackoffSeconds     float64 `yaml:"max_backoff_seconds" json:"max_backoff_seconds"`
	HotFileThreshold      int64   `yaml:"hot_file_threshold" json:"hot_file_threshold"`
	MaxTreeItems          int     `yaml:"max_tree_items" json:"max_tree_items"`
	AllowConcurrentPush   bool    `yaml:"allow_concurrent_push" json:"allow_concurrent_push"`
}

// DefaultPipeOptions mirrors the teacher's pkg/config.New() pattern of a
// fully-populated, sane-default struct rather than a zero-value one.
func DefaultPipeOptions() PipeOptions {
	return PipeOptions{
		AuditIntervalSec:      300,
		SentinelIntervalSec:   5,
		HeartbeatIntervalSec:  15,
		SessionTimeoutSeconds: 30,
		ErrorRetryInterval:    1,
		MaxConsecutiveErrors:  8,
		BackoffMultiplier:     2,
		MaxBackoffSeconds:     120,
		HotFileThreshold:      10,
		MaxTreeItems:          100000,
		AllowConcurrentPush:   false,
	}
}

func (o *PipeOptions) normalize() {
	d := DefaultPipeOptions()
	if o.AuditIntervalSec <= 0 {
		o.AuditIntervalSec = d.AuditIntervalSec
	}
	if o.SentinelIntervalSec <= 0 {
		o.SentinelIntervalSec = d.SentinelIntervalSec
	}
	if o.HeartbeatIntervalSec <= 0 {
		o.HeartbeatIntervalSec = d.HeartbeatIntervalSec
	}
	if o.SessionTimeoutSeconds <= 0 {
		o.SessionTimeoutSeconds = d.SessionTimeoutSeconds
	}
	if o.ErrorRetryInterval <= 0 {
		o.ErrorRetryInterval = d.ErrorRetryInterval
	}
	if o.MaxConsecutiveErrors <= 0 {
		o.MaxConsecutiveErrors = d.MaxConsecutiveErrors
	}
	if o.BackoffMultiplier <= 1 {
		o.BackoffMultiplier = d.BackoffMultiplier
	}
	if o.MaxBackoffSeconds <= 0 {
		o.MaxBackoffSeconds = d.MaxBackoffSeconds
	}
	if o.HotFileThreshold <= 0 {
		o.HotFileThreshold = d.HotFileThreshold
	}
	if o.MaxTreeItems <= 0 {
		o.MaxTreeItems = d.MaxTreeItems
	}
}
