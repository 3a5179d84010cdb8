package agentpipe

import "strings"

// State is a bitmask so composite states (e.g. RUNNING|AUDIT_PHASE) are
// legal (spec.md §4.3).
type State uint32

const (
	Stopped State = 1 << iota
	Initializing
	Running
	Paused
	ErrorState
	ConfOutdated
	SnapshotPhase
	MessagePhase
	AuditPhase
	Reconnecting
	Draining
	Stopping
)

var stateNames = []struct {
	flag State
	name string
}{
	{Stopped, "STOPPED"},
	{Initializing, "INITIALIZING"},
	{Running, "RUNNING"},
	{Paused, "PAUSED"},
	{ErrorState, "ERROR"},
	{ConfOutdated, "CONF_OUTDATED"},
	{SnapshotPhase, "SNAPSHOT_PHASE"},
	{MessagePhase, "MESSAGE_PHASE"},
	{AuditPhase, "AUDIT_PHASE"},
	{Reconnecting, "RECONNECTING"},
	{Draining, "DRAINING"},
	{Stopping, "STOPPING"},
}

// Has reports whether flag is set.
func (s State) Has(flag State) bool {
	return s&flag != 0
}

func (s State) String() string {
	if s == 0 {
		return "NONE"
	}
	var parts []string
	for _, sn := range stateNames {
		if s.Has(sn.flag) {
			parts = append(parts, sn.name)
		}
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}
