// Package model holds the wire- and memory-level data types shared by the
// agent pipe, fusion pipe and arbitrator: events, and the metadata a
// receiver stamps onto them on the way in.
package model

// MessageSource identifies which phase of the agent pipe produced an event.
type MessageSource string

const (
	Realtime MessageSource = "REALTIME"
	Snapshot MessageSource = "SNAPSHOT"
	Audit    MessageSource = "AUDIT"
)

// EventType is the filesystem operation an Event describes.
type EventType string

const (
	Insert EventType = "INSERT"
	Update EventType = "UPDATE"
	Delete EventType = "DELETE"
)

// Metadata is stamped onto every event by the fusion pipe at ingestion time.
type Metadata struct {
	AgentID   string `json:"agent_id"`
	PipeID    string `json:"pipe_id"`
	SourceURI string `json:"source_uri"`
}

// Event describes a filesystem object observation at some instant.
//
// Path is leading-slash, normalised relative to the source root, and is
// expected (never enforced, per the arbitrator's normalisation contract)
// to be identical across REALTIME/SNAPSHOT/AUDIT for the same file.
type Event struct {
	Path           string        `json:"path"`
	EventType      EventType     `json:"event_type"`
	MessageSource  MessageSource `json:"message_source"`
	Mtime          int64         `json:"mtime"`
	Size           int64         `json:"size"`
	IsDirectory    bool          `json:"is_directory"`
	IsAtomicWrite  bool          `json:"is_atomic_write,omitempty"`
	ParentPath     string        `json:"parent_path,omitempty"`
	ParentMtime    *int64        `json:"parent_mtime,omitempty"`
	AuditSkipped   bool          `json:"audit_skipped,omitempty"`
	Index          int64         `json:"index"`
	Metadata       *Metadata     `json:"metadata,omitempty"`
}

// Clone returns a shallow copy of e, safe to hand to a second consumer
// (e.g. a second bus after a split) without aliasing the Metadata pointer.
func (e Event) Clone() Event {
	if e.Metadata != nil {
		m := *e.Metadata
		e.Metadata = &m
	}
	if e.ParentMtime != nil {
		p := *e.ParentMtime
		e.ParentMtime = &p
	}
	return e
}
