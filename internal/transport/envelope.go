// Package transport defines the wire envelope for fustor's HTTP/JSON
// protocol (spec.md §4.6, §6.1): request/response DTOs shared by the
// ingestion client (agent pipe) and the ingestion/query HTTP servers.
//
// Grounded on _teacher/infrastructure/middleware's JSON response helpers
// and _teacher/system/events/router.go's request/response struct style.
// agent_status is carried as raw JSON and read permissively with
// tidwall/gjson rather than unmarshalled into a fixed struct, since the
// set of host/agent fields an operator wants to see in a heartbeat is
// expected to grow without a protocol version bump.
package transport

import (
	"encoding/json"
	"errors"

	"github.com/tidwall/gjson"

	"github.com/fustor-io/fustor/internal/model"
)

// StatusSessionObsolete is the HTTP status used on every ingestion
// endpoint except session DELETE to mean "session obsolete, create a new
// one" (spec.md §4.6).
const StatusSessionObsolete = 419

// ErrSessionObsolete is the sentinel a handler returns to trigger a 419.
var ErrSessionObsolete = errors.New("transport: session obsolete")

// ErrSessionAlreadyClosed models the session-DELETE 404 case, which is
// explicitly not an error (spec.md §4.6).
var ErrSessionAlreadyClosed = errors.New("transport: session already closed")

// CreateSessionRequest is the body of POST /api/v1/pipe/session/.
type CreateSessionRequest struct {
	TaskID                string `json:"task_id"`
	AgentID               string `json:"agent_id"`
	SessionTimeoutSeconds int64  `json:"session_timeout_seconds,omitempty"`
}

// CreateSessionResponse is the response to session creation.
type CreateSessionResponse struct {
	SessionID             string     `json:"session_id"`
	Role                  model.Role `json:"role"`
	SessionTimeoutSeconds int64      `json:"session_timeout_seconds"`
	ViewIDs               []string   `json:"view_ids"`
	LeaderSessionID       string     `json:"leader_session_id"`
}

// HeartbeatRequest is the body of POST /api/v1/pipe/session/{id}/heartbeat.
type HeartbeatRequest struct {
	AgentStatus          json.RawMessage `json:"agent_status"`
	LatestCommittedIndex int64           `json:"latest_committed_index"`
}

// HeartbeatResponse carries the role, any pending commands, and the
// resolved session timeout.
type HeartbeatResponse struct {
	Role                  model.Role      `json:"role"`
	Commands              []model.Command `json:"commands,omitempty"`
	SessionTimeoutSeconds int64           `json:"session_timeout_seconds"`
}

// EventBatchRequest is the body of POST /api/v1/pipe/{session_id}/events.
type EventBatchRequest struct {
	Events               []model.Event `json:"events"`
	IsFinalSnapshot       bool          `json:"is_final_snapshot,omitempty"`
	IsFinalAudit          bool          `json:"is_final_audit,omitempty"`
	LatestCommittedIndex  int64         `json:"latest_committed_index"`
}

// EventBatchResponse acknowledges a batch and may request a resync.
type EventBatchResponse struct {
	Accepted       bool `json:"accepted"`
	SnapshotNeeded bool `json:"snapshot_needed,omitempty"`
}

// AuditBoundaryRequest is the body of both audit/start and audit/end.
type AuditBoundaryRequest struct {
	SessionID string `json:"session_id"`
	ViewID    string `json:"view_id"`
}

// SentinelTask is one entry of GET /consistency/sentinel/tasks.
type SentinelTask struct {
	Path string `json:"path"`
}

// SentinelFeedbackUpdate is one re-stat result from the agent.
type SentinelFeedbackUpdate struct {
	Path   string `json:"path"`
	Mtime  int64  `json:"mtime"`
	Status string `json:"status"` // "stable" | "changed" | "missing"
}

const (
	SentinelStatusStable  = "stable"
	SentinelStatusChanged = "changed"
	SentinelStatusMissing = "missing"
)

// SentinelFeedbackRequest is the body of POST /consistency/sentinel/feedback.
type SentinelFeedbackRequest struct {
	Updates []SentinelFeedbackUpdate `json:"updates"`
}

// TreeResponseEnvelope wraps every query-side response (spec.md §6.1:
// "Response envelope for tree").
type TreeResponseEnvelope struct {
	Data        any            `json:"data"`
	ScanPending bool           `json:"scan_pending"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// AgentStatusField reads a single field out of a raw agent_status blob
// without requiring a fixed schema on either side of the wire.
func AgentStatusField(raw json.RawMessage, path string) gjson.Result {
	return gjson.GetBytes(raw, path)
}
