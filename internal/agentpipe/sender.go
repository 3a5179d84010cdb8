package agentpipe

import (
	"context"

	"github.com/fustor-io/fustor/internal/transport"
)

// Sender is everything the control loop needs from the ingestion
// transport. *transport.Client satisfies this structurally; tests use a
// fake instead of spinning up an httptest server per case.
type Sender interface {
	CreateSession(ctx context.Context, req transport.CreateSessionRequest) (transport.CreateSessionResponse, error)
	Heartbeat(ctx context.Context, sessionID string, req transport.HeartbeatRequest) (transport.HeartbeatResponse, error)
	CloseSession(ctx context.Context, sessionID string) error
	SendEvents(ctx context.Context, sessionID string, req transport.EventBatchRequest) (transport.EventBatchResponse, error)
	AuditStart(ctx context.Context, sessionID, viewID string) error
	AuditEnd(ctx context.Context, sessionID, viewID string) error
	SentinelTasks(ctx context.Context) ([]transport.SentinelTask, error)
	SentinelFeedback(ctx context.Context, req transport.SentinelFeedbackRequest) error
}

var _ Sender = (*transport.Client)(nil)
