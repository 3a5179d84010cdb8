// Package source defines the minimal driver boundary the agent pipe
// consumes (spec.md §1: the observation source is an explicit external
// collaborator, not something this module implements in full generality)
// plus one concrete local-filesystem driver good enough to exercise the
// full agent pipe control loop end to end.
package source

import (
	"context"

	"github.com/fustor-io/fustor/internal/model"
)

// AuditItem is one entry from an audit walk: either a full event, or —
// for a directory whose mtime hasn't changed and whose contents were
// therefore not descended into — a silent mtime-only update that still
// needs to land in the agent's audit_mtime_cache (spec.md §4.3 step 6).
type AuditItem struct {
	Event       *model.Event
	Path        string
	MtimeUpdate int64
}

// Driver is the contract an observation source must satisfy. Realtime
// is expected to run for the pipe's entire lifetime; Snapshot and Audit
// are one-shot walks invoked per cycle.
type Driver interface {
	// IterateRealtime streams live filesystem events until ctx is
	// cancelled. The channel is never closed except by cancellation.
	IterateRealtime(ctx context.Context) (<-chan model.Event, error)

	// IterateSnapshot streams a full enumeration of the source; the
	// channel closes when the walk completes, which is how the caller
	// knows to mark its last outbound batch is_final.
	IterateSnapshot(ctx context.Context) (<-chan model.Event, error)

	// IterateAudit streams an audit walk; the channel closes at walk end.
	IterateAudit(ctx context.Context) (<-chan AuditItem, error)
}

// Stater is an optional capability a Driver may implement to support the
// sentinel re-stat sweep (spec.md §4.3 step 7): a single-path lookup
// that's cheaper than a full walk. A Driver that doesn't implement it
// simply never gets sentinel tasks dispatched against it.
type Stater interface {
	Stat(ctx context.Context, path string) (mtime int64, exists bool, err error)
}
