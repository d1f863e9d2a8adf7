// Package history persists the durable record of attempted and completed
// calls. Each participant records its own perspective of a session; rows are
// keyed by (session_id, owner_id) and written as idempotent upserts, so both
// sides independently observing the same terminal transition is safe.
package history

import (
	"context"
	"time"
)

// Direction values for a record, from the owner's perspective.
const (
	DirectionOutgoing = "outgoing"
	DirectionIncoming = "incoming"
)

// Record is one participant's durable view of a call session.
type Record struct {
	ID              int64
	SessionID       string
	OwnerID         string // the participant whose perspective this row is
	CallerID        string
	ReceiverID      string
	Direction       string // outgoing if owner is the caller, else incoming
	Status          string // terminal status: ended, missed, declined, failed
	DurationSeconds int    // only meaningful when Status is "ended"
	ContextRef      string // opaque business reference, e.g. a shift id
	CreatedAt       time.Time
	ConnectedAt     *time.Time
	EndedAt         *time.Time
}

// PeerID returns the other participant of the call from localID's
// perspective.
func (r Record) PeerID(localID string) string {
	if r.CallerID == localID {
		return r.ReceiverID
	}
	return r.CallerID
}

// Filter selects which records List returns.
type Filter string

const (
	FilterAll      Filter = "all"
	FilterIncoming Filter = "incoming"
	FilterOutgoing Filter = "outgoing"
	// FilterMissed matches calls that never connected on purpose or by
	// timeout: status missed or declined.
	FilterMissed Filter = "missed"
)

// ListOptions carries filtering and pagination for List queries.
type ListOptions struct {
	Filter Filter
	Limit  int // 0 means the store default
}

// Store is the durable call history repository.
type Store interface {
	// Upsert writes rec keyed by (session_id, owner_id). Calling it again
	// with the same terminal state is a no-op.
	Upsert(ctx context.Context, rec *Record) error

	// List returns the owner's records newest-first, filtered per opts.
	List(ctx context.Context, ownerID string, opts ListOptions) ([]Record, error)
}
