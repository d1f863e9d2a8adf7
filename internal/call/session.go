package call

import "time"

// Session is one coordinator's ephemeral view of a two-party call. It is
// created by InitiateCall (caller side) or by the first invite for an
// unknown session id (receiver side), mutated only by the owning
// coordinator's event loop, and mirrored into the history store on the
// terminal transition.
type Session struct {
	ID         string
	CallerID   string
	ReceiverID string
	Status     Status
	ContextRef string // opaque business reference, never inspected
	CreatedAt  time.Time

	ConnectedAt *time.Time // set at most once
	EndedAt     *time.Time
}

// DurationSeconds returns the connected duration, or 0 when the session
// never connected or has not yet ended.
func (s *Session) DurationSeconds() int {
	if s.ConnectedAt == nil || s.EndedAt == nil {
		return 0
	}
	d := int(s.EndedAt.Sub(*s.ConnectedAt).Seconds())
	if d < 0 {
		return 0
	}
	return d
}

// PeerID returns the other participant from localID's perspective.
func (s *Session) PeerID(localID string) string {
	if localID == s.CallerID {
		return s.ReceiverID
	}
	return s.CallerID
}
