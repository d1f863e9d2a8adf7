package directory

import "context"

// StaticLookup is a map-backed Lookup for tests and the call simulator.
type StaticLookup struct {
	participants map[string]Participant
}

// NewStaticLookup creates a lookup over a fixed set of participants.
func NewStaticLookup(participants ...Participant) *StaticLookup {
	m := make(map[string]Participant, len(participants))
	for _, p := range participants {
		m[p.UserID] = p
	}
	return &StaticLookup{participants: m}
}

// Resolve returns the participant for userID or ErrNotFound.
func (s *StaticLookup) Resolve(ctx context.Context, userID string) (*Participant, error) {
	p, ok := s.participants[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}
