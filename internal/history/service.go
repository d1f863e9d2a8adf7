package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shieldstaff/callsignal/internal/directory"
)

// Entry is a history record enriched with the other participant's profile.
type Entry struct {
	Record
	// Peer is the other party's profile, or nil if the directory no longer
	// knows the user.
	Peer *directory.Participant
}

// Service layers directory enrichment over a Store so listings can show who
// the other party was. The store itself stays storage-only.
type Service struct {
	store  Store
	lookup directory.Lookup
	logger *slog.Logger
}

// NewService creates a history listing service.
func NewService(store Store, lookup directory.Lookup, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		lookup: lookup,
		logger: logger.With("subsystem", "call-history"),
	}
}

// List returns the owner's history newest-first, each entry enriched with
// the other participant. Profiles are fetched per call; a participant the
// directory cannot resolve yields a nil Peer, not an error.
func (s *Service) List(ctx context.Context, ownerID string, opts ListOptions) ([]Entry, error) {
	recs, err := s.store.List(ctx, ownerID, opts)
	if err != nil {
		return nil, fmt.Errorf("listing history for %q: %w", ownerID, err)
	}

	entries := make([]Entry, 0, len(recs))
	for _, rec := range recs {
		peerID := rec.PeerID(ownerID)
		peer, err := s.lookup.Resolve(ctx, peerID)
		if err != nil && !errors.Is(err, directory.ErrNotFound) {
			s.logger.Warn("participant lookup failed",
				"user_id", peerID,
				"session_id", rec.SessionID,
				"error", err,
			)
		}

		entries = append(entries, Entry{Record: rec, Peer: peer})
	}

	return entries, nil
}
