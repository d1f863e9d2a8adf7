// Package directory resolves user identities to display information for the
// call UI and history listings. Profiles are owned by the marketplace's user
// service; this package only consumes them.
package directory

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a user id does not resolve to a profile.
var ErrNotFound = errors.New("directory: user not found")

// Participant is the read-through projection of a user profile. It is
// fetched per session for display and never cached indefinitely.
type Participant struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	AvatarRef   string `json:"avatar_ref"`
}

// Lookup resolves a user id to a Participant.
type Lookup interface {
	Resolve(ctx context.Context, userID string) (*Participant, error)
}
