package gateway

import (
	"context"
	"time"

	"github.com/shieldstaff/callsignal/internal/signal"
)

// SendEventRequest is the payload for POST /v1/events.
type SendEventRequest struct {
	RecipientID string       `json:"recipient_id"`
	Event       signal.Event `json:"event"`
}

// SendEventResponse is the data payload of POST /v1/events.
type SendEventResponse struct {
	Accepted  bool   `json:"accepted"`
	SessionID string `json:"session_id"`
}

// DrainResponse is the data payload of GET /v1/events.
type DrainResponse struct {
	Events []signal.Event `json:"events"`
}

// PendingResponse is the data payload of GET /v1/pending.
type PendingResponse struct {
	Event *signal.Event `json:"event"`
}

// TokenRequest is the payload for POST /v1/auth/token.
type TokenRequest struct {
	UserID string `json:"user_id"`
	APIKey string `json:"api_key"`
}

// TokenResponse is the data payload of POST /v1/auth/token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RegisterDeviceRequest is the payload for POST /v1/devices.
type RegisterDeviceRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"` // "fcm"
}

// Account is a marketplace identity allowed to use the signaling gateway.
type Account struct {
	UserID     string
	APIKeyHash string // bcrypt
	CreatedAt  time.Time
}

// Device is a registered push token used to wake an offline recipient.
type Device struct {
	UserID    string
	Token     string
	Platform  string
	UpdatedAt time.Time
}

// RelayLogEntry records one relayed event for audit and debugging.
type RelayLogEntry struct {
	SenderID    string
	RecipientID string
	SessionID   string
	EventType   string
	Woke        bool
	Timestamp   time.Time
}

// AccountStore abstracts account and device persistence.
// Implemented by the PostgreSQL store in pgstore.
type AccountStore interface {
	// GetAccount returns the account for userID, or nil, nil when unknown.
	GetAccount(ctx context.Context, userID string) (*Account, error)

	// GetDevice returns the registered device for userID, or nil, nil when
	// the user has no device token.
	GetDevice(ctx context.Context, userID string) (*Device, error)

	// UpsertDevice registers or replaces the user's device token.
	UpsertDevice(ctx context.Context, dev *Device) error
}

// RelayLogger records relayed events. A nil logger disables relay logging.
type RelayLogger interface {
	Log(ctx context.Context, entry RelayLogEntry) error
}

// WakeSender delivers an out-of-band wake-up push so an offline recipient's
// app can reconnect and fetch its pending invite.
type WakeSender interface {
	Wake(ctx context.Context, dev *Device, ev signal.Event) error
}

// Mailbox buffers events per recipient between sends and long-poll drains,
// and tracks the single pending invite used by the reconnect reconciliation
// query.
type Mailbox interface {
	Append(ctx context.Context, userID string, ev signal.Event) error

	// Drain returns buffered events for userID, blocking up to wait for the
	// first one. An empty result after the wait is not an error.
	Drain(ctx context.Context, userID string, wait time.Duration) ([]signal.Event, error)

	SetPending(ctx context.Context, userID string, ev signal.Event, ttl time.Duration) error
	Pending(ctx context.Context, userID string) (*signal.Event, error)
	ClearPending(ctx context.Context, userID string) error
}
