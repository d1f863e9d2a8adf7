package signal

import (
	"context"
	"errors"
)

// ErrRetryExhausted is returned by Send when an event could not be delivered
// within the transport's retry budget. The coordinator resolves the session
// to a failed terminal state when a session-establishing send exhausts
// its retries.
var ErrRetryExhausted = errors.New("signal: retry budget exhausted")

// Transport delivers call-control events between two user identities over a
// push channel. Delivery is at-least-once and best-effort ordered per
// session; duplicate delivery is the consumer's problem (the coordinator's
// state guard makes repeats no-ops).
//
// A Transport instance is bound to one local identity.
type Transport interface {
	// Send delivers ev to the given recipient. It blocks until the event is
	// accepted by the channel or the retry budget is exhausted, in which
	// case the returned error wraps ErrRetryExhausted.
	Send(ctx context.Context, recipientID string, ev Event) error

	// Subscribe delivers inbound events to onEvent until ctx is cancelled.
	// Implementations that can miss events while disconnected must perform a
	// pending-invite reconciliation when (re)connecting, so an incoming call
	// is representable by either push or poll-on-reconnect.
	Subscribe(ctx context.Context, onEvent func(Event)) error

	// Pending returns the undelivered invite waiting for the local identity,
	// if any. Transports with no offline window may always return nil.
	Pending(ctx context.Context) (*Event, error)
}
