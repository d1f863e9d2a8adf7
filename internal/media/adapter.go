// Package media defines the contract the call coordinator uses to drive the
// audio path. The actual transport (codec negotiation, packet flow) lives in
// an external component; the coordinator only needs setup, teardown and mute
// control.
package media

import "context"

// Adapter establishes and tears down the audio path for a call session.
//
// Setup is asynchronous: exactly one of onReady or onFailure is invoked once
// the handshake resolves. Both callbacks may fire on an arbitrary goroutine;
// the coordinator re-enters them into its own event queue.
type Adapter interface {
	Setup(ctx context.Context, sessionID string, onReady func(), onFailure func(error))

	// Teardown releases the audio path for the session. Safe to call for a
	// session whose setup never completed, and safe to call more than once.
	Teardown(sessionID string)

	// SetMuted mutes or unmutes the outbound audio track.
	SetMuted(muted bool)
}
