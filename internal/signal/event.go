package signal

import (
	"fmt"
	"time"
)

// EventType identifies a call-control message on the signaling channel.
type EventType string

const (
	EventInvite  EventType = "invite"
	EventRingAck EventType = "ring_ack"
	EventAnswer  EventType = "answer"
	EventReject  EventType = "reject"
	EventCancel  EventType = "cancel"
	EventEnd     EventType = "end"
	EventBusy    EventType = "busy"
	EventMute    EventType = "mute"
	EventUnmute  EventType = "unmute"
)

// PayloadContext is the payload key carrying an opaque business reference
// (e.g. a shift or booking id) on an invite. The signaling layer never
// inspects its value.
const PayloadContext = "context"

// Event is the wire message exchanged between two call participants.
// Delivery is at-least-once: consumers may receive the same
// (session_id, type) pair more than once and must treat repeats as no-ops.
type Event struct {
	SessionID string            `json:"session_id"`
	Type      EventType         `json:"type"`
	SenderID  string            `json:"sender_id"`
	Payload   map[string]string `json:"payload,omitempty"`
	SentAt    time.Time         `json:"sent_at"`
}

// Validate checks that the event carries the fields every message requires.
func (e Event) Validate() error {
	if e.SessionID == "" {
		return fmt.Errorf("event: session_id is required")
	}
	if e.SenderID == "" {
		return fmt.Errorf("event: sender_id is required")
	}
	switch e.Type {
	case EventInvite, EventRingAck, EventAnswer, EventReject,
		EventCancel, EventEnd, EventBusy, EventMute, EventUnmute:
		return nil
	default:
		return fmt.Errorf("event: unknown type %q", e.Type)
	}
}
