package signal

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemoryHub is an in-process signaling transport connecting any number of
// identities through buffered channels. It backs the call simulator and the
// coordinator tests, replacing what would otherwise be a second copy of the
// call lifecycle wired to fake timers.
//
// Fault injection: Drop and Duplicate make the hub lose or redeliver events
// of a given type, which is how the at-least-once contract is exercised.
type MemoryHub struct {
	mu        sync.Mutex
	boxes     map[string]chan Event
	pending   map[string]Event // latest undelivered invite per recipient
	dropTypes map[EventType]bool
	dupTypes  map[EventType]bool
	delay     time.Duration
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		boxes:     make(map[string]chan Event),
		pending:   make(map[string]Event),
		dropTypes: make(map[EventType]bool),
		dupTypes:  make(map[EventType]bool),
	}
}

// Drop makes the hub silently discard all events of the given type.
func (h *MemoryHub) Drop(t EventType) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropTypes[t] = true
}

// Duplicate makes the hub deliver every event of the given type twice.
func (h *MemoryHub) Duplicate(t EventType) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dupTypes[t] = true
}

// SetDelay makes every delivery wait d before reaching the recipient.
func (h *MemoryHub) SetDelay(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delay = d
}

// Endpoint returns the transport bound to the given identity, creating its
// mailbox on first use.
func (h *MemoryHub) Endpoint(userID string) *MemoryEndpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.boxes[userID]; !ok {
		h.boxes[userID] = make(chan Event, 64)
	}
	return &MemoryEndpoint{hub: h, userID: userID}
}

// deliver routes an event into the recipient's mailbox, applying any
// configured faults.
func (h *MemoryHub) deliver(recipientID string, ev Event) {
	h.mu.Lock()
	if h.dropTypes[ev.Type] {
		h.mu.Unlock()
		return
	}
	copies := 1
	if h.dupTypes[ev.Type] {
		copies = 2
	}
	delay := h.delay
	box, ok := h.boxes[recipientID]
	if !ok {
		box = make(chan Event, 64)
		h.boxes[recipientID] = box
	}
	if ev.Type == EventInvite {
		h.pending[recipientID] = ev
	}
	h.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	for i := 0; i < copies; i++ {
		select {
		case box <- ev:
		default:
			slog.Warn("memory hub mailbox full, dropping event",
				"recipient", recipientID, "type", ev.Type, "session_id", ev.SessionID)
		}
	}
}

// MemoryEndpoint is one identity's view of a MemoryHub.
type MemoryEndpoint struct {
	hub    *MemoryHub
	userID string
}

// Send delivers ev to the recipient's mailbox. It never fails: the hub is
// always reachable, so the retry path is not exercised here.
func (e *MemoryEndpoint) Send(ctx context.Context, recipientID string, ev Event) error {
	e.hub.deliver(recipientID, ev)
	return nil
}

// Subscribe dispatches mailbox events to onEvent until ctx is cancelled.
func (e *MemoryEndpoint) Subscribe(ctx context.Context, onEvent func(Event)) error {
	e.hub.mu.Lock()
	box, ok := e.hub.boxes[e.userID]
	if !ok {
		box = make(chan Event, 64)
		e.hub.boxes[e.userID] = box
	}
	e.hub.mu.Unlock()

	for {
		select {
		case ev := <-box:
			e.clearPendingIf(ev)
			onEvent(ev)
		case <-ctx.Done():
			return nil
		}
	}
}

// Pending returns the latest invite sent to this identity that has not yet
// been consumed through Subscribe.
func (e *MemoryEndpoint) Pending(ctx context.Context) (*Event, error) {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	if ev, ok := e.hub.pending[e.userID]; ok {
		return &ev, nil
	}
	return nil, nil
}

func (e *MemoryEndpoint) clearPendingIf(ev Event) {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	if pending, ok := e.hub.pending[e.userID]; ok && pending.SessionID == ev.SessionID {
		// Any event for the session means the invite reached a coordinator.
		delete(e.hub.pending, e.userID)
	}
}
