package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/shieldstaff/callsignal/internal/signal"
)

// memoryPending is a buffered pending invite with its expiry.
type memoryPending struct {
	ev        signal.Event
	expiresAt time.Time
}

// MemoryMailbox is an in-process Mailbox for tests and single-node
// deployments. Production uses the Redis implementation.
type MemoryMailbox struct {
	mu      sync.Mutex
	boxes   map[string][]signal.Event
	waiters map[string]chan struct{}
	pending map[string]memoryPending
}

// NewMemoryMailbox creates an empty in-process mailbox.
func NewMemoryMailbox() *MemoryMailbox {
	return &MemoryMailbox{
		boxes:   make(map[string][]signal.Event),
		waiters: make(map[string]chan struct{}),
		pending: make(map[string]memoryPending),
	}
}

// Append buffers ev for userID and wakes a blocked Drain, if any.
func (m *MemoryMailbox) Append(ctx context.Context, userID string, ev signal.Event) error {
	m.mu.Lock()
	m.boxes[userID] = append(m.boxes[userID], ev)
	if waiter, ok := m.waiters[userID]; ok {
		close(waiter)
		delete(m.waiters, userID)
	}
	m.mu.Unlock()
	return nil
}

// Drain returns and clears the user's buffered events, blocking up to wait
// for the first one to arrive.
func (m *MemoryMailbox) Drain(ctx context.Context, userID string, wait time.Duration) ([]signal.Event, error) {
	m.mu.Lock()
	if evs := m.boxes[userID]; len(evs) > 0 {
		delete(m.boxes, userID)
		m.mu.Unlock()
		return evs, nil
	}

	waiter, ok := m.waiters[userID]
	if !ok {
		waiter = make(chan struct{})
		m.waiters[userID] = waiter
	}
	m.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-waiter:
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.Lock()
	evs := m.boxes[userID]
	delete(m.boxes, userID)
	m.mu.Unlock()
	return evs, nil
}

// SetPending stores the user's pending invite with an expiry.
func (m *MemoryMailbox) SetPending(ctx context.Context, userID string, ev signal.Event, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[userID] = memoryPending{ev: ev, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Pending returns the user's unexpired pending invite, if any.
func (m *MemoryMailbox) Pending(ctx context.Context, userID string) (*signal.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[userID]
	if !ok {
		return nil, nil
	}
	if time.Now().After(p.expiresAt) {
		delete(m.pending, userID)
		return nil, nil
	}
	ev := p.ev
	return &ev, nil
}

// ClearPending removes the user's pending invite.
func (m *MemoryMailbox) ClearPending(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, userID)
	return nil
}
