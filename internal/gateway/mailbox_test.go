package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/shieldstaff/callsignal/internal/signal"
)

func TestMemoryMailboxAppendDrain(t *testing.T) {
	m := NewMemoryMailbox()
	ctx := context.Background()

	m.Append(ctx, "bob", signal.Event{SessionID: "s1", Type: signal.EventInvite, SenderID: "alice"})
	m.Append(ctx, "bob", signal.Event{SessionID: "s1", Type: signal.EventCancel, SenderID: "alice"})

	events, err := m.Drain(ctx, "bob", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Type != signal.EventInvite || events[1].Type != signal.EventCancel {
		t.Errorf("order wrong: %+v", events)
	}

	// Drained means gone.
	events, err = m.Drain(ctx, "bob", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("second drain returned %+v", events)
	}
}

func TestMemoryMailboxDrainBlocksForAppend(t *testing.T) {
	m := NewMemoryMailbox()
	ctx := context.Background()

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.Append(ctx, "bob", signal.Event{SessionID: "s1", Type: signal.EventEnd, SenderID: "alice"})
	}()

	start := time.Now()
	events, err := m.Drain(ctx, "bob", time.Second)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if time.Since(start) >= time.Second {
		t.Error("drain waited the full timeout despite an append")
	}
}

func TestMemoryMailboxDrainTimeout(t *testing.T) {
	m := NewMemoryMailbox()
	events, err := m.Drain(context.Background(), "bob", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if events != nil {
		t.Errorf("got %+v, want nil on timeout", events)
	}
}

func TestMemoryMailboxDrainContextCancel(t *testing.T) {
	m := NewMemoryMailbox()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	if _, err := m.Drain(ctx, "bob", time.Minute); err == nil {
		t.Error("expected context error")
	}
}

func TestMemoryMailboxPendingTTL(t *testing.T) {
	m := NewMemoryMailbox()
	ctx := context.Background()
	invite := signal.Event{SessionID: "s1", Type: signal.EventInvite, SenderID: "alice"}

	m.SetPending(ctx, "bob", invite, 30*time.Millisecond)

	got, err := m.Pending(ctx, "bob")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if got == nil || got.SessionID != "s1" {
		t.Fatalf("got %+v, want invite for s1", got)
	}

	time.Sleep(50 * time.Millisecond)
	got, err = m.Pending(ctx, "bob")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil after ttl", got)
	}
}

func TestMemoryMailboxClearPending(t *testing.T) {
	m := NewMemoryMailbox()
	ctx := context.Background()

	m.SetPending(ctx, "bob", signal.Event{SessionID: "s1", Type: signal.EventInvite, SenderID: "alice"}, time.Minute)
	m.ClearPending(ctx, "bob")

	got, err := m.Pending(ctx, "bob")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil after clear", got)
	}
}
