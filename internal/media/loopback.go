package media

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrSetupFailed is the failure a Loopback reports when configured to fail.
var ErrSetupFailed = errors.New("media: setup failed")

// Loopback is a fake Adapter for tests and the call simulator. It reports
// readiness after a configurable delay, or failure when FailSetup is set.
type Loopback struct {
	// ReadyDelay is how long Setup waits before reporting ready.
	ReadyDelay time.Duration
	// FailSetup makes every Setup resolve to onFailure instead of onReady.
	FailSetup bool

	mu       sync.Mutex
	muted    bool
	active   map[string]bool
	tornDown []string
}

// NewLoopback creates a loopback adapter that reports ready immediately.
func NewLoopback() *Loopback {
	return &Loopback{active: make(map[string]bool)}
}

// Setup resolves to onReady after ReadyDelay, or to onFailure when
// FailSetup is set. Resolution happens on its own goroutine.
func (l *Loopback) Setup(ctx context.Context, sessionID string, onReady func(), onFailure func(error)) {
	l.mu.Lock()
	l.active[sessionID] = true
	fail := l.FailSetup
	delay := l.ReadyDelay
	l.mu.Unlock()

	go func() {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				onFailure(ctx.Err())
				return
			}
		}
		if fail {
			onFailure(ErrSetupFailed)
			return
		}
		onReady()
	}()
}

// Teardown marks the session released. Idempotent.
func (l *Loopback) Teardown(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.active[sessionID] {
		return
	}
	delete(l.active, sessionID)
	l.tornDown = append(l.tornDown, sessionID)
	slog.Debug("loopback media released", "session_id", sessionID)
}

// SetMuted records the outbound mute flag.
func (l *Loopback) SetMuted(muted bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.muted = muted
}

// Muted reports the current outbound mute flag.
func (l *Loopback) Muted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.muted
}

// TornDown returns the session ids released so far, in order.
func (l *Loopback) TornDown() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.tornDown...)
}

// ActiveSessions returns the number of sessions set up but not torn down.
func (l *Loopback) ActiveSessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}
