package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shieldstaff/callsignal/internal/directory"
	"github.com/shieldstaff/callsignal/internal/history"
	"github.com/shieldstaff/callsignal/internal/media"
	"github.com/shieldstaff/callsignal/internal/signal"
)

var (
	// ErrAlreadyInCall is the synchronous rejection of InitiateCall while a
	// session exists. No session is created and no state changes.
	ErrAlreadyInCall = errors.New("call: already in a call")

	// ErrInvalidState is returned by local actions that do not apply to the
	// current state (e.g. AnswerCall while not ringing).
	ErrInvalidState = errors.New("call: operation not valid in current state")
)

// DefaultRingTimeout is how long an unanswered call rings before the
// supervisor forces a missed terminal transition.
const DefaultRingTimeout = 45 * time.Second

// endedRetention is how long terminated session ids are remembered so late
// redeliveries for them are dropped instead of treated as new sessions.
const endedRetention = 5 * time.Minute

// sendTimeout bounds a single transport send, including its retries.
const sendTimeout = 30 * time.Second

// Snapshot is the observable coordinator state handed to the UI layer.
type Snapshot struct {
	State       Status
	SessionID   string
	Remote      *directory.Participant
	IsIncoming  bool
	IsMuted     bool
	RemoteMuted bool
	Duration    time.Duration
}

// Options tunes a Coordinator.
type Options struct {
	// RingTimeout overrides DefaultRingTimeout when positive.
	RingTimeout time.Duration
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// OnChange, when set, is invoked from the coordinator's event loop after
	// every applied transition (and once per second while connected, for
	// duration display). It must not call back into the coordinator
	// synchronously.
	OnChange func(Snapshot)
}

// Coordinator owns one user identity's call state. All mutation is
// serialized through a single event queue: local actions, inbound signaling
// events, media callbacks and ring supervisor fires are funneled into the
// same loop and processed one at a time, which is what makes the
// "drop events that don't match current state" rule sufficient.
type Coordinator struct {
	localID     string
	transport   signal.Transport
	adapter     media.Adapter
	store       history.Store
	lookup      directory.Lookup
	ringTimeout time.Duration
	logger      *slog.Logger
	onChange    func(Snapshot)

	cmds   chan func()
	ctx    context.Context
	cancel context.CancelFunc

	// Loop-owned state. Touched only from run().
	state         Status
	session       *Session
	isIncoming    bool
	muted         bool
	remoteMuted   bool
	remote        *directory.Participant
	mediaStarted  bool
	supervisor    *RingSupervisor
	tickStop      chan struct{}
	recentlyEnded map[string]time.Time

	// Published state for concurrent readers.
	mu   sync.RWMutex
	snap Snapshot
}

// NewCoordinator creates a coordinator for localID. Call Start before use.
func NewCoordinator(localID string, transport signal.Transport, adapter media.Adapter,
	store history.Store, lookup directory.Lookup, opts Options) *Coordinator {

	if opts.RingTimeout <= 0 {
		opts.RingTimeout = DefaultRingTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		localID:       localID,
		transport:     transport,
		adapter:       adapter,
		store:         store,
		lookup:        lookup,
		ringTimeout:   opts.RingTimeout,
		logger:        opts.Logger.With("subsystem", "call-coordinator", "user_id", localID),
		onChange:      opts.OnChange,
		cmds:          make(chan func(), 64),
		state:         StatusIdle,
		recentlyEnded: make(map[string]time.Time),
		snap:          Snapshot{State: StatusIdle},
	}
}

// Start launches the event loop and subscribes to the signaling transport.
// The coordinator runs until ctx is cancelled or Stop is called.
func (c *Coordinator) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)

	go c.run()
	go func() {
		if err := c.transport.Subscribe(c.ctx, func(ev signal.Event) {
			c.do(func() { c.handleEvent(ev) })
		}); err != nil {
			c.logger.Error("transport subscription ended", "error", err)
		}
	}()
}

// Stop terminates the event loop. An in-progress session is not ended;
// callers that want a clean hangup should EndCall first.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// LocalID returns the identity this coordinator owns call state for.
func (c *Coordinator) LocalID() string { return c.localID }

// Snapshot returns the current observable state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// run drains the command queue, one entry at a time, in arrival order.
func (c *Coordinator) run() {
	for {
		select {
		case fn := <-c.cmds:
			fn()
		case <-c.ctx.Done():
			c.supervisor.Cancel()
			c.stopTicker()
			return
		}
	}
}

// do enqueues fn for serialized execution.
func (c *Coordinator) do(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.ctx.Done():
	}
}

// ask runs fn on the loop and waits for its error.
func (c *Coordinator) ask(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	c.do(func() { reply <- fn() })
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

// InitiateCall starts an outgoing call to target. It fails with
// ErrAlreadyInCall unless the coordinator is idle; on success the session id
// is returned immediately while the invite delivery and ring supervision
// proceed in the background.
func (c *Coordinator) InitiateCall(ctx context.Context, target, contextRef string) (string, error) {
	if target == "" {
		return "", fmt.Errorf("call: target is required")
	}
	if target == c.localID {
		return "", fmt.Errorf("call: cannot call own identity")
	}

	type result struct {
		id  string
		err error
	}
	reply := make(chan result, 1)
	c.do(func() {
		if c.state != StatusIdle {
			reply <- result{err: ErrAlreadyInCall}
			return
		}

		now := time.Now()
		s := &Session{
			ID:         uuid.NewString(),
			CallerID:   c.localID,
			ReceiverID: target,
			Status:     StatusCalling,
			ContextRef: contextRef,
			CreatedAt:  now,
		}
		c.session = s
		c.state = StatusCalling
		c.isIncoming = false

		c.startSupervisor(s.ID)
		c.resolveRemote(s.ID, target)
		c.sendAsync(target, signal.Event{
			SessionID: s.ID,
			Type:      signal.EventInvite,
			SenderID:  c.localID,
			Payload:   map[string]string{signal.PayloadContext: contextRef},
			SentAt:    now,
		}, true)

		c.logger.Info("outgoing call initiated", "session_id", s.ID, "target", target)
		c.notify()
		reply <- result{id: s.ID}
	})

	select {
	case r := <-reply:
		return r.id, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.ctx.Done():
		return "", c.ctx.Err()
	}
}

// AnswerCall accepts the ringing incoming call: the session moves to
// connecting, an answer event is sent, and the media adapter handshake
// begins. Connected is reached when the adapter reports ready.
func (c *Coordinator) AnswerCall(ctx context.Context) error {
	return c.ask(ctx, func() error {
		if c.state != StatusRinging || c.session == nil {
			return ErrInvalidState
		}

		c.transition(StatusConnecting)
		c.supervisor.Cancel()
		c.supervisor = nil

		c.sendAsync(c.session.CallerID, c.event(signal.EventAnswer), true)
		c.startMedia()

		c.logger.Info("call answered", "session_id", c.session.ID)
		c.notify()
		return nil
	})
}

// RejectCall declines the ringing incoming call.
func (c *Coordinator) RejectCall(ctx context.Context) error {
	return c.ask(ctx, func() error {
		if c.state != StatusRinging || c.session == nil {
			return ErrInvalidState
		}
		c.sendAsync(c.session.CallerID, c.event(signal.EventReject), false)
		c.terminate(StatusDeclined)
		return nil
	})
}

// EndCall hangs up the current session from any non-terminal state. Calling
// it while idle is a no-op: cancellation is always available and never
// fails.
func (c *Coordinator) EndCall(ctx context.Context) error {
	return c.ask(ctx, func() error {
		if c.session == nil || c.state == StatusIdle || c.state.IsTerminal() {
			return nil
		}

		peer := c.session.PeerID(c.localID)
		switch c.state {
		case StatusRinging:
			// Hanging up while ringing is a rejection.
			c.sendAsync(peer, c.event(signal.EventReject), false)
			c.terminate(StatusDeclined)
		case StatusCalling:
			// Giving up before an answer is an abandonment, same as the
			// ring timer firing: the peer sees a cancel either way.
			c.sendAsync(peer, c.event(signal.EventCancel), false)
			c.terminate(StatusEnded)
		case StatusConnecting:
			// The adapter never reached ready.
			c.sendAsync(peer, c.event(signal.EventEnd), false)
			c.terminate(StatusFailed)
		case StatusConnected:
			c.sendAsync(peer, c.event(signal.EventEnd), false)
			c.terminate(StatusEnded)
		}
		return nil
	})
}

// ToggleMute flips the local mute flag, instructs the adapter, and emits a
// mute/unmute event for the remote UI's indicator. It never changes session
// status. The new flag value is returned.
func (c *Coordinator) ToggleMute(ctx context.Context) (bool, error) {
	var muted bool
	err := c.ask(ctx, func() error {
		if c.session == nil || (c.state != StatusConnecting && c.state != StatusConnected) {
			return ErrInvalidState
		}
		c.muted = !c.muted
		muted = c.muted
		c.adapter.SetMuted(c.muted)

		evType := signal.EventUnmute
		if c.muted {
			evType = signal.EventMute
		}
		c.sendAsync(c.session.PeerID(c.localID), c.event(evType), false)
		c.notify()
		return nil
	})
	return muted, err
}

// handleEvent applies one inbound signaling event. Events that do not match
// the current session or state are dropped as no-ops; that guard is what
// makes duplicate delivery and local/remote races safe.
func (c *Coordinator) handleEvent(ev signal.Event) {
	if ev.Type == signal.EventInvite {
		c.handleInvite(ev)
		return
	}

	if c.session == nil || c.session.ID != ev.SessionID {
		c.logger.Debug("dropping event for unknown session",
			"type", ev.Type, "session_id", ev.SessionID)
		return
	}

	switch ev.Type {
	case signal.EventRingAck:
		// Confirmation that the invite reached the remote coordinator.
		c.logger.Debug("remote ringing", "session_id", ev.SessionID)

	case signal.EventAnswer:
		if c.state != StatusCalling {
			c.logger.Debug("dropping answer", "state", c.state, "session_id", ev.SessionID)
			return
		}
		c.transition(StatusConnecting)
		c.supervisor.Cancel()
		c.supervisor = nil
		c.startMedia()
		c.logger.Info("remote answered", "session_id", ev.SessionID)
		c.notify()

	case signal.EventReject:
		if c.state != StatusCalling {
			return
		}
		c.logger.Info("remote rejected", "session_id", ev.SessionID)
		c.terminate(StatusDeclined)

	case signal.EventBusy:
		if c.state != StatusCalling {
			return
		}
		c.logger.Info("remote busy", "session_id", ev.SessionID)
		c.terminate(StatusDeclined)

	case signal.EventCancel:
		if c.state != StatusCalling && c.state != StatusRinging {
			return
		}
		c.logger.Info("remote cancelled", "session_id", ev.SessionID)
		c.terminate(StatusMissed)

	case signal.EventEnd:
		switch c.state {
		case StatusRinging:
			// Caller gave up before we decided.
			c.terminate(StatusMissed)
		case StatusCalling:
			c.terminate(StatusEnded)
		case StatusConnecting:
			// Remote hung up before media was ever established.
			c.terminate(StatusFailed)
		case StatusConnected:
			c.terminate(StatusEnded)
		}

	case signal.EventMute, signal.EventUnmute:
		if c.state != StatusConnecting && c.state != StatusConnected {
			return
		}
		c.remoteMuted = ev.Type == signal.EventMute
		c.notify()

	default:
		c.logger.Warn("dropping event of unknown type", "type", ev.Type, "session_id", ev.SessionID)
	}
}

// handleInvite creates an incoming session, or replies busy without
// touching local state when a call is already in progress.
func (c *Coordinator) handleInvite(ev signal.Event) {
	// Redelivery of the invite for the session we are already tracking, or
	// for a session that recently ended, is a no-op.
	if c.session != nil && c.session.ID == ev.SessionID {
		return
	}
	c.pruneRecentlyEnded()
	if _, ended := c.recentlyEnded[ev.SessionID]; ended {
		return
	}

	if c.state != StatusIdle {
		// Busy reply answers the remote caller only; the in-progress call is
		// not disturbed and no session is created.
		c.logger.Info("busy, declining invite", "session_id", ev.SessionID, "caller", ev.SenderID)
		c.sendAsync(ev.SenderID, signal.Event{
			SessionID: ev.SessionID,
			Type:      signal.EventBusy,
			SenderID:  c.localID,
			SentAt:    time.Now(),
		}, false)
		return
	}

	s := &Session{
		ID:         ev.SessionID,
		CallerID:   ev.SenderID,
		ReceiverID: c.localID,
		Status:     StatusRinging,
		ContextRef: ev.Payload[signal.PayloadContext],
		CreatedAt:  time.Now(),
	}
	c.session = s
	c.state = StatusRinging
	c.isIncoming = true

	c.startSupervisor(s.ID)
	c.resolveRemote(s.ID, ev.SenderID)
	c.sendAsync(ev.SenderID, c.event(signal.EventRingAck), false)

	c.logger.Info("incoming call", "session_id", s.ID, "caller", ev.SenderID)
	c.notify()
}

// handleRingTimeout is the supervisor fire, guarded like any other event.
func (c *Coordinator) handleRingTimeout(sessionID string) {
	if c.session == nil || c.session.ID != sessionID {
		return
	}
	if c.state != StatusCalling && c.state != StatusRinging {
		return
	}
	c.logger.Info("ring timeout", "session_id", sessionID, "state", c.state)
	c.sendAsync(c.session.PeerID(c.localID), c.event(signal.EventCancel), false)
	c.terminate(StatusMissed)
}

// handleTransportFailure resolves the session to failed after a critical
// send exhausted its retries.
func (c *Coordinator) handleTransportFailure(sessionID string) {
	if c.session == nil || c.session.ID != sessionID || c.state.IsTerminal() {
		return
	}
	c.logger.Warn("signaling undeliverable, failing session", "session_id", sessionID)
	c.terminate(StatusFailed)
}

// handleMediaReady moves connecting to connected.
func (c *Coordinator) handleMediaReady(sessionID string) {
	if c.session == nil || c.session.ID != sessionID || c.state != StatusConnecting {
		return
	}
	now := time.Now()
	c.session.ConnectedAt = &now
	c.transition(StatusConnected)
	c.startTicker()
	c.logger.Info("call connected", "session_id", sessionID)
	c.notify()
}

// handleMediaFailure tears the session down after a failed media handshake.
func (c *Coordinator) handleMediaFailure(sessionID string, err error) {
	if c.session == nil || c.session.ID != sessionID || c.state.IsTerminal() {
		return
	}
	c.logger.Warn("media setup failed", "session_id", sessionID, "error", err)
	c.sendAsync(c.session.PeerID(c.localID), c.event(signal.EventEnd), false)
	c.terminate(StatusFailed)
}

// terminate applies the terminal transition: cancel supervision, tear down
// media, persist exactly one history row from the local perspective, then
// return to idle.
func (c *Coordinator) terminate(status Status) {
	if c.session == nil || c.state.IsTerminal() {
		return
	}

	c.supervisor.Cancel()
	c.supervisor = nil
	c.stopTicker()

	now := time.Now()
	c.session.EndedAt = &now
	c.session.Status = status
	c.transition(status)

	if c.mediaStarted {
		c.adapter.Teardown(c.session.ID)
		c.mediaStarted = false
	}

	c.persist(c.session)
	c.recentlyEnded[c.session.ID] = now
	c.notify()

	c.logger.Info("call ended",
		"session_id", c.session.ID,
		"status", status,
		"duration_seconds", c.session.DurationSeconds(),
	)

	c.session = nil
	c.remote = nil
	c.isIncoming = false
	c.muted = false
	c.remoteMuted = false
	c.state = StatusIdle
	c.notify()
}

// transition moves the machine to next, enforcing the transition table.
func (c *Coordinator) transition(next Status) {
	if !c.state.canTransition(next) {
		// The per-event guards should make this unreachable.
		c.logger.Error("illegal transition suppressed", "from", c.state, "to", next)
		return
	}
	c.state = next
}

// persist writes the local perspective's history row. Failures are logged,
// not surfaced: history must never block the call from reaching idle.
func (c *Coordinator) persist(s *Session) {
	direction := history.DirectionIncoming
	if s.CallerID == c.localID {
		direction = history.DirectionOutgoing
	}
	rec := &history.Record{
		SessionID:       s.ID,
		OwnerID:         c.localID,
		CallerID:        s.CallerID,
		ReceiverID:      s.ReceiverID,
		Direction:       direction,
		Status:          string(s.Status),
		DurationSeconds: s.DurationSeconds(),
		ContextRef:      s.ContextRef,
		CreatedAt:       s.CreatedAt,
		ConnectedAt:     s.ConnectedAt,
		EndedAt:         s.EndedAt,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.Upsert(ctx, rec); err != nil {
		c.logger.Error("failed to persist call history",
			"session_id", s.ID, "error", err)
	}
}

// startMedia begins the adapter handshake; its callbacks re-enter the queue.
func (c *Coordinator) startMedia() {
	sid := c.session.ID
	c.mediaStarted = true
	c.adapter.Setup(c.ctx, sid,
		func() { c.do(func() { c.handleMediaReady(sid) }) },
		func(err error) { c.do(func() { c.handleMediaFailure(sid, err) }) },
	)
}

// startSupervisor arms the ring deadline for the session.
func (c *Coordinator) startSupervisor(sessionID string) {
	c.supervisor = StartRingSupervisor(sessionID, c.ringTimeout, func(id string) {
		c.do(func() { c.handleRingTimeout(id) })
	})
}

// sendAsync delivers ev off the event loop so the queue never blocks on the
// transport. When critical is set, retry exhaustion is fed back into the
// queue as a transport failure for the session.
func (c *Coordinator) sendAsync(recipientID string, ev signal.Event, critical bool) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := c.transport.Send(ctx, recipientID, ev); err != nil {
			c.logger.Warn("event send failed",
				"type", ev.Type, "session_id", ev.SessionID, "error", err)
			if critical {
				c.do(func() { c.handleTransportFailure(ev.SessionID) })
			}
		}
	}()
}

// resolveRemote fetches the peer's profile off the event loop and attaches
// it to the session if it is still current.
func (c *Coordinator) resolveRemote(sessionID, userID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p, err := c.lookup.Resolve(ctx, userID)
		if err != nil {
			c.logger.Warn("participant lookup failed", "user_id", userID, "error", err)
			return
		}
		c.do(func() {
			if c.session == nil || c.session.ID != sessionID {
				return
			}
			c.remote = p
			c.notify()
		})
	}()
}

// event builds an outbound event for the current session.
func (c *Coordinator) event(t signal.EventType) signal.Event {
	return signal.Event{
		SessionID: c.session.ID,
		Type:      t,
		SenderID:  c.localID,
		SentAt:    time.Now(),
	}
}

// startTicker emits a snapshot once per second while connected so the UI
// can display a live duration.
func (c *Coordinator) startTicker() {
	stop := make(chan struct{})
	c.tickStop = stop
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				c.do(func() {
					if c.state == StatusConnected {
						c.notify()
					}
				})
			case <-stop:
				return
			case <-c.ctx.Done():
				return
			}
		}
	}()
}

func (c *Coordinator) stopTicker() {
	if c.tickStop != nil {
		close(c.tickStop)
		c.tickStop = nil
	}
}

// pruneRecentlyEnded drops terminated-session markers past retention.
func (c *Coordinator) pruneRecentlyEnded() {
	cutoff := time.Now().Add(-endedRetention)
	for id, endedAt := range c.recentlyEnded {
		if endedAt.Before(cutoff) {
			delete(c.recentlyEnded, id)
		}
	}
}

// notify publishes the current snapshot and invokes the change callback.
func (c *Coordinator) notify() {
	snap := Snapshot{
		State:       c.state,
		IsIncoming:  c.isIncoming,
		IsMuted:     c.muted,
		RemoteMuted: c.remoteMuted,
		Remote:      c.remote,
	}
	if c.session != nil {
		snap.SessionID = c.session.ID
		if c.session.ConnectedAt != nil {
			end := time.Now()
			if c.session.EndedAt != nil {
				end = *c.session.EndedAt
			}
			snap.Duration = end.Sub(*c.session.ConnectedAt)
		}
	}

	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()

	if c.onChange != nil {
		c.onChange(snap)
	}
}
