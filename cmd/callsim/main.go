package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/shieldstaff/callsignal/internal/call"
	"github.com/shieldstaff/callsignal/internal/directory"
	"github.com/shieldstaff/callsignal/internal/history"
	"github.com/shieldstaff/callsignal/internal/media"
	"github.com/shieldstaff/callsignal/internal/signal"
)

// callsim drives two in-process call coordinators through a chosen scenario
// over an in-memory signaling hub and prints every state transition plus the
// resulting call history. It exists to eyeball the call lifecycle without a
// gateway, a database server or real devices.

type party struct {
	id    string
	coord *call.Coordinator
	media *media.Loopback
	store *history.DB
}

func main() {
	scenario := flag.String("scenario", "answered", "scenario to run (answered, missed, rejected, busy, adapter-failure)")
	talk := flag.Duration("talk", 3*time.Second, "how long the parties stay connected in the answered scenario")
	ringTimeout := flag.Duration("ring-timeout", 2*time.Second, "ring window before a call is missed")
	logLevel := flag.String("log-level", "warn", "log level (debug, info, warn, error)")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	dataDir, err := os.MkdirTemp("", "callsim-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "callsim: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dataDir)

	lookup := directory.NewStaticLookup(
		directory.Participant{UserID: "guard-7", DisplayName: "Dana Reyes", Role: "guard"},
		directory.Participant{UserID: "manager-1", DisplayName: "Sam Okafor", Role: "manager"},
		directory.Participant{UserID: "manager-2", DisplayName: "Priya Nair", Role: "manager"},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := signal.NewMemoryHub()
	caller, err := newParty(ctx, "manager-1", hub, lookup, dataDir, *ringTimeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "callsim: %v\n", err)
		os.Exit(1)
	}
	defer caller.store.Close()
	receiver, err := newParty(ctx, "guard-7", hub, lookup, dataDir, *ringTimeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "callsim: %v\n", err)
		os.Exit(1)
	}
	defer receiver.store.Close()

	fmt.Printf("scenario: %s\n\n", *scenario)

	var runErr error
	switch *scenario {
	case "answered":
		runErr = runAnswered(ctx, caller, receiver, *talk)
	case "missed":
		runErr = runMissed(ctx, caller, receiver, *ringTimeout)
	case "rejected":
		runErr = runRejected(ctx, caller, receiver)
	case "busy":
		runErr = runBusy(ctx, caller, receiver, hub, lookup, dataDir, *ringTimeout, *talk)
	case "adapter-failure":
		runErr = runAdapterFailure(ctx, caller, receiver)
	default:
		fmt.Fprintf(os.Stderr, "callsim: unknown scenario %q\n", *scenario)
		os.Exit(2)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "callsim: scenario failed: %v\n", runErr)
		os.Exit(1)
	}

	fmt.Println()
	printHistory(ctx, caller, lookup)
	printHistory(ctx, receiver, lookup)
}

// newParty wires one identity: its own coordinator, loopback media adapter
// and sqlite history store, all attached to the shared hub.
func newParty(ctx context.Context, id string, hub *signal.MemoryHub, lookup directory.Lookup, dataDir string, ringTimeout time.Duration) (*party, error) {
	store, err := history.Open(filepath.Join(dataDir, id))
	if err != nil {
		return nil, fmt.Errorf("opening history for %s: %w", id, err)
	}

	adapter := media.NewLoopback()
	adapter.ReadyDelay = 100 * time.Millisecond

	p := &party{id: id, media: adapter, store: store}
	p.coord = call.NewCoordinator(id, hub.Endpoint(id), adapter, store, lookup, call.Options{
		RingTimeout: ringTimeout,
		OnChange: func(s call.Snapshot) {
			if s.State == call.StatusConnected && s.Duration > 0 {
				return // once-per-second duration refreshes, not transitions
			}
			fmt.Printf("%-10s %-10s session=%s muted=%v\n", id, s.State, short(s.SessionID), s.IsMuted)
		},
	})
	p.coord.Start(ctx)
	return p, nil
}

func runAnswered(ctx context.Context, caller, receiver *party, talk time.Duration) error {
	if _, err := caller.coord.InitiateCall(ctx, receiver.id, "shift-4812"); err != nil {
		return err
	}
	if err := waitFor(receiver.coord, call.StatusRinging); err != nil {
		return err
	}
	if err := receiver.coord.AnswerCall(ctx); err != nil {
		return err
	}
	if err := waitFor(caller.coord, call.StatusConnected); err != nil {
		return err
	}
	if err := waitFor(receiver.coord, call.StatusConnected); err != nil {
		return err
	}

	if _, err := caller.coord.ToggleMute(ctx); err != nil {
		return err
	}
	time.Sleep(talk)
	if _, err := caller.coord.ToggleMute(ctx); err != nil {
		return err
	}

	if err := caller.coord.EndCall(ctx); err != nil {
		return err
	}
	return waitIdle(caller.coord, receiver.coord)
}

func runMissed(ctx context.Context, caller, receiver *party, ringTimeout time.Duration) error {
	if _, err := caller.coord.InitiateCall(ctx, receiver.id, "shift-4812"); err != nil {
		return err
	}
	if err := waitFor(receiver.coord, call.StatusRinging); err != nil {
		return err
	}
	// Nobody answers; both supervisors fire.
	time.Sleep(ringTimeout + 500*time.Millisecond)
	return waitIdle(caller.coord, receiver.coord)
}

func runRejected(ctx context.Context, caller, receiver *party) error {
	if _, err := caller.coord.InitiateCall(ctx, receiver.id, "shift-4812"); err != nil {
		return err
	}
	if err := waitFor(receiver.coord, call.StatusRinging); err != nil {
		return err
	}
	if err := receiver.coord.RejectCall(ctx); err != nil {
		return err
	}
	return waitIdle(caller.coord, receiver.coord)
}

// runBusy connects the two parties, then has a third identity dial the
// busy receiver. The intruder's call must resolve to declined while the
// live call stays connected.
func runBusy(ctx context.Context, caller, receiver *party, hub *signal.MemoryHub, lookup directory.Lookup, dataDir string, ringTimeout, talk time.Duration) error {
	intruder, err := newParty(ctx, "manager-2", hub, lookup, dataDir, ringTimeout)
	if err != nil {
		return err
	}
	defer intruder.store.Close()

	if _, err := caller.coord.InitiateCall(ctx, receiver.id, "shift-4812"); err != nil {
		return err
	}
	if err := waitFor(receiver.coord, call.StatusRinging); err != nil {
		return err
	}
	if err := receiver.coord.AnswerCall(ctx); err != nil {
		return err
	}
	if err := waitFor(caller.coord, call.StatusConnected); err != nil {
		return err
	}

	if _, err := intruder.coord.InitiateCall(ctx, receiver.id, "shift-9001"); err != nil {
		return err
	}
	if err := waitIdle(intruder.coord); err != nil {
		return err
	}

	// The caller also tries a second outgoing call, which must fail fast.
	if _, err := caller.coord.InitiateCall(ctx, receiver.id, ""); err != nil {
		fmt.Printf("%-10s second call rejected locally: %v\n", caller.id, err)
	}

	time.Sleep(talk)
	if err := receiver.coord.EndCall(ctx); err != nil {
		return err
	}
	if err := waitIdle(caller.coord, receiver.coord); err != nil {
		return err
	}
	printHistory(ctx, intruder, lookup)
	return nil
}

func runAdapterFailure(ctx context.Context, caller, receiver *party) error {
	receiver.media.FailSetup = true

	if _, err := caller.coord.InitiateCall(ctx, receiver.id, "shift-4812"); err != nil {
		return err
	}
	if err := waitFor(receiver.coord, call.StatusRinging); err != nil {
		return err
	}
	if err := receiver.coord.AnswerCall(ctx); err != nil {
		return err
	}
	return waitIdle(caller.coord, receiver.coord)
}

// waitFor polls until the coordinator reaches state or five seconds pass.
func waitFor(c *call.Coordinator, state call.Status) error {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.Snapshot().State == state {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("%s never reached %s (now %s)", c.LocalID(), state, c.Snapshot().State)
}

func waitIdle(coords ...*call.Coordinator) error {
	for _, c := range coords {
		if err := waitFor(c, call.StatusIdle); err != nil {
			return err
		}
	}
	return nil
}

func printHistory(ctx context.Context, p *party, lookup directory.Lookup) {
	svc := history.NewService(p.store, lookup, slog.Default())
	entries, err := svc.List(ctx, p.id, history.ListOptions{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "callsim: listing history for %s: %v\n", p.id, err)
		return
	}

	fmt.Printf("history for %s:\n", p.id)
	for _, e := range entries {
		peer := e.PeerID(p.id)
		if e.Peer != nil {
			peer = fmt.Sprintf("%s (%s)", e.Peer.DisplayName, e.Peer.Role)
		}
		fmt.Printf("  %-8s %-8s %3ds  peer=%s context=%s\n",
			e.Direction, e.Status, e.DurationSeconds, peer, e.ContextRef)
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
