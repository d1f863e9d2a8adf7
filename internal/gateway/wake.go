package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/shieldstaff/callsignal/internal/signal"
)

// FCMSender wakes offline recipients via Firebase Cloud Messaging so their
// app can reconnect and run the pending-invite reconciliation.
type FCMSender struct {
	client *messaging.Client
}

// NewFCMSender initialises a Firebase app from the service-account JSON
// file at credentialsFile. If credentialsFile is empty, the SDK falls back
// to GOOGLE_APPLICATION_CREDENTIALS or the default service account.
func NewFCMSender(ctx context.Context, credentialsFile string) (*FCMSender, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining messaging client: %w", err)
	}

	slog.Info("fcm wake sender initialised")
	return &FCMSender{client: client}, nil
}

// Wake sends a high-priority data push carrying the session and caller so
// the app can surface the incoming call after reconnecting. The TTL matches
// the ring window: waking the app later than that is pointless.
func (f *FCMSender) Wake(ctx context.Context, dev *Device, ev signal.Event) error {
	if dev.Platform != "fcm" {
		return fmt.Errorf("fcm wake: unsupported platform %q", dev.Platform)
	}

	ttl := 45 * time.Second
	msg := &messaging.Message{
		Token: dev.Token,
		Data: map[string]string{
			"type":       "incoming_call",
			"session_id": ev.SessionID,
			"caller_id":  ev.SenderID,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			TTL:      &ttl,
		},
	}

	id, err := f.client.Send(ctx, msg)
	if err != nil {
		if messaging.IsUnregistered(err) {
			return fmt.Errorf("fcm wake: token no longer valid: %w", err)
		}
		return fmt.Errorf("fcm wake: send failed: %w", err)
	}

	slog.Debug("fcm wake sent", "message_id", id, "session_id", ev.SessionID)
	return nil
}
