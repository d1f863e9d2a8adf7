package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ClientConfig configures a GatewayClient.
type ClientConfig struct {
	// BaseURL is the signaling gateway endpoint (e.g. "https://signal.shieldstaff.com").
	BaseURL string
	// UserID is the local identity this client sends and receives as.
	UserID string
	// APIKey authenticates the identity with the gateway's token endpoint.
	APIKey string
	// MaxAttempts bounds Send retries. Zero means the default of 3.
	MaxAttempts int
	// RetryBase is the first backoff interval; it doubles per attempt.
	// Zero means the default of 250ms.
	RetryBase time.Duration
	// PollWait is the long-poll wait passed to the gateway. Zero means 25s.
	PollWait time.Duration
}

// GatewayClient implements Transport against the signaling gateway's HTTP
// API: POST /v1/events to send, long-polled GET /v1/events to receive, and
// GET /v1/pending for the reconnect reconciliation query.
type GatewayClient struct {
	httpClient *http.Client
	cfg        ClientConfig
	logger     *slog.Logger

	mu    sync.Mutex
	token string
}

// NewGatewayClient creates a signaling transport client for one identity.
func NewGatewayClient(cfg ClientConfig, logger *slog.Logger) *GatewayClient {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 250 * time.Millisecond
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = 25 * time.Second
	}
	return &GatewayClient{
		// The long-poll request must be allowed to outlive PollWait.
		httpClient: &http.Client{Timeout: cfg.PollWait + 10*time.Second},
		cfg:        cfg,
		logger:     logger.With("subsystem", "signal-client", "user_id", cfg.UserID),
	}
}

// sendRequest is the payload for POST /v1/events.
type sendRequest struct {
	RecipientID string `json:"recipient_id"`
	Event       Event  `json:"event"`
}

// drainResponse is the data payload of GET /v1/events.
type drainResponse struct {
	Events []Event `json:"events"`
}

// pendingResponse is the data payload of GET /v1/pending.
type pendingResponse struct {
	Event *Event `json:"event"`
}

// tokenRequest is the payload for POST /v1/auth/token.
type tokenRequest struct {
	UserID string `json:"user_id"`
	APIKey string `json:"api_key"`
}

// tokenResponse is the data payload of POST /v1/auth/token.
type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// envelope is the gateway's standard response wrapper.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// gatewayError is a non-200 gateway response with its status preserved so
// Send can tell retryable failures from definitive rejections.
type gatewayError struct {
	status int
	msg    string
}

func (e *gatewayError) Error() string {
	if e.msg != "" {
		return fmt.Sprintf("signal: gateway error (status %d): %s", e.status, e.msg)
	}
	return fmt.Sprintf("signal: gateway returned status %d", e.status)
}

// retryable reports whether another attempt could plausibly succeed.
// Client errors are definitive: the gateway already understood the request
// and rejected it. 408 and 429 are transient and stay retryable.
func (e *gatewayError) retryable() bool {
	if e.status == http.StatusRequestTimeout || e.status == http.StatusTooManyRequests {
		return true
	}
	return e.status < 400 || e.status >= 500
}

// Send delivers ev to recipientID, retrying failed attempts with bounded
// exponential backoff. Exhausting the budget returns an error wrapping
// ErrRetryExhausted.
func (c *GatewayClient) Send(ctx context.Context, recipientID string, ev Event) error {
	body, err := json.Marshal(sendRequest{RecipientID: recipientID, Event: ev})
	if err != nil {
		return fmt.Errorf("signal: marshalling event: %w", err)
	}

	backoff := c.cfg.RetryBase
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		lastErr = c.do(ctx, http.MethodPost, "/v1/events", body, nil)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("signal: sending %s: %w", ev.Type, ctx.Err())
		}
		var gwErr *gatewayError
		if errors.As(lastErr, &gwErr) && !gwErr.retryable() {
			return fmt.Errorf("signal: sending %s: %w", ev.Type, lastErr)
		}
		c.logger.Warn("send attempt failed",
			"type", ev.Type,
			"session_id", ev.SessionID,
			"attempt", attempt,
			"error", lastErr,
		)
		if attempt < c.cfg.MaxAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("signal: sending %s: %w", ev.Type, ctx.Err())
			}
			backoff *= 2
		}
	}
	return fmt.Errorf("signal: sending %s after %d attempts: %v: %w",
		ev.Type, c.cfg.MaxAttempts, lastErr, ErrRetryExhausted)
}

// Subscribe long-polls the gateway for inbound events and dispatches each to
// onEvent. On (re)connect it first runs the pending-invite reconciliation so
// an invite pushed while the client was offline is still surfaced. Returns
// when ctx is cancelled.
func (c *GatewayClient) Subscribe(ctx context.Context, onEvent func(Event)) error {
	reconcile := true
	for {
		if ctx.Err() != nil {
			return nil
		}

		if reconcile {
			if pending, err := c.Pending(ctx); err != nil {
				c.logger.Warn("pending reconciliation failed", "error", err)
			} else if pending != nil {
				onEvent(*pending)
			}
			reconcile = false
		}

		var resp drainResponse
		path := fmt.Sprintf("/v1/events?wait=%s", c.cfg.PollWait)
		if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("event poll failed, backing off", "error", err)
			select {
			case <-time.After(c.cfg.RetryBase * 4):
			case <-ctx.Done():
				return nil
			}
			// The gateway may have dropped events while we were away.
			reconcile = true
			continue
		}

		for _, ev := range resp.Events {
			onEvent(ev)
		}
	}
}

// Pending fetches the undelivered invite waiting for the local identity.
func (c *GatewayClient) Pending(ctx context.Context) (*Event, error) {
	var resp pendingResponse
	if err := c.do(ctx, http.MethodGet, "/v1/pending", nil, &resp); err != nil {
		return nil, fmt.Errorf("signal: fetching pending invite: %w", err)
	}
	return resp.Event, nil
}

// do performs one authenticated request against the gateway, decoding the
// envelope data into out when non-nil. A 401 triggers a single token refresh
// and retry of the request.
func (c *GatewayClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	for refreshed := false; ; {
		token, err := c.authToken(ctx, false)
		if err != nil {
			return err
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
		if err != nil {
			return fmt.Errorf("signal: creating request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("signal: request failed: %w", err)
		}
		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("signal: reading response: %w", err)
		}

		if resp.StatusCode == http.StatusUnauthorized && !refreshed {
			refreshed = true
			if _, err := c.authToken(ctx, true); err != nil {
				return err
			}
			continue
		}

		var env envelope
		if resp.StatusCode != http.StatusOK {
			gwErr := &gatewayError{status: resp.StatusCode}
			if json.Unmarshal(respBody, &env) == nil {
				gwErr.msg = env.Error
			}
			return gwErr
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(respBody, &env); err != nil {
			return fmt.Errorf("signal: decoding response: %w", err)
		}
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("signal: decoding response data: %w", err)
		}
		return nil
	}
}

// authToken returns the cached bearer token, exchanging the API key for a
// fresh one when none is cached or force is set.
func (c *GatewayClient) authToken(ctx context.Context, force bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && !force {
		return c.token, nil
	}

	body, err := json.Marshal(tokenRequest{UserID: c.cfg.UserID, APIKey: c.cfg.APIKey})
	if err != nil {
		return "", fmt.Errorf("signal: marshalling token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/auth/token", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("signal: creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("signal: token request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("signal: reading token response: %w", err)
	}

	var env envelope
	if resp.StatusCode != http.StatusOK {
		if json.Unmarshal(respBody, &env) == nil && env.Error != "" {
			return "", fmt.Errorf("signal: token exchange failed (status %d): %s", resp.StatusCode, env.Error)
		}
		return "", fmt.Errorf("signal: token exchange returned status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(respBody, &env); err != nil {
		return "", fmt.Errorf("signal: decoding token response: %w", err)
	}
	var tok tokenResponse
	if err := json.Unmarshal(env.Data, &tok); err != nil {
		return "", fmt.Errorf("signal: decoding token data: %w", err)
	}

	c.token = tok.Token
	slog.Debug("gateway token refreshed", "user_id", c.cfg.UserID, "expires_at", tok.ExpiresAt)
	return c.token, nil
}
