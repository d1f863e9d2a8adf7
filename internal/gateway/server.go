package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shieldstaff/callsignal/internal/signal"
)

// pendingInviteTTL bounds how long a buffered invite is offered to a
// reconnecting recipient. It outlives the ring window slightly so a client
// that reconnects right at the deadline still learns about the call and can
// observe its cancellation.
const pendingInviteTTL = 60 * time.Second

// defaultDrainWait is the long-poll hold time when the client does not pass
// an explicit wait parameter.
const defaultDrainWait = 25 * time.Second

// maxDrainWait caps client-requested long-poll hold times.
const maxDrainWait = 30 * time.Second

// Server holds the signaling gateway HTTP handler dependencies.
type Server struct {
	router      *chi.Mux
	store       AccountStore
	mailbox     Mailbox
	wake        WakeSender
	relayLog    RelayLogger
	rateLimiter *RateLimiter
	jwtSecret   []byte
	metrics     *Metrics
}

// NewServer creates a signaling gateway HTTP server with all routes mounted.
// wake, relayLog, rateLimiter and metrics may be nil to disable the
// corresponding feature.
func NewServer(store AccountStore, mailbox Mailbox, wake WakeSender, relayLog RelayLogger, rateLimiter *RateLimiter, jwtSecret []byte, metrics *Metrics) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		store:       store,
		mailbox:     mailbox,
		wake:        wake,
		relayLog:    relayLog,
		rateLimiter: rateLimiter,
		jwtSecret:   jwtSecret,
		metrics:     metrics,
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes mounts all gateway API routes.
func (s *Server) routes() {
	r := s.router

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/auth/token", s.handleToken)

		r.Group(func(r chi.Router) {
			r.Use(RequireAuth(s.jwtSecret))

			// Writes are rate limited; long-poll reads are bounded by the
			// wait parameter instead.
			if s.rateLimiter != nil {
				r.With(s.rateLimiter.Middleware).Post("/events", s.handleSendEvent)
				r.With(s.rateLimiter.Middleware).Post("/devices", s.handleRegisterDevice)
			} else {
				r.Post("/events", s.handleSendEvent)
				r.Post("/devices", s.handleRegisterDevice)
			}
			r.Get("/events", s.handleDrain)
			r.Get("/pending", s.handlePending)
		})
	})
}

// handleToken handles POST /v1/auth/token — exchange user id + api key for
// a bearer token.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.UserID == "" || req.APIKey == "" {
		writeError(w, http.StatusBadRequest, "user_id and api_key are required")
		return
	}

	account, err := s.store.GetAccount(r.Context(), req.UserID)
	if err != nil {
		slog.Error("token: account lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if account == nil || !VerifyAPIKey(account.APIKeyHash, req.APIKey) {
		if s.metrics != nil {
			s.metrics.authFailures.Inc()
		}
		// Identical response for unknown user and bad key.
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := GenerateToken(s.jwtSecret, req.UserID)
	if err != nil {
		slog.Error("token: signing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if s.metrics != nil {
		s.metrics.tokensIssued.Inc()
	}
	writeJSON(w, http.StatusOK, TokenResponse{Token: token, ExpiresAt: expiresAt})
}

// handleSendEvent handles POST /v1/events — relay one signaling event to a
// recipient's mailbox, waking the recipient's device for invites.
func (s *Server) handleSendEvent(w http.ResponseWriter, r *http.Request) {
	var req SendEventRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.RecipientID == "" {
		writeError(w, http.StatusBadRequest, "recipient_id is required")
		return
	}
	if err := req.Event.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	senderID := authUserID(r.Context())
	if req.Event.SenderID != senderID {
		writeError(w, http.StatusForbidden, "event sender must match authenticated user")
		return
	}

	recipient, err := s.store.GetAccount(r.Context(), req.RecipientID)
	if err != nil {
		slog.Error("send: recipient lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if recipient == nil {
		writeError(w, http.StatusNotFound, "unknown recipient")
		return
	}

	if err := s.mailbox.Append(r.Context(), req.RecipientID, req.Event); err != nil {
		slog.Error("send: mailbox append failed", "error", err, "recipient_id", req.RecipientID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	woke := false
	switch req.Event.Type {
	case signal.EventInvite:
		if err := s.mailbox.SetPending(r.Context(), req.RecipientID, req.Event, pendingInviteTTL); err != nil {
			slog.Error("send: storing pending invite failed", "error", err, "recipient_id", req.RecipientID)
		}
		woke = s.wakeRecipient(req.RecipientID, req.Event)
	case signal.EventCancel, signal.EventEnd:
		if err := s.mailbox.ClearPending(r.Context(), req.RecipientID); err != nil {
			slog.Error("send: clearing pending invite failed", "error", err, "recipient_id", req.RecipientID)
		}
	}

	if s.metrics != nil {
		s.metrics.eventsRelayed.WithLabelValues(string(req.Event.Type)).Inc()
	}
	if s.relayLog != nil {
		entry := RelayLogEntry{
			SenderID:    senderID,
			RecipientID: req.RecipientID,
			SessionID:   req.Event.SessionID,
			EventType:   string(req.Event.Type),
			Woke:        woke,
			Timestamp:   time.Now(),
		}
		if err := s.relayLog.Log(r.Context(), entry); err != nil {
			slog.Error("send: failed to write relay log", "error", err)
		}
	}

	slog.Debug("event relayed",
		"type", req.Event.Type,
		"session_id", req.Event.SessionID,
		"sender_id", senderID,
		"recipient_id", req.RecipientID,
		"woke", woke)

	writeJSON(w, http.StatusOK, SendEventResponse{
		Accepted:  true,
		SessionID: req.Event.SessionID,
	})
}

// wakeRecipient sends an out-of-band push for an invite when the recipient
// has a registered device. Failures are logged, never surfaced to the
// sender: the mailbox already holds the invite.
func (s *Server) wakeRecipient(recipientID string, ev signal.Event) bool {
	if s.wake == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	dev, err := s.store.GetDevice(ctx, recipientID)
	if err != nil {
		cancel()
		slog.Error("wake: device lookup failed", "error", err, "recipient_id", recipientID)
		return false
	}
	if dev == nil {
		cancel()
		return false
	}

	if s.metrics != nil {
		s.metrics.wakeAttempts.Inc()
	}
	go func() {
		defer cancel()
		if err := s.wake.Wake(ctx, dev, ev); err != nil {
			if s.metrics != nil {
				s.metrics.wakeFailures.Inc()
			}
			slog.Warn("wake: push delivery failed", "error", err, "recipient_id", recipientID)
		}
	}()
	return true
}

// handleDrain handles GET /v1/events — long-poll for buffered events.
func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	userID := authUserID(r.Context())

	wait := defaultDrainWait
	if raw := r.URL.Query().Get("wait"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid wait duration")
			return
		}
		if parsed > maxDrainWait {
			parsed = maxDrainWait
		}
		wait = parsed
	}

	events, err := s.mailbox.Drain(r.Context(), userID, wait)
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away mid-poll.
			return
		}
		slog.Error("drain: mailbox read failed", "error", err, "user_id", userID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if s.metrics != nil {
		s.metrics.drainsTotal.Inc()
	}
	if events == nil {
		events = []signal.Event{}
	}
	writeJSON(w, http.StatusOK, DrainResponse{Events: events})
}

// handlePending handles GET /v1/pending — the reconnect reconciliation
// query for an undelivered invite.
func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	userID := authUserID(r.Context())

	ev, err := s.mailbox.Pending(r.Context(), userID)
	if err != nil {
		slog.Error("pending: mailbox read failed", "error", err, "user_id", userID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if ev != nil && s.metrics != nil {
		s.metrics.pendingHits.Inc()
	}
	writeJSON(w, http.StatusOK, PendingResponse{Event: ev})
}

// handleRegisterDevice handles POST /v1/devices — register a push token for
// wake-ups.
func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req RegisterDeviceRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	if req.Platform != "fcm" {
		writeError(w, http.StatusBadRequest, "platform must be fcm")
		return
	}

	dev := &Device{
		UserID:    authUserID(r.Context()),
		Token:     req.Token,
		Platform:  req.Platform,
		UpdatedAt: time.Now(),
	}
	if err := s.store.UpsertDevice(r.Context(), dev); err != nil {
		slog.Error("devices: upsert failed", "error", err, "user_id", dev.UserID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("device registered", "user_id", dev.UserID, "platform", dev.Platform)
	writeJSON(w, http.StatusOK, map[string]bool{"registered": true})
}

// envelope is the standard response wrapper for the gateway API.
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// writeJSON writes a JSON response with the given status code and data payload.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		slog.Error("failed to encode json error response", "error", err)
	}
}

// maxRequestBodySize is the upper limit for JSON request bodies (1 MB).
const maxRequestBodySize = 1 << 20

// readJSON decodes a JSON request body into dst with size limiting.
// Returns a user-friendly error string on failure, or "" on success.
func readJSON(r *http.Request, dst any) string {
	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return "invalid request body"
	}

	if dec.More() {
		return "request body must contain a single json object"
	}

	return ""
}
