package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shieldstaff/callsignal/internal/signal"
)

// mockAccountStore implements AccountStore for testing.
type mockAccountStore struct {
	mu       sync.Mutex
	accounts map[string]*Account
	devices  map[string]*Device
}

func newMockAccountStore() *mockAccountStore {
	return &mockAccountStore{
		accounts: make(map[string]*Account),
		devices:  make(map[string]*Device),
	}
}

func (m *mockAccountStore) addAccount(t *testing.T, userID, apiKey string) {
	t.Helper()
	hash, err := HashAPIKey(apiKey)
	if err != nil {
		t.Fatalf("HashAPIKey: %v", err)
	}
	m.mu.Lock()
	m.accounts[userID] = &Account{UserID: userID, APIKeyHash: hash, CreatedAt: time.Now()}
	m.mu.Unlock()
}

func (m *mockAccountStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[userID], nil
}

func (m *mockAccountStore) GetDevice(ctx context.Context, userID string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.devices[userID], nil
}

func (m *mockAccountStore) UpsertDevice(ctx context.Context, dev *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[dev.UserID] = dev
	return nil
}

// mockWakeSender implements WakeSender for testing.
type mockWakeSender struct {
	mu    sync.Mutex
	wakes []signal.Event
}

func (m *mockWakeSender) Wake(ctx context.Context, dev *Device, ev signal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wakes = append(m.wakes, ev)
	return nil
}

func (m *mockWakeSender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.wakes)
}

// mockRelayLogger implements RelayLogger for testing.
type mockRelayLogger struct {
	mu      sync.Mutex
	entries []RelayLogEntry
}

func (m *mockRelayLogger) Log(ctx context.Context, entry RelayLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type serverFixture struct {
	srv     *Server
	store   *mockAccountStore
	mailbox *MemoryMailbox
	wake    *mockWakeSender
	relay   *mockRelayLogger
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	f := &serverFixture{
		store:   newMockAccountStore(),
		mailbox: NewMemoryMailbox(),
		wake:    &mockWakeSender{},
		relay:   &mockRelayLogger{},
	}
	f.store.addAccount(t, "alice", "alice-key")
	f.store.addAccount(t, "bob", "bob-key")
	f.srv = NewServer(f.store, f.mailbox, f.wake, f.relay, nil, testSecret, nil)
	return f
}

func bearerFor(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := GenerateToken(testSecret, userID)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return "Bearer " + token
}

func doJSON(t *testing.T, srv *Server, method, path, auth, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	var env struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&env); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}
	if env.Error != "" {
		t.Fatalf("unexpected error in envelope: %s", env.Error)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		t.Fatalf("decoding data: %v", err)
	}
}

func TestHandleToken_Success(t *testing.T) {
	f := newServerFixture(t)

	w := doJSON(t, f.srv, http.MethodPost, "/v1/auth/token", "",
		`{"user_id":"alice","api_key":"alice-key"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp TokenResponse
	decodeData(t, w, &resp)
	if resp.Token == "" {
		t.Error("expected a token")
	}
	if !resp.ExpiresAt.After(time.Now()) {
		t.Error("token already expired")
	}
}

func TestHandleToken_BadCredentials(t *testing.T) {
	f := newServerFixture(t)

	cases := []string{
		`{"user_id":"alice","api_key":"wrong"}`,
		`{"user_id":"nobody","api_key":"alice-key"}`,
	}
	for _, body := range cases {
		w := doJSON(t, f.srv, http.MethodPost, "/v1/auth/token", "", body)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("body %s: status = %d, want 401", body, w.Code)
		}
	}
}

func TestHandleSendEvent_AppendsToMailbox(t *testing.T) {
	f := newServerFixture(t)

	body := `{"recipient_id":"bob","event":{"session_id":"s1","type":"answer","sender_id":"alice"}}`
	w := doJSON(t, f.srv, http.MethodPost, "/v1/events", bearerFor(t, "alice"), body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp SendEventResponse
	decodeData(t, w, &resp)
	if !resp.Accepted || resp.SessionID != "s1" {
		t.Errorf("got %+v", resp)
	}

	events, err := f.mailbox.Drain(context.Background(), "bob", 0)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(events) != 1 || events[0].Type != signal.EventAnswer {
		t.Errorf("mailbox holds %+v", events)
	}

	f.relay.mu.Lock()
	defer f.relay.mu.Unlock()
	if len(f.relay.entries) != 1 || f.relay.entries[0].EventType != "answer" {
		t.Errorf("relay log = %+v", f.relay.entries)
	}
}

func TestHandleSendEvent_RequiresAuth(t *testing.T) {
	f := newServerFixture(t)

	body := `{"recipient_id":"bob","event":{"session_id":"s1","type":"invite","sender_id":"alice"}}`
	w := doJSON(t, f.srv, http.MethodPost, "/v1/events", "", body)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestHandleSendEvent_SenderMustMatch(t *testing.T) {
	f := newServerFixture(t)

	// Authenticated as alice but claiming to be bob.
	body := `{"recipient_id":"alice","event":{"session_id":"s1","type":"invite","sender_id":"bob"}}`
	w := doJSON(t, f.srv, http.MethodPost, "/v1/events", bearerFor(t, "alice"), body)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestHandleSendEvent_UnknownRecipient(t *testing.T) {
	f := newServerFixture(t)

	body := `{"recipient_id":"ghost","event":{"session_id":"s1","type":"invite","sender_id":"alice"}}`
	w := doJSON(t, f.srv, http.MethodPost, "/v1/events", bearerFor(t, "alice"), body)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHandleSendEvent_InvalidEvent(t *testing.T) {
	f := newServerFixture(t)

	body := `{"recipient_id":"bob","event":{"session_id":"","type":"invite","sender_id":"alice"}}`
	w := doJSON(t, f.srv, http.MethodPost, "/v1/events", bearerFor(t, "alice"), body)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestInviteSetsPendingAndWakes(t *testing.T) {
	f := newServerFixture(t)
	f.store.UpsertDevice(context.Background(), &Device{
		UserID: "bob", Token: "tok", Platform: "fcm", UpdatedAt: time.Now(),
	})

	body := `{"recipient_id":"bob","event":{"session_id":"s1","type":"invite","sender_id":"alice"}}`
	w := doJSON(t, f.srv, http.MethodPost, "/v1/events", bearerFor(t, "alice"), body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	pending, err := f.mailbox.Pending(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if pending == nil || pending.SessionID != "s1" {
		t.Errorf("pending = %+v, want invite for s1", pending)
	}

	// The wake push runs on its own goroutine.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && f.wake.count() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if f.wake.count() != 1 {
		t.Errorf("wake count = %d, want 1", f.wake.count())
	}
}

func TestCancelClearsPending(t *testing.T) {
	f := newServerFixture(t)
	auth := bearerFor(t, "alice")

	invite := `{"recipient_id":"bob","event":{"session_id":"s1","type":"invite","sender_id":"alice"}}`
	if w := doJSON(t, f.srv, http.MethodPost, "/v1/events", auth, invite); w.Code != http.StatusOK {
		t.Fatalf("invite status = %d", w.Code)
	}
	cancel := `{"recipient_id":"bob","event":{"session_id":"s1","type":"cancel","sender_id":"alice"}}`
	if w := doJSON(t, f.srv, http.MethodPost, "/v1/events", auth, cancel); w.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", w.Code)
	}

	pending, err := f.mailbox.Pending(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if pending != nil {
		t.Errorf("pending = %+v, want nil after cancel", pending)
	}
}

func TestHandleDrain(t *testing.T) {
	f := newServerFixture(t)
	f.mailbox.Append(context.Background(), "bob", signal.Event{
		SessionID: "s1", Type: signal.EventInvite, SenderID: "alice", SentAt: time.Now(),
	})

	w := doJSON(t, f.srv, http.MethodGet, "/v1/events?wait=10ms", bearerFor(t, "bob"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp DrainResponse
	decodeData(t, w, &resp)
	if len(resp.Events) != 1 || resp.Events[0].SessionID != "s1" {
		t.Errorf("got %+v", resp.Events)
	}

	// A second drain with nothing buffered returns an empty list.
	w = doJSON(t, f.srv, http.MethodGet, "/v1/events?wait=10ms", bearerFor(t, "bob"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	decodeData(t, w, &resp)
	if len(resp.Events) != 0 {
		t.Errorf("got %+v, want empty", resp.Events)
	}
}

func TestHandleDrain_BadWait(t *testing.T) {
	f := newServerFixture(t)
	w := doJSON(t, f.srv, http.MethodGet, "/v1/events?wait=yesplease", bearerFor(t, "bob"), "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandlePending(t *testing.T) {
	f := newServerFixture(t)

	w := doJSON(t, f.srv, http.MethodGet, "/v1/pending", bearerFor(t, "bob"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp PendingResponse
	decodeData(t, w, &resp)
	if resp.Event != nil {
		t.Errorf("got %+v, want no pending invite", resp.Event)
	}

	f.mailbox.SetPending(context.Background(), "bob", signal.Event{
		SessionID: "s1", Type: signal.EventInvite, SenderID: "alice",
	}, time.Minute)

	w = doJSON(t, f.srv, http.MethodGet, "/v1/pending", bearerFor(t, "bob"), "")
	decodeData(t, w, &resp)
	if resp.Event == nil || resp.Event.SessionID != "s1" {
		t.Errorf("got %+v, want invite for s1", resp.Event)
	}
}

func TestHandleRegisterDevice(t *testing.T) {
	f := newServerFixture(t)

	w := doJSON(t, f.srv, http.MethodPost, "/v1/devices", bearerFor(t, "bob"),
		`{"token":"device-tok","platform":"fcm"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	dev, err := f.store.GetDevice(context.Background(), "bob")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if dev == nil || dev.Token != "device-tok" || dev.Platform != "fcm" {
		t.Errorf("stored device = %+v", dev)
	}
}

func TestHandleRegisterDevice_BadPlatform(t *testing.T) {
	f := newServerFixture(t)

	w := doJSON(t, f.srv, http.MethodPost, "/v1/devices", bearerFor(t, "bob"),
		`{"token":"device-tok","platform":"pager"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t)
	w := doJSON(t, f.srv, http.MethodGet, "/healthz", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}
