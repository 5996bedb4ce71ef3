package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"parlor/cmd/internal/auth"
	v1 "parlor/shared/contracts/realtime/v1"

	"aidanwoods.dev/go-paseto"
	"github.com/coder/websocket"
)

func testConfig(t *testing.T) Config {
	t.Helper()

	cfg := Config{
		HTTPAddr:       "127.0.0.1:0",
		LogLevel:       "debug",
		Store:          StoreMemory,
		DBSchema:       "parlor",
		SendRateLimit:  100,
		SendRateWindow: time.Minute,
		HTTPRateLimit:  1000,
		HTTPRateWindow: time.Minute,
		SeedUsers:      []string{"alice:Alice", "bob"},
		Auth:           auth.DefaultConfig(),
	}
	cfg.Auth.PasetoV4SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
	cfg.WS.OriginRequired = false
	return cfg
}

func newTestApp(t *testing.T, cfg Config) (*App, *httptest.Server) {
	t.Helper()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), cfg, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		a.rooms.Shutdown()
		srv.Close()
		a.close(context.Background())
	})
	return a, srv
}

func issue(t *testing.T, a *App, userID string) string {
	t.Helper()
	tok, _, err := a.Tokens().Issue(userID, time.Now().UTC())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func doJSON(t *testing.T, method, u, token string, body any) (*http.Response, []byte) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, u, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, u, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp, out
}

func TestApp_HealthReadyMetrics(t *testing.T) {
	t.Parallel()

	_, srv := newTestApp(t, testConfig(t))

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != "ok" {
		t.Fatalf("healthz: %d %q", resp.StatusCode, body)
	}
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("security headers missing: %q", got)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/readyz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz: %d", resp.StatusCode)
	}

	want := `parlor_http_requests_total{method="GET",route="/healthz",status="200"}`
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, body = doJSON(t, http.MethodGet, srv.URL+"/metrics", "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("metrics: %d", resp.StatusCode)
		}
		if strings.Contains(string(body), want) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("metrics missing %s:\n%s", want, body)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestApp_ReadinessRequiresDB(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.ReadinessRequireDB = true
	_, srv := newTestApp(t, cfg)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/readyz", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz with memory store: %d want 503", resp.StatusCode)
	}
}

func TestApp_ConversationFlowOverHTTP(t *testing.T) {
	t.Parallel()

	a, srv := newTestApp(t, testConfig(t))
	alice := issue(t, a, "alice")
	bob := issue(t, a, "bob")

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/conversations/direct", alice, map[string]any{"otherUserId": "bob"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create direct: %d %s", resp.StatusCode, body)
	}
	var conv struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &conv); err != nil || conv.ID == "" {
		t.Fatalf("decode conversation: %v %s", err, body)
	}

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/conversations/"+conv.ID+"/messages", bob, map[string]any{
		"content": "hi alice", "kind": "text", "clientMsgId": "c-1",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("send: %d %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/conversations/"+conv.ID+"/messages", alice, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", resp.StatusCode, body)
	}
	var chunk v1.MessagesChunkPayload
	if err := json.Unmarshal(body, &chunk); err != nil {
		t.Fatalf("decode chunk: %v", err)
	}
	if len(chunk.Messages) != 1 || chunk.Messages[0].Content != "hi alice" {
		t.Fatalf("unexpected chunk: %+v", chunk)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/conversations", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list: %d", resp.StatusCode)
	}
}

func TestApp_WebsocketHello(t *testing.T) {
	t.Parallel()

	a, srv := newTestApp(t, testConfig(t))

	u, _ := url.Parse(srv.URL)
	u.Scheme = "ws"
	u.Path = "/ws"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   http.Header{"Authorization": {"Bearer " + issue(t, a, "alice")}},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	env, err := v1.NewEnvelope(v1.TypeHello, "h-1", time.Now().UTC(), v1.HelloPayload{})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	raw, _ := json.Marshal(env)
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got v1.Envelope
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != v1.TypeHelloAck {
		t.Fatalf("type=%q want hello_ack", got.Type)
	}
	var ack v1.HelloAckPayload
	if err := got.Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.UserID != "alice" || ack.ConnectionID == "" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestApp_SQLiteBackend(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Store = ""
	cfg.SQLitePath = filepath.Join(t.TempDir(), "parlor.db")
	cfg.ReadinessRequireDB = true
	a, srv := newTestApp(t, cfg)

	if a.backend.driver != StoreSQLite {
		t.Fatalf("driver=%q want sqlite", a.backend.driver)
	}
	if _, err := a.Users().GetUser(context.Background(), "alice"); err != nil {
		t.Fatalf("seeded user missing: %v", err)
	}

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/readyz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz: %d", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/conversations/group", issue(t, a, "alice"), map[string]any{"participantIds": []string{"bob"}})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create group: %d %s", resp.StatusCode, body)
	}
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	a, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestParseSeedUsers(t *testing.T) {
	t.Parallel()

	got := parseSeedUsers([]string{" alice:Alice A ", "bob", "", ":nameless", "carol:"})
	if len(got) != 3 {
		t.Fatalf("len=%d want 3: %+v", len(got), got)
	}
	if got[0].ID != "alice" || got[0].DisplayName != "Alice A" {
		t.Fatalf("first=%+v", got[0])
	}
	if got[1].ID != "bob" || got[1].DisplayName != "" {
		t.Fatalf("second=%+v", got[1])
	}
	if got[2].ID != "carol" {
		t.Fatalf("third=%+v", got[2])
	}
}
