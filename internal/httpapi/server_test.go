package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/chatrelay/internal/config"
	"github.com/antoniostano/chatrelay/internal/contextcache"
	"github.com/antoniostano/chatrelay/internal/llm"
	"github.com/antoniostano/chatrelay/internal/memory"
	"github.com/antoniostano/chatrelay/internal/observability"
	"github.com/antoniostano/chatrelay/internal/pipeline"
	"github.com/antoniostano/chatrelay/internal/summarize"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func testMetrics(name string) *observability.Metrics {
	return observability.NewMetrics("test_httpapi_" + name + "_" + time.Now().Format("150405") + "_" + time.Now().Format("000000000"))
}

func newTestServer(t *testing.T, cfg config.Config, name string) *httptest.Server {
	t.Helper()
	cache := contextcache.New(memory.NewInMemoryStore(), contextcache.Options{Logger: quiet})
	engine := summarize.NewEngine(nil, summarize.DefaultPolicy(), quiet)
	stages := observability.NewStageWindow(16)
	conv := pipeline.New(cache, engine, llm.NewMockClient(), pipeline.Options{Logger: quiet, Stages: stages})
	srv := New(cfg, conv, testMetrics(name), Options{StoreMode: "in-memory", Stages: stages, Logger: quiet})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, url, err)
	}
	defer res.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(res.Body).Decode(&payload)
	return res, payload
}

func TestChatAndContextLifecycle(t *testing.T) {
	ts := newTestServer(t, config.Config{}, "lifecycle")

	res, payload := do(t, http.MethodPost, ts.URL+"/v1/chat", "secret-1", map[string]any{"message": "hello"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("POST /v1/chat status = %d, want 200 (%v)", res.StatusCode, payload)
	}
	if payload["reply"] != "I heard you: hello" {
		t.Fatalf("reply = %v", payload["reply"])
	}
	if res.Header.Get("X-Request-ID") == "" {
		t.Fatalf("missing X-Request-ID header")
	}

	res, payload = do(t, http.MethodGet, ts.URL+"/v1/context", "secret-1", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET /v1/context status = %d", res.StatusCode)
	}
	if payload["user_id"] != keyForToken("secret-1") {
		t.Fatalf("user_id = %v, want hashed token", payload["user_id"])
	}
	if history, _ := payload["conversation_history"].([]any); len(history) != 2 {
		t.Fatalf("conversation_history = %v, want 2 turns", payload["conversation_history"])
	}

	// Another credential sees its own, empty context.
	_, payload = do(t, http.MethodGet, ts.URL+"/v1/context", "secret-2", nil)
	if payload["exists"] != false {
		t.Fatalf("other user context = %v, want missing", payload)
	}

	res, payload = do(t, http.MethodPost, ts.URL+"/v1/context/clear", "secret-1", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("POST /v1/context/clear status = %d", res.StatusCode)
	}
	if history, _ := payload["conversation_history"].([]any); len(history) != 0 || payload["token_usage"] != float64(0) {
		t.Fatalf("cleared context = %v", payload)
	}

	res, payload = do(t, http.MethodGet, ts.URL+"/v1/context/stats", "", nil)
	if res.StatusCode != http.StatusOK || payload["cache_size"] != float64(1) {
		t.Fatalf("GET /v1/context/stats = %d %v", res.StatusCode, payload)
	}

	if res, _ = do(t, http.MethodDelete, ts.URL+"/v1/context", "secret-1", nil); res.StatusCode != http.StatusOK {
		t.Fatalf("DELETE /v1/context status = %d, want 200", res.StatusCode)
	}
	if res, _ = do(t, http.MethodDelete, ts.URL+"/v1/context", "secret-1", nil); res.StatusCode != http.StatusNotFound {
		t.Fatalf("second DELETE /v1/context status = %d, want 404", res.StatusCode)
	}
}

func TestChatValidation(t *testing.T) {
	ts := newTestServer(t, config.Config{}, "validation")

	res, payload := do(t, http.MethodPost, ts.URL+"/v1/chat", "", map[string]any{"message": "hi"})
	if res.StatusCode != http.StatusUnauthorized || payload["code"] != "invalid_credentials" {
		t.Fatalf("no identity = %d %v, want 401 invalid_credentials", res.StatusCode, payload)
	}

	res, payload = do(t, http.MethodPost, ts.URL+"/v1/chat", "tok", map[string]any{"message": "   "})
	if res.StatusCode != http.StatusBadRequest || payload["code"] != "empty_message" {
		t.Fatalf("blank message = %d %v, want 400 empty_message", res.StatusCode, payload)
	}

	res, payload = do(t, http.MethodPost, ts.URL+"/v1/chat", "tok", nil)
	if res.StatusCode != http.StatusBadRequest || payload["code"] != "empty_message" {
		t.Fatalf("empty body = %d %v, want 400 empty_message", res.StatusCode, payload)
	}
}

func TestUserHeaderRequiresOptIn(t *testing.T) {
	for _, allow := range []bool{false, true} {
		ts := newTestServer(t, config.Config{AllowUserHeader: allow}, fmt.Sprintf("header_%v", allow))
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/context", nil)
		req.Header.Set("X-User-ID", "alice")
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET /v1/context error = %v", err)
		}
		res.Body.Close()
		want := http.StatusUnauthorized
		if allow {
			want = http.StatusOK
		}
		if res.StatusCode != want {
			t.Fatalf("AllowUserHeader=%v status = %d, want %d", allow, res.StatusCode, want)
		}
	}
}

type failingConversations struct {
	err error
}

func (f failingConversations) ProcessTurn(context.Context, pipeline.TurnRequest) (pipeline.TurnResult, error) {
	return pipeline.TurnResult{}, f.err
}
func (f failingConversations) ClearContext(context.Context, string) (pipeline.ContextSnapshot, error) {
	return pipeline.ContextSnapshot{}, f.err
}
func (f failingConversations) DeleteContext(context.Context, string) (bool, error) { return false, f.err }
func (f failingConversations) ContextSnapshot(context.Context, string) (pipeline.ContextSnapshot, error) {
	return pipeline.ContextSnapshot{}, f.err
}
func (f failingConversations) CacheStats(context.Context) contextcache.Stats { return contextcache.Stats{} }

func TestChatErrorMapping(t *testing.T) {
	cases := []struct {
		err       error
		status    int
		code      string
		retryable bool
	}{
		{pipeline.ErrEmptyMessage, http.StatusBadRequest, "empty_message", false},
		{fmt.Errorf("%w: bad key", pipeline.ErrInvalidCredentials), http.StatusUnauthorized, "invalid_credentials", false},
		{fmt.Errorf("%w after 30s", pipeline.ErrTimeout), http.StatusGatewayTimeout, "upstream_timeout", true},
		{&pipeline.UpstreamError{StatusCode: 503, Err: errors.New("overloaded")}, http.StatusBadGateway, "upstream_error", true},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error", false},
	}
	for i, tc := range cases {
		srv := New(config.Config{}, failingConversations{err: tc.err}, testMetrics(fmt.Sprintf("errors_%d", i)), Options{Logger: quiet})
		ts := httptest.NewServer(srv.Router())
		res, payload := do(t, http.MethodPost, ts.URL+"/v1/chat", "tok", map[string]any{"message": "hi"})
		ts.Close()
		if res.StatusCode != tc.status || payload["code"] != tc.code {
			t.Fatalf("%v: got %d %v, want %d %s", tc.err, res.StatusCode, payload["code"], tc.status, tc.code)
		}
		retryable, _ := payload["retryable"].(bool)
		if retryable != tc.retryable {
			t.Fatalf("%v: retryable = %v, want %v", tc.err, retryable, tc.retryable)
		}
	}
}

func TestChatWebsocket(t *testing.T) {
	ts := newTestServer(t, config.Config{}, "ws")
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/chat/ws"

	if _, res, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatalf("Dial() without identity succeeded")
	} else if res == nil || res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Dial() without identity = %v, want 401", res)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?access_token=ws-secret", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	read := func() map[string]any {
		t.Helper()
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		return frame
	}

	if frame := read(); frame["type"] != "system_event" || frame["code"] != "connected" {
		t.Fatalf("first frame = %v, want connected event", frame)
	}

	if err := conn.WriteJSON(map[string]any{"type": "chat_turn", "request_id": "r1", "message": "ping me"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	frame := read()
	if frame["type"] != "assistant_reply" || frame["request_id"] != "r1" || frame["reply"] != "I heard you: ping me" {
		t.Fatalf("reply frame = %v", frame)
	}

	if err := conn.WriteJSON(map[string]any{"type": "chat_turn", "request_id": "r2", "message": ""}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if frame := read(); frame["type"] != "error_event" || frame["code"] != "empty_message" {
		t.Fatalf("empty message frame = %v", frame)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if frame := read(); frame["type"] != "error_event" || frame["code"] != "invalid_client_message" {
		t.Fatalf("invalid frame reply = %v", frame)
	}

	if err := conn.WriteJSON(map[string]any{"type": "client_control", "action": "clear"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if frame := read(); frame["code"] != "context_cleared" {
		t.Fatalf("clear frame = %v", frame)
	}
}

func TestHealthAndPerf(t *testing.T) {
	ts := newTestServer(t, config.Config{}, "health")

	res, payload := do(t, http.MethodGet, ts.URL+"/healthz", "", nil)
	if res.StatusCode != http.StatusOK || payload["store_mode"] != "in-memory" {
		t.Fatalf("GET /healthz = %d %v", res.StatusCode, payload)
	}
	if res, _ := do(t, http.MethodGet, ts.URL+"/readyz", "", nil); res.StatusCode != http.StatusOK {
		t.Fatalf("GET /readyz status = %d", res.StatusCode)
	}

	do(t, http.MethodPost, ts.URL+"/v1/chat", "tok", map[string]any{"message": "hello"})
	res, payload = do(t, http.MethodGet, ts.URL+"/v1/perf/latency", "", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET /v1/perf/latency status = %d", res.StatusCode)
	}
	stages, _ := payload["stages"].([]any)
	if len(stages) == 0 {
		t.Fatalf("perf stages empty after a turn: %v", payload)
	}
}

func TestKeyForToken(t *testing.T) {
	a := keyForToken("token-a")
	if !strings.HasPrefix(a, userKeyPrefix) || len(a) != len(userKeyPrefix)+32 {
		t.Fatalf("keyForToken() = %q, want key_ + 32 hex chars", a)
	}
	if a != keyForToken("token-a") {
		t.Fatalf("keyForToken() not deterministic")
	}
	if a == keyForToken("token-b") {
		t.Fatalf("keyForToken() collided for different tokens")
	}
	if strings.Contains(a, "token-a") {
		t.Fatalf("keyForToken() leaks the raw token")
	}
}

type brokenConn struct {
	closed chan struct{}
}

func (c *brokenConn) SetWriteDeadline(time.Time) error { return nil }
func (c *brokenConn) WriteMessage(int, []byte) error  { return errors.New("broken pipe") }
func (c *brokenConn) WriteJSON(any) error             { return errors.New("broken pipe") }
func (c *brokenConn) Close() error {
	close(c.closed)
	return nil
}

func TestWriteFramesClosesConnOnWriteFailure(t *testing.T) {
	srv := New(config.Default(), nil, nil, Options{Logger: quiet})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := &brokenConn{closed: make(chan struct{})}
	outbound := make(chan any, 1)
	outbound <- map[string]string{"type": "system_event"}

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.writeFrames(ctx, cancel, conn, outbound)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("writeFrames() did not return after a failed write")
	}
	select {
	case <-conn.closed:
	default:
		t.Fatalf("conn not closed after a failed write")
	}
	if ctx.Err() == nil {
		t.Fatalf("context not canceled after a failed write")
	}
}

func TestWriteFramesClosesConnOnCancel(t *testing.T) {
	srv := New(config.Default(), nil, nil, Options{Logger: quiet})
	ctx, cancel := context.WithCancel(context.Background())
	conn := &brokenConn{closed: make(chan struct{})}

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.writeFrames(ctx, cancel, conn, make(chan any))
	}()
	cancel()

	select {
	case <-conn.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("conn not closed after cancel")
	}
	<-done
}
