package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chroxy-sh/chroxy/internal/agent"
	"github.com/chroxy-sh/chroxy/internal/config"
	"github.com/chroxy-sh/chroxy/internal/eventbus"
	"github.com/chroxy-sh/chroxy/internal/permission"
	"github.com/chroxy-sh/chroxy/internal/session"
	"github.com/chroxy-sh/chroxy/pkg/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockBackend struct {
	events chan agent.Event

	mu          sync.Mutex
	sent        []string
	permissions []string // requestID:decision pairs
	model       string
	mode        string
	destroyed   bool
}

func newMockBackend() *mockBackend {
	return &mockBackend{
		events: make(chan agent.Event, 64),
		model:  agent.DefaultModel,
		mode:   protocol.ModeApprove,
	}
}

func (m *mockBackend) Start(ctx context.Context) error { return nil }

func (m *mockBackend) Send(ctx context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return agent.ErrDestroyed
	}
	m.sent = append(m.sent, text)
	return nil
}

func (m *mockBackend) Interrupt() error { return nil }

func (m *mockBackend) SetModel(ctx context.Context, id string) error {
	if !agent.KnownModel(id) {
		return agent.ErrUnknownModel
	}
	m.mu.Lock()
	m.model = agent.ResolveModelID(id)
	m.mu.Unlock()
	return nil
}

func (m *mockBackend) SetPermissionMode(mode string) error {
	if !protocol.ValidPermissionMode(mode) {
		return agent.ErrInvalidMode
	}
	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()
	return nil
}

func (m *mockBackend) Model() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.model
}

func (m *mockBackend) PermissionMode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

func (m *mockBackend) AnswerQuestion(toolUseID, answer string) error { return nil }

func (m *mockBackend) RespondPermission(requestID, decision string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return agent.ErrDestroyed
	}
	m.permissions = append(m.permissions, requestID+":"+decision)
	return nil
}

func (m *mockBackend) Events() <-chan agent.Event { return m.events }

func (m *mockBackend) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.destroyed {
		m.destroyed = true
		close(m.events)
	}
	return nil
}

func (m *mockBackend) emit(e agent.Event) { m.events <- e }

func (m *mockBackend) sentTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *mockBackend) permissionResponses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.permissions))
	copy(out, m.permissions)
	return out
}

type harness struct {
	srv      *Server
	http     *httptest.Server
	mgr      *session.Manager
	bus      *eventbus.Bus
	backends chan *mockBackend
}

func newHarness(t *testing.T, authRequired bool) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.Server.AuthRequired = authRequired
	cfg.Server.APIToken = "secret"
	cfg.Limits.DeltaFlushWindow.Duration = 5 * time.Millisecond

	h := &harness{backends: make(chan *mockBackend, 16)}
	factory := func(cwd string) agent.Backend {
		b := newMockBackend()
		h.backends <- b
		return b
	}

	h.bus = eventbus.New()
	bridge := permission.NewBridge(h.bus, time.Minute, discardLogger())
	h.mgr = session.NewManager(session.Options{
		DefaultCwd: t.TempDir(),
		Permission: bridge.Request,
	}, factory, h.bus, discardLogger())
	h.srv = New(cfg, "test", h.mgr, bridge, h.bus, discardLogger())

	if _, err := h.mgr.Create(context.Background(), "", ""); err != nil {
		t.Fatalf("create default session: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go h.srv.pumpEvents(ctx)

	h.http = httptest.NewServer(h.srv.Handler())
	t.Cleanup(func() {
		h.http.Close()
		cancel()
		bridge.Shutdown()
		h.mgr.DestroyAll()
		h.bus.Close()
	})
	return h
}

// backend returns the mock behind the next created session.
func (h *harness) backend(t *testing.T) *mockBackend {
	t.Helper()
	select {
	case b := <-h.backends:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("no backend created")
		return nil
	}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readNext returns the next message from the server as a generic map.
func readNext(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

// await reads until a message of the given type arrives, skipping others.
func await(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	for i := 0; i < 50; i++ {
		msg := readNext(t, conn)
		if msg["type"] == typ {
			return msg
		}
	}
	t.Fatalf("no %q message received", typ)
	return nil
}

func sendJSON(t *testing.T, conn *websocket.Conn, msg any) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// drainBootstrap consumes everything up to the end of the initial replay.
func drainBootstrap(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	await(t, conn, protocol.TypeHistoryReplayEnd)
}

// bootstrap drains the bootstrap sequence and returns the assigned client id.
func bootstrap(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	msg := await(t, conn, protocol.TypeAuthOK)
	id, _ := msg["clientId"].(string)
	if id == "" {
		t.Fatal("auth_ok carried no client id")
	}
	await(t, conn, protocol.TypeHistoryReplayEnd)
	return id
}

func TestBootstrapSequenceNoAuth(t *testing.T) {
	h := newHarness(t, false)
	h.backend(t)
	conn := h.dial(t)

	want := []string{
		protocol.TypeAuthOK,
		protocol.TypeServerMode,
		protocol.TypeStatus,
		protocol.TypeSessionList,
		protocol.TypeAvailableModels,
		protocol.TypeAvailablePermissionModes,
		protocol.TypeSessionSwitched,
		protocol.TypeHistoryReplayStart,
		protocol.TypeHistoryReplayEnd,
	}
	for i, typ := range want {
		msg := readNext(t, conn)
		if msg["type"] != typ {
			t.Fatalf("message %d: type = %v, want %q", i, msg["type"], typ)
		}
		switch typ {
		case protocol.TypeAuthOK:
			if msg["clientId"] == "" || msg["serverMode"] != "cli" {
				t.Errorf("auth_ok = %v", msg)
			}
		case protocol.TypeSessionList:
			if sessions, ok := msg["sessions"].([]any); !ok || len(sessions) != 1 {
				t.Errorf("session_list = %v", msg)
			}
		case protocol.TypeAvailableModels:
			if models, ok := msg["models"].([]any); !ok || len(models) != 3 {
				t.Errorf("available_models = %v", msg)
			}
		}
	}
}

func TestAuthInvalidTokenCloses(t *testing.T) {
	h := newHarness(t, true)
	h.backend(t)
	conn := h.dial(t)

	sendJSON(t, conn, map[string]any{"type": "auth", "token": "wrong"})
	msg := readNext(t, conn)
	if msg["type"] != protocol.TypeAuthFail || msg["reason"] != "invalid_token" {
		t.Fatalf("got %v, want auth_fail/invalid_token", msg)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection should be closed after auth_fail")
	}
}

func TestAuthSuccess(t *testing.T) {
	h := newHarness(t, true)
	h.backend(t)
	conn := h.dial(t)

	sendJSON(t, conn, map[string]any{"type": "auth", "token": "secret"})
	msg := readNext(t, conn)
	if msg["type"] != protocol.TypeAuthOK {
		t.Fatalf("got %v, want auth_ok", msg)
	}
	drainBootstrap(t, conn)
}

func TestPreAuthMessagesDropped(t *testing.T) {
	h := newHarness(t, true)
	h.backend(t)
	conn := h.dial(t)

	// Injected before auth: must be silently dropped, not dispatched.
	sendJSON(t, conn, map[string]any{"type": "input", "data": "rm -rf /"})
	sendJSON(t, conn, map[string]any{"type": "destroy_session", "sessionId": "x"})
	sendJSON(t, conn, map[string]any{"type": "auth", "token": "secret"})

	msg := readNext(t, conn)
	if msg["type"] != protocol.TypeAuthOK {
		t.Fatalf("first reply = %v, want auth_ok", msg)
	}
	drainBootstrap(t, conn)

	// A second session would only exist if destroy_session had dispatched.
	if h.mgr.Count() != 1 {
		t.Error("pre-auth messages must not mutate session state")
	}
}

func TestInputStreamsToClient(t *testing.T) {
	h := newHarness(t, false)
	b := h.backend(t)
	conn := h.dial(t)
	drainBootstrap(t, conn)

	sendJSON(t, conn, map[string]any{"type": "input", "data": "  hello  "})
	waitFor(t, func() bool { return len(b.sentTexts()) == 1 }, "input forwarded")
	if got := b.sentTexts()[0]; got != "hello" {
		t.Errorf("forwarded %q, want trimmed %q", got, "hello")
	}

	b.emit(agent.Event{Kind: agent.EventStreamStart, MessageID: "m1"})
	b.emit(agent.Event{Kind: agent.EventStreamDelta, MessageID: "m1", Delta: "Hello "})
	b.emit(agent.Event{Kind: agent.EventStreamDelta, MessageID: "m1", Delta: "world"})
	b.emit(agent.Event{Kind: agent.EventStreamEnd, MessageID: "m1"})
	b.emit(agent.Event{Kind: agent.EventResult, CostUSD: 0.01, DurationMS: 1200})

	await(t, conn, protocol.TypeStreamStart)

	// Deltas may arrive coalesced; collect text until stream_end.
	var text strings.Builder
	for {
		msg := readNext(t, conn)
		if msg["type"] == protocol.TypeStreamEnd {
			break
		}
		if msg["type"] != protocol.TypeStreamDelta {
			t.Fatalf("unexpected %v during stream", msg)
		}
		text.WriteString(msg["delta"].(string))
	}
	if text.String() != "Hello world" {
		t.Errorf("streamed text = %q", text.String())
	}
	await(t, conn, protocol.TypeResult)
}

func TestLateJoinReplaysHistory(t *testing.T) {
	h := newHarness(t, false)
	b := h.backend(t)

	first := h.dial(t)
	drainBootstrap(t, first)
	sendJSON(t, first, map[string]any{"type": "input", "data": "hello"})
	waitFor(t, func() bool { return len(b.sentTexts()) == 1 }, "input forwarded")

	b.emit(agent.Event{Kind: agent.EventStreamStart, MessageID: "m1"})
	b.emit(agent.Event{Kind: agent.EventStreamDelta, MessageID: "m1", Delta: "Hello world"})
	b.emit(agent.Event{Kind: agent.EventStreamEnd, MessageID: "m1"})
	await(t, first, protocol.TypeStreamEnd)

	second := h.dial(t)
	await(t, second, protocol.TypeHistoryReplayStart)
	var kinds, contents []string
	for {
		msg := readNext(t, second)
		if msg["type"] == protocol.TypeHistoryReplayEnd {
			break
		}
		if msg["type"] != protocol.TypeMessage {
			t.Fatalf("unexpected %v in replay", msg)
		}
		kinds = append(kinds, msg["kind"].(string))
		if c, ok := msg["content"].(string); ok {
			contents = append(contents, c)
		}
	}
	if len(kinds) != 2 || kinds[0] != session.EntryUserInput || kinds[1] != session.EntryAssistantResponse {
		t.Fatalf("replay kinds = %v", kinds)
	}
	if contents[0] != "hello" || contents[1] != "Hello world" {
		t.Errorf("replay contents = %v", contents)
	}
}

func TestAutoModeRequiresConfirmation(t *testing.T) {
	h := newHarness(t, false)
	b := h.backend(t)
	conn := h.dial(t)
	drainBootstrap(t, conn)

	sendJSON(t, conn, map[string]any{"type": "set_permission_mode", "mode": "auto"})
	msg := await(t, conn, protocol.TypeConfirmPermissionMode)
	if w, _ := msg["warning"].(string); w == "" {
		t.Error("confirmation must carry a warning")
	}
	if b.PermissionMode() != protocol.ModeApprove {
		t.Error("mode must not change before confirmation")
	}

	sendJSON(t, conn, map[string]any{"type": "set_permission_mode", "mode": "auto", "confirmed": true})
	msg = await(t, conn, protocol.TypePermissionModeChanged)
	if msg["mode"] != protocol.ModeAuto {
		t.Errorf("mode = %v", msg["mode"])
	}
	waitFor(t, func() bool { return b.PermissionMode() == protocol.ModeAuto }, "mode applied")
}

func TestSetModel(t *testing.T) {
	h := newHarness(t, false)
	b := h.backend(t)
	conn := h.dial(t)
	drainBootstrap(t, conn)

	sendJSON(t, conn, map[string]any{"type": "set_model", "model": "gpt-9"})
	msg := await(t, conn, protocol.TypeSessionError)
	if msg["code"] != "invalid_model" {
		t.Errorf("code = %v", msg["code"])
	}

	sendJSON(t, conn, map[string]any{"type": "set_model", "model": "opus"})
	msg = await(t, conn, protocol.TypeModelChanged)
	if msg["model"] != "claude-opus-4-1" {
		t.Errorf("model = %v", msg["model"])
	}
	waitFor(t, func() bool { return b.Model() == "claude-opus-4-1" }, "model applied")
}

func TestTypeConfusedInputIgnored(t *testing.T) {
	h := newHarness(t, false)
	b := h.backend(t)
	conn := h.dial(t)
	drainBootstrap(t, conn)

	// data is a number, not a string: dropped without closing the connection.
	sendJSON(t, conn, map[string]any{"type": "input", "data": 42})
	sendJSON(t, conn, map[string]any{"type": "list_sessions"})

	msg := readNext(t, conn)
	if msg["type"] != protocol.TypeSessionList {
		t.Fatalf("got %v, want session_list with no error in between", msg)
	}
	if len(b.sentTexts()) != 0 {
		t.Error("type-confused input must not reach the agent")
	}
}

func TestCreateSwitchDestroySession(t *testing.T) {
	h := newHarness(t, false)
	h.backend(t)
	conn := h.dial(t)
	drainBootstrap(t, conn)

	defaultID := h.mgr.Oldest().ID

	sendJSON(t, conn, map[string]any{"type": "create_session", "name": "work"})
	h.backend(t)
	msg := await(t, conn, protocol.TypeSessionSwitched)
	newID, _ := msg["sessionId"].(string)
	if newID == "" || newID == defaultID {
		t.Fatalf("switched to %q", newID)
	}
	await(t, conn, protocol.TypeHistoryReplayEnd)
	waitFor(t, func() bool { return h.mgr.Count() == 2 }, "session created")

	sendJSON(t, conn, map[string]any{"type": "destroy_session", "sessionId": defaultID})
	waitFor(t, func() bool { return h.mgr.Count() == 1 }, "session destroyed")

	// The survivor is the last session; destroying it is refused.
	sendJSON(t, conn, map[string]any{"type": "destroy_session", "sessionId": newID})
	msg = await(t, conn, protocol.TypeSessionError)
	if msg["code"] != "last_session" {
		t.Errorf("code = %v", msg["code"])
	}
	if h.mgr.Count() != 1 {
		t.Error("last session must survive")
	}
}

func TestMaxSessionsReported(t *testing.T) {
	h := newHarness(t, false)
	h.backend(t)
	conn := h.dial(t)
	drainBootstrap(t, conn)

	for i := 0; i < 4; i++ {
		sendJSON(t, conn, map[string]any{"type": "create_session", "name": fmt.Sprintf("s%d", i)})
		await(t, conn, protocol.TypeSessionSwitched)
		await(t, conn, protocol.TypeHistoryReplayEnd)
	}
	waitFor(t, func() bool { return h.mgr.Count() == 5 }, "sessions created")

	sendJSON(t, conn, map[string]any{"type": "create_session", "name": "overflow"})
	msg := await(t, conn, protocol.TypeSessionError)
	if msg["code"] != "max_sessions" {
		t.Errorf("code = %v", msg["code"])
	}
}

func TestListDirectory(t *testing.T) {
	h := newHarness(t, false)
	h.backend(t)
	conn := h.dial(t)
	drainBootstrap(t, conn)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	sendJSON(t, conn, map[string]any{"type": "list_directory", "path": dir})
	msg := await(t, conn, protocol.TypeDirectoryListing)
	entries, _ := msg["entries"].([]any)
	if len(entries) != 2 {
		t.Fatalf("entries = %v", entries)
	}

	sendJSON(t, conn, map[string]any{"type": "list_directory", "path": filepath.Join(dir, "missing")})
	msg = await(t, conn, protocol.TypeDirectoryListing)
	if msg["error"] != "not_found" {
		t.Errorf("error = %v", msg["error"])
	}
	if entries, _ := msg["entries"].([]any); len(entries) != 0 {
		t.Errorf("failed listing must carry no entries, got %v", entries)
	}
}

func TestKeepaliveClosesAfterTwoMissedPongs(t *testing.T) {
	h := newHarness(t, false)
	h.backend(t)
	h.srv.pingEvery = 25 * time.Millisecond

	conn := h.dial(t)
	// Swallow pings so no pong ever goes back.
	conn.SetPingHandler(func(string) error { return nil })
	drainBootstrap(t, conn)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, websocket.CloseInternalServerErr) {
			t.Fatalf("close error = %v, want 1011", err)
		}
		return
	}
}

func TestPeerPresenceAndPrimaryHandoff(t *testing.T) {
	h := newHarness(t, false)
	b := h.backend(t)

	first := h.dial(t)
	firstID := bootstrap(t, first)
	second := h.dial(t)
	secondID := bootstrap(t, second)

	joined := await(t, first, protocol.TypeClientJoined)
	peer, _ := joined["client"].(map[string]any)
	if peer["clientId"] != secondID {
		t.Errorf("client_joined = %v, want peer %q", joined, secondID)
	}

	// The first input claims the primary marker; every viewer hears it.
	sendJSON(t, first, map[string]any{"type": "input", "data": "mine"})
	for _, conn := range []*websocket.Conn{first, second} {
		msg := await(t, conn, protocol.TypePrimaryChanged)
		if msg["clientId"] != firstID {
			t.Errorf("primary = %v, want %q", msg["clientId"], firstID)
		}
	}

	// Input from the other client moves the marker.
	sendJSON(t, second, map[string]any{"type": "input", "data": "now mine"})
	for _, conn := range []*websocket.Conn{first, second} {
		msg := await(t, conn, protocol.TypePrimaryChanged)
		if msg["clientId"] != secondID {
			t.Errorf("primary = %v, want %q", msg["clientId"], secondID)
		}
	}
	waitFor(t, func() bool { return len(b.sentTexts()) == 2 }, "inputs forwarded")

	second.Close()
	msg := await(t, first, protocol.TypeClientLeft)
	if msg["clientId"] != secondID {
		t.Errorf("client_left = %v, want %q", msg["clientId"], secondID)
	}
}

func TestPermissionFirstDecisionWins(t *testing.T) {
	h := newHarness(t, false)
	b := h.backend(t)

	first := h.dial(t)
	firstID := bootstrap(t, first)
	second := h.dial(t)
	bootstrap(t, second)

	b.emit(agent.Event{
		Kind:      agent.EventPermissionRequest,
		RequestID: "cr_1",
		Tool:      "Bash",
		Input:     json.RawMessage(`{"command":"make"}`),
	})

	req1 := await(t, first, protocol.TypePermissionRequest)
	req2 := await(t, second, protocol.TypePermissionRequest)
	if req1["requestId"] != req2["requestId"] || req1["tool"] != "Bash" {
		t.Fatalf("requests diverge: %v vs %v", req1, req2)
	}
	id := req1["requestId"].(string)

	sendJSON(t, first, map[string]any{"type": "permission_response", "requestId": id, "decision": "allow"})
	for _, conn := range []*websocket.Conn{first, second} {
		msg := await(t, conn, protocol.TypePermissionResolved)
		if msg["decision"] != protocol.DecisionAllow || msg["decidedBy"] != firstID {
			t.Errorf("resolved = %v", msg)
		}
	}
	waitFor(t, func() bool { return len(b.permissionResponses()) == 1 }, "backend answered")
	if got := b.permissionResponses()[0]; got != "cr_1:allow" {
		t.Errorf("backend got %q", got)
	}

	// The slower client's decision lands after resolution and is discarded.
	sendJSON(t, second, map[string]any{"type": "permission_response", "requestId": id, "decision": "deny"})
	time.Sleep(50 * time.Millisecond)
	if got := b.permissionResponses(); len(got) != 1 {
		t.Errorf("backend answered %d times: %v", len(got), got)
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t, false)
	h.backend(t)

	resp, err := http.Get(h.http.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["mode"] != "cli" || body["version"] != "test" {
		t.Errorf("health = %v", body)
	}
}

func TestOversizedFrameCloses(t *testing.T) {
	h := newHarness(t, false)
	h.backend(t)
	conn := h.dial(t)
	drainBootstrap(t, conn)

	big := strings.Repeat("a", maxClientFrameBytes+1024)
	sendJSON(t, conn, map[string]any{"type": "input", "data": big})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return // server dropped us, as required
		}
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}
