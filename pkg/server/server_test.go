package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wyldmark/fable/pkg/adapters/embedding/fake"
	"github.com/wyldmark/fable/pkg/adapters/llm"
	"github.com/wyldmark/fable/pkg/broadcast"
	"github.com/wyldmark/fable/pkg/gamestore/memstore"
	"github.com/wyldmark/fable/pkg/lore"
	"github.com/wyldmark/fable/pkg/narrator"
	"github.com/wyldmark/fable/pkg/retry"
	"github.com/wyldmark/fable/pkg/session"
)

type scriptedLLM struct {
	text string
}

func (f *scriptedLLM) Name() string { return "scripted" }

func (f *scriptedLLM) Generate(ctx context.Context, messages []llm.Message, opts map[string]any) (llm.GenerateResult, error) {
	return llm.GenerateResult{Text: f.text}, nil
}

type testEnv struct {
	store *memstore.Store
	hub   *broadcast.Hub
	srv   *Server
}

func newTestEnv(t *testing.T, model llm.LLM) *testEnv {
	t.Helper()
	st := memstore.New()
	hub := broadcast.New(st)
	t.Cleanup(hub.CloseAll)

	coord := session.New(st,
		session.WithRetryOptions(retry.WithBaseDelay(0)),
		session.WithTeardown(hub.Teardown),
	)
	loreIndex := lore.New(st, fake.New(16))
	engine := narrator.New(st, loreIndex, model, narrator.WithRetryOptions(retry.WithBaseDelay(0)))
	return &testEnv{store: st, hub: hub, srv: New(st, coord, loreIndex, engine, hub)}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v\n%s", err, w.Body.String())
	}
	return out
}

func TestSessionEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/game", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d", w.Code)
	}
	body := decodeBody(t, w)
	id, _ := body["sessionId"].(string)
	if len(id) != 10 {
		t.Fatalf("sessionId = %q", id)
	}

	w = env.do(t, http.MethodGet, "/api/sessions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	sessions, _ := decodeBody(t, w)["sessions"].([]any)
	if len(sessions) != 1 {
		t.Fatalf("listed %d sessions, want 1", len(sessions))
	}

	w = env.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("details status = %d", w.Code)
	}
	if w = env.do(t, http.MethodGet, "/api/sessions/nosuch", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing details status = %d", w.Code)
	}

	if w = env.do(t, http.MethodDelete, "/api/sessions/"+id, nil); w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	if w = env.do(t, http.MethodDelete, "/api/sessions/"+id, nil); w.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d", w.Code)
	}
}

func TestLoreEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/lore", map[string]any{
		"type":    "item",
		"title":   "Silver Dagger",
		"content": "A ceremonial blade.",
		"tags":    []string{"weapon"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create lore status = %d: %s", w.Code, w.Body.String())
	}
	id, _ := decodeBody(t, w)["id"].(string)
	if !strings.HasPrefix(id, "item_") {
		t.Fatalf("lore id = %q", id)
	}

	if w = env.do(t, http.MethodPost, "/api/lore", map[string]any{"type": "item"}); w.Code != http.StatusBadRequest {
		t.Fatalf("incomplete lore status = %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/lore?type=item", nil)
	entries, _ := decodeBody(t, w)["lore"].([]any)
	if len(entries) != 1 {
		t.Fatalf("typed lore list = %d entries, want 1", len(entries))
	}

	w = env.do(t, http.MethodGet, "/api/lore", nil)
	entries, _ = decodeBody(t, w)["lore"].([]any)
	if len(entries) != 1 {
		t.Fatalf("full lore list = %d entries, want 1", len(entries))
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodGet, "/api/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "healthy" || body["store"] != "ready" {
		t.Fatalf("health body = %v", body)
	}
}

func wsDial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func wsSend(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	raw, _ := json.Marshal(payload)
	if err := conn.WriteJSON(map[string]any{"type": msgType, "payload": json.RawMessage(raw)}); err != nil {
		t.Fatalf("write %s: %v", msgType, err)
	}
}

func wsRecv(t *testing.T, conn *websocket.Conn) serverEnvelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var envelope serverEnvelope
	if err := conn.ReadJSON(&envelope); err != nil {
		t.Fatalf("read: %v", err)
	}
	return envelope
}

func wsRecvEvent(t *testing.T, conn *websocket.Conn, event string) serverEnvelope {
	t.Helper()
	for i := 0; i < 5; i++ {
		envelope := wsRecv(t, conn)
		if envelope.Event == event {
			return envelope
		}
	}
	t.Fatalf("event %q never arrived", event)
	return serverEnvelope{}
}

func TestCommandFlowOverWebsocket(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{text: "You see a quiet village square."})
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	w := env.do(t, http.MethodPost, "/api/game", nil)
	sessionID, _ := decodeBody(t, w)["sessionId"].(string)

	conn := wsDial(t, ts)
	wsSend(t, conn, "join", map[string]string{"sessionId": sessionID})
	joined := wsRecvEvent(t, conn, "game:joined")
	data, _ := joined.Data.(map[string]any)
	if data["sessionId"] != sessionID {
		t.Fatalf("joined data = %v", data)
	}

	wsSend(t, conn, "command", map[string]string{"command": "look around"})
	update := wsRecvEvent(t, conn, "game:update")
	ud, _ := update.Data.(map[string]any)
	if ud["type"] != "narrative" {
		t.Fatalf("update = %v", ud)
	}
	if ud["narrative"] != "You see a quiet village square." {
		t.Fatalf("narrative = %v", ud["narrative"])
	}

	entries, err := env.store.Range(context.Background(), session.EventsKey(sessionID))
	if err != nil || len(entries) != 1 {
		t.Fatalf("event log = (%d, %v), want 1 entry", len(entries), err)
	}
	var e session.EventData
	if err := json.Unmarshal(entries[0].Payload, &e); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if e.Action != "command" || e.Target != "look around" {
		t.Fatalf("event = %+v", e)
	}
}

func TestJoinUnknownSessionOverWebsocket(t *testing.T) {
	env := newTestEnv(t, nil)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	conn := wsDial(t, ts)
	wsSend(t, conn, "join", map[string]string{"sessionId": "nosuch"})
	errEvent := wsRecvEvent(t, conn, "game:error")
	data, _ := errEvent.Data.(map[string]any)
	if data["message"] != "Session not found or inactive" {
		t.Fatalf("error data = %v", data)
	}
}

func TestPeerSeesJoinAndLeave(t *testing.T) {
	env := newTestEnv(t, nil)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	w := env.do(t, http.MethodPost, "/api/game", nil)
	sessionID, _ := decodeBody(t, w)["sessionId"].(string)

	first := wsDial(t, ts)
	wsSend(t, first, "join", map[string]string{"sessionId": sessionID})
	wsRecvEvent(t, first, "game:joined")

	second := wsDial(t, ts)
	wsSend(t, second, "join", map[string]string{"sessionId": sessionID})
	wsRecvEvent(t, second, "game:joined")

	// The first client hears about the second one, not about itself.
	joined := wsRecvEvent(t, first, "game:player_joined")
	data, _ := joined.Data.(map[string]any)
	if data["sessionId"] != sessionID {
		t.Fatalf("player_joined data = %v", data)
	}

	_ = second.Close()
	left := wsRecvEvent(t, first, "game:player_left")
	data, _ = left.Data.(map[string]any)
	if data["playerId"] != joined.Data.(map[string]any)["playerId"] {
		t.Fatalf("player_left data = %v", data)
	}

	// The disconnect also removed the player from membership.
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := env.store.SCard(context.Background(), session.PlayersKey(sessionID))
		if err == nil && n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("membership = %d, want 1", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCommandBeforeJoinRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	conn := wsDial(t, ts)
	wsSend(t, conn, "command", map[string]string{"command": "look"})
	errEvent := wsRecvEvent(t, conn, "game:error")
	data, _ := errEvent.Data.(map[string]any)
	if data["message"] != "Not joined to any session" {
		t.Fatalf("error data = %v", data)
	}
}
