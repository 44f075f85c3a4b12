package gateway

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

	"github.com/elysia-ai/elysia/internal/llm"
	"github.com/elysia-ai/elysia/internal/settings"
	"github.com/elysia-ai/elysia/internal/tool"
	"github.com/elysia-ai/elysia/internal/user"
	"github.com/elysia-ai/elysia/internal/vectordb"
	"github.com/elysia-ai/elysia/pkg/protocol"
)

type stubProvider struct{}

func (stubProvider) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	sys := ""
	if len(req.Messages) > 0 {
		sys = req.Messages[0].Content
	}
	switch {
	case strings.Contains(sys, "Write a title"):
		return &llm.ChatResponse{Content: "Gateway chat"}, nil
	case strings.Contains(sys, "named entities"):
		return &llm.ChatResponse{Content: `{"entities": []}`}, nil
	case strings.Contains(sys, "decision tree"):
		return &llm.ChatResponse{Content: `{"choice": "text_response", "reasoning": "answer directly"}`}, nil
	}
	return &llm.ChatResponse{Content: "{}"}, nil
}

func (stubProvider) ChatStream(_ context.Context, _ llm.ChatRequest, onChunk func(llm.StreamChunk)) (*llm.ChatResponse, error) {
	onChunk(llm.StreamChunk{Content: "ok"})
	onChunk(llm.StreamChunk{Done: true})
	return &llm.ChatResponse{Content: "ok"}, nil
}

func (stubProvider) DefaultModel() string { return "stub" }
func (stubProvider) Name() string         { return "stub" }

func testServer(t *testing.T, opts ...ServerOption) (*Server, *httptest.Server) {
	t.Helper()
	cipher, err := settings.NewCipherWithKey(make([]byte, 32))
	if err != nil {
		t.Fatalf("NewCipherWithKey: %v", err)
	}
	store := vectordb.NewMemoryStore()
	registry := user.NewRegistry(cipher, tool.NewDefaultRegistry(), t.TempDir(),
		user.WithDialer(func(string, string) (vectordb.Store, error) { return store, nil }),
		user.WithProviderFactory(func(*settings.Settings) (llm.Provider, llm.Provider, error) {
			return stubProvider{}, stubProvider{}, nil
		}),
	)
	s := NewServer(registry, cipher, opts...)
	ts := httptest.NewServer(s.BuildMux())
	t.Cleanup(ts.Close)
	t.Cleanup(registry.Shutdown)
	return s, ts
}

type apiResponse struct {
	Error    string          `json:"error"`
	Warnings []string        `json:"warnings"`
	Tree     json.RawMessage `json:"tree"`
	Config   map[string]any  `json:"config"`
	Configs  []any           `json:"configs"`
	Trees    []any           `json:"trees"`
	Title    string          `json:"title"`
	Feedback map[string]any  `json:"feedback"`
}

func call(t *testing.T, ts *httptest.Server, op string, body map[string]any) (int, *apiResponse) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal %s: %v", op, err)
	}
	resp, err := http.Post(ts.URL+"/api/"+op, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", op, err)
	}
	defer resp.Body.Close()
	out := &apiResponse{}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", op, err)
	}
	return resp.StatusCode, out
}

func mustCall(t *testing.T, ts *httptest.Server, op string, body map[string]any) *apiResponse {
	t.Helper()
	status, out := call(t, ts, op, body)
	if status != http.StatusOK || out.Error != "" {
		t.Fatalf("%s: status %d, error %q", op, status, out.Error)
	}
	return out
}

// setupUser registers a user and points them at the in-memory store so
// snapshot-backed endpoints work.
func setupUser(t *testing.T, ts *httptest.Server, userID string) {
	t.Helper()
	mustCall(t, ts, "init_user", map[string]any{"user_id": userID})
	mustCall(t, ts, "save_config_user", map[string]any{
		"user_id": userID,
		"config": map[string]any{
			"settings": map[string]any{"WCD_URL": "mem:6334", "WCD_API_KEY": "k"},
		},
	})
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := testServer(t)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestControlErrorShape(t *testing.T) {
	_, ts := testServer(t)

	status, out := call(t, ts, "init_tree", map[string]any{
		"user_id": "ghost", "conversation_id": "c1",
	})
	if status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", status)
	}
	if out.Error == "" {
		t.Error("error body empty")
	}

	status, out = call(t, ts, "init_user", map[string]any{})
	if status != http.StatusBadRequest || out.Error == "" {
		t.Errorf("missing user_id: status %d, error %q", status, out.Error)
	}
}

func TestGraphMutationEndpoints(t *testing.T) {
	_, ts := testServer(t)
	setupUser(t, ts, "alice")
	mustCall(t, ts, "init_tree", map[string]any{"user_id": "alice", "conversation_id": "c1"})

	base := map[string]any{"user_id": "alice", "conversation_id": "c1"}

	shapeBefore := string(mustCall(t, ts, "add_tool_to_tree", merge(base, map[string]any{
		"tool_id": "tell_a_joke", "parent_branch_id": "base", "from_tool_ids": []string{"query"},
	})).Tree)
	if !strings.Contains(shapeBefore, "tell_a_joke") {
		t.Fatalf("tool missing from shape: %s", shapeBefore)
	}

	shapeAfter := string(mustCall(t, ts, "remove_tool_from_tree", merge(base, map[string]any{
		"tool_id": "tell_a_joke", "parent_branch_id": "base", "from_tool_ids": []string{"query"},
	})).Tree)
	if strings.Contains(shapeAfter, "tell_a_joke") {
		t.Errorf("tool survived removal: %s", shapeAfter)
	}

	out := mustCall(t, ts, "add_branch_to_tree", merge(base, map[string]any{
		"branch_id": "jokes", "instruction": "Joke requests go here.", "parent_branch_id": "base",
	}))
	if !strings.Contains(string(out.Tree), "jokes") {
		t.Errorf("branch missing from shape: %s", out.Tree)
	}
	mustCall(t, ts, "remove_branch_from_tree", merge(base, map[string]any{"branch_id": "jokes"}))
}

func TestConfigEndpoints(t *testing.T) {
	_, ts := testServer(t)
	setupUser(t, ts, "alice")

	saved := mustCall(t, ts, "save_config_user", map[string]any{
		"user_id": "alice",
		"name":    "cfg",
		"default": true,
		"config": map[string]any{
			"style":             "S",
			"agent_description": "A",
			"end_goal":          "E",
			"settings":          map[string]any{"BASE_MODEL": "gpt-4o-mini", "BASE_PROVIDER": "openai"},
		},
		"frontend_config": map[string]any{
			"save_trees": true, "save_configs": false,
		},
	})
	configID, _ := saved.Config["id"].(string)
	if configID == "" {
		t.Fatal("saved config has no id")
	}

	// A fresh default config must not clobber the saved one.
	fresh := mustCall(t, ts, "new_user_config", map[string]any{"user_id": "alice"})
	if fresh.Config["style"] == "S" {
		t.Error("new config inherited the saved style")
	}

	// The fresh config dropped the database credentials; restore them
	// before touching the store again.
	mustCall(t, ts, "save_config_user", map[string]any{
		"user_id": "alice",
		"config": map[string]any{
			"settings": map[string]any{"WCD_URL": "mem:6334", "WCD_API_KEY": "k"},
		},
	})
	if len(mustCall(t, ts, "list_configs", map[string]any{"user_id": "alice"}).Configs) < 2 {
		t.Fatal("saved config vanished after new_user_config")
	}

	loaded := mustCall(t, ts, "load_config_user", map[string]any{
		"user_id": "alice", "config_id": configID,
	})
	if loaded.Config["style"] != "S" || loaded.Config["end_goal"] != "E" {
		t.Errorf("loaded config = %v", loaded.Config)
	}

	mustCall(t, ts, "delete_config", map[string]any{"user_id": "alice", "config_id": configID})
	if status, _ := call(t, ts, "load_config_user", map[string]any{
		"user_id": "alice", "config_id": configID,
	}); status != http.StatusNotFound {
		t.Errorf("load after delete: status %d", status)
	}
}

func TestTreeScopeConfigStripsCredentials(t *testing.T) {
	_, ts := testServer(t)
	setupUser(t, ts, "alice")
	mustCall(t, ts, "init_tree", map[string]any{"user_id": "alice", "conversation_id": "c1"})

	out := mustCall(t, ts, "change_config_tree", map[string]any{
		"user_id": "alice", "conversation_id": "c1",
		"style": "terse",
		"settings": map[string]any{
			"BASE_MODEL":  "other-model",
			"WCD_URL":     "https://evil.example",
			"WCD_API_KEY": "stolen",
		},
	})
	if out.Config["style"] != "terse" {
		t.Errorf("style = %v", out.Config["style"])
	}
	cfgSettings, _ := out.Config["settings"].(map[string]any)
	if cfgSettings["BASE_MODEL"] != "other-model" {
		t.Errorf("BASE_MODEL = %v", cfgSettings["BASE_MODEL"])
	}
	if cfgSettings["WCD_URL"] == "https://evil.example" {
		t.Error("tree scope accepted WCD_URL")
	}
}

func TestFeedbackEndpoints(t *testing.T) {
	_, ts := testServer(t)
	setupUser(t, ts, "alice")

	add := map[string]any{
		"user_id": "alice", "conversation_id": "c1", "query_id": "q1", "value": "good",
	}
	mustCall(t, ts, "add_feedback", add)
	mustCall(t, ts, "add_feedback", add) // same query overwrites

	meta := mustCall(t, ts, "feedback_metadata", map[string]any{"user_id": "alice"}).Feedback
	if total, _ := meta["total"].(float64); total != 1 {
		t.Errorf("total = %v, want 1", meta["total"])
	}

	mustCall(t, ts, "remove_feedback", map[string]any{
		"user_id": "alice", "conversation_id": "c1", "query_id": "q1",
	})
	meta = mustCall(t, ts, "feedback_metadata", map[string]any{"user_id": "alice"}).Feedback
	if total, _ := meta["total"].(float64); total != 0 {
		t.Errorf("total after remove = %v, want 0", meta["total"])
	}
}

func TestTreeSnapshotEndpoints(t *testing.T) {
	_, ts := testServer(t)
	setupUser(t, ts, "alice")
	mustCall(t, ts, "init_tree", map[string]any{"user_id": "alice", "conversation_id": "c1"})

	mustCall(t, ts, "save_tree", map[string]any{"user_id": "alice", "conversation_id": "c1"})
	if n := len(mustCall(t, ts, "get_saved_trees", map[string]any{"user_id": "alice"}).Trees); n != 1 {
		t.Fatalf("saved trees = %d, want 1", n)
	}

	mustCall(t, ts, "load_tree", map[string]any{"user_id": "alice", "conversation_id": "c1"})

	mustCall(t, ts, "delete_tree", map[string]any{"user_id": "alice", "conversation_id": "c1"})
	if status, _ := call(t, ts, "load_tree", map[string]any{
		"user_id": "alice", "conversation_id": "c1",
	}); status != http.StatusNotFound {
		t.Errorf("load after delete: status %d", status)
	}
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f protocol.Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestWebSocketQueryStream(t *testing.T) {
	_, ts := testServer(t)
	setupUser(t, ts, "alice")
	mustCall(t, ts, "init_tree", map[string]any{"user_id": "alice", "conversation_id": "c1"})

	conn := dialWS(t, ts)
	err := conn.WriteJSON(protocol.Request{
		UserID: "alice", ConversationID: "c1", QueryID: "q1", Query: "hello",
	})
	if err != nil {
		t.Fatalf("write request: %v", err)
	}

	var kinds []string
	for {
		f := readFrame(t, conn)
		kinds = append(kinds, f.Type)
		if f.Type == protocol.KindCompleted {
			break
		}
		if f.Type == protocol.KindError {
			t.Fatalf("error frame: %s", f.Payload)
		}
	}
	joined := strings.Join(kinds, ",")
	if !strings.Contains(joined, protocol.KindTitle) {
		t.Errorf("no title frame in %s", joined)
	}
	if !strings.Contains(joined, protocol.KindResponse) {
		t.Errorf("no response frame in %s", joined)
	}

	// A disconnect frame closes the server side.
	if err := conn.WriteJSON(map[string]string{"type": "disconnect"}); err != nil {
		t.Fatalf("write disconnect: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f protocol.Frame
	if err := conn.ReadJSON(&f); err == nil {
		t.Errorf("connection stayed open after disconnect, got %s frame", f.Type)
	}
}

func TestWebSocketMalformedRequest(t *testing.T) {
	_, ts := testServer(t)
	conn := dialWS(t, ts)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := readFrame(t, conn)
	if f.Type != protocol.KindError {
		t.Fatalf("frame type = %s, want error", f.Type)
	}

	if err := conn.WriteJSON(protocol.Request{UserID: "alice"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	f = readFrame(t, conn)
	if f.Type != protocol.KindError {
		t.Fatalf("frame type = %s, want error", f.Type)
	}
}

func TestHeartbeatAfterSilence(t *testing.T) {
	_, ts := testServer(t, WithHeartbeatSilence(30*time.Millisecond))
	conn := dialWS(t, ts)

	f := readFrame(t, conn)
	if f.Type != protocol.KindHeartbeat {
		t.Fatalf("frame type = %s, want heartbeat", f.Type)
	}
	var hb protocol.HeartbeatPayload
	if err := json.Unmarshal(f.Payload, &hb); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if hb.SentAt.IsZero() {
		t.Error("heartbeat has no timestamp")
	}
}

func merge(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
