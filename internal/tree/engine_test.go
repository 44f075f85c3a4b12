package tree

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/elysia-ai/elysia/internal/errs"
	"github.com/elysia-ai/elysia/internal/llm"
	"github.com/elysia-ai/elysia/internal/settings"
	"github.com/elysia-ai/elysia/internal/tool"
	"github.com/elysia-ai/elysia/internal/vectordb"
	"github.com/elysia-ai/elysia/pkg/protocol"
)

// scriptedProvider answers model calls by classifying the system
// prompt, so tests stay robust to call ordering.
type scriptedProvider struct {
	titleReply      string
	nerReply        string
	selectorReplies []string // consumed in order, last repeats
	inputsReply     string
	endGoalReply    string
	streamChunks    []string

	// selectorBlocksUntilCancel parks selector calls on the context,
	// for cancellation tests.
	selectorBlocksUntilCancel bool

	selectorCalls atomic.Int64
	chatCalls     atomic.Int64
}

func (p *scriptedProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	p.chatCalls.Add(1)
	sys := ""
	if len(req.Messages) > 0 {
		sys = req.Messages[0].Content
	}
	switch {
	case strings.Contains(sys, "Write a title"):
		return &llm.ChatResponse{Content: p.titleReply}, nil
	case strings.Contains(sys, "named entities"):
		return &llm.ChatResponse{Content: p.nerReply}, nil
	case strings.Contains(sys, "decision tree"):
		if p.selectorBlocksUntilCancel {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		n := int(p.selectorCalls.Add(1)) - 1
		if n >= len(p.selectorReplies) {
			n = len(p.selectorReplies) - 1
		}
		return &llm.ChatResponse{Content: p.selectorReplies[n]}, nil
	case strings.Contains(sys, "Derive the inputs"):
		return &llm.ChatResponse{Content: p.inputsReply}, nil
	case strings.Contains(sys, "Judge whether"):
		return &llm.ChatResponse{Content: p.endGoalReply}, nil
	case strings.Contains(sys, "Condense the records"):
		return &llm.ChatResponse{Content: "condensed"}, nil
	}
	return &llm.ChatResponse{Content: "{}"}, nil
}

func (p *scriptedProvider) ChatStream(_ context.Context, _ llm.ChatRequest, onChunk func(llm.StreamChunk)) (*llm.ChatResponse, error) {
	var sb strings.Builder
	for _, c := range p.streamChunks {
		onChunk(llm.StreamChunk{Content: c})
		sb.WriteString(c)
	}
	onChunk(llm.StreamChunk{Done: true})
	return &llm.ChatResponse{Content: sb.String()}, nil
}

func (p *scriptedProvider) DefaultModel() string { return "scripted" }
func (p *scriptedProvider) Name() string         { return "scripted" }

func testTree(t *testing.T, template string) *Tree {
	t.Helper()
	cipher, err := settings.NewCipherWithKey(make([]byte, 32))
	if err != nil {
		t.Fatalf("NewCipherWithKey: %v", err)
	}
	cfg, err := settings.NewDefaultConfig(cipher)
	if err != nil {
		t.Fatalf("NewDefaultConfig: %v", err)
	}
	cfg.BranchInitialisation = template
	tr, err := New("alice", "conv-1", cfg, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr
}

func testEngine(p *scriptedProvider, store vectordb.Store) *Engine {
	pool := vectordb.NewPoolWithDialer("mem:6334", "", func(string, string) (vectordb.Store, error) {
		return store, nil
	})
	return NewEngine(tool.NewDefaultRegistry(), p, p, pool)
}

func drainFrames(ch <-chan protocol.Frame) []protocol.Frame {
	var out []protocol.Frame
	for f := range ch {
		out = append(out, f)
	}
	return out
}

func frameKinds(frames []protocol.Frame) map[string]int {
	out := map[string]int{}
	for _, f := range frames {
		out[f.Type]++
	}
	return out
}

func TestRunOneBranchConversation(t *testing.T) {
	ctx := context.Background()
	store := vectordb.NewMemoryStore()
	store.Upsert(ctx, "wines", vectordb.Object{ID: "a", Payload: map[string]any{"content": "merlot red"}})

	p := &scriptedProvider{
		titleReply: "Wine questions",
		nerReply:   `{"entities": ["merlot"]}`,
		selectorReplies: []string{
			`{"choice": "query", "reasoning": "need the records"}`,
			`{"choice": "text_response", "reasoning": "data in hand"}`,
		},
		inputsReply:  `{"search_query": "merlot"}`,
		endGoalReply: `{"satisfied": false}`,
		streamChunks: []string{"One merlot", " found."},
	}
	tr := testTree(t, settings.BranchInitOneBranch)
	e := testEngine(p, store)

	frames, err := e.Run(ctx, tr, RunRequest{
		Prompt:          "what merlots do I have?",
		QueryID:         "q1",
		CollectionNames: []string{"wines"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := drainFrames(frames)
	counts := frameKinds(got)

	if counts[protocol.KindCompleted] != 1 {
		t.Fatalf("completed frames = %d, want exactly 1 (%v)", counts[protocol.KindCompleted], counts)
	}
	if got[len(got)-1].Type != protocol.KindCompleted {
		t.Errorf("last frame = %s, want completed", got[len(got)-1].Type)
	}
	if counts[protocol.KindTitle] != 1 || counts[protocol.KindNER] != 1 {
		t.Errorf("title/ner counts = %v", counts)
	}
	if counts[protocol.KindResult] != 1 || counts[protocol.KindResponse] != 1 {
		t.Errorf("result/response counts = %v", counts)
	}
	if counts[protocol.KindText] != 2 {
		t.Errorf("text frames = %d, want 2", counts[protocol.KindText])
	}

	if tr.Title() != "Wine questions" {
		t.Errorf("title = %q", tr.Title())
	}
	if tr.Env.IsEmpty() {
		t.Error("environment empty after query")
	}
	if got := tr.Env.Find("query", "wines"); len(got) != 1 {
		t.Errorf("query/wines slot = %v", got)
	}
	if tr.RunsCompleted() != 1 {
		t.Errorf("runs completed = %d", tr.RunsCompleted())
	}

	// One ledger entry, one step per invoked tool, stream order
	// matches invocation order.
	entries := tr.Tasks.Entries()
	if len(entries) != 1 || len(entries[0].Task) != 2 {
		t.Fatalf("ledger = %+v", entries)
	}
	if entries[0].Task[0].Name != "query" || entries[0].Task[1].Name != "text_response" {
		t.Errorf("steps = %v, %v", entries[0].Task[0].Name, entries[0].Task[1].Name)
	}

	// The assistant turn landed in history.
	msgs := tr.History.Messages()
	if len(msgs) != 2 || msgs[1].Role != "assistant" || msgs[1].Content != "One merlot found." {
		t.Errorf("history = %+v", msgs)
	}

	// All frames carry the conversation coordinates.
	for _, f := range got {
		if f.UserID != "alice" || f.ConversationID != "conv-1" || f.QueryID != "q1" {
			t.Fatalf("frame coordinates wrong: %+v", f)
		}
	}
}

func TestRunTrainingRouteBypassesSelector(t *testing.T) {
	p := &scriptedProvider{streamChunks: []string{"routed answer"}}
	tr := testTree(t, settings.BranchInitOneBranch)
	tr.History.Add("user", "earlier") // not the first prompt: no title/ner

	e := testEngine(p, vectordb.NewMemoryStore())
	frames, err := e.Run(context.Background(), tr, RunRequest{
		Prompt:        "again please",
		QueryID:       "q2",
		TrainingRoute: "text_response",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := drainFrames(frames)

	if p.selectorCalls.Load() != 0 {
		t.Errorf("selector called %d times under a training route", p.selectorCalls.Load())
	}
	counts := frameKinds(got)
	if counts[protocol.KindCompleted] != 1 || counts[protocol.KindResponse] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestRunUnknownChildFallsBackToTextResponse(t *testing.T) {
	p := &scriptedProvider{
		selectorReplies: []string{`{"choice": "imaginary_tool"}`},
		streamChunks:    []string{"best effort answer"},
	}
	tr := testTree(t, settings.BranchInitOneBranch)
	tr.History.Add("user", "earlier")

	e := testEngine(p, vectordb.NewMemoryStore())
	frames, err := e.Run(context.Background(), tr, RunRequest{Prompt: "hm", QueryID: "q3"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := drainFrames(frames)

	if p.selectorCalls.Load() != 2 {
		t.Errorf("selector calls = %d, want 2 (one retry)", p.selectorCalls.Load())
	}
	counts := frameKinds(got)
	if counts[protocol.KindCompleted] != 1 || counts[protocol.KindResponse] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestRunStepLimitForcesAnswer(t *testing.T) {
	ctx := context.Background()
	store := vectordb.NewMemoryStore()
	store.Upsert(ctx, "wines", vectordb.Object{ID: "a", Payload: map[string]any{"content": "syrah"}})

	// Selector always picks query; end goal never satisfied.
	p := &scriptedProvider{
		selectorReplies: []string{`{"choice": "query", "reasoning": "more data"}`},
		inputsReply:     `{"search_query": "syrah"}`,
		endGoalReply:    `{"satisfied": false}`,
		streamChunks:    []string{"capped answer"},
	}
	tr := testTree(t, settings.BranchInitOneBranch)
	tr.History.Add("user", "earlier")

	e := testEngine(p, store)
	frames, err := e.Run(ctx, tr, RunRequest{
		Prompt:          "everything",
		QueryID:         "q4",
		CollectionNames: []string{"wines"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := drainFrames(frames)
	counts := frameKinds(got)

	if counts[protocol.KindWarning] != 1 {
		t.Errorf("warning frames = %d, want 1", counts[protocol.KindWarning])
	}
	if counts[protocol.KindCompleted] != 1 || counts[protocol.KindResponse] != 1 {
		t.Errorf("counts = %v", counts)
	}
	// MaxSteps query invocations plus the forced terminal answer.
	entries := tr.Tasks.Entries()
	if len(entries) != 1 || len(entries[0].Task) != MaxSteps+1 {
		t.Errorf("steps = %d, want %d", len(entries[0].Task), MaxSteps+1)
	}
}

func TestRunEndGoalStopsEarly(t *testing.T) {
	ctx := context.Background()
	store := vectordb.NewMemoryStore()
	store.Upsert(ctx, "wines", vectordb.Object{ID: "a", Payload: map[string]any{"content": "gamay"}})

	p := &scriptedProvider{
		selectorReplies: []string{`{"choice": "query", "reasoning": "fetch"}`},
		inputsReply:     `{"search_query": "gamay"}`,
		endGoalReply:    `{"satisfied": true}`,
		streamChunks:    []string{"Gamay found."},
	}
	tr := testTree(t, settings.BranchInitOneBranch)
	tr.History.Add("user", "earlier")

	e := testEngine(p, store)
	frames, err := e.Run(ctx, tr, RunRequest{
		Prompt:          "find gamay",
		QueryID:         "q5",
		CollectionNames: []string{"wines"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := drainFrames(frames)
	counts := frameKinds(got)

	if counts[protocol.KindCompleted] != 1 {
		t.Errorf("counts = %v", counts)
	}
	// The early exit still synthesises an answer.
	if counts[protocol.KindResponse] != 1 {
		t.Errorf("counts = %v, want one response frame", counts)
	}
	if p.selectorCalls.Load() != 1 {
		t.Errorf("selector calls = %d, want 1", p.selectorCalls.Load())
	}
	msgs := tr.History.Messages()
	if len(msgs) == 0 || msgs[len(msgs)-1].Role != "assistant" {
		t.Errorf("history has no assistant turn: %+v", msgs)
	}
	if msgs[len(msgs)-1].Content != "Gamay found." {
		t.Errorf("assistant turn = %q", msgs[len(msgs)-1].Content)
	}
}

func TestRunCancellationReleasesLatch(t *testing.T) {
	p := &scriptedProvider{
		titleReply:                "Long run",
		nerReply:                  `{"entities": []}`,
		selectorBlocksUntilCancel: true,
	}
	store := vectordb.NewMemoryStore()
	store.EnsureCollection(context.Background(), "wines")

	tr := testTree(t, settings.BranchInitOneBranch)
	e := testEngine(p, store)

	ctx, cancel := context.WithCancel(context.Background())
	frames, err := e.Run(ctx, tr, RunRequest{
		Prompt:          "loop forever",
		QueryID:         "q6",
		CollectionNames: []string{"wines"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	<-frames // first frame proves the run is live
	cancel()
	got := drainFrames(frames)
	for _, f := range got {
		if f.Type == protocol.KindCompleted {
			t.Error("completed frame after cancellation")
		}
	}

	// The latch must be free for the next run.
	if err := tr.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire after cancelled run: %v", err)
	}
	tr.Release()
}

func TestRunSerialisesPerConversation(t *testing.T) {
	tr := testTree(t, settings.BranchInitOneBranch)
	if err := tr.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// A second acquisition must respect context cancellation while the
	// latch is held.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Acquire(ctx) }()
	cancel()
	if err := <-done; err == nil {
		t.Error("Acquire succeeded while latch held and context cancelled")
	}

	tr.Release()
	if err := tr.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
}

func TestAcquireBusyIsUpstream(t *testing.T) {
	old := latchWait
	latchWait = 10 * time.Millisecond
	defer func() { latchWait = old }()

	tr := testTree(t, settings.BranchInitOneBranch)
	if err := tr.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer tr.Release()

	err := tr.Acquire(context.Background())
	if !errors.Is(err, errs.ErrUpstream) {
		t.Errorf("busy latch err = %v, want ErrUpstream", err)
	}
	if err == nil || !strings.Contains(err.Error(), "busy") {
		t.Errorf("busy latch err = %v, want text containing %q", err, "busy")
	}
}
