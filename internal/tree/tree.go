package tree

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/elysia-ai/elysia/internal/errs"
	"github.com/elysia-ai/elysia/internal/settings"
	"github.com/elysia-ai/elysia/internal/tool"
)

// latchWait bounds how long a second prompt waits for the previous run
// on the same conversation before giving up. Variable so tests can
// shorten the wait.
var latchWait = 30 * time.Second

// Tree is the per-conversation unit: the decision graph, the
// accumulated environment and history, and the config the conversation
// inherited from its user at creation time.
type Tree struct {
	UserID         string
	ConversationID string
	Config         *settings.Config
	Graph          *Graph
	Env            *tool.Environment
	History        *ConversationHistory
	Tasks          *TasksCompleted
	LowMemory      bool

	title         atomic.Value // string
	lastRequest   atomic.Int64 // unix nanos
	runsCompleted atomic.Int64

	// latch serialises runs: exactly one token, held while a run is in
	// flight.
	latch chan struct{}
}

// New builds a tree from a tree-scoped config clone.
func New(userID, conversationID string, cfg *settings.Config, lowMemory bool) (*Tree, error) {
	graph, err := NewGraph(cfg.BranchInitialisation)
	if err != nil {
		return nil, err
	}
	t := &Tree{
		UserID:         userID,
		ConversationID: conversationID,
		Config:         cfg,
		Graph:          graph,
		Env:            tool.NewEnvironment(),
		History:        NewConversationHistory(),
		Tasks:          NewTasksCompleted(),
		LowMemory:      lowMemory,
		latch:          make(chan struct{}, 1),
	}
	t.latch <- struct{}{}
	t.title.Store("")
	t.Touch()
	return t, nil
}

// Acquire takes the completion latch, waiting up to latchWait for an
// in-flight run to finish.
func (t *Tree) Acquire(ctx context.Context) error {
	select {
	case <-t.latch:
		return nil
	default:
	}
	timer := time.NewTimer(latchWait)
	defer timer.Stop()
	select {
	case <-t.latch:
		return nil
	case <-timer.C:
		return errs.Upstream("conversation %s is busy with a previous prompt", t.ConversationID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes the latch only if no run is in flight.
func (t *Tree) TryAcquire() bool {
	select {
	case <-t.latch:
		return true
	default:
		return false
	}
}

// Release returns the completion latch. Safe to call once per Acquire.
func (t *Tree) Release() {
	select {
	case t.latch <- struct{}{}:
	default:
	}
}

// Touch advances the idle clock.
func (t *Tree) Touch() {
	t.lastRequest.Store(time.Now().UnixNano())
}

// LastRequest returns when the tree last served a prompt.
func (t *Tree) LastRequest() time.Time {
	return time.Unix(0, t.lastRequest.Load())
}

// IdleFor reports how long the tree has been unused.
func (t *Tree) IdleFor() time.Duration {
	return time.Since(t.LastRequest())
}

// Title returns the conversation title, empty until the first prompt
// has produced one.
func (t *Tree) Title() string {
	s, _ := t.title.Load().(string)
	return s
}

// SetTitle records the title; only the first non-empty value sticks.
func (t *Tree) SetTitle(title string) {
	if title == "" || t.Title() != "" {
		return
	}
	t.title.Store(title)
}

// RunsCompleted counts successful runs on this tree.
func (t *Tree) RunsCompleted() int64 {
	return t.runsCompleted.Load()
}

func (t *Tree) markCompleted() {
	t.runsCompleted.Add(1)
}

// Data assembles the read view handed to tools for one prompt.
func (t *Tree) Data(prompt, queryID string, collectionNames []string) *tool.Data {
	return &tool.Data{
		UserID:           t.UserID,
		ConversationID:   t.ConversationID,
		QueryID:          queryID,
		Prompt:           prompt,
		CollectionNames:  collectionNames,
		AgentDescription: t.Config.AgentDescription,
		Style:            t.Config.Style,
		EndGoal:          t.Config.EndGoal,
		Env:              t.Env,
		History:          t.History.Messages(),
	}
}
