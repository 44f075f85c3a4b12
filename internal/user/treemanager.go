package user

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/elysia-ai/elysia/internal/errs"
	"github.com/elysia-ai/elysia/internal/settings"
	"github.com/elysia-ai/elysia/internal/tree"
	"github.com/elysia-ai/elysia/pkg/protocol"
)

// TreeManager owns the live conversations of one user, plus the frame
// log each conversation has streamed so far (kept for snapshots and
// replay; skipped in low-memory mode).
type TreeManager struct {
	mu     sync.RWMutex
	userID string
	trees  map[string]*tree.Tree
	frames map[string][]protocol.Frame
}

func NewTreeManager(userID string) *TreeManager {
	return &TreeManager{
		userID: userID,
		trees:  map[string]*tree.Tree{},
		frames: map[string][]protocol.Frame{},
	}
}

// AddTree creates the conversation's tree from a tree-scoped clone of
// the user config. Adding an existing conversation returns it
// unchanged.
func (tm *TreeManager) AddTree(conversationID string, cfg *settings.Config, lowMemory bool) (*tree.Tree, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if existing, ok := tm.trees[conversationID]; ok {
		return existing, nil
	}
	t, err := tree.New(tm.userID, conversationID, cfg.Clone(false), lowMemory)
	if err != nil {
		return nil, err
	}
	tm.trees[conversationID] = t
	return t, nil
}

// Adopt registers an already-built tree (snapshot restore path).
func (tm *TreeManager) Adopt(t *tree.Tree, priorFrames []protocol.Frame) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.trees[t.ConversationID] = t
	if len(priorFrames) > 0 && !t.LowMemory {
		tm.frames[t.ConversationID] = priorFrames
	}
}

func (tm *TreeManager) GetTree(conversationID string) (*tree.Tree, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	t, ok := tm.trees[conversationID]
	if !ok {
		return nil, errs.NotFound("conversation %s", conversationID)
	}
	return t, nil
}

func (tm *TreeManager) RemoveTree(conversationID string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	delete(tm.trees, conversationID)
	delete(tm.frames, conversationID)
}

func (tm *TreeManager) Trees() []*tree.Tree {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	out := make([]*tree.Tree, 0, len(tm.trees))
	for _, t := range tm.trees {
		out = append(out, t)
	}
	return out
}

func (tm *TreeManager) Len() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.trees)
}

// RecordFrames appends a run's frames to the conversation's log.
func (tm *TreeManager) RecordFrames(conversationID string, frames []protocol.Frame) {
	if len(frames) == 0 {
		return
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if t, ok := tm.trees[conversationID]; ok && t.LowMemory {
		return
	}
	tm.frames[conversationID] = append(tm.frames[conversationID], frames...)
}

// Frames returns the conversation's full frame log.
func (tm *TreeManager) Frames(conversationID string) []protocol.Frame {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	log := tm.frames[conversationID]
	out := make([]protocol.Frame, len(log))
	copy(out, log)
	return out
}

// SweepIdle evicts trees idle past timeout. A tree with a run in
// flight is skipped. When save is non-nil it runs before eviction; a
// save failure is logged but does not keep the tree alive, bounded
// memory wins.
func (tm *TreeManager) SweepIdle(ctx context.Context, timeout time.Duration, save func(ctx context.Context, t *tree.Tree, frames []protocol.Frame) error) []string {
	tm.mu.Lock()
	var idle []*tree.Tree
	for _, t := range tm.trees {
		if t.IdleFor() > timeout {
			idle = append(idle, t)
		}
	}
	tm.mu.Unlock()

	var evicted []string
	for _, t := range idle {
		if !t.TryAcquire() {
			continue // run in flight, next sweep will catch it
		}
		if save != nil {
			if err := save(ctx, t, tm.Frames(t.ConversationID)); err != nil {
				slog.Warn("snapshot before eviction failed",
					"user", tm.userID, "conversation", t.ConversationID, "error", err)
			}
		}
		tm.RemoveTree(t.ConversationID)
		t.Release()
		evicted = append(evicted, t.ConversationID)
	}
	return evicted
}
