package tree

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/elysia-ai/elysia/internal/llm"
)

// ConversationHistory is the ordered turn log of one conversation.
type ConversationHistory struct {
	mu       sync.RWMutex
	messages []llm.Message
}

func NewConversationHistory() *ConversationHistory {
	return &ConversationHistory{}
}

func (h *ConversationHistory) Add(role, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, llm.Message{Role: role, Content: content})
}

func (h *ConversationHistory) Messages() []llm.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]llm.Message, len(h.messages))
	copy(out, h.messages)
	return out
}

func (h *ConversationHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}

// ToJSON serializes the history for snapshotting.
func (h *ConversationHistory) ToJSON() ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return json.Marshal(h.messages)
}

// HistoryFromJSON rebuilds a snapshotted history.
func HistoryFromJSON(raw []byte) (*ConversationHistory, error) {
	h := NewConversationHistory()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &h.messages); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// TaskStep records one tool invocation within a prompt's run. A failed
// invocation keeps its Error text so the selector can route around it.
type TaskStep struct {
	Name          string         `json:"name"`
	Reasoning     string         `json:"reasoning,omitempty"`
	Inputs        map[string]any `json:"inputs,omitempty"`
	OutputSummary string         `json:"output_summary,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// TaskEntry is the ledger row for one prompt: the prompt text and the
// steps taken to answer it, in invocation order.
type TaskEntry struct {
	Prompt string     `json:"prompt"`
	Task   []TaskStep `json:"task"`
}

// TasksCompleted is the per-conversation ledger of work done. One
// entry per prompt; the step list grows as each tool finishes.
type TasksCompleted struct {
	mu      sync.RWMutex
	entries []TaskEntry
}

func NewTasksCompleted() *TasksCompleted {
	return &TasksCompleted{}
}

// Begin opens the ledger entry for a new prompt.
func (tc *TasksCompleted) Begin(prompt string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.entries = append(tc.entries, TaskEntry{Prompt: prompt})
}

// AddStep appends a finished (or failed) step to the current entry.
func (tc *TasksCompleted) AddStep(step TaskStep) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if len(tc.entries) == 0 {
		tc.entries = append(tc.entries, TaskEntry{})
	}
	last := &tc.entries[len(tc.entries)-1]
	last.Task = append(last.Task, step)
}

func (tc *TasksCompleted) Entries() []TaskEntry {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	out := make([]TaskEntry, len(tc.entries))
	copy(out, tc.entries)
	return out
}

// StepCount returns the number of steps recorded for the current
// prompt.
func (tc *TasksCompleted) StepCount() int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	if len(tc.entries) == 0 {
		return 0
	}
	return len(tc.entries[len(tc.entries)-1].Task)
}

// Render serializes the ledger for model prompts, most recent last.
func (tc *TasksCompleted) Render(maxChars int) string {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	var sb strings.Builder
	for _, entry := range tc.entries {
		fmt.Fprintf(&sb, "prompt: %s\n", entry.Prompt)
		for _, step := range entry.Task {
			if step.Error != "" {
				fmt.Fprintf(&sb, "  %s FAILED: %s\n", step.Name, step.Error)
				continue
			}
			fmt.Fprintf(&sb, "  %s: %s\n", step.Name, step.OutputSummary)
		}
	}
	out := sb.String()
	if maxChars > 0 && len(out) > maxChars {
		out = out[len(out)-maxChars:]
	}
	return out
}
