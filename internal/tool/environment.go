package tool

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Invocation is one committed tool output: free-form metadata plus the
// ordered records the tool emitted.
type Invocation struct {
	Metadata map[string]any   `json:"metadata,omitempty"`
	Objects  []map[string]any `json:"objects"`
}

// Environment accumulates tool outputs for one conversation, keyed by
// tool name then variant. Appends are ordered and idempotent by
// position; Replace overwrites a slot and exists for compaction, which
// is a deliberate policy driven by the reduce tool.
type Environment struct {
	mu   sync.RWMutex
	data map[string]map[string][]Invocation
}

func NewEnvironment() *Environment {
	return &Environment{data: map[string]map[string][]Invocation{}}
}

// AppendAt commits an invocation at a position in the (tool, variant)
// slot. Positions at or past the current length append; positions
// already committed are a no-op, so replaying a commit is harmless.
func (e *Environment) AppendAt(toolName, variant string, position int, inv Invocation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	slot := e.slot(toolName, variant)
	if position < len(slot) {
		return
	}
	e.data[toolName][variant] = append(slot, inv)
}

// Append commits an invocation at the end of the (tool, variant) slot.
func (e *Environment) Append(toolName, variant string, inv Invocation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	slot := e.slot(toolName, variant)
	e.data[toolName][variant] = append(slot, inv)
}

// Replace overwrites the (tool, variant) slot with a single
// invocation.
func (e *Environment) Replace(toolName, variant string, inv Invocation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.slot(toolName, variant)
	e.data[toolName][variant] = []Invocation{inv}
}

// slot returns the invocation list, creating parents. Callers hold
// e.mu.
func (e *Environment) slot(toolName, variant string) []Invocation {
	variants, ok := e.data[toolName]
	if !ok {
		variants = map[string][]Invocation{}
		e.data[toolName] = variants
	}
	return variants[variant]
}

// Find returns the invocation list for (tool, variant), or nil.
func (e *Environment) Find(toolName, variant string) []Invocation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	variants, ok := e.data[toolName]
	if !ok {
		return nil
	}
	slot, ok := variants[variant]
	if !ok {
		return nil
	}
	out := make([]Invocation, len(slot))
	copy(out, slot)
	return out
}

// Len returns the number of committed invocations in a slot.
func (e *Environment) Len(toolName, variant string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.data[toolName][variant])
}

// IsEmpty reports whether any tool has ever committed output.
func (e *Environment) IsEmpty() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, variants := range e.data {
		for _, slot := range variants {
			if len(slot) > 0 {
				return false
			}
		}
	}
	return true
}

// Render serializes the environment for a model prompt, deterministic
// ordering, truncated to maxChars. Zero means no limit.
func (e *Environment) Render(maxChars int) string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	toolNames := make([]string, 0, len(e.data))
	for name := range e.data {
		toolNames = append(toolNames, name)
	}
	sort.Strings(toolNames)

	var sb strings.Builder
	for _, name := range toolNames {
		variants := make([]string, 0, len(e.data[name]))
		for v := range e.data[name] {
			variants = append(variants, v)
		}
		sort.Strings(variants)
		for _, v := range variants {
			for i, inv := range e.data[name][v] {
				body, err := json.Marshal(inv.Objects)
				if err != nil {
					continue
				}
				fmt.Fprintf(&sb, "%s/%s[%d]: %s\n", name, v, i, body)
			}
		}
	}
	out := sb.String()
	if maxChars > 0 && len(out) > maxChars {
		out = out[:maxChars] + "…(truncated)"
	}
	return out
}

// ToJSON serializes the full environment for snapshotting.
func (e *Environment) ToJSON() ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return json.Marshal(e.data)
}

// EnvironmentFromJSON rebuilds a snapshotted environment.
func EnvironmentFromJSON(raw []byte) (*Environment, error) {
	data := map[string]map[string][]Invocation{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, err
		}
	}
	return &Environment{data: data}, nil
}
