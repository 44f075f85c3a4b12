package tool

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/elysia-ai/elysia/internal/errs"
)

// Registry holds the tools a tree can attach as leaves. Built-ins are
// registered at boot; user-defined tools join through the same
// interface.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

// NewDefaultRegistry returns a registry with the built-in tools.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, t := range []Tool{
		NewQueryTool(),
		NewAggregateTool(),
		NewTextResponseTool(),
		NewSummarizeTool(),
		NewReduceTool(),
	} {
		r.Register(t)
	}
	return r
}

func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return errs.Config("tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, errs.NotFound("tool %q", name)
	}
	return t, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe renders the registered tools for a selector prompt,
// filtered to those currently available.
func (r *Registry) Describe(ctx context.Context, d *Data, names []string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type entry struct {
		Name        string            `json:"name"`
		Description string            `json:"description"`
		Inputs      map[string]string `json:"inputs,omitempty"`
		Terminal    bool              `json:"terminal"`
	}
	var entries []entry
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok || !t.Available(ctx, d) {
			continue
		}
		inputs := map[string]string{}
		for in, field := range t.Inputs() {
			inputs[in] = field.Type.String() + ": " + field.Description
		}
		entries = append(entries, entry{
			Name:        t.Name(),
			Description: t.Description(),
			Inputs:      inputs,
			Terminal:    t.Terminal(),
		})
	}
	out, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "[]"
	}
	return string(out)
}
