package vectordb

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store. It backs package tests and
// development setups that run without an external database.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Object // collection → id → object
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: map[string]map[string]Object{}}
}

func (m *MemoryStore) EnsureCollection(_ context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[collection]; !ok {
		m.collections[collection] = map[string]Object{}
	}
	return nil
}

func (m *MemoryStore) CollectionExists(_ context.Context, collection string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.collections[collection]
	return ok, nil
}

func (m *MemoryStore) Upsert(ctx context.Context, collection string, obj Object) error {
	m.EnsureCollection(ctx, collection)
	m.mu.Lock()
	defer m.mu.Unlock()
	payload := make(map[string]any, len(obj.Payload))
	for k, v := range obj.Payload {
		payload[k] = v
	}
	m.collections[collection][obj.ID] = Object{ID: obj.ID, Payload: payload}
	return nil
}

func matches(obj Object, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := obj.Payload[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}

func (m *MemoryStore) FetchByFilter(_ context.Context, collection string, filter map[string]any, limit int) ([]Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	var out []Object
	for _, obj := range m.collections[collection] {
		if matches(obj, filter) {
			out = append(out, obj)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) CountByFilter(_ context.Context, collection string, filter map[string]any) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n uint64
	for _, obj := range m.collections[collection] {
		if matches(obj, filter) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SearchText(_ context.Context, collection, field, text string, limit int) ([]Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 20
	}
	needle := strings.ToLower(text)
	var out []Object
	for _, obj := range m.collections[collection] {
		hay, _ := obj.Payload[field].(string)
		if needle == "" || strings.Contains(strings.ToLower(hay), needle) {
			out = append(out, obj)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteByFilter(_ context.Context, collection string, filter map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, obj := range m.collections[collection] {
		if matches(obj, filter) {
			delete(m.collections[collection], id)
		}
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }
