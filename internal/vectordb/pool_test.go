package vectordb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/elysia-ai/elysia/internal/errs"
)

type trackedStore struct {
	*MemoryStore
	closed bool
}

func (s *trackedStore) Close() error {
	s.closed = true
	return nil
}

func TestPoolOpensLazily(t *testing.T) {
	dials := 0
	var last *trackedStore
	pool := NewPoolWithDialer("db.example.com:6334", "key", func(destURL, apiKey string) (Store, error) {
		dials++
		last = &trackedStore{MemoryStore: NewMemoryStore()}
		return last, nil
	})

	if dials != 0 {
		t.Fatalf("dialed at construction: %d", dials)
	}

	ctx := context.Background()
	store, release, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if store == nil || dials != 1 {
		t.Fatalf("store = %v, dials = %d", store, dials)
	}
	release()

	// Second acquisition reuses the handle.
	_, release, err = pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	release()
	if dials != 1 {
		t.Errorf("dials = %d, want 1", dials)
	}
	if last.closed {
		t.Error("store closed while pool alive")
	}
}

func TestPoolUnconfigured(t *testing.T) {
	pool := NewPoolWithDialer("", "", func(destURL, apiKey string) (Store, error) {
		t.Fatal("dialer called without destination")
		return nil, nil
	})
	if pool.IsConfigured() {
		t.Error("IsConfigured = true with empty destination")
	}
	_, _, err := pool.Acquire(context.Background())
	if !errors.Is(err, errs.ErrConfig) {
		t.Errorf("err = %v, want ErrConfig", err)
	}
}

func TestPoolResetKeysReopens(t *testing.T) {
	var dialed []string
	var stores []*trackedStore
	pool := NewPoolWithDialer("old:6334", "old-key", func(destURL, apiKey string) (Store, error) {
		dialed = append(dialed, destURL+"/"+apiKey)
		s := &trackedStore{MemoryStore: NewMemoryStore()}
		stores = append(stores, s)
		return s, nil
	})

	ctx := context.Background()
	_, release, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release()

	pool.ResetKeys("new:6334", "new-key")
	if !stores[0].closed {
		t.Error("old store not closed on credential swap")
	}

	_, release, err = pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire after reset: %v", err)
	}
	release()

	want := []string{"old:6334/old-key", "new:6334/new-key"}
	if len(dialed) != 2 || dialed[0] != want[0] || dialed[1] != want[1] {
		t.Errorf("dialed = %v, want %v", dialed, want)
	}
}

func TestPoolRestartIfIdle(t *testing.T) {
	var stores []*trackedStore
	pool := NewPoolWithDialer("db:6334", "", func(destURL, apiKey string) (Store, error) {
		s := &trackedStore{MemoryStore: NewMemoryStore()}
		stores = append(stores, s)
		return s, nil
	})

	ctx := context.Background()
	_, release, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release()

	if pool.RestartIfIdle(time.Hour) {
		t.Error("restarted a freshly used handle")
	}
	if !pool.RestartIfIdle(0) {
		t.Error("did not restart an idle handle")
	}
	if !stores[0].closed {
		t.Error("idle restart left store open")
	}
	// No handle open, nothing to restart.
	if pool.RestartIfIdle(0) {
		t.Error("restart reported with no open handle")
	}

	// Next acquisition reopens.
	_, release, err = pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire after restart: %v", err)
	}
	release()
	if len(stores) != 2 {
		t.Errorf("dial count = %d, want 2", len(stores))
	}
}

func TestPoolCloseIsTerminal(t *testing.T) {
	var s *trackedStore
	pool := NewPoolWithDialer("db:6334", "", func(destURL, apiKey string) (Store, error) {
		s = &trackedStore{MemoryStore: NewMemoryStore()}
		return s, nil
	})

	ctx := context.Background()
	_, release, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release()

	pool.Close()
	pool.Close() // idempotent
	if !s.closed {
		t.Error("Close left store open")
	}
	if _, _, err := pool.Acquire(ctx); !errors.Is(err, errs.ErrUpstream) {
		t.Errorf("Acquire after Close: err = %v, want ErrUpstream", err)
	}
}

func TestMemoryStoreFilterAndDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	for i, user := range []string{"alice", "alice", "bob"} {
		obj := Object{
			ID:      string(rune('a' + i)),
			Payload: map[string]any{"user_id": user, "title": "conversation"},
		}
		if err := m.Upsert(ctx, "ELYSIA_TREES__", obj); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	n, err := m.CountByFilter(ctx, "ELYSIA_TREES__", map[string]any{"user_id": "alice"})
	if err != nil || n != 2 {
		t.Fatalf("count = %d, %v; want 2", n, err)
	}

	if err := m.DeleteByFilter(ctx, "ELYSIA_TREES__", map[string]any{"user_id": "alice"}); err != nil {
		t.Fatalf("DeleteByFilter: %v", err)
	}
	n, _ = m.CountByFilter(ctx, "ELYSIA_TREES__", nil)
	if n != 1 {
		t.Errorf("count after delete = %d, want 1", n)
	}

	hits, err := m.SearchText(ctx, "ELYSIA_TREES__", "title", "convers", 10)
	if err != nil || len(hits) != 1 {
		t.Errorf("SearchText = %v, %v; want one hit", hits, err)
	}
}

func TestParseDestination(t *testing.T) {
	tests := []struct {
		in      string
		host    string
		port    int
		tls     bool
		wantErr bool
	}{
		{in: "https://cluster.cloud.example:6334", host: "cluster.cloud.example", port: 6334, tls: true},
		{in: "db.internal:7000", host: "db.internal", port: 7000},
		{in: "localhost", host: "localhost", port: 6334},
		{in: "http://plain:6334", host: "plain", port: 6334},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		host, port, tls, err := parseDestination(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseDestination(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseDestination(%q): %v", tt.in, err)
			continue
		}
		if host != tt.host || port != tt.port || tls != tt.tls {
			t.Errorf("parseDestination(%q) = %s,%d,%v; want %s,%d,%v",
				tt.in, host, port, tls, tt.host, tt.port, tt.tls)
		}
	}
}
