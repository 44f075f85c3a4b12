package vectordb

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elysia-ai/elysia/internal/errs"
)

// Dialer opens a Store for a destination. Swapped out in tests.
type Dialer func(destURL, apiKey string) (Store, error)

func defaultDialer(destURL, apiKey string) (Store, error) {
	return Open(destURL, apiKey)
}

// Pool owns the long-lived connection to the external vector database
// for one user. The handle opens lazily on first acquisition and is
// closed again when idle; credential swaps close it and mark the next
// acquisition to reopen.
//
// Acquisitions are shared; ResetKeys and RestartIfIdle take the
// exclusive side of the lock, so a reopen never races an in-flight
// call.
type Pool struct {
	mu       sync.RWMutex
	destURL  string
	apiKey   string
	store    Store
	lastUsed atomic.Int64 // unix nanos
	closed   bool
	dial     Dialer
}

// NewPool builds a pool around a destination. Credentials may be
// empty; IsConfigured gates acquisition.
func NewPool(destURL, apiKey string) *Pool {
	return &Pool{
		destURL: destURL,
		apiKey:  apiKey,
		dial:    defaultDialer,
	}
}

// NewPoolWithDialer is the test seam.
func NewPoolWithDialer(destURL, apiKey string, dial Dialer) *Pool {
	return &Pool{destURL: destURL, apiKey: apiKey, dial: dial}
}

// IsConfigured reports whether credentials are complete enough to
// open a connection.
func (p *Pool) IsConfigured() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.destURL != ""
}

// Acquire returns the shared store handle, opening it on first use.
// The release func must be called on all exit paths; it holds off
// credential swaps and idle restarts while the caller works.
func (p *Pool) Acquire(ctx context.Context) (Store, func(), error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, nil, errs.Upstream("client pool closed")
	}
	if p.store != nil {
		p.touch()
		return p.store, p.mu.RUnlock, nil
	}
	p.mu.RUnlock()

	// Slow path: open under the exclusive lock, then downgrade.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, nil, errs.Upstream("client pool closed")
	}
	if p.store == nil {
		if p.destURL == "" {
			p.mu.Unlock()
			return nil, nil, errs.Config("vector database destination not configured")
		}
		store, err := p.dial(p.destURL, p.apiKey)
		if err != nil {
			p.mu.Unlock()
			return nil, nil, err
		}
		p.store = store
		slog.Debug("vector database client opened", "dest", p.destURL)
	}
	p.mu.Unlock()

	p.mu.RLock()
	if p.closed || p.store == nil {
		p.mu.RUnlock()
		return nil, nil, errs.Upstream("client pool closed")
	}
	p.touch()
	return p.store, p.mu.RUnlock, nil
}

func (p *Pool) touch() {
	p.lastUsed.Store(time.Now().UnixNano())
}

// ResetKeys closes the handle and swaps credentials; the next
// acquisition reopens against the new destination.
func (p *Pool) ResetKeys(destURL, apiKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.store != nil {
		p.store.Close()
		p.store = nil
	}
	p.destURL = destURL
	p.apiKey = apiKey
	slog.Info("vector database credentials rotated", "dest", destURL)
}

// RestartIfIdle closes the handle when it has been unused longer than
// timeout. The next acquisition reopens.
func (p *Pool) RestartIfIdle(timeout time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.store == nil || p.closed {
		return false
	}
	if time.Since(time.Unix(0, p.lastUsed.Load())) <= timeout {
		return false
	}
	p.store.Close()
	p.store = nil
	slog.Debug("vector database client restarted after idle", "dest", p.destURL)
	return true
}

// Close is the idempotent terminal close, run at shutdown or user
// eviction.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.store != nil {
		p.store.Close()
		p.store = nil
	}
}
