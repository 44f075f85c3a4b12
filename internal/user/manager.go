package user

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elysia-ai/elysia/internal/errs"
	"github.com/elysia-ai/elysia/internal/llm"
	"github.com/elysia-ai/elysia/internal/settings"
	"github.com/elysia-ai/elysia/internal/snapshot"
	"github.com/elysia-ai/elysia/internal/tool"
	"github.com/elysia-ai/elysia/internal/tree"
	"github.com/elysia-ai/elysia/internal/vectordb"
	"github.com/elysia-ai/elysia/pkg/protocol"
)

// User is the process-resident state for one user id: their config,
// their conversations, their database pool and the stores bound to it.
type User struct {
	ID       string
	Config   *settings.Config
	Frontend *settings.FrontendConfig
	Trees    *TreeManager
	Pool     *vectordb.Pool

	Snapshots *snapshot.TreeStore
	Configs   *snapshot.ConfigStore
	Feedback  *snapshot.FeedbackStore

	// savePool is distinct from Pool only when the frontend config
	// points snapshots at a different destination.
	savePool *vectordb.Pool

	lastRequest atomic.Int64 // unix nanos
}

func (u *User) Touch() {
	u.lastRequest.Store(time.Now().UnixNano())
}

func (u *User) LastRequest() time.Time {
	return time.Unix(0, u.lastRequest.Load())
}

func (u *User) IdleFor() time.Duration {
	return time.Since(u.LastRequest())
}

// ResetPoolKeys pushes the user's current settings credentials into
// the pool; the next acquisition reconnects.
func (u *User) ResetPoolKeys() error {
	key, err := u.Config.Settings.APIKey("wcd_api_key")
	if err != nil {
		return err
	}
	u.Pool.ResetKeys(u.Config.Settings.WcdURL, key)
	return nil
}

func (u *User) closePools() {
	u.Pool.Close()
	if u.savePool != u.Pool {
		u.savePool.Close()
	}
}

// ProviderFactory builds the model providers for a settings record.
type ProviderFactory func(*settings.Settings) (base, complex llm.Provider, err error)

// Registry is the process-wide user directory. It is the entry point
// for prompt dispatch and the target of the maintenance sweeps.
type Registry struct {
	mu    sync.RWMutex
	users map[string]*User

	cipher      *settings.Cipher
	tools       *tool.Registry
	dataDir     string
	userTimeout time.Duration
	dial        vectordb.Dialer
	providers   ProviderFactory
}

// Option tweaks registry construction.
type Option func(*Registry)

// WithUserTimeout overrides the user idle timeout; zero disables
// eviction.
func WithUserTimeout(d time.Duration) Option {
	return func(r *Registry) { r.userTimeout = d }
}

// WithDialer substitutes the vector-database dialer.
func WithDialer(dial vectordb.Dialer) Option {
	return func(r *Registry) { r.dial = dial }
}

// WithProviderFactory substitutes model provider construction.
func WithProviderFactory(f ProviderFactory) Option {
	return func(r *Registry) { r.providers = f }
}

func NewRegistry(cipher *settings.Cipher, tools *tool.Registry, dataDir string, opts ...Option) *Registry {
	r := &Registry{
		users:       map[string]*User{},
		cipher:      cipher,
		tools:       tools,
		dataDir:     dataDir,
		userTimeout: settings.DefaultUserTimeout,
		providers:   llm.FromSettings,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) newPool(destURL, apiKey string) *vectordb.Pool {
	if r.dial != nil {
		return vectordb.NewPoolWithDialer(destURL, apiKey, r.dial)
	}
	return vectordb.NewPool(destURL, apiKey)
}

// AddUser registers a user id, hydrating a default config from the
// environment and the per-user frontend config file. Adding an
// existing user returns it unchanged.
func (r *Registry) AddUser(ctx context.Context, userID string) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.users[userID]; ok {
		existing.Touch()
		return existing, nil
	}

	fc, err := settings.LoadFrontendConfig(r.dataDir, userID)
	if err != nil {
		return nil, err
	}
	cfg, err := settings.NewDefaultConfig(r.cipher)
	if err != nil {
		return nil, err
	}

	wcdKey, err := cfg.Settings.APIKey("wcd_api_key")
	if err != nil {
		return nil, err
	}
	pool := r.newPool(cfg.Settings.WcdURL, wcdKey)

	savePool := pool
	if fc.SaveLocationWcdURL != "" {
		savePool = r.newPool(fc.SaveLocationWcdURL, fc.SaveLocationWcdAPIKey)
	}

	u := &User{
		ID:        userID,
		Config:    cfg,
		Frontend:  fc,
		Trees:     NewTreeManager(userID),
		Pool:      pool,
		Snapshots: snapshot.NewTreeStore(savePool),
		Configs:   snapshot.NewConfigStore(savePool),
		Feedback:  snapshot.NewFeedbackStore(savePool),
		savePool:  savePool,
	}
	u.Touch()

	// A saved default config, when reachable, supersedes the
	// env-hydrated one.
	if fc.SaveConfigs && savePool.IsConfigured() {
		if saved, err := u.Configs.LoadDefault(ctx, userID, r.cipher); err == nil {
			u.Config = saved
			if err := u.ResetPoolKeys(); err != nil {
				slog.Warn("pool rebind after config restore failed", "user", userID, "error", err)
			}
		} else if !errors.Is(err, errs.ErrNotFound) {
			slog.Debug("default config lookup failed", "user", userID, "error", err)
		}
	}

	r.users[userID] = u
	slog.Info("user registered", "user", userID)
	return u, nil
}

// GetUser returns a registered user and advances their idle clock.
func (r *Registry) GetUser(userID string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, errs.NotFound("user %s", userID)
	}
	u.Touch()
	return u, nil
}

// RemoveUser evicts a user, closing their database pools.
func (r *Registry) RemoveUser(userID string) {
	r.mu.Lock()
	u, ok := r.users[userID]
	delete(r.users, userID)
	r.mu.Unlock()
	if ok {
		u.closePools()
		slog.Info("user evicted", "user", userID)
	}
}

func (r *Registry) usersSnapshot() []*User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	return out
}

// UserCount and TreeCount feed the resource report.
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

func (r *Registry) TreeCount() int {
	total := 0
	for _, u := range r.usersSnapshot() {
		total += u.Trees.Len()
	}
	return total
}

// CheckAllUsersTimeout evicts users idle past the user timeout,
// snapshotting their live trees first when save_trees is on. A zero
// timeout disables eviction.
func (r *Registry) CheckAllUsersTimeout(ctx context.Context) []string {
	if r.userTimeout <= 0 {
		return nil
	}
	var evicted []string
	for _, u := range r.usersSnapshot() {
		if u.IdleFor() <= r.userTimeout {
			continue
		}
		u.Trees.SweepIdle(ctx, 0, r.saveFunc(u))
		r.RemoveUser(u.ID)
		evicted = append(evicted, u.ID)
	}
	return evicted
}

// CheckAllTreesTimeout sweeps every user's conversations against
// their tree timeout. Returns the number evicted.
func (r *Registry) CheckAllTreesTimeout(ctx context.Context) int {
	total := 0
	for _, u := range r.usersSnapshot() {
		total += len(u.Trees.SweepIdle(ctx, u.Frontend.TreeTimeout(), r.saveFunc(u)))
	}
	return total
}

// RestartIdleClients bounces database handles that have sat unused
// past the client timeout.
func (r *Registry) RestartIdleClients() int {
	restarted := 0
	for _, u := range r.usersSnapshot() {
		if u.Pool.RestartIfIdle(u.Frontend.ClientTimeout()) {
			restarted++
		}
		if u.savePool != u.Pool && u.savePool.RestartIfIdle(u.Frontend.ClientTimeout()) {
			restarted++
		}
	}
	return restarted
}

// saveFunc returns the snapshot writer for eviction sweeps, or nil
// when saving is off or unreachable.
func (r *Registry) saveFunc(u *User) func(context.Context, *tree.Tree, []protocol.Frame) error {
	if !u.Frontend.SaveTrees || !u.savePool.IsConfigured() {
		return nil
	}
	return func(ctx context.Context, t *tree.Tree, frames []protocol.Frame) error {
		return r.saveTree(ctx, u, t, frames)
	}
}

func (r *Registry) saveTree(ctx context.Context, u *User, t *tree.Tree, frames []protocol.Frame) error {
	history, err := t.History.ToJSON()
	if err != nil {
		return err
	}
	return u.Snapshots.Save(ctx, &snapshot.TreeSnapshot{
		UserID:         u.ID,
		ConversationID: t.ConversationID,
		ConfigID:       t.Config.ID,
		Title:          t.Title(),
		LastUpdate:     t.LastRequest(),
		Frames:         frames,
		History:        history,
	})
}

// restoreTree revives an evicted conversation from its snapshot: a
// fresh tree on the user's current config, with the saved title,
// history and frame log. The environment starts empty and refills as
// the conversation continues.
func (r *Registry) restoreTree(ctx context.Context, u *User, conversationID string) (*tree.Tree, error) {
	snap, err := u.Snapshots.Load(ctx, u.ID, conversationID)
	if err != nil {
		return nil, err
	}
	t, err := tree.New(u.ID, conversationID, u.Config.Clone(false), false)
	if err != nil {
		return nil, err
	}
	t.SetTitle(snap.Title)
	if h, err := tree.HistoryFromJSON(snap.History); err == nil {
		t.History = h
	} else {
		slog.Warn("snapshot history unreadable", "user", u.ID, "conversation", conversationID, "error", err)
	}
	u.Trees.Adopt(t, snap.Frames)
	slog.Info("conversation restored from snapshot", "user", u.ID, "conversation", conversationID)
	return t, nil
}

// SetFrontendConfig swaps in a new frontend config, persists it, and
// rebinds the snapshot destination when it changed. Persistence
// failures are non-fatal and come back as warnings.
func (r *Registry) SetFrontendConfig(u *User, fc *settings.FrontendConfig) []string {
	var warnings []string
	old := u.Frontend
	u.Frontend = fc
	if err := settings.SaveFrontendConfig(r.dataDir, u.ID, fc); err != nil {
		warnings = append(warnings, "frontend config not persisted: "+err.Error())
	}
	if fc.SaveLocationWcdURL != old.SaveLocationWcdURL ||
		fc.SaveLocationWcdAPIKey != old.SaveLocationWcdAPIKey {
		if u.savePool != u.Pool {
			u.savePool.Close()
		}
		if fc.SaveLocationWcdURL != "" {
			u.savePool = r.newPool(fc.SaveLocationWcdURL, fc.SaveLocationWcdAPIKey)
		} else {
			u.savePool = u.Pool
		}
		u.Snapshots = snapshot.NewTreeStore(u.savePool)
		u.Configs = snapshot.NewConfigStore(u.savePool)
		u.Feedback = snapshot.NewFeedbackStore(u.savePool)
	}
	return warnings
}

// SnapshotTree persists a live conversation on demand.
func (r *Registry) SnapshotTree(ctx context.Context, u *User, conversationID string) error {
	t, err := u.Trees.GetTree(conversationID)
	if err != nil {
		return err
	}
	if !u.savePool.IsConfigured() {
		return errs.Config("no snapshot destination configured")
	}
	return r.saveTree(ctx, u, t, u.Trees.Frames(conversationID))
}

// RestoreTree returns the live tree for a conversation, reviving it
// from its snapshot when evicted.
func (r *Registry) RestoreTree(ctx context.Context, u *User, conversationID string) (*tree.Tree, error) {
	if t, err := u.Trees.GetTree(conversationID); err == nil {
		return t, nil
	}
	if !u.savePool.IsConfigured() {
		return nil, errs.NotFound("conversation %s", conversationID)
	}
	return r.restoreTree(ctx, u, conversationID)
}

// Process dispatches one prompt. The returned channel streams the
// run's frames and closes when the run ends; lifecycle failures arrive
// as dedicated frames on the same channel.
func (r *Registry) Process(ctx context.Context, req protocol.Request) <-chan protocol.Frame {
	out := make(chan protocol.Frame, 16)
	go func() {
		defer close(out)
		r.process(ctx, req, out)
	}()
	return out
}

func (r *Registry) process(ctx context.Context, req protocol.Request, out chan<- protocol.Frame) {
	emit := func(kind string, payload any) {
		select {
		case out <- protocol.NewFrame(kind, req.UserID, req.ConversationID, req.QueryID, payload):
		case <-ctx.Done():
		}
	}

	u, err := r.GetUser(req.UserID)
	if err != nil {
		emit(protocol.KindUserTimeoutError, protocol.ErrorPayload{
			Text: "your session has expired, please reconnect",
		})
		return
	}

	t, err := u.Trees.GetTree(req.ConversationID)
	if err != nil {
		if u.savePool.IsConfigured() {
			if exists, exErr := u.Snapshots.Exists(ctx, u.ID, req.ConversationID); exErr == nil && exists {
				if restored, rsErr := r.restoreTree(ctx, u, req.ConversationID); rsErr == nil {
					t = restored
				} else {
					slog.Warn("snapshot restore failed",
						"user", u.ID, "conversation", req.ConversationID, "error", rsErr)
				}
			}
		}
		if t == nil {
			emit(protocol.KindTreeTimeoutError, protocol.ErrorPayload{
				Text: "this conversation has expired, please start a new one",
			})
			return
		}
	}

	base, complex, err := r.providers(t.Config.Settings)
	if err != nil {
		emit(protocol.KindError, protocol.ErrorPayload{Text: err.Error()})
		return
	}
	engine := tree.NewEngine(r.tools, base, complex, u.Pool)

	frames, err := engine.Run(ctx, t, tree.RunRequest{
		Prompt:          req.Query,
		QueryID:         req.QueryID,
		CollectionNames: req.CollectionNames,
		TrainingRoute:   req.Route,
	})
	if err != nil {
		emit(protocol.KindError, protocol.ErrorPayload{Text: err.Error()})
		return
	}

	var runFrames []protocol.Frame
	for f := range frames {
		if !t.LowMemory {
			runFrames = append(runFrames, f)
		}
		select {
		case out <- f:
		case <-ctx.Done():
			// Keep draining so the engine can abort and release the
			// latch.
		}
	}
	u.Trees.RecordFrames(req.ConversationID, runFrames)

	if save := r.saveFunc(u); save != nil && ctx.Err() == nil {
		if err := save(ctx, t, u.Trees.Frames(req.ConversationID)); err != nil {
			slog.Warn("snapshot after run failed",
				"user", u.ID, "conversation", req.ConversationID, "error", err)
		}
	}
}

// Shutdown closes every user's pools. Called once at process exit.
func (r *Registry) Shutdown() {
	for _, u := range r.usersSnapshot() {
		u.closePools()
	}
}
