package snapshot

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/elysia-ai/elysia/internal/errs"
	"github.com/elysia-ai/elysia/internal/vectordb"
	"github.com/elysia-ai/elysia/pkg/protocol"
)

// Collections owned by the orchestration core in the external
// database.
const (
	CollectionTrees    = "ELYSIA_TREES__"
	CollectionConfigs  = "ELYSIA_CONFIG__"
	CollectionFeedback = "ELYSIA_FEEDBACK__"
)

// pointNamespace keys deterministic point ids, so saving the same
// logical object twice overwrites rather than duplicates.
var pointNamespace = uuid.MustParse("5f0f6b3e-98a5-4c57-9f2a-31f0cbb8ab6a")

func deterministicID(parts ...string) string {
	key := ""
	for _, p := range parts {
		key += p + "\x00"
	}
	return uuid.NewSHA1(pointNamespace, []byte(key)).String()
}

// TreeSnapshot is the persisted form of one conversation: the ordered
// frame list the client replays byte-equal, plus the history and
// metadata needed to revive the tree after eviction.
type TreeSnapshot struct {
	UserID         string
	ConversationID string
	ConfigID       string
	Title          string
	LastUpdate     time.Time
	Frames         []protocol.Frame
	History        json.RawMessage
}

// TreeMeta is the listing row for a saved conversation.
type TreeMeta struct {
	ConversationID string    `json:"conversation_id"`
	Title          string    `json:"title"`
	LastUpdate     time.Time `json:"last_update_time"`
}

// TreeStore persists conversation snapshots in the trees collection.
type TreeStore struct {
	pool *vectordb.Pool
}

func NewTreeStore(pool *vectordb.Pool) *TreeStore {
	return &TreeStore{pool: pool}
}

// Save upserts the snapshot. Frames are stored as one JSON string so
// they come back byte-equal on load.
func (s *TreeStore) Save(ctx context.Context, snap *TreeSnapshot) error {
	frames, err := json.Marshal(snap.Frames)
	if err != nil {
		return errs.Upstream("encode snapshot frames: %v", err)
	}
	store, release, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	last := snap.LastUpdate
	if last.IsZero() {
		last = time.Now()
	}
	return store.Upsert(ctx, CollectionTrees, vectordb.Object{
		ID: deterministicID(snap.UserID, snap.ConversationID),
		Payload: map[string]any{
			"user_id":          snap.UserID,
			"conversation_id":  snap.ConversationID,
			"config_id":        snap.ConfigID,
			"title":            snap.Title,
			"last_update_time": last.UTC().Format(time.RFC3339Nano),
			"frames":           string(frames),
			"history":          string(snap.History),
		},
	})
}

// Load fetches one snapshot, errs.ErrNotFound when absent.
func (s *TreeStore) Load(ctx context.Context, userID, conversationID string) (*TreeSnapshot, error) {
	store, release, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	objs, err := store.FetchByFilter(ctx, CollectionTrees, map[string]any{
		"user_id":         userID,
		"conversation_id": conversationID,
	}, 1)
	if err != nil {
		return nil, err
	}
	if len(objs) == 0 {
		return nil, errs.NotFound("saved conversation %s/%s", userID, conversationID)
	}
	return snapshotFromPayload(objs[0].Payload)
}

func snapshotFromPayload(payload map[string]any) (*TreeSnapshot, error) {
	str := func(key string) string {
		s, _ := payload[key].(string)
		return s
	}
	snap := &TreeSnapshot{
		UserID:         str("user_id"),
		ConversationID: str("conversation_id"),
		ConfigID:       str("config_id"),
		Title:          str("title"),
		History:        json.RawMessage(str("history")),
	}
	if ts, err := time.Parse(time.RFC3339Nano, str("last_update_time")); err == nil {
		snap.LastUpdate = ts
	}
	if raw := str("frames"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &snap.Frames); err != nil {
			return nil, errs.Upstream("decode snapshot frames: %v", err)
		}
	}
	return snap, nil
}

// Exists reports whether a snapshot is saved for the conversation.
func (s *TreeStore) Exists(ctx context.Context, userID, conversationID string) (bool, error) {
	store, release, err := s.pool.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	n, err := store.CountByFilter(ctx, CollectionTrees, map[string]any{
		"user_id":         userID,
		"conversation_id": conversationID,
	})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Delete removes a saved conversation. Deleting an absent snapshot is
// not an error.
func (s *TreeStore) Delete(ctx context.Context, userID, conversationID string) error {
	store, release, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return store.DeleteByFilter(ctx, CollectionTrees, map[string]any{
		"user_id":         userID,
		"conversation_id": conversationID,
	})
}

// List returns the saved conversations of one user, most recently
// updated first.
func (s *TreeStore) List(ctx context.Context, userID string) ([]TreeMeta, error) {
	store, release, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	objs, err := store.FetchByFilter(ctx, CollectionTrees, map[string]any{"user_id": userID}, 1000)
	if err != nil {
		return nil, err
	}
	metas := make([]TreeMeta, 0, len(objs))
	for _, obj := range objs {
		title, _ := obj.Payload["title"].(string)
		convID, _ := obj.Payload["conversation_id"].(string)
		meta := TreeMeta{ConversationID: convID, Title: title}
		if raw, ok := obj.Payload["last_update_time"].(string); ok {
			if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
				meta.LastUpdate = ts
			}
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].LastUpdate.After(metas[j].LastUpdate)
	})
	return metas, nil
}
