package snapshot

import (
	"context"
	"time"

	"github.com/elysia-ai/elysia/internal/vectordb"
)

// FeedbackStore records per-query user feedback. One row per
// (user, conversation, query): re-submitting overwrites the earlier
// value rather than double-counting.
type FeedbackStore struct {
	pool *vectordb.Pool
}

func NewFeedbackStore(pool *vectordb.Pool) *FeedbackStore {
	return &FeedbackStore{pool: pool}
}

// FeedbackMetadata aggregates stored feedback for display.
type FeedbackMetadata struct {
	Total   uint64            `json:"total"`
	ByValue map[string]uint64 `json:"by_value"`
}

// Add upserts one feedback value ("positive", "negative", ...).
func (s *FeedbackStore) Add(ctx context.Context, userID, conversationID, queryID, value string) error {
	store, release, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	return store.Upsert(ctx, CollectionFeedback, vectordb.Object{
		ID: deterministicID(userID, conversationID, queryID),
		Payload: map[string]any{
			"user_id":         userID,
			"conversation_id": conversationID,
			"query_id":        queryID,
			"value":           value,
			"recorded_at":     time.Now().UTC().Format(time.RFC3339Nano),
		},
	})
}

// Remove deletes the feedback for one query, if any.
func (s *FeedbackStore) Remove(ctx context.Context, userID, conversationID, queryID string) error {
	store, release, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return store.DeleteByFilter(ctx, CollectionFeedback, map[string]any{
		"user_id":         userID,
		"conversation_id": conversationID,
		"query_id":        queryID,
	})
}

// Metadata returns feedback counts for a user, total and per value.
func (s *FeedbackStore) Metadata(ctx context.Context, userID string) (*FeedbackMetadata, error) {
	store, release, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	objs, err := store.FetchByFilter(ctx, CollectionFeedback, map[string]any{"user_id": userID}, 10_000)
	if err != nil {
		return nil, err
	}
	meta := &FeedbackMetadata{ByValue: map[string]uint64{}}
	for _, obj := range objs {
		meta.Total++
		if value, ok := obj.Payload["value"].(string); ok {
			meta.ByValue[value]++
		}
	}
	return meta, nil
}
