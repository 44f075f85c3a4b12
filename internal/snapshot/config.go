package snapshot

import (
	"context"
	"encoding/json"

	"github.com/elysia-ai/elysia/internal/errs"
	"github.com/elysia-ai/elysia/internal/settings"
	"github.com/elysia-ai/elysia/internal/vectordb"
)

// ConfigStore persists named user configs. Secrets inside the config
// are already ciphertext when they reach this layer.
type ConfigStore struct {
	pool *vectordb.Pool
}

func NewConfigStore(pool *vectordb.Pool) *ConfigStore {
	return &ConfigStore{pool: pool}
}

// ConfigMeta is the listing row for a saved config.
type ConfigMeta struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Default bool   `json:"default"`
}

// Save upserts a config for a user. Marking it default clears the
// default flag on the user's other configs first, so at most one
// default exists.
func (s *ConfigStore) Save(ctx context.Context, userID string, cfg *settings.Config, isDefault bool) error {
	body, err := json.Marshal(cfg.ToJSON())
	if err != nil {
		return errs.Upstream("encode config: %v", err)
	}
	store, release, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if isDefault {
		others, err := store.FetchByFilter(ctx, CollectionConfigs, map[string]any{
			"user_id": userID,
			"default": true,
		}, 100)
		if err != nil {
			return err
		}
		for _, other := range others {
			other.Payload["default"] = false
			if err := store.Upsert(ctx, CollectionConfigs, other); err != nil {
				return err
			}
		}
	}

	return store.Upsert(ctx, CollectionConfigs, vectordb.Object{
		ID: deterministicID(userID, cfg.ID),
		Payload: map[string]any{
			"user_id":   userID,
			"config_id": cfg.ID,
			"name":      cfg.Name,
			"default":   isDefault,
			"config":    string(body),
		},
	})
}

// Load fetches one saved config, decrypting nothing: secrets stay
// ciphertext until a Settings bound to the cipher uses them.
func (s *ConfigStore) Load(ctx context.Context, userID, configID string, cipher *settings.Cipher) (*settings.Config, error) {
	store, release, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	objs, err := store.FetchByFilter(ctx, CollectionConfigs, map[string]any{
		"user_id":   userID,
		"config_id": configID,
	}, 1)
	if err != nil {
		return nil, err
	}
	if len(objs) == 0 {
		return nil, errs.NotFound("config %s for user %s", configID, userID)
	}
	return decodeConfig(objs[0], cipher)
}

// LoadDefault fetches the user's default config if one is saved.
func (s *ConfigStore) LoadDefault(ctx context.Context, userID string, cipher *settings.Cipher) (*settings.Config, error) {
	store, release, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	objs, err := store.FetchByFilter(ctx, CollectionConfigs, map[string]any{
		"user_id": userID,
		"default": true,
	}, 1)
	if err != nil {
		return nil, err
	}
	if len(objs) == 0 {
		return nil, errs.NotFound("no default config for user %s", userID)
	}
	return decodeConfig(objs[0], cipher)
}

func decodeConfig(obj vectordb.Object, cipher *settings.Cipher) (*settings.Config, error) {
	raw, _ := obj.Payload["config"].(string)
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, errs.Upstream("decode config: %v", err)
	}
	return settings.ConfigFromJSON(data, cipher), nil
}

// List returns the user's saved configs.
func (s *ConfigStore) List(ctx context.Context, userID string) ([]ConfigMeta, error) {
	store, release, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	objs, err := store.FetchByFilter(ctx, CollectionConfigs, map[string]any{"user_id": userID}, 1000)
	if err != nil {
		return nil, err
	}
	metas := make([]ConfigMeta, 0, len(objs))
	for _, obj := range objs {
		id, _ := obj.Payload["config_id"].(string)
		name, _ := obj.Payload["name"].(string)
		dflt, _ := obj.Payload["default"].(bool)
		metas = append(metas, ConfigMeta{ID: id, Name: name, Default: dflt})
	}
	return metas, nil
}

// Delete removes a saved config.
func (s *ConfigStore) Delete(ctx context.Context, userID, configID string) error {
	store, release, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return store.DeleteByFilter(ctx, CollectionConfigs, map[string]any{
		"user_id":   userID,
		"config_id": configID,
	})
}
