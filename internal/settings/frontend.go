package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Default idle timeouts, overridable per user through FrontendConfig.
const (
	DefaultUserTimeout   = 20 * time.Minute
	DefaultTreeTimeout   = 10 * time.Minute
	DefaultClientTimeout = 3 * time.Minute
)

// FrontendConfig is the per-user policy record: snapshot destination
// credentials, save flags, and idle timeouts. Persisted as JSON at
// <data_dir>/frontend_config_<user_id>.json.
type FrontendConfig struct {
	SaveTrees   bool `json:"save_trees"`
	SaveConfigs bool `json:"save_configs"`

	// Snapshot destination; empty means "use the user's own settings".
	SaveLocationWcdURL    string `json:"save_location_wcd_url,omitempty"`
	SaveLocationWcdAPIKey string `json:"save_location_wcd_api_key,omitempty"`

	// Timeouts in minutes, to keep the file shape friendly to the
	// frontend. Zero means "use the default"; user timeout zero means
	// eviction disabled.
	TreeTimeoutMinutes   float64 `json:"tree_timeout"`
	ClientTimeoutMinutes float64 `json:"client_timeout"`
}

// DefaultFrontendConfig returns the policy a fresh user starts with.
func DefaultFrontendConfig() *FrontendConfig {
	return &FrontendConfig{
		SaveTrees:            true,
		SaveConfigs:          true,
		TreeTimeoutMinutes:   DefaultTreeTimeout.Minutes(),
		ClientTimeoutMinutes: DefaultClientTimeout.Minutes(),
	}
}

// TreeTimeout returns the effective tree idle timeout.
func (f *FrontendConfig) TreeTimeout() time.Duration {
	if f.TreeTimeoutMinutes <= 0 {
		return DefaultTreeTimeout
	}
	return time.Duration(f.TreeTimeoutMinutes * float64(time.Minute))
}

// ClientTimeout returns the effective client-handle idle timeout.
func (f *FrontendConfig) ClientTimeout() time.Duration {
	if f.ClientTimeoutMinutes <= 0 {
		return DefaultClientTimeout
	}
	return time.Duration(f.ClientTimeoutMinutes * float64(time.Minute))
}

func frontendConfigPath(dataDir, userID string) string {
	return filepath.Join(dataDir, fmt.Sprintf("frontend_config_%s.json", sanitizeFilename(userID)))
}

// LoadFrontendConfig reads the per-user config file, returning
// defaults when the file does not exist.
func LoadFrontendConfig(dataDir, userID string) (*FrontendConfig, error) {
	data, err := os.ReadFile(frontendConfigPath(dataDir, userID))
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultFrontendConfig(), nil
		}
		return nil, err
	}
	fc := DefaultFrontendConfig()
	if err := json.Unmarshal(data, fc); err != nil {
		return nil, fmt.Errorf("frontend config for %s: %w", userID, err)
	}
	return fc, nil
}

// SaveFrontendConfig writes the file atomically (temp file + rename).
func SaveFrontendConfig(dataDir, userID string, fc *FrontendConfig) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dataDir, "frontend-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, frontendConfigPath(dataDir, userID)); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func sanitizeFilename(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}
