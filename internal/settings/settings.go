package settings

import (
	"fmt"
	"os"
	"strings"

	"github.com/elysia-ai/elysia/internal/errs"
)

// Scope controls which keys Configure accepts. At tree scope the
// credential keys are stripped so a conversation can never rotate the
// user's secrets; unknown keys are silently ignored there.
type Scope int

const (
	ScopeUser Scope = iota
	ScopeTree
)

// Settings is the flat model/provider/credential record carried by
// each user Config and inherited (credentials stripped) by each tree.
// Values in APIKeys are encrypted; use APIKey to read one back.
type Settings struct {
	BaseModel       string            `json:"BASE_MODEL"`
	ComplexModel    string            `json:"COMPLEX_MODEL"`
	BaseProvider    string            `json:"BASE_PROVIDER"`
	ComplexProvider string            `json:"COMPLEX_PROVIDER"`
	WcdURL          string            `json:"WCD_URL"`
	APIKeys         map[string]string `json:"API_KEYS"`

	cipher *Cipher
}

// NewSettings returns empty settings bound to the process cipher.
func NewSettings(cipher *Cipher) *Settings {
	return &Settings{
		APIKeys: map[string]string{},
		cipher:  cipher,
	}
}

// scalarFields maps upper-cased configure keys to setters.
func (s *Settings) setScalar(key, value string) bool {
	switch key {
	case "BASE_MODEL":
		s.BaseModel = value
	case "COMPLEX_MODEL":
		s.ComplexModel = value
	case "BASE_PROVIDER":
		s.BaseProvider = value
	case "COMPLEX_PROVIDER":
		s.ComplexProvider = value
	case "WCD_URL":
		s.WcdURL = value
	default:
		return false
	}
	return true
}

// isSecretKey reports whether a configure key routes into the
// encrypted API_KEYS map: any *_api_key plus WCD_API_KEY itself.
func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	return strings.HasSuffix(lower, "_api_key")
}

// Configure merges a partial record. Secret keys are encrypted and
// stored lower-cased in APIKeys; scalar keys are matched upper-cased.
// At tree scope, secret keys and WCD_URL are stripped and unknown keys
// ignored; at user scope an unknown key is a ConfigError.
func (s *Settings) Configure(partial map[string]any, scope Scope) error {
	for key, raw := range partial {
		value := fmt.Sprintf("%v", raw)
		if isSecretKey(key) {
			if scope == ScopeTree {
				continue
			}
			enc, err := s.cipher.EncryptString(value)
			if err != nil {
				return fmt.Errorf("encrypt %s: %w", key, err)
			}
			s.APIKeys[strings.ToLower(key)] = enc
			continue
		}
		upper := strings.ToUpper(key)
		if scope == ScopeTree && upper == "WCD_URL" {
			continue
		}
		if !s.setScalar(upper, value) {
			if scope == ScopeTree {
				continue
			}
			return errs.Config("unknown settings key %q", key)
		}
	}
	return nil
}

// APIKey decrypts and returns the secret stored under the given name
// (e.g. "openai_api_key", "wcd_api_key"). Empty string if unset.
func (s *Settings) APIKey(name string) (string, error) {
	enc, ok := s.APIKeys[strings.ToLower(name)]
	if !ok || enc == "" {
		return "", nil
	}
	return s.cipher.DecryptString(enc)
}

// setAPIKeyRaw stores an already-plaintext secret, encrypting it.
func (s *Settings) setAPIKeyRaw(name, plaintext string) error {
	enc, err := s.cipher.EncryptString(plaintext)
	if err != nil {
		return err
	}
	s.APIKeys[strings.ToLower(name)] = enc
	return nil
}

// providerPreference is the fixed order SmartSetup walks when picking
// a provider from the environment.
var providerPreference = []struct {
	envVar   string
	provider string
	base     string
	complex  string
}{
	{"OPENAI_API_KEY", "openai", "gpt-4o-mini", "gpt-4o"},
	{"ANTHROPIC_API_KEY", "anthropic", "claude-3-5-haiku-latest", "claude-sonnet-4-20250514"},
	{"GEMINI_API_KEY", "gemini", "gemini-2.0-flash", "gemini-2.5-pro"},
	{"OPENROUTER_API_KEY", "openrouter", "openai/gpt-4o-mini", "openai/gpt-4o"},
}

// SmartSetup hydrates unset fields from the environment: it imports
// whichever provider API keys are present, picks the first preferred
// provider with a key, and fills in vector-database credentials.
// Fields that are already set are never overwritten.
func (s *Settings) SmartSetup() error {
	for _, p := range providerPreference {
		val := os.Getenv(p.envVar)
		if val == "" {
			continue
		}
		if _, ok := s.APIKeys[strings.ToLower(p.envVar)]; !ok {
			if err := s.setAPIKeyRaw(p.envVar, val); err != nil {
				return err
			}
		}
		if s.BaseProvider == "" {
			s.BaseProvider = p.provider
			s.ComplexProvider = p.provider
			s.BaseModel = p.base
			s.ComplexModel = p.complex
		}
	}
	if s.WcdURL == "" {
		s.WcdURL = os.Getenv("WCD_URL")
	}
	if _, ok := s.APIKeys["wcd_api_key"]; !ok {
		if val := os.Getenv("WCD_API_KEY"); val != "" {
			if err := s.setAPIKeyRaw("WCD_API_KEY", val); err != nil {
				return err
			}
		}
	}
	return nil
}

// Check reports whether the settings are complete: both models, both
// providers, the vector-database URL and key, and the API key for the
// chosen base provider.
func (s *Settings) Check() bool {
	if s.BaseModel == "" || s.ComplexModel == "" || s.BaseProvider == "" || s.ComplexProvider == "" {
		return false
	}
	if s.WcdURL == "" || s.APIKeys["wcd_api_key"] == "" {
		return false
	}
	providerKey := strings.ToLower(s.BaseProvider) + "_api_key"
	return s.APIKeys[providerKey] != ""
}

// Clone returns a deep copy sharing the same cipher.
func (s *Settings) Clone() *Settings {
	keys := make(map[string]string, len(s.APIKeys))
	for k, v := range s.APIKeys {
		keys[k] = v
	}
	return &Settings{
		BaseModel:       s.BaseModel,
		ComplexModel:    s.ComplexModel,
		BaseProvider:    s.BaseProvider,
		ComplexProvider: s.ComplexProvider,
		WcdURL:          s.WcdURL,
		APIKeys:         keys,
		cipher:          s.cipher,
	}
}

// ToJSON serializes losslessly; secrets remain encrypted.
func (s *Settings) ToJSON() map[string]any {
	keys := make(map[string]string, len(s.APIKeys))
	for k, v := range s.APIKeys {
		keys[k] = v
	}
	return map[string]any{
		"BASE_MODEL":       s.BaseModel,
		"COMPLEX_MODEL":    s.ComplexModel,
		"BASE_PROVIDER":    s.BaseProvider,
		"COMPLEX_PROVIDER": s.ComplexProvider,
		"WCD_URL":          s.WcdURL,
		"API_KEYS":         keys,
	}
}

// FromJSON restores a record produced by ToJSON. Secret values are
// assumed to be ciphertext already and are stored verbatim.
func (s *Settings) FromJSON(data map[string]any) {
	str := func(key string) string {
		if v, ok := data[key].(string); ok {
			return v
		}
		return ""
	}
	if v := str("BASE_MODEL"); v != "" {
		s.BaseModel = v
	}
	if v := str("COMPLEX_MODEL"); v != "" {
		s.ComplexModel = v
	}
	if v := str("BASE_PROVIDER"); v != "" {
		s.BaseProvider = v
	}
	if v := str("COMPLEX_PROVIDER"); v != "" {
		s.ComplexProvider = v
	}
	if v := str("WCD_URL"); v != "" {
		s.WcdURL = v
	}
	if keys, ok := data["API_KEYS"].(map[string]any); ok {
		for k, v := range keys {
			if sv, ok := v.(string); ok {
				s.APIKeys[strings.ToLower(k)] = sv
			}
		}
	}
}

// BindCipher re-attaches the process cipher after deserialization.
func (s *Settings) BindCipher(c *Cipher) { s.cipher = c }
