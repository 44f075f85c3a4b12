package settings

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/elysia-ai/elysia/internal/errs"
)

func testCipher(t *testing.T) *Cipher {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	c, err := NewCipherWithKey(key)
	if err != nil {
		t.Fatalf("NewCipherWithKey: %v", err)
	}
	return c
}

func TestCipherRoundTrip(t *testing.T) {
	c := testCipher(t)
	enc, err := c.EncryptString("sk-secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if enc == "sk-secret" {
		t.Fatal("ciphertext equals plaintext")
	}
	dec, err := c.DecryptString(enc)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if dec != "sk-secret" {
		t.Fatalf("round trip = %q, want %q", dec, "sk-secret")
	}
}

func TestConfigurePartialLeavesOtherFieldsUntouched(t *testing.T) {
	s := NewSettings(testCipher(t))
	if err := s.Configure(map[string]any{
		"base_model":    "gpt-4o-mini",
		"base_provider": "openai",
	}, ScopeUser); err != nil {
		t.Fatalf("configure: %v", err)
	}
	s.ComplexModel = "gpt-4o"

	if err := s.Configure(map[string]any{"base_model": "gpt-4.1-mini"}, ScopeUser); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if s.BaseModel != "gpt-4.1-mini" {
		t.Errorf("BaseModel = %q", s.BaseModel)
	}
	if s.ComplexModel != "gpt-4o" || s.BaseProvider != "openai" {
		t.Errorf("unspecified fields changed: %q %q", s.ComplexModel, s.BaseProvider)
	}
}

func TestConfigureRoutesSecrets(t *testing.T) {
	s := NewSettings(testCipher(t))
	if err := s.Configure(map[string]any{
		"OPENAI_API_KEY": "sk-abc",
		"WCD_API_KEY":    "wv-def",
		"wcd_url":        "https://db.example.com",
	}, ScopeUser); err != nil {
		t.Fatalf("configure: %v", err)
	}

	if _, ok := s.APIKeys["openai_api_key"]; !ok {
		t.Error("openai_api_key missing from APIKeys")
	}
	if s.APIKeys["openai_api_key"] == "sk-abc" {
		t.Error("secret stored in plaintext")
	}
	got, err := s.APIKey("openai_api_key")
	if err != nil || got != "sk-abc" {
		t.Errorf("APIKey = %q, %v", got, err)
	}
	if s.WcdURL != "https://db.example.com" {
		t.Errorf("WcdURL = %q", s.WcdURL)
	}
}

func TestConfigureTreeScopeStripsCredentials(t *testing.T) {
	s := NewSettings(testCipher(t))
	s.WcdURL = "https://original.example.com"

	if err := s.Configure(map[string]any{
		"openai_api_key": "sk-new",
		"WCD_API_KEY":    "wv-new",
		"wcd_url":        "https://hijack.example.com",
		"base_model":     "gpt-4o-mini",
		"bogus_key":      "x",
	}, ScopeTree); err != nil {
		t.Fatalf("configure: %v", err)
	}

	if len(s.APIKeys) != 0 {
		t.Errorf("tree scope stored secrets: %v", s.APIKeys)
	}
	if s.WcdURL != "https://original.example.com" {
		t.Errorf("tree scope changed WcdURL to %q", s.WcdURL)
	}
	if s.BaseModel != "gpt-4o-mini" {
		t.Errorf("BaseModel = %q", s.BaseModel)
	}
}

func TestConfigureUserScopeRejectsUnknownKey(t *testing.T) {
	s := NewSettings(testCipher(t))
	err := s.Configure(map[string]any{"bogus_key": "x"}, ScopeUser)
	if !errors.Is(err, errs.ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig", err)
	}
}

func TestCheck(t *testing.T) {
	c := testCipher(t)
	complete := func() *Settings {
		s := NewSettings(c)
		s.Configure(map[string]any{
			"base_model":       "m1",
			"complex_model":    "m2",
			"base_provider":    "openai",
			"complex_provider": "openai",
			"wcd_url":          "https://db",
			"WCD_API_KEY":      "k",
			"OPENAI_API_KEY":   "sk",
		}, ScopeUser)
		return s
	}

	if !complete().Check() {
		t.Error("complete settings failed Check")
	}

	s := complete()
	s.BaseModel = ""
	if s.Check() {
		t.Error("Check passed without base model")
	}

	s = complete()
	delete(s.APIKeys, "openai_api_key")
	if s.Check() {
		t.Error("Check passed without provider key")
	}

	s = complete()
	s.WcdURL = ""
	if s.Check() {
		t.Error("Check passed without destination URL")
	}
}

func TestSmartSetupPrefersOpenAIAndKeepsExisting(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-openai")
	t.Setenv("ANTHROPIC_API_KEY", "sk-anthropic")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("OPENROUTER_API_KEY", "")
	t.Setenv("WCD_URL", "https://db")
	t.Setenv("WCD_API_KEY", "wv")

	s := NewSettings(testCipher(t))
	if err := s.SmartSetup(); err != nil {
		t.Fatalf("SmartSetup: %v", err)
	}
	if s.BaseProvider != "openai" {
		t.Errorf("BaseProvider = %q, want openai", s.BaseProvider)
	}
	if _, ok := s.APIKeys["anthropic_api_key"]; !ok {
		t.Error("anthropic key not imported")
	}

	// Pre-set fields survive a second pass.
	s.BaseProvider = "anthropic"
	s.BaseModel = "custom"
	if err := s.SmartSetup(); err != nil {
		t.Fatalf("SmartSetup: %v", err)
	}
	if s.BaseProvider != "anthropic" || s.BaseModel != "custom" {
		t.Errorf("SmartSetup overwrote set fields: %q %q", s.BaseProvider, s.BaseModel)
	}
}

func TestToJSONFromJSONLossless(t *testing.T) {
	c := testCipher(t)
	s := NewSettings(c)
	s.Configure(map[string]any{
		"base_model":     "m1",
		"OPENAI_API_KEY": "sk-abc",
	}, ScopeUser)

	restored := NewSettings(c)
	restored.FromJSON(s.ToJSON())

	if restored.BaseModel != "m1" {
		t.Errorf("BaseModel = %q", restored.BaseModel)
	}
	// Serialized form carries ciphertext, and it decrypts to the same value.
	if restored.APIKeys["openai_api_key"] != s.APIKeys["openai_api_key"] {
		t.Error("ciphertext not preserved")
	}
	got, err := restored.APIKey("openai_api_key")
	if err != nil || got != "sk-abc" {
		t.Errorf("APIKey = %q, %v", got, err)
	}
}

func TestFrontendConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fc := DefaultFrontendConfig()
	fc.SaveTrees = false
	fc.TreeTimeoutMinutes = 2

	if err := SaveFrontendConfig(dir, "user/1", fc); err != nil {
		t.Fatalf("save: %v", err)
	}
	// The path segment is sanitized.
	if _, err := os.Stat(filepath.Join(dir, "frontend_config_user_1.json")); err != nil {
		t.Fatalf("expected sanitized file: %v", err)
	}

	got, err := LoadFrontendConfig(dir, "user/1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.SaveTrees || got.TreeTimeoutMinutes != 2 {
		t.Errorf("round trip mismatch: %+v", got)
	}

	// Missing file yields defaults.
	def, err := LoadFrontendConfig(dir, "missing")
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if !def.SaveTrees || def.TreeTimeout() != DefaultTreeTimeout {
		t.Errorf("defaults mismatch: %+v", def)
	}
}
