package llm

import (
	"github.com/elysia-ai/elysia/internal/errs"
	"github.com/elysia-ai/elysia/internal/settings"
)

const (
	openRouterAPIBase = "https://openrouter.ai/api/v1"
	geminiAPIBase     = "https://generativelanguage.googleapis.com/v1beta/openai"
)

// forProvider builds a Provider for one (provider, model) pair using
// the decrypted key from the settings record.
func forProvider(s *settings.Settings, provider, model string) (Provider, error) {
	key, err := s.APIKey(provider + "_api_key")
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, errs.Config("no API key configured for provider %q", provider)
	}

	switch provider {
	case "openai":
		return NewOpenAIProvider("openai", key, "", model), nil
	case "anthropic":
		return NewAnthropicProvider(key, model), nil
	case "gemini":
		return NewOpenAIProvider("gemini", key, geminiAPIBase, model), nil
	case "openrouter":
		return NewOpenAIProvider("openrouter", key, openRouterAPIBase, model), nil
	default:
		return nil, errs.Config("unknown provider %q", provider)
	}
}

// FromSettings builds the base and complex providers a tree runs with.
func FromSettings(s *settings.Settings) (base, complex Provider, err error) {
	base, err = forProvider(s, s.BaseProvider, s.BaseModel)
	if err != nil {
		return nil, nil, err
	}
	complex, err = forProvider(s, s.ComplexProvider, s.ComplexModel)
	if err != nil {
		return nil, nil, err
	}
	return base, complex, nil
}
