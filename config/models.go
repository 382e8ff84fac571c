package config

import (
	"fmt"
	"os"
	"strings"
)

// ModelKind distinguishes what a model alias is used for.
type ModelKind int

const (
	ModelChat ModelKind = iota
	ModelSTT
	ModelTTS
)

// String returns the uppercase name of the kind.
func (k ModelKind) String() string {
	switch k {
	case ModelSTT:
		return "STT"
	case ModelTTS:
		return "TTS"
	default:
		return "CHAT"
	}
}

// ModelAlias is one named model configuration. Instances are constructed
// by the gateway per (alias, effective API key).
type ModelAlias struct {
	Name        string
	Kind        ModelKind
	Provider    string
	BaseURL     string
	APIKeyEnv   string
	Model       string
	Temperature float64
	TimeoutSec  int
	MaxRetries  int
	Voice       string
	Format      string
}

// APIKey reads the alias's configured key from the environment.
func (a ModelAlias) APIKey() string {
	return os.Getenv(a.APIKeyEnv)
}

// ModelsConfig is the alias table plus the default alias per kind.
type ModelsConfig struct {
	Aliases     map[string]ModelAlias
	DefaultChat string
	LightChat   string
	DefaultSTT  string
	DefaultTTS  string
}

// Alias looks up an alias by name.
func (c ModelsConfig) Alias(name string) (ModelAlias, bool) {
	a, ok := c.Aliases[name]
	return a, ok
}

// Supported providers and their API key environment variables.
var providerKeyEnvs = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"gemini":    "GEMINI_API_KEY",
	"deepseek":  "DEEPSEEK_API_KEY",
}

// Provider aliases map to canonical names.
var providerAliases = map[string]string{
	"claude": "anthropic",
	"google": "gemini",
	"gpt":    "openai",
}

// NormalizeProvider converts provider aliases to canonical names.
func NormalizeProvider(provider string) string {
	provider = strings.ToLower(provider)
	if canonical, ok := providerAliases[provider]; ok {
		return canonical
	}
	return provider
}

// KeyEnvFor returns the API key environment variable for a provider.
func KeyEnvFor(provider string) (string, error) {
	provider = NormalizeProvider(provider)
	env, ok := providerKeyEnvs[provider]
	if !ok {
		return "", fmt.Errorf("unknown provider: %q", provider)
	}
	return env, nil
}

// SupportedProviders returns the canonical provider names.
func SupportedProviders() []string {
	result := make([]string, 0, len(providerKeyEnvs))
	for name := range providerKeyEnvs {
		result = append(result, name)
	}
	return result
}

// loadModelAliases builds the default alias table, applying environment
// overrides for provider and model names.
func loadModelAliases() (ModelsConfig, error) {
	chatProvider := NormalizeProvider(getEnvString("LAVIS_CHAT_PROVIDER", "openai"))
	chatKeyEnv, err := KeyEnvFor(chatProvider)
	if err != nil {
		return ModelsConfig{}, err
	}

	temperature, err := getEnvFloat64("LAVIS_CHAT_TEMPERATURE", 0.7)
	if err != nil {
		return ModelsConfig{}, err
	}

	aliases := map[string]ModelAlias{
		"chat-default": {
			Name:        "chat-default",
			Kind:        ModelChat,
			Provider:    chatProvider,
			APIKeyEnv:   chatKeyEnv,
			Model:       getEnvString("LAVIS_CHAT_MODEL", defaultChatModel(chatProvider)),
			Temperature: temperature,
			TimeoutSec:  60,
			MaxRetries:  3,
		},
		"chat-light": {
			Name:        "chat-light",
			Kind:        ModelChat,
			Provider:    "openai",
			APIKeyEnv:   "OPENAI_API_KEY",
			Model:       getEnvString("LAVIS_LIGHT_MODEL", "gpt-4o-mini"),
			Temperature: 0.1,
			TimeoutSec:  30,
			MaxRetries:  2,
		},
		"stt-default": {
			Name:       "stt-default",
			Kind:       ModelSTT,
			Provider:   "openai",
			APIKeyEnv:  "OPENAI_API_KEY",
			Model:      getEnvString("LAVIS_STT_MODEL", "whisper-1"),
			TimeoutSec: 300,
			MaxRetries: 2,
		},
		"tts-default": {
			Name:       "tts-default",
			Kind:       ModelTTS,
			Provider:   "openai",
			APIKeyEnv:  "OPENAI_API_KEY",
			Model:      getEnvString("LAVIS_TTS_MODEL", "tts-1"),
			Voice:      getEnvString("LAVIS_TTS_VOICE", "alloy"),
			Format:     "mp3",
			TimeoutSec: 60,
			MaxRetries: 2,
		},
	}

	if base := os.Getenv("LAVIS_CHAT_BASE_URL"); base != "" {
		a := aliases["chat-default"]
		a.BaseURL = base
		aliases["chat-default"] = a
	}
	if chatProvider == "deepseek" {
		a := aliases["chat-default"]
		if a.BaseURL == "" {
			a.BaseURL = "https://api.deepseek.com/v1"
		}
		aliases["chat-default"] = a
	}

	return ModelsConfig{
		Aliases:     aliases,
		DefaultChat: "chat-default",
		LightChat:   "chat-light",
		DefaultSTT:  "stt-default",
		DefaultTTS:  "tts-default",
	}, nil
}

// defaultChatModel returns the default vision-capable model per provider.
func defaultChatModel(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-20250514"
	case "gemini":
		return "gemini-2.5-flash"
	case "deepseek":
		return "deepseek-chat"
	default:
		return "gpt-4o"
	}
}

func getEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
