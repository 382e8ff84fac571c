// Model gateway: alias-configured access to chat, STT and TTS models with
// instance caching, a runtime API key override, per-call timeouts and
// classified retries.
package llm

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lavisapp/lavis/config"
	"github.com/lavisapp/lavis/faults"
)

// Retry backoff bounds.
const (
	retryBaseDelay = 250 * time.Millisecond
	retryMaxDelay  = 4 * time.Second
)

// cacheKey identifies one provider instance: alias plus the API key that
// was effective when it was built.
type cacheKey struct {
	alias string
	key   string
}

// Gateway is the uniform facade over all configured models.
type Gateway struct {
	cfg    config.ModelsConfig
	keys   *KeyStore
	logger *zap.Logger

	mu          sync.RWMutex
	chatCache   map[cacheKey]Provider
	speechCache map[cacheKey]*OpenAISpeech
}

// NewGateway creates a gateway over the alias table. Setting or clearing
// the runtime key invalidates all cached instances.
func NewGateway(cfg config.ModelsConfig, keys *KeyStore, logger *zap.Logger) *Gateway {
	g := &Gateway{
		cfg:         cfg,
		keys:        keys,
		logger:      logger.Named("gateway"),
		chatCache:   make(map[cacheKey]Provider),
		speechCache: make(map[cacheKey]*OpenAISpeech),
	}
	keys.subscribe(g.invalidate)
	return g
}

// Chat sends a conversation to a chat alias and returns the reply.
func (g *Gateway) Chat(ctx context.Context, alias string, messages []ChatMessage) (*Reply, error) {
	return g.call(ctx, alias, messages, nil)
}

// ChatWithTools sends a conversation with mounted tools.
func (g *Gateway) ChatWithTools(ctx context.Context, alias string, messages []ChatMessage, tools []ToolSpec) (*Reply, error) {
	return g.call(ctx, alias, messages, tools)
}

// ChatDefaultWithTools sends a conversation with mounted tools to the
// default chat alias.
func (g *Gateway) ChatDefaultWithTools(ctx context.Context, messages []ChatMessage, tools []ToolSpec) (*Reply, error) {
	return g.ChatWithTools(ctx, g.cfg.DefaultChat, messages, tools)
}

// ChatDefault sends a conversation to the default chat alias.
func (g *Gateway) ChatDefault(ctx context.Context, messages []ChatMessage) (*Reply, error) {
	return g.Chat(ctx, g.cfg.DefaultChat, messages)
}

// ChatLight sends a conversation to the light (small, fast) chat alias.
func (g *Gateway) ChatLight(ctx context.Context, messages []ChatMessage) (*Reply, error) {
	return g.Chat(ctx, g.cfg.LightChat, messages)
}

// Transcribe runs speech-to-text through the default STT alias.
func (g *Gateway) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	spec, err := g.aliasOfKind(g.cfg.DefaultSTT, config.ModelSTT)
	if err != nil {
		return "", err
	}
	adapter, err := g.speechAdapter(spec)
	if err != nil {
		return "", err
	}

	var text string
	err = g.withRetry(ctx, spec, func(callCtx context.Context) error {
		var callErr error
		text, callErr = adapter.Transcribe(callCtx, audio, mimeType)
		return callErr
	})
	return text, err
}

// Synthesize runs text-to-speech through the default TTS alias. voice and
// format fall back to the alias configuration when empty.
func (g *Gateway) Synthesize(ctx context.Context, text, voice, format string) ([]byte, error) {
	spec, err := g.aliasOfKind(g.cfg.DefaultTTS, config.ModelTTS)
	if err != nil {
		return nil, err
	}
	adapter, err := g.speechAdapter(spec)
	if err != nil {
		return nil, err
	}
	if voice == "" {
		voice = spec.Voice
	}
	if format == "" {
		format = spec.Format
	}

	var audio []byte
	err = g.withRetry(ctx, spec, func(callCtx context.Context) error {
		var callErr error
		audio, callErr = adapter.Synthesize(callCtx, text, voice, format)
		return callErr
	})
	return audio, err
}

// TTSFormat returns the configured audio format of the default TTS alias.
func (g *Gateway) TTSFormat() string {
	if spec, ok := g.cfg.Alias(g.cfg.DefaultTTS); ok && spec.Format != "" {
		return spec.Format
	}
	return "mp3"
}

// DefaultModelName returns "provider/model" for the default chat alias,
// for status reporting.
func (g *Gateway) DefaultModelName() string {
	spec, ok := g.cfg.Alias(g.cfg.DefaultChat)
	if !ok {
		return ""
	}
	return spec.Provider + "/" + spec.Model
}

// KeyStatus reports whether a runtime override is active and whether the
// default chat alias has a configured key at all.
func (g *Gateway) KeyStatus() (overrideActive, configured bool) {
	overrideActive = g.keys.IsSet()
	if spec, ok := g.cfg.Alias(g.cfg.DefaultChat); ok {
		configured = overrideActive || spec.APIKey() != ""
	}
	return overrideActive, configured
}

// CachedInstances returns the number of live provider instances.
func (g *Gateway) CachedInstances() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.chatCache) + len(g.speechCache)
}

// call resolves a chat alias and runs the request under the retry policy.
func (g *Gateway) call(ctx context.Context, alias string, messages []ChatMessage, tools []ToolSpec) (*Reply, error) {
	spec, err := g.aliasOfKind(alias, config.ModelChat)
	if err != nil {
		return nil, err
	}
	provider, err := g.chatProvider(spec)
	if err != nil {
		return nil, err
	}

	var reply *Reply
	err = g.withRetry(ctx, spec, func(callCtx context.Context) error {
		var callErr error
		if len(tools) > 0 {
			reply, callErr = provider.ChatWithTools(callCtx, messages, tools)
		} else {
			reply, callErr = provider.Chat(callCtx, messages)
		}
		return callErr
	})
	return reply, err
}

// aliasOfKind resolves an alias name and checks its kind.
func (g *Gateway) aliasOfKind(alias string, kind config.ModelKind) (config.ModelAlias, error) {
	spec, ok := g.cfg.Alias(alias)
	if !ok {
		return config.ModelAlias{}, faults.NewModelError(faults.ModelUnknown, alias, "unknown model alias", nil)
	}
	if spec.Kind != kind {
		return config.ModelAlias{}, faults.NewModelError(faults.ModelUnknown, alias,
			fmt.Sprintf("alias is %s, need %s", spec.Kind, kind), nil)
	}
	return spec, nil
}

// effectiveKey applies the runtime override to an alias's configured key.
func (g *Gateway) effectiveKey(spec config.ModelAlias) string {
	if override := g.keys.Get(); override != "" {
		return override
	}
	return spec.APIKey()
}

// chatProvider returns the cached provider for (alias, effective key),
// building it on first use.
func (g *Gateway) chatProvider(spec config.ModelAlias) (Provider, error) {
	key := g.effectiveKey(spec)
	if key == "" {
		return nil, faults.NewModelError(faults.ModelAuth, spec.Name,
			fmt.Sprintf("no API key: set %s or a runtime key", spec.APIKeyEnv), nil)
	}
	ck := cacheKey{alias: spec.Name, key: key}

	g.mu.RLock()
	provider, ok := g.chatCache[ck]
	g.mu.RUnlock()
	if ok {
		return provider, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if provider, ok = g.chatCache[ck]; ok {
		return provider, nil
	}

	switch spec.Provider {
	case "anthropic":
		provider = NewAnthropicProvider(key, spec.Model, spec.Temperature)
	case "gemini":
		provider = NewGeminiProvider(key, spec.Model, spec.Temperature)
	case "openai", "deepseek":
		provider = NewOpenAIProvider(key, spec.BaseURL, spec.Provider, spec.Model, spec.Temperature)
	default:
		return nil, faults.NewModelError(faults.ModelUnknown, spec.Name,
			fmt.Sprintf("unsupported provider %q", spec.Provider), nil)
	}

	g.chatCache[ck] = provider
	g.logger.Debug("provider instance created",
		zap.String("alias", spec.Name), zap.String("provider", spec.Provider), zap.String("model", spec.Model))
	return provider, nil
}

// speechAdapter returns the cached speech adapter for (alias, effective
// key), building it on first use.
func (g *Gateway) speechAdapter(spec config.ModelAlias) (*OpenAISpeech, error) {
	key := g.effectiveKey(spec)
	if key == "" {
		return nil, faults.NewModelError(faults.ModelAuth, spec.Name,
			fmt.Sprintf("no API key: set %s or a runtime key", spec.APIKeyEnv), nil)
	}
	ck := cacheKey{alias: spec.Name, key: key}

	g.mu.RLock()
	adapter, ok := g.speechCache[ck]
	g.mu.RUnlock()
	if ok {
		return adapter, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if adapter, ok = g.speechCache[ck]; ok {
		return adapter, nil
	}

	adapter = NewOpenAISpeech(key, spec.Model, spec.Model, spec.Voice)
	g.speechCache[ck] = adapter
	return adapter, nil
}

// invalidate drops every cached instance. Called when the runtime key
// changes.
func (g *Gateway) invalidate() {
	g.mu.Lock()
	g.chatCache = make(map[cacheKey]Provider)
	g.speechCache = make(map[cacheKey]*OpenAISpeech)
	g.mu.Unlock()
	g.logger.Info("model instance cache invalidated")
}

// withRetry runs fn under the alias's timeout, retrying classified
// transient failures with exponential backoff and full jitter.
func (g *Gateway) withRetry(ctx context.Context, spec config.ModelAlias, fn func(context.Context) error) error {
	attempts := spec.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	timeout := time.Duration(spec.TimeoutSec) * time.Second

	var lastErr *faults.ModelError
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := jitteredBackoff(attempt)
			g.logger.Warn("retrying model call",
				zap.String("alias", spec.Name),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.String("category", lastErr.Category.String()))
			select {
			case <-ctx.Done():
				return Classify(ctx.Err(), spec.Name)
			case <-time.After(delay):
			}
		}

		callCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		err := fn(callCtx)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			return nil
		}
		lastErr = Classify(err, spec.Name)
		if !lastErr.Category.Retryable() {
			return lastErr
		}
		// The caller's context expiring is not retryable even when the
		// category is.
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

// jitteredBackoff returns a random delay in [0, min(base<<attempt, cap)).
func jitteredBackoff(attempt int) time.Duration {
	limit := retryBaseDelay << uint(attempt)
	if limit > retryMaxDelay {
		limit = retryMaxDelay
	}
	return time.Duration(rand.Int63n(int64(limit) + 1))
}
