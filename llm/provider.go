package llm

import "context"

// Provider is the interface all chat model adapters implement.
// Adapters translate between the gateway's message shape and one vendor
// SDK; they do not retry or classify errors, the gateway does.
type Provider interface {
	// Name returns the provider name (e.g. "openai", "anthropic").
	Name() string

	// Model returns the configured model identifier.
	Model() string

	// Chat sends a conversation, optionally carrying image parts, and
	// returns the assistant reply.
	Chat(ctx context.Context, messages []ChatMessage) (*Reply, error)

	// ChatWithTools sends a conversation with mounted tools. The reply
	// carries either content or a tool call.
	ChatWithTools(ctx context.Context, messages []ChatMessage, tools []ToolSpec) (*Reply, error)
}
