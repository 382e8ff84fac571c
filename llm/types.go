// Package llm provides the model gateway: uniform chat, vision, speech-to-
// text and text-to-speech calls over pluggable providers configured by
// alias.
package llm

import "encoding/json"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ImagePart is one visual frame attached to a chat message. The payload
// stays base64-encoded until a provider adapter needs raw bytes.
type ImagePart struct {
	MIME string
	B64  string
}

// ChatMessage is a single message in a conversation.
type ChatMessage struct {
	Role       string
	Content    string
	Images     []ImagePart
	ToolCallID string
}

// SystemMessage creates a system message.
func SystemMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: content}
}

// UserMessage creates a user message.
func UserMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: content}
}

// UserMessageWithImages creates a user message carrying visual frames.
func UserMessageWithImages(content string, images ...ImagePart) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: content, Images: images}
}

// AssistantMessage creates an assistant message.
func AssistantMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: content}
}

// ToolSpec describes one tool mounted for a chat call. Parameters is a
// JSON-schema properties map.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
	Required    []string               `json:"required,omitempty"`
}

// ToolCallRequest is a tool invocation requested by the model.
type ToolCallRequest struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// TokenUsage tracks token consumption for one call.
type TokenUsage struct {
	PromptTokens     uint32
	CompletionTokens uint32
	TotalTokens      uint32
}

// Add accumulates usage from another call.
func (u *TokenUsage) Add(other *TokenUsage) {
	if other == nil {
		return
	}
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Reply is the provider-independent result of a chat call.
type Reply struct {
	Content  string
	ToolCall *ToolCallRequest
	Usage    *TokenUsage
}
