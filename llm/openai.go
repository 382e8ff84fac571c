// OpenAI provider implementation using go-openai.
//
// Also serves any OpenAI-compatible endpoint (DeepSeek and self-hosted
// gateways) through a custom base URL.
package llm

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// defaultMaxTokens bounds completions for providers that require an
// explicit limit.
const defaultMaxTokens = 4096

// OpenAIProvider implements Provider for the OpenAI chat completions API.
type OpenAIProvider struct {
	client      *openai.Client
	name        string
	model       string
	temperature float32
}

// NewOpenAIProvider creates an OpenAI provider. A non-empty baseURL points
// the client at an OpenAI-compatible endpoint; name is reported by Name()
// so compatible vendors keep their own identity in logs.
func NewOpenAIProvider(apiKey, baseURL, name, model string, temperature float64) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if name == "" {
		name = "openai"
	}
	return &OpenAIProvider{
		client:      openai.NewClientWithConfig(cfg),
		name:        name,
		model:       model,
		temperature: float32(temperature),
	}
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string { return p.name }

// Model returns the configured model.
func (p *OpenAIProvider) Model() string { return p.model }

// Chat sends a chat completion request.
func (p *OpenAIProvider) Chat(ctx context.Context, messages []ChatMessage) (*Reply, error) {
	return p.ChatWithTools(ctx, messages, nil)
}

// ChatWithTools sends a chat completion request with mounted tools.
func (p *OpenAIProvider) ChatWithTools(ctx context.Context, messages []ChatMessage, tools []ToolSpec) (*Reply, error) {
	req := openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    convertToOpenAIMessages(messages),
		MaxTokens:   defaultMaxTokens,
		Temperature: p.temperature,
	}
	if len(tools) > 0 {
		req.Tools = convertToOpenAITools(tools)
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai chat completion: empty choices")
	}

	choice := resp.Choices[0].Message
	reply := &Reply{
		Content: choice.Content,
		Usage: &TokenUsage{
			PromptTokens:     uint32(resp.Usage.PromptTokens),
			CompletionTokens: uint32(resp.Usage.CompletionTokens),
			TotalTokens:      uint32(resp.Usage.TotalTokens),
		},
	}
	if len(choice.ToolCalls) > 0 {
		call := choice.ToolCalls[0]
		reply.ToolCall = &ToolCallRequest{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: json.RawMessage(call.Function.Arguments),
		}
	}
	return reply, nil
}

// convertToOpenAIMessages translates gateway messages, rendering image
// parts as data-URL image segments.
func convertToOpenAIMessages(messages []ChatMessage) []openai.ChatCompletionMessage {
	converted := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		out := openai.ChatCompletionMessage{Role: msg.Role, ToolCallID: msg.ToolCallID}

		if len(msg.Images) == 0 {
			out.Content = msg.Content
			converted = append(converted, out)
			continue
		}

		parts := make([]openai.ChatMessagePart, 0, len(msg.Images)+1)
		if msg.Content != "" {
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: msg.Content,
			})
		}
		for _, img := range msg.Images {
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    fmt.Sprintf("data:%s;base64,%s", img.MIME, img.B64),
					Detail: openai.ImageURLDetailAuto,
				},
			})
		}
		out.MultiContent = parts
		converted = append(converted, out)
	}
	return converted
}

// convertToOpenAITools translates tool specs into function definitions.
func convertToOpenAITools(tools []ToolSpec) []openai.Tool {
	converted := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		converted = append(converted, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters: map[string]interface{}{
					"type":       "object",
					"properties": tool.Parameters,
					"required":   tool.Required,
				},
			},
		})
	}
	return converted
}
