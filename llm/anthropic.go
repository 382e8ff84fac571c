// Anthropic provider implementation using the official SDK.
package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider implements Provider for the Anthropic messages API.
type AnthropicProvider struct {
	client      anthropic.Client
	model       string
	temperature float64
}

// NewAnthropicProvider creates an Anthropic provider.
func NewAnthropicProvider(apiKey, model string, temperature float64) *AnthropicProvider {
	return &AnthropicProvider{
		client:      anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:       model,
		temperature: temperature,
	}
}

// Name returns the provider name.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Model returns the configured model.
func (p *AnthropicProvider) Model() string { return p.model }

// Chat sends a messages request.
func (p *AnthropicProvider) Chat(ctx context.Context, messages []ChatMessage) (*Reply, error) {
	return p.ChatWithTools(ctx, messages, nil)
}

// ChatWithTools sends a messages request with mounted tools.
func (p *AnthropicProvider) ChatWithTools(ctx context.Context, messages []ChatMessage, tools []ToolSpec) (*Reply, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(p.model),
		MaxTokens:   int64(defaultMaxTokens),
		Temperature: anthropic.Float(p.temperature),
	}

	system, converted := convertToAnthropicMessages(messages)
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	params.Messages = converted

	if len(tools) > 0 {
		params.Tools = convertToAnthropicTools(tools)
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}

	reply := &Reply{
		Usage: &TokenUsage{
			PromptTokens:     uint32(message.Usage.InputTokens),
			CompletionTokens: uint32(message.Usage.OutputTokens),
			TotalTokens:      uint32(message.Usage.InputTokens + message.Usage.OutputTokens),
		},
	}

	for _, block := range message.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			reply.Content += variant.Text
		case anthropic.ToolUseBlock:
			args, err := json.Marshal(variant.Input)
			if err != nil {
				return nil, fmt.Errorf("anthropic tool arguments: %w", err)
			}
			reply.ToolCall = &ToolCallRequest{
				ID:        variant.ID,
				Name:      variant.Name,
				Arguments: args,
			}
		}
	}
	return reply, nil
}

// convertToAnthropicMessages splits out the system prompt and translates
// the rest, rendering image parts as base64 image blocks.
func convertToAnthropicMessages(messages []ChatMessage) (string, []anthropic.MessageParam) {
	var system string
	converted := make([]anthropic.MessageParam, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
		case RoleAssistant:
			converted = append(converted, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		case RoleTool:
			converted = append(converted, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false)))
		default:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Images)+1)
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, img := range msg.Images {
				blocks = append(blocks, anthropic.NewImageBlockBase64(img.MIME, img.B64))
			}
			converted = append(converted, anthropic.NewUserMessage(blocks...))
		}
	}
	return system, converted
}

// convertToAnthropicTools translates tool specs.
func convertToAnthropicTools(tools []ToolSpec) []anthropic.ToolUnionParam {
	converted := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		converted = append(converted, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: tool.Parameters,
					Required:   tool.Required,
				},
			},
		})
	}
	return converted
}
