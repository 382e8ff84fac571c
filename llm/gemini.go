// Gemini provider implementation using the google.golang.org/genai SDK.
package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"google.golang.org/genai"
)

// GeminiProvider implements Provider for the Gemini API.
type GeminiProvider struct {
	client      *genai.Client
	model       string
	temperature float64
	initErr     error
}

// NewGeminiProvider creates a Gemini provider. Client construction needs a
// context, so any init error is stored and returned on first use.
func NewGeminiProvider(apiKey, model string, temperature float64) *GeminiProvider {
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	return &GeminiProvider{
		client:      client,
		model:       model,
		temperature: temperature,
		initErr:     err,
	}
}

// Name returns the provider name.
func (p *GeminiProvider) Name() string { return "gemini" }

// Model returns the configured model.
func (p *GeminiProvider) Model() string { return p.model }

// Chat sends a generate-content request.
func (p *GeminiProvider) Chat(ctx context.Context, messages []ChatMessage) (*Reply, error) {
	return p.ChatWithTools(ctx, messages, nil)
}

// ChatWithTools sends a generate-content request with mounted tools.
func (p *GeminiProvider) ChatWithTools(ctx context.Context, messages []ChatMessage, tools []ToolSpec) (*Reply, error) {
	if p.initErr != nil {
		return nil, fmt.Errorf("gemini client init: %w", p.initErr)
	}

	system, contents, err := convertToGeminiContents(messages)
	if err != nil {
		return nil, err
	}

	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(p.temperature)),
		MaxOutputTokens: int32(defaultMaxTokens),
	}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if len(tools) > 0 {
		cfg.Tools = convertToGeminiTools(tools)
	}

	response, err := p.client.Models.GenerateContent(ctx, p.model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}
	if len(response.Candidates) == 0 || response.Candidates[0].Content == nil {
		return nil, fmt.Errorf("gemini generate content: empty candidates")
	}

	reply := &Reply{}
	if response.UsageMetadata != nil {
		reply.Usage = &TokenUsage{
			PromptTokens:     uint32(response.UsageMetadata.PromptTokenCount),
			CompletionTokens: uint32(response.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      uint32(response.UsageMetadata.TotalTokenCount),
		}
	}

	for _, part := range response.Candidates[0].Content.Parts {
		if part.Text != "" {
			reply.Content += part.Text
		}
		if part.FunctionCall != nil {
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				return nil, fmt.Errorf("gemini function arguments: %w", err)
			}
			reply.ToolCall = &ToolCallRequest{
				Name:      part.FunctionCall.Name,
				Arguments: args,
			}
		}
	}
	return reply, nil
}

// convertToGeminiContents splits out the system prompt and translates the
// rest; image parts become inline blobs, which need raw bytes.
func convertToGeminiContents(messages []ChatMessage) (string, []*genai.Content, error) {
	var system string
	contents := make([]*genai.Content, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		default:
			if len(msg.Images) == 0 {
				contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
				continue
			}
			parts := make([]*genai.Part, 0, len(msg.Images)+1)
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, img := range msg.Images {
				raw, err := base64.StdEncoding.DecodeString(img.B64)
				if err != nil {
					return "", nil, fmt.Errorf("decode image part: %w", err)
				}
				parts = append(parts, &genai.Part{
					InlineData: &genai.Blob{MIMEType: img.MIME, Data: raw},
				})
			}
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: parts})
		}
	}
	return system, contents, nil
}

// convertToGeminiTools translates tool specs into function declarations.
func convertToGeminiTools(tools []ToolSpec) []*genai.Tool {
	var declarations []*genai.FunctionDeclaration
	for _, tool := range tools {
		schema := &genai.Schema{
			Type:     genai.TypeObject,
			Required: tool.Required,
		}
		if len(tool.Parameters) > 0 {
			schema.Properties = make(map[string]*genai.Schema, len(tool.Parameters))
			for name, prop := range tool.Parameters {
				propMap, ok := prop.(map[string]interface{})
				if !ok {
					continue
				}
				schema.Properties[name] = convertGeminiProperty(propMap)
			}
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  schema,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// convertGeminiProperty converts one JSON-schema property.
func convertGeminiProperty(prop map[string]interface{}) *genai.Schema {
	schema := &genai.Schema{}

	if t, ok := prop["type"].(string); ok {
		schema.Type = mapGeminiType(t)
	}
	if d, ok := prop["description"].(string); ok {
		schema.Description = d
	}
	if enum, ok := prop["enum"].([]string); ok {
		schema.Enum = enum
	} else if enum, ok := prop["enum"].([]interface{}); ok {
		for _, v := range enum {
			if s, ok := v.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}

	// Gemini requires items for arrays.
	if schema.Type == genai.TypeArray {
		if items, ok := prop["items"].(map[string]interface{}); ok {
			schema.Items = convertGeminiProperty(items)
		} else {
			schema.Items = &genai.Schema{Type: genai.TypeString}
		}
	}

	if schema.Type == genai.TypeObject {
		if props, ok := prop["properties"].(map[string]interface{}); ok {
			schema.Properties = make(map[string]*genai.Schema)
			for name, nested := range props {
				if nestedMap, ok := nested.(map[string]interface{}); ok {
					schema.Properties[name] = convertGeminiProperty(nestedMap)
				}
			}
		}
	}

	return schema
}

// mapGeminiType maps a JSON-schema type name to a Gemini type.
func mapGeminiType(t string) genai.Type {
	switch t {
	case "string":
		return genai.TypeString
	case "integer", "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}
