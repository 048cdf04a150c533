package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"google.golang.org/genai"
)

// GeminiProvider implements LLMProvider for Google Gemini
type GeminiProvider struct {
	client *genai.Client
}

// NewGeminiProvider creates a new Gemini provider backed by the Gemini API
func NewGeminiProvider(ctx context.Context, apiKey string) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiProvider{client: client}, nil
}

// Provider returns the provider name
func (p *GeminiProvider) Provider() string {
	return "gemini"
}

// Call makes an API call to Google Gemini
func (p *GeminiProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	contents := geminiContents(request.Messages)
	if len(contents) == 0 {
		return nil, fmt.Errorf("no messages to send")
	}

	response, err := p.client.Models.GenerateContent(ctx, request.Model, contents, geminiConfig(request))
	if err != nil {
		return nil, err
	}

	return geminiResponse(response)
}

func geminiConfig(request LLMRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if request.SystemPrompt != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: request.SystemPrompt}},
		}
	}
	if request.MaxTokens > 0 {
		config.MaxOutputTokens = int32(min(request.MaxTokens, math.MaxInt32))
	}
	config.Temperature = genai.Ptr(float32(request.Temperature))

	if len(request.Tools) > 0 {
		declarations := make([]*genai.FunctionDeclaration, 0, len(request.Tools))
		for _, tool := range request.Tools {
			declarations = append(declarations, &genai.FunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  geminiSchema(tool.InputSchema),
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: declarations}}
	}

	return config
}

// geminiContents converts the conversation to Gemini contents. System
// messages are carried by SystemInstruction instead.
func geminiContents(messages []AgentMessage) []*genai.Content {
	var contents []*genai.Content

	for _, msg := range messages {
		content := &genai.Content{Role: genai.RoleUser}

		switch msg.Role {
		case "system":
			continue
		case "assistant":
			content.Role = genai.RoleModel
			if msg.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: tc.Parameters},
				})
			}
		case "tool":
			var response map[string]any
			if err := json.Unmarshal([]byte(msg.Content), &response); err != nil {
				response = map[string]any{"result": msg.Content}
			}
			if msg.IsError {
				response = map[string]any{"error": msg.Content}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{Name: msg.ToolName, Response: response},
			})
		default:
			if msg.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
			}
		}

		if len(content.Parts) > 0 {
			contents = append(contents, content)
		}
	}

	return contents
}

func geminiResponse(response *genai.GenerateContentResponse) (*LLMResponse, error) {
	if response == nil || len(response.Candidates) == 0 {
		return nil, fmt.Errorf("no response candidates returned")
	}

	result := &LLMResponse{ToolCalls: []ToolCall{}}
	var text strings.Builder

	candidate := response.Candidates[0]
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" && !part.Thought {
				text.WriteString(part.Text)
			}
			if part.FunctionCall != nil {
				id := part.FunctionCall.ID
				if id == "" {
					id = "call_" + gonanoid.Must(12)
				}
				result.ToolCalls = append(result.ToolCalls, ToolCall{
					ID:         id,
					Name:       part.FunctionCall.Name,
					Parameters: part.FunctionCall.Args,
				})
			}
		}
	}
	result.Content = text.String()

	if usage := response.UsageMetadata; usage != nil {
		result.Usage = &TokenUsage{
			InputTokens:  int(usage.PromptTokenCount),
			OutputTokens: int(usage.CandidatesTokenCount),
		}
	}

	return result, nil
}

// geminiSchema converts a JSON schema map to Gemini's Schema type.
func geminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}

	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = geminiSchema(propMap)
			}
		}
	}
	schema.Required = requiredFields(schemaMap)
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = geminiSchema(items)
	}

	return schema
}
