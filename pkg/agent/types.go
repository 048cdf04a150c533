package agent

import (
	"strings"
)

// AgentConfig configures agent behavior
type AgentConfig struct {
	Model        string  `json:"model"`
	Temperature  float64 `json:"temperature,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	MaxTurns     int     `json:"max_turns,omitempty"`
	MaxRetries   int     `json:"max_retries,omitempty"`
	// MaxHistory caps the number of remembered messages per session.
	MaxHistory int `json:"max_history,omitempty"`
}

// ToolCall represents a tool invocation requested by the model
type ToolCall struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AgentMessage represents a message in the conversation
type AgentMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	// ToolName names the tool a "tool" message answers; Gemini matches
	// function responses by name rather than id.
	ToolName string `json:"tool_name,omitempty"`
	IsError  bool   `json:"is_error,omitempty"`
}

// ToolSpec describes a tool offered to the model
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

const defaultSystemPrompt = "You are an office assistant with access to the user's email, calendar and phone tools. " +
	"Use the tools to act on the user's behalf and report what you did."

// DefaultConfig returns default agent configuration
func DefaultConfig() AgentConfig {
	return AgentConfig{
		Model:        "gemini-2.5-flash",
		Temperature:  0,
		MaxTokens:    4096,
		SystemPrompt: defaultSystemPrompt,
		MaxTurns:     10,
		MaxRetries:   3,
		MaxHistory:   40,
	}
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errMsg := strings.ToLower(err.Error())

	// Network errors
	for _, s := range []string{"econnreset", "etimedout", "connection reset", "connection refused", "timeout"} {
		if strings.Contains(errMsg, s) {
			return true
		}
	}

	// Rate limits
	for _, s := range []string{"429", "rate limit", "too many requests", "resource exhausted", "resource_exhausted"} {
		if strings.Contains(errMsg, s) {
			return true
		}
	}

	// Server errors
	for _, s := range []string{"500", "502", "503", "504", "overloaded", "unavailable"} {
		if strings.Contains(errMsg, s) {
			return true
		}
	}

	return false
}
