package stream

import (
	"encoding/json"
	"time"
)

// Event types as they appear on the wire.
const (
	TypeMessage  = "message"
	TypeToolCall = "tool_call"
	TypeDone     = "done"
	TypeError    = "error"
)

// Event is one item of a chat stream. The concrete types are Message,
// ToolCall, Done and Error; Done and Error are terminal.
type Event interface {
	Type() string
	isEvent()
}

// Message carries assistant text.
type Message struct {
	Text string
}

// ToolCall announces a tool the agent is about to run.
type ToolCall struct {
	Name string
	Args map[string]any
}

// Done ends a successful stream.
type Done struct{}

// Error ends a failed stream.
type Error struct {
	Message string
}

func (Message) Type() string  { return TypeMessage }
func (ToolCall) Type() string { return TypeToolCall }
func (Done) Type() string     { return TypeDone }
func (Error) Type() string    { return TypeError }

func (Message) isEvent()  {}
func (ToolCall) isEvent() {}
func (Done) isEvent()     {}
func (Error) isEvent()    {}

// Terminal reports whether e ends a stream.
func Terminal(e Event) bool {
	switch e.(type) {
	case Done, Error:
		return true
	default:
		return false
	}
}

func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    string `json:"type"`
		Content string `json:"content"`
	}{TypeMessage, m.Text})
}

func (c ToolCall) MarshalJSON() ([]byte, error) {
	args := c.Args
	if args == nil {
		args = map[string]any{}
	}
	return json.Marshal(struct {
		Type string         `json:"type"`
		Name string         `json:"name"`
		Args map[string]any `json:"args"`
	}{TypeToolCall, c.Name, args})
}

func (Done) MarshalJSON() ([]byte, error) {
	return []byte(`{"type":"done"}`), nil
}

func (e Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}{TypeError, e.Message})
}

// ToolCallRecord is a tool invocation reported in a Result.
type ToolCallRecord struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Result is the outcome of a fully drained stream.
type Result struct {
	Response  string           `json:"response"`
	ToolCalls []ToolCallRecord `json:"tool_calls"`
	Timestamp time.Time        `json:"timestamp"`
}
