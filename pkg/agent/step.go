package agent

// Step is one observable unit of agent progress. The concrete types are
// TextDelta and ToolRequest.
type Step interface {
	isStep()
}

// TextDelta is assistant text produced by the model.
type TextDelta struct {
	Text string
}

// ToolRequest is a tool invocation the agent is about to execute.
type ToolRequest struct {
	ID   string
	Name string
	Args map[string]any
}

func (TextDelta) isStep()   {}
func (ToolRequest) isStep() {}
