// Package agent runs the per-user LLM tool loop.
//
// Invariants:
// - A ToolRequest step is yielded before its tool executes.
// - Runs on one agent are serialized; conversation history is per agent.
// - A run ends either normally or with exactly one error from its sequence.
//
// Usage:
//
//	factory, _ := agent.NewFactory(ctx, agent.FactoryConfig{ProviderName: "gemini", APIKey: key})
//	a, _ := factory.New("user@example.com", registry)
//	for step, err := range a.Run(ctx, "list my latest emails") {
//		_ = step
//		_ = err
//	}
package agent
