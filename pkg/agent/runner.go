package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/harun/officeagent/internal/observability"
	"github.com/harun/officeagent/internal/tracing"
	"github.com/harun/officeagent/pkg/toolserver"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// ErrMaxTurns is returned when the model keeps requesting tools past the turn limit.
var ErrMaxTurns = errors.New("agent exceeded maximum tool turns")

// Agent runs one chat message to completion, yielding steps as they happen.
type Agent interface {
	Run(ctx context.Context, message string) iter.Seq2[Step, error]
}

// ToolSet is the tool surface an agent may use.
type ToolSet interface {
	Tools() []toolserver.Capability
	Call(ctx context.Context, name string, args map[string]any) (string, error)
}

// ToolAgent is a bounded tool-calling loop over an LLMProvider. It remembers
// the conversation of its session; runs on the same agent are serialized.
type ToolAgent struct {
	userID     string
	provider   LLMProvider
	tools      ToolSet
	toolSpecs  []ToolSpec
	config     AgentConfig
	logger     zerolog.Logger
	newBackOff func() backoff.BackOff

	mu      sync.Mutex
	history []AgentMessage
}

// Run executes message against the model, calling tools until the model
// answers without requesting any. A ToolRequest is yielded before its tool
// executes. The sequence ends after the first error.
func (a *ToolAgent) Run(ctx context.Context, message string) iter.Seq2[Step, error] {
	return func(yield func(Step, error) bool) {
		a.mu.Lock()
		defer a.mu.Unlock()

		ctx := tracing.WithStage(tracing.WithUserID(ctx, a.userID), "agent")
		ctx, span := tracing.StartSpan(ctx, "officeagent.agent", "agent.run",
			attribute.String("user_id", a.userID),
			attribute.String("provider", a.provider.Provider()),
			attribute.String("model", a.config.Model))
		defer span.End()
		logger := tracing.LoggerFromContext(ctx, a.logger)

		start := time.Now()
		reply, err := a.loop(ctx, message, yield)
		observability.RecordAgentRun(a.provider.Provider(), time.Since(start), err == nil)

		switch {
		case err == nil:
			a.remember(
				AgentMessage{Role: "user", Content: message},
				AgentMessage{Role: "assistant", Content: reply},
			)
			logger.Debug().Dur("duration", time.Since(start)).Msg("Agent run completed")
		case errors.Is(err, errStopped):
			logger.Debug().Msg("Agent run abandoned by consumer")
		default:
			tracing.FailSpan(span, err)
			logger.Error().Err(err).Msg("Agent run failed")
			yield(nil, err)
		}
	}
}

// errStopped signals that the consumer stopped iterating.
var errStopped = errors.New("iteration stopped")

func (a *ToolAgent) loop(ctx context.Context, message string, yield func(Step, error) bool) (string, error) {
	messages := make([]AgentMessage, 0, len(a.history)+2)
	messages = append(messages, a.history...)
	messages = append(messages, AgentMessage{Role: "user", Content: message})

	var reply string
	for turn := 0; turn < a.config.MaxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		resp, err := a.call(ctx, LLMRequest{
			Model:        a.config.Model,
			Messages:     messages,
			Tools:        a.toolSpecs,
			Temperature:  a.config.Temperature,
			MaxTokens:    a.config.MaxTokens,
			SystemPrompt: a.config.SystemPrompt,
		})
		if err != nil {
			return "", err
		}

		if resp.Content != "" {
			reply += resp.Content
			if !yield(TextDelta{Text: resp.Content}, nil) {
				return "", errStopped
			}
		}

		if len(resp.ToolCalls) == 0 {
			return reply, nil
		}

		messages = append(messages, AgentMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			if !yield(ToolRequest{ID: tc.ID, Name: tc.Name, Args: tc.Parameters}, nil) {
				return "", errStopped
			}

			output, err := a.tools.Call(ctx, tc.Name, tc.Parameters)
			if err != nil && ctx.Err() != nil {
				return "", ctx.Err()
			}

			result := AgentMessage{
				Role:       "tool",
				Content:    output,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
			}
			if err != nil {
				result.Content = fmt.Sprintf("Error: %v", err)
				result.IsError = true
			}
			messages = append(messages, result)
		}
	}

	return "", ErrMaxTurns
}

// call invokes the provider, retrying transient failures with exponential backoff.
func (a *ToolAgent) call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	attempt := 0
	operation := func() (*LLMResponse, error) {
		attempt++
		resp, err := a.provider.Call(ctx, request)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil || !IsRetryableError(err) {
			return nil, backoff.Permanent(err)
		}
		logger := tracing.LoggerFromContext(ctx, a.logger)
		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Msg("LLM call failed, retrying")
		return nil, err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(a.newBackOff(), uint64(a.config.MaxRetries)), ctx)
	resp, err := backoff.RetryWithData(operation, b)
	if err != nil {
		return nil, fmt.Errorf("%s call failed after %d attempt(s): %w", a.provider.Provider(), attempt, err)
	}
	return resp, nil
}

// remember appends to the session history, keeping the most recent messages.
func (a *ToolAgent) remember(msgs ...AgentMessage) {
	a.history = append(a.history, msgs...)
	if limit := a.config.MaxHistory; limit > 0 && len(a.history) > limit {
		a.history = append([]AgentMessage(nil), a.history[len(a.history)-limit:]...)
	}
}

// History returns a copy of the remembered conversation.
func (a *ToolAgent) History() []AgentMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]AgentMessage(nil), a.history...)
}

// toolSpecs converts registry capabilities to model tool declarations.
func toolSpecs(caps []toolserver.Capability) []ToolSpec {
	specs := make([]ToolSpec, 0, len(caps))
	for _, c := range caps {
		schema := map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		if len(c.InputSchema) > 0 {
			var parsed map[string]interface{}
			if err := json.Unmarshal(c.InputSchema, &parsed); err == nil {
				schema = parsed
			}
		}
		specs = append(specs, ToolSpec{
			Name:        c.Name,
			Description: c.Description,
			InputSchema: schema,
		})
	}
	return specs
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = time.Minute
	b.RandomizationFactor = 0.5
	b.Reset()
	return b
}
