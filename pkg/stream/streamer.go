package stream

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync/atomic"
	"time"

	"github.com/harun/officeagent/internal/observability"
	"github.com/harun/officeagent/internal/tracing"
	"github.com/harun/officeagent/pkg/agent"
	"github.com/harun/officeagent/pkg/pool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Config configures a Streamer.
type Config struct {
	Logger *zerolog.Logger
	// Now stamps Results; defaults to time.Now.
	Now func() time.Time
}

// Streamer turns agent runs into chat event streams.
type Streamer struct {
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a Streamer.
func New(cfg Config) *Streamer {
	logger := log.Logger.With().Str("component", "stream").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	observability.EnsureRegistered()
	return &Streamer{logger: logger, now: now}
}

// Run returns the event stream for one chat message. Nothing runs until the
// sequence is iterated, and each event is produced only when the consumer
// asks for the next one. The stream ends with exactly one Done or Error.
// Breaking out of the loop cancels the run. The sequence is single use; a
// second iteration yields only an Error.
func (s *Streamer) Run(ctx context.Context, session *pool.Session, message string) iter.Seq[Event] {
	var used atomic.Bool
	return func(yield func(Event) bool) {
		if !used.CompareAndSwap(false, true) {
			s.emit(Error{Message: ErrorConsumed}, yield)
			return
		}
		s.run(ctx, session, message, yield)
	}
}

// RunToCompletion drains the stream for message and collects the reply.
// A stream that ends in Error is returned as *StreamAbortError.
func (s *Streamer) RunToCompletion(ctx context.Context, session *pool.Session, message string) (Result, error) {
	var (
		text  strings.Builder
		calls = []ToolCallRecord{}
	)
	cause := s.run(ctx, session, message, func(e Event) bool {
		switch e := e.(type) {
		case Message:
			text.WriteString(e.Text)
		case ToolCall:
			calls = append(calls, ToolCallRecord{Name: e.Name, Args: e.Args})
		}
		return true
	})
	if cause != nil {
		userID := ""
		if session != nil {
			userID = session.UserID
		}
		return Result{}, &StreamAbortError{UserID: userID, Err: cause}
	}

	return Result{
		Response:  text.String(),
		ToolCalls: calls,
		Timestamp: s.now().UTC(),
	}, nil
}

// run drives one agent run, translating steps into events. It returns the
// failure that ended the stream with an Error event, if any.
func (s *Streamer) run(ctx context.Context, session *pool.Session, message string, yield func(Event) bool) error {
	if session == nil || session.Agent == nil {
		err := errors.New("no agent session")
		s.emit(Error{Message: err.Error()}, yield)
		return err
	}

	ctx = tracing.WithSessionID(tracing.WithUserID(ctx, session.UserID), session.ID)
	ctx = tracing.WithStage(ctx, "stream")
	ctx, span := tracing.StartSpan(ctx, "officeagent.stream", "stream.run",
		attribute.String("user_id", session.UserID),
		attribute.String("session_id", session.ID))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	session.Begin()
	defer session.End()

	var messages, toolCalls int
	for step, err := range session.Agent.Run(ctx, message) {
		if err != nil {
			tracing.FailSpan(span, err)
			logger.Error().Err(err).
				Int("messages", messages).
				Int("tool_calls", toolCalls).
				Msg("Chat stream aborted")
			s.emit(Error{Message: err.Error()}, yield)
			return err
		}

		var event Event
		switch step := step.(type) {
		case agent.TextDelta:
			messages++
			event = Message{Text: step.Text}
		case agent.ToolRequest:
			toolCalls++
			event = ToolCall{Name: step.Name, Args: step.Args}
		default:
			continue
		}

		if !s.emit(event, yield) {
			logger.Debug().Msg("Chat stream closed by consumer")
			return nil
		}
	}

	// A run stopped by cancellation ends in Error, never Done.
	if err := ctx.Err(); err != nil {
		s.emit(Error{Message: err.Error()}, yield)
		return err
	}

	s.emit(Done{}, yield)
	logger.Debug().
		Int("messages", messages).
		Int("tool_calls", toolCalls).
		Msg("Chat stream completed")
	return nil
}

func (s *Streamer) emit(e Event, yield func(Event) bool) bool {
	observability.RecordStreamEvent(e.Type())
	return yield(e)
}
