package pool

import (
	"sync"
	"time"

	"github.com/harun/officeagent/pkg/agent"
)

// ToolRegistry is the tool side of a session: the tools the agent may call
// and the subprocesses behind them.
type ToolRegistry interface {
	agent.ToolSet
	Domains() []string
	Close() error
}

// Resources is what a Builder produces for one user.
type Resources struct {
	Agent agent.Agent
	Tools ToolRegistry
}

// Session is the cached, user-scoped bundle of agent and tool servers.
type Session struct {
	ID        string
	UserID    string
	Agent     agent.Agent
	CreatedAt time.Time

	tools ToolRegistry

	mu       sync.Mutex
	lastUsed time.Time
	active   int
	closed   bool
}

func newSession(id, userID string, res *Resources, now time.Time) *Session {
	return &Session{
		ID:        id,
		UserID:    userID,
		Agent:     res.Agent,
		CreatedAt: now,
		tools:     res.Tools,
		lastUsed:  now,
	}
}

// LastUsedAt returns the time of the most recent Acquire.
func (s *Session) LastUsedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Tools returns the session's tool registry.
func (s *Session) Tools() ToolRegistry {
	return s.tools
}

// Domains lists the capability domains backing this session.
func (s *Session) Domains() []string {
	if s.tools == nil {
		return nil
	}
	return s.tools.Domains()
}

// Begin marks a run as in flight. Sweeps skip sessions with active runs.
func (s *Session) Begin() {
	s.mu.Lock()
	s.active++
	s.mu.Unlock()
}

// End marks a run started with Begin as finished.
func (s *Session) End() {
	s.mu.Lock()
	if s.active > 0 {
		s.active--
	}
	s.mu.Unlock()
}

// ActiveRuns returns the number of runs currently in flight.
func (s *Session) ActiveRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Closed reports whether the session's resources have been released.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// touch advances LastUsedAt to now. It always moves forward, by a nanosecond
// when the clock has not advanced since the previous use.
func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastUsed) {
		s.lastUsed = now
	} else {
		s.lastUsed = s.lastUsed.Add(time.Nanosecond)
	}
	s.mu.Unlock()
}

// idleSince reports whether the session is idle and unused since before cutoff.
func (s *Session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active == 0 && s.lastUsed.Before(cutoff)
}

// close releases the tool servers. It is safe to call more than once.
func (s *Session) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.tools == nil {
		return nil
	}
	return s.tools.Close()
}
