package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/officeagent/internal/observability"
	"github.com/harun/officeagent/internal/tracing"
	"github.com/harun/officeagent/pkg/credential"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultIdleTimeout   = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute

	// maxAcquireAttempts bounds retries when a caller joins a build that was
	// being cancelled because every earlier waiter had gone away, or when the
	// built session was evicted before the caller could claim it.
	maxAcquireAttempts = 3
)

// errEvicted reports that a freshly built session left the cache before the
// waiting caller could touch it.
var errEvicted = errors.New("session evicted before use")

// Builder constructs the resources of a new session.
type Builder interface {
	Build(ctx context.Context, userID string, cred credential.Credential) (*Resources, error)
}

// BuilderFunc adapts a function to Builder.
type BuilderFunc func(ctx context.Context, userID string, cred credential.Credential) (*Resources, error)

func (f BuilderFunc) Build(ctx context.Context, userID string, cred credential.Credential) (*Resources, error) {
	return f(ctx, userID, cred)
}

// Config configures a Pool.
type Config struct {
	Builder       Builder
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Clock         Clock
	Logger        *zerolog.Logger
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	TotalCachedAgents int           `json:"total_cached_agents"`
	ActiveRuns        int           `json:"active_runs"`
	PendingBuilds     int           `json:"pending_builds"`
	IdleTimeout       time.Duration `json:"-"`
}

// flight tracks the callers waiting on one user's build. The build runs on
// ctx, which is cancelled once the last waiter leaves.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Pool caches one Session per user.
type Pool struct {
	builder       Builder
	idleTimeout   time.Duration
	sweepInterval time.Duration
	clock         Clock
	logger        zerolog.Logger

	group singleflight.Group

	mu       sync.Mutex
	sessions map[string]*Session
	flights  map[string]*flight
	closed   bool

	cronMu sync.Mutex
	cron   *cron.Cron
}

// New creates a pool. Call Start to begin periodic sweeping.
func New(cfg Config) (*Pool, error) {
	if cfg.Builder == nil {
		return nil, fmt.Errorf("session builder is required")
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}

	logger := log.Logger.With().Str("component", "pool").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	observability.EnsureRegistered()

	return &Pool{
		builder:       cfg.Builder,
		idleTimeout:   cfg.IdleTimeout,
		sweepInterval: cfg.SweepInterval,
		clock:         cfg.Clock,
		logger:        logger,
		sessions:      make(map[string]*Session),
		flights:       make(map[string]*flight),
	}, nil
}

// IdleTimeout returns the idle threshold used by Sweep.
func (p *Pool) IdleTimeout() time.Duration {
	return p.idleTimeout
}

// Acquire returns the user's cached session, building it on first use.
// Concurrent callers for the same user share one build; each caller stops
// waiting when its own ctx ends.
func (p *Pool) Acquire(ctx context.Context, userID string, cred credential.Credential) (*Session, error) {
	ctx = tracing.WithStage(tracing.WithUserID(ctx, userID), "pool")
	ctx, span := tracing.StartSpan(ctx, "officeagent.pool", "pool.acquire",
		attribute.String("user_id", userID))
	defer span.End()

	if userID == "" {
		err := fmt.Errorf("user id is required")
		tracing.FailSpan(span, err)
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		s, err := p.acquire(ctx, userID, cred)
		if err == nil {
			span.SetAttributes(attribute.String("session_id", s.ID))
			return s, nil
		}

		// The shared build was cancelled because earlier waiters left, or its
		// session was already evicted; our own ctx is still live, so start over.
		retry := errors.Is(err, context.Canceled) || errors.Is(err, errEvicted)
		if ctx.Err() == nil && retry && attempt < maxAcquireAttempts {
			continue
		}
		tracing.FailSpan(span, err)
		return nil, err
	}
}

func (p *Pool) acquire(ctx context.Context, userID string, cred credential.Credential) (*Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	// Touching under p.mu keeps Sweep from evicting a session between the
	// lookup and the touch.
	if s, ok := p.sessions[userID]; ok {
		s.touch(p.clock.Now())
		p.mu.Unlock()
		return s, nil
	}

	fl, ok := p.flights[userID]
	if !ok {
		fctx, cancel := context.WithCancel(tracing.Detach(ctx))
		fl = &flight{ctx: fctx, cancel: cancel}
		p.flights[userID] = fl
	}
	fl.waiters++
	ch := p.group.DoChan(userID, func() (interface{}, error) {
		return p.build(fl.ctx, userID, cred)
	})
	p.mu.Unlock()

	defer p.leave(userID, fl)

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		s := res.Val.(*Session)
		if !p.claim(userID, s) {
			return nil, errEvicted
		}
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// claim touches s if it is still the cached session for userID.
func (p *Pool) claim(userID string, s *Session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessions[userID] != s {
		return false
	}
	s.touch(p.clock.Now())
	return true
}

// leave drops one waiter; the last one out cancels a build still in progress.
func (p *Pool) leave(userID string, fl *flight) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fl.waiters--
	if fl.waiters > 0 {
		return
	}
	fl.cancel()
	if p.flights[userID] == fl {
		delete(p.flights, userID)
	}
}

// build runs the Builder outside the pool lock and inserts the result.
func (p *Pool) build(ctx context.Context, userID string, cred credential.Credential) (*Session, error) {
	ctx, span := tracing.StartSpan(ctx, "officeagent.pool", "pool.build",
		attribute.String("user_id", userID))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, p.logger)

	start := time.Now()
	res, err := p.builder.Build(ctx, userID, cred)
	if err == nil && (res == nil || res.Agent == nil) {
		if res != nil && res.Tools != nil {
			res.Tools.Close()
		}
		err = fmt.Errorf("builder returned no agent")
	}
	if err != nil {
		observability.RecordSessionBuild(time.Since(start), false)
		tracing.FailSpan(span, err)
		logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("Session build failed")
		return nil, constructionError(userID, err)
	}

	id, err := gonanoid.New()
	if err != nil {
		res.Tools.Close()
		return nil, constructionError(userID, fmt.Errorf("failed to generate session id: %w", err))
	}
	s := newSession(id, userID, res, p.clock.Now())

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		s.close()
		return nil, ErrClosed
	}
	if existing, ok := p.sessions[userID]; ok {
		p.mu.Unlock()
		logger.Warn().Str("session_id", existing.ID).Msg("Session already cached; discarding duplicate build")
		s.close()
		return existing, nil
	}
	p.sessions[userID] = s
	count := len(p.sessions)
	p.mu.Unlock()

	observability.RecordSessionBuild(time.Since(start), true)
	observability.SetCachedSessions(count)
	observability.RecordSessionAudit(ctx, userID, "created", map[string]interface{}{"session_id": s.ID, "domains": s.Domains()})
	logger.Info().
		Str("session_id", s.ID).
		Strs("domains", s.Domains()).
		Dur("duration", time.Since(start)).
		Int("total_cached", count).
		Msg("Session created")

	return s, nil
}

func constructionError(userID string, err error) error {
	var ace *AgentConstructionError
	if errors.As(err, &ace) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &AgentConstructionError{UserID: userID, Stage: StageBuild, Err: err}
}

// Lookup returns the cached session without touching it.
func (p *Pool) Lookup(userID string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[userID]
	return s, ok
}

// Invalidate removes and closes the user's session. It reports whether a
// session was present; calling it again is harmless.
func (p *Pool) Invalidate(userID string) bool {
	p.mu.Lock()
	s, ok := p.sessions[userID]
	if ok {
		delete(p.sessions, userID)
	}
	count := len(p.sessions)
	p.mu.Unlock()

	if !ok {
		return false
	}

	p.release(s, "invalidated")
	observability.SetCachedSessions(count)
	return true
}

// Sweep closes sessions idle for longer than the idle timeout and returns
// how many were removed. Sessions with an in-flight run are kept.
func (p *Pool) Sweep() int {
	cutoff := p.clock.Now().Add(-p.idleTimeout)

	p.mu.Lock()
	var expired []*Session
	for userID, s := range p.sessions {
		if s.idleSince(cutoff) {
			expired = append(expired, s)
			delete(p.sessions, userID)
		}
	}
	count := len(p.sessions)
	p.mu.Unlock()

	for _, s := range expired {
		p.release(s, "idle")
	}
	if len(expired) > 0 {
		observability.SetCachedSessions(count)
		p.logger.Info().Int("evicted", len(expired)).Int("remaining", count).Msg("Idle sessions swept")
	}
	return len(expired)
}

func (p *Pool) release(s *Session, reason string) {
	if err := s.close(); err != nil {
		p.logger.Warn().Err(err).Str("user_id", s.UserID).Str("session_id", s.ID).Msg("Session closed with errors")
	}
	observability.RecordSessionEviction(reason)
	observability.RecordSessionAudit(context.Background(), s.UserID, "evicted", map[string]interface{}{
		"session_id": s.ID,
		"reason":     reason,
	})
	p.logger.Info().Str("user_id", s.UserID).Str("session_id", s.ID).Str("reason", reason).Msg("Session evicted")
}

// Stats returns the current pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{
		TotalCachedAgents: len(p.sessions),
		PendingBuilds:     len(p.flights),
		IdleTimeout:       p.idleTimeout,
	}
	for _, s := range p.sessions {
		stats.ActiveRuns += s.ActiveRuns()
	}
	return stats
}

// Start schedules Sweep every sweep interval.
func (p *Pool) Start() error {
	p.cronMu.Lock()
	defer p.cronMu.Unlock()

	if p.cron != nil {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", p.sweepInterval), func() { p.Sweep() }); err != nil {
		return fmt.Errorf("failed to schedule sweeper: %w", err)
	}
	c.Start()
	p.cron = c

	p.logger.Info().
		Dur("interval", p.sweepInterval).
		Dur("idle_timeout", p.idleTimeout).
		Msg("Session sweeper started")
	return nil
}

// Stop halts periodic sweeping and waits for a running sweep to finish.
func (p *Pool) Stop() {
	p.cronMu.Lock()
	c := p.cron
	p.cron = nil
	p.cronMu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	p.logger.Info().Msg("Session sweeper stopped")
}

// Close stops the sweeper, cancels pending builds and closes every session.
func (p *Pool) Close() error {
	p.Stop()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.sessions = make(map[string]*Session)
	for _, fl := range p.flights {
		fl.cancel()
	}
	p.mu.Unlock()

	for _, s := range sessions {
		p.release(s, "shutdown")
	}
	observability.SetCachedSessions(0)
	return nil
}
