package toolserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/officeagent/internal/observability"
	"github.com/harun/officeagent/internal/tracing"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// DefaultHandshakeTimeout bounds how long a tool server may take to start
// and list its tools.
const DefaultHandshakeTimeout = 30 * time.Second

// Config configures an Orchestrator.
type Config struct {
	Specs            []Spec
	Launcher         Launcher
	HandshakeTimeout time.Duration
	Baseline         []string
	ClientName       string
	ClientVersion    string
	Logger           *zerolog.Logger
}

// Orchestrator starts the tool servers for a user and aggregates their tools.
type Orchestrator struct {
	specs            []Spec
	launcher         Launcher
	handshakeTimeout time.Duration
	baseline         []string
	client           *mcp.Client
	logger           zerolog.Logger
}

// New creates an orchestrator for the given specs.
func New(cfg Config) (*Orchestrator, error) {
	if len(cfg.Specs) == 0 {
		return nil, fmt.Errorf("at least one tool server spec is required")
	}
	seen := make(map[string]bool, len(cfg.Specs))
	for _, spec := range cfg.Specs {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("duplicate tool server %s", spec.Name)
		}
		seen[spec.Name] = true
	}

	if cfg.Launcher == nil {
		cfg.Launcher = CommandLauncher{}
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if len(cfg.Baseline) == 0 {
		cfg.Baseline = DefaultBaseline
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "officeagent"
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "dev"
	}

	logger := log.Logger.With().Str("component", "toolserver").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	observability.EnsureRegistered()

	return &Orchestrator{
		specs:            append([]Spec(nil), cfg.Specs...),
		launcher:         cfg.Launcher,
		handshakeTimeout: cfg.HandshakeTimeout,
		baseline:         append([]string(nil), cfg.Baseline...),
		client: mcp.NewClient(&mcp.Implementation{
			Name:    cfg.ClientName,
			Version: cfg.ClientVersion,
		}, nil),
		logger: logger,
	}, nil
}

// Specs returns a copy of the configured specs.
func (o *Orchestrator) Specs() []Spec {
	return append([]Spec(nil), o.specs...)
}

// HandshakeTimeout returns the per-server handshake bound.
func (o *Orchestrator) HandshakeTimeout() time.Duration {
	return o.handshakeTimeout
}

// Build starts every configured tool server for userID concurrently. On
// success the returned Registry owns all sessions. On any failure every
// session started by this call is closed and the first error is returned.
func (o *Orchestrator) Build(ctx context.Context, userID, accessToken string) (*Registry, error) {
	ctx = tracing.WithUserID(ctx, userID)
	ctx = tracing.WithStage(ctx, "toolserver")
	ctx, span := tracing.StartSpan(ctx, "officeagent.toolserver", "toolserver.build",
		attribute.String("user_id", userID),
		attribute.Int("domains", len(o.specs)))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, o.logger)

	results := make([]domainTools, len(o.specs))
	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range o.specs {
		g.Go(func() error {
			dt, err := o.start(gctx, spec, userID, accessToken)
			if err != nil {
				return err
			}
			results[i] = dt
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		started := make([]domainSession, 0, len(results))
		for _, r := range results {
			if r.session != nil {
				started = append(started, domainSession{name: r.name, session: r.session})
			}
		}
		closeSessions(started, logger)

		tracing.FailSpan(span, err)
		logger.Error().Err(err).Int("terminated", len(started)).Msg("Tool server build failed; started servers terminated")
		return nil, err
	}

	registry := newRegistry(userID, results, logger)
	logger.Info().
		Strs("domains", registry.Domains()).
		Int("tools", len(registry.tools)).
		Msg("Tool servers ready")
	return registry, nil
}

// start launches one tool server and completes the MCP handshake and tool
// listing under the handshake deadline.
func (o *Orchestrator) start(ctx context.Context, spec Spec, userID, accessToken string) (domainTools, error) {
	logger := tracing.LoggerFromContext(ctx, o.logger).With().Str("domain", spec.Name).Logger()

	hctx, cancel := context.WithTimeout(ctx, o.handshakeTimeout)
	defer cancel()

	begin := time.Now()
	env := BuildEnv(spec, o.baseline, userID, accessToken)

	transport, err := o.launcher.Launch(hctx, spec, env)
	if err != nil {
		observability.RecordToolServerSpawn(spec.Name, time.Since(begin), false)
		return domainTools{}, &SpawnError{Domain: spec.Name, UserID: userID, Err: err}
	}

	// The MCP client does not return from a failed Connect until the server
	// answers, so the deadline is enforced on the transport itself.
	guard := &guardedTransport{Transport: transport}
	stopWatchdog := context.AfterFunc(hctx, guard.terminate)

	session, err := o.client.Connect(hctx, guard, nil)
	if err != nil {
		observability.RecordToolServerSpawn(spec.Name, time.Since(begin), false)
		return domainTools{}, o.classify(ctx, hctx, spec, userID, err)
	}

	listed, err := session.ListTools(hctx, nil)
	if err == nil && !stopWatchdog() {
		err = errTerminated
	}
	if err != nil {
		session.Close()
		observability.RecordToolServerSpawn(spec.Name, time.Since(begin), false)
		return domainTools{}, o.classify(ctx, hctx, spec, userID, err)
	}

	observability.RecordToolServerSpawn(spec.Name, time.Since(begin), true)
	logger.Debug().
		Int("tools", len(listed.Tools)).
		Dur("handshake", time.Since(begin)).
		Msg("Tool server connected")

	return domainTools{name: spec.Name, session: session, tools: listed.Tools}, nil
}

// classify maps a handshake failure to HandshakeTimeoutError when our own
// deadline fired, and to SpawnError otherwise.
func (o *Orchestrator) classify(parent, hctx context.Context, spec Spec, userID string, err error) error {
	if parent.Err() == nil && errors.Is(hctx.Err(), context.DeadlineExceeded) {
		return &HandshakeTimeoutError{Domain: spec.Name, UserID: userID, Timeout: o.handshakeTimeout}
	}
	return &SpawnError{Domain: spec.Name, UserID: userID, Err: err}
}
