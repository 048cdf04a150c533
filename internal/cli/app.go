package cli

import (
	"context"
	"fmt"

	"github.com/harun/officeagent/internal/config"
	"github.com/harun/officeagent/pkg/agent"
	"github.com/harun/officeagent/pkg/credential"
	"github.com/harun/officeagent/pkg/pool"
	"github.com/harun/officeagent/pkg/server"
	"github.com/harun/officeagent/pkg/stream"
	"github.com/harun/officeagent/pkg/toolserver"
	"github.com/rs/zerolog"
)

// app holds the wired components of a running server.
type app struct {
	config       *config.Config
	resolver     *credential.Resolver
	orchestrator *toolserver.Orchestrator
	factory      *agent.Factory
	pool         *pool.Pool
	server       *server.Server
}

// loadConfig loads the config file and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// newApp builds every component from cfg. An agent provider may be injected
// for tests; nil creates one from the agent config.
func newApp(ctx context.Context, cfg *config.Config, provider agent.LLMProvider, logger zerolog.Logger) (*app, error) {
	component := func(name string) *zerolog.Logger {
		l := logger.With().Str("component", name).Logger()
		return &l
	}

	store, err := credential.NewFileStore(cfg.Credentials.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}
	resolver, err := credential.NewResolver(credential.Config{
		Store:        store,
		DevFile:      cfg.Credentials.DevFile,
		Production:   cfg.IsProduction(),
		StoreTimeout: cfg.StoreTimeout(),
		Logger:       component("credential"),
	})
	if err != nil {
		return nil, err
	}

	specs, err := toolserver.ResolveSpecs(cfg.ToolServers.Manifest, cfg.ToolServers.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tool servers: %w", err)
	}
	orchestrator, err := toolserver.New(toolserver.Config{
		Specs:            specs,
		Launcher:         toolserver.CommandLauncher{},
		HandshakeTimeout: cfg.HandshakeTimeout(),
		Baseline:         cfg.ToolServers.BaselineEnv,
		ClientName:       "officeagent",
		ClientVersion:    version,
		Logger:           component("toolserver"),
	})
	if err != nil {
		return nil, err
	}

	factory, err := agent.NewFactory(ctx, agent.FactoryConfig{
		Provider:     provider,
		ProviderName: cfg.Agent.Provider,
		APIKey:       cfg.Agent.APIKey,
		Agent: agent.AgentConfig{
			Model:        cfg.Agent.Model,
			Temperature:  cfg.Agent.Temperature,
			MaxTokens:    cfg.Agent.MaxTokens,
			SystemPrompt: cfg.Agent.SystemPrompt,
			MaxTurns:     cfg.Agent.MaxTurns,
			MaxRetries:   cfg.Agent.MaxRetries,
		},
		Logger: component("agent"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create agent factory: %w", err)
	}

	sessions, err := pool.New(pool.Config{
		Builder: &pool.DefaultBuilder{
			Credentials: resolver,
			ToolServers: pool.OrchestratorTools(orchestrator),
			Agents:      factory,
		},
		IdleTimeout:   cfg.IdleTimeout(),
		SweepInterval: cfg.SweepInterval(),
		Logger:        component("pool"),
	})
	if err != nil {
		return nil, err
	}

	srv, err := server.New(server.Config{
		Host:               cfg.Server.Host,
		Port:               cfg.Server.Port,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		ShutdownTimeout:    cfg.ShutdownTimeout(),
		Credentials:        resolver,
		Sessions:           sessions,
		Streamer:           stream.New(stream.Config{Logger: component("stream")}),
		Logger:             component("server"),
	})
	if err != nil {
		sessions.Close()
		return nil, err
	}

	return &app{
		config:       cfg,
		resolver:     resolver,
		orchestrator: orchestrator,
		factory:      factory,
		pool:         sessions,
		server:       srv,
	}, nil
}

// close releases every cached session.
func (a *app) close() error {
	return a.pool.Close()
}
