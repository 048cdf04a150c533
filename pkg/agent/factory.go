package agent

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// FactoryConfig configures a Factory.
type FactoryConfig struct {
	// Provider is used as is when set; otherwise one is created from
	// ProviderName and APIKey.
	Provider     LLMProvider
	ProviderName string
	APIKey       string
	Agent        AgentConfig
	Logger       *zerolog.Logger
	// BackOff overrides the retry policy for provider calls.
	BackOff func() backoff.BackOff
}

// Factory creates per-user agents sharing one provider client.
type Factory struct {
	provider   LLMProvider
	config     AgentConfig
	logger     zerolog.Logger
	newBackOff func() backoff.BackOff
}

// NewFactory validates the agent configuration and creates the provider.
func NewFactory(ctx context.Context, cfg FactoryConfig) (*Factory, error) {
	defaults := DefaultConfig()
	if cfg.Agent.Model == "" {
		cfg.Agent.Model = defaults.Model
	}
	if cfg.Agent.MaxTurns <= 0 {
		cfg.Agent.MaxTurns = defaults.MaxTurns
	}
	if cfg.Agent.MaxTokens <= 0 {
		cfg.Agent.MaxTokens = defaults.MaxTokens
	}
	if cfg.Agent.MaxHistory == 0 {
		cfg.Agent.MaxHistory = defaults.MaxHistory
	}
	if cfg.Agent.SystemPrompt == "" {
		cfg.Agent.SystemPrompt = defaults.SystemPrompt
	}
	if err := validateConfig(cfg.Agent); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	provider := cfg.Provider
	if provider == nil {
		p, err := NewProvider(ctx, cfg.ProviderName, cfg.APIKey)
		if err != nil {
			return nil, err
		}
		provider = p
	}

	logger := log.Logger.With().Str("component", "agent").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	newBackOff := cfg.BackOff
	if newBackOff == nil {
		newBackOff = defaultBackOff
	}

	return &Factory{
		provider:   provider,
		config:     cfg.Agent,
		logger:     logger,
		newBackOff: newBackOff,
	}, nil
}

// Provider returns the name of the underlying provider.
func (f *Factory) Provider() string {
	return f.provider.Provider()
}

// New creates an agent for userID bound to tools.
func (f *Factory) New(userID string, tools ToolSet) (*ToolAgent, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if tools == nil {
		return nil, fmt.Errorf("tool set is required")
	}

	return &ToolAgent{
		userID:     userID,
		provider:   f.provider,
		tools:      tools,
		toolSpecs:  toolSpecs(tools.Tools()),
		config:     f.config,
		logger:     f.logger,
		newBackOff: f.newBackOff,
	}, nil
}

// validateConfig validates agent configuration
func validateConfig(config AgentConfig) error {
	if config.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}
	if config.Temperature < 0 || config.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if config.MaxTokens < 0 {
		return fmt.Errorf("max tokens cannot be negative")
	}
	if config.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if config.MaxTurns <= 0 {
		return fmt.Errorf("max turns must be positive")
	}
	return nil
}
