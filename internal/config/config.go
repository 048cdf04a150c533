package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main officeagent configuration
type Config struct {
	// HTTP server
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Session pool
	Pool PoolConfig `json:"pool" mapstructure:"pool"`

	// Tool servers
	ToolServers ToolServersConfig `json:"toolservers" mapstructure:"toolservers"`

	// Credentials
	Credentials CredentialsConfig `json:"credentials" mapstructure:"credentials"`

	// Agent
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Environment name; "production" disables the dev credential fallback
	Environment string `json:"environment" mapstructure:"environment"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host               string `json:"host" mapstructure:"host"`
	Port               int    `json:"port" mapstructure:"port"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
	ShutdownTimeout    int    `json:"shutdown_timeout" mapstructure:"shutdown_timeout"` // seconds
}

// PoolConfig holds session pool eviction settings
type PoolConfig struct {
	IdleTimeout   int `json:"idle_timeout" mapstructure:"idle_timeout"`     // seconds
	SweepInterval int `json:"sweep_interval" mapstructure:"sweep_interval"` // seconds
}

// ToolServersConfig holds tool server launch settings
type ToolServersConfig struct {
	Manifest         string   `json:"manifest" mapstructure:"manifest"`
	BaseDir          string   `json:"base_dir" mapstructure:"base_dir"`
	HandshakeTimeout int      `json:"handshake_timeout" mapstructure:"handshake_timeout"` // seconds
	BaselineEnv      []string `json:"baseline_env" mapstructure:"baseline_env"`
}

// CredentialsConfig holds credential storage settings
type CredentialsConfig struct {
	Dir          string `json:"dir" mapstructure:"dir"`
	DevFile      string `json:"dev_file" mapstructure:"dev_file"`
	Production   bool   `json:"production" mapstructure:"production"`
	StoreTimeout int    `json:"store_timeout" mapstructure:"store_timeout"` // seconds
}

// AgentConfig holds LLM agent settings
type AgentConfig struct {
	Provider     string  `json:"provider" mapstructure:"provider"` // gemini, anthropic, openai
	Model        string  `json:"model" mapstructure:"model"`
	APIKey       string  `json:"api_key" mapstructure:"api_key"`
	SystemPrompt string  `json:"system_prompt" mapstructure:"system_prompt"`
	Temperature  float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens    int     `json:"max_tokens" mapstructure:"max_tokens"`
	MaxTurns     int     `json:"max_turns" mapstructure:"max_turns"`
	MaxRetries   int     `json:"max_retries" mapstructure:"max_retries"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig holds OpenTelemetry export settings
type TracingConfig struct {
	Endpoint     string  `json:"endpoint" mapstructure:"endpoint"` // OTLP gRPC, empty keeps spans local
	Insecure     bool    `json:"insecure" mapstructure:"insecure"`
	SamplingRate float64 `json:"sampling_rate" mapstructure:"sampling_rate"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8000,
			RateLimitPerMinute: 60,
			ShutdownTimeout:    30,
		},
		Pool: PoolConfig{
			IdleTimeout:   30 * 60,
			SweepInterval: 5 * 60,
		},
		ToolServers: ToolServersConfig{
			HandshakeTimeout: 30,
			BaselineEnv:      []string{"PATH", "HOME", "LANG", "TMPDIR"},
		},
		Credentials: CredentialsConfig{
			StoreTimeout: 5,
		},
		Agent: AgentConfig{
			Provider:    "gemini",
			Model:       "gemini-2.5-flash",
			Temperature: 0,
			MaxTokens:   4096,
			MaxTurns:    10,
			MaxRetries:  3,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			SamplingRate: 1,
		},
		Environment: "development",
	}
}

// IsProduction reports whether the dev credential fallback must be disabled.
func (c *Config) IsProduction() bool {
	return c.Credentials.Production || c.Environment == "production"
}

// IdleTimeout returns the pool idle threshold.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Pool.IdleTimeout) * time.Second
}

// SweepInterval returns the pool sweep period.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Pool.SweepInterval) * time.Second
}

// HandshakeTimeout returns the tool server handshake bound.
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.ToolServers.HandshakeTimeout) * time.Second
}

// StoreTimeout returns the credential storage deadline.
func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.Credentials.StoreTimeout) * time.Second
}

// ShutdownTimeout returns how long Stop waits for in-flight requests.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeout) * time.Second
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	if masked.Agent.APIKey != "" {
		masked.Agent.APIKey = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.RateLimitPerMinute < 0 {
		return fmt.Errorf("rate_limit_per_minute cannot be negative")
	}

	if c.Pool.IdleTimeout <= 0 {
		return fmt.Errorf("pool idle_timeout must be positive")
	}
	if c.Pool.SweepInterval <= 0 {
		return fmt.Errorf("pool sweep_interval must be positive")
	}

	if c.ToolServers.HandshakeTimeout <= 0 {
		return fmt.Errorf("toolservers handshake_timeout must be positive")
	}
	if c.Credentials.StoreTimeout <= 0 {
		return fmt.Errorf("credentials store_timeout must be positive")
	}

	validProviders := []string{"gemini", "anthropic", "openai"}
	valid := false
	for _, vp := range validProviders {
		if c.Agent.Provider == vp {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid agent provider %s (must be: gemini, anthropic, openai)", c.Agent.Provider)
	}
	if c.Agent.Model == "" {
		return fmt.Errorf("agent model is required")
	}
	if c.Agent.APIKey == "" {
		return fmt.Errorf("agent api_key is required")
	}
	if c.Agent.Temperature < 0 || c.Agent.Temperature > 2 {
		return fmt.Errorf("agent temperature must be between 0 and 2")
	}
	if c.Agent.MaxTurns <= 0 {
		return fmt.Errorf("agent max_turns must be positive")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing sampling_rate must be between 0 and 1")
	}

	return nil
}
