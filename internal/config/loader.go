package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "OFFICEAGENT"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file and environment.
// A missing config file is not an error; defaults plus environment apply.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindDefaults(v, DefaultConfig())

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// ENVIRONMENT is honoured without the prefix for compatibility with existing deployments
	if env := os.Getenv("ENVIRONMENT"); env != "" && os.Getenv(envPrefix+"_ENVIRONMENT") == "" {
		cfg.Environment = env
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".officeagent")
	}
	if cfg.Credentials.Dir == "" {
		cfg.Credentials.Dir = filepath.Join(cfg.DataDir, "user_credentials")
	}

	return cfg, nil
}

// bindDefaults registers every key so AutomaticEnv can override values
// that are absent from the config file.
func bindDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("environment", cfg.Environment)
	v.SetDefault("data_dir", cfg.DataDir)

	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.rate_limit_per_minute", cfg.Server.RateLimitPerMinute)
	v.SetDefault("server.shutdown_timeout", cfg.Server.ShutdownTimeout)

	v.SetDefault("pool.idle_timeout", cfg.Pool.IdleTimeout)
	v.SetDefault("pool.sweep_interval", cfg.Pool.SweepInterval)

	v.SetDefault("toolservers.manifest", cfg.ToolServers.Manifest)
	v.SetDefault("toolservers.base_dir", cfg.ToolServers.BaseDir)
	v.SetDefault("toolservers.handshake_timeout", cfg.ToolServers.HandshakeTimeout)
	v.SetDefault("toolservers.baseline_env", cfg.ToolServers.BaselineEnv)

	v.SetDefault("credentials.dir", cfg.Credentials.Dir)
	v.SetDefault("credentials.dev_file", cfg.Credentials.DevFile)
	v.SetDefault("credentials.production", cfg.Credentials.Production)
	v.SetDefault("credentials.store_timeout", cfg.Credentials.StoreTimeout)

	v.SetDefault("agent.provider", cfg.Agent.Provider)
	v.SetDefault("agent.model", cfg.Agent.Model)
	v.SetDefault("agent.api_key", cfg.Agent.APIKey)
	v.SetDefault("agent.system_prompt", cfg.Agent.SystemPrompt)
	v.SetDefault("agent.temperature", cfg.Agent.Temperature)
	v.SetDefault("agent.max_tokens", cfg.Agent.MaxTokens)
	v.SetDefault("agent.max_turns", cfg.Agent.MaxTurns)
	v.SetDefault("agent.max_retries", cfg.Agent.MaxRetries)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)

	v.SetDefault("tracing.endpoint", cfg.Tracing.Endpoint)
	v.SetDefault("tracing.insecure", cfg.Tracing.Insecure)
	v.SetDefault("tracing.sampling_rate", cfg.Tracing.SamplingRate)
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".officeagent", "officeagent.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
