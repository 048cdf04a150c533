package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/config.json", loader.configPath)
}

func TestLoaderLoad(t *testing.T) {
	t.Run("load default config when file doesn't exist", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "nonexistent.json")

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, "gemini", cfg.Agent.Provider)
		assert.Equal(t, 1800, cfg.Pool.IdleTimeout)
	})

	t.Run("load config from file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")

		testConfig := `{
			"agent": {"provider": "anthropic", "model": "claude-sonnet-4", "api_key": "sk-ant-test"},
			"pool": {"idle_timeout": 60, "sweep_interval": 10},
			"credentials": {"dev_file": "/tmp/token.json"}
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0644))

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, "anthropic", cfg.Agent.Provider)
		assert.Equal(t, "sk-ant-test", cfg.Agent.APIKey)
		assert.Equal(t, 60, cfg.Pool.IdleTimeout)
		assert.Equal(t, 10, cfg.Pool.SweepInterval)
		assert.Equal(t, "/tmp/token.json", cfg.Credentials.DevFile)
		// untouched sections keep defaults
		assert.Equal(t, 30, cfg.ToolServers.HandshakeTimeout)
	})

	t.Run("set default paths", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"data_dir": "`+tmpDir+`"}`), 0644))

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, tmpDir, cfg.DataDir)
		assert.Equal(t, filepath.Join(tmpDir, "user_credentials"), cfg.Credentials.Dir)
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("OFFICEAGENT_AGENT_API_KEY", "env-key")
		t.Setenv("OFFICEAGENT_POOL_IDLE_TIMEOUT", "120")

		cfg, err := NewLoader(filepath.Join(t.TempDir(), "missing.json")).Load()

		require.NoError(t, err)
		assert.Equal(t, "env-key", cfg.Agent.APIKey)
		assert.Equal(t, 120, cfg.Pool.IdleTimeout)
	})

	t.Run("plain ENVIRONMENT flags production", func(t *testing.T) {
		t.Setenv("ENVIRONMENT", "production")

		cfg, err := NewLoader(filepath.Join(t.TempDir(), "missing.json")).Load()

		require.NoError(t, err)
		assert.True(t, cfg.IsProduction())
	})

	t.Run("invalid JSON", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "invalid.json")
		require.NoError(t, os.WriteFile(configPath, []byte("invalid json"), 0644))

		_, err := NewLoader(configPath).Load()

		assert.Error(t, err)
	})
}

func TestLoaderGetConfigPath(t *testing.T) {
	t.Run("custom path", func(t *testing.T) {
		loader := NewLoader("/custom/path/config.json")
		assert.Equal(t, "/custom/path/config.json", loader.GetConfigPath())
	})

	t.Run("default path", func(t *testing.T) {
		path := NewLoader("").GetConfigPath()
		assert.NotEmpty(t, path)
		assert.Contains(t, path, ".officeagent")
	})
}
