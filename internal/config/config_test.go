package config

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestViper(t *testing.T) *viper.Viper {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	// Keep path resolution hermetic; nothing in these tests touches the
	// real home directory.
	v.Set("storage.data_dir", t.TempDir())
	return v
}

// -- Defaults Tests --

func TestDefaults(t *testing.T) {
	v := newTestViper(t)

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "archetype-agent", cfg.Logger.ServiceName)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 3, cfg.Engine.WorkerConcurrency)
	assert.Equal(t, 10*time.Minute, cfg.Engine.AgentTimeout)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 30*time.Second, cfg.Browser.NavigationTimeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.Browser.PostLoadWait)
	assert.Equal(t, ProviderGemini, cfg.LLM.Provider)
	assert.Equal(t, "gemini-2.5-flash", cfg.LLM.FastModel)
	assert.Equal(t, "gemini-2.5-pro", cfg.LLM.PowerfulModel)
	assert.Equal(t, 5, cfg.Agent.StepBudget)
	assert.Equal(t, 5*time.Second, cfg.Agent.ActionTimeout)
	assert.Equal(t, 2, cfg.Agent.ExtractionRetries)
	assert.Equal(t, 1, cfg.Agent.PlanningRetries)
	assert.Equal(t, 2, cfg.Agent.MaxConsecutiveFailures)
	assert.Equal(t, 5, cfg.Agent.HistoryWindow)
	assert.Equal(t, ":8089", cfg.API.ListenAddr)
}

func TestResolvePaths(t *testing.T) {
	t.Run("derived locations under data dir", func(t *testing.T) {
		dir := t.TempDir()
		v := viper.New()
		SetDefaults(v)
		v.Set("storage.data_dir", dir)

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, filepath.Join(dir, "archetype.db"), cfg.Storage.SQLitePath)
		assert.Equal(t, filepath.Join(dir, "screenshots"), cfg.Agent.ScreenshotDir)
	})

	t.Run("explicit overrides win", func(t *testing.T) {
		v := newTestViper(t)
		v.Set("storage.sqlite_path", "/tmp/custom.db")
		v.Set("agent.screenshot_dir", "/tmp/shots")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, "/tmp/custom.db", cfg.Storage.SQLitePath)
		assert.Equal(t, "/tmp/shots", cfg.Agent.ScreenshotDir)
	})
}

// -- Validation Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("postgres driver requires database url", func(t *testing.T) {
		v := newTestViper(t)
		v.Set("storage.driver", "postgres")

		cfg, err := NewConfigFromViper(v)
		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "database.url is empty")
	})

	t.Run("unknown storage driver rejected", func(t *testing.T) {
		v := newTestViper(t)
		v.Set("storage.driver", "mongodb")

		_, err := NewConfigFromViper(v)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unknown storage.driver")
	})

	t.Run("worker concurrency must be positive", func(t *testing.T) {
		v := newTestViper(t)
		v.Set("engine.worker_concurrency", 0)

		_, err := NewConfigFromViper(v)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "engine.worker_concurrency must be a positive integer")
	})

	t.Run("agent budgets validated", func(t *testing.T) {
		v := newTestViper(t)
		v.Set("agent.step_budget", 0)

		_, err := NewConfigFromViper(v)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "step_budget must be greater than 0")

		v = newTestViper(t)
		v.Set("agent.planning_retries", -1)
		_, err = NewConfigFromViper(v)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "retry budgets must not be negative")
	})

	t.Run("llm provider and limits validated", func(t *testing.T) {
		v := newTestViper(t)
		v.Set("llm.provider", "openai")

		_, err := NewConfigFromViper(v)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unknown llm.provider")

		v = newTestViper(t)
		v.Set("llm.requests_per_minute", 0)
		_, err = NewConfigFromViper(v)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "requests_per_minute must be greater than 0")
	})
}

// -- Factory Function Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("yaml values override defaults", func(t *testing.T) {
		yamlBytes := []byte(`
engine:
  worker_concurrency: 8
agent:
  step_budget: 12
  action_timeout: 2s
browser:
  headless: false
`)
		v := newTestViper(t)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlBytes)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, 8, cfg.Engine.WorkerConcurrency)
		assert.Equal(t, 12, cfg.Agent.StepBudget)
		assert.Equal(t, 2*time.Second, cfg.Agent.ActionTimeout)
		assert.False(t, cfg.Browser.Headless)
		// Untouched keys keep their defaults.
		assert.Equal(t, "info", cfg.Logger.Level)
	})

	t.Run("environment variables override the file", func(t *testing.T) {
		yamlConfig := []byte(`
storage:
  driver: postgres
database:
  url: "postgres://configfile/db"
`)
		v := newTestViper(t)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlConfig)))

		testDBURL := "postgres://envvar/db"
		t.Setenv("ARCHETYPE_DATABASE_URL", testDBURL)
		t.Setenv("ARCHETYPE_LLM_API_KEY", "sk-env-123")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, testDBURL, cfg.Database.URL)
		assert.Equal(t, "sk-env-123", cfg.LLM.APIKey)
	})

	t.Run("gemini api key falls back to GEMINI_API_KEY", func(t *testing.T) {
		v := newTestViper(t)
		t.Setenv("GEMINI_API_KEY", "sk-gemini-789")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, "sk-gemini-789", cfg.LLM.APIKey)
	})
}
