package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration. Values come from the
// config file, ARCHETYPE_* environment variables and CLI flags, in ascending
// precedence, all mediated by viper.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Engine   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	LLM      LLMConfig      `mapstructure:"llm" yaml:"llm"`
	Agent    AgentConfig    `mapstructure:"agent" yaml:"agent"`
	API      APIConfig      `mapstructure:"api" yaml:"api"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// StorageConfig selects and parameterizes the transcript store backend.
type StorageConfig struct {
	// Driver is one of "postgres", "sqlite" or "memory".
	Driver string `mapstructure:"driver" yaml:"driver"`
	// DataDir is the base directory for local artifacts (sqlite database,
	// screenshots). Empty means ~/.archetype.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	// SQLitePath overrides the sqlite database location. Empty means
	// <data_dir>/archetype.db.
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
}

// DatabaseConfig holds the PostgreSQL connection details, used when
// storage.driver is "postgres".
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"-"`
}

// EngineConfig tunes the run engine that executes persona agents.
type EngineConfig struct {
	// WorkerConcurrency caps how many agents of one run execute in parallel.
	WorkerConcurrency int `mapstructure:"worker_concurrency" yaml:"worker_concurrency"`
	// RunQueueSize bounds the number of pending run launches.
	RunQueueSize int `mapstructure:"run_queue_size" yaml:"run_queue_size"`
	// AgentTimeout is the hard wall-clock bound for a single agent loop.
	AgentTimeout time.Duration `mapstructure:"agent_timeout" yaml:"agent_timeout"`
}

// BrowserConfig holds settings for the headless browser instances.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	DisableCache      bool          `mapstructure:"disable_cache" yaml:"disable_cache"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Debug             bool          `mapstructure:"debug" yaml:"debug"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	PostLoadWait      time.Duration `mapstructure:"post_load_wait" yaml:"post_load_wait"`
}

// LLMConfig configures the planning-oracle client.
type LLMConfig struct {
	Provider          string        `mapstructure:"provider" yaml:"provider"`
	APIKey            string        `mapstructure:"api_key" yaml:"-"`
	Endpoint          string        `mapstructure:"endpoint" yaml:"endpoint"` // overrides the provider URL, mostly for proxies
	FastModel         string        `mapstructure:"fast_model" yaml:"fast_model"`
	PowerfulModel     string        `mapstructure:"powerful_model" yaml:"powerful_model"`
	APITimeout        time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature       float64       `mapstructure:"temperature" yaml:"temperature"`
	MaxOutputTokens   int           `mapstructure:"max_output_tokens" yaml:"max_output_tokens"`
	RequestsPerMinute float64       `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

// ProviderGemini is the only LLM provider currently wired in.
const ProviderGemini = "gemini"

// AgentConfig carries the per-agent loop parameters and retry budgets.
type AgentConfig struct {
	// StepBudget is the default hard upper bound on loop steps per agent.
	// A run request may override it.
	StepBudget int `mapstructure:"step_budget" yaml:"step_budget"`
	// ActionTimeout bounds a single click/fill/scroll/wait execution.
	ActionTimeout time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	// ExtractionRetries is how many extra digest attempts a step gets.
	ExtractionRetries int `mapstructure:"extraction_retries" yaml:"extraction_retries"`
	// ExecutionRetries is how many extra attempts idempotent actions get
	// after a timeout.
	ExecutionRetries int `mapstructure:"execution_retries" yaml:"execution_retries"`
	// PlanningRetries is how many repair re-prompts follow an unparseable
	// oracle response.
	PlanningRetries int `mapstructure:"planning_retries" yaml:"planning_retries"`
	// MaxConsecutiveFailures ends the agent after this many back-to-back
	// failed destructive actions.
	MaxConsecutiveFailures int `mapstructure:"max_consecutive_failures" yaml:"max_consecutive_failures"`
	// HistoryWindow is how many recent steps the planner and classifier see.
	HistoryWindow int `mapstructure:"history_window" yaml:"history_window"`
	// ScreenshotsEnabled toggles per-step PNG capture.
	ScreenshotsEnabled bool `mapstructure:"screenshots_enabled" yaml:"screenshots_enabled"`
	// ScreenshotDir overrides where PNGs land. Empty means
	// <storage.data_dir>/screenshots.
	ScreenshotDir string `mapstructure:"screenshot_dir" yaml:"screenshot_dir"`
}

// APIConfig configures the REST server consumed by the dashboard.
type APIConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "archetype-agent")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Storage --
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.data_dir", "")
	v.SetDefault("storage.sqlite_path", "")

	// -- Engine --
	v.SetDefault("engine.worker_concurrency", 3)
	v.SetDefault("engine.run_queue_size", 16)
	v.SetDefault("engine.agent_timeout", "10m")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.disable_cache", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.debug", false)
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.post_load_wait", "1500ms")

	// -- LLM --
	v.SetDefault("llm.provider", ProviderGemini)
	v.SetDefault("llm.fast_model", "gemini-2.5-flash")
	v.SetDefault("llm.powerful_model", "gemini-2.5-pro")
	v.SetDefault("llm.api_timeout", "30s")
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.max_output_tokens", 512)
	v.SetDefault("llm.requests_per_minute", 60)

	// -- Agent --
	v.SetDefault("agent.step_budget", 5)
	v.SetDefault("agent.action_timeout", "5s")
	v.SetDefault("agent.extraction_retries", 2)
	v.SetDefault("agent.execution_retries", 2)
	v.SetDefault("agent.planning_retries", 1)
	v.SetDefault("agent.max_consecutive_failures", 2)
	v.SetDefault("agent.history_window", 5)
	v.SetDefault("agent.screenshots_enabled", true)
	v.SetDefault("agent.screenshot_dir", "")

	// -- API --
	v.SetDefault("api.listen_addr", ":8089")
	v.SetDefault("api.shutdown_timeout", "10s")
}

// NewConfigFromViper creates a validated configuration from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// Bind environment variables for secrets so they never live in the file.
	v.BindEnv("database.url", "ARCHETYPE_DATABASE_URL")
	v.BindEnv("llm.api_key", "ARCHETYPE_LLM_API_KEY", "GEMINI_API_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.ResolvePaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ResolvePaths fills in the derived file locations that depend on the data
// directory. Called once after unmarshal, before anything opens files.
func (c *Config) ResolvePaths() error {
	if c.Storage.DataDir == "" {
		home, err := homedir.Dir()
		if err != nil {
			return fmt.Errorf("failed to resolve home directory: %w", err)
		}
		c.Storage.DataDir = filepath.Join(home, ".archetype")
	} else {
		expanded, err := homedir.Expand(c.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("failed to expand storage.data_dir: %w", err)
		}
		c.Storage.DataDir = expanded
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = filepath.Join(c.Storage.DataDir, "archetype.db")
	}
	if c.Agent.ScreenshotDir == "" {
		c.Agent.ScreenshotDir = filepath.Join(c.Storage.DataDir, "screenshots")
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("storage.driver is postgres but database.url is empty (set ARCHETYPE_DATABASE_URL)")
		}
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown storage.driver %q (supported: postgres, sqlite, memory)", c.Storage.Driver)
	}
	if c.Engine.WorkerConcurrency <= 0 {
		return fmt.Errorf("engine.worker_concurrency must be a positive integer")
	}
	if c.Engine.RunQueueSize <= 0 {
		return fmt.Errorf("engine.run_queue_size must be a positive integer")
	}
	if err := c.Agent.Validate(); err != nil {
		return fmt.Errorf("agent configuration invalid: %w", err)
	}
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the agent loop parameters.
func (a *AgentConfig) Validate() error {
	if a.StepBudget <= 0 {
		return fmt.Errorf("step_budget must be greater than 0")
	}
	if a.ActionTimeout <= 0 {
		return fmt.Errorf("action_timeout must be greater than 0")
	}
	if a.ExtractionRetries < 0 || a.ExecutionRetries < 0 || a.PlanningRetries < 0 {
		return fmt.Errorf("retry budgets must not be negative")
	}
	if a.HistoryWindow <= 0 {
		return fmt.Errorf("history_window must be greater than 0")
	}
	return nil
}

// Validate checks the LLM client parameters.
func (l *LLMConfig) Validate() error {
	if l.Provider != ProviderGemini {
		return fmt.Errorf("unknown llm.provider %q (supported: %s)", l.Provider, ProviderGemini)
	}
	if l.Temperature < 0 || l.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0.0 and 2.0")
	}
	if l.RequestsPerMinute <= 0 {
		return fmt.Errorf("requests_per_minute must be greater than 0")
	}
	return nil
}
