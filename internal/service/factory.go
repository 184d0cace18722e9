// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/archetype-hq/archetype/api/schemas"
	"github.com/archetype-hq/archetype/internal/agent"
	"github.com/archetype-hq/archetype/internal/browser"
	"github.com/archetype-hq/archetype/internal/config"
	"github.com/archetype-hq/archetype/internal/engine"
	"github.com/archetype-hq/archetype/internal/executor"
	"github.com/archetype-hq/archetype/internal/httpapi"
	"github.com/archetype-hq/archetype/internal/llmclient"
	"github.com/archetype-hq/archetype/internal/planner"
	"github.com/archetype-hq/archetype/internal/store"
)

// ComponentFactory builds the full component set. The indirection keeps the
// commands testable: tests substitute a factory that returns stubs.
type ComponentFactory interface {
	// Build wires every component from the configuration. events may be nil;
	// when set it receives agent transitions and appended steps.
	Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, events schemas.Events) (*Components, error)
}

// concreteFactory is the production implementation of ComponentFactory.
type concreteFactory struct{}

// NewComponentFactory creates the production component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Build handles the full dependency injection of the backend.
func (f *concreteFactory) Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, events schemas.Events) (*Components, error) {
	components := &Components{
		Config: cfg,
		Logger: logger,
	}

	// Ensure cleanup happens if initialization fails midway.
	var initErr error
	defer func() {
		if initErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initErr))
			components.Shutdown()
		}
	}()

	// 1. Local directories for the sqlite database and screenshots.
	if err := ensureDirs(cfg); err != nil {
		initErr = err
		return nil, initErr
	}

	// 2. Store.
	st, err := store.Open(ctx, cfg, logger)
	if err != nil {
		initErr = fmt.Errorf("failed to open store: %w", err)
		return nil, initErr
	}
	components.Store = st
	logger.Debug("Store initialized.", zap.String("driver", cfg.Storage.Driver))

	// 3. Browser manager. The browser process itself launches lazily on the
	// first session request.
	components.BrowserManager = browser.NewManager(cfg.Browser, logger)

	// 4. LLM client.
	llm, err := llmclient.NewClient(cfg.LLM, logger)
	if err != nil {
		initErr = fmt.Errorf("failed to initialize LLM client: %w", err)
		return nil, initErr
	}
	components.LLMClient = llm
	logger.Debug("LLM client initialized.", zap.String("provider", cfg.LLM.Provider))

	// 5. Planning and summary oracles share the client.
	components.Planner = planner.NewLLMPlanner(logger, llm, cfg.LLM, cfg.Agent)
	components.Summarizer = planner.NewSummarizer(logger, llm, cfg.LLM)

	// 6. Agent loop.
	var shots agent.Capturer
	if cfg.Agent.ScreenshotsEnabled {
		shots = agent.NewScreenshots(logger, cfg.Agent.ScreenshotDir)
	}
	loop, err := agent.NewLoop(
		logger,
		cfg.Agent,
		st,
		components.Planner,
		executor.NewExecutor(logger, cfg.Agent),
		browser.NewDigestExtractor(logger),
		components.BrowserManager,
		shots,
		events,
	)
	if err != nil {
		initErr = fmt.Errorf("failed to assemble agent loop: %w", err)
		return nil, initErr
	}

	// 7. Run engine.
	eng, err := engine.New(cfg, logger, st, loop)
	if err != nil {
		initErr = fmt.Errorf("failed to initialize run engine: %w", err)
		return nil, initErr
	}
	components.Engine = eng
	logger.Debug("Run engine initialized.",
		zap.Int("worker_concurrency", cfg.Engine.WorkerConcurrency),
		zap.Int("run_queue_size", cfg.Engine.RunQueueSize),
	)

	// 8. API server. Screenshots are only published when capture is on.
	screenshotDir := ""
	if cfg.Agent.ScreenshotsEnabled {
		screenshotDir = cfg.Agent.ScreenshotDir
	}
	handler := httpapi.NewHandler(logger, st, eng, components.Summarizer)
	components.API = httpapi.NewServer(logger, cfg.API, handler, screenshotDir)

	logger.Info("All components initialized.")
	return components, nil
}

// ensureDirs creates the local directories the configuration points at.
func ensureDirs(cfg *config.Config) error {
	var dirs []string
	if cfg.Storage.Driver == "sqlite" {
		dirs = append(dirs, filepath.Dir(cfg.Storage.SQLitePath))
	}
	if cfg.Agent.ScreenshotsEnabled {
		dirs = append(dirs, cfg.Agent.ScreenshotDir)
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
