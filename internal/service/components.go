// File: internal/service/components.go
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/archetype-hq/archetype/api/schemas"
	"github.com/archetype-hq/archetype/internal/config"
	"github.com/archetype-hq/archetype/internal/engine"
	"github.com/archetype-hq/archetype/internal/httpapi"
	"github.com/archetype-hq/archetype/internal/planner"
)

// browserShutdownTimeout bounds how long Shutdown waits for Chrome to exit.
// The main context is usually already canceled by the time we get here.
const browserShutdownTimeout = 30 * time.Second

// Components holds the initialized services that make up a running backend.
// The struct centralizes lifecycle management so commands only wire, start
// and stop.
type Components struct {
	Config         *config.Config
	Logger         *zap.Logger
	Store          schemas.Store
	BrowserManager schemas.BrowserManager
	LLMClient      schemas.LLMClient
	Planner        schemas.Planner
	Summarizer     *planner.Summarizer
	Engine         *engine.Engine
	API            *httpapi.Server
}

// Shutdown closes all components in dependency order: intake first, then the
// engine and its workers, then the resources they were using.
func (c *Components) Shutdown() {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Beginning component shutdown sequence.")

	// 1. Stop accepting API requests so no new runs arrive mid-teardown.
	if c.API != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.Config.API.ShutdownTimeout)
		if err := c.API.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error during API shutdown.", zap.Error(err))
		}
		cancel()
	}

	// 2. Stop the engine. This blocks until the dispatcher and every
	// in-flight run goroutine have finished; with the serve context already
	// canceled the agents abort at their next step boundary.
	if c.Engine != nil {
		c.Engine.Stop()
		logger.Debug("Run engine stopped.")
	}

	// 3. Shut down the browser. A fresh timeout context because the main
	// application context is typically canceled by now.
	if c.BrowserManager != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), browserShutdownTimeout)
		if err := c.BrowserManager.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error during browser manager shutdown.", zap.Error(err))
		} else {
			logger.Debug("Browser manager shut down.")
		}
		cancel()
	}

	// 4. Release the LLM client.
	if c.LLMClient != nil {
		if err := c.LLMClient.Close(); err != nil {
			logger.Warn("Error closing LLM client.", zap.Error(err))
		}
	}

	// 5. Close the store last; terminal writes from aborting agents use it
	// until the engine has stopped.
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			logger.Warn("Error closing store.", zap.Error(err))
		}
	}

	logger.Info("All components shut down.")
}
