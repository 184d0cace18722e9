// internal/httpapi/agents.go
package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/archetype-hq/archetype/internal/store"
)

// ListAgents returns every agent the store knows about.
// GET /agents
func (h *Handler) ListAgents(c echo.Context) error {
	agents, err := h.store.ListAgents(c.Request().Context())
	if err != nil {
		h.logger.Error("Failed to list agents", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorBody("failed to list agents"))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"agents": agents})
}

// GetAgent returns one agent row.
// GET /agents/:agent_id
func (h *Handler) GetAgent(c echo.Context) error {
	agentID := c.Param("agent_id")
	agent, err := h.store.GetAgent(c.Request().Context(), agentID)
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, errorBody("agent not found"))
	}
	if err != nil {
		h.logger.Error("Failed to load agent", zap.String("agent_id", agentID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorBody("failed to load agent"))
	}
	return c.JSON(http.StatusOK, agent)
}

// ListAgentsByRun returns the run's agents, one per persona.
// GET /agents/by-run/:run_id
func (h *Handler) ListAgentsByRun(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")

	if _, err := h.store.GetRun(ctx, runID); errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, errorBody("run not found"))
	} else if err != nil {
		h.logger.Error("Failed to load run", zap.String("run_id", runID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorBody("failed to list agents"))
	}

	agents, err := h.store.ListAgentsByRun(ctx, runID)
	if err != nil {
		h.logger.Error("Failed to list agents for run", zap.String("run_id", runID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorBody("failed to list agents"))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"agents": agents})
}
