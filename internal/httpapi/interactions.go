// internal/httpapi/interactions.go
package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/archetype-hq/archetype/internal/store"
)

// ListInteractions returns recent interactions across all agents.
// GET /interactions?limit=
func (h *Handler) ListInteractions(c echo.Context) error {
	inters, err := h.store.ListInteractions(c.Request().Context(), limitParam(c))
	if err != nil {
		h.logger.Error("Failed to list interactions", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorBody("failed to list interactions"))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"interactions": inters})
}

// GetInteraction returns one recorded step.
// GET /interactions/:interaction_id
func (h *Handler) GetInteraction(c echo.Context) error {
	interactionID := c.Param("interaction_id")
	inter, err := h.store.GetInteraction(c.Request().Context(), interactionID)
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, errorBody("interaction not found"))
	}
	if err != nil {
		h.logger.Error("Failed to load interaction",
			zap.String("interaction_id", interactionID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorBody("failed to load interaction"))
	}
	return c.JSON(http.StatusOK, inter)
}

// ListInteractionsByAgent returns an agent's transcript ordered by step.
// GET /interactions/by-agent/:agent_id
func (h *Handler) ListInteractionsByAgent(c echo.Context) error {
	ctx := c.Request().Context()
	agentID := c.Param("agent_id")

	if _, err := h.store.GetAgent(ctx, agentID); errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, errorBody("agent not found"))
	} else if err != nil {
		h.logger.Error("Failed to load agent", zap.String("agent_id", agentID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorBody("failed to list interactions"))
	}

	inters, err := h.store.ListInteractionsByAgent(ctx, agentID)
	if err != nil {
		h.logger.Error("Failed to list interactions for agent",
			zap.String("agent_id", agentID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorBody("failed to list interactions"))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"interactions": inters})
}
