// internal/httpapi/summary.go
package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/archetype-hq/archetype/api/schemas"
	"github.com/archetype-hq/archetype/internal/store"
)

// SummarizeRun asks the oracle for an insight bundle over the run's
// transcripts. Oracle failures surface as 502: the data is fine, the
// upstream dependency is not.
// POST /agent/summary
func (h *Handler) SummarizeRun(c echo.Context) error {
	ctx := c.Request().Context()

	var body struct {
		RunID string `json:"run_id"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid request body"))
	}
	if body.RunID == "" {
		return c.JSON(http.StatusBadRequest, errorBody("run_id is required"))
	}

	run, err := h.store.GetRun(ctx, body.RunID)
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, errorBody("run not found"))
	}
	if err != nil {
		h.logger.Error("Failed to load run", zap.String("run_id", body.RunID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorBody("failed to load run"))
	}

	agents, err := h.store.ListAgentsByRun(ctx, run.ID)
	if err != nil {
		h.logger.Error("Failed to list agents for run", zap.String("run_id", run.ID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorBody("failed to load transcripts"))
	}

	transcripts := make(map[string][]schemas.Interaction, len(agents))
	for _, ag := range agents {
		inters, err := h.store.ListInteractionsByAgent(ctx, ag.ID)
		if err != nil {
			h.logger.Error("Failed to list interactions",
				zap.String("agent_id", ag.ID), zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errorBody("failed to load transcripts"))
		}
		transcripts[ag.ID] = inters
	}

	summary, err := h.summarizer.Summarize(ctx, *run, agents, transcripts)
	if err != nil {
		h.logger.Error("Summary generation failed", zap.String("run_id", run.ID), zap.Error(err))
		return c.JSON(http.StatusBadGateway, errorBody("summary generation failed"))
	}
	return c.JSON(http.StatusOK, summary)
}
