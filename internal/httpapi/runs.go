// internal/httpapi/runs.go
package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/archetype-hq/archetype/api/schemas"
	"github.com/archetype-hq/archetype/internal/engine"
	"github.com/archetype-hq/archetype/internal/store"
)

// ListRuns returns recent runs, newest first.
// GET /runs?limit=
func (h *Handler) ListRuns(c echo.Context) error {
	runs, err := h.store.ListRuns(c.Request().Context(), limitParam(c))
	if err != nil {
		h.logger.Error("Failed to list runs", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorBody("failed to list runs"))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"runs": runs})
}

// GetRun returns one run with its aggregate state derived live from the
// agent rows, so a poll never sees a stale terminal.
// GET /runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")

	run, err := h.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, errorBody("run not found"))
	}
	if err != nil {
		h.logger.Error("Failed to load run", zap.String("run_id", runID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorBody("failed to load run"))
	}

	agents, err := h.store.ListAgentsByRun(ctx, runID)
	if err != nil {
		h.logger.Error("Failed to list agents for run", zap.String("run_id", runID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorBody("failed to load run"))
	}
	if len(agents) > 0 {
		run.State = schemas.DeriveRunState(agents)
	}
	return c.JSON(http.StatusOK, run)
}

// CreateRun validates and launches a run.
// POST /runs
func (h *Handler) CreateRun(c echo.Context) error {
	runID, status, body := h.launch(c)
	if status != http.StatusAccepted {
		return c.JSON(status, body)
	}
	return c.JSON(http.StatusAccepted, map[string]string{
		"run_id":  runID,
		"message": "run accepted",
	})
}

// StartAgentRun is the launch-wizard alias of CreateRun with its legacy
// response shape.
// POST /agent/run
func (h *Handler) StartAgentRun(c echo.Context) error {
	runID, status, body := h.launch(c)
	if status != http.StatusAccepted {
		return c.JSON(status, body)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"run_id":  runID,
		"status":  "started",
		"message": "agents are exploring the target",
	})
}

// launch binds, validates and queues a run request. It returns the run ID on
// success, or a non-202 status with an error body.
func (h *Handler) launch(c echo.Context) (string, int, map[string]string) {
	var req schemas.RunRequest
	if err := c.Bind(&req); err != nil {
		return "", http.StatusBadRequest, errorBody("invalid request body")
	}
	if err := req.Validate(); err != nil {
		return "", http.StatusBadRequest, errorBody(err.Error())
	}

	runID, err := h.launcher.LaunchRun(c.Request().Context(), req)
	if errors.Is(err, engine.ErrBusy) {
		return "", http.StatusServiceUnavailable, errorBody("engine is at capacity, retry later")
	}
	if err != nil {
		h.logger.Error("Failed to launch run", zap.String("url", req.URL), zap.Error(err))
		return "", http.StatusInternalServerError, errorBody("failed to launch run")
	}

	h.logger.Info("Run launched",
		zap.String("run_id", runID),
		zap.String("url", req.URL),
		zap.Int("personas", len(req.Personas)),
	)
	return runID, http.StatusAccepted, nil
}

// agentTranscript pairs an agent with its ordered interactions.
type agentTranscript struct {
	Agent        schemas.Agent         `json:"agent"`
	Interactions []schemas.Interaction `json:"interactions"`
}

// GetRunTranscript returns the whole run's story in one payload: the run,
// each agent, and each agent's ordered steps.
// GET /runs/:run_id/transcript
func (h *Handler) GetRunTranscript(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")

	run, err := h.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, errorBody("run not found"))
	}
	if err != nil {
		h.logger.Error("Failed to load run", zap.String("run_id", runID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorBody("failed to load run"))
	}

	agents, err := h.store.ListAgentsByRun(ctx, runID)
	if err != nil {
		h.logger.Error("Failed to list agents for run", zap.String("run_id", runID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorBody("failed to load transcript"))
	}

	transcripts := make([]agentTranscript, 0, len(agents))
	for _, ag := range agents {
		inters, err := h.store.ListInteractionsByAgent(ctx, ag.ID)
		if err != nil {
			h.logger.Error("Failed to list interactions",
				zap.String("agent_id", ag.ID), zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errorBody("failed to load transcript"))
		}
		transcripts = append(transcripts, agentTranscript{Agent: ag, Interactions: inters})
	}
	if len(agents) > 0 {
		run.State = schemas.DeriveRunState(agents)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"run":    run,
		"agents": transcripts,
	})
}
