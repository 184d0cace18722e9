// Package httpapi serves the REST contract the dashboard polls: runs,
// agents, interaction transcripts, screenshots and the summary oracle.
package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/archetype-hq/archetype/api/schemas"
)

// defaultListLimit bounds unpaginated list endpoints; the dashboard never
// needs more than a screenful.
const defaultListLimit = 50

// RunLauncher accepts a validated run request for asynchronous execution.
type RunLauncher interface {
	LaunchRun(ctx context.Context, req schemas.RunRequest) (string, error)
}

// Summarizer produces the LLM insight bundle over a run's transcripts.
type Summarizer interface {
	Summarize(ctx context.Context, run schemas.Run, agents []schemas.Agent, transcripts map[string][]schemas.Interaction) (schemas.RunSummary, error)
}

// Handler owns the route implementations. All handlers answer JSON; errors
// use the {"error": ...} body the dashboard expects.
type Handler struct {
	logger     *zap.Logger
	store      schemas.Store
	launcher   RunLauncher
	summarizer Summarizer
}

func NewHandler(logger *zap.Logger, store schemas.Store, launcher RunLauncher, summarizer Summarizer) *Handler {
	return &Handler{
		logger:     logger,
		store:      store,
		launcher:   launcher,
		summarizer: summarizer,
	}
}

// RegisterRoutes attaches every route to the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)

	e.GET("/runs", h.ListRuns)
	e.POST("/runs", h.CreateRun)
	e.GET("/runs/:run_id", h.GetRun)
	e.GET("/runs/:run_id/transcript", h.GetRunTranscript)

	e.GET("/agents", h.ListAgents)
	e.GET("/agents/:agent_id", h.GetAgent)
	e.GET("/agents/by-run/:run_id", h.ListAgentsByRun)

	e.GET("/interactions", h.ListInteractions)
	e.GET("/interactions/:interaction_id", h.GetInteraction)
	e.GET("/interactions/by-agent/:agent_id", h.ListInteractionsByAgent)

	// Aliases used by the dashboard's launch wizard.
	e.POST("/agent/run", h.StartAgentRun)
	e.POST("/agent/summary", h.SummarizeRun)
}

// Health reports liveness.
// GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "archetype-agent",
	})
}

// limitParam parses ?limit=, falling back to the default for anything absent
// or unusable.
func limitParam(c echo.Context) int {
	raw := c.QueryParam("limit")
	if raw == "" {
		return defaultListLimit
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	return limit
}

func errorBody(message string) map[string]string {
	return map[string]string{"error": message}
}
