// internal/httpapi/agents_test.go
package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archetype-hq/archetype/api/schemas"
)

func TestGetAgent_NotFound(t *testing.T) {
	f := newTestHandler(t)
	c, rec := newContext(httptest.NewRequest(http.MethodGet, "/agents/ghost", nil))
	c.SetParamNames("agent_id")
	c.SetParamValues("ghost")

	require.NoError(t, f.handler.GetAgent(c))
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "agent not found", body["error"])
}

func TestGetAgent(t *testing.T) {
	f := newTestHandler(t)
	_, agentID := seedRun(t, f.mem)

	c, rec := newContext(httptest.NewRequest(http.MethodGet, "/agents/"+agentID, nil))
	c.SetParamNames("agent_id")
	c.SetParamValues(agentID)

	require.NoError(t, f.handler.GetAgent(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var agent schemas.Agent
	decodeBody(t, rec, &agent)
	assert.Equal(t, agentID, agent.ID)
	assert.Equal(t, schemas.AgentCompleted, agent.Status)
	assert.Equal(t, schemas.FinishGoalAchieved, agent.FinishReason)
}

func TestListAgentsByRun_UnknownRun(t *testing.T) {
	f := newTestHandler(t)
	c, rec := newContext(httptest.NewRequest(http.MethodGet, "/agents/by-run/ghost", nil))
	c.SetParamNames("run_id")
	c.SetParamValues("ghost")

	require.NoError(t, f.handler.ListAgentsByRun(c))
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "run not found", body["error"])
}

func TestListAgentsByRun(t *testing.T) {
	f := newTestHandler(t)
	runID, agentID := seedRun(t, f.mem)

	c, rec := newContext(httptest.NewRequest(http.MethodGet, "/agents/by-run/"+runID, nil))
	c.SetParamNames("run_id")
	c.SetParamValues(runID)

	require.NoError(t, f.handler.ListAgentsByRun(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Agents []schemas.Agent `json:"agents"`
	}
	decodeBody(t, rec, &body)
	require.Len(t, body.Agents, 1)
	assert.Equal(t, agentID, body.Agents[0].ID)
}
