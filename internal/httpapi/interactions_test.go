// internal/httpapi/interactions_test.go
package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archetype-hq/archetype/api/schemas"
)

func TestGetInteraction_NotFound(t *testing.T) {
	f := newTestHandler(t)
	c, rec := newContext(httptest.NewRequest(http.MethodGet, "/interactions/ghost", nil))
	c.SetParamNames("interaction_id")
	c.SetParamValues("ghost")

	require.NoError(t, f.handler.GetInteraction(c))
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "interaction not found", body["error"])
}

func TestListInteractionsByAgent_UnknownAgent(t *testing.T) {
	f := newTestHandler(t)
	c, rec := newContext(httptest.NewRequest(http.MethodGet, "/interactions/by-agent/ghost", nil))
	c.SetParamNames("agent_id")
	c.SetParamValues("ghost")

	require.NoError(t, f.handler.ListInteractionsByAgent(c))
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "agent not found", body["error"])
}

func TestListInteractionsByAgent(t *testing.T) {
	f := newTestHandler(t)
	_, agentID := seedRun(t, f.mem)

	c, rec := newContext(httptest.NewRequest(http.MethodGet, "/interactions/by-agent/"+agentID, nil))
	c.SetParamNames("agent_id")
	c.SetParamValues(agentID)

	require.NoError(t, f.handler.ListInteractionsByAgent(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Interactions []schemas.Interaction `json:"interactions"`
	}
	decodeBody(t, rec, &body)
	require.Len(t, body.Interactions, 2)
	assert.Equal(t, agentID, body.Interactions[0].AgentID)
}
