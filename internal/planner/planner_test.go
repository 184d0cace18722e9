package planner

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/archetype-hq/archetype/api/schemas"
	"github.com/archetype-hq/archetype/internal/config"
	"github.com/archetype-hq/archetype/internal/mocks"
)

func newTestPlanner(t *testing.T, client schemas.LLMClient) *LLMPlanner {
	t.Helper()
	llmCfg := config.LLMConfig{Temperature: 0.3, MaxOutputTokens: 512}
	agentCfg := config.AgentConfig{PlanningRetries: 1, HistoryWindow: 5}
	return NewLLMPlanner(zaptest.NewLogger(t), client, llmCfg, agentCfg)
}

func samplePlanRequest() schemas.PlanRequest {
	return schemas.PlanRequest{
		Persona:    schemas.Persona{Name: "Maya", Bio: "Budget-conscious student comparing hosting plans", Age: 22},
		UXQuestion: "Can users find the pricing page?",
		Digest: schemas.PageDigest{
			Title:    "Acme Cloud",
			URL:      "https://acme.test/",
			Headings: []string{"Ship faster"},
			Interactives: []schemas.PageElement{
				{Role: "link", Text: "Pricing", SelectorHint: "text=Pricing", Visible: true},
				{Role: "button", Name: "Sign up", SelectorHint: "button[Sign up]", Visible: true},
			},
		},
		StepsRemaining: 4,
	}
}

func TestPlan_Success(t *testing.T) {
	mockLLM := new(mocks.MockLLMClient)
	var captured schemas.GenerationRequest
	mockLLM.On("Generate", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			captured = args.Get(1).(schemas.GenerationRequest)
		}).
		Return("```json\n{\"intent\":\"Open the pricing page\",\"action\":{\"type\":\"click\",\"target\":{\"text\":\"Pricing\"}},\"rationale\":\"Pricing link is visible\",\"confidence\":0.9}\n```", nil).
		Once()

	p := newTestPlanner(t, mockLLM)
	out, err := p.Plan(context.Background(), samplePlanRequest())
	require.NoError(t, err)

	assert.Equal(t, "Open the pricing page", out.Intent)
	assert.Equal(t, schemas.ActionClick, out.Action.Type)
	assert.Equal(t, "Pricing", out.Action.Target.Text)
	assert.InDelta(t, 0.9, out.Confidence, 1e-9)
	assert.False(t, out.Terminal())

	assert.Equal(t, schemas.TierFast, captured.Tier)
	assert.True(t, captured.Options.ForceJSONFormat)
	assert.InDelta(t, 0.3, captured.Options.Temperature, 1e-9)
	assert.Equal(t, 512, captured.Options.MaxOutputTokens)

	assert.Contains(t, captured.UserPrompt, "Maya, 22: Budget-conscious student comparing hosting plans")
	assert.Contains(t, captured.UserPrompt, "Can users find the pricing page?")
	assert.Contains(t, captured.UserPrompt, "text=Pricing")
	assert.Contains(t, captured.UserPrompt, `"steps_remaining": 4`)
	mockLLM.AssertExpectations(t)
}

func TestPlan_RepairRecoversMalformedReply(t *testing.T) {
	mockLLM := new(mocks.MockLLMClient)
	var repairReq schemas.GenerationRequest
	mockLLM.On("Generate", mock.Anything, mock.Anything).
		Return("My plan is to click the pricing link next.", nil).
		Once()
	mockLLM.On("Generate", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			repairReq = args.Get(1).(schemas.GenerationRequest)
		}).
		Return(`{"intent":"Open the pricing page","action":{"type":"click","target":{"text":"Pricing"}},"confidence":0.8}`, nil).
		Once()

	p := newTestPlanner(t, mockLLM)
	out, err := p.Plan(context.Background(), samplePlanRequest())
	require.NoError(t, err)
	assert.Equal(t, schemas.ActionClick, out.Action.Type)

	assert.Contains(t, repairReq.UserPrompt, "could not be used")
	assert.Contains(t, repairReq.UserPrompt, "My plan is to click the pricing link next.")
	assert.Contains(t, repairReq.UserPrompt, "ONLY the JSON")
	assert.Equal(t, schemas.TierFast, repairReq.Tier)
	mockLLM.AssertExpectations(t)
}

func TestPlan_RepairExhausted(t *testing.T) {
	mockLLM := new(mocks.MockLLMClient)
	mockLLM.On("Generate", mock.Anything, mock.Anything).
		Return("still not json", nil).
		Twice()

	p := newTestPlanner(t, mockLLM)
	_, err := p.Plan(context.Background(), samplePlanRequest())
	require.Error(t, err)

	var perr *schemas.PlanningError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "still not json", perr.Raw)
	mockLLM.AssertNumberOfCalls(t, "Generate", 2)
}

func TestPlan_InvalidFinishRejected(t *testing.T) {
	mockLLM := new(mocks.MockLLMClient)
	mockLLM.On("Generate", mock.Anything, mock.Anything).
		Return(`{"intent":"Giving up","finish":"dropped_off"}`, nil).
		Twice()

	p := newTestPlanner(t, mockLLM)
	_, err := p.Plan(context.Background(), samplePlanRequest())

	var perr *schemas.PlanningError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Reason, "may only finish")
}

func TestPlan_TransportErrorIsNotAPlanningError(t *testing.T) {
	mockLLM := new(mocks.MockLLMClient)
	mockLLM.On("Generate", mock.Anything, mock.Anything).
		Return("", errors.New("rate limit exhausted")).
		Once()

	p := newTestPlanner(t, mockLLM)
	_, err := p.Plan(context.Background(), samplePlanRequest())
	require.Error(t, err)

	var perr *schemas.PlanningError
	assert.False(t, errors.As(err, &perr), "transport failures are not parse failures")
	assert.Contains(t, err.Error(), "plan generation failed")
}

func TestPlan_TerminalFinish(t *testing.T) {
	mockLLM := new(mocks.MockLLMClient)
	mockLLM.On("Generate", mock.Anything, mock.Anything).
		Return(`{"intent":"Pricing page found and read","finish":"goal_achieved","rationale":"Question answered"}`, nil).
		Once()

	p := newTestPlanner(t, mockLLM)
	out, err := p.Plan(context.Background(), samplePlanRequest())
	require.NoError(t, err)
	assert.True(t, out.Terminal())
	assert.Equal(t, schemas.FinishGoalAchieved, out.Finish)
}

func TestPlan_HistoryWindowBounded(t *testing.T) {
	req := samplePlanRequest()
	for step := 1; step <= 7; step++ {
		req.History = append(req.History, schemas.Interaction{
			Step:       step,
			Intent:     fmt.Sprintf("intent-%d", step),
			ActionType: schemas.ActionScroll,
			Result:     "scrolled",
		})
	}

	mockLLM := new(mocks.MockLLMClient)
	var captured schemas.GenerationRequest
	mockLLM.On("Generate", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			captured = args.Get(1).(schemas.GenerationRequest)
		}).
		Return(`{"intent":"Try the nav bar","action":{"type":"click","target":{"role":"link","name":"Pricing"}},"confidence":0.6}`, nil).
		Once()

	p := newTestPlanner(t, mockLLM)
	_, err := p.Plan(context.Background(), req)
	require.NoError(t, err)

	assert.Contains(t, captured.UserPrompt, "intent-3")
	assert.Contains(t, captured.UserPrompt, "intent-7")
	assert.NotContains(t, captured.UserPrompt, "intent-1")
	assert.NotContains(t, captured.UserPrompt, "intent-2")
}

func TestPersonaBio(t *testing.T) {
	testCases := []struct {
		name    string
		persona schemas.Persona
		want    string
	}{
		{name: "full profile", persona: schemas.Persona{Name: "Maya", Bio: "Student", Age: 22}, want: "Maya, 22: Student"},
		{name: "no age", persona: schemas.Persona{Name: "Maya", Bio: "Student"}, want: "Maya: Student"},
		{name: "bio only", persona: schemas.Persona{Bio: "Student"}, want: "Student"},
		{name: "name only", persona: schemas.Persona{Name: "Maya", Age: 22}, want: "Maya"},
		{name: "empty", persona: schemas.Persona{}, want: ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, personaBio(tc.persona))
		})
	}
}

func TestNewLLMPlanner_Defaults(t *testing.T) {
	p := NewLLMPlanner(zaptest.NewLogger(t), new(mocks.MockLLMClient), config.LLMConfig{}, config.AgentConfig{HistoryWindow: 0, PlanningRetries: -3})
	assert.Equal(t, defaultHistoryWindow, p.historyWindow)
	assert.Zero(t, p.repairRetries)
}
