package planner

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/archetype-hq/archetype/api/schemas"
	"github.com/archetype-hq/archetype/internal/config"
)

const defaultHistoryWindow = 5

// LLMPlanner decides the next browser action for an agent by consulting the
// planning oracle on the fast model tier. It is stateless between calls; the
// orchestrator supplies the full relevant context in every PlanRequest.
type LLMPlanner struct {
	logger        *zap.Logger
	client        schemas.LLMClient
	temperature   float64
	maxTokens     int
	repairRetries int
	historyWindow int
}

var _ schemas.Planner = (*LLMPlanner)(nil)

// NewLLMPlanner wires a planner over the given LLM client.
func NewLLMPlanner(logger *zap.Logger, client schemas.LLMClient, llmCfg config.LLMConfig, agentCfg config.AgentConfig) *LLMPlanner {
	window := agentCfg.HistoryWindow
	if window <= 0 {
		window = defaultHistoryWindow
	}
	retries := agentCfg.PlanningRetries
	if retries < 0 {
		retries = 0
	}
	return &LLMPlanner{
		logger:        logger.Named("planner"),
		client:        client,
		temperature:   llmCfg.Temperature,
		maxTokens:     llmCfg.MaxOutputTokens,
		repairRetries: retries,
		historyWindow: window,
	}
}

// Plan asks the oracle for the next action. A reply that fails parsing or
// validation gets one repair round per configured retry; if every round fails
// the *PlanningError of the last round is returned and the caller treats
// planning as terminally broken for this agent.
func (p *LLMPlanner) Plan(ctx context.Context, req schemas.PlanRequest) (schemas.PlanOutput, error) {
	userPrompt, err := buildUserPrompt(req, p.historyWindow)
	if err != nil {
		return schemas.PlanOutput{}, &schemas.PlanningError{Reason: "could not build plan prompt", Err: err}
	}

	genReq := schemas.GenerationRequest{
		SystemPrompt: plannerSystemPrompt,
		UserPrompt:   userPrompt,
		Tier:         schemas.TierFast,
		Options: schemas.GenerationOptions{
			Temperature:     p.temperature,
			ForceJSONFormat: true,
			MaxOutputTokens: p.maxTokens,
		},
	}

	response, err := p.client.Generate(ctx, genReq)
	if err != nil {
		return schemas.PlanOutput{}, fmt.Errorf("plan generation failed: %w", err)
	}

	out, parseErr := parsePlanOutput(response)
	for attempt := 1; parseErr != nil && attempt <= p.repairRetries; attempt++ {
		p.logger.Warn("Oracle reply rejected, requesting repair.",
			zap.Int("attempt", attempt),
			zap.Error(parseErr))

		repairReq := genReq
		repairReq.UserPrompt = repairPrompt(userPrompt, response, parseErr)
		response, err = p.client.Generate(ctx, repairReq)
		if err != nil {
			return schemas.PlanOutput{}, fmt.Errorf("plan repair generation failed: %w", err)
		}
		out, parseErr = parsePlanOutput(response)
	}
	if parseErr != nil {
		return schemas.PlanOutput{}, parseErr
	}

	if out.Terminal() {
		p.logger.Info("Oracle signaled finish.",
			zap.String("finish", string(out.Finish)),
			zap.String("intent", out.Intent))
	} else {
		p.logger.Debug("Next action planned.",
			zap.String("intent", out.Intent),
			zap.String("action", string(out.Action.Type)),
			zap.Float64("confidence", out.Confidence))
	}
	return out, nil
}
