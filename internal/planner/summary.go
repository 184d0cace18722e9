package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/archetype-hq/archetype/api/schemas"
	"github.com/archetype-hq/archetype/internal/config"
)

const summarySystemPrompt = `You are a UX research analyst reviewing transcripts of simulated-user test sessions against a web page.
Summarize what the sessions revealed about the ux_question and extract actionable insights (usability problems, bugs, friction points, things that worked well).

Respond in valid JSON only, exactly:
{"summary":"...","insights":["...","..."]}

Keep the summary under 120 words and each insight under 25 words.`

// Summarizer distills a run's transcripts into an insight bundle on the
// powerful model tier.
type Summarizer struct {
	logger    *zap.Logger
	client    schemas.LLMClient
	maxTokens int
}

// NewSummarizer wires a run summarizer over the given LLM client.
func NewSummarizer(logger *zap.Logger, client schemas.LLMClient, llmCfg config.LLMConfig) *Summarizer {
	return &Summarizer{
		logger:    logger.Named("summarizer"),
		client:    client,
		maxTokens: llmCfg.MaxOutputTokens,
	}
}

type summaryInput struct {
	URL        string            `json:"url"`
	UXQuestion string            `json:"ux_question"`
	Agents     []agentTranscript `json:"agents"`
}

type agentTranscript struct {
	Persona          string        `json:"persona"`
	Status           string        `json:"status"`
	FinishReason     string        `json:"finish_reason,omitempty"`
	OverallSentiment string        `json:"overall_sentiment,omitempty"`
	Steps            []summaryStep `json:"steps"`
}

type summaryStep struct {
	Step      int    `json:"step"`
	Intent    string `json:"intent"`
	Action    string `json:"action"`
	Result    string `json:"result"`
	Sentiment string `json:"sentiment"`
	Bug       string `json:"bug,omitempty"`
	Thought   string `json:"thought,omitempty"`
}

type summaryReply struct {
	Summary  string   `json:"summary"`
	Insights []string `json:"insights"`
}

// Summarize builds the insight bundle for a run from its agents and their
// transcripts. Oracle output gets the same extraction and one repair round as
// the planner; a reply that still cannot be used surfaces as a
// *schemas.PlanningError.
func (s *Summarizer) Summarize(ctx context.Context, run schemas.Run, agents []schemas.Agent, transcripts map[string][]schemas.Interaction) (schemas.RunSummary, error) {
	userPrompt, err := buildSummaryPrompt(run, agents, transcripts)
	if err != nil {
		return schemas.RunSummary{}, fmt.Errorf("failed to build summary prompt: %w", err)
	}

	genReq := schemas.GenerationRequest{
		SystemPrompt: summarySystemPrompt,
		UserPrompt:   userPrompt,
		Tier:         schemas.TierPowerful,
		Options: schemas.GenerationOptions{
			Temperature:     0.3,
			ForceJSONFormat: true,
			MaxOutputTokens: s.maxTokens,
		},
	}

	response, err := s.client.Generate(ctx, genReq)
	if err != nil {
		return schemas.RunSummary{}, fmt.Errorf("summary generation failed: %w", err)
	}

	reply, parseErr := parseSummaryReply(response)
	if parseErr != nil {
		s.logger.Warn("Summary reply rejected, requesting repair.", zap.Error(parseErr))
		repairReq := genReq
		repairReq.UserPrompt = repairPrompt(userPrompt, response, parseErr)
		response, err = s.client.Generate(ctx, repairReq)
		if err != nil {
			return schemas.RunSummary{}, fmt.Errorf("summary repair generation failed: %w", err)
		}
		reply, parseErr = parseSummaryReply(response)
	}
	if parseErr != nil {
		return schemas.RunSummary{}, parseErr
	}

	s.logger.Info("Run summary generated.",
		zap.String("run_id", run.ID),
		zap.Int("insights", len(reply.Insights)))

	return schemas.RunSummary{
		RunID:       run.ID,
		Summary:     reply.Summary,
		Insights:    reply.Insights,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func buildSummaryPrompt(run schemas.Run, agents []schemas.Agent, transcripts map[string][]schemas.Interaction) (string, error) {
	input := summaryInput{
		URL:        run.URL,
		UXQuestion: run.UXQuestion,
		Agents:     make([]agentTranscript, 0, len(agents)),
	}
	for _, agent := range agents {
		at := agentTranscript{
			Persona:          personaBio(agent.Persona),
			Status:           string(agent.Status),
			FinishReason:     string(agent.FinishReason),
			OverallSentiment: string(agent.OverallSentiment),
			Steps:            []summaryStep{},
		}
		for _, inter := range transcripts[agent.ID] {
			step := summaryStep{
				Step:      inter.Step,
				Intent:    inter.Intent,
				Action:    string(inter.ActionType),
				Result:    inter.Result,
				Sentiment: string(inter.Sentiment),
				Thought:   inter.Thought,
			}
			if inter.BugDetected {
				step.Bug = fmt.Sprintf("%s: %s", inter.BugType, inter.BugDescription)
			}
			at.Steps = append(at.Steps, step)
		}
		input.Agents = append(input.Agents, at)
	}

	encoded, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal summary input: %w", err)
	}
	return string(encoded), nil
}

func parseSummaryReply(response string) (summaryReply, error) {
	payload := extractJSON(response)
	if payload == "" {
		return summaryReply{}, &schemas.PlanningError{
			Reason: "no JSON object in summary response",
			Raw:    response,
		}
	}

	var reply summaryReply
	if err := json.Unmarshal([]byte(payload), &reply); err != nil {
		return summaryReply{}, &schemas.PlanningError{
			Reason: "summary response is not valid JSON",
			Raw:    response,
			Err:    err,
		}
	}
	if strings.TrimSpace(reply.Summary) == "" {
		return summaryReply{}, &schemas.PlanningError{
			Reason: "summary response is missing the 'summary' field",
			Raw:    response,
		}
	}
	if reply.Insights == nil {
		reply.Insights = []string{}
	}
	return reply, nil
}
