// internal/agent/loop.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/archetype-hq/archetype/api/schemas"
	"github.com/archetype-hq/archetype/internal/classifier"
	"github.com/archetype-hq/archetype/internal/config"
	"github.com/archetype-hq/archetype/internal/executor"
)

const (
	// extractionBackoff is the pause between digest attempts. Extraction
	// failures are usually the page still settling, so a short fixed wait
	// beats an exponential schedule here.
	extractionBackoff = 500 * time.Millisecond

	// terminalWriteTimeout bounds the detached store writes that persist a
	// terminal agent state after the run context is gone.
	terminalWriteTimeout = 5 * time.Second

	// fallbackWaitMs is the wait issued in place of a plan when the oracle
	// is unreachable, giving a transient outage one step to clear.
	fallbackWaitMs = 1000
)

// Runner performs one planned action against a live session. Satisfied by
// *executor.Executor; tests substitute scripted outcomes.
type Runner interface {
	Execute(ctx context.Context, sess schemas.SessionContext, action schemas.PlannedAction) executor.Outcome
}

// Extractor produces the bounded page digest the planner reasons over.
type Extractor interface {
	Extract(ctx context.Context, sess schemas.SessionContext) (schemas.PageDigest, error)
}

// Capturer persists a per-step screenshot and returns its public URL path,
// or "" when capture is disabled or failed.
type Capturer interface {
	Capture(ctx context.Context, sess schemas.SessionContext, runID, agentID string, step int) string
}

// Loop drives one persona agent through the plan, act, observe cycle until a
// terminal state is reached. A single Loop is shared by every agent of the
// process; all per-agent state lives on the Run call's frame.
//
// Every exit path persists a terminal status. Terminal writes run on a
// detached context so a run-level cancel cannot lose the transition.
type Loop struct {
	logger    *zap.Logger
	cfg       config.AgentConfig
	store     schemas.Store
	planner   schemas.Planner
	runner    Runner
	extractor Extractor
	browsers  schemas.BrowserManager
	shots     Capturer
	events    schemas.Events
}

// NewLoop wires the loop's collaborators. shots may be nil when screenshot
// capture is disabled; events may be nil when nobody listens.
func NewLoop(
	logger *zap.Logger,
	cfg config.AgentConfig,
	store schemas.Store,
	planner schemas.Planner,
	runner Runner,
	extractor Extractor,
	browsers schemas.BrowserManager,
	shots Capturer,
	events schemas.Events,
) (*Loop, error) {
	if logger == nil {
		return nil, errors.New("agent: logger is required")
	}
	if store == nil {
		return nil, errors.New("agent: store is required")
	}
	if planner == nil {
		return nil, errors.New("agent: planner is required")
	}
	if runner == nil {
		return nil, errors.New("agent: runner is required")
	}
	if extractor == nil {
		return nil, errors.New("agent: extractor is required")
	}
	if browsers == nil {
		return nil, errors.New("agent: browser manager is required")
	}
	if events == nil {
		events = schemas.NopEvents{}
	}
	return &Loop{
		logger:    logger,
		cfg:       cfg,
		store:     store,
		planner:   planner,
		runner:    runner,
		extractor: extractor,
		browsers:  browsers,
		shots:     shots,
		events:    events,
	}, nil
}

// Run executes one agent to termination and returns the persisted terminal
// row. The passed agent must be in the pending state with its persona set.
func (l *Loop) Run(ctx context.Context, run schemas.Run, ag schemas.Agent) schemas.Agent {
	log := l.logger.With(
		zap.String("run_id", run.ID),
		zap.String("agent_id", ag.ID),
		zap.String("persona", ag.Persona.Name),
	)

	started := time.Now().UTC()
	ag.Status = schemas.AgentRunning
	ag.StartedAt = &started
	if err := l.store.UpdateAgent(ctx, &ag); err != nil {
		log.Error("Failed to mark agent running", zap.Error(err))
		return l.finish(ag, schemas.AgentFailed, "", nil, log)
	}
	l.events.AgentTransition(ag)

	sess, err := l.browsers.NewSession(ctx, schemas.ViewportByName(run.Viewport))
	if err != nil {
		log.Error("Browser session unavailable", zap.Error(err))
		return l.finish(ag, schemas.AgentFailed, "", nil, log)
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
		defer cancel()
		if cerr := sess.Close(cctx); cerr != nil {
			log.Warn("Session close failed", zap.Error(cerr))
		}
	}()

	log.Info("Agent started",
		zap.String("url", run.URL),
		zap.String("viewport", schemas.ViewportByName(run.Viewport).Name),
		zap.Int("step_budget", l.budget(run)),
	)

	var history []schemas.Interaction
	if ok := l.land(ctx, sess, run, ag, &history, log); !ok {
		if ctx.Err() != nil {
			return l.finish(ag, schemas.AgentFailed, schemas.FinishAborted, history, log)
		}
		return l.finish(ag, schemas.AgentFailed, "", history, log)
	}

	status, reason := l.steps(ctx, sess, run, ag, &history, log)
	return l.finish(ag, status, reason, history, log)
}

// land performs the initial navigation and the optional starting click. A
// navigation failure is recorded as step 1 so the transcript explains what
// the persona ran into; the starting click is best-effort.
func (l *Loop) land(ctx context.Context, sess schemas.SessionContext, run schemas.Run, ag schemas.Agent, history *[]schemas.Interaction, log *zap.Logger) bool {
	navStart := time.Now()
	if err := sess.Navigate(ctx, run.URL); err != nil {
		if ctx.Err() != nil {
			return false
		}
		log.Error("Initial navigation failed", zap.String("url", run.URL), zap.Error(err))
		l.recordStall(ctx, ag, 1, "Open "+run.URL, schemas.ActionNav, "navigation_failed", time.Since(navStart), history, log)
		return false
	}

	if run.StartSelector != "" {
		actx, cancel := context.WithTimeout(ctx, l.cfg.ActionTimeout)
		err := sess.Click(actx, run.StartSelector)
		cancel()
		if err != nil {
			log.Warn("Start selector click failed, continuing from landing page",
				zap.String("selector", run.StartSelector), zap.Error(err))
		}
	}
	return true
}

// steps runs the bounded main loop and returns the terminal status plus
// finish reason. The transcript in history is updated in place.
func (l *Loop) steps(ctx context.Context, sess schemas.SessionContext, run schemas.Run, ag schemas.Agent, history *[]schemas.Interaction, log *zap.Logger) (schemas.AgentStatus, schemas.FinishReason) {
	budget := l.budget(run)
	failures := 0
	oracleDown := false

	for step := 1; step <= budget; step++ {
		if ctx.Err() != nil {
			log.Info("Agent aborted", zap.Int("step", step))
			return schemas.AgentFailed, schemas.FinishAborted
		}
		stepStart := time.Now()

		digest, err := l.extract(ctx, sess, log)
		if err != nil {
			if ctx.Err() != nil {
				return schemas.AgentFailed, schemas.FinishAborted
			}
			log.Warn("Digest extraction exhausted its retries", zap.Int("step", step), zap.Error(err))
			l.recordStall(ctx, ag, step, "Read the page", schemas.ActionWait,
				fmt.Sprintf("error: %v", err), time.Since(stepStart), history, log)
			failures++
			if failures >= l.cfg.MaxConsecutiveFailures {
				return schemas.AgentFailed, ""
			}
			continue
		}

		out, perr := l.planner.Plan(ctx, schemas.PlanRequest{
			Persona:        ag.Persona,
			UXQuestion:     run.UXQuestion,
			Digest:         digest,
			History:        window(*history, l.cfg.HistoryWindow),
			StepsRemaining: budget - step + 1,
		})
		switch {
		case perr == nil:
			oracleDown = false
		default:
			if ctx.Err() != nil {
				return schemas.AgentFailed, schemas.FinishAborted
			}
			var pe *schemas.PlanningError
			if errors.As(perr, &pe) {
				log.Error("Planner output rejected", zap.Int("step", step),
					zap.String("reason", pe.Reason))
				l.recordStall(ctx, ag, step, "Decide the next action", schemas.ActionWait,
					"error: "+pe.Reason, time.Since(stepStart), history, log)
				return schemas.AgentFailed, schemas.FinishPlanningFailure
			}
			if oracleDown {
				log.Error("Planner still unreachable, ending the session",
					zap.Int("step", step), zap.Error(perr))
				l.recordStall(ctx, ag, step, "Decide the next action", schemas.ActionWait,
					"error: planner unreachable", time.Since(stepStart), history, log)
				return schemas.AgentFailed, schemas.FinishPlanningFailure
			}
			log.Warn("Planner unreachable, degrading to a wait", zap.Int("step", step), zap.Error(perr))
			oracleDown = true
			out = fallbackPlan()
		}

		if out.Terminal() {
			l.recordFinish(ctx, ag, step, out, history, log)
			log.Info("Planner signalled finish",
				zap.Int("step", step), zap.String("finish_reason", string(out.Finish)))
			return schemas.AgentCompleted, out.Finish
		}

		outcome := l.runner.Execute(ctx, sess, out.Action)
		if ctx.Err() != nil {
			// The interrupted action's outcome is not trustworthy; drop it.
			return schemas.AgentFailed, schemas.FinishAborted
		}

		shot := ""
		if l.shots != nil {
			shot = l.shots.Capture(ctx, sess, run.ID, ag.ID, step)
		}

		cls := classifier.Classify(classifier.StepResult{
			Intent:     out.Intent,
			ActionType: out.Action.Type,
			Selector:   outcome.Selector,
			Result:     outcome.Result,
			Success:    outcome.Success,
			Elapsed:    time.Since(stepStart),
		}, *history, ag.Persona)

		inter := schemas.Interaction{
			ID:             uuid.NewString(),
			AgentID:        ag.ID,
			Step:           step,
			Intent:         out.Intent,
			ActionType:     out.Action.Type,
			Selector:       outcome.Selector,
			Value:          out.Action.Value,
			Result:         outcome.Result,
			Thought:        classifier.Thought(cls.Sentiment, cls.BugDetected, out.Action.Type),
			Sentiment:      cls.Sentiment,
			BugDetected:    cls.BugDetected,
			BugType:        cls.BugType,
			BugDescription: cls.BugDescription,
			Screenshot:     shot,
			CreatedAt:      time.Now().UTC(),
		}
		if err := l.store.AppendInteraction(ctx, &inter); err != nil {
			log.Error("Transcript append failed", zap.Int("step", step), zap.Error(err))
			return schemas.AgentFailed, ""
		}
		*history = append(*history, inter)
		l.events.StepAppended(inter)

		log.Debug("Step recorded",
			zap.Int("step", step),
			zap.String("action", string(out.Action.Type)),
			zap.String("result", outcome.Result),
			zap.String("sentiment", string(cls.Sentiment)),
			zap.Bool("bug", cls.BugDetected),
		)

		if drop, why := classifier.ShouldDropOff(*history, ag.Persona); drop {
			log.Info("Persona dropped off", zap.Int("step", step), zap.String("reason", why))
			return schemas.AgentCompleted, schemas.FinishDroppedOff
		}

		switch {
		case outcome.Success:
			failures = 0
		case destructiveFailure(out.Action.Type, outcome):
			failures++
		}
		if failures >= l.cfg.MaxConsecutiveFailures {
			log.Warn("Consecutive failure budget exhausted", zap.Int("step", step), zap.Int("failures", failures))
			return schemas.AgentFailed, ""
		}
	}

	return schemas.AgentCompleted, schemas.FinishStepBudgetReached
}

// extract runs the digest pipeline with the configured retry budget. The
// pipeline is read-only, so repeating it is always safe.
func (l *Loop) extract(ctx context.Context, sess schemas.SessionContext, log *zap.Logger) (schemas.PageDigest, error) {
	var last error
	for attempt := 0; attempt <= l.cfg.ExtractionRetries; attempt++ {
		if attempt > 0 {
			log.Debug("Retrying digest extraction", zap.Int("attempt", attempt), zap.Error(last))
			select {
			case <-ctx.Done():
				return schemas.PageDigest{}, ctx.Err()
			case <-time.After(extractionBackoff):
			}
		}
		digest, err := l.extractor.Extract(ctx, sess)
		if err == nil {
			return digest, nil
		}
		last = err
	}
	return schemas.PageDigest{}, last
}

// recordStall appends a bug-tagged step for a failure that produced no
// browser action, so the transcript still explains why the session stalled.
func (l *Loop) recordStall(ctx context.Context, ag schemas.Agent, step int, intent string, action schemas.ActionType, result string, elapsed time.Duration, history *[]schemas.Interaction, log *zap.Logger) {
	cls := classifier.Classify(classifier.StepResult{
		Intent:     intent,
		ActionType: action,
		Result:     result,
		Success:    false,
		Elapsed:    elapsed,
	}, *history, ag.Persona)

	inter := schemas.Interaction{
		ID:             uuid.NewString(),
		AgentID:        ag.ID,
		Step:           step,
		Intent:         intent,
		ActionType:     action,
		Result:         result,
		Thought:        classifier.Thought(cls.Sentiment, cls.BugDetected, action),
		Sentiment:      cls.Sentiment,
		BugDetected:    cls.BugDetected,
		BugType:        cls.BugType,
		BugDescription: cls.BugDescription,
		CreatedAt:      time.Now().UTC(),
	}
	if err := l.store.AppendInteraction(ctx, &inter); err != nil {
		log.Error("Transcript append failed", zap.Int("step", step), zap.Error(err))
		return
	}
	*history = append(*history, inter)
	l.events.StepAppended(inter)
}

// recordFinish appends the planner's terminal decision as the closing
// transcript step. The oracle's own rationale becomes the parting thought.
func (l *Loop) recordFinish(ctx context.Context, ag schemas.Agent, step int, out schemas.PlanOutput, history *[]schemas.Interaction, log *zap.Logger) {
	intent := out.Intent
	if intent == "" {
		intent = "Wrap up the session"
	}
	thought := out.Rationale
	if thought == "" {
		thought = "I'm satisfied with what I found."
	}
	inter := schemas.Interaction{
		ID:         uuid.NewString(),
		AgentID:    ag.ID,
		Step:       step,
		Intent:     intent,
		ActionType: schemas.ActionWait,
		Result:     string(out.Finish),
		Thought:    thought,
		Sentiment:  schemas.SentimentPositive,
		CreatedAt:  time.Now().UTC(),
	}
	if err := l.store.AppendInteraction(ctx, &inter); err != nil {
		log.Error("Transcript append failed", zap.Int("step", step), zap.Error(err))
		return
	}
	*history = append(*history, inter)
	l.events.StepAppended(inter)
}

// finish persists the terminal row on a detached context and notifies
// listeners. It is the single funnel for every way an agent can end.
func (l *Loop) finish(ag schemas.Agent, status schemas.AgentStatus, reason schemas.FinishReason, history []schemas.Interaction, log *zap.Logger) schemas.Agent {
	ended := time.Now().UTC()
	ag.Status = status
	ag.FinishReason = reason
	ag.OverallSentiment = overallSentiment(history)
	ag.EndedAt = &ended

	ctx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
	defer cancel()
	if err := l.store.UpdateAgent(ctx, &ag); err != nil {
		log.Error("Failed to persist terminal agent state", zap.Error(err))
	}
	l.events.AgentTransition(ag)

	log.Info("Agent finished",
		zap.String("status", string(status)),
		zap.String("finish_reason", string(reason)),
		zap.String("overall_sentiment", string(ag.OverallSentiment)),
		zap.Int("steps", len(history)),
	)
	return ag
}

func (l *Loop) budget(run schemas.Run) int {
	if run.StepBudget > 0 {
		return run.StepBudget
	}
	return l.cfg.StepBudget
}

// destructiveFailure reports whether the outcome burned a non-repeatable
// action attempt. Lookup misses and missing targets never fired anything
// against the page, so they stay out of the failure budget; the classifier
// already surfaces them as bugs.
func destructiveFailure(action schemas.ActionType, o executor.Outcome) bool {
	if o.Success || action.Idempotent() {
		return false
	}
	if schemas.IsSelectorNotFound(o.Err) || o.Result == "no_target_provided" {
		return false
	}
	return true
}

// fallbackPlan keeps the loop moving when the oracle is unreachable: one
// neutral wait gives a transient outage a step to clear before the next
// planning call decides the agent's fate.
func fallbackPlan() schemas.PlanOutput {
	return schemas.PlanOutput{
		Intent:     "Wait for the page to settle",
		Action:     schemas.PlannedAction{Type: schemas.ActionWait, Ms: fallbackWaitMs},
		Rationale:  "planner unavailable",
		Confidence: 0.1,
	}
}

// overallSentiment is the modal step sentiment of the transcript. Ties
// resolve toward the more negative candidate so a split session reads as the
// persona leaving unhappy. An empty transcript reads neutral.
func overallSentiment(history []schemas.Interaction) schemas.Sentiment {
	if len(history) == 0 {
		return schemas.SentimentNeutral
	}
	counts := make(map[schemas.Sentiment]int, 5)
	for _, it := range history {
		counts[it.Sentiment]++
	}
	ordered := []schemas.Sentiment{
		schemas.SentimentFrustrated,
		schemas.SentimentNegative,
		schemas.SentimentNeutral,
		schemas.SentimentPositive,
		schemas.SentimentVeryPositive,
	}
	best, bestCount := schemas.SentimentNeutral, 0
	for _, s := range ordered {
		if counts[s] > bestCount {
			best, bestCount = s, counts[s]
		}
	}
	return best
}

// window returns the most recent n interactions, oldest first.
func window(history []schemas.Interaction, n int) []schemas.Interaction {
	if n <= 0 || len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}
