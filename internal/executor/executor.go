// Package executor turns planned actions into browser session calls and
// normalizes every outcome, success or failure, into the transcript's result
// vocabulary.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/archetype-hq/archetype/api/schemas"
	"github.com/archetype-hq/archetype/internal/config"
)

const defaultActionTimeout = 5 * time.Second

// probeScript checks cheaply whether a candidate selector matches anything
// on the current page, so dead candidates are skipped without burning the
// action budget on wait-for-visible polling.
const probeScript = `(selector, isXPath) => {
	try {
		if (isXPath) {
			return document.evaluate(selector, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue !== null;
		}
		return document.querySelector(selector) !== null;
	} catch (e) {
		return false;
	}
}`

// Outcome is the executor's record of one attempted action. Result is the
// transcript string ("clicked", "selector_not_found", ...), Selector the
// candidate that was acted on, and Err the classified failure when Success
// is false.
type Outcome struct {
	Result   string
	Success  bool
	Selector string
	Err      error
}

// Executor resolves action targets against the live page and drives the
// session. Click, fill and nav are never retried; scroll and wait get
// extra attempts after a timeout.
type Executor struct {
	logger        *zap.Logger
	actionTimeout time.Duration
	retries       int
}

func NewExecutor(logger *zap.Logger, cfg config.AgentConfig) *Executor {
	timeout := cfg.ActionTimeout
	if timeout <= 0 {
		timeout = defaultActionTimeout
	}
	retries := cfg.ExecutionRetries
	if retries < 0 {
		retries = 0
	}
	return &Executor{
		logger:        logger.Named("executor"),
		actionTimeout: timeout,
		retries:       retries,
	}
}

// Execute performs one planned action against the session and always returns
// an Outcome; failures are reported through Outcome.Err rather than a
// separate error return so the loop records every attempt uniformly.
func (e *Executor) Execute(ctx context.Context, sess schemas.SessionContext, action schemas.PlannedAction) Outcome {
	switch action.Type {
	case schemas.ActionClick, schemas.ActionFill:
		return e.executeTargeted(ctx, sess, action)
	case schemas.ActionScroll:
		return e.executeScroll(ctx, sess, action)
	case schemas.ActionWait:
		return e.executeWait(ctx, sess, action)
	case schemas.ActionNav:
		return e.executeNav(ctx, sess, action)
	default:
		return e.failure(action, "unexpected_error", "", schemas.ExecActionFailed,
			fmt.Errorf("unsupported action type %q", action.Type))
	}
}

func (e *Executor) executeTargeted(ctx context.Context, sess schemas.SessionContext, action schemas.PlannedAction) Outcome {
	okResult, failResult := "clicked", "click_failed"
	if action.Type == schemas.ActionFill {
		okResult, failResult = "filled", "fill_failed"
	}

	candidates := Candidates(action)
	if len(candidates) == 0 {
		return e.failure(action, "no_target_provided", "", schemas.ExecActionFailed,
			errors.New("planned action has no usable target"))
	}

	actx, cancel := context.WithTimeout(ctx, e.actionTimeout)
	defer cancel()

	selector, err := e.resolve(actx, sess, candidates)
	if err != nil {
		return e.failure(action, "timeout", "", schemas.ExecTimeout, err)
	}
	if selector == "" {
		return e.failure(action, "selector_not_found", candidates[0], schemas.ExecSelectorNotFound,
			fmt.Errorf("no candidate matched the page (%d tried)", len(candidates)))
	}

	if action.Type == schemas.ActionFill {
		err = sess.Fill(actx, selector, action.Value)
	} else {
		err = sess.Click(actx, selector)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return e.failure(action, "timeout", selector, schemas.ExecTimeout, err)
		}
		return e.failure(action, failResult, selector, schemas.ExecActionFailed, err)
	}
	return Outcome{Result: okResult, Success: true, Selector: selector}
}

// resolve probes the candidates in priority order and returns the first one
// present on the page. Probe errors are treated as a miss unless the context
// itself is done.
func (e *Executor) resolve(ctx context.Context, sess schemas.SessionContext, candidates []string) (string, error) {
	for _, sel := range candidates {
		raw, err := sess.ExecuteScript(ctx, probeScript, []interface{}{sel, isXPath(sel)})
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			e.logger.Debug("Selector probe errored.", zap.String("selector", sel), zap.Error(err))
			continue
		}
		var found bool
		if err := json.Unmarshal(raw, &found); err == nil && found {
			return sel, nil
		}
	}
	return "", nil
}

func (e *Executor) executeScroll(ctx context.Context, sess schemas.SessionContext, action schemas.PlannedAction) Outcome {
	direction := strings.ToLower(strings.TrimSpace(action.Value))
	if direction == "" {
		direction = "down"
	}
	err := e.runIdempotent(ctx, func(actx context.Context) error {
		return sess.ScrollPage(actx, direction)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return e.failure(action, "timeout", "", schemas.ExecTimeout, err)
		}
		return e.failure(action, "scroll_failed", "", schemas.ExecActionFailed, err)
	}
	return Outcome{Result: "scrolled", Success: true}
}

func (e *Executor) executeWait(ctx context.Context, sess schemas.SessionContext, action schemas.PlannedAction) Outcome {
	ms := action.Ms
	if ms <= 0 {
		ms = 1000
	}
	// The per-attempt budget must cover the sleep itself.
	budget := time.Duration(ms)*time.Millisecond + e.actionTimeout
	err := e.runIdempotentWithBudget(ctx, budget, func(actx context.Context) error {
		return sess.WaitForAsync(actx, ms)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return e.failure(action, "timeout", "", schemas.ExecTimeout, err)
		}
		return e.failure(action, "unexpected_error", "", schemas.ExecActionFailed, err)
	}
	return Outcome{Result: fmt.Sprintf("waited_%dms", ms), Success: true}
}

func (e *Executor) executeNav(ctx context.Context, sess schemas.SessionContext, action schemas.PlannedAction) Outcome {
	rawURL := strings.TrimSpace(action.Value)
	if rawURL == "" {
		return e.failure(action, "no_target_provided", "", schemas.ExecActionFailed,
			errors.New("planned nav has no url"))
	}
	// The session owns the navigation timeout and post-load settle.
	if err := sess.Navigate(ctx, rawURL); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return e.failure(action, "timeout", "", schemas.ExecTimeout, err)
		}
		return e.failure(action, "navigation_failed", "", schemas.ExecActionFailed, err)
	}
	return Outcome{Result: "navigated", Success: true}
}

func (e *Executor) runIdempotent(ctx context.Context, fn func(context.Context) error) error {
	return e.runIdempotentWithBudget(ctx, e.actionTimeout, fn)
}

func (e *Executor) runIdempotentWithBudget(ctx context.Context, budget time.Duration, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= e.retries; attempt++ {
		actx, cancel := context.WithTimeout(ctx, budget)
		err := fn(actx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			break
		}
		e.logger.Debug("Idempotent action timed out, retrying.", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return lastErr
}

func (e *Executor) failure(action schemas.PlannedAction, result, selector string, kind schemas.ExecKind, err error) Outcome {
	execErr := &schemas.ExecutionError{
		Kind:     kind,
		Action:   action.Type,
		Selector: selector,
		Err:      err,
	}
	e.logger.Debug("Action did not succeed.",
		zap.String("action", string(action.Type)),
		zap.String("result", result),
		zap.String("selector", selector),
		zap.Error(err))
	return Outcome{Result: result, Selector: selector, Err: execErr}
}
