package schemas

import "time"

// RunState is the lifecycle state of a UX-test run as exposed to API consumers.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
)

// AgentStatus is the lifecycle state of a single persona agent. Transitions
// only move forward; a terminal status is never left.
type AgentStatus string

const (
	AgentPending   AgentStatus = "pending"
	AgentRunning   AgentStatus = "running"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s AgentStatus) Terminal() bool {
	return s == AgentCompleted || s == AgentFailed
}

// FinishReason records why an agent loop stopped.
type FinishReason string

const (
	FinishGoalAchieved      FinishReason = "goal_achieved"
	FinishStepBudgetReached FinishReason = "step_budget_reached"
	FinishPlanningFailure   FinishReason = "planning_failure"
	FinishDroppedOff        FinishReason = "dropped_off"
	// FinishAborted marks a run-level cancellation. It is internal: the API
	// surfaces the agent as failed with this reason attached.
	FinishAborted FinishReason = "aborted"
)

// ActionType enumerates the browser operations an agent can plan. The set is
// closed; planner output naming anything else is rejected at the parse
// boundary.
type ActionType string

const (
	ActionClick  ActionType = "click"
	ActionScroll ActionType = "scroll"
	ActionFill   ActionType = "fill"
	ActionWait   ActionType = "wait"
	ActionNav    ActionType = "nav"
)

// Valid reports whether the action type is one of the closed set.
func (a ActionType) Valid() bool {
	switch a {
	case ActionClick, ActionScroll, ActionFill, ActionWait, ActionNav:
		return true
	}
	return false
}

// Idempotent reports whether the action may be safely re-executed after a
// timeout. Click, fill and nav mutate page state and are never retried
// automatically.
func (a ActionType) Idempotent() bool {
	return a == ActionScroll || a == ActionWait
}

// Sentiment is the classifier's read of the persona's mood at a step.
type Sentiment string

const (
	SentimentVeryPositive Sentiment = "very_positive"
	SentimentPositive     Sentiment = "positive"
	SentimentNeutral      Sentiment = "neutral"
	SentimentNegative     Sentiment = "negative"
	SentimentFrustrated   Sentiment = "frustrated"
)

// Rank orders sentiments from frustrated (-2) to very positive (+2) so
// callers can compare moods ("at least negative" means Rank <= -1).
func (s Sentiment) Rank() int {
	switch s {
	case SentimentVeryPositive:
		return 2
	case SentimentPositive:
		return 1
	case SentimentNegative:
		return -1
	case SentimentFrustrated:
		return -2
	default:
		return 0
	}
}

// BugType categorizes a defect observed during a step.
type BugType string

const (
	BugUIError            BugType = "UI_ERROR"
	BugLoadingError       BugType = "LOADING_ERROR"
	BugInteractionFailure BugType = "INTERACTION_FAILURE"
	BugValidationError    BugType = "VALIDATION_ERROR"
	BugNavigationError    BugType = "NAVIGATION_ERROR"
	BugUnknown            BugType = "UNKNOWN"
)

// Persona is the immutable synthetic-user profile driving one agent.
type Persona struct {
	Name string `json:"name"`
	Bio  string `json:"bio"`
	Age  int    `json:"age,omitempty"`
}

// Run is one UX-test invocation: a target URL, a question to answer about it,
// and one agent per persona. State is derived from the owned agents.
type Run struct {
	ID            string    `json:"run_id"`
	URL           string    `json:"url"`
	UXQuestion    string    `json:"ux_question"`
	StartSelector string    `json:"start_selector,omitempty"`
	Viewport      string    `json:"viewport,omitempty"`
	StepBudget    int       `json:"step_budget,omitempty"`
	State         RunState  `json:"state"`
	CreatedAt     time.Time `json:"created_at"`
}

// Agent is one persona's execution instance within a run.
type Agent struct {
	ID               string       `json:"agent_id"`
	RunID            string       `json:"run_id"`
	Persona          Persona      `json:"persona"`
	Status           AgentStatus  `json:"status"`
	FinishReason     FinishReason `json:"finish_reason,omitempty"`
	OverallSentiment Sentiment    `json:"overall_sentiment,omitempty"`
	StartedAt        *time.Time   `json:"started_at,omitempty"`
	EndedAt          *time.Time   `json:"ended_at,omitempty"`
}

// Interaction is one recorded loop step. Records are append-only and keyed by
// (agent_id, step); step numbers are contiguous starting at 1.
type Interaction struct {
	ID             string     `json:"interaction_id"`
	AgentID        string     `json:"agent_id"`
	Step           int        `json:"step"`
	Intent         string     `json:"intent"`
	ActionType     ActionType `json:"action_type"`
	Selector       string     `json:"selector,omitempty"`
	Value          string     `json:"value,omitempty"`
	Result         string     `json:"result"`
	Thought        string     `json:"thought,omitempty"`
	Sentiment      Sentiment  `json:"sentiment"`
	BugDetected    bool       `json:"bug_detected"`
	BugType        BugType    `json:"bug_type,omitempty"`
	BugDescription string     `json:"bug_description,omitempty"`
	Screenshot     string     `json:"screenshot,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// DeriveRunState computes a run's aggregate state from its agents: failed if
// any agent failed, running while any agent is still working, completed only
// once every agent reached a terminal state.
func DeriveRunState(agents []Agent) RunState {
	if len(agents) == 0 {
		return RunPending
	}
	anyOpen := false
	for _, a := range agents {
		if a.Status == AgentFailed {
			return RunFailed
		}
		if !a.Status.Terminal() {
			anyOpen = true
		}
	}
	if anyOpen {
		return RunRunning
	}
	return RunCompleted
}
