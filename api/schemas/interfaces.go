package schemas

import (
	"context"
	"encoding/json"
)

// -- Store Interface --

// Store is the persistence boundary for runs, agents and interaction
// transcripts. The abstraction keeps the orchestrator independent of the
// backing database (PostgreSQL, SQLite, in-memory).
//
// Interactions are append-only and keyed by (agent_id, step); implementations
// must reject duplicate step numbers for an agent.
type Store interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	UpdateRunState(ctx context.Context, runID string, state RunState) error

	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, agentID string) (*Agent, error)
	ListAgents(ctx context.Context) ([]Agent, error)
	ListAgentsByRun(ctx context.Context, runID string) ([]Agent, error)
	UpdateAgent(ctx context.Context, agent *Agent) error

	AppendInteraction(ctx context.Context, inter *Interaction) error
	GetInteraction(ctx context.Context, interactionID string) (*Interaction, error)
	ListInteractions(ctx context.Context, limit int) ([]Interaction, error)
	ListInteractionsByAgent(ctx context.Context, agentID string) ([]Interaction, error)

	Close() error
}

// -- Planner Interface --

// Planner is the single-method capability around the planning oracle. Tests
// substitute a scripted implementation; production wraps an LLMClient.
type Planner interface {
	// Plan returns the next action (or a terminal decision) for the given
	// context. Malformed oracle output surfaces as a *PlanningError.
	Plan(ctx context.Context, req PlanRequest) (PlanOutput, error)
}

// -- Browser Interfaces --

// SessionContext controls one live browser tab owned exclusively by a single
// agent. Every method applies the deadline of the passed context.
type SessionContext interface {
	ID() string                                                 // Unique session ID.
	Navigate(ctx context.Context, url string) error             // Loads a URL and waits for the page to settle.
	Click(ctx context.Context, selector string) error           // Clicks the first element matching the selector.
	Fill(ctx context.Context, selector, value string) error     // Clears and types into an element.
	ScrollPage(ctx context.Context, direction string) error     // Scrolls up, down, top or bottom.
	WaitForAsync(ctx context.Context, milliseconds int) error   // Sleeps to let async UI settle.
	CurrentURL(ctx context.Context) (string, error)             // Address-bar URL after redirects.
	OuterHTML(ctx context.Context) (string, error)              // Serialized DOM for static fallbacks.
	CaptureScreenshot(ctx context.Context) ([]byte, error)      // PNG of the current viewport.
	Close(ctx context.Context) error                            // Releases the tab. Idempotent.
	ExecuteScript(ctx context.Context, script string, args []interface{}) (json.RawMessage, error)
}

// BrowserManager owns the browser process and hands out isolated sessions.
type BrowserManager interface {
	// NewSession creates an isolated tab emulating the given viewport.
	NewSession(ctx context.Context, viewport Viewport) (SessionContext, error)
	// Shutdown terminates the underlying browser. Blocks until done or ctx expires.
	Shutdown(ctx context.Context) error
}

// -- LLM Client Interface --

// LLMClient abstracts the language-model provider behind a single generation
// call.
type LLMClient interface {
	// Generate produces a text completion for the request.
	Generate(ctx context.Context, req GenerationRequest) (string, error)
	// Close releases provider resources.
	Close() error
}

// -- Event Interface --

// Events receives synchronous notifications at every agent state transition
// and appended step. Implementations must be fast and non-blocking; the loop
// calls them inline. A push-based notification layer can hang off this
// without touching loop logic.
type Events interface {
	AgentTransition(agent Agent)
	StepAppended(inter Interaction)
}

// NopEvents discards all notifications.
type NopEvents struct{}

func (NopEvents) AgentTransition(Agent)    {}
func (NopEvents) StepAppended(Interaction) {}
