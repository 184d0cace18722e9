package schemas

// -- Planner Schemas --

// ActionTarget identifies the element an action operates on. Any one field is
// enough; the executor builds selector candidates from whatever is present.
type ActionTarget struct {
	Selector string `json:"selector,omitempty"`
	Text     string `json:"text,omitempty"`
	Role     string `json:"role,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Empty reports whether no targeting information was provided.
func (t ActionTarget) Empty() bool {
	return t.Selector == "" && t.Text == "" && t.Role == "" && t.Name == ""
}

// PlannedAction is the single next browser operation proposed by the planner.
type PlannedAction struct {
	Type   ActionType   `json:"type"`
	Target ActionTarget `json:"target"`
	Value  string       `json:"value,omitempty"` // text for fill, URL for nav, direction for scroll
	Ms     int          `json:"ms,omitempty"`    // wait duration
}

// PlanOutput is the planner's full answer for one step: either a next action
// or a terminal finish signal, never both.
type PlanOutput struct {
	Intent     string        `json:"intent"`
	Action     PlannedAction `json:"action"`
	Rationale  string        `json:"rationale,omitempty"`
	Confidence float64       `json:"confidence"`
	Finish     FinishReason  `json:"finish,omitempty"`
}

// Terminal reports whether the planner decided to stop instead of acting.
func (p PlanOutput) Terminal() bool {
	return p.Finish != ""
}

// PlanRequest carries everything the planning oracle needs for one decision.
// The planner holds no state between calls, so the orchestrator supplies the
// full relevant context every time.
type PlanRequest struct {
	Persona        Persona
	UXQuestion     string
	Digest         PageDigest
	History        []Interaction // bounded window, oldest first
	StepsRemaining int
}

// -- LLM Client Schemas --

// ModelTier selects a model by speed/capability trade-off.
type ModelTier string

const (
	TierFast     ModelTier = "fast"     // per-step planning
	TierPowerful ModelTier = "powerful" // run summaries and insight bundles
)

// GenerationOptions tunes a single LLM generation.
type GenerationOptions struct {
	Temperature     float64 `json:"temperature"`
	ForceJSONFormat bool    `json:"force_json_format"`
	MaxOutputTokens int     `json:"max_output_tokens,omitempty"`
}

// GenerationRequest is one complete request to the language model.
type GenerationRequest struct {
	SystemPrompt string            `json:"system_prompt"`
	UserPrompt   string            `json:"user_prompt"`
	Tier         ModelTier         `json:"tier"`
	Options      GenerationOptions `json:"options"`
}

// RunSummary is the LLM-derived insight bundle for a completed run.
type RunSummary struct {
	RunID       string   `json:"run_id"`
	Summary     string   `json:"summary"`
	Insights    []string `json:"insights"`
	GeneratedAt string   `json:"generated_at"`
}
