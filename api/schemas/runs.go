package schemas

import (
	"errors"
	"fmt"
	"net/url"
)

// maxStepBudget caps how far a run request can raise the per-agent step
// budget. Anything larger is a typo, not a test plan.
const maxStepBudget = 100

// RunRequest is the run-creation payload: one target, one question, one
// agent per persona.
type RunRequest struct {
	URL           string    `json:"url"`
	UXQuestion    string    `json:"ux_question"`
	Personas      []Persona `json:"personas"`
	Viewport      string    `json:"viewport,omitempty"`
	StartSelector string    `json:"start_selector,omitempty"`
	StepBudget    int       `json:"step_budget,omitempty"`
}

// Validate rejects requests that could never produce a well-formed run.
// Persona names must be unique: the run keys exactly one agent per persona.
func (r RunRequest) Validate() error {
	u, err := url.Parse(r.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return errors.New("url must be absolute with a host")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if r.UXQuestion == "" {
		return errors.New("ux_question is required")
	}
	if len(r.Personas) == 0 {
		return errors.New("at least one persona is required")
	}
	seen := make(map[string]bool, len(r.Personas))
	for i, p := range r.Personas {
		if p.Name == "" {
			return fmt.Errorf("persona %d has no name", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate persona name %q", p.Name)
		}
		seen[p.Name] = true
	}
	switch {
	case r.StepBudget < 0:
		return errors.New("step_budget cannot be negative")
	case r.StepBudget > maxStepBudget:
		return fmt.Errorf("step_budget exceeds the maximum of %d", maxStepBudget)
	}
	switch r.Viewport {
	case "", "desktop", "mobile":
	default:
		return fmt.Errorf("unknown viewport %q", r.Viewport)
	}
	return nil
}
