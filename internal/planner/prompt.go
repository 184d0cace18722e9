package planner

import (
	"fmt"
	"strings"

	json "github.com/json-iterator/go"

	"github.com/archetype-hq/archetype/api/schemas"
)

// plannerSystemPrompt is the standing instruction set for the planning oracle.
// The reply contract is one JSON object per call: either a single next action
// or a goal_achieved finish signal, never both.
const plannerSystemPrompt = `You are a UX test agent simulating a real user. Emit one next action at a time in valid JSON only.

CRITICAL: Review recent_steps to see what you have already done. Do NOT repeat the same action on the same element.

Explore systematically:
1. Check recent_steps - if you clicked something, do not click it again.
2. If scrolling failed, try a different scroll direction or move on to other actions.
3. Look for new elements after each action.
4. Try search or filter features when looking for specific content.
5. Navigate to subpages when the main page does not have what you need.

steps_remaining is your action budget. Plan to answer the ux_question before it reaches zero.

When the ux_question is answered, stop acting and return:
{"intent":"...","finish":"goal_achieved","rationale":"..."}

Keep rationale under 25 words.
Otherwise return exactly:
{"intent":"...","action":{"type":"click|scroll|fill|wait|nav","target":{"selector":"...","text":"...","role":"...","name":"..."},"value":"...","ms":0},"rationale":"...","confidence":0.0}`

// Longest element text forwarded to the oracle. The digest already bounds
// element text; the prompt view trims harder to keep token usage flat.
const maxPromptTextLen = 50

// planInput is the JSON document sent as the user prompt.
type planInput struct {
	PersonaBio     string          `json:"persona_bio"`
	UXQuestion     string          `json:"ux_question"`
	PageDigest     digestView      `json:"page_digest"`
	RecentSteps    []stepView      `json:"recent_steps"`
	StepsRemaining int             `json:"steps_remaining"`
	ActionSpace    []actionSpec    `json:"action_space"`
	Constraints    planConstraints `json:"constraints"`
}

type digestView struct {
	Title        string        `json:"title"`
	URL          string        `json:"url"`
	Headings     []string      `json:"headings"`
	Interactives []elementView `json:"interactives"`
}

type elementView struct {
	Role         string `json:"role"`
	Name         string `json:"name,omitempty"`
	Text         string `json:"text,omitempty"`
	SelectorHint string `json:"selector_hint"`
}

type stepView struct {
	Step       int    `json:"step"`
	Intent     string `json:"intent"`
	ActionType string `json:"action_type"`
	Selector   string `json:"selector,omitempty"`
	Result     string `json:"result"`
	Thought    string `json:"thought,omitempty"`
}

type actionSpec struct {
	Type   string   `json:"type"`
	Fields []string `json:"fields"`
}

type planConstraints struct {
	ReturnFormat      string   `json:"return_format"`
	MaxWordsRationale int      `json:"max_words_rationale"`
	Forbidden         []string `json:"forbidden"`
	Preferences       []string `json:"preferences"`
}

// buildUserPrompt serializes the full planning context. The oracle holds no
// state between calls, so everything it needs must be in here.
func buildUserPrompt(req schemas.PlanRequest, historyWindow int) (string, error) {
	input := planInput{
		PersonaBio:     personaBio(req.Persona),
		UXQuestion:     req.UXQuestion,
		PageDigest:     digestPromptView(req.Digest),
		RecentSteps:    historyPromptView(req.History, historyWindow),
		StepsRemaining: req.StepsRemaining,
		ActionSpace: []actionSpec{
			{Type: "click", Fields: []string{"target (selector|text|role+name)"}},
			{Type: "scroll", Fields: []string{"value (up|down|top|bottom)"}},
			{Type: "fill", Fields: []string{"target", "value"}},
			{Type: "wait", Fields: []string{"ms"}},
			{Type: "nav", Fields: []string{"value (url)"}},
		},
		Constraints: planConstraints{
			ReturnFormat:      "single_action_json",
			MaxWordsRationale: 25,
			Forbidden:         []string{"multi-step plans", "code"},
			Preferences: []string{
				"prefer selector_hint, text or role over raw CSS",
				"avoid repeating same action+selector 3x",
				"choose the action that most advances the ux_question",
			},
		},
	}

	encoded, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal plan input: %w", err)
	}
	return string(encoded), nil
}

func personaBio(p schemas.Persona) string {
	name := strings.TrimSpace(p.Name)
	bio := strings.TrimSpace(p.Bio)
	switch {
	case name == "":
		return bio
	case bio == "":
		return name
	}
	if p.Age > 0 {
		return fmt.Sprintf("%s, %d: %s", name, p.Age, bio)
	}
	return fmt.Sprintf("%s: %s", name, bio)
}

func digestPromptView(d schemas.PageDigest) digestView {
	view := digestView{
		Title:        d.Title,
		URL:          d.URL,
		Headings:     d.Headings,
		Interactives: make([]elementView, 0, len(d.Interactives)),
	}
	if view.Headings == nil {
		view.Headings = []string{}
	}
	for _, el := range d.Interactives {
		view.Interactives = append(view.Interactives, elementView{
			Role:         el.Role,
			Name:         el.Name,
			Text:         promptClip(el.Text, maxPromptTextLen),
			SelectorHint: el.SelectorHint,
		})
	}
	return view
}

// historyPromptView returns the newest `window` steps, oldest first.
func historyPromptView(history []schemas.Interaction, window int) []stepView {
	if window > 0 && len(history) > window {
		history = history[len(history)-window:]
	}
	steps := make([]stepView, 0, len(history))
	for _, inter := range history {
		steps = append(steps, stepView{
			Step:       inter.Step,
			Intent:     inter.Intent,
			ActionType: string(inter.ActionType),
			Selector:   inter.Selector,
			Result:     inter.Result,
			Thought:    inter.Thought,
		})
	}
	return steps
}

func promptClip(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// repairPrompt re-sends the full planning context together with the rejected
// reply and the reason it was rejected.
func repairPrompt(original, response string, parseErr error) string {
	return fmt.Sprintf(`%s

Your previous reply could not be used:
%s

Problem: %v

Reply again with ONLY the JSON object in the required format. No prose, no markdown fences.`, original, response, parseErr)
}
