package planner

import (
	"errors"
	"strings"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archetype-hq/archetype/api/schemas"
)

func TestParsePlanOutput_AcceptedFormats(t *testing.T) {
	const plan = `{"intent":"Open the pricing page","action":{"type":"click","target":{"text":"Pricing"}},"rationale":"Visible link","confidence":0.9}`

	testCases := []struct {
		name     string
		response string
	}{
		{name: "raw JSON", response: plan},
		{name: "fenced json block", response: "Here is my next move:\n```json\n" + plan + "\n```\nGood luck!"},
		{name: "fenced block without language tag", response: "```\n" + plan + "\n```"},
		{name: "prose around braces", response: "Sure thing. " + plan + " Hope that helps."},
		{name: "leading and trailing whitespace", response: "\n\n  " + plan + "  \n"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := parsePlanOutput(tc.response)
			require.NoError(t, err)
			assert.Equal(t, "Open the pricing page", out.Intent)
			assert.Equal(t, schemas.ActionClick, out.Action.Type)
			assert.Equal(t, "Pricing", out.Action.Target.Text)
			assert.InDelta(t, 0.9, out.Confidence, 1e-9)
			assert.False(t, out.Terminal())
		})
	}
}

func TestParsePlanOutput_TerminalFinish(t *testing.T) {
	out, err := parsePlanOutput(`{"intent":"Pricing page found and read","finish":"goal_achieved","rationale":"Question answered"}`)
	require.NoError(t, err)
	assert.True(t, out.Terminal())
	assert.Equal(t, schemas.FinishGoalAchieved, out.Finish)
}

func TestParsePlanOutput_ToleratesUnknownFields(t *testing.T) {
	out, err := parsePlanOutput(`{"intent":"Scroll for details","thought":"extra field","action":{"type":"scroll"},"value":"down","confidence":0.5,"step":3}`)
	require.NoError(t, err)
	assert.Equal(t, schemas.ActionScroll, out.Action.Type)
}

func TestParsePlanOutput_Rejections(t *testing.T) {
	testCases := []struct {
		name     string
		response string
		reason   string
	}{
		{
			name:     "empty response",
			response: "",
			reason:   "no JSON object",
		},
		{
			name:     "no JSON at all",
			response: "I will click the pricing link next.",
			reason:   "not valid JSON",
		},
		{
			name:     "type mismatch",
			response: `{"intent":"x","action":{"type":"click"},"confidence":"high"}`,
			reason:   "not valid JSON",
		},
		{
			name:     "missing intent",
			response: `{"action":{"type":"click","target":{"selector":"#a"}},"confidence":0.5}`,
			reason:   "intent",
		},
		{
			name:     "whitespace intent",
			response: `{"intent":"   ","action":{"type":"click"},"confidence":0.5}`,
			reason:   "intent",
		},
		{
			name:     "confidence above one",
			response: `{"intent":"x","action":{"type":"click"},"confidence":1.5}`,
			reason:   "outside [0, 1]",
		},
		{
			name:     "confidence below zero",
			response: `{"intent":"x","action":{"type":"click"},"confidence":-0.1}`,
			reason:   "outside [0, 1]",
		},
		{
			name:     "unknown action type",
			response: `{"intent":"x","action":{"type":"hover","target":{"selector":"#a"}},"confidence":0.5}`,
			reason:   `unknown action type "hover"`,
		},
		{
			name:     "finish reason the oracle does not own",
			response: `{"intent":"x","finish":"dropped_off"}`,
			reason:   "may only finish",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parsePlanOutput(tc.response)
			require.Error(t, err)

			var perr *schemas.PlanningError
			require.ErrorAs(t, err, &perr)
			assert.Contains(t, perr.Reason, tc.reason)
			assert.Equal(t, tc.response, perr.Raw, "raw response must be preserved for the repair prompt")
		})
	}
}

func TestParsePlanOutput_MissingTargetIsNotTheParsersProblem(t *testing.T) {
	// Selector resolution failures are classified by the executor at run time;
	// the parse boundary only enforces the reply schema.
	out, err := parsePlanOutput(`{"intent":"Click whatever looks primary","action":{"type":"click"},"confidence":0.4}`)
	require.NoError(t, err)
	assert.True(t, out.Action.Target.Empty())
}

// FuzzParsePlanOutput feeds arbitrary oracle replies through the parser. Any
// input must yield either a validated plan or a *schemas.PlanningError, never
// a panic or an unvalidated plan.
func FuzzParsePlanOutput(f *testing.F) {
	f.Add(`{"intent":"x","action":{"type":"click","target":{"selector":"#a"}},"confidence":0.5}`)
	f.Add("```json\n{\"intent\":\"done\",\"finish\":\"goal_achieved\"}\n```")
	f.Add("no json here")
	f.Add(`{"intent":"x","action":{"type":"wait","ms":1000},"confidence":2}`)
	f.Add("{{{}}}")

	f.Fuzz(func(t *testing.T, response string) {
		out, err := parsePlanOutput(response)
		if err != nil {
			var perr *schemas.PlanningError
			if !errors.As(err, &perr) {
				t.Fatalf("parser returned a non-planning error: %v", err)
			}
			return
		}
		if strings.TrimSpace(out.Intent) == "" {
			t.Fatal("parser accepted a plan with an empty intent")
		}
		if out.Confidence < 0 || out.Confidence > 1 {
			t.Fatalf("parser accepted out-of-range confidence %v", out.Confidence)
		}
		if !out.Terminal() && !out.Action.Type.Valid() {
			t.Fatalf("parser accepted unknown action type %q", out.Action.Type)
		}
	})
}

// FuzzPlanRoundTrip builds arbitrary structured plans, serializes them the way
// a well-behaved oracle would, and checks the parser stays coherent: whatever
// it accepts must pass its own validation rules.
func FuzzPlanRoundTrip(f *testing.F) {
	f.Fuzz(func(t *testing.T, data []byte) {
		fuzzConsumer := fuzz.NewConsumer(data)
		var out schemas.PlanOutput
		if err := fuzzConsumer.GenerateStruct(&out); err != nil {
			return
		}

		encoded, err := json.Marshal(out)
		if err != nil {
			return // NaN or Inf confidence cannot be serialized; not a parser concern.
		}

		parsed, parseErr := parsePlanOutput("```json\n" + string(encoded) + "\n```")
		if parseErr != nil {
			return // Structurally valid JSON can still fail validation.
		}
		require.NoError(t, validatePlan(parsed))
		assert.Equal(t, out.Intent, parsed.Intent)
		assert.Equal(t, out.Action.Type, parsed.Action.Type)
	})
}
