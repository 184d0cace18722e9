package planner

import (
	"fmt"
	"regexp"
	"strings"

	json "github.com/json-iterator/go"

	"github.com/archetype-hq/archetype/api/schemas"
)

// A regex to robustly extract a JSON object from a markdown code block.
var jsonBlockRegex = regexp.MustCompile(fmt.Sprintf("(?s)%s(?:json)?\\s*(.*?)\\s*%s", "```", "```"))

// extractJSON pulls the JSON payload out of an oracle reply, handling fenced
// markdown blocks and surrounding prose.
func extractJSON(response string) string {
	response = strings.TrimSpace(response)

	matches := jsonBlockRegex.FindStringSubmatch(response)
	if len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}

	firstBracket := strings.Index(response, "{")
	lastBracket := strings.LastIndex(response, "}")
	if firstBracket != -1 && lastBracket > firstBracket {
		return response[firstBracket : lastBracket+1]
	}
	return response
}

// parsePlanOutput extracts, unmarshals and validates one oracle reply. Any
// failure comes back as a *schemas.PlanningError carrying the raw response so
// the repair prompt can quote it.
func parsePlanOutput(response string) (schemas.PlanOutput, error) {
	payload := extractJSON(response)
	if payload == "" {
		return schemas.PlanOutput{}, &schemas.PlanningError{
			Reason: "no JSON object in oracle response",
			Raw:    response,
		}
	}

	var out schemas.PlanOutput
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return schemas.PlanOutput{}, &schemas.PlanningError{
			Reason: "oracle response is not valid JSON",
			Raw:    response,
			Err:    err,
		}
	}

	if err := validatePlan(out); err != nil {
		return schemas.PlanOutput{}, &schemas.PlanningError{
			Reason: err.Error(),
			Raw:    response,
			Err:    err,
		}
	}
	return out, nil
}

// validatePlan enforces the reply contract. Unknown fields in the JSON are
// tolerated (oracles pad output freely); unknown values are not.
func validatePlan(out schemas.PlanOutput) error {
	if strings.TrimSpace(out.Intent) == "" {
		return fmt.Errorf("plan is missing the required 'intent' field")
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return fmt.Errorf("confidence %.2f is outside [0, 1]", out.Confidence)
	}
	if out.Terminal() {
		// The oracle may only declare the natural finish; the other reasons
		// belong to the loop and the classifier.
		if out.Finish != schemas.FinishGoalAchieved {
			return fmt.Errorf("oracle may only finish with %q, got %q", schemas.FinishGoalAchieved, out.Finish)
		}
		return nil
	}
	if !out.Action.Type.Valid() {
		return fmt.Errorf("unknown action type %q", out.Action.Type)
	}
	return nil
}
