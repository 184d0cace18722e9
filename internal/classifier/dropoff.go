package classifier

import "github.com/archetype-hq/archetype/api/schemas"

const (
	// dropOffMinSteps is how many recorded steps must exist before the
	// predicate can fire at all.
	dropOffMinSteps = 3
	// dropOffNegatives is how many of the last three sentiments must be
	// negative or worse.
	dropOffNegatives = 2
	// dropOffStaleSteps is the transcript length past which a stretch
	// without meaningful progress ends the session.
	dropOffStaleSteps = 10
	// dropOffStaleWindow is the size of that stretch.
	dropOffStaleWindow = 5
)

// ShouldDropOff decides whether the persona abandons the session after the
// given transcript. It fires on a mostly bad recent mood, or on a long
// session whose tail shows no meaningful progress. The returned reason is
// logged with the agent's exit.
func ShouldDropOff(history []schemas.Interaction, persona schemas.Persona) (bool, string) {
	if len(history) < dropOffMinSteps {
		return false, ""
	}

	negatives := 0
	for _, it := range tail(history, dropOffMinSteps) {
		if it.Sentiment.Rank() <= schemas.SentimentNegative.Rank() {
			negatives++
		}
	}
	if negatives >= dropOffNegatives {
		if interestMatch(persona.Bio, transcriptVoice(history)...) {
			return true, "User frustrated by poor UX despite interest in the content"
		}
		return true, "User lost interest due to irrelevant content"
	}

	if len(history) > dropOffStaleSteps {
		for _, it := range tail(history, dropOffStaleWindow) {
			if meaningfulProgress(it.ActionType, it.Result, it.BugDetected) {
				return false, ""
			}
		}
		return true, "User gave up after a long stretch without meaningful progress"
	}
	return false, ""
}

func transcriptVoice(history []schemas.Interaction) []string {
	texts := make([]string, 0, len(history)*2)
	for _, it := range history {
		texts = append(texts, it.Thought, it.Intent)
	}
	return texts
}
