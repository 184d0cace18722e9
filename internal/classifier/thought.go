package classifier

import (
	"fmt"

	"github.com/archetype-hq/archetype/api/schemas"
)

// Thought renders the persona's first-person commentary for a step from its
// classified mood. The transcript stores it next to the planner's intent.
func Thought(sentiment schemas.Sentiment, bugDetected bool, action schemas.ActionType) string {
	if bugDetected {
		if sentiment == schemas.SentimentFrustrated {
			return "This is really frustrating. The site keeps having issues."
		}
		return "Hmm, something went wrong there. Let me try a different approach."
	}
	switch sentiment {
	case schemas.SentimentVeryPositive:
		return "Great, this is exactly what I was looking for."
	case schemas.SentimentPositive:
		return fmt.Sprintf("This looks promising. Let me %s here.", actionVerb(action))
	case schemas.SentimentNegative:
		return "This isn't quite what I expected. Let me keep looking."
	case schemas.SentimentFrustrated:
		return "This is taking too long. The site feels confusing."
	default:
		return fmt.Sprintf("Let me %s and see what this page offers.", actionVerb(action))
	}
}

func actionVerb(action schemas.ActionType) string {
	switch action {
	case schemas.ActionClick:
		return "click"
	case schemas.ActionFill:
		return "fill this in"
	case schemas.ActionScroll:
		return "scroll"
	case schemas.ActionWait:
		return "wait a moment"
	case schemas.ActionNav:
		return "head there"
	default:
		return "explore"
	}
}
