package classifier

import (
	"strings"

	"github.com/archetype-hq/archetype/api/schemas"
)

// bugPatterns maps executor result substrings to bug types. Order matters:
// specific signatures must outrank the catch-all "failed" and "error"
// buckets ("navigation_failed" is a navigation defect, not a generic
// interaction failure).
var bugPatterns = []struct {
	substr string
	typ    schemas.BugType
}{
	{"404", schemas.BugNavigationError},
	{"navigation", schemas.BugNavigationError},
	{"timeout", schemas.BugLoadingError},
	{"selector_not_found", schemas.BugInteractionFailure},
	{"no_target_provided", schemas.BugInteractionFailure},
	{"click_failed", schemas.BugInteractionFailure},
	{"fill_failed", schemas.BugInteractionFailure},
	{"not found", schemas.BugUIError},
	{"invalid", schemas.BugValidationError},
	{"cannot", schemas.BugInteractionFailure},
	{"unable", schemas.BugInteractionFailure},
	{"failed", schemas.BugInteractionFailure},
	{"unexpected_error", schemas.BugUnknown},
	{"error", schemas.BugUnknown},
}

// DetectBug inspects a result string for a defect signature and, when one is
// found, returns the bug type with a short human-readable description.
func DetectBug(result string) (bool, schemas.BugType, string) {
	if strings.TrimSpace(result) == "" {
		return false, "", ""
	}
	lower := strings.ToLower(result)
	for _, p := range bugPatterns {
		if strings.Contains(lower, p.substr) {
			return true, p.typ, describeBug(p.typ, result)
		}
	}
	return false, "", ""
}

func describeBug(typ schemas.BugType, result string) string {
	switch typ {
	case schemas.BugUIError:
		return "UI element issue: " + result
	case schemas.BugLoadingError:
		return "Page loading problem: " + result
	case schemas.BugInteractionFailure:
		return "Could not interact with element: " + result
	case schemas.BugValidationError:
		return "Validation failed: " + result
	case schemas.BugNavigationError:
		return "Navigation error: " + result
	default:
		return "Unknown error: " + result
	}
}
