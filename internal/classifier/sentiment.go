// Package classifier derives per-step sentiment, bug reports and drop-off
// decisions from the transcript. Everything here is a pure function over the
// current step outcome and the recent interaction window; persistence and
// logging stay with the loop.
package classifier

import (
	"strings"
	"time"

	"github.com/archetype-hq/archetype/api/schemas"
)

const (
	// historyWindow is how many steps, current one included, the mood rules
	// look at.
	historyWindow = 5
	// repeatRunThreshold is how many identical action+selector steps in a
	// row read as confusion.
	repeatRunThreshold = 3
	// slowWindow is the in-window wall time after which a success-free
	// stretch reads as negative.
	slowWindow = 30 * time.Second
	// interestMatches is how many distinct persona bio keywords must appear
	// in recent intents and thoughts to count as engagement.
	interestMatches = 2
)

// StepResult is the executor outcome of the step being classified, before
// it is written to the transcript.
type StepResult struct {
	Intent     string
	ActionType schemas.ActionType
	Selector   string
	Result     string
	Success    bool
	Elapsed    time.Duration
}

// Classification is the affective read of one step.
type Classification struct {
	Sentiment      schemas.Sentiment
	Feeling        string
	BugDetected    bool
	BugType        schemas.BugType
	BugDescription string
}

type stepView struct {
	action   schemas.ActionType
	selector string
	result   string
	bug      bool
	success  bool
}

// Classify scores the current step against the last few interactions. The
// cascade goes from worst mood to best and the first matching rule wins;
// afterwards a prior bad mood decays by at most one level per successful
// step, and back-to-back bugs pin the result at negative (two in a row) or
// frustrated (three).
func Classify(step StepResult, history []schemas.Interaction, persona schemas.Persona) Classification {
	bugDetected, bugType, bugDescription := DetectBug(step.Result)

	recent := tail(history, historyWindow-1)
	window := make([]stepView, 0, len(recent)+1)
	for _, it := range recent {
		window = append(window, stepView{
			action:   it.ActionType,
			selector: it.Selector,
			result:   it.Result,
			bug:      it.BugDetected,
			success:  meaningfulProgress(it.ActionType, it.Result, it.BugDetected),
		})
	}
	window = append(window, stepView{
		action:   step.ActionType,
		selector: step.Selector,
		result:   step.Result,
		bug:      bugDetected,
		success:  meaningfulProgress(step.ActionType, step.Result, bugDetected),
	})

	var errorCount, navFailures, successCount int
	for _, s := range window {
		if s.bug {
			errorCount++
		}
		if navFailure(s.result) {
			navFailures++
		}
		if s.success {
			successCount++
		}
	}
	repeats := longestRepeatRun(window)
	scrollingOnly := onlyScrolling(window)
	elapsed := windowElapsed(recent, step.Elapsed)

	sentiment := schemas.SentimentNeutral
	feeling := ""
	switch {
	case errorCount >= 3 || navFailures >= 3:
		sentiment = schemas.SentimentFrustrated
		feeling = "The user seems frustrated by repeated errors and failed interactions."
	case errorCount >= 2 || navFailures >= 2:
		sentiment = schemas.SentimentNegative
		feeling = "The user is having difficulty navigating or interacting."
	case scrollingOnly && successCount == 0:
		sentiment = schemas.SentimentNegative
		feeling = "The user seems lost, scrolling without finding anything useful."
	case repeats >= repeatRunThreshold:
		sentiment = schemas.SentimentNegative
		feeling = "The user appears confused, repeating the same action."
	case elapsed >= slowWindow && successCount == 0:
		sentiment = schemas.SentimentNegative
		feeling = "The user is spending too long without making progress."
	case (errorCount >= 1 || navFailures >= 1) && successCount == 0:
		sentiment = schemas.SentimentNegative
		feeling = "The user is having trouble interacting with the site."
	case successCount >= 2 && errorCount == 0 && navFailures == 0:
		sentiment = schemas.SentimentPositive
		feeling = "The user is progressing smoothly."
	case successCount >= 1 && errorCount+navFailures <= 1:
		sentiment = schemas.SentimentPositive
		feeling = "The user is making progress despite minor issues."
	}

	if sentiment == schemas.SentimentPositive &&
		interestMatch(persona.Bio, recentVoice(history, step)...) {
		sentiment = schemas.SentimentVeryPositive
		feeling = "The user is highly engaged with content matching their interests."
	}

	rank := sentiment.Rank()

	// A bad mood lingers: it improves by one level per clean successful
	// step and otherwise carries over.
	if prev := previousRank(history); prev < 0 {
		carried := prev
		if step.Success && !bugDetected {
			carried++
		}
		if carried < rank {
			rank = carried
			feeling = "Earlier problems are still coloring the experience."
		}
	}

	switch run := longestBugRun(window); {
	case run >= 3 && rank > schemas.SentimentFrustrated.Rank():
		rank = schemas.SentimentFrustrated.Rank()
		feeling = "The user seems frustrated by repeated errors and failed interactions."
	case run >= 2 && rank > schemas.SentimentNegative.Rank():
		rank = schemas.SentimentNegative.Rank()
		feeling = "The user is having difficulty navigating or interacting."
	}

	return Classification{
		Sentiment:      applyRank(sentiment, rank),
		Feeling:        feeling,
		BugDetected:    bugDetected,
		BugType:        bugType,
		BugDescription: bugDescription,
	}
}

// applyRank lowers base to rank when needed; positive ranks keep the
// cascade's positive/very_positive distinction.
func applyRank(base schemas.Sentiment, rank int) schemas.Sentiment {
	switch {
	case rank <= -2:
		return schemas.SentimentFrustrated
	case rank == -1:
		return schemas.SentimentNegative
	case rank == 0:
		return schemas.SentimentNeutral
	default:
		return base
	}
}

func previousRank(history []schemas.Interaction) int {
	if len(history) == 0 {
		return 0
	}
	return history[len(history)-1].Sentiment.Rank()
}

func tail(items []schemas.Interaction, n int) []schemas.Interaction {
	if len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}

// meaningfulProgress reports whether a step moved the session forward: a
// click, fill or nav that succeeded and surfaced no bug.
func meaningfulProgress(action schemas.ActionType, result string, bug bool) bool {
	switch action {
	case schemas.ActionClick, schemas.ActionFill, schemas.ActionNav:
	default:
		return false
	}
	if bug {
		return false
	}
	switch result {
	case "clicked", "filled", "navigated":
		return true
	}
	return false
}

func navFailure(result string) bool {
	return strings.Contains(result, "selector_not_found") ||
		strings.Contains(result, "no_target_provided") ||
		strings.Contains(result, "click_failed")
}

func longestRepeatRun(window []stepView) int {
	best, run := 0, 0
	for i, s := range window {
		if i > 0 && s.action == window[i-1].action && s.selector == window[i-1].selector {
			run++
		} else {
			run = 1
		}
		if run > best {
			best = run
		}
	}
	return best
}

func longestBugRun(window []stepView) int {
	best, run := 0, 0
	for _, s := range window {
		if s.bug {
			run++
		} else {
			run = 0
		}
		if run > best {
			best = run
		}
	}
	return best
}

func onlyScrolling(window []stepView) bool {
	if len(window) < 3 {
		return false
	}
	for _, s := range window[len(window)-3:] {
		if s.action != schemas.ActionScroll {
			return false
		}
	}
	return true
}

// windowElapsed is the wall time covered by the window: the recorded spread
// of the prior steps plus the current step's own duration.
func windowElapsed(recent []schemas.Interaction, stepElapsed time.Duration) time.Duration {
	elapsed := stepElapsed
	if len(recent) > 1 {
		elapsed += recent[len(recent)-1].CreatedAt.Sub(recent[0].CreatedAt)
	}
	return elapsed
}

// recentVoice collects the texts that carry the persona's recent attention:
// prior thoughts and intents plus the current intent.
func recentVoice(history []schemas.Interaction, step StepResult) []string {
	texts := make([]string, 0, len(history)*2+1)
	for _, it := range history {
		texts = append(texts, it.Thought, it.Intent)
	}
	return append(texts, step.Intent)
}

// interestMatch reports whether at least interestMatches distinct bio
// keywords appear in the given texts. Short words are skipped so stopwords
// do not count as engagement.
func interestMatch(bio string, texts ...string) bool {
	keywords := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(bio)) {
		w = strings.Trim(w, ".,;:!?()\"'")
		if len(w) >= 4 {
			keywords[w] = true
		}
	}
	if len(keywords) == 0 {
		return false
	}
	var corpus strings.Builder
	for _, t := range texts {
		corpus.WriteString(strings.ToLower(t))
		corpus.WriteByte(' ')
	}
	haystack := corpus.String()

	matches := 0
	for kw := range keywords {
		if strings.Contains(haystack, kw) {
			matches++
			if matches >= interestMatches {
				return true
			}
		}
	}
	return false
}
