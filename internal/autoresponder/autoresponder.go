// Package autoresponder implements component G: a pure, deterministic
// function from (latest assistant text, task description, iteration index)
// to the next user turn, used whenever the human input queue (F) has
// nothing pending (spec §4.5). It never calls the assistant.
package autoresponder

import (
	"fmt"
	"math/rand"
	"regexp"
	"strings"
)

var (
	choiceListRe  = regexp.MustCompile(`(?m)^\s*([0-9]+[.)]|\[?[a-eA-E]\]?[.)])`)
	questionCueRe = regexp.MustCompile(`\?`)

	shouldWouldDoRe = regexp.MustCompile(`(?i)\b(should I|would you like|do you want)\b`)
	openInterroRe   = regexp.MustCompile(`(?i)\b(how should|what should|which approach)\b`)
	errorCueRe      = regexp.MustCompile(`(?i)\b(error|failed|cannot|unable|exception)\b`)
	completionCueRe = regexp.MustCompile(`(?i)\b(completed|finished|done|implemented|all tests pass|ready)\b`)
)

const (
	choiceResponseFmt = "Let's go with option %s. Please proceed."
	yesProceed        = "Yes, please proceed with that."
	bestJudgment      = "Please use your best judgment based on best practices. Proceed."
	errorRetry        = "I see the error. Please try an alternative approach and continue."
	confirmComplete   = "Great! Please confirm everything is complete and all tests pass."
	fallback          = "Please continue."
)

// Generate returns the next user turn for the given assistant text,
// evaluating the decision table of spec §4.5 in order; the first match
// wins.
func Generate(assistantText, taskDescription string, iteration int) string {
	choices := extractChoices(assistantText)
	if len(choices) > 0 && hasQuestionCue(assistantText) {
		return fmt.Sprintf(choiceResponseFmt, pickChoice(choices, iteration))
	}
	if shouldWouldDoRe.MatchString(assistantText) || hasYesNoQuestion(assistantText) {
		return yesProceed
	}
	if openInterroRe.MatchString(assistantText) {
		return bestJudgment
	}
	if errorCueRe.MatchString(assistantText) {
		return errorRetry
	}
	if completionCueRe.MatchString(assistantText) {
		return confirmComplete
	}
	return fallback
}

// ShouldContinue reports whether the main loop should keep going after this
// assistant turn absent a criteria verdict (spec §4.5): it returns false
// when the completion branch fired and no question cue is present — a
// clearly terminal turn with nothing left to ask — or when maxIterations is
// positive and iteration has reached it.
func ShouldContinue(assistantText string, iteration, maxIterations int) bool {
	if maxIterations > 0 && iteration >= maxIterations {
		return false
	}
	if HeuristicComplete(assistantText) {
		return false
	}
	return true
}

// HeuristicComplete reports whether assistantText reads as a finished turn
// with nothing left to ask (spec §4.8 step 5's fallback heuristic when no
// criteria judge is configured: completion cues present, no question cue).
func HeuristicComplete(assistantText string) bool {
	return completionCueRe.MatchString(assistantText) && !hasQuestionCue(assistantText)
}

// extractChoices returns the matched choice markers ("1.", "a)", ...) in
// order of appearance.
func extractChoices(text string) []string {
	matches := choiceListRe.FindAllString(text, -1)
	choices := make([]string, 0, len(matches))
	for _, m := range matches {
		choices = append(choices, strings.TrimSpace(m))
	}
	return choices
}

func hasQuestionCue(text string) bool {
	return questionCueRe.MatchString(text) ||
		shouldWouldDoRe.MatchString(text) ||
		openInterroRe.MatchString(text)
}

// hasYesNoQuestion reports a trailing "?" that is not an open interrogative
// ("how should ...?"), which the next row of the decision table handles.
func hasYesNoQuestion(text string) bool {
	trimmed := strings.TrimSpace(text)
	return strings.HasSuffix(trimmed, "?") && !openInterroRe.MatchString(text)
}

// pickChoice selects an option per spec §4.5's weighted distribution
// (first 40%, a middle option 40%, last 20%), seeded by the iteration index
// so the choice is reproducible across retries of the same turn (Open
// Question resolution #3).
func pickChoice(choices []string, iteration int) string {
	n := len(choices)
	if n == 1 {
		return fmt.Sprintf("%d", 1)
	}

	r := rand.New(rand.NewSource(int64(iteration)))
	roll := r.Float64()

	var idx int
	switch {
	case roll < 0.4:
		idx = 0
	case roll < 0.8:
		idx = n / 2
	default:
		idx = n - 1
	}
	return fmt.Sprintf("%d", idx+1)
}
