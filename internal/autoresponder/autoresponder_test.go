package autoresponder

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerate_DecisionTable(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
	}{
		{
			name: "should I cue",
			text: "Should I proceed with the migration now?",
			want: yesProceed,
		},
		{
			name: "open interrogative",
			text: "How should we structure the retry logic here?",
			want: bestJudgment,
		},
		{
			name: "error cue",
			text: "The build failed with an exception in the linker step.",
			want: errorRetry,
		},
		{
			name: "completion cue",
			text: "All tests pass and the feature is fully implemented.",
			want: confirmComplete,
		},
		{
			name: "no signal falls back",
			text: "I refactored the helper function for clarity.",
			want: fallback,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Generate(tc.text, "some task", 0)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestGenerate_ChoiceListWithQuestionCue(t *testing.T) {
	text := "Which option should we use?\n1. Use Redis\n2. Use Postgres\n3. Use in-memory"
	got := Generate(text, "", 0)
	assert.Regexp(t, `^Let's go with option \d\. Please proceed\.$`, got)
}

func TestGenerate_ChoiceListIsReproducibleForSameIteration(t *testing.T) {
	text := "Pick one:\na) retry\nb) skip\nc) abort\nWhich do you want?"
	first := Generate(text, "", 5)
	second := Generate(text, "", 5)
	assert.Equal(t, first, second)
}

func TestGenerate_ChoiceListWithoutQuestionCueFallsThroughTable(t *testing.T) {
	// A numbered list with no question mark and no other cue should not be
	// treated as a choice prompt.
	text := "Steps taken:\n1. Updated the config\n2. Ran the migration"
	got := Generate(text, "", 0)
	assert.Equal(t, fallback, got)
}

func TestShouldContinue_StopsOnCleanCompletion(t *testing.T) {
	assert.False(t, ShouldContinue("The feature is done and all tests pass.", 3, 10))
}

func TestShouldContinue_ContinuesWhenCompletionHasQuestionCue(t *testing.T) {
	assert.True(t, ShouldContinue("I'm done, should I also update the docs?", 3, 10))
}

func TestShouldContinue_StopsAtIterationCap(t *testing.T) {
	assert.False(t, ShouldContinue("still working on it", 10, 10))
}

func TestShouldContinue_ContinuesByDefault(t *testing.T) {
	assert.True(t, ShouldContinue("Investigating the root cause now.", 1, 10))
}
