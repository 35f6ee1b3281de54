// Package testutil provides deterministic helpers shared by package tests.
package testutil

import (
	"fmt"

	"github.com/roach88/storyline/internal/story"
)

// Step returns a valid step whose texts are derived from primary.
func Step(primary string) story.Step {
	return story.Step{
		Text: story.Text{Primary: primary, Translation: "[" + primary + "]"},
		Choices: []story.Choice{
			{Text: primary + " a", Translation: "a"},
			{Text: primary + " b", Translation: "b"},
			{Text: primary + " c", Translation: "c"},
		},
		Vocabulary: []story.VocabEntry{{Word: primary, Translation: "[" + primary + "]"}},
	}
}

// Steps returns n valid steps named "step 0" .. "step n-1".
func Steps(n int) []story.Step {
	out := make([]story.Step, n)
	for i := range out {
		out[i] = Step(fmt.Sprintf("step %d", i))
	}
	return out
}

// PNG returns a small fake PNG payload tagged with n.
func PNG(n int) []byte {
	return []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', byte(n)}
}
