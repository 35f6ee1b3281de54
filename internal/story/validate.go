package story

import (
	"errors"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// ErrInvalidStep is wrapped by every error returned from ValidateStep.
var ErrInvalidStep = errors.New("invalid step")

// ValidateStep checks the structural requirements of a Step: non-empty primary
// text and exactly ChoiceArity choices, each with text. A SelectedChoice, when
// present, must index one of the choices.
func ValidateStep(s Step) error {
	if s.Text.Primary == "" {
		return fmt.Errorf("%w: text.primary is empty", ErrInvalidStep)
	}
	if len(s.Choices) != ChoiceArity {
		return fmt.Errorf("%w: want %d choices, got %d", ErrInvalidStep, ChoiceArity, len(s.Choices))
	}
	for i, c := range s.Choices {
		if c.Text == "" {
			return fmt.Errorf("%w: choices[%d].text is empty", ErrInvalidStep, i)
		}
	}
	if s.SelectedChoice != nil && !ValidChoice(*s.SelectedChoice) {
		return fmt.Errorf("%w: selectedChoice %d out of range", ErrInvalidStep, *s.SelectedChoice)
	}
	return nil
}

// ValidChoice reports whether c indexes a choice.
func ValidChoice(c int) bool {
	return c >= 0 && c < ChoiceArity
}

// ValidIndex reports whether current satisfies the pointer invariant for a
// ledger of the given length.
func ValidIndex(current, length int) bool {
	if length == 0 {
		return current == -1
	}
	return current >= 0 && current < length
}

// ClampIndex maps any index onto the nearest valid pointer for length.
func ClampIndex(current, length int) int {
	switch {
	case length == 0:
		return -1
	case current < 0:
		return 0
	case current >= length:
		return length - 1
	default:
		return current
	}
}

// Normalize returns a copy of s with every text field in Unicode NFC form, so
// visually identical text from different generators compares equal.
func Normalize(s Step) Step {
	out := s.Clone()
	out.Text.Primary = norm.NFC.String(out.Text.Primary)
	out.Text.Translation = norm.NFC.String(out.Text.Translation)
	for i := range out.Choices {
		out.Choices[i].Text = norm.NFC.String(out.Choices[i].Text)
		out.Choices[i].Translation = norm.NFC.String(out.Choices[i].Translation)
	}
	for i := range out.Vocabulary {
		out.Vocabulary[i].Word = norm.NFC.String(out.Vocabulary[i].Word)
		out.Vocabulary[i].Translation = norm.NFC.String(out.Vocabulary[i].Translation)
	}
	return out
}
