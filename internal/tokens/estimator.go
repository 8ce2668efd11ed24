// Package tokens approximates token counts for conversation text without
// calling a tokenizer.
package tokens

import "unicode/utf8"

// CharsPerToken is the fixed character-to-token ratio used by Estimate.
// BPE tokenizers average roughly 3.5 characters per token for English
// prose. The estimate only gates a soft summarization threshold, so the
// ratio is kept constant to make thresholds reproducible.
const CharsPerToken = 3.5

// Content is anything that carries message text.
type Content interface {
	TokenContent() string
}

// Text returns the estimated token count for a single block of text.
func Text(s string) int {
	return fromChars(utf8.RuneCountInString(s))
}

// Estimate returns the estimated token count for a sequence of messages.
// Characters are summed across all messages before rounding so the
// result does not depend on how the text is split.
func Estimate[T Content](items []T) int {
	chars := 0
	for _, item := range items {
		chars += utf8.RuneCountInString(item.TokenContent())
	}
	return fromChars(chars)
}

// fromChars rounds up: ceil(chars / 3.5) == ceil(chars*2 / 7).
func fromChars(chars int) int {
	if chars <= 0 {
		return 0
	}
	return (chars*2 + 6) / 7
}
