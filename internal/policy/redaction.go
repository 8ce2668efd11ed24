// Package policy masks personal data before conversation text leaves the
// process for a summary model.
package policy

import (
	"regexp"
	"strings"
)

// Class names a kind of personal data.
type Class string

const (
	ClassEmail Class = "email"
	ClassCard  Class = "card"
	ClassPhone Class = "phone"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)

	// roleTag matches the "[role] " prefix of a transcript line.
	roleTag = regexp.MustCompile(`^\[[a-z]+\] `)
)

// Redaction is the outcome of masking a text.
type Redaction struct {
	Text   string
	Counts map[Class]int
}

// Changed reports whether anything was masked.
func (r Redaction) Changed() bool {
	return r.Total() > 0
}

// Total is the number of masked spans across all classes.
func (r Redaction) Total() int {
	n := 0
	for _, c := range r.Counts {
		n += c
	}
	return n
}

// Redact masks emails, card numbers and phone numbers in text. Card
// numbers must pass the Luhn check; other long digit runs are treated as
// phone numbers.
func Redact(text string) Redaction {
	counts := map[Class]int{}
	return Redaction{Text: redactLine(text, counts), Counts: counts}
}

// RedactTranscript masks a rendered summarizer transcript line by line.
// The "[role] " tag at the start of a line is left as is so the summary
// model still sees who said what.
func RedactTranscript(transcript string) Redaction {
	counts := map[Class]int{}
	lines := strings.Split(transcript, "\n")
	for i, line := range lines {
		tag := roleTag.FindString(line)
		lines[i] = tag + redactLine(line[len(tag):], counts)
	}
	return Redaction{Text: strings.Join(lines, "\n"), Counts: counts}
}

func redactLine(s string, counts map[Class]int) string {
	s = emailPattern.ReplaceAllStringFunc(s, func(string) string {
		counts[ClassEmail]++
		return "[REDACTED_EMAIL]"
	})
	// Cards first so a card number is never reported as a phone.
	s = cardPattern.ReplaceAllStringFunc(s, func(m string) string {
		if !luhnValid(m) {
			return m
		}
		counts[ClassCard]++
		return "[REDACTED_CARD]"
	})
	return phonePattern.ReplaceAllStringFunc(s, func(string) string {
		counts[ClassPhone]++
		return "[REDACTED_PHONE]"
	})
}

func luhnValid(s string) bool {
	sum, n := 0, 0
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c < '0' || c > '9' {
			continue
		}
		d := int(c - '0')
		if n%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		n++
	}
	return n >= 13 && sum%10 == 0
}
