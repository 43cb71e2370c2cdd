// Package textnorm prepares free text for hashing and embedding: Unicode
// NFC normalization, whitespace folding and optional PII redaction.
package textnorm

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Redaction placeholders.
const (
	RedactedEmail = "[REDACTED_EMAIL]"
	RedactedPhone = "[REDACTED_PHONE]"
	RedactedCard  = "[REDACTED_CARD]"
)

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`)
	phonePattern = regexp.MustCompile(`(?:\+\d{1,3}[\s.-]?)?\(?\d{2,4}\)?[\s.-]?\d{3,4}[\s.-]\d{3,4}\b`)
)

// Normalize applies NFC, folds every whitespace run to one space and trims.
func Normalize(s string) string {
	s = norm.NFC.String(s)
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}

// Redact replaces email addresses, card-like digit runs and phone numbers
// with fixed placeholders. Cards are replaced before phones so a long digit
// run is never split into a phone match.
func Redact(s string) string {
	s = emailPattern.ReplaceAllString(s, RedactedEmail)
	s = cardPattern.ReplaceAllString(s, RedactedCard)
	s = phonePattern.ReplaceAllString(s, RedactedPhone)
	return s
}

// Prepare normalizes s and, when redact is set, redacts it.
func Prepare(s string, redact bool) string {
	s = Normalize(s)
	if redact {
		s = Redact(s)
	}
	return s
}
