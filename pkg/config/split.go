package config

import (
	"strings"
	"unicode"
)

// SplitQuotedFields splits in around runs of white space like
// strings.Fields, except inside areas surrounded by quote. Inside a quoted
// area a backslash escapes the next character, so a literal quote is
// written as \'. The quotes themselves are not part of the fields.
func SplitQuotedFields(in string, quote rune) []string {
	r := []string{}
	var (
		field   strings.Builder
		inField bool
		quoted  bool
		escaped bool
	)
	for _, ch := range in {
		switch {
		case escaped:
			field.WriteRune(ch)
			escaped = false
		case quoted && ch == '\\':
			escaped = true
		case ch == quote:
			quoted = !quoted
			inField = true
		case quoted:
			field.WriteRune(ch)
		case unicode.IsSpace(ch):
			if inField {
				r = append(r, field.String())
			}
			field.Reset()
			inField = false
		default:
			field.WriteRune(ch)
			inField = true
		}
	}
	if field.Len() != 0 {
		r = append(r, field.String())
	}
	return r
}
