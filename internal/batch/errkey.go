package batch

import (
	"regexp"
	"strings"
)

const maxErrorKeyRunes = 160

var (
	uuidPattern = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	hexPattern  = regexp.MustCompile(`(?i)\b(?:0x)?[0-9a-f]{8,}\b`)
	longNumber  = regexp.MustCompile(`\d{4,}`)
	whitespace  = regexp.MustCompile(`\s+`)
)

// ErrorKey normalizes an error message into a histogram bucket. Variable
// parts (UUIDs, hex tokens of 8+ characters, numbers of 4+ digits) collapse
// to placeholders so "order ORD-1234 timed out" and "order ORD-9876 timed
// out" land in one bucket. Short numbers such as HTTP status codes stay.
func ErrorKey(err error) string {
	if err == nil {
		return ""
	}
	msg := uuidPattern.ReplaceAllString(err.Error(), "{uuid}")
	msg = hexPattern.ReplaceAllStringFunc(msg, func(tok string) string {
		if isHexToken(tok) {
			return "{hex}"
		}
		return tok
	})
	msg = longNumber.ReplaceAllString(msg, "{n}")
	msg = whitespace.ReplaceAllString(strings.TrimSpace(msg), " ")
	if r := []rune(msg); len(r) > maxErrorKeyRunes {
		msg = string(r[:maxErrorKeyRunes]) + "..."
	}
	return msg
}

// isHexToken reports whether tok looks like an identifier rather than a word
// or a plain number: 0x-prefixed, or mixing digits and a-f letters.
func isHexToken(tok string) bool {
	t := strings.ToLower(tok)
	if strings.HasPrefix(t, "0x") {
		return true
	}
	return strings.ContainsAny(t, "0123456789") && strings.ContainsAny(t, "abcdef")
}
