package codec

import (
	"net/url"
	"strings"
)

const upperhex = "0123456789ABCDEF"

// EncodeURIComponent percent-encodes s the same way as ECMAScript
// encodeURIComponent: everything except A-Z a-z 0-9 - _ . ! ~ * ' ( )
// is escaped as UTF-8 bytes.
func EncodeURIComponent(s string) string {
	var b strings.Builder
	b.Grow(len(s) + len(s)/4)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&15])
	}
	return b.String()
}

// DecodeURIComponent reverses EncodeURIComponent. '+' is not a space.
func DecodeURIComponent(s string) (string, error) {
	return url.PathUnescape(s)
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '!', '~', '*', '\'', '(', ')':
		return true
	}
	return false
}
