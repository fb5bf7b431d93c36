// Package signature signs and verifies request payloads with HMAC-SHA256.
//
// The signed message is the canonical form of the payload (or the raw string
// for pre-serialized payloads) after Normalize has escaped every code point
// at or above 0x7F. The signature is base64 of the lowercase hex digest:
// the hex text is encoded, not the raw MAC bytes.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/roach88/paybench/internal/canonical"
	"github.com/roach88/paybench/internal/credential"
	"github.com/roach88/paybench/internal/fault"
)

// HeaderName carries the signature on signed requests.
const HeaderName = "X-Signature"

const hexDigits = "0123456789abcdef"

// Sign computes the signature of payload under secretKey.
// Strings and byte slices are signed as given; anything else is
// canonicalized first.
func Sign(payload any, secretKey string) (string, error) {
	key, err := credential.DeriveSignKey(secretKey)
	if err != nil {
		return "", err
	}
	return sign(payload, key)
}

// Verify reports whether sig is the signature of payload under secretKey.
// The error is non-nil only when the signature could not be computed.
func Verify(payload any, sig, secretKey string) (bool, error) {
	key, err := credential.DeriveSignKey(secretKey)
	if err != nil {
		return false, err
	}
	return verify(payload, sig, key)
}

// Check is Verify returning a fault.KindSignatureMismatch error on mismatch.
func Check(payload any, sig, secretKey string) error {
	ok, err := Verify(payload, sig, secretKey)
	if err != nil {
		return err
	}
	if !ok {
		return fault.New(fault.KindSignatureMismatch, "signature.Check", "signature does not match payload")
	}
	return nil
}

// Message returns the exact bytes that are fed to the MAC. Raw strings and
// byte slices must be valid UTF-8.
func Message(payload any) ([]byte, error) {
	var msg string
	switch p := payload.(type) {
	case string:
		msg = p
	case []byte:
		msg = string(p)
	default:
		s, err := canonical.String(payload)
		if err != nil {
			return nil, err
		}
		msg = s
	}
	if !utf8.ValidString(msg) {
		return nil, fault.New(fault.KindSerialization, "signature.Message", "message is not valid UTF-8")
	}
	return []byte(Normalize(msg)), nil
}

// Normalize replaces every code point >= 0x7F with a \uXXXX escape using
// lowercase hex. Code points above U+FFFF become an escaped surrogate pair.
// s must be valid UTF-8; invalid bytes come out as \ufffd.
func Normalize(s string) string {
	i := 0
	for i < len(s) && s[i] < 0x7F {
		i++
	}
	if i == len(s) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s) + 8)
	b.WriteString(s[:i])
	for _, r := range s[i:] {
		if r < 0x7F {
			b.WriteRune(r)
			continue
		}
		if r > 0xFFFF {
			hi, lo := utf16.EncodeRune(r)
			writeEscape(&b, hi)
			writeEscape(&b, lo)
			continue
		}
		writeEscape(&b, r)
	}
	return b.String()
}

func writeEscape(b *strings.Builder, r rune) {
	b.WriteString(`\u`)
	b.WriteByte(hexDigits[(r>>12)&0xF])
	b.WriteByte(hexDigits[(r>>8)&0xF])
	b.WriteByte(hexDigits[(r>>4)&0xF])
	b.WriteByte(hexDigits[r&0xF])
}

func sign(payload any, key []byte) (string, error) {
	msg, err := Message(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	digest := hex.EncodeToString(mac.Sum(nil))
	return base64.StdEncoding.EncodeToString([]byte(digest)), nil
}

func verify(payload any, sig string, key []byte) (bool, error) {
	want, err := sign(payload, key)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(want), []byte(sig)), nil
}
