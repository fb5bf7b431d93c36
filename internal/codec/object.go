package codec

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/roach88/paybench/internal/canonical"
	"github.com/roach88/paybench/internal/credential"
	"github.com/roach88/paybench/internal/fault"
)

// numberJSON keeps numeric precision when decoding decrypted payloads.
var numberJSON = jsoniter.Config{
	EscapeHTML: false,
	UseNumber:  true,
}.Froze()

// EncryptObject canonicalizes payload and encrypts the result.
// Serialization errors are returned unchanged.
func EncryptObject(payload any, cred credential.Credential) (string, error) {
	plain, err := canonical.String(payload)
	if err != nil {
		return "", err
	}
	return Encrypt(plain, cred)
}

// DecryptObject decrypts cipherText and parses it as a JSON object.
// A plaintext that decrypts cleanly but is not a JSON object is reported as
// fault.KindMalformedPayload, distinct from fault.KindDecryption.
func DecryptObject(cipherText string, cred credential.Credential) (canonical.Payload, error) {
	plain, err := Decrypt(cipherText, cred)
	if err != nil {
		return nil, err
	}
	return ParseObject(plain)
}

// ParseObject parses text as a JSON object with numbers kept as json.Number.
func ParseObject(text string) (canonical.Payload, error) {
	const op = "codec.DecryptObject"

	var v any
	if err := numberJSON.UnmarshalFromString(text, &v); err != nil {
		return nil, fault.Wrapf(fault.KindMalformedPayload, op, err, "decrypted text is not JSON")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fault.New(fault.KindMalformedPayload, op, "decrypted JSON is %s, not an object", jsonKind(v))
	}
	return canonical.Payload(obj), nil
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case []any:
		return "an array"
	case string:
		return "a string"
	case bool:
		return "a boolean"
	default:
		return "a number"
	}
}
