// Package credential holds merchant credentials and derives the key material
// used by the cipher codec and the signer.
//
// Derivation is deterministic and reproduces the gateway wire protocol:
//
//	key = SHA256(apiKey)                      32 raw bytes, AES-256 key
//	iv  = hex(SHA256(secretKey))[:16]         16 ASCII bytes, CBC IV
//	mac = percentdecode(secretKey)            raw bytes, HMAC-SHA256 key
//
// The IV is static and derived from the secret, so every message encrypted
// under one credential shares it. Gateways depend on this; new protocols
// should use codec.SealRandomIV instead.
package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/roach88/paybench/internal/fault"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	// IVSize is the AES block size in bytes.
	IVSize = 16

	redactPrefix = 4
)

// Credential is a merchant's shared-secret pair. Treat as immutable.
type Credential struct {
	APIKey    string
	SecretKey string
}

// CipherKeys is the AES key material derived from a Credential.
type CipherKeys struct {
	Key [KeySize]byte
	IV  [IVSize]byte
}

// New returns a validated credential.
func New(apiKey, secretKey string) (Credential, error) {
	c := Credential{APIKey: apiKey, SecretKey: secretKey}
	if err := c.Validate(); err != nil {
		return Credential{}, err
	}
	return c, nil
}

// Validate rejects empty keys.
func (c Credential) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fault.New(fault.KindValidation, "credential.Validate", "api key is empty")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return fault.New(fault.KindValidation, "credential.Validate", "secret key is empty")
	}
	return nil
}

// CipherKeys derives the AES key and IV for c.
func (c Credential) CipherKeys() CipherKeys {
	return DeriveCipherKeys(c.APIKey, c.SecretKey)
}

// SignKey derives the HMAC key for c.
func (c Credential) SignKey() ([]byte, error) {
	return DeriveSignKey(c.SecretKey)
}

// String redacts both keys.
func (c Credential) String() string {
	return fmt.Sprintf("Credential{api=%s secret=%s}", Redact(c.APIKey), Redact(c.SecretKey))
}

// LogValue implements slog.LogValuer so credentials never reach logs in full.
func (c Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("api_key", Redact(c.APIKey)),
		slog.String("secret_key", Redact(c.SecretKey)),
	)
}

// DeriveCipherKeys computes key = SHA256(apiKey) and
// iv = first 16 characters of lowercase hex(SHA256(secretKey)).
func DeriveCipherKeys(apiKey, secretKey string) CipherKeys {
	var ck CipherKeys
	ck.Key = sha256.Sum256([]byte(apiKey))

	secretHash := sha256.Sum256([]byte(secretKey))
	copy(ck.IV[:], hex.EncodeToString(secretHash[:])[:IVSize])
	return ck
}

// DeriveSignKey percent-decodes the secret key and returns its bytes.
// '+' is kept as is, the same as decodeURIComponent.
func DeriveSignKey(secretKey string) ([]byte, error) {
	decoded, err := url.PathUnescape(secretKey)
	if err != nil {
		return nil, fault.Wrapf(fault.KindValidation, "credential.DeriveSignKey", err, "secret key is not URL-decodable")
	}
	return []byte(decoded), nil
}

// Redact keeps a short prefix of s and masks the rest.
func Redact(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= redactPrefix {
		return "****"
	}
	return s[:redactPrefix] + "****"
}
