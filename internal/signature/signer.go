package signature

import (
	"github.com/roach88/paybench/internal/credential"
	"github.com/roach88/paybench/internal/fault"
)

// Signer signs under one credential's secret key. The key is decoded once.
// Safe for concurrent use.
type Signer struct {
	key []byte
}

// NewSigner derives the MAC key from cred.
func NewSigner(cred credential.Credential) (*Signer, error) {
	key, err := cred.SignKey()
	if err != nil {
		return nil, err
	}
	return &Signer{key: key}, nil
}

// Sign computes the signature of payload.
func (s *Signer) Sign(payload any) (string, error) {
	return sign(payload, s.key)
}

// Verify reports whether sig matches payload.
func (s *Signer) Verify(payload any, sig string) (bool, error) {
	return verify(payload, sig, s.key)
}

// Check returns a fault.KindSignatureMismatch error when sig does not match.
func (s *Signer) Check(payload any, sig string) error {
	ok, err := s.Verify(payload, sig)
	if err != nil {
		return err
	}
	if !ok {
		return fault.New(fault.KindSignatureMismatch, "signature.Check", "signature does not match payload")
	}
	return nil
}
