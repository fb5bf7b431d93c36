package codec

import (
	"crypto/aes"
	"crypto/rand"
	"encoding/base64"
	"io"
	"unicode/utf8"

	"github.com/roach88/paybench/internal/credential"
	"github.com/roach88/paybench/internal/fault"
)

// SealRandomIV encrypts plain with a fresh random IV that is prepended to
// the ciphertext: percentencode(base64(iv || ciphertext)). The key is the
// same SHA256(apiKey) as Encrypt. Not understood by legacy gateways.
func SealRandomIV(plain string, cred credential.Credential) (string, error) {
	return sealRandomIV(rand.Reader, plain, cred)
}

func sealRandomIV(r io.Reader, plain string, cred credential.Credential) (string, error) {
	const op = "codec.SealRandomIV"

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(r, iv); err != nil {
		return "", fault.Wrapf(fault.KindSerialization, op, err, "reading random IV")
	}
	ck := cred.CipherKeys()
	raw, err := sealCBC(ck.Key[:], iv, []byte(plain))
	if err != nil {
		return "", fault.Wrap(fault.KindSerialization, op, err)
	}
	return EncodeURIComponent(base64.StdEncoding.EncodeToString(append(iv, raw...))), nil
}

// OpenRandomIV reverses SealRandomIV.
func OpenRandomIV(cipherText string, cred credential.Credential) (string, error) {
	const op = "codec.OpenRandomIV"

	raw, err := decodeEnvelope(op, cipherText)
	if err != nil {
		return "", err
	}
	if len(raw) < 2*aes.BlockSize {
		return "", fault.New(fault.KindDecryption, op, "ciphertext too short for IV and one block")
	}

	ck := cred.CipherKeys()
	plain, err := openCBC(op, ck.Key[:], raw[:aes.BlockSize], raw[aes.BlockSize:])
	if err != nil {
		return "", err
	}
	if !utf8.Valid(plain) {
		return "", fault.New(fault.KindDecryption, op, "plaintext is not valid UTF-8")
	}
	return string(plain), nil
}
