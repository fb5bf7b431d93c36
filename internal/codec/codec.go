// Package codec encrypts request payloads for gateways that expect an
// AES-256-CBC envelope.
//
// Wire format: percentencode(base64(AES-256-CBC(key, iv, PKCS7(plain)))),
// with key material from credential.DeriveCipherKeys. The codec does not care
// what the plaintext is; EncryptObject and DecryptObject add the canonical
// JSON layer on top.
package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"unicode/utf8"

	"github.com/roach88/paybench/internal/credential"
	"github.com/roach88/paybench/internal/fault"
)

// Encrypt encrypts plain under cred and returns the URL-safe ciphertext.
func Encrypt(plain string, cred credential.Credential) (string, error) {
	ck := cred.CipherKeys()
	raw, err := sealCBC(ck.Key[:], ck.IV[:], []byte(plain))
	if err != nil {
		return "", fault.Wrap(fault.KindSerialization, "codec.Encrypt", err)
	}
	return EncodeURIComponent(base64.StdEncoding.EncodeToString(raw)), nil
}

// Decrypt reverses Encrypt. Every failure is a fault.KindDecryption error:
// bad percent-encoding, bad base64, a ciphertext that is not whole blocks,
// invalid padding, or plaintext that is not UTF-8.
func Decrypt(cipherText string, cred credential.Credential) (string, error) {
	const op = "codec.Decrypt"

	raw, err := decodeEnvelope(op, cipherText)
	if err != nil {
		return "", err
	}

	ck := cred.CipherKeys()
	plain, err := openCBC(op, ck.Key[:], ck.IV[:], raw)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(plain) {
		return "", fault.New(fault.KindDecryption, op, "plaintext is not valid UTF-8")
	}
	return string(plain), nil
}

func decodeEnvelope(op, cipherText string) ([]byte, error) {
	b64, err := DecodeURIComponent(cipherText)
	if err != nil {
		return nil, fault.Wrapf(fault.KindDecryption, op, err, "percent-decoding")
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fault.Wrapf(fault.KindDecryption, op, err, "base64-decoding")
	}
	return raw, nil
}

func sealCBC(key, iv, plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plain, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

func openCBC(op string, key, iv, raw []byte) ([]byte, error) {
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, fault.New(fault.KindDecryption, op, "ciphertext length %d is not a positive multiple of %d", len(raw), aes.BlockSize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fault.Wrap(fault.KindDecryption, op, err)
	}
	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, raw)

	plain, ok := pkcs7Unpad(out, aes.BlockSize)
	if !ok {
		return nil, fault.New(fault.KindDecryption, op, "invalid padding")
	}
	return plain, nil
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(bytes.Clone(b), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, bool) {
	if len(b) == 0 {
		return nil, false
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, false
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, false
		}
	}
	return b[:len(b)-n], true
}
