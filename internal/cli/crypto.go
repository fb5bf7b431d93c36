package cli

import (
	"io"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/roach88/paybench/internal/canonical"
	"github.com/roach88/paybench/internal/codec"
	"github.com/roach88/paybench/internal/credential"
	"github.com/roach88/paybench/internal/fault"
	"github.com/roach88/paybench/internal/signature"
)

// Environment fallbacks for the key flags, so keys stay out of shell history.
const (
	APIKeyEnv    = "PAYBENCH_API_KEY"
	SecretKeyEnv = "PAYBENCH_SECRET_KEY"
)

var inputJSON = jsoniter.Config{
	EscapeHTML: false,
	UseNumber:  true,
}.Froze()

// keyFlags selects the credential for the crypto commands: either a
// currency from the merchant table or explicit keys.
type keyFlags struct {
	Currency  string
	APIKey    string
	SecretKey string
}

func (k *keyFlags) register(cmd *cobra.Command, withAPIKey bool) {
	cmd.Flags().StringVarP(&k.Currency, "currency", "c", "", "take keys from this merchant table currency")
	if withAPIKey {
		cmd.Flags().StringVar(&k.APIKey, "api-key", "", "API key (default $"+APIKeyEnv+")")
	}
	cmd.Flags().StringVar(&k.SecretKey, "secret-key", "", "secret key (default $"+SecretKeyEnv+")")
}

// credential resolves the keys. The API key is only checked when
// needAPIKey is set.
func (k *keyFlags) credential(root *RootOptions, needAPIKey bool) (credential.Credential, error) {
	if k.Currency != "" {
		table, err := root.loadTable()
		if err != nil {
			return credential.Credential{}, err
		}
		cur, err := table.Lookup(k.Currency)
		if err != nil {
			return credential.Credential{}, err
		}
		return cur.Credential(), nil
	}

	cred := credential.Credential{
		APIKey:    firstNonEmpty(k.APIKey, os.Getenv(APIKeyEnv)),
		SecretKey: firstNonEmpty(k.SecretKey, os.Getenv(SecretKeyEnv)),
	}
	if needAPIKey {
		return cred, cred.Validate()
	}
	if strings.TrimSpace(cred.SecretKey) == "" {
		return cred, fault.New(fault.KindValidation, "cli", "secret key is required: pass --secret-key, --currency or set %s", SecretKeyEnv)
	}
	return cred, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// readInput returns the named file, or stdin when args is empty or "-".
func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(args[0])
}

// readPayload reads a JSON document. Numbers stay json.Number and are
// canonicalized as doubles, the same as typed Go numbers.
func readPayload(cmd *cobra.Command, args []string) (any, error) {
	data, err := readInput(cmd, args)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, "cli", err)
	}
	var v any
	if err := inputJSON.Unmarshal(data, &v); err != nil {
		return nil, fault.Wrapf(fault.KindMalformedPayload, "cli", err, "input is not JSON")
	}
	return v, nil
}

// NewCanonicalizeCommand creates the canonicalize command.
func NewCanonicalizeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "canonicalize [file]",
		Short: "Print the canonical JSON form of a payload",
		Long: `Print the canonical JSON form of a payload: keys sorted at every depth,
no HTML escaping, ECMAScript number formatting. This is the exact text that
is encrypted and, after non-ASCII escaping, signed.

Reads stdin when no file is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			payload, err := readPayload(cmd, args)
			if err != nil {
				return f.Fail(ExitCommandError, "cannot read payload", err)
			}
			s, err := canonical.String(payload)
			if err != nil {
				return f.Fail(ExitCommandError, "cannot canonicalize payload", err)
			}
			return f.Success(map[string]string{"canonical": s}, s)
		},
	}
}

// NewSignCommand creates the sign command.
func NewSignCommand(rootOpts *RootOptions) *cobra.Command {
	var keys keyFlags

	cmd := &cobra.Command{
		Use:   "sign [file]",
		Short: "Sign a payload",
		Long: `Sign a payload with HMAC-SHA256 under the merchant secret key.

Example:
  echo '{"amount":100,"currency":"INR"}' | paybench sign --secret-key s1
  paybench sign -m merchants.cue -c INR payload.json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			cred, err := keys.credential(rootOpts, false)
			if err != nil {
				return f.Fail(ExitCommandError, "no signing key", err)
			}
			payload, err := readPayload(cmd, args)
			if err != nil {
				return f.Fail(ExitCommandError, "cannot read payload", err)
			}
			msg, err := signature.Message(payload)
			if err != nil {
				return f.Fail(ExitCommandError, "cannot sign payload", err)
			}
			f.VerboseLog("signing %s", msg)
			sig, err := signature.Sign(payload, cred.SecretKey)
			if err != nil {
				return f.Fail(ExitCommandError, "cannot sign payload", err)
			}
			return f.Success(map[string]string{"signature": sig, "message": string(msg)}, sig)
		},
	}
	keys.register(cmd, false)
	return cmd
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		keys keyFlags
		sig  string
	)

	cmd := &cobra.Command{
		Use:   "verify --signature <sig> [file]",
		Short: "Verify a payload signature",
		Long: `Verify a payload signature. Exits 1 when the signature does not match.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			cred, err := keys.credential(rootOpts, false)
			if err != nil {
				return f.Fail(ExitCommandError, "no signing key", err)
			}
			payload, err := readPayload(cmd, args)
			if err != nil {
				return f.Fail(ExitCommandError, "cannot read payload", err)
			}
			if err := signature.Check(payload, strings.TrimSpace(sig), cred.SecretKey); err != nil {
				if fault.Is(err, fault.KindSignatureMismatch) {
					return f.Fail(ExitFailure, "verification failed", err)
				}
				return f.Fail(ExitCommandError, "cannot verify signature", err)
			}
			return f.Success(map[string]bool{"valid": true}, "signature OK")
		},
	}
	keys.register(cmd, false)
	cmd.Flags().StringVarP(&sig, "signature", "s", "", "signature to check (required)")
	_ = cmd.MarkFlagRequired("signature")
	return cmd
}

// NewEncryptCommand creates the encrypt command.
func NewEncryptCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		keys     keyFlags
		randomIV bool
	)

	cmd := &cobra.Command{
		Use:   "encrypt [file]",
		Short: "Encrypt a payload",
		Long: `Canonicalize and encrypt a payload with AES-256-CBC under keys derived
from the merchant credential. The output is URI-encoded base64, ready for
the "data" field of an encrypted request.

With --random-iv a fresh IV is generated and prepended to the ciphertext
instead of the IV derived from the secret key.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			cred, err := keys.credential(rootOpts, true)
			if err != nil {
				return f.Fail(ExitCommandError, "no encryption key", err)
			}
			payload, err := readPayload(cmd, args)
			if err != nil {
				return f.Fail(ExitCommandError, "cannot read payload", err)
			}
			plain, err := canonical.String(payload)
			if err != nil {
				return f.Fail(ExitCommandError, "cannot canonicalize payload", err)
			}

			var out string
			if randomIV {
				out, err = codec.SealRandomIV(plain, cred)
			} else {
				out, err = codec.Encrypt(plain, cred)
			}
			if err != nil {
				return f.Fail(ExitCommandError, "encryption failed", err)
			}
			return f.Success(map[string]string{"data": out}, out)
		},
	}
	keys.register(cmd, true)
	cmd.Flags().BoolVar(&randomIV, "random-iv", false, "prepend a random IV instead of the derived one")
	return cmd
}

// NewDecryptCommand creates the decrypt command.
func NewDecryptCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		keys     keyFlags
		randomIV bool
	)

	cmd := &cobra.Command{
		Use:   "decrypt [ciphertext]",
		Short: "Decrypt a ciphertext",
		Long: `Decrypt a ciphertext produced by encrypt or by the gateway. Reads stdin
when no ciphertext is given. JSON plaintexts are printed in canonical form.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			cred, err := keys.credential(rootOpts, true)
			if err != nil {
				return f.Fail(ExitCommandError, "no decryption key", err)
			}

			var text string
			if len(args) == 1 && args[0] != "-" {
				text = args[0]
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return f.Fail(ExitCommandError, "cannot read ciphertext", err)
				}
				text = string(data)
			}
			text = strings.TrimSpace(text)

			var plain string
			if randomIV {
				plain, err = codec.OpenRandomIV(text, cred)
			} else {
				plain, err = codec.Decrypt(text, cred)
			}
			if err != nil {
				return f.Fail(ExitFailure, "decryption failed", err)
			}

			if obj, err := codec.ParseObject(plain); err == nil {
				if s, err := canonical.String(obj); err == nil {
					return f.Success(map[string]any{"plaintext": s, "payload": obj}, s)
				}
			}
			return f.Success(map[string]any{"plaintext": plain}, plain)
		},
	}
	keys.register(cmd, true)
	cmd.Flags().BoolVar(&randomIV, "random-iv", false, "ciphertext carries its IV in front")
	return cmd
}
