package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	vectorPayload   = `{"currency":"INR","amount":100}`
	vectorCanonical = `{"amount":100,"currency":"INR"}`
	vectorCipher    = "dzDxz9bVPc0zEpHLkS6yXDFcZiIT7OvDl9FQ9mVb0dM%3D"
	vectorSignature = "MDEyNzQzM2I2ODMwODNhMDEwODBjYzRhNGRkYjAzMDRjZjBlYjA3ZTA5OTQwZWY1ZDFiNTA4ODM5OWMxMGVlNw=="
)

// writeTable writes a merchant table whose INR entry uses the k1/s1 vectors.
func writeTable(t *testing.T, baseURL string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "merchants.cue")
	src := `currencies: {
	INR: {
		merchantCode:  "M-INR-01"
		apiKey:        "k1"
		secretKey:     "s1"
		baseURL:       "` + baseURL + `"
		paymentMethod: "UPI"
		auth:          "both"
	}
}
`
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestCanonicalize(t *testing.T) {
	stdout, _, err := execute(t, vectorPayload, "canonicalize")
	require.NoError(t, err)
	assert.Equal(t, vectorCanonical+"\n", stdout)
}

func TestCanonicalizeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"b":[2,1],"a":{"z":1.50,"y":"<\u00fc>"}}`), 0o644))

	stdout, _, err := execute(t, "", "canonicalize", path)
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":{\"y\":\"<\u00fc>\",\"z\":1.5},\"b\":[2,1]}\n", stdout)
}

func TestCanonicalizeJSONOutput(t *testing.T) {
	stdout, _, err := execute(t, vectorPayload, "--format", "json", "canonicalize")
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, map[string]any{"canonical": vectorCanonical}, resp.Data)
}

func TestCanonicalizeRejectsBadInput(t *testing.T) {
	_, stderr, err := execute(t, `{"amount":`, "canonicalize")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, stderr, "MALFORMED_PAYLOAD")
	assert.True(t, Reported(err))
}

func TestSign(t *testing.T) {
	stdout, _, err := execute(t, vectorPayload, "sign", "--secret-key", "s1")
	require.NoError(t, err)
	assert.Equal(t, vectorSignature+"\n", stdout)
}

func TestSignFromEnvironment(t *testing.T) {
	cmd := NewRootCommand()
	t.Setenv(SecretKeyEnv, "s1")
	out := &strings.Builder{}
	cmd.SetOut(out)
	cmd.SetIn(strings.NewReader(vectorPayload))
	cmd.SetArgs([]string{"sign"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, vectorSignature+"\n", out.String())
}

func TestSignFromMerchantTable(t *testing.T) {
	table := writeTable(t, "https://sandbox.example.com")
	stdout, _, err := execute(t, vectorPayload, "-m", table, "sign", "-c", "inr")
	require.NoError(t, err)
	assert.Equal(t, vectorSignature+"\n", stdout)
}

func TestSignVerboseShowsMessage(t *testing.T) {
	_, stderr, err := execute(t, `{"name":"Jos\u00e9"}`, "-v", "sign", "--secret-key", "s1")
	require.NoError(t, err)
	assert.Contains(t, stderr, `signing {"name":"Jos\u00e9"}`, "non-ASCII is escaped before signing")
}

func TestSignRequiresKey(t *testing.T) {
	_, stderr, err := execute(t, vectorPayload, "sign")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, stderr, "secret key is required")
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name     string
		sig      string
		wantCode int
		wantOut  string
	}{
		{"matching", vectorSignature, ExitSuccess, "signature OK"},
		{"tampered", strings.Replace(vectorSignature, "MDEy", "MDEz", 1), ExitFailure, "SIGNATURE_MISMATCH"},
		{"surrounding whitespace", "  " + vectorSignature + "\n", ExitSuccess, "signature OK"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout, stderr, err := execute(t, vectorPayload, "verify", "--secret-key", "s1", "--signature", tt.sig)
			assert.Equal(t, tt.wantCode, GetExitCode(err))
			assert.Contains(t, stdout+stderr, tt.wantOut)
		})
	}
}

func TestVerifyRequiresSignature(t *testing.T) {
	_, _, err := execute(t, vectorPayload, "verify", "--secret-key", "s1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"signature" not set`)
}

func TestEncryptDecrypt(t *testing.T) {
	stdout, _, err := execute(t, vectorPayload, "encrypt", "--api-key", "k1", "--secret-key", "s1")
	require.NoError(t, err)
	assert.Equal(t, vectorCipher+"\n", stdout)

	stdout, _, err = execute(t, "", "decrypt", "--api-key", "k1", "--secret-key", "s1", vectorCipher)
	require.NoError(t, err)
	assert.Equal(t, vectorCanonical+"\n", stdout)

	stdout, _, err = execute(t, vectorCipher+"\n", "decrypt", "--api-key", "k1", "--secret-key", "s1")
	require.NoError(t, err)
	assert.Equal(t, vectorCanonical+"\n", stdout)
}

func TestEncryptRandomIV(t *testing.T) {
	first, _, err := execute(t, vectorPayload, "encrypt", "--api-key", "k1", "--secret-key", "s1", "--random-iv")
	require.NoError(t, err)
	second, _, err := execute(t, vectorPayload, "encrypt", "--api-key", "k1", "--secret-key", "s1", "--random-iv")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	stdout, _, err := execute(t, first, "decrypt", "--api-key", "k1", "--secret-key", "s1", "--random-iv")
	require.NoError(t, err)
	assert.Equal(t, vectorCanonical+"\n", stdout)
}

func TestDecryptWrongKey(t *testing.T) {
	_, stderr, err := execute(t, "", "decrypt", "--api-key", "k2", "--secret-key", "s2", vectorCipher)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, stderr, "DECRYPTION")
}

func TestDecryptJSONOutput(t *testing.T) {
	stdout, _, err := execute(t, "", "--format", "json", "decrypt", "--api-key", "k1", "--secret-key", "s1", vectorCipher)
	require.NoError(t, err)

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			Plaintext string         `json:"plaintext"`
			Payload   map[string]any `json:"payload"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, vectorCanonical, resp.Data.Plaintext)
	assert.Equal(t, "INR", resp.Data.Payload["currency"])
}

func TestEncryptRequiresAPIKey(t *testing.T) {
	_, stderr, err := execute(t, vectorPayload, "encrypt", "--secret-key", "s1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, stderr, "api key is empty")
}
