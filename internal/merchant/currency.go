// Package merchant holds the per-currency merchant table and turns
// request parameters into authenticated gateway requests.
//
// One CUE file describes every currency the harness can exercise. A single
// generic builder composes the base payload, applies the currency's
// Enricher, and Envelope seals it according to the currency's AuthMode.
package merchant

import (
	"log/slog"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/roach88/paybench/internal/credential"
	"github.com/roach88/paybench/internal/fault"
)

// AuthMode selects how a request body is protected.
type AuthMode string

const (
	// AuthEncrypt sends {"merchantCode","data"} with data encrypted.
	AuthEncrypt AuthMode = "encrypt"

	// AuthSign sends the canonical payload with an X-Signature header.
	AuthSign AuthMode = "sign"

	// AuthBoth encrypts the body and also signs the canonical payload.
	AuthBoth AuthMode = "both"
)

// Valid reports whether m is a known mode.
func (m AuthMode) Valid() bool {
	switch m {
	case AuthEncrypt, AuthSign, AuthBoth:
		return true
	}
	return false
}

// Encrypts reports whether the body is encrypted under m.
func (m AuthMode) Encrypts() bool { return m == AuthEncrypt || m == AuthBoth }

// Signs reports whether an X-Signature header is sent under m.
func (m AuthMode) Signs() bool { return m == AuthSign || m == AuthBoth }

// Kind is the transaction direction.
type Kind string

const (
	KindDeposit Kind = "deposit"
	KindPayout  Kind = "payout"
)

// ParseKind accepts "deposit" or "payout" in any case.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindDeposit, KindPayout:
		return k, nil
	}
	return "", fault.New(fault.KindValidation, "merchant.ParseKind", "unknown transaction kind %q (want deposit or payout)", s)
}

// Currency is one row of the merchant table.
type Currency struct {
	Code           string
	Provider       string
	MerchantCode   string
	APIKey         string
	SecretKey      string
	BaseURL        string
	DepositPath    string
	PayoutPath     string
	PaymentMethod  string
	RequiredFields []string
	Auth           AuthMode

	// MinAmount and MaxAmount bound request amounts. Zero means unbounded.
	MinAmount decimal.Decimal
	MaxAmount decimal.Decimal

	unit currency.Unit
}

// Credential returns the currency's shared-secret pair.
func (c *Currency) Credential() credential.Credential {
	return credential.Credential{APIKey: c.APIKey, SecretKey: c.SecretKey}
}

// Path returns the endpoint path for kind.
func (c *Currency) Path(kind Kind) string {
	if kind == KindPayout {
		return c.PayoutPath
	}
	return c.DepositPath
}

// Endpoint returns the absolute URL for kind.
func (c *Currency) Endpoint(kind Kind) string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(c.Path(kind), "/")
}

// Scale is the number of minor-unit digits amounts are rounded to.
func (c *Currency) Scale() int32 {
	scale, _ := currency.Standard.Rounding(c.unit)
	return int32(scale)
}

// LogValue keeps secrets out of logs.
func (c *Currency) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("code", c.Code),
		slog.String("provider", c.Provider),
		slog.String("merchant_code", c.MerchantCode),
		slog.String("auth", string(c.Auth)),
		slog.Any("credential", c.Credential()),
	)
}

// Validate checks a currency row and fills defaults. It is called by the
// loaders; hand-built rows in tests go through NewTable which calls it too.
func (c *Currency) Validate() error {
	const op = "merchant.Validate"

	code := strings.ToUpper(strings.TrimSpace(c.Code))
	unit, err := currency.ParseISO(code)
	if err != nil {
		return fault.Wrapf(fault.KindValidation, op, err, "currency %q is not an ISO 4217 code", c.Code)
	}
	c.Code = code
	c.unit = unit

	if strings.TrimSpace(c.MerchantCode) == "" {
		return fault.New(fault.KindValidation, op, "%s: merchant code is empty", c.Code)
	}
	if err := c.Credential().Validate(); err != nil {
		return fault.Wrapf(fault.KindValidation, op, err, "%s", c.Code)
	}
	if _, err := c.Credential().SignKey(); err != nil {
		return fault.Wrapf(fault.KindValidation, op, err, "%s", c.Code)
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fault.New(fault.KindValidation, op, "%s: base URL %q must be absolute http(s)", c.Code, c.BaseURL)
	}

	if c.DepositPath == "" {
		c.DepositPath = "/deposit"
	}
	if c.PayoutPath == "" {
		c.PayoutPath = "/payout"
	}
	if c.Auth == "" {
		c.Auth = AuthSign
	}
	if !c.Auth.Valid() {
		return fault.New(fault.KindValidation, op, "%s: unknown auth mode %q", c.Code, c.Auth)
	}

	if c.MinAmount.IsNegative() || c.MaxAmount.IsNegative() {
		return fault.New(fault.KindValidation, op, "%s: amount bounds must not be negative", c.Code)
	}
	if !c.MaxAmount.IsZero() && c.MinAmount.GreaterThan(c.MaxAmount) {
		return fault.New(fault.KindValidation, op, "%s: min amount %s exceeds max amount %s", c.Code, c.MinAmount, c.MaxAmount)
	}
	return nil
}
