package merchant

import (
	"maps"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/paybench/internal/canonical"
	"github.com/roach88/paybench/internal/fault"
)

// Params are the inputs of one request.
type Params struct {
	Kind    Kind
	Amount  decimal.Decimal
	OrderID string

	// Extra carries currency-specific fields (customer data, bank codes).
	// Strings are NFC-normalized before they reach the payload.
	Extra map[string]any

	// Timestamp becomes the "timestamp" field in Unix milliseconds.
	// Zero omits the field.
	Timestamp time.Time
}

// Enricher adds or adjusts currency-specific fields on a base payload.
// It must not mutate p.Extra.
type Enricher func(cur *Currency, p Params, payload canonical.Payload) (canonical.Payload, error)

// Registry maps currency codes to their Enricher.
type Registry map[string]Enricher

// DefaultEnrichers is the registry used by BuildRequest.
var DefaultEnrichers = Registry{
	"INR": enrichINR,
	"BRL": enrichBRL,
	"VND": enrichVND,
}

// baseFields are owned by the builder; Extra may not override them.
var baseFields = []string{"merchantCode", "orderId", "amount", "currency", "paymentMethod", "type", "timestamp"}

// Builder composes request payloads.
type Builder struct {
	Enrichers Registry
}

// BuildRequest builds a payload with DefaultEnrichers.
func BuildRequest(cur *Currency, p Params) (canonical.Payload, error) {
	return (&Builder{Enrichers: DefaultEnrichers}).Build(cur, p)
}

// Build validates p against cur and composes the payload. It does no I/O.
func (b *Builder) Build(cur *Currency, p Params) (canonical.Payload, error) {
	const op = "merchant.BuildRequest"

	if p.Kind != KindDeposit && p.Kind != KindPayout {
		return nil, fault.New(fault.KindValidation, op, "unknown transaction kind %q", p.Kind)
	}
	if strings.TrimSpace(p.OrderID) == "" {
		return nil, fault.New(fault.KindValidation, op, "order id is empty")
	}
	if err := checkAmount(cur, p.Amount); err != nil {
		return nil, err
	}
	for _, field := range cur.RequiredFields {
		if missing(p.Extra[field]) {
			return nil, fault.New(fault.KindValidation, op, "%s %s: required field %q is missing", cur.Code, p.Kind, field)
		}
	}

	payload := canonical.Payload{
		"merchantCode":  cur.MerchantCode,
		"orderId":       p.OrderID,
		"amount":        p.Amount.Round(cur.Scale()),
		"currency":      cur.Code,
		"paymentMethod": cur.PaymentMethod,
		"type":          string(p.Kind),
	}
	if !p.Timestamp.IsZero() {
		payload["timestamp"] = p.Timestamp.UnixMilli()
	}

	for _, key := range canonical.SortedKeys(p.Extra) {
		for _, reserved := range baseFields {
			if key == reserved {
				return nil, fault.New(fault.KindValidation, op, "extra field %q would override a base field", key)
			}
		}
		payload[key] = normalize(p.Extra[key])
	}

	enrich, ok := b.Enrichers[cur.Code]
	if !ok {
		return payload, nil
	}
	out, err := enrich(cur, p, payload)
	if err != nil {
		return nil, fault.Wrapf(fault.KindValidation, op, err, "%s enricher", cur.Code)
	}
	return out, nil
}

func checkAmount(cur *Currency, amount decimal.Decimal) error {
	const op = "merchant.BuildRequest"

	if !amount.IsPositive() {
		return fault.New(fault.KindValidation, op, "amount %s must be positive", amount)
	}
	if !cur.MinAmount.IsZero() && amount.LessThan(cur.MinAmount) {
		return fault.New(fault.KindValidation, op, "%s amount %s is below minimum %s", cur.Code, amount, cur.MinAmount)
	}
	if !cur.MaxAmount.IsZero() && amount.GreaterThan(cur.MaxAmount) {
		return fault.New(fault.KindValidation, op, "%s amount %s is above maximum %s", cur.Code, amount, cur.MaxAmount)
	}
	return nil
}

func missing(v any) bool {
	switch v := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	}
	return false
}

// normalize applies NFC to strings at any depth so visually identical
// input always signs the same way.
func normalize(v any) any {
	switch v := v.(type) {
	case string:
		return norm.NFC.String(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[norm.NFC.String(k)] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = normalize(e)
		}
		return out
	}
	return v
}

// enrichINR tags UPI collect requests with the payer VPA when given.
func enrichINR(cur *Currency, p Params, payload canonical.Payload) (canonical.Payload, error) {
	out := maps.Clone(payload)
	out["countryCode"] = "IN"
	if vpa, ok := out["vpa"].(string); ok && cur.PaymentMethod == "UPI" {
		out["vpa"] = strings.ToLower(strings.TrimSpace(vpa))
		out["upiFlow"] = "collect"
	}
	return out, nil
}

// enrichBRL defaults the PIX key type for payouts.
func enrichBRL(_ *Currency, p Params, payload canonical.Payload) (canonical.Payload, error) {
	out := maps.Clone(payload)
	out["countryCode"] = "BR"
	if p.Kind != KindPayout {
		return out, nil
	}
	if _, ok := out["pixKey"]; !ok {
		return nil, fault.New(fault.KindValidation, "merchant.enrichBRL", "payout needs pixKey")
	}
	if _, ok := out["pixKeyType"]; !ok {
		out["pixKeyType"] = "CPF"
	}
	return out, nil
}

// enrichVND uppercases bank codes, which gateways match exactly.
func enrichVND(_ *Currency, _ Params, payload canonical.Payload) (canonical.Payload, error) {
	out := maps.Clone(payload)
	out["countryCode"] = "VN"
	if bank, ok := out["bankCode"].(string); ok {
		out["bankCode"] = strings.ToUpper(bank)
	}
	return out, nil
}
