package merchant

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"github.com/roach88/paybench/internal/fault"
)

//go:embed schema.cue
var schemaSource string

// Table is the loaded set of currencies, keyed by ISO code.
// Read-only after construction.
type Table struct {
	byCode map[string]*Currency
}

// NewTable validates currencies and indexes them by code.
func NewTable(currencies ...*Currency) (*Table, error) {
	t := &Table{byCode: make(map[string]*Currency, len(currencies))}
	for _, c := range currencies {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, dup := t.byCode[c.Code]; dup {
			return nil, fault.New(fault.KindValidation, "merchant.NewTable", "currency %s defined twice", c.Code)
		}
		t.byCode[c.Code] = c
	}
	return t, nil
}

// Lookup returns the currency for code, case-insensitively.
func (t *Table) Lookup(code string) (*Currency, error) {
	c, ok := t.byCode[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return nil, fault.New(fault.KindValidation, "merchant.Lookup", "unknown currency %q (have %s)", code, strings.Join(t.Codes(), ", "))
	}
	return c, nil
}

// ByMerchantCode finds the currency whose merchant code is code.
func (t *Table) ByMerchantCode(code string) (*Currency, bool) {
	for _, c := range t.byCode {
		if c.MerchantCode == code {
			return c, true
		}
	}
	return nil, false
}

// Codes returns the currency codes in sorted order.
func (t *Table) Codes() []string {
	codes := make([]string, 0, len(t.byCode))
	for code := range t.byCode {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	return codes
}

// Len returns the number of currencies.
func (t *Table) Len() int { return len(t.byCode) }

// LoadOptions configures table loading.
type LoadOptions struct {
	// LookupEnv resolves apiKeyEnv/secretKeyEnv. Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// CompileError is a table definition error with its CUE source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// LoadTable loads the merchant table from a .cue file or a directory
// holding one CUE package.
func LoadTable(path string, opts LoadOptions) (*Table, error) {
	const op = "merchant.LoadTable"

	info, err := os.Stat(path)
	if err != nil {
		return nil, fault.Wrapf(fault.KindValidation, op, err, "merchant table %s", path)
	}

	ctx := cuecontext.New()
	var value cue.Value
	if info.IsDir() {
		instances := load.Instances([]string{"."}, &load.Config{Dir: path})
		if len(instances) == 0 {
			return nil, fault.New(fault.KindValidation, op, "no CUE instances in %s", path)
		}
		if err := instances[0].Err; err != nil {
			return nil, fault.Wrapf(fault.KindValidation, op, err, "loading %s", path)
		}
		value = ctx.BuildInstance(instances[0])
	} else {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fault.Wrapf(fault.KindValidation, op, err, "merchant table %s", path)
		}
		value = ctx.CompileBytes(src, cue.Filename(path))
	}

	return compileTable(ctx, value, opts)
}

// ParseTable compiles a table from CUE source held in memory.
func ParseTable(src []byte, filename string, opts LoadOptions) (*Table, error) {
	ctx := cuecontext.New()
	return compileTable(ctx, ctx.CompileBytes(src, cue.Filename(filename)), opts)
}

func compileTable(ctx *cue.Context, value cue.Value, opts LoadOptions) (*Table, error) {
	const op = "merchant.LoadTable"

	if opts.LookupEnv == nil {
		opts.LookupEnv = os.LookupEnv
	}
	if err := value.Err(); err != nil {
		return nil, fault.Wrap(fault.KindValidation, op, formatCUEError(err))
	}

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fault.Wrap(fault.KindValidation, op, formatCUEError(err))
	}
	value = schema.Unify(value)
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, fault.Wrap(fault.KindValidation, op, formatCUEError(err))
	}

	iter, err := value.LookupPath(cue.ParsePath("currencies")).Fields()
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, op, formatCUEError(err))
	}

	var currencies []*Currency
	for iter.Next() {
		c, err := CompileCurrency(iter.Selector().Unquoted(), iter.Value(), opts.LookupEnv)
		if err != nil {
			return nil, fault.Wrap(fault.KindValidation, op, err)
		}
		currencies = append(currencies, c)
	}
	if len(currencies) == 0 {
		return nil, fault.New(fault.KindValidation, op, "no currencies defined")
	}
	return NewTable(currencies...)
}

// currencyFields mirrors #Currency in schema.cue.
type currencyFields struct {
	Provider       string           `json:"provider"`
	MerchantCode   string           `json:"merchantCode"`
	APIKey         string           `json:"apiKey"`
	APIKeyEnv      string           `json:"apiKeyEnv"`
	SecretKey      string           `json:"secretKey"`
	SecretKeyEnv   string           `json:"secretKeyEnv"`
	BaseURL        string           `json:"baseURL"`
	DepositPath    string           `json:"depositPath"`
	PayoutPath     string           `json:"payoutPath"`
	PaymentMethod  string           `json:"paymentMethod"`
	RequiredFields []string         `json:"requiredFields"`
	Auth           string           `json:"auth"`
	MinAmount      *decimal.Decimal `json:"minAmount"`
	MaxAmount      *decimal.Decimal `json:"maxAmount"`
}

// CompileCurrency decodes one schema-checked currency value.
// Secrets named by apiKeyEnv/secretKeyEnv are resolved through lookupEnv.
func CompileCurrency(code string, v cue.Value, lookupEnv func(string) (string, bool)) (*Currency, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	raw, err := v.MarshalJSON()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var f currencyFields
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(raw, &f); err != nil {
		return nil, &CompileError{Field: code, Message: err.Error(), Pos: v.Pos()}
	}

	apiKey, err := resolveSecret(code, "apiKey", f.APIKey, f.APIKeyEnv, v, lookupEnv)
	if err != nil {
		return nil, err
	}
	secretKey, err := resolveSecret(code, "secretKey", f.SecretKey, f.SecretKeyEnv, v, lookupEnv)
	if err != nil {
		return nil, err
	}

	c := &Currency{
		Code:           code,
		Provider:       f.Provider,
		MerchantCode:   f.MerchantCode,
		APIKey:         apiKey,
		SecretKey:      secretKey,
		BaseURL:        f.BaseURL,
		DepositPath:    f.DepositPath,
		PayoutPath:     f.PayoutPath,
		PaymentMethod:  f.PaymentMethod,
		RequiredFields: f.RequiredFields,
		Auth:           AuthMode(f.Auth),
	}
	if f.MinAmount != nil {
		c.MinAmount = *f.MinAmount
	}
	if f.MaxAmount != nil {
		c.MaxAmount = *f.MaxAmount
	}

	if err := c.Validate(); err != nil {
		return nil, &CompileError{Field: code, Message: err.Error(), Pos: v.Pos()}
	}
	return c, nil
}

// resolveSecret picks the literal value or the named environment variable.
// Exactly one of the two must be given.
func resolveSecret(code, field, literal, envName string, v cue.Value, lookupEnv func(string) (string, bool)) (string, error) {
	switch {
	case literal != "" && envName != "":
		return "", &CompileError{
			Field:   code + "." + field,
			Message: fmt.Sprintf("set either %s or %sEnv, not both", field, field),
			Pos:     v.LookupPath(cue.ParsePath(field)).Pos(),
		}
	case envName != "":
		val, ok := lookupEnv(envName)
		if !ok || val == "" {
			return "", &CompileError{
				Field:   code + "." + field + "Env",
				Message: fmt.Sprintf("environment variable %s is not set", envName),
				Pos:     v.LookupPath(cue.ParsePath(field + "Env")).Pos(),
			}
		}
		return val, nil
	case literal != "":
		return literal, nil
	}
	return "", &CompileError{
		Field:   code + "." + field,
		Message: fmt.Sprintf("%s or %sEnv is required", field, field),
		Pos:     v.Pos(),
	}
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
