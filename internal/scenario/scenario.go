// Package scenario loads YAML batch plans: which currency to hit, how many
// requests to fire, and how fast.
package scenario

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/roach88/paybench/internal/batch"
	"github.com/roach88/paybench/internal/fault"
	"github.com/roach88/paybench/internal/merchant"
)

// MaxCount caps a single plan. Larger loads belong in several runs.
const MaxCount = 100_000

// Scenario is one batch plan.
type Scenario struct {
	// Name identifies the plan in reports and run history.
	Name string `yaml:"name"`

	Description string `yaml:"description,omitempty"`

	// Currency is the ISO code looked up in the merchant table.
	Currency string `yaml:"currency"`

	// Kind is "deposit" or "payout".
	Kind merchant.Kind `yaml:"kind"`

	// Count is the number of requests.
	Count int `yaml:"count"`

	Concurrency    int           `yaml:"concurrency,omitempty"`
	ChunkDelay     time.Duration `yaml:"chunk_delay,omitempty"`
	Attempts       int           `yaml:"attempts,omitempty"`
	BaseDelay      time.Duration `yaml:"base_delay,omitempty"`
	MaxDelay       time.Duration `yaml:"max_delay,omitempty"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout,omitempty"`

	// Amount is the range request amounts are drawn from.
	Amount AmountRange `yaml:"amount"`

	// Extra is merged into every payload.
	Extra map[string]any `yaml:"extra,omitempty"`

	// OrderPrefix prefixes generated order IDs. Defaults to the name.
	OrderPrefix string `yaml:"order_prefix,omitempty"`

	// Seed makes the amount sequence reproducible. Zero picks one from the
	// plan name.
	Seed uint64 `yaml:"seed,omitempty"`

	// DecryptResponse decrypts a {"data": ...} response with the merchant
	// credential before reporting it.
	DecryptResponse bool `yaml:"decrypt_response,omitempty"`
}

// AmountRange is an inclusive amount range. Max defaults to Min.
type AmountRange struct {
	Min decimal.Decimal `yaml:"min"`
	Max decimal.Decimal `yaml:"max,omitempty"`
}

// Load reads and validates a scenario file. Unknown fields are rejected.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Wrapf(fault.KindValidation, "scenario.Load", err, "read %s", path)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if s.Name == "" {
		s.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		s.defaults()
	}
	return s, nil
}

// Parse decodes and validates a scenario document.
func Parse(data []byte) (*Scenario, error) {
	const op = "scenario.Parse"

	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fault.Wrapf(fault.KindValidation, op, err, "invalid YAML")
	}

	s.defaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Scenario) defaults() {
	s.Currency = strings.ToUpper(strings.TrimSpace(s.Currency))
	if s.Kind == "" {
		s.Kind = merchant.KindDeposit
	}
	if s.Amount.Max.IsZero() {
		s.Amount.Max = s.Amount.Min
	}
	if s.OrderPrefix == "" {
		s.OrderPrefix = s.Name
	}
}

// Validate checks the plan. Errors are fault.KindValidation.
func (s *Scenario) Validate() error {
	const op = "scenario.Validate"

	if s.Currency == "" {
		return fault.New(fault.KindValidation, op, "currency is required")
	}
	kind, err := merchant.ParseKind(string(s.Kind))
	if err != nil {
		return fault.Wrapf(fault.KindValidation, op, err, "kind")
	}
	s.Kind = kind

	if s.Count <= 0 || s.Count > MaxCount {
		return fault.New(fault.KindValidation, op, "count %d must be between 1 and %d", s.Count, MaxCount)
	}
	if s.Concurrency < 0 || s.Attempts < 0 {
		return fault.New(fault.KindValidation, op, "concurrency and attempts must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"chunk_delay":     s.ChunkDelay,
		"base_delay":      s.BaseDelay,
		"max_delay":       s.MaxDelay,
		"attempt_timeout": s.AttemptTimeout,
	} {
		if d < 0 {
			return fault.New(fault.KindValidation, op, "%s %s must not be negative", name, d)
		}
	}

	if !s.Amount.Min.IsPositive() {
		return fault.New(fault.KindValidation, op, "amount.min %s must be positive", s.Amount.Min)
	}
	if s.Amount.Max.LessThan(s.Amount.Min) {
		return fault.New(fault.KindValidation, op, "amount.max %s is below amount.min %s", s.Amount.Max, s.Amount.Min)
	}
	return nil
}

// BatchOptions maps the plan's pacing onto executor options. Fields the
// plan leaves unset keep the executor defaults.
func (s *Scenario) BatchOptions() batch.Options {
	opts := batch.DefaultOptions()
	if s.Concurrency > 0 {
		opts.Concurrency = s.Concurrency
	}
	if s.ChunkDelay > 0 {
		opts.ChunkDelay = s.ChunkDelay
	}
	if s.Attempts > 0 {
		opts.Retry.Attempts = s.Attempts
	}
	if s.BaseDelay > 0 {
		opts.Retry.BaseDelay = s.BaseDelay
	}
	if s.MaxDelay > 0 {
		opts.Retry.MaxDelay = s.MaxDelay
	}
	if s.AttemptTimeout > 0 {
		opts.AttemptTimeout = s.AttemptTimeout
	}
	return opts
}
