// Package runner executes a scenario against a gateway: it builds every
// request up front, fires them through the batch executor and records the
// result to the configured sinks.
package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/paybench/internal/batch"
	"github.com/roach88/paybench/internal/codec"
	"github.com/roach88/paybench/internal/credential"
	"github.com/roach88/paybench/internal/fault"
	"github.com/roach88/paybench/internal/merchant"
	"github.com/roach88/paybench/internal/scenario"
	"github.com/roach88/paybench/internal/sink"
	"github.com/roach88/paybench/internal/transport"
)

// SinkTimeout bounds recording a finished run. Recording happens even when
// the run context was cancelled.
const SinkTimeout = 10 * time.Second

// IDGenerator produces run IDs.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-ordered run IDs.
type UUIDv7Generator struct{}

// Generate returns a new UUIDv7 string.
func (UUIDv7Generator) Generate() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does.
		return uuid.NewString()
	}
	return id.String()
}

// Config wires one run.
type Config struct {
	Table     *merchant.Table
	Scenario  *scenario.Scenario
	Transport transport.Sender

	// Sinks receive the finished run. Failures are logged and reported in
	// Report.SinkErr; they do not fail the run.
	Sinks []sink.Sink

	// Builder composes payloads. Defaults to merchant.DefaultEnrichers.
	Builder *merchant.Builder

	// Options adjusts the executor options derived from the scenario.
	Options func(*batch.Options)

	Logger *slog.Logger
	IDs    IDGenerator
	Now    func() time.Time
}

// Report is the outcome of one run.
type Report struct {
	RunID     string
	Scenario  string
	Currency  string
	Kind      merchant.Kind
	StartedAt time.Time
	Result    *batch.Result

	// SinkErr joins the errors of sinks that failed to record the run.
	SinkErr error
}

// Run converts r for the sinks.
func (r *Report) Run() sink.Run {
	return sink.NewRun(r.RunID, r.Scenario, r.Currency, string(r.Kind), r.StartedAt, r.Result)
}

// TopErrors returns the most frequent failure keys.
func (r *Report) TopErrors() []batch.ErrorCount {
	return r.Result.TopErrors
}

func (c *Config) withDefaults() error {
	const op = "runner.Run"

	switch {
	case c.Table == nil:
		return fault.New(fault.KindValidation, op, "merchant table is required")
	case c.Scenario == nil:
		return fault.New(fault.KindValidation, op, "scenario is required")
	case c.Transport == nil:
		return fault.New(fault.KindValidation, op, "transport is required")
	}
	if c.Builder == nil {
		c.Builder = &merchant.Builder{Enrichers: merchant.DefaultEnrichers}
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.IDs == nil {
		c.IDs = UUIDv7Generator{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}

// Run executes cfg.Scenario.
//
// Every request is built and sealed before the first one is sent; any
// validation error is returned with a nil Report. When ctx is cancelled the
// partial Report is returned together with ctx.Err() after it has been
// recorded.
func Run(ctx context.Context, cfg Config) (*Report, error) {
	if err := cfg.withDefaults(); err != nil {
		return nil, err
	}
	sc := cfg.Scenario

	cur, err := cfg.Table.Lookup(sc.Currency)
	if err != nil {
		return nil, err
	}
	cred := cur.Credential()
	if err := cred.Validate(); err != nil {
		return nil, err
	}

	runID := cfg.IDs.Generate()
	log := cfg.Logger.With("run_id", runID, "scenario", sc.Name, "currency", cur.Code)

	tasks, err := buildTasks(cfg, cur, runID)
	if err != nil {
		return nil, err
	}

	opts := sc.BatchOptions()
	opts.Logger = log
	opts.Now = cfg.Now
	if cfg.Options != nil {
		cfg.Options(&opts)
	}

	report := &Report{
		RunID:     runID,
		Scenario:  sc.Name,
		Currency:  cur.Code,
		Kind:      sc.Kind,
		StartedAt: cfg.Now(),
	}

	log.Info("run starting", "kind", sc.Kind, "count", len(tasks), "merchant", cur)
	res, runErr := batch.New(opts).Run(ctx, tasks)
	if res == nil {
		return nil, runErr
	}
	report.Result = res

	if len(cfg.Sinks) > 0 {
		sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), SinkTimeout)
		report.SinkErr = sink.Multi(cfg.Sinks).Record(sinkCtx, report.Run())
		cancel()
		if report.SinkErr != nil {
			log.Warn("recording run failed", "error", report.SinkErr)
		}
	}

	return report, runErr
}

// buildTasks builds and seals every request before anything is sent.
func buildTasks(cfg Config, cur *merchant.Currency, runID string) ([]batch.Task, error) {
	sc := cfg.Scenario
	params := sc.Params(cur.Scale(), shortID(runID))
	tasks := make([]batch.Task, len(params))

	for i, p := range params {
		p.Timestamp = cfg.Now()
		payload, err := cfg.Builder.Build(cur, p)
		if err != nil {
			return nil, fmt.Errorf("request %s: %w", p.OrderID, err)
		}
		req, err := merchant.Envelope(cur, p.Kind, payload)
		if err != nil {
			return nil, fmt.Errorf("request %s: %w", p.OrderID, err)
		}
		tasks[i] = batch.Task{
			ID:     p.OrderID,
			Action: sendAction(cfg.Transport, req, cur.Credential(), sc.DecryptResponse),
		}
	}
	return tasks, nil
}

// sendAction performs one attempt: send, check the status, decode the body
// and, when asked, decrypt a {"data": ...} response.
func sendAction(tr transport.Sender, req transport.Request, cred credential.Credential, decrypt bool) batch.Action {
	return func(ctx context.Context) (any, error) {
		resp, err := tr.Send(ctx, req)
		if err != nil {
			return nil, err
		}
		obj, err := transport.DecodeObject(resp)
		if err != nil {
			return nil, err
		}
		if !decrypt {
			return obj, nil
		}
		data, ok := obj["data"].(string)
		if !ok {
			return obj, nil
		}
		return codec.DecryptObject(data, cred)
	}
}

// shortIDLen keeps the tail of a UUIDv7 (variant nibble plus rand_b), about
// 62 random bits. The leading timestamp bits are dropped since runs started
// in the same millisecond share them.
const shortIDLen = 16

// shortID returns the last shortIDLen alphanumerics of id, used to keep order
// IDs unique across runs without carrying the whole run ID.
func shortID(id string) string {
	compact := strings.Map(func(r rune) rune {
		if r == '-' {
			return -1
		}
		return r
	}, id)
	if len(compact) > shortIDLen {
		return compact[len(compact)-shortIDLen:]
	}
	return compact
}
