// Package sink records finished runs. The SQLite history store and the
// Redis publisher both implement Sink; Multi fans a run out to several.
package sink

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/paybench/internal/batch"
	"github.com/roach88/paybench/internal/fault"
)

// Run is the persisted form of a finished batch run.
type Run struct {
	ID        string             `json:"id"`
	Scenario  string             `json:"scenario"`
	Currency  string             `json:"currency"`
	Kind      string             `json:"kind"`
	StartedAt time.Time          `json:"started_at"`
	Elapsed   time.Duration      `json:"elapsed_ns"`
	Total     int                `json:"total"`
	Succeeded int                `json:"succeeded"`
	Failed    int                `json:"failed"`
	Cancelled bool               `json:"cancelled"`
	TopErrors []batch.ErrorCount `json:"top_errors"`

	// Outcomes are in task order. Summaries published to Redis omit them.
	Outcomes []Outcome `json:"outcomes,omitempty"`
}

// Outcome is the persisted form of one task outcome.
type Outcome struct {
	TaskID    string        `json:"task_id"`
	Status    string        `json:"status"`
	Attempts  int           `json:"attempts"`
	Duration  time.Duration `json:"duration_ns"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// NewRun flattens a batch result.
func NewRun(id, scenario, currency, kind string, startedAt time.Time, res *batch.Result) Run {
	r := Run{
		ID:        id,
		Scenario:  scenario,
		Currency:  currency,
		Kind:      kind,
		StartedAt: startedAt.UTC(),
		Elapsed:   res.Elapsed,
		Total:     res.Total,
		Succeeded: res.Succeeded,
		Failed:    res.Failed,
		Cancelled: res.Cancelled,
		TopErrors: res.TopErrors,
		Outcomes:  make([]Outcome, len(res.Outcomes)),
	}
	for i, o := range res.Outcomes {
		r.Outcomes[i] = Outcome{
			TaskID:   o.TaskID,
			Status:   string(o.Status),
			Attempts: o.Attempts,
			Duration: o.Duration,
		}
		if o.Err != nil {
			r.Outcomes[i].ErrorKind = string(fault.KindOf(o.Err))
			r.Outcomes[i].Error = o.Err.Error()
		}
	}
	return r
}

// Summary returns r without its outcomes.
func (r Run) Summary() Run {
	r.Outcomes = nil
	return r
}

// Sink records a finished run.
type Sink interface {
	Record(ctx context.Context, run Run) error
}

// Multi records to every sink, even after one fails, and joins the errors.
type Multi []Sink

// Record implements Sink.
func (m Multi) Record(ctx context.Context, run Run) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, run); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Func adapts a function to Sink.
type Func func(ctx context.Context, run Run) error

// Record implements Sink.
func (f Func) Record(ctx context.Context, run Run) error {
	return f(ctx, run)
}
