package batch

import (
	"context"
	"time"
)

// Action performs one attempt of a task. It must honor ctx.
type Action func(ctx context.Context) (any, error)

// Task is a deferred unit of work. IDs must be unique within a batch.
type Task struct {
	ID     string
	Action Action
}

// Status is the terminal state of a task.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Outcome is the terminal result of one task after all attempts.
type Outcome struct {
	TaskID string
	Status Status

	// Data is the value returned by the successful attempt.
	Data any

	// Err is the error of the last failed attempt.
	Err error

	// Attempts is the number of attempts made. Zero for tasks that never
	// started because the run was cancelled.
	Attempts int

	// Delays holds the backoff waits taken between attempts.
	Delays []time.Duration

	Duration time.Duration
}

// Succeeded reports whether the outcome is a success.
func (o Outcome) Succeeded() bool {
	return o.Status == StatusSuccess
}

// ErrorCount is one histogram bucket.
type ErrorCount struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Result is the aggregate of a batch. Immutable once Run returns.
type Result struct {
	Total     int
	Succeeded int
	Failed    int

	// Outcomes are in task order.
	Outcomes []Outcome

	// Histogram counts failures by normalized error key.
	Histogram map[string]int

	// TopErrors holds the most frequent histogram buckets, most frequent first.
	TopErrors []ErrorCount

	Elapsed   time.Duration
	Cancelled bool
}

// Failures returns the failed outcomes in task order.
func (r *Result) Failures() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if !o.Succeeded() {
			out = append(out, o)
		}
	}
	return out
}

// SuccessRate returns Succeeded/Total, or 0 for an empty batch.
func (r *Result) SuccessRate() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Succeeded) / float64(r.Total)
}

// Progress is reported after every chunk.
type Progress struct {
	Chunk     int
	Chunks    int
	Completed int
	Total     int
	Succeeded int
	Failed    int
	Elapsed   time.Duration

	// ETA extrapolates the remaining time from the completion rate so far.
	ETA time.Duration
}
