package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/roach88/paybench/internal/fault"
)

// ErrNotStarted is the error recorded for tasks a cancelled run never started.
var ErrNotStarted = fmt.Errorf("task not started: %w", context.Canceled)

// PanicError is recorded when a task action panics. It is never retried.
type PanicError struct {
	TaskID string
	Value  any
	Stack  []byte
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("task %s panicked: %v", e.TaskID, e.Value)
}

// IsPanic reports whether err is a recovered task panic.
func IsPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}

// Executor runs batches. It holds no per-run state and may run several
// batches concurrently.
type Executor struct {
	opts Options
}

// New creates an Executor. Unset options take the package defaults.
func New(opts Options) *Executor {
	return &Executor{opts: opts.withDefaults()}
}

// Options returns the effective options.
func (e *Executor) Options() Options {
	return e.opts
}

// slot tracks one dispatched task. Whoever wins claimed reports its outcome:
// the worker when the action returns, or the executor when the drain timeout
// expires first.
type slot struct {
	index    int
	task     Task
	claimed  atomic.Bool
	attempts atomic.Int32
	sent     chan struct{}
}

// ValidateTasks rejects a task list that cannot be dispatched: empty or
// duplicate IDs and nil actions. An empty list is valid.
func ValidateTasks(tasks []Task) error {
	seen := make(map[string]int, len(tasks))
	for i, t := range tasks {
		if t.ID == "" {
			return fault.New(fault.KindValidation, "batch.Run", "task %d has an empty id", i)
		}
		if t.Action == nil {
			return fault.New(fault.KindValidation, "batch.Run", "task %q has no action", t.ID)
		}
		if j, dup := seen[t.ID]; dup {
			return fault.New(fault.KindValidation, "batch.Run", "task id %q used by tasks %d and %d", t.ID, j, i)
		}
		seen[t.ID] = i
	}
	return nil
}

// Run executes tasks and returns the aggregate result.
//
// Pre-flight validation errors are returned with a nil Result before any task
// starts. Task failures never make Run fail; they are recorded in the Result.
// When ctx is cancelled no further chunk starts, in-flight tasks get
// DrainTimeout to finish, tasks never started are recorded with
// ErrNotStarted, and the partial Result is returned along with ctx.Err().
func (e *Executor) Run(ctx context.Context, tasks []Task) (*Result, error) {
	if err := ValidateTasks(tasks); err != nil {
		return nil, err
	}
	if e.opts.Validate != nil {
		if err := e.opts.Validate(tasks); err != nil {
			if fault.KindOf(err) == fault.KindUnknown {
				err = fault.Wrap(fault.KindValidation, "batch.Run", err)
			}
			return nil, err
		}
	}

	log := e.opts.Logger
	n := len(tasks)
	conc := e.opts.Concurrency
	chunks := (n + conc - 1) / conc

	agg := newAggregator(n, conc+1, e.opts.TopErrors, e.opts.Now)
	agg.start()

	// Attempts run under runCtx so a cancelled ctx does not cut them off
	// before DrainTimeout.
	runCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	defer abort()

	log.Info("batch starting",
		"tasks", n,
		"concurrency", conc,
		"chunks", chunks,
		"attempts", e.opts.Retry.Attempts,
	)

	next := 0
	for c := 0; c < chunks; c++ {
		if c > 0 && e.opts.ChunkDelay > 0 {
			_ = e.opts.Sleeper.Sleep(ctx, e.opts.ChunkDelay)
		}
		if ctx.Err() != nil {
			break
		}

		lo, hi := c*conc, min((c+1)*conc, n)
		slots := make([]*slot, 0, hi-lo)
		for i := lo; i < hi; i++ {
			s := &slot{index: i, task: tasks[i], sent: make(chan struct{})}
			slots = append(slots, s)
			go e.work(ctx, runCtx, agg, s)
		}
		next = hi

		e.await(ctx, agg, slots, abort)

		p := agg.snapshot()
		p.Chunk, p.Chunks = c+1, chunks
		log.Debug("chunk completed",
			"chunk", p.Chunk,
			"chunks", p.Chunks,
			"completed", p.Completed,
			"failed", p.Failed,
			"eta", p.ETA,
		)
		if e.opts.OnProgress != nil {
			e.opts.OnProgress(p)
		}
	}

	for i := next; i < n; i++ {
		agg.report(i, Outcome{TaskID: tasks[i].ID, Status: StatusFailure, Err: ErrNotStarted})
	}

	res := agg.finish()
	if err := ctx.Err(); err != nil {
		res.Cancelled = true
		log.Warn("batch cancelled",
			"dispatched", next,
			"not_started", n-next,
			"succeeded", res.Succeeded,
			"failed", res.Failed,
		)
		return res, err
	}

	log.Info("batch finished",
		"total", res.Total,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"elapsed", res.Elapsed,
	)
	return res, nil
}

// work runs one task and reports it unless the executor already gave up on it.
func (e *Executor) work(ctx, runCtx context.Context, agg *aggregator, s *slot) {
	o := e.execute(ctx, runCtx, s)
	if s.claimed.CompareAndSwap(false, true) {
		agg.report(s.index, o)
		close(s.sent)
	}
}

// await blocks until every slot of the chunk has reported. If ctx is
// cancelled meanwhile, the in-flight tasks get DrainTimeout before their
// attempts are aborted and the remaining slots are failed by the executor.
func (e *Executor) await(ctx context.Context, agg *aggregator, slots []*slot, abort context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		for _, s := range slots {
			<-s.sent
		}
		close(done)
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	e.opts.Logger.Warn("cancellation requested, draining in-flight tasks",
		"in_flight", len(slots),
		"drain_timeout", e.opts.DrainTimeout,
	)

	timer := time.NewTimer(e.opts.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return
	case <-timer.C:
	}

	abort()
	for _, s := range slots {
		if s.claimed.CompareAndSwap(false, true) {
			agg.report(s.index, Outcome{
				TaskID:   s.task.ID,
				Status:   StatusFailure,
				Err:      fmt.Errorf("aborted after %s drain timeout: %w", e.opts.DrainTimeout, context.Canceled),
				Attempts: int(s.attempts.Load()),
			})
			close(s.sent)
		}
	}
	<-done
}

// execute runs the retry loop for one task.
// Backoff waits use ctx so cancellation stops retries immediately.
func (e *Executor) execute(ctx, runCtx context.Context, s *slot) Outcome {
	policy := e.opts.Retry
	start := e.opts.Now()
	o := Outcome{TaskID: s.task.ID, Status: StatusFailure}

	for attempt := 1; ; attempt++ {
		o.Attempts = attempt
		s.attempts.Store(int32(attempt))

		data, err := e.attempt(runCtx, s.task)
		if err == nil {
			o.Status, o.Data, o.Err = StatusSuccess, data, nil
			break
		}
		o.Err = err

		if attempt >= policy.Attempts || IsPanic(err) || !policy.Retryable(err) || ctx.Err() != nil {
			break
		}

		delay := policy.Delay(attempt)
		e.opts.Logger.Debug("retrying task",
			"task", s.task.ID,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if err := e.opts.Sleeper.Sleep(ctx, delay); err != nil {
			break
		}
		o.Delays = append(o.Delays, delay)
	}

	o.Duration = e.opts.Now().Sub(start)
	return o
}

// attempt runs the action once under AttemptTimeout, converting a panic into
// a PanicError and an unclassified timeout into a fault.KindNetwork error.
func (e *Executor) attempt(ctx context.Context, t Task) (data any, err error) {
	actx, cancel := context.WithTimeout(ctx, e.opts.AttemptTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			data = nil
			err = &PanicError{TaskID: t.ID, Value: r, Stack: debug.Stack()}
		}
	}()

	data, err = t.Action(actx)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		var fe *fault.Error
		if !errors.As(err, &fe) {
			err = fault.Wrapf(fault.KindNetwork, "batch.attempt", err, "attempt timed out after %s", e.opts.AttemptTimeout)
		}
	}
	return data, err
}
