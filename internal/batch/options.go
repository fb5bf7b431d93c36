package batch

import (
	"context"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/roach88/paybench/internal/fault"
)

const (
	DefaultConcurrency    = 10
	DefaultChunkDelay     = 100 * time.Millisecond
	DefaultAttempts       = 3
	DefaultBaseDelay      = 500 * time.Millisecond
	DefaultMaxDelay       = 10 * time.Second
	DefaultAttemptTimeout = 25 * time.Second
	DefaultDrainTimeout   = 5 * time.Second
	DefaultTopErrors      = 5
)

// Sleeper waits between attempts and between chunks.
// Sleep returns early with ctx.Err() when ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// TimerSleeper sleeps on a real timer.
type TimerSleeper struct{}

// Sleep implements Sleeper.
func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RetryPolicy bounds and spaces the attempts of one task.
type RetryPolicy struct {
	// Attempts is the maximum number of attempts, including the first.
	Attempts int

	// BaseDelay is the wait after the first failed attempt.
	BaseDelay time.Duration

	// MaxDelay caps a single wait. Zero means no cap.
	MaxDelay time.Duration

	// Retryable decides whether an error is worth another attempt.
	// Defaults to fault.Retryable.
	Retryable func(error) bool
}

// Delay returns the wait after failed attempt n (1-based):
// BaseDelay * 2^(n-1), capped at MaxDelay.
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Options configures an Executor.
//
// Zero counts and timeouts fall back to the package defaults. Zero delays are
// kept as given: ChunkDelay 0 means back-to-back chunks, BaseDelay 0 means
// immediate retries. DefaultOptions returns the production values.
type Options struct {
	Concurrency int
	ChunkDelay  time.Duration
	Retry       RetryPolicy

	// AttemptTimeout bounds every attempt. A timed out attempt is retryable.
	AttemptTimeout time.Duration

	// DrainTimeout is how long in-flight tasks may keep running after the
	// run context is cancelled before they are aborted.
	DrainTimeout time.Duration

	// TopErrors is the number of histogram buckets kept in Result.TopErrors.
	TopErrors int

	// Validate runs after the built-in task checks and before dispatch.
	Validate func(tasks []Task) error

	// OnProgress is called from the Run goroutine after every chunk.
	OnProgress func(Progress)

	Sleeper Sleeper
	Now     func() time.Time
	Logger  *slog.Logger
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		Concurrency: DefaultConcurrency,
		ChunkDelay:  DefaultChunkDelay,
		Retry: RetryPolicy{
			Attempts:  DefaultAttempts,
			BaseDelay: DefaultBaseDelay,
			MaxDelay:  DefaultMaxDelay,
		},
		AttemptTimeout: DefaultAttemptTimeout,
		DrainTimeout:   DefaultDrainTimeout,
		TopErrors:      DefaultTopErrors,
	}
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.Retry.Attempts <= 0 {
		o.Retry.Attempts = DefaultAttempts
	}
	if o.Retry.Retryable == nil {
		o.Retry.Retryable = fault.Retryable
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = DefaultAttemptTimeout
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = DefaultDrainTimeout
	}
	if o.TopErrors <= 0 {
		o.TopErrors = DefaultTopErrors
	}
	if o.Sleeper == nil {
		o.Sleeper = TimerSleeper{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}
