package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/paybench/internal/fault"
	"github.com/roach88/paybench/internal/testutil"
)

func testOptions(sleeper Sleeper) Options {
	return Options{
		Concurrency: 10,
		Retry: RetryPolicy{
			Attempts:  3,
			BaseDelay: 100 * time.Millisecond,
		},
		AttemptTimeout: time.Second,
		DrainTimeout:   time.Second,
		Sleeper:        sleeper,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func succeed(v any) Action {
	return func(context.Context) (any, error) { return v, nil }
}

func fail(err error) Action {
	return func(context.Context) (any, error) { return nil, err }
}

func makeTasks(n int, action func(i int) Action) []Task {
	tasks := make([]Task, n)
	for i := range tasks {
		tasks[i] = Task{ID: fmt.Sprintf("task-%03d", i), Action: action(i)}
	}
	return tasks
}

func TestRetryPolicyDelay(t *testing.T) {
	tests := []struct {
		name   string
		policy RetryPolicy
		want   []time.Duration
	}{
		{
			"exponential",
			RetryPolicy{BaseDelay: 500 * time.Millisecond},
			[]time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second},
		},
		{
			"capped",
			RetryPolicy{BaseDelay: time.Second, MaxDelay: 3 * time.Second},
			[]time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second},
		},
		{
			"zero base",
			RetryPolicy{},
			[]time.Duration{0, 0, 0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i, want := range tt.want {
				assert.Equal(t, want, tt.policy.Delay(i+1), "attempt %d", i+1)
			}
		})
	}

	assert.Equal(t, time.Duration(0), RetryPolicy{BaseDelay: time.Second}.Delay(0))
	assert.Equal(t, time.Minute, RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Minute}.Delay(200))
}

func TestDefaults(t *testing.T) {
	e := New(Options{})
	opts := e.Options()

	assert.Equal(t, DefaultConcurrency, opts.Concurrency)
	assert.Equal(t, DefaultAttempts, opts.Retry.Attempts)
	assert.Equal(t, DefaultAttemptTimeout, opts.AttemptTimeout)
	assert.Equal(t, DefaultTopErrors, opts.TopErrors)
	assert.Equal(t, time.Duration(0), opts.ChunkDelay)
	assert.NotNil(t, opts.Sleeper)
	assert.NotNil(t, opts.Logger)

	d := DefaultOptions()
	assert.Equal(t, 100*time.Millisecond, d.ChunkDelay)
	assert.Equal(t, 500*time.Millisecond, d.Retry.BaseDelay)
}

func TestRunAllSucceed(t *testing.T) {
	e := New(testOptions(&testutil.RecordingSleeper{}))
	tasks := makeTasks(23, func(i int) Action { return succeed(i * 2) })

	res, err := e.Run(context.Background(), tasks)
	require.NoError(t, err)

	assert.Equal(t, 23, res.Total)
	assert.Equal(t, 23, res.Succeeded)
	assert.Equal(t, 0, res.Failed)
	assert.False(t, res.Cancelled)
	assert.Empty(t, res.TopErrors)
	assert.Equal(t, 1.0, res.SuccessRate())

	require.Len(t, res.Outcomes, 23)
	for i, o := range res.Outcomes {
		assert.Equal(t, fmt.Sprintf("task-%03d", i), o.TaskID)
		assert.Equal(t, StatusSuccess, o.Status)
		assert.Equal(t, i*2, o.Data)
		assert.Equal(t, 1, o.Attempts)
		assert.Empty(t, o.Delays)
	}
}

func TestRunConcurrencyCap(t *testing.T) {
	const total = 50
	const concurrency = 10

	var inFlight, maxInFlight, finished atomic.Int64
	var orderViolations atomic.Int64

	tasks := makeTasks(total, func(i int) Action {
		return func(context.Context) (any, error) {
			// Every task of the previous chunks must have resolved.
			if finished.Load() < int64((i/concurrency)*concurrency) {
				orderViolations.Add(1)
			}
			cur := inFlight.Add(1)
			for {
				m := maxInFlight.Load()
				if cur <= m || maxInFlight.CompareAndSwap(m, cur) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inFlight.Add(-1)
			finished.Add(1)
			return i, nil
		}
	})

	opts := testOptions(TimerSleeper{})
	opts.Concurrency = concurrency
	res, err := New(opts).Run(context.Background(), tasks)
	require.NoError(t, err)

	assert.Equal(t, total, res.Succeeded)
	assert.LessOrEqual(t, maxInFlight.Load(), int64(concurrency))
	assert.Greater(t, maxInFlight.Load(), int64(1))
	assert.Zero(t, orderViolations.Load())
}

func TestRunRetryBound(t *testing.T) {
	sleeper := &testutil.RecordingSleeper{}
	opts := testOptions(sleeper)
	opts.Retry = RetryPolicy{Attempts: 4, BaseDelay: 100 * time.Millisecond}

	var calls atomic.Int64
	tasks := []Task{{ID: "always-fails", Action: func(context.Context) (any, error) {
		calls.Add(1)
		return nil, fault.New(fault.KindNetwork, "transport.Send", "connection refused")
	}}}

	res, err := New(opts).Run(context.Background(), tasks)
	require.NoError(t, err)

	require.Len(t, res.Outcomes, 1)
	o := res.Outcomes[0]
	assert.Equal(t, StatusFailure, o.Status)
	assert.Equal(t, 4, o.Attempts)
	assert.Equal(t, int64(4), calls.Load())
	assert.True(t, fault.Is(o.Err, fault.KindNetwork))

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	assert.Equal(t, want, o.Delays)
	assert.Equal(t, want, sleeper.Delays())
	for i := 1; i < len(o.Delays); i++ {
		assert.GreaterOrEqual(t, o.Delays[i], o.Delays[i-1])
	}
}

func TestRunRetryThenSucceed(t *testing.T) {
	opts := testOptions(&testutil.RecordingSleeper{})

	var calls atomic.Int64
	tasks := []Task{{ID: "flaky", Action: func(context.Context) (any, error) {
		if calls.Add(1) < 3 {
			return nil, fault.HTTPStatus("transport.DecodeJSON", 503, "unavailable")
		}
		return "ok", nil
	}}}

	res, err := New(opts).Run(context.Background(), tasks)
	require.NoError(t, err)

	o := res.Outcomes[0]
	assert.Equal(t, StatusSuccess, o.Status)
	assert.Equal(t, "ok", o.Data)
	assert.NoError(t, o.Err)
	assert.Equal(t, 3, o.Attempts)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, o.Delays)
}

func TestRunNonRetryableStopsImmediately(t *testing.T) {
	kinds := []fault.Kind{
		fault.KindValidation,
		fault.KindSerialization,
		fault.KindDecryption,
		fault.KindMalformedPayload,
		fault.KindSignatureMismatch,
	}

	for _, kind := range kinds {
		t.Run(string(kind), func(t *testing.T) {
			sleeper := &testutil.RecordingSleeper{}
			res, err := New(testOptions(sleeper)).Run(context.Background(), []Task{
				{ID: "t", Action: fail(fault.New(kind, "op", "permanent"))},
			})
			require.NoError(t, err)

			assert.Equal(t, 1, res.Outcomes[0].Attempts)
			assert.Empty(t, sleeper.Delays())
		})
	}
}

func TestRunCustomRetryable(t *testing.T) {
	opts := testOptions(&testutil.RecordingSleeper{})
	opts.Retry.Retryable = func(error) bool { return false }

	res, err := New(opts).Run(context.Background(), []Task{{ID: "t", Action: fail(errors.New("boom"))}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Outcomes[0].Attempts)
}

func TestRunIsolation(t *testing.T) {
	const n = 20
	tasks := makeTasks(n, func(i int) Action {
		switch i {
		case 3:
			return fail(errors.New("permanent failure"))
		case 11:
			return func(context.Context) (any, error) { panic("nil map write") }
		default:
			return succeed(i)
		}
	})

	opts := testOptions(&testutil.RecordingSleeper{})
	opts.Retry.Attempts = 2
	res, err := New(opts).Run(context.Background(), tasks)
	require.NoError(t, err)

	assert.Equal(t, n, res.Total)
	assert.Equal(t, n-2, res.Succeeded)
	assert.Equal(t, 2, res.Failed)

	assert.Equal(t, 2, res.Outcomes[3].Attempts)
	assert.EqualError(t, res.Outcomes[3].Err, "permanent failure")

	panicked := res.Outcomes[11]
	assert.Equal(t, StatusFailure, panicked.Status)
	assert.Equal(t, 1, panicked.Attempts)
	assert.True(t, IsPanic(panicked.Err))
	assert.Contains(t, panicked.Err.Error(), "nil map write")

	var pe *PanicError
	require.ErrorAs(t, panicked.Err, &pe)
	assert.NotEmpty(t, pe.Stack)

	failures := res.Failures()
	require.Len(t, failures, 2)
	assert.Equal(t, "task-003", failures[0].TaskID)
	assert.Equal(t, "task-011", failures[1].TaskID)
}

func TestRunAttemptTimeout(t *testing.T) {
	opts := testOptions(&testutil.RecordingSleeper{})
	opts.AttemptTimeout = 10 * time.Millisecond
	opts.Retry.Attempts = 2

	res, err := New(opts).Run(context.Background(), []Task{{ID: "slow", Action: func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}})
	require.NoError(t, err)

	o := res.Outcomes[0]
	assert.Equal(t, 2, o.Attempts)
	assert.True(t, fault.Is(o.Err, fault.KindNetwork))
	assert.ErrorIs(t, o.Err, context.DeadlineExceeded)
	assert.Contains(t, o.Err.Error(), "attempt timed out after 10ms")
}

func TestRunErrorHistogram(t *testing.T) {
	tasks := makeTasks(12, func(i int) Action {
		switch {
		case i < 5:
			return fail(fault.HTTPStatus("transport.DecodeJSON", 503, fmt.Sprintf("order ORD-%04d unavailable", 1000+i)))
		case i < 8:
			return fail(fault.New(fault.KindNetwork, "transport.Send", "dial tcp 10.0.0.1:8443: connection refused"))
		case i < 9:
			return fail(fault.New(fault.KindSignatureMismatch, "signature.Check", "signature does not match payload"))
		default:
			return succeed(nil)
		}
	})

	opts := testOptions(&testutil.RecordingSleeper{})
	opts.Retry.Attempts = 1
	opts.TopErrors = 2
	res, err := New(opts).Run(context.Background(), tasks)
	require.NoError(t, err)

	assert.Equal(t, 9, res.Failed)
	assert.Len(t, res.Histogram, 3)
	assert.Equal(t, []ErrorCount{
		{Key: "transport.DecodeJSON: HTTP: status 503: order ORD-{n} unavailable", Count: 5},
		{Key: "transport.Send: NETWORK: dial tcp 10.0.0.1:{n}: connection refused", Count: 3},
	}, res.TopErrors)
}

func TestRunProgress(t *testing.T) {
	sleeper := &testutil.RecordingSleeper{}
	opts := testOptions(sleeper)
	opts.ChunkDelay = 100 * time.Millisecond
	opts.Now = testutil.NewDeterministicClock(time.Millisecond).Now

	var reports []Progress
	opts.OnProgress = func(p Progress) { reports = append(reports, p) }

	tasks := makeTasks(25, func(i int) Action {
		if i%5 == 0 {
			return fail(fault.New(fault.KindValidation, "op", "bad"))
		}
		return succeed(i)
	})

	res, err := New(opts).Run(context.Background(), tasks)
	require.NoError(t, err)
	assert.Equal(t, 20, res.Succeeded)
	assert.Equal(t, 5, res.Failed)

	require.Len(t, reports, 3)
	assert.Equal(t, []int{10, 20, 25}, []int{reports[0].Completed, reports[1].Completed, reports[2].Completed})
	assert.Equal(t, []int{2, 4, 5}, []int{reports[0].Failed, reports[1].Failed, reports[2].Failed})
	for i, p := range reports {
		assert.Equal(t, i+1, p.Chunk)
		assert.Equal(t, 3, p.Chunks)
		assert.Equal(t, 25, p.Total)
		assert.Equal(t, p.Completed, p.Succeeded+p.Failed)
		assert.Greater(t, p.Elapsed, time.Duration(0))
	}
	assert.Greater(t, reports[0].ETA, time.Duration(0))
	assert.Equal(t, time.Duration(0), reports[2].ETA)

	// Only the inter-chunk delays; validation failures are not retried.
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 100 * time.Millisecond}, sleeper.Delays())
}

func TestRunPreflightValidation(t *testing.T) {
	var ran atomic.Bool
	ok := func(context.Context) (any, error) { ran.Store(true); return nil, nil }

	tests := []struct {
		name    string
		tasks   []Task
		hook    func([]Task) error
		wantErr string
	}{
		{"duplicate ids", []Task{{ID: "a", Action: ok}, {ID: "a", Action: ok}}, nil, `task id "a" used by tasks 0 and 1`},
		{"nil action", []Task{{ID: "a", Action: ok}, {ID: "b"}}, nil, `task "b" has no action`},
		{"empty id", []Task{{Action: ok}}, nil, "task 0 has an empty id"},
		{"hook", []Task{{ID: "a", Action: ok}}, func([]Task) error { return errors.New("unsupported currency XYZ") }, "unsupported currency XYZ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions(&testutil.RecordingSleeper{})
			opts.Validate = tt.hook

			res, err := New(opts).Run(context.Background(), tt.tasks)
			require.Error(t, err)
			assert.Nil(t, res)
			assert.True(t, fault.Is(err, fault.KindValidation))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
	assert.False(t, ran.Load())
}

func TestRunEmpty(t *testing.T) {
	res, err := New(testOptions(&testutil.RecordingSleeper{})).Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Total)
	assert.Empty(t, res.Outcomes)
	assert.Equal(t, 0.0, res.SuccessRate())
}

func TestRunCancelBetweenChunks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := testOptions(&testutil.RecordingSleeper{})
	opts.OnProgress = func(p Progress) {
		if p.Chunk == 1 {
			cancel()
		}
	}

	var started atomic.Int64
	tasks := makeTasks(30, func(i int) Action {
		return func(context.Context) (any, error) {
			started.Add(1)
			return i, nil
		}
	})

	res, err := New(opts).Run(ctx, tasks)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)

	assert.True(t, res.Cancelled)
	assert.Equal(t, int64(10), started.Load())
	assert.Equal(t, 30, res.Total)
	assert.Equal(t, 10, res.Succeeded)
	assert.Equal(t, 20, res.Failed)

	for _, o := range res.Outcomes[10:] {
		assert.ErrorIs(t, o.Err, context.Canceled)
		assert.ErrorIs(t, o.Err, ErrNotStarted)
		assert.Equal(t, 0, o.Attempts)
	}
	assert.Equal(t, []ErrorCount{{Key: "task not started: context canceled", Count: 20}}, res.TopErrors)
}

func TestRunCancelLetsInFlightFinish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := testOptions(&testutil.RecordingSleeper{})
	opts.Concurrency = 2
	opts.DrainTimeout = 5 * time.Second

	var once sync.Once
	tasks := makeTasks(4, func(i int) Action {
		return func(ctx context.Context) (any, error) {
			once.Do(cancel)
			// The attempt context survives the parent cancel until drain expires.
			select {
			case <-time.After(20 * time.Millisecond):
				return i, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	})

	res, err := New(opts).Run(ctx, tasks)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, res.Cancelled)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 2, res.Failed)
	assert.ErrorIs(t, res.Outcomes[2].Err, ErrNotStarted)
	assert.ErrorIs(t, res.Outcomes[3].Err, ErrNotStarted)
}

func TestRunCancelAbortsAfterDrainTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := testOptions(&testutil.RecordingSleeper{})
	opts.DrainTimeout = 20 * time.Millisecond

	release := make(chan struct{})
	defer close(release)

	tasks := []Task{
		{ID: "honors-ctx", Action: func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}},
		{ID: "ignores-ctx", Action: func(context.Context) (any, error) {
			<-release
			return "late", nil
		}},
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res, err := New(opts).Run(ctx, tasks)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.True(t, res.Cancelled)
	assert.Equal(t, 2, res.Failed)
	for _, o := range res.Outcomes {
		assert.ErrorIs(t, o.Err, context.Canceled, o.TaskID)
	}
	assert.Contains(t, res.Outcomes[1].Err.Error(), "drain timeout")
	assert.Equal(t, 1, res.Outcomes[1].Attempts)
}

func TestRunCancelledStopsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opts := testOptions(TimerSleeper{})
	opts.Retry = RetryPolicy{Attempts: 5, BaseDelay: time.Hour}

	var calls atomic.Int64
	tasks := []Task{{ID: "t", Action: func(context.Context) (any, error) {
		if calls.Add(1) == 1 {
			cancel()
		}
		return nil, fault.New(fault.KindNetwork, "op", "refused")
	}}}

	res, err := New(opts).Run(ctx, tasks)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, 1, res.Outcomes[0].Attempts)
	assert.True(t, fault.Is(res.Outcomes[0].Err, fault.KindNetwork))
}
