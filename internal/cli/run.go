package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/roach88/paybench/internal/batch"
	"github.com/roach88/paybench/internal/runner"
	"github.com/roach88/paybench/internal/scenario"
	"github.com/roach88/paybench/internal/sink"
	"github.com/roach88/paybench/internal/store"
	"github.com/roach88/paybench/internal/transport"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database    string
	RedisAddr   string
	RedisPrefix string
	Timeout     time.Duration
	Count       int
	Concurrency int

	// Transport overrides the HTTP client (for testing).
	Transport transport.Sender

	// IDs overrides run ID generation (for testing).
	// If nil, defaults to runner.UUIDv7Generator.
	IDs runner.IDGenerator

	// Sleeper overrides retry and chunk waits (for testing).
	Sleeper batch.Sleeper
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Run a batch scenario against the gateway",
		Long: `Run a batch scenario against the gateway of its currency.

Every request is built, encrypted and signed before the first one is sent,
so a bad merchant table or scenario fails without touching the gateway.
Requests go out in chunks of the scenario's concurrency; failed attempts
are retried with exponential backoff.

Ctrl-C stops dispatching, lets in-flight requests finish, records the
partial run and prints its summary.

Example:
  paybench run -m merchants.cue scenarios/inr_deposit.yaml
  paybench run -m merchants.cue --db ./paybench.db --redis localhost:6379 brl.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "record the run in this SQLite database")
	cmd.Flags().StringVar(&opts.RedisAddr, "redis", "", "publish the run to Redis at host:port")
	cmd.Flags().StringVar(&opts.RedisPrefix, "redis-prefix", sink.DefaultKeyPrefix, "Redis key prefix")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", transport.DefaultTimeout, "HTTP timeout per request")
	cmd.Flags().IntVarP(&opts.Count, "count", "n", 0, "override the scenario request count")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 0, "override the scenario concurrency")

	return cmd
}

func runScenario(opts *RunOptions, path string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	log := opts.logger(cmd.ErrOrStderr())

	table, err := opts.loadTable()
	if err != nil {
		return f.Fail(ExitCommandError, "failed to load merchant table", err)
	}
	sc, err := scenario.Load(path)
	if err != nil {
		return f.Fail(ExitCommandError, "failed to load scenario", err)
	}
	if opts.Count > 0 {
		sc.Count = opts.Count
	}
	if opts.Concurrency > 0 {
		sc.Concurrency = opts.Concurrency
	}
	if err := sc.Validate(); err != nil {
		return f.Fail(ExitCommandError, "invalid scenario", err)
	}
	f.VerboseLog("scenario %s: %d %s %s requests, concurrency %d", sc.Name, sc.Count, sc.Currency, sc.Kind, sc.Concurrency)

	ctx, cancel := withSignals(cmd, log)
	defer cancel()

	var sinks []sink.Sink
	if opts.Database != "" {
		st, err := store.Open(opts.Database)
		if err != nil {
			return f.Fail(ExitCommandError, "failed to open database", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		sinks = append(sinks, st)
	}
	if opts.RedisAddr != "" {
		client, err := dialRedis(ctx, opts.RedisAddr)
		if err != nil {
			return f.Fail(ExitCommandError, "redis unreachable", err)
		}
		defer client.Close()
		sinks = append(sinks, sink.NewRedis(client, sink.WithKeyPrefix(opts.RedisPrefix)))
	}

	tr := opts.Transport
	if tr == nil {
		tr = transport.NewClient(transport.WithTimeout(opts.Timeout))
	}

	report, err := runner.Run(ctx, runner.Config{
		Table:     table,
		Scenario:  sc,
		Transport: tr,
		Sinks:     sinks,
		Logger:    log,
		IDs:       opts.IDs,
		Options: func(o *batch.Options) {
			if opts.Sleeper != nil {
				o.Sleeper = opts.Sleeper
			}
			o.OnProgress = func(p batch.Progress) {
				f.VerboseLog("chunk %d/%d: %d/%d done, %d failed, eta %s",
					p.Chunk, p.Chunks, p.Completed, p.Total, p.Failed, p.ETA.Round(time.Millisecond))
			}
		},
	})
	if report == nil {
		return f.Fail(ExitCommandError, "run failed", err)
	}

	run := report.Run().Summary()
	if f.Format == "json" {
		if encErr := f.Success(run, ""); encErr != nil {
			return encErr
		}
	} else {
		writeSummary(f.Writer, run)
		if report.SinkErr != nil {
			fmt.Fprintf(f.GetErrWriter(), "warning: run not fully recorded: %v\n", report.SinkErr)
		}
	}

	switch {
	case err != nil:
		return quietExit(ExitFailure, "run cancelled", err)
	case run.Failed > 0:
		return quietExit(ExitFailure, fmt.Sprintf("%d of %d requests failed", run.Failed, run.Total), nil)
	}
	return nil
}

// quietExit is an ExitError whose output has already been printed.
func quietExit(code int, message string, err error) *ExitError {
	e := WrapExitError(code, message, err)
	e.reported = true
	return e
}

// writeSummary prints a run with thousands separators.
func writeSummary(w io.Writer, run sink.Run) {
	p := message.NewPrinter(language.English)

	status := "completed"
	if run.Cancelled {
		status = "CANCELLED"
	}
	p.Fprintf(w, "Run %s (%s) %s\n", run.ID, run.Scenario, status)
	p.Fprintf(w, "  %-10s %s %s\n", "currency", run.Currency, run.Kind)
	p.Fprintf(w, "  %-10s %s\n", "started", run.StartedAt.Format(time.RFC3339))
	p.Fprintf(w, "  %-10s %d\n", "requests", run.Total)
	p.Fprintf(w, "  %-10s %d (%.1f%%)\n", "succeeded", run.Succeeded, successRate(run))
	p.Fprintf(w, "  %-10s %d\n", "failed", run.Failed)
	p.Fprintf(w, "  %-10s %s\n", "elapsed", run.Elapsed.Round(time.Millisecond))

	if len(run.TopErrors) == 0 {
		return
	}
	p.Fprintf(w, "  top errors:\n")
	for _, e := range run.TopErrors {
		p.Fprintf(w, "    %6d  %s\n", e.Count, e.Key)
	}
}

func successRate(run sink.Run) float64 {
	if run.Total == 0 {
		return 0
	}
	return 100 * float64(run.Succeeded) / float64(run.Total)
}

// dialRedis connects and pings so a bad address fails before the run.
func dialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// withSignals derives a context that SIGINT/SIGTERM cancel.
// Uses the command's context if available (for testing).
func withSignals(cmd *cobra.Command, log *slog.Logger) (context.Context, context.CancelFunc) {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			log.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}
