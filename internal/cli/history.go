package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/paybench/internal/sink"
	"github.com/roach88/paybench/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Database    string
	RedisAddr   string
	RedisPrefix string
	Limit       int
	FailedOnly  bool
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded runs",
		Long: `List recorded runs, newest first, or show one run with its outcomes.

Runs are read from the SQLite database written by "run --db", or, with
--redis, from the summaries published by "run --redis" (summaries carry no
outcomes).

Example:
  paybench history --db ./paybench.db
  paybench history --db ./paybench.db --failed 0190a5b2-7c3e-7def-8a12-3456789abcde
  paybench history --redis localhost:6379 --limit 5`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "SQLite database written by run --db")
	cmd.Flags().StringVar(&opts.RedisAddr, "redis", "", "read run summaries from Redis at host:port")
	cmd.Flags().StringVar(&opts.RedisPrefix, "redis-prefix", sink.DefaultKeyPrefix, "Redis key prefix")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum runs to list")
	cmd.Flags().BoolVar(&opts.FailedOnly, "failed", false, "show only failed outcomes")
	cmd.MarkFlagsMutuallyExclusive("db", "redis")

	return cmd
}

func runHistory(opts *HistoryOptions, args []string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if opts.RedisAddr != "" {
		if len(args) == 1 {
			return f.Fail(ExitCommandError, "Redis keeps summaries only; use --db to show one run", nil)
		}
		client, err := dialRedis(ctx, opts.RedisAddr)
		if err != nil {
			return f.Fail(ExitCommandError, "redis unreachable", err)
		}
		defer client.Close()
		runs, err := sink.NewRedis(client, sink.WithKeyPrefix(opts.RedisPrefix)).Recent(ctx, opts.Limit)
		if err != nil {
			return f.Fail(ExitCommandError, "failed to read runs", err)
		}
		return printRuns(f, runs)
	}

	if opts.Database == "" {
		return f.Fail(ExitCommandError, "one of --db or --redis is required", nil)
	}
	st, err := store.Open(opts.Database)
	if err != nil {
		return f.Fail(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	if len(args) == 0 {
		runs, err := st.ListRuns(ctx, opts.Limit)
		if err != nil {
			return f.Fail(ExitCommandError, "failed to list runs", err)
		}
		return printRuns(f, runs)
	}

	run, err := st.GetRun(ctx, args[0])
	if errors.Is(err, store.ErrRunNotFound) {
		return f.Fail(ExitCommandError, fmt.Sprintf("run %s not found", args[0]), nil)
	}
	if err != nil {
		return f.Fail(ExitCommandError, "failed to read run", err)
	}
	run.Outcomes, err = st.RunOutcomes(ctx, run.ID, opts.FailedOnly)
	if err != nil {
		return f.Fail(ExitCommandError, "failed to read outcomes", err)
	}

	if f.Format == "json" {
		return f.Success(run, "")
	}
	writeSummary(f.Writer, run)
	writeOutcomes(f.Writer, run.Outcomes)
	return nil
}

func printRuns(f *OutputFormatter, runs []sink.Run) error {
	if f.Format == "json" {
		if runs == nil {
			runs = []sink.Run{}
		}
		return f.Success(runs, "")
	}
	if len(runs) == 0 {
		return f.Success(nil, "no runs recorded")
	}

	tw := tabwriter.NewWriter(f.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tSCENARIO\tCURRENCY\tKIND\tTOTAL\tOK\tFAILED\t")
	for _, r := range runs {
		id := r.ID
		if r.Cancelled {
			id += "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t\n",
			id, r.StartedAt.Format(time.DateTime), r.Scenario, r.Currency, r.Kind,
			r.Total, r.Succeeded, r.Failed)
	}
	return tw.Flush()
}

func writeOutcomes(w io.Writer, outcomes []sink.Outcome) {
	if len(outcomes) == 0 {
		return
	}
	fmt.Fprintln(w, "  outcomes:")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, o := range outcomes {
		fmt.Fprintf(tw, "    %s\t%s\t%d\t%s\t%s\n",
			o.TaskID, o.Status, o.Attempts, o.Duration.Round(time.Millisecond), o.Error)
	}
	_ = tw.Flush()
}
