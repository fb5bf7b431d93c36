package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/paybench/internal/mockgw"
)

// MockGatewayOptions holds flags for the mock-gateway command.
type MockGatewayOptions struct {
	*RootOptions
	Addr             string
	FailEvery        int
	Latency          time.Duration
	EncryptResponses bool
}

// NewMockGatewayCommand creates the mock-gateway command.
func NewMockGatewayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MockGatewayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "mock-gateway",
		Short: "Serve a fake gateway for the merchant table",
		Long: `Serve a fake payment gateway that authenticates requests exactly like the
real one: it decrypts "data" bodies and checks X-Signature headers with the
keys of the merchant table. Point a merchant's baseURL at it to rehearse a
scenario without a sandbox.

Repeated order IDs get the first response back. --fail-every n answers
every n-th request with 503 to exercise retries.

Example:
  paybench mock-gateway -m merchants.cue --addr 127.0.0.1:8089 --fail-every 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMockGateway(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "127.0.0.1:8089", "listen address")
	cmd.Flags().IntVar(&opts.FailEvery, "fail-every", 0, "answer every n-th request with 503 (0 disables)")
	cmd.Flags().DurationVar(&opts.Latency, "latency", 0, "delay every response")
	cmd.Flags().BoolVar(&opts.EncryptResponses, "encrypt-responses", false, "encrypt response bodies")

	return cmd
}

func runMockGateway(opts *MockGatewayOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	log := opts.logger(cmd.ErrOrStderr())

	table, err := opts.loadTable()
	if err != nil {
		return f.Fail(ExitCommandError, "failed to load merchant table", err)
	}
	if opts.FailEvery < 0 {
		return f.Fail(ExitCommandError, "--fail-every must not be negative", nil)
	}

	gw := mockgw.New(mockgw.Config{
		Table:            table,
		FailEvery:        opts.FailEvery,
		Latency:          opts.Latency,
		EncryptResponses: opts.EncryptResponses,
		Logger:           log,
	})

	ctx, cancel := withSignals(cmd, log)
	defer cancel()

	fmt.Fprintf(f.GetErrWriter(), "Mock gateway for %v on %s. Press Ctrl-C to stop.\n", table.Codes(), opts.Addr)
	if err := gw.ListenAndServe(ctx, opts.Addr); err != nil {
		return f.Fail(ExitCommandError, "mock gateway stopped", err)
	}

	s := gw.Stats()
	log.Info("mock gateway stopped",
		"received", s.Received,
		"accepted", s.Accepted,
		"replayed", s.Replayed,
		"rejected", s.Rejected,
		"injected", s.Injected,
	)
	return nil
}
