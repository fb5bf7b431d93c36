package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/paybench/internal/fault"
	"github.com/roach88/paybench/internal/merchant"
)

// MerchantsEnv names the variable that supplies --merchants when the flag
// is not given.
const MerchantsEnv = "PAYBENCH_MERCHANTS"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose   bool
	Format    string // "json" | "text"
	Merchants string // merchant table: .cue file or CUE package dir

	// LookupEnv resolves apiKeyEnv/secretKeyEnv in the merchant table.
	// Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the paybench CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "paybench",
		Short: "paybench - payment gateway integration harness",
		Long: `Build, seal and fire merchant transactions at a payment gateway.

paybench speaks the gateway's wire protocol (canonical JSON, AES-256-CBC
encryption, HMAC-SHA256 signatures), runs YAML batch scenarios against a
sandbox or the built-in mock gateway, and keeps a history of runs.`,
		SilenceUsage:  true,
		SilenceErrors: true, // main prints errors commands have not reported
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			if opts.Merchants == "" {
				opts.Merchants = os.Getenv(MerchantsEnv)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Merchants, "merchants", "m", "",
		"merchant table (.cue file or directory, default $"+MerchantsEnv+")")

	cmd.AddCommand(NewCanonicalizeCommand(opts))
	cmd.AddCommand(NewSignCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewEncryptCommand(opts))
	cmd.AddCommand(NewDecryptCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewMockGatewayCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// formatter builds the output formatter for cmd.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // keeps JSON on stdout clean
		Verbose:   o.Verbose,
	}
}

// logger returns a text logger on w, at debug level with --verbose.
func (o *RootOptions) logger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// loadTable loads the merchant table named by --merchants.
func (o *RootOptions) loadTable() (*merchant.Table, error) {
	if o.Merchants == "" {
		return nil, fault.New(fault.KindValidation, "cli", "no merchant table: pass --merchants or set %s", MerchantsEnv)
	}
	return merchant.LoadTable(o.Merchants, merchant.LoadOptions{LookupEnv: o.LookupEnv})
}
