package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions are the persistent flags every subcommand sees.
type RootOptions struct {
	Verbose bool
	// Format is "text" or "json".
	Format string
	// Config names the config file; empty searches for aionis.yaml.
	Config string
	// Database and Driver override database.dsn and database.driver.
	Database string
	Driver   string
}

// ValidFormats are the accepted --format values.
var ValidFormats = []string{"text", "json"}

// NewRootCommand builds the aionis command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	root := &cobra.Command{
		Use:   "aionis",
		Short: "Policy-aware memory kernel",
		Long: `aionis runs the policy-aware memory kernel: writes land in a
hash-chained commit ledger, an outbox derives embeddings in the
background, and matched rules resolve into a tool policy whose every
decision is recorded.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if slices.Contains(ValidFormats, opts.Format) {
				return nil
			}
			return NewExitError(ExitCommandError,
				fmt.Sprintf("invalid format %q (want one of %v)", opts.Format, ValidFormats))
		},
	}

	pf := root.PersistentFlags()
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "print diagnostics to stderr")
	pf.StringVar(&opts.Format, "format", "text", "output format: text or json")
	pf.StringVarP(&opts.Config, "config", "c", "", "config file (default ./aionis.yaml)")
	pf.StringVar(&opts.Database, "db", "", "database DSN, overriding database.dsn")
	pf.StringVar(&opts.Driver, "driver", "", "sqlite3 or pgx, overriding database.driver")

	for _, sub := range []func(*RootOptions) *cobra.Command{
		NewWorkerCommand,
		NewWriteCommand,
		NewEvaluateCommand,
		NewSelectCommand,
		NewFeedbackCommand,
		NewRulesCommand,
		NewLedgerCommand,
		NewOutboxCommand,
		NewDecisionCommand,
	} {
		root.AddCommand(sub(opts))
	}
	return root
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}
