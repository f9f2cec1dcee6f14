// Package cli wires the co2monitor commands.
package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kjstillabower/co2-monitor/internal/observability"
)

// NewRootCommand builds the command tree. Each call returns fresh flag state.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "co2monitor",
		Short: "CO2, temperature and humidity monitor for a USB serial sensor",
		Long: `co2monitor reads measurement lines from a CO2 sensor on a USB serial link,
stores every accepted reading in SQLite and serves latest, history and range
queries over HTTP.

Run "co2monitor serve" for the long-running service. The other commands are
one-shot helpers that work without the service running.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().String("db", "", "SQLite database path (default $DATABASE_PATH or co2_data.db)")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging on stderr")

	root.AddCommand(
		newServeCommand(),
		newParseCommand(),
		newHistoryCommand(),
		newRangeCommand(),
		newPortsCommand(),
	)
	return root
}

// Execute runs the root command with a background context.
func Execute() error {
	return NewRootCommand().ExecuteContext(context.Background())
}

// databasePath resolves --db, then DATABASE_PATH, then the default file name.
func databasePath(cmd *cobra.Command) string {
	if p := dbFlag(cmd); p != "" {
		return p
	}
	if p := os.Getenv("DATABASE_PATH"); p != "" {
		return p
	}
	return "co2_data.db"
}

// dbFlag returns the --db value, which may live on the root's persistent flag set.
func dbFlag(cmd *cobra.Command) string {
	if f := cmd.Flag("db"); f != nil {
		return f.Value.String()
	}
	return ""
}

// cliLogger builds the stderr logger for one-shot commands, honoring --verbose.
func cliLogger(cmd *cobra.Command) *zap.Logger {
	verbose := false
	if f := cmd.Flag("verbose"); f != nil {
		verbose = f.Value.String() == "true"
	}
	logger, err := observability.NewCLILogger(verbose)
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
