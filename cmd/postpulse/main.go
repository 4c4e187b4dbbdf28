package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/postpulse/am"
	"github.com/teranos/postpulse/cmd/postpulse/commands"
	"github.com/teranos/postpulse/logger"
)

var rootCmd = &cobra.Command{
	Use:   "postpulse",
	Short: "postpulse - Scheduled posting engine",
	Long: `postpulse - Recurring posts to a community platform.

Schedules fire on a cron expression or a fixed interval. Each firing becomes
a run of jobs (session init, post creation, board sync) that a pool of
workers executes under a per-day post cap and a global rate limit.

Available commands:
  pulse    - Run the engine (ticker, workers, watchdog)
  schedule - Import, inspect and control schedules
  runs     - Inspect and cancel runs
  posts    - List and delete published posts
  am       - Manage configuration ("I am")
  db       - Manage the database

Examples:
  postpulse schedule import schedules.toml
  postpulse pulse start
  postpulse runs ls weekly-digest
  postpulse am show --format yaml`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Machine-readable output must not be interleaved with log lines
		if cmd.Name() == "show" || cmd.Name() == "get" {
			return nil
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if cfg, err := am.Load(); err == nil {
			jsonLogs = jsonLogs || cfg.Log.JSON
		}
		if err := logger.InitializeWithLevel(jsonLogs, logger.VerbosityToLevel(verbosity)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Write logs as JSON (same as log.json = true)")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.ScheduleCmd)
	rootCmd.AddCommand(commands.RunsCmd)
	rootCmd.AddCommand(commands.PostsCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
