package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/postpulse/am"
	"github.com/teranos/postpulse/db"
	"github.com/teranos/postpulse/logger"
	"github.com/teranos/postpulse/pulse/async"
	"github.com/teranos/postpulse/pulse/engine"
	"github.com/teranos/postpulse/pulse/run"
	"github.com/teranos/postpulse/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage postpulse database",
	Long: sym.DB + ` db - Manage postpulse database operations

Examples:
  postpulse db migrate    # Create or upgrade the schema
  postpulse db stats      # Job and run counts by status
  postpulse db jobs --status FAILED`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := am.GetDatabasePath()
		if err != nil {
			return err
		}
		database, err := db.Open(path, logger.Logger)
		if err != nil {
			return err
		}
		defer database.Close()

		before, err := db.Migrations(database)
		if err != nil {
			return err
		}
		if err := db.Migrate(database, logger.Logger); err != nil {
			return err
		}

		for _, m := range before {
			if m.Applied {
				fmt.Printf("  %s (already applied)\n", m.File)
			} else {
				pterm.Success.Printf("%s applied\n", m.File)
			}
		}
		fmt.Printf("%s Database ready: %s\n", sym.DB, path)
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job and run counts by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			jobs, err := e.QueueStats(ctx)
			if err != nil {
				return err
			}
			runs, err := e.RunStats(ctx)
			if err != nil {
				return err
			}

			path, _ := am.GetDatabasePath()
			fmt.Printf("%s Database Statistics\n", sym.DB)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
			fmt.Printf("Database Path: %s\n\n", path)

			fmt.Printf("Jobs:\n")
			fmt.Printf("  Pending:     %d\n", jobs.Pending)
			fmt.Printf("  Processing:  %d\n", jobs.Processing)
			fmt.Printf("  Completed:   %d\n", jobs.Completed)
			fmt.Printf("  Failed:      %d\n", jobs.Failed)
			fmt.Printf("  Cancelled:   %d\n", jobs.Cancelled)
			fmt.Printf("  Total:       %d\n\n", jobs.Total)

			fmt.Printf("Runs:\n")
			for _, s := range []run.Status{
				run.StatusPending,
				run.StatusRunning,
				run.StatusCompleted,
				run.StatusPartialFailed,
				run.StatusFailed,
				run.StatusCancelled,
			} {
				fmt.Printf("  %-15s %d\n", s+":", runs[s])
			}
			return nil
		})
	},
}

var dbJobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List the newest jobs across all runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFlag, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		var status *async.JobStatus
		if statusFlag != "" {
			s := async.JobStatus(strings.ToUpper(statusFlag))
			if !async.IsValidStatus(string(s)) {
				return fmt.Errorf("unknown job status %q", statusFlag)
			}
			status = &s
		}

		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			jobs, err := e.ListJobs(ctx, status, limit)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				pterm.Info.Println("No jobs")
				return nil
			}
			data := pterm.TableData{{"JOB", "RUN", "TYPE", "USER", "STATUS", "ATTEMPTS", "REASON", "UPDATED"}}
			for _, j := range jobs {
				data = append(data, []string{
					j.ID,
					j.RunID,
					string(j.Type),
					j.UserID,
					string(j.Status),
					fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts),
					j.Reason,
					j.UpdatedAt.Local().Format(time.DateTime),
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		})
	},
}

func init() {
	dbJobsCmd.Flags().String("status", "", "Filter by status (PENDING, PROCESSING, COMPLETED, FAILED, CANCELLED)")
	dbJobsCmd.Flags().Int("limit", 50, "Maximum number of jobs")

	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
	DbCmd.AddCommand(dbJobsCmd)
}
