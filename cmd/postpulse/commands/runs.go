package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/postpulse/pulse/engine"
	"github.com/teranos/postpulse/sym"
)

// RunsCmd represents the runs command
var RunsCmd = &cobra.Command{
	Use:   "runs",
	Short: sym.Run + " Inspect and cancel runs",
	Long: sym.Run + ` runs - One run per schedule firing.

Examples:
  postpulse runs ls weekly-digest             # Newest runs first
  postpulse runs ls weekly-digest --page 2    # Older runs
  postpulse runs show PX1a2b3c                # Run with its jobs
  postpulse runs cancel PX1a2b3c              # Cancel pending jobs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var runsLsCmd = &cobra.Command{
	Use:   "ls <schedule-id>",
	Short: "List a schedule's runs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		page, _ := cmd.Flags().GetInt("page")
		limit, _ := cmd.Flags().GetInt("limit")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			p, err := e.ListRuns(ctx, args[0], page, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(p)
			}
			if len(p.Runs) == 0 {
				pterm.Info.Printf("No runs for %s\n", args[0])
				return nil
			}

			data := pterm.TableData{{"ID", "TRIGGER", "DAY", "STARTED", "JOBS", "OK", "FAILED", "CANCELLED", "STATUS"}}
			for _, r := range p.Runs {
				data = append(data, []string{
					r.ID,
					string(r.Trigger),
					r.RunDate,
					r.StartedAt.Local().Format(time.DateTime),
					strconv.Itoa(r.TotalJobs),
					strconv.Itoa(r.CompletedJobs),
					strconv.Itoa(r.FailedJobs),
					strconv.Itoa(r.CancelledJobs),
					statusColor(r.Status),
				})
			}
			if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
				return err
			}
			pterm.Printf("Page %d, %d of %d run(s)\n", p.Page, len(p.Runs), p.Total)
			if p.HasMore {
				pterm.Info.Printf("More: postpulse runs ls %s --page %d\n", args[0], p.Page+1)
			}
			return nil
		})
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run and its jobs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")

		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			r, err := e.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(r)
			}

			pterm.DefaultSection.Printf("%s Run %s", sym.Run, r.ID)
			pterm.Printf("Schedule:  %s\n", r.ScheduleID)
			pterm.Printf("Trigger:   %s %s\n", r.Trigger, r.SlotKey)
			pterm.Printf("Day:       %s\n", r.RunDate)
			pterm.Printf("Started:   %s\n", r.StartedAt.Local().Format(time.DateTime))
			if r.FinishedAt != nil {
				pterm.Printf("Finished:  %s\n", r.FinishedAt.Local().Format(time.DateTime))
			}
			pterm.Printf("Status:    %s\n", statusColor(r.Status))
			pterm.Printf("Jobs:      %d total, %d completed, %d failed, %d cancelled\n",
				r.TotalJobs, r.CompletedJobs, r.FailedJobs, r.CancelledJobs)
			pterm.Println()

			if len(r.Jobs) == 0 {
				return nil
			}
			data := pterm.TableData{{"JOB", "TYPE", "STATUS", "ATTEMPTS", "REASON", "ERROR"}}
			for _, j := range r.Jobs {
				lastErr := j.LastError
				if len(lastErr) > 60 {
					lastErr = lastErr[:57] + "..."
				}
				data = append(data, []string{
					j.ID,
					string(j.Type),
					string(j.Status),
					strconv.Itoa(j.Attempts),
					j.Reason,
					lastErr,
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		})
	},
}

var runsCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a run's pending jobs",
	Long: `Cancel every PENDING job of a run. Jobs already executing finish and
the run finalizes when they do.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			r, err := e.CancelRun(ctx, args[0])
			if err != nil {
				return err
			}
			pterm.Success.Printf("%s Run %s: %d job(s) cancelled, status %s\n",
				sym.Run, r.ID, r.CancelledJobs, statusColor(r.Status))
			return nil
		})
	},
}

func init() {
	runsLsCmd.Flags().Int("page", 1, "Page number, starting at 1")
	runsLsCmd.Flags().Int("limit", engine.DefaultPageLimit, fmt.Sprintf("Runs per page (max %d)", engine.MaxPageLimit))
	runsLsCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	runsShowCmd.Flags().BoolP("json", "j", false, "Output as JSON")

	RunsCmd.AddCommand(runsLsCmd)
	RunsCmd.AddCommand(runsShowCmd)
	RunsCmd.AddCommand(runsCancelCmd)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
