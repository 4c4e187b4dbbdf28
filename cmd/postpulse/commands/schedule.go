package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/postpulse/pulse/engine"
	"github.com/teranos/postpulse/pulse/run"
	"github.com/teranos/postpulse/pulse/schedule"
	"github.com/teranos/postpulse/sym"
)

// ScheduleCmd represents the schedule command
var ScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: sym.Pulse + " Manage posting schedules",
	Long: sym.Pulse + ` schedule - Manage posting schedules.

Schedules and their templates are declared in a TOML file and imported.
Re-importing updates configuration; a paused schedule stays paused.

Examples:
  postpulse schedule import schedules.toml
  postpulse schedule ls --status ACTIVE
  postpulse schedule pause weekly-digest
  postpulse schedule trigger weekly-digest   # Fire now, outside the clock
  postpulse schedule sync weekly-digest      # Refresh the post ledger`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var scheduleImportCmd = &cobra.Command{
	Use:   "import <file.toml>",
	Short: "Import templates and schedules from a TOML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", args[0], err)
		}
		defer f.Close()

		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			res, err := e.ImportSchedules(ctx, f)
			if err != nil {
				return err
			}
			pterm.Success.Printf("Imported %d template(s) and %d schedule(s)\n", res.Templates, res.Schedules)
			for _, id := range res.ScheduleIDs {
				pterm.Printf("  %s\n", id)
			}
			return nil
		})
	},
}

var scheduleLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List schedules with their eligibility",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		status = strings.ToUpper(status)
		switch status {
		case "", schedule.StatusActive, schedule.StatusPaused:
		default:
			return fmt.Errorf("unknown status %q (ACTIVE, PAUSED)", status)
		}
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			views, err := e.ListSchedules(ctx, status)
			if err != nil {
				return err
			}
			if len(views) == 0 {
				pterm.Info.Println("No schedules")
				return nil
			}

			data := pterm.TableData{{"ID", "USER", "TRIGGER", "STATUS", "TODAY", "ELIGIBLE"}}
			for _, v := range views {
				trigger := v.CronExpr
				if !v.IsCron() {
					trigger = "every " + strconv.Itoa(v.IntervalMinutes) + "m"
				}
				eligible := "yes"
				if !v.Eligibility.Eligible {
					eligible = v.Eligibility.Reason
				}
				if v.Eligibility.Reason == schedule.ReasonDayCapReached {
					eligible += " until " + v.Eligibility.ResetsAt.Local().Format(time.DateTime)
				}
				data = append(data, []string{
					v.ID,
					v.UserID,
					trigger,
					v.Status,
					fmt.Sprintf("%d/%d", v.Eligibility.Issued, v.MaxPostsPerDay),
					eligible,
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		})
	},
}

var schedulePauseCmd = &cobra.Command{
	Use:   "pause <schedule-id>",
	Short: "Stop a schedule from firing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			if err := e.Pause(ctx, args[0]); err != nil {
				return err
			}
			pterm.Success.Printf("Paused %s\n", args[0])
			return nil
		})
	},
}

var scheduleActivateCmd = &cobra.Command{
	Use:   "activate <schedule-id>",
	Short: "Let a paused schedule fire again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			if err := e.Activate(ctx, args[0]); err != nil {
				return err
			}
			pterm.Success.Printf("Activated %s\n", args[0])
			return nil
		})
	},
}

var scheduleTriggerCmd = &cobra.Command{
	Use:   "trigger <schedule-id>",
	Short: "Fire a schedule now",
	Long: `Create a posting run immediately. The day cap still applies: a schedule
that already spent its quota yields an empty, completed run.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			r, err := e.TriggerNow(ctx, args[0])
			if err != nil {
				return err
			}
			printDispatched(r)
			return nil
		})
	},
}

var scheduleSyncCmd = &cobra.Command{
	Use:   "sync <schedule-id>",
	Short: "Sync the schedule's board into the post ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			r, err := e.SyncNow(ctx, args[0])
			if err != nil {
				return err
			}
			printDispatched(r)
			return nil
		})
	},
}

func init() {
	scheduleLsCmd.Flags().String("status", "", "Filter by status (ACTIVE, PAUSED)")

	ScheduleCmd.AddCommand(scheduleImportCmd)
	ScheduleCmd.AddCommand(scheduleLsCmd)
	ScheduleCmd.AddCommand(schedulePauseCmd)
	ScheduleCmd.AddCommand(scheduleActivateCmd)
	ScheduleCmd.AddCommand(scheduleTriggerCmd)
	ScheduleCmd.AddCommand(scheduleSyncCmd)
}

func printDispatched(r *run.Run) {
	pterm.Success.Printf("%s Run %s created (%s, %d job(s), %s)\n",
		sym.Run, r.ID, r.Trigger, r.TotalJobs, r.Status)
	if r.IsOpen() {
		pterm.Info.Println("Jobs execute in the running daemon (postpulse pulse start)")
	}
}

// statusColor highlights final run statuses
func statusColor(s run.Status) string {
	switch s {
	case run.StatusCompleted:
		return pterm.FgGreen.Sprint(s)
	case run.StatusFailed:
		return pterm.FgRed.Sprint(s)
	case run.StatusPartialFailed, run.StatusCancelled:
		return pterm.FgYellow.Sprint(s)
	}
	return string(s)
}
