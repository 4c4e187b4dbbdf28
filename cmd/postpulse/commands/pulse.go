package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/postpulse/am"
	"github.com/teranos/postpulse/pulse/async"
	"github.com/teranos/postpulse/pulse/engine"
	"github.com/teranos/postpulse/sym"
)

// PulseCmd represents the pulse command - the schedule engine daemon
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Pulse + " Run the schedule engine",
	Long: sym.Pulse + ` Pulse - the schedule engine daemon.

The daemon provides:
- Trigger evaluation on a fixed tick (cron and interval schedules)
- A worker pool executing posting jobs with retry and backoff
- A per-day post cap per schedule and a global platform rate limit
- A watchdog that finalizes runs past their deadline
- GRACE shutdown (in-flight jobs finish or go back to the queue)

Example:
  postpulse pulse start              # Start daemon in foreground
  postpulse pulse start --workers 3  # Start with 3 concurrent workers
  postpulse pulse start --follow     # Print job transitions as they happen
  postpulse pulse sweep              # Expire stale runs once and exit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// PulseStartCmd starts the daemon
var PulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Pulse daemon",
	Long: `Start the Pulse daemon in foreground mode.

The daemon will:
- Start the worker pool and recover jobs orphaned by a crash
- Start the watchdog and the ticker
- Reload rate limits when the config file changes
- Run until interrupted (Ctrl+C) with GRACE shutdown`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := am.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		pulseCfg := cfg.Pulse
		if cmd.Flags().Changed("workers") {
			pulseCfg.Workers, _ = cmd.Flags().GetInt("workers")
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		e, database, err := newEngine(ctx, pulseCfg, am.ConfigFileUsed())
		if err != nil {
			return err
		}
		defer database.Close()

		printStartupBanner(cfg, pulseCfg)
		if follow, _ := cmd.Flags().GetBool("follow"); follow {
			updates := e.Queue().Subscribe()
			defer e.Queue().Unsubscribe(updates)
			go followJobs(ctx, updates)
		}
		e.Start()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		fmt.Printf("\n%s Initiating GRACE shutdown...\n", sym.PulseClose)
		e.Stop()
		fmt.Printf("%s Pulse daemon stopped\n", sym.Pulse)
		return nil
	},
}

// PulseSweepCmd runs one watchdog pass
var PulseSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire runs past their deadline",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			n, err := e.Sweep(ctx)
			if err != nil {
				return err
			}
			pterm.Success.Printf("%s Expired %d run(s)\n", sym.Watchdog, n)
			return nil
		})
	},
}

func init() {
	PulseStartCmd.Flags().Int("workers", 1, "Number of concurrent workers (overrides pulse.workers)")
	PulseStartCmd.Flags().BoolP("follow", "f", false, "Print job transitions while running")
	PulseCmd.AddCommand(PulseStartCmd)
	PulseCmd.AddCommand(PulseSweepCmd)
}

// printStartupBanner prints the effective engine settings
func printStartupBanner(cfg *am.Config, p am.PulseConfig) {
	pterm.DefaultHeader.WithFullWidth().Printf("%s postpulse", sym.Pulse)
	pterm.Println()

	clock := "disabled"
	if p.TickerIntervalSeconds > 0 {
		clock = p.TickerInterval().String()
	}
	watchdog := "disabled"
	if p.WatchdogIntervalSeconds > 0 && p.RunDeadlineSeconds > 0 {
		watchdog = fmt.Sprintf("every %s, deadline %s", p.WatchdogInterval(), p.RunDeadline())
	}
	rateLimit := "unlimited"
	if p.RateLimitPerMinute > 0 {
		rateLimit = fmt.Sprintf("%d/min (burst %d)", p.RateLimitPerMinute, p.RateLimitBurst)
	}

	pterm.Info.Printf("Database:   %s\n", cfg.GetDatabasePath())
	pterm.Info.Printf("Platform:   %s\n", cfg.Platform.BaseURL)
	pterm.Info.Printf("Workers:    %d (poll %s)\n", p.Workers, p.PollInterval())
	pterm.Info.Printf("Ticker:     %s\n", clock)
	pterm.Info.Printf("Watchdog:   %s\n", watchdog)
	pterm.Info.Printf("Rate limit: %s\n", rateLimit)
	pterm.Info.Printf("Retries:    %d attempts, backoff %s..%s\n", p.MaxAttempts, p.BackoffBase(), p.BackoffMax())
	if file := am.ConfigFileUsed(); file != "" {
		pterm.Info.Printf("Config:     %s (watched)\n", file)
	}
	pterm.Println()
	fmt.Printf("%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)
}

// followJobs prints job updates until ctx is done. The channel is never
// closed by the queue.
func followJobs(ctx context.Context, updates <-chan *async.Job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-updates:
			line := fmt.Sprintf("%s %s %-12s %-10s run=%s user=%s attempt=%d",
				j.UpdatedAt.Local().Format(time.TimeOnly), j.ID, j.Type, j.Status, j.RunID, j.UserID, j.Attempts)
			switch j.Status {
			case async.JobStatusCompleted:
				pterm.FgGreen.Println(line)
			case async.JobStatusFailed:
				pterm.FgRed.Println(fmt.Sprintf("%s %s %s", line, j.Reason, j.LastError))
			case async.JobStatusCancelled:
				pterm.FgYellow.Println(line)
			default:
				pterm.FgGray.Println(line)
			}
		}
	}
}
