package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/bountyd/internal/control"
	"github.com/steveyegge/bountyd/internal/pipeline"
	"github.com/steveyegge/bountyd/internal/types"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline once",
	Long: `Run every pipeline stage once: ingest the next window, consolidate staged
events, recompute projects, summarize, index, notify and clean up staging.

A run held by another process is reported as skipped.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signalContext()
		defer stop()

		runner, err := buildRunner(cfg, store)
		if err != nil {
			fail("%v", err)
		}
		report, err := runner.RunOnce(ctx)
		if err != nil {
			fail("%v", err)
		}
		printReport(os.Stdout, report)
		if report.Failed() {
			fail("one or more stages failed")
		}
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the pipeline at the configured cadence",
	Long: `Run the pipeline immediately and then every window.cadence until
interrupted. A tick that fires while a run is still in progress is skipped.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signalContext()
		defer stop()

		runner, err := buildRunner(cfg, store)
		if err != nil {
			fail("%v", err)
		}
		sched := pipeline.NewScheduler(runner.RunOnce, cfg.Window.Cadence, func(r *types.RunReport, err error) {
			if r != nil {
				printReport(os.Stdout, r)
			}
		}, nil)

		if socket, _ := cmd.Flags().GetString("socket"); socket != "" {
			srv, err := control.NewServer(socket, controlHandler(ctx, sched), nil)
			if err != nil {
				fail("%v", err)
			}
			if err := srv.Start(ctx); err != nil {
				fail("%v", err)
			}
			defer srv.Stop()
		}

		cyan := color.New(color.FgCyan).SprintFunc()
		fmt.Printf("%s every %s (Ctrl+C to stop)\n", cyan("Scheduling runs"), cfg.Window.Cadence)
		if err := sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			fail("%v", err)
		}
		fmt.Printf("\nStopped. %d tick(s) skipped while a run was in progress.\n", sched.Skipped())
	},
}

// controlHandler answers control socket commands for a running scheduler
func controlHandler(ctx context.Context, sched *pipeline.Scheduler) control.Handler {
	return func(c control.Command) (map[string]any, error) {
		switch c.Type {
		case control.CommandStatus:
			st := sched.Status()
			data := map[string]any{
				"cadence": st.Cadence.String(),
				"running": st.Running,
				"runs":    st.Runs,
				"skipped": st.Skipped,
			}
			if st.Last != nil {
				data["last_run"] = st.Last.RunID
				data["last_window"] = st.Last.Window.String()
				data["last_failed"] = st.Last.Failed()
			}
			if st.LastErr != nil {
				data["last_error"] = st.LastErr.Error()
			}
			return data, nil
		case control.CommandTrigger:
			return map[string]any{"started": sched.Trigger(ctx)}, nil
		}
		return nil, fmt.Errorf("unknown command %q", c.Type)
	}
}

var ctlCmd = &cobra.Command{
	Use:         "ctl <status|trigger>",
	Short:       "Query or poke a running scheduler",
	Args:        cobra.ExactArgs(1),
	ValidArgs:   []string{control.CommandStatus, control.CommandTrigger},
	Annotations: map[string]string{skipStore: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		socket, _ := cmd.Flags().GetString("socket")
		resp, err := control.NewClient(socket).Send(args[0])
		if err != nil {
			fail("%v", err)
		}
		if !resp.Success {
			fail("%s", resp.Error)
		}
		keys := make([]string, 0, len(resp.Data))
		for k := range resp.Data {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Printf("%-12s %v\n", k+":", resp.Data[k])
		}
	},
}

func init() {
	scheduleCmd.Flags().String("socket", control.DefaultSocketPath, "Control socket path (empty disables)")
	ctlCmd.Flags().String("socket", control.DefaultSocketPath, "Control socket path")
	rootCmd.AddCommand(ctlCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scheduleCmd)
}

// printReport renders a run report with one line per stage
func printReport(w io.Writer, r *types.RunReport) {
	yellow := color.New(color.FgYellow).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	bold := color.New(color.Bold).SprintFunc()

	if r.Skipped {
		fmt.Fprintf(w, "%s run %s: %s\n", yellow("Skipped"), r.RunID, r.SkipReason)
		return
	}

	window := r.Window.String()
	if r.Window.Empty() {
		window = "(nothing new)"
	}
	fmt.Fprintf(w, "%s %s  window %s  in %s\n", bold("Run"), r.RunID, window,
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	for _, st := range r.Stages {
		status := green("ok")
		if st.Err != "" {
			status = red("failed")
		}
		fmt.Fprintf(w, "  %-12s %-7s succeeded=%d failed=%d skipped=%d",
			st.Stage, status, st.Succeeded, st.Failed, st.Skipped)
		if st.Err != "" {
			fmt.Fprintf(w, "  %s", st.Err)
		}
		fmt.Fprintln(w)
	}
}
