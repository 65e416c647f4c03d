package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/bountyd/internal/admin"
	"github.com/steveyegge/bountyd/internal/aggregate"
	"github.com/steveyegge/bountyd/internal/staging"
	"github.com/steveyegge/bountyd/internal/storage"
	"github.com/steveyegge/bountyd/internal/types"
)

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List projects",
	Run: func(cmd *cobra.Command, args []string) {
		language, _ := cmd.Flags().GetString("language")
		minStars, _ := cmd.Flags().GetInt("min-stars")
		orderBy, _ := cmd.Flags().GetStringSlice("order-by")
		page, _ := cmd.Flags().GetInt("page")
		pageSize, _ := cmd.Flags().GetInt("page-size")

		res, err := adminService().ListProjects(cmd.Context(), types.ProjectFilter{
			MainLanguage: language,
			MinStars:     minStars,
			OrderBy:      orderBy,
		}, page, pageSize)
		if err != nil {
			fail("%v", err)
		}
		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			writeJSON(res)
			return
		}
		printProjects(os.Stdout, res)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show program totals and pipeline state",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		st, err := aggregate.New(store, cfg, nil).Dashboard(ctx)
		if err != nil {
			fail("%v", err)
		}
		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			writeJSON(st)
			return
		}

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		fmt.Printf("%s\n", cyan("Program"))
		fmt.Printf("  Budget:     $%d  allocated $%d  used $%d  balance $%d\n",
			st.ProgramBudget, st.BudgetAllocated, st.BudgetUsed, st.BudgetBalance)
		fmt.Printf("  Issues:     %d total, %d queued, %d approved, %d declined, %d paid\n",
			st.TotalIssues, st.QueuedIssues, st.ApprovedIssues, st.DeclinedIssues, st.BudgetApprovedIssues)
		fmt.Printf("  Projects:   %d\n", st.TotalProjects)

		state, err := store.GetRunState(ctx)
		if err != nil {
			fail("%v", err)
		}
		fmt.Printf("\n%s\n", cyan("Pipeline"))
		fmt.Printf("  Boundary:   %s\n", formatTime(state.Boundary))
		if !state.PendingEnd.IsZero() {
			fmt.Printf("  Resuming:   window ending %s\n", formatTime(state.PendingEnd))
		}
		lease, err := store.GetLease(ctx, storage.PipelineLease)
		switch {
		case errors.Is(err, types.ErrNotFound):
			fmt.Printf("  Lease:      none\n")
		case err != nil:
			fail("%v", err)
		default:
			fmt.Printf("  Lease:      %s\n", storage.Describe(lease, time.Now()))
		}

		counts, err := staging.New(store, nil).Count(ctx)
		if err != nil {
			fail("%v", err)
		}
		for _, kind := range types.AllEventKinds {
			c := counts[kind]
			if c.Total > 0 {
				fmt.Printf("  Staged %-9s %d (%d pending)\n", string(kind)+":", c.Total, c.Pending)
			}
		}
		total, indexed, err := store.CountSummaries(ctx)
		if err != nil {
			fail("%v", err)
		}
		fmt.Printf("  Summaries:  %d (%d indexed)\n", total, indexed)
	},
}

func init() {
	projectsCmd.Flags().String("language", "", "Filter by main language")
	projectsCmd.Flags().Int("min-stars", 0, "Minimum repository stars")
	projectsCmd.Flags().StringSlice("order-by", nil, "Sort keys: stars, budget, issues")
	projectsCmd.Flags().Int("page", 1, "Page number")
	projectsCmd.Flags().Int("page-size", admin.DefaultPageSize, "Projects per page")
	projectsCmd.Flags().Bool("json", false, "Output JSON")
	statsCmd.Flags().Bool("json", false, "Output JSON")

	rootCmd.AddCommand(projectsCmd)
	rootCmd.AddCommand(statsCmd)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}

func printProjects(w io.Writer, page admin.Page[*types.ProjectRecord]) {
	if len(page.Items) == 0 {
		fmt.Fprintln(w, "No projects found.")
		return
	}
	bold := color.New(color.Bold).SprintFunc()
	for _, p := range page.Items {
		fmt.Fprintf(w, "%s\n", bold(p.ProjectID))
		fmt.Fprintf(w, "  %s, %d stars, %d issue(s) (%d queued, %d approved, %d declined), %d participant(s)\n",
			orDash(p.MainLanguage), p.RepoStars, p.IssueCount, p.QueuedCount, p.ApprovedCount, p.DeclinedCount,
			len(p.ParticipantsList))
		fmt.Fprintf(w, "  budget allocated $%d, used $%d\n", p.TotalBudgetAllocated, p.TotalBudgetUsed)
	}
	fmt.Fprintf(w, "\nPage %d, %d of %d project(s)\n", page.Page, len(page.Items), page.Total)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
