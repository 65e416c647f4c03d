package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/bountyd/internal/admin"
	"github.com/steveyegge/bountyd/internal/types"
)

var issuesCmd = &cobra.Command{
	Use:   "issues",
	Short: "List issues and drive the approval workflow",
}

var issuesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List issues",
	Run: func(cmd *cobra.Command, args []string) {
		status, _ := cmd.Flags().GetString("status")
		project, _ := cmd.Flags().GetString("project")
		language, _ := cmd.Flags().GetString("language")
		page, _ := cmd.Flags().GetInt("page")
		pageSize, _ := cmd.Flags().GetInt("page-size")
		orderBy, _ := cmd.Flags().GetStringSlice("order-by")
		jsonOut, _ := cmd.Flags().GetBool("json")

		filter := types.IssueFilter{ProjectID: project, MainLanguage: language, OrderBy: orderBy}
		if status != "" {
			rs := types.ReviewStatus(status)
			if !rs.IsValid() {
				fail("invalid status %q (queue, approve or decline)", status)
			}
			filter.ReviewStatus = rs
		}

		res, err := adminService().ListIssues(cmd.Context(), filter, page, pageSize)
		if err != nil {
			fail("%v", err)
		}
		if jsonOut {
			writeJSON(res)
			return
		}
		printIssues(os.Stdout, res)
	},
}

var issuesShowCmd = &cobra.Command{
	Use:   "show <issue-url>",
	Short: "Show one issue",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		issue, err := adminService().GetIssue(cmd.Context(), args[0])
		if err != nil {
			fail("%v", err)
		}
		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			writeJSON(issue)
			return
		}
		printIssue(os.Stdout, issue)
	},
}

var issuesApproveCmd = &cobra.Command{
	Use:   "approve <issue-url> <amount>",
	Short: "Assign a budget to an issue and approve it",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		amount, err := strconv.Atoi(args[1])
		if err != nil {
			fail("invalid amount %q", args[1])
		}
		issue, err := adminService().AssignBudget(cmd.Context(), args[0], amount)
		if err != nil {
			fail("%v", err)
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s %s with budget $%d\n", green("✓ Approved"), issue.IssueID, issue.BudgetValue())
	},
}

var issuesConcludeCmd = &cobra.Command{
	Use:   "conclude <issue-url>",
	Short: "Approve the assigned budget for payout",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		issue, err := adminService().Conclude(cmd.Context(), args[0])
		if err != nil {
			fail("%v", err)
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s %s ($%d)\n", green("✓ Budget approved for"), issue.IssueID, issue.BudgetValue())
	},
}

var issuesDeclineCmd = &cobra.Command{
	Use:   "decline <issue-url>...",
	Short: "Decline one or more issues",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		res := adminService().BatchDecline(cmd.Context(), args)
		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		for _, id := range res.Succeeded {
			fmt.Printf("%s %s\n", green("✓ Declined"), id)
		}
		for _, f := range res.Failed {
			fmt.Printf("%s %s: %s\n", red("✗ Failed"), f.IssueID, f.Error)
		}
		if len(res.Failed) > 0 {
			os.Exit(1)
		}
	},
}

func init() {
	issuesListCmd.Flags().String("status", "", "Filter by review status (queue, approve, decline)")
	issuesListCmd.Flags().String("project", "", "Filter by project URL")
	issuesListCmd.Flags().String("language", "", "Filter by main language")
	issuesListCmd.Flags().StringSlice("order-by", nil, "Sort keys: stars, title, language, creator, budget, assignees, date_assigned")
	issuesListCmd.Flags().Int("page", 1, "Page number")
	issuesListCmd.Flags().Int("page-size", admin.DefaultPageSize, "Issues per page")
	issuesListCmd.Flags().Bool("json", false, "Output JSON")
	issuesShowCmd.Flags().Bool("json", false, "Output JSON")

	issuesCmd.AddCommand(issuesListCmd, issuesShowCmd, issuesApproveCmd, issuesConcludeCmd, issuesDeclineCmd)
	rootCmd.AddCommand(issuesCmd)
}

func writeJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fail("%v", err)
	}
}

func statusColor(rs types.ReviewStatus) string {
	switch rs {
	case types.ReviewApprove:
		return color.GreenString(string(rs))
	case types.ReviewDecline:
		return color.RedString(string(rs))
	default:
		return color.YellowString(string(rs))
	}
}

func printIssues(w io.Writer, page admin.Page[*types.IssueRecord]) {
	if len(page.Items) == 0 {
		fmt.Fprintln(w, "No issues found.")
		return
	}
	for _, issue := range page.Items {
		budget := "-"
		if issue.Budget != nil {
			budget = fmt.Sprintf("$%d", *issue.Budget)
			if issue.BudgetApproved {
				budget += " paid"
			}
		}
		fmt.Fprintf(w, "%-8s %-10s %s\n         %s\n", statusColor(issue.ReviewStatus), budget, issue.Title, issue.IssueID)
	}
	fmt.Fprintf(w, "\nPage %d, %d of %d issue(s)", page.Page, len(page.Items), page.Total)
	if page.HasNext() {
		fmt.Fprintf(w, " (next: --page %d)", page.Page+1)
	}
	fmt.Fprintln(w)
}

func printIssue(w io.Writer, issue *types.IssueRecord) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Fprintf(w, "%s\n", cyan(issue.Title))
	fmt.Fprintf(w, "  URL:        %s\n", issue.IssueID)
	fmt.Fprintf(w, "  Project:    %s\n", issue.ProjectID)
	fmt.Fprintf(w, "  Creator:    %s\n", issue.Creator)
	fmt.Fprintf(w, "  Status:     %s\n", statusColor(issue.ReviewStatus))
	if issue.MainLanguage != "" {
		fmt.Fprintf(w, "  Language:   %s (%d stars)\n", issue.MainLanguage, issue.RepoStars)
	}
	if issue.BudgetGuess > 0 {
		fmt.Fprintf(w, "  Suggested:  $%d\n", issue.BudgetGuess)
	}
	if issue.Budget != nil {
		fmt.Fprintf(w, "  Budget:     $%d (budget approved: %t)\n", *issue.Budget, issue.BudgetApproved)
	}
	if len(issue.Assignees) > 0 {
		fmt.Fprintf(w, "  Assignees:  %s\n", strings.Join(issue.Assignees, ", "))
	}
	if issue.LinkedPR != nil {
		fmt.Fprintf(w, "  Linked PR:  %s\n", *issue.LinkedPR)
	}
	if issue.TrackerStatus != nil {
		fmt.Fprintf(w, "  Tracker:    %s\n", *issue.TrackerStatus)
	}
	if issue.LastCommentAt != nil {
		fmt.Fprintf(w, "  Last reply: %s by %s\n", issue.LastCommentAt.Format("2006-01-02 15:04"), issue.LastCommentAuthor)
	}
}
