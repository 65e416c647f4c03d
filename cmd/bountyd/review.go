package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/bountyd/internal/admin"
	"github.com/steveyegge/bountyd/internal/types"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Walk the review queue interactively",
	Long: `Walk queued issues one at a time. At each issue:

  approve <amount>   assign a budget and approve
  decline            decline the issue
  skip               leave it queued
  show               print the issue again
  quit               stop reviewing`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		project, _ := cmd.Flags().GetString("project")

		svc := adminService()
		page, err := svc.ListIssues(ctx, types.IssueFilter{
			ReviewStatus: types.ReviewQueue,
			ProjectID:    project,
		}, 1, 100)
		if err != nil {
			fail("%v", err)
		}
		if len(page.Items) == 0 {
			fmt.Println("Review queue is empty.")
			return
		}

		rl, err := readline.NewEx(&readline.Config{
			Prompt:            color.New(color.FgCyan, color.Bold).Sprint("review> "),
			InterruptPrompt:   "^C",
			EOFPrompt:         "exit",
			HistorySearchFold: true,
		})
		if err != nil {
			fail("failed to create readline: %v", err)
		}
		defer rl.Close()

		r := newReviewer(svc, page.Items, rl.Stdout())
		r.showCurrent()
		for !r.done() {
			line, err := rl.Readline()
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				fail("%v", err)
			}
			r.handle(ctx, line)
		}
		fmt.Fprintf(os.Stdout, "Reviewed %d of %d queued issue(s).\n", r.reviewed, page.Total)
	},
}

func init() {
	reviewCmd.Flags().String("project", "", "Only review issues of this project")
	rootCmd.AddCommand(reviewCmd)
}

// reviewer steps through a fixed list of queued issues
type reviewer struct {
	svc      *admin.Service
	queue    []*types.IssueRecord
	pos      int
	reviewed int
	quit     bool
	out      io.Writer
}

func newReviewer(svc *admin.Service, queue []*types.IssueRecord, out io.Writer) *reviewer {
	return &reviewer{svc: svc, queue: queue, out: out}
}

func (r *reviewer) done() bool {
	return r.quit || r.pos >= len(r.queue)
}

func (r *reviewer) current() *types.IssueRecord {
	if r.done() {
		return nil
	}
	return r.queue[r.pos]
}

func (r *reviewer) showCurrent() {
	if issue := r.current(); issue != nil {
		fmt.Fprintf(r.out, "\n[%d/%d] ", r.pos+1, len(r.queue))
		printIssue(r.out, issue)
	}
}

func (r *reviewer) next() {
	r.pos++
	r.showCurrent()
}

// handle runs one console command against the current issue
func (r *reviewer) handle(ctx context.Context, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 || r.done() {
		return
	}
	issue := r.current()
	red := color.New(color.FgRed).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()

	switch strings.ToLower(fields[0]) {
	case "approve", "a":
		if len(fields) != 2 {
			fmt.Fprintln(r.out, "usage: approve <amount>")
			return
		}
		amount, err := strconv.Atoi(strings.TrimPrefix(fields[1], "$"))
		if err != nil {
			fmt.Fprintf(r.out, "%s invalid amount %q\n", red("✗"), fields[1])
			return
		}
		if _, err := r.svc.AssignBudget(ctx, issue.IssueID, amount); err != nil {
			fmt.Fprintf(r.out, "%s %v\n", red("✗"), err)
			return
		}
		fmt.Fprintf(r.out, "%s approved with $%d\n", green("✓"), amount)
		r.reviewed++
		r.next()
	case "decline", "d":
		if _, err := r.svc.Decline(ctx, issue.IssueID); err != nil {
			fmt.Fprintf(r.out, "%s %v\n", red("✗"), err)
			return
		}
		fmt.Fprintf(r.out, "%s declined\n", green("✓"))
		r.reviewed++
		r.next()
	case "skip", "s":
		r.next()
	case "show":
		r.showCurrent()
	case "quit", "q", "exit":
		r.quit = true
	default:
		fmt.Fprintln(r.out, "commands: approve <amount>, decline, skip, show, quit")
	}
}
