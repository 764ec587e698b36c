package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/conveyorhq/conveyor/internal/queue"
	"github.com/conveyorhq/conveyor/internal/resolver"
	"github.com/conveyorhq/conveyor/internal/task"
)

var (
	listStatuses   []string
	listPriorities []string
	listBlocked    bool
	listOlderThan  time.Duration
)

// listCmd represents the list command.
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks in scheduling order",
	Long: `List tasks in the order the worker would consider them: priority
first, then enqueue time, then ID.

--blocked keeps only queued tasks waiting on a dependency that can never
succeed (failed or cancelled). Those tasks stay queued until retried,
cancelled, or cleared.`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringSliceVar(&listStatuses, "status", nil, "filter by status (repeatable)")
	listCmd.Flags().StringSliceVar(&listPriorities, "priority", nil, "filter by priority (repeatable)")
	listCmd.Flags().BoolVar(&listBlocked, "blocked", false, "only tasks blocked by a failed or cancelled dependency")
	listCmd.Flags().DurationVar(&listOlderThan, "older-than", 0, "only tasks last updated at least this long ago")
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	filter := queue.ListFilter{
		Blocked:   listBlocked,
		OlderThan: listOlderThan,
	}
	for _, raw := range listStatuses {
		s, err := task.ParseStatus(raw)
		if err != nil {
			return err
		}
		filter.Statuses = append(filter.Statuses, s)
	}
	for _, raw := range listPriorities {
		p, err := task.ParsePriority(raw)
		if err != nil {
			return err
		}
		filter.Priorities = append(filter.Priorities, p)
	}

	a, err := buildApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	tasks, err := a.queue.List(ctx, filter)
	if err != nil {
		return err
	}

	if flagJSON {
		if tasks == nil {
			tasks = []*task.Task{}
		}
		return printJSON(tasks)
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks.")
		return nil
	}

	// Dependency summaries need the unfiltered snapshot.
	full, err := a.queue.List(ctx, queue.ListFilter{})
	if err != nil {
		return err
	}
	byID := resolver.Index(full)
	blocked := make(map[string]bool)
	for _, t := range resolver.BlockedTasks(full) {
		blocked[t.ID] = true
	}

	now := time.Now().UTC()
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tNAME\tPRIORITY\tSTATUS\tTRIES\tAGE\tINFO")
	for _, t := range tasks {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			shortID(t.ID), t.Name, t.Priority, t.Status,
			t.AttemptCount, t.MaxAttempts,
			humanDuration(now.Sub(t.CreatedAt)),
			infoColumn(t, byID, blocked, now))
	}
	return writer.Flush()
}

// infoColumn summarizes what a task is waiting on or how it finished.
func infoColumn(t *task.Task, byID map[string]*task.Task, blocked map[string]bool, now time.Time) string {
	switch t.Status {
	case task.StatusQueued:
		if len(t.Dependencies) == 0 {
			return "-"
		}
		if blocked[t.ID] {
			return "blocked"
		}
		waiting := 0
		for _, dep := range t.Dependencies {
			if d, ok := byID[dep]; !ok || d.Status != task.StatusSucceeded {
				waiting++
			}
		}
		return fmt.Sprintf("waiting on %d", waiting)
	case task.StatusRetrying:
		if t.NextRetryAt == nil || !t.NextRetryAt.After(now) {
			return "retry due"
		}
		return "retry in " + humanDuration(t.NextRetryAt.Sub(now))
	case task.StatusRunning:
		if t.StartedAt != nil {
			return "running " + humanDuration(now.Sub(*t.StartedAt))
		}
		return "running"
	case task.StatusFailed:
		if t.LastError != "" {
			return truncate(t.LastError, 40)
		}
	case task.StatusSucceeded, task.StatusCancelled:
		if t.StartedAt != nil && t.CompletedAt != nil {
			return "took " + humanDuration(t.CompletedAt.Sub(*t.StartedAt))
		}
	}
	return "-"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
