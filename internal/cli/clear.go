package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/conveyorhq/conveyor/internal/task"
)

var (
	clearStatuses  []string
	clearOlderThan time.Duration
)

// clearCmd represents the clear command.
var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove finished tasks",
	Long: `Remove terminal tasks (succeeded, failed, cancelled) from the store.

--older-than keeps recently finished tasks; --status narrows the sweep to
particular terminal statuses. A finished task another task still depends
on is kept so the dependent's ancestry stays auditable.

Examples:
  conveyor clear                          # every terminal task
  conveyor clear --older-than 24h         # finished more than a day ago
  conveyor clear --status failed          # failed tasks only`,
	Args: cobra.NoArgs,
	RunE: runClear,
}

func init() {
	rootCmd.AddCommand(clearCmd)

	clearCmd.Flags().StringSliceVar(&clearStatuses, "status", nil, "terminal statuses to clear (default all three)")
	clearCmd.Flags().DurationVar(&clearOlderThan, "older-than", 0, "only tasks last updated at least this long ago")
}

func runClear(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var statuses []task.Status
	for _, raw := range clearStatuses {
		s, err := task.ParseStatus(raw)
		if err != nil {
			return err
		}
		statuses = append(statuses, s)
	}

	a, err := buildApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.queue.Clear(ctx, clearOlderThan, statuses)
	if err != nil {
		return err
	}

	if flagJSON {
		return printJSON(map[string]int{"cleared": n})
	}
	switch n {
	case 0:
		fmt.Println("Nothing to clear.")
	case 1:
		fmt.Println("✓ cleared 1 task")
	default:
		fmt.Printf("✓ cleared %d tasks\n", n)
	}
	return nil
}
