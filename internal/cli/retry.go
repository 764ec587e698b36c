package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// retryCmd represents the retry command.
var retryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Put a failed task back in the queue",
	Long: `Requeue a failed task with a fresh attempt budget. The attempt history
is kept for auditing. Only failed tasks can be retried; cancel and
re-enqueue for anything else.`,
	Args: cobra.ExactArgs(1),
	RunE: runRetry,
}

func init() {
	rootCmd.AddCommand(retryCmd)
}

func runRetry(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := buildApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := resolveTaskID(ctx, a.store, args[0])
	if err != nil {
		return err
	}

	t, err := a.queue.Retry(ctx, id)
	if err != nil {
		return err
	}

	if flagJSON {
		return printJSON(t)
	}
	fmt.Printf("✓ requeued %s [%s] %s\n", t.Name, shortID(t.ID), t.Status)
	return nil
}
