package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// cancelCmd represents the cancel command.
var cancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a task",
	Long: `Cancel a non-terminal task. Queued, ready, and retrying tasks are
cancelled in place. A running task is marked cancelled immediately; its
in-flight action is asked to stop and whatever result it produces is
discarded. Tasks depending on a cancelled task stay queued until retried,
cancelled, or cleared.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
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

	t, err := a.queue.Cancel(ctx, id)
	if err != nil {
		return err
	}

	if flagJSON {
		return printJSON(t)
	}
	fmt.Printf("✓ cancelled %s [%s]\n", t.Name, shortID(t.ID))
	return nil
}
