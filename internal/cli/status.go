package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conveyorhq/conveyor/internal/resolver"
	"github.com/conveyorhq/conveyor/internal/store"
	"github.com/conveyorhq/conveyor/internal/tui"
)

// statusCmd represents the status command.
var statusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show one task in detail",
	Long: `Show a task's full state: status, attempts, dependencies with their
current statuses, and the per-attempt history. The ID may be a unique
prefix.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := buildLogger(cfg, true)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	id, err := resolveTaskID(ctx, st, args[0])
	if err != nil {
		return err
	}
	t, err := st.Get(ctx, id)
	if err != nil {
		return err
	}

	if flagJSON {
		return printJSON(t)
	}

	// Dependency statuses need the surrounding snapshot.
	snapshot, err := st.List(ctx, store.Filter{})
	if err != nil {
		return err
	}
	fmt.Print(tui.RenderTask(t, resolver.Index(snapshot)))
	return nil
}
