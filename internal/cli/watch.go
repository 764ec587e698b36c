package cli

import (
	"errors"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/conveyorhq/conveyor/internal/queue"
	"github.com/conveyorhq/conveyor/internal/tui"
)

var watchRun bool

// watchCmd represents the watch command.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the queue in a live terminal UI",
	Long: `Watch shows a live table of tasks with per-status counts, retry
countdowns, and a detail view (enter) with dependencies and attempt
history.

By itself watch only observes: it refreshes from the store once a
second, so progress made by a worker in another process shows up with
at most that delay. With --run it also drives the worker in this
process and updates the moment anything happens.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().BoolVar(&watchRun, "run", false, "also run the worker while watching")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	// Keep zap off stderr while the alternate screen is up.
	defaultLogPath = filepath.Join(flagDir, "conveyor.log")

	a, err := buildApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	// Subscribe before the worker starts so no event is missed.
	sub := a.bus.SubscribeAll(256)

	if watchRun {
		defer a.shell.KillAll()
		if err := a.queue.Start(ctx, queue.RunOptions{}); err != nil {
			return err
		}
		defer func() { _ = a.queue.Stop() }()
	}

	model := tui.New(a.store, sub)
	p := tea.NewProgram(model, tea.WithAltScreen())

	errChan := make(chan error, 1)
	go func() {
		_, err := p.Run()
		errChan <- err
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		p.Quit()

		// Give the TUI a moment to restore the terminal.
		select {
		case err := <-errChan:
			return err
		case <-time.After(10 * time.Second):
			return errors.New("shutdown timeout exceeded")
		}
	}
}
