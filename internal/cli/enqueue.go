package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conveyorhq/conveyor/internal/queue"
	"github.com/conveyorhq/conveyor/internal/task"
)

var (
	enqueuePriority    string
	enqueueDescription string
	enqueueDependsOn   []string
	enqueueMaxAttempts int
	enqueueFunc        string
	enqueuePayload     string
)

// enqueueCmd represents the enqueue command.
var enqueueCmd = &cobra.Command{
	Use:   "enqueue <name> [flags] -- <command> [args...]",
	Short: "Add a task to the queue",
	Long: `Add a task to the queue. The action is either a shell command given
after "--", or a registered handler named with --func.

Dependencies are other task IDs (prefixes accepted); the task stays queued
until every dependency has succeeded.

Examples:
  conveyor enqueue build --priority high -- make build
  conveyor enqueue deploy --depends-on 0193e4c2 -- ./deploy.sh --env prod
  conveyor enqueue nap --func sleep --payload '{"duration":"5s"}'`,
	Args: cobra.MinimumNArgs(1),
	RunE: runEnqueue,
}

func init() {
	rootCmd.AddCommand(enqueueCmd)

	enqueueCmd.Flags().StringVar(&enqueuePriority, "priority", "medium", "priority: critical, high, medium, or low")
	enqueueCmd.Flags().StringVar(&enqueueDescription, "description", "", "free-form task description")
	enqueueCmd.Flags().StringSliceVar(&enqueueDependsOn, "depends-on", nil, "task IDs that must succeed first (repeatable)")
	enqueueCmd.Flags().IntVar(&enqueueMaxAttempts, "max-attempts", 0, "attempt budget (0 uses the configured default)")
	enqueueCmd.Flags().StringVar(&enqueueFunc, "func", "", "registered handler name instead of a shell command")
	enqueueCmd.Flags().StringVar(&enqueuePayload, "payload", "", "JSON payload for --func handlers")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	dash := cmd.ArgsLenAtDash()
	positional := args
	var argv []string
	if dash >= 0 {
		positional = args[:dash]
		argv = args[dash:]
	}
	if len(positional) != 1 {
		return fmt.Errorf("expected exactly one task name, got %d", len(positional))
	}
	name := positional[0]

	action, err := buildAction(argv)
	if err != nil {
		return err
	}

	priority, err := task.ParsePriority(enqueuePriority)
	if err != nil {
		return err
	}

	a, err := buildApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	deps := make([]string, 0, len(enqueueDependsOn))
	for _, dep := range enqueueDependsOn {
		id, err := resolveTaskID(ctx, a.store, dep)
		if err != nil {
			return fmt.Errorf("dependency %q: %w", dep, err)
		}
		deps = append(deps, id)
	}

	t, err := a.queue.Enqueue(ctx, queue.EnqueueRequest{
		Name:        name,
		Description: enqueueDescription,
		Priority:    priority,
		Action:      action,
		DependsOn:   deps,
		MaxAttempts: enqueueMaxAttempts,
	})
	if err != nil {
		return err
	}

	if flagJSON {
		return printJSON(t)
	}
	fmt.Printf("✓ enqueued %s [%s] %s %s\n", t.Name, shortID(t.ID), t.Priority, t.Status)
	fmt.Printf("  id: %s\n", t.ID)
	return nil
}

// buildAction assembles the task action from the --func flags or the argv
// after "--". Exactly one of the two forms must be present.
func buildAction(argv []string) (task.Action, error) {
	switch {
	case enqueueFunc != "" && len(argv) > 0:
		return task.Action{}, fmt.Errorf("--func and a shell command are mutually exclusive")

	case enqueueFunc != "":
		var payload json.RawMessage
		if enqueuePayload != "" {
			if !json.Valid([]byte(enqueuePayload)) {
				return task.Action{}, fmt.Errorf("--payload is not valid JSON")
			}
			payload = json.RawMessage(enqueuePayload)
		}
		return task.Action{
			Kind:    task.KindFunc,
			Target:  enqueueFunc,
			Payload: payload,
		}, nil

	case len(argv) > 0:
		if enqueuePayload != "" {
			return task.Action{}, fmt.Errorf("--payload only applies to --func actions")
		}
		return task.Action{
			Kind:   task.KindShell,
			Target: argv[0],
			Args:   argv[1:],
		}, nil
	}
	return task.Action{}, fmt.Errorf("no action: give a shell command after \"--\" or use --func")
}
