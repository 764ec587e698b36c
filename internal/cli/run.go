package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/queue"
)

var (
	runStopOnError bool
	runMetricsAddr string
)

// runCmd represents the run command.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the worker loop",
	Long: `Run the background worker in the foreground until interrupted. Tasks
execute one at a time in dependency-respecting priority order; transient
failures back off exponentially and retry.

Interrupting the worker (Ctrl+C) lets the in-flight task commit its
outcome before exiting; a second interrupt force-quits. Tasks interrupted
mid-run are retried on the next start without consuming an attempt.

--metrics-addr exposes Prometheus counters and queue depth gauges, for
example --metrics-addr :9090.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runStopOnError, "stop-on-error", false, "halt the loop after a task lands in failed")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "listen address for the Prometheus /metrics endpoint")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := buildApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()
	defer a.shell.KillAll()

	// Subscribe before the worker starts so no event is missed.
	sub := a.bus.SubscribeAll(256)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// Closing the bus ends the event printer once the worker is done.
		defer a.bus.Close()
		return a.queue.Run(gctx, queue.RunOptions{StopOnError: runStopOnError})
	})

	g.Go(func() error {
		for ev := range sub {
			printEvent(ev)
		}
		return nil
	})

	if runMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		srv := &http.Server{Addr: runMetricsAddr, Handler: mux}

		g.Go(func() error {
			a.logger.Info("metrics listener starting", zap.String("addr", runMetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// printEvent writes a human progress line for a bus event. Structured
// logs carry the same information; this stream is for the operator
// watching the foreground worker.
func printEvent(ev events.Event) {
	ts := time.Now().Format("15:04:05")
	switch e := ev.(type) {
	case events.TaskEnqueuedEvent:
		fmt.Printf("%s + enqueued  %s (%s)\n", ts, e.Name, e.Priority)
	case events.TaskReadyEvent:
		fmt.Printf("%s . ready     %s\n", ts, e.Name)
	case events.TaskStartedEvent:
		fmt.Printf("%s > started   %s (attempt %d)\n", ts, e.Name, e.Attempt)
	case events.TaskSucceededEvent:
		fmt.Printf("%s ✓ succeeded %s in %s\n", ts, e.Name, humanDuration(e.Duration))
	case events.TaskRetryingEvent:
		fmt.Printf("%s ~ retrying  %s (attempt %d failed: %s)\n", ts, e.Name, e.Attempt, e.Err)
	case events.TaskFailedEvent:
		fmt.Printf("%s ✗ failed    %s: %s\n", ts, e.Name, e.Err)
	case events.TaskCancelledEvent:
		fmt.Printf("%s - cancelled %s\n", ts, e.Name)
	case events.TaskRequeuedEvent:
		fmt.Printf("%s + requeued  %s\n", ts, e.Name)
	case events.QueueDrainedEvent:
		if e.Remaining > 0 {
			fmt.Printf("%s = drained (%d waiting, %d blocked)\n", ts, e.Remaining, e.Blocked)
		} else {
			fmt.Printf("%s = drained\n", ts)
		}
	}
}
