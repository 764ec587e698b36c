package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/conveyorhq/conveyor/internal/cli"
)

func main() {
	// Signal-aware context for graceful shutdown: commands finish the
	// in-flight task before exiting.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Restore default signal handling once the first signal lands
	// (double Ctrl+C = force exit).
	go func() {
		<-ctx.Done()
		stop()
	}()

	if err := cli.Execute(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
