// Package cli implements the conveyor command line interface.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/executor"
	"github.com/conveyorhq/conveyor/internal/logging"
	"github.com/conveyorhq/conveyor/internal/metrics"
	"github.com/conveyorhq/conveyor/internal/queue"
	"github.com/conveyorhq/conveyor/internal/store"
	"github.com/conveyorhq/conveyor/internal/task"
)

var (
	// flagDir is the project state directory.
	flagDir string
	// flagBackend overrides the configured store backend.
	flagBackend string
	// flagFormat overrides the configured file store format.
	flagFormat string
	// flagLogLevel overrides the configured log level.
	flagLogLevel string
	// flagJSON switches command output to machine-readable JSON.
	flagJSON bool

	// defaultLogPath, when set, catches logs that would otherwise land on
	// stderr. The watch command sets it so zap output cannot corrupt the
	// alternate screen.
	defaultLogPath string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "conveyor",
	Short: "A persistent priority task queue with dependency resolution",
	Long: `Conveyor is a persistent priority task queue for a single machine.

Tasks carry a priority, optional dependencies on other tasks, an executable
action, and a retry budget. A background worker executes them sequentially
in dependency-respecting priority order, retrying transient failures with
exponential backoff. All state survives restarts via durable storage.

Typical session:
  conveyor init
  conveyor enqueue build --priority high -- make build
  conveyor enqueue deploy --depends-on <build-id> -- ./deploy.sh
  conveyor run`,
	SilenceUsage: true,
}

// Execute runs the root command with the given context. Commands observe
// cancellation through cmd.Context().
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDir, "dir", ".conveyor", "project state directory")
	rootCmd.PersistentFlags().StringVar(&flagBackend, "backend", "", "store backend override (file or sqlite)")
	rootCmd.PersistentFlags().StringVar(&flagFormat, "format", "", "file store format override (json, yaml, or toml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level override (debug, info, warn, or error)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "machine-readable JSON output")
}

// loadConfig loads the merged configuration and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadDir(flagDir)
	if err != nil {
		return nil, err
	}
	if flagBackend != "" {
		cfg.Store.Backend = flagBackend
	}
	if flagFormat != "" {
		cfg.Store.Format = flagFormat
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildLogger builds the zap logger. One-shot commands stay at warn unless
// --log-level was given, so structured logs do not drown the human output.
func buildLogger(cfg *config.Config, oneShot bool) (*zap.Logger, error) {
	level := cfg.Log.Level
	if oneShot && flagLogLevel == "" {
		level = "warn"
	}
	path := cfg.Log.Path
	if path == "" {
		path = defaultLogPath
	}
	return logging.New(logging.Config{Level: level, Path: path})
}

// openStore opens the configured store backend.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	path := cfg.StorePath(flagDir)
	switch cfg.Store.Backend {
	case "sqlite":
		return store.NewSQLiteStore(ctx, path)
	case "file":
		return store.NewFileStore(path, cfg.Store.Format, logger)
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

// app bundles the wired component stack behind a command.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   store.Store
	queue   *queue.Queue
	shell   *executor.ShellRunner
	metrics *metrics.Set
	bus     *events.Bus
}

// buildApp wires the full stack: store, runners, breakers, executor, and
// queue. oneShot selects the quiet logger default.
func buildApp(ctx context.Context, oneShot bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger, err := buildLogger(cfg, oneShot)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	bus := events.NewBus()
	set := metrics.NewSet()
	shell := executor.NewShellRunner(cfg.Worker.WorkDir, logger)
	breakers := executor.NewBreakerRegistry(executor.BreakerSettings{
		TripAfter: cfg.Breaker.TripAfter,
		Cooldown:  cfg.Breaker.Cooldown.Std(),
	}, logger)

	exec := executor.New(executor.Options{
		Store: st,
		Runners: map[task.ActionKind]executor.Runner{
			task.KindShell: shell,
			task.KindFunc:  executor.NewFuncRunner(executor.DefaultRegistry()),
		},
		Breakers: breakers,
		Policy: executor.RetryPolicy{
			Base: cfg.Retry.BaseDelay.Std(),
			Max:  cfg.Retry.MaxDelay.Std(),
		},
		Bus:     bus,
		Metrics: set,
		Logger:  logger,
	})

	q := queue.New(queue.Options{
		Store:              st,
		Executor:           exec,
		Bus:                bus,
		Metrics:            set,
		Logger:             logger,
		PollInterval:       cfg.Worker.PollInterval.Std(),
		DefaultMaxAttempts: cfg.Worker.DefaultMaxAttempts,
	})

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		queue:   q,
		shell:   shell,
		metrics: set,
		bus:     bus,
	}, nil
}

// Close releases the app's resources in dependency order.
func (a *app) Close() {
	a.bus.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing store", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// resolveTaskID expands an ID prefix to the full task ID. Exact IDs pass
// through without a list scan.
func resolveTaskID(ctx context.Context, st store.Store, arg string) (string, error) {
	if _, err := st.Get(ctx, arg); err == nil {
		return arg, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	if len(arg) < 4 {
		return "", fmt.Errorf("no task with ID %q (prefixes need at least 4 characters)", arg)
	}

	tasks, err := st.List(ctx, store.Filter{})
	if err != nil {
		return "", err
	}

	var matches []string
	for _, t := range tasks {
		if strings.HasPrefix(t.ID, arg) {
			matches = append(matches, t.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no task with ID %q", arg)
	case 1:
		return matches[0], nil
	}
	return "", fmt.Errorf("ID prefix %q is ambiguous (%d matches)", arg, len(matches))
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
