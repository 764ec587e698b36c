package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/conveyorhq/conveyor/internal/task"
)

// Exit codes in the sysexits(3) range mean the invocation itself is
// wrong; a retry would fail the same way.
const (
	sysexitsFirst = 64 // EX_USAGE
	sysexitsLast  = 78 // EX_CONFIG
)

// ShellRunner executes shell actions as external commands. Commands run
// in their own process groups and are tracked so shutdown can terminate
// everything still in flight.
type ShellRunner struct {
	workDir string
	logger  *zap.Logger
	procs   *ProcessManager
}

// NewShellRunner creates a runner whose commands execute in workDir.
// An empty workDir inherits the worker's current directory.
func NewShellRunner(workDir string, logger *zap.Logger) *ShellRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShellRunner{
		workDir: workDir,
		logger:  logger,
		procs:   NewProcessManager(),
	}
}

// Run executes the task's command and returns its stdout as the attempt
// output. Command stderr is folded into the returned error.
func (r *ShellRunner) Run(ctx context.Context, t *task.Task) (string, error) {
	cmd := newCommand(ctx, t.Action.Target, t.Action.Args...)
	if r.workDir != "" {
		cmd.Dir = r.workDir
	}

	r.logger.Debug("executing command",
		zap.String("task_id", t.ID),
		zap.String("command", t.Action.Target),
		zap.Strings("args", t.Action.Args))

	stdout, stderr, err := r.execute(cmd)
	if err != nil {
		return string(stdout), classifyExit(err, stderr)
	}
	return string(stdout), nil
}

// KillAll terminates every process group this runner still tracks.
func (r *ShellRunner) KillAll() {
	if err := r.procs.KillAll(); err != nil {
		r.logger.Warn("failed to kill task processes", zap.Error(err))
	}
}

// execute runs cmd, draining stdout and stderr concurrently so a chatty
// subprocess can never deadlock against a full pipe buffer. Both pipes
// are fully read before cmd.Wait() is called.
func (r *ShellRunner) execute(cmd *exec.Cmd) ([]byte, []byte, error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, Permanent(fmt.Errorf("failed to create stdout pipe: %w", err))
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, Permanent(fmt.Errorf("failed to create stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		// The command never ran: missing binary, bad permissions.
		return nil, nil, Permanent(fmt.Errorf("failed to start command: %w", err))
	}
	r.procs.Track(cmd)
	defer r.procs.Untrack(cmd)

	var wg sync.WaitGroup
	var stdoutBuf, stderrBuf bytes.Buffer
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&stdoutBuf, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderrBuf, stderrPipe)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	return stdoutBuf.Bytes(), stderrBuf.Bytes(), waitErr
}

// classifyExit decides whether a command failure is worth retrying.
// Exit codes in the sysexits range are permanent, everything else a
// command can exit with is transient. Errors already marked permanent
// (start failures) pass through unchanged.
func classifyExit(err error, stderr []byte) error {
	if IsPermanent(err) {
		return err
	}

	wrapped := err
	if msg := strings.TrimSpace(string(stderr)); msg != "" {
		wrapped = fmt.Errorf("%w (stderr: %s)", err, msg)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= sysexitsFirst && code <= sysexitsLast {
			return Permanent(wrapped)
		}
	}
	return wrapped
}
