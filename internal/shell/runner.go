// Package shell runs the external command-line tools the orchestrator drives
// and captures their output and exit status.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/cochaviz/imagecheck/internal/logging"
)

// Command describes a single process invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env entries are appended to the parent environment.
	Env []string
	// Stream, when set, additionally receives combined stdout and stderr as
	// the process produces them.
	Stream io.Writer
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is the captured outcome of a finished process.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner executes commands. A process that runs to completion with a non-zero
// status is not an error: callers inspect Result.ExitCode. Errors are reserved
// for failures to start or wait on the process and for context cancellation.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExitError reports an unexpected non-zero exit status for callers that
// require success.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return fmt.Sprintf("%s exited with status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Command, e.ExitCode, stderr)
}

// RunChecked runs cmd and converts a non-zero exit status into an *ExitError.
func RunChecked(ctx context.Context, runner Runner, cmd Command) (Result, error) {
	result, err := runner.Run(ctx, cmd)
	if err != nil {
		return result, err
	}
	if result.ExitCode != 0 {
		return result, &ExitError{Command: cmd.String(), ExitCode: result.ExitCode, Stderr: string(result.Stderr)}
	}
	return result, nil
}

// ExecRunner runs commands on the host with os/exec.
type ExecRunner struct {
	Logger *slog.Logger
}

func (r *ExecRunner) logger() *slog.Logger {
	if r != nil {
		return logging.Ensure(r.Logger)
	}
	return slog.Default()
}

func (r *ExecRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	if strings.TrimSpace(cmd.Name) == "" {
		return Result{}, errors.New("command name is required")
	}

	process := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	process.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		process.Env = append(process.Environ(), cmd.Env...)
	}

	var stdout, stderr bytes.Buffer
	if cmd.Stream != nil {
		process.Stdout = io.MultiWriter(&stdout, cmd.Stream)
		process.Stderr = io.MultiWriter(&stderr, cmd.Stream)
	} else {
		process.Stdout = &stdout
		process.Stderr = &stderr
	}

	r.logger().Debug("running command", "command", cmd.String())
	err := process.Run()
	result := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	if ctxErr := ctx.Err(); ctxErr != nil {
		result.ExitCode = -1
		return result, fmt.Errorf("%s: %w", cmd.Name, ctxErr)
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return result, nil
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	default:
		result.ExitCode = -1
		return result, fmt.Errorf("run %s: %w", cmd.Name, err)
	}
}
