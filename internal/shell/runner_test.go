package shell

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestExecRunnerCapturesOutput(t *testing.T) {
	t.Parallel()

	runner := &ExecRunner{}
	var stream bytes.Buffer
	result, err := runner.Run(context.Background(), Command{
		Name:   "sh",
		Args:   []string{"-c", "echo out; echo err >&2; exit 5"},
		Stream: &stream,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.ExitCode != 5 {
		t.Fatalf("ExitCode = %d, want 5", result.ExitCode)
	}
	if strings.TrimSpace(string(result.Stdout)) != "out" {
		t.Fatalf("Stdout = %q", result.Stdout)
	}
	if strings.TrimSpace(string(result.Stderr)) != "err" {
		t.Fatalf("Stderr = %q", result.Stderr)
	}
	if !strings.Contains(stream.String(), "out") || !strings.Contains(stream.String(), "err") {
		t.Fatalf("stream = %q, want both streams", stream.String())
	}
}

func TestExecRunnerPassesEnv(t *testing.T) {
	t.Parallel()

	runner := &ExecRunner{}
	result, err := runner.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "printf %s \"$IMAGECHECK_PROBE\""},
		Env:  []string{"IMAGECHECK_PROBE=present"},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if string(result.Stdout) != "present" {
		t.Fatalf("Stdout = %q, want present", result.Stdout)
	}
}

func TestExecRunnerMissingBinary(t *testing.T) {
	t.Parallel()

	runner := &ExecRunner{}
	if _, err := runner.Run(context.Background(), Command{Name: "imagecheck-does-not-exist"}); err == nil {
		t.Fatal("Run() error = nil, want non-nil")
	}
}

func TestExecRunnerCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	runner := &ExecRunner{}
	_, err := runner.Run(ctx, Command{Name: "sleep", Args: []string{"5"}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want deadline exceeded", err)
	}
}

func TestRunCheckedConvertsExitStatus(t *testing.T) {
	t.Parallel()

	runner := &ExecRunner{}
	_, err := RunChecked(context.Background(), runner, Command{Name: "sh", Args: []string{"-c", "echo nope >&2; exit 3"}})
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("RunChecked() error = %v, want *ExitError", err)
	}
	if exitErr.ExitCode != 3 || !strings.Contains(exitErr.Error(), "nope") {
		t.Fatalf("unexpected exit error: %v", exitErr)
	}
}
