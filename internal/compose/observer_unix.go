//go:build unix

package compose

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cochaviz/imagecheck/internal/logging"
)

// Start launches the follow command. Cancelling ctx does not stop it; the
// returned stop function signals the whole process group with SIGTERM and
// escalates to SIGKILL after a grace period.
func (o *JournalObserver) Start(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	argv := o.command()
	if len(argv) == 0 || argv[0] == "" {
		return nil, errors.New("observer command is empty")
	}

	logger := logging.Ensure(o.Logger).With(logging.ComponentKey, "worker-log")

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create observer stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start observer %s: %w", argv[0], err)
	}
	pgid := cmd.Process.Pid

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		forwardLines(stdout, logger)
	}()

	done := make(chan struct{})
	go func() {
		<-forwarded
		_ = cmd.Wait()
		close(done)
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			if err := unix.Kill(-pgid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
				logger.Warn("signal worker log observer", "error", err)
			}
			select {
			case <-done:
				return
			case <-time.After(observerStopGrace):
			}
			if err := unix.Kill(-pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
				logger.Warn("kill worker log observer", "error", err)
			}
		})
	}
	return stop, nil
}
