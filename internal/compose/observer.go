package compose

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"time"
)

// Observer runs next to the poll loop purely for diagnostics. The stop
// function it returns must be called exactly once and must not block the
// caller for long.
type Observer interface {
	Start(ctx context.Context) (stop func(), err error)
}

// DefaultJournalCommand follows the first osbuild worker's journal.
var DefaultJournalCommand = []string{"journalctl", "-af", "-n", "1", "-u", "osbuild-worker@1.service"}

const observerStopGrace = 5 * time.Second

// JournalObserver streams a log-following command into the logger. The
// command runs in its own process group so that wrappers such as sudo are
// terminated together with the child they spawn.
type JournalObserver struct {
	Command []string
	Logger  *slog.Logger
}

func (o *JournalObserver) command() []string {
	if len(o.Command) == 0 {
		return DefaultJournalCommand
	}
	return o.Command
}

func forwardLines(r io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		logger.Info(scanner.Text())
	}
}
