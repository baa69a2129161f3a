//go:build unix

package compose

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cochaviz/imagecheck/internal/logging"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestJournalObserverForwardsAndStops(t *testing.T) {
	t.Parallel()

	var out syncBuffer
	observer := &JournalObserver{
		Command: []string{"sh", "-c", "echo worker started; sleep 60"},
		Logger:  logging.New(logging.FormatText, &out, slog.LevelInfo),
	}

	stop, err := observer.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), "worker started") {
		if time.Now().After(deadline) {
			stop()
			t.Fatalf("observer output missing, got %q", out.String())
		}
		time.Sleep(10 * time.Millisecond)
	}

	stopped := make(chan struct{})
	go func() {
		stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(observerStopGrace + 2*time.Second):
		t.Fatal("stop did not return")
	}

	if !strings.Contains(out.String(), "[worker-log]") {
		t.Fatalf("observer lines not tagged with component: %q", out.String())
	}
}

func TestJournalObserverMissingBinary(t *testing.T) {
	t.Parallel()

	observer := &JournalObserver{Command: []string{"imagecheck-no-such-journal"}}
	if _, err := observer.Start(context.Background()); err == nil {
		t.Fatal("Start() error = nil, want non-nil")
	}
}
