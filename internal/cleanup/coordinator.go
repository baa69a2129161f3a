package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cochaviz/imagecheck/internal/logging"
)

// Kind orders teardown: images before the snapshots backing them, build jobs last.
type Kind int

const (
	KindImage Kind = iota
	KindSnapshot
	KindBuildJob
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindSnapshot:
		return "snapshot"
	case KindBuildJob:
		return "build-job"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// DefaultTimeout bounds a release that runs after the caller's context is gone.
const DefaultTimeout = 10 * time.Minute

// Action deletes one resource.
type Action struct {
	Kind     Kind
	Resource string
	Delete   func(ctx context.Context) error
}

// Summary records what a release did.
type Summary struct {
	Deleted  []string
	Retained []string
	Failed   []error
}

// Err joins the individual deletion failures, or returns nil.
func (s Summary) Err() error {
	return errors.Join(s.Failed...)
}

// Coordinator collects deletion actions as resources are created and runs
// them once. Deletion failures are logged and recorded; they never stop the
// remaining actions.
type Coordinator struct {
	// KeepImage retains images and snapshots; build jobs are still deleted.
	KeepImage bool
	// Timeout bounds the whole release. Zero means DefaultTimeout.
	Timeout time.Duration
	Logger  *slog.Logger

	mu       sync.Mutex
	queue    []Action
	seen     map[string]struct{}
	once     sync.Once
	released bool
	summary  Summary
}

func (c *Coordinator) logger() *slog.Logger {
	return logging.Ensure(c.Logger)
}

// Add queues an action. Duplicate kind/resource pairs are queued once. An
// action added after Release runs immediately so that nothing leaks.
func (c *Coordinator) Add(ctx context.Context, action Action) {
	if action.Delete == nil || action.Resource == "" {
		return
	}

	c.mu.Lock()
	key := action.Kind.String() + "/" + action.Resource
	if c.seen == nil {
		c.seen = map[string]struct{}{}
	}
	if _, dup := c.seen[key]; dup {
		c.mu.Unlock()
		return
	}
	c.seen[key] = struct{}{}
	if !c.released {
		c.queue = append(c.queue, action)
		c.mu.Unlock()
		c.logger().Debug("cleanup queued", "kind", action.Kind, "resource", action.Resource)
		return
	}
	c.mu.Unlock()

	c.logger().Warn("resource registered after release, deleting now", "kind", action.Kind, "resource", action.Resource)
	var late Summary
	c.run(ctx, action, &late)
}

// Pending returns the queued actions in the order Release will run them.
func (c *Coordinator) Pending() []Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ordered(c.queue)
}

// Release runs every queued action exactly once. Later calls return the
// first call's summary. Cancellation of ctx does not stop teardown.
func (c *Coordinator) Release(ctx context.Context) Summary {
	c.once.Do(func() {
		c.mu.Lock()
		c.released = true
		actions := ordered(c.queue)
		c.queue = nil
		c.mu.Unlock()

		timeout := c.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()

		c.logger().Info("releasing resources", "count", len(actions), "keep_image", c.KeepImage)
		var summary Summary
		for _, action := range actions {
			c.run(releaseCtx, action, &summary)
		}
		c.summary = summary
	})
	return c.summary
}

func (c *Coordinator) run(ctx context.Context, action Action, summary *Summary) {
	logger := c.logger().With("kind", action.Kind, "resource", action.Resource)
	if c.KeepImage && (action.Kind == KindImage || action.Kind == KindSnapshot) {
		logger.Info("retaining resource for inspection")
		summary.Retained = append(summary.Retained, action.Resource)
		return
	}
	if err := action.Delete(ctx); err != nil {
		logger.Warn("cleanup failed", "error", err)
		summary.Failed = append(summary.Failed, fmt.Errorf("delete %s %s: %w", action.Kind, action.Resource, err))
		return
	}
	logger.Info("resource deleted")
	summary.Deleted = append(summary.Deleted, action.Resource)
}

func ordered(actions []Action) []Action {
	out := append([]Action(nil), actions...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Kind < out[j].Kind
	})
	return out
}
