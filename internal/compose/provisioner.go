package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/cochaviz/imagecheck/internal/failures"
	"github.com/cochaviz/imagecheck/internal/logging"
	"github.com/cochaviz/imagecheck/internal/shell"
)

const DefaultPollInterval = 30 * time.Second

// DefaultVersionCommand prints the installed osbuild-composer version.
var DefaultVersionCommand = []string{"rpm", "-q", "--qf", "%{version}\n", "osbuild-composer"}

// Provisioner starts composes and waits for them to finish.
type Provisioner struct {
	Client *Client
	// Observer tails worker output while a compose is polled. Optional.
	Observer Observer
	// VersionCommand reports the build service version. Defaults to
	// DefaultVersionCommand.
	VersionCommand []string
	Logger         *slog.Logger
}

func (p *Provisioner) logger() *slog.Logger {
	return logging.Ensure(p.Logger)
}

// StartBuild pushes and depsolves the blueprint, then queues the compose.
func (p *Provisioner) StartBuild(ctx context.Context, request BuildRequest) (BuildJob, error) {
	if p.Client == nil {
		return BuildJob{}, errors.New("compose client is not configured")
	}
	if strings.TrimSpace(request.BlueprintName) == "" {
		return BuildJob{}, errors.New("blueprint name is required")
	}
	if strings.TrimSpace(request.ImageType) == "" {
		return BuildJob{}, errors.New("image type is required")
	}

	logger := p.logger().With("blueprint", request.BlueprintName, "image_type", request.ImageType)

	if request.BlueprintPath != "" {
		if err := p.Client.PushBlueprint(ctx, request.BlueprintPath); err != nil {
			return BuildJob{}, err
		}
		logger.Info("blueprint pushed", "path", request.BlueprintPath)
	}

	if err := p.Client.Depsolve(ctx, request.BlueprintName); err != nil {
		return BuildJob{}, err
	}
	logger.Info("blueprint depsolved")

	id, err := p.Client.Start(ctx, request)
	if err != nil {
		return BuildJob{}, err
	}
	logger.Info("compose started", "job_id", id, "image_name", request.ImageName, "provider", request.Provider)

	return BuildJob{
		ID:             id,
		Status:         StatusWaiting,
		TargetPlatform: request.ImageType,
		CloudProvider:  request.Provider,
	}, nil
}

// PollUntilTerminal queries the compose every interval until it is FINISHED
// or FAILED. A timeout of zero or less polls without bound. Unknown statuses
// stop polling with *failures.UnexpectedStatusError.
func (p *Provisioner) PollUntilTerminal(ctx context.Context, jobID string, interval, timeout time.Duration) (BuildJob, error) {
	if p.Client == nil {
		return BuildJob{}, errors.New("compose client is not configured")
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	logger := p.logger().With("job_id", jobID)

	if p.Observer != nil {
		stop, err := p.Observer.Start(ctx)
		if err != nil {
			logger.Warn("worker log observer did not start", "error", err)
		} else {
			defer stop()
		}
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	job := BuildJob{ID: jobID}
	previous := Status("")
	for {
		raw, err := p.Client.Info(ctx, jobID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return job, ctxErr
			}
			return job, err
		}

		status, known := ParseStatus(raw)
		if !known {
			return job, &failures.UnexpectedStatusError{JobID: jobID, Status: raw}
		}
		job.Status = status
		if status != previous {
			logger.Info("compose status", "status", status)
			previous = status
		}
		if status.Terminal() {
			return job, nil
		}

		wait := interval
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return job, fmt.Errorf("compose %s still %s after %s: %w", jobID, status, timeout, failures.ErrBuildTimeout)
			}
			if remaining < wait {
				wait = remaining
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return job, ctx.Err()
		case <-timer.C:
		}
	}
}

// CollectDiagnostics saves the compose logs and metadata into dir. Both are
// attempted; errors are joined.
func (p *Provisioner) CollectDiagnostics(ctx context.Context, jobID, dir string) error {
	if p.Client == nil {
		return errors.New("compose client is not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create diagnostics dir %s: %w", dir, err)
	}
	return errors.Join(
		p.Client.DownloadLogs(ctx, jobID, dir),
		p.Client.DownloadMetadata(ctx, jobID, dir),
	)
}

// DeleteBuild removes the compose from the build service.
func (p *Provisioner) DeleteBuild(ctx context.Context, jobID string) error {
	if p.Client == nil {
		return errors.New("compose client is not configured")
	}
	return p.Client.Delete(ctx, jobID)
}

// ToolVersion returns the installed build service version.
func (p *Provisioner) ToolVersion(ctx context.Context) (string, error) {
	if p.Client == nil || p.Client.Runner == nil {
		return "", errors.New("compose client runner is not configured")
	}
	command := p.VersionCommand
	if len(command) == 0 {
		command = DefaultVersionCommand
	}
	result, err := shell.RunChecked(ctx, p.Client.Runner, shell.Command{Name: command[0], Args: command[1:]})
	if err != nil {
		return "", fmt.Errorf("query build service version: %w", err)
	}
	version := strings.TrimSpace(string(result.Stdout))
	if version == "" {
		return "", errors.New("query build service version: empty output")
	}
	return version, nil
}
