package compose

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cochaviz/imagecheck/internal/failures"
	"github.com/cochaviz/imagecheck/internal/logging"
	"github.com/cochaviz/imagecheck/internal/shell"
)

// DefaultCommand invokes composer-cli directly.
var DefaultCommand = []string{"composer-cli"}

// Client wraps composer-cli. Command may carry a prefix such as sudo.
type Client struct {
	Runner  shell.Runner
	Command []string
	Logger  *slog.Logger
}

func (c *Client) logger() *slog.Logger {
	return logging.Ensure(c.Logger)
}

func (c *Client) command(args ...string) shell.Command {
	base := c.Command
	if len(base) == 0 {
		base = DefaultCommand
	}
	all := append(append([]string(nil), base[1:]...), args...)
	return shell.Command{Name: base[0], Args: all}
}

func (c *Client) run(ctx context.Context, dir string, args ...string) (shell.Result, error) {
	if c.Runner == nil {
		return shell.Result{}, errors.New("compose client runner is not configured")
	}
	cmd := c.command(args...)
	cmd.Dir = dir
	return shell.RunChecked(ctx, c.Runner, cmd)
}

// PushBlueprint uploads a blueprint file to the build service.
func (c *Client) PushBlueprint(ctx context.Context, path string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("blueprint path is required")
	}
	if _, err := c.run(ctx, "", "blueprints", "push", path); err != nil {
		return fmt.Errorf("push blueprint %s: %w", path, err)
	}
	return nil
}

type depsolveResponse struct {
	Blueprints []json.RawMessage `json:"blueprints"`
	Errors     []struct {
		ID  string `json:"id"`
		Msg string `json:"msg"`
	} `json:"errors"`
}

// Depsolve resolves the blueprint's package set and fails if the service
// reports any errors.
func (c *Client) Depsolve(ctx context.Context, name string) error {
	result, err := c.run(ctx, "", "--json", "blueprints", "depsolve", name)
	if err != nil {
		return fmt.Errorf("depsolve blueprint %s: %w", name, err)
	}
	var response depsolveResponse
	if err := decodeBody(result.Stdout, &response); err != nil {
		return fmt.Errorf("depsolve blueprint %s: %w", name, err)
	}
	if len(response.Errors) > 0 {
		msgs := make([]string, 0, len(response.Errors))
		for _, e := range response.Errors {
			msgs = append(msgs, strings.TrimSpace(e.ID+" "+e.Msg))
		}
		return fmt.Errorf("depsolve blueprint %s: %s", name, strings.Join(msgs, "; "))
	}
	return nil
}

type startResponse struct {
	BuildID string `json:"build_id"`
	Status  *bool  `json:"status"`
}

// Start queues a compose and returns its build id.
func (c *Client) Start(ctx context.Context, request BuildRequest) (string, error) {
	args := []string{"--json", "compose", "start", request.BlueprintName, request.ImageType}
	if request.ImageName != "" {
		args = append(args, request.ImageName)
		if request.ProviderConfig != "" {
			args = append(args, request.ProviderConfig)
		}
	}
	result, err := c.run(ctx, "", args...)
	if err != nil {
		return "", fmt.Errorf("start compose: %w", err)
	}

	var response startResponse
	if err := decodeBody(result.Stdout, &response); err != nil {
		return "", fmt.Errorf("start compose: %w", err)
	}
	if response.Status != nil && !*response.Status {
		return "", fmt.Errorf("start compose: build service rejected request: %s", strings.TrimSpace(string(result.Stdout)))
	}
	id := strings.TrimSpace(response.BuildID)
	if id == "" {
		return "", fmt.Errorf("start compose: %w", failures.Malformed("response has no build_id"))
	}
	return id, nil
}

type infoResponse struct {
	ID          string `json:"id"`
	QueueStatus string `json:"queue_status"`
}

// Info returns the raw queue status of a compose.
func (c *Client) Info(ctx context.Context, id string) (string, error) {
	result, err := c.run(ctx, "", "--json", "compose", "info", id)
	if err != nil {
		return "", fmt.Errorf("compose info %s: %w", id, err)
	}
	var response infoResponse
	if err := decodeBody(result.Stdout, &response); err != nil {
		return "", fmt.Errorf("compose info %s: %w", id, err)
	}
	status := strings.TrimSpace(response.QueueStatus)
	if status == "" {
		return "", fmt.Errorf("compose info %s: %w", id, failures.Malformed("response has no queue_status"))
	}
	return status, nil
}

// DownloadLogs saves the compose log tarball into dir.
func (c *Client) DownloadLogs(ctx context.Context, id, dir string) error {
	if _, err := c.run(ctx, dir, "compose", "logs", id); err != nil {
		return fmt.Errorf("compose logs %s: %w", id, err)
	}
	return nil
}

// DownloadMetadata saves the compose metadata tarball into dir.
func (c *Client) DownloadMetadata(ctx context.Context, id, dir string) error {
	if _, err := c.run(ctx, dir, "compose", "metadata", id); err != nil {
		return fmt.Errorf("compose metadata %s: %w", id, err)
	}
	return nil
}

// Delete removes a compose and its results from the build service.
func (c *Client) Delete(ctx context.Context, id string) error {
	if _, err := c.run(ctx, "", "compose", "delete", id); err != nil {
		return fmt.Errorf("compose delete %s: %w", id, err)
	}
	return nil
}

// decodeBody accepts both the bare object composer-cli used to print and the
// newer list of API responses, where the payload sits in the first "body".
func decodeBody(data []byte, into any) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return failures.Malformed("empty response")
	}
	if data[0] == '[' {
		var responses []struct {
			Body json.RawMessage `json:"body"`
		}
		if err := json.Unmarshal(data, &responses); err != nil {
			return failures.Malformed("decode response list: %v", err)
		}
		if len(responses) == 0 || len(responses[0].Body) == 0 {
			return failures.Malformed("response list has no body")
		}
		data = responses[0].Body
	}
	if err := json.Unmarshal(data, into); err != nil {
		return failures.Malformed("decode response: %v", err)
	}
	return nil
}
