package compose

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cochaviz/imagecheck/internal/failures"
	"github.com/cochaviz/imagecheck/internal/logging"
	"github.com/cochaviz/imagecheck/internal/shell"
)

// scriptedRunner answers commands by matching the joined argument list
// against registered prefixes. Repeated matches consume queued responses
// and keep returning the last one.
type scriptedRunner struct {
	mu        sync.Mutex
	responses map[string][]shell.Result
	calls     []shell.Command
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{responses: map[string][]shell.Result{}}
}

func (r *scriptedRunner) on(prefix string, results ...shell.Result) {
	r.responses[prefix] = append(r.responses[prefix], results...)
}

func (r *scriptedRunner) Run(ctx context.Context, cmd shell.Command) (shell.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, cmd)
	if err := ctx.Err(); err != nil {
		return shell.Result{ExitCode: -1}, err
	}
	line := cmd.String()
	for prefix, queue := range r.responses {
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		result := queue[0]
		if len(queue) > 1 {
			r.responses[prefix] = queue[1:]
		}
		return result, nil
	}
	return shell.Result{ExitCode: 127, Stderr: []byte("unexpected command " + line)}, nil
}

func (r *scriptedRunner) commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.String())
	}
	return out
}

func ok(stdout string) shell.Result {
	return shell.Result{Stdout: []byte(stdout)}
}

func newTestProvisioner(runner *scriptedRunner) *Provisioner {
	return &Provisioner{
		Client: &Client{Runner: runner, Logger: logging.Discard()},
		Logger: logging.Discard(),
	}
}

func TestStartBuildRunsBlueprintSequence(t *testing.T) {
	t.Parallel()

	runner := newScriptedRunner()
	runner.on("composer-cli blueprints push", ok(""))
	runner.on("composer-cli --json blueprints depsolve", ok(`{"blueprints": [{}], "errors": []}`))
	runner.on("composer-cli --json compose start", ok(`[{"method": "POST", "path": "/compose", "status": 200, "body": {"build_id": "1b2c3d", "status": true}}]`))

	job, err := newTestProvisioner(runner).StartBuild(context.Background(), BuildRequest{
		BlueprintPath:  "/tmp/bp.toml",
		BlueprintName:  "bash",
		ImageType:      "ami",
		ImageName:      "image-test-1",
		Provider:       "aws",
		ProviderConfig: "/tmp/aws.toml",
	})
	if err != nil {
		t.Fatalf("StartBuild() error = %v", err)
	}
	if job.ID != "1b2c3d" || job.Status != StatusWaiting || job.TargetPlatform != "ami" || job.CloudProvider != "aws" {
		t.Fatalf("StartBuild() = %#v", job)
	}

	want := []string{
		"composer-cli blueprints push /tmp/bp.toml",
		"composer-cli --json blueprints depsolve bash",
		"composer-cli --json compose start bash ami image-test-1 /tmp/aws.toml",
	}
	got := runner.commands()
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Fatalf("commands = %q, want %q", got, want)
	}
}

func TestStartBuildUsesCommandPrefix(t *testing.T) {
	t.Parallel()

	runner := newScriptedRunner()
	runner.on("sudo composer-cli --json blueprints depsolve", ok(`{"errors": []}`))
	runner.on("sudo composer-cli --json compose start", ok(`{"build_id": "abc", "status": true}`))

	p := newTestProvisioner(runner)
	p.Client.Command = []string{"sudo", "composer-cli"}
	if _, err := p.StartBuild(context.Background(), BuildRequest{BlueprintName: "bash", ImageType: "ami"}); err != nil {
		t.Fatalf("StartBuild() error = %v", err)
	}
}

func TestStartBuildDepsolveErrors(t *testing.T) {
	t.Parallel()

	runner := newScriptedRunner()
	runner.on("composer-cli --json blueprints depsolve", ok(`{"blueprints": [], "errors": [{"id": "BlueprintsError", "msg": "nosuchpkg: no match"}]}`))

	_, err := newTestProvisioner(runner).StartBuild(context.Background(), BuildRequest{BlueprintName: "bash", ImageType: "ami"})
	if err == nil || !strings.Contains(err.Error(), "nosuchpkg") {
		t.Fatalf("StartBuild() error = %v, want depsolve error", err)
	}
	for _, cmd := range runner.commands() {
		if strings.Contains(cmd, "compose start") {
			t.Fatal("compose started after failed depsolve")
		}
	}
}

func TestStartBuildMissingBuildID(t *testing.T) {
	t.Parallel()

	runner := newScriptedRunner()
	runner.on("composer-cli --json blueprints depsolve", ok(`{"errors": []}`))
	runner.on("composer-cli --json compose start", ok(`{"status": true}`))

	_, err := newTestProvisioner(runner).StartBuild(context.Background(), BuildRequest{BlueprintName: "bash", ImageType: "ami"})
	if !errors.Is(err, failures.ErrMalformedMetadata) {
		t.Fatalf("StartBuild() error = %v, want ErrMalformedMetadata", err)
	}
}

func TestPollUntilTerminal(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		statuses []string
		want     Status
	}{
		{"finished", []string{"WAITING", "RUNNING", "RUNNING", "FINISHED"}, StatusFinished},
		{"failed", []string{"RUNNING", "FAILED"}, StatusFailed},
		{"immediate", []string{"FINISHED"}, StatusFinished},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			runner := newScriptedRunner()
			for _, status := range tc.statuses {
				runner.on("composer-cli --json compose info", ok(`{"id": "job-1", "queue_status": "`+status+`"}`))
			}

			job, err := newTestProvisioner(runner).PollUntilTerminal(context.Background(), "job-1", time.Millisecond, 0)
			if err != nil {
				t.Fatalf("PollUntilTerminal() error = %v", err)
			}
			if job.Status != tc.want || job.ID != "job-1" {
				t.Fatalf("PollUntilTerminal() = %#v, want status %s", job, tc.want)
			}
			if calls := len(runner.commands()); calls != len(tc.statuses) {
				t.Fatalf("info calls = %d, want %d", calls, len(tc.statuses))
			}
		})
	}
}

func TestPollUntilTerminalUnexpectedStatus(t *testing.T) {
	t.Parallel()

	runner := newScriptedRunner()
	runner.on("composer-cli --json compose info", ok(`{"queue_status": "RUNNING"}`), ok(`{"queue_status": "LOST"}`))

	_, err := newTestProvisioner(runner).PollUntilTerminal(context.Background(), "job-1", time.Millisecond, 0)
	var unexpected *failures.UnexpectedStatusError
	if !errors.As(err, &unexpected) || unexpected.Status != "LOST" {
		t.Fatalf("PollUntilTerminal() error = %v, want UnexpectedStatusError", err)
	}
}

func TestPollUntilTerminalTimeout(t *testing.T) {
	t.Parallel()

	runner := newScriptedRunner()
	runner.on("composer-cli --json compose info", ok(`{"queue_status": "RUNNING"}`))

	job, err := newTestProvisioner(runner).PollUntilTerminal(context.Background(), "job-1", 5*time.Millisecond, 30*time.Millisecond)
	if !errors.Is(err, failures.ErrBuildTimeout) {
		t.Fatalf("PollUntilTerminal() error = %v, want ErrBuildTimeout", err)
	}
	if job.Status != StatusRunning {
		t.Fatalf("job status = %s, want last observed RUNNING", job.Status)
	}
}

func TestPollUntilTerminalCancelled(t *testing.T) {
	t.Parallel()

	runner := newScriptedRunner()
	runner.on("composer-cli --json compose info", ok(`{"queue_status": "WAITING"}`))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := newTestProvisioner(runner).PollUntilTerminal(ctx, "job-1", time.Hour, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("PollUntilTerminal() error = %v, want context.Canceled", err)
	}
}

func TestPollUntilTerminalStopsObserver(t *testing.T) {
	t.Parallel()

	runner := newScriptedRunner()
	runner.on("composer-cli --json compose info", ok(`{"queue_status": "FINISHED"}`))

	observer := &stubObserver{}
	p := newTestProvisioner(runner)
	p.Observer = observer
	if _, err := p.PollUntilTerminal(context.Background(), "job-1", time.Millisecond, 0); err != nil {
		t.Fatalf("PollUntilTerminal() error = %v", err)
	}
	if !observer.started || observer.stopped != 1 {
		t.Fatalf("observer started=%t stopped=%d", observer.started, observer.stopped)
	}
}

func TestPollUntilTerminalIgnoresObserverFailure(t *testing.T) {
	t.Parallel()

	runner := newScriptedRunner()
	runner.on("composer-cli --json compose info", ok(`{"queue_status": "FINISHED"}`))

	p := newTestProvisioner(runner)
	p.Observer = &stubObserver{startErr: errors.New("journalctl missing")}
	if _, err := p.PollUntilTerminal(context.Background(), "job-1", time.Millisecond, 0); err != nil {
		t.Fatalf("PollUntilTerminal() error = %v", err)
	}
}

func TestCollectDiagnosticsAndDelete(t *testing.T) {
	t.Parallel()

	runner := newScriptedRunner()
	runner.on("composer-cli compose logs", ok(""))
	runner.on("composer-cli compose metadata", shell.Result{ExitCode: 1, Stderr: []byte("no metadata")})
	runner.on("composer-cli compose delete", ok(""))

	p := newTestProvisioner(runner)
	dir := t.TempDir()
	err := p.CollectDiagnostics(context.Background(), "job-1", dir)
	var exitErr *shell.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("CollectDiagnostics() error = %v, want joined ExitError", err)
	}
	for _, call := range runner.calls {
		if strings.HasPrefix(call.String(), "composer-cli compose logs") && call.Dir != dir {
			t.Fatalf("logs downloaded into %q, want %q", call.Dir, dir)
		}
	}

	if err := p.DeleteBuild(context.Background(), "job-1"); err != nil {
		t.Fatalf("DeleteBuild() error = %v", err)
	}
}

func TestToolVersion(t *testing.T) {
	t.Parallel()

	runner := newScriptedRunner()
	runner.on("rpm -q", ok("85\n"))

	version, err := newTestProvisioner(runner).ToolVersion(context.Background())
	if err != nil {
		t.Fatalf("ToolVersion() error = %v", err)
	}
	if version != "85" {
		t.Fatalf("ToolVersion() = %q, want 85", version)
	}
}

func TestDecodeBodyShapes(t *testing.T) {
	t.Parallel()

	var bare, listed infoResponse
	if err := decodeBody([]byte(`{"id": "a", "queue_status": "RUNNING"}`), &bare); err != nil {
		t.Fatalf("decodeBody(bare) error = %v", err)
	}
	if err := decodeBody([]byte(`[{"body": {"id": "a", "queue_status": "RUNNING"}}]`), &listed); err != nil {
		t.Fatalf("decodeBody(list) error = %v", err)
	}
	if bare != listed {
		t.Fatalf("decoded shapes differ: %#v vs %#v", bare, listed)
	}

	for _, payload := range []string{``, `[]`, `[{"method": "GET"}]`, `nope`} {
		if err := decodeBody([]byte(payload), &bare); !errors.Is(err, failures.ErrMalformedMetadata) {
			t.Fatalf("decodeBody(%q) error = %v, want ErrMalformedMetadata", payload, err)
		}
	}
}

type stubObserver struct {
	startErr error
	started  bool
	stopped  int
}

func (o *stubObserver) Start(context.Context) (func(), error) {
	if o.startErr != nil {
		return nil, o.startErr
	}
	o.started = true
	return func() { o.stopped++ }, nil
}
