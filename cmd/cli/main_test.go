package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cochaviz/imagecheck/internal/config"
	"github.com/cochaviz/imagecheck/internal/failures"
	"github.com/cochaviz/imagecheck/internal/logging"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	app := &cli{logger: logging.Discard()}
	root := newRootCommand(app)
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestOutcomeCommand(t *testing.T) {
	t.Parallel()

	out, err := execute(t, "", "outcome", "5")
	if err != nil {
		t.Fatalf("outcome 5 error = %v", err)
	}
	if !strings.HasPrefix(out, "SKIP") {
		t.Fatalf("outcome 5 output = %q", out)
	}

	out, err = execute(t, "", "outcome", "100")
	if !errors.Is(err, failures.ErrValidationFailure) {
		t.Fatalf("outcome 100 error = %v, want ErrValidationFailure", err)
	}
	if !strings.HasPrefix(out, "FAIL") {
		t.Fatalf("outcome 100 output = %q", out)
	}

	if _, err := execute(t, "", "outcome", "abc"); err == nil {
		t.Fatal("outcome abc error = nil, want non-nil")
	}
}

func TestResolveCommandFromStdin(t *testing.T) {
	t.Parallel()

	input := `{"Images":[{"ImageId":"ami-123","BootMode":"uefi-preferred","BlockDeviceMappings":[{"Ebs":{"SnapshotId":"snap-456"}}]}]}`
	out, err := execute(t, input, "resolve", "-")
	if err != nil {
		t.Fatalf("resolve error = %v", err)
	}
	for _, fragment := range []string{`"image_id": "ami-123"`, `"snapshot_id": "snap-456"`, `"boot_mode": "uefi-preferred"`} {
		if !strings.Contains(out, fragment) {
			t.Fatalf("resolve output %q missing %q", out, fragment)
		}
	}
}

func TestResolveCommandMalformed(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "images.json")
	if err := os.WriteFile(path, []byte(`{"Images":[{"ImageId":"ami-1"}]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := execute(t, "", "resolve", path)
	if !errors.Is(err, failures.ErrMalformedMetadata) {
		t.Fatalf("resolve error = %v, want ErrMalformedMetadata", err)
	}
}

func TestRejectsUnknownLogFormat(t *testing.T) {
	t.Parallel()

	if _, err := execute(t, "", "--log-format", "xml", "outcome", "0"); err == nil {
		t.Fatal("error = nil for unknown log format")
	}
}

func TestApplyRunFlagsOnlyOverridesChanged(t *testing.T) {
	t.Parallel()

	cmd := newRunCommand(&cli{logger: logging.Discard()})
	if err := cmd.ParseFlags([]string{"--region", "us-west-2", "--keep-image", "--poll-interval", "1m"}); err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}

	cfg := config.Default()
	cfg.AWS.ShareAccount = "from-file"
	var flags runFlags
	flags.region = "us-west-2"
	flags.keepImage = true
	flags.pollInterval = time.Minute
	applyRunFlags(cmd, flags, &cfg)

	if cfg.AWS.Region != "us-west-2" || !cfg.KeepImage || cfg.Compose.PollInterval != time.Minute {
		t.Fatalf("cfg = %#v", cfg)
	}
	if cfg.AWS.ShareAccount != "from-file" {
		t.Fatalf("share account overwritten: %q", cfg.AWS.ShareAccount)
	}
	if cfg.Validator.Runtime != "podman" {
		t.Fatalf("runtime = %q, want default", cfg.Validator.Runtime)
	}
}
