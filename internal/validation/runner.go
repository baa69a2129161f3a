package validation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cochaviz/imagecheck/internal/failures"
	"github.com/cochaviz/imagecheck/internal/logging"
	"github.com/cochaviz/imagecheck/internal/shell"
)

const (
	DefaultRuntime = "podman"
	DefaultImage   = "ghcr.io/osbuild/cloud-image-val:latest"
	DefaultMarkers = "not pub"

	containerArtifactsDir = "/tmp/artifacts"
	containerConfigPath   = "/tmp/civ_config.yml"
	resourceFileName      = "resource-file.json"
	reportXMLName         = "report.xml"
	ReportFileName        = "report.html"
)

// passthroughEnv names the host variables forwarded into the container.
var passthroughEnv = []string{"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_REGION"}

// Runner launches the validator container through a container runtime.
type Runner struct {
	Shell shell.Runner
	// Runtime is the container CLI, podman or docker. Defaults to podman.
	Runtime string
	Image   string
	// WorkDir receives one scratch directory per run. Defaults to the
	// system temporary directory.
	WorkDir string
	// Markers selects tests by pytest marker expression. Defaults to
	// DefaultMarkers.
	Markers  string
	Parallel bool
	Debug    bool
	// Region is exported as AWS_REGION when the host does not set it.
	Region string
	// Output receives the validator's console output as it runs.
	Output io.Writer
	Logger *slog.Logger
}

func (r *Runner) logger() *slog.Logger {
	return logging.Ensure(r.Logger).With(logging.ComponentKey, "validation")
}

// RunValidation writes the instance spec for imageRef, runs the validator
// with configFile mounted, and maps its exit status. Any exit status yields a
// result; errors are reserved for failures to run the container at all.
func (r *Runner) RunValidation(ctx context.Context, imageRef string, spec InstanceSpec, configFile string) (ValidationResult, error) {
	if r.Shell == nil {
		return ValidationResult{}, errors.New("validation runner has no shell")
	}
	if strings.TrimSpace(imageRef) == "" {
		return ValidationResult{}, errors.New("image reference is required")
	}
	if err := CheckConfigFile(configFile); err != nil {
		return ValidationResult{}, err
	}
	absConfig, err := filepath.Abs(configFile)
	if err != nil {
		return ValidationResult{}, err
	}

	spec = spec.ForImage(imageRef)
	if err := spec.Validate(); err != nil {
		return ValidationResult{}, fmt.Errorf("instance spec: %w", err)
	}

	dir, err := r.scratchDir()
	if err != nil {
		return ValidationResult{}, err
	}
	if err := writeResourceFile(dir, spec); err != nil {
		os.RemoveAll(dir)
		return ValidationResult{}, err
	}

	cmd := shell.Command{
		Name:   r.runtime(),
		Args:   r.args(dir, absConfig),
		Env:    r.env(),
		Stream: r.Output,
	}
	logger := r.logger().With("image", imageRef, "dir", dir)
	logger.Info("starting validator", "runtime", cmd.Name, "container", r.image())

	result, err := r.Shell.Run(ctx, cmd)
	if err != nil {
		os.RemoveAll(dir)
		return ValidationResult{}, fmt.Errorf("run validator: %w", err)
	}

	outcome, reason := OutcomeForExitCode(result.ExitCode)
	validation := ValidationResult{
		ExitCode: result.ExitCode,
		Outcome:  outcome,
		Reason:   reason,
		WorkDir:  dir,
	}
	reportPath := filepath.Join(dir, ReportFileName)
	if _, statErr := os.Stat(reportPath); statErr == nil {
		validation.ReportPath = reportPath
	} else {
		logger.Warn("validator produced no report", "path", reportPath)
	}

	logger.Info("validator finished", "exit_code", result.ExitCode, "outcome", outcome, "reason", reason)
	return validation, nil
}

func (r *Runner) runtime() string {
	if strings.TrimSpace(r.Runtime) == "" {
		return DefaultRuntime
	}
	return r.Runtime
}

func (r *Runner) image() string {
	if strings.TrimSpace(r.Image) == "" {
		return DefaultImage
	}
	return r.Image
}

func (r *Runner) args(dir, configFile string) []string {
	args := []string{"run", "--rm", "-a", "stdout", "-a", "stderr"}
	for _, name := range passthroughEnv {
		args = append(args, "-e", name)
	}
	args = append(args,
		"-v", dir+":"+containerArtifactsDir+":Z",
		"-v", configFile+":"+containerConfigPath+":Z",
		"--network", "host",
		r.image(),
		"python", "cloud-image-val.py",
		"-r", containerArtifactsDir+"/"+resourceFileName,
		"-c", containerConfigPath,
		"-o", containerArtifactsDir+"/"+reportXMLName,
	)

	markers := r.Markers
	if strings.TrimSpace(markers) == "" {
		markers = DefaultMarkers
	}
	args = append(args, "-m", markers)
	if r.Parallel {
		args = append(args, "-p")
	}
	if r.Debug {
		args = append(args, "-d")
	}
	return args
}

func (r *Runner) env() []string {
	if r.Region == "" || os.Getenv("AWS_REGION") != "" {
		return nil
	}
	return []string{"AWS_REGION=" + r.Region}
}

func (r *Runner) scratchDir() (string, error) {
	base := r.WorkDir
	if base != "" {
		if err := os.MkdirAll(base, 0o755); err != nil {
			return "", err
		}
	}
	dir, err := os.MkdirTemp(base, "imagecheck-validation-")
	if err != nil {
		return "", fmt.Errorf("create scratch directory: %w", err)
	}
	return dir, nil
}

func writeResourceFile(dir string, spec InstanceSpec) error {
	payload, err := spec.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, resourceFileName), payload, 0o644)
}

// CheckConfigFile reports a missing or unusable validation config file as a
// precondition failure.
func CheckConfigFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return failures.Precondition("validation config file is not set")
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return failures.Precondition("validation config file %s does not exist", path)
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return failures.Precondition("validation config file %s is a directory", path)
	}
	return nil
}
