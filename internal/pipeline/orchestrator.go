// Package pipeline sequences one build-and-validate run: build the image,
// resolve and publish it, validate it, and release everything it created.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cochaviz/imagecheck/internal/artifact"
	"github.com/cochaviz/imagecheck/internal/cleanup"
	"github.com/cochaviz/imagecheck/internal/cloud"
	"github.com/cochaviz/imagecheck/internal/compose"
	"github.com/cochaviz/imagecheck/internal/failures"
	"github.com/cochaviz/imagecheck/internal/logging"
	"github.com/cochaviz/imagecheck/internal/validation"
)

var _ Cloud = (*cloud.Publisher)(nil)

// TestIDTag names the tag carrying the run's test identifier.
const TestIDTag = "image-check-test-id"

// Orchestrator owns every resource a run creates until Run returns.
type Orchestrator struct {
	Builder   Builder
	Cloud     Cloud
	Validator Validator
	// Reports keeps the validator report. Optional.
	Reports  validation.ReportStore
	BootMode cloud.BootModePolicy
	// Resolve turns describe-images output into an artifact. Defaults to
	// artifact.Extract.
	Resolve func(data []byte) (artifact.ImageArtifact, error)
	// Preflight runs before anything is created. Optional.
	Preflight func() error
	Settings  Settings
	Logger    *slog.Logger
}

func (o *Orchestrator) logger() *slog.Logger {
	return logging.Ensure(o.Logger).With(logging.ComponentKey, "pipeline", "test_id", o.Settings.TestID)
}

// Run executes the pipeline. Whatever happens after preconditions pass, the
// resources created so far are released before Run returns.
func (o *Orchestrator) Run(ctx context.Context) (result Result, err error) {
	logger := o.logger()
	result = Result{TestID: o.Settings.TestID}
	o.enter(&result, StateStart)

	defer func() {
		result.Err = err
		if err != nil {
			logger.Error("run failed", "state", result.State, "error", err)
		}
	}()

	if err := o.checkPreconditions(); err != nil {
		o.enter(&result, StateDone)
		return result, err
	}

	coordinator := &cleanup.Coordinator{
		KeepImage: o.Settings.KeepImage,
		Timeout:   o.Settings.CleanupTimeout,
		Logger:    logger,
	}
	defer func() {
		o.enter(&result, StateCleaningUp)
		result.Cleanup = coordinator.Release(ctx)
		o.enter(&result, StateDone)
		logger.Info("run complete",
			"outcome", result.Outcome,
			"deleted", len(result.Cleanup.Deleted),
			"retained", len(result.Cleanup.Retained),
			"cleanup_failures", len(result.Cleanup.Failed))
	}()

	job, err := o.provision(ctx, &result, coordinator)
	if err != nil {
		return result, err
	}

	o.enter(&result, StateResolving)
	image, err := o.resolve(ctx, coordinator)
	if err != nil {
		return result, err
	}
	result.Artifact = image
	logger.Info("image resolved", "job_id", job.ID, "image", image.ImageID, "snapshot", image.SnapshotID, "boot_mode", image.BootMode)

	o.enter(&result, StatePublishing)
	if err := o.publish(ctx, image); err != nil {
		return result, err
	}

	o.enter(&result, StateValidating)
	return o.validate(ctx, &result, image)
}

func (o *Orchestrator) checkPreconditions() error {
	var missing []string
	if o.Builder == nil {
		missing = append(missing, "builder")
	}
	if o.Cloud == nil {
		missing = append(missing, "cloud publisher")
	}
	if o.Validator == nil {
		missing = append(missing, "validator")
	}
	if o.Settings.TestID == "" {
		missing = append(missing, "test id")
	}
	if o.Settings.ShareAccount == "" {
		missing = append(missing, "share account")
	}
	if len(missing) > 0 {
		return failures.Precondition("orchestrator is missing %s", strings.Join(missing, ", "))
	}
	if err := validation.CheckConfigFile(o.Settings.ValidatorConfig); err != nil {
		return err
	}
	if o.Preflight != nil {
		return o.Preflight()
	}
	return nil
}

func (o *Orchestrator) provision(ctx context.Context, result *Result, coordinator *cleanup.Coordinator) (compose.BuildJob, error) {
	o.enter(result, StateProvisioning)

	job, err := o.Builder.StartBuild(ctx, o.Settings.Build)
	if err != nil {
		return job, fmt.Errorf("start build: %w", err)
	}
	result.Job = job
	coordinator.Add(ctx, cleanup.Action{
		Kind:     cleanup.KindBuildJob,
		Resource: job.ID,
		Delete: func(ctx context.Context) error {
			return o.Builder.DeleteBuild(ctx, job.ID)
		},
	})

	polled, err := o.Builder.PollUntilTerminal(ctx, job.ID, o.Settings.PollInterval, o.Settings.BuildTimeout)
	if polled.Status != "" {
		result.Job.Status = polled.Status
	}
	if err != nil {
		return result.Job, fmt.Errorf("wait for compose %s: %w", job.ID, err)
	}

	switch polled.Status {
	case compose.StatusFinished:
		o.enter(result, StateBuildFinished)
		return result.Job, nil
	case compose.StatusFailed:
		o.enter(result, StateBuildFailed)
		o.collectDiagnostics(ctx, job.ID)
		return result.Job, fmt.Errorf("compose %s: %w", job.ID, failures.ErrBuildFailure)
	default:
		return result.Job, &failures.UnexpectedStatusError{JobID: job.ID, Status: string(polled.Status)}
	}
}

func (o *Orchestrator) collectDiagnostics(ctx context.Context, jobID string) {
	if o.Settings.ArtifactsDir == "" {
		return
	}
	dir := filepath.Join(o.Settings.ArtifactsDir, "compose-"+jobID)
	if err := o.Builder.CollectDiagnostics(ctx, jobID, dir); err != nil {
		o.logger().Warn("collecting build diagnostics failed", "job_id", jobID, "error", err)
		return
	}
	o.logger().Info("build diagnostics saved", "job_id", jobID, "dir", dir)
}

func (o *Orchestrator) resolve(ctx context.Context, coordinator *cleanup.Coordinator) (artifact.ImageArtifact, error) {
	data, err := o.Cloud.DescribeImage(ctx, o.Settings.Build.ImageName)
	if err != nil {
		return artifact.ImageArtifact{}, fmt.Errorf("describe image %s: %w", o.Settings.Build.ImageName, err)
	}

	// The upload already registered these, so they are queued before the
	// metadata is checked.
	images, snapshots := artifact.ResourceIDs(data)
	for _, id := range images {
		o.queueImage(ctx, coordinator, id)
	}
	for _, id := range snapshots {
		o.queueSnapshot(ctx, coordinator, id)
	}

	resolve := o.Resolve
	if resolve == nil {
		resolve = artifact.Extract
	}
	image, err := resolve(data)
	if err != nil {
		return artifact.ImageArtifact{}, fmt.Errorf("resolve image %s: %w", o.Settings.Build.ImageName, err)
	}

	o.queueImage(ctx, coordinator, image.ImageID)
	o.queueSnapshot(ctx, coordinator, image.SnapshotID)
	return image, nil
}

func (o *Orchestrator) queueImage(ctx context.Context, coordinator *cleanup.Coordinator, imageID string) {
	coordinator.Add(ctx, cleanup.Action{
		Kind:     cleanup.KindImage,
		Resource: imageID,
		Delete: func(ctx context.Context) error {
			return o.Cloud.DeregisterImage(ctx, imageID)
		},
	})
}

func (o *Orchestrator) queueSnapshot(ctx context.Context, coordinator *cleanup.Coordinator, snapshotID string) {
	coordinator.Add(ctx, cleanup.Action{
		Kind:     cleanup.KindSnapshot,
		Resource: snapshotID,
		Delete: func(ctx context.Context) error {
			return o.Cloud.DeleteSnapshot(ctx, snapshotID)
		},
	})
}

func (o *Orchestrator) publish(ctx context.Context, image artifact.ImageArtifact) error {
	tags := map[string]string{TestIDTag: o.Settings.TestID}
	for key, value := range o.Settings.Tags {
		tags[key] = value
	}
	if err := o.Cloud.TagResources(ctx, image.Resources(), tags); err != nil {
		return fmt.Errorf("tag %s: %w", image, err)
	}

	account := o.Settings.ShareAccount
	if err := o.Cloud.ShareImage(ctx, image.ImageID, image.SnapshotID, account); err != nil {
		return fmt.Errorf("share %s: %w", image, err)
	}
	if err := o.Cloud.VerifyShare(ctx, image.ImageID, account); err != nil {
		return fmt.Errorf("verify share of %s: %w", image.ImageID, err)
	}
	o.logger().Info("image shared", "image", image.ImageID, "account", account)

	return o.BootMode.AssertBootMode(image, o.Settings.Architecture, o.toolVersion(ctx))
}

// toolVersion returns "" when the version is not needed or cannot be read.
func (o *Orchestrator) toolVersion(ctx context.Context) string {
	if o.BootMode.MinToolVersion == "" {
		return ""
	}
	version, err := o.Builder.ToolVersion(ctx)
	if err != nil {
		o.logger().Warn("build service version unknown, boot mode check skipped", "error", err)
		return ""
	}
	return version
}

func (o *Orchestrator) validate(ctx context.Context, result *Result, image artifact.ImageArtifact) (Result, error) {
	validated, err := o.Validator.RunValidation(ctx, image.ImageID, o.Settings.Instances, o.Settings.ValidatorConfig)
	if err != nil {
		return *result, fmt.Errorf("run validation: %w", err)
	}
	result.Validation = validated
	result.Outcome = validated.Outcome
	o.enter(result, outcomeState(validated.Outcome))

	if o.storeReport(ctx, result, image) {
		o.removeWorkDir(validated.WorkDir)
	} else if validated.WorkDir != "" {
		o.logger().Warn("validation directory kept", "dir", validated.WorkDir)
	}

	if !validated.Outcome.Success() {
		return *result, &failures.ValidationFailureError{ExitCode: validated.ExitCode, Reason: validated.Reason}
	}
	return *result, nil
}

// storeReport reports whether the validation directory may be discarded.
func (o *Orchestrator) storeReport(ctx context.Context, result *Result, image artifact.ImageArtifact) bool {
	if result.Validation.ReportPath == "" {
		o.logger().Warn("no report to store")
		return true
	}
	if o.Reports == nil {
		return false
	}
	stored, err := o.Reports.StoreReport(ctx, result.Validation.ReportPath, validation.ReportMeta{
		TestID:   o.Settings.TestID,
		ImageID:  image.ImageID,
		Outcome:  result.Validation.Outcome,
		ExitCode: result.Validation.ExitCode,
	})
	if stored.URI != "" {
		result.Report = stored
	}
	if err != nil {
		o.logger().Warn("storing report failed", "error", err)
	}
	return stored.URI != ""
}

func (o *Orchestrator) removeWorkDir(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		o.logger().Warn("removing validation directory failed", "dir", dir, "error", err)
	}
}

func (o *Orchestrator) enter(result *Result, state State) {
	result.State = state
	result.Trace = append(result.Trace, state)
	o.logger().Debug("state", "state", state)
}

func outcomeState(outcome validation.Outcome) State {
	switch outcome {
	case validation.OutcomePass:
		return StatePass
	case validation.OutcomeSkip:
		return StateSkip
	default:
		return StateFail
	}
}

// ExitCode maps a run error onto the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return 130
	default:
		return 1
	}
}
