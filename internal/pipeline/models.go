package pipeline

import (
	"context"
	"time"

	"github.com/cochaviz/imagecheck/arch"
	"github.com/cochaviz/imagecheck/internal/artifact"
	"github.com/cochaviz/imagecheck/internal/cleanup"
	"github.com/cochaviz/imagecheck/internal/compose"
	"github.com/cochaviz/imagecheck/internal/validation"
)

// State is a step of a run. Every run ends in CLEANING_UP followed by DONE.
type State string

const (
	StateStart         State = "START"
	StateProvisioning  State = "PROVISIONING"
	StateBuildFinished State = "FINISHED"
	StateBuildFailed   State = "FAILED"
	StateResolving     State = "RESOLVING_ARTIFACT"
	StatePublishing    State = "PUBLISHING"
	StateValidating    State = "VALIDATING"
	StatePass          State = "PASS"
	StateSkip          State = "SKIP"
	StateFail          State = "FAIL"
	StateCleaningUp    State = "CLEANING_UP"
	StateDone          State = "DONE"
)

// Builder drives the image build service.
type Builder interface {
	StartBuild(ctx context.Context, request compose.BuildRequest) (compose.BuildJob, error)
	PollUntilTerminal(ctx context.Context, jobID string, interval, timeout time.Duration) (compose.BuildJob, error)
	CollectDiagnostics(ctx context.Context, jobID, dir string) error
	DeleteBuild(ctx context.Context, jobID string) error
	ToolVersion(ctx context.Context) (string, error)
}

// Cloud publishes and removes the produced image.
type Cloud interface {
	DescribeImage(ctx context.Context, name string) ([]byte, error)
	ShareImage(ctx context.Context, imageID, snapshotID, accountID string) error
	VerifyShare(ctx context.Context, imageID, accountID string) error
	TagResources(ctx context.Context, resourceIDs []string, tags map[string]string) error
	DeregisterImage(ctx context.Context, imageID string) error
	DeleteSnapshot(ctx context.Context, snapshotID string) error
}

// Validator runs the end-to-end tests against a published image.
type Validator interface {
	RunValidation(ctx context.Context, imageRef string, spec validation.InstanceSpec, configFile string) (validation.ValidationResult, error)
}

var (
	_ Builder   = (*compose.Provisioner)(nil)
	_ Validator = (*validation.Runner)(nil)
)

// Settings are the per-run inputs of an Orchestrator.
type Settings struct {
	TestID       string
	Architecture arch.Architecture
	Build        compose.BuildRequest
	PollInterval time.Duration
	BuildTimeout time.Duration
	ShareAccount string
	// Tags are applied to the image and snapshot in addition to the test id.
	Tags            map[string]string
	Instances       validation.InstanceSpec
	ValidatorConfig string
	// ArtifactsDir receives diagnostics of failed builds.
	ArtifactsDir   string
	KeepImage      bool
	CleanupTimeout time.Duration
}

// Result summarises a run. Err repeats the error Run returned.
type Result struct {
	TestID     string
	State      State
	Trace      []State
	Outcome    validation.Outcome
	Job        compose.BuildJob
	Artifact   artifact.ImageArtifact
	Validation validation.ValidationResult
	Report     validation.StoredReport
	Cleanup    cleanup.Summary
	Err        error
}

// Succeeded reports whether the run ended in PASS or SKIP without error.
func (r Result) Succeeded() bool {
	return r.Err == nil && r.Outcome.Success()
}
