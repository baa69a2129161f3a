package simple

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cochaviz/imagecheck/internal/cloud"
	"github.com/cochaviz/imagecheck/internal/compose"
	"github.com/cochaviz/imagecheck/internal/config"
	"github.com/cochaviz/imagecheck/internal/logging"
	"github.com/cochaviz/imagecheck/internal/pipeline"
	"github.com/cochaviz/imagecheck/internal/shell"
	"github.com/cochaviz/imagecheck/internal/validation"
)

// Run builds, publishes and validates one image as described by cfg.
func Run(ctx context.Context, cfg config.Config, output io.Writer, logger *slog.Logger) (pipeline.Result, error) {
	logger = logging.Ensure(logger).With(logging.ComponentKey, "run")
	cfg.EnsureTestID()

	if err := cfg.Validate(); err != nil {
		return pipeline.Result{TestID: cfg.TestID, State: pipeline.StateDone, Err: err}, err
	}

	providerConfig := cfg.Compose.ProviderConfig
	if providerConfig == "" {
		dir, err := os.MkdirTemp("", "imagecheck-upload-*")
		if err != nil {
			return pipeline.Result{TestID: cfg.TestID}, fmt.Errorf("create upload target directory: %w", err)
		}
		defer os.RemoveAll(dir)

		providerConfig, err = compose.WriteUploadTarget(dir, uploadTarget(cfg))
		if err != nil {
			return pipeline.Result{TestID: cfg.TestID}, err
		}
	}

	orchestrator, err := NewOrchestrator(ctx, cfg, providerConfig, output, logger)
	if err != nil {
		return pipeline.Result{TestID: cfg.TestID}, err
	}
	return orchestrator.Run(ctx)
}

// NewOrchestrator wires the production components for cfg. cfg must already
// carry a test id.
func NewOrchestrator(ctx context.Context, cfg config.Config, providerConfig string, output io.Writer, logger *slog.Logger) (*pipeline.Orchestrator, error) {
	logger = logging.Ensure(logger)

	architecture, err := cfg.Arch()
	if err != nil {
		return nil, err
	}

	runner := &shell.ExecRunner{Logger: logger.With(logging.ComponentKey, "shell")}

	provisioner := &compose.Provisioner{
		Client: &compose.Client{
			Runner:  runner,
			Command: cfg.Compose.Command,
			Logger:  logger.With(logging.ComponentKey, "composer"),
		},
		Logger: logger.With(logging.ComponentKey, "compose"),
	}
	if len(cfg.Compose.JournalCommand) > 0 {
		provisioner.Observer = &compose.JournalObserver{
			Command: cfg.Compose.JournalCommand,
			Logger:  logger.With(logging.ComponentKey, "worker"),
		}
	}

	publisher, err := cloud.NewPublisher(ctx, cfg.AWS.Region, logger.With(logging.ComponentKey, "ec2"))
	if err != nil {
		return nil, err
	}

	reports, err := reportStores(cfg, logger)
	if err != nil {
		return nil, err
	}

	return &pipeline.Orchestrator{
		Builder:  provisioner,
		Cloud:    publisher,
		Reports:  reports,
		BootMode: cloud.BootModePolicy{MinToolVersion: cfg.Compose.MinToolVersion},
		Validator: &validation.Runner{
			Shell:    runner,
			Runtime:  cfg.Validator.Runtime,
			Image:    cfg.Validator.Image,
			WorkDir:  filepath.Join(cfg.ArtifactsDir, "validation"),
			Markers:  cfg.Validator.Markers,
			Parallel: cfg.Validator.Parallel,
			Debug:    cfg.Validator.Debug,
			Region:   cfg.AWS.Region,
			Output:   output,
			Logger:   logger,
		},
		Preflight: cfg.Validate,
		Settings: pipeline.Settings{
			TestID:       cfg.TestID,
			Architecture: architecture,
			Build: compose.BuildRequest{
				BlueprintPath:  cfg.Blueprint.Path,
				BlueprintName:  cfg.Blueprint.Name,
				ImageType:      cfg.Compose.ImageType,
				ImageName:      cfg.ImageName(),
				Provider:       cfg.Compose.Provider,
				ProviderConfig: providerConfig,
			},
			PollInterval:    cfg.Compose.PollInterval,
			BuildTimeout:    cfg.Compose.Timeout,
			ShareAccount:    cfg.AWS.ShareAccount,
			Tags:            cfg.Tags,
			Instances:       InstanceSpec(cfg),
			ValidatorConfig: cfg.Validator.ConfigFile,
			ArtifactsDir:    cfg.ArtifactsDir,
			KeepImage:       cfg.KeepImage,
			CleanupTimeout:  cfg.CleanupTimeout,
		},
		Logger: logger,
	}, nil
}

// InstanceSpec describes the instance the validator deploys for cfg.
func InstanceSpec(cfg config.Config) validation.InstanceSpec {
	architecture, _ := cfg.Arch()
	spec := validation.NewInstanceSpec(cfg.AWS.Region, architecture, cfg.ImageName())
	instance := &spec.Instances[0]
	if cfg.Validator.InstanceType != "" {
		instance.InstanceType = cfg.Validator.InstanceType
	}
	if cfg.Validator.Username != "" {
		instance.Username = cfg.Validator.Username
	}
	instance.SubnetID = cfg.Validator.SubnetID
	instance.SecurityGroupIDs = cfg.Validator.SecurityGroupIDs
	return spec
}

func uploadTarget(cfg config.Config) compose.UploadTarget {
	return compose.UploadTarget{
		Provider: cfg.Compose.Provider,
		Settings: compose.AWSUploadSettings{
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
			SessionToken:    cfg.AWS.SessionToken,
			Bucket:          cfg.Compose.UploadBucket,
			Region:          cfg.AWS.Region,
			Key:             cfg.ImageName(),
		},
	}
}

func reportStores(cfg config.Config, logger *slog.Logger) (validation.ReportStore, error) {
	stores := []validation.ReportStore{
		&validation.LocalReportStore{BaseDir: cfg.ArtifactsDir},
	}
	if cfg.ReportBucket.Enabled() {
		bucket, err := validation.NewS3ReportStore(cfg.ReportBucket)
		if err != nil {
			return nil, err
		}
		stores = append(stores, bucket)
	}
	return &validation.MultiStore{Stores: stores, Logger: logger.With(logging.ComponentKey, "reports")}, nil
}
