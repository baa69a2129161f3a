package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	simple "github.com/cochaviz/imagecheck/config"
	"github.com/cochaviz/imagecheck/internal/artifact"
	"github.com/cochaviz/imagecheck/internal/config"
	"github.com/cochaviz/imagecheck/internal/failures"
	"github.com/cochaviz/imagecheck/internal/logging"
	"github.com/cochaviz/imagecheck/internal/pipeline"
	"github.com/cochaviz/imagecheck/internal/validation"
)

const (
	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

// cli carries the logger shared by all commands. It is rebuilt once the
// persistent flags are parsed.
type cli struct {
	level  slog.LevelVar
	logger *slog.Logger
}

func main() {
	app := &cli{}
	app.level.Set(slog.LevelInfo)
	app.logger = logging.New(logging.FormatText, os.Stderr, &app.level)
	slog.SetDefault(app.logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(app)
	if err := root.ExecuteContext(ctx); err != nil {
		code := pipeline.ExitCode(err)
		if code == 130 {
			app.logger.Warn("command interrupted", "error", err)
		} else {
			app.logger.Error("command execution failed", "error", err)
		}
		os.Exit(code)
	}
}

func newRootCommand(app *cli) *cobra.Command {
	var (
		logLevel  = defaultLogLevel
		logFormat = defaultLogFormat
	)

	root := &cobra.Command{
		Use:           "imagecheck",
		Short:         "Build a cloud image, publish it and validate it end to end",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", defaultLogFormat, "Log output format (text, json)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		format, err := logging.ParseFormat(logFormat)
		if err != nil {
			return err
		}
		app.level.Set(level)
		app.logger = logging.New(format, cmd.ErrOrStderr(), &app.level)
		slog.SetDefault(app.logger)
		return nil
	}

	root.AddCommand(
		newRunCommand(app),
		newResolveCommand(app),
		newOutcomeCommand(app),
	)
	return root
}

// runFlags mirror the configuration keys that are commonly set per run.
type runFlags struct {
	configFile      string
	envFile         string
	testID          string
	architecture    string
	blueprint       string
	blueprintName   string
	imageType       string
	providerConfig  string
	bucket          string
	region          string
	shareAccount    string
	validatorConfig string
	runtime         string
	validatorImage  string
	artifactsDir    string
	reportBucket    string
	reportEndpoint  string
	minVersion      string
	keepImage       bool
	pollInterval    time.Duration
	timeout         time.Duration
}

func newRunCommand(app *cli) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Args:  cobra.NoArgs,
		Short: "Build, publish and validate an image, then remove everything created",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.Options{File: flags.configFile, EnvFile: flags.envFile})
			if err != nil {
				return err
			}
			applyRunFlags(cmd, flags, &cfg)
			cfg.EnsureTestID()

			cmdLogger := app.logger.With("command", "run", "test_id", cfg.TestID)
			cmdLogger.Info("starting run", "arch", cfg.Architecture, "blueprint", cfg.Blueprint.Name, "region", cfg.AWS.Region)

			result, err := simple.Run(cmd.Context(), cfg, cmd.OutOrStdout(), cmdLogger)
			printSummary(cmd.OutOrStdout(), result)
			if err != nil {
				return err
			}
			cmdLogger.Info("run succeeded", "outcome", result.Outcome)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flags.configFile, "config", "c", "", "YAML configuration file")
	f.StringVar(&flags.envFile, "env-file", "", "dotenv file with credentials (default .env when present)")
	f.StringVar(&flags.testID, "test-id", "", "Unique identifier for this run (default random UUID)")
	f.StringVar(&flags.architecture, "arch", "", "Target architecture (x86_64, aarch64)")
	f.StringVar(&flags.blueprint, "blueprint", "", "Blueprint TOML file to push before building")
	f.StringVar(&flags.blueprintName, "blueprint-name", "", "Name of the blueprint to build")
	f.StringVar(&flags.imageType, "image-type", "", "Composer image type")
	f.StringVar(&flags.providerConfig, "provider-config", "", "Existing upload target TOML file")
	f.StringVar(&flags.bucket, "bucket", "", "S3 bucket used by the image upload")
	f.StringVar(&flags.region, "region", "", "AWS region")
	f.StringVar(&flags.shareAccount, "share-account", "", "AWS account the image is shared with")
	f.StringVar(&flags.validatorConfig, "validator-config", "", "Validator configuration file")
	f.StringVar(&flags.runtime, "container-runtime", "", "Container runtime for the validator (podman, docker)")
	f.StringVar(&flags.validatorImage, "validator-image", "", "Validator container image")
	f.StringVar(&flags.artifactsDir, "artifacts-dir", "", "Directory for reports and diagnostics")
	f.StringVar(&flags.reportBucket, "report-bucket", "", "Upload the report to this S3 bucket")
	f.StringVar(&flags.reportEndpoint, "report-endpoint", "", "S3-compatible endpoint for --report-bucket")
	f.StringVar(&flags.minVersion, "min-composer-version", "", "Skip the boot mode check for older osbuild-composer versions")
	f.BoolVar(&flags.keepImage, "keep-image", false, "Keep the image and snapshot after the run")
	f.DurationVar(&flags.pollInterval, "poll-interval", 0, "Interval between compose status queries")
	f.DurationVar(&flags.timeout, "timeout", 0, "Maximum time to wait for the compose")

	return cmd
}

// applyRunFlags overrides cfg with the flags given on the command line.
func applyRunFlags(cmd *cobra.Command, flags runFlags, cfg *config.Config) {
	changed := cmd.Flags().Changed
	strs := []struct {
		name   string
		value  string
		target *string
	}{
		{"test-id", flags.testID, &cfg.TestID},
		{"arch", flags.architecture, &cfg.Architecture},
		{"blueprint", flags.blueprint, &cfg.Blueprint.Path},
		{"blueprint-name", flags.blueprintName, &cfg.Blueprint.Name},
		{"image-type", flags.imageType, &cfg.Compose.ImageType},
		{"provider-config", flags.providerConfig, &cfg.Compose.ProviderConfig},
		{"bucket", flags.bucket, &cfg.Compose.UploadBucket},
		{"region", flags.region, &cfg.AWS.Region},
		{"share-account", flags.shareAccount, &cfg.AWS.ShareAccount},
		{"validator-config", flags.validatorConfig, &cfg.Validator.ConfigFile},
		{"container-runtime", flags.runtime, &cfg.Validator.Runtime},
		{"validator-image", flags.validatorImage, &cfg.Validator.Image},
		{"artifacts-dir", flags.artifactsDir, &cfg.ArtifactsDir},
		{"report-bucket", flags.reportBucket, &cfg.ReportBucket.Bucket},
		{"report-endpoint", flags.reportEndpoint, &cfg.ReportBucket.Endpoint},
		{"min-composer-version", flags.minVersion, &cfg.Compose.MinToolVersion},
	}
	for _, s := range strs {
		if changed(s.name) {
			*s.target = s.value
		}
	}
	if changed("keep-image") {
		cfg.KeepImage = flags.keepImage
	}
	if changed("poll-interval") {
		cfg.Compose.PollInterval = flags.pollInterval
	}
	if changed("timeout") {
		cfg.Compose.Timeout = flags.timeout
	}
}

func printSummary(w io.Writer, result pipeline.Result) {
	fmt.Fprintf(w, "test id:  %s\n", result.TestID)
	if result.Job.ID != "" {
		fmt.Fprintf(w, "compose:  %s (%s)\n", result.Job.ID, result.Job.Status)
	}
	if result.Artifact.ImageID != "" {
		fmt.Fprintf(w, "image:    %s\n", result.Artifact)
	}
	if result.Outcome != "" {
		fmt.Fprintf(w, "outcome:  %s (exit %d)\n", result.Outcome, result.Validation.ExitCode)
	}
	if result.Report.URI != "" {
		fmt.Fprintf(w, "report:   %s\n", result.Report.URI)
	}
	fmt.Fprintf(w, "state:    %s\n", result.State)
}

func newResolveCommand(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <describe-images.json|->",
		Args:  cobra.ExactArgs(1),
		Short: "Extract the image id, snapshot id and boot mode from describe-images output",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := app.logger.With("command", "resolve")

			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}

			image, err := artifact.Extract(data)
			if err != nil {
				return err
			}
			cmdLogger.Debug("image resolved", "image", image.ImageID)

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(image)
		},
	}
}

func newOutcomeCommand(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "outcome <exit-code>",
		Args:  cobra.ExactArgs(1),
		Short: "Translate a validator exit code into PASS, SKIP or FAIL",
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := strconv.Atoi(strings.TrimSpace(args[0]))
			if err != nil {
				return fmt.Errorf("exit code must be an integer: %w", err)
			}
			outcome, reason := validation.OutcomeForExitCode(code)
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", outcome, reason)
			app.logger.Debug("outcome mapped", "command", "outcome", "exit_code", code, "outcome", outcome)
			if !outcome.Success() {
				return &failures.ValidationFailureError{ExitCode: code, Reason: reason}
			}
			return nil
		},
	}
}
