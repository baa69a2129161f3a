// Package config assembles the orchestrator settings from defaults, a YAML
// file, an optional .env file and the process environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/cochaviz/imagecheck/arch"
	"github.com/cochaviz/imagecheck/internal/cleanup"
	"github.com/cochaviz/imagecheck/internal/compose"
	"github.com/cochaviz/imagecheck/internal/failures"
	"github.com/cochaviz/imagecheck/internal/validation"
)

// EnvPrefix namespaces the environment variables read by Load.
const EnvPrefix = "IMAGECHECK_"

const (
	DefaultImageType    = "ami"
	DefaultProvider     = "aws"
	DefaultBuildTimeout = 3 * time.Hour
	DefaultArtifactsDir = "artifacts"
	DefaultEnvFile      = ".env"
)

type BlueprintConfig struct {
	// Path is the TOML blueprint file pushed to the build service.
	Path string `yaml:"path"`
	Name string `yaml:"name"`
}

type ComposeConfig struct {
	ImageType string `yaml:"image_type"`
	Provider  string `yaml:"provider"`
	// ProviderConfig is an existing upload target file. When empty one is
	// generated from the AWS settings and UploadBucket.
	ProviderConfig string `yaml:"provider_config"`
	UploadBucket   string `yaml:"upload_bucket"`
	// Command prefixes composer-cli invocations, e.g. [sudo, composer-cli].
	Command        []string      `yaml:"command"`
	JournalCommand []string      `yaml:"journal_command"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	Timeout        time.Duration `yaml:"timeout"`
	// MinToolVersion gates the boot mode check.
	MinToolVersion string `yaml:"min_tool_version"`
}

type AWSConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"-"`
	SecretAccessKey string `yaml:"-"`
	SessionToken    string `yaml:"-"`
	ShareAccount    string `yaml:"share_account"`
}

type ValidatorConfig struct {
	Runtime          string   `yaml:"runtime"`
	Image            string   `yaml:"image"`
	ConfigFile       string   `yaml:"config_file"`
	Markers          string   `yaml:"markers"`
	Parallel         bool     `yaml:"parallel"`
	Debug            bool     `yaml:"debug"`
	InstanceType     string   `yaml:"instance_type"`
	Username         string   `yaml:"username"`
	SubnetID         string   `yaml:"subnet_id"`
	SecurityGroupIDs []string `yaml:"security_group_ids"`
}

// Config is everything one orchestrator run needs.
type Config struct {
	TestID       string            `yaml:"test_id"`
	Architecture string            `yaml:"architecture"`
	Blueprint    BlueprintConfig   `yaml:"blueprint"`
	Compose      ComposeConfig     `yaml:"compose"`
	AWS          AWSConfig         `yaml:"aws"`
	Validator    ValidatorConfig   `yaml:"validator"`
	Tags         map[string]string `yaml:"tags"`
	KeepImage    bool              `yaml:"keep_image"`
	// ArtifactsDir receives reports and diagnostics.
	ArtifactsDir   string               `yaml:"artifacts_dir"`
	ReportBucket   validation.S3Options `yaml:"report_bucket"`
	CleanupTimeout time.Duration        `yaml:"cleanup_timeout"`
}

// Default returns the configuration used before any source is applied.
func Default() Config {
	return Config{
		Architecture: string(arch.Host()),
		Compose: ComposeConfig{
			ImageType:      DefaultImageType,
			Provider:       DefaultProvider,
			Command:        append([]string(nil), compose.DefaultCommand...),
			JournalCommand: append([]string(nil), compose.DefaultJournalCommand...),
			PollInterval:   compose.DefaultPollInterval,
			Timeout:        DefaultBuildTimeout,
		},
		Validator: ValidatorConfig{
			Runtime: validation.DefaultRuntime,
			Image:   validation.DefaultImage,
			Markers: validation.DefaultMarkers,
		},
		ArtifactsDir:   DefaultArtifactsDir,
		CleanupTimeout: cleanup.DefaultTimeout,
	}
}

// Options select the sources Load reads.
type Options struct {
	// File is a YAML configuration file. Optional.
	File string
	// EnvFile is a dotenv file. When empty DefaultEnvFile is tried and
	// silently skipped if absent; an explicit file must exist.
	EnvFile string
	// Lookup replaces os.LookupEnv.
	Lookup func(string) (string, bool)
}

// Load applies defaults, the YAML file, the dotenv file and the environment
// in that order. Missing required values are reported by Validate, not Load.
func Load(opts Options) (Config, error) {
	cfg := Default()

	if opts.File != "" {
		data, err := os.ReadFile(opts.File)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", opts.File, err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", opts.File, err)
		}
	}

	if err := loadEnvFile(opts.EnvFile); err != nil {
		return Config{}, err
	}

	lookup := opts.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// loadEnvFile never overrides variables already present in the environment.
func loadEnvFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = DefaultEnvFile
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("env file %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(target *string, names ...string) {
		for _, name := range names {
			if value, ok := lookup(name); ok && strings.TrimSpace(value) != "" {
				*target = strings.TrimSpace(value)
				return
			}
		}
	}

	str(&c.TestID, EnvPrefix+"TEST_ID")
	str(&c.Architecture, EnvPrefix+"ARCH")
	str(&c.Blueprint.Path, EnvPrefix+"BLUEPRINT")
	str(&c.Blueprint.Name, EnvPrefix+"BLUEPRINT_NAME")
	str(&c.Compose.ImageType, EnvPrefix+"IMAGE_TYPE")
	str(&c.Compose.ProviderConfig, EnvPrefix+"PROVIDER_CONFIG")
	str(&c.Compose.UploadBucket, EnvPrefix+"BUCKET", "AWS_BUCKET")
	str(&c.Compose.MinToolVersion, EnvPrefix+"MIN_COMPOSER_VERSION")
	str(&c.AWS.Region, EnvPrefix+"REGION", "AWS_REGION", "AWS_DEFAULT_REGION")
	str(&c.AWS.AccessKeyID, "AWS_ACCESS_KEY_ID")
	str(&c.AWS.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
	str(&c.AWS.SessionToken, "AWS_SESSION_TOKEN")
	str(&c.AWS.ShareAccount, EnvPrefix+"SHARE_ACCOUNT", "AWS_API_TEST_SHARE_ACCOUNT")
	str(&c.Validator.Runtime, EnvPrefix+"CONTAINER_RUNTIME")
	str(&c.Validator.Image, EnvPrefix+"VALIDATOR_IMAGE")
	str(&c.Validator.ConfigFile, EnvPrefix+"VALIDATOR_CONFIG")
	str(&c.ArtifactsDir, EnvPrefix+"ARTIFACTS_DIR")
	str(&c.ReportBucket.Endpoint, EnvPrefix+"REPORT_ENDPOINT")
	str(&c.ReportBucket.Bucket, EnvPrefix+"REPORT_BUCKET")
	str(&c.ReportBucket.AccessKey, EnvPrefix+"REPORT_ACCESS_KEY")
	str(&c.ReportBucket.SecretKey, EnvPrefix+"REPORT_SECRET_KEY")

	var errs []error
	if value, ok := lookup(EnvPrefix + "KEEP_IMAGE"); ok && value != "" {
		keep, err := strconv.ParseBool(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sKEEP_IMAGE: %w", EnvPrefix, err))
		} else {
			c.KeepImage = keep
		}
	}
	durations := []struct {
		name   string
		target *time.Duration
	}{
		{EnvPrefix + "POLL_INTERVAL", &c.Compose.PollInterval},
		{EnvPrefix + "BUILD_TIMEOUT", &c.Compose.Timeout},
		{EnvPrefix + "CLEANUP_TIMEOUT", &c.CleanupTimeout},
	}
	for _, d := range durations {
		value, ok := lookup(d.name)
		if !ok || value == "" {
			continue
		}
		parsed, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
			continue
		}
		*d.target = parsed
	}
	return errors.Join(errs...)
}

// EnsureTestID assigns a random identifier when none is configured.
func (c *Config) EnsureTestID() string {
	if strings.TrimSpace(c.TestID) == "" {
		c.TestID = uuid.NewString()
	}
	return c.TestID
}

// ImageName is the name the built cloud image is registered under.
func (c Config) ImageName() string {
	return "image-check-" + c.TestID
}

// Arch parses the configured architecture.
func (c Config) Arch() (arch.Architecture, error) {
	return arch.Parse(c.Architecture)
}

// Validate reports every missing or invalid setting as a single
// precondition failure. It runs before any resource is created.
func (c Config) Validate() error {
	var problems []string
	require := func(value, name string) {
		if strings.TrimSpace(value) == "" {
			problems = append(problems, name+" is required")
		}
	}

	require(c.TestID, "test id")
	require(c.Blueprint.Name, "blueprint name")
	require(c.Compose.ImageType, "image type")
	require(c.AWS.Region, "region")
	require(c.AWS.ShareAccount, "share account")
	if c.Compose.ProviderConfig == "" {
		require(c.Compose.UploadBucket, "upload bucket")
		require(c.AWS.AccessKeyID, "AWS access key id")
		require(c.AWS.SecretAccessKey, "AWS secret access key")
	} else if _, err := os.Stat(c.Compose.ProviderConfig); err != nil {
		problems = append(problems, fmt.Sprintf("provider config %s: %v", c.Compose.ProviderConfig, err))
	}
	if c.Blueprint.Path != "" {
		if _, err := os.Stat(c.Blueprint.Path); err != nil {
			problems = append(problems, fmt.Sprintf("blueprint %s: %v", c.Blueprint.Path, err))
		}
	}
	if _, err := c.Arch(); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Compose.PollInterval <= 0 {
		problems = append(problems, "poll interval must be positive")
	}
	if len(c.Compose.Command) == 0 {
		problems = append(problems, "composer command is empty")
	}
	if err := validation.CheckConfigFile(c.Validator.ConfigFile); err != nil {
		problems = append(problems, strings.TrimPrefix(err.Error(), failures.ErrPrecondition.Error()+": "))
	}

	if len(problems) > 0 {
		return failures.Precondition("%s", strings.Join(problems, "; "))
	}
	return nil
}
