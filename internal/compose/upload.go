package compose

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// AWSUploadSettings are the credentials and destination composer uses to
// import the built image into EC2.
type AWSUploadSettings struct {
	AccessKeyID     string `toml:"accessKeyID"`
	SecretAccessKey string `toml:"secretAccessKey"`
	SessionToken    string `toml:"sessionToken,omitempty"`
	Bucket          string `toml:"bucket"`
	Region          string `toml:"region"`
	// Key names the intermediate object in the bucket.
	Key string `toml:"key"`
}

// UploadTarget is the provider config file passed to `compose start`.
type UploadTarget struct {
	Provider string            `toml:"provider"`
	Settings AWSUploadSettings `toml:"settings"`
}

func (t UploadTarget) Validate() error {
	var missing []string
	if t.Provider == "" {
		missing = append(missing, "provider")
	}
	if t.Settings.AccessKeyID == "" {
		missing = append(missing, "access key id")
	}
	if t.Settings.SecretAccessKey == "" {
		missing = append(missing, "secret access key")
	}
	if t.Settings.Bucket == "" {
		missing = append(missing, "bucket")
	}
	if t.Settings.Region == "" {
		missing = append(missing, "region")
	}
	if len(missing) > 0 {
		return fmt.Errorf("upload target: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// WriteUploadTarget writes target as TOML into dir and returns the path. The
// file holds credentials and is readable by the owner only.
func WriteUploadTarget(dir string, target UploadTarget) (string, error) {
	if dir == "" {
		return "", errors.New("upload target directory is required")
	}
	if err := target.Validate(); err != nil {
		return "", err
	}
	payload, err := toml.Marshal(target)
	if err != nil {
		return "", fmt.Errorf("encode upload target: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	path := filepath.Join(dir, target.Provider+".toml")
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return "", fmt.Errorf("write upload target: %w", err)
	}
	return path, nil
}

// ReadUploadTarget decodes an existing provider config file.
func ReadUploadTarget(path string) (UploadTarget, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return UploadTarget{}, err
	}
	var target UploadTarget
	if err := toml.Unmarshal(data, &target); err != nil {
		return UploadTarget{}, fmt.Errorf("decode upload target %s: %w", path, err)
	}
	return target, nil
}
