package compose

import "strings"

// Status is the queue status the build service reports for a compose.
type Status string

const (
	StatusWaiting  Status = "WAITING"
	StatusRunning  Status = "RUNNING"
	StatusFinished Status = "FINISHED"
	StatusFailed   Status = "FAILED"
)

// ParseStatus normalises a queue status. The second return value is false for
// values outside the known set.
func ParseStatus(value string) (Status, bool) {
	status := Status(strings.ToUpper(strings.TrimSpace(value)))
	switch status {
	case StatusWaiting, StatusRunning, StatusFinished, StatusFailed:
		return status, true
	default:
		return status, false
	}
}

// Terminal reports whether s is FINISHED or FAILED.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// BuildRequest is everything needed to start a compose.
type BuildRequest struct {
	// BlueprintPath is the TOML blueprint pushed before the compose starts.
	BlueprintPath string
	BlueprintName string
	// ImageType is the composer image type, e.g. "ami".
	ImageType string
	// ImageName is the name the uploaded cloud image is registered under.
	ImageName string
	// Provider names the upload target, e.g. "aws".
	Provider string
	// ProviderConfig is the TOML upload settings file handed to composer-cli.
	ProviderConfig string
}

// BuildJob is a compose as last observed. Terminal statuses never change.
type BuildJob struct {
	ID             string
	Status         Status
	TargetPlatform string
	CloudProvider  string
}
