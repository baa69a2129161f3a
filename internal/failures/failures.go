// Package failures defines the error kinds shared by the pipeline stages.
// Callers match them with errors.Is; typed errors carry the offending values
// and unwrap to their sentinel.
package failures

import (
	"errors"
	"fmt"
)

var (
	// ErrBuildFailure means the compose reached the FAILED terminal status.
	ErrBuildFailure = errors.New("build failure")
	// ErrBuildTimeout means the compose did not reach a terminal status in time.
	ErrBuildTimeout = errors.New("build timeout")
	// ErrUnexpectedStatus means the build service reported an unknown status.
	ErrUnexpectedStatus = errors.New("unexpected build status")
	// ErrMalformedMetadata means an external tool answered with JSON lacking
	// required fields.
	ErrMalformedMetadata = errors.New("malformed metadata")
	// ErrBootModeMismatch means the produced image advertises the wrong boot mode.
	ErrBootModeMismatch = errors.New("boot mode mismatch")
	// ErrValidationFailure means the validator finished with a failing outcome.
	ErrValidationFailure = errors.New("validation failure")
	// ErrPrecondition means required configuration is missing.
	ErrPrecondition = errors.New("precondition failed")
)

// UnexpectedStatusError carries the status value the build service returned.
type UnexpectedStatusError struct {
	JobID  string
	Status string
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("compose %s: unexpected status %q", e.JobID, e.Status)
}

func (e *UnexpectedStatusError) Unwrap() error { return ErrUnexpectedStatus }

// BootModeMismatchError carries the expected and observed boot modes.
type BootModeMismatchError struct {
	ImageID      string
	Architecture string
	Expected     string
	Actual       string
}

func (e *BootModeMismatchError) Error() string {
	return fmt.Sprintf("image %s (%s): boot mode %q, expected %q", e.ImageID, e.Architecture, e.Actual, e.Expected)
}

func (e *BootModeMismatchError) Unwrap() error { return ErrBootModeMismatch }

// ValidationFailureError carries the validator's exit status.
type ValidationFailureError struct {
	ExitCode int
	Reason   string
}

func (e *ValidationFailureError) Error() string {
	return fmt.Sprintf("validation failed with exit code %d: %s", e.ExitCode, e.Reason)
}

func (e *ValidationFailureError) Unwrap() error { return ErrValidationFailure }

// Malformed wraps ErrMalformedMetadata with a description of what is missing.
func Malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedMetadata, fmt.Sprintf(format, args...))
}

// Precondition wraps ErrPrecondition with a description of what is missing.
func Precondition(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPrecondition, fmt.Sprintf(format, args...))
}
