package failures

import (
	"errors"
	"fmt"
	"testing"
)

func TestTypedErrorsUnwrapToSentinels(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want error
	}{
		{&UnexpectedStatusError{JobID: "1", Status: "LOST"}, ErrUnexpectedStatus},
		{&BootModeMismatchError{ImageID: "ami-1", Expected: "uefi", Actual: "legacy"}, ErrBootModeMismatch},
		{&ValidationFailureError{ExitCode: 100}, ErrValidationFailure},
		{Malformed("missing %s", "ImageId"), ErrMalformedMetadata},
		{Precondition("config file"), ErrPrecondition},
	}
	for _, tc := range cases {
		wrapped := fmt.Errorf("stage: %w", tc.err)
		if !errors.Is(wrapped, tc.want) {
			t.Fatalf("errors.Is(%v, %v) = false", wrapped, tc.want)
		}
	}
}

func TestBootModeMismatchErrorAs(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("publish: %w", &BootModeMismatchError{ImageID: "ami-123", Architecture: "x86_64", Expected: "uefi-preferred", Actual: "legacy"})
	var mismatch *BootModeMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("errors.As() = false for %v", err)
	}
	if mismatch.Actual != "legacy" {
		t.Fatalf("Actual = %q, want legacy", mismatch.Actual)
	}
}
