package cloud

import (
	"errors"
	"testing"

	"github.com/cochaviz/imagecheck/arch"
	"github.com/cochaviz/imagecheck/internal/artifact"
	"github.com/cochaviz/imagecheck/internal/failures"
)

func TestAssertBootMode(t *testing.T) {
	t.Parallel()

	policy := BootModePolicy{MinToolVersion: "80"}
	cases := []struct {
		name     string
		mode     artifact.BootMode
		arch     arch.Architecture
		version  string
		mismatch bool
	}{
		{"x86 matches", artifact.BootModeUEFIPreferred, arch.X86_64, "85", false},
		{"x86 legacy", artifact.BootModeLegacy, arch.X86_64, "85", true},
		{"x86 plain uefi", artifact.BootModeUEFI, arch.X86_64, "85", true},
		{"aarch64 matches", artifact.BootModeUEFI, arch.AArch64, "85", false},
		{"aarch64 preferred", artifact.BootModeUEFIPreferred, arch.AArch64, "85", true},
		{"unknown mode", artifact.BootModeUnknown, arch.X86_64, "80", true},
		{"old tool skips", artifact.BootModeLegacy, arch.X86_64, "79", false},
		{"unknown tool skips", artifact.BootModeLegacy, arch.X86_64, "", false},
		{"no expectation", artifact.BootModeLegacy, arch.S390X, "85", false},
	}
	for _, tc := range cases {
		image := artifact.ImageArtifact{ImageID: "ami-123", SnapshotID: "snap-456", BootMode: tc.mode}
		err := policy.AssertBootMode(image, tc.arch, tc.version)
		if tc.mismatch != errors.Is(err, failures.ErrBootModeMismatch) {
			t.Fatalf("%s: AssertBootMode() error = %v, want mismatch=%t", tc.name, err, tc.mismatch)
		}
	}
}

func TestAssertBootModeWithoutMinimumAlwaysChecks(t *testing.T) {
	t.Parallel()

	image := artifact.ImageArtifact{ImageID: "ami-1", BootMode: artifact.BootModeLegacy}
	err := BootModePolicy{}.AssertBootMode(image, arch.X86_64, "")
	var mismatch *failures.BootModeMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("AssertBootMode() error = %v, want BootModeMismatchError", err)
	}
	if mismatch.Expected != "uefi-preferred" || mismatch.Actual != "legacy" {
		t.Fatalf("mismatch = %#v", mismatch)
	}
}

func TestCompareVersions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		a, b string
		want int
	}{
		{"85", "85", 0},
		{"85", "100", -1},
		{"100", "85", 1},
		{"1.2.10", "1.2.9", 1},
		{"1.2", "1.2.1", -1},
		{"1.0~rc1", "1.0", 1},
		{"2a", "2b", -1},
		{"2", "2a", -1},
		{"3.1", "3a", 1},
		{"85-1.el9", "85-1.el9", 0},
	}
	for _, tc := range cases {
		if got := CompareVersions(tc.a, tc.b); got != tc.want {
			t.Fatalf("CompareVersions(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}
