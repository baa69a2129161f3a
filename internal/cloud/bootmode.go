package cloud

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/cochaviz/imagecheck/arch"
	"github.com/cochaviz/imagecheck/internal/artifact"
	"github.com/cochaviz/imagecheck/internal/failures"
)

// BootModePolicy enforces the per-architecture boot mode. Build service
// versions older than MinToolVersion predate boot mode support and are not
// checked; an empty MinToolVersion checks every version.
type BootModePolicy struct {
	MinToolVersion string
}

// Applies reports whether the check runs for toolVersion. An unknown
// version is only checked when no minimum is configured.
func (p BootModePolicy) Applies(toolVersion string) bool {
	minimum := strings.TrimSpace(p.MinToolVersion)
	if minimum == "" {
		return true
	}
	toolVersion = strings.TrimSpace(toolVersion)
	if toolVersion == "" {
		return false
	}
	return CompareVersions(toolVersion, minimum) >= 0
}

// AssertBootMode returns *failures.BootModeMismatchError when image advertises a
// boot mode other than the one expected for a. Architectures without an
// expectation, and tool versions the policy does not apply to, pass.
func (p BootModePolicy) AssertBootMode(image artifact.ImageArtifact, a arch.Architecture, toolVersion string) error {
	if !p.Applies(toolVersion) {
		return nil
	}
	expected, ok := a.ExpectedBootMode()
	if !ok {
		return nil
	}
	if image.BootMode == artifact.BootMode(expected) {
		return nil
	}
	return &failures.BootModeMismatchError{
		ImageID:      image.ImageID,
		Architecture: a.String(),
		Expected:     expected,
		Actual:       string(image.BootMode),
	}
}

// CompareVersions orders rpm-style versions segment by segment. Numeric
// segments compare numerically and sort after alphabetic ones; a version that
// is a prefix of another is older. Returns -1, 0 or 1.
func CompareVersions(a, b string) int {
	left, right := versionSegments(a), versionSegments(b)
	for i := 0; i < len(left) && i < len(right); i++ {
		if c := compareSegment(left[i], right[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(left) < len(right):
		return -1
	case len(left) > len(right):
		return 1
	default:
		return 0
	}
}

func versionSegments(v string) []string {
	var (
		segments []string
		current  strings.Builder
		digits   bool
	)
	flush := func() {
		if current.Len() > 0 {
			segments = append(segments, current.String())
			current.Reset()
		}
	}
	for _, r := range strings.TrimSpace(v) {
		switch {
		case unicode.IsDigit(r):
			if !digits {
				flush()
			}
			digits = true
			current.WriteRune(r)
		case unicode.IsLetter(r):
			if digits {
				flush()
			}
			digits = false
			current.WriteRune(r)
		default:
			flush()
			digits = false
		}
	}
	flush()
	return segments
}

func compareSegment(a, b string) int {
	an, aErr := strconv.ParseUint(a, 10, 64)
	bn, bErr := strconv.ParseUint(b, 10, 64)
	switch {
	case aErr == nil && bErr == nil:
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	case aErr == nil:
		return 1
	case bErr == nil:
		return -1
	default:
		return strings.Compare(a, b)
	}
}
