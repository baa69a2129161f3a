package arch

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Architecture is the CPU architecture an image is built for, using the names
// composer and rpm report.
type Architecture string

const (
	X86_64  Architecture = "x86_64"
	AArch64 Architecture = "aarch64"
	PPC64LE Architecture = "ppc64le"
	S390X   Architecture = "s390x"
)

// Supported returns the full list of supported architectures.
func Supported() []Architecture {
	return []Architecture{
		X86_64,
		AArch64,
		PPC64LE,
		S390X,
	}
}

// IsValid reports whether a matches a supported architecture value.
func (a Architecture) IsValid() bool {
	switch a {
	case X86_64, AArch64, PPC64LE, S390X:
		return true
	default:
		return false
	}
}

func (a Architecture) String() string {
	return string(a)
}

// InstanceType returns the default EC2 instance type used to boot images of
// this architecture, or "" when the cloud has no instance family for it.
func (a Architecture) InstanceType() string {
	switch a {
	case X86_64:
		return "t3.medium"
	case AArch64:
		return "t4g.medium"
	default:
		return ""
	}
}

// ExpectedBootMode returns the boot mode an image built for a must advertise.
// The second return value is false for architectures without an expectation.
func (a Architecture) ExpectedBootMode() (string, bool) {
	switch a {
	case AArch64:
		return "uefi", true
	case X86_64:
		return "uefi-preferred", true
	default:
		return "", false
	}
}

// Parse returns the canonical Architecture for the provided string or an error if unsupported.
func Parse(value string) (Architecture, error) {
	if arch := Normalize(value); arch != "" {
		return arch, nil
	}
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(supportedStrings(), ", "))
}

// Normalize maps GOARCH, uname and rpm spellings onto a canonical Architecture.
// Returns "" when the string cannot be normalized.
func Normalize(value string) Architecture {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(X86_64), "x86-64", "amd64":
		return X86_64
	case string(AArch64), "arm64":
		return AArch64
	case string(PPC64LE), "ppc64el":
		return PPC64LE
	case string(S390X):
		return S390X
	default:
		return ""
	}
}

// Host returns the architecture of the running machine, falling back to
// X86_64 when it is not supported.
func Host() Architecture {
	if a := hostFor(runtime.GOARCH); a != "" {
		return a
	}
	return X86_64
}

func hostFor(goarch string) Architecture {
	switch goarch {
	case "amd64":
		return X86_64
	case "arm64":
		return AArch64
	case "ppc64le":
		return PPC64LE
	case "s390x":
		return S390X
	default:
		return ""
	}
}

func supportedStrings() []string {
	all := Supported()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}
