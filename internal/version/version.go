// Package version wraps semantic-version parsing and comparison for the
// installer. All version strings entering the system are normalized here
// so the rest of the code compares canonical forms only.
package version

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Normalize parses raw as a semantic version (an optional leading "v" is
// accepted) and returns the canonical "major.minor.patch" form.
func Normalize(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("version is required")
	}
	v, err := semver.NewVersion(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid version %q: %w", raw, err)
	}
	return v.String(), nil
}

// Compare returns -1, 0, or 1 when a is older than, equal to, or newer
// than b. Both inputs must be valid semantic versions.
func Compare(a string, b string) (int, error) {
	va, err := semver.NewVersion(strings.TrimSpace(a))
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %w", a, err)
	}
	vb, err := semver.NewVersion(strings.TrimSpace(b))
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %w", b, err)
	}
	return va.Compare(vb), nil
}

// SameMajor reports whether a and b share a major version. A major-version
// change forces a reinstall rather than an in-place patch.
func SameMajor(a string, b string) (bool, error) {
	va, err := semver.NewVersion(strings.TrimSpace(a))
	if err != nil {
		return false, fmt.Errorf("invalid version %q: %w", a, err)
	}
	vb, err := semver.NewVersion(strings.TrimSpace(b))
	if err != nil {
		return false, fmt.Errorf("invalid version %q: %w", b, err)
	}
	return va.Major() == vb.Major(), nil
}
