// Package version provides the structured model version type used across the
// registry and deployment tracker. Versions are plain major.minor.patch
// triples with numeric ordering; pre-release and build metadata are not
// supported because registered model versions never carry them.
package version

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/terrafusion/condserve/pkg/errors"
)

// SemVer is a major.minor.patch model version.
type SemVer struct {
	Major int
	Minor int
	Patch int
}

// Zero is the version before any registration has happened.
var Zero = SemVer{0, 0, 0}

// Parse parses a "major.minor.patch" string into a SemVer.
func Parse(s string) (SemVer, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return SemVer{}, errors.WrapError(errors.ErrInvalidVersionOrdering,
			errors.ErrorTypeValidation, errors.CodeInvalidVersion,
			fmt.Sprintf("version %q is not in major.minor.patch form", s))
	}

	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return SemVer{}, errors.WrapError(errors.ErrInvalidVersionOrdering,
				errors.ErrorTypeValidation, errors.CodeInvalidVersion,
				fmt.Sprintf("version %q has non-numeric component %q", s, p))
		}
		nums[i] = n
	}

	return SemVer{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// MustParse parses s and panics on failure. Only for constants and tests.
func MustParse(s string) SemVer {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String formats the version as "major.minor.patch".
func (v SemVer) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or 1 comparing v to other under numeric
// (major, minor, patch) ordering.
func (v SemVer) Compare(other SemVer) int {
	if v.Major != other.Major {
		return sign(v.Major - other.Major)
	}
	if v.Minor != other.Minor {
		return sign(v.Minor - other.Minor)
	}
	return sign(v.Patch - other.Patch)
}

// Less reports whether v orders before other.
func (v SemVer) Less(other SemVer) bool {
	return v.Compare(other) < 0
}

// NextMinor returns the conservative auto-bump of v: minor incremented and
// patch reset to zero. This mirrors the registry's auto-versioning policy for
// registrations without an explicit version; it is deliberately not full
// SemVer precedence.
func (v SemVer) NextMinor() SemVer {
	return SemVer{Major: v.Major, Minor: v.Minor + 1, Patch: 0}
}

// FileSafe formats the version with underscores instead of dots, for use in
// archived artifact filenames.
func (v SemVer) FileSafe() string {
	return fmt.Sprintf("%d_%d_%d", v.Major, v.Minor, v.Patch)
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}
