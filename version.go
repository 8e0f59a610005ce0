package adamboot

import (
	"fmt"
	"strings"
)

// Version is a dotted interpreter or tool version.
// Minor and Patch are -1 when the source string omitted them.
type Version struct {
	Major int
	Minor int
	Patch int
}

// MinimumPythonVersion is the oldest interpreter the runtime script supports
// (memoryview over bytes and runpy.run_path).
var MinimumPythonVersion = Version{Major: 3, Minor: 3, Patch: -1}

// ParseVersion parses "X.Y.Z", "X.Y" or "X". Trailing text is ignored, so
// "3.11.4+" and "2.1.0-beta" parse.
func ParseVersion(versionStr string) (Version, error) {
	version := Version{
		Minor: -1,
		Patch: -1,
	}
	_, err := fmt.Sscanf(versionStr, "%d.%d.%d", &version.Major, &version.Minor, &version.Patch)
	if err != nil {
		version.Minor, version.Patch = -1, -1
		_, err = fmt.Sscanf(versionStr, "%d.%d", &version.Major, &version.Minor)
		if err != nil {
			version.Minor = -1
			_, err = fmt.Sscanf(versionStr, "%d", &version.Major)
			if err != nil {
				return Version{}, fmt.Errorf("error parsing version: %v", err)
			}
		}
	}
	if version.Major < 0 || version.Minor < -1 || version.Patch < -1 {
		return Version{}, fmt.Errorf("invalid version: %s", versionStr)
	}
	return version, nil
}

// ParsePythonVersion parses output from "python --version" (e.g., "Python 3.10.5").
func ParsePythonVersion(versionStr string) (Version, error) {
	parts := strings.Fields(versionStr)
	if len(parts) != 2 || parts[0] != "Python" {
		return Version{}, fmt.Errorf("invalid version string: %s", versionStr)
	}
	return ParseVersion(parts[1])
}

// ParsePipVersion parses output from "pip --version" (e.g., "pip 23.0 from ...").
func ParsePipVersion(versionStr string) (Version, error) {
	parts := strings.Fields(versionStr)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "pip") {
		return Version{}, fmt.Errorf("invalid version string: %s", versionStr)
	}
	return ParseVersion(parts[1])
}

// Compare returns -1 if v < other, 0 if v == other, or 1 if v > other.
// An omitted component (-1) sorts before any given one.
func (v *Version) Compare(other Version) int {
	for _, p := range [][2]int{{v.Major, other.Major}, {v.Minor, other.Minor}, {v.Patch, other.Patch}} {
		switch {
		case p[0] > p[1]:
			return 1
		case p[0] < p[1]:
			return -1
		}
	}
	return 0
}

// AtLeast reports whether v is min or newer, ignoring components min omits.
func (v *Version) AtLeast(min Version) bool {
	if v.Major != min.Major {
		return v.Major > min.Major
	}
	if min.Minor < 0 || v.Minor != min.Minor {
		return min.Minor < 0 || v.Minor > min.Minor
	}
	return min.Patch < 0 || v.Patch >= min.Patch
}

// String returns the version, omitting unspecified components.
func (v *Version) String() string {
	if v.Patch != -1 {
		return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	}
	if v.Minor != -1 {
		return fmt.Sprintf("%d.%d", v.Major, v.Minor)
	}
	return fmt.Sprintf("%d", v.Major)
}

// MinorString returns "major.minor", as used in "lib/python3.10".
func (v *Version) MinorString() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}
