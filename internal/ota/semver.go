// semver.go - Lenient major.minor.patch parsing and ordering.
// Decides whether the server's firmware is newer than the running build.
package ota

import (
	"fmt"
	"strconv"
)

// Version is a major.minor.patch triple.
type Version struct {
	Major int
	Minor int
	Patch int
}

// ParseVersion reads a "%d.%d.%d" version string leniently.
// Parsing stops at the first segment that is not a decimal integer; that
// segment and every segment after it read as 0. The second return value
// reports whether all three segments were read.
//
// ParseVersion never fails: "garbage" parses as 0.0.0 and "2.x" as 2.0.0.
func ParseVersion(s string) (Version, bool) {
	var parts [3]int
	rest := s
	for i := range parts {
		if i > 0 {
			if len(rest) == 0 || rest[0] != '.' {
				return Version{parts[0], parts[1], parts[2]}, false
			}
			rest = rest[1:]
		}
		n, tail, ok := leadingInt(rest)
		if !ok {
			return Version{parts[0], parts[1], parts[2]}, false
		}
		parts[i] = n
		rest = tail
	}
	return Version{parts[0], parts[1], parts[2]}, true
}

// leadingInt consumes optional leading spaces, an optional sign and a run of
// decimal digits, the same prefix scanf's %d accepts.
func leadingInt(s string) (int, string, bool) {
	i := 0
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n') {
		i++
	}
	start := i
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}
	digits := i
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == digits {
		return 0, s, false
	}
	n, err := strconv.Atoi(s[start:i])
	if err != nil {
		return 0, s, false
	}
	return n, s[i:], true
}

// Compare returns -1, 0 or 1 as v is less than, equal to or greater than other.
func (v Version) Compare(other Version) int {
	switch {
	case v.Major != other.Major:
		return cmpInt(v.Major, other.Major)
	case v.Minor != other.Minor:
		return cmpInt(v.Minor, other.Minor)
	default:
		return cmpInt(v.Patch, other.Patch)
	}
}

func cmpInt(a, b int) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// String returns the version as "major.minor.patch".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// IsNewer reports whether remote is strictly newer than local.
// Malformed segments count as 0, so an unparsable remote version is never newer
// than a well-formed local one.
func IsNewer(remote, local string) bool {
	r, _ := ParseVersion(remote)
	l, _ := ParseVersion(local)
	return r.Compare(l) > 0
}
