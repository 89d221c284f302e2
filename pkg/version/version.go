// Package version provides protocol version parsing, comparison, and
// negotiation for the FrameLink Setup phase.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Current is the newest Setup protocol version implemented by this library.
const Current = "1.0.0"

// TransportVersion is the fixed version literal used by the Transport
// phase handshake. It is compared as an exact string, not negotiated.
const TransportVersion = "1.0"

// Version represents a parsed "major.minor.patch" protocol version.
// Pre-release and build metadata are not part of the protocol.
type Version struct {
	Major uint16
	Minor uint16
	Patch uint16
}

// Parse parses a "major.minor.patch" version string.
func Parse(s string) (Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("invalid version %q: expected major.minor.patch", s)
	}

	components := make([]uint16, 3)
	for i, part := range parts {
		n, err := strconv.ParseUint(part, 10, 16)
		if err != nil || part == "" {
			return Version{}, fmt.Errorf("invalid version %q: bad component %q", s, part)
		}
		components[i] = uint16(n)
	}

	return Version{Major: components[0], Minor: components[1], Patch: components[2]}, nil
}

// MustParse parses a version string and panics on error. For constants.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns the version as "major.minor.patch".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0, or 1 if v is lower than, equal to, or higher
// than other, using standard semantic-versioning precedence.
func (v Version) Compare(other Version) int {
	if v.Major != other.Major {
		return cmpUint16(v.Major, other.Major)
	}
	if v.Minor != other.Minor {
		return cmpUint16(v.Minor, other.Minor)
	}
	return cmpUint16(v.Patch, other.Patch)
}

// Less returns true if v is strictly lower than other.
func (v Version) Less(other Version) bool {
	return v.Compare(other) < 0
}

func cmpUint16(a, b uint16) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Range is an inclusive version interval.
type Range struct {
	Min Version
	Max Version
}

// ParseRange parses min and max version strings into a Range.
func ParseRange(min, max string) (Range, error) {
	lo, err := Parse(min)
	if err != nil {
		return Range{}, err
	}
	hi, err := Parse(max)
	if err != nil {
		return Range{}, err
	}
	r := Range{Min: lo, Max: hi}
	if err := r.Validate(); err != nil {
		return Range{}, err
	}
	return r, nil
}

// Validate rejects inverted ranges.
func (r Range) Validate() error {
	if r.Max.Less(r.Min) {
		return fmt.Errorf("invalid range: max %s below min %s", r.Max, r.Min)
	}
	return nil
}

// Contains returns true if v lies within the inclusive range.
func (r Range) Contains(v Version) bool {
	return !v.Less(r.Min) && !r.Max.Less(v)
}
