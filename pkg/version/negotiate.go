package version

import "errors"

// ErrNoCompatibleVersion is returned when no supported version satisfies
// the requested range. Protocol-visible as the VERSION_MISMATCH error code.
var ErrNoCompatibleVersion = errors.New("no compatible protocol version")

// Negotiate selects the agreed protocol version for a Setup handshake:
// the highest version in supported that lies within [requested.Min,
// requested.Max]. The tie-break is deterministic (always the maximum
// satisfying version, independent of the order of supported).
func Negotiate(requested Range, supported []Version) (Version, error) {
	if err := requested.Validate(); err != nil {
		return Version{}, err
	}

	var best Version
	found := false
	for _, v := range supported {
		if !requested.Contains(v) {
			continue
		}
		if !found || best.Less(v) {
			best = v
			found = true
		}
	}

	if !found {
		return Version{}, ErrNoCompatibleVersion
	}
	return best, nil
}

// NegotiateRange selects the agreed version when the supported set is a
// continuous range rather than a discrete list: the highest version lying
// in both ranges, which is min(requested.Max, supported.Max).
func NegotiateRange(requested, supported Range) (Version, error) {
	if err := requested.Validate(); err != nil {
		return Version{}, err
	}
	if err := supported.Validate(); err != nil {
		return Version{}, err
	}

	// Ranges intersect iff neither lies entirely below the other.
	if supported.Max.Less(requested.Min) || requested.Max.Less(supported.Min) {
		return Version{}, ErrNoCompatibleVersion
	}

	if requested.Max.Less(supported.Max) {
		return requested.Max, nil
	}
	return supported.Max, nil
}
