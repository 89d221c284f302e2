// Package origin provides origin values, allowlists, and the pin-based
// origin validation that secures FrameLink sessions.
//
// An origin is the transport-supplied identity of a message sender. It is
// the only sender identity the protocol trusts: origin claims embedded in
// payloads are never consulted. Origins are compared as exact strings.
package origin

import (
	"errors"
	"fmt"
)

// Wildcard is the outbound-only target meaning "any origin". It is valid
// as a send target for the first handshake message of a phase; it is never
// a valid inbound origin.
const Wildcard Origin = "*"

// Origin identifies a message source or send target.
type Origin string

// String returns the origin string.
func (o Origin) String() string { return string(o) }

// IsWildcard returns true for the wildcard target.
func (o Origin) IsWildcard() bool { return o == Wildcard }

// Validation errors.
var (
	// ErrOriginMismatch means the candidate differs from the pinned origin.
	// Fatal to the session.
	ErrOriginMismatch = errors.New("origin does not match pinned origin")

	// ErrOriginNotAllowed means an unpinned session saw a first message
	// from an origin outside the allowlist. Fatal to the session.
	ErrOriginNotAllowed = errors.New("origin not in allowlist")

	// ErrEmptyOrigin means the transport supplied no origin at all.
	ErrEmptyOrigin = errors.New("empty origin")
)

// Allowlist is the set of origins an endpoint accepts before pinning.
type Allowlist []Origin

// Contains returns true if o is a member of the allowlist.
func (a Allowlist) Contains(o Origin) bool {
	for _, member := range a {
		if member == o {
			return true
		}
	}
	return false
}

// Validate decides whether candidate may be accepted for a session.
//
// With a set pin, only the exact pinned origin is accepted. With an unset
// pin (first message of a session), the candidate must be a member of the
// allowlist. Validate is stateless; on first acceptance the caller pins
// the candidate via Pin.Set.
func Validate(candidate Origin, allowlist Allowlist, pin *Pin) error {
	if candidate == "" || candidate.IsWildcard() {
		return fmt.Errorf("%w: %q", ErrEmptyOrigin, candidate)
	}

	if pinned, ok := pin.Get(); ok {
		if candidate != pinned {
			return fmt.Errorf("%w: got %q, pinned %q", ErrOriginMismatch, candidate, pinned)
		}
		return nil
	}

	if !allowlist.Contains(candidate) {
		return fmt.Errorf("%w: %q", ErrOriginNotAllowed, candidate)
	}
	return nil
}
