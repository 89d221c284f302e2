// Package session provides the FrameLink session data model and the
// registry that owns session lifecycles.
package session

import (
	"sync"

	"github.com/framelink-protocol/framelink-go/pkg/origin"
	"github.com/framelink-protocol/framelink-go/pkg/version"
)

// Role identifies which half of the protocol an endpoint drives.
type Role uint8

const (
	// RoleOuter is the controller context that creates the Inner frame.
	RoleOuter Role = iota

	// RoleInner is the subordinate embedded context.
	RoleInner
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleOuter:
		return "OUTER"
	case RoleInner:
		return "INNER"
	default:
		return "UNKNOWN"
	}
}

// Phase identifies which sub-protocol a session is running.
type Phase uint8

const (
	// PhaseSetup is the one-time configuration sub-protocol.
	PhaseSetup Phase = iota

	// PhaseTransport is the ongoing sub-protocol carrying MCP traffic.
	PhaseTransport
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseSetup:
		return "SETUP"
	case PhaseTransport:
		return "TRANSPORT"
	default:
		return "UNKNOWN"
	}
}

// Reason is a terminal failure reason for a session.
type Reason string

// Engine-originated failure reasons. Protocol-visible error codes
// (AUTH_FAILED, VERSION_MISMATCH, ...) and SetupRequired reasons
// (AUTH_EXPIRED, ...) are carried through as Reason values verbatim.
const (
	ReasonOriginMismatch Reason = "ORIGIN_MISMATCH"
	ReasonTimeout        Reason = "TIMEOUT"
	ReasonCancelled      Reason = "CANCELLED"
)

// Session is the per-session state shared between phases. The identifier
// doubles as a capability-like correlation token, so it must come from the
// registry's unpredictable allocator, never from a counter.
//
// Pin and NegotiatedVersion are write-once; Phase advances from Setup to
// Transport exactly once. The owning state machine is the only writer.
type Session struct {
	// ID is the opaque session identifier.
	ID string

	// Role records which endpoint this session object belongs to.
	Role Role

	// Pin is the write-once pinned origin for this session.
	Pin origin.Pin

	mu         sync.Mutex
	phase      Phase
	negotiated *version.Version
	failure    Reason
	failed     bool
}

// Phase returns the session's current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// EnterTransport advances the session from Setup to Transport.
func (s *Session) EnterTransport() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = PhaseTransport
}

// SetNegotiatedVersion records the agreed protocol version. It is set
// once, during the Setup handshake.
func (s *Session) SetNegotiatedVersion(v version.Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.negotiated == nil {
		s.negotiated = &v
	}
}

// NegotiatedVersion returns the agreed version and whether it is set.
func (s *Session) NegotiatedVersion() (version.Version, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.negotiated == nil {
		return version.Version{}, false
	}
	return *s.negotiated, true
}

// Fail records the terminal failure reason. The first reason wins; later
// failures of an already-failed session do not overwrite it, so reads of
// a failed session are deterministic.
func (s *Session) Fail(reason Reason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.failed {
		s.failed = true
		s.failure = reason
	}
}

// Failure returns the terminal reason and whether the session has failed.
func (s *Session) Failure() (Reason, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure, s.failed
}
