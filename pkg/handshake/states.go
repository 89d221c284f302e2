package handshake

// State tracks a machine's position in the session lifecycle.
type State uint8

const (
	// StateIdle is the initial state before Listen or Begin.
	StateIdle State = iota
	// StateAwaitingHandshake is the Outer side listening for the
	// opening handshake of the current phase.
	StateAwaitingHandshake
	// StateAwaitingReply is the Inner side waiting for the reply to
	// its wildcard-targeted opening handshake.
	StateAwaitingReply
	// StateAwaitingFinal waits for the closing envelope of the phase:
	// SetupComplete or TransportAccepted on the Outer side, local
	// setup completion on the Inner side.
	StateAwaitingFinal
	// StateReady is the operational state in which MCP traffic flows.
	StateReady
	// StateFailed is terminal. The first failure reason is retained.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAwaitingHandshake:
		return "AWAITING_HANDSHAKE"
	case StateAwaitingReply:
		return "AWAITING_REPLY"
	case StateAwaitingFinal:
		return "AWAITING_FINAL"
	case StateReady:
		return "READY"
	case StateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateFailed
}
