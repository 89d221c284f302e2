// Package handshake implements the FrameLink session state machine.
//
// One machine instance drives one (role, phase, session) triple. The
// Outer role listens for the Inner frame's wildcard-targeted opening
// handshake and answers it; the Inner role opens the exchange and pins
// the first origin that answers from its allowlist. Both halves converge
// on Ready, after which opaque MCP traffic flows through the router.
//
// Machines are event driven and never block: inbound envelopes are
// consumed in arrival order under the machine mutex, outbound envelopes
// are emitted synchronously, and anything slow (user-facing setup work,
// storage) is represented by an explicit intermediate state instead of a
// blocked goroutine. Each awaiting state carries a deadline; expiry
// fails the session with TIMEOUT.
//
// # Listener Ordering
//
// The Outer machine's Listen method returns the transport listener so
// that registration can precede creation of the Inner context:
//
//	m := handshake.NewOuterSetup(cfg, deps)
//	outerCtx := bus.Open(outerOrigin, m.Listen()) // listening first
//	innerCtx := bus.Open(innerOrigin, inner.Listener())
//	m.SetSender(outerCtx.SenderTo(innerCtx))
//
// Navigating first can permanently drop the Inner's wildcard handshake,
// which has no retry in the base protocol.
package handshake
