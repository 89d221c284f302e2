// Package transport defines the boundary to the raw message-passing
// primitive FrameLink runs over, and provides an in-memory Bus that
// models it for tests and demos.
//
// The primitive is broadcast-style: it has no connection concept, no
// delivery guarantee and no retry. The only property the protocol trusts
// is that each delivered message is stamped with the sender's origin by
// the engine itself - payload-embedded origin claims are worthless.
//
// # Listener Ordering
//
// A context that has no listener attached silently drops inbound
// messages. The Outer frame must therefore be listening before it
// triggers creation of the Inner frame, or the Inner's wildcard-targeted
// first handshake can be lost with no recovery in the base protocol.
// Bus.Open makes this a precondition by attaching the listener
// atomically with context creation; OpenDetached exists so tests can
// reproduce the dropped-message race.
package transport
