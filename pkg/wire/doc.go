// Package wire defines the JSON wire format for the FrameLink protocol.
//
// FrameLink messages are JSON objects exchanged over a postMessage-style
// broadcast primitive. Every message carries a "type" discriminator naming
// one of eight envelope variants; anything else is rejected as malformed.
//
// # Envelope Variants
//
// Setup phase (one-time configuration):
//   - SetupHandshake: Inner to Outer, opens version negotiation
//   - SetupHandshakeReply: Outer to Inner, carries agreed version + sessionId
//   - SetupComplete: Inner to Outer, reports setup outcome
//
// Transport phase (ongoing traffic):
//   - TransportHandshake: Inner to Outer
//   - TransportHandshakeReply: Outer to Inner
//   - TransportAccepted: Inner to Outer
//   - MCPMessage: bidirectional, opaque JSON-RPC 2.0 payload
//   - SetupRequired: Inner to Outer, signals that setup must be redone
//
// # Forward Compatibility
//
// Decoding ignores unknown extra fields on an otherwise valid envelope.
// Missing required fields or fields of the wrong shape are rejected.
package wire
