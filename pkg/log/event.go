package log

import (
	"time"
)

// Event represents a protocol log event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// SessionID correlates events across phases. Empty before a session
	// id has been allocated or learned.
	SessionID string `cbor:"2,keyasint,omitempty"`

	// Direction indicates message flow.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// LocalRole indicates whether the endpoint is the Outer or Inner frame.
	LocalRole Role `cbor:"6,keyasint,omitempty"`

	// RemoteOrigin is the transport-supplied origin of the peer, when known.
	RemoteOrigin string `cbor:"7,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Envelope    *EnvelopeEvent    `cbor:"10,keyasint,omitempty"` // Wire layer
	StateChange *StateChangeEvent `cbor:"11,keyasint,omitempty"` // Engine state
	Error       *ErrorEventData   `cbor:"12,keyasint,omitempty"` // Errors at any layer
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates an incoming message.
	DirectionIn Direction = 0
	// DirectionOut indicates an outgoing message.
	DirectionOut Direction = 1
	// DirectionLocal indicates a locally originated event (no message).
	DirectionLocal Direction = 2
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	case DirectionLocal:
		return "LOCAL"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which protocol layer captured the event.
type Layer uint8

const (
	// LayerWire is the envelope codec layer.
	LayerWire Layer = 0
	// LayerEngine is the handshake state machine layer.
	LayerEngine Layer = 1
	// LayerRouter is the MCP payload routing layer.
	LayerRouter Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerWire:
		return "WIRE"
	case LayerEngine:
		return "ENGINE"
	case LayerRouter:
		return "ROUTER"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryEnvelope indicates a protocol envelope was sent or received.
	CategoryEnvelope Category = 0
	// CategoryState indicates a state machine transition.
	CategoryState Category = 1
	// CategoryError indicates an error event, including discarded input.
	CategoryError Category = 2
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryEnvelope:
		return "ENVELOPE"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Role indicates the local endpoint role.
type Role uint8

const (
	// RoleUnknown is used before the role is known (should not happen).
	RoleUnknown Role = 0
	// RoleOuter is the controller frame.
	RoleOuter Role = 1
	// RoleInner is the embedded frame.
	RoleInner Role = 2
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

// EnvelopeEvent captures a sent or received wire envelope.
type EnvelopeEvent struct {
	// EnvelopeType is the wire discriminator, e.g. "MCP_SETUP_HANDSHAKE".
	EnvelopeType string `cbor:"1,keyasint"`

	// Size is the encoded size in bytes, when known.
	Size int `cbor:"2,keyasint,omitempty"`

	// Target is the outbound target origin ("*" for wildcard sends).
	Target string `cbor:"3,keyasint,omitempty"`
}

// StateChangeEvent captures a handshake state machine transition.
type StateChangeEvent struct {
	// OldState is the state before the transition.
	OldState string `cbor:"1,keyasint"`

	// NewState is the state after the transition.
	NewState string `cbor:"2,keyasint"`

	// Reason describes what triggered the transition.
	Reason string `cbor:"3,keyasint,omitempty"`
}

// ErrorEventData captures an error at any layer, including non-fatal
// discards (malformed envelopes, protocol violations).
type ErrorEventData struct {
	// Message is the error text.
	Message string `cbor:"1,keyasint"`

	// Context describes what was being done when the error occurred.
	Context string `cbor:"2,keyasint,omitempty"`

	// Code is the protocol-visible error code, if any.
	Code string `cbor:"3,keyasint,omitempty"`

	// Fatal is true when the error terminated the session.
	Fatal bool `cbor:"4,keyasint,omitempty"`
}

// NewEnvelopeEvent builds an envelope event with the current timestamp.
func NewEnvelopeEvent(sessionID string, role Role, dir Direction, envelopeType string, size int, target string) Event {
	return Event{
		Timestamp: time.Now(),
		SessionID: sessionID,
		Direction: dir,
		Layer:     LayerWire,
		Category:  CategoryEnvelope,
		LocalRole: role,
		Envelope: &EnvelopeEvent{
			EnvelopeType: envelopeType,
			Size:         size,
			Target:       target,
		},
	}
}

// NewStateChangeEvent builds a state change event with the current timestamp.
func NewStateChangeEvent(sessionID string, role Role, oldState, newState, reason string) Event {
	return Event{
		Timestamp: time.Now(),
		SessionID: sessionID,
		Direction: DirectionLocal,
		Layer:     LayerEngine,
		Category:  CategoryState,
		LocalRole: role,
		StateChange: &StateChangeEvent{
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
		},
	}
}

// NewErrorEvent builds an error event with the current timestamp.
func NewErrorEvent(sessionID string, role Role, layer Layer, message, context, code string, fatal bool) Event {
	return Event{
		Timestamp: time.Now(),
		SessionID: sessionID,
		Direction: DirectionLocal,
		Layer:     layer,
		Category:  CategoryError,
		LocalRole: role,
		Error: &ErrorEventData{
			Message: message,
			Context: context,
			Code:    code,
			Fatal:   fatal,
		},
	}
}
