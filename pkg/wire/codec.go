package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned when data cannot be decoded into a valid
// envelope: unknown discriminator, missing required field, or a field of
// the wrong shape. Malformed input is discarded by callers; it is never
// fatal to a session.
var ErrMalformed = errors.New("malformed envelope")

// Encode serializes an envelope to its JSON wire form, injecting the
// "type" discriminator. The envelope is validated first.
func Encode(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", env.MessageType(), err)
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", env.MessageType(), err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", env.MessageType(), err)
	}
	fields["type"], _ = json.Marshal(env.MessageType())

	return json.Marshal(fields)
}

// Decode parses JSON wire data into one of the eight envelope variants.
// Decoding is total and side-effect-free: it either returns a validated
// envelope or an error wrapping ErrMalformed. Unknown extra fields are
// ignored for forward compatibility.
func Decode(data []byte) (Envelope, error) {
	var header struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var env Envelope
	switch header.Type {
	case TypeSetupHandshake:
		env = &SetupHandshake{}
	case TypeSetupHandshakeReply:
		env = &SetupHandshakeReply{}
	case TypeSetupComplete:
		env = &SetupComplete{}
	case TypeTransportHandshake:
		env = &TransportHandshake{}
	case TypeTransportHandshakeReply:
		env = &TransportHandshakeReply{}
	case TypeTransportAccepted:
		env = &TransportAccepted{}
	case TypeMCPMessage:
		env = &MCPMessage{}
	case TypeSetupRequired:
		env = &SetupRequired{}
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrMalformed, header.Type)
	}

	if err := json.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, header.Type, err)
	}
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, header.Type, err)
	}

	return env, nil
}
