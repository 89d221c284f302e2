package transport

import (
	"github.com/framelink-protocol/framelink-go/pkg/origin"
)

// Listener receives raw inbound messages. The from origin is stamped by
// the transport engine and is the only sender identity the protocol
// trusts. Listeners are invoked in per-sender arrival order.
type Listener func(data []byte, from origin.Origin)

// Sender emits raw data toward a destination context. The target origin
// restricts delivery: the message is dropped unless the destination's
// origin matches, or the target is the wildcard.
//
// Implemented by the in-memory bus; production embedders adapt their
// real messaging primitive to this interface.
type Sender interface {
	Send(data []byte, target origin.Origin) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(data []byte, target origin.Origin) error

// Send calls f.
func (f SenderFunc) Send(data []byte, target origin.Origin) error {
	return f(data, target)
}
