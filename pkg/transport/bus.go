package transport

import (
	"errors"
	"sync"

	"github.com/framelink-protocol/framelink-go/pkg/origin"
)

// ErrContextClosed is returned when sending to or from a closed context.
var ErrContextClosed = errors.New("context closed")

// Bus is an in-memory stand-in for the broadcast messaging primitive.
// It hosts execution contexts, stamps every delivery with the sender's
// origin, and enforces postMessage-like target-origin filtering.
//
// Delivery is synchronous and in-order per sender. Messages delivered to
// a context without an attached listener are dropped and counted, which
// is exactly the failure mode of listening too late.
type Bus struct {
	mu      sync.Mutex
	dropped int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Dropped returns the number of messages dropped because the destination
// context had no listener attached (or filtered them by target origin).
func (b *Bus) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Open creates a context with its listener attached atomically. This is
// the API production code should mirror: there is no window in which the
// context exists but cannot receive.
func (b *Bus) Open(o origin.Origin, l Listener) *Context {
	return &Context{bus: b, origin: o, listener: l}
}

// OpenDetached creates a context with no listener. Until Attach is
// called, every delivery to it is dropped. Exists so tests can simulate
// the listen-after-navigate race; production code should use Open.
func (b *Bus) OpenDetached(o origin.Origin) *Context {
	return &Context{bus: b, origin: o}
}

// Context is one execution context (a frame) on the bus.
type Context struct {
	bus    *Bus
	origin origin.Origin

	mu       sync.Mutex
	listener Listener
	closed   bool
}

// Origin returns the context's origin.
func (c *Context) Origin() origin.Origin {
	return c.origin
}

// Attach sets the context's listener. Messages delivered before Attach
// are gone; the bus only counts them.
func (c *Context) Attach(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

// Close tears the context down, modeling navigation away or window
// close. Subsequent sends to or from it fail.
func (c *Context) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.listener = nil
}

// SenderTo returns a Sender that delivers from c to the destination
// context, applying target-origin filtering.
func (c *Context) SenderTo(dest *Context) Sender {
	return SenderFunc(func(data []byte, target origin.Origin) error {
		return c.send(dest, data, target)
	})
}

// send delivers data from c to dest if the target origin permits it.
func (c *Context) send(dest *Context, data []byte, target origin.Origin) error {
	c.mu.Lock()
	senderClosed := c.closed
	c.mu.Unlock()
	if senderClosed {
		return ErrContextClosed
	}

	dest.mu.Lock()
	if dest.closed {
		dest.mu.Unlock()
		return ErrContextClosed
	}
	listener := dest.listener
	deliverable := target.IsWildcard() || target == dest.origin
	dest.mu.Unlock()

	// A target-origin mismatch is not an error for the sender; the
	// engine just never delivers, same as the real primitive.
	if !deliverable || listener == nil {
		c.bus.mu.Lock()
		c.bus.dropped++
		c.bus.mu.Unlock()
		return nil
	}

	// Copy so the receiver cannot observe later sender mutations.
	delivered := make([]byte, len(data))
	copy(delivered, data)

	// Invoked without locks held: handlers may send replies inline.
	listener(delivered, c.origin)
	return nil
}
