// Package router moves opaque MCP payloads between the application's RPC
// layer and an established FrameLink session.
//
// The router never interprets payloads beyond the envelope's structural
// check. Its one job besides wrapping and unwrapping is gating: no MCP
// traffic moves, in either direction, until the session is Ready.
package router

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/framelink-protocol/framelink-go/pkg/handshake"
	"github.com/framelink-protocol/framelink-go/pkg/log"
	"github.com/framelink-protocol/framelink-go/pkg/wire"
)

// SessionLink is the slice of a handshake machine the router depends on.
// Both *handshake.Outer and *handshake.Inner satisfy it.
type SessionLink interface {
	Ready() bool
	SendMCP(payload []byte) error
}

// Handler consumes one inbound JSON-RPC 2.0 payload. The payload is the
// verbatim bytes carried by the envelope; correlation of requests and
// responses is the RPC layer's business.
type Handler func(payload json.RawMessage)

// Router binds a session link to an RPC handler.
type Router struct {
	link    SessionLink
	handler Handler
	logger  log.Logger

	forwarded atomic.Uint64
	refused   atomic.Uint64
}

// New creates a router for the given session link. handler may be nil if
// the endpoint only sends. logger may be nil.
func New(link SessionLink, handler Handler, logger log.Logger) *Router {
	if logger == nil {
		logger = log.NoopLogger{}
	}
	return &Router{
		link:    link,
		handler: handler,
		logger:  logger,
	}
}

// Send wraps the payload and emits it toward the pinned origin. It fails
// with handshake.ErrNotReady until the session is Ready.
func (r *Router) Send(payload json.RawMessage) error {
	if !r.link.Ready() {
		r.refused.Add(1)
		return fmt.Errorf("%w: outbound MCP payload refused", handshake.ErrNotReady)
	}
	if err := r.link.SendMCP(payload); err != nil {
		return err
	}
	r.forwarded.Add(1)
	return nil
}

// Deliver unwraps one inbound envelope and hands the payload to the
// handler. It fails with handshake.ErrNotReady until the session is
// Ready; the handshake machine discards early traffic before it gets
// here, so a refusal indicates delivery outside the machine's hooks.
func (r *Router) Deliver(msg *wire.MCPMessage) error {
	if !r.link.Ready() {
		r.refused.Add(1)
		return fmt.Errorf("%w: inbound MCP payload refused", handshake.ErrNotReady)
	}
	if r.handler == nil {
		r.refused.Add(1)
		return fmt.Errorf("no handler bound for inbound MCP payload")
	}
	r.forwarded.Add(1)
	r.handler(msg.Payload)
	return nil
}

// Inbound adapts Deliver to the handshake machine's OnMCPMessage hook.
// Refusals are logged rather than returned; the hook has no error path.
func (r *Router) Inbound() func(*wire.MCPMessage) {
	return func(msg *wire.MCPMessage) {
		if err := r.Deliver(msg); err != nil {
			r.logger.Log(log.NewErrorEvent("", 0, log.LayerRouter,
				err.Error(), "deliver inbound MCP payload", "", false))
		}
	}
}

// Forwarded returns the number of payloads moved in either direction.
func (r *Router) Forwarded() uint64 { return r.forwarded.Load() }

// Refused returns the number of payloads refused by gating.
func (r *Router) Refused() uint64 { return r.refused.Load() }
