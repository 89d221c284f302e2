package handshake

import (
	"fmt"

	"github.com/framelink-protocol/framelink-go/pkg/log"
	"github.com/framelink-protocol/framelink-go/pkg/origin"
	"github.com/framelink-protocol/framelink-go/pkg/session"
	"github.com/framelink-protocol/framelink-go/pkg/transport"
	"github.com/framelink-protocol/framelink-go/pkg/version"
	"github.com/framelink-protocol/framelink-go/pkg/wire"
)

// Inner drives one phase of the protocol from the embedded side. It opens
// the exchange with a wildcard-targeted handshake, pins the first
// allowlisted origin that answers, and closes the phase.
type Inner struct {
	machine

	cfg Config
}

// NewInnerSetup creates the Inner machine for the Setup phase.
func NewInnerSetup(cfg Config, deps InnerDeps) (*Inner, error) {
	if len(cfg.AllowedOrigins) == 0 {
		return nil, fmt.Errorf("%w: empty origin allowlist", ErrInvalidConfig)
	}
	if err := cfg.RequestedRange.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	i := &Inner{cfg: cfg}
	i.init(session.RoleInner, session.PhaseSetup, cfg)
	i.registry = deps.Registry
	i.sender = deps.Sender
	i.hooks = deps.Hooks
	return i, nil
}

// NewInnerTransport creates the Inner machine for the Transport phase.
func NewInnerTransport(cfg Config, deps InnerDeps) (*Inner, error) {
	if len(cfg.AllowedOrigins) == 0 {
		return nil, fmt.Errorf("%w: empty origin allowlist", ErrInvalidConfig)
	}

	i := &Inner{cfg: cfg}
	i.init(session.RoleInner, session.PhaseTransport, cfg)
	i.registry = deps.Registry
	i.sender = deps.Sender
	i.hooks = deps.Hooks
	return i, nil
}

// Listener returns the inbound listener. Register it with the transport
// before calling Begin so the reply cannot be dropped.
func (i *Inner) Listener() transport.Listener {
	return i.HandleMessage
}

// Begin emits the wildcard-targeted opening handshake of the phase and
// moves to AwaitingReply. It can be called once, from Idle.
func (i *Inner) Begin() error {
	var beginErr error
	i.withLock(func() {
		if i.state != StateIdle {
			beginErr = fmt.Errorf("%w: Begin from %s", ErrInvalidState, i.state)
			return
		}

		switch i.phase {
		case session.PhaseSetup:
			i.opening = &wire.SetupHandshake{
				MinProtocolVersion:   i.cfg.RequestedRange.Min.String(),
				MaxProtocolVersion:   i.cfg.RequestedRange.Max.String(),
				RequiresVisibleSetup: i.cfg.RequiresVisibleSetup,
				RequestedPermissions: i.cfg.RequestedPermissions,
			}
		case session.PhaseTransport:
			i.opening = &wire.TransportHandshake{
				ProtocolVersion: version.TransportVersion,
			}
		}

		i.emit(i.opening, origin.Wildcard)
		i.transition(StateAwaitingReply, "handshake sent")
		i.armDeadline(i.deadlines.Reply, func() {
			i.fail(session.ReasonTimeout, "no handshake reply received")
		})
		i.armRetry()
	})
	return beginErr
}

// HandleMessage consumes one raw inbound message.
func (i *Inner) HandleMessage(data []byte, from origin.Origin) {
	i.withLock(func() {
		env, err := wire.Decode(data)
		if err != nil {
			i.logger.Log(log.NewErrorEvent(i.sessionID(), i.logRole(), log.LayerWire,
				err.Error(), "decode inbound message", "", false))
			return
		}
		i.logInbound(env, from, len(data))
		if !i.checkPinned(env, from) {
			return
		}
		i.dispatch(env, from)
	})
}

func (i *Inner) dispatch(env wire.Envelope, from origin.Origin) {
	switch env := env.(type) {
	case *wire.SetupHandshakeReply:
		if i.phase == session.PhaseSetup && i.state == StateAwaitingReply {
			i.handleSetupReply(env, from)
			return
		}
	case *wire.SetupComplete:
		// The Outer mirrors rejections and final timeouts as an
		// error-status SetupComplete while the handshake is open.
		if i.phase == session.PhaseSetup && env.Status == wire.StatusError &&
			(i.state == StateAwaitingReply || i.state == StateAwaitingFinal) {
			i.handleSetupRejected(env, from)
			return
		}
	case *wire.TransportHandshakeReply:
		if i.phase == session.PhaseTransport && i.state == StateAwaitingReply {
			i.handleTransportReply(env, from)
			return
		}
	case *wire.MCPMessage:
		i.handleMCP(env, from)
		return
	}
	i.discard(env, from, "envelope not valid in current state")
}

func (i *Inner) handleSetupReply(env *wire.SetupHandshakeReply, from origin.Origin) {
	if err := origin.Validate(from, i.cfg.AllowedOrigins, new(origin.Pin)); err != nil {
		// No SetupComplete is emitted toward a disallowed origin.
		i.fail(session.ReasonOriginMismatch, err.Error())
		return
	}

	sess := &session.Session{ID: env.SessionID, Role: session.RoleInner}
	if err := sess.Pin.Set(from); err != nil {
		i.fail(session.ReasonOriginMismatch, err.Error())
		return
	}
	i.sess = sess
	i.addToRegistry(sess)

	negotiated, err := version.Parse(env.ProtocolVersion)
	if err != nil || !i.cfg.RequestedRange.Contains(negotiated) {
		msg := fmt.Sprintf("counterpart selected %q outside [%s, %s]",
			env.ProtocolVersion, i.cfg.RequestedRange.Min, i.cfg.RequestedRange.Max)
		i.emit(&wire.SetupComplete{
			Status: wire.StatusError,
			Error:  &wire.ErrorDetail{Code: wire.CodeVersionMismatch, Message: msg},
		}, from)
		i.fail(session.Reason(wire.CodeVersionMismatch), msg)
		return
	}
	sess.SetNegotiatedVersion(negotiated)

	i.transition(StateAwaitingFinal, "setup work pending")
	i.armDeadline(i.deadlines.Final, i.setupWorkTimeout)

	if h := i.hooks.OnSetupWork; h != nil {
		i.enqueue(func() { h(sess) })
	}
}

func (i *Inner) handleSetupRejected(env *wire.SetupComplete, from origin.Origin) {
	if err := origin.Validate(from, i.cfg.AllowedOrigins, pinOf(i.sess)); err != nil {
		i.discard(env, from, err.Error())
		return
	}
	i.fail(session.Reason(env.Error.Code), env.Error.Message)
}

func (i *Inner) handleTransportReply(env *wire.TransportHandshakeReply, from origin.Origin) {
	if err := origin.Validate(from, i.cfg.AllowedOrigins, new(origin.Pin)); err != nil {
		i.fail(session.ReasonOriginMismatch, err.Error())
		return
	}

	sess := &session.Session{ID: env.SessionID, Role: session.RoleInner}
	if err := sess.Pin.Set(from); err != nil {
		i.fail(session.ReasonOriginMismatch, err.Error())
		return
	}
	sess.EnterTransport()
	i.sess = sess
	i.addToRegistry(sess)

	if env.ProtocolVersion != version.TransportVersion {
		i.fail(session.Reason(wire.CodeVersionMismatch),
			fmt.Sprintf("transport version %q, want %q", env.ProtocolVersion, version.TransportVersion))
		return
	}

	i.emit(&wire.TransportAccepted{SessionID: sess.ID}, from)
	i.transition(StateReady, "transport accepted")
	if h := i.hooks.OnReady; h != nil {
		i.enqueue(func() { h(sess) })
	}
}

func (i *Inner) addToRegistry(sess *session.Session) {
	if i.registry == nil {
		return
	}
	if err := i.registry.Add(sess); err != nil {
		i.logger.Log(log.NewErrorEvent(sess.ID, i.logRole(), log.LayerEngine,
			err.Error(), "register session", "", false))
	}
}

// SetupResult is what local setup work produced.
type SetupResult struct {
	DisplayName         string
	EphemeralMessage    string
	TransportVisibility wire.TransportVisibility
}

// CompleteSetup reports successful local setup work, emits the success
// SetupComplete to the pinned origin, and moves to Ready. Valid only in
// AwaitingFinal of the Setup phase.
func (i *Inner) CompleteSetup(result SetupResult) error {
	var completeErr error
	i.withLock(func() {
		if i.phase != session.PhaseSetup || i.state != StateAwaitingFinal {
			completeErr = fmt.Errorf("%w: CompleteSetup from %s", ErrInvalidState, i.state)
			return
		}

		env := &wire.SetupComplete{
			Status:              wire.StatusSuccess,
			DisplayName:         result.DisplayName,
			EphemeralMessage:    result.EphemeralMessage,
			TransportVisibility: result.TransportVisibility,
		}
		if err := env.Validate(); err != nil {
			completeErr = fmt.Errorf("invalid setup result: %w", err)
			return
		}

		pinned, _ := i.sess.Pin.Get()
		i.emit(env, pinned)
		i.transition(StateReady, "setup complete")
		if h := i.hooks.OnReady; h != nil {
			sess := i.sess
			i.enqueue(func() { h(sess) })
		}
	})
	return completeErr
}

// FailSetup reports failed local setup work, emits the error-status
// SetupComplete to the pinned origin, and fails the machine with the same
// code. Valid only in AwaitingFinal of the Setup phase.
func (i *Inner) FailSetup(code wire.ErrorCode, message string) error {
	var failErr error
	i.withLock(func() {
		if i.phase != session.PhaseSetup || i.state != StateAwaitingFinal {
			failErr = fmt.Errorf("%w: FailSetup from %s", ErrInvalidState, i.state)
			return
		}
		if !code.IsValid() {
			failErr = fmt.Errorf("invalid error code %q", code)
			return
		}

		pinned, _ := i.sess.Pin.Get()
		i.emit(&wire.SetupComplete{
			Status: wire.StatusError,
			Error:  &wire.ErrorDetail{Code: code, Message: message},
		}, pinned)
		i.fail(session.Reason(code), message)
	})
	return failErr
}

// RequireSetup tells the pinned counterpart that the persisted
// configuration is no longer usable. With canContinue false the local
// session fails with the same reason; with true it stays Ready. Valid
// only in Ready of the Transport phase.
func (i *Inner) RequireSetup(reason wire.SetupRequiredReason, message string, canContinue bool) error {
	var reqErr error
	i.withLock(func() {
		if i.phase != session.PhaseTransport || i.state != StateReady {
			reqErr = fmt.Errorf("%w: RequireSetup from %s", ErrInvalidState, i.state)
			return
		}

		env := &wire.SetupRequired{Reason: reason, Message: message, CanContinue: canContinue}
		if err := env.Validate(); err != nil {
			reqErr = err
			return
		}

		pinned, _ := i.sess.Pin.Get()
		i.emit(env, pinned)
		if !canContinue {
			i.fail(session.Reason(reason), message)
		}
	})
	return reqErr
}

// setupWorkTimeout handles deadline expiry while local setup work is
// pending. The pinned counterpart is told so both sides fail alike.
func (i *Inner) setupWorkTimeout() {
	if pinned, ok := i.sess.Pin.Get(); ok {
		i.emit(&wire.SetupComplete{
			Status: wire.StatusError,
			Error:  &wire.ErrorDetail{Code: wire.CodeTimeout, Message: "setup work did not complete in time"},
		}, pinned)
	}
	i.fail(session.ReasonTimeout, "setup work did not complete in time")
}

// pinOf returns the session's pin, or an unset pin when no session exists
// yet.
func pinOf(s *session.Session) *origin.Pin {
	if s == nil {
		return new(origin.Pin)
	}
	return &s.Pin
}
