package handshake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/framelink-protocol/framelink-go/pkg/log"
	"github.com/framelink-protocol/framelink-go/pkg/origin"
	"github.com/framelink-protocol/framelink-go/pkg/session"
	"github.com/framelink-protocol/framelink-go/pkg/store"
	"github.com/framelink-protocol/framelink-go/pkg/transport"
	"github.com/framelink-protocol/framelink-go/pkg/version"
	"github.com/framelink-protocol/framelink-go/pkg/wire"
)

// storeTimeout bounds the synchronous store calls made during transitions.
const storeTimeout = 5 * time.Second

// Outer drives one phase of the protocol from the controller side. It
// listens for the Inner frame's wildcard-targeted opening handshake,
// answers it, and waits for the phase's closing envelope.
type Outer struct {
	machine

	cfg         Config
	store       store.Store
	permissions PermissionSink
}

// NewOuterSetup creates the Outer machine for the Setup phase. It
// allocates the session on handshake acceptance and persists the
// resulting server configuration.
func NewOuterSetup(cfg Config, deps OuterDeps) (*Outer, error) {
	if len(cfg.AllowedOrigins) == 0 {
		return nil, fmt.Errorf("%w: empty origin allowlist", ErrInvalidConfig)
	}
	if len(cfg.SupportedVersions) == 0 {
		return nil, fmt.Errorf("%w: no supported versions", ErrInvalidConfig)
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("%w: registry required", ErrInvalidConfig)
	}

	o := &Outer{
		cfg:         cfg,
		store:       deps.Store,
		permissions: deps.Permissions,
	}
	o.init(session.RoleOuter, session.PhaseSetup, cfg)
	o.registry = deps.Registry
	o.sender = deps.Sender
	o.hooks = deps.Hooks
	return o, nil
}

// NewOuterTransport creates the Outer machine for a Transport phase of an
// already-established session. The session object is resolved from the
// registry, or recreated from cfg.SessionID after a restart.
func NewOuterTransport(cfg Config, deps OuterDeps) (*Outer, error) {
	if len(cfg.AllowedOrigins) == 0 {
		return nil, fmt.Errorf("%w: empty origin allowlist", ErrInvalidConfig)
	}
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("%w: session id required", ErrInvalidConfig)
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("%w: registry required", ErrInvalidConfig)
	}

	o := &Outer{
		cfg:   cfg,
		store: deps.Store,
	}
	o.init(session.RoleOuter, session.PhaseTransport, cfg)
	o.registry = deps.Registry
	o.sender = deps.Sender
	o.hooks = deps.Hooks

	sess, err := deps.Registry.Get(cfg.SessionID)
	if err != nil {
		sess = &session.Session{ID: cfg.SessionID, Role: session.RoleOuter}
		if err := deps.Registry.Add(sess); err != nil {
			return nil, fmt.Errorf("register transport session: %w", err)
		}
	}
	sess.EnterTransport()
	o.sess = sess
	return o, nil
}

// Listen arms the machine and returns the inbound listener. Register the
// returned listener with the transport before creating the Inner context;
// the opening handshake has no delivery guarantee otherwise.
func (o *Outer) Listen() transport.Listener {
	o.withLock(func() {
		if o.state != StateIdle {
			return
		}
		o.transition(StateAwaitingHandshake, "listening")
		o.armDeadline(o.deadlines.Handshake, func() {
			o.fail(session.ReasonTimeout, "no handshake received")
		})
	})
	return o.HandleMessage
}

// HandleMessage consumes one raw inbound message.
func (o *Outer) HandleMessage(data []byte, from origin.Origin) {
	o.withLock(func() {
		env, err := wire.Decode(data)
		if err != nil {
			o.logger.Log(log.NewErrorEvent(o.sessionID(), o.logRole(), log.LayerWire,
				err.Error(), "decode inbound message", "", false))
			return
		}
		o.logInbound(env, from, len(data))
		if !o.checkPinned(env, from) {
			return
		}
		o.dispatch(env, from)
	})
}

func (o *Outer) dispatch(env wire.Envelope, from origin.Origin) {
	switch env := env.(type) {
	case *wire.SetupHandshake:
		if o.phase == session.PhaseSetup && o.state == StateAwaitingHandshake {
			o.handleSetupHandshake(env, from)
			return
		}
	case *wire.SetupComplete:
		if o.phase == session.PhaseSetup && o.state == StateAwaitingFinal {
			o.handleSetupComplete(env, from)
			return
		}
	case *wire.TransportHandshake:
		if o.phase == session.PhaseTransport && o.state == StateAwaitingHandshake {
			o.handleTransportHandshake(env, from)
			return
		}
	case *wire.TransportAccepted:
		if o.phase == session.PhaseTransport && o.state == StateAwaitingFinal {
			o.handleTransportAccepted(env, from)
			return
		}
	case *wire.SetupRequired:
		if o.state == StateReady {
			o.handleSetupRequired(env)
			return
		}
	case *wire.MCPMessage:
		o.handleMCP(env, from)
		return
	}
	o.discard(env, from, "envelope not valid in current state")
}

func (o *Outer) handleSetupHandshake(env *wire.SetupHandshake, from origin.Origin) {
	if err := origin.Validate(from, o.cfg.AllowedOrigins, new(origin.Pin)); err != nil {
		o.fail(session.ReasonOriginMismatch, err.Error())
		return
	}

	rng, err := version.ParseRange(env.MinProtocolVersion, env.MaxProtocolVersion)
	if err != nil {
		o.rejectSetup(from, wire.CodeVersionMismatch, fmt.Sprintf("unparseable version range: %v", err))
		return
	}
	negotiated, err := version.Negotiate(rng, o.cfg.SupportedVersions)
	if err != nil {
		o.rejectSetup(from, wire.CodeVersionMismatch,
			fmt.Sprintf("no supported version in [%s, %s]", rng.Min, rng.Max))
		return
	}

	sess, err := o.registry.Create(session.RoleOuter)
	if err != nil {
		o.fail(session.Reason(wire.CodeConfigError), err.Error())
		return
	}
	sess.SetNegotiatedVersion(negotiated)
	if err := sess.Pin.Set(from); err != nil {
		o.registry.Remove(sess.ID)
		o.fail(session.ReasonOriginMismatch, err.Error())
		return
	}
	o.sess = sess

	if sink := o.permissions; sink != nil {
		perms := env.RequestedPermissions
		o.enqueue(func() { sink.DeclarePermissions(sess.ID, perms) })
	}
	if h := o.hooks.OnSetupVisibility; h != nil {
		required := env.RequiresVisibleSetup
		o.enqueue(func() { h(required) })
	}

	o.emit(&wire.SetupHandshakeReply{
		ProtocolVersion: negotiated.String(),
		SessionID:       sess.ID,
	}, from)
	o.transition(StateAwaitingFinal, "handshake accepted")
	o.armDeadline(o.deadlines.Final, o.finalTimeout)
}

// rejectSetup answers a setup handshake with an error-status
// SetupComplete and fails the machine locally with the same code.
func (o *Outer) rejectSetup(target origin.Origin, code wire.ErrorCode, message string) {
	o.emit(&wire.SetupComplete{
		Status: wire.StatusError,
		Error:  &wire.ErrorDetail{Code: code, Message: message},
	}, target)
	o.fail(session.Reason(code), message)
}

func (o *Outer) handleSetupComplete(env *wire.SetupComplete, from origin.Origin) {
	if env.Status == wire.StatusError {
		o.fail(session.Reason(env.Error.Code), env.Error.Message)
		return
	}

	record := ServerConfig{
		DisplayName:         env.DisplayName,
		EphemeralMessage:    env.EphemeralMessage,
		TransportVisibility: env.TransportVisibility,
		PinnedOrigin:        from.String(),
	}
	if v, ok := o.sess.NegotiatedVersion(); ok {
		record.ProtocolVersion = v.String()
	}
	if o.store != nil {
		if err := o.persist(record); err != nil {
			o.fail(session.Reason(wire.CodeConfigError), err.Error())
			return
		}
	}

	o.transition(StateReady, "setup complete")
	if h := o.hooks.OnReady; h != nil {
		sess := o.sess
		o.enqueue(func() { h(sess) })
	}
}

func (o *Outer) persist(record ServerConfig) error {
	data, err := record.Encode()
	if err != nil {
		return fmt.Errorf("encode server config: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := o.store.Put(ctx, store.ServerConfigKey(o.sess.ID), data); err != nil {
		return fmt.Errorf("persist server config: %w", err)
	}
	return nil
}

func (o *Outer) handleTransportHandshake(env *wire.TransportHandshake, from origin.Origin) {
	if err := origin.Validate(from, o.cfg.AllowedOrigins, &o.sess.Pin); err != nil {
		o.fail(session.ReasonOriginMismatch, err.Error())
		return
	}
	if env.ProtocolVersion != version.TransportVersion {
		o.fail(session.Reason(wire.CodeVersionMismatch),
			fmt.Sprintf("transport version %q, want %q", env.ProtocolVersion, version.TransportVersion))
		return
	}

	if o.store != nil {
		if err := o.verifyStoredConfig(from); err != nil {
			return
		}
	}

	if err := o.sess.Pin.Set(from); err != nil {
		o.fail(session.ReasonOriginMismatch, err.Error())
		return
	}

	o.emit(&wire.TransportHandshakeReply{
		SessionID:       o.sess.ID,
		ProtocolVersion: version.TransportVersion,
	}, from)
	o.transition(StateAwaitingFinal, "transport handshake accepted")
	o.armDeadline(o.deadlines.Final, o.finalTimeout)
}

// verifyStoredConfig checks that a server configuration from a completed
// Setup phase exists and was established with the same origin. On failure
// the machine is already failed when this returns.
func (o *Outer) verifyStoredConfig(from origin.Origin) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	data, err := o.store.Get(ctx, store.ServerConfigKey(o.sess.ID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			o.fail(session.Reason(wire.CodeConfigError), "no server config for session, setup required")
		} else {
			o.fail(session.Reason(wire.CodeConfigError), err.Error())
		}
		return err
	}
	record, err := DecodeServerConfig(data)
	if err != nil {
		o.fail(session.Reason(wire.CodeConfigError), fmt.Sprintf("corrupt server config: %v", err))
		return err
	}
	if record.PinnedOrigin != "" && record.PinnedOrigin != from.String() {
		err := fmt.Errorf("transport handshake from %q, configured origin %q", from, record.PinnedOrigin)
		o.fail(session.ReasonOriginMismatch, err.Error())
		return err
	}
	return nil
}

func (o *Outer) handleTransportAccepted(env *wire.TransportAccepted, from origin.Origin) {
	if env.SessionID != o.sess.ID {
		o.discard(env, from, "session id mismatch")
		return
	}
	o.transition(StateReady, "transport accepted")
	if h := o.hooks.OnReady; h != nil {
		sess := o.sess
		o.enqueue(func() { h(sess) })
	}
}

func (o *Outer) handleSetupRequired(env *wire.SetupRequired) {
	if h := o.hooks.OnSetupRequired; h != nil {
		notice := *env
		o.enqueue(func() { h(notice) })
	}
	if !env.CanContinue {
		o.fail(session.Reason(env.Reason), env.Message)
	}
}

// finalTimeout handles deadline expiry in AwaitingFinal. During Setup the
// pinned counterpart is told via an error-status SetupComplete so both
// sides observe the same outcome.
func (o *Outer) finalTimeout() {
	if o.phase == session.PhaseSetup && o.sess != nil {
		if pinned, ok := o.sess.Pin.Get(); ok {
			o.emit(&wire.SetupComplete{
				Status: wire.StatusError,
				Error:  &wire.ErrorDetail{Code: wire.CodeTimeout, Message: "setup did not complete in time"},
			}, pinned)
		}
	}
	o.fail(session.ReasonTimeout, "closing envelope not received")
}
