package handshake

import (
	"fmt"
	"sync"
	"time"

	"github.com/framelink-protocol/framelink-go/pkg/log"
	"github.com/framelink-protocol/framelink-go/pkg/origin"
	"github.com/framelink-protocol/framelink-go/pkg/session"
	"github.com/framelink-protocol/framelink-go/pkg/transport"
	"github.com/framelink-protocol/framelink-go/pkg/wire"
)

// machine is the shared core of the Outer and Inner role machines: state,
// deadlines, logging, and the deferred-action queue.
//
// All mutation happens under mu. Hooks and outbound sends are queued while
// the lock is held and executed after it is released, so a hook or an
// inline transport delivery may safely call back into the machine.
type machine struct {
	mu      sync.Mutex
	pending []func()

	role  session.Role
	phase session.Phase
	state State

	sess     *session.Session
	registry *session.Registry

	sender transport.Sender
	hooks  Hooks
	logger log.Logger

	deadlines Deadlines

	timer    *time.Timer
	timerGen int

	retryTimer *time.Timer
	retry      *retryBackoff
	retryMax   int
	// opening is the wildcard-targeted first envelope, kept for resend.
	opening wire.Envelope

	// failure covers machines that fail before a session object exists.
	failure session.Reason
}

func (m *machine) init(role session.Role, phase session.Phase, cfg Config) {
	m.role = role
	m.phase = phase
	m.state = StateIdle
	m.logger = cfg.Logger
	if m.logger == nil {
		m.logger = log.NoopLogger{}
	}
	m.deadlines = cfg.Deadlines.withDefaults()
	if cfg.Retry != nil {
		m.retry = cfg.Retry.backoff()
		m.retryMax = cfg.Retry.MaxAttempts
		if m.retryMax <= 0 {
			m.retryMax = DefaultMaxRetries
		}
	}
}

// withLock runs fn under the machine lock, then executes the deferred
// actions fn queued. Every public entry point and timer callback goes
// through here.
func (m *machine) withLock(fn func()) {
	m.mu.Lock()
	fn()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, action := range pending {
		action()
	}
}

// enqueue queues an action to run once the lock is released.
func (m *machine) enqueue(action func()) {
	m.pending = append(m.pending, action)
}

// SetMCPHandler installs the consumer for inbound MCP envelopes. The
// router package attaches its inbound adapter here; applications that
// pass Hooks.OnMCPMessage at construction do not need it.
func (m *machine) SetMCPHandler(h func(msg *wire.MCPMessage)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks.OnMCPMessage = h
}

// SetSender installs the outbound channel. The Outer side typically has
// no sender at construction time because the Inner context does not exist
// yet; it installs one before the first inbound envelope can arrive.
func (m *machine) SetSender(s transport.Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sender = s
}

// State returns the machine's current state.
func (m *machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the session object once one exists.
func (m *machine) Session() *session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

// Ready reports whether MCP traffic may flow.
func (m *machine) Ready() bool {
	return m.State() == StateReady
}

// FailureReason returns the terminal reason once the machine has failed.
func (m *machine) FailureReason() (session.Reason, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateFailed {
		return "", false
	}
	if m.sess != nil {
		if r, ok := m.sess.Failure(); ok {
			return r, ok
		}
	}
	return m.failure, true
}

func (m *machine) logRole() log.Role {
	if m.role == session.RoleOuter {
		return log.RoleOuter
	}
	return log.RoleInner
}

func (m *machine) sessionID() string {
	if m.sess != nil {
		return m.sess.ID
	}
	return ""
}

// transition moves to a new state, cancels the running deadline, and
// queues the state-change hook. Must be called with mu held.
func (m *machine) transition(to State, reason string) {
	old := m.state
	m.state = to
	m.stopDeadline()
	if to != StateAwaitingReply {
		m.stopRetry()
	}

	m.logger.Log(log.NewStateChangeEvent(m.sessionID(), m.logRole(), old.String(), to.String(), reason))

	if h := m.hooks.OnStateChange; h != nil {
		m.enqueue(func() { h(old, to, reason) })
	}
}

// fail moves the machine to the terminal Failed state. The first reason
// wins; failing an already-failed machine is a no-op. Must be called with
// mu held.
func (m *machine) fail(reason session.Reason, why string) {
	if m.state == StateFailed {
		return
	}
	m.failure = reason
	if m.sess != nil {
		m.sess.Fail(reason)
		if m.registry != nil {
			m.registry.Remove(m.sess.ID)
		}
	}

	m.logger.Log(log.NewErrorEvent(m.sessionID(), m.logRole(), log.LayerEngine, why, "session failed", string(reason), true))
	m.transition(StateFailed, string(reason))

	if h := m.hooks.OnFailed; h != nil {
		sess := m.sess
		m.enqueue(func() { h(sess, reason) })
	}
}

// emit queues an envelope for sending once the lock is released. Send
// failures are logged, not propagated; the wire is fire-and-forget and
// undeliverable envelopes surface as deadline expiry.
func (m *machine) emit(env wire.Envelope, target origin.Origin) {
	sender := m.sender
	sessionID := m.sessionID()
	role := m.logRole()
	logger := m.logger

	m.enqueue(func() {
		data, err := wire.Encode(env)
		if err != nil {
			logger.Log(log.NewErrorEvent(sessionID, role, log.LayerWire, err.Error(), "encode outbound envelope", "", false))
			return
		}
		logger.Log(log.NewEnvelopeEvent(sessionID, role, log.DirectionOut, string(env.MessageType()), len(data), target.String()))
		if sender == nil {
			logger.Log(log.NewErrorEvent(sessionID, role, log.LayerWire, ErrNoSender.Error(), "send outbound envelope", "", false))
			return
		}
		if err := sender.Send(data, target); err != nil {
			logger.Log(log.NewErrorEvent(sessionID, role, log.LayerWire, err.Error(), "send outbound envelope", "", false))
		}
	})
}

// discard logs an envelope that is not valid in the current state. Not
// fatal: stale and duplicated envelopes are expected during races.
func (m *machine) discard(env wire.Envelope, from origin.Origin, why string) {
	ev := log.NewErrorEvent(m.sessionID(), m.logRole(), log.LayerEngine,
		why, fmt.Sprintf("discard %s in state %s", env.MessageType(), m.state), "", false)
	ev.RemoteOrigin = from.String()
	m.logger.Log(ev)
}

func (m *machine) logInbound(env wire.Envelope, from origin.Origin, size int) {
	ev := log.NewEnvelopeEvent(m.sessionID(), m.logRole(), log.DirectionIn, string(env.MessageType()), size, "")
	ev.RemoteOrigin = from.String()
	m.logger.Log(ev)
}

// armDeadline starts the deadline for the awaiting state just entered.
// Expiry calls onExpire under the lock unless a transition happened in
// between. Must be called with mu held.
func (m *machine) armDeadline(d time.Duration, onExpire func()) {
	m.stopDeadline()
	m.timerGen++
	gen := m.timerGen
	m.timer = time.AfterFunc(d, func() {
		m.withLock(func() {
			if gen != m.timerGen || m.state.Terminal() {
				return
			}
			onExpire()
		})
	})
}

// stopDeadline invalidates the running deadline. Must be called with mu
// held. A fired callback that lost the race checks the generation and
// returns without effect.
func (m *machine) stopDeadline() {
	m.timerGen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// armRetry schedules a resend of the wildcard opening envelope while the
// machine waits in AwaitingReply. Must be called with mu held.
func (m *machine) armRetry() {
	if m.retry == nil || m.opening == nil {
		return
	}
	if m.retry.Attempts() >= m.retryMax {
		return
	}
	delay := m.retry.Next()
	m.retryTimer = time.AfterFunc(delay, func() {
		m.withLock(func() {
			if m.state != StateAwaitingReply {
				return
			}
			m.emit(m.opening, origin.Wildcard)
			m.armRetry()
		})
	})
}

func (m *machine) stopRetry() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// Abort cancels the handshake from the local side. The session, if any,
// fails with CANCELLED and its registry entry is released. Aborting an
// already-terminal machine is a no-op.
func (m *machine) Abort() {
	m.withLock(func() {
		if m.state.Terminal() {
			return
		}
		m.fail(session.ReasonCancelled, "aborted locally")
	})
}

// SendMCP wraps an opaque JSON-RPC payload and emits it to the pinned
// origin. It fails with ErrNotReady until the session reaches Ready.
func (m *machine) SendMCP(payload []byte) error {
	var sendErr error
	m.withLock(func() {
		if m.state != StateReady {
			sendErr = fmt.Errorf("%w: state %s", ErrNotReady, m.state)
			return
		}
		pinned, ok := m.sess.Pin.Get()
		if !ok {
			sendErr = fmt.Errorf("%w: no pinned origin", ErrNotReady)
			return
		}
		env := &wire.MCPMessage{Payload: payload}
		if err := env.Validate(); err != nil {
			sendErr = fmt.Errorf("invalid MCP payload: %w", err)
			return
		}
		m.emit(env, pinned)
	})
	return sendErr
}

// checkPinned enforces the pin on every inbound envelope. A mismatch
// against a set pin is fatal. Returns false when the envelope must not be
// processed further. Must be called with mu held.
func (m *machine) checkPinned(env wire.Envelope, from origin.Origin) bool {
	if m.sess == nil {
		return true
	}
	pinned, ok := m.sess.Pin.Get()
	if !ok {
		return true
	}
	if from != pinned {
		ev := log.NewErrorEvent(m.sessionID(), m.logRole(), log.LayerEngine,
			fmt.Sprintf("envelope %s from %q, pinned %q", env.MessageType(), from, pinned),
			"pinned origin violation", string(session.ReasonOriginMismatch), true)
		ev.RemoteOrigin = from.String()
		m.logger.Log(ev)
		m.fail(session.ReasonOriginMismatch, "pinned origin violation")
		return false
	}
	return true
}

// handleMCP forwards an inbound MCP envelope once Ready. Must be called
// with mu held, pin already checked.
func (m *machine) handleMCP(env *wire.MCPMessage, from origin.Origin) {
	if m.state != StateReady {
		m.discard(env, from, "MCP message before session ready")
		return
	}
	if h := m.hooks.OnMCPMessage; h != nil {
		m.enqueue(func() { h(env) })
	}
}
