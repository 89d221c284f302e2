package handshake

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/framelink-protocol/framelink-go/pkg/origin"
	"github.com/framelink-protocol/framelink-go/pkg/session"
	"github.com/framelink-protocol/framelink-go/pkg/store"
	"github.com/framelink-protocol/framelink-go/pkg/version"
	"github.com/framelink-protocol/framelink-go/pkg/wire"
)

const (
	outerOrigin = origin.Origin("https://app.example.com")
	innerOrigin = origin.Origin("https://server.example.com")
	evilOrigin  = origin.Origin("https://evil.example.com")
)

// captureSender records every outbound envelope.
type captureSender struct {
	mu   sync.Mutex
	sent []capturedEnvelope
}

type capturedEnvelope struct {
	Env    wire.Envelope
	Target origin.Origin
}

func (c *captureSender) Send(data []byte, target origin.Origin) error {
	env, err := wire.Decode(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, capturedEnvelope{Env: env, Target: target})
	return nil
}

func (c *captureSender) all() []capturedEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]capturedEnvelope, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *captureSender) last(t *testing.T) capturedEnvelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		t.Fatal("no envelope sent")
	}
	return c.sent[len(c.sent)-1]
}

func mustEncode(t *testing.T, env wire.Envelope) []byte {
	t.Helper()
	data, err := wire.Encode(env)
	if err != nil {
		t.Fatalf("Encode(%s) failed: %v", env.MessageType(), err)
	}
	return data
}

func outerSetupConfig() Config {
	return Config{
		AllowedOrigins:    origin.Allowlist{innerOrigin},
		SupportedVersions: []version.Version{version.MustParse("1.0.0"), version.MustParse("1.1.0")},
	}
}

func validSetupHandshake() *wire.SetupHandshake {
	return &wire.SetupHandshake{
		MinProtocolVersion: "1.0.0",
		MaxProtocolVersion: "1.2.0",
	}
}

func validSetupComplete() *wire.SetupComplete {
	return &wire.SetupComplete{
		Status:      wire.StatusSuccess,
		DisplayName: "Example Server",
		TransportVisibility: wire.TransportVisibility{
			Requirement: wire.VisibilityHidden,
		},
	}
}

func TestOuterSetupHappyPath(t *testing.T) {
	registry := session.NewRegistry()
	st := store.NewMemoryStore()
	sender := &captureSender{}

	var readySession *session.Session
	var visibility *bool
	o, err := NewOuterSetup(outerSetupConfig(), OuterDeps{
		Registry: registry,
		Store:    st,
		Sender:   sender,
		Hooks: Hooks{
			OnReady:           func(s *session.Session) { readySession = s },
			OnSetupVisibility: func(required bool) { visibility = &required },
		},
	})
	if err != nil {
		t.Fatalf("NewOuterSetup failed: %v", err)
	}

	listener := o.Listen()
	if got := o.State(); got != StateAwaitingHandshake {
		t.Fatalf("state after Listen = %s, want %s", got, StateAwaitingHandshake)
	}

	hs := validSetupHandshake()
	hs.RequiresVisibleSetup = true
	listener(mustEncode(t, hs), innerOrigin)

	if got := o.State(); got != StateAwaitingFinal {
		t.Fatalf("state after handshake = %s, want %s", got, StateAwaitingFinal)
	}
	reply, ok := sender.last(t).Env.(*wire.SetupHandshakeReply)
	if !ok {
		t.Fatalf("sent %T, want *wire.SetupHandshakeReply", sender.last(t).Env)
	}
	if reply.ProtocolVersion != "1.1.0" {
		t.Errorf("negotiated version = %q, want %q", reply.ProtocolVersion, "1.1.0")
	}
	if reply.SessionID == "" {
		t.Error("reply has empty session id")
	}
	if visibility == nil || !*visibility {
		t.Error("visibility requirement not surfaced")
	}
	if _, err := registry.Get(reply.SessionID); err != nil {
		t.Errorf("session %q not in registry: %v", reply.SessionID, err)
	}

	listener(mustEncode(t, validSetupComplete()), innerOrigin)

	if got := o.State(); got != StateReady {
		t.Fatalf("state after complete = %s, want %s", got, StateReady)
	}
	if readySession == nil || readySession.ID != reply.SessionID {
		t.Error("OnReady not fired with the established session")
	}

	data, err := st.Get(context.Background(), store.ServerConfigKey(reply.SessionID))
	if err != nil {
		t.Fatalf("server config not persisted: %v", err)
	}
	record, err := DecodeServerConfig(data)
	if err != nil {
		t.Fatalf("DecodeServerConfig failed: %v", err)
	}
	if record.DisplayName != "Example Server" {
		t.Errorf("persisted display name = %q", record.DisplayName)
	}
	if record.PinnedOrigin != innerOrigin.String() {
		t.Errorf("persisted origin = %q, want %q", record.PinnedOrigin, innerOrigin)
	}
	if record.ProtocolVersion != "1.1.0" {
		t.Errorf("persisted version = %q, want %q", record.ProtocolVersion, "1.1.0")
	}
}

func TestOuterSetupVersionMismatch(t *testing.T) {
	registry := session.NewRegistry()
	sender := &captureSender{}
	o, err := NewOuterSetup(Config{
		AllowedOrigins:    origin.Allowlist{innerOrigin},
		SupportedVersions: []version.Version{version.MustParse("1.0.0")},
	}, OuterDeps{Registry: registry, Sender: sender})
	if err != nil {
		t.Fatalf("NewOuterSetup failed: %v", err)
	}

	listener := o.Listen()
	listener(mustEncode(t, &wire.SetupHandshake{
		MinProtocolVersion: "2.0.0",
		MaxProtocolVersion: "3.0.0",
	}), innerOrigin)

	if got := o.State(); got != StateFailed {
		t.Fatalf("state = %s, want %s", got, StateFailed)
	}
	reason, _ := o.FailureReason()
	if reason != session.Reason(wire.CodeVersionMismatch) {
		t.Errorf("failure reason = %q, want VERSION_MISMATCH", reason)
	}

	sent, ok := sender.last(t).Env.(*wire.SetupComplete)
	if !ok {
		t.Fatalf("sent %T, want *wire.SetupComplete", sender.last(t).Env)
	}
	if sent.Status != wire.StatusError || sent.Error == nil || sent.Error.Code != wire.CodeVersionMismatch {
		t.Errorf("rejection envelope = %+v, want error VERSION_MISMATCH", sent)
	}
	if registry.Len() != 0 {
		t.Error("no session should survive a rejected handshake")
	}
}

func TestOuterSetupDisallowedOrigin(t *testing.T) {
	sender := &captureSender{}
	o, err := NewOuterSetup(outerSetupConfig(), OuterDeps{
		Registry: session.NewRegistry(),
		Sender:   sender,
	})
	if err != nil {
		t.Fatalf("NewOuterSetup failed: %v", err)
	}

	listener := o.Listen()
	listener(mustEncode(t, validSetupHandshake()), evilOrigin)

	if got := o.State(); got != StateFailed {
		t.Fatalf("state = %s, want %s", got, StateFailed)
	}
	reason, _ := o.FailureReason()
	if reason != session.ReasonOriginMismatch {
		t.Errorf("failure reason = %q, want ORIGIN_MISMATCH", reason)
	}
	if len(sender.all()) != 0 {
		t.Error("nothing should be sent to a disallowed origin")
	}
}

func TestOuterSetupPinnedOriginViolation(t *testing.T) {
	sender := &captureSender{}
	o, err := NewOuterSetup(Config{
		AllowedOrigins:    origin.Allowlist{innerOrigin, evilOrigin},
		SupportedVersions: []version.Version{version.MustParse("1.0.0")},
	}, OuterDeps{Registry: session.NewRegistry(), Sender: sender})
	if err != nil {
		t.Fatalf("NewOuterSetup failed: %v", err)
	}

	listener := o.Listen()
	listener(mustEncode(t, validSetupHandshake()), innerOrigin)
	if got := o.State(); got != StateAwaitingFinal {
		t.Fatalf("state = %s, want %s", got, StateAwaitingFinal)
	}

	// Both origins are allowlisted, but the pin is already set.
	listener(mustEncode(t, validSetupComplete()), evilOrigin)

	if got := o.State(); got != StateFailed {
		t.Fatalf("state = %s, want %s", got, StateFailed)
	}
	reason, _ := o.FailureReason()
	if reason != session.ReasonOriginMismatch {
		t.Errorf("failure reason = %q, want ORIGIN_MISMATCH", reason)
	}
	pinned, _ := o.Session().Pin.Get()
	if pinned != innerOrigin {
		t.Errorf("pin changed to %q, must stay %q", pinned, innerOrigin)
	}
}

func TestOuterSetupErrorComplete(t *testing.T) {
	registry := session.NewRegistry()
	var failedReason session.Reason
	sender := &captureSender{}
	o, err := NewOuterSetup(outerSetupConfig(), OuterDeps{
		Registry: registry,
		Sender:   sender,
		Hooks: Hooks{
			OnFailed: func(_ *session.Session, reason session.Reason) { failedReason = reason },
		},
	})
	if err != nil {
		t.Fatalf("NewOuterSetup failed: %v", err)
	}

	listener := o.Listen()
	listener(mustEncode(t, validSetupHandshake()), innerOrigin)
	listener(mustEncode(t, &wire.SetupComplete{
		Status: wire.StatusError,
		Error:  &wire.ErrorDetail{Code: wire.CodeUserCancelled, Message: "user closed the dialog"},
	}), innerOrigin)

	if got := o.State(); got != StateFailed {
		t.Fatalf("state = %s, want %s", got, StateFailed)
	}
	if failedReason != session.Reason(wire.CodeUserCancelled) {
		t.Errorf("OnFailed reason = %q, want USER_CANCELLED", failedReason)
	}
	if registry.Len() != 0 {
		t.Error("failed session must be evicted from the registry")
	}
}

func TestOuterWrongStateEnvelopeIsDiscarded(t *testing.T) {
	sender := &captureSender{}
	o, err := NewOuterSetup(outerSetupConfig(), OuterDeps{
		Registry: session.NewRegistry(),
		Sender:   sender,
	})
	if err != nil {
		t.Fatalf("NewOuterSetup failed: %v", err)
	}

	listener := o.Listen()
	listener(mustEncode(t, &wire.MCPMessage{Payload: []byte(`{"jsonrpc":"2.0","method":"ping"}`)}), innerOrigin)

	if got := o.State(); got != StateAwaitingHandshake {
		t.Fatalf("state = %s, want %s (discard must not be fatal)", got, StateAwaitingHandshake)
	}
}

func TestOuterMalformedMessageIsDiscarded(t *testing.T) {
	o, err := NewOuterSetup(outerSetupConfig(), OuterDeps{
		Registry: session.NewRegistry(),
		Sender:   &captureSender{},
	})
	if err != nil {
		t.Fatalf("NewOuterSetup failed: %v", err)
	}

	listener := o.Listen()
	listener([]byte(`{"type":"NOT_A_TYPE"}`), innerOrigin)
	listener([]byte(`not json at all`), innerOrigin)

	if got := o.State(); got != StateAwaitingHandshake {
		t.Fatalf("state = %s, want %s", got, StateAwaitingHandshake)
	}
}

func TestOuterHandshakeTimeout(t *testing.T) {
	failed := make(chan session.Reason, 1)
	o, err := NewOuterSetup(Config{
		AllowedOrigins:    origin.Allowlist{innerOrigin},
		SupportedVersions: []version.Version{version.MustParse("1.0.0")},
		Deadlines:         Deadlines{Handshake: 10 * time.Millisecond},
	}, OuterDeps{
		Registry: session.NewRegistry(),
		Sender:   &captureSender{},
		Hooks: Hooks{
			OnFailed: func(_ *session.Session, reason session.Reason) { failed <- reason },
		},
	})
	if err != nil {
		t.Fatalf("NewOuterSetup failed: %v", err)
	}

	o.Listen()

	select {
	case reason := <-failed:
		if reason != session.ReasonTimeout {
			t.Errorf("failure reason = %q, want TIMEOUT", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("deadline did not fire")
	}
	if got := o.State(); got != StateFailed {
		t.Errorf("state = %s, want %s", got, StateFailed)
	}
}

func TestOuterAbort(t *testing.T) {
	o, err := NewOuterSetup(outerSetupConfig(), OuterDeps{
		Registry: session.NewRegistry(),
		Sender:   &captureSender{},
	})
	if err != nil {
		t.Fatalf("NewOuterSetup failed: %v", err)
	}

	o.Listen()
	o.Abort()

	if got := o.State(); got != StateFailed {
		t.Fatalf("state = %s, want %s", got, StateFailed)
	}
	reason, _ := o.FailureReason()
	if reason != session.ReasonCancelled {
		t.Errorf("failure reason = %q, want CANCELLED", reason)
	}

	// First reason wins; a later abort must not change it.
	o.Abort()
	reason, _ = o.FailureReason()
	if reason != session.ReasonCancelled {
		t.Errorf("failure reason after second abort = %q", reason)
	}
}

func seedTransportSession(t *testing.T, registry *session.Registry, st store.Store) string {
	t.Helper()
	sess, err := registry.Create(session.RoleOuter)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := sess.Pin.Set(innerOrigin); err != nil {
		t.Fatalf("Pin.Set failed: %v", err)
	}
	record := ServerConfig{
		DisplayName:         "Example Server",
		TransportVisibility: wire.TransportVisibility{Requirement: wire.VisibilityHidden},
		ProtocolVersion:     "1.0.0",
		PinnedOrigin:        innerOrigin.String(),
	}
	data, err := record.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if err := st.Put(context.Background(), store.ServerConfigKey(sess.ID), data); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	return sess.ID
}

func TestOuterTransportHappyPath(t *testing.T) {
	registry := session.NewRegistry()
	st := store.NewMemoryStore()
	sessionID := seedTransportSession(t, registry, st)
	sender := &captureSender{}

	o, err := NewOuterTransport(Config{
		AllowedOrigins: origin.Allowlist{innerOrigin},
		SessionID:      sessionID,
	}, OuterDeps{Registry: registry, Store: st, Sender: sender})
	if err != nil {
		t.Fatalf("NewOuterTransport failed: %v", err)
	}

	listener := o.Listen()
	listener(mustEncode(t, &wire.TransportHandshake{ProtocolVersion: "1.0"}), innerOrigin)

	reply, ok := sender.last(t).Env.(*wire.TransportHandshakeReply)
	if !ok {
		t.Fatalf("sent %T, want *wire.TransportHandshakeReply", sender.last(t).Env)
	}
	if reply.SessionID != sessionID {
		t.Errorf("reply session id = %q, want %q", reply.SessionID, sessionID)
	}
	if reply.ProtocolVersion != "1.0" {
		t.Errorf("reply version = %q, want 1.0", reply.ProtocolVersion)
	}

	listener(mustEncode(t, &wire.TransportAccepted{SessionID: sessionID}), innerOrigin)
	if got := o.State(); got != StateReady {
		t.Fatalf("state = %s, want %s", got, StateReady)
	}
	if o.Session().Phase() != session.PhaseTransport {
		t.Error("session should be in the transport phase")
	}
}

func TestOuterTransportVersionLiteral(t *testing.T) {
	registry := session.NewRegistry()
	st := store.NewMemoryStore()
	sessionID := seedTransportSession(t, registry, st)

	o, err := NewOuterTransport(Config{
		AllowedOrigins: origin.Allowlist{innerOrigin},
		SessionID:      sessionID,
	}, OuterDeps{Registry: registry, Store: st, Sender: &captureSender{}})
	if err != nil {
		t.Fatalf("NewOuterTransport failed: %v", err)
	}

	listener := o.Listen()
	listener(mustEncode(t, &wire.TransportHandshake{ProtocolVersion: "1.0.0"}), innerOrigin)

	if got := o.State(); got != StateFailed {
		t.Fatalf("state = %s, want %s", got, StateFailed)
	}
	reason, _ := o.FailureReason()
	if reason != session.Reason(wire.CodeVersionMismatch) {
		t.Errorf("failure reason = %q, want VERSION_MISMATCH", reason)
	}
}

func TestOuterTransportMissingConfig(t *testing.T) {
	registry := session.NewRegistry()
	sess, err := registry.Create(session.RoleOuter)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := sess.Pin.Set(innerOrigin); err != nil {
		t.Fatalf("Pin.Set failed: %v", err)
	}

	o, err := NewOuterTransport(Config{
		AllowedOrigins: origin.Allowlist{innerOrigin},
		SessionID:      sess.ID,
	}, OuterDeps{Registry: registry, Store: store.NewMemoryStore(), Sender: &captureSender{}})
	if err != nil {
		t.Fatalf("NewOuterTransport failed: %v", err)
	}

	listener := o.Listen()
	listener(mustEncode(t, &wire.TransportHandshake{ProtocolVersion: "1.0"}), innerOrigin)

	if got := o.State(); got != StateFailed {
		t.Fatalf("state = %s, want %s", got, StateFailed)
	}
	reason, _ := o.FailureReason()
	if reason != session.Reason(wire.CodeConfigError) {
		t.Errorf("failure reason = %q, want CONFIG_ERROR", reason)
	}
}

func TestOuterTransportStaleAcceptedDiscarded(t *testing.T) {
	registry := session.NewRegistry()
	st := store.NewMemoryStore()
	sessionID := seedTransportSession(t, registry, st)

	o, err := NewOuterTransport(Config{
		AllowedOrigins: origin.Allowlist{innerOrigin},
		SessionID:      sessionID,
	}, OuterDeps{Registry: registry, Store: st, Sender: &captureSender{}})
	if err != nil {
		t.Fatalf("NewOuterTransport failed: %v", err)
	}

	listener := o.Listen()
	listener(mustEncode(t, &wire.TransportHandshake{ProtocolVersion: "1.0"}), innerOrigin)
	listener(mustEncode(t, &wire.TransportAccepted{SessionID: "someone-else"}), innerOrigin)

	if got := o.State(); got != StateAwaitingFinal {
		t.Fatalf("state = %s, want %s (stale accepted must be discarded)", got, StateAwaitingFinal)
	}
}

func TestOuterSetupRequired(t *testing.T) {
	registry := session.NewRegistry()
	st := store.NewMemoryStore()
	sessionID := seedTransportSession(t, registry, st)
	sender := &captureSender{}

	var notice *wire.SetupRequired
	o, err := NewOuterTransport(Config{
		AllowedOrigins: origin.Allowlist{innerOrigin},
		SessionID:      sessionID,
	}, OuterDeps{
		Registry: registry,
		Store:    st,
		Sender:   sender,
		Hooks: Hooks{
			OnSetupRequired: func(n wire.SetupRequired) { notice = &n },
		},
	})
	if err != nil {
		t.Fatalf("NewOuterTransport failed: %v", err)
	}

	listener := o.Listen()
	listener(mustEncode(t, &wire.TransportHandshake{ProtocolVersion: "1.0"}), innerOrigin)
	listener(mustEncode(t, &wire.TransportAccepted{SessionID: sessionID}), innerOrigin)

	// Continuable notice keeps the session alive.
	listener(mustEncode(t, &wire.SetupRequired{
		Reason:      wire.ReasonConfigChanged,
		Message:     "configuration drift detected",
		CanContinue: true,
	}), innerOrigin)
	if notice == nil || notice.Reason != wire.ReasonConfigChanged {
		t.Fatal("continuable notice not surfaced")
	}
	if got := o.State(); got != StateReady {
		t.Fatalf("state = %s, want %s after continuable notice", got, StateReady)
	}

	// Non-continuable notice fails the session with the notice reason.
	listener(mustEncode(t, &wire.SetupRequired{
		Reason:      wire.ReasonAuthExpired,
		Message:     "token expired",
		CanContinue: false,
	}), innerOrigin)
	if got := o.State(); got != StateFailed {
		t.Fatalf("state = %s, want %s", got, StateFailed)
	}
	reason, _ := o.FailureReason()
	if reason != session.Reason(wire.ReasonAuthExpired) {
		t.Errorf("failure reason = %q, want AUTH_EXPIRED", reason)
	}
	if registry.Len() != 0 {
		t.Error("failed session must be evicted from the registry")
	}
}

func TestNewOuterSetupValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		deps OuterDeps
	}{
		{
			name: "no allowlist",
			cfg:  Config{SupportedVersions: []version.Version{version.MustParse("1.0.0")}},
			deps: OuterDeps{Registry: session.NewRegistry()},
		},
		{
			name: "no versions",
			cfg:  Config{AllowedOrigins: origin.Allowlist{innerOrigin}},
			deps: OuterDeps{Registry: session.NewRegistry()},
		},
		{
			name: "no registry",
			cfg:  outerSetupConfig(),
			deps: OuterDeps{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewOuterSetup(tt.cfg, tt.deps)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("NewOuterSetup error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}
