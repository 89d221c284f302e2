package handshake

import (
	"errors"
	"testing"
	"time"

	"github.com/framelink-protocol/framelink-go/pkg/origin"
	"github.com/framelink-protocol/framelink-go/pkg/session"
	"github.com/framelink-protocol/framelink-go/pkg/version"
	"github.com/framelink-protocol/framelink-go/pkg/wire"
)

func innerSetupConfig() Config {
	return Config{
		AllowedOrigins: origin.Allowlist{outerOrigin},
		RequestedRange: version.Range{
			Min: version.MustParse("1.0.0"),
			Max: version.MustParse("1.2.0"),
		},
	}
}

func validSetupResult() SetupResult {
	return SetupResult{
		DisplayName: "Example Server",
		TransportVisibility: wire.TransportVisibility{
			Requirement: wire.VisibilityHidden,
		},
	}
}

func TestInnerSetupHappyPath(t *testing.T) {
	sender := &captureSender{}
	var workSession *session.Session
	var readySession *session.Session

	cfg := innerSetupConfig()
	cfg.RequiresVisibleSetup = true
	cfg.RequestedPermissions = []wire.PermissionRequirement{{
		Name:     "network",
		Phases:   []wire.PermissionPhase{wire.PhaseTransport},
		Required: true,
		Purpose:  "call the backing API",
	}}

	i, err := NewInnerSetup(cfg, InnerDeps{
		Sender: sender,
		Hooks: Hooks{
			OnSetupWork: func(s *session.Session) { workSession = s },
			OnReady:     func(s *session.Session) { readySession = s },
		},
	})
	if err != nil {
		t.Fatalf("NewInnerSetup failed: %v", err)
	}

	if err := i.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if got := i.State(); got != StateAwaitingReply {
		t.Fatalf("state after Begin = %s, want %s", got, StateAwaitingReply)
	}

	opening := sender.last(t)
	if opening.Target != origin.Wildcard {
		t.Errorf("opening target = %q, want wildcard", opening.Target)
	}
	hs, ok := opening.Env.(*wire.SetupHandshake)
	if !ok {
		t.Fatalf("opening envelope is %T, want *wire.SetupHandshake", opening.Env)
	}
	if hs.MinProtocolVersion != "1.0.0" || hs.MaxProtocolVersion != "1.2.0" {
		t.Errorf("version range = [%s, %s]", hs.MinProtocolVersion, hs.MaxProtocolVersion)
	}
	if !hs.RequiresVisibleSetup || len(hs.RequestedPermissions) != 1 {
		t.Error("visibility or permissions not carried in the opening handshake")
	}

	i.HandleMessage(mustEncode(t, &wire.SetupHandshakeReply{
		ProtocolVersion: "1.1.0",
		SessionID:       "s1",
	}), outerOrigin)

	if got := i.State(); got != StateAwaitingFinal {
		t.Fatalf("state after reply = %s, want %s", got, StateAwaitingFinal)
	}
	if workSession == nil || workSession.ID != "s1" {
		t.Fatal("OnSetupWork not fired with the session")
	}
	if v, ok := workSession.NegotiatedVersion(); !ok || v.String() != "1.1.0" {
		t.Errorf("negotiated version = %v, want 1.1.0", v)
	}
	pinned, _ := workSession.Pin.Get()
	if pinned != outerOrigin {
		t.Errorf("pinned origin = %q, want %q", pinned, outerOrigin)
	}

	if err := i.CompleteSetup(validSetupResult()); err != nil {
		t.Fatalf("CompleteSetup failed: %v", err)
	}
	if got := i.State(); got != StateReady {
		t.Fatalf("state = %s, want %s", got, StateReady)
	}
	if readySession == nil {
		t.Error("OnReady not fired")
	}

	closing := sender.last(t)
	if closing.Target != outerOrigin {
		t.Errorf("closing target = %q, want pinned %q", closing.Target, outerOrigin)
	}
	complete, ok := closing.Env.(*wire.SetupComplete)
	if !ok || complete.Status != wire.StatusSuccess {
		t.Fatalf("closing envelope = %+v, want success SetupComplete", closing.Env)
	}
}

func TestInnerSetupReplyFromDisallowedOrigin(t *testing.T) {
	sender := &captureSender{}
	i, err := NewInnerSetup(innerSetupConfig(), InnerDeps{Sender: sender})
	if err != nil {
		t.Fatalf("NewInnerSetup failed: %v", err)
	}

	if err := i.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	i.HandleMessage(mustEncode(t, &wire.SetupHandshakeReply{
		ProtocolVersion: "1.0.0",
		SessionID:       "s1",
	}), evilOrigin)

	if got := i.State(); got != StateFailed {
		t.Fatalf("state = %s, want %s", got, StateFailed)
	}
	reason, _ := i.FailureReason()
	if reason != session.ReasonOriginMismatch {
		t.Errorf("failure reason = %q, want ORIGIN_MISMATCH", reason)
	}
	// Only the opening handshake may have been sent; nothing toward the
	// disallowed origin.
	for _, sent := range sender.all() {
		if sent.Target == evilOrigin {
			t.Errorf("sent %s toward disallowed origin", sent.Env.MessageType())
		}
	}
}

func TestInnerSetupVersionOutOfRange(t *testing.T) {
	sender := &captureSender{}
	i, err := NewInnerSetup(innerSetupConfig(), InnerDeps{Sender: sender})
	if err != nil {
		t.Fatalf("NewInnerSetup failed: %v", err)
	}

	if err := i.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	i.HandleMessage(mustEncode(t, &wire.SetupHandshakeReply{
		ProtocolVersion: "2.0.0",
		SessionID:       "s1",
	}), outerOrigin)

	if got := i.State(); got != StateFailed {
		t.Fatalf("state = %s, want %s", got, StateFailed)
	}
	reason, _ := i.FailureReason()
	if reason != session.Reason(wire.CodeVersionMismatch) {
		t.Errorf("failure reason = %q, want VERSION_MISMATCH", reason)
	}

	closing := sender.last(t)
	complete, ok := closing.Env.(*wire.SetupComplete)
	if !ok || complete.Status != wire.StatusError || complete.Error.Code != wire.CodeVersionMismatch {
		t.Fatalf("closing envelope = %+v, want error VERSION_MISMATCH", closing.Env)
	}
	if closing.Target != outerOrigin {
		t.Errorf("closing target = %q, want %q", closing.Target, outerOrigin)
	}
}

func TestInnerSetupRejectedByCounterpart(t *testing.T) {
	i, err := NewInnerSetup(innerSetupConfig(), InnerDeps{Sender: &captureSender{}})
	if err != nil {
		t.Fatalf("NewInnerSetup failed: %v", err)
	}

	if err := i.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	i.HandleMessage(mustEncode(t, &wire.SetupComplete{
		Status: wire.StatusError,
		Error:  &wire.ErrorDetail{Code: wire.CodeVersionMismatch, Message: "no overlap"},
	}), outerOrigin)

	if got := i.State(); got != StateFailed {
		t.Fatalf("state = %s, want %s", got, StateFailed)
	}
	reason, _ := i.FailureReason()
	if reason != session.Reason(wire.CodeVersionMismatch) {
		t.Errorf("failure reason = %q, want VERSION_MISMATCH", reason)
	}
}

func TestInnerFailSetup(t *testing.T) {
	sender := &captureSender{}
	i, err := NewInnerSetup(innerSetupConfig(), InnerDeps{Sender: sender})
	if err != nil {
		t.Fatalf("NewInnerSetup failed: %v", err)
	}

	if err := i.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	i.HandleMessage(mustEncode(t, &wire.SetupHandshakeReply{
		ProtocolVersion: "1.0.0",
		SessionID:       "s1",
	}), outerOrigin)

	if err := i.FailSetup(wire.CodeAuthFailed, "login rejected"); err != nil {
		t.Fatalf("FailSetup failed: %v", err)
	}

	if got := i.State(); got != StateFailed {
		t.Fatalf("state = %s, want %s", got, StateFailed)
	}
	reason, _ := i.FailureReason()
	if reason != session.Reason(wire.CodeAuthFailed) {
		t.Errorf("failure reason = %q, want AUTH_FAILED", reason)
	}
	complete, ok := sender.last(t).Env.(*wire.SetupComplete)
	if !ok || complete.Status != wire.StatusError || complete.Error.Code != wire.CodeAuthFailed {
		t.Fatalf("closing envelope = %+v, want error AUTH_FAILED", sender.last(t).Env)
	}
}

func TestInnerCompleteSetupWrongState(t *testing.T) {
	i, err := NewInnerSetup(innerSetupConfig(), InnerDeps{Sender: &captureSender{}})
	if err != nil {
		t.Fatalf("NewInnerSetup failed: %v", err)
	}

	if err := i.CompleteSetup(validSetupResult()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("CompleteSetup from Idle = %v, want ErrInvalidState", err)
	}
	if err := i.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := i.CompleteSetup(validSetupResult()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("CompleteSetup from AwaitingReply = %v, want ErrInvalidState", err)
	}
	if err := i.Begin(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Begin = %v, want ErrInvalidState", err)
	}
}

func TestInnerReplyTimeout(t *testing.T) {
	failed := make(chan session.Reason, 1)
	cfg := innerSetupConfig()
	cfg.Deadlines = Deadlines{Reply: 10 * time.Millisecond}

	i, err := NewInnerSetup(cfg, InnerDeps{
		Sender: &captureSender{},
		Hooks: Hooks{
			OnFailed: func(_ *session.Session, reason session.Reason) { failed <- reason },
		},
	})
	if err != nil {
		t.Fatalf("NewInnerSetup failed: %v", err)
	}

	if err := i.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	select {
	case reason := <-failed:
		if reason != session.ReasonTimeout {
			t.Errorf("failure reason = %q, want TIMEOUT", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("reply deadline did not fire")
	}
}

func TestInnerRetryResendsOpening(t *testing.T) {
	sender := &captureSender{}
	cfg := innerSetupConfig()
	cfg.Deadlines = Deadlines{Reply: 500 * time.Millisecond}
	cfg.Retry = &RetryPolicy{
		MaxAttempts: 2,
		Initial:     10 * time.Millisecond,
		Max:         20 * time.Millisecond,
		Multiplier:  2,
		Jitter:      0,
	}

	i, err := NewInnerSetup(cfg, InnerDeps{Sender: sender})
	if err != nil {
		t.Fatalf("NewInnerSetup failed: %v", err)
	}
	if err := i.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(sender.all()) >= 3 { // opening plus two resends
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	sent := sender.all()
	if len(sent) < 3 {
		t.Fatalf("sent %d envelopes, want opening plus 2 resends", len(sent))
	}
	for _, s := range sent[:3] {
		if _, ok := s.Env.(*wire.SetupHandshake); !ok || s.Target != origin.Wildcard {
			t.Errorf("resend = %T to %q, want wildcard SetupHandshake", s.Env, s.Target)
		}
	}

	// A reply stops the resend schedule.
	i.HandleMessage(mustEncode(t, &wire.SetupHandshakeReply{
		ProtocolVersion: "1.0.0",
		SessionID:       "s1",
	}), outerOrigin)
	if got := i.State(); got != StateAwaitingFinal {
		t.Fatalf("state = %s, want %s", got, StateAwaitingFinal)
	}
}

func TestInnerTransportHappyPath(t *testing.T) {
	sender := &captureSender{}
	i, err := NewInnerTransport(Config{
		AllowedOrigins: origin.Allowlist{outerOrigin},
	}, InnerDeps{Sender: sender})
	if err != nil {
		t.Fatalf("NewInnerTransport failed: %v", err)
	}

	if err := i.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	opening, ok := sender.last(t).Env.(*wire.TransportHandshake)
	if !ok || opening.ProtocolVersion != "1.0" {
		t.Fatalf("opening = %+v, want TransportHandshake 1.0", sender.last(t).Env)
	}

	i.HandleMessage(mustEncode(t, &wire.TransportHandshakeReply{
		SessionID:       "s1",
		ProtocolVersion: "1.0",
	}), outerOrigin)

	if got := i.State(); got != StateReady {
		t.Fatalf("state = %s, want %s", got, StateReady)
	}
	accepted, ok := sender.last(t).Env.(*wire.TransportAccepted)
	if !ok || accepted.SessionID != "s1" {
		t.Fatalf("closing = %+v, want TransportAccepted s1", sender.last(t).Env)
	}
	if i.Session().Phase() != session.PhaseTransport {
		t.Error("session should be in the transport phase")
	}
}

func TestInnerTransportVersionLiteral(t *testing.T) {
	i, err := NewInnerTransport(Config{
		AllowedOrigins: origin.Allowlist{outerOrigin},
	}, InnerDeps{Sender: &captureSender{}})
	if err != nil {
		t.Fatalf("NewInnerTransport failed: %v", err)
	}

	if err := i.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	i.HandleMessage(mustEncode(t, &wire.TransportHandshakeReply{
		SessionID:       "s1",
		ProtocolVersion: "2.0",
	}), outerOrigin)

	if got := i.State(); got != StateFailed {
		t.Fatalf("state = %s, want %s", got, StateFailed)
	}
	reason, _ := i.FailureReason()
	if reason != session.Reason(wire.CodeVersionMismatch) {
		t.Errorf("failure reason = %q, want VERSION_MISMATCH", reason)
	}
}

func TestInnerRequireSetup(t *testing.T) {
	sender := &captureSender{}
	i, err := NewInnerTransport(Config{
		AllowedOrigins: origin.Allowlist{outerOrigin},
	}, InnerDeps{Sender: sender})
	if err != nil {
		t.Fatalf("NewInnerTransport failed: %v", err)
	}

	if err := i.RequireSetup(wire.ReasonAuthExpired, "token expired", false); !errors.Is(err, ErrInvalidState) {
		t.Errorf("RequireSetup before Ready = %v, want ErrInvalidState", err)
	}

	if err := i.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	i.HandleMessage(mustEncode(t, &wire.TransportHandshakeReply{
		SessionID:       "s1",
		ProtocolVersion: "1.0",
	}), outerOrigin)

	if err := i.RequireSetup(wire.ReasonAuthExpired, "token expired", false); err != nil {
		t.Fatalf("RequireSetup failed: %v", err)
	}

	notice, ok := sender.last(t).Env.(*wire.SetupRequired)
	if !ok || notice.Reason != wire.ReasonAuthExpired || notice.CanContinue {
		t.Fatalf("sent %+v, want non-continuable AUTH_EXPIRED notice", sender.last(t).Env)
	}
	if got := i.State(); got != StateFailed {
		t.Fatalf("state = %s, want %s", got, StateFailed)
	}
	reason, _ := i.FailureReason()
	if reason != session.Reason(wire.ReasonAuthExpired) {
		t.Errorf("failure reason = %q, want AUTH_EXPIRED", reason)
	}
}

func TestSendMCPGating(t *testing.T) {
	sender := &captureSender{}
	var received *wire.MCPMessage
	i, err := NewInnerTransport(Config{
		AllowedOrigins: origin.Allowlist{outerOrigin},
	}, InnerDeps{
		Sender: sender,
		Hooks: Hooks{
			OnMCPMessage: func(msg *wire.MCPMessage) { received = msg },
		},
	})
	if err != nil {
		t.Fatalf("NewInnerTransport failed: %v", err)
	}

	payload := []byte(`{"jsonrpc":"2.0","method":"tools/list","id":1}`)

	if err := i.SendMCP(payload); !errors.Is(err, ErrNotReady) {
		t.Errorf("SendMCP before Ready = %v, want ErrNotReady", err)
	}

	// Inbound MCP before Ready is discarded, not delivered.
	if err := i.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	i.HandleMessage(mustEncode(t, &wire.MCPMessage{Payload: payload}), outerOrigin)
	if received != nil {
		t.Fatal("MCP message delivered before Ready")
	}

	i.HandleMessage(mustEncode(t, &wire.TransportHandshakeReply{
		SessionID:       "s1",
		ProtocolVersion: "1.0",
	}), outerOrigin)

	if err := i.SendMCP(payload); err != nil {
		t.Fatalf("SendMCP failed: %v", err)
	}
	sent := sender.last(t)
	if _, ok := sent.Env.(*wire.MCPMessage); !ok || sent.Target != outerOrigin {
		t.Fatalf("sent %T to %q, want MCPMessage to pinned origin", sent.Env, sent.Target)
	}

	i.HandleMessage(mustEncode(t, &wire.MCPMessage{Payload: payload}), outerOrigin)
	if received == nil {
		t.Fatal("MCP message not delivered after Ready")
	}
}

func TestRetryBackoffSchedule(t *testing.T) {
	p := &RetryPolicy{
		MaxAttempts: 5,
		Initial:     100 * time.Millisecond,
		Max:         400 * time.Millisecond,
		Multiplier:  2,
		Jitter:      0,
	}
	b := p.backoff()

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		400 * time.Millisecond,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("Next() #%d = %v, want %v", i, got, w)
		}
	}
	if got := b.Attempts(); got != len(want) {
		t.Errorf("Attempts() = %d, want %d", got, len(want))
	}

	b.Reset()
	if got := b.Next(); got != 100*time.Millisecond {
		t.Errorf("Next() after Reset = %v, want 100ms", got)
	}
}

func TestRetryBackoffDefaults(t *testing.T) {
	b := (&RetryPolicy{}).backoff()
	first := b.Next()
	if first < InitialRetryDelay || first > InitialRetryDelay+InitialRetryDelay/2 {
		t.Errorf("first delay = %v, want about %v", first, InitialRetryDelay)
	}
}
