package handshake

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/framelink-protocol/framelink-go/pkg/log"
	"github.com/framelink-protocol/framelink-go/pkg/origin"
	"github.com/framelink-protocol/framelink-go/pkg/session"
	"github.com/framelink-protocol/framelink-go/pkg/store"
	"github.com/framelink-protocol/framelink-go/pkg/transport"
	"github.com/framelink-protocol/framelink-go/pkg/version"
	"github.com/framelink-protocol/framelink-go/pkg/wire"
)

var (
	// ErrInvalidConfig indicates a machine configuration error.
	ErrInvalidConfig = errors.New("invalid handshake config")

	// ErrInvalidState indicates an API call in a state that does not
	// permit it, for example CompleteSetup before the reply arrived.
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrNotReady indicates an attempt to move MCP traffic before the
	// session reached Ready.
	ErrNotReady = errors.New("session not ready")

	// ErrNoSender indicates the machine has no outbound channel yet.
	ErrNoSender = errors.New("no sender configured")
)

// Default deadlines for the awaiting states. The final Setup deadline is
// generous because visible setup may involve a person.
const (
	DefaultHandshakeDeadline = 30 * time.Second
	DefaultReplyDeadline     = 10 * time.Second
	DefaultFinalDeadline     = 2 * time.Minute
)

// Deadlines bounds how long a machine waits in each awaiting state.
// Expiry fails the session with TIMEOUT. Zero fields take defaults.
type Deadlines struct {
	// Handshake bounds AwaitingHandshake on the Outer side.
	Handshake time.Duration
	// Reply bounds AwaitingReply on the Inner side.
	Reply time.Duration
	// Final bounds AwaitingFinal on both sides.
	Final time.Duration
}

func (d Deadlines) withDefaults() Deadlines {
	if d.Handshake <= 0 {
		d.Handshake = DefaultHandshakeDeadline
	}
	if d.Reply <= 0 {
		d.Reply = DefaultReplyDeadline
	}
	if d.Final <= 0 {
		d.Final = DefaultFinalDeadline
	}
	return d
}

// Config parameterizes a handshake machine. Fields apply per role and
// phase; constructors validate the subset they need.
type Config struct {
	// AllowedOrigins restricts which counterpart origins may take part.
	AllowedOrigins origin.Allowlist

	// SupportedVersions lists the protocol versions the Outer side can
	// speak during Setup, in any order.
	SupportedVersions []version.Version

	// RequestedRange is the version window the Inner side offers during
	// Setup.
	RequestedRange version.Range

	// RequiresVisibleSetup asks the Outer side to keep the Inner frame
	// visible while setup work runs.
	RequiresVisibleSetup bool

	// RequestedPermissions is declared by the Inner side during Setup
	// and surfaced through the Outer side's PermissionSink.
	RequestedPermissions []wire.PermissionRequirement

	// SessionID identifies the established session an Outer Transport
	// machine answers for.
	SessionID string

	Deadlines Deadlines

	// Retry enables resending the wildcard opening handshake while the
	// Inner side is in AwaitingReply. Nil disables retry.
	Retry *RetryPolicy

	Logger log.Logger
}

// PermissionSink receives the permission requirements an Inner frame
// declared during Setup, before any MCP traffic flows. Implementations
// use the aggregate to configure sandboxing for the session.
type PermissionSink interface {
	DeclarePermissions(sessionID string, perms []wire.PermissionRequirement)
}

// PermissionSinkFunc adapts a function to a PermissionSink.
type PermissionSinkFunc func(sessionID string, perms []wire.PermissionRequirement)

func (f PermissionSinkFunc) DeclarePermissions(sessionID string, perms []wire.PermissionRequirement) {
	f(sessionID, perms)
}

// Hooks are optional callbacks fired during machine transitions. All
// hooks are invoked synchronously with the machine lock released, so a
// hook may call back into the machine.
type Hooks struct {
	// OnStateChange fires on every transition.
	OnStateChange func(old, new State, reason string)

	// OnReady fires once when the session reaches Ready.
	OnReady func(s *session.Session)

	// OnFailed fires once when the session fails.
	OnFailed func(s *session.Session, reason session.Reason)

	// OnSetupRequired fires when the counterpart signals that the
	// persisted configuration is no longer sufficient.
	OnSetupRequired func(notice wire.SetupRequired)

	// OnSetupWork fires on the Inner side when the reply arrived and
	// local setup work should start. The application finishes by
	// calling CompleteSetup or FailSetup.
	OnSetupWork func(s *session.Session)

	// OnSetupVisibility fires on the Outer side with the Inner frame's
	// visibility requirement for the setup phase.
	OnSetupVisibility func(required bool)

	// OnMCPMessage fires for each inbound MCP envelope once Ready.
	OnMCPMessage func(msg *wire.MCPMessage)
}

// OuterDeps are the collaborators of an Outer machine.
type OuterDeps struct {
	Registry    *session.Registry
	Store       store.Store
	Permissions PermissionSink
	Sender      transport.Sender
	Hooks       Hooks
}

// InnerDeps are the collaborators of an Inner machine.
type InnerDeps struct {
	// Registry is optional; when set, established sessions are added.
	Registry *session.Registry
	Sender   transport.Sender
	Hooks    Hooks
}

// ServerConfig is the durable record the Outer side persists for a
// session once Setup succeeds, under store.ServerConfigKey(sessionID).
type ServerConfig struct {
	DisplayName         string                   `json:"displayName"`
	EphemeralMessage    string                   `json:"ephemeralMessage,omitempty"`
	TransportVisibility wire.TransportVisibility `json:"transportVisibility"`
	ProtocolVersion     string                   `json:"protocolVersion"`
	PinnedOrigin        string                   `json:"pinnedOrigin"`
}

// Encode serializes the record for storage.
func (c ServerConfig) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// DecodeServerConfig parses a stored record.
func DecodeServerConfig(data []byte) (ServerConfig, error) {
	var c ServerConfig
	if err := json.Unmarshal(data, &c); err != nil {
		return ServerConfig{}, err
	}
	return c, nil
}
