package wire

// Type is the envelope discriminator carried in the "type" field.
type Type string

const (
	// TypeSetupHandshake opens the Setup phase (Inner to Outer).
	TypeSetupHandshake Type = "MCP_SETUP_HANDSHAKE"

	// TypeSetupHandshakeReply answers a setup handshake (Outer to Inner).
	TypeSetupHandshakeReply Type = "MCP_SETUP_HANDSHAKE_REPLY"

	// TypeSetupComplete reports the setup outcome (Inner to Outer).
	TypeSetupComplete Type = "MCP_SETUP_COMPLETE"

	// TypeTransportHandshake opens the Transport phase (Inner to Outer).
	TypeTransportHandshake Type = "MCP_TRANSPORT_HANDSHAKE"

	// TypeTransportHandshakeReply answers a transport handshake (Outer to Inner).
	TypeTransportHandshakeReply Type = "MCP_TRANSPORT_HANDSHAKE_REPLY"

	// TypeTransportAccepted confirms the transport session (Inner to Outer).
	TypeTransportAccepted Type = "MCP_TRANSPORT_ACCEPTED"

	// TypeMCPMessage carries an opaque JSON-RPC 2.0 payload (bidirectional).
	TypeMCPMessage Type = "MCP_MESSAGE"

	// TypeSetupRequired signals that setup must be redone (Inner to Outer).
	TypeSetupRequired Type = "MCP_SETUP_REQUIRED"
)

// IsValid returns true if t is one of the eight known discriminators.
func (t Type) IsValid() bool {
	switch t {
	case TypeSetupHandshake, TypeSetupHandshakeReply, TypeSetupComplete,
		TypeTransportHandshake, TypeTransportHandshakeReply,
		TypeTransportAccepted, TypeMCPMessage, TypeSetupRequired:
		return true
	default:
		return false
	}
}

// SetupStatus is the outcome reported by a SetupComplete envelope.
type SetupStatus string

const (
	// StatusSuccess indicates setup completed and produced a configuration.
	StatusSuccess SetupStatus = "success"

	// StatusError indicates setup failed; Error carries the reason.
	StatusError SetupStatus = "error"
)

// IsValid returns true for one of the enumerated status literals.
func (s SetupStatus) IsValid() bool {
	return s == StatusSuccess || s == StatusError
}

// ErrorCode enumerates the protocol-visible setup failure codes.
type ErrorCode string

const (
	// CodeUserCancelled indicates the user dismissed the setup flow.
	CodeUserCancelled ErrorCode = "USER_CANCELLED"

	// CodeAuthFailed indicates the setup authentication step failed.
	CodeAuthFailed ErrorCode = "AUTH_FAILED"

	// CodeTimeout indicates a handshake deadline expired.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeConfigError indicates the setup work produced a bad configuration.
	CodeConfigError ErrorCode = "CONFIG_ERROR"

	// CodeVersionMismatch indicates no protocol version satisfied both sides.
	CodeVersionMismatch ErrorCode = "VERSION_MISMATCH"

	// CodeInsufficientPermissions indicates a required permission was denied.
	CodeInsufficientPermissions ErrorCode = "INSUFFICIENT_PERMISSIONS"
)

// IsValid returns true for one of the enumerated error codes.
func (c ErrorCode) IsValid() bool {
	switch c {
	case CodeUserCancelled, CodeAuthFailed, CodeTimeout,
		CodeConfigError, CodeVersionMismatch, CodeInsufficientPermissions:
		return true
	default:
		return false
	}
}

// SetupRequiredReason classifies why an established session needs a
// fresh Setup cycle.
type SetupRequiredReason string

const (
	// ReasonAuthExpired indicates stored credentials are no longer valid.
	ReasonAuthExpired SetupRequiredReason = "AUTH_EXPIRED"

	// ReasonConfigChanged indicates the persisted configuration is stale.
	ReasonConfigChanged SetupRequiredReason = "CONFIG_CHANGED"

	// ReasonPermissionsChanged indicates the permission surface changed.
	ReasonPermissionsChanged SetupRequiredReason = "PERMISSIONS_CHANGED"

	// ReasonOther covers reasons outside the enumerated set.
	ReasonOther SetupRequiredReason = "OTHER"
)

// IsValid returns true for one of the enumerated reasons.
func (r SetupRequiredReason) IsValid() bool {
	switch r {
	case ReasonAuthExpired, ReasonConfigChanged, ReasonPermissionsChanged, ReasonOther:
		return true
	default:
		return false
	}
}

// VisibilityRequirement states whether the Inner frame must be visible
// during the Transport phase.
type VisibilityRequirement string

const (
	// VisibilityHidden means the frame never needs to be shown.
	VisibilityHidden VisibilityRequirement = "hidden"

	// VisibilityOptional means the frame may be shown on demand.
	VisibilityOptional VisibilityRequirement = "optional"

	// VisibilityRequired means the frame must stay visible.
	VisibilityRequired VisibilityRequirement = "required"
)

// IsValid returns true for one of the enumerated requirements.
func (v VisibilityRequirement) IsValid() bool {
	return v == VisibilityHidden || v == VisibilityOptional || v == VisibilityRequired
}

// PermissionPhase names a protocol phase a permission applies to.
type PermissionPhase string

const (
	// PhaseSetup scopes a permission to the Setup phase.
	PhaseSetup PermissionPhase = "setup"

	// PhaseTransport scopes a permission to the Transport phase.
	PhaseTransport PermissionPhase = "transport"
)

// IsValid returns true for one of the two phases.
func (p PermissionPhase) IsValid() bool {
	return p == PhaseSetup || p == PhaseTransport
}
