package wire

import (
	"encoding/json"
	"fmt"
)

// Envelope is the closed set of FrameLink wire messages. Only the eight
// variants in this package implement it.
type Envelope interface {
	// MessageType returns the variant's discriminator.
	MessageType() Type

	// Validate checks required fields and field shapes.
	Validate() error

	isEnvelope()
}

// ErrorDetail carries a protocol-visible failure code and description.
type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Validate checks the error detail fields.
func (e *ErrorDetail) Validate() error {
	if !e.Code.IsValid() {
		return fmt.Errorf("invalid error code %q", e.Code)
	}
	return nil
}

// TransportVisibility describes the Inner frame's visibility needs during
// the Transport phase.
type TransportVisibility struct {
	Requirement VisibilityRequirement `json:"requirement"`
	Description string                `json:"description,omitempty"`
}

// Validate checks the visibility requirement literal.
func (v *TransportVisibility) Validate() error {
	if !v.Requirement.IsValid() {
		return fmt.Errorf("invalid visibility requirement %q", v.Requirement)
	}
	return nil
}

// PermissionRequirement declares a capability the Inner frame needs.
// The Outer frame aggregates these to configure the sandbox surface and,
// optionally, to render consent UI.
type PermissionRequirement struct {
	Name     string            `json:"name"`
	Phases   []PermissionPhase `json:"phase"`
	Required bool              `json:"required"`
	Purpose  string            `json:"purpose"`
}

// Validate checks the permission declaration.
func (p *PermissionRequirement) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("permission missing name")
	}
	if len(p.Phases) == 0 {
		return fmt.Errorf("permission %q missing phase", p.Name)
	}
	for _, phase := range p.Phases {
		if !phase.IsValid() {
			return fmt.Errorf("permission %q has invalid phase %q", p.Name, phase)
		}
	}
	return nil
}

// SetupHandshake is the Inner frame's opening message of the Setup phase.
// It is sent with a wildcard target because the Inner does not yet know
// which origin embedded it; origin validation happens on the reply.
type SetupHandshake struct {
	MinProtocolVersion   string                  `json:"minProtocolVersion"`
	MaxProtocolVersion   string                  `json:"maxProtocolVersion"`
	RequiresVisibleSetup bool                    `json:"requiresVisibleSetup"`
	RequestedPermissions []PermissionRequirement `json:"requestedPermissions,omitempty"`
}

// MessageType returns TypeSetupHandshake.
func (*SetupHandshake) MessageType() Type { return TypeSetupHandshake }

func (*SetupHandshake) isEnvelope() {}

// Validate checks required fields.
func (m *SetupHandshake) Validate() error {
	if m.MinProtocolVersion == "" {
		return fmt.Errorf("missing minProtocolVersion")
	}
	if m.MaxProtocolVersion == "" {
		return fmt.Errorf("missing maxProtocolVersion")
	}
	for i := range m.RequestedPermissions {
		if err := m.RequestedPermissions[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// SetupHandshakeReply carries the negotiated protocol version and the
// freshly allocated session identifier (Outer to Inner).
type SetupHandshakeReply struct {
	ProtocolVersion string `json:"protocolVersion"`
	SessionID       string `json:"sessionId"`
}

// MessageType returns TypeSetupHandshakeReply.
func (*SetupHandshakeReply) MessageType() Type { return TypeSetupHandshakeReply }

func (*SetupHandshakeReply) isEnvelope() {}

// Validate checks required fields.
func (m *SetupHandshakeReply) Validate() error {
	if m.ProtocolVersion == "" {
		return fmt.Errorf("missing protocolVersion")
	}
	if m.SessionID == "" {
		return fmt.Errorf("missing sessionId")
	}
	return nil
}

// SetupComplete reports the outcome of the Setup phase (Inner to Outer).
// On success it carries the configuration the Outer persists for later
// Transport sessions. The Outer also emits this variant with an error
// status when it rejects a handshake before replying.
type SetupComplete struct {
	Status              SetupStatus         `json:"status"`
	DisplayName         string              `json:"displayName,omitempty"`
	EphemeralMessage    string              `json:"ephemeralMessage,omitempty"`
	TransportVisibility TransportVisibility `json:"transportVisibility"`
	Error               *ErrorDetail        `json:"error,omitempty"`
}

// MessageType returns TypeSetupComplete.
func (*SetupComplete) MessageType() Type { return TypeSetupComplete }

func (*SetupComplete) isEnvelope() {}

// Validate checks required fields. DisplayName and a valid visibility
// requirement are mandatory for success; Error is mandatory for error.
func (m *SetupComplete) Validate() error {
	if !m.Status.IsValid() {
		return fmt.Errorf("invalid status %q", m.Status)
	}
	switch m.Status {
	case StatusSuccess:
		if m.DisplayName == "" {
			return fmt.Errorf("missing displayName")
		}
		if m.Error != nil {
			return fmt.Errorf("error detail not allowed on success")
		}
		if err := m.TransportVisibility.Validate(); err != nil {
			return err
		}
	case StatusError:
		if m.Error == nil {
			return fmt.Errorf("missing error detail")
		}
		if err := m.Error.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// TransportHandshake is the Inner frame's wildcard-targeted opening message
// of the Transport phase. The version is a fixed literal; the Outer rejects
// anything but "1.0" as a version mismatch, not as a malformed envelope.
type TransportHandshake struct {
	ProtocolVersion string `json:"protocolVersion"`
}

// MessageType returns TypeTransportHandshake.
func (*TransportHandshake) MessageType() Type { return TypeTransportHandshake }

func (*TransportHandshake) isEnvelope() {}

// Validate checks required fields.
func (m *TransportHandshake) Validate() error {
	if m.ProtocolVersion == "" {
		return fmt.Errorf("missing protocolVersion")
	}
	return nil
}

// TransportHandshakeReply re-presents the session identifier allocated
// during Setup (Outer to Inner).
type TransportHandshakeReply struct {
	SessionID       string `json:"sessionId"`
	ProtocolVersion string `json:"protocolVersion"`
}

// MessageType returns TypeTransportHandshakeReply.
func (*TransportHandshakeReply) MessageType() Type { return TypeTransportHandshakeReply }

func (*TransportHandshakeReply) isEnvelope() {}

// Validate checks required fields.
func (m *TransportHandshakeReply) Validate() error {
	if m.SessionID == "" {
		return fmt.Errorf("missing sessionId")
	}
	if m.ProtocolVersion == "" {
		return fmt.Errorf("missing protocolVersion")
	}
	return nil
}

// TransportAccepted confirms the transport session (Inner to Outer).
type TransportAccepted struct {
	SessionID string `json:"sessionId"`
}

// MessageType returns TypeTransportAccepted.
func (*TransportAccepted) MessageType() Type { return TypeTransportAccepted }

func (*TransportAccepted) isEnvelope() {}

// Validate checks required fields.
func (m *TransportAccepted) Validate() error {
	if m.SessionID == "" {
		return fmt.Errorf("missing sessionId")
	}
	return nil
}

// MCPMessage wraps one opaque JSON-RPC 2.0 message. The payload is routed
// verbatim and never interpreted beyond the structural check below.
type MCPMessage struct {
	Payload json.RawMessage `json:"payload"`
}

// MessageType returns TypeMCPMessage.
func (*MCPMessage) MessageType() Type { return TypeMCPMessage }

func (*MCPMessage) isEnvelope() {}

// Validate checks that the payload is a JSON object declaring jsonrpc 2.0.
// Method, params, id, result and error are left to the RPC layer.
func (m *MCPMessage) Validate() error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("missing payload")
	}
	var probe struct {
		JSONRPC string `json:"jsonrpc"`
	}
	if err := json.Unmarshal(m.Payload, &probe); err != nil {
		return fmt.Errorf("payload is not a JSON object: %v", err)
	}
	if probe.JSONRPC != "2.0" {
		return fmt.Errorf("payload jsonrpc = %q, want \"2.0\"", probe.JSONRPC)
	}
	return nil
}

// SetupRequired tells the Outer frame that the persisted configuration is
// no longer usable (Inner to Outer, Transport phase only).
type SetupRequired struct {
	Reason      SetupRequiredReason `json:"reason"`
	Message     string              `json:"message"`
	CanContinue bool                `json:"canContinue"`
}

// MessageType returns TypeSetupRequired.
func (*SetupRequired) MessageType() Type { return TypeSetupRequired }

func (*SetupRequired) isEnvelope() {}

// Validate checks required fields.
func (m *SetupRequired) Validate() error {
	if !m.Reason.IsValid() {
		return fmt.Errorf("invalid reason %q", m.Reason)
	}
	if m.Message == "" {
		return fmt.Errorf("missing message")
	}
	return nil
}
