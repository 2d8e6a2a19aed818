package domain

// Role is the author of a conversation message.
type Role string

const (
	// RoleUser marks messages typed by the user.
	RoleUser Role = "user"
	// RoleAssistant marks agent replies, including normalized tool output.
	RoleAssistant Role = "assistant"
)

// NormalizeRole maps a remote role onto the two roles kept locally.
// Everything that is not the user is shown as the assistant.
func NormalizeRole(role string) Role {
	if role == string(RoleUser) {
		return RoleUser
	}
	return RoleAssistant
}

// Message is one entry of a conversation. ID is stable for messages that
// came from the remote service and locally generated otherwise.
type Message struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// AgentState is the lifecycle state of one agent inside a client session.
type AgentState string

const (
	StateUninitialized AgentState = "uninitialized"
	StateIdentityReady AgentState = "identity_ready"
	StateHistoryLoaded AgentState = "history_loaded"
	StateSending       AgentState = "sending"
	StateError         AgentState = "error"
)

// TransportStatus is the streaming transport status that gates input.
type TransportStatus string

const (
	TransportReady     TransportStatus = "ready"
	TransportSubmitted TransportStatus = "submitted"
	TransportStreaming TransportStatus = "streaming"
	TransportError     TransportStatus = "error"
)

// AcceptsInput reports whether a new message may be submitted.
func (s TransportStatus) AcceptsInput() bool {
	return s == TransportReady || s == TransportError || s == ""
}
