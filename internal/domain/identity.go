package domain

// SessionIdentity is the address of one agent conversation on the remote
// service. The JSON form matches the remote memory object.
type SessionIdentity struct {
	ThreadID   string `json:"thread"`
	ResourceID string `json:"resource"`
}

// Valid reports whether both fields are set. Invalid identities must be
// regenerated before use.
func (s SessionIdentity) Valid() bool {
	return s.ThreadID != "" && s.ResourceID != ""
}

// IdentityTable maps agent ids to their session identity.
type IdentityTable map[string]SessionIdentity

// EmptyTable returns a table mapping every agent id to an empty identity.
func EmptyTable(agentIDs []string) IdentityTable {
	t := make(IdentityTable, len(agentIDs))
	for _, id := range agentIDs {
		t[id] = SessionIdentity{}
	}
	return t
}
