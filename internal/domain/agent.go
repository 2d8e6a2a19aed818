package domain

// AgentDescriptor describes one selectable remote agent.
type AgentDescriptor struct {
	ID          string `json:"id" yaml:"id"`
	DisplayName string `json:"display_name" yaml:"display_name"`
}

// AgentIDs returns the ids of the given agents in order.
func AgentIDs(agents []AgentDescriptor) []string {
	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
	}
	return ids
}
