package chat

import (
	"bytes"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/ashureev/agentchat/internal/agent"
	"github.com/ashureev/agentchat/internal/domain"
)

// normalizeHistory converts remote history into local messages. Roles other
// than user become assistant; text comes from a string content field, else
// the first part's text, else is empty. Messages without an id get a local one.
func normalizeHistory(in []agent.UIMessage) []domain.Message {
	out := make([]domain.Message, 0, len(in))
	for _, m := range in {
		id := m.ID
		if id == "" {
			id = uuid.NewString()
		}
		out = append(out, domain.Message{
			ID:   id,
			Role: domain.NormalizeRole(m.Role),
			Text: messageText(m),
		})
	}
	return out
}

// messageText prefers a string content field. Any other content, null
// included, falls back to the parts.
func messageText(m agent.UIMessage) string {
	if c := bytes.TrimSpace(m.Content); len(c) > 0 && c[0] == '"' {
		var s string
		if err := json.Unmarshal(c, &s); err == nil {
			return s
		}
	}
	if len(m.Parts) > 0 {
		return m.Parts[0].Text
	}
	return ""
}

// mergeMessages returns history followed by live, keeping the first message
// seen for each id.
func mergeMessages(history, live []domain.Message) []domain.Message {
	out := make([]domain.Message, 0, len(history)+len(live))
	seen := make(map[string]struct{}, len(history)+len(live))
	for _, seq := range [][]domain.Message{history, live} {
		for _, m := range seq {
			if m.ID != "" {
				if _, dup := seen[m.ID]; dup {
					continue
				}
				seen[m.ID] = struct{}{}
			}
			out = append(out, m)
		}
	}
	return out
}
