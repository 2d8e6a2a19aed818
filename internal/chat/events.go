package chat

import (
	"sync"

	"github.com/ashureev/agentchat/internal/domain"
)

// EventKind classifies a controller change notification.
type EventKind string

const (
	EventSelected EventKind = "selected"
	EventMessages EventKind = "messages"
	EventState    EventKind = "state"
	EventReset    EventKind = "reset"
)

// Event tells subscribers that the view of AgentID changed. Reset events
// carry no agent id and apply to every agent.
type Event struct {
	AgentID string    `json:"agent_id,omitempty"`
	Kind    EventKind `json:"kind"`
}

// View is the display state of one agent.
type View struct {
	AgentID     string                 `json:"agent_id"`
	DisplayName string                 `json:"display_name"`
	Placeholder string                 `json:"placeholder"`
	Current     bool                   `json:"current"`
	State       domain.AgentState      `json:"state"`
	Status      domain.TransportStatus `json:"status"`
	Error       string                 `json:"error,omitempty"`
	CanSubmit   bool                   `json:"can_submit"`
	Pending     bool                   `json:"pending"`
	Messages    []domain.Message       `json:"messages"`
}

const subscriberBuffer = 64

// Subscribe returns a channel of change events and a function that ends the
// subscription. Events are dropped for subscribers that fall behind.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			close(ch)
			c.subMu.Unlock()
		})
	}
}

func (c *Controller) notify(ev Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
