package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ashureev/agentchat/internal/domain"
)

// DefaultTTL is how long a persisted identity table stays readable.
const DefaultTTL = 7 * 24 * time.Hour

// Store is the durable mapping from agent id to session identity.
//
// Get never constructs an identity and never fails: missing or unreadable
// storage reads as absent. Set and ResetAll are idempotent.
type Store interface {
	Get(ctx context.Context, agentID string) (domain.SessionIdentity, bool)
	Set(ctx context.Context, agentID string, identity domain.SessionIdentity) error
	ResetAll(ctx context.Context, agentIDs []string) error
}

// Claimer is implemented by stores that can persist a new identity only when
// no valid one exists, returning the identity that ended up stored.
type Claimer interface {
	Claim(ctx context.Context, agentID string, candidate domain.SessionIdentity) (domain.SessionIdentity, error)
}

// Generator manufactures session identities of the form
// "<agent>-thread-<ms>" / "user-<ms>". Timestamps are strictly increasing
// per generator, so two identities never collide.
type Generator struct {
	mu   sync.Mutex
	now  func() time.Time
	last int64
}

// NewGenerator returns a generator reading time from now. A nil now uses time.Now.
func NewGenerator(now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{now: now}
}

// New returns a fresh identity for agentID.
func (g *Generator) New(agentID string) domain.SessionIdentity {
	g.mu.Lock()
	ts := g.now().UnixMilli()
	if ts <= g.last {
		ts = g.last + 1
	}
	g.last = ts
	g.mu.Unlock()

	return domain.SessionIdentity{
		ThreadID:   fmt.Sprintf("%s-thread-%d", agentID, ts),
		ResourceID: fmt.Sprintf("user-%d", ts),
	}
}
