// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/agentchat/internal/domain"
)

// Repository defines the interface for persisting devices and their
// per-agent session identities.
type Repository interface {
	// GetDevice retrieves a device by its device ID. It returns nil, nil when
	// the device is unknown.
	GetDevice(ctx context.Context, deviceID string) (*domain.Device, error)

	// UpsertDevice creates or updates a device record.
	UpsertDevice(ctx context.Context, device *domain.Device) error

	// UpdateLastSeen updates the last_seen_at timestamp for a device.
	UpdateLastSeen(ctx context.Context, deviceID string, lastSeen time.Time) error

	// GetIdentity returns the identity stored for one agent of a device.
	// Rows older than ttl are reported as absent.
	GetIdentity(ctx context.Context, deviceID, agentID string, ttl time.Duration) (domain.SessionIdentity, bool, error)

	// PutIdentity stores the identity of a single agent. Other agents of the
	// same device are not touched.
	PutIdentity(ctx context.Context, deviceID, agentID string, identity domain.SessionIdentity) error

	// ClaimIdentity stores candidate only when the agent has no valid,
	// unexpired identity, and returns whichever identity is stored afterwards.
	ClaimIdentity(ctx context.Context, deviceID, agentID string, candidate domain.SessionIdentity, ttl time.Duration) (domain.SessionIdentity, error)

	// ResetIdentities writes an empty identity for every listed agent.
	ResetIdentities(ctx context.Context, deviceID string, agentIDs []string) error

	// ListIdentities returns the unexpired identity table of a device.
	ListIdentities(ctx context.Context, deviceID string, ttl time.Duration) (domain.IdentityTable, error)

	// CleanupExpiredIdentities removes identity rows older than ttl.
	CleanupExpiredIdentities(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
