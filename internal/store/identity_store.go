package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/agentchat/internal/domain"
)

// IdentityStore exposes the identity rows of one device as a per-agent
// identity store. Reads fail soft.
type IdentityStore struct {
	repo     Repository
	deviceID string
	ttl      time.Duration
	logger   *slog.Logger
}

// NewIdentityStore scopes repo to deviceID. Rows older than ttl read as absent.
func NewIdentityStore(repo Repository, deviceID string, ttl time.Duration, logger *slog.Logger) *IdentityStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdentityStore{
		repo:     repo,
		deviceID: deviceID,
		ttl:      ttl,
		logger:   logger.With("device_id", deviceID),
	}
}

// Get returns the stored identity for agentID, or false when none is usable.
func (s *IdentityStore) Get(ctx context.Context, agentID string) (domain.SessionIdentity, bool) {
	identity, ok, err := s.repo.GetIdentity(ctx, s.deviceID, agentID, s.ttl)
	if err != nil {
		s.logger.Warn("identity read failed, treating as absent", "agent_id", agentID, "error", err)
		return domain.SessionIdentity{}, false
	}
	return identity, ok
}

// Set stores identity for agentID.
func (s *IdentityStore) Set(ctx context.Context, agentID string, identity domain.SessionIdentity) error {
	return s.repo.PutIdentity(ctx, s.deviceID, agentID, identity)
}

// ResetAll clears the identity of every listed agent.
func (s *IdentityStore) ResetAll(ctx context.Context, agentIDs []string) error {
	return s.repo.ResetIdentities(ctx, s.deviceID, agentIDs)
}

// Claim stores candidate unless a valid identity already exists.
func (s *IdentityStore) Claim(ctx context.Context, agentID string, candidate domain.SessionIdentity) (domain.SessionIdentity, error) {
	return s.repo.ClaimIdentity(ctx, s.deviceID, agentID, candidate, s.ttl)
}

// Table returns the device's current identity table.
func (s *IdentityStore) Table(ctx context.Context) domain.IdentityTable {
	table, err := s.repo.ListIdentities(ctx, s.deviceID, s.ttl)
	if err != nil {
		s.logger.Warn("identity table read failed, treating as empty", "error", err)
		return domain.IdentityTable{}
	}
	return table
}
