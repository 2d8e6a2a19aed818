package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/agentchat/internal/domain"
)

const weekTTL = 7 * 24 * time.Hour

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "data", "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_DeviceRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetDevice(ctx, "anon_missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	now := time.Now().Truncate(time.Second)
	require.NoError(t, s.UpsertDevice(ctx, &domain.Device{
		DeviceID:   "anon_1",
		Label:      "anon-1",
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}))

	got, err = s.GetDevice(ctx, "anon_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "anon-1", got.Label)
	assert.Equal(t, now.Unix(), got.LastSeenAt.Unix())

	later := now.Add(time.Hour)
	require.NoError(t, s.UpdateLastSeen(ctx, "anon_1", later))
	got, err = s.GetDevice(ctx, "anon_1")
	require.NoError(t, err)
	assert.Equal(t, later.Unix(), got.LastSeenAt.Unix())
}

func TestSQLiteStore_PutIdentityIsPerAgent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	weather := domain.SessionIdentity{ThreadID: "weatherAgent-thread-1", ResourceID: "user-1"}
	clinic := domain.SessionIdentity{ThreadID: "clinicAgent-thread-2", ResourceID: "user-2"}
	require.NoError(t, s.PutIdentity(ctx, "dev", "weatherAgent", weather))
	require.NoError(t, s.PutIdentity(ctx, "dev", "clinicAgent", clinic))

	got, ok, err := s.GetIdentity(ctx, "dev", "weatherAgent", weekTTL)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, weather, got)

	table, err := s.ListIdentities(ctx, "dev", weekTTL)
	require.NoError(t, err)
	assert.Equal(t, domain.IdentityTable{"weatherAgent": weather, "clinicAgent": clinic}, table)

	_, ok, err = s.GetIdentity(ctx, "other-device", "weatherAgent", weekTTL)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteStore_ClaimIdentity(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	first := domain.SessionIdentity{ThreadID: "a-thread-1", ResourceID: "user-1"}
	second := domain.SessionIdentity{ThreadID: "a-thread-2", ResourceID: "user-2"}

	won, err := s.ClaimIdentity(ctx, "dev", "a", first, weekTTL)
	require.NoError(t, err)
	assert.Equal(t, first, won)

	// A valid identity is kept.
	won, err = s.ClaimIdentity(ctx, "dev", "a", second, weekTTL)
	require.NoError(t, err)
	assert.Equal(t, first, won)

	// After a reset the next claim wins.
	require.NoError(t, s.ResetIdentities(ctx, "dev", []string{"a"}))
	won, err = s.ClaimIdentity(ctx, "dev", "a", second, weekTTL)
	require.NoError(t, err)
	assert.Equal(t, second, won)
}

func TestSQLiteStore_ResetIdentitiesIsIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutIdentity(ctx, "dev", "a", domain.SessionIdentity{ThreadID: "t", ResourceID: "r"}))
	agents := []string{"a", "b"}
	require.NoError(t, s.ResetIdentities(ctx, "dev", agents))
	require.NoError(t, s.ResetIdentities(ctx, "dev", agents))

	table, err := s.ListIdentities(ctx, "dev", weekTTL)
	require.NoError(t, err)
	assert.Equal(t, domain.EmptyTable(agents), table)
}

func TestSQLiteStore_ExpiredIdentitiesAreAbsent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutIdentity(ctx, "dev", "a", domain.SessionIdentity{ThreadID: "t", ResourceID: "r"}))
	_, err := s.db.ExecContext(ctx, `UPDATE agent_identities SET updated_at = ?`, time.Now().Add(-8*24*time.Hour).Unix())
	require.NoError(t, err)

	_, ok, err := s.GetIdentity(ctx, "dev", "a", weekTTL)
	require.NoError(t, err)
	assert.False(t, ok)

	// An expired row can be claimed again.
	fresh := domain.SessionIdentity{ThreadID: "t2", ResourceID: "r2"}
	won, err := s.ClaimIdentity(ctx, "dev", "a", fresh, weekTTL)
	require.NoError(t, err)
	assert.Equal(t, fresh, won)

	_, err = s.db.ExecContext(ctx, `UPDATE agent_identities SET updated_at = ?`, time.Now().Add(-8*24*time.Hour).Unix())
	require.NoError(t, err)
	deleted, err := s.CleanupExpiredIdentities(ctx, weekTTL)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestIdentityStore_ScopesToDevice(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	a := NewIdentityStore(s, "dev-a", weekTTL, nil)
	b := NewIdentityStore(s, "dev-b", weekTTL, nil)

	id := domain.SessionIdentity{ThreadID: "weatherAgent-thread-1", ResourceID: "user-1"}
	require.NoError(t, a.Set(ctx, "weatherAgent", id))

	got, ok := a.Get(ctx, "weatherAgent")
	require.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = b.Get(ctx, "weatherAgent")
	assert.False(t, ok)

	require.NoError(t, a.ResetAll(ctx, []string{"weatherAgent", "clinicAgent"}))
	assert.Equal(t, domain.EmptyTable([]string{"weatherAgent", "clinicAgent"}), a.Table(ctx))
}

func TestIdentityStore_GetFailsSoftOnClosedDatabase(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ids := NewIdentityStore(s, "dev", weekTTL, nil)
	require.NoError(t, s.Close())

	_, ok := ids.Get(context.Background(), "weatherAgent")
	assert.False(t, ok)
	assert.Empty(t, ids.Table(context.Background()))
}
