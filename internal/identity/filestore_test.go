package identity

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/agentchat/internal/domain"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "state", DefaultBlobName), DefaultTTL, nil)
	require.NoError(t, err)
	return s
}

func TestFileStore_GetMissingBlob(t *testing.T) {
	t.Parallel()
	s := newTestFileStore(t)

	_, ok := s.Get(context.Background(), "weatherAgent")
	assert.False(t, ok)
	assert.Empty(t, s.Table())
}

func TestFileStore_SetMergesWholeTable(t *testing.T) {
	t.Parallel()
	s := newTestFileStore(t)
	ctx := context.Background()

	weather := domain.SessionIdentity{ThreadID: "weatherAgent-thread-1", ResourceID: "user-1"}
	clinic := domain.SessionIdentity{ThreadID: "clinicAgent-thread-2", ResourceID: "user-2"}
	require.NoError(t, s.Set(ctx, "weatherAgent", weather))
	require.NoError(t, s.Set(ctx, "clinicAgent", clinic))

	got, ok := s.Get(ctx, "weatherAgent")
	require.True(t, ok)
	assert.Equal(t, weather, got)

	raw, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	var onDisk map[string]map[string]string
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Equal(t, map[string]map[string]string{
		"weatherAgent": {"thread": "weatherAgent-thread-1", "resource": "user-1"},
		"clinicAgent":  {"thread": "clinicAgent-thread-2", "resource": "user-2"},
	}, onDisk)
}

func TestFileStore_SetIsIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestFileStore(t)
	ctx := context.Background()

	id := domain.SessionIdentity{ThreadID: "a-thread-1", ResourceID: "user-1"}
	require.NoError(t, s.Set(ctx, "a", id))
	first := s.Table()
	require.NoError(t, s.Set(ctx, "a", id))
	assert.Equal(t, first, s.Table())
}

func TestFileStore_MalformedBlobReadsAsEmpty(t *testing.T) {
	t.Parallel()
	s := newTestFileStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0600))

	_, ok := s.Get(context.Background(), "weatherAgent")
	assert.False(t, ok)

	// A write over a corrupt blob starts from an empty table.
	id := domain.SessionIdentity{ThreadID: "t", ResourceID: "r"}
	require.NoError(t, s.Set(context.Background(), "weatherAgent", id))
	assert.Equal(t, domain.IdentityTable{"weatherAgent": id}, s.Table())
}

func TestFileStore_ExpiredBlobReadsAsAbsent(t *testing.T) {
	t.Parallel()
	s := newTestFileStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", domain.SessionIdentity{ThreadID: "t", ResourceID: "r"}))
	old := time.Now().Add(-8 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(s.Path(), old, old))

	_, ok := s.Get(ctx, "a")
	assert.False(t, ok)
}

func TestFileStore_ResetAll(t *testing.T) {
	t.Parallel()
	s := newTestFileStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "weatherAgent", domain.SessionIdentity{ThreadID: "t", ResourceID: "r"}))
	agents := []string{"weatherAgent", "clinicAgent"}
	require.NoError(t, s.ResetAll(ctx, agents))
	require.NoError(t, s.ResetAll(ctx, agents))

	assert.Equal(t, domain.EmptyTable(agents), s.Table())
	got, ok := s.Get(ctx, "weatherAgent")
	assert.True(t, ok)
	assert.False(t, got.Valid())
}

func TestFileStore_Claim(t *testing.T) {
	t.Parallel()
	s := newTestFileStore(t)
	ctx := context.Background()

	first := domain.SessionIdentity{ThreadID: "a-thread-1", ResourceID: "user-1"}
	second := domain.SessionIdentity{ThreadID: "a-thread-2", ResourceID: "user-2"}

	won, err := s.Claim(ctx, "a", first)
	require.NoError(t, err)
	assert.Equal(t, first, won)

	won, err = s.Claim(ctx, "a", second)
	require.NoError(t, err)
	assert.Equal(t, first, won, "valid identity must not be replaced")

	require.NoError(t, s.ResetAll(ctx, []string{"a"}))
	won, err = s.Claim(ctx, "a", second)
	require.NoError(t, err)
	assert.Equal(t, second, won)
}

func TestFileStore_TwoStoresSameBlobKeepBothAgents(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), DefaultBlobName)
	a, err := NewFileStore(path, DefaultTTL, nil)
	require.NoError(t, err)
	b, err := NewFileStore(path, DefaultTTL, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "weatherAgent", domain.SessionIdentity{ThreadID: "w", ResourceID: "u1"}))
	require.NoError(t, b.Set(ctx, "clinicAgent", domain.SessionIdentity{ThreadID: "c", ResourceID: "u2"}))

	assert.Len(t, a.Table(), 2)
}
