package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/agentchat/internal/catalog"
	"github.com/ashureev/agentchat/internal/chat"
	"github.com/ashureev/agentchat/internal/domain"
)

type mapStore struct {
	mu    sync.Mutex
	table domain.IdentityTable
}

func (m *mapStore) Get(_ context.Context, agentID string) (domain.SessionIdentity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.table[agentID]
	return id, ok
}

func (m *mapStore) Set(_ context.Context, agentID string, id domain.SessionIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table[agentID] = id
	return nil
}

func (m *mapStore) ResetAll(_ context.Context, agentIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table = domain.EmptyTable(agentIDs)
	return nil
}

func newRegistryForTest(t *testing.T) (*Registry, *time.Time, *int) {
	t.Helper()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	built := 0
	reg := NewRegistry(func(deviceID, sessionID string) (*chat.Controller, error) {
		if deviceID == "broken" {
			return nil, errors.New("factory failed")
		}
		built++
		return chat.NewController(chat.Config{
			Agents:  catalog.Defaults(),
			Store:   &mapStore{table: domain.IdentityTable{}},
			Backend: &stubBackend{},
		})
	}, nil)
	reg.now = func() time.Time { return now }
	return reg, &now, &built
}

func TestRegistry_GetReusesController(t *testing.T) {
	reg, _, built := newRegistryForTest(t)

	a, err := reg.Get("dev", "tab-1")
	require.NoError(t, err)
	b, err := reg.Get("dev", "tab-1")
	require.NoError(t, err)
	c, err := reg.Get("dev", "tab-2")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, 2, *built)
	assert.Equal(t, 2, reg.Len())
}

func TestRegistry_FactoryError(t *testing.T) {
	reg, _, _ := newRegistryForTest(t)

	_, err := reg.Get("broken", "tab")
	require.Error(t, err)
	assert.Equal(t, 0, reg.Len())
	assert.Empty(t, reg.active)
}

func TestRegistry_SweepIdle(t *testing.T) {
	reg, now, _ := newRegistryForTest(t)

	_, err := reg.Get("dev-a", "old")
	require.NoError(t, err)
	*now = now.Add(20 * time.Minute)
	_, err = reg.Get("dev-b", "fresh")
	require.NoError(t, err)

	*now = now.Add(15 * time.Minute)
	assert.Equal(t, 1, reg.SweepIdle(30*time.Minute))
	assert.Equal(t, 1, reg.Len())
	_, ok := reg.active["dev-a"]
	assert.False(t, ok, "empty device bucket should be removed")

	assert.Equal(t, 0, reg.SweepIdle(30*time.Minute))
}

// blockingConn is a stream connection whose Close waits for release.
type blockingConn struct {
	closing chan struct{}
	release chan struct{}
	code    websocket.StatusCode
}

func newBlockingConn() *blockingConn {
	return &blockingConn{closing: make(chan struct{}), release: make(chan struct{})}
}

func (c *blockingConn) Close(code websocket.StatusCode, _ string) error {
	c.code = code
	close(c.closing)
	<-c.release
	return nil
}

func TestRegistry_AttachClosesReplacedConnWithoutBlocking(t *testing.T) {
	reg, _, _ := newRegistryForTest(t)

	old := newBlockingConn()
	ctrl, err := reg.Attach("dev", "tab", old)
	require.NoError(t, err)

	attached := make(chan *chat.Controller, 1)
	go func() {
		c, err := reg.Attach("dev", "tab", newBlockingConn())
		assert.NoError(t, err)
		attached <- c
	}()
	<-old.closing

	got := make(chan error, 1)
	go func() {
		_, err := reg.Get("dev", "other-tab")
		got <- err
	}()
	select {
	case err := <-got:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("registry stayed locked while the replaced connection was closing")
	}

	close(old.release)
	assert.Same(t, ctrl, <-attached)
	assert.Equal(t, websocket.StatusNormalClosure, old.code)
}

func TestRegistry_CloseAllClosesOutsideLock(t *testing.T) {
	reg, _, _ := newRegistryForTest(t)
	conn := newBlockingConn()
	_, err := reg.Attach("dev", "tab", conn)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		reg.CloseAll()
	}()
	<-conn.closing

	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, 1, reg.SweepIdle(-time.Second), "closed session no longer counts as attached")

	close(conn.release)
	<-done
	assert.Equal(t, websocket.StatusGoingAway, conn.code)
}

type fakeCleaner struct {
	calls int
	ttl   time.Duration
	err   error
}

func (f *fakeCleaner) CleanupExpiredIdentities(_ context.Context, ttl time.Duration) (int64, error) {
	f.calls++
	f.ttl = ttl
	return 3, f.err
}

func TestSweepExpired(t *testing.T) {
	reg, now, _ := newRegistryForTest(t)
	_, err := reg.Get("dev", "tab")
	require.NoError(t, err)
	*now = now.Add(time.Hour)

	cleaner := &fakeCleaner{}
	sweepExpired(context.Background(), reg, cleaner, 30*time.Minute, 48*time.Hour)

	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, 1, cleaner.calls)
	assert.Equal(t, 48*time.Hour, cleaner.ttl)

	cleaner.err = errors.New("db locked")
	sweepExpired(context.Background(), reg, cleaner, 30*time.Minute, 48*time.Hour)
	assert.Equal(t, 2, cleaner.calls)

	sweepExpired(context.Background(), reg, nil, 30*time.Minute, 48*time.Hour)
}

func TestStartTTLWorker_StopsOnCancel(t *testing.T) {
	reg, _, _ := newRegistryForTest(t)
	cleaner := &fakeCleaner{}
	ctx, cancel := context.WithCancel(context.Background())
	startTTLWorker(ctx, reg, cleaner, time.Minute, time.Hour, time.Hour)
	cancel()
	assert.Equal(t, 0, cleaner.calls)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Close()

	assert.True(t, rl.Allow("dev-a"))
	assert.True(t, rl.Allow("dev-a"))
	assert.False(t, rl.Allow("dev-a"))
	assert.True(t, rl.Allow("dev-b"), "limits are per device")

	rl.Close()
	rl.Close()
}

func TestRateLimiter_WindowExpires(t *testing.T) {
	rl := NewRateLimiter(1, 50*time.Millisecond)
	defer rl.Close()

	assert.True(t, rl.Allow("dev"))
	assert.False(t, rl.Allow("dev"))
	assert.Eventually(t, func() bool { return rl.Allow("dev") }, time.Second, 10*time.Millisecond)
}
