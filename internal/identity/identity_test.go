package identity

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/agentchat/internal/store"
)

func TestGenerator_FormatAndMonotonic(t *testing.T) {
	t.Parallel()
	fixed := time.UnixMilli(1700000000000)
	g := NewGenerator(func() time.Time { return fixed })

	first := g.New("weatherAgent")
	assert.Equal(t, "weatherAgent-thread-1700000000000", first.ThreadID)
	assert.Equal(t, "user-1700000000000", first.ResourceID)
	assert.True(t, first.Valid())

	second := g.New("weatherAgent")
	assert.NotEqual(t, first, second)
	assert.Equal(t, "weatherAgent-thread-1700000000001", second.ThreadID)
}

func TestGenerator_ConcurrentUnique(t *testing.T) {
	t.Parallel()
	g := NewGenerator(nil)

	var mu sync.Mutex
	seen := map[string]bool{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := g.New("a")
			mu.Lock()
			seen[id.ThreadID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 50)
}

func TestSanitizeSessionID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{"", DefaultSessionIDValue},
		{"  tab-1  ", "tab-1"},
		{"bad id with spaces", DefaultSessionIDValue},
		{strings.Repeat("a", 129), DefaultSessionIDValue},
		{"tab:1.2_3", "tab:1.2_3"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeSessionID(tt.in), "input %q", tt.in)
	}
}

func TestMiddleware_MintsAndReusesDeviceCookie(t *testing.T) {
	t.Parallel()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	var gotDevice, gotSession string
	h := Middleware(repo, DefaultTTL, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDevice = DeviceIDFromContext(r.Context())
		gotSession = SessionIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	req.Header.Set(SessionHeaderName, "tab-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, isValidDeviceID(gotDevice))
	assert.Equal(t, "tab-1", gotSession)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, DeviceCookieName, cookies[0].Name)
	assert.Equal(t, int(DefaultTTL.Seconds()), cookies[0].MaxAge)

	device, err := repo.GetDevice(req.Context(), gotDevice)
	require.NoError(t, err)
	require.NotNil(t, device)

	first := gotDevice
	req = httptest.NewRequest(http.MethodGet, "/api/agents?session_id=tab-2", nil)
	req.AddCookie(cookies[0])
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, first, gotDevice)
	assert.Equal(t, "tab-2", gotSession)
}
