package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealth(t *testing.T) {
	tests := []struct {
		name     string
		ping     error
		code     int
		status   string
		database string
	}{
		{"healthy", nil, http.StatusOK, "healthy", "ok"},
		{"degraded", errors.New("disk gone"), http.StatusServiceUnavailable, "degraded", "unreachable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, _, _ := newRegistryForTest(t)
			h := NewHealthHandler(pingerFunc(func(context.Context) error { return tt.ping }), reg, 0)
			r := chi.NewRouter()
			h.RegisterHealth(r)

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
			assert.Equal(t, tt.code, w.Code)

			var body struct {
				Status         string            `json:"status"`
				Checks         map[string]string `json:"checks"`
				ClientSessions int               `json:"client_sessions"`
			}
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, tt.status, body.Status)
			assert.Equal(t, tt.database, body.Checks["database"])
			assert.Equal(t, 0, body.ClientSessions)
		})
	}
}
