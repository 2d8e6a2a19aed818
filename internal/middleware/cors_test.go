package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	tests := []struct {
		name        string
		allowed     []string
		origin      string
		method      string
		wantCode    int
		wantOrigin  string
		wantCreds   string
		wantHeaders string
	}{
		{
			name:        "explicit origin gets credentials",
			allowed:     []string{"https://chat.example.com"},
			origin:      "https://chat.example.com",
			method:      http.MethodGet,
			wantCode:    http.StatusTeapot,
			wantOrigin:  "https://chat.example.com",
			wantCreds:   "true",
			wantHeaders: "Content-Type, X-Chat-Session-ID",
		},
		{
			name:        "wildcard echoes origin without credentials",
			allowed:     []string{"*"},
			origin:      "https://other.example.com",
			method:      http.MethodPost,
			wantCode:    http.StatusTeapot,
			wantOrigin:  "https://other.example.com",
			wantHeaders: "Content-Type, X-Chat-Session-ID",
		},
		{
			name:        "configured origin with trailing slash",
			allowed:     []string{"https://chat.example.com/"},
			origin:      "https://chat.example.com",
			method:      http.MethodGet,
			wantCode:    http.StatusTeapot,
			wantOrigin:  "https://chat.example.com",
			wantCreds:   "true",
			wantHeaders: "Content-Type, X-Chat-Session-ID",
		},
		{
			name:     "same-origin request without Origin header",
			allowed:  []string{"*"},
			method:   http.MethodGet,
			wantCode: http.StatusTeapot,
		},
		{
			name:     "unknown origin",
			allowed:  []string{"https://chat.example.com"},
			origin:   "https://evil.example.com",
			method:   http.MethodGet,
			wantCode: http.StatusTeapot,
		},
		{
			name:        "preflight short-circuits",
			allowed:     []string{"*"},
			origin:      "https://chat.example.com",
			method:      http.MethodOptions,
			wantCode:    http.StatusNoContent,
			wantOrigin:  "https://chat.example.com",
			wantHeaders: "Content-Type, X-Chat-Session-ID",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/agents", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()

			CORS(tt.allowed)(next).ServeHTTP(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantCreds, w.Header().Get("Access-Control-Allow-Credentials"))
			assert.Equal(t, tt.wantHeaders, w.Header().Get("Access-Control-Allow-Headers"))
			assert.Equal(t, "Origin", w.Header().Get("Vary"))
		})
	}
}
