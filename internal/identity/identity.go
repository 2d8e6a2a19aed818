// Package identity owns who is talking and under which conversation address:
// the anonymous per-device cookie and tab session of an HTTP client, and the
// per-agent session identity store.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/agentchat/internal/domain"
	"github.com/ashureev/agentchat/internal/store"
)

const (
	DeviceCookieName      = "agentchat_device"
	SessionHeaderName     = "X-Chat-Session-ID"
	DefaultSessionIDValue = "default"
)

type contextKey int

const (
	deviceIDKey contextKey = iota
	sessionIDKey
)

var (
	deviceIDPattern  = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// DeviceIDFromContext extracts the device ID from the request context.
func DeviceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(deviceIDKey).(string); ok {
		return v
	}
	return ""
}

// SessionIDFromContext extracts the tab session ID from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return DefaultSessionIDValue
}

// WithClient returns ctx carrying deviceID and sessionID, as the middleware does.
func WithClient(ctx context.Context, deviceID, sessionID string) context.Context {
	ctx = context.WithValue(ctx, deviceIDKey, deviceID)
	return context.WithValue(ctx, sessionIDKey, sanitizeSessionID(sessionID))
}

func generateDeviceID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate device id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func isValidDeviceID(id string) bool {
	return deviceIDPattern.MatchString(id)
}

func sanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !sessionIDPattern.MatchString(id) {
		return DefaultSessionIDValue
	}
	return id
}

func deriveLabel(deviceID string) string {
	if len(deviceID) > 13 {
		return "anon-" + deviceID[len(deviceID)-8:]
	}
	return "anon-device"
}

func ensureDevice(ctx context.Context, repo store.Repository, deviceID string) error {
	device, err := repo.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	now := time.Now()
	if device != nil {
		return repo.UpdateLastSeen(ctx, deviceID, now)
	}

	return repo.UpsertDevice(ctx, &domain.Device{
		DeviceID:   deviceID,
		Label:      deriveLabel(deviceID),
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
}

// getOrCreateDeviceID returns the device cookie value, minting one when the
// cookie is missing or malformed. The cookie is refreshed with maxAge on
// every request.
func getOrCreateDeviceID(w http.ResponseWriter, r *http.Request, maxAge time.Duration, isDev bool) (string, error) {
	id := ""
	if c, err := r.Cookie(DeviceCookieName); err == nil && isValidDeviceID(c.Value) {
		id = c.Value
	} else {
		generated, err := generateDeviceID()
		if err != nil {
			return "", err
		}
		id = generated
	}

	http.SetCookie(w, &http.Cookie{
		Name:     DeviceCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		Expires:  time.Now().Add(maxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
	return id, nil
}

func sessionIDFromRequest(r *http.Request) string {
	sid := r.Header.Get(SessionHeaderName)
	if sid == "" {
		sid = r.URL.Query().Get("session_id")
	}
	return sanitizeSessionID(sid)
}

// Middleware injects the anonymous device identity and per-tab session ID.
func Middleware(repo store.Repository, cookieMaxAge time.Duration, isDev bool) func(http.Handler) http.Handler {
	if cookieMaxAge <= 0 {
		cookieMaxAge = DefaultTTL
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			deviceID, err := getOrCreateDeviceID(w, r, cookieMaxAge, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish device identity"}`, http.StatusInternalServerError)
				return
			}

			if err := ensureDevice(r.Context(), repo, deviceID); err != nil {
				http.Error(w, `{"error":"failed to initialize device"}`, http.StatusInternalServerError)
				return
			}

			ctx := WithClient(r.Context(), deviceID, sessionIDFromRequest(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
