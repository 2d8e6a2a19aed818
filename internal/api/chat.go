package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/agentchat/internal/chat"
	"github.com/ashureev/agentchat/internal/identity"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (64KB).
const defaultMaxRequestBodySize = 64 << 10

// RateLimiter implements a per-device rate limiter.
// The key is the device ID only, not device:session, so clients cannot
// bypass throttling by rotating tab session IDs.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	stop     chan struct{}
	once     sync.Once
}

// NewRateLimiter creates a new rate limiter and starts the background eviction goroutine.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		stop:     make(chan struct{}),
	}
	rl.startEviction()
	return rl
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Close stops the eviction goroutine.
func (r *RateLimiter) Close() {
	r.once.Do(func() { close(r.stop) })
}

// startEviction runs a background goroutine that periodically removes expired
// keys from the requests map, preventing unbounded memory growth.
func (r *RateLimiter) startEviction() {
	go func() {
		ticker := time.NewTicker(r.window)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
			}
			r.mu.Lock()
			cutoff := time.Now().Add(-r.window)
			for key, times := range r.requests {
				var fresh []time.Time
				for _, t := range times {
					if t.After(cutoff) {
						fresh = append(fresh, t)
					}
				}
				if len(fresh) == 0 {
					delete(r.requests, key)
				} else {
					r.requests[key] = fresh
				}
			}
			r.mu.Unlock()
		}
	}()
}

// ChatHandler serves the request/response chat endpoints.
type ChatHandler struct {
	*Handler
	limiter     *RateLimiter
	sendTimeout time.Duration
}

// NewChatHandler creates a chat handler. Sends are bounded by sendTimeout
// and survive client disconnects.
func NewChatHandler(base *Handler, limiter *RateLimiter, sendTimeout time.Duration) *ChatHandler {
	if sendTimeout <= 0 {
		sendTimeout = 2 * time.Minute
	}
	return &ChatHandler{Handler: base, limiter: limiter, sendTimeout: sendTimeout}
}

// RegisterRoutes registers chat routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/agents", h.ListAgents)
		r.Route("/chat", func(r chi.Router) {
			r.Post("/select", h.Select)
			r.Get("/{agentId}/messages", h.Messages)
			r.Post("/send", h.Send)
			r.Post("/reset", h.Reset)
		})
	})
}

type selectRequest struct {
	AgentID string `json:"agent_id"`
}

type sendRequest struct {
	Message string `json:"message"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// ListAgents returns the catalogue with the state of every agent.
func (h *ChatHandler) ListAgents(w http.ResponseWriter, r *http.Request) {
	ctrl, err := h.controller(r.Context())
	if err != nil {
		writeControllerError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"current": ctrl.Current(),
		"agents":  ctrl.Views(),
	})
}

// Select makes the requested agent current and returns its view.
func (h *ChatHandler) Select(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ctrl, err := h.controller(r.Context())
	if err != nil {
		writeControllerError(w, err)
		return
	}
	if err := ctrl.Select(r.Context(), req.AgentID); err != nil {
		if !errors.Is(err, chat.ErrUnknownAgent) {
			h.logger.Warn("Agent selection failed", "agent_id", req.AgentID, "error", err)
		}
		writeControllerError(w, err)
		return
	}
	view, err := ctrl.Snapshot(req.AgentID)
	if err != nil {
		writeControllerError(w, err)
		return
	}
	JSON(w, http.StatusOK, view)
}

// Messages returns the merged messages and state of one agent.
func (h *ChatHandler) Messages(w http.ResponseWriter, r *http.Request) {
	ctrl, err := h.controller(r.Context())
	if err != nil {
		writeControllerError(w, err)
		return
	}
	view, err := ctrl.Snapshot(chi.URLParam(r, "agentId"))
	if err != nil {
		writeControllerError(w, err)
		return
	}
	JSON(w, http.StatusOK, view)
}

// Send posts a message to the current agent and returns that agent's view
// once the reply, or the error placeholder, has been recorded.
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	deviceID := identity.DeviceIDFromContext(r.Context())
	if h.limiter != nil && !h.limiter.Allow(deviceID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req sendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ctrl, err := h.controller(r.Context())
	if err != nil {
		writeControllerError(w, err)
		return
	}

	agentID := ctrl.Current()
	h.logger.Info("Chat send request",
		"device_id", deviceID,
		"session_id", identity.SessionIDFromContext(r.Context()),
		"agent_id", agentID,
		"message_length", len(req.Message),
		"ip", identity.IPFromRequest(r),
		"request_id", chiMiddleware.GetReqID(r.Context()),
	)

	// The reply belongs to the conversation even if the client goes away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.sendTimeout)
	defer cancel()
	if err := ctrl.Send(ctx, req.Message); err != nil {
		writeControllerError(w, err)
		return
	}

	view, err := ctrl.Snapshot(agentID)
	if err != nil {
		writeControllerError(w, err)
		return
	}
	JSON(w, http.StatusOK, view)
}

// Reset clears every identity and conversation of the client session.
func (h *ChatHandler) Reset(w http.ResponseWriter, r *http.Request) {
	ctrl, err := h.controller(r.Context())
	if err != nil {
		writeControllerError(w, err)
		return
	}
	if err := ctrl.Reset(r.Context()); err != nil {
		slog.Error("Failed to reset conversations", "error", err,
			"device_id", identity.DeviceIDFromContext(r.Context()))
		writeControllerError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"current": ctrl.Current(),
		"agents":  ctrl.Views(),
	})
}
