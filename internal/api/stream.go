package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/agentchat/internal/chat"
	"github.com/ashureev/agentchat/internal/identity"
)

const wsWriteTimeout = 10 * time.Second

// StreamHandler serves the websocket chat endpoint. Submissions use the
// streaming generation path and every controller change is pushed back as a
// snapshot of the affected agent.
type StreamHandler struct {
	*Handler
	limiter       *RateLimiter
	allowedOrigin string
	isDev         bool
	streamTimeout time.Duration
}

// NewStreamHandler creates a websocket handler.
func NewStreamHandler(base *Handler, limiter *RateLimiter, allowedOrigin string, isDev bool, streamTimeout time.Duration) *StreamHandler {
	if streamTimeout <= 0 {
		streamTimeout = 2 * time.Minute
	}
	return &StreamHandler{
		Handler:       base,
		limiter:       limiter,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		streamTimeout: streamTimeout,
	}
}

// wsMessage is a client to server frame.
type wsMessage struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id,omitempty"`
	Content string `json:"content,omitempty"`
}

// wsEvent is a server to client frame.
type wsEvent struct {
	Type  string     `json:"type"`
	View  *chat.View `json:"view,omitempty"`
	Error string     `json:"error,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deviceID := identity.DeviceIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	slog.Info("WebSocket connection request", "device_id", deviceID, "session_id", sessionID, "ip", identity.IPFromRequest(r))

	if deviceID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "device_id", deviceID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "device_id", deviceID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if _, err := h.registry.Attach(deviceID, sessionID, ws); err != nil {
		slog.Error("Failed to attach chat stream", "error", err, "device_id", deviceID)
		return
	}
	defer h.registry.Detach(deviceID, sessionID, ws)

	ctrl, err := h.controller(ctx)
	if err != nil {
		h.writeEvent(ctx, ws, wsEvent{Type: "error", Error: err.Error()})
		return
	}

	events, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()

	h.pushSnapshot(ctx, ws, ctrl, ctrl.Current())

	var wg sync.WaitGroup
	wg.Add(2)

	// Input loop: websocket -> controller.
	go func() {
		defer wg.Done()
		defer cancel()
		h.inputLoop(ctx, ws, ctrl, deviceID)
	}()

	// Output loop: controller events -> websocket.
	go func() {
		defer wg.Done()
		defer cancel()
		h.outputLoop(ctx, ws, ctrl, events)
	}()

	wg.Wait()
	slog.Info("Chat stream ended", "device_id", deviceID, "session_id", sessionID)
}

func (h *StreamHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || h.allowedOrigin == "" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *StreamHandler) inputLoop(ctx context.Context, ws *websocket.Conn, ctrl *chat.Controller, deviceID string) {
	for {
		var msg wsMessage
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				slog.Debug("WebSocket closed by client", "device_id", deviceID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "device_id", deviceID)
			}
			return
		}

		switch msg.Type {
		case "select":
			if err := ctrl.Select(ctx, msg.AgentID); err != nil {
				h.writeEvent(ctx, ws, wsEvent{Type: "error", Error: err.Error()})
			}
		case "input":
			ctrl.SetInput(msg.Content)
		case "submit":
			if h.limiter != nil && !h.limiter.Allow(deviceID) {
				h.writeEvent(ctx, ws, wsEvent{Type: "error", Error: "rate limit exceeded"})
				continue
			}
			text := msg.Content
			if text == "" {
				text = ctrl.Input()
			}
			// Streams outlive the socket so that the reply is still recorded.
			go func() {
				sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.streamTimeout)
				defer cancel()
				if err := ctrl.Stream(sctx, text); err != nil {
					h.writeEvent(ctx, ws, wsEvent{Type: "error", Error: err.Error()})
				}
			}()
		case "reset":
			if err := ctrl.Reset(ctx); err != nil {
				slog.Error("Failed to reset conversations", "error", err, "device_id", deviceID)
				h.writeEvent(ctx, ws, wsEvent{Type: "error", Error: "reset failed"})
			}
		case "ping":
			h.writeEvent(ctx, ws, wsEvent{Type: "pong"})
		default:
			h.writeEvent(ctx, ws, wsEvent{Type: "error", Error: "unknown message type"})
		}
	}
}

func (h *StreamHandler) outputLoop(ctx context.Context, ws *websocket.Conn, ctrl *chat.Controller, events <-chan chat.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			agentID := ev.AgentID
			if ev.Kind == chat.EventReset || agentID == "" {
				agentID = ctrl.Current()
			}
			if !h.pushSnapshot(ctx, ws, ctrl, agentID) {
				return
			}
		}
	}
}

func (h *StreamHandler) pushSnapshot(ctx context.Context, ws *websocket.Conn, ctrl *chat.Controller, agentID string) bool {
	if agentID == "" {
		return true
	}
	view, err := ctrl.Snapshot(agentID)
	if err != nil {
		return true
	}
	return h.writeEvent(ctx, ws, wsEvent{Type: "snapshot", View: &view})
}

func (h *StreamHandler) writeEvent(ctx context.Context, ws *websocket.Conn, ev wsEvent) bool {
	if ctx.Err() != nil {
		return false
	}
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, ws, ev); err != nil {
		slog.Debug("WebSocket write error", "error", err, "type", ev.Type)
		return false
	}
	return true
}
