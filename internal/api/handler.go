// Package api provides HTTP handlers for the agent chat API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/agentchat/internal/chat"
	"github.com/ashureev/agentchat/internal/domain"
	"github.com/ashureev/agentchat/internal/identity"
)

// Handler provides common handler utilities.
type Handler struct {
	registry *Registry
	agents   []domain.AgentDescriptor
	logger   *slog.Logger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(registry *Registry, agents []domain.AgentDescriptor, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry: registry,
		agents:   agents,
		logger:   logger,
	}
}

// controller returns the controller of the requesting client session. A new
// session starts on the first catalogue agent.
func (h *Handler) controller(ctx context.Context) (*chat.Controller, error) {
	deviceID := identity.DeviceIDFromContext(ctx)
	if deviceID == "" {
		return nil, errUnidentified
	}
	ctrl, err := h.registry.Get(deviceID, identity.SessionIDFromContext(ctx))
	if err != nil {
		return nil, err
	}
	if ctrl.Current() == "" && len(h.agents) > 0 {
		if err := ctrl.Select(ctx, h.agents[0].ID); err != nil {
			return nil, err
		}
	}
	return ctrl, nil
}

var errUnidentified = errors.New("missing device identity")

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// writeControllerError maps controller errors onto HTTP statuses.
func writeControllerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errUnidentified):
		Error(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, chat.ErrUnknownAgent):
		Error(w, http.StatusNotFound, "unknown agent")
	case errors.Is(err, chat.ErrNoAgent):
		Error(w, http.StatusConflict, "no agent selected")
	case errors.Is(err, chat.ErrBusy):
		Error(w, http.StatusConflict, "reply in progress")
	default:
		Error(w, http.StatusInternalServerError, "internal error")
	}
}
