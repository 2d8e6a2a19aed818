package api

import (
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/agentchat/internal/chat"
)

// ControllerFactory builds the controller of a new client session.
type ControllerFactory func(deviceID, sessionID string) (*chat.Controller, error)

// StreamConn is the connection a client session streams to.
// *websocket.Conn implements it.
type StreamConn interface {
	Close(code websocket.StatusCode, reason string) error
}

type clientSession struct {
	ctrl     *chat.Controller
	conn     StreamConn
	lastUsed time.Time
}

// Registry holds one controller per device and tab session.
type Registry struct {
	mu      sync.Mutex
	active  map[string]map[string]*clientSession
	factory ControllerFactory
	now     func() time.Time
	logger  *slog.Logger
}

// NewRegistry creates a registry that builds controllers with factory.
func NewRegistry(factory ControllerFactory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		active:  make(map[string]map[string]*clientSession),
		factory: factory,
		now:     time.Now,
		logger:  logger,
	}
}

// Get returns the controller for deviceID and sessionID, creating it on first use.
func (r *Registry) Get(deviceID, sessionID string) (*chat.Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, err := r.lookupLocked(deviceID, sessionID)
	if err != nil {
		return nil, err
	}
	return cs.ctrl, nil
}

func (r *Registry) lookupLocked(deviceID, sessionID string) (*clientSession, error) {
	sessions, ok := r.active[deviceID]
	if !ok {
		sessions = make(map[string]*clientSession)
		r.active[deviceID] = sessions
	}
	cs, ok := sessions[sessionID]
	if !ok {
		ctrl, err := r.factory(deviceID, sessionID)
		if err != nil {
			if len(sessions) == 0 {
				delete(r.active, deviceID)
			}
			return nil, err
		}
		cs = &clientSession{ctrl: ctrl}
		sessions[sessionID] = cs
		r.logger.Info("Client session created", "device_id", deviceID, "session_id", sessionID)
	}
	cs.lastUsed = r.now()
	return cs, nil
}

// Attach binds conn to the client session, closing any connection it replaces.
// The replaced connection is closed after the registry lock is released.
func (r *Registry) Attach(deviceID, sessionID string, conn StreamConn) (*chat.Controller, error) {
	r.mu.Lock()
	cs, err := r.lookupLocked(deviceID, sessionID)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	replaced := cs.conn
	cs.conn = conn
	ctrl := cs.ctrl
	r.mu.Unlock()

	if replaced != nil && replaced != conn {
		_ = replaced.Close(websocket.StatusNormalClosure, "session replaced")
	}
	r.logger.Info("Chat stream attached", "device_id", deviceID, "session_id", sessionID)
	return ctrl, nil
}

// Detach unbinds conn if it is still the session's connection.
func (r *Registry) Detach(deviceID, sessionID string, conn StreamConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cs, ok := r.active[deviceID][sessionID]; ok && cs.conn == conn {
		cs.conn = nil
		cs.lastUsed = r.now()
		r.logger.Info("Chat stream detached", "device_id", deviceID, "session_id", sessionID)
	}
}

// SweepIdle drops client sessions without a connection that have not been
// used for longer than ttl, and returns how many were dropped.
func (r *Registry) SweepIdle(ttl time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-ttl)
	dropped := 0
	for deviceID, sessions := range r.active {
		for sessionID, cs := range sessions {
			if cs.conn == nil && cs.lastUsed.Before(cutoff) {
				delete(sessions, sessionID)
				dropped++
			}
		}
		if len(sessions) == 0 {
			delete(r.active, deviceID)
		}
	}
	return dropped
}

// Len returns the number of live client sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, sessions := range r.active {
		n += len(sessions)
	}
	return n
}

// CloseAll closes every attached connection.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	var conns []StreamConn
	for deviceID, sessions := range r.active {
		for sessionID, cs := range sessions {
			if cs.conn != nil {
				conns = append(conns, cs.conn)
				cs.conn = nil
				r.logger.Info("Chat stream closed", "device_id", deviceID, "session_id", sessionID)
			}
		}
	}
	r.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
