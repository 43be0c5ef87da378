package gateway

import (
	"encoding/json"
	"sync"

	"github.com/halyard/halyard/internal/mcp"
	"github.com/rs/zerolog/log"
)

// SSEHub manages the SSE notification connections of a single session
type SSEHub struct {
	sessionID   string
	connections map[string]*SSEConnection
	mu          sync.RWMutex
	broadcast   chan *mcp.SSEEvent
	done        chan struct{}
	closeOnce   sync.Once
}

// SSEConnection represents a single SSE connection
type SSEConnection struct {
	ID     string
	Writer *mcp.SSEWriter
	Done   chan struct{}
}

// NewSSEHub creates a new SSE hub for a session
func NewSSEHub(sessionID string) *SSEHub {
	hub := &SSEHub{
		sessionID:   sessionID,
		connections: make(map[string]*SSEConnection),
		broadcast:   make(chan *mcp.SSEEvent, 100),
		done:        make(chan struct{}),
	}

	go hub.run()

	return hub
}

func (h *SSEHub) run() {
	for {
		select {
		case event := <-h.broadcast:
			h.mu.RLock()
			for id, conn := range h.connections {
				if err := conn.Writer.WriteEvent(event); err != nil {
					log.Error().Err(err).Str("connection", id).Msg("Failed to write SSE event")
					// Mark for removal
					go h.RemoveConnection(id)
				}
			}
			h.mu.RUnlock()
		case <-h.done:
			return
		}
	}
}

// AddConnection adds a new SSE connection
func (h *SSEHub) AddConnection(id string, writer *mcp.SSEWriter) *SSEConnection {
	conn := &SSEConnection{
		ID:     id,
		Writer: writer,
		Done:   make(chan struct{}),
	}

	h.mu.Lock()
	h.connections[id] = conn
	h.mu.Unlock()

	log.Debug().
		Str("session_id", h.sessionID).
		Str("connection_id", id).
		Msg("Added SSE connection")

	return conn
}

// RemoveConnection removes an SSE connection
func (h *SSEHub) RemoveConnection(id string) {
	h.mu.Lock()
	if conn, ok := h.connections[id]; ok {
		close(conn.Done)
		delete(h.connections, id)
	}
	h.mu.Unlock()

	log.Debug().
		Str("session_id", h.sessionID).
		Str("connection_id", id).
		Msg("Removed SSE connection")
}

// Broadcast sends an event to all connections
func (h *SSEHub) Broadcast(event *mcp.SSEEvent) {
	select {
	case h.broadcast <- event:
	default:
		log.Warn().Str("session_id", h.sessionID).Msg("Broadcast channel full, dropping event")
	}
}

// BroadcastNotification broadcasts a JSON-RPC notification
func (h *SSEHub) BroadcastNotification(notification *mcp.JSONRPCNotification) {
	data, err := json.Marshal(notification)
	if err != nil {
		return
	}
	h.Broadcast(&mcp.SSEEvent{Event: "message", Data: string(data)})
}

// Close closes the hub and all connections
func (h *SSEHub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
	})

	h.mu.Lock()
	for id, conn := range h.connections {
		close(conn.Done)
		delete(h.connections, id)
	}
	h.mu.Unlock()
}

// ConnectionCount returns the number of active connections
func (h *SSEHub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// SSEManager manages the SSE hubs of all sessions
type SSEManager struct {
	hubs map[string]*SSEHub
	mu   sync.RWMutex
}

// NewSSEManager creates a new SSE manager
func NewSSEManager() *SSEManager {
	return &SSEManager{
		hubs: make(map[string]*SSEHub),
	}
}

// GetOrCreateHub gets or creates an SSE hub for a session
func (m *SSEManager) GetOrCreateHub(sessionID string) *SSEHub {
	m.mu.RLock()
	hub, exists := m.hubs[sessionID]
	m.mu.RUnlock()

	if exists {
		return hub
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if hub, exists = m.hubs[sessionID]; exists {
		return hub
	}

	hub = NewSSEHub(sessionID)
	m.hubs[sessionID] = hub
	return hub
}

// RemoveHub removes and closes an SSE hub
func (m *SSEManager) RemoveHub(sessionID string) {
	m.mu.Lock()
	if hub, exists := m.hubs[sessionID]; exists {
		hub.Close()
		delete(m.hubs, sessionID)
	}
	m.mu.Unlock()
}

// BroadcastToSession broadcasts an event to all connections in a session
func (m *SSEManager) BroadcastToSession(sessionID string, event *mcp.SSEEvent) {
	m.mu.RLock()
	hub, exists := m.hubs[sessionID]
	m.mu.RUnlock()

	if exists {
		hub.Broadcast(event)
	}
}

// BroadcastAll sends a JSON-RPC notification to every session's connections
func (m *SSEManager) BroadcastAll(notification *mcp.JSONRPCNotification) {
	m.mu.RLock()
	hubs := make([]*SSEHub, 0, len(m.hubs))
	for _, hub := range m.hubs {
		hubs = append(hubs, hub)
	}
	m.mu.RUnlock()

	for _, hub := range hubs {
		hub.BroadcastNotification(notification)
	}
}

// NotifyToolsChanged tells every connected client that the tool catalogue
// changed, so clients re-run tools/list. Called after exposure rules are
// (re)applied or servers are registered, removed or toggled.
func (m *SSEManager) NotifyToolsChanged() {
	m.BroadcastAll(&mcp.JSONRPCNotification{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  "notifications/tools/list_changed",
	})
}

// Close closes every hub.
func (m *SSEManager) Close() {
	m.mu.Lock()
	for id, hub := range m.hubs {
		hub.Close()
		delete(m.hubs, id)
	}
	m.mu.Unlock()
}
