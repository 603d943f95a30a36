package websocket

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ConnectionManager keeps track of every live connection so the server can
// report on them and close them on shutdown.
type ConnectionManager struct {
	clients map[string]*ClientConnection
	// key: client ID, value: ClientConnection pointer
	mu     sync.RWMutex
	logger *slog.Logger
}

// constructor for ConnectionManager
func NewConnectionManager(logger *slog.Logger) *ConnectionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionManager{
		clients: make(map[string]*ClientConnection),
		logger:  logger,
	}
}

// method to add a new connection
func (m *ConnectionManager) AddConnection(client *ClientConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[client.ID] = client
	m.logger.Debug("client_added",
		"client_id", client.ID,
		"active", len(m.clients),
	)
}

// method to remove a connection
func (m *ConnectionManager) RemoveConnection(client *ClientConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, client.ID)
	m.logger.Debug("client_removed",
		"client_id", client.ID,
		"active", len(m.clients),
	)
}

// Count returns the number of live connections.
func (m *ConnectionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// GoingAwayAll sends a close frame to every client; their receive loops end
// once the peer answers. All writes share one deadline, never later than ctx's.
func (m *ConnectionManager) GoingAwayAll(ctx context.Context, reason string) {
	deadline := time.Now().Add(WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	// snapshot so a stalled peer never holds the lock
	m.mu.RLock()
	clients := make([]*ClientConnection, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	for _, c := range clients {
		if ctx.Err() != nil {
			return
		}
		if err := c.GoingAway(reason, deadline); err != nil {
			m.logger.Warn("failed_to_send_close",
				"client_id", c.ID,
				"error", err.Error(),
			)
		}
	}
}

// method to close all connections
func (m *ConnectionManager) CloseAllConnections() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, client := range m.clients {
		client.Close()
		m.logger.Info("client_connection_closed",
			"client_id", id,
		)
	}
	m.clients = make(map[string]*ClientConnection)
}
