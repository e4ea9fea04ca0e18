package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is one connected websocket peer bound to a session.
type Client struct {
	ID          string
	SessionID   string
	Conn        *websocket.Conn
	IPAddress   string
	ConnectedAt time.Time
	Limiter     *TurnLimiter

	writeMu      sync.Mutex
	mu           sync.Mutex
	lastActivity time.Time
}

// Touch records client activity.
func (c *Client) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// LastActivity returns the time of the last client message.
func (c *Client) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// ClientInfo describes a client for health output.
type ClientInfo struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	IPAddress    string    `json:"ip_address"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	Idle         bool      `json:"idle"`
}

// ClientRegistry tracks connected websocket clients.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewClientRegistry creates an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Client),
	}
}

// Add registers a client.
func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[client.ID] = client
}

// Remove unregisters a client.
func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.clients, clientID)
}

// Get retrieves a client by ID
func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, exists := r.clients[clientID]
	return client, exists
}

// GetAll returns all clients
func (r *ClientRegistry) GetAll() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	return clients
}

// Count returns the number of connected clients
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.clients)
}

// Infos describes every client. Clients silent for longer than idleAfter are
// flagged idle.
func (r *ClientRegistry) Infos(idleAfter time.Duration) []ClientInfo {
	clients := r.GetAll()
	now := time.Now()

	infos := make([]ClientInfo, 0, len(clients))
	for _, c := range clients {
		last := c.LastActivity()
		infos = append(infos, ClientInfo{
			ID:           c.ID,
			SessionID:    c.SessionID,
			IPAddress:    c.IPAddress,
			ConnectedAt:  c.ConnectedAt,
			LastActivity: last,
			Idle:         now.Sub(last) > idleAfter,
		})
	}
	return infos
}
