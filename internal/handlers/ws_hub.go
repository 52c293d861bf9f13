package handlers

import (
	"sync"

	"github.com/gorilla/websocket"
)

type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	sessionID string
	clientID  string
	closeOnce sync.Once
}

func (c *wsClient) trySend(payload []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *wsClient) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// WSHub tracks the sockets attached to each call session. A session may be watched by
// several sockets, e.g. the call screen and a reconnecting copy of it.
type WSHub struct {
	mu       sync.Mutex
	sessions map[string]map[string]*wsClient // sessionID -> clientID -> client
}

func NewWSHub() *WSHub {
	return &WSHub{
		sessions: make(map[string]map[string]*wsClient),
	}
}

func (h *WSHub) Add(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.sessions[client.sessionID]
	if !ok {
		clients = make(map[string]*wsClient)
		h.sessions[client.sessionID] = clients
	}
	clients[client.clientID] = client
}

func (h *WSHub) Remove(sessionID, clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.sessions[sessionID]
	if !ok {
		return
	}

	if client, exists := clients[clientID]; exists {
		client.closeSend()
	}
	delete(clients, clientID)
	if len(clients) == 0 {
		delete(h.sessions, sessionID)
	}
}

func (h *WSHub) Count(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[sessionID])
}

func (h *WSHub) Broadcast(sessionID string, payload []byte) {
	h.mu.Lock()
	var clients []*wsClient
	if attached, ok := h.sessions[sessionID]; ok {
		clients = make([]*wsClient, 0, len(attached))
		for _, client := range attached {
			clients = append(clients, client)
		}
	}
	h.mu.Unlock()

	for _, client := range clients {
		if !client.trySend(payload) && client.conn != nil {
			_ = client.conn.Close()
		}
	}
}

// CloseSession detaches every socket of the session. Queued messages are still flushed by
// the write pumps before the connections close.
func (h *WSHub) CloseSession(sessionID string) {
	h.mu.Lock()
	clients, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, sessionID)
	h.mu.Unlock()

	for _, client := range clients {
		client.closeSend()
	}
}
