package chat

import (
	"sync"

	"github.com/rs/zerolog"
)

// OutgoingBuffer is the number of frames queued per client before
// broadcasts to it are skipped.
const OutgoingBuffer = 16

// Client is one socket subscribed to a chat.
type Client struct {
	Conn     Conn
	ChatID   string
	UserID   string
	Outgoing chan []byte
}

// NewClient creates a Client with a buffered outgoing queue.
func NewClient(conn Conn, chatID, userID string) *Client {
	return &Client{
		Conn:     conn,
		ChatID:   chatID,
		UserID:   userID,
		Outgoing: make(chan []byte, OutgoingBuffer),
	}
}

// Hub tracks connected clients by chat and fans frames out to them.
type Hub struct {
	rooms  map[string]map[*Client]bool
	mu     sync.RWMutex
	logger zerolog.Logger
}

// NewHub creates a new Hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		rooms:  make(map[string]map[*Client]bool),
		logger: logger,
	}
}

// Register adds a client to its chat's room.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[client.ChatID]
	if !ok {
		room = make(map[*Client]bool)
		h.rooms[client.ChatID] = room
	}
	room[client] = true
}

// Unregister removes a client. After it returns, Broadcast no longer
// sends to client.Outgoing, so the caller may close it.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[client.ChatID]
	delete(room, client)
	if len(room) == 0 {
		delete(h.rooms, client.ChatID)
	}
}

// ClientCount returns number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, room := range h.rooms {
		n += len(room)
	}
	return n
}

// RoomSize returns the number of clients watching chatID.
func (h *Hub) RoomSize(chatID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[chatID])
}

// Broadcast queues data for every client of chatID except sender, which
// may be nil. Clients whose queue is full are skipped. It returns the
// number of clients reached.
func (h *Hub) Broadcast(chatID string, data []byte, sender *Client) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for client := range h.rooms[chatID] {
		if client == sender {
			continue
		}
		select {
		case client.Outgoing <- data:
			sent++
		default:
			h.logger.Warn().
				Str("chat_id", chatID).
				Str("remote_addr", client.Conn.RemoteAddr()).
				Msg("client queue full, skipping frame")
		}
	}
	return sent
}

// CloseAll closes every registered connection.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, room := range h.rooms {
		for client := range room {
			_ = client.Conn.Close()
		}
	}
}
