// Package ws is the development server's realtime hub: per-connection
// pumps, chat rooms, and fan-out of message, presence, read and
// restoration events.
package ws

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"chatsync/internal/devserver/storage"
)

type Hub struct {
	logger *zap.SugaredLogger
	store  *storage.Store

	Register   chan *Client
	Unregister chan *Client

	mu      sync.RWMutex
	clients map[*Client]struct{}
	byUser  map[string]map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
}

func NewHub(logger *zap.SugaredLogger, store *storage.Store) *Hub {
	return &Hub{
		logger:     logger,
		store:      store,
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]struct{}),
		byUser:     make(map[string]map[*Client]struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case c := <-h.Register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			if h.byUser[c.UserID] == nil {
				h.byUser[c.UserID] = make(map[*Client]struct{})
			}
			h.byUser[c.UserID][c] = struct{}{}
			h.mu.Unlock()

		case c := <-h.Unregister:
			h.mu.Lock()
			delete(h.clients, c)
			if set := h.byUser[c.UserID]; set != nil {
				delete(set, c)
				if len(set) == 0 {
					delete(h.byUser, c.UserID)
				}
			}
			for _, room := range h.rooms {
				delete(room, c)
			}
			lastOfUser := h.byUser[c.UserID] == nil
			h.mu.Unlock()
			close(c.Send)

			if lastOfUser {
				h.broadcastAll(inPresenceChanged, presencePayload{UserID: c.UserID, Online: false})
			}
		}
	}
}

func (h *Hub) joinRoom(chatID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[chatID] == nil {
		h.rooms[chatID] = make(map[*Client]struct{})
	}
	h.rooms[chatID][c] = struct{}{}
}

func (h *Hub) inRoom(chatID string, c *Client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[chatID][c]
	return ok
}

func (h *Hub) userClients(userID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.byUser[userID]))
	for c := range h.byUser[userID] {
		out = append(out, c)
	}
	return out
}

func (h *Hub) roomClients(chatID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.rooms[chatID]))
	for c := range h.rooms[chatID] {
		out = append(out, c)
	}
	return out
}

func (h *Hub) broadcastAll(msgType string, payload interface{}) {
	data, err := marshalFrame(msgType, payload)
	if err != nil {
		h.logger.Warnw("marshaling broadcast", "type", msgType, "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.Send <- data:
		default:
		}
	}
}

func (h *Hub) sendTo(c *Client, msgType string, payload interface{}) {
	data, err := marshalFrame(msgType, payload)
	if err != nil {
		h.logger.Warnw("marshaling frame", "type", msgType, "error", err)
		return
	}
	select {
	case c.Send <- data:
	default:
	}
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func marshalFrame(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame{Type: msgType, Payload: raw})
}
