package ws

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"chatsync/internal/model"
)

// Wire event names shared with the client engine.
const (
	outJoinChat     = "join_conversation"
	outSendMessage  = "send_message"
	outTyping       = "typing"
	outPresence     = "update_presence"
	outMarkChatRead = "mark_conversation_read"
	outRestoreChat  = "restore_conversation"

	inMessageReceived = "message_received"
	inMessageRead     = "message_read"
	inPresenceChanged = "presence_changed"
	inChatRestored    = "conversation_restored"
	inNotification    = "notification"
	inTyping          = "typing"
)

type joinPayload struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

type sendPayload struct {
	ChatID    string `json:"chat_id"`
	Content   string `json:"content"`
	SenderID  string `json:"sender_id"`
	ReplyToID string `json:"reply_to_id,omitempty"`
}

type typingPayload struct {
	ChatID   string `json:"chat_id"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
}

type presencePayload struct {
	UserID   string    `json:"user_id"`
	Online   bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen,omitempty"`
}

type markReadPayload struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

type restorePayload struct {
	ChatID string `json:"chat_id"`
}

type restoredPayload struct {
	ChatID           string `json:"chat_id"`
	TriggeringSender string `json:"triggering_sender,omitempty"`
	Preview          string `json:"preview,omitempty"`
}

type readPayload struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
	UserID    string `json:"user_id"`
}

type notificationPayload struct {
	Kind     string `json:"kind"`
	ChatID   string `json:"chat_id,omitempty"`
	SenderID string `json:"sender_id,omitempty"`
	Preview  string `json:"preview,omitempty"`
}

type Client struct {
	Hub    *Hub
	Conn   *websocket.Conn
	Send   chan []byte
	UserID string
	IP     string
}

func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister <- c
		c.Conn.Close()
	}()

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			break
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.Hub.logger.Warnw("dropping malformed frame", "user_id", c.UserID, "error", err)
			continue
		}

		c.process(f)
	}
}

func (c *Client) WritePump() {
	defer c.Conn.Close()
	for msg := range c.Send {
		if err := c.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *Client) process(f frame) {
	switch f.Type {
	case outJoinChat:
		var p joinPayload
		if json.Unmarshal(f.Payload, &p) != nil || p.ChatID == "" {
			return
		}
		c.Hub.joinRoom(p.ChatID, c)

	case outSendMessage:
		var p sendPayload
		if json.Unmarshal(f.Payload, &p) != nil || p.ChatID == "" || p.Content == "" {
			return
		}
		c.handleSend(p)

	case outTyping:
		var p typingPayload
		if json.Unmarshal(f.Payload, &p) != nil || p.ChatID == "" {
			return
		}
		p.UserID = c.UserID
		for _, peer := range c.Hub.roomClients(p.ChatID) {
			if peer != c {
				c.Hub.sendTo(peer, inTyping, p)
			}
		}

	case outPresence:
		var p presencePayload
		if json.Unmarshal(f.Payload, &p) != nil || p.UserID == "" {
			return
		}
		p.LastSeen = time.Now().UTC()
		c.Hub.broadcastAll(inPresenceChanged, p)

	case outMarkChatRead:
		var p markReadPayload
		if json.Unmarshal(f.Payload, &p) != nil || p.ChatID == "" {
			return
		}
		c.handleMarkRead(p)

	case outRestoreChat:
		var p restorePayload
		if json.Unmarshal(f.Payload, &p) != nil || p.ChatID == "" {
			return
		}
		flipped, err := c.Hub.store.RestoreChat(c.UserID, p.ChatID)
		if err != nil {
			c.Hub.logger.Warnw("restore failed", "chat_id", p.ChatID, "error", err)
			return
		}
		if flipped {
			c.Hub.sendTo(c, inChatRestored, restoredPayload{ChatID: p.ChatID})
		}
	}
}

// handleSend persists the message, un-hides the chat for members who had
// soft-deleted it, and fans the message out: subscribed clients get the
// full message, unsubscribed ones get a notification.
func (c *Client) handleSend(p sendPayload) {
	msg, err := c.Hub.store.SaveMessage(p.ChatID, c.UserID, p.Content, p.ReplyToID)
	if err != nil {
		c.Hub.logger.Warnw("saving message", "chat_id", p.ChatID, "error", err)
		return
	}

	hidden, err := c.Hub.store.DeletedMemberIDs(p.ChatID)
	if err != nil {
		c.Hub.logger.Warnw("listing hidden members", "chat_id", p.ChatID, "error", err)
	}
	restored := make(map[string]bool, len(hidden))
	for _, userID := range hidden {
		if _, err := c.Hub.store.RestoreChat(userID, p.ChatID); err != nil {
			c.Hub.logger.Warnw("restoring chat", "chat_id", p.ChatID, "user_id", userID, "error", err)
			continue
		}
		restored[userID] = true
	}

	members, err := c.Hub.store.ChatMemberIDs(p.ChatID)
	if err != nil {
		c.Hub.logger.Warnw("listing members", "chat_id", p.ChatID, "error", err)
		return
	}

	for _, userID := range members {
		if restored[userID] {
			for _, peer := range c.Hub.userClients(userID) {
				c.Hub.sendTo(peer, inChatRestored, restoredPayload{
					ChatID:           p.ChatID,
					TriggeringSender: msg.SenderID,
					Preview:          msg.Content,
				})
			}
		}
		for _, peer := range c.Hub.userClients(userID) {
			if c.Hub.inRoom(p.ChatID, peer) {
				c.Hub.sendTo(peer, inMessageReceived, msg)
			} else {
				c.Hub.sendTo(peer, inNotification, notificationPayload{
					Kind:     "new_message",
					ChatID:   p.ChatID,
					SenderID: msg.SenderID,
					Preview:  msg.Content,
				})
			}
		}
	}
}

func (c *Client) handleMarkRead(p markReadPayload) {
	if err := c.Hub.store.MarkChatRead(c.UserID, p.ChatID); err != nil {
		c.Hub.logger.Warnw("marking chat read", "chat_id", p.ChatID, "error", err)
		return
	}

	lastID, err := c.Hub.store.LastMessageID(p.ChatID)
	if err != nil || lastID == "" {
		return
	}
	if err := c.Hub.store.MarkMessageRead(lastID, c.UserID); err != nil {
		return
	}
	for _, peer := range c.Hub.roomClients(p.ChatID) {
		c.Hub.sendTo(peer, inMessageRead, readPayload{MessageID: lastID, ChatID: p.ChatID, UserID: c.UserID})
	}
}

// Fanout delivers a message persisted outside the hub (the REST fallback
// path) through the same broadcast rules as a socket send.
func (h *Hub) Fanout(msg model.Message) {
	members, err := h.store.ChatMemberIDs(msg.ChatID)
	if err != nil {
		h.logger.Warnw("listing members", "chat_id", msg.ChatID, "error", err)
		return
	}
	for _, userID := range members {
		for _, peer := range h.userClients(userID) {
			if h.inRoom(msg.ChatID, peer) {
				h.sendTo(peer, inMessageReceived, msg)
			} else {
				h.sendTo(peer, inNotification, notificationPayload{
					Kind:     "new_message",
					ChatID:   msg.ChatID,
					SenderID: msg.SenderID,
					Preview:  msg.Content,
				})
			}
		}
	}
}
