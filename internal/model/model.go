package model

import (
	"strings"
	"time"
)

// ChatKind distinguishes 1:1 chats from named groups.
type ChatKind string

const (
	Individual ChatKind = "INDIVIDUAL"
	Group      ChatKind = "GROUP"
)

// DeliveryState tracks a message through the optimistic send lifecycle.
// A message starts as Pending when inserted locally and moves to Confirmed
// once the server assigns a durable id, or to Failed if the send errored.
type DeliveryState int

const (
	Pending DeliveryState = iota
	Confirmed
	Failed
)

func (s DeliveryState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// TempIDPrefix marks client-generated message ids that have not yet been
// replaced by a server-assigned durable id.
const TempIDPrefix = "temp-"

func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

type Member struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
}

type Chat struct {
	ID          string    `json:"id"`
	Name        *string   `json:"name,omitempty"`
	Kind        ChatKind  `json:"kind"`
	CreatedAt   time.Time `json:"created_at"`
	Members     []Member  `json:"members,omitempty"`
	LastMessage *Message  `json:"last_message,omitempty"`
	UnreadCount int       `json:"unread_count"`
}

// DisplayName returns the chat name, falling back to the counterpart's
// name for unnamed 1:1 chats.
func (c *Chat) DisplayName(selfID string) string {
	if c.Name != nil && *c.Name != "" {
		return *c.Name
	}
	for _, m := range c.Members {
		if m.UserID != selfID {
			if m.UserName != "" {
				return m.UserName
			}
			return m.UserID
		}
	}
	return c.ID
}

// HasMember reports whether userID is in the member set.
func (c *Chat) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

type Message struct {
	ID         string        `json:"id"`
	ChatID     string        `json:"chat_id"`
	SenderID   string        `json:"sender_id"`
	SenderName string        `json:"sender_name,omitempty"`
	Content    string        `json:"content"`
	CreatedAt  time.Time     `json:"created_at"`
	ReplyToID  string        `json:"reply_to_id,omitempty"`
	State      DeliveryState `json:"-"`
	ReadBy     []string      `json:"read_by,omitempty"`
}

// ReadByUser reports whether userID has acknowledged reading the message.
func (m *Message) ReadByUser(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

type Presence struct {
	UserID   string    `json:"user_id"`
	Online   bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen,omitempty"`
}
