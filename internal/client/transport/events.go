package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fastjson"

	"chatsync/internal/model"
)

// Wire event names. Inbound frames carry one of the In* types, outbound
// emits use the Out* types.
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

// frame is the envelope every wire message travels in.
type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is the closed set of inbound realtime events. Frames are decoded
// into exactly one of the concrete types below at the transport boundary;
// consumers dispatch with a type switch instead of string lookups.
type Event interface {
	event()
}

type MessageReceived struct {
	Message model.Message
}

type MessageRead struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
	UserID    string `json:"user_id"`
}

type PresenceChanged struct {
	UserID   string    `json:"user_id"`
	Online   bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen,omitempty"`
}

type ChatRestored struct {
	ChatID           string `json:"chat_id"`
	TriggeringSender string `json:"triggering_sender,omitempty"`
	Preview          string `json:"preview,omitempty"`
}

type Notification struct {
	Kind     string `json:"kind"`
	ChatID   string `json:"chat_id,omitempty"`
	SenderID string `json:"sender_id,omitempty"`
	Preview  string `json:"preview,omitempty"`
}

type Typing struct {
	ChatID   string `json:"chat_id"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
}

func (MessageReceived) event() {}
func (MessageRead) event()     {}
func (PresenceChanged) event() {}
func (ChatRestored) event()    {}
func (Notification) event()    {}
func (Typing) event()          {}

// SendMessagePayload is the outbound send_message payload.
type SendMessagePayload struct {
	ChatID    string `json:"chat_id"`
	Content   string `json:"content"`
	SenderID  string `json:"sender_id"`
	ReplyToID string `json:"reply_to_id,omitempty"`
}

// required lists the payload fields a frame type must carry to be usable.
// Anything missing means the frame is malformed and gets dropped.
var required = map[string][]string{
	inMessageReceived: {"id", "chat_id", "sender_id", "content"},
	inMessageRead:     {"message_id", "chat_id", "user_id"},
	inPresenceChanged: {"user_id"},
	inChatRestored:    {"chat_id"},
	inNotification:    {"kind"},
	inTyping:          {"chat_id", "user_id"},
}

// decodeEvent turns a raw wire frame into a typed Event. Unknown frame
// types and frames missing required fields return an error; the caller
// logs and drops them.
func decodeEvent(data []byte) (Event, error) {
	if err := fastjson.ValidateBytes(data); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}

	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("bad envelope: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame without type")
	}

	fields, ok := required[f.Type]
	if !ok {
		return nil, fmt.Errorf("unknown frame type %q", f.Type)
	}
	for _, field := range fields {
		if !fastjson.Exists(f.Payload, field) {
			return nil, fmt.Errorf("%s frame missing %q", f.Type, field)
		}
	}

	switch f.Type {
	case inMessageReceived:
		var m model.Message
		if err := json.Unmarshal(f.Payload, &m); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", f.Type, err)
		}
		if m.ID == "" || m.SenderID == "" || m.ChatID == "" {
			return nil, fmt.Errorf("%s frame with empty identity fields", f.Type)
		}
		m.State = model.Confirmed
		return MessageReceived{Message: m}, nil

	case inMessageRead:
		var ev MessageRead
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", f.Type, err)
		}
		return ev, nil

	case inPresenceChanged:
		var ev PresenceChanged
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", f.Type, err)
		}
		return ev, nil

	case inChatRestored:
		var ev ChatRestored
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", f.Type, err)
		}
		return ev, nil

	case inNotification:
		var ev Notification
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", f.Type, err)
		}
		return ev, nil

	case inTyping:
		var ev Typing
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", f.Type, err)
		}
		return ev, nil
	}

	return nil, fmt.Errorf("unknown frame type %q", f.Type)
}

func encodeFrame(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", msgType, err)
	}
	return json.Marshal(frame{Type: msgType, Payload: raw})
}
