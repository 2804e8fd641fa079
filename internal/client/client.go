// Package client wires the synchronization engine together: one realtime
// connection, a presence tracker, the message store, the chat-list
// reconciler and the send pipeline, with inbound events routed through a
// single dispatch point.
package client

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"chatsync/internal/client/api"
	"chatsync/internal/client/chatlist"
	"chatsync/internal/client/outbox"
	"chatsync/internal/client/presence"
	"chatsync/internal/client/store"
	"chatsync/internal/client/transport"
	"chatsync/internal/model"
)

type Client struct {
	logger *zap.SugaredLogger

	conn     *transport.Conn
	tracker  *presence.Tracker
	store    *store.Store
	api      *api.Client
	chats    *chatlist.Reconciler
	pipeline *outbox.Pipeline

	userID   string
	userName string
	token    string

	cancelEvents func()
	typingSubs   func(transport.Typing)
}

// New builds a client for an authenticated user. Nothing connects until
// Connect is called.
func New(logger *zap.SugaredLogger, cfg EnvConfig, userID, userName, token string) *Client {
	conn := transport.New(logger, cfg.SocketURL)
	restAPI := api.New(logger, cfg.APIBaseURL, token)
	st := store.New(logger)

	c := &Client{
		logger:   logger,
		conn:     conn,
		tracker:  presence.NewTracker(),
		store:    st,
		api:      restAPI,
		chats:    chatlist.New(logger, conn, restAPI, userID),
		pipeline: outbox.New(logger, st, conn, restAPI, userID, userName),
		userID:   userID,
		userName: userName,
		token:    token,
	}
	c.cancelEvents = conn.OnEvent(c.route)
	return c
}

// Connect opens the realtime channel, marks the user online, loads the
// chat set and joins each chat's channel.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.conn.Connect(ctx, c.token, c.userID); err != nil {
		return err
	}
	c.tracker.Heartbeat(c.userID)

	chats, err := c.api.GetUserChats(ctx, c.userID)
	if err != nil {
		return fmt.Errorf("loading chats: %w", err)
	}
	c.chats.SetChats(chats)
	for _, chat := range chats {
		if err := c.conn.JoinChat(chat.ID); err != nil {
			c.logger.Warnw("channel join failed", "chat_id", chat.ID, "error", err)
		}
	}
	return nil
}

// Close tears the client down: event listeners deregistered, debounce
// timers cancelled, transport closed.
func (c *Client) Close() {
	if c.cancelEvents != nil {
		c.cancelEvents()
	}
	c.pipeline.Close()
	c.conn.Disconnect()
}

// route is the single dispatch point for decoded inbound events.
func (c *Client) route(ev transport.Event) {
	switch e := ev.(type) {
	case transport.MessageReceived:
		if c.store.ApplyInbound(e.Message) {
			c.chats.HandleMessage(e.Message)
		}
	case transport.MessageRead:
		c.store.MarkRead(e.ChatID, e.MessageID, e.UserID)
	case transport.PresenceChanged:
		c.tracker.Set(e.UserID, e.Online)
	case transport.ChatRestored:
		c.chats.HandleRestored(e.ChatID, e.TriggeringSender, e.Preview)
	case transport.Notification:
		c.chats.HandleAlert(e.ChatID, e.SenderID, e.Preview)
	case transport.Typing:
		if e.UserID != c.userID && c.typingSubs != nil {
			c.typingSubs(e)
		}
	}
}

// LoadChats refetches the chat set. When the fetch fails but a cached set
// exists, the cache is served and no error surfaces.
func (c *Client) LoadChats(ctx context.Context) ([]model.Chat, error) {
	chats, err := c.api.GetUserChats(ctx, c.userID)
	if err != nil {
		if cached := c.chats.Chats(); len(cached) > 0 {
			c.logger.Warnw("chat fetch failed, serving cache", "error", err)
			return cached, nil
		}
		return nil, err
	}
	c.chats.SetChats(chats)
	return c.chats.Chats(), nil
}

// LoadMessages fetches a chat's message snapshot and merges it into the
// store. When the fetch fails but cached messages exist, the stale cache
// is served without surfacing an error.
func (c *Client) LoadMessages(ctx context.Context, chatID string) ([]model.Message, error) {
	msgs, err := c.api.GetChatMessages(ctx, chatID)
	if err != nil {
		if cached := c.store.Messages(chatID); len(cached) > 0 {
			c.logger.Warnw("message fetch failed, serving cache", "chat_id", chatID, "error", err)
			return cached, nil
		}
		return nil, err
	}
	c.store.ApplySnapshot(chatID, msgs)
	return c.store.Messages(chatID), nil
}

// OpenChat marks a chat as being viewed and joins its live channel.
func (c *Client) OpenChat(chatID string) {
	c.chats.SetActive(chatID)
	if err := c.conn.JoinChat(chatID); err != nil {
		c.logger.Warnw("channel join failed", "chat_id", chatID, "error", err)
	}
}

// CloseChat marks no chat as being viewed.
func (c *Client) CloseChat() {
	c.chats.ClearActive()
}

// Send pushes a message through the outbound pipeline.
func (c *Client) Send(ctx context.Context, chatID, content, replyToID string) (string, error) {
	return c.pipeline.Send(ctx, chatID, content, replyToID)
}

// Typing emits a debounced typing signal.
func (c *Client) Typing(chatID string) {
	c.pipeline.Typing(chatID)
}

// CreateChat creates a chat and adds it to the local set.
func (c *Client) CreateChat(ctx context.Context, name string, kind model.ChatKind, memberIDs []string) (model.Chat, error) {
	chat, err := c.api.CreateChat(ctx, name, kind, memberIDs)
	if err != nil {
		return model.Chat{}, err
	}
	c.chats.Upsert(chat)
	if err := c.conn.JoinChat(chat.ID); err != nil {
		c.logger.Warnw("channel join failed", "chat_id", chat.ID, "error", err)
	}
	return chat, nil
}

// AddMember adds a user to a group chat.
func (c *Client) AddMember(ctx context.Context, chatID, userID string) (model.Chat, error) {
	chat, err := c.api.AddMember(ctx, chatID, userID)
	if err != nil {
		return model.Chat{}, err
	}
	c.chats.Upsert(chat)
	return chat, nil
}

// GetChat fetches a single chat. errs.ErrChatNotFound surfaces unchanged
// so callers can present the "may have been deleted" state.
func (c *Client) GetChat(ctx context.Context, chatID string) (model.Chat, error) {
	return c.api.GetChat(ctx, chatID)
}

// DeleteChat hides the chat for this user and drops it locally. It may
// come back through restoration when a member messages it again.
func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	if err := c.api.DeleteChat(ctx, chatID, c.userID); err != nil {
		return err
	}
	c.chats.Delete(chatID)
	return nil
}

// MarkRead resets a chat's unread counter.
func (c *Client) MarkRead(chatID string) {
	c.chats.MarkRead(chatID)
}

func (c *Client) Status() transport.Status          { return c.conn.Status() }
func (c *Client) Chats() []model.Chat               { return c.chats.Chats() }
func (c *Client) Messages(chatID string) []model.Message {
	return c.store.Messages(chatID)
}
func (c *Client) IsOnline(userID string) bool { return c.tracker.IsOnline(userID) }
func (c *Client) UserID() string              { return c.userID }

func (c *Client) OnStatus(fn func(transport.Status)) func()           { return c.conn.OnStatus(fn) }
func (c *Client) OnChats(fn func()) func()                            { return c.chats.Subscribe(fn) }
func (c *Client) OnMessages(chatID string, fn func()) func()          { return c.store.Subscribe(chatID, fn) }
func (c *Client) OnNotice(fn func(chatlist.Notice)) func()            { return c.chats.OnNotice(fn) }
func (c *Client) OnPresence(userID string, fn func(bool)) func()      { return c.tracker.Subscribe(userID, fn) }

// OnTyping sets the typing-indicator callback for the UI.
func (c *Client) OnTyping(fn func(transport.Typing)) {
	c.typingSubs = fn
}
