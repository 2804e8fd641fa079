// Package transport owns the realtime connection: lifecycle, the auth
// handshake, bounded reconnection with backoff, and decoding wire frames
// into typed events.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatsync/internal/errs"
	"chatsync/internal/model"
)

// Status is the observable connection state. StatusFailed is terminal:
// reconnect attempts were exhausted and no further retry happens until an
// explicit Connect.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusError
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

const (
	reconnectInitialDelay = time.Second
	reconnectMaxDelay     = 10 * time.Second
	maxReconnectAttempts  = 10
)

type joinPayload struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

type markReadPayload struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

type restorePayload struct {
	ChatID string `json:"chat_id"`
}

// Conn manages one realtime connection. Channel subscriptions do not
// survive a reconnect, so Conn tracks joined chats and replays the joins
// (plus a presence announcement) after every successful dial.
type Conn struct {
	logger *zap.SugaredLogger
	url    string
	dialer *websocket.Dialer

	mu     sync.Mutex
	ws     *websocket.Conn
	status Status
	token  string
	userID string
	gen    int
	closed bool
	joined map[string]struct{}

	// gorilla allows a single concurrent writer per connection
	writeMu sync.Mutex

	subMu      sync.Mutex
	nextSub    int
	statusSubs map[int]func(Status)
	eventSubs  map[int]func(Event)
}

func New(logger *zap.SugaredLogger, url string) *Conn {
	return &Conn{
		logger:     logger,
		url:        url,
		dialer:     websocket.DefaultDialer,
		status:     StatusDisconnected,
		joined:     make(map[string]struct{}),
		statusSubs: make(map[int]func(Status)),
		eventSubs:  make(map[int]func(Event)),
	}
}

// Connect opens the transport with the given credentials. It is a no-op
// when already connected or connecting. A dial failure sets the status to
// error and is returned to the caller for a user-visible notice; it starts
// no background retry.
func (c *Conn) Connect(ctx context.Context, token, userID string) error {
	c.mu.Lock()
	if c.status == StatusConnected || c.status == StatusConnecting {
		c.mu.Unlock()
		return nil
	}
	c.token = token
	c.userID = userID
	c.closed = false
	c.mu.Unlock()

	c.setStatus(StatusConnecting)

	ws, err := c.dial(ctx)
	if err != nil {
		c.setStatus(StatusError)
		return fmt.Errorf("connecting to %s: %w", c.url, err)
	}

	c.adopt(ws)
	return nil
}

// Disconnect announces offline presence best-effort, closes the transport
// and stops any reconnect loop. No-op when already disconnected.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.closed && c.ws == nil {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ws := c.ws
	c.ws = nil
	userID := c.userID
	connected := c.status == StatusConnected
	c.mu.Unlock()

	if ws != nil {
		if connected {
			// best effort; the server also flips presence on socket close
			data, err := encodeFrame(outPresence, model.Presence{UserID: userID, Online: false})
			if err == nil {
				c.writeMu.Lock()
				_ = ws.WriteMessage(websocket.TextMessage, data)
				c.writeMu.Unlock()
			}
		}
		_ = ws.Close()
	}

	c.setStatus(StatusDisconnected)
}

func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// OnStatus registers a status-transition subscriber and returns its
// cancel func. Subscribers are only invoked on actual transitions.
func (c *Conn) OnStatus(fn func(Status)) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.statusSubs[id] = fn
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.statusSubs, id)
	}
}

// OnEvent registers a subscriber for decoded inbound events and returns
// its cancel func.
func (c *Conn) OnEvent(fn func(Event)) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.eventSubs[id] = fn
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.eventSubs, id)
	}
}

// JoinChat subscribes to a chat channel. The membership is remembered and
// replayed after reconnects.
func (c *Conn) JoinChat(chatID string) error {
	c.mu.Lock()
	c.joined[chatID] = struct{}{}
	userID := c.userID
	c.mu.Unlock()
	return c.emit(outJoinChat, joinPayload{ChatID: chatID, UserID: userID})
}

// LeaveChat forgets a chat channel so it is not rejoined after reconnects.
func (c *Conn) LeaveChat(chatID string) {
	c.mu.Lock()
	delete(c.joined, chatID)
	c.mu.Unlock()
}

func (c *Conn) SendMessage(p SendMessagePayload) error {
	return c.emit(outSendMessage, p)
}

func (c *Conn) SendTyping(chatID, userID, userName string) error {
	return c.emit(outTyping, Typing{ChatID: chatID, UserID: userID, UserName: userName})
}

func (c *Conn) AnnouncePresence(userID string, online bool) error {
	return c.emit(outPresence, model.Presence{UserID: userID, Online: online, LastSeen: time.Now().UTC()})
}

func (c *Conn) MarkChatRead(chatID, userID string) error {
	return c.emit(outMarkChatRead, markReadPayload{ChatID: chatID, UserID: userID})
}

func (c *Conn) RestoreChat(chatID string) error {
	return c.emit(outRestoreChat, restorePayload{ChatID: chatID})
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	token, userID := c.token, c.userID
	c.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("X-User-ID", userID)

	ws, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return ws, err
}

// adopt installs a freshly dialed connection, announces presence, rejoins
// previously joined chat channels and starts the read loop. A Disconnect
// issued while the dial was in flight wins: the socket is dropped and the
// transport stays down.
func (c *Conn) adopt(ws *websocket.Conn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close()
		return
	}
	c.gen++
	gen := c.gen
	c.ws = ws
	c.status = StatusConnected
	userID := c.userID
	joined := make([]string, 0, len(c.joined))
	for id := range c.joined {
		joined = append(joined, id)
	}
	c.mu.Unlock()

	c.notifyStatus(StatusConnected)

	if err := c.AnnouncePresence(userID, true); err != nil {
		c.logger.Warnw("presence announcement failed", "error", err)
	}
	for _, chatID := range joined {
		if err := c.emit(outJoinChat, joinPayload{ChatID: chatID, UserID: userID}); err != nil {
			c.logger.Warnw("channel rejoin failed", "chat_id", chatID, "error", err)
		}
	}

	go c.readLoop(ws, gen)
}

func (c *Conn) readLoop(ws *websocket.Conn, gen int) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			stale := gen != c.gen
			closed := c.closed
			c.mu.Unlock()
			if stale {
				return
			}
			if closed {
				c.setStatus(StatusDisconnected)
				return
			}
			c.logger.Warnw("connection lost", "error", err)
			c.setStatus(StatusError)
			go c.reconnect(gen)
			return
		}

		ev, err := decodeEvent(data)
		if err != nil {
			c.logger.Warnw("dropping malformed frame", "error", err)
			continue
		}
		c.notifyEvent(ev)
	}
}

// reconnect retries the dial with exponential backoff up to
// maxReconnectAttempts, then parks in the terminal failed status.
func (c *Conn) reconnect(gen int) {
	delay := reconnectInitialDelay
	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		time.Sleep(delay)

		c.mu.Lock()
		if c.closed || gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		c.setStatus(StatusConnecting)
		ws, err := c.dial(context.Background())
		if err == nil {
			c.logger.Infow("reconnected", "attempt", attempt)
			c.adopt(ws)
			return
		}

		c.logger.Warnw("reconnect attempt failed", "attempt", attempt, "error", err)
		c.setStatus(StatusError)

		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}

	c.logger.Errorw("reconnect attempts exhausted", "attempts", maxReconnectAttempts)
	c.setStatus(StatusFailed)
}

func (c *Conn) emit(msgType string, payload interface{}) error {
	c.mu.Lock()
	ws := c.ws
	connected := c.status == StatusConnected
	c.mu.Unlock()

	if !connected || ws == nil {
		return errs.ErrNotConnected
	}

	data, err := encodeFrame(msgType, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing %s: %w", msgType, err)
	}
	return nil
}

func (c *Conn) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	c.mu.Unlock()
	c.notifyStatus(s)
}

func (c *Conn) notifyStatus(s Status) {
	c.subMu.Lock()
	subs := make([]func(Status), 0, len(c.statusSubs))
	for _, fn := range c.statusSubs {
		subs = append(subs, fn)
	}
	c.subMu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

func (c *Conn) notifyEvent(ev Event) {
	c.subMu.Lock()
	subs := make([]func(Event), 0, len(c.eventSubs))
	for _, fn := range c.eventSubs {
		subs = append(subs, fn)
	}
	c.subMu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}
