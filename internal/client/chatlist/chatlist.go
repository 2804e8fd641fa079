// Package chatlist maintains the set of chats visible to the current
// user: last-message updates, unread accounting and restoration of chats
// that messages arrive for while absent from the local set.
package chatlist

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatsync/internal/model"
)

// Emitter is the realtime-side surface the reconciler drives.
type Emitter interface {
	MarkChatRead(chatID, userID string) error
	RestoreChat(chatID string) error
	JoinChat(chatID string) error
	LeaveChat(chatID string)
}

// Fetcher refetches the chat set after a restoration.
type Fetcher interface {
	GetUserChats(ctx context.Context, userID string) ([]model.Chat, error)
}

// Notice is a one-time user-visible announcement that a chat was restored
// by an inbound message.
type Notice struct {
	ChatID   string
	SenderID string
	Preview  string
}

type Reconciler struct {
	logger  *zap.SugaredLogger
	emitter Emitter
	fetcher Fetcher
	userID  string

	mu        sync.Mutex
	chats     map[string]*model.Chat
	active    string
	restoring map[string]struct{}
	subs      map[int]func()
	notices   map[int]func(Notice)
	nextSub   int
}

func New(logger *zap.SugaredLogger, emitter Emitter, fetcher Fetcher, userID string) *Reconciler {
	return &Reconciler{
		logger:    logger,
		emitter:   emitter,
		fetcher:   fetcher,
		userID:    userID,
		chats:     make(map[string]*model.Chat),
		restoring: make(map[string]struct{}),
		subs:      make(map[int]func()),
		notices:   make(map[int]func(Notice)),
	}
}

// SetChats replaces the visible set from a fresh fetch. Unread counts from
// the fetch are authoritative except for the chat currently being viewed,
// which stays at zero.
func (r *Reconciler) SetChats(chats []model.Chat) {
	r.mu.Lock()
	r.chats = make(map[string]*model.Chat, len(chats))
	for i := range chats {
		c := chats[i]
		if c.ID == r.active {
			c.UnreadCount = 0
		}
		r.chats[c.ID] = &c
	}
	r.mu.Unlock()
	r.notifyList()
}

// Chats returns the visible set ordered by last activity, newest first.
func (r *Reconciler) Chats() []model.Chat {
	r.mu.Lock()
	out := make([]model.Chat, 0, len(r.chats))
	for _, c := range r.chats {
		out = append(out, *c)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return lastActivity(&out[i]).After(lastActivity(&out[j]))
	})
	return out
}

func lastActivity(c *model.Chat) time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.CreatedAt
	}
	return c.CreatedAt
}

// Chat returns a copy of the chat with the given id, if visible.
func (r *Reconciler) Chat(chatID string) (model.Chat, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chats[chatID]
	if !ok {
		return model.Chat{}, false
	}
	return *c, true
}

// HandleMessage applies an accepted inbound message to the chat set. A
// message for a visible chat updates its last-message reference and either
// bumps the unread counter or, when the chat is being viewed, acknowledges
// the read immediately. The user's own broadcast echoes never count as
// unread. A message for an absent chat triggers restoration.
func (r *Reconciler) HandleMessage(msg model.Message) {
	r.mu.Lock()
	chat, ok := r.chats[msg.ChatID]
	if ok {
		m := msg
		chat.LastMessage = &m
		viewing := r.active == msg.ChatID
		if viewing {
			chat.UnreadCount = 0
		} else if msg.SenderID != r.userID {
			chat.UnreadCount++
		}
		r.mu.Unlock()

		if viewing {
			if err := r.emitter.MarkChatRead(msg.ChatID, r.userID); err != nil {
				r.logger.Warnw("read ack failed", "chat_id", msg.ChatID, "error", err)
			}
		}
		r.notifyList()
		return
	}

	// Chat absent: just created, or soft-deleted by this user. Either way
	// the server must re-include it and we must join its channel.
	if _, inflight := r.restoring[msg.ChatID]; inflight {
		r.mu.Unlock()
		return
	}
	r.restoring[msg.ChatID] = struct{}{}
	r.mu.Unlock()

	go r.restore(msg.ChatID, msg.SenderID, msg.Content, true)
}

// HandleAlert applies a server-pushed notification about a chat the user
// is not actively subscribed to. A visible chat gets its unread bumped;
// an absent one goes through restoration like a full message would.
func (r *Reconciler) HandleAlert(chatID, senderID, preview string) {
	if chatID == "" {
		return
	}

	r.mu.Lock()
	chat, ok := r.chats[chatID]
	if ok {
		if r.active != chatID && senderID != r.userID {
			chat.UnreadCount++
		}
		r.mu.Unlock()
		r.notifyList()
		return
	}
	if _, inflight := r.restoring[chatID]; inflight {
		r.mu.Unlock()
		return
	}
	r.restoring[chatID] = struct{}{}
	r.mu.Unlock()

	go r.restore(chatID, senderID, preview, true)
}

// Upsert inserts or replaces a single chat, preserving a known unread
// count when the incoming copy carries none.
func (r *Reconciler) Upsert(chat model.Chat) {
	r.mu.Lock()
	if prev, ok := r.chats[chat.ID]; ok && chat.UnreadCount == 0 {
		chat.UnreadCount = prev.UnreadCount
	}
	if chat.ID == r.active {
		chat.UnreadCount = 0
	}
	c := chat
	r.chats[chat.ID] = &c
	r.mu.Unlock()
	r.notifyList()
}

// HandleRestored reacts to a server-initiated restoration event.
func (r *Reconciler) HandleRestored(chatID, sender, preview string) {
	r.mu.Lock()
	if _, visible := r.chats[chatID]; visible {
		r.mu.Unlock()
		return
	}
	if _, inflight := r.restoring[chatID]; inflight {
		r.mu.Unlock()
		return
	}
	r.restoring[chatID] = struct{}{}
	r.mu.Unlock()

	go r.restore(chatID, sender, preview, false)
}

func (r *Reconciler) restore(chatID, sender, preview string, askServer bool) {
	defer func() {
		r.mu.Lock()
		delete(r.restoring, chatID)
		r.mu.Unlock()
	}()

	if askServer {
		if err := r.emitter.RestoreChat(chatID); err != nil {
			r.logger.Warnw("restore request failed", "chat_id", chatID, "error", err)
		}
	}
	if err := r.emitter.JoinChat(chatID); err != nil {
		r.logger.Warnw("channel join failed", "chat_id", chatID, "error", err)
	}

	chats, err := r.fetcher.GetUserChats(context.Background(), r.userID)
	if err != nil {
		r.logger.Warnw("chat refetch after restore failed", "chat_id", chatID, "error", err)
		return
	}

	r.mu.Lock()
	for i := range chats {
		c := chats[i]
		if _, known := r.chats[c.ID]; !known {
			if c.ID == chatID && c.UnreadCount == 0 {
				// the triggering message is unread by definition
				c.UnreadCount = 1
			}
			r.chats[c.ID] = &c
		}
	}
	r.mu.Unlock()

	r.notifyList()
	r.notifyNotice(Notice{ChatID: chatID, SenderID: sender, Preview: preview})
}

// SetActive marks a chat as being viewed. Its unread counter is zeroed
// optimistically and the server is notified; the reset is never reverted.
func (r *Reconciler) SetActive(chatID string) {
	r.mu.Lock()
	r.active = chatID
	chat, ok := r.chats[chatID]
	changed := ok && chat.UnreadCount != 0
	if ok {
		chat.UnreadCount = 0
	}
	r.mu.Unlock()

	if chatID != "" {
		if err := r.emitter.MarkChatRead(chatID, r.userID); err != nil {
			r.logger.Warnw("read ack failed", "chat_id", chatID, "error", err)
		}
	}
	if changed {
		r.notifyList()
	}
}

// ClearActive marks no chat as being viewed.
func (r *Reconciler) ClearActive() {
	r.mu.Lock()
	r.active = ""
	r.mu.Unlock()
}

// Active returns the id of the chat currently being viewed, if any.
func (r *Reconciler) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// MarkRead zeroes a chat's unread counter locally and notifies the server.
func (r *Reconciler) MarkRead(chatID string) {
	r.mu.Lock()
	chat, ok := r.chats[chatID]
	changed := ok && chat.UnreadCount != 0
	if ok {
		chat.UnreadCount = 0
	}
	r.mu.Unlock()

	if err := r.emitter.MarkChatRead(chatID, r.userID); err != nil {
		r.logger.Warnw("read ack failed", "chat_id", chatID, "error", err)
	}
	if changed {
		r.notifyList()
	}
}

// Delete removes the chat from the local set only. Other members keep the
// chat, and a later message for it re-enters through restoration.
func (r *Reconciler) Delete(chatID string) {
	r.mu.Lock()
	_, ok := r.chats[chatID]
	delete(r.chats, chatID)
	if r.active == chatID {
		r.active = ""
	}
	r.mu.Unlock()

	r.emitter.LeaveChat(chatID)
	if ok {
		r.notifyList()
	}
}

// Subscribe registers fn to run after any change to the chat set.
func (r *Reconciler) Subscribe(fn func()) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}
}

// OnNotice registers a callback for restoration notices.
func (r *Reconciler) OnNotice(fn func(Notice)) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.notices[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.notices, id)
	}
}

func (r *Reconciler) notifyList() {
	r.mu.Lock()
	fns := make([]func(), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (r *Reconciler) notifyNotice(n Notice) {
	r.mu.Lock()
	fns := make([]func(Notice), 0, len(r.notices))
	for _, fn := range r.notices {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(n)
	}
}
