// Package outbox turns user send actions into optimistic local entries
// plus a durable send attempt over whichever transport is usable.
package outbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatsync/internal/client/store"
	"chatsync/internal/client/transport"
	"chatsync/internal/errs"
	"chatsync/internal/model"
)

// Realtime is the socket-side surface the pipeline needs.
type Realtime interface {
	Status() transport.Status
	SendMessage(p transport.SendMessagePayload) error
	SendTyping(chatID, userID, userName string) error
}

// Fallback is the direct request/response send used while the realtime
// channel is down.
type Fallback interface {
	SendMessage(ctx context.Context, chatID, senderID, content, replyToID string) (model.Message, error)
}

type Pipeline struct {
	logger   *zap.SugaredLogger
	store    *store.Store
	realtime Realtime
	fallback Fallback

	userID   string
	userName string

	registry *registry
	typistMu sync.Mutex
	typists  map[string]*typist

	now   func() time.Time
	newID func() string
}

func New(logger *zap.SugaredLogger, st *store.Store, rt Realtime, fb Fallback, userID, userName string) *Pipeline {
	p := &Pipeline{
		logger:   logger,
		store:    st,
		realtime: rt,
		fallback: fb,
		userID:   userID,
		userName: userName,
		registry: newRegistry(dedupWindow),
		typists:  make(map[string]*typist),
		now:      time.Now,
		newID:    func() string { return model.TempIDPrefix + uuid.NewString() },
	}
	return p
}

// Send validates, inserts an optimistic pending entry, and attempts the
// durable send: over the realtime channel when connected, otherwise over
// the request/response fallback. It returns the temp id assigned to the
// optimistic entry. A failed attempt marks the entry failed in place;
// retry is a new user-initiated Send.
func (p *Pipeline) Send(ctx context.Context, chatID, content, replyToID string) (string, error) {
	content = strings.TrimSpace(content)
	switch {
	case content == "":
		return "", errs.ErrEmptyContent
	case chatID == "":
		return "", errs.ErrNoChat
	case p.userID == "":
		return "", errs.ErrNoUser
	}

	if !p.registry.tryAdd(chatID, p.userID, content) {
		return "", errs.ErrDuplicateSend
	}

	tempID := p.newID()
	p.store.InsertPending(model.Message{
		ID:         tempID,
		ChatID:     chatID,
		SenderID:   p.userID,
		SenderName: p.userName,
		Content:    content,
		CreatedAt:  p.now().UTC(),
		ReplyToID:  replyToID,
	})

	if p.realtime.Status() == transport.StatusConnected {
		err := p.realtime.SendMessage(transport.SendMessagePayload{
			ChatID:    chatID,
			Content:   content,
			SenderID:  p.userID,
			ReplyToID: replyToID,
		})
		if err == nil {
			// the durable id arrives via the broadcast echo and is
			// reconciled against this pending entry by the store
			return tempID, nil
		}
		p.logger.Warnw("socket send failed, falling back", "chat_id", chatID, "error", err)
	}

	msg, err := p.fallback.SendMessage(ctx, chatID, p.userID, content, replyToID)
	if err != nil {
		p.store.MarkFailed(chatID, tempID)
		p.registry.clear(chatID, p.userID, content)
		return tempID, fmt.Errorf("sending message: %w", err)
	}

	p.store.Confirm(chatID, tempID, msg)
	p.registry.clear(chatID, p.userID, content)
	return tempID, nil
}

// Typing emits a debounced typing signal for the chat. Fire and forget.
func (p *Pipeline) Typing(chatID string) {
	if chatID == "" || p.userID == "" {
		return
	}
	if p.realtime.Status() != transport.StatusConnected {
		return
	}

	p.typistMu.Lock()
	t, ok := p.typists[chatID]
	if !ok {
		t = newTypist(typingWindow, func() error {
			return p.realtime.SendTyping(chatID, p.userID, p.userName)
		})
		p.typists[chatID] = t
	}
	p.typistMu.Unlock()

	if err := t.notify(); err != nil {
		p.logger.Debugw("typing signal dropped", "chat_id", chatID, "error", err)
	}
}

// Close cancels all debounce timers. Called on teardown.
func (p *Pipeline) Close() {
	p.typistMu.Lock()
	for _, t := range p.typists {
		t.stop()
	}
	p.typists = make(map[string]*typist)
	p.typistMu.Unlock()
}
