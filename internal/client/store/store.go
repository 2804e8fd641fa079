// Package store is the per-chat message store. It merges optimistic local
// sends, server snapshots and pushed events into one duplicate-free list
// per chat, ordered by creation time.
package store

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatsync/internal/model"
)

// SimilarityWindow bounds the creation-time distance within which a pushed
// message is treated as the durable twin of a pending local entry with the
// same chat, sender and content. The durable id of an optimistic send is
// unknowable until the server assigns it, and the direct response and the
// broadcast echo race; this window is how the two converge on one entry.
const SimilarityWindow = 5 * time.Second

type thread struct {
	byID map[string]*model.Message
	seen map[string]struct{}
}

func newThread() *thread {
	return &thread{
		byID: make(map[string]*model.Message),
		seen: make(map[string]struct{}),
	}
}

type subscriber struct {
	chatID string
	fn     func()
}

// Store holds every chat's message state. Handlers mutate it through the
// methods below; consumers read sorted copies via Messages.
type Store struct {
	logger *zap.SugaredLogger

	mu      sync.Mutex
	threads map[string]*thread
	subs    map[int]subscriber
	nextSub int
}

func New(logger *zap.SugaredLogger) *Store {
	return &Store{
		logger:  logger,
		threads: make(map[string]*thread),
		subs:    make(map[int]subscriber),
	}
}

func (s *Store) thread(chatID string) *thread {
	th, ok := s.threads[chatID]
	if !ok {
		th = newThread()
		s.threads[chatID] = th
	}
	return th
}

// InsertPending adds a locally originated optimistic message. The id must
// be a temp id; the entry stays until Confirm or MarkFailed resolves it.
func (s *Store) InsertPending(msg model.Message) {
	if msg.ID == "" || msg.ChatID == "" {
		return
	}
	msg.State = model.Pending

	s.mu.Lock()
	th := s.thread(msg.ChatID)
	m := msg
	th.byID[m.ID] = &m
	s.mu.Unlock()

	s.notify(msg.ChatID)
}

// ApplySnapshot merges a freshly fetched server snapshot into the chat's
// state. Entries sharing an id with the snapshot are replaced by the
// snapshot payload; local-only entries (pending sends awaiting
// confirmation) are preserved. A snapshot entry new to the chat goes
// through the same twin matching as a pushed message, so a refetch that
// beats the broadcast echo still collapses the optimistic entry instead of
// leaving it pending next to its durable counterpart.
func (s *Store) ApplySnapshot(chatID string, msgs []model.Message) {
	if chatID == "" {
		return
	}

	s.mu.Lock()
	th := s.thread(chatID)
	for i := range msgs {
		m := msgs[i]
		if m.ID == "" {
			continue
		}
		m.State = model.Confirmed
		if _, known := th.byID[m.ID]; !known {
			if twin := findTwin(th, &m); twin != "" {
				delete(th.byID, twin)
			}
		}
		th.byID[m.ID] = &m
		th.seen[m.ID] = struct{}{}
	}
	s.mu.Unlock()

	s.notify(chatID)
}

// ApplyInbound reconciles a single pushed message. Already-seen ids are
// discarded without re-notifying. A pending entry with the same sender and
// content created within SimilarityWindow is replaced in place instead of
// a new entry being appended. Reports whether anything changed.
func (s *Store) ApplyInbound(msg model.Message) bool {
	if msg.ID == "" || msg.ChatID == "" || msg.SenderID == "" {
		s.logger.Warnw("ignoring message with empty identity fields", "id", msg.ID, "chat_id", msg.ChatID)
		return false
	}
	msg.State = model.Confirmed

	s.mu.Lock()
	th := s.thread(msg.ChatID)

	if _, dup := th.seen[msg.ID]; dup {
		s.mu.Unlock()
		return false
	}
	if _, dup := th.byID[msg.ID]; dup {
		th.seen[msg.ID] = struct{}{}
		s.mu.Unlock()
		return false
	}

	if twin := findTwin(th, &msg); twin != "" {
		delete(th.byID, twin)
	}

	m := msg
	th.byID[m.ID] = &m
	th.seen[m.ID] = struct{}{}
	s.mu.Unlock()

	s.notify(msg.ChatID)
	return true
}

// findTwin locates a pending entry that looks like the optimistic
// counterpart of the pushed message. Only Pending entries qualify, so two
// identical confirmed messages in quick succession are never collapsed.
func findTwin(th *thread, msg *model.Message) string {
	for id, cur := range th.byID {
		if cur.State != model.Pending {
			continue
		}
		if cur.SenderID != msg.SenderID || cur.Content != msg.Content {
			continue
		}
		d := msg.CreatedAt.Sub(cur.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= SimilarityWindow {
			return id
		}
	}
	return ""
}

// Confirm replaces the pending entry tempID with the durable message the
// server assigned. If the broadcast echo already reconciled the send, the
// leftover temp entry is dropped so the durable id never coexists with it.
func (s *Store) Confirm(chatID, tempID string, durable model.Message) bool {
	if chatID == "" || durable.ID == "" {
		return false
	}
	durable.State = model.Confirmed

	s.mu.Lock()
	th, ok := s.threads[chatID]
	if !ok {
		s.mu.Unlock()
		return false
	}

	pending, hadTemp := th.byID[tempID]
	if hadTemp {
		if durable.SenderName == "" {
			durable.SenderName = pending.SenderName
		}
		delete(th.byID, tempID)
	}

	d := durable
	th.byID[d.ID] = &d
	th.seen[d.ID] = struct{}{}
	s.mu.Unlock()

	s.notify(chatID)
	return true
}

// MarkFailed flags a pending entry as failed. The entry stays visible with
// its error marker; retry is a user-initiated re-send.
func (s *Store) MarkFailed(chatID, tempID string) bool {
	s.mu.Lock()
	th, ok := s.threads[chatID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	msg, ok := th.byID[tempID]
	if !ok || msg.State == model.Failed {
		s.mu.Unlock()
		return false
	}
	msg.State = model.Failed
	s.mu.Unlock()

	s.notify(chatID)
	return true
}

// MarkRead adds userID to the read-by set of the matching message.
// Idempotent: an already-present user changes nothing.
func (s *Store) MarkRead(chatID, messageID, userID string) bool {
	s.mu.Lock()
	th, ok := s.threads[chatID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	msg, ok := th.byID[messageID]
	if !ok || msg.ReadByUser(userID) {
		s.mu.Unlock()
		return false
	}
	msg.ReadBy = append(msg.ReadBy, userID)
	s.mu.Unlock()

	s.notify(chatID)
	return true
}

// Messages returns the chat's messages sorted by creation time ascending.
// Raw arrival order across transports is unreliable, so the sort is
// applied on every read rather than assumed from insertion order.
func (s *Store) Messages(chatID string) []model.Message {
	s.mu.Lock()
	th, ok := s.threads[chatID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	out := make([]model.Message, 0, len(th.byID))
	for _, msg := range th.byID {
		m := *msg
		m.ReadBy = append([]string(nil), msg.ReadBy...)
		out = append(out, m)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Subscribe registers fn to run after any change to chatID's messages.
// The returned cancel func removes the subscription.
func (s *Store) Subscribe(chatID string, fn func()) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = subscriber{chatID: chatID, fn: fn}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) notify(chatID string) {
	s.mu.Lock()
	fns := make([]func(), 0)
	for _, sub := range s.subs {
		if sub.chatID == chatID {
			fns = append(fns, sub.fn)
		}
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
