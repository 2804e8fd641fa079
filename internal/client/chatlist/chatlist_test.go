package chatlist

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chatsync/internal/model"
)

type fakeEmitter struct {
	mu       sync.Mutex
	reads    []string
	restores []string
	joins    []string
	leaves   []string
}

func (f *fakeEmitter) MarkChatRead(chatID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, chatID)
	return nil
}

func (f *fakeEmitter) RestoreChat(chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restores = append(f.restores, chatID)
	return nil
}

func (f *fakeEmitter) JoinChat(chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, chatID)
	return nil
}

func (f *fakeEmitter) LeaveChat(chatID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, chatID)
}

func (f *fakeEmitter) restoreCount(chatID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.restores {
		if id == chatID {
			n++
		}
	}
	return n
}

type fakeFetcher struct {
	mu    sync.Mutex
	chats []model.Chat
	calls int
}

func (f *fakeFetcher) GetUserChats(ctx context.Context, userID string) ([]model.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	out := make([]model.Chat, len(f.chats))
	copy(out, f.chats)
	return out, nil
}

func newTestReconciler(t *testing.T) (*Reconciler, *fakeEmitter, *fakeFetcher) {
	t.Helper()
	em := &fakeEmitter{}
	fe := &fakeFetcher{}
	return New(zap.NewNop().Sugar(), em, fe, "self"), em, fe
}

func chat(id string, at time.Time) model.Chat {
	return model.Chat{ID: id, Kind: model.Individual, CreatedAt: at}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestHandleMessageBumpsUnread(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.SetChats([]model.Chat{chat("c1", base)})

	for i := 0; i < 3; i++ {
		r.HandleMessage(model.Message{ID: "m", ChatID: "c1", SenderID: "peer", Content: "hi", CreatedAt: base})
	}

	got, ok := r.Chat("c1")
	require.True(t, ok)
	require.Equal(t, 3, got.UnreadCount)
}

func TestOwnEchoDoesNotBumpUnread(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.SetChats([]model.Chat{chat("c1", base)})

	// Echo of our own send arrives while another chat is in view.
	r.HandleMessage(model.Message{ID: "m1", ChatID: "c1", SenderID: "self", Content: "sent elsewhere", CreatedAt: base})

	got, ok := r.Chat("c1")
	require.True(t, ok)
	require.Equal(t, 0, got.UnreadCount)
	require.NotNil(t, got.LastMessage)
	require.Equal(t, "m1", got.LastMessage.ID)

	r.HandleAlert("c1", "self", "sent elsewhere")
	got, _ = r.Chat("c1")
	require.Equal(t, 0, got.UnreadCount)
}

func TestHandleMessageWhileViewingStaysRead(t *testing.T) {
	r, em, _ := newTestReconciler(t)
	base := time.Now()
	r.SetChats([]model.Chat{chat("c1", base)})
	r.SetActive("c1")

	r.HandleMessage(model.Message{ID: "m1", ChatID: "c1", SenderID: "peer", Content: "hi", CreatedAt: base})

	got, _ := r.Chat("c1")
	require.Equal(t, 0, got.UnreadCount)

	// One ack from SetActive, one from the message arriving while viewing.
	em.mu.Lock()
	defer em.mu.Unlock()
	require.Equal(t, []string{"c1", "c1"}, em.reads)
}

func TestHandleMessageUpdatesLastMessage(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	base := time.Now()
	r.SetChats([]model.Chat{chat("c1", base)})

	r.HandleMessage(model.Message{ID: "m1", ChatID: "c1", SenderID: "peer", Content: "latest", CreatedAt: base.Add(time.Minute)})

	got, _ := r.Chat("c1")
	require.NotNil(t, got.LastMessage)
	require.Equal(t, "latest", got.LastMessage.Content)
}

func TestChatsOrderedByLastActivity(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	old := chat("old", base)
	fresh := chat("fresh", base.Add(-time.Hour))
	fresh.LastMessage = &model.Message{ID: "m1", ChatID: "fresh", CreatedAt: base.Add(time.Hour)}
	r.SetChats([]model.Chat{old, fresh})

	got := r.Chats()
	require.Len(t, got, 2)
	require.Equal(t, "fresh", got[0].ID)
	require.Equal(t, "old", got[1].ID)
}

func TestRestorationRunsExactlyOnce(t *testing.T) {
	r, em, fe := newTestReconciler(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	restored := chat("ghost", base)
	fe.mu.Lock()
	fe.chats = []model.Chat{restored}
	fe.mu.Unlock()

	var notices []Notice
	var noticeMu sync.Mutex
	r.OnNotice(func(n Notice) {
		noticeMu.Lock()
		notices = append(notices, n)
		noticeMu.Unlock()
	})

	for i := 0; i < 5; i++ {
		r.HandleMessage(model.Message{ID: "m1", ChatID: "ghost", SenderID: "peer", Content: "knock", CreatedAt: base})
	}

	waitFor(t, func() bool {
		_, ok := r.Chat("ghost")
		return ok
	})

	require.Equal(t, 1, em.restoreCount("ghost"))

	got, _ := r.Chat("ghost")
	require.GreaterOrEqual(t, got.UnreadCount, 1)

	noticeMu.Lock()
	defer noticeMu.Unlock()
	require.Len(t, notices, 1)
	require.Equal(t, "ghost", notices[0].ChatID)
	require.Equal(t, "peer", notices[0].SenderID)
	require.Equal(t, "knock", notices[0].Preview)
}

func TestHandleAlertBumpsVisibleChat(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	r.SetChats([]model.Chat{chat("c1", time.Now())})

	r.HandleAlert("c1", "peer", "pssst")
	r.HandleAlert("c1", "peer", "again")

	got, _ := r.Chat("c1")
	require.Equal(t, 2, got.UnreadCount)
}

func TestHandleAlertRestoresAbsentChat(t *testing.T) {
	r, em, fe := newTestReconciler(t)
	fe.mu.Lock()
	fe.chats = []model.Chat{chat("hidden", time.Now())}
	fe.mu.Unlock()

	r.HandleAlert("hidden", "peer", "hello?")

	waitFor(t, func() bool {
		_, ok := r.Chat("hidden")
		return ok
	})
	require.Equal(t, 1, em.restoreCount("hidden"))
}

func TestSetActiveZeroesUnreadOptimistically(t *testing.T) {
	r, em, _ := newTestReconciler(t)
	c := chat("c1", time.Now())
	c.UnreadCount = 7
	r.SetChats([]model.Chat{c})

	r.SetActive("c1")

	got, _ := r.Chat("c1")
	require.Equal(t, 0, got.UnreadCount)
	em.mu.Lock()
	defer em.mu.Unlock()
	require.Equal(t, []string{"c1"}, em.reads)
}

func TestSetChatsKeepsActiveChatRead(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	r.SetChats([]model.Chat{chat("c1", time.Now())})
	r.SetActive("c1")

	refetched := chat("c1", time.Now())
	refetched.UnreadCount = 4
	r.SetChats([]model.Chat{refetched})

	got, _ := r.Chat("c1")
	require.Equal(t, 0, got.UnreadCount)
}

func TestDeleteIsLocalOnly(t *testing.T) {
	r, em, _ := newTestReconciler(t)
	r.SetChats([]model.Chat{chat("c1", time.Now())})

	r.Delete("c1")

	_, ok := r.Chat("c1")
	require.False(t, ok)
	em.mu.Lock()
	defer em.mu.Unlock()
	require.Equal(t, []string{"c1"}, em.leaves)
}

func TestDeletedChatComesBackOnMessage(t *testing.T) {
	r, em, fe := newTestReconciler(t)
	base := time.Now()
	r.SetChats([]model.Chat{chat("c1", base)})
	r.Delete("c1")

	fe.mu.Lock()
	fe.chats = []model.Chat{chat("c1", base)}
	fe.mu.Unlock()

	r.HandleMessage(model.Message{ID: "m1", ChatID: "c1", SenderID: "peer", Content: "back", CreatedAt: base})

	waitFor(t, func() bool {
		_, ok := r.Chat("c1")
		return ok
	})
	require.Equal(t, 1, em.restoreCount("c1"))
}

func TestUpsertPreservesUnread(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	c := chat("c1", time.Now())
	c.UnreadCount = 3
	r.SetChats([]model.Chat{c})

	r.Upsert(chat("c1", time.Now()))

	got, _ := r.Chat("c1")
	require.Equal(t, 3, got.UnreadCount)
}

func TestSubscribeCancel(t *testing.T) {
	r, _, _ := newTestReconciler(t)

	var fired int
	cancel := r.Subscribe(func() { fired++ })

	r.SetChats([]model.Chat{chat("c1", time.Now())})
	require.Equal(t, 1, fired)

	cancel()
	r.SetChats([]model.Chat{chat("c2", time.Now())})
	require.Equal(t, 1, fired)
}
