package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chatsync/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(zap.NewNop().Sugar())
}

func msg(id, chatID, senderID, content string, at time.Time) model.Message {
	return model.Message{
		ID:        id,
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: at,
	}
}

func TestApplyInboundDropsDuplicates(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.True(t, s.ApplyInbound(msg("m1", "c1", "alice", "hello", base)))
	require.False(t, s.ApplyInbound(msg("m1", "c1", "alice", "hello", base)))
	require.False(t, s.ApplyInbound(msg("m1", "c1", "alice", "hello", base)))

	require.Len(t, s.Messages("c1"), 1)
}

func TestApplyInboundIgnoresEmptyIdentity(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()

	require.False(t, s.ApplyInbound(msg("", "c1", "alice", "x", base)))
	require.False(t, s.ApplyInbound(msg("m1", "", "alice", "x", base)))
	require.False(t, s.ApplyInbound(msg("m1", "c1", "", "x", base)))
	require.Empty(t, s.Messages("c1"))
}

func TestOptimisticSendConvergesViaEcho(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s.InsertPending(msg("temp-1", "c1", "alice", "hi there", base))

	got := s.Messages("c1")
	require.Len(t, got, 1)
	require.Equal(t, model.Pending, got[0].State)

	// Broadcast echo carries the durable id but matching sender/content.
	require.True(t, s.ApplyInbound(msg("m42", "c1", "alice", "hi there", base.Add(time.Second))))

	got = s.Messages("c1")
	require.Len(t, got, 1)
	require.Equal(t, "m42", got[0].ID)
	require.Equal(t, model.Confirmed, got[0].State)
}

func TestTwinMatchSkipsConfirmedEntries(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Two identical confirmed messages in quick succession stay distinct.
	require.True(t, s.ApplyInbound(msg("m1", "c1", "alice", "ok", base)))
	require.True(t, s.ApplyInbound(msg("m2", "c1", "alice", "ok", base.Add(time.Second))))

	require.Len(t, s.Messages("c1"), 2)
}

func TestTwinMatchRespectsWindow(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s.InsertPending(msg("temp-1", "c1", "alice", "late", base))
	require.True(t, s.ApplyInbound(msg("m9", "c1", "alice", "late", base.Add(SimilarityWindow+time.Second))))

	// Outside the window the pending entry is not collapsed.
	require.Len(t, s.Messages("c1"), 2)
}

func TestConfirmSwapsTempForDurable(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	pending := msg("temp-1", "c1", "alice", "hi", base)
	pending.SenderName = "Alice"
	s.InsertPending(pending)

	durable := msg("m7", "c1", "alice", "hi", base.Add(200*time.Millisecond))
	require.True(t, s.Confirm("c1", "temp-1", durable))

	got := s.Messages("c1")
	require.Len(t, got, 1)
	require.Equal(t, "m7", got[0].ID)
	require.Equal(t, model.Confirmed, got[0].State)
	require.Equal(t, "Alice", got[0].SenderName)

	// The echo for the same durable id arrives later and must not re-add.
	require.False(t, s.ApplyInbound(msg("m7", "c1", "alice", "hi", base.Add(200*time.Millisecond))))
	require.Len(t, s.Messages("c1"), 1)
}

func TestConfirmAfterEchoDropsLeftoverTemp(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s.InsertPending(msg("temp-1", "c1", "alice", "hi", base))

	// Echo wins the race and reconciles the pending entry.
	require.True(t, s.ApplyInbound(msg("m7", "c1", "alice", "hi", base.Add(time.Second))))

	// Direct response lands second; exactly one entry must remain and it
	// is addressable by the durable id only.
	s.Confirm("c1", "temp-1", msg("m7", "c1", "alice", "hi", base.Add(time.Second)))

	got := s.Messages("c1")
	require.Len(t, got, 1)
	require.Equal(t, "m7", got[0].ID)
}

func TestSnapshotReconcilesPendingTwin(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s.InsertPending(msg("temp-1", "c1", "alice", "hi there", base))

	// A refetch delivers the durable row before the broadcast echo.
	s.ApplySnapshot("c1", []model.Message{
		msg("m42", "c1", "alice", "hi there", base.Add(time.Second)),
	})

	got := s.Messages("c1")
	require.Len(t, got, 1)
	require.Equal(t, "m42", got[0].ID)
	require.Equal(t, model.Confirmed, got[0].State)

	// The late echo is a by-id duplicate and must not resurrect anything.
	require.False(t, s.ApplyInbound(msg("m42", "c1", "alice", "hi there", base.Add(time.Second))))
	require.Len(t, s.Messages("c1"), 1)
}

func TestMessagesSortedByCreationTime(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.True(t, s.ApplyInbound(msg("m1", "c1", "a", "first", base.Add(2*time.Minute))))
	require.True(t, s.ApplyInbound(msg("m2", "c1", "b", "second", base.Add(5*time.Minute))))
	require.True(t, s.ApplyInbound(msg("m3", "c1", "c", "third", base)))

	got := s.Messages("c1")
	require.Len(t, got, 3)
	require.Equal(t, []string{"m3", "m1", "m2"}, []string{got[0].ID, got[1].ID, got[2].ID})
}

func TestApplySnapshotPreservesPendingSends(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s.InsertPending(msg("temp-1", "c1", "alice", "unsent", base.Add(time.Minute)))

	s.ApplySnapshot("c1", []model.Message{
		msg("m1", "c1", "bob", "old", base),
		msg("m2", "c1", "bob", "older", base.Add(30*time.Second)),
	})

	got := s.Messages("c1")
	require.Len(t, got, 3)
	require.Equal(t, "temp-1", got[2].ID)
	require.Equal(t, model.Pending, got[2].State)
}

func TestApplySnapshotReplacesById(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.True(t, s.ApplyInbound(msg("m1", "c1", "bob", "draft", base)))

	updated := msg("m1", "c1", "bob", "draft", base)
	updated.ReadBy = []string{"alice"}
	s.ApplySnapshot("c1", []model.Message{updated})

	got := s.Messages("c1")
	require.Len(t, got, 1)
	require.True(t, got[0].ReadByUser("alice"))
}

func TestMarkFailedKeepsEntryVisible(t *testing.T) {
	s := newTestStore(t)
	s.InsertPending(msg("temp-1", "c1", "alice", "oops", time.Now()))

	require.True(t, s.MarkFailed("c1", "temp-1"))
	require.False(t, s.MarkFailed("c1", "temp-1"))

	got := s.Messages("c1")
	require.Len(t, got, 1)
	require.Equal(t, model.Failed, got[0].State)
}

func TestMarkReadIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.True(t, s.ApplyInbound(msg("m1", "c1", "alice", "hi", time.Now())))

	require.True(t, s.MarkRead("c1", "m1", "bob"))
	require.False(t, s.MarkRead("c1", "m1", "bob"))

	got := s.Messages("c1")
	require.Equal(t, []string{"bob"}, got[0].ReadBy)
}

func TestSubscribeNotifiesOnChange(t *testing.T) {
	s := newTestStore(t)

	var fired int
	cancel := s.Subscribe("c1", func() { fired++ })

	require.True(t, s.ApplyInbound(msg("m1", "c1", "alice", "hi", time.Now())))
	require.Equal(t, 1, fired)

	// Duplicate drop must not re-notify.
	require.False(t, s.ApplyInbound(msg("m1", "c1", "alice", "hi", time.Now())))
	require.Equal(t, 1, fired)

	// Other chats do not leak into this subscription.
	require.True(t, s.ApplyInbound(msg("m2", "c2", "alice", "hi", time.Now())))
	require.Equal(t, 1, fired)

	cancel()
	require.True(t, s.ApplyInbound(msg("m3", "c1", "alice", "bye", time.Now())))
	require.Equal(t, 1, fired)
}

func TestMessagesReturnsCopies(t *testing.T) {
	s := newTestStore(t)
	require.True(t, s.ApplyInbound(msg("m1", "c1", "alice", "hi", time.Now())))

	got := s.Messages("c1")
	got[0].Content = "mutated"
	got[0].ReadBy = append(got[0].ReadBy, "mallory")

	again := s.Messages("c1")
	require.Equal(t, "hi", again[0].Content)
	require.Empty(t, again[0].ReadBy)
}
