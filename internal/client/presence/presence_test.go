package presence

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnknownUserIsOffline(t *testing.T) {
	tr := NewTracker()
	require.False(t, tr.IsOnline("stranger"))
	require.True(t, tr.LastSeen("stranger").IsZero())
}

func TestSetAndHeartbeat(t *testing.T) {
	tr := NewTracker()

	tr.Set("alice", true)
	require.True(t, tr.IsOnline("alice"))
	require.False(t, tr.LastSeen("alice").IsZero())

	tr.Set("alice", false)
	require.False(t, tr.IsOnline("alice"))

	tr.Heartbeat("bob")
	require.True(t, tr.IsOnline("bob"))
}

func TestRepeatedSetNotifiesOnce(t *testing.T) {
	tr := NewTracker()

	var calls []bool
	cancel := tr.Subscribe("alice", func(online bool) { calls = append(calls, online) })
	defer cancel()

	// Immediate delivery of the current (offline) value.
	require.Equal(t, []bool{false}, calls)

	tr.Set("alice", true)
	tr.Set("alice", true)
	tr.Set("alice", true)

	require.Equal(t, []bool{false, true}, calls)
}

func TestSubscribeCancelStopsDelivery(t *testing.T) {
	tr := NewTracker()

	var calls int
	cancel := tr.Subscribe("alice", func(bool) { calls++ })
	require.Equal(t, 1, calls)

	cancel()
	tr.Set("alice", true)
	require.Equal(t, 1, calls)
}

func TestSubscribeScopedToUser(t *testing.T) {
	tr := NewTracker()

	var calls int
	cancel := tr.Subscribe("alice", func(bool) { calls++ })
	defer cancel()

	tr.Set("bob", true)
	require.Equal(t, 1, calls)

	tr.Set("alice", true)
	require.Equal(t, 2, calls)
}

func TestEmptyUserIDIgnored(t *testing.T) {
	tr := NewTracker()
	tr.Set("", true)
	require.False(t, tr.IsOnline(""))
}
