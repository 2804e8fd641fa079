// Package presence tracks which users are currently online.
package presence

import (
	"sync"
	"time"
)

type record struct {
	online   bool
	lastSeen time.Time
	known    bool
}

type subscriber struct {
	userID string
	fn     func(online bool)
}

// Tracker is the owned map of user id to online flag. All writes go
// through Set/Heartbeat; consumers read via IsOnline or Subscribe and
// never touch the map directly. Users without a record read as offline.
type Tracker struct {
	mu      sync.Mutex
	users   map[string]record
	subs    map[int]subscriber
	nextSub int
}

func NewTracker() *Tracker {
	return &Tracker{
		users: make(map[string]record),
		subs:  make(map[int]subscriber),
	}
}

// IsOnline reports the current flag for userID. Unknown users are
// offline, not a distinct third state.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.users[userID].online
}

// LastSeen returns the last recorded presence change for userID, zero if
// the user was never seen.
func (t *Tracker) LastSeen(userID string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.users[userID].lastSeen
}

// Set records the online flag for userID. Writing the value already held
// is a no-op and notifies nobody, so repeated broadcasts of the same state
// cannot cause notification storms.
func (t *Tracker) Set(userID string, online bool) {
	if userID == "" {
		return
	}

	t.mu.Lock()
	cur := t.users[userID]
	if cur.known && cur.online == online {
		t.mu.Unlock()
		return
	}
	t.users[userID] = record{online: online, lastSeen: time.Now().UTC(), known: true}
	subs := make([]func(bool), 0)
	for _, s := range t.subs {
		if s.userID == userID {
			subs = append(subs, s.fn)
		}
	}
	t.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}

// Heartbeat marks the owning user online. Called on connect and on
// user-visible activity.
func (t *Tracker) Heartbeat(userID string) {
	t.Set(userID, true)
}

// Subscribe registers fn for changes to userID's flag and immediately
// delivers the current value. The returned cancel func must be called on
// teardown so repeated mounts do not accumulate callbacks.
func (t *Tracker) Subscribe(userID string, fn func(online bool)) func() {
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = subscriber{userID: userID, fn: fn}
	current := t.users[userID].online
	t.mu.Unlock()

	fn(current)

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs, id)
	}
}
