package outbox

import (
	"sync"
	"time"
)

// dedupWindow is how long a send signature suppresses an identical send.
// Long enough to swallow a double submit, short enough not to block a
// deliberate repeat.
const dedupWindow = 3 * time.Second

// registry is the transient pending-send set. Keys are
// chat+sender+content signatures; entries expire after dedupWindow and are
// pruned lazily on each write, so the map never grows unbounded.
type registry struct {
	mu      sync.Mutex
	entries map[string]time.Time
	window  time.Duration
	now     func() time.Time
}

func newRegistry(window time.Duration) *registry {
	return &registry{
		entries: make(map[string]time.Time),
		window:  window,
		now:     time.Now,
	}
}

func sendKey(chatID, senderID, content string) string {
	return chatID + "\x00" + senderID + "\x00" + content
}

// tryAdd records the signature unless a live entry already holds it.
func (r *registry) tryAdd(chatID, senderID, content string) bool {
	key := sendKey(chatID, senderID, content)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for k, t := range r.entries {
		if now.Sub(t) > r.window {
			delete(r.entries, k)
		}
	}

	if t, ok := r.entries[key]; ok && now.Sub(t) <= r.window {
		return false
	}
	r.entries[key] = now
	return true
}

// clear drops the signature so a manual retry is not suppressed.
func (r *registry) clear(chatID, senderID, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, sendKey(chatID, senderID, content))
}
