package outbox

import (
	"sync"
	"time"
)

// typingWindow bounds how often a typing signal goes out per chat.
const typingWindow = 500 * time.Millisecond

// typist coalesces typing signals for one chat: the first call emits, and
// repeats within the window are swallowed. The timer handle is owned here
// and cancelled on Stop, not left dangling after teardown.
type typist struct {
	mu     sync.Mutex
	emit   func() error
	window time.Duration
	timer  *time.Timer
	active bool
}

func newTypist(window time.Duration, emit func() error) *typist {
	return &typist{emit: emit, window: window}
}

// notify emits a typing signal unless one went out within the window.
// Fire and forget: emit errors are the caller's to log, not to retry.
func (t *typist) notify() error {
	t.mu.Lock()
	if t.active {
		t.mu.Unlock()
		return nil
	}
	t.active = true
	t.timer = time.AfterFunc(t.window, func() {
		t.mu.Lock()
		t.active = false
		t.mu.Unlock()
	})
	t.mu.Unlock()

	return t.emit()
}

// stop cancels the pending window timer.
func (t *typist) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.active = false
}
