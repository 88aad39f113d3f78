package client

import (
	"sync"
	"time"
)

// Watcher is an idle-timeout watchdog. It detects connections that stay open
// at the transport layer but have stopped delivering data, a failure mode
// the transport itself cannot see, and fires a corrective callback after a
// configurable window of silence.
//
// Exactly one timer is live at a time: Start while armed resets rather than
// duplicates, and the expiry callback rearms so a permanently silent
// connection keeps getting kicked.
type Watcher struct {
	timeout time.Duration
	expire  func()

	mu    sync.Mutex
	timer *time.Timer
	armed bool
}

// NewWatcher creates a watchdog that calls expire after timeout of silence.
func NewWatcher(timeout time.Duration, expire func()) *Watcher {
	return &Watcher{timeout: timeout, expire: expire}
}

// Start arms the watchdog, resetting the window if already armed.
func (w *Watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.armed = true
	w.reset()
}

// MarkAlive resets the idle window. A no-op when the watchdog is stopped.
func (w *Watcher) MarkAlive() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.armed {
		return
	}
	w.reset()
}

// Stop disarms the watchdog.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.armed = false
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// reset supersedes the current timer. Caller holds w.mu.
func (w *Watcher) reset() {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.timeout, w.fire)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	armed := w.armed
	if armed {
		w.reset()
	}
	w.mu.Unlock()
	if armed {
		w.expire()
	}
}
