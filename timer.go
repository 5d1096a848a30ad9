package pairchat

import (
	"sync"
	"time"
)

// Timer is a re-armable one-shot timer. Arming replaces any pending callback
// and a cancelled or replaced callback never runs.
type Timer struct {
	mu    sync.Mutex
	t     *time.Timer
	gen   uint64
	armed bool
}

// Arm schedules fn to run after d, replacing any pending callback.
func (t *Timer) Arm(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.t != nil {
		t.t.Stop()
	}
	t.gen++
	gen := t.gen
	t.armed = true
	t.t = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.gen != gen || !t.armed {
			t.mu.Unlock()
			return
		}
		t.armed = false
		t.t = nil
		t.mu.Unlock()
		fn()
	})
}

// Cancel stops the pending callback. It reports whether one was pending.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	wasArmed := t.armed
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	t.gen++
	t.armed = false
	return wasArmed
}

// Armed reports whether a callback is pending.
func (t *Timer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}
