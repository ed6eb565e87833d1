package prefetch

import (
	"sync"
	"time"
)

// throttle runs fn at most once per interval. The first call in a quiet
// period runs immediately; calls inside the interval collapse into a single
// trailing run.
type throttle struct {
	interval time.Duration
	fn       func()

	mu      sync.Mutex
	last    time.Time
	timer   *time.Timer
	stopped bool
}

func newThrottle(interval time.Duration, fn func()) *throttle {
	return &throttle{interval: interval, fn: fn}
}

func (t *throttle) trigger() {
	t.mu.Lock()
	if t.stopped || t.timer != nil {
		t.mu.Unlock()
		return
	}
	wait := t.interval - time.Since(t.last)
	if wait <= 0 {
		t.last = time.Now()
		t.mu.Unlock()
		t.fn()
		return
	}
	t.timer = time.AfterFunc(wait, t.fire)
	t.mu.Unlock()
}

func (t *throttle) fire() {
	t.mu.Lock()
	t.timer = nil
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.last = time.Now()
	t.mu.Unlock()
	t.fn()
}

func (t *throttle) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
