package bridge

import (
	"math"
	"sync"
	"time"

	"github.com/wippyai/wasm-netbridge/scheduler"
)

type timers struct {
	mu     sync.Mutex
	active map[*time.Timer]struct{}
	closed bool
}

func newTimers() *timers {
	return &timers{active: make(map[*time.Timer]struct{})}
}

// after runs fire once d elapses unless stopAll is called first.
func (t *timers) after(d time.Duration, fire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		_, live := t.active[timer]
		delete(t.active, timer)
		t.mu.Unlock()
		if live {
			fire()
		}
	})
	t.active[timer] = struct{}{}
}

func (t *timers) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

func (t *timers) stopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for timer := range t.active {
		timer.Stop()
	}
	clear(t.active)
}

// timerDelay converts a guest delay in milliseconds. NaN and negative values
// mean now; anything longer than the maximum timer delay is clamped.
func timerDelay(ms float64) time.Duration {
	if math.IsNaN(ms) || ms <= 0 {
		return 0
	}
	limit := float64(scheduler.MaxTimerDelay / time.Millisecond)
	if ms >= limit {
		return scheduler.MaxTimerDelay
	}
	return time.Duration(math.Ceil(ms * float64(time.Millisecond)))
}

// startTimer calls timer_finished(id) on the loop after ms milliseconds.
func (b *Bridge) startTimer(id uint32, ms float64) {
	finished := func() { b.call(exportTimerFinished, uint64(id)) }

	d := timerDelay(ms)
	if d == 0 {
		b.sched.Post(finished)
		return
	}
	b.timers.after(d, func() { b.sched.Post(finished) })
}
