package transport

import (
	"sync"
	"time"
)

const (
	minCreditPoll = 10 * time.Millisecond
	maxCreditPoll = time.Second
)

// creditPoller periodically reports that send capacity may have been freed.
// The interval starts at minCreditPoll after every kick and doubles up to
// maxCreditPoll while bytes stay queued. One final notification follows the
// observation of an empty queue.
type creditPoller struct {
	buffered func() int
	notify   func()

	mu      sync.Mutex
	timer   *time.Timer
	delay   time.Duration
	stopped bool
}

func newCreditPoller(buffered func() int, notify func()) *creditPoller {
	return &creditPoller{buffered: buffered, notify: notify}
}

// kick restarts the schedule at the shortest interval.
func (p *creditPoller) kick() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.delay = minCreditPoll
	if p.timer == nil {
		p.timer = time.AfterFunc(p.delay, p.tick)
		return
	}
	p.timer.Reset(p.delay)
}

func (p *creditPoller) tick() {
	remaining := p.buffered()
	p.notify()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || remaining == 0 {
		return
	}
	p.delay *= 2
	if p.delay > maxCreditPoll {
		p.delay = maxCreditPoll
	}
	p.timer.Reset(p.delay)
}

func (p *creditPoller) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
	}
}
