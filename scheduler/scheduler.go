package scheduler

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-netbridge/errors"
)

const (
	// MaxTimerDelay is the longest single wait, 2^31-1 milliseconds.
	MaxTimerDelay = time.Duration(math.MaxInt32) * time.Millisecond
	// DefaultSleepThreshold is the debt that triggers a yield.
	DefaultSleepThreshold = 5 * time.Millisecond
	// DefaultMinDebt bounds catch-up after a long stall.
	DefaultMinDebt = -25 * time.Millisecond
)

// ErrStopped is returned when work is submitted to a terminated scheduler.
var ErrStopped = &errors.Error{Phase: errors.PhaseSchedule, Kind: errors.KindInvalidState, Detail: "scheduler stopped"}

// Executor is the guest side of the loop.
type Executor interface {
	// RunSlice advances the guest's executor by one slice.
	RunSlice(ctx context.Context)
	// Alive reports whether the guest can still be called.
	Alive() bool
}

// Config configures a Scheduler.
type Config struct {
	// RateLimit is the fraction of wall-clock time the guest may use, in (0, 1].
	RateLimit      float64
	SleepThreshold time.Duration
	MinDebt        time.Duration
	MaxDelay       time.Duration
	Logger         *zap.Logger
	// OnShutdown runs on the loop goroutine after a clean shutdown, exactly once.
	OnShutdown func()
}

// Stats describes loop activity since Run started.
type Stats struct {
	Slices   uint64
	Tasks    uint64
	Busy     time.Duration
	Yielded  time.Duration
	Debt     time.Duration
	Draining bool
}

type outcome uint8

const (
	proceed outcome = iota
	stopped
	dead
)

// Scheduler is the bridge loop.
type Scheduler struct {
	exec   Executor
	logger *zap.Logger

	rate      float64
	threshold time.Duration
	minDebt   time.Duration
	maxDelay  time.Duration

	onShutdown func()

	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
	ready chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	done     atomic.Bool

	slices  atomic.Uint64
	tasks   atomic.Uint64
	busy    atomic.Int64
	yielded atomic.Int64
	debt    atomic.Int64
}

// New creates a scheduler for exec.
func New(exec Executor, cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rate := cfg.RateLimit
	if rate <= 0 || rate > 1 {
		rate = 1
	}
	threshold := cfg.SleepThreshold
	if threshold <= 0 {
		threshold = DefaultSleepThreshold
	}
	minDebt := cfg.MinDebt
	if minDebt >= 0 {
		minDebt = DefaultMinDebt
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 || maxDelay > MaxTimerDelay {
		maxDelay = MaxTimerDelay
	}
	return &Scheduler{
		exec:       exec,
		logger:     logger,
		rate:       rate,
		threshold:  threshold,
		minDebt:    minDebt,
		maxDelay:   maxDelay,
		onShutdown: cfg.OnShutdown,
		wake:       make(chan struct{}, 1),
		ready:      make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
}

// NotifyReady marks the guest as having queued work. Level-triggered:
// repeated calls before the next slice collapse into one.
func (s *Scheduler) NotifyReady() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Post queues fn for execution on the loop. Returns false once the loop has
// terminated.
func (s *Scheduler) Post(fn func()) bool {
	s.mu.Lock()
	if s.done.Load() {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// States of a task queued by Do.
const (
	taskQueued int32 = iota
	taskStarted
	taskAbandoned
)

// Do runs fn on the loop and waits for it. A nil result means fn ran to
// completion; an error means it never ran and never will. Must not be called
// from the loop goroutine itself.
func (s *Scheduler) Do(ctx context.Context, fn func()) error {
	var state atomic.Int32
	finished := make(chan struct{})
	if !s.Post(func() {
		if !state.CompareAndSwap(taskQueued, taskStarted) {
			return
		}
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return abandon(&state, finished, ctx.Err())
	case <-s.stop:
		return abandon(&state, finished, ErrStopped)
	}
}

// abandon withdraws a queued task. A task the loop already started is waited
// for instead, since its effects can no longer be undone.
func abandon(state *atomic.Int32, finished <-chan struct{}, err error) error {
	if state.CompareAndSwap(taskQueued, taskAbandoned) {
		return err
	}
	<-finished
	return nil
}

// Shutdown asks the loop to stop after the current slice or task.
func (s *Scheduler) Shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Done returns a channel closed once shutdown was requested.
func (s *Scheduler) Done() <-chan struct{} {
	return s.stop
}

// Stats returns loop counters. Safe from any goroutine.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Slices:   s.slices.Load(),
		Tasks:    s.tasks.Load(),
		Busy:     time.Duration(s.busy.Load()),
		Yielded:  time.Duration(s.yielded.Load()),
		Debt:     time.Duration(s.debt.Load()),
		Draining: s.done.Load(),
	}
}

// Run executes the loop until shutdown (returns nil) or guest death
// (returns errors.ErrGuestDead). ctx cancellation counts as shutdown.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.running.Swap(true) {
		return errors.InvalidState(errors.PhaseSchedule, "run", "already running")
	}

	switch s.loop(ctx) {
	case dead:
		s.finish()
		s.logger.Debug("executor stopped: guest is dead")
		return errors.ErrGuestDead
	default:
		s.finish()
		s.logger.Debug("executor shutdown")
		if s.onShutdown != nil {
			s.onShutdown()
		}
		return nil
	}
}

func (s *Scheduler) finish() {
	s.mu.Lock()
	s.done.Store(true)
	s.queue = nil
	s.mu.Unlock()
	s.Shutdown()
}

func (s *Scheduler) loop(ctx context.Context) outcome {
	var debt time.Duration

	for {
		if !s.exec.Alive() {
			return dead
		}
		if s.shuttingDown(ctx) {
			return stopped
		}
		if out := s.drain(); out != proceed {
			return out
		}

		// Readiness raised during the slice must survive it.
		select {
		case <-s.ready:
		default:
		}

		start := time.Now()
		s.exec.RunSlice(ctx)
		elapsed := time.Since(start)
		s.slices.Add(1)
		s.busy.Add(int64(elapsed))

		if !s.exec.Alive() {
			return dead
		}

		debt += time.Duration(float64(elapsed) * (1/s.rate - 1))
		if debt > s.threshold {
			wait := debt
			if wait > s.maxDelay {
				wait = s.maxDelay
			}
			yieldStart := time.Now()
			timer := time.NewTimer(wait)
			out := s.wait(ctx, timer.C, nil)
			timer.Stop()
			slept := time.Since(yieldStart)
			s.yielded.Add(int64(slept))
			if out != proceed {
				return out
			}
			debt -= slept
			if debt < s.minDebt {
				debt = s.minDebt
			}
		}
		s.debt.Store(int64(debt))

		if out := s.wait(ctx, nil, s.ready); out != proceed {
			return out
		}
	}
}

// wait serves posted tasks until timer fires or ready is signaled,
// whichever is non-nil, racing shutdown.
func (s *Scheduler) wait(ctx context.Context, timer <-chan time.Time, ready <-chan struct{}) outcome {
	for {
		select {
		case <-timer:
			return proceed
		case <-ready:
			return proceed
		case <-s.wake:
			if out := s.drain(); out != proceed {
				return out
			}
		case <-ctx.Done():
			return stopped
		case <-s.stop:
			return stopped
		}
	}
}

// drain runs every queued task.
func (s *Scheduler) drain() outcome {
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		if len(batch) == 0 {
			return proceed
		}
		for i, fn := range batch {
			fn()
			s.tasks.Add(1)
			if !s.exec.Alive() {
				s.requeue(batch[i+1:])
				return dead
			}
			if s.isStopped() {
				s.requeue(batch[i+1:])
				return stopped
			}
		}
	}
}

func (s *Scheduler) requeue(rest []func()) {
	if len(rest) == 0 {
		return
	}
	s.mu.Lock()
	s.queue = append(rest, s.queue...)
	s.mu.Unlock()
}

func (s *Scheduler) isStopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Scheduler) shuttingDown(ctx context.Context) bool {
	return s.isStopped() || ctx.Err() != nil
}
