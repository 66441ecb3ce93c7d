package stream

import (
	"sync"
	"time"
)

// Scheduler defers work out of the bus dispatch goroutine. User-visible
// callbacks are always invoked through it, never synchronously from an event
// handler, so a callback can safely publish or subscribe without re-entering
// the bus.
type Scheduler interface {
	// Defer runs fn on the scheduler's own goroutine, after previously
	// deferred work. FIFO order is guaranteed.
	Defer(fn func())
	// After runs fn on the scheduler's goroutine once d has elapsed.
	// The returned function cancels the timer; it is safe to call twice.
	After(d time.Duration, fn func()) (cancel func())
}

// TickScheduler is the default Scheduler: a single worker goroutine draining
// an unbounded FIFO queue. The queue is unbounded so a callback may safely
// defer more work without risking deadlock.
type TickScheduler struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
}

// NewScheduler creates a running TickScheduler.
func NewScheduler() *TickScheduler {
	s := &TickScheduler{}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *TickScheduler) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		fn()
	}
}

// Defer enqueues fn. Work submitted after Close is dropped.
func (s *TickScheduler) Defer(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, fn)
	s.cond.Signal()
}

// After schedules fn to run on the worker after d.
func (s *TickScheduler) After(d time.Duration, fn func()) func() {
	timer := time.AfterFunc(d, func() {
		s.Defer(fn)
	})
	return func() { timer.Stop() }
}

// Close stops the worker once already-queued work has run.
func (s *TickScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cond.Signal()
}
