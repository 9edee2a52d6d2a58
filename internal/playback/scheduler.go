// Package playback paces the application of streamed deltas. Producers push deltas as fast as the
// network delivers them; a single ticker pops at most one per tick and hands it to the consumer.
package playback

import (
	"context"
	"sync"
	"time"
)

// DefaultInterval is the tick period used when none is configured.
const DefaultInterval = 15 * time.Millisecond

// Scheduler is a FIFO of pending deltas drained by one repeating ticker. It is started once for the
// lifetime of its owner and shared by every send of that owner. T is the queued item, usually the
// delta text, possibly tagged by the owner.
type Scheduler[T any] struct {
	interval time.Duration
	apply    func(delta T)

	mu       sync.Mutex
	queue    []T
	applying bool
	started  bool
	stopped  bool

	stop chan struct{}
	done chan struct{}
}

// NewScheduler returns a stopped scheduler that forwards deltas to apply. A non-positive interval
// falls back to DefaultInterval.
func NewScheduler[T any](interval time.Duration, apply func(delta T)) *Scheduler[T] {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler[T]{
		interval: interval,
		apply:    apply,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Interval returns the tick period.
func (s *Scheduler[T]) Interval() time.Duration {
	return s.interval
}

// Push enqueues a delta. It never blocks and never fails, even after Stop.
func (s *Scheduler[T]) Push(delta T) {
	s.mu.Lock()
	s.queue = append(s.queue, delta)
	s.mu.Unlock()
}

// Clear drops every pending delta.
func (s *Scheduler[T]) Clear() {
	s.mu.Lock()
	s.queue = nil
	s.mu.Unlock()
}

// Pending returns the number of deltas waiting to be applied.
func (s *Scheduler[T]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Start launches the ticker. Calls after the first, or after Stop, do nothing.
func (s *Scheduler[T]) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	go s.run()
}

// Stop halts the ticker and waits for an in-progress apply to return. No delta is applied after Stop
// returns. Stopping twice, or stopping a scheduler that never started, is a no-op.
func (s *Scheduler[T]) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	close(s.stop)
	s.mu.Unlock()

	if started {
		<-s.done
	}
}

// Wait blocks until the queue is empty and the last popped delta was applied, the scheduler is
// stopped, or ctx is done.
func (s *Scheduler[T]) Wait(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		s.mu.Lock()
		idle := (len(s.queue) == 0 && !s.applying) || s.stopped
		s.mu.Unlock()
		if idle {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Scheduler[T]) run() {
	defer close(s.done)

	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.tick()
		}
	}
}

// tick applies the oldest pending delta, if any.
func (s *Scheduler[T]) tick() {
	s.mu.Lock()
	if len(s.queue) == 0 || s.stopped {
		s.mu.Unlock()
		return
	}
	next := s.queue[0]
	var zero T
	s.queue[0] = zero
	s.queue = s.queue[1:]
	s.applying = true
	s.mu.Unlock()

	s.apply(next)

	s.mu.Lock()
	s.applying = false
	s.mu.Unlock()
}
