package watcher

import (
	"sync"
	"time"
)

// expiry asks the watcher loop to check a pending deletion.
type expiry struct {
	name string
	seq  uint64
}

// deleteScheduler arms one runtime timer per pending deletion. Timers do no
// work themselves: when one fires it hands the deletion back to the watcher
// loop, so delayed deletes are dispatched in order with raw events.
type deleteScheduler struct {
	delay time.Duration
	out   chan<- expiry
	done  <-chan struct{}

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

func newDeleteScheduler(delay time.Duration, out chan<- expiry, done <-chan struct{}) *deleteScheduler {
	return &deleteScheduler{
		delay:  delay,
		out:    out,
		done:   done,
		timers: make(map[string]*time.Timer),
	}
}

// schedule arms the check for a deletion record, replacing the timer of an
// earlier record for the same name.
func (s *deleteScheduler) schedule(name string, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if old, ok := s.timers[name]; ok {
		old.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(s.delay, func() {
		s.mu.Lock()
		if s.timers[name] == timer {
			delete(s.timers, name)
		}
		s.mu.Unlock()

		select {
		case s.out <- expiry{name: name, seq: seq}:
		case <-s.done:
		}
	})
	s.timers[name] = timer
}

// cancel drops the timer for name, if any.
func (s *deleteScheduler) cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.timers[name]; ok {
		timer.Stop()
		delete(s.timers, name)
	}
}

// stop cancels every outstanding timer. Later calls to schedule are no-ops.
func (s *deleteScheduler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for name, timer := range s.timers {
		timer.Stop()
		delete(s.timers, name)
	}
}

func (s *deleteScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
