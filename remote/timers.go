package remote

import (
	"sync"
	"time"
)

// timerSet tracks every scheduled callback its owner creates so teardown can
// cancel all of them deterministically. Once StopAll has run, no registered
// callback fires and no new timer can be scheduled.
type timerSet struct {
	mu      sync.Mutex
	timers  map[int]*time.Timer
	nextID  int
	stopped bool
}

func newTimerSet() *timerSet {
	return &timerSet{timers: make(map[int]*time.Timer)}
}

// AfterFunc schedules fn after d and returns a cancel function. Cancelling
// after the callback ran, or twice, is safe.
func (s *timerSet) AfterFunc(d time.Duration, fn func()) (cancel func()) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return func() {}
	}
	id := s.nextID
	s.nextID++

	t := time.AfterFunc(d, func() {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		if _, live := s.timers[id]; !live {
			// cancelled between fire and lock acquisition
			s.mu.Unlock()
			return
		}
		delete(s.timers, id)
		s.mu.Unlock()
		fn()
	})
	s.timers[id] = t
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if t, ok := s.timers[id]; ok {
			t.Stop()
			delete(s.timers, id)
		}
	}
}

// StopAll cancels every pending timer and rejects future scheduling.
func (s *timerSet) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// Len reports the number of pending timers.
func (s *timerSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
