package realtime

import (
	"sync"
	"time"
)

// scheduler runs detached delayed tasks.
//
// A scheduled task fires regardless of what happens to the connections that
// caused it; the returned cancel func and stop are the only ways to prevent
// it. Hub.Close calls stop, so no task fires after shutdown.
type scheduler struct {
	mu     sync.Mutex
	seq    uint64
	timers map[uint64]*time.Timer
	closed bool
	wg     sync.WaitGroup
}

func newScheduler() *scheduler {
	return &scheduler{timers: make(map[uint64]*time.Timer)}
}

// schedule runs fn after d. The returned func cancels the task if it has not
// started yet and reports whether it did so.
func (s *scheduler) schedule(d time.Duration, fn func()) (cancel func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return func() bool { return false }
	}

	s.seq++
	id := s.seq
	s.wg.Add(1)
	s.timers[id] = time.AfterFunc(d, func() {
		defer s.wg.Done()
		if !s.take(id) {
			return
		}
		fn()
	})

	return func() bool { return s.take(id) }
}

// take claims task id for exactly one of {fire, cancel, stop}.
func (s *scheduler) take(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[id]
	if !ok {
		return false
	}
	delete(s.timers, id)
	if t.Stop() {
		// Stopped before firing: the timer func will never run.
		s.wg.Done()
	}
	return true
}

// pending returns the number of tasks that have neither fired nor been cancelled.
func (s *scheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// stop cancels every pending task, rejects new ones, and waits for tasks
// that already started.
func (s *scheduler) stop() {
	s.mu.Lock()
	s.closed = true
	ids := make([]uint64, 0, len(s.timers))
	for id := range s.timers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.take(id)
	}
	s.wg.Wait()
}
