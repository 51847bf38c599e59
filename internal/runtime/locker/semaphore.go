package locker

import (
	"sync"
	"time"
)

// Semaphore is a counting semaphore with timeouts. Kick wakes every current
// waiter without handing out a permit.
type Semaphore struct {
	mu     sync.Mutex
	count  int64
	wake   chan struct{}
	kicks  uint64
	closed bool
}

// NewSemaphore creates a semaphore holding n permits.
func NewSemaphore(n int64) *Semaphore {
	return &Semaphore{count: n, wake: make(chan struct{})}
}

func (s *Semaphore) broadcastLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// Release adds n permits.
func (s *Semaphore) Release(n int64) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.count += n
	s.broadcastLocked()
}

// Kick makes every waiter return ErrKicked.
func (s *Semaphore) Kick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kicks++
	s.broadcastLocked()
}

// Close fails current and future waits with ErrClosed.
func (s *Semaphore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.broadcastLocked()
}

// Count returns the number of available permits.
func (s *Semaphore) Count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Acquire takes one permit, waiting at most d. A zero d never waits.
func (s *Semaphore) Acquire(d time.Duration) error {
	var expire <-chan time.Time
	if d > 0 && d != Infinite {
		t := time.NewTimer(d)
		defer t.Stop()
		expire = t.C
	}

	s.mu.Lock()
	kicks := s.kicks
	for {
		if s.closed {
			s.mu.Unlock()
			return ErrClosed
		}
		if s.kicks != kicks {
			s.mu.Unlock()
			return ErrKicked
		}
		if s.count > 0 {
			s.count--
			s.mu.Unlock()
			return nil
		}
		if d == 0 {
			s.mu.Unlock()
			return ErrWouldBlock
		}
		wake := s.wake
		s.mu.Unlock()
		select {
		case <-wake:
		case <-expire:
			return ErrTimedOut
		}
		s.mu.Lock()
	}
}
