// Package locker provides the recursive lock and counting semaphore that back
// every looper lock domain.
package locker

import (
	"math"
	stdrt "runtime"
	"sync"
	"sync/atomic"
	"time"

	etkerrors "github.com/etkit/etk/internal/errors"
)

// ThreadID identifies an OS thread (or goroutine on platforms without one).
type ThreadID int64

// Infinite disables a timeout.
const Infinite = time.Duration(math.MaxInt64)

var (
	ErrTimedOut   = etkerrors.Sentinel(etkerrors.CategoryTimeout, "TIMED_OUT", "timed out")
	ErrWouldBlock = etkerrors.Sentinel(etkerrors.CategoryTimeout, "WOULD_BLOCK", "operation would block")
	ErrClosed     = etkerrors.Sentinel(etkerrors.CategoryStale, "CLOSED", "primitive closed")
	ErrKicked     = etkerrors.Sentinel(etkerrors.CategoryStale, "INTERRUPTED", "wait interrupted")
)

// Observer receives lock events. Tests install one to build wait-for graphs.
type Observer interface {
	OnLockAttempt(thread, lock int64)
	OnLockAcquired(thread, lock int64)
	OnLockAbandon(thread, lock int64)
	OnUnlock(thread, lock int64)
}

type observerBox struct{ o Observer }

var (
	observer atomic.Pointer[observerBox]
	nextID   atomic.Int64
)

// SetObserver installs o for every Locker in the process. Nil removes it.
func SetObserver(o Observer) {
	if o == nil {
		observer.Store(nil)
		return
	}
	observer.Store(&observerBox{o: o})
}

func currentObserver() Observer {
	if b := observer.Load(); b != nil {
		return b.o
	}
	return nil
}

// Locker is a recursive mutex owned by an OS thread. A thread that holds it
// may lock it again; it is released when every Lock has been matched by an
// Unlock.
type Locker struct {
	id   int64
	name string
	slot chan struct{}

	mu     sync.Mutex
	owner  ThreadID
	count  int
	closed chan struct{}
	once   sync.Once
}

// New creates an unlocked Locker.
func New(name string) *Locker {
	return &Locker{
		id:     nextID.Add(1),
		name:   name,
		slot:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// ID returns a process-unique identifier for the lock.
func (l *Locker) ID() int64 { return l.id }

// Name returns the debugging name given at construction.
func (l *Locker) Name() string { return l.name }

// Lock blocks until the lock is held. It returns false if the lock was closed.
func (l *Locker) Lock() bool {
	return l.LockWithTimeout(Infinite) == nil
}

// LockWithTimeout acquires the lock, waiting at most d. A zero d never waits.
func (l *Locker) LockWithTimeout(d time.Duration) error {
	stdrt.LockOSThread()
	tid := CurrentThread()

	l.mu.Lock()
	if l.count > 0 && l.owner == tid {
		l.count++
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	obs := currentObserver()
	if obs != nil {
		obs.OnLockAttempt(int64(tid), l.id)
	}
	if err := l.acquire(d); err != nil {
		if obs != nil {
			obs.OnLockAbandon(int64(tid), l.id)
		}
		stdrt.UnlockOSThread()
		return err
	}

	l.mu.Lock()
	l.owner = tid
	l.count = 1
	l.mu.Unlock()
	if obs != nil {
		obs.OnLockAcquired(int64(tid), l.id)
	}
	return nil
}

func (l *Locker) acquire(d time.Duration) error {
	select {
	case <-l.closed:
		return ErrClosed
	default:
	}
	select {
	case l.slot <- struct{}{}:
		return nil
	default:
	}
	if d == 0 {
		return ErrWouldBlock
	}
	var expire <-chan time.Time
	if d > 0 && d != Infinite {
		t := time.NewTimer(d)
		defer t.Stop()
		expire = t.C
	}
	select {
	case l.slot <- struct{}{}:
		return nil
	case <-l.closed:
		return ErrClosed
	case <-expire:
		return ErrTimedOut
	}
}

// Unlock releases one level of recursion. Unlocking a lock the caller does not
// hold is a contract violation.
func (l *Locker) Unlock() {
	tid := CurrentThread()
	l.mu.Lock()
	if l.count == 0 || l.owner != tid {
		owner := l.owner
		l.mu.Unlock()
		etkerrors.Fatal("UNLOCK_NOT_OWNER", "lock %q unlocked by thread %d, owner %d", l.name, tid, owner)
	}
	l.count--
	release := l.count == 0
	if release {
		l.owner = 0
	}
	l.mu.Unlock()

	if release {
		<-l.slot
		if obs := currentObserver(); obs != nil {
			obs.OnUnlock(int64(tid), l.id)
		}
	}
	stdrt.UnlockOSThread()
}

// IsLocked reports whether the calling thread holds the lock.
func (l *Locker) IsLocked() bool {
	tid := CurrentThread()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count > 0 && l.owner == tid
}

// CountLocks returns the recursion depth held by the owner.
func (l *Locker) CountLocks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Owner returns the holding thread, or zero.
func (l *Locker) Owner() ThreadID {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		return 0
	}
	return l.owner
}

// Close wakes every waiter with ErrClosed. Holders keep the lock until they
// unlock it.
func (l *Locker) Close() {
	l.once.Do(func() { close(l.closed) })
}

// Closed reports whether Close was called.
func (l *Locker) Closed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}
