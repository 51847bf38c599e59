package runtime

import (
	"sync"

	"github.com/etkit/etk/internal/runtime/lockdomain"
	"github.com/etkit/etk/internal/runtime/locker"
)

// looperList is the process-wide list of live loopers. Order matters:
// QuitAllLoopers rotates loopers it has to skip to the back.
type looperList struct {
	mu      sync.Mutex
	loopers []*Looper
	domains map[lockdomain.ID]*Looper
}

func newLooperList() *looperList {
	return &looperList{domains: make(map[lockdomain.ID]*Looper)}
}

func (ll *looperList) add(l *Looper) {
	ll.mu.Lock()
	defer ll.mu.Unlock()
	ll.loopers = append(ll.loopers, l)
	ll.domains[l.domain] = l
}

func (ll *looperList) remove(l *Looper) bool {
	ll.mu.Lock()
	defer ll.mu.Unlock()
	delete(ll.domains, l.domain)
	for i, v := range ll.loopers {
		if v == l {
			ll.loopers = append(ll.loopers[:i], ll.loopers[i+1:]...)
			return true
		}
	}
	return false
}

// rotate moves l to the back of the list.
func (ll *looperList) rotate(l *Looper) {
	ll.mu.Lock()
	defer ll.mu.Unlock()
	for i, v := range ll.loopers {
		if v == l {
			copy(ll.loopers[i:], ll.loopers[i+1:])
			ll.loopers[len(ll.loopers)-1] = l
			return
		}
	}
}

func (ll *looperList) snapshot() []*Looper {
	ll.mu.Lock()
	defer ll.mu.Unlock()
	return append([]*Looper(nil), ll.loopers...)
}

func (ll *looperList) byDomain(id lockdomain.ID) *Looper {
	ll.mu.Lock()
	defer ll.mu.Unlock()
	return ll.domains[id]
}

func (ll *looperList) byThread(tid locker.ThreadID) *Looper {
	if tid == 0 {
		return nil
	}
	ll.mu.Lock()
	defer ll.mu.Unlock()
	for _, l := range ll.loopers {
		if locker.ThreadID(l.thread.Load()) == tid {
			return l
		}
	}
	return nil
}

// LooperForThread returns the looper whose dispatch thread is tid.
func LooperForThread(tid locker.ThreadID) *Looper {
	return kern().loopers.byThread(tid)
}

// CurrentLooper returns the looper running on the calling thread, if any.
func CurrentLooper() *Looper {
	return LooperForThread(locker.CurrentThread())
}

// CountLoopers returns the number of live loopers, the application included.
func CountLoopers() int {
	ll := kern().loopers
	ll.mu.Lock()
	defer ll.mu.Unlock()
	return len(ll.loopers)
}

// LooperAt returns the i-th live looper or nil.
func LooperAt(i int) *Looper {
	ll := kern().loopers
	ll.mu.Lock()
	defer ll.mu.Unlock()
	if i < 0 || i >= len(ll.loopers) {
		return nil
	}
	return ll.loopers[i]
}

// LooperList returns a snapshot of the live loopers.
func LooperList() []*Looper {
	return kern().loopers.snapshot()
}
