// Package concurrency holds test instrumentation for the kernel's locks.
package concurrency

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DeadlockDetector builds a wait-for graph from lock events and reports
// cycles. It implements locker.Observer, so a test installs it with
// locker.SetObserver. Holds are counted so recursive locks are tracked
// correctly.
type DeadlockDetector struct {
	mu    sync.Mutex
	holds map[int64]map[int64]int // thread -> lock -> depth
	waits map[int64]int64         // thread -> lock waited for
	seen  int64
}

// NewDeadlockDetector creates an empty detector.
func NewDeadlockDetector() *DeadlockDetector {
	return &DeadlockDetector{holds: make(map[int64]map[int64]int), waits: make(map[int64]int64)}
}

// OnLockAttempt records that thread waits for lock.
func (d *DeadlockDetector) OnLockAttempt(thread, lock int64) {
	d.mu.Lock()
	d.waits[thread] = lock
	d.seen++
	d.mu.Unlock()
}

// OnLockAcquired records that thread took lock.
func (d *DeadlockDetector) OnLockAcquired(thread, lock int64) {
	d.mu.Lock()
	delete(d.waits, thread)
	set := d.holds[thread]
	if set == nil {
		set = make(map[int64]int)
		d.holds[thread] = set
	}
	set[lock]++
	d.mu.Unlock()
}

// OnLockAbandon records that thread stopped waiting without the lock.
func (d *DeadlockDetector) OnLockAbandon(thread, lock int64) {
	d.mu.Lock()
	if d.waits[thread] == lock {
		delete(d.waits, thread)
	}
	d.mu.Unlock()
}

// OnUnlock records one release of lock by thread.
func (d *DeadlockDetector) OnUnlock(thread, lock int64) {
	d.mu.Lock()
	if set := d.holds[thread]; set != nil {
		if set[lock]--; set[lock] <= 0 {
			delete(set, lock)
		}
		if len(set) == 0 {
			delete(d.holds, thread)
		}
	}
	d.mu.Unlock()
}

// Events returns the number of lock attempts observed.
func (d *DeadlockDetector) Events() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen
}

// Cycle returns the threads of a wait-for cycle, or nil.
func (d *DeadlockDetector) Cycle() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	owners := make(map[int64][]int64)
	for t, set := range d.holds {
		for l := range set {
			owners[l] = append(owners[l], t)
		}
	}
	waitFor := make(map[int64][]int64)
	for t, l := range d.waits {
		for _, o := range owners[l] {
			if o != t {
				waitFor[t] = append(waitFor[t], o)
			}
		}
	}

	const (
		visiting = 1
		visited  = 2
	)
	state := make(map[int64]int)
	var stack []int64
	var cycle []int64
	var dfs func(int64) bool
	dfs = func(u int64) bool {
		state[u] = visiting
		stack = append(stack, u)
		for _, v := range waitFor[u] {
			if state[v] == visiting {
				for i := len(stack) - 1; i >= 0; i-- {
					cycle = append(cycle, stack[i])
					if stack[i] == v {
						break
					}
				}
				return true
			}
			if state[v] == 0 && dfs(v) {
				return true
			}
		}
		stack = stack[:len(stack)-1]
		state[u] = visited
		return false
	}
	starts := make([]int64, 0, len(waitFor))
	for t := range waitFor {
		starts = append(starts, t)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	for _, t := range starts {
		if state[t] == 0 && dfs(t) {
			return cycle
		}
	}
	return nil
}

// Check reports whether a wait-for cycle exists.
func (d *DeadlockDetector) Check() bool { return d.Cycle() != nil }

// WaitUntilDeadlock polls until a cycle appears or timeout passes.
func (d *DeadlockDetector) WaitUntilDeadlock(timeout, poll time.Duration) error {
	if poll <= 0 {
		poll = 5 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if d.Check() {
			return nil
		}
		time.Sleep(poll)
	}
	return errors.New("no deadlock detected before timeout")
}

// Watch polls for cycles until stop is closed. The returned channel yields
// an error describing the first cycle seen, or is closed clean.
func (d *DeadlockDetector) Watch(stop <-chan struct{}, poll time.Duration) <-chan error {
	if poll <= 0 {
		poll = 5 * time.Millisecond
	}
	out := make(chan error, 1)
	go func() {
		defer close(out)
		t := time.NewTicker(poll)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				if c := d.Cycle(); c != nil {
					out <- fmt.Errorf("lock cycle between threads %v", c)
					return
				}
			}
		}
	}()
	return out
}
