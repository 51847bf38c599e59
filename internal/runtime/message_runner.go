package runtime

import (
	"container/heap"
	"errors"
	"sync"
	"time"
)

// MessageRunner delivers a message to a target repeatedly. Runners are
// serviced by the application whenever its dispatch loop would block, so
// they only fire while an Application is running.
type MessageRunner struct {
	k       *kernel
	target  *Messenger
	replyTo *Messenger
	msg     *Message

	// guarded by k.runners.mu
	interval time.Duration
	count    int
	next     time.Time
	index    int
	err      error
	// deliveries handed to fire and not yet sent
	firing   int
	done     bool
	released bool
}

// NewMessageRunner sends msg to target every interval, count times. A
// negative count repeats until the runner is closed. Replies go to replyTo,
// or to the application when it is nil.
func NewMessageRunner(target *Messenger, msg *Message, interval time.Duration, count int, replyTo *Messenger) *MessageRunner {
	k := kern()
	r := &MessageRunner{k: k, index: -1}
	switch {
	case target == nil || !target.IsValid():
		r.err = ErrBadPort.With("runner target is not valid")
	case msg == nil:
		r.err = ErrBadValue.With("nil runner message")
	case interval <= 0:
		r.err = ErrBadValue.With("runner interval %s", interval)
	case count == 0:
		r.err = ErrBadValue.With("runner count is zero")
	}
	if r.err != nil {
		log.Warningf("NewMessageRunner: %s", r.err)
		return r
	}
	r.target = target.Clone()
	if replyTo != nil {
		r.replyTo = replyTo.Clone()
	}
	r.msg = msg.Copy()
	r.interval = interval
	r.count = count
	r.next = time.Now().Add(interval)
	k.runners.add(r)
	k.wakeApplication()
	return r
}

// StartSending starts a runner nobody keeps a handle to. count must be
// positive so the runner ends by itself.
func StartSending(target *Messenger, msg *Message, interval time.Duration, count int, replyTo *Messenger) error {
	if count <= 0 {
		return ErrBadValue.With("one-shot runner needs a positive count")
	}
	return NewMessageRunner(target, msg, interval, count, replyTo).InitCheck()
}

// InitCheck returns the error that prevented the runner from starting.
func (r *MessageRunner) InitCheck() error {
	r.k.runners.mu.Lock()
	defer r.k.runners.mu.Unlock()
	return r.err
}

// SetInterval changes the period. The next delivery is one interval away.
func (r *MessageRunner) SetInterval(d time.Duration) error {
	if d <= 0 {
		return ErrBadValue.With("runner interval %s", d)
	}
	rl := r.k.runners
	rl.mu.Lock()
	if r.index < 0 {
		rl.mu.Unlock()
		return ErrBadValue.With("runner is not active")
	}
	r.interval = d
	r.next = time.Now().Add(d)
	heap.Fix(&rl.h, r.index)
	rl.mu.Unlock()
	r.k.wakeApplication()
	return nil
}

// SetCount changes the number of remaining deliveries. Zero stops the runner.
func (r *MessageRunner) SetCount(n int) error {
	if n == 0 {
		r.Close()
		return nil
	}
	rl := r.k.runners
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if r.index < 0 {
		return ErrBadValue.With("runner is not active")
	}
	r.count = n
	return nil
}

// GetInfo returns the period and the remaining count.
func (r *MessageRunner) GetInfo() (time.Duration, int, error) {
	rl := r.k.runners
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if r.index < 0 {
		if r.err != nil {
			return 0, 0, r.err
		}
		return 0, 0, ErrBadValue.With("runner is not active")
	}
	return r.interval, r.count, nil
}

// Close stops the runner. Its messengers are released once no delivery is
// in flight.
func (r *MessageRunner) Close() {
	rl := r.k.runners
	rl.mu.Lock()
	rl.removeLocked(r)
	r.done = true
	release := rl.releasableLocked(r)
	rl.mu.Unlock()
	if release {
		r.releaseMessengers()
	}
}

func (r *MessageRunner) releaseMessengers() {
	if r.target != nil {
		r.target.Release()
	}
	if r.replyTo != nil {
		r.replyTo.Release()
	}
}

type runnerHeap []*MessageRunner

func (h runnerHeap) Len() int           { return len(h) }
func (h runnerHeap) Less(i, j int) bool { return h[i].next.Before(h[j].next) }
func (h runnerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *runnerHeap) Push(x any) {
	r := x.(*MessageRunner)
	r.index = len(*h)
	*h = append(*h, r)
}

func (h *runnerHeap) Pop() any {
	old := *h
	r := old[len(old)-1]
	old[len(old)-1] = nil
	r.index = -1
	*h = old[:len(old)-1]
	return r
}

// runnerList is the process-wide runner schedule, ordered by next delivery.
type runnerList struct {
	mu sync.Mutex
	h  runnerHeap
}

func newRunnerList() *runnerList { return &runnerList{} }

func (rl *runnerList) add(r *MessageRunner) {
	rl.mu.Lock()
	heap.Push(&rl.h, r)
	rl.mu.Unlock()
}

func (rl *runnerList) remove(r *MessageRunner) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.removeLocked(r)
}

func (rl *runnerList) removeLocked(r *MessageRunner) bool {
	if r.index < 0 || r.index >= len(rl.h) || rl.h[r.index] != r {
		return false
	}
	heap.Remove(&rl.h, r.index)
	return true
}

// releasableLocked reports whether r is finished with its messengers and
// claims their release.
func (rl *runnerList) releasableLocked(r *MessageRunner) bool {
	if !r.done || r.firing > 0 || r.released {
		return false
	}
	r.released = true
	return true
}

// settle ends one delivery of r.
func (rl *runnerList) settle(r *MessageRunner, err error) {
	rl.mu.Lock()
	r.firing--
	if err != nil {
		rl.removeLocked(r)
		r.err = err
		r.done = true
	}
	release := rl.releasableLocked(r)
	rl.mu.Unlock()
	if release {
		r.releaseMessengers()
	}
}

func (rl *runnerList) len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.h)
}

// nextDeadline returns the earliest pending delivery time.
func (rl *runnerList) nextDeadline() (time.Time, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.h) == 0 {
		return time.Time{}, false
	}
	return rl.h[0].next, true
}

type delivery struct {
	r       *MessageRunner
	target  *Messenger
	msg     *Message
	replyTo *Messenger
}

// due takes every delivery scheduled at or before now and reschedules the
// runners that have deliveries left.
func (rl *runnerList) due(now time.Time) []delivery {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	var out []delivery
	for len(rl.h) > 0 && !rl.h[0].next.After(now) {
		r := rl.h[0]
		out = append(out, delivery{r: r, target: r.target, msg: r.msg, replyTo: r.replyTo})
		r.firing++
		if r.count > 0 {
			r.count--
		}
		if r.count == 0 {
			heap.Pop(&rl.h)
			r.done = true
			continue
		}
		r.next = r.next.Add(r.interval)
		if r.next.Before(now) {
			r.next = now.Add(r.interval)
		}
		heap.Fix(&rl.h, 0)
	}
	return out
}

// fire sends every due delivery. Runners whose target went away are
// removed.
func (rl *runnerList) fire(now time.Time, timeout time.Duration) int {
	sent := 0
	for _, d := range rl.due(now) {
		err := d.target.SendMessage(d.msg, d.replyTo, timeout)
		switch {
		case err == nil:
			sent++
			rl.settle(d.r, nil)
		case errors.Is(err, ErrBadPort) || errors.Is(err, ErrBadHandler):
			log.Debugf("message runner target gone: %s", err)
			rl.settle(d.r, err)
		default:
			log.Warningf("message runner delivery of %s: %s", fourCC(d.msg.what), err)
			rl.settle(d.r, nil)
		}
	}
	return sent
}

func (rl *runnerList) clear() {
	rl.mu.Lock()
	for _, r := range rl.h {
		r.index = -1
	}
	rl.h = nil
	rl.mu.Unlock()
}
