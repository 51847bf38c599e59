package runtime

import (
	"time"

	"github.com/etkit/etk/internal/runtime/locker"
)

// MessageQueue is the FIFO of a looper. It has its own recursive lock so a
// caller can hold it across several operations.
type MessageQueue struct {
	lock   *locker.Locker
	owner  *Looper
	msgs   []*Message
	notify func()
}

func newMessageQueue(owner *Looper, name string) *MessageQueue {
	return &MessageQueue{lock: locker.New(name + " queue"), owner: owner}
}

// Lock blocks until the caller holds the queue lock.
func (q *MessageQueue) Lock() bool { return q.lock.Lock() }

// LockWithTimeout acquires the queue lock, waiting at most d.
func (q *MessageQueue) LockWithTimeout(d time.Duration) error { return q.lock.LockWithTimeout(d) }

// Unlock releases one level of the queue lock.
func (q *MessageQueue) Unlock() { q.lock.Unlock() }

// IsLocked reports whether the calling thread holds the queue lock.
func (q *MessageQueue) IsLocked() bool { return q.lock.IsLocked() }

func (q *MessageQueue) close() { q.lock.Close() }

// AddMessage appends msg and wakes the owning looper.
func (q *MessageQueue) AddMessage(msg *Message) {
	if msg == nil || !q.lock.Lock() {
		return
	}
	q.addLocked(msg)
	q.lock.Unlock()
	if q.notify != nil {
		q.notify()
	}
}

func (q *MessageQueue) addLocked(msg *Message) {
	msg.queuedOn = q.owner
	msg.delivered = true
	q.msgs = append(q.msgs, msg)
}

func (q *MessageQueue) countLocked() int { return len(q.msgs) }

// NextMessage removes and returns the oldest message, or nil.
func (q *MessageQueue) NextMessage() *Message {
	if !q.lock.Lock() {
		return nil
	}
	defer q.lock.Unlock()
	if len(q.msgs) == 0 {
		return nil
	}
	msg := q.msgs[0]
	q.msgs[0] = nil
	q.msgs = q.msgs[1:]
	return msg
}

// FindMessage returns the message at index without removing it.
func (q *MessageQueue) FindMessage(index int) *Message {
	if !q.lock.Lock() {
		return nil
	}
	defer q.lock.Unlock()
	if index < 0 || index >= len(q.msgs) {
		return nil
	}
	return q.msgs[index]
}

// FindMessageWhat returns the index-th queued message carrying what.
func (q *MessageQueue) FindMessageWhat(what uint32, index int) *Message {
	if !q.lock.Lock() {
		return nil
	}
	defer q.lock.Unlock()
	for _, m := range q.msgs {
		if m.what != what {
			continue
		}
		if index == 0 {
			return m
		}
		index--
	}
	return nil
}

// RemoveMessage takes msg out of the queue. A sender waiting on it gets
// NoReply.
func (q *MessageQueue) RemoveMessage(msg *Message) bool {
	if msg == nil || !q.lock.Lock() {
		return false
	}
	defer q.lock.Unlock()
	for i, m := range q.msgs {
		if m == msg {
			q.msgs = append(q.msgs[:i], q.msgs[i+1:]...)
			msg.drop()
			return true
		}
	}
	return false
}

// CountMessages returns the number of queued messages.
func (q *MessageQueue) CountMessages() int {
	if !q.lock.Lock() {
		return 0
	}
	defer q.lock.Unlock()
	return len(q.msgs)
}

// IsEmpty reports whether the queue holds no message.
func (q *MessageQueue) IsEmpty() bool { return q.CountMessages() == 0 }
