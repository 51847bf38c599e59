package runtime

import (
	stdrt "runtime"
	"sync/atomic"
	"time"

	"github.com/etkit/etk/internal/runtime/locker"
)

// replyPort is the private channel a synchronous sender waits on. At most one
// reply is ever accepted: whichever of deliver and abandon wins the claim.
type replyPort struct {
	ch      chan *Message
	claimed atomic.Bool
}

func newReplyPort() *replyPort {
	return &replyPort{ch: make(chan *Message, 1)}
}

func (p *replyPort) waiting() bool { return !p.claimed.Load() }

func (p *replyPort) deliver(reply *Message) error {
	if !p.claimed.CompareAndSwap(false, true) {
		return ErrDuplicateReply.With("reply port already answered")
	}
	p.ch <- reply
	return nil
}

// abandon answers the port with a NoReply message unless it was answered.
func (p *replyPort) abandon() {
	if p.claimed.CompareAndSwap(false, true) {
		r := NewMessage(NoReply)
		r.isReply = true
		p.ch <- r
	}
}

// wait blocks for the reply. On timeout the port is closed to late replies
// and a NoReply message is returned with ErrTimedOut.
func (p *replyPort) wait(timeout time.Duration) (*Message, error) {
	var expire <-chan time.Time
	if timeout >= 0 && timeout != locker.Infinite {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}
	select {
	case r := <-p.ch:
		return r, nil
	case <-expire:
	}
	if p.claimed.CompareAndSwap(false, true) {
		r := NewMessage(NoReply)
		r.isReply = true
		return r, ErrTimedOut.With("no reply within %s", timeout)
	}
	// A reply raced the timer and is already buffered.
	return <-p.ch, nil
}

// finishDispatch answers a sender still waiting after dispatch. Messages
// detached by the handler are answered when they are collected.
func (m *Message) finishDispatch(detached bool) {
	if m.source == nil || m.replied {
		return
	}
	if detached {
		stdrt.AddCleanup(m, func(p *replyPort) { p.abandon() }, m.source)
		return
	}
	m.source.abandon()
}

// drop answers a waiting sender of a message that will never be dispatched.
func (m *Message) drop() {
	if m.source != nil && !m.replied {
		m.source.abandon()
	}
}

// SendReply answers m with reply. The reply goes back over the synchronous
// channel when the sender is waiting, or to the return address otherwise.
// replyTo, if valid, becomes the return address of the reply.
func (m *Message) SendReply(reply *Message, replyTo *Messenger, timeout time.Duration) error {
	if reply == nil {
		return ErrBadValue.With("nil reply")
	}
	if m.replied {
		return ErrDuplicateReply.With("%s already replied to", fourCC(m.what))
	}
	r, err := m.prepareReply(reply, replyTo)
	if err != nil {
		return err
	}
	if m.source != nil {
		if err := m.source.deliver(r); err != nil {
			return err
		}
		m.replied = true
		return nil
	}
	ret := m.ReturnAddress()
	defer ret.Release()
	if !ret.IsValid() {
		return ErrBadPort.With("%s has no return address", fourCC(m.what))
	}
	if err := ret.postPrepared(r, timeout); err != nil {
		return err
	}
	m.replied = true
	return nil
}

// SendReplyCommand answers m with an empty message carrying what.
func (m *Message) SendReplyCommand(what uint32) error {
	return m.SendReply(NewMessage(what), nil, locker.Infinite)
}

// SendReplyAndWait answers m and waits for the reply to the reply. A zero
// replyTimeout waits for the configured reply timeout.
func (m *Message) SendReplyAndWait(reply *Message, sendTimeout, replyTimeout time.Duration) (*Message, error) {
	if reply == nil {
		return nil, ErrBadValue.With("nil reply")
	}
	replyTimeout = m.kernel().replyWait(replyTimeout)
	if m.replied {
		return nil, ErrDuplicateReply.With("%s already replied to", fourCC(m.what))
	}
	r, err := m.prepareReply(reply, nil)
	if err != nil {
		return nil, err
	}
	if m.source == nil {
		ret := m.ReturnAddress()
		defer ret.Release()
		if !ret.IsValid() {
			return nil, ErrBadPort.With("%s has no return address", fourCC(m.what))
		}
		res, err := ret.sendAndWait(r, sendTimeout, replyTimeout)
		m.replied = err == nil || res != nil
		return res, err
	}
	port := newReplyPort()
	r.source = port
	if err := m.source.deliver(r); err != nil {
		return nil, err
	}
	m.replied = true
	return port.wait(replyTimeout)
}

func (m *Message) prepareReply(reply *Message, replyTo *Messenger) (*Message, error) {
	r := reply.Copy()
	r.isReply = true
	r.previous = m.Copy()
	r.team = m.kernel().team
	r.replyHandler, r.replyLooper, r.replyPreferred = tokenRef{}, tokenRef{}, false
	if replyTo != nil {
		if !replyTo.IsValid() {
			return nil, ErrBadPort.With("invalid reply-to messenger")
		}
		r.replyHandler, r.replyLooper, r.replyPreferred = replyTo.handler, replyTo.looper, replyTo.preferred
	}
	return r, nil
}
