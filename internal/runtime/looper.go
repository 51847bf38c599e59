package runtime

import (
	"errors"
	"fmt"
	stdrt "runtime"
	"sync"
	"sync/atomic"
	"time"

	etkerrors "github.com/etkit/etk/internal/errors"
	"github.com/etkit/etk/internal/runtime/lockdomain"
	"github.com/etkit/etk/internal/runtime/locker"
)

// LooperState is the lifecycle stage of a Looper.
type LooperState int32

const (
	StateUnstarted LooperState = iota
	StateRunning
	StateQuitting
	StateDestroyed
)

func (s LooperState) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateRunning:
		return "running"
	case StateQuitting:
		return "quitting"
	case StateDestroyed:
		return "destroyed"
	}
	return fmt.Sprintf("LooperState(%d)", int32(s))
}

// QuitRequester lets a looper behavior refuse a quit request.
type QuitRequester interface {
	QuitRequested(l *Looper) bool
}

// MessageDispatcher replaces the default DispatchMessage of a looper. An
// implementation that does not handle a message should call
// l.DispatchMessage(msg, target).
type MessageDispatcher interface {
	DispatchMessage(l *Looper, msg *Message, target *Handler)
}

// QuitDependent marks loopers that must be quit after others.
// QuitAllLoopers skips them while it can.
type QuitDependent interface {
	DependsOnOthersWhenQuitting(l *Looper) bool
}

type looperOptions struct {
	capacity int
}

// LooperOption configures NewLooper.
type LooperOption func(*looperOptions)

// WithPortCapacity caps the number of queued messages. Zero means unbounded.
func WithPortCapacity(n int) LooperOption {
	return func(o *looperOptions) { o.capacity = n }
}

// Looper owns a message queue, a recursive lock and, once run, a dispatch
// thread. A Looper is itself a Handler and receives messages addressed to it.
type Looper struct {
	Handler

	domain    lockdomain.ID
	lockCount atomic.Int32
	queue     *MessageQueue
	capacity  int

	hmu           sync.Mutex
	handlers      []*Handler
	preferred     *Handler
	commonFilters []*MessageFilter

	state  atomic.Int32
	thread atomic.Int64
	done   chan struct{}

	// owned by the dispatch thread
	current *Message
	rr      int

	app *Application
}

// NewLooper creates an unstarted looper. behavior handles messages addressed
// to the looper itself and may implement QuitRequester, MessageDispatcher or
// QuitDependent.
func NewLooper(name string, behavior Behavior, opts ...LooperOption) *Looper {
	k := kern()
	o := looperOptions{capacity: k.currentSettings().PortCapacity}
	for _, opt := range opts {
		opt(&o)
	}
	return newLooper(k, name, behavior, o)
}

func newLooper(k *kernel, name string, behavior Behavior, o looperOptions) *Looper {
	l := &Looper{capacity: o.capacity, done: make(chan struct{})}
	l.looperSelf = l
	l.Handler.init(k, name, behavior)
	l.Handler.looper = l
	l.handlers = []*Handler{&l.Handler}
	l.queue = newMessageQueue(l, name)
	l.queue.notify = l.signal
	l.domain = k.domains.Add(name)
	k.loopers.add(l)
	log.Debugf("looper %q created (token %s)", name, l.tok)
	return l
}

// State returns the lifecycle stage.
func (l *Looper) State() LooperState { return LooperState(l.state.Load()) }

// Thread returns the dispatch thread, or zero before Run.
func (l *Looper) Thread() locker.ThreadID { return locker.ThreadID(l.thread.Load()) }

// Run starts the dispatch thread. Running a looper twice is a contract
// violation; a looper that is proxied by another cannot run.
func (l *Looper) Run() (locker.ThreadID, error) {
	if l.app != nil {
		etkerrors.Fatal("LOOPER_RUN_APPLICATION", "application %q must be run with Application.Run", l.Name())
	}
	if err := l.LockWithTimeout(locker.Infinite); err != nil {
		return 0, err
	}
	if l.k.domains.Proxy(l.domain) != 0 {
		l.Unlock()
		return 0, ErrNotAllowed.With("looper %q is proxied and is served by its proxy", l.Name())
	}
	if !l.state.CompareAndSwap(int32(StateUnstarted), int32(StateRunning)) {
		state := l.State()
		l.Unlock()
		etkerrors.Fatal("LOOPER_ALREADY_RUN", "looper %q run while %s", l.Name(), state)
	}
	l.Unlock()

	started := make(chan locker.ThreadID, 1)
	go func() {
		// The goroutine keeps its OS thread for the looper's whole life.
		stdrt.LockOSThread()
		tid := locker.CurrentThread()
		l.thread.Store(int64(tid))
		started <- tid
		l.task()
	}()
	tid := <-started
	log.Infof("looper %q running on thread %d", l.Name(), tid)
	return tid, nil
}

func (l *Looper) task() {
	for {
		msg, err := l.NextLooperMessage(locker.Infinite)
		if err != nil {
			if errors.Is(err, ErrBadPort) {
				return
			}
			log.Debugf("looper %q: wait: %s", l.Name(), err)
			continue
		}
		if l.dispatchOne(msg) {
			return
		}
	}
}

// dispatchOne locks the looper that queued msg, dispatches it and retires the
// looper if it quit. It reports whether l itself is gone.
func (l *Looper) dispatchOne(msg *Message) bool {
	owner := msg.queuedOn
	if owner == nil {
		owner = l
	}
	if err := owner.LockWithTimeout(locker.Infinite); err != nil {
		msg.drop()
		return owner == l
	}
	owner.DispatchLooperMessage(msg)
	if owner.State() == StateQuitting {
		owner.destroy()
		return owner == l
	}
	owner.Unlock()
	return false
}

// Quit stops the looper and destroys it. A running looper is sent the quit
// sentinel and Quit waits for its thread to finish; locks the caller holds on
// the looper are released first. Quitting a looper from its own thread is a
// contract violation.
func (l *Looper) Quit() {
	tid := locker.CurrentThread()
	if l.Thread() == tid {
		etkerrors.Fatal("QUIT_FROM_OWN_THREAD", "looper %q quit from its own thread", l.Name())
	}
	switch l.State() {
	case StateDestroyed:
		return
	case StateUnstarted:
		if err := l.LockWithTimeout(locker.Infinite); err != nil {
			return
		}
		if l.State() == StateUnstarted {
			l.destroy()
			return
		}
		l.Unlock()
		l.Quit()
		return
	}
	if l.IsLocked() {
		for n := l.lockCount.Load(); n > 0; n-- {
			l.Unlock()
		}
	}
	q := NewMessage(cmdQuit)
	q.target = l.ref()
	if err := l.enqueue(q, locker.Infinite); err != nil && !errors.Is(err, ErrBadPort) {
		log.Warningf("looper %q: posting quit: %s", l.Name(), err)
	}
	<-l.done
}

// Close destroys a looper that is not running. Closing a running looper is a
// contract violation; use Quit.
func (l *Looper) Close() {
	if s := l.State(); s == StateRunning || s == StateQuitting {
		etkerrors.Fatal("LOOPER_CLOSE_RUNNING", "looper %q closed while %s", l.Name(), s)
	}
	l.Quit()
}

// destroy tears the looper down. The caller holds the lock; destroy releases
// every level of it.
func (l *Looper) destroy() {
	acct := domainAccounting{l.k}
	for _, c := range l.k.domains.Clients(l.domain) {
		if err := l.k.domains.Rehome(c, 0, acct); err != nil {
			log.Warningf("looper %q: detaching client %d: %s", l.Name(), c, err)
		}
	}

	l.hmu.Lock()
	handlers, common := l.handlers, l.commonFilters
	l.handlers, l.commonFilters, l.preferred = nil, nil, nil
	l.hmu.Unlock()
	for _, h := range handlers {
		if h != &l.Handler {
			h.setLooper(nil)
		}
	}
	for _, f := range common {
		f.detach()
	}
	l.Handler.mu.Lock()
	for _, f := range l.Handler.filters {
		f.detach()
	}
	l.Handler.filters = nil
	l.Handler.mu.Unlock()
	l.Handler.observers.clear()
	l.k.tokens.Invalidate(l.tok)

	if l.queue.Lock() {
		l.state.Store(int32(StateDestroyed))
		dropped := 0
		for msg := l.queue.NextMessage(); msg != nil; msg = l.queue.NextMessage() {
			msg.drop()
			dropped++
		}
		l.queue.Unlock()
		if dropped > 0 {
			log.Debugf("looper %q: dropped %d queued messages", l.Name(), dropped)
		}
	}
	l.state.Store(int32(StateDestroyed))
	l.k.loopers.remove(l)

	if p, err := l.k.domains.Resolve(l.domain); err == nil {
		for n := l.lockCount.Swap(0); n > 0; n-- {
			p.Lock.Unlock()
		}
	}
	if err := l.k.domains.Remove(l.domain); err != nil {
		log.Warningf("looper %q: releasing lock domain: %s", l.Name(), err)
	}
	l.queue.close()
	l.Handler.setLooper(nil)
	if l.app != nil {
		l.app.retire()
	}
	close(l.done)
	log.Infof("looper %q destroyed", l.Name())
}

// Lock blocks until the caller holds the looper lock. It returns false when
// the looper is gone.
func (l *Looper) Lock() bool {
	return l.LockWithTimeout(locker.Infinite) == nil
}

// LockWithTimeout acquires the looper lock, waiting at most d. The lock is
// shared by the whole proxy group, so the lock is re-resolved after it is
// acquired in case the looper was rehomed meanwhile.
func (l *Looper) LockWithTimeout(d time.Duration) error {
	bounded := d > 0 && d != locker.Infinite
	var deadline time.Time
	if bounded {
		deadline = time.Now().Add(d)
	}
	for {
		p, err := l.k.domains.Resolve(l.domain)
		if err != nil {
			return ErrBadPort.With("looper %q is gone", l.Name())
		}
		wait := d
		if bounded {
			if wait = time.Until(deadline); wait <= 0 {
				return ErrTimedOut.With("locking looper %q", l.Name())
			}
		}
		if err := p.Lock.LockWithTimeout(wait); err != nil {
			if errors.Is(err, locker.ErrClosed) {
				continue
			}
			return err
		}
		cur, err := l.k.domains.Resolve(l.domain)
		if err != nil || cur != p {
			p.Lock.Unlock()
			if err != nil {
				return ErrBadPort.With("looper %q is gone", l.Name())
			}
			continue
		}
		l.lockCount.Add(1)
		return nil
	}
}

// Unlock releases one level of the caller's lock. Unlocking a looper the
// caller does not hold is a contract violation.
func (l *Looper) Unlock() {
	p, err := l.k.domains.Resolve(l.domain)
	if err != nil || !p.Lock.IsLocked() || l.lockCount.Load() <= 0 {
		etkerrors.Fatal("LOOPER_NOT_LOCKED", "looper %q unlocked without being locked", l.Name())
	}
	l.lockCount.Add(-1)
	p.Lock.Unlock()
}

// IsLocked reports whether the calling thread holds the looper lock.
func (l *Looper) IsLocked() bool {
	p, err := l.k.domains.Resolve(l.domain)
	return err == nil && p.Lock.IsLocked()
}

// CountLocks returns the recursion depth held on this looper.
func (l *Looper) CountLocks() int { return int(l.lockCount.Load()) }

// LockingThread returns the thread holding the lock, or zero.
func (l *Looper) LockingThread() locker.ThreadID {
	p, err := l.k.domains.Resolve(l.domain)
	if err != nil {
		return 0
	}
	return p.Lock.Owner()
}

func (l *Looper) requireLock(op string) error {
	if l.IsLocked() {
		return nil
	}
	err := ErrNotAllowed.With("looper %q must be locked for %s", l.Name(), op)
	log.Warningf("%s", err)
	return err
}

// AddHandler attaches h. It joins the end of the handler chain, just before
// the looper itself.
func (l *Looper) AddHandler(h *Handler) error {
	if h == nil {
		return ErrBadValue.With("nil handler")
	}
	if err := l.requireLock("AddHandler"); err != nil {
		return err
	}
	if h.looperSelf != nil {
		err := ErrBadValue.With("looper %q cannot be added as a handler", h.Name())
		log.Warningf("AddHandler: %s", err)
		return err
	}
	if owner := h.Looper(); owner != nil {
		err := ErrNotAllowed.With("handler %q already belongs to looper %q", h.Name(), owner.Name())
		log.Warningf("AddHandler: %s", err)
		return err
	}
	h.setLooper(l)
	l.hmu.Lock()
	defer l.hmu.Unlock()
	at := len(l.handlers)
	for i, v := range l.handlers {
		if v == &l.Handler {
			at = i
			break
		}
	}
	l.handlers = append(l.handlers, nil)
	copy(l.handlers[at+1:], l.handlers[at:])
	l.handlers[at] = h
	return nil
}

// RemoveHandler detaches h. The looper itself cannot be removed.
func (l *Looper) RemoveHandler(h *Handler) bool {
	if h == nil || h == &l.Handler || h.Looper() != l {
		return false
	}
	if l.requireLock("RemoveHandler") != nil {
		return false
	}
	l.hmu.Lock()
	for i, v := range l.handlers {
		if v == h {
			l.handlers = append(l.handlers[:i], l.handlers[i+1:]...)
			break
		}
	}
	if l.preferred == h {
		l.preferred = nil
	}
	l.hmu.Unlock()
	h.setLooper(nil)
	return true
}

// CountHandlers returns the number of handlers, the looper included.
func (l *Looper) CountHandlers() int {
	l.hmu.Lock()
	defer l.hmu.Unlock()
	return len(l.handlers)
}

// HandlerAt returns the i-th handler in chain order.
func (l *Looper) HandlerAt(i int) *Handler {
	l.hmu.Lock()
	defer l.hmu.Unlock()
	if i < 0 || i >= len(l.handlers) {
		return nil
	}
	return l.handlers[i]
}

// IndexOf returns the chain position of h, or -1.
func (l *Looper) IndexOf(h *Handler) int {
	l.hmu.Lock()
	defer l.hmu.Unlock()
	return indexOfHandler(l.handlers, h)
}

func indexOfHandler(list []*Handler, h *Handler) int {
	for i, v := range list {
		if v == h {
			return i
		}
	}
	return -1
}

func (l *Looper) nextHandlerOf(h *Handler) *Handler {
	l.hmu.Lock()
	defer l.hmu.Unlock()
	i := indexOfHandler(l.handlers, h)
	if i < 0 || i+1 >= len(l.handlers) {
		return nil
	}
	return l.handlers[i+1]
}

// chainAfter moves target directly behind h. A nil target moves h to the end
// of the chain.
func (l *Looper) chainAfter(h, target *Handler) {
	l.hmu.Lock()
	defer l.hmu.Unlock()
	move := h
	if target != nil {
		move = target
	}
	i := indexOfHandler(l.handlers, move)
	if i < 0 {
		return
	}
	l.handlers = append(l.handlers[:i], l.handlers[i+1:]...)
	if target == nil {
		l.handlers = append(l.handlers, h)
		return
	}
	at := indexOfHandler(l.handlers, h) + 1
	l.handlers = append(l.handlers, nil)
	copy(l.handlers[at+1:], l.handlers[at:])
	l.handlers[at] = target
}

// PreferredHandler returns the handler that receives messages posted without
// an explicit target, or nil when the looper receives them itself.
func (l *Looper) PreferredHandler() *Handler {
	l.hmu.Lock()
	defer l.hmu.Unlock()
	return l.preferred
}

// SetPreferredHandler changes the preferred handler. h must belong to l.
func (l *Looper) SetPreferredHandler(h *Handler) {
	if h != nil && h.Looper() != l {
		log.Warningf("SetPreferredHandler: handler %q does not belong to looper %q", h.Name(), l.Name())
		return
	}
	l.hmu.Lock()
	l.preferred = h
	l.hmu.Unlock()
}

// AddCommonFilter attaches f to every message the looper dispatches.
func (l *Looper) AddCommonFilter(f *MessageFilter) error {
	if f == nil {
		return ErrBadValue.With("nil filter")
	}
	if err := l.requireLock("AddCommonFilter"); err != nil {
		return err
	}
	if err := f.attach(nil, l); err != nil {
		log.Warningf("AddCommonFilter on %q: %s", l.Name(), err)
		return err
	}
	l.hmu.Lock()
	l.commonFilters = append(l.commonFilters, f)
	l.hmu.Unlock()
	return nil
}

// RemoveCommonFilter detaches f. It reports whether f was a common filter of l.
func (l *Looper) RemoveCommonFilter(f *MessageFilter) bool {
	if f == nil || l.requireLock("RemoveCommonFilter") != nil {
		return false
	}
	l.hmu.Lock()
	defer l.hmu.Unlock()
	for i, v := range l.commonFilters {
		if v == f {
			l.commonFilters = append(l.commonFilters[:i], l.commonFilters[i+1:]...)
			f.detach()
			return true
		}
	}
	return false
}

// SetCommonFilterList replaces every common filter.
func (l *Looper) SetCommonFilterList(list []*MessageFilter) error {
	if err := l.requireLock("SetCommonFilterList"); err != nil {
		return err
	}
	l.hmu.Lock()
	defer l.hmu.Unlock()
	if err := replaceFilters(l.commonFilters, list, func(f *MessageFilter) error { return f.attach(nil, l) }); err != nil {
		log.Warningf("SetCommonFilterList on %q: %s", l.Name(), err)
		return err
	}
	l.commonFilters = append([]*MessageFilter(nil), list...)
	return nil
}

// CommonFilterList returns a snapshot of the common filters.
func (l *Looper) CommonFilterList() []*MessageFilter {
	l.hmu.Lock()
	defer l.hmu.Unlock()
	return append([]*MessageFilter(nil), l.commonFilters...)
}

// PostMessage queues a copy of msg for the looper itself.
func (l *Looper) PostMessage(msg *Message) error {
	return l.PostMessageTo(msg, &l.Handler, nil, l.k.currentSettings().QueueTimeout)
}

// PostCommand queues an empty message carrying what.
func (l *Looper) PostCommand(what uint32) error {
	return l.PostMessage(NewMessage(what))
}

// PostMessageTo queues a copy of msg for handler, or for the preferred
// handler when handler is nil. timeout bounds the wait for the queue lock.
func (l *Looper) PostMessageTo(msg *Message, handler *Handler, replyTo *Messenger, timeout time.Duration) error {
	if msg == nil {
		return ErrBadValue.With("nil message")
	}
	if l.State() == StateDestroyed {
		return ErrBadPort.With("looper %q is gone", l.Name())
	}
	if handler != nil && handler.Looper() != l {
		return ErrMismatchedValues.With("handler %q does not belong to looper %q", handler.Name(), l.Name())
	}
	m, err := NewMessenger(handler, l)
	if err != nil {
		return err
	}
	defer m.Release()
	return m.SendMessage(msg, replyTo, timeout)
}

// enqueue appends a routed copy to the queue and wakes the group.
func (l *Looper) enqueue(c *Message, timeout time.Duration) error {
	if err := l.queue.LockWithTimeout(timeout); err != nil {
		if errors.Is(err, locker.ErrClosed) {
			return ErrBadPort.With("looper %q is gone", l.Name())
		}
		return err
	}
	if l.State() == StateDestroyed {
		l.queue.Unlock()
		return ErrBadPort.With("looper %q is gone", l.Name())
	}
	if l.capacity > 0 && l.queue.countLocked() >= l.capacity && !IsSystemCommand(c.what) {
		l.queue.Unlock()
		return ErrWouldBlock.With("queue of looper %q is full", l.Name())
	}
	l.queue.addLocked(c)
	l.queue.Unlock()
	l.signal()
	return nil
}

// signal releases one permit on the group semaphore. If the looper was
// rehomed concurrently the new semaphore is signalled too.
func (l *Looper) signal() {
	p, err := l.k.domains.Resolve(l.domain)
	if err != nil {
		return
	}
	p.Sem.Release(1)
	if cur, err := l.k.domains.Resolve(l.domain); err == nil && cur != p {
		cur.Sem.Release(1)
	}
}

// MessageQueue returns the looper's queue.
func (l *Looper) MessageQueue() *MessageQueue { return l.queue }

// CurrentMessage returns the message being dispatched. Only meaningful on the
// dispatch thread.
func (l *Looper) CurrentMessage() *Message { return l.current }

// DetachCurrentMessage takes ownership of the message being dispatched. A
// sender still waiting on it is answered when the message is collected rather
// than when dispatch ends.
func (l *Looper) DetachCurrentMessage() *Message {
	m := l.current
	l.current = nil
	return m
}

// NextLooperMessage takes the next message of the looper's proxy group,
// waiting at most timeout. Queues of the looper and of members without a
// thread of their own are visited round-robin.
func (l *Looper) NextLooperMessage(timeout time.Duration) (*Message, error) {
	bounded := timeout > 0 && timeout != locker.Infinite
	var deadline time.Time
	if bounded {
		deadline = time.Now().Add(timeout)
	}
	for {
		if l.State() == StateDestroyed {
			return nil, ErrBadPort.With("looper %q is gone", l.Name())
		}
		p, err := l.k.domains.Resolve(l.domain)
		if err != nil {
			return nil, ErrBadPort.With("looper %q is gone", l.Name())
		}
		if msg := l.popGroup(); msg != nil {
			_ = p.Sem.Acquire(0)
			return msg, nil
		}
		wait := timeout
		if bounded {
			if wait = time.Until(deadline); wait <= 0 {
				return nil, ErrTimedOut.With("no message for looper %q", l.Name())
			}
		}
		switch err := p.Sem.Acquire(wait); {
		case err == nil, errors.Is(err, locker.ErrKicked), errors.Is(err, locker.ErrClosed):
		default:
			return nil, err
		}
	}
}

func (l *Looper) popGroup() *Message {
	members := l.k.domains.Members(l.domain)
	if len(members) == 0 {
		return nil
	}
	start := l.rr % len(members)
	for i := range members {
		idx := (start + i) % len(members)
		m := l.k.loopers.byDomain(members[idx])
		if m == nil || (m != l && m.Thread() != 0) {
			continue
		}
		if msg := m.queue.NextMessage(); msg != nil {
			l.rr = idx + 1
			return msg
		}
	}
	return nil
}

// DispatchLooperMessage routes msg through the filters to its handler. The
// caller must hold the lock of the looper that queued msg.
func (l *Looper) DispatchLooperMessage(msg *Message) {
	if msg == nil {
		return
	}
	switch msg.what {
	case cmdQuit:
		l.state.CompareAndSwap(int32(StateRunning), int32(StateQuitting))
		l.state.CompareAndSwap(int32(StateUnstarted), int32(StateQuitting))
		msg.finishDispatch(false)
		return
	case cmdEventsPending:
		msg.finishDispatch(false)
		return
	case QuitRequested:
		l.dispatchQuitRequested(msg)
		return
	}

	target := l.resolveTarget(msg)
	if target == nil {
		log.Debugf("looper %q: %s has no live target; dropped", l.Name(), fourCC(msg.what))
		msg.finishDispatch(false)
		return
	}
	target = runFilters(l, l.CommonFilterList(), msg, target)
	for target != nil {
		next := runFilters(l, target.FilterList(), msg, target)
		if next == target {
			break
		}
		target = next
	}
	if target == nil {
		msg.finishDispatch(false)
		return
	}

	l.current = msg
	switch msg.what {
	case cmdStartObserving, cmdStopObserving:
		target.handleObserverControl(msg)
	default:
		if d, ok := l.behavior.(MessageDispatcher); ok {
			d.DispatchMessage(l, msg, target)
		} else {
			l.DispatchMessage(msg, target)
		}
	}
	detached := l.current != msg
	l.current = nil
	msg.finishDispatch(detached)
}

func (l *Looper) dispatchQuitRequested(msg *Message) {
	ok := l.quitRequested()
	if msg.IsSourceWaiting() {
		r := NewMessage(Reply)
		_ = r.AddBool("result", ok)
		if err := msg.SendReply(r, nil, 0); err != nil {
			log.Debugf("looper %q: quit reply: %s", l.Name(), err)
		}
	}
	if ok {
		l.state.CompareAndSwap(int32(StateRunning), int32(StateQuitting))
		l.state.CompareAndSwap(int32(StateUnstarted), int32(StateQuitting))
	}
	msg.finishDispatch(false)
}

func (l *Looper) quitRequested() bool {
	if q, ok := l.behavior.(QuitRequester); ok {
		return q.QuitRequested(l)
	}
	if l.app != nil {
		return l.app.QuitAllLoopers(false)
	}
	return true
}

func (l *Looper) dependsOnOthers() bool {
	if q, ok := l.behavior.(QuitDependent); ok {
		return q.DependsOnOthersWhenQuitting(l)
	}
	return false
}

// resolveTarget maps the routed target of msg to a handler of l.
func (l *Looper) resolveTarget(msg *Message) *Handler {
	if msg.targetPreferred {
		if h := l.PreferredHandler(); h != nil {
			return h
		}
		return &l.Handler
	}
	if msg.target.isZero() {
		return &l.Handler
	}
	if !l.k.tokens.Validate(msg.target.tok, msg.target.stamp) {
		return nil
	}
	h, _ := l.k.tokens.Lookup(msg.target.tok).(*Handler)
	if h == nil || h.Looper() != l {
		return nil
	}
	return h
}

// DispatchMessage hands msg to target. Behaviors implementing
// MessageDispatcher call it for messages they do not handle.
func (l *Looper) DispatchMessage(msg *Message, target *Handler) {
	if target == nil {
		target = &l.Handler
	}
	if l.app != nil && target == &l.Handler && l.app.dispatchSystem(msg) {
		return
	}
	target.MessageReceived(msg)
}
