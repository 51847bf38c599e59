package runtime

import (
	"errors"
	"sync"
	"testing"
	"time"

	etkerrors "github.com/etkit/etk/internal/errors"
	"github.com/etkit/etk/internal/runtime/locker"
	"github.com/etkit/etk/internal/testrunner/assert"
)

func TestLooperLifecycle(t *testing.T) {
	setup(t)
	l := NewLooper("life", nil)
	if l.State() != StateUnstarted || l.Thread() != 0 {
		t.Fatalf("new looper: %s thread %d", l.State(), l.Thread())
	}
	before := CountLoopers()
	tid, err := l.Run()
	if err != nil || tid == 0 {
		t.Fatalf("run: %d %v", tid, err)
	}
	if l.State() != StateRunning || l.Thread() != tid {
		t.Fatalf("running looper: %s thread %d", l.State(), l.Thread())
	}
	if LooperForThread(tid) != l {
		t.Fatalf("LooperForThread(%d) = %v", tid, LooperForThread(tid))
	}
	assert.Contract(t, "LOOPER_ALREADY_RUN", func() { _, _ = l.Run() })

	l.Quit()
	if l.State() != StateDestroyed {
		t.Fatalf("after quit: %s", l.State())
	}
	if CountLoopers() != before-1 {
		t.Fatalf("looper still listed: %d loopers", CountLoopers())
	}
	if l.Lock() {
		t.Fatalf("locked a destroyed looper")
	}
	if err := l.PostCommand(1); !errors.Is(err, ErrBadPort) {
		t.Fatalf("post to destroyed looper: %v", err)
	}
	if err := l.PostMessageTo(NewMessage(1), nil, nil, time.Second); !errors.Is(err, ErrBadPort) {
		t.Fatalf("post to preferred handler of destroyed looper: %v", err)
	}
	l.Quit()
}

func TestLooperQuitUnstarted(t *testing.T) {
	setup(t)
	l := NewLooper("never", nil)
	_ = l.PostCommand(1)
	l.Close()
	if l.State() != StateDestroyed {
		t.Fatalf("state %s", l.State())
	}
}

func TestLooperCurrentLooperAndOwnThreadQuit(t *testing.T) {
	setup(t)
	type result struct {
		current  *Looper
		contract bool
	}
	res := make(chan result, 1)
	l := startLooper(t, "self", BehaviorFunc(func(h *Handler, msg *Message) {
		r := result{current: CurrentLooper()}
		func() {
			defer func() { r.contract = etkerrors.IsContract(recover()) }()
			h.Looper().Quit()
		}()
		res <- r
	}))
	_ = l.PostCommand(1)
	r := assert.Receive(t, res, wait, "handler result")
	if r.current != l {
		t.Fatalf("CurrentLooper() = %v", r.current)
	}
	if !r.contract {
		t.Fatalf("quit from own thread did not fail the contract")
	}
}

func TestLooperFIFOManyProducers(t *testing.T) {
	setup(t)
	const producers, each = 8, 200
	rec := newRecorder()
	rec.ch = make(chan *Message, producers*each)
	l := startLooper(t, "fifo", rec)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				m := NewMessage(7)
				_ = m.AddInt32("p", int32(p))
				_ = m.AddInt32("i", int32(i))
				if err := l.PostMessage(m); err != nil {
					t.Errorf("post: %v", err)
					return
				}
			}
		}(p)
	}
	wg.Wait()

	last := make([]int32, producers)
	for i := range last {
		last[i] = -1
	}
	for n := 0; n < producers*each; n++ {
		m := rec.next(t)
		p, _ := m.FindInt32("p", 0)
		i, _ := m.FindInt32("i", 0)
		if i != last[p]+1 {
			t.Fatalf("producer %d: got %d after %d", p, i, last[p])
		}
		last[p] = i
	}
}

func TestLooperLockDepth(t *testing.T) {
	setup(t)
	l := NewLooper("depth", nil)
	for i := 0; i < 3; i++ {
		mustLock(t, l)
	}
	if !l.IsLocked() || l.CountLocks() != 3 || l.LockingThread() != locker.CurrentThread() {
		t.Fatalf("locked=%v count=%d owner=%d", l.IsLocked(), l.CountLocks(), l.LockingThread())
	}

	res := make(chan [2]error, 1)
	go func() {
		res <- [2]error{l.LockWithTimeout(0), l.LockWithTimeout(20 * time.Millisecond)}
	}()
	errs := assert.Receive(t, res, wait, "contended lock")
	assert.ErrorIs(t, errs[0], ErrWouldBlock, "zero timeout")
	assert.ErrorIs(t, errs[1], ErrTimedOut, "bounded timeout")

	for i := 0; i < 3; i++ {
		l.Unlock()
	}
	if l.IsLocked() || l.CountLocks() != 0 {
		t.Fatalf("still locked after matching unlocks")
	}
	assert.Contract(t, "LOOPER_NOT_LOCKED", l.Unlock)
}

func TestLooperHandlerChain(t *testing.T) {
	setup(t)
	rec := newNamed()
	l := startLooper(t, "chain", rec)
	a := NewHandler("a", nil)
	b := NewHandler("b", rec)

	if err := l.AddHandler(a); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("unlocked AddHandler: %v", err)
	}
	mustLock(t, l)
	_ = l.AddHandler(a)
	_ = l.AddHandler(b)
	if l.CountHandlers() != 3 || l.HandlerAt(0) != a || l.HandlerAt(1) != b || l.HandlerAt(2) != &l.Handler {
		t.Fatalf("chain order wrong")
	}
	if a.NextHandler() != b || b.NextHandler() != &l.Handler || l.Handler.NextHandler() != nil {
		t.Fatalf("next handler links wrong")
	}
	l.Unlock()

	// a has no behavior and forwards to b.
	if err := l.PostMessageTo(NewMessage(1), a, nil, time.Second); err != nil {
		t.Fatalf("post: %v", err)
	}
	if got := rec.next(t); got != "b" {
		t.Fatalf("forwarded to %q", got)
	}

	mustLock(t, l)
	if err := a.SetNextHandler(&l.Handler); err != nil {
		t.Fatalf("SetNextHandler: %v", err)
	}
	if l.IndexOf(&l.Handler) != 1 || l.IndexOf(b) != 2 {
		t.Fatalf("rewired chain: self at %d, b at %d", l.IndexOf(&l.Handler), l.IndexOf(b))
	}
	if err := a.SetNextHandler(a); !errors.Is(err, ErrBadValue) {
		t.Fatalf("self link: %v", err)
	}
	other := NewLooper("other", nil)
	if err := a.SetNextHandler(&other.Handler); !errors.Is(err, ErrMismatchedValues) {
		t.Fatalf("foreign link: %v", err)
	}
	l.Unlock()
	if err := a.SetNextHandler(b); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("unlocked SetNextHandler: %v", err)
	}

	_ = l.PostMessageTo(NewMessage(2), a, nil, time.Second)
	if got := rec.next(t); got != "chain" {
		t.Fatalf("rewired message reached %q", got)
	}
}

func TestLooperAddHandlerErrors(t *testing.T) {
	setup(t)
	l := NewLooper("one", nil)
	o := NewLooper("two", nil)
	h := NewHandler("h", nil)
	mustLock(t, l)
	defer l.Unlock()
	if err := l.AddHandler(nil); !errors.Is(err, ErrBadValue) {
		t.Fatalf("nil: %v", err)
	}
	if err := l.AddHandler(&o.Handler); !errors.Is(err, ErrBadValue) {
		t.Fatalf("looper as handler: %v", err)
	}
	_ = l.AddHandler(h)
	mustLock(t, o)
	if err := o.AddHandler(h); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("handler of another looper: %v", err)
	}
	o.Unlock()
	if l.RemoveHandler(&l.Handler) {
		t.Fatalf("removed the looper itself")
	}
	assert.Contract(t, "HANDLER_ATTACHED", h.Close)
}

func TestLooperPreferredHandler(t *testing.T) {
	setup(t)
	rec := newNamed()
	l := startLooper(t, "pref", rec)
	h := NewHandler("h", rec)
	mustLock(t, l)
	_ = l.AddHandler(h)
	l.Unlock()

	_ = l.PostMessageTo(NewMessage(1), nil, nil, time.Second)
	if got := rec.next(t); got != "pref" {
		t.Fatalf("without a preferred handler, got %q", got)
	}
	l.SetPreferredHandler(h)
	if l.PreferredHandler() != h {
		t.Fatalf("preferred handler not set")
	}
	_ = l.PostMessageTo(NewMessage(1), nil, nil, time.Second)
	if got := rec.next(t); got != "h" {
		t.Fatalf("with a preferred handler, got %q", got)
	}
	stranger := NewHandler("stranger", nil)
	l.SetPreferredHandler(stranger)
	if l.PreferredHandler() != h {
		t.Fatalf("foreign preferred handler accepted")
	}
}

func TestLooperPortCapacity(t *testing.T) {
	setup(t)
	l := NewLooper("small", nil, WithPortCapacity(2))
	assert.NoError(t, l.PostCommand(1), "first")
	assert.NoError(t, l.PostCommand(2), "second")
	assert.ErrorIs(t, l.PostCommand(3), ErrWouldBlock, "third")
	assert.NoError(t, l.PostCommand(QuitRequested), "system command past capacity")
	assert.Equal(t, l.MessageQueue().CountMessages(), 3, "queued")
}

func TestMessageQueueAPI(t *testing.T) {
	setup(t)
	l := NewLooper("queue", nil)
	for _, what := range []uint32{1, 2, 1, 3} {
		_ = l.PostCommand(what)
	}
	q := l.MessageQueue()
	if q.CountMessages() != 4 || q.IsEmpty() {
		t.Fatalf("count %d", q.CountMessages())
	}
	second := q.FindMessageWhat(1, 1)
	if second == nil || second != q.FindMessage(2) {
		t.Fatalf("FindMessageWhat(1, 1) = %v", second)
	}
	if !second.WasDelivered() {
		t.Fatalf("queued message not marked delivered")
	}
	if !q.RemoveMessage(second) || q.RemoveMessage(second) {
		t.Fatalf("RemoveMessage")
	}
	var order []uint32
	for m := q.NextMessage(); m != nil; m = q.NextMessage() {
		order = append(order, m.What())
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("order %v", order)
	}
}

func TestMessageNotUnderstood(t *testing.T) {
	setup(t)
	l := startLooper(t, "plain", nil)
	m := messengerTo(t, nil, l)
	reply, err := m.SendMessageAndWait(NewMessage(99), time.Second, wait)
	if err != nil || reply.What() != MessageNotUnderstood {
		t.Fatalf("reply %v %v", reply, err)
	}
}

type refusing struct {
	allow bool
}

func (r *refusing) MessageReceived(*Handler, *Message) {}

func (r *refusing) QuitRequested(*Looper) bool { return r.allow }

func TestQuitRequested(t *testing.T) {
	setup(t)
	b := &refusing{}
	l := startLooper(t, "stubborn", b)
	m := messengerTo(t, nil, l)

	reply, err := m.SendMessageAndWait(NewMessage(QuitRequested), time.Second, wait)
	if err != nil {
		t.Fatalf("quit request: %v", err)
	}
	if ok, _ := reply.FindBool("result", 0); ok || reply.What() != Reply {
		t.Fatalf("refusal reply %s", reply)
	}
	if l.State() != StateRunning {
		t.Fatalf("refused quit changed state to %s", l.State())
	}

	b.allow = true
	reply, err = m.SendMessageAndWait(NewMessage(QuitRequested), time.Second, wait)
	if err != nil {
		t.Fatalf("quit request: %v", err)
	}
	if ok, _ := reply.FindBool("result", 0); !ok {
		t.Fatalf("accepted quit replied %s", reply)
	}
	assert.Eventually(t, wait, func() bool { return l.State() == StateDestroyed }, "looper destroyed")
}

type routing struct {
	seen chan uint32
}

func (r *routing) MessageReceived(*Handler, *Message) {}

func (r *routing) DispatchMessage(l *Looper, msg *Message, target *Handler) {
	r.seen <- msg.What()
	if msg.What() == 2 {
		l.DispatchMessage(msg, target)
	}
}

func TestMessageDispatcherOverride(t *testing.T) {
	setup(t)
	r := &routing{seen: make(chan uint32, 4)}
	rec := newRecorder()
	l := startLooper(t, "routed", r)
	h := NewHandler("h", rec)
	mustLock(t, l)
	_ = l.AddHandler(h)
	l.Unlock()

	_ = l.PostMessageTo(NewMessage(1), h, nil, time.Second)
	_ = l.PostMessageTo(NewMessage(2), h, nil, time.Second)
	assert.Equal(t, assert.Receive(t, r.seen, wait, "dispatch"), uint32(1), "first dispatch")
	assert.Equal(t, assert.Receive(t, r.seen, wait, "dispatch"), uint32(2), "second dispatch")
	if got := rec.next(t); got.What() != 2 {
		t.Fatalf("handler got %s", got)
	}
	rec.none(t, 50*time.Millisecond)
}
