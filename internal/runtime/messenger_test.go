package runtime

import (
	"errors"
	stdrt "runtime"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/etkit/etk/internal/testrunner/assert"
)

func TestSendMessageAndWaitDefaultReplyTimeout(t *testing.T) {
	setup(t)
	l := startLooper(t, "slow", BehaviorFunc(func(h *Handler, msg *Message) {
		time.Sleep(50 * time.Millisecond)
		_ = msg.SendReplyCommand(Reply)
	}))
	m := messengerTo(t, nil, l)

	reply, err := m.SendMessageAndWait(NewMessage(7), time.Second, 0)
	assert.NoError(t, err, "zero reply timeout uses the configured one")
	assert.Equal(t, reply.What(), Reply, "reply code")

	s := testSettings()
	s.ReplyTimeout = 10 * time.Millisecond
	Configure(s)
	reply, err = m.SendMessageAndWait(NewMessage(7), time.Second, 0)
	assert.ErrorIs(t, err, ErrTimedOut, "configured reply timeout")
	assert.Equal(t, reply.What(), NoReply, "reply code after timeout")
}

func TestMessengerReleaseDuringSend(t *testing.T) {
	setup(t)
	l := startLooper(t, "target", nil)
	m := messengerTo(t, nil, l)
	done := make(chan error, 1)
	go func() {
		for i := 0; i < 200; i++ {
			if err := m.SendCommand(1); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	m.Release()
	if err := <-done; err != nil {
		assert.ErrorIs(t, err, ErrBadPort, "send through a released messenger")
	}
	if m.IsValid() {
		t.Fatalf("released messenger still valid")
	}
	assert.ErrorIs(t, m.SendCommand(1), ErrBadPort, "send after release")
}

func TestMessengerTargets(t *testing.T) {
	setup(t)
	rec := newRecorder()
	l := startLooper(t, "target", rec)
	h := NewHandler("h", rec)
	mustLock(t, l)
	if err := l.AddHandler(h); err != nil {
		t.Fatalf("add handler: %v", err)
	}
	l.Unlock()

	m := messengerTo(t, h, nil)
	defer m.Release()
	gh, gl := m.Target()
	if gh != h || gl != l {
		t.Fatalf("Target() = %v, %v", gh, gl)
	}
	if !m.IsValid() || !m.IsTargetLocal() || m.IsPreferred() {
		t.Fatalf("unexpected messenger state %s", m)
	}

	pref := messengerTo(t, nil, l)
	defer pref.Release()
	if gh, gl := pref.Target(); gh != nil || gl != l || !pref.IsPreferred() {
		t.Fatalf("preferred Target() = %v, %v", gh, gl)
	}

	if _, err := NewMessenger(nil, nil); !errors.Is(err, ErrBadValue) {
		t.Fatalf("no target: %v", err)
	}
	if _, err := NewMessenger(NewHandler("loose", nil), nil); !errors.Is(err, ErrBadHandler) {
		t.Fatalf("detached handler: %v", err)
	}
	other := NewLooper("other", nil)
	if _, err := NewMessenger(h, other); !errors.Is(err, ErrMismatchedValues) {
		t.Fatalf("mismatched looper: %v", err)
	}
}

func TestMessengerStaleAfterHandlerClose(t *testing.T) {
	setup(t)
	l := startLooper(t, "owner", nil)
	h := NewHandler("doomed", newRecorder())
	mustLock(t, l)
	_ = l.AddHandler(h)
	l.Unlock()
	m := messengerTo(t, h, nil)
	clone := m.Clone()

	mustLock(t, l)
	if !l.RemoveHandler(h) {
		t.Fatalf("remove handler failed")
	}
	l.Unlock()
	h.Close()

	for _, v := range []*Messenger{m, clone} {
		if v.IsValid() {
			t.Fatalf("messenger to a closed handler still valid")
		}
		if err := v.SendCommand(1); !errors.Is(err, ErrBadHandler) {
			t.Fatalf("send to closed handler: %v", err)
		}
	}
}

func TestMessengerStaleAfterLooperQuit(t *testing.T) {
	setup(t)
	l := startLooper(t, "short", nil)
	m := messengerTo(t, nil, l)
	l.Quit()
	if m.IsValid() {
		t.Fatalf("messenger valid after quit")
	}
	if err := m.SendCommand(1); !errors.Is(err, ErrBadPort) {
		t.Fatalf("send after quit: %v", err)
	}
	if m.LockTarget() {
		t.Fatalf("locked a destroyed looper")
	}
	if h, lo := m.Target(); h != nil || lo != nil {
		t.Fatalf("Target() after quit = %v, %v", h, lo)
	}
}

func TestMessengerEqualAndSetTo(t *testing.T) {
	setup(t)
	a := NewLooper("a", nil)
	b := NewLooper("b", nil)
	ma := messengerTo(t, &a.Handler, nil)
	mb := messengerTo(t, &b.Handler, nil)
	if ma.Equal(mb) || !ma.Equal(ma.Clone()) {
		t.Fatalf("Equal is wrong")
	}
	ma.SetTo(mb)
	if !ma.Equal(mb) {
		t.Fatalf("SetTo did not retarget")
	}
	ma.Release()
	if ma.IsValid() {
		t.Fatalf("released messenger still valid")
	}
	if !mb.IsValid() {
		t.Fatalf("releasing a copy invalidated the original")
	}
}

func TestMessengerFlatten(t *testing.T) {
	setup(t)
	l := NewLooper("flat", nil)
	m := messengerTo(t, nil, l)
	data, err := m.Flatten()
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	back, err := UnflattenMessenger(data)
	if err != nil {
		t.Fatalf("unflatten: %v", err)
	}
	if !back.Equal(m) || !back.IsValid() {
		t.Fatalf("round trip: %s vs %s", back, m)
	}

	var w messengerWire
	if err := cbor.Unmarshal(data, &w); err != nil {
		t.Fatalf("decode wire: %v", err)
	}
	foreign := uuid.New()
	w.Session = foreign[:]
	data, err = cbor.Marshal(&w)
	if err != nil {
		t.Fatalf("encode wire: %v", err)
	}
	alien, err := UnflattenMessenger(data)
	if err != nil {
		t.Fatalf("unflatten foreign: %v", err)
	}
	if alien.IsValid() || alien.IsTargetLocal() {
		t.Fatalf("messenger from another session resolves locally")
	}
	if err := alien.SendCommand(1); !errors.Is(err, ErrBadPort) {
		t.Fatalf("send through foreign messenger: %v", err)
	}
}

// replier answers every message with its what plus one.
type replier struct{}

func (replier) MessageReceived(h *Handler, msg *Message) {
	r := NewMessage(msg.What() + 1)
	_ = r.AddBool("waiting", msg.IsSourceWaiting())
	_ = msg.SendReply(r, nil, time.Second)
}

func TestSendMessageAndWait(t *testing.T) {
	setup(t)
	l := startLooper(t, "echo", replier{})
	m := messengerTo(t, nil, l)
	reply, err := m.SendMessageAndWait(NewMessage(10), time.Second, wait)
	if err != nil {
		t.Fatalf("send and wait: %v", err)
	}
	if reply.What() != 11 || !reply.IsReply() {
		t.Fatalf("reply = %s", reply)
	}
	if waiting, _ := reply.FindBool("waiting", 0); !waiting {
		t.Fatalf("handler did not see a waiting source")
	}
	if reply.Previous() == nil || reply.Previous().What() != 10 {
		t.Fatalf("reply does not link to the request")
	}

	reply, err = m.Request(NewMessage(20))
	if err != nil || reply.What() != 21 {
		t.Fatalf("request: %v %v", reply, err)
	}
}

func TestSendMessageAndWaitUnanswered(t *testing.T) {
	setup(t)
	l := startLooper(t, "mute", BehaviorFunc(func(*Handler, *Message) {}))
	m := messengerTo(t, nil, l)
	reply, err := m.SendMessageAndWait(NewMessage(1), time.Second, wait)
	if err != nil {
		t.Fatalf("unanswered message must not error: %v", err)
	}
	if reply.What() != NoReply {
		t.Fatalf("reply = %s, want NoReply", reply)
	}
}

func TestSendMessageAndWaitTimeout(t *testing.T) {
	setup(t)
	release := make(chan struct{})
	late := make(chan error, 1)
	l := startLooper(t, "slow", BehaviorFunc(func(h *Handler, msg *Message) {
		<-release
		late <- msg.SendReply(NewMessage(2), nil, time.Second)
	}))
	m := messengerTo(t, nil, l)

	start := time.Now()
	reply, err := m.SendMessageAndWait(NewMessage(1), time.Second, 50*time.Millisecond)
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if reply == nil || reply.What() != NoReply {
		t.Fatalf("timed out reply = %v", reply)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout took %s", time.Since(start))
	}
	close(release)
	assert.ErrorIs(t, assert.Receive(t, late, wait, "late reply"), ErrDuplicateReply, "late reply")
}

func TestSendMessageAndWaitOwnThread(t *testing.T) {
	setup(t)
	res := make(chan error, 1)
	l := startLooper(t, "self", BehaviorFunc(func(h *Handler, msg *Message) {
		if msg.What() != 1 {
			return
		}
		self := MessengerFor(h)
		defer self.Release()
		_, err := self.SendMessageAndWait(NewMessage(2), time.Second, time.Second)
		res <- err
	}))
	if err := l.PostCommand(1); err != nil {
		t.Fatalf("post: %v", err)
	}
	assert.ErrorIs(t, assert.Receive(t, res, wait, "self send"), ErrWouldDeadlock, "self send")
}

func TestReplyGoesToReturnAddress(t *testing.T) {
	setup(t)
	rec := newRecorder()
	inbox := startLooper(t, "inbox", rec)
	server := startLooper(t, "server", replier{})

	to := messengerTo(t, nil, server)
	replyTo := messengerTo(t, nil, inbox)
	if err := to.SendMessage(NewMessage(40), replyTo, time.Second); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := rec.next(t)
	if got.What() != 41 || !got.IsReply() {
		t.Fatalf("inbox got %s", got)
	}
	if waiting, _ := got.FindBool("waiting", 0); waiting {
		t.Fatalf("asynchronous send looked synchronous")
	}
}

func TestFlattenDropsReplyChannel(t *testing.T) {
	setup(t)
	flags := make(chan bool, 1)
	l := startLooper(t, "flattener", BehaviorFunc(func(h *Handler, msg *Message) {
		data, err := msg.Flatten()
		if err != nil {
			flags <- false
			return
		}
		out, err := UnflattenMessage(data)
		flags <- err == nil && out.IsSourceDropped() && !out.IsSourceWaiting()
	}))
	m := messengerTo(t, nil, l)
	reply, err := m.SendMessageAndWait(NewMessage(1), time.Second, wait)
	if err != nil || reply.What() != NoReply {
		t.Fatalf("reply %v %v", reply, err)
	}
	if !assert.Receive(t, flags, wait, "flatten result") {
		t.Fatalf("flattened copy did not report a dropped source")
	}
}

func TestDetachedMessageAnsweredWhenCollected(t *testing.T) {
	setup(t)
	l := startLooper(t, "detacher", BehaviorFunc(func(h *Handler, msg *Message) {
		h.Looper().DetachCurrentMessage()
	}))
	m := messengerTo(t, nil, l)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
				stdrt.GC()
			}
		}
	}()
	reply, err := m.SendMessageAndWait(NewMessage(1), time.Second, 30*time.Second)
	if err != nil || reply.What() != NoReply {
		t.Fatalf("detached message reply %v %v", reply, err)
	}
}

func TestStaleMessengersUnderChurn(t *testing.T) {
	setup(t)
	rec := newNamed()
	l := startLooper(t, "churn", nil)
	var stale []*Messenger
	for i := 0; i < 64; i++ {
		h := NewHandler("old", rec)
		mustLock(t, l)
		_ = l.AddHandler(h)
		l.Unlock()
		stale = append(stale, messengerTo(t, h, nil))
		mustLock(t, l)
		l.RemoveHandler(h)
		l.Unlock()
		h.Close()

		fresh := NewHandler("new", rec)
		mustLock(t, l)
		_ = l.AddHandler(fresh)
		l.Unlock()
	}
	for _, m := range stale {
		assert.ErrorIs(t, m.SendCommand(1), ErrBadHandler, "stale send")
	}
	select {
	case got := <-rec.ch:
		t.Fatalf("stale messenger reached %q", got)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSendMessageAndWaitToIdleLooper(t *testing.T) {
	setup(t)
	l := NewLooper("never-run", nil)
	m := messengerTo(t, nil, l)
	reply, err := m.SendMessageAndWait(NewMessage(1), time.Second, 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimedOut, "send to a looper that never dispatches")
	if reply.What() != NoReply {
		t.Fatalf("reply = %s", reply)
	}
}
