package runtime

import (
	"errors"
	"testing"
	"time"
)

func skip(*Message, *Handler, *MessageFilter) (FilterResult, *Handler) { return FilterSkip, nil }

func redirect(to *Handler) FilterHook {
	return func(*Message, *Handler, *MessageFilter) (FilterResult, *Handler) { return FilterDispatch, to }
}

func TestFilterSkipsCommand(t *testing.T) {
	setup(t)
	rec := newRecorder()
	l := startLooper(t, "filtered", rec)
	f := NewCommandFilter(5, skip)
	mustLock(t, l)
	if err := l.AddFilter(f); err != nil {
		t.Fatalf("add filter: %v", err)
	}
	l.Unlock()
	if f.Looper() != l || f.Command() != 5 || f.FiltersAnyCommand() {
		t.Fatalf("filter accessors wrong")
	}

	_ = l.PostCommand(5)
	_ = l.PostCommand(6)
	if got := rec.next(t); got.What() != 6 {
		t.Fatalf("got %s, want 6", got)
	}

	m := messengerTo(t, nil, l)
	reply, err := m.SendMessageAndWait(NewMessage(5), time.Second, wait)
	if err != nil || reply.What() != NoReply {
		t.Fatalf("skipped synchronous message answered %v %v", reply, err)
	}
	rec.none(t, 20*time.Millisecond)
}

func TestFilterNilHookDispatches(t *testing.T) {
	setup(t)
	rec := newRecorder()
	l := startLooper(t, "nilhook", rec)
	mustLock(t, l)
	_ = l.AddCommonFilter(NewMessageFilter(AnyDelivery, AnySource, nil))
	l.Unlock()
	_ = l.PostCommand(3)
	if got := rec.next(t); got.What() != 3 {
		t.Fatalf("got %s", got)
	}
}

func TestCommonFilterRedirects(t *testing.T) {
	setup(t)
	rec := newNamed()
	l := startLooper(t, "redir", rec)
	h := NewHandler("h", rec)
	mustLock(t, l)
	_ = l.AddHandler(h)
	if err := l.AddCommonFilter(NewMessageFilterFor(AnyDelivery, LocalSource, 8, redirect(h))); err != nil {
		t.Fatalf("add common filter: %v", err)
	}
	l.Unlock()

	_ = l.PostCommand(8)
	_ = l.PostCommand(9)
	if got := rec.next(t); got != "h" {
		t.Fatalf("redirected message reached %q", got)
	}
	if got := rec.next(t); got != "redir" {
		t.Fatalf("unmatched message reached %q", got)
	}
}

func TestFilterRedirectToForeignLooperDrops(t *testing.T) {
	setup(t)
	rec := newRecorder()
	l := startLooper(t, "home", rec)
	away := NewLooper("away", nil)
	mustLock(t, l)
	_ = l.AddCommonFilter(NewCommandFilter(4, redirect(&away.Handler)))
	l.Unlock()

	_ = l.PostCommand(4)
	_ = l.PostCommand(5)
	if got := rec.next(t); got.What() != 5 {
		t.Fatalf("got %s, want only the unfiltered message", got)
	}
}

func TestHandlerFiltersChainRedirects(t *testing.T) {
	setup(t)
	rec := newNamed()
	l := startLooper(t, "hops", rec)
	a := NewHandler("a", rec)
	b := NewHandler("b", rec)
	mustLock(t, l)
	_ = l.AddHandler(a)
	_ = l.AddHandler(b)
	_ = a.AddFilter(NewMessageFilter(AnyDelivery, AnySource, redirect(b)))
	_ = b.AddFilter(NewCommandFilter(2, skip))
	l.Unlock()

	for _, what := range []uint32{1, 2, 3} {
		_ = l.PostMessageTo(NewMessage(what), a, nil, time.Second)
	}
	// The redirect hands every message to b, whose own filter then drops 2.
	for i := 0; i < 2; i++ {
		if got := rec.next(t); got != "b" {
			t.Fatalf("message %d reached %q", i, got)
		}
	}
	select {
	case got := <-rec.ch:
		t.Fatalf("unexpected delivery to %q", got)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestFilterAttachesOnce(t *testing.T) {
	setup(t)
	l := NewLooper("owner", nil)
	a := NewHandler("a", nil)
	b := NewHandler("b", nil)
	f := NewCommandFilter(1, nil)
	g := NewCommandFilter(2, nil)
	mustLock(t, l)
	defer l.Unlock()
	_ = l.AddHandler(a)
	_ = l.AddHandler(b)

	if err := a.AddFilter(f); err != nil {
		t.Fatalf("first attach: %v", err)
	}
	if err := b.AddFilter(f); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("second attach: %v", err)
	}
	if err := l.AddCommonFilter(f); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("attach as common: %v", err)
	}
	if err := b.SetFilterList([]*MessageFilter{g, f}); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("set list with foreign filter: %v", err)
	}
	if len(b.FilterList()) != 0 || g.Looper() != nil {
		t.Fatalf("failed SetFilterList changed state")
	}
	if err := b.SetFilterList([]*MessageFilter{g, g}); !errors.Is(err, ErrBadValue) {
		t.Fatalf("duplicate in list: %v", err)
	}

	if !a.RemoveFilter(f) || a.RemoveFilter(f) {
		t.Fatalf("RemoveFilter")
	}
	if err := b.SetFilterList([]*MessageFilter{g, f}); err != nil {
		t.Fatalf("set list: %v", err)
	}
	if err := b.SetFilterList([]*MessageFilter{f}); err != nil {
		t.Fatalf("shrink list: %v", err)
	}
	if g.Looper() != nil || f.Looper() != l {
		t.Fatalf("replaced filters not detached")
	}
	if err := l.SetCommonFilterList([]*MessageFilter{g}); err != nil {
		t.Fatalf("common list: %v", err)
	}
	if len(l.CommonFilterList()) != 1 || !l.RemoveCommonFilter(g) {
		t.Fatalf("common filter list")
	}
}

func TestFilterMatchesDeliveryAndSource(t *testing.T) {
	setup(t)
	m := NewMessage(1)
	dropped := m.Copy()
	dropped.MarkDropped()
	remote := m.Copy()
	remote.remote = true

	cases := []struct {
		name string
		f    *MessageFilter
		msg  *Message
		want bool
	}{
		{"any", NewMessageFilter(AnyDelivery, AnySource, nil), m, true},
		{"dropped only, programmed", NewMessageFilter(DroppedDelivery, AnySource, nil), m, false},
		{"dropped only, dropped", NewMessageFilter(DroppedDelivery, AnySource, nil), dropped, true},
		{"programmed only, dropped", NewMessageFilter(ProgrammedDelivery, AnySource, nil), dropped, false},
		{"local only, remote", NewMessageFilter(AnyDelivery, LocalSource, nil), remote, false},
		{"remote only, remote", NewMessageFilter(AnyDelivery, RemoteSource, nil), remote, true},
		{"other command", NewMessageFilterFor(AnyDelivery, AnySource, 2, nil), m, false},
	}
	for _, c := range cases {
		if got := c.f.matches(c.msg); got != c.want {
			t.Errorf("%s: matches = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestQuitBypassesFilters(t *testing.T) {
	setup(t)
	l := startLooper(t, "sealed", &refusing{})
	mustLock(t, l)
	_ = l.AddCommonFilter(NewMessageFilter(AnyDelivery, AnySource, skip))
	_ = l.AddFilter(NewMessageFilter(AnyDelivery, AnySource, skip))
	l.Unlock()

	m := messengerTo(t, nil, l)
	reply, err := m.SendMessageAndWait(NewMessage(QuitRequested), time.Second, wait)
	if err != nil || reply.What() != Reply {
		t.Fatalf("QuitRequested filtered out: %v %v", reply, err)
	}
	if l.State() != StateRunning {
		t.Fatalf("refused quit left state %s", l.State())
	}
	done := make(chan struct{})
	go func() {
		l.Quit()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(wait):
		t.Fatalf("quit did not get through the filters")
	}
}
