package runtime

import (
	"testing"
	"time"

	"github.com/etkit/etk/internal/testrunner/assert"
)

const wait = 5 * time.Second

func testSettings() Settings {
	s := DefaultSettings()
	s.QueueTimeout = time.Second
	s.ReplyTimeout = wait
	s.PulseRate = 0
	s.QuitBackoffInitial = time.Millisecond
	s.QuitBackoffMax = 10 * time.Millisecond
	s.QuitMaxAttempts = 8
	return s
}

// setup gives the test a fresh kernel that is torn down afterwards.
func setup(t *testing.T) {
	t.Helper()
	setupWith(t, testSettings())
}

func setupWith(t *testing.T, s Settings) {
	t.Helper()
	Teardown()
	if err := Init(s); err != nil {
		t.Fatalf("init kernel: %v", err)
	}
	t.Cleanup(Teardown)
}

// recorder collects every message its handler receives.
type recorder struct {
	ch chan *Message
}

func newRecorder() *recorder { return &recorder{ch: make(chan *Message, 1024)} }

func (r *recorder) MessageReceived(h *Handler, msg *Message) { r.ch <- msg }

func (r *recorder) next(t *testing.T) *Message {
	t.Helper()
	return assert.Receive(t, r.ch, wait, "recorded message")
}

func (r *recorder) none(t *testing.T, d time.Duration) {
	t.Helper()
	assert.Silent(t, r.ch, d, "recorded message")
}

// named records which handler saw each message.
type named struct {
	ch chan string
}

func newNamed() *named { return &named{ch: make(chan string, 1024)} }

func (n *named) MessageReceived(h *Handler, msg *Message) { n.ch <- h.Name() }

func (n *named) next(t *testing.T) string {
	t.Helper()
	return assert.Receive(t, n.ch, wait, "handler name")
}

func (n *named) none(t *testing.T, d time.Duration) {
	t.Helper()
	assert.Silent(t, n.ch, d, "handler name")
}

func startLooper(t *testing.T, name string, b Behavior, opts ...LooperOption) *Looper {
	t.Helper()
	l := NewLooper(name, b, opts...)
	if _, err := l.Run(); err != nil {
		t.Fatalf("run %s: %v", name, err)
	}
	return l
}

func mustLock(t *testing.T, l *Looper) {
	t.Helper()
	if !l.Lock() {
		t.Fatalf("lock %s failed", l.Name())
	}
}

func messengerTo(t *testing.T, h *Handler, l *Looper) *Messenger {
	t.Helper()
	m, err := NewMessenger(h, l)
	if err != nil {
		t.Fatalf("messenger: %v", err)
	}
	return m
}

// onThread runs fn on a fresh goroutine and waits for it.
func onThread(fn func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	<-done
}
