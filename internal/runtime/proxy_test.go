package runtime

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/etkit/etk/internal/runtime/locker"
	"github.com/etkit/etk/internal/testrunner/assert"
	"github.com/etkit/etk/internal/testrunner/concurrency"
)

func proxy(t *testing.T, client, root *Looper) {
	t.Helper()
	mustLock(t, client)
	defer client.Unlock()
	if root != nil {
		mustLock(t, root)
		defer root.Unlock()
	}
	if err := client.ProxyBy(root); err != nil {
		t.Fatalf("proxy %s by %v: %v", client.Name(), root, err)
	}
}

func TestProxySharesLockAndQueue(t *testing.T) {
	setup(t)
	rec := newNamed()
	root := startLooper(t, "root", rec)
	client := NewLooper("client", rec)
	proxy(t, client, root)

	if client.Proxy() != root {
		t.Fatalf("Proxy() = %v", client.Proxy())
	}
	if cs := root.Clients(); len(cs) != 1 || cs[0] != client {
		t.Fatalf("Clients() = %v", cs)
	}

	_ = client.PostCommand(1)
	_ = root.PostCommand(2)
	got := map[string]bool{rec.next(t): true, rec.next(t): true}
	if !got["client"] || !got["root"] {
		t.Fatalf("root thread served %v", got)
	}

	mustLock(t, root)
	var err error
	onThread(func() { err = client.LockWithTimeout(0) })
	root.Unlock()
	assert.ErrorIs(t, err, ErrWouldBlock, "client lock while root is held")

	proxy(t, client, nil)
	if client.Proxy() != nil || len(root.Clients()) != 0 {
		t.Fatalf("split left edges")
	}
	mustLock(t, root)
	onThread(func() {
		err = client.LockWithTimeout(0)
		if err == nil {
			client.Unlock()
		}
	})
	root.Unlock()
	assert.NoError(t, err, "client lock after split")

	// A detached client has no thread; its messages wait for the next merge.
	_ = client.PostCommand(3)
	rec.none(t, 30*time.Millisecond)
	proxy(t, client, root)
	if got := rec.next(t); got != "client" {
		t.Fatalf("merged backlog reached %q", got)
	}
}

func TestProxyKeepsLockDepth(t *testing.T) {
	setup(t)
	a := NewLooper("a", nil)
	b := NewLooper("b", nil)
	for i := 0; i < 3; i++ {
		mustLock(t, a)
	}
	mustLock(t, b)
	if err := a.ProxyBy(b); err != nil {
		t.Fatalf("proxy: %v", err)
	}
	assert.Equal(t, a.CountLocks(), 3, "client depth after merge")
	assert.Equal(t, b.CountLocks(), 1, "proxy depth after merge")

	b.Unlock()
	var err error
	onThread(func() { err = b.LockWithTimeout(0) })
	assert.ErrorIs(t, err, ErrWouldBlock, "group still held through the client")

	if err := a.ProxyBy(nil); err != nil {
		t.Fatalf("split: %v", err)
	}
	assert.Equal(t, a.CountLocks(), 3, "client depth after split")
	onThread(func() {
		err = b.LockWithTimeout(0)
		if err == nil {
			b.Unlock()
		}
	})
	assert.NoError(t, err, "proxy lock after split")
	for i := 0; i < 3; i++ {
		a.Unlock()
	}
	if a.IsLocked() {
		t.Fatalf("client still locked")
	}
}

func TestProxyChainsAndCycles(t *testing.T) {
	setup(t)
	rec := newNamed()
	root := startLooper(t, "root", rec)
	mid := NewLooper("mid", rec)
	leaf := NewLooper("leaf", rec)
	proxy(t, leaf, mid)
	proxy(t, mid, root)

	_ = leaf.PostCommand(1)
	if got := rec.next(t); got != "leaf" {
		t.Fatalf("leaf message reached %q", got)
	}

	if gotRoot := leaf.Proxy().Proxy(); gotRoot != root {
		t.Fatalf("chain root %v", gotRoot)
	}

	mustLock(t, mid)
	if err := mid.ProxyBy(leaf); !errors.Is(err, ErrMismatchedValues) {
		t.Fatalf("cycle: %v", err)
	}
	if err := mid.ProxyBy(mid); !errors.Is(err, ErrBadValue) {
		t.Fatalf("self proxy: %v", err)
	}
	mid.Unlock()
}

func TestProxyContracts(t *testing.T) {
	setup(t)
	root := startLooper(t, "root", nil)
	client := NewLooper("client", nil)

	assert.Contract(t, "PROXY_UNLOCKED", func() { _ = client.ProxyBy(root) })

	mustLock(t, client)
	assert.Contract(t, "PROXY_UNLOCKED", func() { _ = client.ProxyBy(root) })
	client.Unlock()

	other := startLooper(t, "other", nil)
	mustLock(t, other)
	mustLock(t, root)
	assert.Contract(t, "PROXY_RUNNING", func() { _ = other.ProxyBy(root) })
	root.Unlock()
	other.Unlock()

	proxy(t, client, root)
	_, err := client.Run()
	assert.ErrorIs(t, err, ErrNotAllowed, "run a proxied looper")
}

func TestProxyQuitDetachesClients(t *testing.T) {
	setup(t)
	root := startLooper(t, "root", nil)
	client := NewLooper("client", nil)
	proxy(t, client, root)
	root.Quit()
	if client.Proxy() != nil {
		t.Fatalf("client still proxied by a destroyed looper")
	}
	if client.State() != StateUnstarted {
		t.Fatalf("client state %s", client.State())
	}
	if _, err := client.Run(); err != nil {
		t.Fatalf("detached client cannot run: %v", err)
	}
}

// TestProxyMergeSplitUnderLoad toggles a client between its own lock and a
// running proxy while producers post to it. Every message must arrive once,
// in per-producer order, without a lock cycle.
func TestProxyMergeSplitUnderLoad(t *testing.T) {
	setup(t)
	det := concurrency.NewDeadlockDetector()
	locker.SetObserver(det)
	defer locker.SetObserver(nil)
	stop := make(chan struct{})
	cycles := det.Watch(stop, 2*time.Millisecond)

	const producers, perProducer, toggles = 4, 300, 150
	seen := make(chan int64, producers*perProducer)
	root := startLooper(t, "root", nil)
	client := NewLooper("client", BehaviorFunc(func(h *Handler, msg *Message) {
		v, _ := msg.FindInt64("seq", 0)
		seen <- v
	}))

	var g errgroup.Group
	for p := 0; p < producers; p++ {
		g.Go(func() error {
			for i := 0; i < perProducer; i++ {
				m := NewMessage(1)
				_ = m.AddInt64("seq", int64(p)<<32|int64(i))
				if err := client.PostMessage(m); err != nil {
					return err
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		for i := 0; i < toggles; i++ {
			if !client.Lock() {
				return ErrBadPort
			}
			if !root.Lock() {
				client.Unlock()
				return ErrBadPort
			}
			var err error
			if client.Proxy() == nil {
				err = client.ProxyBy(root)
			} else {
				err = client.ProxyBy(nil)
			}
			root.Unlock()
			client.Unlock()
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if client.Proxy() == nil {
		proxy(t, client, root)
	}

	next := make([]int64, producers)
	for n := 0; n < producers*perProducer; n++ {
		v := assert.Receive(t, seen, wait, "delivery")
		p, i := v>>32, v&0xffffffff
		if i != next[p] {
			t.Fatalf("producer %d: got seq %d, want %d", p, i, next[p])
		}
		next[p]++
	}
	assert.Silent(t, seen, 30*time.Millisecond, "extra delivery")

	close(stop)
	if err, ok := <-cycles; ok && err != nil {
		t.Fatalf("deadlock: %v", err)
	}
	if det.Events() == 0 {
		t.Fatalf("observer saw no lock events")
	}
}
