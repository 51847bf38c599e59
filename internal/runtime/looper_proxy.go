package runtime

import (
	"errors"

	etkerrors "github.com/etkit/etk/internal/errors"
	"github.com/etkit/etk/internal/runtime/lockdomain"
	"github.com/etkit/etk/internal/runtime/locker"
)

// ProxyBy makes other serve this looper's lock and queue, together with all
// of this looper's clients. A nil other detaches the looper onto a private
// lock. The caller must hold this looper's lock and, when attaching, other's
// lock too. The looper must not be running and must not be the application.
func (l *Looper) ProxyBy(other *Looper) error {
	if l.app != nil {
		etkerrors.Fatal("PROXY_APPLICATION", "application %q cannot be proxied", l.Name())
	}
	if s := l.State(); s != StateUnstarted || l.Thread() != 0 {
		etkerrors.Fatal("PROXY_RUNNING", "looper %q proxied while %s", l.Name(), s)
	}
	if !l.IsLocked() {
		etkerrors.Fatal("PROXY_UNLOCKED", "looper %q proxied without holding its lock", l.Name())
	}
	var target lockdomain.ID
	if other != nil {
		if other == l {
			return ErrBadValue.With("looper %q cannot proxy itself", l.Name())
		}
		if other.k != l.k {
			return ErrMismatchedValues.With("looper %q belongs to another kernel", other.Name())
		}
		if !other.IsLocked() {
			etkerrors.Fatal("PROXY_UNLOCKED", "proxy %q not locked by the caller", other.Name())
		}
		target = other.domain
	}
	err := l.k.domains.Rehome(l.domain, target, domainAccounting{l.k})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, lockdomain.ErrCycle):
		return ErrMismatchedValues.With("proxying %q: %s", l.Name(), err)
	case errors.Is(err, lockdomain.ErrUnknown):
		return ErrBadPort.With("proxying %q: %s", l.Name(), err)
	}
	return err
}

// Proxy returns the looper serving this one, or nil.
func (l *Looper) Proxy() *Looper {
	id := l.k.domains.Proxy(l.domain)
	if id == 0 {
		return nil
	}
	return l.k.loopers.byDomain(id)
}

// Clients returns the loopers this one directly serves.
func (l *Looper) Clients() []*Looper {
	ids := l.k.domains.Clients(l.domain)
	out := make([]*Looper, 0, len(ids))
	for _, id := range ids {
		if c := l.k.loopers.byDomain(id); c != nil {
			out = append(out, c)
		}
	}
	return out
}

// servesCurrentThread reports whether the calling thread dispatches l's
// messages.
func (l *Looper) servesCurrentThread() bool {
	tid := locker.CurrentThread()
	if l.Thread() == tid {
		return true
	}
	root := l.k.loopers.byDomain(l.k.domains.Root(l.domain))
	return root != nil && root.Thread() == tid
}

// domainAccounting adapts the looper list to lockdomain.Accounting.
type domainAccounting struct{ k *kernel }

func (a domainAccounting) Depth(id lockdomain.ID) int {
	l := a.k.loopers.byDomain(id)
	if l == nil || !l.IsLocked() {
		return 0
	}
	return int(l.lockCount.Load())
}

func (a domainAccounting) Pending(id lockdomain.ID) int64 {
	l := a.k.loopers.byDomain(id)
	if l == nil {
		return 0
	}
	return int64(l.queue.CountMessages())
}
