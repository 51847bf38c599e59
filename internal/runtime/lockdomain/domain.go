// Package lockdomain tracks which loopers share a lock and semaphore.
//
// Every looper is given a constant ID for its whole life. Proxying never swaps
// a primitive inside a looper; it re-points IDs in the Registry, and loopers
// resolve their primitive through the registry each time they need it.
package lockdomain

import (
	"fmt"
	"sync"

	etkerrors "github.com/etkit/etk/internal/errors"
	"github.com/etkit/etk/internal/runtime/locker"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("etk.lockdomain")

// ID names one looper in the registry. Zero is never issued.
type ID uint64

var (
	ErrUnknown  = etkerrors.Sentinel(etkerrors.CategoryStale, "UNKNOWN_DOMAIN", "unknown lock domain")
	ErrCycle    = etkerrors.Sentinel(etkerrors.CategoryValue, "MISMATCHED_VALUES", "proxy would create a cycle")
	ErrHasProxy = etkerrors.Sentinel(etkerrors.CategoryValue, "NOT_ALLOWED", "domain still linked")
)

// Primitive is the lock and semaphore shared by one proxy tree.
type Primitive struct {
	Lock *locker.Locker
	Sem  *locker.Semaphore
}

func newPrimitive(name string) *Primitive {
	return &Primitive{Lock: locker.New(name), Sem: locker.NewSemaphore(0)}
}

func (p *Primitive) close() {
	p.Lock.Close()
	p.Sem.Close()
}

// Accounting reports the per-member figures needed to move members between
// primitives without dropping a held lock or a pending wakeup.
type Accounting interface {
	// Depth is the logical lock depth the caller holds on the member.
	Depth(ID) int
	// Pending is the number of queued messages waiting in the member.
	Pending(ID) int64
}

type node struct {
	name    string
	proxy   ID
	clients []ID
	prim    *Primitive
}

// Registry holds every domain node of the process.
type Registry struct {
	mu    sync.Mutex
	nodes map[ID]*node
	next  ID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[ID]*node)}
}

// Add registers a proxy-less node with a private primitive.
func (r *Registry) Add(name string) ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next
	r.nodes[id] = &node{name: name, prim: newPrimitive(name)}
	return id
}

// Remove drops a node that has no clients. It is unlinked from its proxy, and
// its primitive is closed when no other node shares it.
func (r *Registry) Remove(id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return ErrUnknown
	}
	if len(n.clients) > 0 {
		return ErrHasProxy.With("domain %d still has %d clients", id, len(n.clients))
	}
	if n.proxy != 0 {
		if p := r.nodes[n.proxy]; p != nil {
			p.clients = removeID(p.clients, id)
		}
	} else {
		n.prim.close()
	}
	delete(r.nodes, id)
	return nil
}

// Resolve returns the primitive currently serving id.
func (r *Registry) Resolve(id ID) (*Primitive, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil, ErrUnknown
	}
	return n.prim, nil
}

// Proxy returns the direct proxy of id, or zero.
func (r *Registry) Proxy(id ID) ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[id]; ok {
		return n.proxy
	}
	return 0
}

// Clients returns the direct clients of id.
func (r *Registry) Clients(id ID) []ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[id]; ok {
		return append([]ID(nil), n.clients...)
	}
	return nil
}

// Root returns the proxy-less ancestor of id.
func (r *Registry) Root(id ID) ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rootLocked(id)
}

func (r *Registry) rootLocked(id ID) ID {
	for {
		n, ok := r.nodes[id]
		if !ok || n.proxy == 0 {
			return id
		}
		id = n.proxy
	}
}

// Members lists every node of the tree that contains id, parents first.
func (r *Registry) Members(id ID) []ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[id]; !ok {
		return nil
	}
	return r.subtreeLocked(r.rootLocked(id))
}

func (r *Registry) subtreeLocked(id ID) []ID {
	out := []ID{id}
	for i := 0; i < len(out); i++ {
		if n := r.nodes[out[i]]; n != nil {
			out = append(out, n.clients...)
		}
	}
	return out
}

// Rehome moves id and all of its clients onto proxy's primitive, or onto a
// fresh private primitive when proxy is zero.
//
// The new primitive is locked to the summed depth the caller holds on the
// moving members before any member is re-pointed, and the old primitive is
// released only afterwards. The caller must already hold proxy's lock.
func (r *Registry) Rehome(id, proxy ID, acct Accounting) error {
	r.mu.Lock()
	n, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknown
	}
	if n.proxy == proxy {
		r.mu.Unlock()
		return nil
	}
	moving := r.subtreeLocked(id)
	var target *Primitive
	if proxy != 0 {
		p, ok := r.nodes[proxy]
		if !ok {
			r.mu.Unlock()
			return ErrUnknown
		}
		for _, m := range moving {
			if m == proxy {
				r.mu.Unlock()
				return ErrCycle.With("domain %d is a client of %d", proxy, id)
			}
		}
		target = p.prim
	} else {
		target = newPrimitive(n.name)
	}
	old := n.prim
	r.mu.Unlock()

	depth := 0
	var pending int64
	for _, m := range moving {
		depth += acct.Depth(m)
		pending += acct.Pending(m)
	}
	for i := 0; i < depth; i++ {
		if err := target.Lock.LockWithTimeout(locker.Infinite); err != nil {
			for ; i > 0; i-- {
				target.Lock.Unlock()
			}
			return fmt.Errorf("lockdomain: acquire target for %d: %w", id, err)
		}
	}

	r.mu.Lock()
	if n.proxy != 0 {
		if p := r.nodes[n.proxy]; p != nil {
			p.clients = removeID(p.clients, id)
		}
	}
	n.proxy = proxy
	if proxy != 0 {
		p := r.nodes[proxy]
		p.clients = append(p.clients, id)
	}
	for _, m := range moving {
		if mn := r.nodes[m]; mn != nil {
			mn.prim = target
		}
	}
	orphaned := !r.primInUseLocked(old)
	r.mu.Unlock()

	target.Sem.Release(pending)
	for i := 0; i < depth; i++ {
		old.Lock.Unlock()
	}
	old.Sem.Kick()
	if orphaned {
		old.close()
	}
	log.Debugf("domain %d rehomed onto %d (%d members, depth %d)", id, proxy, len(moving), depth)
	return nil
}

func (r *Registry) primInUseLocked(p *Primitive) bool {
	for _, n := range r.nodes {
		if n.prim == p {
			return true
		}
	}
	return false
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}

func removeID(ids []ID, id ID) []ID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
