// Package token implements the process-wide reference registry that backs
// every handler and looper identity. A Token names a slot and the generation
// of that slot, so a token held across the destruction of its object can never
// resolve to whatever reuses the slot later.
package token

import (
	"fmt"
	"sync"
	"time"
)

// Token identifies a registry entry. The low 32 bits select a slot and the
// high 32 bits carry the slot generation.
type Token uint64

// Null never resolves.
const Null Token = 0

// Slot returns the slot index of the token.
func (t Token) Slot() uint32 { return uint32(t) }

// Generation returns the generation of the slot the token was issued for.
func (t Token) Generation() uint32 { return uint32(t >> 32) }

func (t Token) String() string {
	return fmt.Sprintf("tok(%d/%d)", t.Slot(), t.Generation())
}

func makeToken(slot, gen uint32) Token { return Token(uint64(gen)<<32 | uint64(slot)) }

type entry struct {
	gen         uint32
	obj         any
	stamp       int64
	pins        int32
	live        bool
	invalidated bool
}

// Registry maps tokens to objects.
type Registry struct {
	mu        sync.Mutex
	slots     []entry
	free      []uint32
	lastStamp int64
}

// Stats summarizes registry occupancy.
type Stats struct {
	Live   int
	Free   int
	Pinned int
	// Pins is the sum of outstanding pins over all live tokens.
	Pins int
}

// NewRegistry creates an empty registry. Slot 0 is reserved so Null never
// resolves.
func NewRegistry() *Registry {
	return &Registry{slots: make([]entry, 1, 64)}
}

func (r *Registry) nextStamp() int64 {
	s := time.Now().UnixNano()
	if s <= r.lastStamp {
		s = r.lastStamp + 1
	}
	r.lastStamp = s
	return s
}

// Create registers obj and returns a fresh token for it.
func (r *Registry) Create(obj any) Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	var slot uint32
	if n := len(r.free); n > 0 {
		slot = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		slot = uint32(len(r.slots))
		r.slots = append(r.slots, entry{})
	}
	e := &r.slots[slot]
	e.gen++
	if e.gen == 0 {
		e.gen = 1
	}
	e.obj = obj
	e.stamp = r.nextStamp()
	e.pins = 0
	e.live = true
	e.invalidated = false
	return makeToken(slot, e.gen)
}

// entryLocked returns the entry the token names while it is still issued
// (live or invalidated but pinned). The caller holds r.mu.
func (r *Registry) entryLocked(tok Token) *entry {
	slot := tok.Slot()
	if slot == 0 || int(slot) >= len(r.slots) {
		return nil
	}
	e := &r.slots[slot]
	if !e.live || e.gen != tok.Generation() {
		return nil
	}
	return e
}

// Pin raises the reference count. It fails for stale or invalidated tokens.
func (r *Registry) Pin(tok Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entryLocked(tok)
	if e == nil || e.invalidated {
		return false
	}
	e.pins++
	return true
}

// Unpin drops a reference taken by Pin. Stale tokens are ignored.
func (r *Registry) Unpin(tok Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entryLocked(tok)
	if e == nil || e.pins == 0 {
		return
	}
	e.pins--
	if e.pins == 0 && e.invalidated {
		r.releaseLocked(tok.Slot(), e)
	}
}

// Release drops a pin and destroys the entry once nothing pins it. It backs
// objects whose only owners are the pins themselves.
func (r *Registry) Release(tok Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entryLocked(tok)
	if e == nil {
		return
	}
	if e.pins > 0 {
		e.pins--
	}
	if e.pins == 0 {
		r.releaseLocked(tok.Slot(), e)
	}
}

// Lookup returns the object for a live token or nil.
func (r *Registry) Lookup(tok Token) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entryLocked(tok)
	if e == nil || e.invalidated {
		return nil
	}
	return e.obj
}

// TimestampOf returns the creation timestamp of a live token.
func (r *Registry) TimestampOf(tok Token) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entryLocked(tok)
	if e == nil || e.invalidated {
		return 0, false
	}
	return e.stamp, true
}

// Validate reports whether tok is live and was created at stamp.
func (r *Registry) Validate(tok Token, stamp int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entryLocked(tok)
	return e != nil && !e.invalidated && e.stamp == stamp
}

// PinLookup pins a live token created at stamp and returns its object.
// A zero stamp skips the timestamp check.
func (r *Registry) PinLookup(tok Token, stamp int64) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entryLocked(tok)
	if e == nil || e.invalidated || (stamp != 0 && e.stamp != stamp) {
		return nil, false
	}
	e.pins++
	return e.obj, true
}

// Invalidate marks the object behind tok destroyed. The slot is reused once
// the last pin is dropped.
func (r *Registry) Invalidate(tok Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entryLocked(tok)
	if e == nil || e.invalidated {
		return
	}
	e.invalidated = true
	e.obj = nil
	if e.pins == 0 {
		r.releaseLocked(tok.Slot(), e)
	}
}

func (r *Registry) releaseLocked(slot uint32, e *entry) {
	e.live = false
	e.invalidated = false
	e.obj = nil
	r.free = append(r.free, slot)
}

// Stats reports the current occupancy.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s Stats
	for i := 1; i < len(r.slots); i++ {
		e := &r.slots[i]
		if !e.live {
			continue
		}
		s.Live++
		if e.pins > 0 {
			s.Pinned++
			s.Pins += int(e.pins)
		}
	}
	s.Free = len(r.free)
	return s
}
