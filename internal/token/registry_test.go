package token

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/etkit/etk/internal/testrunner/prop"
)

func TestCreateLookupInvalidate(t *testing.T) {
	r := NewRegistry()
	obj := &struct{ name string }{"a"}
	tok := r.Create(obj)
	if tok == Null {
		t.Fatalf("expected non-null token")
	}
	if got := r.Lookup(tok); got != obj {
		t.Fatalf("lookup = %v", got)
	}
	stamp, ok := r.TimestampOf(tok)
	if !ok || stamp == 0 {
		t.Fatalf("timestamp missing")
	}
	if !r.Validate(tok, stamp) || r.Validate(tok, stamp+1) {
		t.Fatalf("validate mismatch")
	}
	r.Invalidate(tok)
	if r.Lookup(tok) != nil {
		t.Fatalf("invalidated token still resolves")
	}
	if r.Pin(tok) {
		t.Fatalf("pin on invalidated token succeeded")
	}
}

func TestPinnedSlotIsNotReused(t *testing.T) {
	r := NewRegistry()
	tok := r.Create("first")
	if !r.Pin(tok) {
		t.Fatalf("pin failed")
	}
	r.Invalidate(tok)

	other := r.Create("second")
	if other.Slot() == tok.Slot() {
		t.Fatalf("pinned slot was reused while pinned")
	}

	r.Unpin(tok)
	third := r.Create("third")
	if third.Slot() != tok.Slot() {
		t.Fatalf("expected slot %d to be reused, got %d", tok.Slot(), third.Slot())
	}
	if third.Generation() == tok.Generation() {
		t.Fatalf("reused slot kept its generation")
	}
	if r.Lookup(tok) != nil {
		t.Fatalf("stale token resolves to the new object")
	}
	// Unpin on a stale token must not disturb the new occupant.
	r.Unpin(tok)
	if !r.Pin(third) {
		t.Fatalf("pin on new occupant failed")
	}
}

func TestStatsCountsPins(t *testing.T) {
	r := NewRegistry()
	a, b := r.Create("a"), r.Create("b")
	r.Pin(a)
	r.Pin(a)
	r.Pin(b)
	if s := r.Stats(); s.Live != 2 || s.Pinned != 2 || s.Pins != 3 {
		t.Fatalf("stats = %+v", s)
	}
	r.Unpin(a)
	r.Unpin(b)
	if s := r.Stats(); s.Pinned != 1 || s.Pins != 1 {
		t.Fatalf("stats after unpin = %+v", s)
	}
}

func TestTimestampsStrictlyIncrease(t *testing.T) {
	r := NewRegistry()
	var last int64
	for i := 0; i < 1000; i++ {
		tok := r.Create(i)
		s, _ := r.TimestampOf(tok)
		if s <= last {
			t.Fatalf("timestamp %d not greater than %d", s, last)
		}
		last = s
		r.Invalidate(tok)
	}
}

func TestNullNeverResolves(t *testing.T) {
	r := NewRegistry()
	if r.Lookup(Null) != nil || r.Pin(Null) {
		t.Fatalf("null token resolved")
	}
	if _, ok := r.PinLookup(Null, 0); ok {
		t.Fatalf("null token pinned")
	}
}

type churnOp struct {
	Kind  int // 0 create, 1 pin, 2 unpin, 3 invalidate
	Index int
}

func genChurn() prop.Generator[[]churnOp] {
	return func(r *rand.Rand, size int) []churnOp {
		ops := make([]churnOp, 20+r.Intn(size*10+1))
		for i := range ops {
			ops[i] = churnOp{Kind: r.Intn(4), Index: r.Intn(16)}
		}
		return ops
	}
}

type issued struct {
	tok   Token
	obj   *int
	pins  int
	alive bool
}

// Replays random create/pin/unpin/invalidate sequences against a model and
// checks that no token ever resolves to an object other than its own.
func TestChurnNeverAliases(t *testing.T) {
	prop.Check(t, genChurn(), prop.ShrinkSlice[churnOp](), func(ops []churnOp) error {
		r := NewRegistry()
		var all []*issued
		for step, op := range ops {
			switch op.Kind {
			case 0:
				v := step
				all = append(all, &issued{tok: r.Create(&v), obj: &v, alive: true})
			case 1:
				if len(all) == 0 {
					continue
				}
				it := all[op.Index%len(all)]
				if r.Pin(it.tok) != it.alive {
					return fmt.Errorf("step %d: pin(%v) alive=%v", step, it.tok, it.alive)
				}
				if it.alive {
					it.pins++
				}
			case 2:
				if len(all) == 0 {
					continue
				}
				it := all[op.Index%len(all)]
				if it.pins > 0 {
					it.pins--
					r.Unpin(it.tok)
				}
			case 3:
				if len(all) == 0 {
					continue
				}
				it := all[op.Index%len(all)]
				r.Invalidate(it.tok)
				it.alive = false
			}
			for _, it := range all {
				got := r.Lookup(it.tok)
				if it.alive && got != it.obj {
					return fmt.Errorf("step %d: live %v resolves to %v", step, it.tok, got)
				}
				if !it.alive && got != nil {
					return fmt.Errorf("step %d: dead %v resolves to %v", step, it.tok, got)
				}
			}
		}
		return nil
	}, prop.Options{Trials: 200, Seed: 1})
}

func TestReleaseFreesOnLastPin(t *testing.T) {
	r := NewRegistry()
	tok := r.Create("payload")
	r.Pin(tok)
	r.Pin(tok)
	r.Release(tok)
	if r.Lookup(tok) != "payload" {
		t.Fatalf("entry freed while still pinned")
	}
	r.Release(tok)
	if r.Lookup(tok) != nil {
		t.Fatalf("entry survived its last release")
	}
	if s := r.Stats(); s.Live != 0 || s.Free != 1 {
		t.Fatalf("stats = %+v", s)
	}
}
