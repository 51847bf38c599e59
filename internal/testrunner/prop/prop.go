// Package prop is a small seeded property checker used by the kernel tests.
package prop

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
	"runtime"
	"sync"
	"testing"
	"time"
)

// Generator produces a value of type T from a PRNG and a size hint.
type Generator[T any] func(r *rand.Rand, size int) T

// Shrinker produces smaller candidates that may still fail.
type Shrinker[T any] func(v T) []T

// Property returns nil when v satisfies it.
type Property[T any] func(v T) error

// Options control property checking.
type Options struct {
	Trials          int           // number of trials
	Seed            int64         // random seed; 0 means time.Now().UnixNano()
	Size            int           // size hint for generators
	Parallelism     int           // number of workers; <=0 means GOMAXPROCS
	MaxShrinkRounds int           // limit for shrinking attempts
	MaxShrinkTime   time.Duration // wall time limit for shrinking; 0 to disable
}

// Result is the outcome of a property check.
type Result[T any] struct {
	Passed       int
	Failed       bool
	Input        T
	Shrunk       T
	Err          error
	Seed         int64
	Trial        int
	Duration     time.Duration
	ShrinkRounds int
}

func (o *Options) normalize() {
	if o.Trials <= 0 {
		o.Trials = 100
	}
	if o.Seed == 0 {
		o.Seed = time.Now().UnixNano()
	}
	if o.Size <= 0 {
		o.Size = 30
	}
	if o.Parallelism <= 0 {
		o.Parallelism = runtime.GOMAXPROCS(0)
	}
	if o.MaxShrinkRounds <= 0 {
		o.MaxShrinkRounds = 100
	}
}

// ForAll runs prop against generated inputs. The first failure stops the run
// and is shrunk when a shrinker is provided.
func ForAll[T any](gen Generator[T], shrink Shrinker[T], prop Property[T], opts Options) Result[T] {
	start := time.Now()
	opts.normalize()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type outcome struct {
		idx int
		in  T
		err error
	}
	tasks := make(chan int)
	outs := make(chan outcome, opts.Parallelism)

	var wg sync.WaitGroup
	for w := 0; w < opts.Parallelism; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range tasks {
				r := rand.New(rand.NewSource(deriveSeed(opts.Seed, idx)))
				in := gen(r, opts.Size)
				select {
				case outs <- outcome{idx: idx, in: in, err: prop(in)}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		defer close(tasks)
		for i := 0; i < opts.Trials; i++ {
			select {
			case tasks <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	res := Result[T]{Seed: opts.Seed}
	for done := 0; done < opts.Trials; done++ {
		o := <-outs
		if o.err == nil {
			res.Passed++
			continue
		}
		res.Failed = true
		res.Input, res.Shrunk, res.Err, res.Trial = o.in, o.in, o.err, o.idx
		cancel()
		if shrink != nil {
			res.Shrunk, res.Err, res.ShrinkRounds = shrinkFailure(o.in, o.err, shrink, prop, opts)
		}
		break
	}
	cancel()
	wg.Wait()
	res.Duration = time.Since(start)
	return res
}

func shrinkFailure[T any](in T, err error, shrink Shrinker[T], prop Property[T], opts Options) (T, error, int) {
	var deadline time.Time
	if opts.MaxShrinkTime > 0 {
		deadline = time.Now().Add(opts.MaxShrinkTime)
	}
	best, bestErr := in, err
	rounds := 0
	for rounds < opts.MaxShrinkRounds {
		if !deadline.IsZero() && time.Now().After(deadline) {
			break
		}
		progressed := false
		for _, c := range shrink(best) {
			if e := prop(c); e != nil {
				best, bestErr = c, e
				progressed = true
				break
			}
		}
		rounds++
		if !progressed {
			break
		}
	}
	return best, bestErr, rounds
}

// Check runs ForAll and fails t with the seed and shrunk input on failure.
func Check[T any](t testing.TB, gen Generator[T], shrink Shrinker[T], prop Property[T], opts Options) {
	t.Helper()
	res := ForAll(gen, shrink, prop, opts)
	if res.Failed {
		t.Fatalf("property failed after %d passes (seed=%d trial=%d): %v\ninput: %+v",
			res.Passed, res.Seed, res.Trial, res.Err, res.Shrunk)
	}
}

// deriveSeed mixes the base seed with the trial index so a failing trial can
// be replayed on its own.
func deriveSeed(base int64, idx int) int64 {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:8], uint64(base))
	binary.LittleEndian.PutUint64(b[8:16], uint64(idx))
	h := sha256.Sum256(b[:])
	return int64(binary.LittleEndian.Uint64(h[0:8]))
}
