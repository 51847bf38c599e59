package prop

import (
	"math/rand"
)

// IntRange returns a generator of ints in [lo, hi].
func IntRange(lo, hi int) Generator[int] {
	return func(r *rand.Rand, _ int) int {
		if hi <= lo {
			return lo
		}
		return lo + r.Intn(hi-lo+1)
	}
}

// Int64 returns a generator of signed values biased toward small magnitudes.
func Int64() Generator[int64] {
	return func(r *rand.Rand, size int) int64 {
		switch r.Intn(4) {
		case 0:
			return r.Int63() - r.Int63()
		default:
			return int64(r.Intn(2*size+1) - size)
		}
	}
}

// Bool returns a boolean generator.
func Bool() Generator[bool] {
	return func(r *rand.Rand, _ int) bool { return r.Intn(2) == 0 }
}

// Bytes returns a generator of byte slices no longer than size.
func Bytes() Generator[[]byte] {
	return func(r *rand.Rand, size int) []byte {
		b := make([]byte, r.Intn(size+1))
		r.Read(b)
		return b
	}
}

// Identifier returns a generator of short ASCII names.
func Identifier() Generator[string] {
	const alphabet = "abcdefghijklmnopqrstuvwxyz_:0123456789"
	return func(r *rand.Rand, size int) string {
		n := 1 + r.Intn(min(size, 16))
		b := make([]byte, n)
		for i := range b {
			b[i] = alphabet[r.Intn(len(alphabet))]
		}
		return string(b)
	}
}

// OneOf picks one of the given values.
func OneOf[T any](values ...T) Generator[T] {
	return func(r *rand.Rand, _ int) T { return values[r.Intn(len(values))] }
}

// SliceOf returns a slice generator using the element generator.
func SliceOf[T any](elem Generator[T]) Generator[[]T] {
	return func(r *rand.Rand, size int) []T {
		n := r.Intn(size + 1)
		out := make([]T, n)
		for i := range out {
			out[i] = elem(r, size)
		}
		return out
	}
}

// ShrinkSlice shrinks by dropping halves and then single elements.
func ShrinkSlice[T any]() Shrinker[[]T] {
	return func(v []T) [][]T {
		if len(v) == 0 {
			return nil
		}
		mid := len(v) / 2
		out := [][]T{
			append([]T(nil), v[:mid]...),
			append([]T(nil), v[mid:]...),
		}
		if len(v) <= 8 {
			for i := range v {
				c := append([]T(nil), v[:i]...)
				out = append(out, append(c, v[i+1:]...))
			}
		}
		return out
	}
}
