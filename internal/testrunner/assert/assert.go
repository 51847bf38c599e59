// Package assert holds the small set of test assertions the kernel tests
// share. Failures are reported with t.Fatalf at the caller's line.
package assert

import (
	"errors"
	"fmt"
	"testing"
	"time"

	etkerrors "github.com/etkit/etk/internal/errors"
)

// Equal stops the test when got != want.
func Equal[T comparable](t testing.TB, got, want T, what string) {
	t.Helper()
	if got != want {
		t.Fatalf("%s: got %v, want %v", what, got, want)
	}
}

// NoError stops the test on a non-nil err.
func NoError(t testing.TB, err error, what string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: unexpected error: %v", what, err)
	}
}

// ErrorIs stops the test unless err matches target.
func ErrorIs(t testing.TB, err, target error, what string) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("%s: got %v, want %v", what, err, target)
	}
}

// Contract runs fn and stops the test unless it panics with a contract
// violation carrying code.
func Contract(t testing.TB, code string, fn func()) {
	t.Helper()
	var recovered any
	func() {
		defer func() { recovered = recover() }()
		fn()
	}()
	if recovered == nil {
		t.Fatalf("expected contract violation %s, call returned", code)
	}
	if !etkerrors.IsContract(recovered) {
		panic(recovered)
	}
	if e := recovered.(*etkerrors.StandardError); e.Code != code {
		t.Fatalf("contract violation %s, want %s", e.Code, code)
	}
}

// Eventually polls cond until it holds or within passes.
func Eventually(t testing.TB, within time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(within)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("not reached within %s: %s", within, fmt.Sprintf(format, args...))
		}
		time.Sleep(time.Millisecond)
	}
}

// Receive waits for a value on ch.
func Receive[T any](t testing.TB, ch <-chan T, within time.Duration, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(within):
		t.Fatalf("%s: nothing received within %s", what, within)
	}
	var zero T
	return zero
}

// Silent stops the test if ch yields a value within d.
func Silent[T any](t testing.TB, ch <-chan T, d time.Duration, what string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("%s: unexpected %v", what, v)
	case <-time.After(d):
	}
}
