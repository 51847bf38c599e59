//go:build !linux

package locker

import "github.com/petermattis/goid"

// CurrentThread returns the id of the calling goroutine. Platforms without a
// cheap thread id fall back to goroutine identity, which is stable for the
// lifetime of the goroutine.
func CurrentThread() ThreadID {
	return ThreadID(goid.Get())
}
