//go:build linux

package locker

import (
	"golang.org/x/sys/unix"
)

// CurrentThread returns the kernel thread id of the calling thread. The id
// only identifies the caller while its goroutine is wired to the thread with
// runtime.LockOSThread; every lock acquisition in this package does that.
func CurrentThread() ThreadID {
	return ThreadID(unix.Gettid())
}
