package runtime

import (
	"errors"
	"time"

	"github.com/etkit/etk/internal/runtime/locker"
)

// QuitAllLoopers quits every looper except the application. Loopers that
// depend on others, or whose lock is not available within the current
// backoff, are rotated to the back of the looper list and retried. Without
// force every looper is asked first and a refusal aborts the whole run; the
// run also gives up after the configured number of rounds without progress.
// With force nothing is asked, and after that many rounds dependencies are
// ignored and locks are waited for.
func (a *Application) QuitAllLoopers(force bool) bool {
	s := a.k.currentSettings()
	initial := s.QuitBackoffInitial
	if initial <= 0 {
		initial = time.Millisecond
	}
	maxBackoff := s.QuitBackoffMax
	if maxBackoff < initial {
		maxBackoff = initial
	}
	backoff := initial
	stalled := 0

	for {
		pending := a.otherLoopers()
		if len(pending) == 0 {
			return true
		}
		desperate := force && stalled >= s.QuitMaxAttempts
		independent := false
		for _, l := range pending {
			if !l.dependsOnOthers() {
				independent = true
				break
			}
		}

		progress := false
		for _, l := range pending {
			if l.State() == StateDestroyed {
				progress = true
				continue
			}
			if l.Thread() == locker.CurrentThread() {
				log.Warningf("QuitAllLoopers: called on the thread of looper %q", l.Name())
				return false
			}
			if !desperate && independent && l.dependsOnOthers() {
				a.k.loopers.rotate(l)
				continue
			}
			wait := backoff
			if desperate {
				wait = locker.Infinite
			}
			if err := l.LockWithTimeout(wait); err != nil {
				if errors.Is(err, ErrBadPort) {
					progress = true
					continue
				}
				log.Debugf("QuitAllLoopers: looper %q busy: %s", l.Name(), err)
				a.k.loopers.rotate(l)
				continue
			}
			if !force && !l.quitRequested() {
				l.Unlock()
				log.Infof("QuitAllLoopers: looper %q refused to quit", l.Name())
				return false
			}
			a.quitLocked(l)
			progress = true
		}

		if progress {
			stalled = 0
			backoff = initial
			continue
		}
		stalled++
		if !force && stalled >= s.QuitMaxAttempts {
			log.Warningf("QuitAllLoopers: giving up after %d rounds, %d loopers left", stalled, len(pending))
			return false
		}
		time.Sleep(backoff)
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (a *Application) otherLoopers() []*Looper {
	var out []*Looper
	for _, l := range a.k.loopers.snapshot() {
		if l != a.Looper && l.State() != StateDestroyed {
			out = append(out, l)
		}
	}
	return out
}

// quitLocked quits l, whose lock the caller holds. A looper with a thread of
// its own is asked to quit and waited for; the application's own locks are
// dropped meanwhile so that the looper can finish a dispatch that needs them.
func (a *Application) quitLocked(l *Looper) {
	if l.State() == StateUnstarted {
		l.destroy()
		return
	}
	held := 0
	if a.IsLocked() {
		held = a.CountLocks()
		for i := 0; i < held; i++ {
			a.Unlock()
		}
	}
	l.Quit()
	for i := 0; i < held; i++ {
		if !a.Lock() {
			break
		}
	}
}
