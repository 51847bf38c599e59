package runtime

import (
	"errors"
	"fmt"
	stdrt "runtime"
	"sync"
	"time"

	"github.com/etkit/etk/internal/config"
	etkerrors "github.com/etkit/etk/internal/errors"
	"github.com/etkit/etk/internal/runtime/locker"
)

// ReadyToRunner is called once the application loop has started.
type ReadyToRunner interface {
	ReadyToRun(a *Application)
}

// Pulser receives the periodic pulse. Applications whose behavior does not
// implement it are never pulsed.
type Pulser interface {
	Pulse(a *Application)
}

const cursorDataField = "be:cursor_data"

// Application is the root looper of a process. Its loop runs on the thread
// that calls Run; while that loop would block it also services message
// runners and the pulse.
type Application struct {
	*Looper
	signature string

	mu           sync.Mutex
	pulseRate    time.Duration
	nextPulse    time.Time
	backend      Backend
	cursor       []byte
	cursorHidden bool
	unwatch      []func()
}

// NewApplication creates the process application. Only one may exist at a
// time.
func NewApplication(signature string, behavior Behavior) (*Application, error) {
	if signature == "" {
		return nil, ErrBadValue.With("application needs a signature")
	}
	k := kern()
	k.appMu.Lock()
	defer k.appMu.Unlock()
	if k.app != nil {
		return nil, ErrAlreadyRunning.With("application %q already exists", k.app.signature)
	}
	s := k.currentSettings()
	a := &Application{signature: signature, pulseRate: s.PulseRate}
	a.Looper = newLooper(k, signature, behavior, looperOptions{capacity: s.PortCapacity})
	a.Looper.app = a
	k.app = a
	return a, nil
}

// App returns the process application, or nil.
func App() *Application { return kern().application() }

// Signature returns the application signature.
func (a *Application) Signature() string { return a.signature }

// Run drives the application loop on the calling goroutine, which is bound
// to its OS thread until Run returns. Run returns once the application has
// quit.
func (a *Application) Run() error {
	stdrt.LockOSThread()
	defer stdrt.UnlockOSThread()

	if !a.state.CompareAndSwap(int32(StateUnstarted), int32(StateRunning)) {
		etkerrors.Fatal("LOOPER_ALREADY_RUN", "application %q run while %s", a.Name(), a.State())
	}
	s := a.k.currentSettings()
	b, err := newBackend(s.Backend)
	if err == nil {
		err = b.Init(a)
	}
	if err != nil {
		a.state.Store(int32(StateUnstarted))
		return fmt.Errorf("application %q backend: %w", a.Name(), err)
	}
	tid := locker.CurrentThread()
	a.thread.Store(int64(tid))
	a.mu.Lock()
	a.backend = b
	a.nextPulse = time.Now().Add(a.pulseRate)
	a.mu.Unlock()
	log.Infof("application %q running on thread %d (backend %s)", a.Name(), tid, s.Backend)

	if err := a.PostCommand(ReadyToRun); err != nil {
		log.Warningf("application %q: posting ReadyToRun: %s", a.Name(), err)
	}
	for {
		msg, err := a.NextLooperMessage(a.waitTimeout(time.Now()))
		if err != nil {
			if errors.Is(err, ErrBadPort) {
				break
			}
			a.serviceTimers(time.Now())
			continue
		}
		if a.dispatchOne(msg) {
			break
		}
		a.serviceTimers(time.Now())
	}
	log.Infof("application %q finished", a.Name())
	return nil
}

// Quit ends the application. From the application thread it takes effect
// once the current message is dispatched; from any other thread it behaves
// like Looper.Quit.
func (a *Application) Quit() {
	if a.Thread() == locker.CurrentThread() {
		a.state.CompareAndSwap(int32(StateRunning), int32(StateQuitting))
		return
	}
	a.Looper.Quit()
}

func (a *Application) pulses() bool {
	_, ok := a.behavior.(Pulser)
	return ok && a.pulseRate > 0
}

// waitTimeout is the time until the next pulse or runner delivery.
func (a *Application) waitTimeout(now time.Time) time.Duration {
	var next time.Time
	a.mu.Lock()
	if a.pulses() {
		next = a.nextPulse
	}
	a.mu.Unlock()
	if r, ok := a.k.runners.nextDeadline(); ok && (next.IsZero() || r.Before(next)) {
		next = r
	}
	if next.IsZero() {
		return locker.Infinite
	}
	if d := next.Sub(now); d > 0 {
		return d
	}
	return 0
}

func (a *Application) serviceTimers(now time.Time) {
	a.mu.Lock()
	pulse := a.pulses() && !now.Before(a.nextPulse)
	if pulse {
		a.nextPulse = now.Add(a.pulseRate)
	}
	a.mu.Unlock()
	if pulse {
		if err := a.PostCommand(Pulse); err != nil {
			log.Debugf("application %q: pulse: %s", a.Name(), err)
		}
	}
	a.k.runners.fire(now, a.k.currentSettings().QueueTimeout)
}

// SetPulseRate changes the pulse period. Zero disables the pulse.
func (a *Application) SetPulseRate(d time.Duration) {
	if d < 0 {
		d = 0
	}
	a.mu.Lock()
	a.pulseRate = d
	a.nextPulse = time.Now().Add(d)
	a.mu.Unlock()
	a.k.wakeApplication()
}

// PulseRate returns the pulse period.
func (a *Application) PulseRate() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pulseRate
}

// SetCursor asks the backend to show data as the cursor.
func (a *Application) SetCursor(data []byte) {
	a.mu.Lock()
	a.cursor = append([]byte(nil), data...)
	a.mu.Unlock()
	m := NewMessage(SetCursorCommand)
	_ = m.AddRaw(cursorDataField, data)
	a.postSystem(m)
}

// Cursor returns the cursor data last set.
func (a *Application) Cursor() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]byte(nil), a.cursor...)
}

func (a *Application) HideCursor() {
	a.mu.Lock()
	a.cursorHidden = true
	a.mu.Unlock()
	a.postSystem(NewMessage(HideCursorCommand))
}

func (a *Application) ShowCursor() {
	a.mu.Lock()
	a.cursorHidden = false
	a.mu.Unlock()
	a.postSystem(NewMessage(ShowCursorCommand))
}

// ObscureCursor hides the cursor until it next moves.
func (a *Application) ObscureCursor() {
	a.postSystem(NewMessage(ObscureCursorCommand))
}

// IsCursorHidden reports whether HideCursor is in effect.
func (a *Application) IsCursorHidden() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cursorHidden
}

func (a *Application) postSystem(m *Message) {
	if err := a.PostMessage(m); err != nil {
		log.Debugf("application %q: posting %s: %s", a.Name(), fourCC(m.what), err)
	}
}

func (a *Application) currentBackend() Backend {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.backend
}

// dispatchSystem handles the messages the application answers itself.
func (a *Application) dispatchSystem(msg *Message) bool {
	switch msg.what {
	case ReadyToRun:
		if r, ok := a.behavior.(ReadyToRunner); ok {
			r.ReadyToRun(a)
		}
	case Pulse:
		if p, ok := a.behavior.(Pulser); ok {
			p.Pulse(a)
		}
	case SetCursorCommand, HideCursorCommand, ShowCursorCommand, ObscureCursorCommand:
		b := a.currentBackend()
		if b == nil {
			return true
		}
		switch msg.what {
		case SetCursorCommand:
			data, _ := msg.FindRaw(cursorDataField, 0)
			b.SetCursor(data)
		case HideCursorCommand:
			b.HideCursor()
		case ShowCursorCommand:
			b.ShowCursor()
		default:
			b.ObscureCursor()
		}
	default:
		return false
	}
	return true
}

// WatchConfig applies every reload of w to the kernel settings.
func (a *Application) WatchConfig(w *config.Watcher) {
	k := a.k
	cancel := w.Subscribe(func(c config.Config) {
		k.configure(SettingsFromConfig(c))
	})
	a.mu.Lock()
	a.unwatch = append(a.unwatch, cancel)
	a.mu.Unlock()
}

// retire releases what the application holds once its looper is destroyed.
func (a *Application) retire() {
	a.mu.Lock()
	b, unwatch := a.backend, a.unwatch
	a.backend, a.unwatch = nil, nil
	a.mu.Unlock()
	if b != nil {
		b.Cancel()
	}
	for _, fn := range unwatch {
		fn()
	}
	a.k.appMu.Lock()
	if a.k.app == a {
		a.k.app = nil
	}
	a.k.appMu.Unlock()
}
