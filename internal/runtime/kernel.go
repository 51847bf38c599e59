// Package runtime is the etk messaging kernel: handlers, loopers, messages,
// messengers, filters and the application that coordinates them.
package runtime

import (
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/etkit/etk/internal/config"
	"github.com/etkit/etk/internal/runtime/lockdomain"
	"github.com/etkit/etk/internal/runtime/locker"
	"github.com/etkit/etk/internal/token"
)

var log = commonlog.GetLogger("etk.runtime")

// Settings are the process-wide kernel tunables.
type Settings struct {
	// QueueTimeout bounds how long a post waits for a target queue lock.
	QueueTimeout time.Duration
	// PortCapacity caps queued messages per looper. Zero means unbounded.
	PortCapacity int
	// ReplyTimeout is the default wait used by SendMessageAndWait callers
	// that pass a zero reply timeout.
	ReplyTimeout time.Duration

	PulseRate          time.Duration
	QuitBackoffInitial time.Duration
	QuitBackoffMax     time.Duration
	QuitMaxAttempts    int
	Backend            string
}

// DefaultSettings returns the settings used when the kernel is initialised
// lazily.
func DefaultSettings() Settings {
	return Settings{
		QueueTimeout:       locker.Infinite,
		PortCapacity:       0,
		ReplyTimeout:       locker.Infinite,
		PulseRate:          500 * time.Millisecond,
		QuitBackoffInitial: 5 * time.Millisecond,
		QuitBackoffMax:     100 * time.Millisecond,
		QuitMaxAttempts:    16,
		Backend:            "none",
	}
}

// SettingsFromConfig maps a loaded Config onto kernel settings. Zero
// timeouts in the file mean waiting forever.
func SettingsFromConfig(c config.Config) Settings {
	s := Settings{
		QueueTimeout:       c.Looper.QueueTimeout,
		PortCapacity:       c.Looper.PortCapacity,
		ReplyTimeout:       c.Messenger.ReplyTimeout,
		PulseRate:          c.Application.PulseRate,
		QuitBackoffInitial: c.Application.QuitBackoffInitial,
		QuitBackoffMax:     c.Application.QuitBackoffMax,
		QuitMaxAttempts:    c.Application.QuitMaxAttempts,
		Backend:            c.Application.Backend,
	}
	if s.QueueTimeout == 0 {
		s.QueueTimeout = locker.Infinite
	}
	if s.ReplyTimeout == 0 {
		s.ReplyTimeout = locker.Infinite
	}
	return s
}

// kernel holds every process-wide registry. Objects keep a pointer to the
// kernel that created them so a Teardown/Init cycle never mixes registries.
type kernel struct {
	tokens   *token.Registry
	pointers *token.Registry
	domains  *lockdomain.Registry
	loopers  *looperList
	runners  *runnerList
	session  uuid.UUID
	team     int64

	mu       sync.RWMutex
	settings Settings

	appMu sync.Mutex
	app   *Application
}

var (
	kernelMu sync.Mutex
	current  *kernel
)

func newKernel(s Settings) *kernel {
	return &kernel{
		tokens:   token.NewRegistry(),
		pointers: token.NewRegistry(),
		domains:  lockdomain.NewRegistry(),
		loopers:  newLooperList(),
		runners:  newRunnerList(),
		session:  uuid.New(),
		team:     int64(os.Getpid()),
		settings: s,
	}
}

// Init starts the kernel with s. It fails if the kernel is already running.
func Init(s Settings) error {
	kernelMu.Lock()
	defer kernelMu.Unlock()
	if current != nil {
		return ErrAlreadyRunning.With("kernel already initialised")
	}
	current = newKernel(s)
	log.Infof("kernel started (session %s)", current.session)
	return nil
}

// Teardown quits every remaining looper and discards the kernel. The next use
// of the package starts a fresh kernel.
func Teardown() {
	kernelMu.Lock()
	k := current
	kernelMu.Unlock()
	if k == nil {
		return
	}
	for _, l := range k.loopers.snapshot() {
		if l.Thread() == locker.CurrentThread() {
			continue
		}
		l.Quit()
	}
	kernelMu.Lock()
	if current == k {
		current = nil
	}
	kernelMu.Unlock()
	log.Infof("kernel stopped (session %s)", k.session)
}

func kern() *kernel {
	kernelMu.Lock()
	defer kernelMu.Unlock()
	if current == nil {
		current = newKernel(DefaultSettings())
	}
	return current
}

// Configure replaces the live settings.
func Configure(s Settings) { kern().configure(s) }

func (k *kernel) configure(s Settings) {
	k.mu.Lock()
	k.settings = s
	k.mu.Unlock()
	if app := k.application(); app != nil {
		app.SetPulseRate(s.PulseRate)
	}
	log.Debugf("settings applied: %+v", s)
}

// replyWait maps a zero reply timeout to the configured default.
func (k *kernel) replyWait(d time.Duration) time.Duration {
	if d == 0 {
		return k.currentSettings().ReplyTimeout
	}
	return d
}

// CurrentSettings returns the live settings.
func CurrentSettings() Settings {
	k := kern()
	return k.currentSettings()
}

func (k *kernel) currentSettings() Settings {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.settings
}

func (k *kernel) application() *Application {
	k.appMu.Lock()
	defer k.appMu.Unlock()
	return k.app
}

// wakeApplication makes a running application recompute its wait deadline.
func (k *kernel) wakeApplication() {
	app := k.application()
	if app == nil || app.State() != StateRunning || app.Thread() == locker.CurrentThread() {
		return
	}
	m := NewMessage(cmdEventsPending)
	m.k, m.team = k, k.team
	m.target = app.ref()
	if err := app.enqueue(m, k.currentSettings().QueueTimeout); err != nil {
		log.Debugf("waking application: %s", err)
	}
}

// Session identifies this kernel instance in flattened messengers.
func Session() uuid.UUID { return kern().session }

// Team returns the id of the owning process.
func Team() int64 { return kern().team }
