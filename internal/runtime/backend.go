package runtime

import (
	"sort"
	"sync"
)

// Backend is the presentation layer an Application drives. The kernel only
// hands it lifecycle and cursor events; everything else reaches it as
// ordinary messages.
type Backend interface {
	Init(app *Application) error
	Cancel()
	SetCursor(data []byte)
	HideCursor()
	ShowCursor()
	ObscureCursor()
}

// BackendFactory creates a Backend for one application run.
type BackendFactory func() Backend

var backends = struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}{factories: map[string]BackendFactory{
	"none": func() Backend { return &nullBackend{} },
}}

// RegisterBackend makes a backend selectable by name.
func RegisterBackend(name string, factory BackendFactory) error {
	if name == "" || factory == nil {
		return ErrBadValue.With("backend needs a name and a factory")
	}
	backends.mu.Lock()
	defer backends.mu.Unlock()
	if _, ok := backends.factories[name]; ok {
		return ErrNotAllowed.With("backend %q already registered", name)
	}
	backends.factories[name] = factory
	return nil
}

// Backends lists the registered backend names.
func Backends() []string {
	backends.mu.RLock()
	defer backends.mu.RUnlock()
	names := make([]string, 0, len(backends.factories))
	for name := range backends.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newBackend(name string) (Backend, error) {
	if name == "" {
		name = "none"
	}
	backends.mu.RLock()
	f, ok := backends.factories[name]
	backends.mu.RUnlock()
	if !ok {
		return nil, ErrNameNotFound.With("backend %q", name)
	}
	return f(), nil
}

// nullBackend has no display. It only records cursor state.
type nullBackend struct {
	mu     sync.Mutex
	app    string
	cursor []byte
	hidden int
}

func (b *nullBackend) Init(app *Application) error {
	b.mu.Lock()
	b.app = app.Signature()
	b.mu.Unlock()
	log.Debugf("backend none: attached to %q", b.app)
	return nil
}

func (b *nullBackend) Cancel() {
	log.Debugf("backend none: detached from %q", b.app)
}

func (b *nullBackend) SetCursor(data []byte) {
	b.mu.Lock()
	b.cursor = append([]byte(nil), data...)
	b.mu.Unlock()
}

func (b *nullBackend) HideCursor() {
	b.mu.Lock()
	b.hidden++
	b.mu.Unlock()
}

func (b *nullBackend) ShowCursor() {
	b.mu.Lock()
	if b.hidden > 0 {
		b.hidden--
	}
	b.mu.Unlock()
}

func (b *nullBackend) ObscureCursor() {}
