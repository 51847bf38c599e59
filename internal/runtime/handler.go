package runtime

import (
	"sync"
	"time"

	etkerrors "github.com/etkit/etk/internal/errors"
	"github.com/etkit/etk/internal/runtime/locker"
	"github.com/etkit/etk/internal/token"
)

// Behavior supplies the message handling logic of a Handler.
type Behavior interface {
	MessageReceived(h *Handler, msg *Message)
}

// BehaviorFunc adapts a function to Behavior.
type BehaviorFunc func(h *Handler, msg *Message)

// MessageReceived calls f(h, msg).
func (f BehaviorFunc) MessageReceived(h *Handler, msg *Message) { f(h, msg) }

// Handler is an addressable receiver of messages. It belongs to at most one
// Looper and is only ever called on that looper's thread.
type Handler struct {
	k          *kernel
	tok        token.Token
	behavior   Behavior
	looperSelf *Looper

	mu        sync.Mutex
	name      string
	looper    *Looper
	filters   []*MessageFilter
	observers observerList
}

// NewHandler creates a detached handler. A nil behavior forwards every
// message to the next handler.
func NewHandler(name string, behavior Behavior) *Handler {
	h := &Handler{}
	h.init(kern(), name, behavior)
	return h
}

func (h *Handler) init(k *kernel, name string, behavior Behavior) {
	h.k = k
	h.name = name
	h.behavior = behavior
	h.tok = k.tokens.Create(h)
}

// Token returns the registry token of the handler.
func (h *Handler) Token() token.Token { return h.tok }

// Name returns the handler name.
func (h *Handler) Name() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.name
}

// SetName renames the handler.
func (h *Handler) SetName(name string) {
	h.mu.Lock()
	h.name = name
	h.mu.Unlock()
}

// Looper returns the looper the handler is attached to.
func (h *Handler) Looper() *Looper {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.looper
}

func (h *Handler) setLooper(l *Looper) {
	h.mu.Lock()
	h.looper = l
	h.mu.Unlock()
}

func (h *Handler) ref() tokenRef {
	stamp, _ := h.k.tokens.TimestampOf(h.tok)
	return tokenRef{tok: h.tok, stamp: stamp}
}

// MessageReceived runs the handler's behavior on msg.
func (h *Handler) MessageReceived(msg *Message) {
	if h.behavior != nil {
		h.behavior.MessageReceived(h, msg)
		return
	}
	h.DefaultMessageReceived(msg)
}

// DefaultMessageReceived passes msg down the handler chain. At the end of the
// chain a waiting sender gets MessageNotUnderstood.
func (h *Handler) DefaultMessageReceived(msg *Message) {
	if next := h.NextHandler(); next != nil {
		next.MessageReceived(msg)
		return
	}
	if msg.IsSourceWaiting() {
		if err := msg.SendReply(NewMessage(MessageNotUnderstood), nil, 0); err != nil {
			log.Debugf("handler %q: not-understood reply: %s", h.Name(), err)
		}
	}
}

// NextHandler returns the handler that receives messages h does not handle.
func (h *Handler) NextHandler() *Handler {
	l := h.Looper()
	if l == nil {
		return nil
	}
	return l.nextHandlerOf(h)
}

// SetNextHandler makes target the fallback of h. target must share h's looper
// and the looper must be locked. A nil target ends the chain at h. Illegal
// targets are logged and ignored.
func (h *Handler) SetNextHandler(target *Handler) error {
	l := h.Looper()
	var err error
	switch {
	case l == nil:
		err = ErrBadHandler.With("handler %q has no looper", h.Name())
	case !l.IsLocked():
		err = ErrNotAllowed.With("looper %q must be locked to rewire handler %q", l.Name(), h.Name())
	case target == h:
		err = ErrBadValue.With("handler %q cannot be its own next handler", h.Name())
	case target != nil && target.Looper() != l:
		err = ErrMismatchedValues.With("handler %q does not belong to looper %q", target.Name(), l.Name())
	}
	if err != nil {
		log.Warningf("SetNextHandler: %s", err)
		return err
	}
	l.chainAfter(h, target)
	return nil
}

// LockLooper locks the owning looper.
func (h *Handler) LockLooper() bool {
	return h.LockLooperWithTimeout(locker.Infinite) == nil
}

// LockLooperWithTimeout locks the owning looper and checks that h still
// belongs to it once the lock is held.
func (h *Handler) LockLooperWithTimeout(d time.Duration) error {
	l := h.Looper()
	if l == nil {
		return ErrBadHandler.With("handler %q has no looper", h.Name())
	}
	if err := l.LockWithTimeout(d); err != nil {
		return err
	}
	if h.Looper() != l {
		l.Unlock()
		return ErrMismatchedValues.With("handler %q moved while locking", h.Name())
	}
	return nil
}

// UnlockLooper unlocks the owning looper.
func (h *Handler) UnlockLooper() {
	if l := h.Looper(); l != nil {
		l.Unlock()
	}
}

// AddFilter attaches f to the handler. A filter can only be attached once.
func (h *Handler) AddFilter(f *MessageFilter) error {
	if err := h.checkFilterEdit(f); err != nil {
		return err
	}
	if err := f.attach(h, nil); err != nil {
		log.Warningf("AddFilter on %q: %s", h.Name(), err)
		return err
	}
	h.mu.Lock()
	h.filters = append(h.filters, f)
	h.mu.Unlock()
	return nil
}

// RemoveFilter detaches f. It reports whether f was attached to h.
func (h *Handler) RemoveFilter(f *MessageFilter) bool {
	if f == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, v := range h.filters {
		if v == f {
			h.filters = append(h.filters[:i], h.filters[i+1:]...)
			f.detach()
			return true
		}
	}
	return false
}

// SetFilterList replaces every filter of the handler. Nothing changes if any
// filter in list is attached elsewhere.
func (h *Handler) SetFilterList(list []*MessageFilter) error {
	if l := h.Looper(); l != nil && !l.IsLocked() {
		err := ErrNotAllowed.With("looper %q must be locked to edit filters", l.Name())
		log.Warningf("SetFilterList: %s", err)
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := replaceFilters(h.filters, list, func(f *MessageFilter) error { return f.attach(h, nil) }); err != nil {
		log.Warningf("SetFilterList on %q: %s", h.name, err)
		return err
	}
	h.filters = append([]*MessageFilter(nil), list...)
	return nil
}

// FilterList returns a snapshot of the handler's filters.
func (h *Handler) FilterList() []*MessageFilter {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*MessageFilter(nil), h.filters...)
}

func (h *Handler) checkFilterEdit(f *MessageFilter) error {
	if f == nil {
		return ErrBadValue.With("nil filter")
	}
	if l := h.Looper(); l != nil && !l.IsLocked() {
		err := ErrNotAllowed.With("looper %q must be locked to edit filters", l.Name())
		log.Warningf("filter edit: %s", err)
		return err
	}
	return nil
}

// Close destroys a detached handler. Closing a handler that is still attached
// to a looper is a contract violation.
func (h *Handler) Close() {
	if l := h.Looper(); l != nil {
		etkerrors.Fatal("HANDLER_ATTACHED", "handler %q closed while attached to looper %q", h.Name(), l.Name())
	}
	h.mu.Lock()
	for _, f := range h.filters {
		f.detach()
	}
	h.filters = nil
	h.mu.Unlock()
	h.observers.clear()
	h.k.tokens.Invalidate(h.tok)
}
