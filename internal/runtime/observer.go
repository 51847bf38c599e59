package runtime

import (
	"errors"
	"sync"
)

type observerEntry struct {
	handler   *Handler
	messenger *Messenger
}

func (e observerEntry) matches(o observerEntry) bool {
	if e.handler != nil || o.handler != nil {
		return e.handler == o.handler
	}
	return e.messenger.Equal(o.messenger)
}

// observerList maps notice codes to the observers registered for them.
type observerList struct {
	mu     sync.Mutex
	byWhat map[uint32][]observerEntry
}

// add registers e for what. It reports false when e already is registered.
func (ol *observerList) add(e observerEntry, what uint32) bool {
	ol.mu.Lock()
	defer ol.mu.Unlock()
	if ol.byWhat == nil {
		ol.byWhat = make(map[uint32][]observerEntry)
	}
	for _, v := range ol.byWhat[what] {
		if v.matches(e) {
			return false
		}
	}
	ol.byWhat[what] = append(ol.byWhat[what], e)
	return true
}

// remove unregisters e for what. ObserverObserveAll removes every
// registration of e. The messengers of removed entries are released.
func (ol *observerList) remove(e observerEntry, what uint32) bool {
	ol.mu.Lock()
	var removed []observerEntry
	for w, list := range ol.byWhat {
		if what != ObserverObserveAll && w != what {
			continue
		}
		kept := list[:0]
		for _, v := range list {
			if v.matches(e) {
				removed = append(removed, v)
				continue
			}
			kept = append(kept, v)
		}
		if len(kept) == 0 {
			delete(ol.byWhat, w)
		} else {
			ol.byWhat[w] = kept
		}
	}
	ol.mu.Unlock()
	releaseEntries(removed)
	return len(removed) > 0
}

func releaseEntries(list []observerEntry) {
	for _, e := range list {
		if e.messenger != nil {
			e.messenger.Release()
		}
	}
}

// count returns the number of registrations.
func (ol *observerList) count() int {
	ol.mu.Lock()
	defer ol.mu.Unlock()
	n := 0
	for _, list := range ol.byWhat {
		n += len(list)
	}
	return n
}

// targets returns the observers of what, including wildcard observers, each
// at most once.
func (ol *observerList) targets(what uint32) []observerEntry {
	ol.mu.Lock()
	defer ol.mu.Unlock()
	var out []observerEntry
	appendUnique := func(list []observerEntry) {
	next:
		for _, e := range list {
			for _, o := range out {
				if o.matches(e) {
					continue next
				}
			}
			out = append(out, e)
		}
	}
	appendUnique(ol.byWhat[what])
	if what != ObserverObserveAll {
		appendUnique(ol.byWhat[ObserverObserveAll])
	}
	return out
}

func (ol *observerList) empty() bool {
	ol.mu.Lock()
	defer ol.mu.Unlock()
	return len(ol.byWhat) == 0
}

func (ol *observerList) clear() {
	ol.mu.Lock()
	byWhat := ol.byWhat
	ol.byWhat = nil
	ol.mu.Unlock()
	for _, list := range byWhat {
		releaseEntries(list)
	}
}

// StartWatching asks the handler behind target to send h its notices for
// what. Use ObserverObserveAll for every notice.
func (h *Handler) StartWatching(target *Messenger, what uint32) error {
	return h.sendObserverControl(cmdStartObserving, target, what)
}

// StartWatchingAll is StartWatching for every notice.
func (h *Handler) StartWatchingAll(target *Messenger) error {
	return h.StartWatching(target, ObserverObserveAll)
}

// StopWatching cancels a StartWatching registration.
func (h *Handler) StopWatching(target *Messenger, what uint32) error {
	return h.sendObserverControl(cmdStopObserving, target, what)
}

// StopWatchingAll cancels every registration h holds on target.
func (h *Handler) StopWatchingAll(target *Messenger) error {
	return h.StopWatching(target, ObserverObserveAll)
}

func (h *Handler) sendObserverControl(cmd uint32, target *Messenger, what uint32) error {
	if target == nil || !target.IsValid() {
		return ErrBadPort.With("invalid observation target")
	}
	self, err := NewMessenger(h, nil)
	if err != nil {
		return err
	}
	defer self.Release()
	msg := NewMessage(cmd)
	if err := msg.AddMessenger(observeTarget, self); err != nil {
		return err
	}
	if err := msg.AddInt32(ObserveWhatChange, int32(what)); err != nil {
		return err
	}
	return target.SendMessage(msg, nil, h.k.currentSettings().QueueTimeout)
}

// StartWatchingHandler registers observer for h's notices of what.
func (h *Handler) StartWatchingHandler(observer *Handler, what uint32) error {
	if observer == nil {
		return ErrBadValue.With("nil observer")
	}
	h.observers.add(observerEntry{handler: observer}, what)
	return nil
}

// StopWatchingHandler unregisters observer. ObserverObserveAll removes every
// registration of observer.
func (h *Handler) StopWatchingHandler(observer *Handler, what uint32) error {
	if !h.observers.remove(observerEntry{handler: observer}, what) {
		return ErrNameNotFound.With("handler %q is not an observer", observer.Name())
	}
	return nil
}

// IsWatched reports whether h has any observer.
func (h *Handler) IsWatched() bool { return !h.observers.empty() }

// handleObserverControl applies a start or stop observing request.
func (h *Handler) handleObserverControl(msg *Message) {
	observer, err := msg.FindMessenger(observeTarget, 0)
	if err != nil {
		log.Warningf("handler %q: observer request without target: %s", h.Name(), err)
		return
	}
	what, err := msg.FindInt32(ObserveWhatChange, 0)
	if err != nil {
		log.Warningf("handler %q: observer request without code: %s", h.Name(), err)
		return
	}
	e := observerEntry{messenger: observer}
	if msg.what == cmdStartObserving && h.observers.add(e, uint32(what)) {
		return
	}
	if msg.what == cmdStopObserving {
		h.observers.remove(e, uint32(what))
	}
	observer.Release()
}

// SendNotices tells every observer of what that something changed. msg, if
// not nil, supplies the payload; the notice always has what
// ObserverNoticeChange. Observers that have gone away are dropped.
func (h *Handler) SendNotices(what uint32, msg *Message) {
	var notice *Message
	orig := uint32(0)
	if msg != nil {
		notice = msg.Copy()
		orig = msg.what
	} else {
		notice = NewMessage(ObserverNoticeChange)
	}
	notice.what = ObserverNoticeChange
	_ = notice.RemoveName(ObserveWhatChange)
	_ = notice.RemoveName(ObserveOrigWhat)
	_ = notice.AddInt32(ObserveWhatChange, int32(what))
	_ = notice.AddInt32(ObserveOrigWhat, int32(orig))

	timeout := h.k.currentSettings().QueueTimeout
	for _, e := range h.observers.targets(what) {
		var err error
		if e.handler != nil {
			var m *Messenger
			if m, err = NewMessenger(e.handler, nil); err == nil {
				err = m.SendMessage(notice, nil, timeout)
				m.Release()
			}
		} else {
			err = e.messenger.SendMessage(notice, nil, timeout)
		}
		if err == nil {
			continue
		}
		if errors.Is(err, ErrBadPort) || errors.Is(err, ErrBadHandler) {
			log.Debugf("handler %q: dropping dead observer: %s", h.Name(), err)
			h.observers.remove(e, ObserverObserveAll)
			continue
		}
		log.Warningf("handler %q: notice %s: %s", h.Name(), fourCC(what), err)
	}
}
