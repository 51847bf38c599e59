package runtime

import (
	"sync"
)

// FilterResult is the verdict of a filter.
type FilterResult int

const (
	// FilterDispatch lets the message continue to the (possibly new) target.
	FilterDispatch FilterResult = iota
	// FilterSkip drops the message.
	FilterSkip
)

// MessageDelivery selects messages by how they arrived.
type MessageDelivery int

const (
	AnyDelivery MessageDelivery = iota
	DroppedDelivery
	ProgrammedDelivery
)

// MessageSource selects messages by where they came from.
type MessageSource int

const (
	AnySource MessageSource = iota
	LocalSource
	RemoteSource
)

// FilterHook inspects msg on its way to target. It may return a different
// handler of the same looper to redirect the message.
type FilterHook func(msg *Message, target *Handler, f *MessageFilter) (FilterResult, *Handler)

// MessageFilter is a predicate plus hook run before dispatch. A filter is
// attached to exactly one handler or one looper's common filter list.
type MessageFilter struct {
	delivery   MessageDelivery
	source     MessageSource
	what       uint32
	anyCommand bool
	hook       FilterHook

	mu      sync.Mutex
	handler *Handler
	common  *Looper
}

// NewMessageFilter filters every command arriving by delivery from source.
func NewMessageFilter(delivery MessageDelivery, source MessageSource, hook FilterHook) *MessageFilter {
	return &MessageFilter{delivery: delivery, source: source, anyCommand: true, hook: hook}
}

// NewMessageFilterFor filters messages carrying what that arrive by delivery
// from source.
func NewMessageFilterFor(delivery MessageDelivery, source MessageSource, what uint32, hook FilterHook) *MessageFilter {
	return &MessageFilter{delivery: delivery, source: source, what: what, hook: hook}
}

// NewCommandFilter filters messages carrying what, whatever their origin.
func NewCommandFilter(what uint32, hook FilterHook) *MessageFilter {
	return &MessageFilter{delivery: AnyDelivery, source: AnySource, what: what, hook: hook}
}

// Filter runs the hook. Filters without a hook always dispatch.
func (f *MessageFilter) Filter(msg *Message, target *Handler) (FilterResult, *Handler) {
	if f.hook == nil {
		return FilterDispatch, target
	}
	return f.hook(msg, target, f)
}

// Command returns the command the filter selects.
func (f *MessageFilter) Command() uint32 { return f.what }

// FiltersAnyCommand reports whether the filter ignores the command code.
func (f *MessageFilter) FiltersAnyCommand() bool { return f.anyCommand }

func (f *MessageFilter) MessageDelivery() MessageDelivery { return f.delivery }

func (f *MessageFilter) MessageSource() MessageSource { return f.source }

// Looper returns the looper whose messages the filter currently sees.
func (f *MessageFilter) Looper() *Looper {
	f.mu.Lock()
	h, l := f.handler, f.common
	f.mu.Unlock()
	if l != nil {
		return l
	}
	if h != nil {
		return h.Looper()
	}
	return nil
}

func (f *MessageFilter) matches(msg *Message) bool {
	if !f.anyCommand && msg.what != f.what {
		return false
	}
	switch f.delivery {
	case DroppedDelivery:
		if !msg.WasDropped() {
			return false
		}
	case ProgrammedDelivery:
		if msg.WasDropped() {
			return false
		}
	}
	switch f.source {
	case LocalSource:
		return !msg.IsSourceRemote()
	case RemoteSource:
		return msg.IsSourceRemote()
	}
	return true
}

func (f *MessageFilter) attached() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler != nil || f.common != nil
}

func (f *MessageFilter) attach(h *Handler, l *Looper) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handler != nil || f.common != nil {
		return ErrNotAllowed.With("filter already attached")
	}
	f.handler, f.common = h, l
	return nil
}

func (f *MessageFilter) detach() {
	f.mu.Lock()
	f.handler, f.common = nil, nil
	f.mu.Unlock()
}

func containsFilter(list []*MessageFilter, f *MessageFilter) bool {
	for _, v := range list {
		if v == f {
			return true
		}
	}
	return false
}

// replaceFilters swaps old for next, attaching with attach. It fails without
// side effects when a filter of next is attached somewhere other than old.
func replaceFilters(old, next []*MessageFilter, attach func(*MessageFilter) error) error {
	for i, f := range next {
		if f == nil {
			return ErrBadValue.With("nil filter at %d", i)
		}
		if containsFilter(next[:i], f) {
			return ErrBadValue.With("filter listed twice at %d", i)
		}
		if f.attached() && !containsFilter(old, f) {
			return ErrNotAllowed.With("filter %d already attached elsewhere", i)
		}
	}
	for _, f := range old {
		if !containsFilter(next, f) {
			f.detach()
		}
	}
	for _, f := range next {
		if !containsFilter(old, f) {
			if err := attach(f); err != nil {
				return err
			}
		}
	}
	return nil
}

// runFilters applies list to msg. It returns nil when the message must be
// dropped.
func runFilters(l *Looper, list []*MessageFilter, msg *Message, target *Handler) *Handler {
	for _, f := range list {
		if !f.matches(msg) {
			continue
		}
		res, next := f.Filter(msg, target)
		if res == FilterSkip {
			return nil
		}
		if next != nil && next != target {
			if next.Looper() != l {
				log.Warningf("looper %q: filter redirected %s to handler %q of another looper; dropped",
					l.Name(), fourCC(msg.what), next.Name())
				return nil
			}
			target = next
		}
	}
	return target
}
