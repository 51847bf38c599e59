package runtime

import (
	"fmt"
	stdrt "runtime"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/etkit/etk/internal/runtime/locker"
	"github.com/etkit/etk/internal/token"
)

// messengerPins holds the registry pins a Messenger keeps on its target.
type messengerPins struct {
	reg      *token.Registry
	toks     []token.Token
	released atomic.Bool
}

func (p *messengerPins) release() {
	if p.released.CompareAndSwap(false, true) {
		for _, t := range p.toks {
			p.reg.Unpin(t)
		}
	}
}

// Messenger is a revocable reference to a handler or looper. It pins both
// target tokens so their slots are not reused while it is alive, and it
// re-validates the target on every use.
type Messenger struct {
	k         *kernel
	team      int64
	handler   tokenRef
	looper    tokenRef
	preferred bool
	pins      *messengerPins
}

// NewMessenger targets handler, or the preferred handler of looper when
// handler is nil.
func NewMessenger(handler *Handler, looper *Looper) (*Messenger, error) {
	k := kern()
	if handler != nil {
		owner := handler.Looper()
		if owner == nil {
			return nil, ErrBadHandler.With("handler %q is not attached to a looper", handler.Name())
		}
		if looper != nil && looper != owner {
			return nil, ErrMismatchedValues.With("handler %q belongs to %q", handler.Name(), owner.Name())
		}
		looper = owner
		k = handler.k
	} else if looper == nil {
		return nil, ErrBadValue.With("messenger needs a handler or a looper")
	} else {
		k = looper.k
	}

	m := &Messenger{k: k, team: k.team}
	lref, ok := pinRef(k, looper.tok)
	if !ok {
		return nil, ErrBadPort.With("looper %q is gone", looper.Name())
	}
	m.looper = lref
	toks := []token.Token{lref.tok}
	if handler != nil && handler != &looper.Handler {
		href, ok := pinRef(k, handler.tok)
		if !ok {
			k.tokens.Unpin(lref.tok)
			return nil, ErrBadHandler.With("handler %q is gone", handler.Name())
		}
		m.handler = href
		toks = append(toks, href.tok)
	} else if handler == nil {
		m.preferred = true
	}
	m.track(toks)
	return m, nil
}

// MessengerFor is NewMessenger(h, nil) for callers that already know h is
// attached.
func MessengerFor(h *Handler) *Messenger {
	m, err := NewMessenger(h, nil)
	if err != nil {
		return &Messenger{k: h.k}
	}
	return m
}

func pinRef(k *kernel, tok token.Token) (tokenRef, bool) {
	if !k.tokens.Pin(tok) {
		return tokenRef{}, false
	}
	stamp, ok := k.tokens.TimestampOf(tok)
	if !ok {
		k.tokens.Unpin(tok)
		return tokenRef{}, false
	}
	return tokenRef{tok: tok, stamp: stamp}, true
}

func (m *Messenger) track(toks []token.Token) {
	p := &messengerPins{reg: m.k.tokens, toks: toks}
	m.pins = p
	stdrt.AddCleanup(m, func(p *messengerPins) { p.release() }, p)
}

// messengerFromRefs rebuilds a messenger from captured references. Refs that
// no longer resolve produce an invalid messenger, never an error.
func messengerFromRefs(k *kernel, team int64, h, l tokenRef, preferred bool) *Messenger {
	m := &Messenger{k: k, team: team, handler: h, looper: l, preferred: preferred}
	m.track(pinRefs(k, team, h, l))
	return m
}

func pinRefs(k *kernel, team int64, h, l tokenRef) []token.Token {
	if team != k.team || l.isZero() {
		return nil
	}
	var toks []token.Token
	if _, ok := k.tokens.PinLookup(l.tok, l.stamp); ok {
		toks = append(toks, l.tok)
	}
	if !h.isZero() {
		if _, ok := k.tokens.PinLookup(h.tok, h.stamp); ok {
			toks = append(toks, h.tok)
		}
	}
	return toks
}

func (m *Messenger) kernel() *kernel {
	if m.k == nil {
		m.k = kern()
	}
	return m.k
}

// Release drops the pins early. The messenger becomes invalid. Release may
// race with sends through the same messenger; those fail with ErrBadPort.
func (m *Messenger) Release() {
	if m.pins != nil {
		m.pins.release()
	}
}

func (m *Messenger) released() bool {
	return m.pins != nil && m.pins.released.Load()
}

// Clone returns an independent messenger to the same target.
func (m *Messenger) Clone() *Messenger {
	return messengerFromRefs(m.kernel(), m.team, m.handler, m.looper, m.preferred)
}

// SetTo retargets m at whatever other points to.
func (m *Messenger) SetTo(other *Messenger) {
	if m.pins != nil {
		m.pins.release()
	}
	m.k, m.team, m.handler, m.looper, m.preferred = other.kernel(), other.team, other.handler, other.looper, other.preferred
	m.track(pinRefs(m.k, m.team, m.handler, m.looper))
}

// Team returns the process the target lives in.
func (m *Messenger) Team() int64 { return m.team }

// IsTargetLocal reports whether the target lives in this process.
func (m *Messenger) IsTargetLocal() bool { return m.team == m.kernel().team }

// IsValid reports whether the target still exists.
func (m *Messenger) IsValid() bool {
	if m == nil || m.looper.isZero() || m.released() || !m.IsTargetLocal() {
		return false
	}
	k := m.kernel()
	if !k.tokens.Validate(m.looper.tok, m.looper.stamp) {
		return false
	}
	return m.handler.isZero() || k.tokens.Validate(m.handler.tok, m.handler.stamp)
}

// IsPreferred reports whether the messenger targets the looper's preferred
// handler.
func (m *Messenger) IsPreferred() bool { return m.preferred }

// Target resolves the messenger to its handler and looper. Both are nil when
// the target is gone. A preferred-handler messenger returns a nil handler.
func (m *Messenger) Target() (*Handler, *Looper) {
	if !m.IsValid() {
		return nil, nil
	}
	k := m.kernel()
	lo, _ := k.tokens.Lookup(m.looper.tok).(*Handler)
	if lo == nil || lo.looperSelf == nil {
		return nil, nil
	}
	if m.handler.isZero() {
		if m.preferred {
			return nil, lo.looperSelf
		}
		return &lo.looperSelf.Handler, lo.looperSelf
	}
	h, _ := k.tokens.Lookup(m.handler.tok).(*Handler)
	return h, lo.looperSelf
}

// pinLooper resolves and pins the target looper. The returned func unpins.
func (m *Messenger) pinLooper() (*Looper, func(), error) {
	if m == nil || m.looper.isZero() || m.released() || !m.IsTargetLocal() {
		return nil, func() {}, ErrBadPort.With("messenger has no local target")
	}
	k := m.kernel()
	obj, ok := k.tokens.PinLookup(m.looper.tok, m.looper.stamp)
	if !ok {
		return nil, func() {}, ErrBadPort.With("target looper %s is gone", m.looper.tok)
	}
	tok := m.looper.tok
	unpin := func() { k.tokens.Unpin(tok) }
	h, _ := obj.(*Handler)
	if h == nil || h.looperSelf == nil {
		unpin()
		return nil, func() {}, ErrBadPort.With("target %s is not a looper", m.looper.tok)
	}
	if !m.handler.isZero() && !k.tokens.Validate(m.handler.tok, m.handler.stamp) {
		unpin()
		return nil, func() {}, ErrBadHandler.With("target handler %s is gone", m.handler.tok)
	}
	return h.looperSelf, unpin, nil
}

// LockTarget locks the target looper.
func (m *Messenger) LockTarget() bool {
	return m.LockTargetWithTimeout(locker.Infinite) == nil
}

// LockTargetWithTimeout locks the target looper, waiting at most d.
func (m *Messenger) LockTargetWithTimeout(d time.Duration) error {
	l, unpin, err := m.pinLooper()
	defer unpin()
	if err != nil {
		return err
	}
	if err := l.LockWithTimeout(d); err != nil {
		return err
	}
	if !m.IsValid() {
		l.Unlock()
		return ErrBadPort.With("target went away while locking")
	}
	return nil
}

func (m *Messenger) route(msg *Message, replyTo *Messenger) *Message {
	c := msg.Copy()
	c.target, c.targetPreferred = m.handler, m.preferred
	if c.target.isZero() && !c.targetPreferred {
		c.target = m.looper
	}
	c.team = m.kernel().team
	c.replyHandler, c.replyLooper, c.replyPreferred = tokenRef{}, tokenRef{}, false
	if replyTo == nil {
		if app := m.kernel().application(); app != nil {
			c.replyLooper, c.replyPreferred = app.ref(), true
		}
	} else if replyTo.IsValid() {
		c.replyHandler, c.replyLooper, c.replyPreferred = replyTo.handler, replyTo.looper, replyTo.preferred
	}
	return c
}

// SendMessage delivers a copy of msg asynchronously. Replies go to replyTo,
// or to the application when replyTo is nil. timeout bounds the wait for the
// target queue.
func (m *Messenger) SendMessage(msg *Message, replyTo *Messenger, timeout time.Duration) error {
	if msg == nil {
		return ErrBadValue.With("nil message")
	}
	return m.postPrepared(m.route(msg, replyTo), timeout)
}

// SendCommand sends an empty message carrying what.
func (m *Messenger) SendCommand(what uint32) error {
	return m.SendMessage(NewMessage(what), nil, locker.Infinite)
}

func (m *Messenger) postPrepared(c *Message, timeout time.Duration) error {
	l, unpin, err := m.pinLooper()
	defer unpin()
	if err != nil {
		return err
	}
	if c.target.isZero() && !c.targetPreferred {
		c.target, c.targetPreferred = m.handler, m.preferred
	}
	return l.enqueue(c, timeout)
}

// SendMessageAndWait sends a copy of msg and blocks for the reply. A zero
// replyTimeout waits for the configured reply timeout. When no reply arrives
// in time the result is a NoReply message together with ErrTimedOut; when
// the target drops the message unanswered the result is a NoReply message
// and a nil error.
func (m *Messenger) SendMessageAndWait(msg *Message, sendTimeout, replyTimeout time.Duration) (*Message, error) {
	if msg == nil {
		return nil, ErrBadValue.With("nil message")
	}
	c := m.route(msg, nil)
	c.replyHandler, c.replyLooper, c.replyPreferred = tokenRef{}, tokenRef{}, false
	return m.sendAndWait(c, sendTimeout, m.kernel().replyWait(replyTimeout))
}

// Request is SendMessageAndWait with the configured default timeouts.
func (m *Messenger) Request(msg *Message) (*Message, error) {
	s := m.kernel().currentSettings()
	return m.SendMessageAndWait(msg, s.QueueTimeout, s.ReplyTimeout)
}

func (m *Messenger) sendAndWait(c *Message, sendTimeout, replyTimeout time.Duration) (*Message, error) {
	l, unpin, err := m.pinLooper()
	if err != nil {
		return nil, err
	}
	if l.servesCurrentThread() {
		unpin()
		return nil, ErrWouldDeadlock.With("synchronous send to looper %q from its own thread", l.Name())
	}
	port := newReplyPort()
	c.source = port
	err = l.enqueue(c, sendTimeout)
	unpin()
	if err != nil {
		return nil, err
	}
	return port.wait(replyTimeout)
}

// Equal reports whether both messengers name the same target.
func (m *Messenger) Equal(o *Messenger) bool {
	if m == nil || o == nil {
		return m == o
	}
	return m.team == o.team && m.handler == o.handler && m.looper == o.looper && m.preferred == o.preferred
}

func (m *Messenger) String() string {
	if m == nil {
		return "Messenger(nil)"
	}
	target := "preferred"
	if !m.handler.isZero() {
		target = m.handler.tok.String()
	}
	return fmt.Sprintf("Messenger(team=%d looper=%s handler=%s)", m.team, m.looper.tok, target)
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("runtime: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

type messengerWire struct {
	Session      []byte `cbor:"1,keyasint"`
	Team         int64  `cbor:"2,keyasint"`
	Looper       uint64 `cbor:"3,keyasint"`
	LooperStamp  int64  `cbor:"4,keyasint"`
	Handler      uint64 `cbor:"5,keyasint,omitempty"`
	HandlerStamp int64  `cbor:"6,keyasint,omitempty"`
	Preferred    bool   `cbor:"7,keyasint,omitempty"`
}

// Flatten serializes the messenger. The encoding carries the kernel session
// so that a messenger unflattened by another kernel is recognisably foreign.
func (m *Messenger) Flatten() ([]byte, error) {
	k := m.kernel()
	w := messengerWire{
		Session:      k.session[:],
		Team:         m.team,
		Looper:       uint64(m.looper.tok),
		LooperStamp:  m.looper.stamp,
		Handler:      uint64(m.handler.tok),
		HandlerStamp: m.handler.stamp,
		Preferred:    m.preferred,
	}
	return cborEncMode.Marshal(&w)
}

// UnflattenMessenger decodes a flattened messenger. Messengers from another
// kernel session decode to an invalid messenger.
func UnflattenMessenger(data []byte) (*Messenger, error) {
	var w messengerWire
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("runtime: unmarshal messenger: %w", err)
	}
	session, err := uuid.FromBytes(w.Session)
	if err != nil {
		return nil, fmt.Errorf("runtime: messenger session: %w", err)
	}
	k := kern()
	team := w.Team
	if session != k.session {
		// Foreign tokens must never be resolved against this registry.
		team = -1
	}
	return messengerFromRefs(k, team,
		tokenRef{tok: token.Token(w.Handler), stamp: w.HandlerStamp},
		tokenRef{tok: token.Token(w.Looper), stamp: w.LooperStamp},
		w.Preferred), nil
}
