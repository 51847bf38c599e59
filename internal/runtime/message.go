package runtime

import (
	"fmt"
	stdrt "runtime"
	"sort"
	"strings"
	"sync"

	"github.com/etkit/etk/internal/token"
)

// tokenRef is a token together with the creation timestamp observed when the
// reference was taken.
type tokenRef struct {
	tok   token.Token
	stamp int64
}

func (r tokenRef) isZero() bool { return r.tok == token.Null }

type fieldKey struct {
	name string
	typ  TypeCode
}

// field is the ordered list of values stored under one (name, type) key.
type field struct {
	name  string
	typ   TypeCode
	fixed bool
	items [][]byte
	ptrs  []any
}

func (f *field) clone() *field {
	c := &field{name: f.name, typ: f.typ, fixed: f.fixed, items: make([][]byte, len(f.items))}
	for i, it := range f.items {
		c.items[i] = append([]byte(nil), it...)
	}
	if f.ptrs != nil {
		c.ptrs = append([]any(nil), f.ptrs...)
	}
	return c
}

// pointerPins keeps pointer values of a message resolvable while the message
// lives. It is released by a cleanup attached to the owning Message.
type pointerPins struct {
	mu   sync.Mutex
	reg  *token.Registry
	toks []token.Token
}

func (p *pointerPins) add(t token.Token) {
	p.mu.Lock()
	p.toks = append(p.toks, t)
	p.mu.Unlock()
}

func (p *pointerPins) drop(t token.Token) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, v := range p.toks {
		if v == t {
			p.toks = append(p.toks[:i], p.toks[i+1:]...)
			p.reg.Release(t)
			return
		}
	}
}

func (p *pointerPins) releaseAll() {
	p.mu.Lock()
	toks := p.toks
	p.toks = nil
	p.mu.Unlock()
	for _, t := range toks {
		p.reg.Release(t)
	}
}

// Message is a typed property bag with routing metadata. A Message is not
// safe for concurrent use; posting one hands a copy to the target looper.
type Message struct {
	what   uint32
	fields []*field
	index  map[fieldKey]*field

	k    *kernel
	team int64

	target          tokenRef
	targetPreferred bool
	replyHandler    tokenRef
	replyLooper     tokenRef
	replyPreferred  bool

	isReply       bool
	delivered     bool
	dropped       bool
	sourceDropped bool
	remote        bool
	replied       bool

	source   *replyPort
	previous *Message
	queuedOn *Looper
	pins     *pointerPins
}

// NewMessage creates an empty message with the given command code.
func NewMessage(what uint32) *Message {
	k := kern()
	return &Message{what: what, k: k, team: k.team}
}

func (m *Message) kernel() *kernel {
	if m.k == nil {
		m.k = kern()
		m.team = m.k.team
	}
	return m.k
}

// What returns the command code.
func (m *Message) What() uint32 { return m.what }

// SetWhat replaces the command code.
func (m *Message) SetWhat(what uint32) { m.what = what }

func (m *Message) lookup(name string, typ TypeCode) *field {
	if m.index == nil {
		return nil
	}
	return m.index[fieldKey{name, typ}]
}

// lookupErr distinguishes a missing name from a name stored with another type.
func (m *Message) lookupErr(name string, typ TypeCode) (*field, error) {
	if typ == AnyType {
		return nil, ErrBadType.With("%q: any type is not a storage type", name)
	}
	if f := m.lookup(name, typ); f != nil {
		return f, nil
	}
	for _, f := range m.fields {
		if f.name == name {
			return nil, ErrBadType.With("%q stored as %s, not %s", name, f.typ, typ)
		}
	}
	return nil, ErrNameNotFound.With("%q", name)
}

func (m *Message) addField(name string, typ TypeCode, fixed bool) *field {
	f := &field{name: name, typ: typ, fixed: fixed}
	if m.index == nil {
		m.index = make(map[fieldKey]*field)
	}
	m.index[fieldKey{name, typ}] = f
	m.fields = append(m.fields, f)
	return f
}

func (m *Message) dropField(f *field) {
	delete(m.index, fieldKey{f.name, f.typ})
	for i, v := range m.fields {
		if v == f {
			m.fields = append(m.fields[:i], m.fields[i+1:]...)
			return
		}
	}
}

// AddData appends a copy of data under (name, typ). All values of a
// fixed-size field must have the same length.
func (m *Message) AddData(name string, typ TypeCode, data []byte, fixedSize bool) error {
	if name == "" {
		return ErrBadValue.With("empty field name")
	}
	if typ == AnyType || typ == PointerType {
		return ErrBadType.With("%q: %s cannot be added as data", name, typ)
	}
	return m.addRaw(name, typ, data, fixedSize)
}

func (m *Message) addRaw(name string, typ TypeCode, data []byte, fixedSize bool) error {
	f := m.lookup(name, typ)
	if f != nil {
		if f.fixed != fixedSize {
			return ErrBadType.With("%q: fixed-size flag mismatch", name)
		}
		if f.fixed && len(f.items) > 0 && len(f.items[0]) != len(data) {
			return ErrBadValue.With("%q: size %d, field holds %d", name, len(data), len(f.items[0]))
		}
	} else {
		f = m.addField(name, typ, fixedSize)
	}
	f.items = append(f.items, append([]byte(nil), data...))
	return nil
}

// FindData returns a copy of the index-th value stored under (name, typ).
func (m *Message) FindData(name string, typ TypeCode, index int) ([]byte, error) {
	f, err := m.lookupErr(name, typ)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(f.items) {
		return nil, ErrBadIndex.With("%q[%d] of %d", name, index, len(f.items))
	}
	return append([]byte(nil), f.items[index]...), nil
}

// ReplaceData overwrites the index-th value stored under (name, typ).
func (m *Message) ReplaceData(name string, typ TypeCode, index int, data []byte) error {
	if typ == PointerType {
		return ErrBadType.With("%q: use ReplacePointer", name)
	}
	f, err := m.lookupErr(name, typ)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(f.items) {
		return ErrBadIndex.With("%q[%d] of %d", name, index, len(f.items))
	}
	if f.fixed && len(data) != len(f.items[index]) {
		return ErrBadValue.With("%q: size %d, field holds %d", name, len(data), len(f.items[index]))
	}
	f.items[index] = append([]byte(nil), data...)
	return nil
}

// RemoveData removes one value. The field disappears with its last value.
func (m *Message) RemoveData(name string, typ TypeCode, index int) error {
	f, err := m.lookupErr(name, typ)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(f.items) {
		return ErrBadIndex.With("%q[%d] of %d", name, index, len(f.items))
	}
	if f.ptrs != nil {
		m.releasePointer(f.items[index])
		f.ptrs = append(f.ptrs[:index], f.ptrs[index+1:]...)
	}
	f.items = append(f.items[:index], f.items[index+1:]...)
	if len(f.items) == 0 {
		m.dropField(f)
	}
	return nil
}

// RemoveName removes every field stored under name, whatever its type.
func (m *Message) RemoveName(name string) error {
	found := false
	for _, f := range append([]*field(nil), m.fields...) {
		if f.name != name {
			continue
		}
		found = true
		for _, it := range f.items {
			if f.ptrs != nil {
				m.releasePointer(it)
			}
		}
		m.dropField(f)
	}
	if !found {
		return ErrNameNotFound.With("%q", name)
	}
	return nil
}

// MakeEmpty removes every field. Routing metadata is kept.
func (m *Message) MakeEmpty() {
	if m.pins != nil {
		m.pins.releaseAll()
	}
	m.fields = nil
	m.index = nil
}

// IsEmpty reports whether the message carries no fields.
func (m *Message) IsEmpty() bool { return len(m.fields) == 0 }

// HasData reports whether (name, typ) holds an index-th value.
func (m *Message) HasData(name string, typ TypeCode, index int) bool {
	f := m.lookup(name, typ)
	return f != nil && index >= 0 && index < len(f.items)
}

// CountItems returns the number of values under name. AnyType counts values
// of every type stored under name.
func (m *Message) CountItems(name string, typ TypeCode) int {
	if typ != AnyType {
		if f := m.lookup(name, typ); f != nil {
			return len(f.items)
		}
		return 0
	}
	n := 0
	for _, f := range m.fields {
		if f.name == name {
			n += len(f.items)
		}
	}
	return n
}

// CountNames returns the number of fields of type typ, or of any type.
func (m *Message) CountNames(typ TypeCode) int {
	if typ == AnyType {
		return len(m.fields)
	}
	n := 0
	for _, f := range m.fields {
		if f.typ == typ {
			n++
		}
	}
	return n
}

// GetInfo describes the index-th field of type typ, in insertion order.
func (m *Message) GetInfo(typ TypeCode, index int) (name string, code TypeCode, count int, err error) {
	i := 0
	for _, f := range m.fields {
		if typ != AnyType && f.typ != typ {
			continue
		}
		if i == index {
			return f.name, f.typ, len(f.items), nil
		}
		i++
	}
	if i == 0 {
		return "", 0, 0, ErrBadType.With("no fields of type %s", typ)
	}
	return "", 0, 0, ErrBadIndex.With("field %d of %d", index, i)
}

// GetInfoByName describes the first field stored under name.
func (m *Message) GetInfoByName(name string) (code TypeCode, count int, fixedSize bool, err error) {
	for _, f := range m.fields {
		if f.name == name {
			return f.typ, len(f.items), f.fixed, nil
		}
	}
	return 0, 0, false, ErrNameNotFound.With("%q", name)
}

// AddPointer stores p by reference. The caller keeps ownership of whatever p
// points to; the message only keeps it reachable through flattening while the
// message or one of its copies is alive.
func (m *Message) AddPointer(name string, p any) error {
	if name == "" {
		return ErrBadValue.With("empty field name")
	}
	item := m.pinPointer(p)
	if err := m.addRaw(name, PointerType, item, true); err != nil {
		m.releasePointer(item)
		return err
	}
	f := m.lookup(name, PointerType)
	f.ptrs = append(f.ptrs, p)
	return nil
}

// FindPointer returns the index-th pointer stored under name.
func (m *Message) FindPointer(name string, index int) (any, error) {
	f, err := m.lookupErr(name, PointerType)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(f.ptrs) {
		return nil, ErrBadIndex.With("%q[%d] of %d", name, index, len(f.ptrs))
	}
	return f.ptrs[index], nil
}

// ReplacePointer overwrites the index-th pointer stored under name.
func (m *Message) ReplacePointer(name string, index int, p any) error {
	f, err := m.lookupErr(name, PointerType)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(f.ptrs) {
		return ErrBadIndex.With("%q[%d] of %d", name, index, len(f.ptrs))
	}
	m.releasePointer(f.items[index])
	f.items[index] = m.pinPointer(p)
	f.ptrs[index] = p
	return nil
}

// HasPointer reports whether name holds an index-th pointer.
func (m *Message) HasPointer(name string, index int) bool {
	return m.HasData(name, PointerType, index)
}

func (m *Message) ensurePins() *pointerPins {
	if m.pins == nil {
		p := &pointerPins{reg: m.kernel().pointers}
		m.pins = p
		stdrt.AddCleanup(m, func(p *pointerPins) { p.releaseAll() }, p)
	}
	return m.pins
}

// A pointer item is the registry handle followed by its creation stamp.
const pointerItemSize = 16

func pointerItem(h token.Token, stamp int64) []byte {
	b := make([]byte, 0, pointerItemSize)
	return putU64(putU64(b, uint64(h)), uint64(stamp))
}

func pointerRef(item []byte) (token.Token, int64, bool) {
	if len(item) != pointerItemSize {
		return 0, 0, false
	}
	return token.Token(getU64(item)), int64(getU64(item[8:])), true
}

func (m *Message) pinPointer(p any) []byte {
	reg := m.kernel().pointers
	h := reg.Create(p)
	reg.Pin(h)
	stamp, _ := reg.TimestampOf(h)
	m.ensurePins().add(h)
	return pointerItem(h, stamp)
}

// adoptPointer pins the handle in item for this message. The handle must
// still name the object it was created for.
func (m *Message) adoptPointer(item []byte) (any, bool) {
	h, stamp, ok := pointerRef(item)
	if !ok {
		return nil, false
	}
	obj, ok := m.kernel().pointers.PinLookup(h, stamp)
	if !ok {
		return nil, false
	}
	m.ensurePins().add(h)
	return obj, true
}

func (m *Message) releasePointer(item []byte) {
	h, _, ok := pointerRef(item)
	if m.pins == nil || !ok {
		return
	}
	m.pins.drop(h)
}

// Copy returns a deep copy of m. The synchronous reply channel is never
// copied.
func (m *Message) Copy() *Message {
	c := &Message{
		what:            m.what,
		k:               m.kernel(),
		team:            m.team,
		target:          m.target,
		targetPreferred: m.targetPreferred,
		replyHandler:    m.replyHandler,
		replyLooper:     m.replyLooper,
		replyPreferred:  m.replyPreferred,
		isReply:         m.isReply,
		delivered:       m.delivered,
		dropped:         m.dropped,
		sourceDropped:   m.sourceDropped,
		remote:          m.remote,
		previous:        m.previous,
	}
	for _, f := range m.fields {
		cf := f.clone()
		if cf.typ == PointerType {
			for _, it := range cf.items {
				if _, ok := c.adoptPointer(it); !ok {
					log.Warningf("copy of %s lost pointer %q", fourCC(m.what), f.name)
				}
			}
		}
		if c.index == nil {
			c.index = make(map[fieldKey]*field)
		}
		c.index[fieldKey{cf.name, cf.typ}] = cf
		c.fields = append(c.fields, cf)
	}
	return c
}

// Team returns the id of the process that sent the message.
func (m *Message) Team() int64 { return m.team }

// IsSourceRemote reports whether the message came from another kernel.
func (m *Message) IsSourceRemote() bool { return m.remote }

// IsSourceWaiting reports whether a sender is blocked waiting for a reply.
func (m *Message) IsSourceWaiting() bool {
	return m.source != nil && !m.replied && m.source.waiting()
}

// IsSourceDropped reports whether a synchronous reply channel was discarded
// when the message was flattened.
func (m *Message) IsSourceDropped() bool { return m.sourceDropped }

// IsReply reports whether the message was sent as a reply.
func (m *Message) IsReply() bool { return m.isReply }

// WasDelivered reports whether the message went through a looper queue.
func (m *Message) WasDelivered() bool { return m.delivered }

// WasDropped reports whether the message arrived through a drop event.
func (m *Message) WasDropped() bool { return m.dropped }

// MarkDropped flags the message as delivered by a drop event. Backends call
// it for drag and drop deliveries.
func (m *Message) MarkDropped() { m.dropped = true }

// Previous returns the message this one replies to, if known.
func (m *Message) Previous() *Message { return m.previous }

// ReturnAddress returns a messenger to the reply target. The result is
// invalid when the sender did not name one.
func (m *Message) ReturnAddress() *Messenger {
	return messengerFromRefs(m.kernel(), m.team, m.replyHandler, m.replyLooper, m.replyPreferred)
}

// String renders the message for debugging.
func (m *Message) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Message(what=%s", fourCC(m.what))
	if m.isReply {
		b.WriteString(", reply")
	}
	b.WriteString(") {")
	names := make([]string, 0, len(m.fields))
	for _, f := range m.fields {
		names = append(names, fmt.Sprintf("%s %s[%d]", f.name, f.typ, len(f.items)))
	}
	sort.Strings(names)
	if len(names) > 0 {
		b.WriteString(" " + strings.Join(names, ", ") + " ")
	}
	b.WriteString("}")
	return b.String()
}
