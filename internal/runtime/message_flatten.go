package runtime

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/etkit/etk/internal/token"
)

// WireVersion is the version of the flattened message layout written by
// this build.
const WireVersion = "1.0.0"

var (
	wireVersion    = semver.MustParse(WireVersion)
	wireCompatible = mustConstraint("^1.0")
	wireMagic      = [4]byte{'E', 'T', 'K', 'M'}
)

func mustConstraint(c string) *semver.Constraints {
	cs, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return cs
}

const (
	flagReply uint32 = 1 << iota
	flagSourceDropped
	flagTargetPreferred
	flagReplyPreferred
	flagDropped
	flagDelivered
)

// header layout, all little endian:
//
//	magic[4] major u16 minor u16 patch u16 size u32 what u32 flags u32
//	team i64 session[16]
//	target u64+i64 replyHandler u64+i64 replyLooper u64+i64
//	count u32
const headerSize = 4 + 6 + 4 + 4 + 4 + 8 + 16 + 3*16 + 4

func putU64(b []byte, v uint64) []byte { return binary.LittleEndian.AppendUint64(b, v) }
func getU64(b []byte) uint64           { return binary.LittleEndian.Uint64(b) }

// FlattenedSize returns the number of bytes Flatten will produce.
func (m *Message) FlattenedSize() int {
	n := headerSize
	for _, f := range m.fields {
		for _, it := range f.items {
			n += 4 + len(f.name) + 4 + 1 + 4 + len(it)
		}
	}
	return n
}

// Flatten serializes the message. A live synchronous reply channel cannot be
// carried; it is dropped and the result reports IsSourceDropped.
func (m *Message) Flatten() ([]byte, error) {
	size := m.FlattenedSize()
	buf := make([]byte, 0, size)

	flags := uint32(0)
	if m.isReply {
		flags |= flagReply
	}
	if m.sourceDropped || m.source != nil {
		flags |= flagSourceDropped
	}
	if m.targetPreferred {
		flags |= flagTargetPreferred
	}
	if m.replyPreferred {
		flags |= flagReplyPreferred
	}
	if m.dropped {
		flags |= flagDropped
	}
	if m.delivered {
		flags |= flagDelivered
	}

	session := m.kernel().session
	buf = append(buf, wireMagic[:]...)
	buf = le.AppendUint16(buf, uint16(wireVersion.Major()))
	buf = le.AppendUint16(buf, uint16(wireVersion.Minor()))
	buf = le.AppendUint16(buf, uint16(wireVersion.Patch()))
	buf = le.AppendUint32(buf, uint32(size))
	buf = le.AppendUint32(buf, m.what)
	buf = le.AppendUint32(buf, flags)
	buf = le.AppendUint64(buf, uint64(m.team))
	buf = append(buf, session[:]...)
	for _, r := range []tokenRef{m.target, m.replyHandler, m.replyLooper} {
		buf = le.AppendUint64(buf, uint64(r.tok))
		buf = le.AppendUint64(buf, uint64(r.stamp))
	}

	count := 0
	for _, f := range m.fields {
		count += len(f.items)
	}
	buf = le.AppendUint32(buf, uint32(count))
	for _, f := range m.fields {
		fixed := byte(0)
		if f.fixed {
			fixed = 1
		}
		for _, it := range f.items {
			buf = le.AppendUint32(buf, uint32(len(f.name)))
			buf = append(buf, f.name...)
			buf = le.AppendUint32(buf, uint32(f.typ))
			buf = append(buf, fixed)
			buf = le.AppendUint32(buf, uint32(len(it)))
			buf = append(buf, it...)
		}
	}
	if len(buf) != size {
		return nil, ErrBadData.With("flatten wrote %d bytes, expected %d", len(buf), size)
	}
	return buf, nil
}

// UnflattenMessage decodes a message produced by Flatten.
func UnflattenMessage(data []byte) (*Message, error) {
	m := &Message{k: kern()}
	if err := m.Unflatten(data); err != nil {
		return nil, err
	}
	return m, nil
}

type wireReader struct {
	b   []byte
	off int
	err error
}

func (r *wireReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.b) {
		r.err = ErrBadData.With("truncated at offset %d (need %d of %d)", r.off, n, len(r.b))
		return nil
	}
	s := r.b[r.off : r.off+n]
	r.off += n
	return s
}

func (r *wireReader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *wireReader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *wireReader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *wireReader) ref() tokenRef {
	return tokenRef{tok: token.Token(r.u64()), stamp: int64(r.u64())}
}

// Unflatten replaces the contents of m with the decoded data. On error m is
// left unchanged.
func (m *Message) Unflatten(data []byte) error {
	r := &wireReader{b: data}
	if magic := r.take(4); magic == nil || !bytes.Equal(magic, wireMagic[:]) {
		return ErrBadData.With("bad magic")
	}
	major, minor, patch := r.u16(), r.u16(), r.u16()
	if r.err != nil {
		return r.err
	}
	v := semver.New(uint64(major), uint64(minor), uint64(patch), "", "")
	if !wireCompatible.Check(v) {
		return ErrWireVersion.With("data written by %s, this build reads %s", v, wireCompatible)
	}
	size := r.u32()
	if r.err == nil && int(size) != len(data) {
		return ErrBadData.With("size field %d, buffer %d", size, len(data))
	}

	k := m.kernel()
	out := &Message{k: k}
	out.what = r.u32()
	flags := r.u32()
	out.team = int64(r.u64())
	var session uuid.UUID
	copy(session[:], r.take(16))
	out.target = r.ref()
	out.replyHandler = r.ref()
	out.replyLooper = r.ref()
	count := r.u32()
	if r.err != nil {
		return r.err
	}

	out.isReply = flags&flagReply != 0
	out.sourceDropped = flags&flagSourceDropped != 0
	out.targetPreferred = flags&flagTargetPreferred != 0
	out.replyPreferred = flags&flagReplyPreferred != 0
	out.dropped = flags&flagDropped != 0
	out.delivered = flags&flagDelivered != 0
	out.remote = session != k.session || out.team != k.team

	for i := uint32(0); i < count; i++ {
		name := string(r.take(int(r.u32())))
		typ := TypeCode(r.u32())
		fixedByte := r.take(1)
		payload := r.take(int(r.u32()))
		if r.err != nil {
			out.MakeEmpty()
			return r.err
		}
		fixed := fixedByte[0] != 0
		if name == "" || typ == AnyType {
			out.MakeEmpty()
			return ErrBadData.With("record %d: bad key %q/%s", i, name, typ)
		}
		if err := out.addRaw(name, typ, payload, fixed); err != nil {
			out.MakeEmpty()
			return fmt.Errorf("record %d: %w", i, err)
		}
		if typ == PointerType {
			if session != k.session {
				out.MakeEmpty()
				return ErrBadValue.With("pointer %q was flattened by another kernel session", name)
			}
			if len(payload) != pointerItemSize {
				out.MakeEmpty()
				return ErrBadData.With("record %d: pointer payload of %d bytes", i, len(payload))
			}
			obj, ok := out.adoptPointer(payload)
			if !ok {
				out.MakeEmpty()
				return ErrBadValue.With("pointer %q is no longer reachable", name)
			}
			f := out.lookup(name, PointerType)
			f.ptrs = append(f.ptrs, obj)
		}
	}
	if r.off != len(data) {
		out.MakeEmpty()
		return ErrBadData.With("%d trailing bytes", len(data)-r.off)
	}

	if m.pins != nil {
		m.pins.releaseAll()
	}
	*m = Message{
		what: out.what, fields: out.fields, index: out.index, k: k, team: out.team,
		target: out.target, targetPreferred: out.targetPreferred,
		replyHandler: out.replyHandler, replyLooper: out.replyLooper, replyPreferred: out.replyPreferred,
		isReply: out.isReply, delivered: out.delivered, dropped: out.dropped,
		sourceDropped: out.sourceDropped, remote: out.remote,
	}
	if out.pins != nil {
		// Move the pins so they follow m rather than the scratch message.
		toks := out.pins.toks
		out.pins.toks = nil
		p := m.ensurePins()
		for _, t := range toks {
			p.add(t)
		}
	}
	return nil
}
