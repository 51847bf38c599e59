package runtime

import (
	"encoding/binary"
	"math"
)

// Point is a 2D coordinate.
type Point struct {
	X, Y float32
}

// Rect is an axis-aligned rectangle.
type Rect struct {
	Left, Top, Right, Bottom float32
}

// codec converts between a Go value and its stored payload.
type codec[T any] struct {
	typ   TypeCode
	fixed bool
	enc   func(T) []byte
	dec   func([]byte) (T, bool)
}

func addValue[T any](m *Message, c codec[T], name string, v T) error {
	return m.AddData(name, c.typ, c.enc(v), c.fixed)
}

func findValue[T any](m *Message, c codec[T], name string, index int) (T, error) {
	var zero T
	raw, err := m.FindData(name, c.typ, index)
	if err != nil {
		return zero, err
	}
	v, ok := c.dec(raw)
	if !ok {
		return zero, ErrBadData.With("%q[%d]: malformed %s payload", name, index, c.typ)
	}
	return v, nil
}

func replaceValue[T any](m *Message, c codec[T], name string, index int, v T) error {
	return m.ReplaceData(name, c.typ, index, c.enc(v))
}

func fixedCodec[T any](typ TypeCode, size int, put func([]byte, T), get func([]byte) T) codec[T] {
	return codec[T]{
		typ:   typ,
		fixed: true,
		enc: func(v T) []byte {
			b := make([]byte, size)
			put(b, v)
			return b
		},
		dec: func(b []byte) (T, bool) {
			if len(b) != size {
				var zero T
				return zero, false
			}
			return get(b), true
		},
	}
}

var le = binary.LittleEndian

var (
	boolCodec = fixedCodec(BoolType, 1,
		func(b []byte, v bool) {
			if v {
				b[0] = 1
			}
		},
		func(b []byte) bool { return b[0] != 0 })
	int8Codec = fixedCodec(Int8Type, 1,
		func(b []byte, v int8) { b[0] = byte(v) },
		func(b []byte) int8 { return int8(b[0]) })
	int16Codec = fixedCodec(Int16Type, 2,
		func(b []byte, v int16) { le.PutUint16(b, uint16(v)) },
		func(b []byte) int16 { return int16(le.Uint16(b)) })
	int32Codec = fixedCodec(Int32Type, 4,
		func(b []byte, v int32) { le.PutUint32(b, uint32(v)) },
		func(b []byte) int32 { return int32(le.Uint32(b)) })
	int64Codec = fixedCodec(Int64Type, 8,
		func(b []byte, v int64) { le.PutUint64(b, uint64(v)) },
		func(b []byte) int64 { return int64(le.Uint64(b)) })
	uint8Codec = fixedCodec(Uint8Type, 1,
		func(b []byte, v uint8) { b[0] = v },
		func(b []byte) uint8 { return b[0] })
	uint16Codec = fixedCodec(Uint16Type, 2,
		func(b []byte, v uint16) { le.PutUint16(b, v) },
		le.Uint16)
	uint32Codec = fixedCodec(Uint32Type, 4,
		func(b []byte, v uint32) { le.PutUint32(b, v) },
		le.Uint32)
	uint64Codec = fixedCodec(Uint64Type, 8,
		func(b []byte, v uint64) { le.PutUint64(b, v) },
		le.Uint64)
	floatCodec = fixedCodec(FloatType, 4,
		func(b []byte, v float32) { le.PutUint32(b, math.Float32bits(v)) },
		func(b []byte) float32 { return math.Float32frombits(le.Uint32(b)) })
	doubleCodec = fixedCodec(DoubleType, 8,
		func(b []byte, v float64) { le.PutUint64(b, math.Float64bits(v)) },
		func(b []byte) float64 { return math.Float64frombits(le.Uint64(b)) })
	pointCodec = fixedCodec(PointType, 8,
		func(b []byte, v Point) {
			le.PutUint32(b[0:], math.Float32bits(v.X))
			le.PutUint32(b[4:], math.Float32bits(v.Y))
		},
		func(b []byte) Point {
			return Point{math.Float32frombits(le.Uint32(b[0:])), math.Float32frombits(le.Uint32(b[4:]))}
		})
	rectCodec = fixedCodec(RectType, 16,
		func(b []byte, v Rect) {
			le.PutUint32(b[0:], math.Float32bits(v.Left))
			le.PutUint32(b[4:], math.Float32bits(v.Top))
			le.PutUint32(b[8:], math.Float32bits(v.Right))
			le.PutUint32(b[12:], math.Float32bits(v.Bottom))
		},
		func(b []byte) Rect {
			return Rect{
				Left:   math.Float32frombits(le.Uint32(b[0:])),
				Top:    math.Float32frombits(le.Uint32(b[4:])),
				Right:  math.Float32frombits(le.Uint32(b[8:])),
				Bottom: math.Float32frombits(le.Uint32(b[12:])),
			}
		})
	stringCodec = codec[string]{
		typ: StringType,
		enc: func(s string) []byte { return []byte(s) },
		dec: func(b []byte) (string, bool) { return string(b), true },
	}
	rawCodec = codec[[]byte]{
		typ: RawType,
		enc: func(b []byte) []byte { return b },
		dec: func(b []byte) ([]byte, bool) { return b, true },
	}
	messageCodec = codec[*Message]{
		typ: MessageType,
		enc: func(m *Message) []byte {
			b, err := m.Flatten()
			if err != nil {
				log.Errorf("nested message: %s", err)
				return nil
			}
			return b
		},
		dec: func(b []byte) (*Message, bool) {
			m, err := UnflattenMessage(b)
			return m, err == nil
		},
	}
	messengerCodec = codec[*Messenger]{
		typ: MessengerType,
		enc: func(m *Messenger) []byte {
			b, err := m.Flatten()
			if err != nil {
				log.Errorf("nested messenger: %s", err)
				return nil
			}
			return b
		},
		dec: func(b []byte) (*Messenger, bool) {
			m, err := UnflattenMessenger(b)
			return m, err == nil
		},
	}
)

func (m *Message) AddBool(name string, v bool) error { return addValue(m, boolCodec, name, v) }
func (m *Message) FindBool(name string, index int) (bool, error) {
	return findValue(m, boolCodec, name, index)
}
func (m *Message) ReplaceBool(name string, index int, v bool) error {
	return replaceValue(m, boolCodec, name, index, v)
}
func (m *Message) HasBool(name string, index int) bool { return m.HasData(name, BoolType, index) }

func (m *Message) AddInt8(name string, v int8) error { return addValue(m, int8Codec, name, v) }
func (m *Message) FindInt8(name string, index int) (int8, error) {
	return findValue(m, int8Codec, name, index)
}
func (m *Message) ReplaceInt8(name string, index int, v int8) error {
	return replaceValue(m, int8Codec, name, index, v)
}
func (m *Message) HasInt8(name string, index int) bool { return m.HasData(name, Int8Type, index) }

func (m *Message) AddInt16(name string, v int16) error { return addValue(m, int16Codec, name, v) }
func (m *Message) FindInt16(name string, index int) (int16, error) {
	return findValue(m, int16Codec, name, index)
}
func (m *Message) ReplaceInt16(name string, index int, v int16) error {
	return replaceValue(m, int16Codec, name, index, v)
}
func (m *Message) HasInt16(name string, index int) bool { return m.HasData(name, Int16Type, index) }

func (m *Message) AddInt32(name string, v int32) error { return addValue(m, int32Codec, name, v) }
func (m *Message) FindInt32(name string, index int) (int32, error) {
	return findValue(m, int32Codec, name, index)
}
func (m *Message) ReplaceInt32(name string, index int, v int32) error {
	return replaceValue(m, int32Codec, name, index, v)
}
func (m *Message) HasInt32(name string, index int) bool { return m.HasData(name, Int32Type, index) }

func (m *Message) AddInt64(name string, v int64) error { return addValue(m, int64Codec, name, v) }
func (m *Message) FindInt64(name string, index int) (int64, error) {
	return findValue(m, int64Codec, name, index)
}
func (m *Message) ReplaceInt64(name string, index int, v int64) error {
	return replaceValue(m, int64Codec, name, index, v)
}
func (m *Message) HasInt64(name string, index int) bool { return m.HasData(name, Int64Type, index) }

func (m *Message) AddUint8(name string, v uint8) error { return addValue(m, uint8Codec, name, v) }
func (m *Message) FindUint8(name string, index int) (uint8, error) {
	return findValue(m, uint8Codec, name, index)
}
func (m *Message) ReplaceUint8(name string, index int, v uint8) error {
	return replaceValue(m, uint8Codec, name, index, v)
}
func (m *Message) HasUint8(name string, index int) bool { return m.HasData(name, Uint8Type, index) }

func (m *Message) AddUint16(name string, v uint16) error { return addValue(m, uint16Codec, name, v) }
func (m *Message) FindUint16(name string, index int) (uint16, error) {
	return findValue(m, uint16Codec, name, index)
}
func (m *Message) ReplaceUint16(name string, index int, v uint16) error {
	return replaceValue(m, uint16Codec, name, index, v)
}
func (m *Message) HasUint16(name string, index int) bool { return m.HasData(name, Uint16Type, index) }

func (m *Message) AddUint32(name string, v uint32) error { return addValue(m, uint32Codec, name, v) }
func (m *Message) FindUint32(name string, index int) (uint32, error) {
	return findValue(m, uint32Codec, name, index)
}
func (m *Message) ReplaceUint32(name string, index int, v uint32) error {
	return replaceValue(m, uint32Codec, name, index, v)
}
func (m *Message) HasUint32(name string, index int) bool { return m.HasData(name, Uint32Type, index) }

func (m *Message) AddUint64(name string, v uint64) error { return addValue(m, uint64Codec, name, v) }
func (m *Message) FindUint64(name string, index int) (uint64, error) {
	return findValue(m, uint64Codec, name, index)
}
func (m *Message) ReplaceUint64(name string, index int, v uint64) error {
	return replaceValue(m, uint64Codec, name, index, v)
}
func (m *Message) HasUint64(name string, index int) bool { return m.HasData(name, Uint64Type, index) }

func (m *Message) AddFloat(name string, v float32) error { return addValue(m, floatCodec, name, v) }
func (m *Message) FindFloat(name string, index int) (float32, error) {
	return findValue(m, floatCodec, name, index)
}
func (m *Message) ReplaceFloat(name string, index int, v float32) error {
	return replaceValue(m, floatCodec, name, index, v)
}
func (m *Message) HasFloat(name string, index int) bool { return m.HasData(name, FloatType, index) }

func (m *Message) AddDouble(name string, v float64) error { return addValue(m, doubleCodec, name, v) }
func (m *Message) FindDouble(name string, index int) (float64, error) {
	return findValue(m, doubleCodec, name, index)
}
func (m *Message) ReplaceDouble(name string, index int, v float64) error {
	return replaceValue(m, doubleCodec, name, index, v)
}
func (m *Message) HasDouble(name string, index int) bool { return m.HasData(name, DoubleType, index) }

func (m *Message) AddString(name string, v string) error { return addValue(m, stringCodec, name, v) }
func (m *Message) FindString(name string, index int) (string, error) {
	return findValue(m, stringCodec, name, index)
}
func (m *Message) ReplaceString(name string, index int, v string) error {
	return replaceValue(m, stringCodec, name, index, v)
}
func (m *Message) HasString(name string, index int) bool { return m.HasData(name, StringType, index) }

func (m *Message) AddPoint(name string, v Point) error { return addValue(m, pointCodec, name, v) }
func (m *Message) FindPoint(name string, index int) (Point, error) {
	return findValue(m, pointCodec, name, index)
}
func (m *Message) ReplacePoint(name string, index int, v Point) error {
	return replaceValue(m, pointCodec, name, index, v)
}
func (m *Message) HasPoint(name string, index int) bool { return m.HasData(name, PointType, index) }

func (m *Message) AddRect(name string, v Rect) error { return addValue(m, rectCodec, name, v) }
func (m *Message) FindRect(name string, index int) (Rect, error) {
	return findValue(m, rectCodec, name, index)
}
func (m *Message) ReplaceRect(name string, index int, v Rect) error {
	return replaceValue(m, rectCodec, name, index, v)
}
func (m *Message) HasRect(name string, index int) bool { return m.HasData(name, RectType, index) }

// AddRaw stores an untyped byte payload.
func (m *Message) AddRaw(name string, v []byte) error { return addValue(m, rawCodec, name, v) }
func (m *Message) FindRaw(name string, index int) ([]byte, error) {
	return findValue(m, rawCodec, name, index)
}
func (m *Message) ReplaceRaw(name string, index int, v []byte) error {
	return replaceValue(m, rawCodec, name, index, v)
}
func (m *Message) HasRaw(name string, index int) bool { return m.HasData(name, RawType, index) }

// AddMessage stores a flattened copy of v.
func (m *Message) AddMessage(name string, v *Message) error {
	if v == nil {
		return ErrBadValue.With("%q: nil message", name)
	}
	b, err := v.Flatten()
	if err != nil {
		return err
	}
	return m.AddData(name, MessageType, b, false)
}

// FindMessage returns a fresh copy of the index-th nested message.
func (m *Message) FindMessage(name string, index int) (*Message, error) {
	return findValue(m, messageCodec, name, index)
}

func (m *Message) ReplaceMessage(name string, index int, v *Message) error {
	if v == nil {
		return ErrBadValue.With("%q: nil message", name)
	}
	b, err := v.Flatten()
	if err != nil {
		return err
	}
	return m.ReplaceData(name, MessageType, index, b)
}

func (m *Message) HasMessage(name string, index int) bool {
	return m.HasData(name, MessageType, index)
}

// AddMessenger stores a flattened messenger.
func (m *Message) AddMessenger(name string, v *Messenger) error {
	if v == nil {
		return ErrBadValue.With("%q: nil messenger", name)
	}
	b, err := v.Flatten()
	if err != nil {
		return err
	}
	return m.AddData(name, MessengerType, b, false)
}

// FindMessenger returns the index-th messenger. The result may be invalid if
// its target has gone away.
func (m *Message) FindMessenger(name string, index int) (*Messenger, error) {
	return findValue(m, messengerCodec, name, index)
}

func (m *Message) ReplaceMessenger(name string, index int, v *Messenger) error {
	if v == nil {
		return ErrBadValue.With("%q: nil messenger", name)
	}
	b, err := v.Flatten()
	if err != nil {
		return err
	}
	return m.ReplaceData(name, MessengerType, index, b)
}

func (m *Message) HasMessenger(name string, index int) bool {
	return m.HasData(name, MessengerType, index)
}
