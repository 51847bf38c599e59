package runtime

import "fmt"

// TypeCode tags every value stored in a Message.
type TypeCode uint32

// Value type codes. AnyType is a wildcard for iteration only and is never a
// storage type.
const (
	AnyType       TypeCode = 0x414e5954 // 'ANYT'
	BoolType      TypeCode = 0x424f4f4c // 'BOOL'
	Int8Type      TypeCode = 0x42595445 // 'BYTE'
	Int16Type     TypeCode = 0x53485254 // 'SHRT'
	Int32Type     TypeCode = 0x4c4f4e47 // 'LONG'
	Int64Type     TypeCode = 0x4c4c4e47 // 'LLNG'
	Uint8Type     TypeCode = 0x55425954 // 'UBYT'
	Uint16Type    TypeCode = 0x55534854 // 'USHT'
	Uint32Type    TypeCode = 0x554c4e47 // 'ULNG'
	Uint64Type    TypeCode = 0x554c4c47 // 'ULLG'
	FloatType     TypeCode = 0x464c4f54 // 'FLOT'
	DoubleType    TypeCode = 0x44424c45 // 'DBLE'
	StringType    TypeCode = 0x43535452 // 'CSTR'
	PointType     TypeCode = 0x42504e54 // 'BPNT'
	RectType      TypeCode = 0x52454354 // 'RECT'
	PointerType   TypeCode = 0x504e5452 // 'PNTR'
	MessageType   TypeCode = 0x4d534747 // 'MSGG'
	MessengerType TypeCode = 0x4d534e47 // 'MSNG'
	RawType       TypeCode = 0x52415754 // 'RAWT'
)

func (t TypeCode) String() string { return fourCC(uint32(t)) }

// Reserved command codes. They are handled by the dispatch loop itself and
// must not be reused by application messages.
const (
	cmdQuit          uint32 = 0x5f514954 // '_QIT'
	cmdEventsPending uint32 = 0x5f455650 // '_EVP'

	QuitRequested        uint32 = 0x5f515251 // '_QRQ'
	ReadyToRun           uint32 = 0x5f525452 // '_RTR'
	Pulse                uint32 = 0x5f50554c // '_PUL'
	NoReply              uint32 = 0x5f4e5250 // '_NRP'
	Reply                uint32 = 0x5f52504c // '_RPL'
	MessageNotUnderstood uint32 = 0x5f4e554e // '_NUN'

	ObserverNoticeChange uint32 = 0x4e544348 // 'NTCH'
	cmdStartObserving    uint32 = 0x4f425354 // 'OBST'
	cmdStopObserving     uint32 = 0x4f425350 // 'OBSP'

	SetCursorCommand     uint32 = 0x5f534355 // '_SCU'
	HideCursorCommand    uint32 = 0x5f484355 // '_HCU'
	ShowCursorCommand    uint32 = 0x5f534843 // '_SHC'
	ObscureCursorCommand uint32 = 0x5f4f4355 // '_OCU'
)

// ObserverObserveAll registers an observer for every notice.
const ObserverObserveAll uint32 = 0xffffffff

// Field names carried by observer notices.
const (
	ObserveWhatChange = "be:observe_change_what"
	ObserveOrigWhat   = "be:observe_orig_what"
	observeTarget     = "be:observe_target"
)

var systemCommands = map[uint32]struct{}{
	cmdQuit: {}, cmdEventsPending: {}, QuitRequested: {}, ReadyToRun: {},
	Pulse: {}, NoReply: {}, Reply: {}, MessageNotUnderstood: {},
	ObserverNoticeChange: {}, cmdStartObserving: {}, cmdStopObserving: {},
	SetCursorCommand: {}, HideCursorCommand: {}, ShowCursorCommand: {}, ObscureCursorCommand: {},
}

// IsSystemCommand reports whether what is reserved by the kernel.
func IsSystemCommand(what uint32) bool {
	_, ok := systemCommands[what]
	return ok
}

// FourCC packs a four character code.
func FourCC(s string) uint32 {
	if len(s) != 4 {
		panic(fmt.Sprintf("runtime: four character code %q", s))
	}
	return uint32(s[0])<<24 | uint32(s[1])<<16 | uint32(s[2])<<8 | uint32(s[3])
}

func fourCC(v uint32) string {
	b := []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("0x%08x", v)
		}
	}
	return "'" + string(b) + "'"
}
