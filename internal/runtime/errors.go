package runtime

import (
	etkerrors "github.com/etkit/etk/internal/errors"
	"github.com/etkit/etk/internal/runtime/locker"
)

// Kernel errors. Every returned error matches one of these with errors.Is.
var (
	ErrBadValue         = etkerrors.Sentinel(etkerrors.CategoryValue, "BAD_VALUE", "bad value")
	ErrBadIndex         = etkerrors.Sentinel(etkerrors.CategoryValue, "BAD_INDEX", "index out of range")
	ErrBadType          = etkerrors.Sentinel(etkerrors.CategoryValue, "BAD_TYPE", "type mismatch")
	ErrNameNotFound     = etkerrors.Sentinel(etkerrors.CategoryValue, "NAME_NOT_FOUND", "name not found")
	ErrMismatchedValues = etkerrors.Sentinel(etkerrors.CategoryValue, "MISMATCHED_VALUES", "mismatched values")
	ErrNotAllowed       = etkerrors.Sentinel(etkerrors.CategoryValue, "NOT_ALLOWED", "operation not allowed")
	ErrDuplicateReply   = etkerrors.Sentinel(etkerrors.CategoryValue, "DUPLICATE_REPLY", "message already replied to")

	ErrBadPort        = etkerrors.Sentinel(etkerrors.CategoryStale, "BAD_PORT", "target no longer exists")
	ErrBadHandler     = etkerrors.Sentinel(etkerrors.CategoryStale, "BAD_HANDLER", "handler not attached")
	ErrNoInit         = etkerrors.Sentinel(etkerrors.CategoryStale, "NO_INIT", "object not initialized")
	ErrWouldDeadlock  = etkerrors.Sentinel(etkerrors.CategorySystem, "WOULD_DEADLOCK", "send would deadlock")
	ErrAlreadyRunning = etkerrors.Sentinel(etkerrors.CategorySystem, "ALREADY_RUNNING", "already running")
	ErrWireVersion    = etkerrors.Sentinel(etkerrors.CategoryWire, "WIRE_VERSION", "unsupported wire version")
	ErrBadData        = etkerrors.Sentinel(etkerrors.CategoryWire, "BAD_DATA", "malformed flattened data")

	ErrTimedOut   = locker.ErrTimedOut
	ErrWouldBlock = locker.ErrWouldBlock
	ErrClosed     = locker.ErrClosed
)
