// Package errors provides standardized error values for the etk kernel.
package errors

import (
	"fmt"
	"runtime"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("etk.errors")

// ErrorCategory groups errors by how callers are expected to react.
type ErrorCategory string

const (
	// CategoryContract marks programmer errors. These are raised as panics.
	CategoryContract ErrorCategory = "CONTRACT"
	// CategoryStale marks operations against destroyed or reused objects.
	CategoryStale   ErrorCategory = "STALE"
	CategoryTimeout ErrorCategory = "TIMEOUT"
	CategoryValue   ErrorCategory = "VALUE"
	CategoryConfig  ErrorCategory = "CONFIG"
	CategoryWire    ErrorCategory = "WIRE"
	CategorySystem  ErrorCategory = "SYSTEM"
)

// StandardError provides a consistent error format
type StandardError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Context  map[string]interface{}
	Caller   string
}

// Error implements the error interface
func (e *StandardError) Error() string {
	if e.Caller == "" {
		return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
	}
	return fmt.Sprintf("[%s:%s] %s (caller: %s)", e.Category, e.Code, e.Message, e.Caller)
}

// Is reports whether target is a StandardError with the same category and code.
// Message and context are ignored so sentinels match derived errors.
func (e *StandardError) Is(target error) bool {
	t, ok := target.(*StandardError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// With returns a copy of e carrying the given message and caller.
func (e *StandardError) With(format string, args ...interface{}) *StandardError {
	return &StandardError{
		Category: e.Category,
		Code:     e.Code,
		Message:  fmt.Sprintf(format, args...),
		Context:  e.Context,
		Caller:   callerName(2),
	}
}

// NewStandardError creates a new standardized error
func NewStandardError(category ErrorCategory, code, message string, context map[string]interface{}) *StandardError {
	return &StandardError{
		Category: category,
		Code:     code,
		Message:  message,
		Context:  context,
		Caller:   callerName(2),
	}
}

// Sentinel creates an error meant to be compared with errors.Is.
// It carries no caller.
func Sentinel(category ErrorCategory, code, message string) *StandardError {
	return &StandardError{Category: category, Code: code, Message: message}
}

// Fatal reports a contract violation. It never returns.
func Fatal(code, format string, args ...interface{}) {
	err := &StandardError{
		Category: CategoryContract,
		Code:     code,
		Message:  fmt.Sprintf(format, args...),
		Caller:   callerName(2),
	}
	log.Critical(err.Error())
	panic(err)
}

// IsContract reports whether a recovered panic value is a contract violation.
func IsContract(v interface{}) bool {
	e, ok := v.(*StandardError)
	return ok && e.Category == CategoryContract
}

func callerName(skip int) string {
	pc, _, _, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	if fn := runtime.FuncForPC(pc); fn != nil {
		return fn.Name()
	}
	return "unknown"
}
