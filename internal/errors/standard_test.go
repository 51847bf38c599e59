package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestStandardErrorIsMatchesCategoryAndCode(t *testing.T) {
	sentinel := Sentinel(CategoryTimeout, "TIMED_OUT", "operation timed out")
	derived := sentinel.With("lock %q after %d ms", "looper", 10)

	wrapped := fmt.Errorf("send: %w", derived)
	if !stderrors.Is(wrapped, sentinel) {
		t.Fatalf("expected wrapped derived error to match sentinel")
	}

	other := Sentinel(CategoryTimeout, "WOULD_BLOCK", "would block")
	if stderrors.Is(wrapped, other) {
		t.Fatalf("different code must not match")
	}

	if !strings.Contains(derived.Error(), "looper") {
		t.Fatalf("derived message lost: %s", derived.Error())
	}
	if derived.Caller == "" {
		t.Fatalf("expected caller to be recorded")
	}
}

func TestFatalPanicsWithContractError(t *testing.T) {
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected panic")
		}
		if !IsContract(r) {
			t.Fatalf("expected contract error, got %T", r)
		}
		if e := r.(*StandardError); e.Code != "RUN_TWICE" {
			t.Fatalf("unexpected code %s", e.Code)
		}
	}()
	Fatal("RUN_TWICE", "looper %s already running", "worker")
}

func TestNewStandardErrorRecordsCaller(t *testing.T) {
	err := NewStandardError(CategoryConfig, "BAD_KEY", "unknown key", map[string]interface{}{"key": "x"})
	if !strings.Contains(err.Caller, "TestNewStandardErrorRecordsCaller") {
		t.Fatalf("caller = %q", err.Caller)
	}
	if err.Context["key"] != "x" {
		t.Fatalf("context not preserved")
	}
}
