package hcq

import (
	"errors"
	"fmt"
)

// ErrorCode classifies the kind of failure an *Error carries, mirroring the
// closed set of error kinds a backend-agnostic runtime core can raise
// without reaching into backend-specific detail.
type ErrorCode string

const (
	ErrCodeWaitTimeout             ErrorCode = "wait_timeout"
	ErrCodeCommandKindMismatch     ErrorCode = "command_kind_mismatch"
	ErrCodeNotImplementedByBackend ErrorCode = "not_implemented_by_backend"
	ErrCodeDeviceHang              ErrorCode = "device_hang"
	ErrCodeAllocationFailed        ErrorCode = "allocation_failed"
)

// Error is the structured error type returned by every exported operation
// in this package. Op names the failing method ("Signal.Wait",
// "Queue.UpdateSignal", ...); DeviceID and QueueKind are populated when the
// failure is scoped to one device or queue. Inner, when non-nil, is the
// underlying cause (a syscall error from the mmap-backed reference backend,
// for instance).
type Error struct {
	Op        string
	DeviceID  string
	QueueKind QueueKind
	Code      ErrorCode
	Inner     error

	// WaitTimeout detail.
	Expected  uint64
	Observed  uint64
	TimeoutMs int

	// CommandKindMismatch detail.
	Index        int
	ExpectedKind CommandKind
	ActualKind   CommandKind
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeWaitTimeout:
		return fmt.Sprintf("%s: wait timeout: expected >= %d, observed %d, after %dms", e.Op, e.Expected, e.Observed, e.TimeoutMs)
	case ErrCodeCommandKindMismatch:
		return fmt.Sprintf("%s: command kind mismatch at index %d: expected %s, got %s", e.Op, e.Index, e.ExpectedKind, e.ActualKind)
	case ErrCodeNotImplementedByBackend:
		if e.Inner != nil {
			return fmt.Sprintf("%s: not implemented by backend: %v", e.Op, e.Inner)
		}
		return fmt.Sprintf("%s: not implemented by backend", e.Op)
	case ErrCodeDeviceHang:
		if e.Inner != nil {
			return fmt.Sprintf("%s: device %s hung: %v", e.Op, e.DeviceID, e.Inner)
		}
		return fmt.Sprintf("%s: device %s hung", e.Op, e.DeviceID)
	case ErrCodeAllocationFailed:
		if e.Inner != nil {
			return fmt.Sprintf("%s: allocation failed: %v", e.Op, e.Inner)
		}
		return fmt.Sprintf("%s: allocation failed", e.Op)
	default:
		if e.Inner != nil {
			return fmt.Sprintf("%s: %v", e.Op, e.Inner)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Inner }

// Is lets errors.Is(err, sentinel) match purely on Code, so callers can
// test for e.g. errors.Is(err, hcq.ErrWaitTimeout) without caring about the
// offending index, device, or inner cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinel errors usable with errors.Is. Only Code is compared.
var (
	ErrWaitTimeout             = &Error{Code: ErrCodeWaitTimeout}
	ErrCommandKindMismatch     = &Error{Code: ErrCodeCommandKindMismatch}
	ErrNotImplementedByBackend = &Error{Code: ErrCodeNotImplementedByBackend}
	ErrDeviceHang              = &Error{Code: ErrCodeDeviceHang}
	ErrAllocationFailed        = &Error{Code: ErrCodeAllocationFailed}
)

// NewError builds a generic *Error of the given code.
func NewError(op string, code ErrorCode, inner error) *Error {
	return &Error{Op: op, Code: code, Inner: inner}
}

// NewWaitTimeoutError builds a WaitTimeout error.
func NewWaitTimeoutError(op string, expected, observed uint64, timeoutMs int) *Error {
	return &Error{Op: op, Code: ErrCodeWaitTimeout, Expected: expected, Observed: observed, TimeoutMs: timeoutMs}
}

// NewCommandKindMismatchError builds a CommandKindMismatch error.
func NewCommandKindMismatchError(op string, index int, expected, actual CommandKind) *Error {
	return &Error{Op: op, Code: ErrCodeCommandKindMismatch, Index: index, ExpectedKind: expected, ActualKind: actual}
}

// NewNotImplementedError builds a NotImplementedByBackend error.
func NewNotImplementedError(op string) *Error {
	return &Error{Op: op, Code: ErrCodeNotImplementedByBackend}
}

// NewDeviceHangError builds a DeviceHang error.
func NewDeviceHangError(op, deviceID string, inner error) *Error {
	return &Error{Op: op, Code: ErrCodeDeviceHang, DeviceID: deviceID, Inner: inner}
}

// NewAllocationFailedError builds an AllocationFailed error.
func NewAllocationFailedError(op string, inner error) *Error {
	return &Error{Op: op, Code: ErrCodeAllocationFailed, Inner: inner}
}

// WrapError wraps an arbitrary error under the given op/code, for backend
// plumbing (mmap/syscall failures, I/O errors) that doesn't originate one
// of the specific constructors above.
func WrapError(op string, code ErrorCode, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Code: code, Inner: err}
}

// IsCode reports whether err is an *Error (directly or via errors.As) whose
// Code matches.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
