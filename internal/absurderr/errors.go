// Package absurderr defines the error taxonomy shared by every layer of the
// storage engine, following the sentinel-error-plus-wrap pattern used
// throughout the teacher's storage layer (wrapDBError/wrapDBErrorf).
package absurderr

import (
	"errors"
	"fmt"
)

// Code classifies an error the way callers need to branch on it (spec §7).
type Code string

const (
	CodeInvalidArgument Code = "invalid_argument"
	CodeNotFound        Code = "not_found"
	CodeBusy            Code = "busy"
	CodeAborted         Code = "aborted_closing"
	CodeLeaderRequired  Code = "leader_required"
	CodeTimeout         Code = "timeout"
	CodeIo              Code = "io"
	CodeCorrupt         Code = "corrupt"
	CodeInternal        Code = "internal"
)

// IoKind further classifies CodeIo errors, mirroring the KV substrate's
// failure modes (spec §4.1).
type IoKind string

const (
	IoNotFound IoKind = "not_found"
	IoConflict IoKind = "conflict"
	IoQuota    IoKind = "quota"
	IoCorrupt  IoKind = "corrupt"
	IoBackend  IoKind = "backend"
)

// Error is the concrete error type returned across package boundaries.
// It wraps an underlying cause so errors.Is/errors.As still work through it.
type Error struct {
	Code    Code
	Op      string
	IoKind  IoKind // only meaningful when Code == CodeIo
	cause   error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is(err, absurderr.Aborted) match any *Error with the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.cause != nil {
		return false
	}
	return e.Code == t.Code
}

// New constructs an *Error for op, classified by code, wrapping cause.
func New(op string, code Code, cause error) *Error {
	return &Error{Op: op, Code: code, cause: cause}
}

// IoError constructs a CodeIo error with a specific IoKind.
func IoError(op string, kind IoKind, cause error) *Error {
	return &Error{Op: op, Code: CodeIo, IoKind: kind, cause: cause}
}

// sentinels for errors.Is comparisons against bare codes, e.g.
// errors.Is(err, absurderr.Aborted)
var (
	InvalidArgument = &Error{Code: CodeInvalidArgument}
	NotFound        = &Error{Code: CodeNotFound}
	Busy            = &Error{Code: CodeBusy}
	Aborted         = &Error{Code: CodeAborted}
	LeaderRequired  = &Error{Code: CodeLeaderRequired}
	Timeout         = &Error{Code: CodeTimeout}
	Corrupt         = &Error{Code: CodeCorrupt}
	Internal        = &Error{Code: CodeInternal}
)

// CodeOf extracts the Code of err if it is (or wraps) an *Error, else "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
