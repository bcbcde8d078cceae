package poker

import (
	"errors"
	"fmt"
)

// Code is the machine-readable kind of a failed action.
type Code string

const (
	CodeNotFound             Code = "not_found"
	CodeForbidden            Code = "forbidden"
	CodeNameTaken            Code = "name_taken"
	CodeInvalidValue         Code = "invalid_value"
	CodeNotActive            Code = "not_active"
	CodeInvalidTransition    Code = "invalid_transition"
	CodeNotInSession         Code = "not_in_session"
	CodeCodeSpaceExhausted   Code = "code_space_exhausted"
	CodeFacilitatorAvailable Code = "facilitator_available"
	CodeInvalidInput         Code = "invalid_input"
	CodeInternal             Code = "internal"
)

// Error is a recoverable failure reported to the originating client only.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on Code so detailed errors compare equal to the sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

var (
	ErrNotFound             = &Error{Code: CodeNotFound, Message: "not found"}
	ErrForbidden            = &Error{Code: CodeForbidden, Message: "facilitator role required"}
	ErrNameTaken            = &Error{Code: CodeNameTaken, Message: "name already taken"}
	ErrInvalidValue         = &Error{Code: CodeInvalidValue, Message: "value not in scale"}
	ErrNotActive            = &Error{Code: CodeNotActive, Message: "story is not open for voting"}
	ErrInvalidTransition    = &Error{Code: CodeInvalidTransition, Message: "action not allowed in current state"}
	ErrNotInSession         = &Error{Code: CodeNotInSession, Message: "connection is not bound to a session"}
	ErrCodeSpaceExhausted   = &Error{Code: CodeCodeSpaceExhausted, Message: "could not allocate a session code"}
	ErrFacilitatorAvailable = &Error{Code: CodeFacilitatorAvailable, Message: "a facilitator is online"}
	ErrInvalidInput         = &Error{Code: CodeInvalidInput, Message: "invalid input"}
	ErrInternal             = &Error{Code: CodeInternal, Message: "internal error"}
)

func errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the Code of err; anything that is not an *Error is internal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
