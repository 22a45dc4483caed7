package apperrors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can translate it without string matching.
type Kind string

const (
	KindValidation    Kind = "VALIDATION"
	KindSlotTaken     Kind = "SLOT_TAKEN"
	KindNotFound      Kind = "NOT_FOUND"
	KindStorage       Kind = "STORAGE"
	KindPoolExhausted Kind = "POOL_EXHAUSTED"
)

// Error is the error type returned by the scheduling core.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports a match for any *Error of the same kind, so the sentinels below
// work with errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrValidation    = &Error{Kind: KindValidation, Message: "invalid input"}
	ErrSlotTaken     = &Error{Kind: KindSlotTaken, Message: "slot is no longer free"}
	ErrNotFound      = &Error{Kind: KindNotFound, Message: "not found"}
	ErrStorage       = &Error{Kind: KindStorage, Message: "storage failure"}
	ErrPoolExhausted = &Error{Kind: KindPoolExhausted, Message: "no database connection available"}
)

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func SlotTaken(message string, err error) *Error {
	return &Error{Kind: KindSlotTaken, Message: message, Err: err}
}

func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

func Storage(message string, err error) *Error {
	return &Error{Kind: KindStorage, Message: message, Err: err}
}

func PoolExhausted(message string, err error) *Error {
	return &Error{Kind: KindPoolExhausted, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain. Errors that carry
// no kind are reported as storage failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStorage
}
