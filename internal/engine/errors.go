package engine

import (
	"errors"
	"fmt"
	"strconv"

	"allo/internal/repo"
)

type ErrorKind string

const (
	KindInvalidInput   ErrorKind = "invalid_input"
	KindNotFound       ErrorKind = "not_found"
	KindForbidden      ErrorKind = "forbidden"
	KindNotAvailable   ErrorKind = "not_available"
	KindWindowClosed   ErrorKind = "window_closed"
	KindDuplicateClaim ErrorKind = "duplicate_claim"
	KindRateLimited    ErrorKind = "rate_limited"
	KindLost           ErrorKind = "lost"
	KindConflict       ErrorKind = "conflict"
	KindUnauthorized   ErrorKind = "unauthorized"
)

// Error is a classified engine failure. None of these kinds leave partial
// state behind.
type Error struct {
	Kind    ErrorKind
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return e.Message
}

func newError(kind ErrorKind, msg string, details map[string]any) *Error {
	return &Error{Kind: kind, Message: msg, Details: details}
}

func errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of an engine error, or "" for anything else.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// notFound converts repo.ErrNotFound into a NotFound error for what.
func notFound(err error, what string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return errorf(KindNotFound, "%s not found", what)
	}
	return err
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
