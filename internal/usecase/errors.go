package usecase

import (
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	ErrorInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrorNotFound           ErrorCode = "NOT_FOUND"
	ErrorConversationEnded  ErrorCode = "CONVERSATION_ENDED"
	ErrorConflict           ErrorCode = "CONFLICT"
	ErrorTransientUpstream  ErrorCode = "TRANSIENT_UPSTREAM"
	ErrorCapacity           ErrorCode = "CAPACITY"
	ErrorFatalConfiguration ErrorCode = "FATAL_CONFIGURATION"
	ErrorInternal           ErrorCode = "INTERNAL"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// HTTPStatus is the status an adapter should answer with. Capacity errors
// never reach callers and map to 500 like anything unexpected.
func (e *Error) HTTPStatus() int {
	if e == nil {
		return http.StatusInternalServerError
	}
	switch e.Code {
	case ErrorInvalidInput:
		return http.StatusBadRequest
	case ErrorNotFound:
		return http.StatusNotFound
	case ErrorConversationEnded, ErrorConflict:
		return http.StatusConflict
	case ErrorTransientUpstream:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
