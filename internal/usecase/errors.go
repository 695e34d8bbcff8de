package usecase

import (
	"errors"
	"fmt"

	"conversation-engine/internal/domain"
)

type ErrorCode string

const (
	ErrorAuthentication ErrorCode = "AUTHENTICATION_ERROR"
	ErrorValidation     ErrorCode = "VALIDATION_ERROR"
	ErrorNotFound       ErrorCode = "NOT_FOUND"
	ErrorConflict       ErrorCode = "CONFLICT"
	ErrorTransientStore ErrorCode = "TRANSIENT_STORE_ERROR"
	ErrorDelivery       ErrorCode = "DELIVERY_ERROR"
	ErrorInternal       ErrorCode = "INTERNAL_ERROR"
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

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// storeError classifies an unexpected store failure. Throttling and timeouts
// are transient: every write is conditional or idempotent, so the whole
// operation may be retried.
func storeError(reason string, err error) *Error {
	if errors.Is(err, domain.ErrThrottled) {
		return newError(ErrorTransientStore, reason, err)
	}
	return newError(ErrorInternal, reason, err)
}

// hasCode reports whether err is a usecase error with the given code.
func hasCode(err error, code ErrorCode) bool {
	var ue *Error
	return errors.As(err, &ue) && ue.Code == code
}
