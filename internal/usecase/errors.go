package usecase

import "fmt"

type ErrorCode string

const (
	ErrorInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrorInvalidState   ErrorCode = "INVALID_STATE"
	ErrorNotFound       ErrorCode = "NOT_FOUND"
	ErrorForbidden      ErrorCode = "FORBIDDEN"
	ErrorConflict       ErrorCode = "CONFLICT"
	ErrorRateLimited    ErrorCode = "RATE_LIMITED"
	ErrorUpstream       ErrorCode = "UPSTREAM_ERROR"
	ErrorPersistence    ErrorCode = "PERSISTENCE_ERROR"
	ErrorInternal       ErrorCode = "INTERNAL_ERROR"
	ErrorTurnInProgress ErrorCode = "TURN_IN_PROGRESS"
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

// NewTurnInProgressError is returned by the boundary when a session's turn
// lock is already held.
func NewTurnInProgressError(err error) *Error {
	return newError(ErrorTurnInProgress, "turn_in_progress", err)
}
