package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/regua/internal/ir"
)

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeInvalidContext indicates the billing context failed validation.
	ErrCodeInvalidContext ErrorCode = "INVALID_CONTEXT"

	// ErrCodeScopeMismatch indicates a contract-scoped template was paired
	// with another contract.
	ErrCodeScopeMismatch ErrorCode = "SCOPE_MISMATCH"

	// ErrCodeTimelineNotFound indicates the context was never synced.
	ErrCodeTimelineNotFound ErrorCode = "TIMELINE_NOT_FOUND"

	// ErrCodeEventNotFound indicates the event id or external id is unknown.
	ErrCodeEventNotFound ErrorCode = "EVENT_NOT_FOUND"

	// ErrCodeEventNotScheduled indicates the event already reached a
	// terminal status.
	ErrCodeEventNotScheduled ErrorCode = "EVENT_NOT_SCHEDULED"

	// ErrCodeNotDue indicates an outcome was reported before the event's
	// scheduled instant.
	ErrCodeNotDue ErrorCode = "NOT_DUE"

	// ErrCodeOverrideNotFound indicates there is no override to clear.
	ErrCodeOverrideNotFound ErrorCode = "OVERRIDE_NOT_FOUND"

	// ErrCodeInvalidOutcome indicates an outcome status other than sent or failed.
	ErrCodeInvalidOutcome ErrorCode = "INVALID_OUTCOME"
)

// Error is a structured engine error.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// ContextKey identifies the affected timeline.
	ContextKey string

	// EventID identifies the affected event, if any.
	EventID string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.ContextKey != "" && e.EventID != "":
		return fmt.Sprintf("%s: %s (context=%s, event=%s)", e.Code, e.Message, e.ContextKey, ir.ShortID(e.EventID))
	case e.ContextKey != "":
		return fmt.Sprintf("%s: %s (context=%s)", e.Code, e.Message, e.ContextKey)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsInvalidContext reports whether err is an INVALID_CONTEXT error.
func IsInvalidContext(err error) bool { return CodeOf(err) == ErrCodeInvalidContext }

// IsScopeMismatch reports whether err is a SCOPE_MISMATCH error.
func IsScopeMismatch(err error) bool { return CodeOf(err) == ErrCodeScopeMismatch }

// IsTimelineNotFound reports whether err is a TIMELINE_NOT_FOUND error.
func IsTimelineNotFound(err error) bool { return CodeOf(err) == ErrCodeTimelineNotFound }

// IsEventNotFound reports whether err is an EVENT_NOT_FOUND error.
func IsEventNotFound(err error) bool { return CodeOf(err) == ErrCodeEventNotFound }

// IsEventNotScheduled reports whether err is an EVENT_NOT_SCHEDULED error.
func IsEventNotScheduled(err error) bool { return CodeOf(err) == ErrCodeEventNotScheduled }

// IsNotDue reports whether err is a NOT_DUE error.
func IsNotDue(err error) bool { return CodeOf(err) == ErrCodeNotDue }

func invalidContext(key string, err error) *Error {
	return &Error{Code: ErrCodeInvalidContext, Message: err.Error(), ContextKey: key, Err: err}
}

func timelineNotFound(key string, err error) *Error {
	return &Error{Code: ErrCodeTimelineNotFound, Message: "timeline not found", ContextKey: key, Err: err}
}

func eventNotFound(key, eventID string) *Error {
	return &Error{Code: ErrCodeEventNotFound, Message: "event not found", ContextKey: key, EventID: eventID}
}

func eventNotScheduled(key string, ev ir.ScheduledEvent) *Error {
	return &Error{
		Code:       ErrCodeEventNotScheduled,
		Message:    fmt.Sprintf("event is %s", ev.Status),
		ContextKey: key,
		EventID:    ev.ID,
	}
}
