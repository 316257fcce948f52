package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Case-specific error codes.
const (
	ErrEmptyData           = "EMPTY_DATA"
	ErrInvalidStatus       = "INVALID_STATUS"
	ErrPatchTargetNotFound = "PATCH_TARGET_NOT_FOUND"
)

// EmptyDataMessage is the message of every EMPTY_DATA error. API consumers
// match on it literally.
const EmptyDataMessage = "Empty case data"

// ErrorEnvelope is the standard error response envelope returned by the
// portal. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error. Field is a JSON
// pointer prefixed with "#", e.g. "#/firstName".
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR. A single violation becomes
// the message itself; several are summarised the way the schema engine
// reports them at the document root.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	msg := "#: schema violation found"
	switch len(details) {
	case 0:
	case 1:
		msg = details[0].Message
	default:
		msg = fmt.Sprintf("#: %d schema violations found", len(details))
	}
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: msg,
		Details: details,
	}
}

// NewEmptyDataError returns an EMPTY_DATA error.
func NewEmptyDataError() *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrEmptyData, Message: EmptyDataMessage}
}

// NewInvalidStatusError returns an INVALID_STATUS error for a status that is
// not allowed by the case definition.
func NewInvalidStatusError(status, definitionID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidStatus,
		Message: fmt.Sprintf("status %q is not allowed for case definition %q", status, definitionID),
	}
}

// NewPatchTargetNotFoundError returns a PATCH_TARGET_NOT_FOUND error for the
// given pointer.
func NewPatchTargetNotFoundError(pointer, reason string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrPatchTargetNotFound,
		Message: fmt.Sprintf("patch target %q not found: %s", pointer, reason),
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// ErrorCode returns the envelope code carried by err, or INTERNAL_ERROR when
// err is not (and does not wrap) an *ErrorEnvelope.
func ErrorCode(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ErrInternalError
}

// IsCode reports whether err carries the given envelope code.
func IsCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}
