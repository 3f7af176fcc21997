package model

import (
	"errors"
	"fmt"
)

// Transport level error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Codes raised by the approval engine.
const (
	ErrUnknownModule = "UNKNOWN_MODULE"
	ErrStageNotFound = "STAGE_NOT_FOUND"
	ErrNotAuthorized = "NOT_AUTHORIZED"
	ErrInvalidState  = "INVALID_STATE"
)

// ErrorEnvelope is the error type returned by every engine operation and
// written verbatim as the HTTP error body.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

func (e *ErrorEnvelope) Error() string { return e.Code + ": " + e.Message }

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HasCode looks through wrapping for an ErrorEnvelope with code.
func HasCode(err error, code string) bool {
	var env *ErrorEnvelope
	return errors.As(err, &env) && env.Code == code
}

func envelope(code, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: code, Message: msg}
}

func NewBadRequestError(msg string) *ErrorEnvelope { return envelope(ErrBadRequest, msg) }
func NewUnauthorizedError(msg string) *ErrorEnvelope { return envelope(ErrUnauthorized, msg) }
func NewNotFoundError(msg string) *ErrorEnvelope { return envelope(ErrNotFound, msg) }
func NewConflictError(msg string) *ErrorEnvelope { return envelope(ErrConflict, msg) }

// NewNotAuthorizedError is for an authenticated caller whose role does not
// match the stage. Unauthenticated callers get NewUnauthorizedError.
func NewNotAuthorizedError(msg string) *ErrorEnvelope { return envelope(ErrNotAuthorized, msg) }

// NewInvalidStateError covers actions on terminal workflows and on stages
// that are not currently gating.
func NewInvalidStateError(msg string) *ErrorEnvelope { return envelope(ErrInvalidState, msg) }

func NewUnknownModuleError(module string) *ErrorEnvelope {
	return envelope(ErrUnknownModule, fmt.Sprintf("no approval stages configured for module %q", module))
}

func NewStageNotFoundError(workflowID string, stageNumber int) *ErrorEnvelope {
	return envelope(ErrStageNotFound, fmt.Sprintf("workflow %s has no stage %d", workflowID, stageNumber))
}

// NewValidationError carries one FieldError per rejected input field.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	e := envelope(ErrValidationError, "One or more fields are invalid")
	e.Details = details
	return e
}

// NewInternalError hides the cause; log it before returning this.
func NewInternalError() *ErrorEnvelope {
	return envelope(ErrInternalError, "An unexpected error occurred")
}
