// Package errs defines the classified error type shared by every layer of the engine.
// Errors carry a class that maps to how the caller is expected to react: validation and
// registration errors are collaborator bugs, dirty-state errors protect persisted state,
// action errors abort a transaction after reverting its batch, and verification errors are
// reported after a commit without undoing it.
package errs

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error.
type ErrorClass string

const (
	// ErrorClassValidation indicates a model, anchor or configuration constraint violation.
	// Raised at compose-time and never silently coerced.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassDirtyState indicates a diff targeting a resource that diverged from
	// its persisted record. Always fatal.
	ErrorClassDirtyState ErrorClass = "dirty_state"

	// ErrorClassAction indicates an action handler failure during a transaction.
	ErrorClassAction ErrorClass = "action"

	// ErrorClassVerification indicates a post-commit validation failure.
	// Committed changes are kept.
	ErrorClassVerification ErrorClass = "verification"

	// ErrorClassRegistration indicates a duplicate or missing type/action registration.
	ErrorClassRegistration ErrorClass = "registration"

	// ErrorClassGraph indicates a structural invariant violation in a node graph.
	ErrorClassGraph ErrorClass = "graph"

	// ErrorClassState indicates a failure reading or writing persisted state.
	ErrorClassState ErrorClass = "state"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the node context that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	} else if e.Operation != "" {
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.Operation)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err.Error())
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{
		Class:   class,
		Message: message,
		Err:     err,
	}
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *EngineError {
	return newError(ErrorClassValidation, message, err).WithCode(ErrCodeValidation)
}

// NewDirtyStateError creates a new dirty-state error.
func NewDirtyStateError(message string, err error) *EngineError {
	return newError(ErrorClassDirtyState, message, err).WithCode(ErrCodeDirtyResource)
}

// NewActionError creates a new action error.
func NewActionError(message string, err error) *EngineError {
	return newError(ErrorClassAction, message, err)
}

// NewVerificationError creates a new post-commit verification error.
func NewVerificationError(message string, err error) *EngineError {
	return newError(ErrorClassVerification, message, err)
}

// NewRegistrationError creates a new registration error.
func NewRegistrationError(message string, err error) *EngineError {
	return newError(ErrorClassRegistration, message, err)
}

// NewGraphError creates a new structural graph error.
func NewGraphError(message string, err error) *EngineError {
	return newError(ErrorClassGraph, message, err)
}

// NewStateError creates a new state persistence error.
func NewStateError(message string, err error) *EngineError {
	return newError(ErrorClassState, message, err)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of the first EngineError in the chain, or "" if there is none.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// CodeOf returns the code of the first EngineError in the chain, or "" if there is none.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsValidation returns true if the error is classified as a validation error.
func IsValidation(err error) bool {
	return ClassOf(err) == ErrorClassValidation
}

// IsDirtyState returns true if the error is classified as a dirty-state error.
func IsDirtyState(err error) bool {
	return ClassOf(err) == ErrorClassDirtyState
}

// IsAction returns true if the error is classified as an action error.
func IsAction(err error) bool {
	return ClassOf(err) == ErrorClassAction
}

// IsVerification returns true if the error is classified as a verification error.
func IsVerification(err error) bool {
	return ClassOf(err) == ErrorClassVerification
}

// IsRegistration returns true if the error is classified as a registration error.
func IsRegistration(err error) bool {
	return ClassOf(err) == ErrorClassRegistration
}

// IsGraph returns true if the error is classified as a graph error.
func IsGraph(err error) bool {
	return ClassOf(err) == ErrorClassGraph
}

// IsState returns true if the error is classified as a state error.
func IsState(err error) bool {
	return ClassOf(err) == ErrorClassState
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodeCycle            = "CYCLE"
	ErrCodeNoMatchingAction = "NO_MATCHING_ACTION"
	ErrCodeMissingInput     = "MISSING_INPUT"
	ErrCodeMissingOutput    = "MISSING_OUTPUT"
	ErrCodeRevertFailed     = "REVERT_FAILED"
	ErrCodeDirtyResource    = "DIRTY_RESOURCE"
	ErrCodeInvalidStage     = "INVALID_STAGE"
	ErrCodePolicyDenied     = "POLICY_DENIED"
	ErrCodeLocked           = "LOCKED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)
