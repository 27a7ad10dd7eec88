package emergency

import (
	"errors"
	"fmt"
)

// ErrorKind groups emergency access errors so callers can map them to responses
type ErrorKind string

const (
	KindValidation   ErrorKind = "validation"
	KindState        ErrorKind = "state"
	KindExpiry       ErrorKind = "expiry"
	KindVerification ErrorKind = "verification"
	KindNotFound     ErrorKind = "not_found"
)

// Error codes
const (
	CodeInvalidRequest       = "INVALID_REQUEST"
	CodeUnknownRequester     = "UNKNOWN_REQUESTER"
	CodeUnknownPatient       = "UNKNOWN_PATIENT"
	CodeUnknownSupervisor    = "UNKNOWN_SUPERVISOR"
	CodeSupervisorNotAllowed = "SUPERVISOR_NOT_AUTHORIZED"
	CodeInvalidTransition    = "INVALID_STATE_TRANSITION"
	CodeAccessExpired        = "EMERGENCY_ACCESS_EXPIRED"
	CodeVerificationFailed   = "VERIFICATION_FAILED"
	CodeNotFound             = "EMERGENCY_ACCESS_NOT_FOUND"
)

// Error is a structured emergency access error
type Error struct {
	Kind        ErrorKind              `json:"kind"`
	Code        string                 `json:"code"`
	Message     string                 `json:"message"`
	Op          string                 `json:"op,omitempty"`
	EmergencyID string                 `json:"emergency_id,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Cause       error                  `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s: %s", e.Code, e.Kind, e.Message)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.EmergencyID != "" {
		msg += fmt.Sprintf(" (emergency_id=%s)", e.EmergencyID)
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(" (caused by: %v)", e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause of the error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error of the same kind, and the same code when the target sets one
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// WithOp records the operation and grant the error occurred in
func (e *Error) WithOp(op, emergencyID string) *Error {
	e.Op = op
	e.EmergencyID = emergencyID
	return e
}

// Sentinels for errors.Is checks by kind
var (
	ErrValidation   = &Error{Kind: KindValidation}
	ErrState        = &Error{Kind: KindState}
	ErrExpiry       = &Error{Kind: KindExpiry}
	ErrVerification = &Error{Kind: KindVerification}
	ErrNotFound     = &Error{Kind: KindNotFound}
)

// KindOf returns the kind of an emergency error anywhere in err's chain
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// NewValidationError creates a validation error
func NewValidationError(code, message string, cause error) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message, Cause: cause}
}

// NewStateError creates an error for a transition from an incompatible status
func NewStateError(from AccessStatus, attempted AuditAction) *Error {
	return &Error{
		Kind:    KindState,
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("cannot %s emergency access in status %s", attempted, from),
		Details: map[string]interface{}{"current_status": from, "attempted": attempted},
	}
}

// NewExpiryError creates an error for record access past the expiry time
func NewExpiryError(expiredAt string) *Error {
	return &Error{
		Kind:    KindExpiry,
		Code:    CodeAccessExpired,
		Message: "emergency access has expired",
		Details: map[string]interface{}{"expiry_time": expiredAt},
	}
}

// NewVerificationError creates an error for a mismatched verification code
func NewVerificationError() *Error {
	return &Error{
		Kind:    KindVerification,
		Code:    CodeVerificationFailed,
		Message: "verification code does not match",
	}
}

// NewNotFoundError creates an error for an unknown emergency id
func NewNotFoundError(emergencyID string) *Error {
	return &Error{
		Kind:        KindNotFound,
		Code:        CodeNotFound,
		Message:     "emergency access not found",
		EmergencyID: emergencyID,
	}
}

// ValidationError represents a validation error with field-specific details
type ValidationError struct {
	Field   string `json:"field"`
	Value   string `json:"value"`
	Message string `json:"message"`
}

// Error implements the error interface for ValidationError
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' with value '%s': %s", e.Field, e.Value, e.Message)
}

// ValidationErrors represents a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("multiple validation errors: %d errors found", len(e))
}

// Add adds a validation error to the collection
func (e *ValidationErrors) Add(field, value, message string) {
	*e = append(*e, ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	})
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Fields returns the names of the invalid fields
func (e ValidationErrors) Fields() []string {
	fields := make([]string, 0, len(e))
	for _, v := range e {
		fields = append(fields, v.Field)
	}
	return fields
}
