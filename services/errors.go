package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	ErrorTypeForbidden    ErrorType = "forbidden"
	ErrorTypeRateLimit    ErrorType = "rate_limit"
	ErrorTypeBudget       ErrorType = "budget"
	ErrorTypeConflict     ErrorType = "conflict"
	ErrorTypeStore        ErrorType = "store"
	ErrorTypeInternal     ErrorType = "internal"
)

// Authentication error codes. They are surfaced to clients as details.reason.
const (
	CodeInvalidCredentials = "invalid_credentials"
	CodeTokenExpired       = "token_expired"
	CodeTokenRevoked       = "token_revoked"
	CodeMalformedToken     = "malformed_token"
	CodeMissingToken       = "missing_token"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Code    string
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is. A target with a Code only matches errors carrying the same code.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	if e.Type != t.Type {
		return false
	}
	return t.Code == "" || e.Code == t.Code
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// NewCodedError creates a domain error carrying a machine-readable code
func NewCodedError(errType ErrorType, code, message string, err error) *DomainError {
	e := NewDomainError(errType, message, err)
	e.Code = code
	return e
}

// Domain error variables

var (
	// Not Found Errors
	ErrUserNotFound    = NewDomainError(ErrorTypeNotFound, "user not found", nil)
	ErrSessionNotFound = NewDomainError(ErrorTypeNotFound, "session not found", nil)

	// Validation Errors
	ErrInvalidInput     = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrInvalidEmail     = NewDomainError(ErrorTypeValidation, "invalid email format", nil)
	ErrInvalidRole      = NewDomainError(ErrorTypeValidation, "invalid role", nil)
	ErrNegativeUsage    = NewDomainError(ErrorTypeValidation, "usage deltas must be non-negative", nil)
	ErrInvalidLimit     = NewDomainError(ErrorTypeValidation, "budget limit must be positive", nil)
	ErrUnknownProfile   = NewDomainError(ErrorTypeValidation, "unknown budget profile", nil)
	ErrEmptyPassword    = NewDomainError(ErrorTypeValidation, "password cannot be empty", nil)
	ErrInvalidEventData = NewDomainError(ErrorTypeValidation, "invalid execution event", nil)

	// Authentication Errors
	ErrUnauthorized       = NewDomainError(ErrorTypeUnauthorized, "unauthorized", nil)
	ErrInvalidCredentials = NewCodedError(ErrorTypeUnauthorized, CodeInvalidCredentials, "invalid credentials", nil)
	ErrTokenExpired       = NewCodedError(ErrorTypeUnauthorized, CodeTokenExpired, "authentication token expired", nil)
	ErrTokenRevoked       = NewCodedError(ErrorTypeUnauthorized, CodeTokenRevoked, "authentication token revoked", nil)
	ErrAccountDisabled    = NewCodedError(ErrorTypeUnauthorized, CodeTokenRevoked, "account disabled", nil)
	ErrMalformedToken     = NewCodedError(ErrorTypeUnauthorized, CodeMalformedToken, "malformed authentication token", nil)
	ErrMissingToken       = NewCodedError(ErrorTypeUnauthorized, CodeMissingToken, "authentication token required", nil)

	// Permission Errors
	ErrForbidden               = NewDomainError(ErrorTypeForbidden, "access forbidden", nil)
	ErrInsufficientPermissions = NewDomainError(ErrorTypeForbidden, "insufficient permissions", nil)
	ErrSessionOwnerMismatch    = NewDomainError(ErrorTypeForbidden, "session belongs to another user", nil)

	// Rate Limit Errors
	ErrRateLimitExceeded = NewDomainError(ErrorTypeRateLimit, "rate limit exceeded", nil)

	// Budget Errors
	ErrBudgetExceeded = NewDomainError(ErrorTypeBudget, "budget exceeded", nil)

	// Conflict Errors
	ErrDuplicateEmail   = NewDomainError(ErrorTypeConflict, "email already exists", nil)
	ErrDuplicateSession = NewDomainError(ErrorTypeConflict, "session already started", nil)

	// Store Errors
	ErrStoreUnavailable = NewDomainError(ErrorTypeStore, "store unavailable", nil)

	// Internal Errors
	ErrInternal          = NewDomainError(ErrorTypeInternal, "internal server error", nil)
	ErrTransactionFailed = NewDomainError(ErrorTypeInternal, "transaction failed", nil)
)

// NewBudgetExceededError reports a session whose spend reached its limit
func NewBudgetExceededError(sessionID string, utilization, limit float64) *DomainError {
	return NewDomainError(ErrorTypeBudget, "budget exceeded", nil).
		WithDetail("session_id", sessionID).
		WithDetail("utilization", utilization).
		WithDetail("limit", limit)
}

// Error type checking helper functions

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return GetErrorType(err) == ErrorTypeNotFound
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return GetErrorType(err) == ErrorTypeValidation
}

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool {
	return GetErrorType(err) == ErrorTypeUnauthorized
}

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool {
	return GetErrorType(err) == ErrorTypeForbidden
}

// IsRateLimitError checks if an error is a rate limit error
func IsRateLimitError(err error) bool {
	return GetErrorType(err) == ErrorTypeRateLimit
}

// IsBudgetError checks if an error is a budget error
func IsBudgetError(err error) bool {
	return GetErrorType(err) == ErrorTypeBudget
}

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool {
	return GetErrorType(err) == ErrorTypeConflict
}

// IsStoreError checks if an error is a transient store failure
func IsStoreError(err error) bool {
	return GetErrorType(err) == ErrorTypeStore
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	return GetErrorType(err) == ErrorTypeInternal
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorCode returns the code of a domain error, or empty string
func GetErrorCode(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

// WrapStore wraps a persistence failure as a transient store error
func WrapStore(message string, err error) error {
	return NewDomainError(ErrorTypeStore, message, err)
}
