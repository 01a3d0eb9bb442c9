package errors

import (
	"errors"
	"fmt"
)

// Error types for different domains
type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeBusiness     ErrorType = "business"
	ErrorTypeInternal     ErrorType = "internal"
	ErrorTypeExternal     ErrorType = "external"
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	ErrorTypeForbidden    ErrorType = "forbidden"
	ErrorTypeConflict     ErrorType = "conflict"
	ErrorTypeConsent      ErrorType = "consent"
	ErrorTypePrivacy      ErrorType = "privacy"
	ErrorTypeIntegrity    ErrorType = "integrity"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	Retryable  bool                   `json:"retryable"`
	StatusCode int                    `json:"status_code"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// Error constructors
func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 400,
	}
}

func NewBusinessError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeBusiness,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 422,
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       "RESOURCE_NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		Retryable:  false,
		StatusCode: 404,
	}
}

func NewUnauthorizedError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeUnauthorized,
		Code:       "UNAUTHORIZED",
		Message:    message,
		Retryable:  false,
		StatusCode: 401,
	}
}

func NewForbiddenError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeForbidden,
		Code:       "FORBIDDEN",
		Message:    message,
		Retryable:  false,
		StatusCode: 403,
	}
}

func NewConflictError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       "CONFLICT",
		Message:    message,
		Retryable:  false,
		StatusCode: 409,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Retryable:  true,
		StatusCode: 500,
	}
}

func NewExternalError(service, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       "EXTERNAL_SERVICE_ERROR",
		Message:    fmt.Sprintf("%s service error: %s", service, message),
		Retryable:  true,
		StatusCode: 502,
		Details:    map[string]interface{}{"service": service},
	}
}

// NewConsentError reports a consent gate violation (revoked, expired,
// out-of-scope). Never retryable.
func NewConsentError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConsent,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 403,
	}
}

// NewPrivacyError reports a privacy budget or anonymity violation.
func NewPrivacyError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypePrivacy,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 403,
	}
}

// NewIntegrityError reports audit chain or signature corruption.
func NewIntegrityError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeIntegrity,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 500,
	}
}

func NewRateLimitError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeForbidden,
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    message,
		Retryable:  true,
		StatusCode: 429,
	}
}

// Predefined common errors
var (
	ErrInvalidInput         = NewValidationError("INVALID_INPUT", "Invalid input provided")
	ErrContractNotFound     = NewNotFoundError("consent contract")
	ErrBudgetNotFound       = NewNotFoundError("privacy risk budget")
	ErrCapsuleNotFound      = NewNotFoundError("time capsule")
	ErrReceiptNotFound      = NewNotFoundError("audit receipt")
	ErrConsentRevoked       = NewConsentError("CONSENT_REVOKED", "Consent contract has been revoked")
	ErrConsentExpired       = NewConsentError("CONSENT_EXPIRED", "Consent contract validity window has passed")
	ErrScopeViolation       = NewConsentError("SCOPE_VIOLATION", "Requested fields exceed the granted consent scope")
	ErrBudgetExhausted      = NewPrivacyError("BUDGET_EXHAUSTED", "Privacy risk budget has insufficient remaining allocation")
	ErrBudgetNotLocked      = NewPrivacyError("BUDGET_NOT_LOCKED", "Privacy risk budget must be locked before consumption")
	ErrCohortTooSmall       = NewPrivacyError("COHORT_TOO_SMALL", "Cohort size is below the anonymity threshold")
	ErrLinkageRisk          = NewPrivacyError("LINKAGE_RISK", "Query pattern exceeds the linkage risk limit")
	ErrNonceReused          = &AppError{Type: ErrorTypeConflict, Code: "NONCE_REUSED", Message: "Nonce has already been used", StatusCode: 409}
	ErrConcurrentModification = &AppError{Type: ErrorTypeConflict, Code: "CONCURRENT_MODIFICATION", Message: "Resource was modified concurrently", Retryable: true, StatusCode: 409}
	ErrPlanSignatureInvalid = NewIntegrityError("PLAN_SIGNATURE_INVALID", "Query plan signature verification failed")
	ErrChainBreak           = NewIntegrityError("CHAIN_BREAK", "Audit receipt chain integrity violation")
)

// Wrap wraps an error with a message using fmt.Errorf with %w
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// Code extracts the error code from an error, or "INTERNAL_ERROR" when
// the error carries no code. Used by the policy evaluator to map any
// failure onto a deny reason.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return "INTERNAL_ERROR"
}

// GetStatusCode extracts HTTP status code from error
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 500
}
