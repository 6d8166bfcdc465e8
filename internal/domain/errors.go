package domain

import (
	"errors"
	"fmt"
)

// Error codes propagated across the agent/server boundary. These are wire
// contract: the UI translates them to human messages, so they must never be
// collapsed into free-form strings.
const (
	// Admission failures (before any AI call)
	ErrCodeCompanyNotFound = "COMPANY_NOT_FOUND"
	ErrCodeAccessPending   = "ACCESS_PENDING"
	ErrCodeAccessDenied    = "ACCESS_DENIED"
	ErrCodeTrialExpired    = "TRIAL_EXPIRED"
	ErrCodeNoAPIKey        = "NO_API_KEY"
	ErrCodeBudgetExceeded  = "BUDGET_EXCEEDED"

	// Session failures
	ErrCodeAgentDisconnected = "AGENT_DISCONNECTED"
	ErrCodeLoginFailed       = "LOGIN_FAILED"
	ErrCodeUserCancelled     = "USER_CANCELLED"
	ErrCodePageNotFound      = "PAGE_NOT_FOUND"
	ErrCodeServerError       = "SERVER_ERROR"
	ErrCodeSSLError          = "SSL_ERROR"
	ErrCodeSiteUnavailable   = "SITE_UNAVAILABLE"
	ErrCodeSessionExpired    = "SESSION_EXPIRED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeElementNotFound   = "ELEMENT_NOT_FOUND"
	ErrCodeUnknown           = "UNKNOWN"

	// Generic API errors
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeSessionInvalidated = "session_invalidated"
	ErrCodeInternal           = "INTERNAL_ERROR"
	ErrCodeNoAgentOnline      = "NO_AGENT_ONLINE"
)

// DomainError is a structured error for domain operations
type DomainError struct {
	Code    string
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is for error comparison by code
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Sentinel domain errors (used with errors.Is)
var (
	ErrNotFoundVal           = &DomainError{Code: ErrCodeNotFound, Message: "not found"}
	ErrAlreadyExistsVal      = &DomainError{Code: ErrCodeConflict, Message: "already exists"}
	ErrInvalidInputVal       = &DomainError{Code: ErrCodeValidation, Message: "invalid input"}
	ErrUnauthorizedVal       = &DomainError{Code: ErrCodeUnauthorized, Message: "unauthorized"}
	ErrSessionInvalidatedVal = &DomainError{Code: ErrCodeSessionInvalidated, Message: "api key superseded by a later registration"}
)

// NotFoundError creates a not found domain error
func NotFoundError(resource string, id any) *DomainError {
	return &DomainError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s not found: %v", resource, id),
		Details: map[string]any{"resource": resource, "id": id},
		Err:     ErrNotFoundVal,
	}
}

// ValidationError creates a validation domain error
func ValidationError(field, message string) *DomainError {
	return &DomainError{
		Code:    ErrCodeValidation,
		Message: message,
		Details: map[string]any{"field": field},
		Err:     ErrInvalidInputVal,
	}
}

// AccessDenied is an admission failure from the budget gate. Code is one of
// the admission error codes above. Distinct type so callers can pattern-match
// instead of string-inspecting.
type AccessDenied struct {
	Code      string
	CompanyID int64
	Reason    string
}

func (e *AccessDenied) Error() string {
	return fmt.Sprintf("[%s] access denied for company %d: %s", e.Code, e.CompanyID, e.Reason)
}

// BudgetExceeded means the company's remaining budget cannot cover the
// estimated cost of the next AI call. It terminates the whole session.
type BudgetExceeded struct {
	CompanyID int64
	Total     float64
	Used      float64
	Estimated float64
}

func (e *BudgetExceeded) Error() string {
	return fmt.Sprintf("[%s] company %d: used $%.6f of $%.6f, estimated $%.6f",
		ErrCodeBudgetExceeded, e.CompanyID, e.Used, e.Total, e.Estimated)
}

// IsBudgetExceeded reports whether err is (or wraps) a BudgetExceeded
func IsBudgetExceeded(err error) bool {
	var be *BudgetExceeded
	return errors.As(err, &be)
}

// IsAccessDenied reports whether err is (or wraps) an AccessDenied
func IsAccessDenied(err error) bool {
	var ad *AccessDenied
	return errors.As(err, &ad)
}

// SessionErrorCode maps an error to the code exposed on the session status
// endpoint. Budget and access errors must pass through untranslated.
func SessionErrorCode(err error) string {
	var be *BudgetExceeded
	if errors.As(err, &be) {
		return ErrCodeBudgetExceeded
	}
	var ad *AccessDenied
	if errors.As(err, &ad) {
		return ad.Code
	}
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ErrCodeUnknown
}
