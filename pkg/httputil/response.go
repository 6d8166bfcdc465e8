package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/formscout/formscout/internal/domain"
)

// Response is the standard API envelope
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Error is the API error body
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// JSON writes a JSON response
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Response{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

// NoContent writes a 204 with an empty body (long-poll timeout result)
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// JSONError writes a JSON error response
func JSONError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// ErrorFromDomain maps a domain error onto the HTTP response. Budget and
// access failures keep their own codes and details; they are never
// collapsed into generic 4xx codes.
func ErrorFromDomain(w http.ResponseWriter, err error) {
	var be *domain.BudgetExceeded
	if errors.As(err, &be) {
		JSONError(w, http.StatusPaymentRequired, domain.ErrCodeBudgetExceeded,
			"AI budget exceeded", map[string]any{
				"company_id": be.CompanyID,
				"total":      be.Total,
				"used":       be.Used,
			})
		return
	}

	var ad *domain.AccessDenied
	if errors.As(err, &ad) {
		JSONError(w, http.StatusForbidden, ad.Code, ad.Reason, nil)
		return
	}

	var de *domain.DomainError
	if errors.As(err, &de) {
		JSONError(w, domainErrorToStatus(de), de.Code, de.Message, de.Details)
		return
	}

	JSONError(w, http.StatusInternalServerError, domain.ErrCodeInternal, "Internal server error", nil)
}

func domainErrorToStatus(err *domain.DomainError) int {
	switch err.Code {
	case domain.ErrCodeNotFound:
		return http.StatusNotFound
	case domain.ErrCodeConflict:
		return http.StatusConflict
	case domain.ErrCodeValidation:
		return http.StatusBadRequest
	case domain.ErrCodeUnauthorized, domain.ErrCodeSessionInvalidated:
		return http.StatusUnauthorized
	case domain.ErrCodeForbidden:
		return http.StatusForbidden
	case domain.ErrCodeNoAgentOnline:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// DecodeJSON decodes JSON from a request body
func DecodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return domain.ValidationError("body", "request body is required")
	}
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(v); err != nil {
		return domain.ValidationError("body", "invalid JSON: "+err.Error())
	}
	return nil
}
