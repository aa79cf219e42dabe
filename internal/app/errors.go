package app

import (
	"fmt"
	"net/http"
)

// DomainError is rendered by writeError with its own status and code.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// validationError reports per-field problems as a 422. It returns nil when
// fields is empty so callers can return it directly.
func validationError(message string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, fields)
}
