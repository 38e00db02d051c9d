package app

import (
	"fmt"
	"net/http"
)

// Error codes shared by the service and the HTTP error mapping.
const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeExportUnavailable = "EXPORT_UNAVAILABLE"
)

// DomainError is a failure the HTTP layer writes as-is: Status and Code go
// on the wire, Message is safe to show to users. Cause is kept for logs.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	Cause   error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches another DomainError with the same Code, so callers can test
// errors.Is(err, &DomainError{Code: CodeValidation}).
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok || e == nil || t == nil {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(format string, args ...any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, CodeValidation, fmt.Sprintf(format, args...), nil)
}
