package app

import (
	"errors"
	"fmt"
	"net/http"

	"taskboard/api/internal/store"
)

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

func notFound(what string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", what+" not found", nil)
}

func forbidden(message string) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", message, nil)
}

func conflict(code, message string) *DomainError {
	return domainError(http.StatusConflict, code, message, nil)
}

func badRequest(code, message string) *DomainError {
	return domainError(http.StatusBadRequest, code, message, nil)
}

func validationError(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, details)
}

// writeFailed translates a failed versioned write. A lost race becomes 409
// STALE_WRITE so the client can reload and retry.
func writeFailed(err error, what, verb string) error {
	switch {
	case errors.Is(err, store.ErrConflict):
		return conflict("STALE_WRITE", what+" was changed by another request; reload and retry")
	case errors.Is(err, store.ErrNotFound):
		return notFound(what)
	}
	return fmt.Errorf("%s: %w", verb, err)
}

func sameState(what string, value any) *DomainError {
	return domainError(http.StatusConflict, "SAME_STATE", fmt.Sprintf("%s is already %v", what, value), nil)
}
