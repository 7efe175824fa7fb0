package app

import (
	"errors"
	"fmt"
	"net/http"

	"docsync/live/internal/auth"
	"docsync/live/internal/collab"
	"docsync/live/internal/export"
	"docsync/live/internal/gitrepo"
	"docsync/live/internal/store"
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var persistErr *store.PersistenceError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, gitrepo.ErrRevisionNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, collab.ErrNoSession), errors.Is(err, collab.ErrNotAttached):
		return http.StatusConflict, "NO_SESSION", "Document has no live session", nil
	case errors.Is(err, collab.ErrClosed):
		return http.StatusServiceUnavailable, "SHUTTING_DOWN", "Server is shutting down", nil
	case errors.Is(err, auth.ErrMissingCredentials):
		return http.StatusUnauthorized, "MISSING_CREDENTIALS", "Missing credentials", nil
	case errors.Is(err, auth.ErrRejected),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusBadRequest, "UNSUPPORTED_FORMAT", "Unsupported export format", nil
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", err.Error(), nil
	case errors.As(err, &persistErr):
		return http.StatusBadGateway, "PERSISTENCE_FAILED", "Document store request failed", map[string]any{
			"op":     persistErr.Op,
			"status": persistErr.Status,
		}
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
