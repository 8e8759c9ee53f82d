package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"dissolve/api/internal/auth"
	"dissolve/api/internal/csvio"
	"dissolve/api/internal/identity"
	"dissolve/api/internal/lock"
	"dissolve/api/internal/store"
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

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, identity.ErrUserNotFound):
		return http.StatusNotFound, "USER_NOT_FOUND", err.Error(), nil
	case errors.Is(err, identity.ErrUnknownGroup):
		return http.StatusUnprocessableEntity, "UNKNOWN_GROUP", err.Error(), nil
	case errors.Is(err, lock.ErrBusy):
		return http.StatusConflict, "OPERATION_IN_PROGRESS", "Another operation of this kind is running", nil
	case errors.Is(err, csvio.ErrEmptyFile), errors.Is(err, csvio.ErrMissingColumns):
		return http.StatusBadRequest, "INVALID_CSV", err.Error(), nil
	case errors.Is(err, store.ErrInvalidFilter), errors.Is(err, store.ErrInvalidToken):
		return http.StatusBadRequest, "INVALID_QUERY", err.Error(), nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
