package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"quire/api/internal/auth"
	"quire/api/internal/notify"
	"quire/api/internal/relay"
	"quire/api/internal/threads"
)

// DomainError is an error with a ready-made HTTP rendering.
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
	return &DomainError{Status: status, Code: code, Message: message, Details: details}
}

// sentinelErrors renders package errors that carry no HTTP knowledge.
var sentinelErrors = []struct {
	err     error
	status  int
	code    string
	message string
}{
	{sql.ErrNoRows, http.StatusNotFound, "NOT_FOUND", "Not found"},
	{auth.ErrInvalidToken, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized"},
	{auth.ErrExpiredToken, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized"},
	{threads.ErrInvalidRange, http.StatusUnprocessableEntity, "INVALID_RANGE", "Invalid range"},
	{threads.ErrThreadNotFound, http.StatusNotFound, "THREAD_NOT_FOUND", "Thread not found"},
	{threads.ErrCommentNotFound, http.StatusNotFound, "COMMENT_NOT_FOUND", "Comment not found"},
	{relay.ErrForbidden, http.StatusForbidden, "FORBIDDEN", "Forbidden"},
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	// the validation message names the offending field
	if errors.Is(err, notify.ErrInvalidNotification) {
		return http.StatusUnprocessableEntity, "INVALID_NOTIFICATION", err.Error(), nil
	}
	for _, known := range sentinelErrors {
		if errors.Is(err, known.err) {
			return known.status, known.code, known.message, nil
		}
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}
