package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error domains. Request errors describe malformed or refused requests; user errors
// describe conflicts with the session's user table.
const (
	DomainRequest = "request"
	DomainUser    = "user"
	DomainSession = "session"
	DomainHTTP    = "http"
)

// AppError provides a structured error that can be rendered to API consumers and to
// request-failed wire replies.
type AppError struct {
	Domain     string `json:"domain"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Internal   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}

	return e.Message
}

// Unwrap exposes the internal error for errors.Is / errors.As compatibility.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Internal
}

// Is reports whether target is an AppError of the same domain and code. Messages are
// ignored so that copies made with WithMessage still match their sentinel.
func (e *AppError) Is(target error) bool {
	if e == nil {
		return false
	}
	var other *AppError
	if !errors.As(target, &other) || other == nil {
		return false
	}
	return e.Domain == other.Domain && e.Code == other.Code
}

// WithInternal returns a copy of the AppError with an attached internal error.
func (e *AppError) WithInternal(err error) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Internal = err
	return &cpy
}

// WithMessage returns a copy of the AppError carrying a more specific message.
func (e *AppError) WithMessage(format string, args ...any) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Message = fmt.Sprintf(format, args...)
	return &cpy
}

// Request errors raised while handling user-join and other proxy requests.
var (
	ErrMissingAttribute = &AppError{
		Domain:     DomainRequest,
		Code:       "missing-attribute",
		Message:    "Request does not contain a required attribute",
		StatusCode: http.StatusBadRequest,
	}
	ErrInvalidAttribute = &AppError{
		Domain:     DomainRequest,
		Code:       "invalid-attribute",
		Message:    "Request contains an invalid attribute",
		StatusCode: http.StatusBadRequest,
	}
	// ErrIDProvided is an invalid-attribute error: user IDs are assigned by the server.
	ErrIDProvided = &AppError{
		Domain:     DomainRequest,
		Code:       "invalid-attribute",
		Message:    "\"id\" attribute provided in request",
		StatusCode: http.StatusBadRequest,
	}
	ErrNotAuthorized = &AppError{
		Domain:     DomainRequest,
		Code:       "not-authorized",
		Message:    "Permission denied",
		StatusCode: http.StatusForbidden,
	}
	ErrUnexpectedMessage = &AppError{
		Domain:     DomainRequest,
		Code:       "unexpected-message",
		Message:    "Received unexpected message",
		StatusCode: http.StatusBadRequest,
	}
)

// User table conflicts.
var (
	ErrNameInUse = &AppError{
		Domain:     DomainUser,
		Code:       "name-in-use",
		Message:    "Name already in use",
		StatusCode: http.StatusConflict,
	}
	ErrIDInUse = &AppError{
		Domain:     DomainUser,
		Code:       "id-in-use",
		Message:    "ID already in use",
		StatusCode: http.StatusConflict,
	}
	ErrNoSuchUser = &AppError{
		Domain:     DomainUser,
		Code:       "no-such-user",
		Message:    "No such user",
		StatusCode: http.StatusNotFound,
	}
	ErrNotJoined = &AppError{
		Domain:     DomainUser,
		Code:       "not-joined",
		Message:    "User did not join from this connection",
		StatusCode: http.StatusForbidden,
	}
)

// Session and subscription errors returned by the public control API.
var (
	ErrAlreadySubscribed = &AppError{
		Domain:     DomainSession,
		Code:       "already-subscribed",
		Message:    "Connection is already subscribed to the session",
		StatusCode: http.StatusConflict,
	}
	ErrNotSubscribed = &AppError{
		Domain:     DomainSession,
		Code:       "not-subscribed",
		Message:    "Connection is not subscribed to the session",
		StatusCode: http.StatusNotFound,
	}
	ErrSessionNotRunning = &AppError{
		Domain:     DomainSession,
		Code:       "not-running",
		Message:    "Session is not running",
		StatusCode: http.StatusConflict,
	}
	ErrSessionClosed = &AppError{
		Domain:     DomainSession,
		Code:       "closed",
		Message:    "Session has been closed",
		StatusCode: http.StatusGone,
	}
	ErrSyncCanceled = &AppError{
		Domain:  DomainSession,
		Code:    "sync-canceled",
		Message: "Synchronization was cancelled",
	}
	ErrSyncFailed = &AppError{
		Domain:  DomainSession,
		Code:    "sync-failed",
		Message: "Synchronization failed",
	}
)

// HTTP surface errors.
var (
	ErrUnauthorized = &AppError{
		Domain:     DomainHTTP,
		Code:       "UNAUTHORIZED",
		Message:    "Authentication required",
		StatusCode: http.StatusUnauthorized,
	}

	ErrNotFound = &AppError{
		Domain:     DomainHTTP,
		Code:       "NOT_FOUND",
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrBadRequest = &AppError{
		Domain:     DomainHTTP,
		Code:       "BAD_REQUEST",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	ErrConflict = &AppError{
		Domain:     DomainHTTP,
		Code:       "CONFLICT",
		Message:    "Resource already exists",
		StatusCode: http.StatusConflict,
	}

	ErrInternalServer = &AppError{
		Domain:     DomainHTTP,
		Code:       "INTERNAL_SERVER_ERROR",
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}
)

// New builds a new application error with the provided metadata.
func New(domain, code, message string, statusCode int) *AppError {
	return &AppError{
		Domain:     domain,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap turns any error into an AppError while keeping the original error for logging.
func Wrap(err error, message string) *AppError {
	return &AppError{
		Domain:     DomainHTTP,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Internal:   err,
	}
}

// FromError converts a generic error into an AppError, defaulting to ErrInternalServer.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return ErrInternalServer.WithInternal(err)
}

// NewBadRequest wraps validation errors with a helpful message.
func NewBadRequest(message string) *AppError {
	return ErrBadRequest.WithMessage("%s", message)
}
