// Package errors defines the structured error taxonomy shared by the auth server and the gateway.
// Every error carries a stable six-digit application code, an HTTP status and a category that
// decides how it is logged and whether a dependency failure is retried.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ================================================================================
// Codes and Categories
// ================================================================================

// ErrorCode is the stable application code returned in the response envelope.
type ErrorCode string

const (
	CodeSuccess ErrorCode = "000000"

	CodeGatewayError       ErrorCode = "010000"
	CodeSystemUnavailable  ErrorCode = "010001"
	CodeGatewayTimeout     ErrorCode = "010002"
	CodeRouteNotFound      ErrorCode = "010404"
	CodeServiceUnavailable ErrorCode = "010503"

	CodeCredentialsEmpty ErrorCode = "011000"
	CodeBadCredentials   ErrorCode = "012000"
	CodeSubjectNotFound  ErrorCode = "012001"
	CodeSubjectInactive  ErrorCode = "012002"
	CodeSubjectLocked    ErrorCode = "012003"
	CodeSubjectDeleted   ErrorCode = "012004"

	CodeTokenInvalid          ErrorCode = "013000"
	CodeTokenRejected         ErrorCode = "013001"
	CodeTokenSignatureInvalid ErrorCode = "013002"
	CodeTokenRevoked          ErrorCode = "013003"
	CodeTokenMissing          ErrorCode = "013004"

	CodePermissionDenied ErrorCode = "014000"
	CodeRateLimited      ErrorCode = "015000"

	CodeSystemError   ErrorCode = "050000"
	CodeParamRequired ErrorCode = "051001"
)

// Category groups codes by how callers and operators react to them.
type Category string

const (
	CategoryConfiguration  Category = "configuration"
	CategoryValidation     Category = "validation"
	CategoryAuthentication Category = "authentication"
	CategoryAuthorization  Category = "authorization"
	CategoryDependency     Category = "dependency"
	CategoryNotFound       Category = "not_found"
	CategoryInternal       Category = "internal"
)

// MessageBadCredentials is shared by every lookup failure so callers cannot tell
// an unknown subject from a wrong password.
const MessageBadCredentials = "wrong username or password"

// MessageTokenRejected is the single message the gateway returns for any failed admission.
const MessageTokenRejected = "token verification failed"

// ================================================================================
// AtlasError Interface
// ================================================================================

// AtlasError represents a structured error with additional metadata
type AtlasError interface {
	error

	// Code returns the application error code
	Code() ErrorCode

	// HTTPStatus returns the HTTP status code
	HTTPStatus() int

	// Category returns the taxonomy bucket of the error
	Category() Category

	// Message returns the caller-safe message
	Message() string

	// Unwrap returns the underlying error for error chain support
	Unwrap() error

	// WithCause returns a copy carrying the given cause
	WithCause(cause error) AtlasError

	// WithMetadata returns a copy carrying an extra metadata entry
	WithMetadata(key string, value interface{}) AtlasError

	// Metadata returns all metadata
	Metadata() map[string]interface{}
}

// ================================================================================
// Base Error Implementation
// ================================================================================

type baseError struct {
	code       ErrorCode
	httpStatus int
	category   Category
	message    string
	cause      error
	metadata   map[string]interface{}
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *baseError) Code() ErrorCode    { return e.code }
func (e *baseError) HTTPStatus() int    { return e.httpStatus }
func (e *baseError) Category() Category { return e.category }
func (e *baseError) Message() string    { return e.message }
func (e *baseError) Unwrap() error      { return e.cause }

// Is reports code equality so errors.Is works against the predefined constructors.
func (e *baseError) Is(target error) bool {
	var t AtlasError
	if !stderrors.As(target, &t) {
		return false
	}
	return t.Code() == e.code
}

func (e *baseError) clone() *baseError {
	c := *e
	c.metadata = make(map[string]interface{}, len(e.metadata))
	for k, v := range e.metadata {
		c.metadata[k] = v
	}
	return &c
}

func (e *baseError) WithCause(cause error) AtlasError {
	c := e.clone()
	c.cause = cause
	return c
}

func (e *baseError) WithMetadata(key string, value interface{}) AtlasError {
	c := e.clone()
	c.metadata[key] = value
	return c
}

func (e *baseError) Metadata() map[string]interface{} {
	return e.metadata
}

// NewError creates a new AtlasError.
func NewError(code ErrorCode, httpStatus int, category Category, message string) AtlasError {
	return &baseError{
		code:       code,
		httpStatus: httpStatus,
		category:   category,
		message:    message,
		metadata:   make(map[string]interface{}),
	}
}

// ================================================================================
// Predefined Errors
// ================================================================================

// ErrSystemUnavailable reports a missing or unusable signing key or other boot-time configuration.
func ErrSystemUnavailable(message string) AtlasError {
	return NewError(CodeSystemUnavailable, http.StatusServiceUnavailable, CategoryConfiguration, message)
}

func ErrCredentialsEmpty() AtlasError {
	return NewError(CodeCredentialsEmpty, http.StatusBadRequest, CategoryValidation, "username and password are required")
}

func ErrBadCredentials() AtlasError {
	return NewError(CodeBadCredentials, http.StatusUnauthorized, CategoryAuthentication, MessageBadCredentials)
}

func ErrSubjectNotFound() AtlasError {
	return NewError(CodeSubjectNotFound, http.StatusUnauthorized, CategoryAuthentication, MessageBadCredentials)
}

func ErrSubjectInactive() AtlasError {
	return NewError(CodeSubjectInactive, http.StatusForbidden, CategoryAuthentication, "account is not active")
}

func ErrSubjectLocked() AtlasError {
	return NewError(CodeSubjectLocked, http.StatusForbidden, CategoryAuthentication, "account is locked")
}

func ErrSubjectDeleted() AtlasError {
	return NewError(CodeSubjectDeleted, http.StatusUnauthorized, CategoryAuthentication, MessageBadCredentials)
}

func ErrTokenInvalid() AtlasError {
	return NewError(CodeTokenInvalid, http.StatusUnauthorized, CategoryAuthentication, "token is invalid")
}

// ErrTokenRejected is the uniform gateway admission failure.
func ErrTokenRejected() AtlasError {
	return NewError(CodeTokenRejected, http.StatusUnauthorized, CategoryAuthentication, MessageTokenRejected)
}

func ErrTokenSignatureInvalid() AtlasError {
	return NewError(CodeTokenSignatureInvalid, http.StatusUnauthorized, CategoryAuthentication, "token signature is invalid")
}

func ErrTokenRevoked() AtlasError {
	return NewError(CodeTokenRevoked, http.StatusUnauthorized, CategoryAuthentication, "token has been revoked")
}

func ErrTokenMissing() AtlasError {
	return NewError(CodeTokenMissing, http.StatusUnauthorized, CategoryAuthentication, "token is required")
}

func ErrPermissionDenied(message string) AtlasError {
	return NewError(CodePermissionDenied, http.StatusForbidden, CategoryAuthorization, message)
}

func ErrRateLimited() AtlasError {
	return NewError(CodeRateLimited, http.StatusTooManyRequests, CategoryValidation, "too many requests")
}

func ErrParamRequired(param string) AtlasError {
	return NewError(CodeParamRequired, http.StatusBadRequest, CategoryValidation, fmt.Sprintf("parameter %s is required", param)).
		WithMetadata("param", param)
}

func ErrInvalidRequest(message string) AtlasError {
	return NewError(CodeParamRequired, http.StatusBadRequest, CategoryValidation, message)
}

func ErrSystem() AtlasError {
	return NewError(CodeSystemError, http.StatusInternalServerError, CategoryInternal, "system error")
}

// ErrDependency marks an unreachable identity provider, cache or issuer.
func ErrDependency(component string) AtlasError {
	return NewError(CodeSystemUnavailable, http.StatusServiceUnavailable, CategoryDependency, "service temporarily unavailable").
		WithMetadata("component", component)
}

func ErrRouteNotFound() AtlasError {
	return NewError(CodeRouteNotFound, http.StatusNotFound, CategoryNotFound, "route not found")
}

func ErrUpstreamUnavailable() AtlasError {
	return NewError(CodeServiceUnavailable, http.StatusServiceUnavailable, CategoryDependency, "service unavailable")
}

func ErrUpstreamTimeout() AtlasError {
	return NewError(CodeGatewayTimeout, http.StatusGatewayTimeout, CategoryDependency, "upstream timeout")
}

func ErrGateway() AtlasError {
	return NewError(CodeGatewayError, http.StatusInternalServerError, CategoryInternal, "gateway error")
}

// ================================================================================
// Helpers
// ================================================================================

// AsAtlasError extracts an AtlasError from the chain.
func AsAtlasError(err error) (AtlasError, bool) {
	var ae AtlasError
	if stderrors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// FromError converts any error into an AtlasError, hiding non-atlas causes behind 050000.
func FromError(err error) AtlasError {
	if err == nil {
		return nil
	}
	if ae, ok := AsAtlasError(err); ok {
		return ae
	}
	return ErrSystem().WithCause(err)
}

// HasCode reports whether err carries the given application code.
func HasCode(err error, code ErrorCode) bool {
	ae, ok := AsAtlasError(err)
	return ok && ae.Code() == code
}

// IsAuthenticationError reports whether err is a caller authentication failure.
func IsAuthenticationError(err error) bool {
	ae, ok := AsAtlasError(err)
	return ok && ae.Category() == CategoryAuthentication
}

// IsDependencyError reports whether err came from an unreachable collaborator.
func IsDependencyError(err error) bool {
	ae, ok := AsAtlasError(err)
	return ok && ae.Category() == CategoryDependency
}

// Severity is the log level an error should be reported at.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityError
)

// SeverityOf maps categories to log severity. Validation stays below error level;
// authentication failures are routine traffic.
func SeverityOf(err error) Severity {
	ae, ok := AsAtlasError(err)
	if !ok {
		return SeverityError
	}
	switch ae.Category() {
	case CategoryAuthentication, CategoryAuthorization, CategoryNotFound:
		return SeverityInfo
	case CategoryValidation:
		return SeverityWarn
	default:
		return SeverityError
	}
}
