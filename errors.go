package oauth

import (
	"fmt"
	"net/http"
)

// OAuth 2.0 error codes (RFC 6749 §5.2, RFC 7009, RFC 7591)
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeInvalidRedirectURI      = "invalid_redirect_uri"
	ErrorCodeInvalidClientMetadata   = "invalid_client_metadata"
	ErrorCodeServerError             = "server_error"
)

// Error is an OAuth 2.0 protocol error. It carries the RFC 6749 error code,
// a human-readable description safe to expose to clients, and the HTTP
// status a transport layer should render it with.
type Error struct {
	Code        string // RFC 6749 error code (e.g. "invalid_grant")
	Description string // client-safe description
	Status      int    // HTTP status code
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Response converts the error to its wire representation.
func (e *Error) Response() *ErrorResponse {
	return &ErrorResponse{
		Error:            e.Code,
		ErrorDescription: e.Description,
	}
}

// NewError creates a protocol error with an explicit HTTP status.
func NewError(code, description string, status int) *Error {
	return &Error{Code: code, Description: description, Status: status}
}

// ErrInvalidRequest indicates a malformed request or missing parameters.
// The caller can recover by retrying with corrected input.
func ErrInvalidRequest(desc string) *Error {
	return NewError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
}

// ErrInvalidClient indicates client authentication failed. Per RFC 6749 the
// description never reveals why authentication failed.
func ErrInvalidClient(desc string) *Error {
	return NewError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
}

// ErrInvalidGrant indicates the authorization code or refresh token is
// unknown, expired, consumed, reused, or bound to different parameters.
func ErrInvalidGrant(desc string) *Error {
	return NewError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
}

// ErrInvalidScope indicates the requested scope is not grantable.
func ErrInvalidScope(desc string) *Error {
	return NewError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
}

// ErrUnauthorizedClient indicates the client may not use the requested grant type.
func ErrUnauthorizedClient(desc string) *Error {
	return NewError(ErrorCodeUnauthorizedClient, desc, http.StatusBadRequest)
}

// ErrUnsupportedGrantType indicates an unknown grant_type value.
func ErrUnsupportedGrantType(desc string) *Error {
	return NewError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
}

// ErrAccessDenied indicates the resource owner or server denied the request.
func ErrAccessDenied(desc string) *Error {
	return NewError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
}

// ErrInvalidRedirectURI indicates a redirect URI that is unregistered or unsafe.
func ErrInvalidRedirectURI(desc string) *Error {
	return NewError(ErrorCodeInvalidRedirectURI, desc, http.StatusBadRequest)
}

// ErrInvalidClientMetadata indicates a registration request with invalid
// client metadata (RFC 7591 §3.2.2).
func ErrInvalidClientMetadata(desc string) *Error {
	return NewError(ErrorCodeInvalidClientMetadata, desc, http.StatusBadRequest)
}

// ErrServerError indicates a store or infrastructure failure. The description
// is generic; internal detail belongs in logs, never in the response.
func ErrServerError(desc string) *Error {
	return NewError(ErrorCodeServerError, desc, http.StatusInternalServerError)
}
