package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/TimurManjosov/flaggate/internal/auth"
	"github.com/TimurManjosov/flaggate/internal/store"
)

// ErrorCode represents machine-readable error codes
type ErrorCode string

const (
	// General error codes
	ErrCodeInternal        ErrorCode = "INTERNAL_ERROR"
	ErrCodeBadRequest      ErrorCode = "BAD_REQUEST"
	ErrCodeUnauthorized    ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden       ErrorCode = "FORBIDDEN"
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrCodeConflict        ErrorCode = "CONFLICT"
	ErrCodeUpstream        ErrorCode = "UPSTREAM_ERROR"
	ErrCodeTimeout         ErrorCode = "TIMEOUT"
	ErrCodeRateLimited     ErrorCode = "RATE_LIMITED"
	ErrCodeRequestTooLarge ErrorCode = "REQUEST_TOO_LARGE"

	// Validation error codes
	ErrCodeValidation  ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidPath ErrorCode = "INVALID_PATH"
)

// conflictMessage is returned when an update still conflicts after its retry.
const conflictMessage = "Conflict updating flags. Please fetch the latest and try again."

// Upstream describes the response of the flag store that caused a failure.
type Upstream struct {
	Status int    `json:"status"`
	Body   string `json:"body,omitempty"`
}

// ErrorResponse represents a structured error response
type ErrorResponse struct {
	Error     string            `json:"error"`                // HTTP status text
	Message   string            `json:"message"`              // Human-readable description
	Code      ErrorCode         `json:"code"`                 // Machine-readable error code
	Fields    map[string]string `json:"fields,omitempty"`     // Field-level errors
	Upstream  *Upstream         `json:"upstream,omitempty"`   // Flag store response, for 502s
	RequestID string            `json:"request_id,omitempty"` // Request ID for debugging
}

// NewErrorResponse creates a new error response
func NewErrorResponse(statusCode int, code ErrorCode, message string) *ErrorResponse {
	return &ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    code,
	}
}

// WithFields adds field-level errors to the response
func (e *ErrorResponse) WithFields(fields map[string]string) *ErrorResponse {
	e.Fields = fields
	return e
}

// WithRequestID adds a request ID to the response
func (e *ErrorResponse) WithRequestID(requestID string) *ErrorResponse {
	e.RequestID = requestID
	return e
}

// writeErrorResponse writes a structured error response to the http response writer
func writeErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, errResp *ErrorResponse) {
	// Add request ID from chi middleware if available
	if reqID := middleware.GetReqID(r.Context()); reqID != "" {
		errResp.RequestID = reqID
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errResp)
}

// ValidationError creates a validation error response with field-level details
func ValidationError(w http.ResponseWriter, r *http.Request, message string, fields map[string]string) {
	errResp := NewErrorResponse(http.StatusBadRequest, ErrCodeValidation, message).
		WithFields(fields)
	writeErrorResponse(w, r, http.StatusBadRequest, errResp)
}

// BadRequestErrorWithFields creates a bad request error with field-level details
func BadRequestErrorWithFields(w http.ResponseWriter, r *http.Request, code ErrorCode, message string, fields map[string]string) {
	errResp := NewErrorResponse(http.StatusBadRequest, code, message).
		WithFields(fields)
	writeErrorResponse(w, r, http.StatusBadRequest, errResp)
}

// UnauthorizedError creates an unauthorized error response
func UnauthorizedError(w http.ResponseWriter, r *http.Request, message string) {
	errResp := NewErrorResponse(http.StatusUnauthorized, ErrCodeUnauthorized, message)
	writeErrorResponse(w, r, http.StatusUnauthorized, errResp)
}

// ForbiddenError creates a forbidden error response
func ForbiddenError(w http.ResponseWriter, r *http.Request, message string) {
	errResp := NewErrorResponse(http.StatusForbidden, ErrCodeForbidden, message)
	writeErrorResponse(w, r, http.StatusForbidden, errResp)
}

// InternalError creates an internal server error response
func InternalError(w http.ResponseWriter, r *http.Request, message string) {
	errResp := NewErrorResponse(http.StatusInternalServerError, ErrCodeInternal, message)
	writeErrorResponse(w, r, http.StatusInternalServerError, errResp)
}

// NotFoundError creates a not found error response
func NotFoundError(w http.ResponseWriter, r *http.Request, message string) {
	errResp := NewErrorResponse(http.StatusNotFound, ErrCodeNotFound, message)
	writeErrorResponse(w, r, http.StatusNotFound, errResp)
}

// ConflictError creates a conflict error response
func ConflictError(w http.ResponseWriter, r *http.Request, message string) {
	errResp := NewErrorResponse(http.StatusConflict, ErrCodeConflict, message)
	writeErrorResponse(w, r, http.StatusConflict, errResp)
}

// RequestTooLargeError creates a request entity too large error response
func RequestTooLargeError(w http.ResponseWriter, r *http.Request, message string) {
	errResp := NewErrorResponse(http.StatusRequestEntityTooLarge, ErrCodeRequestTooLarge, message)
	writeErrorResponse(w, r, http.StatusRequestEntityTooLarge, errResp)
}

// RateLimitedError creates a too many requests error response
func RateLimitedError(w http.ResponseWriter, r *http.Request) {
	errResp := NewErrorResponse(http.StatusTooManyRequests, ErrCodeRateLimited, "Rate limit exceeded, slow down")
	writeErrorResponse(w, r, http.StatusTooManyRequests, errResp)
}

// UpstreamError reports a failed call to the flag store, keeping its status
// and body.
func UpstreamError(w http.ResponseWriter, r *http.Request, remote *store.RemoteError) {
	errResp := NewErrorResponse(http.StatusBadGateway, ErrCodeUpstream, "Flag store request failed: "+remote.Op)
	errResp.Upstream = &Upstream{Status: remote.StatusCode, Body: remote.Body}
	writeErrorResponse(w, r, http.StatusBadGateway, errResp)
}

// writeStoreError maps an error from the flag repository onto a response.
// It is the only place store and auth errors become status codes.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var remote *store.RemoteError
	switch {
	case errors.Is(err, auth.ErrAuthentication):
		UnauthorizedError(w, r, err.Error())
	case errors.Is(err, store.ErrForbidden):
		ForbiddenError(w, r, "You are not allowed to change flags of this project")
	case errors.Is(err, store.ErrConflict):
		ConflictError(w, r, conflictMessage)
	case errors.Is(err, store.ErrNotFound):
		NotFoundError(w, r, "Not found")
	case errors.As(err, &remote):
		UpstreamError(w, r, remote)
	case errors.Is(err, context.DeadlineExceeded):
		errResp := NewErrorResponse(http.StatusGatewayTimeout, ErrCodeTimeout, "Request timed out")
		writeErrorResponse(w, r, http.StatusGatewayTimeout, errResp)
	default:
		InternalError(w, r, "Internal error")
	}
}
