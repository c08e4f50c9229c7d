package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/flexinfer/flowtest/internal/engine"
	"github.com/flexinfer/flowtest/internal/flowstore"
	"github.com/flexinfer/flowtest/internal/provider"
)

// Error codes carried in ErrorResponse.Error.
const (
	ErrCodeNotFound       = "not_found"
	ErrCodeBadRequest     = "bad_request"
	ErrCodeConflict       = "conflict"
	ErrCodeCompileFailed  = "compile_failed"
	ErrCodeInternalError  = "internal_error"
	ErrCodeServiceUnavail = "service_unavailable"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error     string         `json:"error"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

type requestIDContextKey struct{}

// RequestIDKey is the context key for the request ID.
var RequestIDKey = requestIDContextKey{}

// GetRequestID retrieves the request ID from context or request header.
func GetRequestID(ctx context.Context, r *http.Request) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok && id != "" {
		return id
	}
	return r.Header.Get("X-Request-ID")
}

var statusCodes = map[int]string{
	http.StatusNotFound:            ErrCodeNotFound,
	http.StatusBadRequest:          ErrCodeBadRequest,
	http.StatusConflict:            ErrCodeConflict,
	http.StatusUnprocessableEntity: ErrCodeCompileFailed,
	http.StatusServiceUnavailable:  ErrCodeServiceUnavail,
}

// HTTPStatusToErrorCode maps HTTP status codes to error codes.
func HTTPStatusToErrorCode(status int) string {
	if code, ok := statusCodes[status]; ok {
		return code
	}
	return ErrCodeInternalError
}

// statusFor maps a domain error to the response status.
func statusFor(err error) int {
	var ext *provider.ExternalCallError
	switch {
	case errors.Is(err, flowstore.ErrFlowNotFound),
		errors.Is(err, flowstore.ErrCaseNotFound),
		errors.Is(err, flowstore.ErrTaskNotFound),
		errors.Is(err, engine.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, flowstore.ErrFlowExists),
		errors.Is(err, engine.ErrTaskRunning):
		return http.StatusConflict
	case errors.As(err, &ext):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, message string, details map[string]any) {
	requestID := GetRequestID(r.Context(), r)
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     HTTPStatusToErrorCode(status),
		Message:   message,
		Details:   details,
		RequestID: requestID,
	})
}
