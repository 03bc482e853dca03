package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/flexinfer/mentatlab/services/taskflow/internal/agent"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/definitions"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/eventlog"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/orchestrator"
	"github.com/flexinfer/mentatlab/services/taskflow/pkg/types"
)

// Error codes for consistent error identification.
const (
	ErrCodeNotFound       = "not_found"
	ErrCodeUnauthorized   = "unauthorized"
	ErrCodeForbidden      = "forbidden"
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeBadRequest     = "bad_request"
	ErrCodeInvalid        = "invalid_workflow"
	ErrCodeConflict       = "conflict"
	ErrCodeInternalError  = "internal_error"
	ErrCodeServiceUnavail = "service_unavailable"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error     string                 `json:"error"`                // Short error code
	Message   string                 `json:"message"`              // Human-readable message
	Details   map[string]interface{} `json:"details,omitempty"`    // Optional additional details
	RequestID string                 `json:"request_id,omitempty"` // Request ID for correlation
}

// requestIDContextKey is the context key for request ID.
type requestIDContextKey struct{}

// RequestIDKey is the exported context key for request ID.
var RequestIDKey = requestIDContextKey{}

// GetRequestID retrieves the request ID from context or request header.
func GetRequestID(ctx context.Context, r *http.Request) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok && id != "" {
		return id
	}
	return r.Header.Get("X-Request-ID")
}

// HTTPStatusToErrorCode maps HTTP status codes to error codes.
func HTTPStatusToErrorCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusUnauthorized:
		return ErrCodeUnauthorized
	case http.StatusForbidden:
		return ErrCodeForbidden
	case http.StatusTooManyRequests:
		return ErrCodeRateLimited
	case http.StatusBadRequest:
		return ErrCodeBadRequest
	case http.StatusUnprocessableEntity:
		return ErrCodeInvalid
	case http.StatusConflict:
		return ErrCodeConflict
	case http.StatusServiceUnavailable:
		return ErrCodeServiceUnavail
	default:
		return ErrCodeInternalError
	}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, eventlog.ErrWorkflowNotFound),
		errors.Is(err, definitions.ErrDefinitionNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrInvalidWorkflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, orchestrator.ErrWorkflowTerminal),
		errors.Is(err, definitions.ErrDefinitionExists),
		errors.Is(err, agent.ErrAgentExists):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrShutdown):
		return http.StatusServiceUnavailable
	}
	var te *types.TaskError
	if errors.As(err, &te) && te.Kind == types.ErrorKindConcurrency {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeErrorResponse writes a standardized JSON error response.
func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, code string, message string, details map[string]interface{}) {
	requestID := GetRequestID(r.Context(), r)

	resp := ErrorResponse{
		Error:     code,
		Message:   message,
		Details:   details,
		RequestID: requestID,
	}

	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// AuthErrorWriter renders authentication refusals in the standard envelope.
func AuthErrorWriter(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeErrorResponse(w, r, status, HTTPStatusToErrorCode(status), message, nil)
}
