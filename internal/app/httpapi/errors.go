package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
)

// ErrorCode is the closed set of stable error codes the command surface
// returns. Callers should switch on Code, not parse Message.
type ErrorCode string

const (
	ErrValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrNotFound         ErrorCode = "NOT_FOUND"
	ErrConflict         ErrorCode = "CONFLICT"
	ErrStateInvalid     ErrorCode = "STATE_INVALID"
	ErrExpired          ErrorCode = "EXPIRED"
	ErrForbidden        ErrorCode = "FORBIDDEN"
	ErrRateLimited      ErrorCode = "RATE_LIMITED"
	ErrKillSwitchActive ErrorCode = "KILL_SWITCH_ACTIVE"
	ErrTimeout          ErrorCode = "TIMEOUT"
	ErrInternal         ErrorCode = "INTERNAL"
)

var codeHTTPStatus = map[ErrorCode]int{
	ErrValidationFailed: http.StatusBadRequest,
	ErrNotFound:         http.StatusNotFound,
	ErrConflict:         http.StatusConflict,
	ErrStateInvalid:     http.StatusConflict,
	ErrExpired:          http.StatusGone,
	ErrForbidden:        http.StatusForbidden,
	ErrRateLimited:      http.StatusTooManyRequests,
	ErrKillSwitchActive: http.StatusServiceUnavailable,
	ErrTimeout:          http.StatusGatewayTimeout,
	ErrInternal:         http.StatusInternalServerError,
}

// ServiceError is the structured error every command handler returns.
// It carries enough for a caller to distinguish "retry with a fresh version"
// (Conflict) from "do not retry" (ValidationFailed) without string matching.
type ServiceError struct {
	Code          ErrorCode
	Message       string
	Field         string
	Details       map[string]any
	CorrelationID string
	Err           error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error { return e.Err }

// HTTPStatus maps the error's Code to a response status, defaulting to 500
// for a code this package doesn't recognise (should not happen for a
// correctly constructed ServiceError).
func (e *ServiceError) HTTPStatus() int {
	if status, ok := codeHTTPStatus[e.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// NewServiceError constructs a ServiceError with the given code and message.
func NewServiceError(code ErrorCode, message string) *ServiceError {
	return &ServiceError{Code: code, Message: message}
}

// WithField attaches the offending field name to a validation-style error.
func (e *ServiceError) WithField(field string) *ServiceError {
	e.Field = field
	return e
}

// WithCorrelationID stamps the request's correlation id onto the error.
func (e *ServiceError) WithCorrelationID(id string) *ServiceError {
	e.CorrelationID = id
	return e
}

type errorResponse struct {
	Code          ErrorCode      `json:"code"`
	Message       string         `json:"message"`
	Field         string         `json:"field,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
}

// writeServiceError renders a ServiceError using its own HTTP status and code.
func writeServiceError(w http.ResponseWriter, svcErr *ServiceError) {
	writeJSON(w, svcErr.HTTPStatus(), errorResponse{
		Code:          svcErr.Code,
		Message:       svcErr.Message,
		Field:         svcErr.Field,
		Details:       svcErr.Details,
		CorrelationID: svcErr.CorrelationID,
	})
}

// writeError renders a plain error at the given HTTP status. If err is a
// *ServiceError it is rendered with its own code and status instead, so
// callers that don't know the error's concrete type still get the right
// response; handlers that already hold a *ServiceError should prefer
// writeServiceError directly.
func writeError(w http.ResponseWriter, status int, err error) {
	if svcErr, ok := err.(*ServiceError); ok {
		writeServiceError(w, svcErr)
		return
	}
	code := ErrInternal
	switch status {
	case http.StatusBadRequest:
		code = ErrValidationFailed
	case http.StatusNotFound:
		code = ErrNotFound
	case http.StatusConflict:
		code = ErrConflict
	case http.StatusForbidden:
		code = ErrForbidden
	case http.StatusTooManyRequests:
		code = ErrRateLimited
	case http.StatusServiceUnavailable:
		code = ErrKillSwitchActive
	case http.StatusGatewayTimeout:
		code = ErrTimeout
	case http.StatusUnauthorized:
		code = ErrForbidden
	}
	writeJSON(w, status, errorResponse{Code: code, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func tenantFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxTenantKey).(string)
	return v
}

func userFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserKey).(string)
	return v
}

func roleFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxRoleKey).(string)
	return v
}

func tokenFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxTokenKey).(string)
	return v
}
