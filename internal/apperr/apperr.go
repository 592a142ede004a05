// Package apperr defines the orchestrator's error kinds and their HTTP and
// wire-protocol renderings. It generalizes the structured-error pattern the
// rest of the service follows: every public operation returns either a
// value or an *Error, never a bare error string, so handlers at the edges
// (HTTP, WebSocket) can render it consistently.
package apperr

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Code is one of the closed set of wire error codes from spec.md §6/§7.
type Code string

const (
	CodeValidation       Code = "VALIDATION_ERROR"
	CodeAuthRequired     Code = "AUTH_REQUIRED"
	CodeNotFound         Code = "NOT_FOUND"
	CodeConflict         Code = "CONFLICT"
	CodeUnavailable      Code = "SERVICE_UNAVAILABLE"
	CodeInternal         Code = "INTERNAL_ERROR"
	CodeMethodNotAllowed Code = "METHOD_NOT_ALLOWED"
)

// Error is a structured, HTTP- and wire-renderable error.
type Error struct {
	Code       Code
	Message    string
	HTTPStatus int
	Context    map[string]any
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// RespondJSON writes {error, message, details?} per spec.md §6.
func (e *Error) RespondJSON(c *gin.Context) {
	status := e.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	body := gin.H{"error": string(e.Code), "message": e.Message}
	if len(e.Context) > 0 {
		body["details"] = e.Context
	}
	c.JSON(status, body)
}

func Validation(message string, context map[string]any) *Error {
	return &Error{Code: CodeValidation, Message: message, HTTPStatus: http.StatusBadRequest, Context: context}
}

func AuthRequired(message string) *Error {
	if message == "" {
		message = "authentication required"
	}
	return &Error{Code: CodeAuthRequired, Message: message, HTTPStatus: http.StatusUnauthorized}
}

func NotFound(resource string) *Error {
	return &Error{Code: CodeNotFound, Message: resource + " not found", HTTPStatus: http.StatusNotFound}
}

func Conflict(message string, context map[string]any) *Error {
	return &Error{Code: CodeConflict, Message: message, HTTPStatus: http.StatusConflict, Context: context}
}

func Unavailable(message string, cause error) *Error {
	return &Error{Code: CodeUnavailable, Message: message, HTTPStatus: http.StatusServiceUnavailable, Cause: cause}
}

func Internal(message string, cause error) *Error {
	return &Error{Code: CodeInternal, Message: message, HTTPStatus: http.StatusInternalServerError, Cause: cause}
}

func MethodNotAllowed() *Error {
	return &Error{Code: CodeMethodNotAllowed, Message: "method not allowed", HTTPStatus: http.StatusMethodNotAllowed}
}

// RecoveryMiddleware converts panics into a logged INTERNAL_ERROR response
// instead of crashing the process, mirroring the teacher's gin recovery
// middleware but routed through this package's logger-aware rendering.
func RecoveryMiddleware(logf func(msg string, args ...any)) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				var cause error
				switch v := r.(type) {
				case error:
					cause = v
				default:
					cause = fmt.Errorf("%v", v)
				}
				if logf != nil {
					logf("panic recovered", "path", c.Request.URL.Path, "error", cause)
				}
				Internal("internal error", cause).RespondJSON(c)
				c.Abort()
			}
		}()
		c.Next()
	}
}
