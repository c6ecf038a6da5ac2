package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/storyloom/storyloom/internal/queue"
)

// MapErrorToStatusCode maps internal errors to HTTP status codes. Unknown
// errors become 500 so internals never leak through the status.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, queue.ErrTaskNotFound):
		return http.StatusNotFound

	case errors.Is(err, queue.ErrWorkerOffline):
		return http.StatusServiceUnavailable

	case errors.Is(err, queue.ErrWaitTimeout):
		return http.StatusGatewayTimeout

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a client-facing message for an internal error.
func GetSafeErrorMessage(err error) string {
	switch {
	case err == nil:
		return "An unexpected error occurred"

	case errors.Is(err, queue.ErrTaskNotFound):
		return "Task not found"

	case errors.Is(err, queue.ErrWorkerOffline):
		return "No generation worker is online"

	case errors.Is(err, queue.ErrWaitTimeout):
		return "Timed out waiting for task completion"

	case errors.Is(err, queue.ErrTaskFailed):
		// The stored failure message is operator-authored, not internal.
		return err.Error()

	default:
		return "An unexpected error occurred"
	}
}

// SanitizeValidationError converts a validator error into a user-friendly
// message without leaking struct internals.
func SanitizeValidationError(err error) string {
	errMsg := err.Error()

	// Example format: "Key: 'EnqueueTaskRequest.MediaType' Error:Field
	// validation for 'MediaType' failed on the 'oneof' tag"
	if strings.Contains(errMsg, "Field validation") {
		parts := strings.Split(errMsg, "Error:")
		if len(parts) >= 2 {
			fieldParts := strings.Split(parts[1], "'")
			if len(fieldParts) >= 3 {
				field := fieldParts[1]
				var tag string
				if len(fieldParts) >= 5 {
					tag = fieldParts[3]
				}
				if tag != "" {
					return fmt.Sprintf("Invalid %s: %s", field, validationTagMessage(tag))
				}
				return fmt.Sprintf("Invalid %s", field)
			}
		}
	}

	return "Validation error"
}

func validationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "min":
		return "too short"
	case "max":
		return "too long"
	case "oneof":
		return "invalid value"
	default:
		return "validation failed"
	}
}
