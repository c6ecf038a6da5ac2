package generation

import "errors"

// Common errors returned by executors.
var (
	// ErrInvalidPayload is returned when a task payload is missing required
	// fields or cannot be parsed.
	ErrInvalidPayload = errors.New("invalid task payload")

	// ErrInvalidResponse is returned when the provider response cannot be
	// parsed or is malformed.
	ErrInvalidResponse = errors.New("invalid response from generation provider")

	// ErrContentBlocked is returned when the provider blocks the content
	// due to safety filters.
	ErrContentBlocked = errors.New("content blocked by provider safety filters")

	// ErrTransientFailure is returned for temporary provider errors that
	// might resolve on retry.
	ErrTransientFailure = errors.New("transient error during generation")

	// ErrInvalidConfig is returned when the executor configuration is
	// invalid.
	ErrInvalidConfig = errors.New("invalid executor configuration")

	// ErrUnsupportedTask is returned when no execution path exists for the
	// task's media type.
	ErrUnsupportedTask = errors.New("unsupported task media type")
)
