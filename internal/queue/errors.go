package queue

import "errors"

// Common errors returned by the queue and the wait helper.
var (
	// ErrTaskNotFound is returned when the requested task id does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrWorkerOffline is returned when no unexpired worker lease exists,
	// either at enqueue time (fast-fail) or after the offline grace elapses
	// while waiting for a task.
	ErrWorkerOffline = errors.New("queue worker is offline")

	// ErrTaskFailed is returned by the wait helper when the awaited task
	// reached the failed terminal state. It wraps the stored error message.
	ErrTaskFailed = errors.New("task failed")

	// ErrWaitTimeout is returned when a task does not reach a terminal state
	// within the caller's wait timeout. The task itself keeps running.
	ErrWaitTimeout = errors.New("timed out waiting for task")
)
