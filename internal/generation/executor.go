package generation

import (
	"context"
	"encoding/json"

	"github.com/storyloom/storyloom/internal/queue"
)

// Executor runs one claimed task against the external generation services.
// This interface is the seam between the queue core and everything the
// queue treats as an opaque collaborator: prompt construction, provider
// calls, rate limiting, and artifact storage all live behind it.
// Version: 1.0
type Executor interface {
	// Execute performs the work described by the task and returns the
	// result blob stored on success. Any returned error is recorded as the
	// task's failure message; it never propagates into the scheduler loop.
	Execute(ctx context.Context, task *queue.Task) (json.RawMessage, error)
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task *queue.Task) (json.RawMessage, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, task *queue.Task) (json.RawMessage, error) {
	return f(ctx, task)
}
