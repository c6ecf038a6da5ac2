package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// WaitOptions bounds a blocking wait for a task outcome. The offline grace
// is deliberately independent from the overall timeout: a worker outage is a
// different failure mode than a task that is still legitimately running.
type WaitOptions struct {
	// PollInterval is how often the task row is re-read. Defaults to 1s,
	// floored at 100ms.
	PollInterval time.Duration

	// Timeout bounds the whole wait. Zero or negative means no timeout.
	Timeout time.Duration

	// OfflineGrace is how long the worker lease may be continuously absent
	// before the wait fails with ErrWorkerOffline.
	OfflineGrace time.Duration

	// LeaseName selects which worker lease to watch. Defaults to
	// DefaultLeaseName.
	LeaseName string
}

const (
	// DefaultOfflineGrace comfortably exceeds the worker's lease TTL of 10
	// seconds, so a worker mid-restart is not mistaken for an outage.
	DefaultOfflineGrace = 20 * time.Second

	minPollInterval = 100 * time.Millisecond
)

func (o WaitOptions) withDefaults() WaitOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	} else if o.PollInterval < minPollInterval {
		o.PollInterval = minPollInterval
	}
	if o.OfflineGrace <= 0 {
		o.OfflineGrace = DefaultOfflineGrace
	}
	if o.LeaseName == "" {
		o.LeaseName = DefaultLeaseName
	}
	return o
}

// WaitOutcome is the result of a successful EnqueueAndWait.
type WaitOutcome struct {
	Enqueue *EnqueueResult
	Task    *Task
}

// Waiter is the polling convenience for synchronous callers: enqueue, then
// block until the task reaches a terminal state.
type Waiter struct {
	tasks  TaskQueue
	leases LeaseRegistry
	logger *slog.Logger
}

// NewWaiter creates a Waiter over the given queue surfaces.
func NewWaiter(tasks TaskQueue, leases LeaseRegistry, logger *slog.Logger) *Waiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Waiter{tasks: tasks, leases: leases, logger: logger}
}

// WaitForTask polls the task row until it reaches a terminal state. It
// returns ErrWaitTimeout when the timeout elapses first, and ErrWorkerOffline
// when the worker lease has been continuously absent longer than the offline
// grace. The returned task may be failed; callers inspect Status themselves.
func (w *Waiter) WaitForTask(ctx context.Context, taskID string, opts WaitOptions) (*Task, error) {
	opts = opts.withDefaults()

	start := time.Now()
	var offlineSince time.Time

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for {
		task, err := w.tasks.GetTask(ctx, taskID)
		if err != nil {
			return nil, fmt.Errorf("waiting for task %q: %w", taskID, err)
		}
		if task.Status.IsTerminal() {
			return task, nil
		}

		if opts.Timeout > 0 && time.Since(start) >= opts.Timeout {
			return nil, fmt.Errorf("%w: task %q after %s", ErrWaitTimeout, taskID, opts.Timeout)
		}

		online, err := w.leases.IsOnline(ctx, opts.LeaseName)
		if err != nil {
			return nil, fmt.Errorf("checking worker lease while waiting for task %q: %w", taskID, err)
		}
		if online {
			offlineSince = time.Time{}
		} else {
			if offlineSince.IsZero() {
				offlineSince = time.Now()
				w.logger.Debug("worker lease absent while waiting",
					"task_id", taskID,
					"lease_name", opts.LeaseName)
			} else if time.Since(offlineSince) >= opts.OfflineGrace {
				return nil, fmt.Errorf("%w: while waiting for task %q", ErrWorkerOffline, taskID)
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// EnqueueAndWait submits a task and blocks until it completes. It fast-fails
// with ErrWorkerOffline when no live lease exists, instead of queueing work
// nobody will pick up, and returns ErrTaskFailed (wrapping the stored error
// message) when the task finishes in the failed state.
func (w *Waiter) EnqueueAndWait(ctx context.Context, req EnqueueRequest, opts WaitOptions) (*WaitOutcome, error) {
	opts = opts.withDefaults()

	online, err := w.leases.IsOnline(ctx, opts.LeaseName)
	if err != nil {
		return nil, fmt.Errorf("checking worker lease before enqueue: %w", err)
	}
	if !online {
		return nil, ErrWorkerOffline
	}

	enq, err := w.tasks.Enqueue(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("enqueue task: %w", err)
	}

	w.logger.Debug("task enqueued, waiting for terminal state",
		"task_id", enq.TaskID,
		"deduped", enq.Deduped)

	task, err := w.WaitForTask(ctx, enq.TaskID, opts)
	if err != nil {
		return nil, err
	}
	if task.Status == StatusFailed {
		message := task.ErrorMessage
		if message == "" {
			message = "task failed"
		}
		return nil, fmt.Errorf("%w: %s", ErrTaskFailed, message)
	}

	return &WaitOutcome{Enqueue: enq, Task: task}, nil
}
