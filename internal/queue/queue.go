package queue

import (
	"context"
	"encoding/json"
	"time"
)

// TaskQueue is the public enqueue/claim/complete surface over durable task
// rows. Every mutation persists the row change and its paired event in one
// atomic transaction.
// Version: 1.0
type TaskQueue interface {
	// Enqueue inserts a new queued task, or returns the already-active task
	// for the same (project, type, resource, script) key with Deduped set.
	// A queued event is appended only for a fresh insert.
	Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error)

	// ClaimNext atomically takes the oldest queued task in the given media
	// lane, marks it running, and appends a running event. It returns
	// (nil, nil) when the lane is empty. The same task is never handed to
	// two concurrent claimers.
	ClaimNext(ctx context.Context, mediaType string) (*Task, error)

	// MarkSucceeded moves the task to the succeeded terminal state, storing
	// the result. Returns ErrTaskNotFound if the task no longer exists.
	MarkSucceeded(ctx context.Context, taskID string, result json.RawMessage) (*Task, error)

	// MarkFailed moves the task to the failed terminal state, storing the
	// message truncated to MaxErrorMessageLen. Returns ErrTaskNotFound if
	// the task no longer exists.
	MarkFailed(ctx context.Context, taskID string, errorMessage string) (*Task, error)

	// RequeueRunning resets up to limit running tasks back to queued and
	// appends a requeued event for each, returning how many were recovered.
	// Crash recovery only: callers must be confident no other worker is
	// still processing those rows.
	RequeueRunning(ctx context.Context, limit int) (int, error)

	// GetTask returns the task or ErrTaskNotFound.
	GetTask(ctx context.Context, taskID string) (*Task, error)

	// ListTasks returns one page of tasks matching the filter, newest first.
	ListTasks(ctx context.Context, filter ListFilter) (*TaskPage, error)

	// Stats returns per-status counts, optionally scoped to one project.
	Stats(ctx context.Context, projectName string) (*Stats, error)

	// RecentTasks returns up to limit most recently updated tasks,
	// optionally scoped to one project. Used for stream snapshots.
	RecentTasks(ctx context.Context, projectName string, limit int) ([]*Task, error)
}

// EventLog is the incremental-read surface over the append-only event table.
// Version: 1.0
type EventLog interface {
	// EventsSince returns events with id > lastEventID in ascending id
	// order, optionally filtered to one project, capped at limit. For a
	// non-decreasing sequence of cursors it never skips and never repeats
	// an event.
	EventsSince(ctx context.Context, lastEventID int64, projectName string, limit int) ([]*Event, error)

	// LatestEventID returns the highest event id, or 0 when the log is
	// empty. Used to establish a fresh cursor at snapshot time.
	LatestEventID(ctx context.Context, projectName string) (int64, error)
}

// LeaseRegistry provides worker mutual exclusion. The lease is advisory: it
// gates whether a worker should claim, not whether storage will let it.
// Version: 1.0
type LeaseRegistry interface {
	// AcquireOrRenew grants or refreshes the named lease for ownerID when
	// the lease is free, already owned by ownerID, or expired. Safe to call
	// repeatedly as a heartbeat.
	AcquireOrRenew(ctx context.Context, name, ownerID string, ttl time.Duration) (bool, error)

	// Release deletes the lease row if ownerID still holds it.
	Release(ctx context.Context, name, ownerID string) error

	// IsOnline reports whether a non-expired lease row exists.
	IsOnline(ctx context.Context, name string) (bool, error)

	// GetLease returns the lease row with its online flag, or (nil, nil)
	// when no lease has ever been recorded under the name.
	GetLease(ctx context.Context, name string) (*Lease, error)
}

// Store combines the three storage surfaces. The embedded SQLite store
// implements all of them over one database handle.
type Store interface {
	TaskQueue
	EventLog
	LeaseRegistry
}
