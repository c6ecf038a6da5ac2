package queue

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

// Possible task status values.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether the status permits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Media lanes. Each lane is claimed and bounded independently by the worker.
const (
	MediaTypeImage = "image"
	MediaTypeVideo = "video"
)

// EventType identifies the transition recorded by a task event.
type EventType string

// Possible event types. Requeued is distinct from Queued so consumers can
// tell crash recovery apart from a fresh submission.
const (
	EventQueued    EventType = "queued"
	EventRunning   EventType = "running"
	EventRequeued  EventType = "requeued"
	EventSucceeded EventType = "succeeded"
	EventFailed    EventType = "failed"
)

// MaxErrorMessageLen bounds the stored error message for failed tasks.
const MaxErrorMessageLen = 2000

// Task is one unit of generation work. Payload and Result are opaque to the
// queue; only the executor interprets them.
type Task struct {
	ID           string          `json:"task_id"`
	ProjectName  string          `json:"project_name"`
	TaskType     string          `json:"task_type"`
	MediaType    string          `json:"media_type"`
	ResourceID   string          `json:"resource_id"`
	ScriptFile   string          `json:"script_file,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Status       Status          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Source       string          `json:"source"`
	QueuedAt     time.Time       `json:"queued_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Event is an immutable record of a task state transition. ID is the
// resumption cursor for incremental reads: strictly increasing, never reused.
type Event struct {
	ID          int64     `json:"id"`
	TaskID      string    `json:"task_id"`
	ProjectName string    `json:"project_name"`
	Type        EventType `json:"event_type"`
	Status      Status    `json:"status"`
	Data        *Task     `json:"data,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Lease is the mutual-exclusion token held by the active worker process.
type Lease struct {
	Name       string    `json:"name"`
	OwnerID    string    `json:"owner_id"`
	LeaseUntil time.Time `json:"lease_until"`
	UpdatedAt  time.Time `json:"updated_at"`
	Online     bool      `json:"is_online"`
}

// DefaultLeaseName is the lease row used when a deployment runs one worker.
const DefaultLeaseName = "default"

// EnqueueRequest carries everything needed to submit a task.
type EnqueueRequest struct {
	ProjectName string
	TaskType    string
	MediaType   string
	ResourceID  string
	ScriptFile  string
	Payload     json.RawMessage
	Source      string
}

// EnqueueResult reports the outcome of an enqueue, including whether the
// submission was coalesced onto an already-active task for the same key.
type EnqueueResult struct {
	TaskID         string `json:"task_id"`
	Status         Status `json:"status"`
	Deduped        bool   `json:"deduped"`
	ExistingTaskID string `json:"existing_task_id,omitempty"`
}

// ListFilter narrows a task listing. Zero values mean "no filter".
type ListFilter struct {
	ProjectName string
	Status      Status
	TaskType    string
	Source      string
	Page        int
	PageSize    int
}

// TaskPage is one page of a task listing.
type TaskPage struct {
	Items    []*Task `json:"items"`
	Total    int     `json:"total"`
	Page     int     `json:"page"`
	PageSize int     `json:"page_size"`
}

// Stats aggregates task counts per status.
type Stats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}
