package api

// Common request/response structures

// EnqueueTaskRequest defines the payload for the task submission endpoint.
// Payload is passed through to the queue untouched; the worker's executor is
// the only component that interprets it.
type EnqueueTaskRequest struct {
	ProjectName string                 `json:"project_name" validate:"required,min=1"`
	TaskType    string                 `json:"task_type"    validate:"required,min=1"`
	MediaType   string                 `json:"media_type"   validate:"required,oneof=image video"`
	ResourceID  string                 `json:"resource_id"  validate:"required,min=1"`
	ScriptFile  string                 `json:"script_file,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Source      string                 `json:"source,omitempty"`
}

// TaskEnvelope wraps a single task in the response body.
type TaskEnvelope struct {
	Task interface{} `json:"task"`
}

// StatsEnvelope wraps queue statistics in the response body.
type StatsEnvelope struct {
	Stats interface{} `json:"stats"`
}

// WorkerLeaseResponse reports the current worker lease row.
type WorkerLeaseResponse struct {
	Lease  interface{} `json:"lease"`
	Online bool        `json:"online"`
}
