package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/storyloom/storyloom/internal/api/shared"
	"github.com/storyloom/storyloom/internal/platform/logger"
	"github.com/storyloom/storyloom/internal/queue"
)

// TaskHandler handles task submission, lookup, listing and stats requests.
type TaskHandler struct {
	tasks  queue.TaskQueue
	leases queue.LeaseRegistry
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(tasks queue.TaskQueue, leases queue.LeaseRegistry) *TaskHandler {
	return &TaskHandler{
		tasks:  tasks,
		leases: leases,
	}
}

// EnqueueTask handles POST /api/tasks requests. A fresh submission returns
// 202 Accepted; a submission coalesced onto an already-active task for the
// same key returns 200 with deduped=true.
func (h *TaskHandler) EnqueueTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req EnqueueTaskRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	var payload json.RawMessage
	if req.Payload != nil {
		raw, err := json.Marshal(req.Payload)
		if err != nil {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid payload")
			return
		}
		payload = raw
	}

	result, err := h.tasks.Enqueue(r.Context(), queue.EnqueueRequest{
		ProjectName: req.ProjectName,
		TaskType:    req.TaskType,
		MediaType:   req.MediaType,
		ResourceID:  req.ResourceID,
		ScriptFile:  req.ScriptFile,
		Payload:     payload,
		Source:      req.Source,
	})
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	log.Info("task submitted",
		"task_id", result.TaskID,
		"project_name", req.ProjectName,
		"task_type", req.TaskType,
		"deduped", result.Deduped)

	status := http.StatusAccepted
	if result.Deduped {
		status = http.StatusOK
	}
	shared.RespondWithJSON(w, r, status, result)
}

// GetTask handles GET /api/tasks/{id} requests.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if taskID == "" {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Task ID is required")
		return
	}

	task, err := h.tasks.GetTask(r.Context(), taskID)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, TaskEnvelope{Task: task})
}

// ListTasks handles GET /api/tasks and GET /api/projects/{project_name}/tasks
// requests. The project path parameter, when present, overrides the
// project_name query parameter.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := queue.ListFilter{
		ProjectName: q.Get("project_name"),
		Status:      queue.Status(q.Get("status")),
		TaskType:    q.Get("task_type"),
		Source:      q.Get("source"),
		Page:        queryInt(q.Get("page"), 1),
		PageSize:    queryInt(q.Get("page_size"), 0),
	}
	if project := chi.URLParam(r, "project_name"); project != "" {
		filter.ProjectName = project
	}

	page, err := h.tasks.ListTasks(r.Context(), filter)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, page)
}

// GetStats handles GET /api/tasks/stats requests.
func (h *TaskHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.tasks.Stats(r.Context(), r.URL.Query().Get("project_name"))
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, StatsEnvelope{Stats: stats})
}

// GetWorkerLease handles GET /api/tasks/worker requests, reporting the
// current lease row and whether its holder is live.
func (h *TaskHandler) GetWorkerLease(w http.ResponseWriter, r *http.Request) {
	lease, err := h.leases.GetLease(r.Context(), queue.DefaultLeaseName)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	if lease == nil {
		shared.RespondWithError(w, r, http.StatusNotFound, "No worker lease recorded")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, WorkerLeaseResponse{
		Lease:  lease,
		Online: lease.Online,
	})
}

// queryInt parses a positive integer query parameter, falling back to def
// when absent or malformed.
func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
