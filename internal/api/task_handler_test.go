package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/storyloom/internal/api"
	"github.com/storyloom/storyloom/internal/platform/sqlite"
	"github.com/storyloom/storyloom/internal/queue"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()

	db, err := sqlite.Open(sqlite.Config{
		Path:        filepath.Join(t.TempDir(), "queue.db"),
		BusyTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	require.NoError(t, sqlite.ApplyMigrations(context.Background(), db))
	return sqlite.NewStore(db)
}

func newTestRouter(store *sqlite.Store) chi.Router {
	taskHandler := api.NewTaskHandler(store, store)
	streamHandler := api.NewStreamHandler(store, store, 100*time.Millisecond)

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", taskHandler.EnqueueTask)
		r.Get("/tasks", taskHandler.ListTasks)
		r.Get("/tasks/stats", taskHandler.GetStats)
		r.Get("/tasks/worker", taskHandler.GetWorkerLease)
		r.Get("/tasks/stream", streamHandler.StreamTasks)
		r.Get("/tasks/{id}", taskHandler.GetTask)
		r.Get("/projects/{project_name}/tasks", taskHandler.ListTasks)
	})
	return r
}

func postJSON(t *testing.T, router http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func get(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func enqueueBody(resourceID string) map[string]any {
	return map[string]any{
		"project_name": "demo",
		"task_type":    "storyboard",
		"media_type":   "image",
		"resource_id":  resourceID,
		"payload":      map[string]any{"prompt": "a foggy alley"},
		"source":       "webui",
	}
}

func TestEnqueueTaskEndpoint(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	router := newTestRouter(store)

	rec := postJSON(t, router, "/api/tasks", enqueueBody("E1S01"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var first queue.EnqueueResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.NotEmpty(t, first.TaskID)
	assert.Equal(t, queue.StatusQueued, first.Status)
	assert.False(t, first.Deduped)

	// Duplicate active submission returns 200 with the existing task.
	rec = postJSON(t, router, "/api/tasks", enqueueBody("E1S01"))
	require.Equal(t, http.StatusOK, rec.Code)

	var second queue.EnqueueResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.True(t, second.Deduped)
	assert.Equal(t, first.TaskID, second.TaskID)
}

func TestEnqueueTaskValidation(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	router := newTestRouter(store)

	t.Run("missing required field", func(t *testing.T) {
		t.Parallel()
		body := enqueueBody("E1S01")
		delete(body, "project_name")
		rec := postJSON(t, router, "/api/tasks", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid media type", func(t *testing.T) {
		t.Parallel()
		body := enqueueBody("E1S02")
		body["media_type"] = "audio"
		rec := postJSON(t, router, "/api/tasks", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader([]byte("{not json")))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	router := newTestRouter(store)
	ctx := context.Background()

	rec := postJSON(t, router, "/api/tasks", enqueueBody("E1S01"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var enq queue.EnqueueResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &enq))

	// Drive the task to completion the way the worker does.
	claimed, err := store.ClaimNext(ctx, queue.MediaTypeImage)
	require.NoError(t, err)
	require.Equal(t, enq.TaskID, claimed.ID)
	_, err = store.MarkSucceeded(ctx, enq.TaskID, json.RawMessage(`{"file_path":"out.png"}`))
	require.NoError(t, err)

	rec = get(t, router, "/api/tasks/"+enq.TaskID)
	require.Equal(t, http.StatusOK, rec.Code)

	var envelope struct {
		Task queue.Task `json:"task"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, queue.StatusSucceeded, envelope.Task.Status)
	assert.JSONEq(t, `{"file_path":"out.png"}`, string(envelope.Task.Result))

	rec = get(t, router, "/api/tasks/stats?project_name=demo")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats struct {
		Stats queue.Stats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Stats.Succeeded)
	assert.Equal(t, 1, stats.Stats.Total)
}

func TestGetTaskNotFound(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	router := newTestRouter(store)

	rec := get(t, router, "/api/tasks/no-such-task")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTasksEndpoints(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	router := newTestRouter(store)

	postJSON(t, router, "/api/tasks", enqueueBody("E1S01"))
	postJSON(t, router, "/api/tasks", enqueueBody("E1S02"))

	other := enqueueBody("E1S01")
	other["project_name"] = "other"
	postJSON(t, router, "/api/tasks", other)

	rec := get(t, router, "/api/tasks")
	require.Equal(t, http.StatusOK, rec.Code)

	var page queue.TaskPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 3, page.Total)

	// Project-scoped route narrows the listing.
	rec = get(t, router, "/api/projects/demo/tasks")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 2, page.Total)
	for _, task := range page.Items {
		assert.Equal(t, "demo", task.ProjectName)
	}

	rec = get(t, router, "/api/tasks?status=queued&page=1&page_size=2")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, 2, page.PageSize)
}

func TestGetWorkerLeaseEndpoint(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	router := newTestRouter(store)
	ctx := context.Background()

	// No lease has ever existed.
	rec := get(t, router, "/api/tasks/worker")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	acquired, err := store.AcquireOrRenew(ctx, queue.DefaultLeaseName, "worker-abc", 30*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	rec = get(t, router, "/api/tasks/worker")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Lease  queue.Lease `json:"lease"`
		Online bool        `json:"online"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Online)
	assert.Equal(t, "worker-abc", resp.Lease.OwnerID)
}
