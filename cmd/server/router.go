package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/storyloom/storyloom/internal/api"
	apiMiddleware "github.com/storyloom/storyloom/internal/api/middleware"
)

// setupRouter configures the application router with all routes and
// middleware.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.Trace(app.logger))

	taskHandler := api.NewTaskHandler(app.store, app.store)
	streamHandler := api.NewStreamHandler(app.store, app.store, app.config.Stream.Heartbeat())

	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", taskHandler.EnqueueTask)
		r.Get("/tasks", taskHandler.ListTasks)
		r.Get("/tasks/stats", taskHandler.GetStats)
		r.Get("/tasks/worker", taskHandler.GetWorkerLease)
		r.Get("/tasks/stream", streamHandler.StreamTasks)
		r.Get("/tasks/{id}", taskHandler.GetTask)
		r.Get("/projects/{project_name}/tasks", taskHandler.ListTasks)
	})

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			app.logger.Error("failed to write health check response", "error", err)
		}
	})

	return r
}
