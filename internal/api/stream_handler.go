package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/storyloom/storyloom/internal/platform/logger"
	"github.com/storyloom/storyloom/internal/queue"
)

const (
	// streamSnapshotLimit caps the task rows in the opening snapshot frame.
	streamSnapshotLimit = 1000

	// streamEventBatch caps the events read per poll.
	streamEventBatch = 200

	// streamPollInterval is how often the event log is polled for new rows.
	streamPollInterval = time.Second
)

// StreamHandler serves GET /api/tasks/stream: an SSE feed opening with a
// snapshot frame and followed by one `task` frame per task event, with
// `heartbeat` frames while idle. The SSE id of each task frame is the event
// log id, so clients reconnect with Last-Event-ID and miss nothing.
type StreamHandler struct {
	tasks     queue.TaskQueue
	events    queue.EventLog
	heartbeat time.Duration
}

// NewStreamHandler creates a StreamHandler. heartbeat bounds how long the
// stream stays silent before a keep-alive frame.
func NewStreamHandler(tasks queue.TaskQueue, events queue.EventLog, heartbeat time.Duration) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &StreamHandler{
		tasks:     tasks,
		events:    events,
		heartbeat: heartbeat,
	}
}

// snapshotFrame is the payload of the opening snapshot event.
type snapshotFrame struct {
	Tasks  []*queue.Task `json:"tasks"`
	Stats  *queue.Stats  `json:"stats"`
	Cursor int64         `json:"cursor"`
}

// heartbeatFrame is the payload of keep-alive events. It carries the current
// cursor so an idle client still holds a fresh resumption point.
type heartbeatFrame struct {
	Cursor    int64  `json:"cursor"`
	Timestamp string `json:"ts"`
}

// StreamTasks handles GET /api/tasks/stream requests.
func (h *StreamHandler) StreamTasks(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	projectName := r.URL.Query().Get("project_name")
	clientCursor, resuming := clientCursorFrom(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	// Disable proxy buffering so frames reach the client immediately.
	w.Header().Set("X-Accel-Buffering", "no")

	ctx := r.Context()

	latest, err := h.events.LatestEventID(ctx, projectName)
	if err != nil {
		http.Error(w, "failed to read event log", http.StatusInternalServerError)
		return
	}

	// A resuming client keeps its own cursor only if the log has not moved
	// past it; either way the snapshot below covers anything in between.
	cursor := latest
	if resuming && clientCursor > latest {
		cursor = clientCursor
	}

	if err := h.sendSnapshot(w, r, projectName, cursor); err != nil {
		log.Debug("stream closed during snapshot", "error", err)
		return
	}
	flusher.Flush()

	log.Info("task stream opened",
		"project_name", projectName,
		"cursor", cursor,
		"resuming", resuming)

	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()
	lastWrite := time.Now()

	for {
		select {
		case <-ctx.Done():
			log.Info("task stream closed", "project_name", projectName, "cursor", cursor)
			return
		case <-ticker.C:
		}

		events, err := h.events.EventsSince(ctx, cursor, projectName, streamEventBatch)
		if err != nil {
			log.Error("event poll failed, closing stream", "error", err)
			return
		}

		for _, event := range events {
			if err := writeTaskFrame(w, event); err != nil {
				log.Debug("stream write failed", "error", err)
				return
			}
			cursor = event.ID
			lastWrite = time.Now()
		}
		if len(events) > 0 {
			flusher.Flush()
			continue
		}

		if time.Since(lastWrite) >= h.heartbeat {
			if err := writeHeartbeatFrame(w, cursor); err != nil {
				log.Debug("stream write failed", "error", err)
				return
			}
			flusher.Flush()
			lastWrite = time.Now()
		}
	}
}

// clientCursorFrom reads the client's resume cursor from the Last-Event-ID
// header or the last_event_id query parameter.
func clientCursorFrom(r *http.Request) (int64, bool) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}
	if raw == "" {
		return 0, false
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || cursor < 0 {
		return 0, false
	}
	return cursor, true
}

func (h *StreamHandler) sendSnapshot(w http.ResponseWriter, r *http.Request, projectName string, cursor int64) error {
	tasks, err := h.tasks.RecentTasks(r.Context(), projectName, streamSnapshotLimit)
	if err != nil {
		return fmt.Errorf("load snapshot tasks: %w", err)
	}
	stats, err := h.tasks.Stats(r.Context(), projectName)
	if err != nil {
		return fmt.Errorf("load snapshot stats: %w", err)
	}

	data, err := json.Marshal(snapshotFrame{
		Tasks:  tasks,
		Stats:  stats,
		Cursor: cursor,
	})
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data)
	return err
}

func writeTaskFrame(w http.ResponseWriter, event *queue.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: task\ndata: %s\n\n", event.ID, data)
	return err
}

func writeHeartbeatFrame(w http.ResponseWriter, cursor int64) error {
	data, err := json.Marshal(heartbeatFrame{
		Cursor:    cursor,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: heartbeat\ndata: %s\n\n", data)
	return err
}
