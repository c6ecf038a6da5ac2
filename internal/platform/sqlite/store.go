package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/storyloom/storyloom/internal/platform/logger"
	"github.com/storyloom/storyloom/internal/queue"
)

// timeLayout is a fixed-width UTC timestamp. The fixed-width fraction keeps
// lexicographic TEXT ordering identical to chronological ordering, which the
// FIFO claim query relies on.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Bounds carried over from the queue's original limits.
const (
	defaultRequeueLimit = 1000
	maxRequeueLimit     = 5000
	defaultPageSize     = 50
	maxPageSize         = 500
	defaultEventLimit   = 200
	maxEventLimit       = 1000
	defaultSnapshotLen  = 200
	maxSnapshotLen      = 1000
)

const taskColumns = `task_id, project_name, task_type, media_type, resource_id,
	script_file, payload_json, status, result_json, error_message, source,
	queued_at, started_at, finished_at, updated_at`

// Store implements queue.Store over an embedded SQLite database.
type Store struct {
	db *sql.DB
}

var _ queue.Store = (*Store)(nil)

// NewStore creates a Store over an opened queue database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func epochToTime(epoch float64) time.Time {
	return time.Unix(0, int64(epoch*float64(time.Second))).UTC()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*queue.Task, error) {
	var (
		t          queue.Task
		scriptFile sql.NullString
		payload    sql.NullString
		result     sql.NullString
		errMsg     sql.NullString
		queuedAt   string
		startedAt  sql.NullString
		finishedAt sql.NullString
		updatedAt  string
	)

	if err := row.Scan(
		&t.ID, &t.ProjectName, &t.TaskType, &t.MediaType, &t.ResourceID,
		&scriptFile, &payload, &t.Status, &result, &errMsg, &t.Source,
		&queuedAt, &startedAt, &finishedAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	t.ScriptFile = scriptFile.String
	t.ErrorMessage = errMsg.String
	if payload.Valid && payload.String != "" {
		t.Payload = json.RawMessage(payload.String)
	}
	if result.Valid && result.String != "" {
		t.Result = json.RawMessage(result.String)
	}

	var err error
	if t.QueuedAt, err = parseTime(queuedAt); err != nil {
		return nil, fmt.Errorf("parse queued_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if startedAt.Valid {
		ts, err := parseTime(startedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		t.StartedAt = &ts
	}
	if finishedAt.Valid {
		ts, err := parseTime(finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		t.FinishedAt = &ts
	}

	return &t, nil
}

func getTaskTx(ctx context.Context, db DBTX, taskID string) (*queue.Task, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID)
	return scanTask(row)
}

// appendEvent records a state transition with a full task snapshot inside
// the caller's transaction, returning the new event id.
func appendEvent(ctx context.Context, tx *sql.Tx, task *queue.Task, eventType queue.EventType) (int64, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return 0, fmt.Errorf("marshal event data: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO task_events(task_id, project_name, event_type, status, data_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		task.ID, task.ProjectName, string(eventType), string(task.Status),
		string(data), formatTime(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("append %s event: %w", eventType, err)
	}
	return res.LastInsertId()
}

// Enqueue inserts a new queued task and its queued event atomically. When
// the partial unique index rejects the insert, the already-active row for
// the same dedup key is returned instead and no event is appended.
func (s *Store) Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.EnqueueResult, error) {
	log := logger.FromContext(ctx)

	now := formatTime(time.Now())
	taskID := uuid.NewString()
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	source := req.Source
	if source == "" {
		source = "webui"
	}
	var scriptFile any
	if req.ScriptFile != "" {
		scriptFile = req.ScriptFile
	}

	var result *queue.EnqueueResult
	err := RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tasks(
				task_id, project_name, task_type, media_type, resource_id,
				script_file, payload_json, status, source, queued_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, 'queued', ?, ?, ?)`,
			taskID, req.ProjectName, req.TaskType, req.MediaType, req.ResourceID,
			scriptFile, string(payload), source, now, now,
		)
		if err != nil {
			if !isUniqueViolation(err) {
				return fmt.Errorf("insert task: %w", err)
			}

			row := tx.QueryRowContext(ctx,
				`SELECT task_id, status FROM tasks
				 WHERE project_name = ?
				   AND task_type = ?
				   AND resource_id = ?
				   AND COALESCE(script_file, '') = COALESCE(?, '')
				   AND status IN ('queued', 'running')
				 ORDER BY queued_at DESC
				 LIMIT 1`,
				req.ProjectName, req.TaskType, req.ResourceID, scriptFile)

			var existingID string
			var existingStatus queue.Status
			if scanErr := row.Scan(&existingID, &existingStatus); scanErr != nil {
				if errors.Is(scanErr, sql.ErrNoRows) {
					return fmt.Errorf("insert task: %w", err)
				}
				return fmt.Errorf("look up deduped task: %w", scanErr)
			}

			log.Debug("enqueue deduped onto active task",
				"existing_task_id", existingID,
				"project_name", req.ProjectName,
				"task_type", req.TaskType,
				"resource_id", req.ResourceID)

			result = &queue.EnqueueResult{
				TaskID:         existingID,
				Status:         existingStatus,
				Deduped:        true,
				ExistingTaskID: existingID,
			}
			return nil
		}

		task, err := getTaskTx(ctx, tx, taskID)
		if err != nil {
			return fmt.Errorf("read back enqueued task: %w", err)
		}
		if _, err := appendEvent(ctx, tx, task, queue.EventQueued); err != nil {
			return err
		}

		result = &queue.EnqueueResult{TaskID: taskID, Status: queue.StatusQueued}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ClaimNext takes the oldest queued task in the lane inside one immediate
// transaction, so concurrent claimers can never receive the same row.
func (s *Store) ClaimNext(ctx context.Context, mediaType string) (*queue.Task, error) {
	now := formatTime(time.Now())

	var claimed *queue.Task
	err := RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT task_id FROM tasks
			 WHERE status = 'queued' AND media_type = ?
			 ORDER BY queued_at ASC
			 LIMIT 1`, mediaType)

		var taskID string
		if err := row.Scan(&taskID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select next queued task: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks
			 SET status = 'running',
			     started_at = COALESCE(started_at, ?),
			     updated_at = ?
			 WHERE task_id = ?`,
			now, now, taskID,
		); err != nil {
			return fmt.Errorf("mark task running: %w", err)
		}

		task, err := getTaskTx(ctx, tx, taskID)
		if err != nil {
			return fmt.Errorf("read back claimed task: %w", err)
		}
		if _, err := appendEvent(ctx, tx, task, queue.EventRunning); err != nil {
			return err
		}

		claimed = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkSucceeded stores the result and moves the task to succeeded.
func (s *Store) MarkSucceeded(ctx context.Context, taskID string, result json.RawMessage) (*queue.Task, error) {
	if len(result) == 0 {
		result = json.RawMessage("{}")
	}
	return s.markTerminal(ctx, taskID, queue.EventSucceeded,
		`UPDATE tasks
		 SET status = 'succeeded',
		     result_json = ?,
		     error_message = NULL,
		     finished_at = ?,
		     updated_at = ?
		 WHERE task_id = ?`,
		string(result))
}

// MarkFailed stores the truncated error message and moves the task to failed.
func (s *Store) MarkFailed(ctx context.Context, taskID string, errorMessage string) (*queue.Task, error) {
	if len(errorMessage) > queue.MaxErrorMessageLen {
		// Back up to a rune boundary so the stored text stays valid UTF-8.
		cut := queue.MaxErrorMessageLen
		for cut > 0 && !utf8.RuneStart(errorMessage[cut]) {
			cut--
		}
		errorMessage = errorMessage[:cut]
	}
	return s.markTerminal(ctx, taskID, queue.EventFailed,
		`UPDATE tasks
		 SET status = 'failed',
		     error_message = ?,
		     finished_at = ?,
		     updated_at = ?
		 WHERE task_id = ?`,
		errorMessage)
}

func (s *Store) markTerminal(ctx context.Context, taskID string, eventType queue.EventType, updateSQL, value string) (*queue.Task, error) {
	now := formatTime(time.Now())

	var done *queue.Task
	err := RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM tasks WHERE task_id = ?`, taskID).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return queue.ErrTaskNotFound
			}
			return fmt.Errorf("look up task: %w", err)
		}

		if _, err := tx.ExecContext(ctx, updateSQL, value, now, now, taskID); err != nil {
			return fmt.Errorf("mark task %s: %w", eventType, err)
		}

		task, err := getTaskTx(ctx, tx, taskID)
		if err != nil {
			return fmt.Errorf("read back %s task: %w", eventType, err)
		}
		if _, err := appendEvent(ctx, tx, task, eventType); err != nil {
			return err
		}

		done = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return done, nil
}

// RequeueRunning resets running rows back to queued for crash recovery.
// Deliberately coarse: it assumes the caller established that no other
// worker is processing (fresh sole leaseholder with nothing in flight).
func (s *Store) RequeueRunning(ctx context.Context, limit int) (int, error) {
	log := logger.FromContext(ctx)

	if limit <= 0 {
		limit = defaultRequeueLimit
	}
	if limit > maxRequeueLimit {
		limit = maxRequeueLimit
	}
	now := formatTime(time.Now())

	recovered := 0
	err := RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT task_id FROM tasks
			 WHERE status = 'running'
			 ORDER BY updated_at ASC
			 LIMIT ?`, limit)
		if err != nil {
			return fmt.Errorf("select running tasks: %w", err)
		}

		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan running task id: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("iterate running tasks: %w", err)
		}

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE tasks
				 SET status = 'queued',
				     started_at = NULL,
				     finished_at = NULL,
				     result_json = NULL,
				     error_message = NULL,
				     updated_at = ?
				 WHERE task_id = ? AND status = 'running'`,
				now, id,
			); err != nil {
				return fmt.Errorf("requeue task %s: %w", id, err)
			}

			task, err := getTaskTx(ctx, tx, id)
			if err != nil || task.Status != queue.StatusQueued {
				continue
			}
			if _, err := appendEvent(ctx, tx, task, queue.EventRequeued); err != nil {
				return err
			}
			recovered++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if recovered > 0 {
		log.Info("requeued orphaned running tasks", "count", recovered)
	}
	return recovered, nil
}

// GetTask returns the task or queue.ErrTaskNotFound.
func (s *Store) GetTask(ctx context.Context, taskID string) (*queue.Task, error) {
	task, err := getTaskTx(ctx, s.db, taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", queue.ErrTaskNotFound, taskID)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// ListTasks returns one page of tasks matching the filter, most recently
// updated first.
func (s *Store) ListTasks(ctx context.Context, filter queue.ListFilter) (*queue.TaskPage, error) {
	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	offset := (page - 1) * pageSize

	var conditions []string
	var params []any
	if filter.ProjectName != "" {
		conditions = append(conditions, "project_name = ?")
		params = append(params, filter.ProjectName)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		params = append(params, string(filter.Status))
	}
	if filter.TaskType != "" {
		conditions = append(conditions, "task_type = ?")
		params = append(params, filter.TaskType)
	}
	if filter.Source != "" {
		conditions = append(conditions, "source = ?")
		params = append(params, filter.Source)
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks `+whereClause, params...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}

	listParams := append(append([]any{}, params...), pageSize, offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks `+whereClause+`
		 ORDER BY updated_at DESC, queued_at DESC
		 LIMIT ? OFFSET ?`, listParams...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	items := make([]*queue.Task, 0, pageSize)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		items = append(items, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}

	return &queue.TaskPage{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

// Stats returns per-status counts, optionally scoped to one project.
func (s *Store) Stats(ctx context.Context, projectName string) (*queue.Stats, error) {
	whereClause := ""
	var params []any
	if projectName != "" {
		whereClause = "WHERE project_name = ?"
		params = append(params, projectName)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks `+whereClause+` GROUP BY status`, params...)
	if err != nil {
		return nil, fmt.Errorf("count tasks by status: %w", err)
	}
	defer rows.Close()

	stats := &queue.Stats{}
	for rows.Next() {
		var status queue.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		switch status {
		case queue.StatusQueued:
			stats.Queued = count
		case queue.StatusRunning:
			stats.Running = count
		case queue.StatusSucceeded:
			stats.Succeeded = count
		case queue.StatusFailed:
			stats.Failed = count
		}
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return stats, nil
}

// RecentTasks returns the most recently updated tasks for stream snapshots.
func (s *Store) RecentTasks(ctx context.Context, projectName string, limit int) ([]*queue.Task, error) {
	if limit <= 0 {
		limit = defaultSnapshotLen
	}
	if limit > maxSnapshotLen {
		limit = maxSnapshotLen
	}

	whereClause := ""
	params := []any{}
	if projectName != "" {
		whereClause = "WHERE project_name = ?"
		params = append(params, projectName)
	}
	params = append(params, limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks `+whereClause+`
		 ORDER BY updated_at DESC
		 LIMIT ?`, params...)
	if err != nil {
		return nil, fmt.Errorf("select recent tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]*queue.Task, 0, limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recent task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent tasks: %w", err)
	}
	return tasks, nil
}

// EventsSince returns events after the cursor in ascending id order.
func (s *Store) EventsSince(ctx context.Context, lastEventID int64, projectName string, limit int) ([]*queue.Event, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	whereClause := "WHERE id > ?"
	params := []any{lastEventID}
	if projectName != "" {
		whereClause += " AND project_name = ?"
		params = append(params, projectName)
	}
	params = append(params, limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, project_name, event_type, status, data_json, created_at
		 FROM task_events `+whereClause+`
		 ORDER BY id ASC
		 LIMIT ?`, params...)
	if err != nil {
		return nil, fmt.Errorf("select events: %w", err)
	}
	defer rows.Close()

	var events []*queue.Event
	for rows.Next() {
		var (
			ev        queue.Event
			dataJSON  sql.NullString
			createdAt string
		)
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.ProjectName, &ev.Type, &ev.Status, &dataJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		if ev.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse event created_at: %w", err)
		}
		if dataJSON.Valid && dataJSON.String != "" {
			var snapshot queue.Task
			if err := json.Unmarshal([]byte(dataJSON.String), &snapshot); err == nil {
				ev.Data = &snapshot
			}
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return events, nil
}

// LatestEventID returns the highest event id, or 0 for an empty log.
func (s *Store) LatestEventID(ctx context.Context, projectName string) (int64, error) {
	whereClause := ""
	var params []any
	if projectName != "" {
		whereClause = "WHERE project_name = ?"
		params = append(params, projectName)
	}

	var maxID sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(id) FROM task_events `+whereClause, params...).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("select latest event id: %w", err)
	}
	return maxID.Int64, nil
}

// AcquireOrRenew grants the lease when it is free, already held by ownerID,
// or expired. The whole read-modify-write runs in one immediate transaction.
func (s *Store) AcquireOrRenew(ctx context.Context, name, ownerID string, ttl time.Duration) (bool, error) {
	if ttl < time.Second {
		ttl = time.Second
	}
	nowEpoch := float64(time.Now().UnixNano()) / float64(time.Second)
	leaseUntil := nowEpoch + ttl.Seconds()
	updatedAt := formatTime(time.Now())

	granted := false
	err := RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		var currentOwner string
		var currentUntil float64
		err := tx.QueryRowContext(ctx,
			`SELECT owner_id, lease_until FROM worker_lease WHERE name = ?`, name).
			Scan(&currentOwner, &currentUntil)

		if errors.Is(err, sql.ErrNoRows) {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO worker_lease(name, owner_id, lease_until, updated_at)
				 VALUES (?, ?, ?, ?)`,
				name, ownerID, leaseUntil, updatedAt,
			); err != nil {
				return fmt.Errorf("insert lease: %w", err)
			}
			granted = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("read lease: %w", err)
		}

		if currentOwner == ownerID || currentUntil <= nowEpoch {
			if _, err := tx.ExecContext(ctx,
				`UPDATE worker_lease
				 SET owner_id = ?, lease_until = ?, updated_at = ?
				 WHERE name = ?`,
				ownerID, leaseUntil, updatedAt, name,
			); err != nil {
				return fmt.Errorf("renew lease: %w", err)
			}
			granted = true
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return granted, nil
}

// Release drops the lease if ownerID still holds it.
func (s *Store) Release(ctx context.Context, name, ownerID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM worker_lease WHERE name = ? AND owner_id = ?`, name, ownerID); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// IsOnline reports whether a non-expired lease row exists.
func (s *Store) IsOnline(ctx context.Context, name string) (bool, error) {
	var leaseUntil float64
	err := s.db.QueryRowContext(ctx,
		`SELECT lease_until FROM worker_lease WHERE name = ?`, name).Scan(&leaseUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read lease: %w", err)
	}
	return leaseUntil > float64(time.Now().UnixNano())/float64(time.Second), nil
}

// GetLease returns the lease row with its online flag, or (nil, nil) when
// no lease has ever been recorded under the name.
func (s *Store) GetLease(ctx context.Context, name string) (*queue.Lease, error) {
	var (
		lease      queue.Lease
		leaseUntil float64
		updatedAt  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT name, owner_id, lease_until, updated_at FROM worker_lease WHERE name = ?`, name).
		Scan(&lease.Name, &lease.OwnerID, &leaseUntil, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lease: %w", err)
	}

	lease.LeaseUntil = epochToTime(leaseUntil)
	if lease.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse lease updated_at: %w", err)
	}
	lease.Online = leaseUntil > float64(time.Now().UnixNano())/float64(time.Second)
	return &lease, nil
}
