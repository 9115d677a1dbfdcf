// Package indexer runs the asynchronous indexing pipeline: content fetch,
// text extraction, embedding, and vector store upsert, tracked as durable
// tasks with bounded retries.
package indexer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ayrusarun/college-community-api/internal/vectorstore"
)

// Status is the lifecycle state of an indexing task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Sentinel errors for the task store.
var (
	// ErrTaskNotFound indicates the requested task does not exist.
	ErrTaskNotFound = errors.New("task not found")
	// ErrQueueFull indicates the in-process queue rejected a new task.
	ErrQueueFull = errors.New("indexing queue full")
)

// Task is one unit of indexing work for a single source item.
type Task struct {
	ID          string                  `db:"id" json:"id"`
	TenantID    string                  `db:"tenant_id" json:"tenant_id"`
	ContentType vectorstore.ContentType `db:"content_type" json:"content_type"`
	SourceID    int64                   `db:"source_id" json:"source_id"`
	Status      Status                  `db:"status" json:"status"`
	Attempts    int                     `db:"attempts" json:"attempts"`
	LastError   string                  `db:"last_error" json:"last_error,omitempty"`
	CreatedAt   time.Time               `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time               `db:"updated_at" json:"updated_at"`
}

// TaskStore persists tasks in SQLite so queued work survives restarts.
type TaskStore struct {
	db *sqlx.DB
}

const taskSchema = `
CREATE TABLE IF NOT EXISTS index_tasks (
    id           TEXT PRIMARY KEY,
    tenant_id    TEXT NOT NULL,
    content_type TEXT NOT NULL,
    source_id    INTEGER NOT NULL,
    status       TEXT NOT NULL DEFAULT 'pending',
    attempts     INTEGER NOT NULL DEFAULT 0,
    last_error   TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMP NOT NULL,
    updated_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_index_tasks_tenant_status
    ON index_tasks(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_index_tasks_source
    ON index_tasks(tenant_id, content_type, source_id);
`

// NewTaskStore initializes the task table on a shared database handle.
func NewTaskStore(db *sqlx.DB) (*TaskStore, error) {
	if _, err := db.Exec(taskSchema); err != nil {
		return nil, fmt.Errorf("initializing task schema: %w", err)
	}
	return &TaskStore{db: db}, nil
}

// Create inserts a new pending task. A missing ID is filled in.
func (s *TaskStore) Create(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = StatusPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO index_tasks (id, tenant_id, content_type, source_id, status, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TenantID, t.ContentType, t.SourceID, t.Status, t.Attempts, t.LastError, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

// Get fetches one task by ID.
func (s *TaskStore) Get(ctx context.Context, id string) (*Task, error) {
	var t Task
	err := s.db.GetContext(ctx, &t, `SELECT * FROM index_tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching task %s: %w", id, err)
	}
	return &t, nil
}

// Delete removes a task row.
func (s *TaskStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM index_tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting task %s: %w", id, err)
	}
	return nil
}

// Active returns the pending or processing task for a source item, if any.
func (s *TaskStore) Active(ctx context.Context, tenantID string, contentType vectorstore.ContentType, sourceID int64) (*Task, error) {
	var t Task
	err := s.db.GetContext(ctx, &t, `
		SELECT * FROM index_tasks
		WHERE tenant_id = ? AND content_type = ? AND source_id = ?
		  AND status IN ('pending', 'processing')
		ORDER BY created_at DESC LIMIT 1`,
		tenantID, contentType, sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active task for %s_%d: %w", contentType, sourceID, ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching active task: %w", err)
	}
	return &t, nil
}

// MarkProcessing transitions a task to processing and counts the attempt.
func (s *TaskStore) MarkProcessing(ctx context.Context, id string) (*Task, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE index_tasks
		SET status = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ?`,
		StatusProcessing, time.Now().UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("marking task %s processing: %w", id, err)
	}
	return s.Get(ctx, id)
}

// SetStatus records the outcome of an attempt.
func (s *TaskStore) SetStatus(ctx context.Context, id string, status Status, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE index_tasks
		SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		status, lastError, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	return nil
}

// ListByTenant returns a tenant's tasks, newest first. A non-empty status
// filters in the query, so old failed tasks are found past any number of
// newer ones.
func (s *TaskStore) ListByTenant(ctx context.Context, tenantID string, status Status, limit int) ([]Task, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT * FROM index_tasks WHERE tenant_id = ?`
	args := []any{tenantID}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var tasks []Task
	if err := s.db.SelectContext(ctx, &tasks, q, args...); err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	return tasks, nil
}

// ListPending returns every pending task across tenants, oldest first.
// Used at startup to refill the in-process queue.
func (s *TaskStore) ListPending(ctx context.Context) ([]Task, error) {
	var tasks []Task
	err := s.db.SelectContext(ctx, &tasks, `
		SELECT * FROM index_tasks
		WHERE status = 'pending'
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing pending tasks: %w", err)
	}
	return tasks, nil
}

// RequeueProcessing flips tasks stranded in processing by a crash back to
// pending. Returns the number of tasks recovered.
func (s *TaskStore) RequeueProcessing(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE index_tasks
		SET status = ?, updated_at = ?
		WHERE status = ?`,
		StatusPending, time.Now().UTC(), StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("requeueing processing tasks: %w", err)
	}
	return res.RowsAffected()
}

// CountByStatus returns per-status task counts for a tenant.
func (s *TaskStore) CountByStatus(ctx context.Context, tenantID string) (map[Status]int64, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT status, COUNT(*) FROM index_tasks
		WHERE tenant_id = ?
		GROUP BY status`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("counting tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int64)
	for rows.Next() {
		var (
			status Status
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning task count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
