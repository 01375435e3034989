package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether no further transitions are permitted.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// RequestState maps a task status onto the owning request's state. Applied
// on every task status change so request-only observers stay correct.
func (s TaskStatus) RequestState() RequestState {
	switch s {
	case TaskAssigned:
		return RequestAssigned
	case TaskInProgress:
		return RequestInProgress
	case TaskCompleted, TaskFailed:
		return RequestCompleted
	default:
		return RequestReceived
	}
}

type Task struct {
	ID            string     `json:"id"`
	RequestID     string     `json:"requestId"`
	Title         string     `json:"title"`
	Detail        string     `json:"detail,omitempty"`
	AssignedAgent string     `json:"assignedAgent"`
	Status        TaskStatus `json:"status"`
	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	Result        string     `json:"result,omitempty"`
}

// TaskPatch lists the fields to change; nil fields are left alone. From,
// when non-empty, restricts the write to tasks currently in those statuses.
// Terminal tasks are never updated.
type TaskPatch struct {
	From          []TaskStatus
	Status        *TaskStatus
	AssignedAgent *string
	StartedAt     *time.Time
	CompletedAt   *time.Time
	Result        *string
}

const taskColumns = `
	id, request_id, title, detail, assigned_agent, status,
	created_at, started_at, completed_at, COALESCE(result, '')`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var started, completed sql.NullTime
	if err := scanFn(
		&task.ID,
		&task.RequestID,
		&task.Title,
		&task.Detail,
		&task.AssignedAgent,
		&task.Status,
		&task.CreatedAt,
		&started,
		&completed,
		&task.Result,
	); err != nil {
		return err
	}
	task.CreatedAt = task.CreatedAt.UTC()
	task.StartedAt = timePtr(started)
	task.CompletedAt = timePtr(completed)
	return nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (s *Store) findTask(ctx context.Context, where string, args ...any) (*Task, error) {
	var task Task
	err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE `+where, args...).Scan, &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// CreateTask inserts a task for an active request. Any task of that request
// that is still open is closed as superseded in the same transaction, so a
// request never owns two open tasks. Returns ErrStale when the request is
// already completed.
func (s *Store) CreateTask(ctx context.Context, task Task) (*Task, error) {
	if task.ID == "" {
		task.ID = NewTaskID()
	}
	if task.Status == "" {
		task.Status = TaskPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.now()
	}
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var state RequestState
		if err := tx.QueryRowContext(ctx, `SELECT state FROM requests WHERE id = ?;`, task.RequestID).Scan(&state); err != nil {
			return err
		}
		if state == RequestCompleted {
			return ErrStale
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'completed', completed_at = ?, result = 'Superseded'
			WHERE request_id = ? AND status NOT IN ('completed', 'failed');
		`, s.now(), task.RequestID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, request_id, title, detail, assigned_agent, status, created_at, started_at, completed_at, result)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''));
		`, task.ID, task.RequestID, task.Title, task.Detail, task.AssignedAgent, task.Status,
			task.CreatedAt.UTC(), nullTime(task.StartedAt), nullTime(task.CompletedAt), task.Result); err != nil {
			return err
		}
		return tx.Commit()
	})
	if errors.Is(err, ErrStale) || errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return s.GetTask(ctx, task.ID)
}

// GetTask returns sql.ErrNoRows when the id is unknown.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	var task Task
	if err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id).Scan, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// UpdateTask applies patch while the task is not terminal (and in one of
// patch.From when set). A rejected precondition returns ErrStale. Setting a
// terminal status this way is the single completion write: of several racing
// completions exactly one gets a nil error.
func (s *Store) UpdateTask(ctx context.Context, id string, patch TaskPatch) (*Task, error) {
	var (
		sets []string
		args []any
	)
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
	}
	if patch.AssignedAgent != nil {
		sets = append(sets, "assigned_agent = ?")
		args = append(args, *patch.AssignedAgent)
	}
	if patch.StartedAt != nil {
		sets = append(sets, "started_at = COALESCE(started_at, ?)")
		args = append(args, nullTime(patch.StartedAt))
	}
	if patch.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, nullTime(patch.CompletedAt))
	}
	if patch.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, *patch.Result)
	}
	if len(sets) == 0 {
		return s.GetTask(ctx, id)
	}

	query := `UPDATE tasks SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND status NOT IN ('completed', 'failed')`
	args = append(args, id)
	if len(patch.From) > 0 {
		query += ` AND status IN (` + placeholders(len(patch.From)) + `)`
		for _, st := range patch.From {
			args = append(args, st)
		}
	}

	var affected int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, query+";", args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	if affected == 0 {
		if _, err := s.GetTask(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrStale
	}
	return s.GetTask(ctx, id)
}

// LatestTaskForRequest returns the most recently created task of a request,
// or (nil, nil).
func (s *Store) LatestTaskForRequest(ctx context.Context, requestID string) (*Task, error) {
	task, err := s.findTask(ctx, `request_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, requestID)
	if err != nil {
		return nil, fmt.Errorf("latest task for request: %w", err)
	}
	return task, nil
}

// ActiveTaskForAgent returns the newest open task assigned to agent, or
// (nil, nil).
func (s *Store) ActiveTaskForAgent(ctx context.Context, agent string) (*Task, error) {
	task, err := s.findTask(ctx, `assigned_agent = ? AND status NOT IN ('completed', 'failed')
		ORDER BY created_at DESC, rowid DESC LIMIT 1;`, agent)
	if err != nil {
		return nil, fmt.Errorf("active task for agent: %w", err)
	}
	return task, nil
}

// ListTasks returns tasks newest first.
func (s *Store) ListTasks(ctx context.Context, limit int, activeOnly bool) ([]Task, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if activeOnly {
		query += ` WHERE status NOT IN ('completed', 'failed')`
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?;`
	out, err := s.queryTasks(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return out, nil
}

// ListTasksForRequest returns every task of a request in creation order.
func (s *Store) ListTasksForRequest(ctx context.Context, requestID string) ([]Task, error) {
	out, err := s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE request_id = ? ORDER BY created_at ASC, rowid ASC;`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for request: %w", err)
	}
	return out, nil
}

// CompleteAllActiveTasks terminalizes every open task and returns how many
// it touched.
func (s *Store) CompleteAllActiveTasks(ctx context.Context, reason string) (int64, error) {
	var affected int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = 'completed', completed_at = ?, result = ?
			WHERE status NOT IN ('completed', 'failed');
		`, s.now(), reason)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("complete all active tasks: %w", err)
	}
	return affected, nil
}

// CloseOrphanedTasks completes open tasks whose request is already completed.
// It is the consistency pass after a bulk reset.
func (s *Store) CloseOrphanedTasks(ctx context.Context, reason string) (int64, error) {
	var affected int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = 'completed', completed_at = ?, result = ?
			WHERE status NOT IN ('completed', 'failed')
			  AND request_id IN (SELECT id FROM requests WHERE state = 'completed');
		`, s.now(), reason)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("close orphaned tasks: %w", err)
	}
	return affected, nil
}

// CountOpenTasksUnderCompletedRequests is zero whenever the store is
// consistent.
func (s *Store) CountOpenTasksUnderCompletedRequests(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks t JOIN requests r ON r.id = t.request_id
		WHERE t.status NOT IN ('completed', 'failed') AND r.state = 'completed';
	`).Scan(&n)
	return n, err
}
