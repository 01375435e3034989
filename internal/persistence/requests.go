package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type RequestState string

const (
	RequestReceived    RequestState = "received"
	RequestAnalyzing   RequestState = "analyzing"
	RequestReviewing   RequestState = "reviewing"
	RequestTaskCreated RequestState = "task_created"
	RequestAssigned    RequestState = "assigned"
	RequestInProgress  RequestState = "in_progress"
	RequestCompleted   RequestState = "completed"
)

// Rank orders the forward progression of a request. reviewing sits with
// analyzing since it always precedes a return to it.
func (s RequestState) Rank() int {
	switch s {
	case RequestReceived:
		return 0
	case RequestAnalyzing, RequestReviewing:
		return 1
	case RequestTaskCreated:
		return 2
	case RequestAssigned:
		return 3
	case RequestInProgress:
		return 4
	case RequestCompleted:
		return 5
	}
	return -1
}

// Request sources.
const (
	SourceAPI                = "api"
	SourceTelegramWebhook    = "telegram_webhook"
	SourceWebsocketUser      = "websocket_user"
	SourceWebsocketLifecycle = "websocket_lifecycle"
	SourceLegacy             = "legacy"
)

// TaskRef is the denormalized view of a request's current task, kept on the
// request row so observers reading requests alone can render it.
type TaskRef struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title"`
	Detail      string `json:"detail,omitempty"`
	TargetAgent string `json:"targetAgent,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type Request struct {
	ID            string       `json:"id"`
	Content       string       `json:"content"`
	From          string       `json:"from"`
	State         RequestState `json:"state"`
	AssignedTo    string       `json:"assignedTo,omitempty"`
	Task          *TaskRef     `json:"task,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	WorkStartedAt *time.Time   `json:"workStartedAt,omitempty"`
	CompletedAt   *time.Time   `json:"completedAt,omitempty"`
	Result        string       `json:"result,omitempty"`
	Source        string       `json:"source,omitempty"`
	TgMessageID   int64        `json:"tgMessageId,omitempty"`
	ChainID       string       `json:"chainId,omitempty"`
	ClaimedAt     *time.Time   `json:"-"`
}

// RequestPatch lists the fields to change; nil fields are left alone.
// From, when non-empty, is the set of states the request must currently be
// in for the write to apply.
type RequestPatch struct {
	Content       *string
	From          []RequestState
	State         *RequestState
	AssignedTo    *string
	Task          *TaskRef
	WorkStartedAt *time.Time
	CompletedAt   *time.Time
	Result        *string
	TgMessageID   *int64
	ChainID       *string
}

const requestColumns = `
	id, content, from_name, state, COALESCE(assigned_to, ''),
	COALESCE(task_id, ''), COALESCE(task_title, ''), COALESCE(task_detail, ''),
	COALESCE(task_target_agent, ''), COALESCE(task_reason, ''),
	created_at, work_started_at, completed_at, COALESCE(result, ''),
	COALESCE(source, ''), COALESCE(tg_message_id, 0), COALESCE(chain_id, ''), claimed_at`

func scanRequest(scanFn func(dest ...any) error, req *Request) error {
	var (
		task                               TaskRef
		workStarted, completed, claimedAt sql.NullTime
	)
	if err := scanFn(
		&req.ID,
		&req.Content,
		&req.From,
		&req.State,
		&req.AssignedTo,
		&task.ID,
		&task.Title,
		&task.Detail,
		&task.TargetAgent,
		&task.Reason,
		&req.CreatedAt,
		&workStarted,
		&completed,
		&req.Result,
		&req.Source,
		&req.TgMessageID,
		&req.ChainID,
		&claimedAt,
	); err != nil {
		return err
	}
	req.CreatedAt = req.CreatedAt.UTC()
	req.WorkStartedAt = timePtr(workStarted)
	req.CompletedAt = timePtr(completed)
	req.ClaimedAt = timePtr(claimedAt)
	if task.ID != "" || task.Title != "" {
		req.Task = &task
	}
	return nil
}

func (s *Store) queryRequests(ctx context.Context, query string, args ...any) ([]Request, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Request
	for rows.Next() {
		var req Request
		if err := scanRequest(rows.Scan, &req); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// findRequest returns (nil, nil) when no row matches.
func (s *Store) findRequest(ctx context.Context, where string, args ...any) (*Request, error) {
	var req Request
	err := scanRequest(s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE `+where, args...).Scan, &req)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// CreateRequest inserts a request. Empty id, state and createdAt are filled
// in. A set ClaimedAt inserts the request already claimed. A duplicate
// tg_message_id yields ErrConflict.
func (s *Store) CreateRequest(ctx context.Context, req Request) (*Request, error) {
	if req.ID == "" {
		req.ID = NewRequestID()
	}
	if req.State == "" {
		req.State = RequestReceived
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = s.now()
	}
	req.CreatedAt = req.CreatedAt.UTC()
	task := req.Task
	if task == nil {
		task = &TaskRef{}
	}
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO requests (
				id, content, from_name, state, assigned_to,
				task_id, task_title, task_detail, task_target_agent, task_reason,
				created_at, work_started_at, completed_at, result,
				source, tg_message_id, chain_id, claimed_at
			) VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''),
				?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, 0), NULLIF(?, ''), ?);
		`, req.ID, req.Content, req.From, req.State, req.AssignedTo,
			task.ID, task.Title, task.Detail, task.TargetAgent, task.Reason,
			req.CreatedAt, nullTime(req.WorkStartedAt), nullTime(req.CompletedAt), req.Result,
			req.Source, req.TgMessageID, req.ChainID, nullTime(req.ClaimedAt))
		return err
	})
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("insert request tg_message_id=%d: %w", req.TgMessageID, ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("insert request: %w", err)
	}
	return s.GetRequest(ctx, req.ID)
}

// GetRequest returns sql.ErrNoRows when the id is unknown.
func (s *Store) GetRequest(ctx context.Context, id string) (*Request, error) {
	var req Request
	if err := scanRequest(s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?;`, id).Scan, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// UpdateRequest applies patch only while the request is not completed (and,
// when patch.From is set, only while it is in one of those states). A
// rejected precondition returns ErrStale; an unknown id sql.ErrNoRows.
func (s *Store) UpdateRequest(ctx context.Context, id string, patch RequestPatch) (*Request, error) {
	var (
		sets []string
		args []any
	)
	if patch.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *patch.Content)
	}
	if patch.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, *patch.State)
	}
	if patch.AssignedTo != nil {
		sets = append(sets, "assigned_to = NULLIF(?, '')")
		args = append(args, *patch.AssignedTo)
	}
	if patch.Task != nil {
		sets = append(sets,
			"task_id = NULLIF(?, '')", "task_title = NULLIF(?, '')", "task_detail = NULLIF(?, '')",
			"task_target_agent = NULLIF(?, '')", "task_reason = NULLIF(?, '')")
		args = append(args, patch.Task.ID, patch.Task.Title, patch.Task.Detail, patch.Task.TargetAgent, patch.Task.Reason)
	}
	if patch.WorkStartedAt != nil {
		sets = append(sets, "work_started_at = COALESCE(work_started_at, ?)")
		args = append(args, nullTime(patch.WorkStartedAt))
	}
	if patch.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, nullTime(patch.CompletedAt))
	}
	if patch.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, *patch.Result)
	}
	if patch.TgMessageID != nil {
		sets = append(sets, "tg_message_id = NULLIF(?, 0)")
		args = append(args, *patch.TgMessageID)
	}
	if patch.ChainID != nil {
		sets = append(sets, "chain_id = NULLIF(?, '')")
		args = append(args, *patch.ChainID)
	}
	if len(sets) == 0 {
		return s.GetRequest(ctx, id)
	}

	query := `UPDATE requests SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND state != 'completed'`
	args = append(args, id)
	if len(patch.From) > 0 {
		query += ` AND state IN (` + placeholders(len(patch.From)) + `)`
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
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("update request %s: %w", id, ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("update request %s: %w", id, err)
	}
	if affected == 0 {
		if _, err := s.GetRequest(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrStale
	}
	return s.GetRequest(ctx, id)
}

// FindByTgMessageID returns (nil, nil) when no request carries that id.
func (s *Store) FindByTgMessageID(ctx context.Context, tgMessageID int64) (*Request, error) {
	if tgMessageID == 0 {
		return nil, nil
	}
	req, err := s.findRequest(ctx, `tg_message_id = ?;`, tgMessageID)
	if err != nil {
		return nil, fmt.Errorf("find request by tg message id: %w", err)
	}
	return req, nil
}

// FindOldestPending returns the oldest request still in received or
// analyzing. unclaimedOnly skips requests a task-creating action has already
// claimed and requests that still own an open task.
func (s *Store) FindOldestPending(ctx context.Context, unclaimedOnly bool) (*Request, error) {
	where := `state IN ('received', 'analyzing')`
	if unclaimedOnly {
		where += ` AND claimed_at IS NULL AND NOT EXISTS (
			SELECT 1 FROM tasks WHERE tasks.request_id = requests.id
			AND tasks.status NOT IN ('completed', 'failed'))`
	}
	req, err := s.findRequest(ctx, where+` ORDER BY created_at ASC, rowid ASC LIMIT 1;`)
	if err != nil {
		return nil, fmt.Errorf("find oldest pending request: %w", err)
	}
	return req, nil
}

// ClaimRequest marks a pending request as taken by a task-creating action.
// It reports false when someone else claimed it first or it moved on.
func (s *Store) ClaimRequest(ctx context.Context, id string) (bool, error) {
	var affected int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE requests SET claimed_at = ?
			WHERE id = ? AND claimed_at IS NULL AND state != 'completed';
		`, s.now(), id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("claim request %s: %w", id, err)
	}
	return affected == 1, nil
}

// ClaimOldestPending finds and claims the oldest unclaimed pending request,
// moving to the next candidate when a concurrent caller wins the claim.
func (s *Store) ClaimOldestPending(ctx context.Context) (*Request, error) {
	for attempt := 0; attempt < 5; attempt++ {
		req, err := s.FindOldestPending(ctx, true)
		if err != nil || req == nil {
			return nil, err
		}
		ok, err := s.ClaimRequest(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			return s.GetRequest(ctx, req.ID)
		}
	}
	return nil, nil
}

// FindOldestIncomplete returns the oldest request that is not completed.
func (s *Store) FindOldestIncomplete(ctx context.Context) (*Request, error) {
	req, err := s.findRequest(ctx, `state != 'completed' ORDER BY created_at ASC, rowid ASC LIMIT 1;`)
	if err != nil {
		return nil, fmt.Errorf("find oldest incomplete request: %w", err)
	}
	return req, nil
}

// FindLastCompletedInChain returns the most recently completed request that
// shares chainID.
func (s *Store) FindLastCompletedInChain(ctx context.Context, chainID string) (*Request, error) {
	if chainID == "" {
		return nil, nil
	}
	req, err := s.findRequest(ctx, `chain_id = ? AND state = 'completed' ORDER BY completed_at DESC, rowid DESC LIMIT 1;`, chainID)
	if err != nil {
		return nil, fmt.Errorf("find last completed in chain: %w", err)
	}
	return req, nil
}

// ListRequests returns requests newest first.
func (s *Store) ListRequests(ctx context.Context, limit int, activeOnly bool) ([]Request, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + requestColumns + ` FROM requests`
	if activeOnly {
		query += ` WHERE state != 'completed'`
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?;`
	out, err := s.queryRequests(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	return out, nil
}

// ListLiveRequests returns requests that are active or were completed at or
// after since, newest first.
func (s *Store) ListLiveRequests(ctx context.Context, limit int, since time.Time) ([]Request, error) {
	if limit <= 0 {
		limit = 20
	}
	out, err := s.queryRequests(ctx, `SELECT `+requestColumns+` FROM requests
		WHERE state != 'completed' OR completed_at >= ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?;`, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list live requests: %w", err)
	}
	return out, nil
}

// CompleteAllActiveRequests terminalizes every non-completed request and
// returns the ids it touched.
func (s *Store) CompleteAllActiveRequests(ctx context.Context, reason string) ([]string, error) {
	var ids []string
	err := retryOnBusy(ctx, busyRetries, func() error {
		ids = ids[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `SELECT id FROM requests WHERE state != 'completed' ORDER BY created_at ASC;`)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return tx.Commit()
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE requests SET state = 'completed', completed_at = ?, result = ?
			WHERE state != 'completed';
		`, s.now(), reason); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, fmt.Errorf("complete all active requests: %w", err)
	}
	return ids, nil
}

// CountRequests reports total and active request counts.
func (s *Store) CountRequests(ctx context.Context) (total, active int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN state != 'completed' THEN 1 ELSE 0 END), 0) FROM requests;
	`).Scan(&total, &active)
	return total, active, err
}
