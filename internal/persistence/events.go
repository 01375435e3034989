package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/claw-office/internal/shared"
)

// Event states beyond the request states.
const (
	EventSystem      = "system"
	EventDelivering  = "delivering"
	EventChainReturn = "chain_return"
)

type Event struct {
	ID          string    `json:"id"`
	RequestID   string    `json:"requestId,omitempty"`
	TaskID      string    `json:"taskId,omitempty"`
	State       string    `json:"state"`
	Agent       string    `json:"agent"`
	AgentName   string    `json:"agentName,omitempty"`
	AgentColor  string    `json:"agentColor,omitempty"`
	Message     string    `json:"message"`
	TargetAgent string    `json:"targetAgent,omitempty"`
	ChainID     string    `json:"chainId,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// BrokenEvent is an event whose message still carries placeholder text.
type BrokenEvent struct {
	ID        string    `json:"id"`
	RequestID string    `json:"requestId"`
	Message   string    `json:"message"`
	Time      time.Time `json:"time"`
}

type BrokenReport struct {
	Total       int           `json:"total"`
	Checked     int           `json:"checked"`
	BrokenCount int           `json:"brokenCount"`
	Broken      []BrokenEvent `json:"broken"`
}

const eventColumns = `
	id, COALESCE(request_id, ''), COALESCE(task_id, ''), state, agent,
	COALESCE(agent_name, ''), COALESCE(agent_color, ''), message,
	COALESCE(target_agent, ''), COALESCE(chain_id, ''), timestamp`

func scanEvent(scanFn func(dest ...any) error, ev *Event) error {
	if err := scanFn(
		&ev.ID,
		&ev.RequestID,
		&ev.TaskID,
		&ev.State,
		&ev.Agent,
		&ev.AgentName,
		&ev.AgentColor,
		&ev.Message,
		&ev.TargetAgent,
		&ev.ChainID,
		&ev.Timestamp,
	); err != nil {
		return err
	}
	ev.Timestamp = ev.Timestamp.UTC()
	return nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var ev Event
		if err := scanEvent(rows.Scan, &ev); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// AppendEvent persists ev, filling in its id and timestamp when empty.
func (s *Store) AppendEvent(ctx context.Context, ev *Event) error {
	if ev.ID == "" {
		ev.ID = NewEventID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO events (id, request_id, task_id, state, agent, agent_name, agent_color, message, target_agent, chain_id, timestamp)
			VALUES (?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, NULLIF(?, ''), NULLIF(?, ''), ?);
		`, ev.ID, ev.RequestID, ev.TaskID, ev.State, ev.Agent, ev.AgentName, ev.AgentColor,
			ev.Message, ev.TargetAgent, ev.ChainID, ev.Timestamp.UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents returns a page of events newest first plus the total count.
func (s *Store) ListEvents(ctx context.Context, limit, offset int) ([]Event, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events;`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}
	out, err := s.queryEvents(ctx, `SELECT `+eventColumns+` FROM events ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?;`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list events: %w", err)
	}
	return out, total, nil
}

// ListRequestEvents returns a request's events oldest first.
func (s *Store) ListRequestEvents(ctx context.Context, requestID string) ([]Event, error) {
	out, err := s.queryEvents(ctx, `SELECT `+eventColumns+` FROM events WHERE request_id = ? ORDER BY timestamp ASC, id ASC;`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list request events: %w", err)
	}
	return out, nil
}

// FixPlaceholderEvents rewrites the placeholder text in a request's events
// once its real content is known. Only the message column changes.
func (s *Store) FixPlaceholderEvents(ctx context.Context, requestID, realContent string) (int, error) {
	short := shared.Snippet(realContent, 60)
	if requestID == "" || short == "" || strings.Contains(short, shared.Placeholder) {
		return 0, nil
	}
	return s.rewriteEvents(ctx, `request_id = ? AND message LIKE ?`, []any{requestID, "%" + shared.Placeholder + "%"},
		func(msg string) string { return replacePlaceholder(msg, short) })
}

// RepairPlaceholderEvents sweeps every request whose content is known and
// rewrites leftover placeholder text in its events, including the generic
// `Done: "task"` and `Responding: "response"` labels.
func (s *Store) RepairPlaceholderEvents(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT e.request_id, r.content
		FROM events e JOIN requests r ON r.id = e.request_id
		WHERE r.content != ? AND r.content != ''
		  AND (e.message LIKE ? OR e.message LIKE ? OR e.message LIKE ?);
	`, shared.Placeholder, "%"+shared.Placeholder+"%", `%Done: "task"%`, `%Responding: "response"%`)
	if err != nil {
		return 0, fmt.Errorf("select repair candidates: %w", err)
	}
	type candidate struct{ requestID, content string }
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.requestID, &c.content); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan repair candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}

	fixed := 0
	for _, c := range candidates {
		short := shared.Snippet(c.content, 60)
		if short == "" {
			continue
		}
		n, err := s.rewriteEvents(ctx, `request_id = ?`, []any{c.requestID}, func(msg string) string {
			msg = replacePlaceholder(msg, short)
			msg = strings.ReplaceAll(msg, `Done: "task"`, `Done: "`+short+`"`)
			msg = strings.ReplaceAll(msg, `Responding: "response"`, `Responding: "`+short+`"`)
			return msg
		})
		if err != nil {
			return fixed, err
		}
		fixed += n
	}
	return fixed, nil
}

func replacePlaceholder(msg, short string) string {
	msg = strings.ReplaceAll(msg, `"`+shared.Placeholder+`"`, `"`+short+`"`)
	return strings.ReplaceAll(msg, shared.Placeholder, short)
}

// rewriteEvents applies rewrite to the message of every matching event in a
// single transaction and returns how many rows actually changed.
func (s *Store) rewriteEvents(ctx context.Context, where string, args []any, rewrite func(string) string) (int, error) {
	changed := 0
	err := retryOnBusy(ctx, busyRetries, func() error {
		changed = 0
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `SELECT id, message FROM events WHERE `+where+`;`, args...)
		if err != nil {
			return err
		}
		updates := map[string]string{}
		for rows.Next() {
			var id, msg string
			if err := rows.Scan(&id, &msg); err != nil {
				rows.Close()
				return err
			}
			if next := rewrite(msg); next != msg {
				updates[id] = next
			}
		}
		if err := rows.Close(); err != nil {
			return err
		}
		for id, msg := range updates {
			if _, err := tx.ExecContext(ctx, `UPDATE events SET message = ? WHERE id = ?;`, msg, id); err != nil {
				return err
			}
		}
		changed = len(updates)
		return tx.Commit()
	})
	if err != nil {
		return 0, fmt.Errorf("rewrite events: %w", err)
	}
	return changed, nil
}

// FindBrokenEvents scans the newest limit events for leftover placeholder
// text.
func (s *Store) FindBrokenEvents(ctx context.Context, limit int) (BrokenReport, error) {
	if limit <= 0 {
		limit = 50
	}
	events, total, err := s.ListEvents(ctx, limit, 0)
	if err != nil {
		return BrokenReport{}, err
	}
	report := BrokenReport{Total: total, Checked: len(events), Broken: []BrokenEvent{}}
	for _, ev := range events {
		if strings.Contains(ev.Message, shared.Placeholder) ||
			strings.Contains(ev.Message, `"task"`) ||
			strings.Contains(ev.Message, `"response"`) {
			report.Broken = append(report.Broken, BrokenEvent{
				ID:        ev.ID,
				RequestID: ev.RequestID,
				Message:   ev.Message,
				Time:      ev.Timestamp,
			})
		}
	}
	report.BrokenCount = len(report.Broken)
	return report, nil
}
