package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type DailyStats struct {
	Date             string  `json:"date"`
	MessagesReceived int64   `json:"messagesReceived"`
	MessagesSent     int64   `json:"messagesSent"`
	TasksCompleted   int64   `json:"tasksCompleted"`
	TokensIn         int64   `json:"tokensIn"`
	TokensOut        int64   `json:"tokensOut"`
	TaskTimeMs       int64   `json:"taskTimeMs"`
	Savings          float64 `json:"savings"`
}

type AgentStats struct {
	Agent           string     `json:"agent"`
	TasksCompleted  int64      `json:"tasksCompleted"`
	TaskTimeMs      int64      `json:"taskTimeMs"`
	LastCompletedAt *time.Time `json:"lastCompletedAt,omitempty"`
}

// MessageDirection selects which message counter to bump.
type MessageDirection string

const (
	MessagesReceived MessageDirection = "received"
	MessagesSent     MessageDirection = "sent"
)

func (s *Store) today() string {
	return s.now().Format("2006-01-02")
}

func (s *Store) bumpDaily(ctx context.Context, column string, delta any) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO daily_stats (date, %[1]s) VALUES (?, ?)
			ON CONFLICT(date) DO UPDATE SET %[1]s = %[1]s + excluded.%[1]s;
		`, column), s.today(), delta)
		return err
	})
}

// IncrementMessages bumps today's received or sent counter.
func (s *Store) IncrementMessages(ctx context.Context, dir MessageDirection) error {
	column := "messages_received"
	if dir == MessagesSent {
		column = "messages_sent"
	}
	if err := s.bumpDaily(ctx, column, 1); err != nil {
		return fmt.Errorf("increment %s: %w", column, err)
	}
	return nil
}

// AddTokens accumulates token usage for today.
func (s *Store) AddTokens(ctx context.Context, in, out int64) error {
	if in == 0 && out == 0 {
		return nil
	}
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO daily_stats (date, tokens_in, tokens_out) VALUES (?, ?, ?)
			ON CONFLICT(date) DO UPDATE SET tokens_in = tokens_in + excluded.tokens_in, tokens_out = tokens_out + excluded.tokens_out;
		`, s.today(), in, out)
		return err
	})
	if err != nil {
		return fmt.Errorf("add tokens: %w", err)
	}
	return nil
}

// RecordTaskCompletion adds one completed task to today's and the agent's
// totals.
func (s *Store) RecordTaskCompletion(ctx context.Context, agent string, taskTime time.Duration, savings float64) error {
	ms := taskTime.Milliseconds()
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO daily_stats (date, tasks_completed, task_time_ms, savings) VALUES (?, 1, ?, ?)
			ON CONFLICT(date) DO UPDATE SET
				tasks_completed = tasks_completed + 1,
				task_time_ms = task_time_ms + excluded.task_time_ms,
				savings = savings + excluded.savings;
		`, s.today(), ms, savings); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_stats (agent, tasks_completed, task_time_ms, last_completed_at) VALUES (?, 1, ?, ?)
			ON CONFLICT(agent) DO UPDATE SET
				tasks_completed = tasks_completed + 1,
				task_time_ms = task_time_ms + excluded.task_time_ms,
				last_completed_at = excluded.last_completed_at;
		`, agent, ms, s.now()); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("record task completion: %w", err)
	}
	return nil
}

const statsColumns = `messages_received, messages_sent, tasks_completed, tokens_in, tokens_out, task_time_ms, savings`

// TodayStats returns today's counters; a day without activity is all zeros.
func (s *Store) TodayStats(ctx context.Context) (DailyStats, error) {
	st := DailyStats{Date: s.today()}
	err := s.db.QueryRowContext(ctx, `SELECT `+statsColumns+` FROM daily_stats WHERE date = ?;`, st.Date).Scan(
		&st.MessagesReceived, &st.MessagesSent, &st.TasksCompleted, &st.TokensIn, &st.TokensOut, &st.TaskTimeMs, &st.Savings)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("today stats: %w", err)
	}
	return st, nil
}

// AllTimeStats sums every day.
func (s *Store) AllTimeStats(ctx context.Context) (DailyStats, error) {
	st := DailyStats{Date: "all"}
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(messages_received), 0), COALESCE(SUM(messages_sent), 0), COALESCE(SUM(tasks_completed), 0),
		       COALESCE(SUM(tokens_in), 0), COALESCE(SUM(tokens_out), 0), COALESCE(SUM(task_time_ms), 0), COALESCE(SUM(savings), 0)
		FROM daily_stats;
	`).Scan(&st.MessagesReceived, &st.MessagesSent, &st.TasksCompleted, &st.TokensIn, &st.TokensOut, &st.TaskTimeMs, &st.Savings)
	if err != nil {
		return st, fmt.Errorf("all-time stats: %w", err)
	}
	return st, nil
}

// ListAgentStats returns per-agent completion totals, busiest first.
func (s *Store) ListAgentStats(ctx context.Context) ([]AgentStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent, tasks_completed, task_time_ms, last_completed_at FROM agent_stats
		ORDER BY tasks_completed DESC, agent ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list agent stats: %w", err)
	}
	defer rows.Close()
	var out []AgentStats
	for rows.Next() {
		var (
			st   AgentStats
			last sql.NullTime
		)
		if err := rows.Scan(&st.Agent, &st.TasksCompleted, &st.TaskTimeMs, &last); err != nil {
			return nil, fmt.Errorf("scan agent stats: %w", err)
		}
		st.LastCompletedAt = timePtr(last)
		out = append(out, st)
	}
	return out, rows.Err()
}
