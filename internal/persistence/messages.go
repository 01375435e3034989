package persistence

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
)

// Message is a free-form operator/agent note shown alongside the pipeline.
type Message struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	From      string    `json:"from"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

const messageHistoryLimit = 50

func (s *Store) AddMessage(ctx context.Context, msg Message) (*Message, error) {
	if msg.ID == "" {
		msg.ID = "msg_" + ulid.Make().String()
	}
	if msg.Type == "" {
		msg.Type = "info"
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	msg.Timestamp = msg.Timestamp.UTC()
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (id, message, from_name, type, created_at) VALUES (?, ?, ?, ?, ?);
		`, msg.ID, msg.Message, msg.From, msg.Type, msg.Timestamp)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return &msg, nil
}

// ListMessages returns the most recent messages in chronological order.
func (s *Store) ListMessages(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 || limit > messageHistoryLimit {
		limit = messageHistoryLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message, from_name, type, created_at FROM messages
		ORDER BY created_at DESC, id DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.Message, &msg.From, &msg.Type, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Timestamp = msg.Timestamp.UTC()
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}
