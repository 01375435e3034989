package persistence

import (
	"context"
	"fmt"
	"time"
)

type RetentionResult struct {
	PurgedEvents    int64 `json:"purged_events"`
	PurgedAuditLogs int64 `json:"purged_audit_logs"`
	PurgedMessages  int64 `json:"purged_messages"`
}

// RunRetention deletes records older than the configured windows. A window of
// zero keeps that category forever. Requests and tasks are never deleted.
func (s *Store) RunRetention(ctx context.Context, eventDays, auditLogDays, messageDays int) (RetentionResult, error) {
	var result RetentionResult
	now := s.now()
	var err error

	if eventDays > 0 {
		if result.PurgedEvents, err = s.deleteBefore(ctx, "events", "timestamp", now.AddDate(0, 0, -eventDays)); err != nil {
			return result, err
		}
	}
	if auditLogDays > 0 {
		if result.PurgedAuditLogs, err = s.deleteBefore(ctx, "audit_log", "created_at", now.AddDate(0, 0, -auditLogDays)); err != nil {
			return result, err
		}
	}
	if messageDays > 0 {
		if result.PurgedMessages, err = s.deleteBefore(ctx, "messages", "created_at", now.AddDate(0, 0, -messageDays)); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (s *Store) deleteBefore(ctx context.Context, table, column string, cutoff time.Time) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s < ?;`, table, column), cutoff.UTC())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", table, err)
	}
	return n, nil
}
