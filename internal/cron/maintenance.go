package cron

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/claw-office/internal/config"
	"github.com/basket/claw-office/internal/coordinator"
)

const (
	JobRepair    = "repair"
	JobRetention = "retention"
)

// MaintenanceJobs builds the repair and retention jobs. settings is read on
// every run so retention windows follow config reloads; schedules are fixed
// at construction.
func MaintenanceJobs(coord *coordinator.Coordinator, settings func() config.Config, logger *slog.Logger) []Job {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := settings()
	return []Job{
		{
			Name: JobRepair,
			Spec: cfg.Maintenance.RepairSchedule,
			Run: func(ctx context.Context) error {
				res, err := coord.RepairEvents(ctx)
				if err != nil {
					return fmt.Errorf("repair events: %w", err)
				}
				orphans, err := coord.Store().CloseOrphanedTasks(ctx, "Request already completed")
				if err != nil {
					return err
				}
				if res.Fixed > 0 || orphans > 0 {
					logger.Info("maintenance: repair pass", "events_fixed", res.Fixed, "orphans_closed", orphans)
				}
				return nil
			},
		},
		{
			Name: JobRetention,
			Spec: cfg.Maintenance.RetentionSchedule,
			Run: func(ctx context.Context) error {
				c := settings()
				res, err := coord.Store().RunRetention(ctx, c.RetentionEventsDays, c.RetentionAuditLogDays, c.RetentionMessagesDays)
				if err != nil {
					return fmt.Errorf("retention: %w", err)
				}
				logger.Info("maintenance: retention pass",
					"purged_events", res.PurgedEvents,
					"purged_audit_logs", res.PurgedAuditLogs,
					"purged_messages", res.PurgedMessages,
				)
				return nil
			},
		},
	}
}
