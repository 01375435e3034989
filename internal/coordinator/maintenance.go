package coordinator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/basket/claw-office/internal/audit"
	"github.com/basket/claw-office/internal/persistence"
)

// ClearPipeline terminalizes every active request and task. A single system
// event is recorded, and only when something was actually cleared.
func (c *Coordinator) ClearPipeline(ctx context.Context, reason string) (res *ClearResult, err error) {
	ctx, done := c.begin(ctx, "clear_pipeline")
	defer func() { done(err) }()

	if reason == "" {
		reason = "Session reset"
	}
	ids, err := c.store.CompleteAllActiveRequests(ctx, reason)
	if err != nil {
		return nil, fmt.Errorf("clear_pipeline: requests: %w", err)
	}
	tasks, err := c.store.CompleteAllActiveTasks(ctx, reason)
	if err != nil {
		return nil, fmt.Errorf("clear_pipeline: tasks: %w", err)
	}
	// A request created between the two bulk writes may have left a task
	// behind under an already completed request.
	if orphans, err := c.store.CloseOrphanedTasks(ctx, reason); err != nil {
		c.logger.Warn("clear_pipeline: orphan pass failed", "error", err)
	} else if orphans > 0 {
		c.logger.Warn("clear_pipeline: closed orphaned tasks", "count", orphans)
		tasks += orphans
	}
	for _, id := range ids {
		c.sched.CancelGroup(id)
	}

	if len(ids) > 0 || tasks > 0 {
		noun := "requests"
		if len(ids) == 1 {
			noun = "request"
		}
		c.Emit(ctx, persistence.Event{
			State:   persistence.EventSystem,
			Message: fmt.Sprintf("🔄 Pipeline cleared: %d %s, %d task(s) completed (%s)", len(ids), noun, tasks, reason),
		})
	}
	for _, id := range ids {
		c.publishRequestID(ctx, id)
	}
	audit.Record(ctx, "pipeline.clear", audit.DecisionAllow, reason,
		"requests="+strconv.Itoa(len(ids))+" tasks="+strconv.FormatInt(tasks, 10))
	c.logger.Info("pipeline cleared", "requests", len(ids), "tasks", tasks, "reason", reason)
	return &ClearResult{Success: true, Cleared: len(ids), ClearedTasks: tasks}, nil
}

// DebugEvents reports events that still carry placeholder text.
func (c *Coordinator) DebugEvents(ctx context.Context, limit int) (res persistence.BrokenReport, err error) {
	ctx, done := c.begin(ctx, "debug_events")
	defer func() { done(err) }()
	if limit <= 0 {
		limit = 50
	}
	return c.store.FindBrokenEvents(ctx, limit)
}

// RepairEvents rewrites placeholder text in recorded events.
func (c *Coordinator) RepairEvents(ctx context.Context) (res *RepairResult, err error) {
	ctx, done := c.begin(ctx, "repair_events")
	defer func() { done(err) }()

	fixed, err := c.store.RepairPlaceholderEvents(ctx)
	if err != nil {
		return nil, err
	}
	if fixed > 0 {
		audit.Record(ctx, "events.repair", audit.DecisionAllow, "placeholder repair", "fixed="+strconv.Itoa(fixed))
	}
	return &RepairResult{Success: true, Fixed: fixed, Message: fmt.Sprintf("Repaired %d event(s)", fixed)}, nil
}

// Snapshot is the initial state for a stream subscriber: recent events,
// requests that are open or finished in the last two minutes, and open
// tasks.
func (c *Coordinator) Snapshot(ctx context.Context) (*Snapshot, error) {
	events, _, err := c.store.ListEvents(ctx, 50, 0)
	if err != nil {
		return nil, err
	}
	requests, err := c.store.ListLiveRequests(ctx, 20, c.now().Add(-2*time.Minute))
	if err != nil {
		return nil, err
	}
	tasks, err := c.store.ListTasks(ctx, 20, true)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Events: nonNil(events), Requests: nonNil(requests), Tasks: nonNil(tasks)}, nil
}

// Overview is the default workflow read.
func (c *Coordinator) Overview(ctx context.Context) (*Overview, error) {
	requests, err := c.store.ListRequests(ctx, 20, false)
	if err != nil {
		return nil, err
	}
	events, _, err := c.store.ListEvents(ctx, 30, 0)
	if err != nil {
		return nil, err
	}
	tasks, err := c.store.ListTasks(ctx, 10, false)
	if err != nil {
		return nil, err
	}
	return &Overview{Requests: nonNil(requests), Events: nonNil(events), Tasks: nonNil(tasks)}, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
