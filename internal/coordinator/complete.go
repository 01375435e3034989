package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basket/claw-office/internal/otel"
	"github.com/basket/claw-office/internal/persistence"
	"github.com/basket/claw-office/internal/shared"
)

const (
	chainReturnDelay = 500 * time.Millisecond
	deliveryDelay    = 2500 * time.Millisecond
	// defaultTaskTime is charged when a task never recorded a start.
	defaultTaskTime = 5 * time.Second
)

type completion struct {
	task     *persistence.Task
	taskTime time.Duration
	savings  float64
	// lost is set when another completion got there first.
	lost bool
}

// completeTask is the single completion write for a task. Of several racing
// callers exactly one wins; the others get lost=true and change nothing.
// The winner mirrors the result onto the request and, when stats is set,
// records the completion once.
func (c *Coordinator) completeTask(ctx context.Context, task *persistence.Task, agentID string, success bool, result string, stats bool) (completion, error) {
	if task.Status.Terminal() {
		return completion{task: task, lost: true}, nil
	}
	status := persistence.TaskCompleted
	if !success {
		status = persistence.TaskFailed
	}
	if result == "" {
		result = "Completed"
		if !success {
			result = "Failed"
		}
	}
	now := c.now()
	updated, err := c.store.UpdateTask(ctx, task.ID, persistence.TaskPatch{
		Status:      &status,
		CompletedAt: &now,
		Result:      &result,
	})
	if errors.Is(err, persistence.ErrStale) {
		otel.Add(ctx, c.metrics.StaleWrites, 1, otel.AttrTaskID.String(task.ID))
		return completion{task: task, lost: true}, nil
	}
	if err != nil {
		return completion{}, fmt.Errorf("complete task %s: %w", task.ID, err)
	}
	c.sched.CancelGroup(task.RequestID)
	c.publishTask(updated)

	out := completion{task: updated, taskTime: defaultTaskTime}
	if updated.StartedAt != nil {
		out.taskTime = now.Sub(*updated.StartedAt)
	}
	if stats {
		out.savings = c.savings.Estimate(agentID, out.taskTime)
		if err := c.store.RecordTaskCompletion(ctx, agentID, out.taskTime, out.savings); err != nil {
			c.logger.Warn("coordinator: record completion failed", "task_id", task.ID, "error", err)
		}
		if err := c.store.IncrementMessages(ctx, persistence.MessagesSent); err != nil {
			c.logger.Warn("coordinator: count sent failed", "error", err)
		}
	}
	if _, err := c.syncRequest(ctx, updated, persistence.RequestPatch{}); err != nil && !errors.Is(err, persistence.ErrStale) {
		c.logger.Warn("coordinator: sync completed request failed", "request_id", updated.RequestID, "error", err)
	}

	otel.Add(ctx, c.metrics.Completions, 1, otel.AttrAgentID.String(agentID), otel.AttrOutcome.String(string(status)))
	otel.Record(ctx, c.metrics.TaskDuration, out.taskTime.Seconds(), otel.AttrAgentID.String(agentID))
	c.logger.Info("task completed", "task_id", updated.ID, "request_id", updated.RequestID, "agent", agentID,
		"status", status, "task_time_ms", out.taskTime.Milliseconds())
	return out, nil
}

// announceReturn paces the hand-back of a delegated agent's results to the
// orchestrator.
func (c *Coordinator) announceReturn(requestID, agentID string) {
	orch := c.agents.Orchestrator()
	if agentID == orch {
		return
	}
	info := c.agents.Resolve(agentID)
	orchInfo := c.agents.Resolve(orch)
	c.After(requestID, chainReturnDelay, func(context.Context) {
		c.announce(persistence.Event{
			RequestID:   requestID,
			State:       persistence.EventChainReturn,
			Agent:       agentID,
			Message:     fmt.Sprintf("📨 %s returning results to %s", info.Name, orchInfo.Name),
			TargetAgent: orch,
		})
	})
	c.After(requestID, deliveryDelay, func(ctx context.Context) {
		c.Emit(ctx, persistence.Event{
			RequestID: requestID,
			State:     persistence.EventDelivering,
			Agent:     orch,
			Message:   fmt.Sprintf("📬 %s received results from %s", orchInfo.Name, info.Name),
		})
		c.publishRequestID(ctx, requestID)
	})
}

func (c *Coordinator) completedEvent(ctx context.Context, task *persistence.Task, agentID string, success bool) {
	mark := "✅"
	if !success {
		mark = "❌"
	}
	c.Emit(ctx, persistence.Event{
		RequestID: task.RequestID,
		TaskID:    task.ID,
		State:     string(persistence.RequestCompleted),
		Agent:     agentID,
		Message:   fmt.Sprintf("%s %s completed: \"%s\"", mark, c.agents.Resolve(agentID).Name, shared.Snippet(task.Title, 50)),
	})
}

// AgentComplete closes the active task of an agent.
func (c *Coordinator) AgentComplete(ctx context.Context, in AgentCompleteInput) (res *CompleteResult, err error) {
	ctx, done := c.begin(ctx, "agent_complete")
	defer func() { done(err) }()

	if in.Agent == "" {
		return nil, invalid("agent is required")
	}
	task, err := c.store.ActiveTaskForAgent(ctx, in.Agent)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return &CompleteResult{Success: true, Noop: true, Message: "No active task for " + in.Agent}, nil
	}
	return c.finish(ctx, task, in.Agent, in.Success == nil || *in.Success, in.Result)
}

// DelegateComplete closes a task found by id, or the latest task of a
// request.
func (c *Coordinator) DelegateComplete(ctx context.Context, in DelegateCompleteInput) (res *CompleteResult, err error) {
	ctx, done := c.begin(ctx, "delegate_complete")
	defer func() { done(err) }()

	var task *persistence.Task
	switch {
	case in.TaskID != "":
		task, err = lookupTask(ctx, c.store, in.TaskID)
	case in.RequestID != "":
		task, err = c.store.LatestTaskForRequest(ctx, in.RequestID)
	}
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, notFound("Task not found")
	}
	if task.Status.Terminal() {
		return &CompleteResult{Success: true, RequestID: task.RequestID, TaskID: task.ID, AlreadyCompleted: true}, nil
	}
	agentID := in.Agent
	if agentID == "" {
		agentID = task.AssignedAgent
	}
	if agentID == "" {
		agentID = c.agents.Orchestrator()
	}
	return c.finish(ctx, task, agentID, in.Success == nil || *in.Success, in.Result)
}

func (c *Coordinator) finish(ctx context.Context, task *persistence.Task, agentID string, success bool, result string) (*CompleteResult, error) {
	out, err := c.completeTask(ctx, task, agentID, success, result, true)
	if err != nil {
		return nil, err
	}
	if out.lost {
		return &CompleteResult{Success: true, RequestID: task.RequestID, TaskID: task.ID, AlreadyCompleted: true}, nil
	}
	c.completedEvent(ctx, out.task, agentID, success)
	c.announceReturn(task.RequestID, agentID)
	return &CompleteResult{
		Success:    true,
		RequestID:  task.RequestID,
		TaskID:     task.ID,
		Savings:    out.savings,
		TaskTimeMs: out.taskTime.Milliseconds(),
	}, nil
}

// delegatedAway reports whether a request's work belongs to an agent other
// than the orchestrator. Passive signals from the orchestrator's own
// session must not close such work.
func (c *Coordinator) delegatedAway(req *persistence.Request, task *persistence.Task) bool {
	owner := req.AssignedTo
	if task != nil && task.AssignedAgent != "" {
		owner = task.AssignedAgent
	}
	return owner != "" && !c.agents.IsOrchestrator(owner)
}

// CompletePassive closes a request on an inferred signal such as the end
// of an upstream run. Delegated work is left alone and a request that is
// already completed is not touched again.
func (c *Coordinator) CompletePassive(ctx context.Context, requestID, fallbackTitle string) (PassiveOutcome, error) {
	req, err := lookupRequest(ctx, c.store, requestID)
	if err != nil {
		return "", err
	}
	if req == nil {
		return PassiveNothing, nil
	}
	if req.State == persistence.RequestCompleted {
		return PassiveAlreadyCompleted, nil
	}
	task, err := c.store.LatestTaskForRequest(ctx, req.ID)
	if err != nil {
		return "", err
	}
	if c.delegatedAway(req, task) {
		c.logger.Debug("coordinator: passive completion skipped for delegated work", "request_id", req.ID)
		return PassiveDelegated, nil
	}

	agentID := req.AssignedTo
	if agentID == "" {
		agentID = c.agents.Orchestrator()
	}
	if task != nil && !task.Status.Terminal() {
		out, err := c.completeTask(ctx, task, agentID, true, "", false)
		if err != nil {
			return "", err
		}
		if out.lost {
			return PassiveAlreadyCompleted, nil
		}
	} else {
		now := c.now()
		state := persistence.RequestCompleted
		result := "Completed"
		_, err := c.Advance(ctx, req.ID, persistence.RequestPatch{State: &state, CompletedAt: &now, Result: &result})
		if errors.Is(err, persistence.ErrStale) {
			return PassiveAlreadyCompleted, nil
		}
		if err != nil {
			return "", err
		}
		c.sched.CancelGroup(req.ID)
	}

	title := fallbackTitle
	switch {
	case req.Task != nil && req.Task.Title != "":
		title = req.Task.Title
	case req.Content != "" && req.Content != shared.Placeholder:
		title = req.Content
	}
	if title == "" {
		title = "task"
	}
	c.Emit(ctx, persistence.Event{
		RequestID: req.ID,
		State:     string(persistence.RequestCompleted),
		Agent:     agentID,
		Message:   fmt.Sprintf("✅ Done: \"%s\"", shared.Snippet(title, 60)),
	})
	return PassiveCompleted, nil
}
