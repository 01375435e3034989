package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/claw-office/internal/correlation"
	"github.com/basket/claw-office/internal/persistence"
	"github.com/basket/claw-office/internal/shared"
)

const (
	webhookAnalyzeDelay = 800 * time.Millisecond
	webhookContentLimit = 120

	externalAssignedDelay = 1000 * time.Millisecond
	externalWorkingDelay  = 2500 * time.Millisecond
)

// IngestWebhook records an inbound chat message as a new request. A message
// id seen before is reported as a duplicate and changes nothing.
func (c *Coordinator) IngestWebhook(ctx context.Context, msg WebhookMessage) (res IngestResult, err error) {
	ctx, done := c.begin(ctx, "webhook")
	defer func() { done(err) }()

	if msg.MessageID != 0 {
		existing, err := c.store.FindByTgMessageID(ctx, msg.MessageID)
		if err != nil {
			return IngestResult{}, err
		}
		if existing != nil {
			return IngestResult{RequestID: existing.ID, Duplicate: true}, nil
		}
	}
	sender := msg.Sender
	if sender == "" {
		sender = "Unknown"
	}
	content := shared.Truncate(strings.TrimSpace(msg.Text), webhookContentLimit)
	req, err := c.store.CreateRequest(ctx, persistence.Request{
		Content:     content,
		From:        sender,
		Source:      persistence.SourceTelegramWebhook,
		TgMessageID: msg.MessageID,
	})
	if errors.Is(err, persistence.ErrConflict) {
		existing, ferr := c.store.FindByTgMessageID(ctx, msg.MessageID)
		if ferr != nil || existing == nil {
			return IngestResult{}, err
		}
		return IngestResult{RequestID: existing.ID, Duplicate: true}, nil
	}
	if err != nil {
		return IngestResult{}, err
	}

	c.CountReceived(ctx)
	c.Emit(ctx, persistence.Event{
		RequestID: req.ID,
		State:     string(persistence.RequestReceived),
		Message:   fmt.Sprintf("📥 Message from %s: \"%s\"", sender, shared.Truncate(content, 60)),
	})
	c.PublishRequest(ctx, req)

	c.pace(req.ID, "", webhookAnalyzeDelay, func(ctx context.Context) {
		state := persistence.RequestAnalyzing
		if _, err := c.Advance(ctx, req.ID, persistence.RequestPatch{
			From:  []persistence.RequestState{persistence.RequestReceived},
			State: &state,
		}); err != nil {
			return
		}
		c.Emit(ctx, persistence.Event{
			RequestID: req.ID,
			State:     string(state),
			Message:   fmt.Sprintf("🔍 Analyzing: \"%s\"", shared.Truncate(content, 50)),
		})
	})

	c.logger.Info("webhook request", "request_id", req.ID, "tg_message_id", msg.MessageID, "from", sender)
	return IngestResult{RequestID: req.ID, Created: true}, nil
}

// ExternalAssign hands the tracked (or oldest pending) request to an agent
// on behalf of the upstream gateway.
func (c *Coordinator) ExternalAssign(ctx context.Context, in AssignInput, tracker *correlation.Tracker) (res *AssignResult, err error) {
	ctx, done := c.begin(ctx, "openclaw_assign")
	defer func() { done(err) }()

	if in.Agent == "" {
		return nil, invalid("agent is required")
	}
	content := in.Content
	if content == "" {
		content = "Task assigned"
	}
	resolved, err := c.resolver.Resolve(ctx, correlation.Signal{
		ExternalMessageID: int64(in.MessageID),
		Content:           content,
		Source:            persistence.SourceAPI,
		AssignTo:          in.Agent,
		Claim:             true,
		KeepContent:       true,
	}, tracker)
	if err != nil {
		return nil, err
	}
	req := resolved.Request
	if req.State == persistence.RequestCompleted {
		return nil, invalid("Request already completed")
	}
	target := c.agents.Resolve(in.Agent)
	reason := in.Reason
	if reason == "" {
		reason = "Assigned"
	}
	title := requestTitle(req)

	task, err := c.store.CreateTask(ctx, persistence.Task{
		RequestID:     req.ID,
		Title:         title,
		Detail:        req.Content,
		AssignedAgent: in.Agent,
		Status:        persistence.TaskPending,
	})
	if err != nil {
		return nil, c.stepError(err)
	}
	c.publishTask(task)
	state := persistence.RequestTaskCreated
	ref := &persistence.TaskRef{ID: task.ID, Title: title, Detail: req.Content, TargetAgent: in.Agent, Reason: reason}
	if _, err := c.Advance(ctx, req.ID, persistence.RequestPatch{State: &state, Task: ref}); err != nil {
		return nil, c.stepError(err)
	}
	c.Emit(ctx, persistence.Event{
		RequestID:   req.ID,
		TaskID:      task.ID,
		State:       string(state),
		Message:     fmt.Sprintf("📋 Task created → %s: %s", target.Name, reason),
		TargetAgent: in.Agent,
	})

	c.pace(req.ID, task.ID, externalAssignedDelay, func(ctx context.Context) {
		updated, err := c.updateTask(ctx, task.ID, persistence.TaskPatch{Status: ptr(persistence.TaskAssigned)})
		if err != nil {
			return
		}
		if _, err := c.syncRequest(ctx, updated, persistence.RequestPatch{}); err != nil {
			return
		}
		c.Emit(ctx, persistence.Event{
			RequestID: req.ID,
			TaskID:    task.ID,
			State:     string(persistence.RequestAssigned),
			Agent:     in.Agent,
			Message:   fmt.Sprintf("%s %s received task", target.Emoji, target.Name),
		})
	})
	c.pace(req.ID, task.ID, externalWorkingDelay, func(ctx context.Context) {
		updated, err := c.updateTask(ctx, task.ID, persistence.TaskPatch{
			Status:    ptr(persistence.TaskInProgress),
			StartedAt: ptr(c.now()),
		})
		if err != nil {
			return
		}
		if _, err := c.syncRequest(ctx, updated, persistence.RequestPatch{}); err != nil {
			return
		}
		c.Emit(ctx, persistence.Event{
			RequestID: req.ID,
			TaskID:    task.ID,
			State:     string(persistence.RequestInProgress),
			Agent:     in.Agent,
			Message:   fmt.Sprintf("⚡ %s working...", target.Name),
		})
	})

	if in.Notify && !c.agents.IsOrchestrator(in.Agent) {
		c.notify(ctx, in.Agent, shared.Snippet(req.Content, 100), in.NotifyDetails)
	}
	if tracker != nil {
		tracker.Track(req.ID)
	}
	return &AssignResult{
		Success:   true,
		RequestID: req.ID,
		Agent:     in.Agent,
		Message:   "Task assigned to " + target.Name,
	}, nil
}

// ExternalComplete closes a request named by id, by upstream message id or
// by the tracker. It is an explicit signal, so delegated work is closed too.
func (c *Coordinator) ExternalComplete(ctx context.Context, in ExternalCompleteInput, tracker *correlation.Tracker) (res *ExternalCompleteResult, err error) {
	ctx, done := c.begin(ctx, "openclaw_complete")
	defer func() { done(err) }()

	var req *persistence.Request
	switch {
	case in.RequestID != "":
		req, err = lookupRequest(ctx, c.store, in.RequestID)
	case in.MessageID != 0:
		req, err = c.store.FindByTgMessageID(ctx, int64(in.MessageID))
	case tracker != nil:
		req, err = lookupRequest(ctx, c.store, tracker.Current())
	}
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, notFound("No active request found")
	}
	if req.State == persistence.RequestCompleted {
		return &ExternalCompleteResult{Success: true, RequestID: req.ID, AlreadyCompleted: true}, nil
	}

	worker := req.AssignedTo
	if worker == "" {
		worker = c.agents.Orchestrator()
	}
	task, err := c.store.LatestTaskForRequest(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if task != nil && !task.Status.Terminal() {
		out, err := c.completeTask(ctx, task, worker, true, in.Result, false)
		if err != nil {
			return nil, err
		}
		if out.lost {
			return &ExternalCompleteResult{Success: true, RequestID: req.ID, AlreadyCompleted: true}, nil
		}
	} else {
		now := c.now()
		state := persistence.RequestCompleted
		result := in.Result
		if result == "" {
			result = "Completed"
		}
		if _, err := c.Advance(ctx, req.ID, persistence.RequestPatch{State: &state, CompletedAt: &now, Result: &result}); err != nil {
			if errors.Is(err, persistence.ErrStale) {
				return &ExternalCompleteResult{Success: true, RequestID: req.ID, AlreadyCompleted: true}, nil
			}
			return nil, err
		}
		c.sched.CancelGroup(req.ID)
	}

	summary := in.Result
	if summary == "" {
		summary = "Done"
	}
	c.Emit(ctx, persistence.Event{
		RequestID: req.ID,
		State:     string(persistence.RequestCompleted),
		Agent:     worker,
		Message:   "✅ Completed: " + shared.Truncate(summary, 50),
	})
	if tracker != nil && tracker.Current() == req.ID {
		tracker.Track("")
	}
	return &ExternalCompleteResult{Success: true, RequestID: req.ID}, nil
}

// BeginWork moves a request's open task to in_progress under agentID,
// creating the task when the request has none, and mirrors the change onto
// the request. agentID may be empty to keep the current assignee.
func (c *Coordinator) BeginWork(ctx context.Context, req *persistence.Request, agentID, title string) (*persistence.Task, error) {
	task, err := c.store.LatestTaskForRequest(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	now := c.now()
	if task == nil || task.Status.Terminal() {
		owner := agentID
		if owner == "" {
			owner = req.AssignedTo
		}
		if owner == "" {
			owner = c.agents.Orchestrator()
		}
		task, err = c.store.CreateTask(ctx, persistence.Task{
			RequestID:     req.ID,
			Title:         shared.Truncate(title, 80),
			Detail:        title,
			AssignedAgent: owner,
			Status:        persistence.TaskInProgress,
			StartedAt:     &now,
		})
		if err != nil {
			return nil, err
		}
		c.publishTask(task)
	} else if task.Status != persistence.TaskInProgress || (agentID != "" && agentID != task.AssignedAgent) {
		patch := persistence.TaskPatch{Status: ptr(persistence.TaskInProgress), StartedAt: &now}
		if agentID != "" {
			patch.AssignedAgent = &agentID
		}
		task, err = c.updateTask(ctx, task.ID, patch)
		if err != nil {
			return nil, err
		}
	}
	if _, err := c.syncRequest(ctx, task, persistence.RequestPatch{}); err != nil {
		return task, err
	}
	return task, nil
}

// Delegate hands a request's work to agentID: its open task is reassigned
// (or a pending one created) and the request's task reference updated.
func (c *Coordinator) Delegate(ctx context.Context, req *persistence.Request, agentID, detail string) (*persistence.Task, error) {
	task, err := c.store.LatestTaskForRequest(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if detail == "" {
		detail = requestTitle(req)
	}
	title := shared.Truncate(detail, 80)
	if task == nil || task.Status.Terminal() {
		task, err = c.store.CreateTask(ctx, persistence.Task{
			RequestID:     req.ID,
			Title:         title,
			Detail:        detail,
			AssignedAgent: agentID,
			Status:        persistence.TaskPending,
		})
		if err != nil {
			return nil, err
		}
		c.publishTask(task)
	} else {
		task, err = c.updateTask(ctx, task.ID, persistence.TaskPatch{AssignedAgent: &agentID})
		if err != nil {
			return nil, err
		}
	}
	state := persistence.RequestTaskCreated
	ref := &persistence.TaskRef{ID: task.ID, Title: title, Detail: detail, TargetAgent: agentID, Reason: "Delegated"}
	if _, err := c.Advance(ctx, req.ID, persistence.RequestPatch{State: &state, AssignedTo: &agentID, Task: ref}); err != nil {
		return task, err
	}
	return task, nil
}
