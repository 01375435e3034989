package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/basket/claw-office/internal/agent"
	"github.com/basket/claw-office/internal/persistence"
	"github.com/basket/claw-office/internal/shared"
)

// The step actions below drive one transition per call. Clients that
// predate start_flow still use them.

func (c *Coordinator) NewRequest(ctx context.Context, in StepInput) (res *StepResult, err error) {
	ctx, done := c.begin(ctx, "new_request")
	defer func() { done(err) }()

	if in.Content == "" {
		return nil, invalid("content is required")
	}
	from := in.From
	if from == "" {
		from = "Boss"
	}
	req, err := c.store.CreateRequest(ctx, persistence.Request{
		Content: in.Content,
		From:    from,
		Source:  persistence.SourceLegacy,
	})
	if err != nil {
		return nil, err
	}
	c.CountReceived(ctx)
	if in.TokensInput > 0 || in.TokensOutput > 0 {
		if err := c.store.AddTokens(ctx, in.TokensInput, in.TokensOutput); err != nil {
			c.logger.Warn("new_request: token accounting failed", "error", err)
		}
	}
	c.Emit(ctx, persistence.Event{
		RequestID: req.ID,
		State:     string(persistence.RequestReceived),
		Message:   fmt.Sprintf("📥 Request from %s: \"%s\"", from, shared.Snippet(in.Content, 60)),
	})
	c.PublishRequest(ctx, req)
	return &StepResult{Success: true, Request: req, NextState: string(persistence.RequestAnalyzing)}, nil
}

func (c *Coordinator) Analyze(ctx context.Context, in StepInput) (res *StepResult, err error) {
	ctx, done := c.begin(ctx, "analyze")
	defer func() { done(err) }()

	req, err := lookupRequest(ctx, c.store, in.RequestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, notFound("Request not found")
	}
	decision := c.router.Route(req.Content)
	if in.Target != "" {
		decision = agent.Decision{Agent: in.Target, Reason: "Requested target"}
	}
	state := persistence.RequestAnalyzing
	updated, err := c.Advance(ctx, req.ID, persistence.RequestPatch{State: &state})
	if err != nil {
		return nil, c.stepError(err)
	}
	c.Emit(ctx, persistence.Event{
		RequestID: req.ID,
		State:     string(state),
		Message:   fmt.Sprintf("🔍 Analyzing: \"%s\"", shared.Snippet(req.Content, 40)),
	})
	return &StepResult{Success: true, Request: updated, Analysis: &decision, NextState: string(persistence.RequestTaskCreated)}, nil
}

func (c *Coordinator) CreateTask(ctx context.Context, in StepInput) (res *StepResult, err error) {
	ctx, done := c.begin(ctx, "create_task")
	defer func() { done(err) }()

	req, err := lookupRequest(ctx, c.store, in.RequestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, notFound("Request not found")
	}
	decision := c.router.Route(req.Content)
	if in.Analysis != nil && in.Analysis.Agent != "" {
		decision = *in.Analysis
	}
	target := c.agents.Resolve(decision.Agent)
	title := shared.Snippet(req.Content, 50)

	task, err := c.store.CreateTask(ctx, persistence.Task{
		RequestID:     req.ID,
		Title:         title,
		Detail:        req.Content,
		AssignedAgent: decision.Agent,
		Status:        persistence.TaskAssigned,
	})
	if err != nil {
		return nil, c.stepError(err)
	}
	c.publishTask(task)
	ref := &persistence.TaskRef{ID: task.ID, Title: title, Detail: req.Content, TargetAgent: decision.Agent, Reason: decision.Reason}
	state := persistence.RequestTaskCreated
	updated, err := c.Advance(ctx, req.ID, persistence.RequestPatch{State: &state, Task: ref})
	if err != nil {
		return nil, c.stepError(err)
	}
	c.Emit(ctx, persistence.Event{
		RequestID:   req.ID,
		TaskID:      task.ID,
		State:       string(state),
		Message:     fmt.Sprintf("📋 Task created → %s: %s", target.Name, decision.Reason),
		TargetAgent: decision.Agent,
	})
	return &StepResult{Success: true, Request: updated, Task: ref, NextState: string(persistence.RequestAssigned)}, nil
}

func (c *Coordinator) Assign(ctx context.Context, in StepInput) (res *StepResult, err error) {
	ctx, done := c.begin(ctx, "assign")
	defer func() { done(err) }()

	req, err := lookupRequest(ctx, c.store, in.RequestID)
	if err != nil {
		return nil, err
	}
	if req == nil || req.Task == nil {
		return nil, notFound("Request/task not found")
	}
	targetID := req.Task.TargetAgent
	if targetID == "" {
		targetID = c.agents.Orchestrator()
	}
	target := c.agents.Resolve(targetID)
	self := c.agents.IsOrchestrator(targetID)

	if task, err := c.store.LatestTaskForRequest(ctx, req.ID); err == nil && task != nil && !task.Status.Terminal() {
		if _, err := c.updateTask(ctx, task.ID, persistence.TaskPatch{Status: ptr(persistence.TaskAssigned), AssignedAgent: &targetID}); err != nil && !errors.Is(err, persistence.ErrStale) {
			return nil, err
		}
	}
	state := persistence.RequestAssigned
	updated, err := c.Advance(ctx, req.ID, persistence.RequestPatch{State: &state, AssignedTo: &targetID})
	if err != nil {
		return nil, c.stepError(err)
	}
	msg := fmt.Sprintf("📧 Delegating to %s: \"%s\"", target.Name, req.Task.Title)
	if self {
		msg = fmt.Sprintf("📧 Taking this one myself: \"%s\"", req.Task.Title)
	}
	c.Emit(ctx, persistence.Event{
		RequestID:   req.ID,
		TaskID:      req.Task.ID,
		State:       string(state),
		Message:     msg,
		TargetAgent: targetID,
	})
	return &StepResult{
		Success:        true,
		Request:        updated,
		AssignedTo:     targetID,
		IsSelfAssigned: &self,
		NextState:      string(persistence.RequestInProgress),
		Animation:      &Animation{From: c.agents.Orchestrator(), To: targetID, TaskTitle: req.Task.Title},
	}, nil
}

func (c *Coordinator) StartWork(ctx context.Context, in StepInput) (res *StepResult, err error) {
	ctx, done := c.begin(ctx, "start_work")
	defer func() { done(err) }()

	req, err := lookupRequest(ctx, c.store, in.RequestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, notFound("Request not found")
	}
	worker := req.AssignedTo
	if worker == "" {
		worker = c.agents.Orchestrator()
	}
	now := c.now()
	if task, err := c.store.LatestTaskForRequest(ctx, req.ID); err == nil && task != nil && !task.Status.Terminal() {
		if _, err := c.updateTask(ctx, task.ID, persistence.TaskPatch{Status: ptr(persistence.TaskInProgress), StartedAt: &now}); err != nil && !errors.Is(err, persistence.ErrStale) {
			return nil, err
		}
	}
	state := persistence.RequestInProgress
	updated, err := c.Advance(ctx, req.ID, persistence.RequestPatch{State: &state, WorkStartedAt: &now})
	if err != nil {
		return nil, c.stepError(err)
	}
	c.Emit(ctx, persistence.Event{
		RequestID: req.ID,
		State:     string(state),
		Agent:     worker,
		Message:   fmt.Sprintf("⚡ Working on: \"%s\"", requestTitle(req)),
	})
	return &StepResult{Success: true, Request: updated, Agent: worker}, nil
}

// Complete closes a request through the step API.
func (c *Coordinator) Complete(ctx context.Context, in StepInput) (*StepResult, error) {
	return c.completeStep(ctx, "complete", in, func(title string) string {
		return fmt.Sprintf("✅ Completed: \"%s\"", title)
	})
}

// ManualComplete is Complete with the operator's result in the event.
func (c *Coordinator) ManualComplete(ctx context.Context, in StepInput) (*StepResult, error) {
	return c.completeStep(ctx, "manual_complete", in, func(title string) string {
		result := in.Result
		if result == "" {
			result = "Done"
		}
		return fmt.Sprintf("✅ Completed: \"%s\" - %s", title, result)
	})
}

func (c *Coordinator) completeStep(ctx context.Context, action string, in StepInput, message func(title string) string) (res *StepResult, err error) {
	ctx, done := c.begin(ctx, action)
	defer func() { done(err) }()

	req, err := lookupRequest(ctx, c.store, in.RequestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, notFound("Request not found")
	}
	if req.State == persistence.RequestCompleted {
		return &StepResult{Success: true, Request: req, AlreadyCompleted: true}, nil
	}
	worker := req.AssignedTo
	if worker == "" {
		worker = c.agents.Orchestrator()
	}
	if in.TokensInput > 0 || in.TokensOutput > 0 {
		if err := c.store.AddTokens(ctx, in.TokensInput, in.TokensOutput); err != nil {
			c.logger.Warn(action+": token accounting failed", "error", err)
		}
	}

	var (
		savings  float64
		taskTime = defaultTaskTime
	)
	task, err := c.store.LatestTaskForRequest(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if task != nil && !task.Status.Terminal() {
		out, err := c.completeTask(ctx, task, worker, true, in.Result, true)
		if err != nil {
			return nil, err
		}
		if out.lost {
			return &StepResult{Success: true, Request: req, AlreadyCompleted: true}, nil
		}
		savings, taskTime = out.savings, out.taskTime
	} else {
		now := c.now()
		if req.WorkStartedAt != nil {
			taskTime = now.Sub(*req.WorkStartedAt)
		}
		state := persistence.RequestCompleted
		result := in.Result
		if result == "" {
			result = "Completed"
		}
		if _, err := c.Advance(ctx, req.ID, persistence.RequestPatch{State: &state, CompletedAt: &now, Result: &result}); err != nil {
			if errors.Is(err, persistence.ErrStale) {
				return &StepResult{Success: true, Request: req, AlreadyCompleted: true}, nil
			}
			return nil, err
		}
		c.sched.CancelGroup(req.ID)
		savings = c.savings.Estimate(worker, taskTime)
		if err := c.store.RecordTaskCompletion(ctx, worker, taskTime, savings); err != nil {
			c.logger.Warn(action+": record completion failed", "error", err)
		}
		if err := c.store.IncrementMessages(ctx, persistence.MessagesSent); err != nil {
			c.logger.Warn(action+": count sent failed", "error", err)
		}
	}

	c.Emit(ctx, persistence.Event{
		RequestID: req.ID,
		State:     string(persistence.RequestCompleted),
		Agent:     worker,
		Message:   message(requestTitle(req)),
	})
	updated, err := c.store.GetRequest(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	ms := taskTime.Milliseconds()
	return &StepResult{Success: true, Request: updated, Savings: &savings, TaskTimeMs: &ms}, nil
}

// CleanupStale is kept for old clients. Completion is explicit now.
func (c *Coordinator) CleanupStale(ctx context.Context) *StepResult {
	_, done := c.begin(ctx, "cleanup_stale")
	done(nil)
	cleaned := 0
	return &StepResult{
		Success: true,
		Cleaned: &cleaned,
		Message: "Timer-based cleanup removed. Use agent_complete or delegate_complete.",
	}
}

// stepError maps a refused write on a finished request to a client error.
func (c *Coordinator) stepError(err error) error {
	if errors.Is(err, persistence.ErrStale) {
		return invalid("Request already completed")
	}
	return err
}

func requestTitle(req *persistence.Request) string {
	if req.Task != nil && req.Task.Title != "" {
		return req.Task.Title
	}
	return shared.Snippet(req.Content, 50)
}
