package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/basket/claw-office/internal/correlation"
	"github.com/basket/claw-office/internal/persistence"
	"github.com/basket/claw-office/internal/shared"
)

// Offsets of the start_flow delegation sequence, measured from the start
// of the flow (after the chain return on a continuation).
const (
	reviewDelay      = 1500 * time.Millisecond
	continuationLead = 2500 * time.Millisecond
	analyzeOffset    = 500 * time.Millisecond
	taskOffset       = 1200 * time.Millisecond
	assignOffset     = 1800 * time.Millisecond
	workOffset       = 3500 * time.Millisecond
)

// Offsets of the quick_flow sequence from its base delay.
const (
	quickTaskOffset   = 1500 * time.Millisecond
	quickAssignOffset = 2300 * time.Millisecond
	quickWorkOffset   = 3300 * time.Millisecond
	quickWorkDefault  = 5000 * time.Millisecond
)

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

func (c *Coordinator) newChainID() string {
	var b strings.Builder
	for range 4 {
		b.WriteByte(base36[rand.IntN(len(base36))])
	}
	return fmt.Sprintf("chain_%d_%s", c.now().UnixMilli(), b.String())
}

// StartFlow opens (or adopts) a request and starts its pipeline, either
// handled by the orchestrator itself or delegated to another agent.
func (c *Coordinator) StartFlow(ctx context.Context, in StartFlowInput) (res *StartFlowResult, err error) {
	ctx, done := c.begin(ctx, "start_flow")
	defer func() { done(err) }()

	if strings.TrimSpace(in.Content) == "" {
		return nil, invalid("content is required")
	}
	from := in.From
	if from == "" {
		from = "Boss"
	}
	orch := c.agents.Orchestrator()
	owner := in.Agent
	if owner == "" {
		owner = orch
	}

	chainID := in.ChainID
	var previous *persistence.Request
	if chainID != "" {
		previous, err = c.store.FindLastCompletedInChain(ctx, chainID)
		if err != nil {
			return nil, err
		}
	} else {
		chainID = c.newChainID()
	}

	finalAgent := owner
	if in.DelegatedTo != "" {
		finalAgent = in.DelegatedTo
	}
	delegated := in.DelegatedTo != "" && !c.agents.IsOrchestrator(in.DelegatedTo)

	resolved, err := c.resolver.Resolve(ctx, correlation.Signal{
		ExternalMessageID: int64(in.MessageID),
		Content:           in.Content,
		From:              from,
		Source:            persistence.SourceAPI,
		ChainID:           chainID,
		AssignTo:          finalAgent,
		Claim:             true,
		Announce:          true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("start_flow: resolve: %w", err)
	}
	req := resolved.Request
	info := c.agents.Resolve(finalAgent)
	res = &StartFlowResult{
		Success:   true,
		RequestID: req.ID,
		ChainID:   chainID,
		Adopted:   resolved.Adopted,
		Agent:     finalAgent,
		Delegated: delegated,
	}
	if previous != nil {
		res.ChainContinuation = true
		res.PreviousAgent = previous.AssignedTo
	}
	if req.State == persistence.RequestCompleted {
		res.AlreadyCompleted = true
		res.Message = "Request already completed"
		return res, nil
	}

	clean := shared.CleanContent(in.Content)
	title := shared.Truncate(clean, 80)
	task := persistence.Task{
		RequestID:     req.ID,
		Title:         title,
		Detail:        clean,
		AssignedAgent: finalAgent,
		Status:        persistence.TaskInProgress,
	}
	if delegated {
		task.Status = persistence.TaskPending
	} else {
		task.StartedAt = ptr(c.now())
	}
	created, err := c.store.CreateTask(ctx, task)
	if errors.Is(err, persistence.ErrStale) {
		res.AlreadyCompleted = true
		res.Message = "Request already completed"
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("start_flow: create task: %w", err)
	}
	c.publishTask(created)
	if _, err := c.syncRequest(ctx, created, persistence.RequestPatch{}); err != nil && !errors.Is(err, persistence.ErrStale) {
		return nil, fmt.Errorf("start_flow: sync request: %w", err)
	}
	res.TaskID = created.ID
	res.Message = fmt.Sprintf("Request created: %s... → %s", shared.Truncate(in.Content, 50), info.Name)

	if delegated {
		c.paceDelegation(ctx, req.ID, created, chainID, previous)
	} else {
		c.pace(req.ID, created.ID, analyzeOffset, func(ctx context.Context) {
			c.analyzing(ctx, req.ID, created.ID, orch, fmt.Sprintf("🔍 Analyzing: \"%s\"", shared.Truncate(clean, 50)))
		})
	}

	c.logger.InfoContext(ctx, "start_flow", "request_id", req.ID, "task_id", created.ID, "agent", finalAgent,
		"delegated", delegated, "adopted", resolved.Adopted, "via", resolved.Via)
	return res, nil
}

func (c *Coordinator) paceDelegation(ctx context.Context, requestID string, task *persistence.Task, chainID string, previous *persistence.Request) {
	orch := c.agents.Orchestrator()
	orchInfo := c.agents.Resolve(orch)
	target := c.agents.Resolve(task.AssignedAgent)

	var lead time.Duration
	if previous != nil && previous.AssignedTo != "" {
		prev := c.agents.Resolve(previous.AssignedTo)
		c.announce(persistence.Event{
			RequestID:   requestID,
			State:       persistence.EventChainReturn,
			Agent:       prev.ID,
			Message:     fmt.Sprintf("📨 %s returning results to %s", prev.Name, orchInfo.Name),
			TargetAgent: orch,
			ChainID:     chainID,
		})
		c.pace(requestID, task.ID, reviewDelay, func(ctx context.Context) {
			state := persistence.RequestReviewing
			if _, err := c.Advance(ctx, requestID, persistence.RequestPatch{State: &state}); err != nil {
				return
			}
			c.Emit(ctx, persistence.Event{
				RequestID: requestID,
				TaskID:    task.ID,
				State:     string(state),
				Agent:     orch,
				Message:   fmt.Sprintf("🔄 Reviewing results from %s...", prev.Name),
				ChainID:   chainID,
			})
		})
		lead = continuationLead
	}

	c.pace(requestID, task.ID, lead+analyzeOffset, func(ctx context.Context) {
		c.analyzing(ctx, requestID, task.ID, orch, fmt.Sprintf("🔍 Analyzing: \"%s\"", shared.Truncate(task.Detail, 50)))
	})

	c.pace(requestID, task.ID, lead+taskOffset, func(ctx context.Context) {
		state := persistence.RequestTaskCreated
		ref := &persistence.TaskRef{ID: task.ID, Title: task.Title, Detail: task.Detail, TargetAgent: target.ID}
		if _, err := c.Advance(ctx, requestID, persistence.RequestPatch{State: &state, Task: ref}); err != nil {
			return
		}
		c.Emit(ctx, persistence.Event{
			RequestID:   requestID,
			TaskID:      task.ID,
			State:       string(state),
			Agent:       orch,
			Message:     fmt.Sprintf("📋 Task → %s %s: \"%s\"", target.Emoji, target.Name, task.Title),
			TargetAgent: target.ID,
			ChainID:     chainID,
		})
	})

	c.pace(requestID, task.ID, lead+assignOffset, func(ctx context.Context) {
		updated, err := c.updateTask(ctx, task.ID, persistence.TaskPatch{Status: ptr(persistence.TaskAssigned)})
		if err != nil {
			return
		}
		if _, err := c.syncRequest(ctx, updated, persistence.RequestPatch{}); err != nil {
			return
		}
		c.Emit(ctx, persistence.Event{
			RequestID: requestID,
			TaskID:    task.ID,
			State:     string(persistence.RequestAssigned),
			Agent:     target.ID,
			Message:   fmt.Sprintf("📧 %s %s taking over", target.Emoji, target.Name),
			ChainID:   chainID,
		})
	})

	c.pace(requestID, task.ID, lead+workOffset, func(ctx context.Context) {
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
			RequestID: requestID,
			TaskID:    task.ID,
			State:     string(persistence.RequestInProgress),
			Agent:     target.ID,
			Message:   fmt.Sprintf("⚡ %s working...", target.Name),
			ChainID:   chainID,
		})
	})
}

// analyzing moves a request to analyzing and records the event.
func (c *Coordinator) analyzing(ctx context.Context, requestID, taskID, agentID, message string) {
	state := persistence.RequestAnalyzing
	if _, err := c.Advance(ctx, requestID, persistence.RequestPatch{State: &state}); err != nil {
		return
	}
	c.Emit(ctx, persistence.Event{
		RequestID: requestID,
		TaskID:    taskID,
		State:     string(state),
		Agent:     agentID,
		Message:   message,
	})
}

// QuickFlow runs a complete paced delegation to one agent, optionally
// finishing it on its own after WorkDurationMs.
func (c *Coordinator) QuickFlow(ctx context.Context, in QuickFlowInput) (res *QuickFlowResult, err error) {
	ctx, done := c.begin(ctx, "quick_flow")
	defer func() { done(err) }()

	if strings.TrimSpace(in.Content) == "" || in.Agent == "" {
		return nil, invalid("content and agent are required")
	}
	orch := c.agents.Orchestrator()
	target := c.agents.Resolve(in.Agent)
	self := c.agents.IsOrchestrator(in.Agent)

	if in.Notify && !self {
		c.notify(ctx, in.Agent, shared.Truncate(in.Content, 100), in.NotifyDetails)
	}

	resolved, err := c.resolver.Resolve(ctx, correlation.Signal{
		ExternalMessageID: int64(in.MessageID),
		Content:           in.Content,
		From:              in.From,
		Source:            persistence.SourceAPI,
		AssignTo:          in.Agent,
		Claim:             true,
		KeepContent:       true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("quick_flow: resolve: %w", err)
	}
	req := resolved.Request

	if in.TokensInput > 0 || in.TokensOutput > 0 {
		if err := c.store.AddTokens(ctx, in.TokensInput, in.TokensOutput); err != nil {
			c.logger.Warn("quick_flow: token accounting failed", "error", err)
		}
	}

	title := shared.Truncate(in.Content, 80)
	task, err := c.store.CreateTask(ctx, persistence.Task{
		RequestID:     req.ID,
		Title:         title,
		Detail:        in.Content,
		AssignedAgent: in.Agent,
		Status:        persistence.TaskPending,
	})
	if errors.Is(err, persistence.ErrStale) {
		return nil, invalid("request already completed")
	}
	if err != nil {
		return nil, fmt.Errorf("quick_flow: create task: %w", err)
	}
	c.publishTask(task)

	alreadyAnalyzing := resolved.Adopted && req.State == persistence.RequestAnalyzing
	var base time.Duration
	switch {
	case alreadyAnalyzing:
	case resolved.Adopted:
		base = 200 * time.Millisecond
	default:
		base = 800 * time.Millisecond
	}

	if !alreadyAnalyzing {
		c.pace(req.ID, task.ID, base, func(ctx context.Context) {
			c.analyzing(ctx, req.ID, task.ID, orch, fmt.Sprintf("🔍 Analyzing: \"%s\"", shared.Snippet(in.Content, 50)))
		})
	}

	reason := in.Reason
	if reason == "" {
		reason = "Assigned by " + c.agents.Resolve(orch).Name
	}
	c.pace(req.ID, task.ID, base+quickTaskOffset, func(ctx context.Context) {
		updated, err := c.updateTask(ctx, task.ID, persistence.TaskPatch{Status: ptr(persistence.TaskAssigned)})
		if err != nil {
			return
		}
		state := persistence.RequestTaskCreated
		ref := &persistence.TaskRef{ID: updated.ID, Title: title, Detail: in.Content, TargetAgent: in.Agent, Reason: reason}
		if _, err := c.Advance(ctx, req.ID, persistence.RequestPatch{State: &state, Task: ref}); err != nil {
			return
		}
		c.Emit(ctx, persistence.Event{
			RequestID:   req.ID,
			TaskID:      task.ID,
			State:       string(state),
			Agent:       orch,
			Message:     fmt.Sprintf("📋 Task created → %s: %s", target.Name, reason),
			TargetAgent: in.Agent,
		})
	})

	c.pace(req.ID, task.ID, base+quickAssignOffset, func(ctx context.Context) {
		state := persistence.RequestAssigned
		if _, err := c.Advance(ctx, req.ID, persistence.RequestPatch{State: &state, AssignedTo: ptr(in.Agent)}); err != nil {
			return
		}
		msg := fmt.Sprintf("📧 Delegating to %s: \"%s\"", target.Name, title)
		if self {
			msg = fmt.Sprintf("📧 Taking this one myself: \"%s\"", title)
		}
		c.Emit(ctx, persistence.Event{
			RequestID:   req.ID,
			TaskID:      task.ID,
			State:       string(state),
			Agent:       orch,
			Message:     msg,
			TargetAgent: in.Agent,
		})
	})

	c.pace(req.ID, task.ID, base+quickWorkOffset, func(ctx context.Context) {
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
			Message:   fmt.Sprintf("⚡ Working on: \"%s\"", title),
		})
	})

	autoComplete := in.AutoComplete == nil || *in.AutoComplete
	work := quickWorkDefault
	if in.WorkDurationMs > 0 {
		work = time.Duration(in.WorkDurationMs) * time.Millisecond
	}
	if autoComplete {
		c.pace(req.ID, task.ID, base+quickWorkOffset+work, func(ctx context.Context) {
			current, err := c.store.GetTask(ctx, task.ID)
			if err != nil {
				return
			}
			out, err := c.completeTask(ctx, current, in.Agent, true, "", true)
			if err != nil || out.lost {
				return
			}
			c.Emit(ctx, persistence.Event{
				RequestID: req.ID,
				TaskID:    task.ID,
				State:     string(persistence.RequestCompleted),
				Agent:     in.Agent,
				Message:   fmt.Sprintf("✅ Completed: \"%s\"", title),
			})
		})
	}

	res = &QuickFlowResult{
		Success:   true,
		RequestID: req.ID,
		TaskID:    task.ID,
		Message:   fmt.Sprintf("Workflow started: %s... → %s", shared.Truncate(in.Content, 50), target.Name),
		Agent:     in.Agent,
		Adopted:   resolved.Adopted,
	}
	if autoComplete {
		est := (4100*time.Millisecond + work).Milliseconds()
		res.EstimatedCompletionMs = &est
	}
	c.logger.Info("quick_flow", "request_id", req.ID, "task_id", task.ID, "agent", in.Agent, "adopted", resolved.Adopted)
	return res, nil
}
