package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
)

// Action names accepted by Dispatch.
const (
	ActionStartFlow        = "start_flow"
	ActionAgentComplete    = "agent_complete"
	ActionDelegateComplete = "delegate_complete"
	ActionQuickFlow        = "quick_flow"
	ActionNewRequest       = "new_request"
	ActionAnalyze          = "analyze"
	ActionCreateTask       = "create_task"
	ActionAssign           = "assign"
	ActionStartWork        = "start_work"
	ActionComplete         = "complete"
	ActionManualComplete   = "manual_complete"
	ActionCleanupStale     = "cleanup_stale"
	ActionClearPipeline    = "clear_pipeline"
	ActionDebugEvents      = "debug_events"
	ActionRepairEvents     = "repair_events"
)

// Actions lists every action Dispatch understands.
var Actions = []string{
	ActionStartFlow, ActionAgentComplete, ActionDelegateComplete, ActionQuickFlow,
	ActionNewRequest, ActionAnalyze, ActionCreateTask, ActionAssign, ActionStartWork,
	ActionComplete, ActionManualComplete, ActionCleanupStale,
	ActionClearPipeline, ActionDebugEvents, ActionRepairEvents,
}

// Dispatch decodes body for action and runs it. The returned value is the
// JSON response.
func (c *Coordinator) Dispatch(ctx context.Context, action string, body json.RawMessage) (any, error) {
	switch action {
	case ActionStartFlow:
		var in StartFlowInput
		if err := decode(body, &in); err != nil {
			return nil, err
		}
		return c.StartFlow(ctx, in)
	case ActionAgentComplete:
		var in AgentCompleteInput
		if err := decode(body, &in); err != nil {
			return nil, err
		}
		return c.AgentComplete(ctx, in)
	case ActionDelegateComplete:
		var in DelegateCompleteInput
		if err := decode(body, &in); err != nil {
			return nil, err
		}
		return c.DelegateComplete(ctx, in)
	case ActionQuickFlow:
		var in QuickFlowInput
		if err := decode(body, &in); err != nil {
			return nil, err
		}
		return c.QuickFlow(ctx, in)
	case ActionNewRequest, ActionAnalyze, ActionCreateTask, ActionAssign, ActionStartWork, ActionComplete, ActionManualComplete:
		var in StepInput
		if err := decode(body, &in); err != nil {
			return nil, err
		}
		return c.step(ctx, action, in)
	case ActionCleanupStale:
		return c.CleanupStale(ctx), nil
	case ActionClearPipeline:
		var in struct {
			Reason string `json:"reason"`
		}
		if err := decode(body, &in); err != nil {
			return nil, err
		}
		return c.ClearPipeline(ctx, in.Reason)
	case ActionDebugEvents:
		var in struct {
			Limit int `json:"limit"`
		}
		if err := decode(body, &in); err != nil {
			return nil, err
		}
		return c.DebugEvents(ctx, in.Limit)
	case ActionRepairEvents:
		return c.RepairEvents(ctx)
	}
	return nil, invalid("Unknown action")
}

func (c *Coordinator) step(ctx context.Context, action string, in StepInput) (*StepResult, error) {
	switch action {
	case ActionNewRequest:
		return c.NewRequest(ctx, in)
	case ActionAnalyze:
		return c.Analyze(ctx, in)
	case ActionCreateTask:
		return c.CreateTask(ctx, in)
	case ActionAssign:
		return c.Assign(ctx, in)
	case ActionStartWork:
		return c.StartWork(ctx, in)
	case ActionComplete:
		return c.Complete(ctx, in)
	default:
		return c.ManualComplete(ctx, in)
	}
}

func decode(body json.RawMessage, v any) error {
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return invalid(fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}
