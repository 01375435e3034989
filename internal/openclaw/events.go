package openclaw

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/basket/claw-office/internal/correlation"
	"github.com/basket/claw-office/internal/persistence"
	"github.com/basket/claw-office/internal/shared"
)

const (
	spawnTool = "sessions_spawn"

	analyzeDelay    = 800 * time.Millisecond
	fallbackDelay   = 8 * time.Second
	fallbackStep    = 800 * time.Millisecond
	delegateAssign  = 500 * time.Millisecond
	delegateWorking = 1000 * time.Millisecond

	userContentLimit = 200
)

func (a *Adapter) handleAgent(ctx context.Context, raw json.RawMessage) {
	var ev agentEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		a.logger.WarnContext(ctx, "openclaw: dropped agent event", "error", err)
		return
	}
	source := persistence.SourceWebsocketLifecycle
	if ev.Stream == "user" {
		source = persistence.SourceWebsocketUser
	}
	ctx = shared.WithSource(shared.WithRunID(ctx, ev.RunID), source)
	a.logger.DebugContext(ctx, "openclaw: agent event", "stream", ev.Stream, "phase", ev.Data.Phase)

	if a.tracker.BeginRun(ev.RunID) {
		a.coord.CancelGroup(a.group)
		req, err := a.coord.Resolver().PreAdopt(ctx, a.tracker)
		if err != nil {
			a.logger.WarnContext(ctx, "openclaw: pre-adopt failed", "error", err)
		}
		if req != nil {
			a.logger.InfoContext(ctx, "openclaw: new run adopted request", "request_id", req.ID)
		}
	}

	switch ev.Stream {
	case "lifecycle":
		switch ev.Data.Phase {
		case "start":
			a.runStarted(ctx)
		case "end":
			a.runEnded(ctx, "lifecycle:end")
		}
	case "job":
		switch ev.Data.State {
		case "started":
			if _, err := a.coord.Resolver().Ensure(ctx, a.tracker); err != nil {
				a.logger.WarnContext(ctx, "openclaw: ensure request failed", "error", err)
			}
		case "done", "error", "aborted":
			if a.tracker.Current() != "" {
				a.runEnded(ctx, "job:"+ev.Data.State)
			} else {
				a.coord.CancelGroup(a.group)
			}
		}
	case "tool":
		if ev.Data.Phase == "start" {
			a.toolStarted(ctx, ev.Data.Name, ev.Data.Args)
		}
	case "user":
		a.userMessage(ctx, ev.Data.userText())
	case "assistant":
		a.assistantOutput(ctx)
	}
}

func (a *Adapter) handleChat(ctx context.Context, raw json.RawMessage) {
	var ev chatEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		a.logger.WarnContext(ctx, "openclaw: dropped chat event", "error", err)
		return
	}
	if ev.State != "delivered" && ev.State != "idle" {
		return
	}
	a.coord.CancelGroup(a.group)
	if a.tracker.Current() != "" {
		a.runEnded(ctx, "chat:"+ev.State)
	}
}

// runStarted attaches the run to a request. With nothing to adopt a silent
// placeholder is created; the user stream fills in its content later.
func (a *Adapter) runStarted(ctx context.Context) {
	req, err := a.coord.Resolver().Ensure(ctx, a.tracker)
	if err != nil {
		a.logger.WarnContext(ctx, "openclaw: ensure request failed", "error", err)
		return
	}
	if req != nil {
		a.pace(ctx, req)
		return
	}
	res, err := a.coord.Resolver().Resolve(ctx, correlation.Signal{
		From:     "Boss",
		Source:   persistence.SourceWebsocketLifecycle,
		AssignTo: a.coord.Agents().Orchestrator(),
		NoFIFO:   true,
	}, nil)
	if err != nil {
		a.logger.ErrorContext(ctx, "openclaw: create placeholder failed", "error", err)
		return
	}
	a.tracker.Track(res.Request.ID)
	a.logger.InfoContext(ctx, "openclaw: created placeholder request", "request_id", res.Request.ID)
}

// runEnded applies a passive completion to the tracked request, or to the
// oldest incomplete one, and forgets the run.
func (a *Adapter) runEnded(ctx context.Context, signal string) {
	a.coord.CancelGroup(a.group)
	defer a.tracker.EndRun()

	id := a.tracker.Current()
	if id == "" {
		req, err := a.coord.Store().FindOldestIncomplete(ctx)
		if err != nil {
			a.logger.WarnContext(ctx, "openclaw: find incomplete failed", "error", err)
			return
		}
		if req == nil {
			return
		}
		id = req.ID
	}
	outcome, err := a.coord.CompletePassive(ctx, id, a.tracker.LastUserMessage())
	if err != nil {
		a.logger.ErrorContext(ctx, "openclaw: passive completion failed", "request_id", id, "signal", signal, "error", err)
		return
	}
	a.logger.InfoContext(ctx, "openclaw: run ended", "request_id", id, "signal", signal, "outcome", outcome)
}

// pace walks a freshly adopted request toward in_progress. If no tool call
// arrives within fallbackDelay the silence is treated as ongoing work.
func (a *Adapter) pace(ctx context.Context, req *persistence.Request) {
	a.coord.CancelGroup(a.group)
	a.tracker.ResetTools()
	id := req.ID
	orch := a.coord.Agents().Orchestrator()

	if req.State == persistence.RequestReceived {
		a.coord.After(a.group, analyzeDelay, func(ctx context.Context) {
			state := persistence.RequestAnalyzing
			r, err := a.coord.Advance(ctx, id, persistence.RequestPatch{
				From:  []persistence.RequestState{persistence.RequestReceived},
				State: &state,
			})
			if err != nil {
				return
			}
			a.coord.Emit(ctx, persistence.Event{
				RequestID: id,
				State:     string(state),
				Agent:     orch,
				Message:   fmt.Sprintf("🔍 Analyzing: \"%s\"", shared.Truncate(a.title(r), 50)),
			})
		})
	}

	a.coord.After(a.group, fallbackDelay, func(ctx context.Context) {
		if a.tracker.ToolSeen() {
			return
		}
		r, err := a.coord.Store().GetRequest(ctx, id)
		if err != nil || r.State == persistence.RequestCompleted || r.State == persistence.RequestInProgress {
			return
		}
		worker := or(r.AssignedTo, orch)
		title := a.title(r)
		state := persistence.RequestTaskCreated
		if _, err := a.coord.Advance(ctx, id, persistence.RequestPatch{
			From:  []persistence.RequestState{persistence.RequestReceived, persistence.RequestAnalyzing},
			State: &state,
			Task:  &persistence.TaskRef{Title: shared.Truncate(title, 50), Detail: r.Content, TargetAgent: worker},
		}); err != nil {
			return
		}
		a.coord.Emit(ctx, persistence.Event{
			RequestID:   id,
			State:       string(state),
			Agent:       orch,
			TargetAgent: worker,
			Message:     fmt.Sprintf("📋 Task created: \"%s\"", shared.Truncate(title, 40)),
		})

		a.coord.After(a.group, fallbackStep, func(ctx context.Context) {
			state := persistence.RequestAssigned
			if _, err := a.coord.Advance(ctx, id, persistence.RequestPatch{
				From:       []persistence.RequestState{persistence.RequestTaskCreated},
				State:      &state,
				AssignedTo: &worker,
			}); err != nil {
				return
			}
			info := a.coord.Agent(worker)
			a.coord.Emit(ctx, persistence.Event{
				RequestID: id,
				State:     string(state),
				Agent:     orch,
				Message:   fmt.Sprintf("📧 Assigned to %s %s", info.Emoji, info.Name),
			})

			a.coord.After(a.group, fallbackStep, func(ctx context.Context) {
				a.startWork(ctx, id, worker, title, "")
			})
		})
	})
}

// startWork moves the request's task to in_progress under worker and logs
// it. message overrides the default "working..." line.
func (a *Adapter) startWork(ctx context.Context, id, worker, title, message string) {
	r, err := a.coord.Store().GetRequest(ctx, id)
	if err != nil || r.State == persistence.RequestCompleted {
		return
	}
	if _, err := a.coord.BeginWork(ctx, r, worker, title); err != nil {
		a.logger.WarnContext(ctx, "openclaw: begin work failed", "request_id", id, "error", err)
		return
	}
	if message == "" {
		message = fmt.Sprintf("⚡ %s working...", a.coord.Agent(or(worker, r.AssignedTo)).Name)
	}
	a.coord.Emit(ctx, persistence.Event{
		RequestID: id,
		State:     string(persistence.RequestInProgress),
		Agent:     or(worker, or(r.AssignedTo, a.coord.Agents().Orchestrator())),
		Message:   message,
	})
}

func (a *Adapter) toolStarted(ctx context.Context, name string, args map[string]any) {
	req, err := a.coord.Resolver().Ensure(ctx, a.tracker)
	if err != nil || req == nil {
		return
	}
	orch := a.coord.Agents().Orchestrator()

	if name == spawnTool {
		a.coord.CancelGroup(a.group)
		a.tracker.MarkToolSeen()
		a.delegate(ctx, req, arg(args, "agentId"), or(arg(args, "task"), "task"))
		return
	}

	owner := or(req.AssignedTo, orch)
	working := req.State == persistence.RequestInProgress || req.State == persistence.RequestCompleted
	if a.tracker.MarkToolSeen() {
		a.coord.CancelGroup(a.group)
		if !working {
			a.startWork(ctx, req.ID, owner, a.title(req), "")
		}
	} else if !working {
		a.coord.CancelGroup(a.group)
		a.startWork(ctx, req.ID, "", a.title(req), "⚡ Working...")
	}

	a.coord.Emit(ctx, persistence.Event{
		RequestID: req.ID,
		State:     string(persistence.RequestInProgress),
		Agent:     owner,
		Message:   toolLabel(name, args),
	})
}

// delegate records a hand-off from the orchestrator's run to worker. From
// here on only an explicit completion may close the work.
func (a *Adapter) delegate(ctx context.Context, req *persistence.Request, worker, detail string) {
	if worker == "" {
		worker = a.coord.Route(detail).Agent
	}
	a.logger.InfoContext(ctx, "openclaw: delegation detected", "request_id", req.ID, "to", worker)
	if _, err := a.coord.Delegate(ctx, req, worker, detail); err != nil {
		a.logger.WarnContext(ctx, "openclaw: delegate failed", "request_id", req.ID, "error", err)
		return
	}
	info := a.coord.Agent(worker)
	orch := a.coord.Agents().Orchestrator()
	a.coord.Emit(ctx, persistence.Event{
		RequestID:   req.ID,
		State:       string(persistence.RequestTaskCreated),
		Agent:       orch,
		TargetAgent: worker,
		Message:     fmt.Sprintf("📋 Task: \"%s\" → %s", shared.Truncate(detail, 40), info.Name),
	})

	id := req.ID
	a.coord.After(id, delegateAssign, func(ctx context.Context) {
		state := persistence.RequestAssigned
		if _, err := a.coord.Advance(ctx, id, persistence.RequestPatch{
			From:  []persistence.RequestState{persistence.RequestTaskCreated},
			State: &state,
		}); err != nil {
			return
		}
		a.coord.Emit(ctx, persistence.Event{
			RequestID: id,
			State:     string(state),
			Agent:     worker,
			Message:   fmt.Sprintf("📧 Delegated to %s %s", info.Emoji, info.Name),
		})
	})
	a.coord.After(id, delegateWorking, func(ctx context.Context) {
		a.startWork(ctx, id, worker, detail, "")
	})
}

// userMessage records what the user asked so a placeholder request can be
// given real content, or a new request created when none is tracked.
func (a *Adapter) userMessage(ctx context.Context, text string) {
	if text == "" || strings.HasPrefix(text, "Read HEARTBEAT") || strings.Contains(text, "HEARTBEAT_OK") || strings.HasPrefix(text, "/") {
		return
	}
	a.tracker.SetLastUserMessage(text)

	clean := shared.CleanContent(text)
	if i := strings.Index(clean, "[Telegram"); i >= 0 {
		if j := strings.Index(clean[i:], "]"); j >= 0 {
			clean = strings.TrimSpace(clean[i+j+1:])
		}
	}
	if len([]rune(clean)) < 2 || strings.HasPrefix(clean, "System:") || strings.Contains(clean, "[Queued") {
		return
	}
	if a.tracker.Current() != "" {
		return
	}
	res, err := a.coord.Resolver().Resolve(ctx, correlation.Signal{
		Content:     clip(clean, userContentLimit),
		From:        "Boss",
		Source:      persistence.SourceWebsocketUser,
		KeepContent: true,
	}, a.tracker)
	if err != nil {
		a.logger.ErrorContext(ctx, "openclaw: resolve user message failed", "error", err)
		return
	}
	a.tracker.Track(res.Request.ID)
}

// assistantOutput marks the first streamed reply of a run as work.
func (a *Adapter) assistantOutput(ctx context.Context) {
	if !a.tracker.MarkStreaming() {
		return
	}
	req, err := a.coord.Resolver().Ensure(ctx, a.tracker)
	if err != nil || req == nil {
		return
	}
	if req.State == persistence.RequestInProgress || req.State == persistence.RequestCompleted {
		return
	}
	a.coord.CancelGroup(a.group)
	title := a.title(req)
	a.startWork(ctx, req.ID, "", title, fmt.Sprintf("✍️ Responding: \"%s\"", shared.Truncate(title, 60)))
}

// title is the best short description of a request: its task title, its
// content, or the last thing the user said.
func (a *Adapter) title(req *persistence.Request) string {
	if req == nil {
		return shared.CleanContent(a.tracker.LastUserMessage())
	}
	t := ""
	switch {
	case req.Task != nil && req.Task.Title != "":
		t = req.Task.Title
	case req.Content != "" && req.Content != shared.Placeholder:
		t = req.Content
	default:
		t = a.tracker.LastUserMessage()
	}
	return shared.CleanContent(or(t, "task"))
}
