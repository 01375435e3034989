// Package coordinator drives the request/task workflow: it applies the
// action API, paces the visual steps of a delegation, records events and
// pushes every change onto the bus.
package coordinator

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/claw-office/internal/agent"
	"github.com/basket/claw-office/internal/bus"
	"github.com/basket/claw-office/internal/correlation"
	"github.com/basket/claw-office/internal/otel"
	"github.com/basket/claw-office/internal/persistence"
	"github.com/basket/claw-office/internal/scheduler"
	"github.com/basket/claw-office/internal/shared"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// actionError carries the client-facing message of a rejected action.
type actionError struct {
	kind error
	msg  string
}

func (e *actionError) Error() string { return e.msg }
func (e *actionError) Unwrap() error { return e.kind }

func invalid(msg string) error  { return &actionError{kind: ErrInvalidInput, msg: msg} }
func notFound(msg string) error { return &actionError{kind: ErrNotFound, msg: msg} }

// Notifier tells a human channel that work was handed to an agent.
type Notifier interface {
	NotifyDelegation(ctx context.Context, to agent.Info, summary string, details []string) error
}

// SavingsEstimator values a completed task. The default values nothing.
type SavingsEstimator interface {
	Estimate(agentID string, taskTime time.Duration) float64
}

type zeroSavings struct{}

func (zeroSavings) Estimate(string, time.Duration) float64 { return 0 }

// stepTimeout bounds the store work of one paced step.
const stepTimeout = 10 * time.Second

type Config struct {
	Store     *persistence.Store
	Bus       *bus.Bus
	Scheduler *scheduler.Scheduler
	Agents    *agent.Registry
	Router    agent.Router
	Notifier  Notifier
	Savings   SavingsEstimator
	Tracer    trace.Tracer
	Metrics   *otel.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

type Coordinator struct {
	store    *persistence.Store
	bus      *bus.Bus
	sched    *scheduler.Scheduler
	agents   *agent.Registry
	router   agent.Router
	notifier Notifier
	savings  SavingsEstimator
	tracer   trace.Tracer
	metrics  *otel.Metrics
	logger   *slog.Logger
	now      func() time.Time
	resolver *correlation.Resolver
}

func New(cfg Config) *Coordinator {
	c := &Coordinator{
		store:    cfg.Store,
		bus:      cfg.Bus,
		sched:    cfg.Scheduler,
		agents:   cfg.Agents,
		router:   cfg.Router,
		notifier: cfg.Notifier,
		savings:  cfg.Savings,
		tracer:   cfg.Tracer,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "coordinator")
	if c.sched == nil {
		c.sched = scheduler.New(scheduler.Config{Scale: 1, Logger: c.logger})
	}
	if c.router == nil {
		c.router = agent.NewKeywordRouter(c.agents)
	}
	if c.savings == nil {
		c.savings = zeroSavings{}
	}
	if c.tracer == nil {
		c.tracer = noop.NewTracerProvider().Tracer("clawoffice")
	}
	if c.metrics == nil {
		c.metrics = &otel.Metrics{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.resolver = correlation.NewResolver(c.store, c.agents, c, c.logger)
	return c
}

func (c *Coordinator) Store() *persistence.Store { return c.store }
func (c *Coordinator) Agents() *agent.Registry { return c.agents }
func (c *Coordinator) Resolver() *correlation.Resolver { return c.resolver }
func (c *Coordinator) Scheduler() *scheduler.Scheduler { return c.sched }
func (c *Coordinator) Logger() *slog.Logger { return c.logger }
func (c *Coordinator) Route(text string) agent.Decision { return c.router.Route(text) }
func (c *Coordinator) Agent(id string) agent.Info { return c.agents.Resolve(id) }

// begin opens the span and metrics scope of one action.
func (c *Coordinator) begin(ctx context.Context, action string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := otel.StartSpan(ctx, c.tracer, "coordinator."+action, otel.AttrAction.String(action))
	return ctx, func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput) {
				outcome = "rejected"
			} else {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
		}
		otel.Add(ctx, c.metrics.Actions, 1, otel.AttrAction.String(action), otel.AttrOutcome.String(outcome))
		otel.Record(ctx, c.metrics.ActionDuration, time.Since(start).Seconds(), otel.AttrAction.String(action))
		span.End()
	}
}

// Emit fills in the agent display fields, persists ev and publishes it.
// Failures are logged; an event is never worth failing an action for.
func (c *Coordinator) Emit(ctx context.Context, ev persistence.Event) {
	if ev.Agent == "" {
		ev.Agent = c.agents.Orchestrator()
	}
	info := c.agents.Resolve(ev.Agent)
	if ev.AgentName == "" {
		ev.AgentName = info.Name
	}
	if ev.AgentColor == "" {
		ev.AgentColor = info.Color
	}
	if err := c.store.AppendEvent(ctx, &ev); err != nil {
		c.logger.Error("coordinator: append event failed", "request_id", ev.RequestID, "state", ev.State, "error", err)
		return
	}
	c.bus.Publish(bus.TopicActivity, ev)
}

// announce publishes a bus-only event. Used for animation hints such as
// chain returns that are not part of the durable history.
func (c *Coordinator) announce(ev persistence.Event) {
	info := c.agents.Resolve(ev.Agent)
	ev.ID = persistence.NewEventID()
	ev.Timestamp = c.now().UTC()
	ev.AgentName = info.Name
	ev.AgentColor = info.Color
	c.bus.Publish(bus.TopicActivity, ev)
}

func (c *Coordinator) PublishRequest(_ context.Context, req *persistence.Request) {
	if req == nil {
		return
	}
	c.bus.Publish(bus.TopicRequest, req)
}

func (c *Coordinator) publishRequestID(ctx context.Context, id string) {
	req, err := c.store.GetRequest(ctx, id)
	if err != nil {
		c.logger.Warn("coordinator: reload request failed", "request_id", id, "error", err)
		return
	}
	c.PublishRequest(ctx, req)
}

func (c *Coordinator) publishTask(task *persistence.Task) {
	if task == nil {
		return
	}
	c.bus.Publish(bus.TopicTask, task)
}

func (c *Coordinator) CountReceived(ctx context.Context) {
	if err := c.store.IncrementMessages(ctx, persistence.MessagesReceived); err != nil {
		c.logger.Warn("coordinator: count received failed", "error", err)
	}
}

// Advance applies patch to a request and publishes the result. A refused
// conditional write comes back as persistence.ErrStale and is counted.
func (c *Coordinator) Advance(ctx context.Context, requestID string, patch persistence.RequestPatch) (*persistence.Request, error) {
	req, err := c.store.UpdateRequest(ctx, requestID, patch)
	if errors.Is(err, persistence.ErrStale) {
		otel.Add(ctx, c.metrics.StaleWrites, 1, otel.AttrRequestID.String(requestID))
		c.logger.Debug("coordinator: stale request write", "request_id", requestID)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if patch.State != nil {
		otel.Add(ctx, c.metrics.Transitions, 1, otel.AttrState.String(string(*patch.State)))
	}
	c.PublishRequest(ctx, req)
	return req, nil
}

// updateTask is UpdateTask plus publication and stale accounting.
func (c *Coordinator) updateTask(ctx context.Context, taskID string, patch persistence.TaskPatch) (*persistence.Task, error) {
	task, err := c.store.UpdateTask(ctx, taskID, patch)
	if errors.Is(err, persistence.ErrStale) {
		otel.Add(ctx, c.metrics.StaleWrites, 1, otel.AttrTaskID.String(taskID))
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	c.publishTask(task)
	return task, nil
}

// syncRequest mirrors a task's status onto its request so observers that
// only read requests stay correct. extra carries additional fields.
func (c *Coordinator) syncRequest(ctx context.Context, task *persistence.Task, extra persistence.RequestPatch) (*persistence.Request, error) {
	state := task.Status.RequestState()
	extra.State = &state
	if extra.AssignedTo == nil && task.AssignedAgent != "" {
		assignee := task.AssignedAgent
		extra.AssignedTo = &assignee
	}
	if task.Status == persistence.TaskInProgress {
		started := c.now()
		if task.StartedAt != nil {
			started = *task.StartedAt
		}
		extra.WorkStartedAt = &started
	}
	if task.Status.Terminal() {
		completed := c.now()
		if task.CompletedAt != nil {
			completed = *task.CompletedAt
		}
		result := task.Result
		extra.CompletedAt = &completed
		extra.Result = &result
	}
	return c.Advance(ctx, task.RequestID, extra)
}

// After runs fn after d inside group. The adapter uses one group per
// connection so a newer run can drop everything pending.
func (c *Coordinator) After(group string, d time.Duration, fn func(ctx context.Context)) {
	c.sched.After(group, d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
		defer cancel()
		fn(ctx)
	})
}

// CancelGroup drops every pending step of group.
func (c *Coordinator) CancelGroup(group string) int {
	return c.sched.CancelGroup(group)
}

// pace schedules a visual step of a request's flow. When taskID is set the
// step is dropped if that task has reached a terminal status by then.
func (c *Coordinator) pace(requestID, taskID string, d time.Duration, step func(ctx context.Context)) {
	c.After(requestID, d, func(ctx context.Context) {
		ctx = shared.WithRequestID(ctx, requestID)
		if taskID != "" {
			task, err := c.store.GetTask(ctx, taskID)
			if err != nil {
				if !errors.Is(err, sql.ErrNoRows) {
					c.logger.WarnContext(ctx, "coordinator: paced step lookup failed", "task_id", taskID, "error", err)
				}
				return
			}
			if task.Status.Terminal() {
				otel.Add(ctx, c.metrics.StaleWrites, 1, otel.AttrTaskID.String(taskID))
				c.logger.DebugContext(ctx, "coordinator: dropped paced step for finished task", "task_id", taskID)
				return
			}
		}
		step(ctx)
	})
}

// notify sends a delegation notice in the background. The action path
// never waits on the network.
func (c *Coordinator) notify(ctx context.Context, agentID, summary string, details []string) {
	if c.notifier == nil {
		return
	}
	info := c.agents.Resolve(agentID)
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if err := c.notifier.NotifyDelegation(ctx, info, summary, details); err != nil {
			c.logger.Warn("coordinator: delegation notice failed", "agent", agentID, "error", err)
		}
	}()
}

func lookupRequest(ctx context.Context, store *persistence.Store, id string) (*persistence.Request, error) {
	if id == "" {
		return nil, nil
	}
	req, err := store.GetRequest(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return req, err
}

func lookupTask(ctx context.Context, store *persistence.Store, id string) (*persistence.Task, error) {
	if id == "" {
		return nil, nil
	}
	task, err := store.GetTask(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return task, err
}

func ptr[T any](v T) *T { return &v }
