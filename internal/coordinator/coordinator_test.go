package coordinator_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/claw-office/internal/agent"
	"github.com/basket/claw-office/internal/bus"
	"github.com/basket/claw-office/internal/config"
	"github.com/basket/claw-office/internal/coordinator"
	"github.com/basket/claw-office/internal/persistence"
	"github.com/basket/claw-office/internal/scheduler"
)

// tickClock advances one millisecond per reading so rows written in
// sequence never share a timestamp.
type tickClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type harness struct {
	store *persistence.Store
	bus   *bus.Bus
	sched *scheduler.Scheduler
	coord *coordinator.Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "clawoffice.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	clock := &tickClock{now: time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)}
	store.SetClock(clock.Now)

	cfg := config.Config{
		Orchestrator: "main",
		Agents: []config.AgentEntry{
			{ID: "main", Name: "Claw", Emoji: "🦞", Role: "orchestrator"},
			{ID: "py", Name: "Py", Emoji: "🐍", Role: "engineer"},
			{ID: "vigil", Name: "Vigil", Emoji: "🛡️", Role: "security"},
		},
	}
	b := bus.New()
	t.Cleanup(b.Close)
	sched := scheduler.New(scheduler.Config{Manual: true})
	t.Cleanup(sched.Stop)

	reg := agent.NewRegistry(cfg)
	return &harness{
		store: store,
		bus:   b,
		sched: sched,
		coord: coordinator.New(coordinator.Config{
			Store:     store,
			Bus:       b,
			Scheduler: sched,
			Agents:    reg,
			Now:       clock.Now,
		}),
	}
}

func (h *harness) events(t *testing.T, requestID string) []persistence.Event {
	t.Helper()
	evs, err := h.store.ListRequestEvents(context.Background(), requestID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	return evs
}

func (h *harness) request(t *testing.T, id string) *persistence.Request {
	t.Helper()
	req, err := h.store.GetRequest(context.Background(), id)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	return req
}

func (h *harness) task(t *testing.T, id string) *persistence.Task {
	t.Helper()
	task, err := h.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return task
}

func countState(evs []persistence.Event, state string) int {
	n := 0
	for _, ev := range evs {
		if ev.State == state {
			n++
		}
	}
	return n
}

func findState(evs []persistence.Event, state string) (persistence.Event, int) {
	for i, ev := range evs {
		if ev.State == state {
			return ev, i
		}
	}
	return persistence.Event{}, -1
}

func TestStartFlow_SelfHandled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.coord.StartFlow(ctx, coordinator.StartFlowInput{Content: "Fix the login bug", Agent: "py"})
	if err != nil {
		t.Fatalf("start_flow: %v", err)
	}
	if res.Adopted || res.Delegated || res.TaskID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !strings.HasPrefix(res.ChainID, "chain_") {
		t.Fatalf("expected generated chain id, got %q", res.ChainID)
	}

	task := h.task(t, res.TaskID)
	if task.Status != persistence.TaskInProgress || task.StartedAt == nil || task.AssignedAgent != "py" {
		t.Fatalf("expected in_progress task for py, got %+v", task)
	}
	evs := h.events(t, res.RequestID)
	if ev, _ := findState(evs, "received"); !strings.Contains(ev.Message, "Fix the login bug") {
		t.Fatalf("missing received event: %+v", evs)
	}
	if countState(evs, "analyzing") != 0 {
		t.Fatal("analyzing should wait for its pacing delay")
	}

	h.sched.FireAll()
	evs = h.events(t, res.RequestID)
	if ev, _ := findState(evs, "analyzing"); ev.Message != `🔍 Analyzing: "Fix the login bug"` {
		t.Fatalf("unexpected analyzing event: %+v", evs)
	}
}

func TestStartFlow_DelegatedSequence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.coord.StartFlow(ctx, coordinator.StartFlowInput{Content: "Scan the firewall", DelegatedTo: "vigil"})
	if err != nil {
		t.Fatalf("start_flow: %v", err)
	}
	if !res.Delegated || res.Agent != "vigil" {
		t.Fatalf("expected delegation to vigil: %+v", res)
	}
	if task := h.task(t, res.TaskID); task.Status != persistence.TaskPending {
		t.Fatalf("delegated task should start pending, got %s", task.Status)
	}

	h.sched.FireAll()

	evs := h.events(t, res.RequestID)
	created, ci := findState(evs, "task_created")
	assigned, ai := findState(evs, "assigned")
	working, wi := findState(evs, "in_progress")
	if ci < 0 || ai < 0 || wi < 0 || !(ci < ai && ai < wi) {
		t.Fatalf("expected task_created → assigned → in_progress, got %+v", evs)
	}
	if created.TargetAgent != "vigil" || assigned.Agent != "vigil" || working.Agent != "vigil" {
		t.Fatalf("delegation events not attributed to vigil: %+v %+v %+v", created, assigned, working)
	}
	if created.Agent != "main" {
		t.Fatalf("task_created should come from the orchestrator, got %q", created.Agent)
	}
	if working.Message != "⚡ Vigil working..." {
		t.Fatalf("unexpected working message %q", working.Message)
	}

	req := h.request(t, res.RequestID)
	if req.State != persistence.RequestInProgress || req.AssignedTo != "vigil" {
		t.Fatalf("expected in_progress for vigil, got %s/%s", req.State, req.AssignedTo)
	}
	if req.Task == nil || req.Task.TargetAgent != "vigil" {
		t.Fatalf("task reference not linked: %+v", req.Task)
	}
}

func TestStartFlow_RequiresContent(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.StartFlow(context.Background(), coordinator.StartFlowInput{Content: "  "})
	if !errors.Is(err, coordinator.ErrInvalidInput) || err.Error() != "content is required" {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestStartFlow_AdoptsWebhookRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	in, err := h.coord.IngestWebhook(ctx, coordinator.WebhookMessage{MessageID: 555, Text: "Deploy the site", Sender: "Ana"})
	if err != nil || !in.Created {
		t.Fatalf("ingest: %+v %v", in, err)
	}
	res, err := h.coord.StartFlow(ctx, coordinator.StartFlowInput{Content: "Deploy the site", MessageID: 555, DelegatedTo: "py"})
	if err != nil {
		t.Fatalf("start_flow: %v", err)
	}
	if !res.Adopted || res.RequestID != in.RequestID {
		t.Fatalf("expected adoption of %s, got %+v", in.RequestID, res)
	}
	total, _, err := h.store.CountRequests(ctx)
	if err != nil || total != 1 {
		t.Fatalf("expected a single request, got %d (%v)", total, err)
	}
}

func TestStartFlow_BackToBackDelegationsStaySeparate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.coord.StartFlow(ctx, coordinator.StartFlowInput{Content: "Scan the firewall", DelegatedTo: "vigil"})
	if err != nil {
		t.Fatalf("first start_flow: %v", err)
	}
	second, err := h.coord.StartFlow(ctx, coordinator.StartFlowInput{Content: "Write the release notes", DelegatedTo: "py"})
	if err != nil {
		t.Fatalf("second start_flow: %v", err)
	}
	if second.Adopted || second.RequestID == first.RequestID {
		t.Fatalf("second flow adopted the first request: %+v", second)
	}

	task := h.task(t, first.TaskID)
	if task.Status == persistence.TaskCompleted || task.Status == persistence.TaskFailed {
		t.Fatalf("delegated task closed without a completion action: %+v", task)
	}
	if req := h.request(t, first.RequestID); req.Content != "Scan the firewall" || req.AssignedTo != "vigil" {
		t.Fatalf("first request rewritten: %+v", req)
	}
}

func TestStartFlow_SelfHandledRequestIsNotAdoptedLater(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	self, err := h.coord.StartFlow(ctx, coordinator.StartFlowInput{Content: "Fix the login bug", Agent: "main"})
	if err != nil {
		t.Fatalf("self start_flow: %v", err)
	}
	h.sched.FireAll()

	next, err := h.coord.StartFlow(ctx, coordinator.StartFlowInput{Content: "Audit the api", DelegatedTo: "vigil"})
	if err != nil {
		t.Fatalf("delegated start_flow: %v", err)
	}
	if next.RequestID == self.RequestID {
		t.Fatal("delegated flow adopted the in-flight self-handled request")
	}
	if task := h.task(t, self.TaskID); task.Status != persistence.TaskInProgress {
		t.Fatalf("self-handled task = %s, want in_progress", task.Status)
	}
}

func TestStartFlow_ChainContinuation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.coord.StartFlow(ctx, coordinator.StartFlowInput{Content: "Audit the api", DelegatedTo: "vigil", ChainID: "chain_1"})
	if err != nil {
		t.Fatalf("first start_flow: %v", err)
	}
	h.sched.FireAll()
	if _, err := h.coord.AgentComplete(ctx, coordinator.AgentCompleteInput{Agent: "vigil"}); err != nil {
		t.Fatalf("agent_complete: %v", err)
	}
	h.sched.FireAll()

	sub := h.bus.Subscribe(bus.TopicActivity)
	defer h.bus.Unsubscribe(sub)

	second, err := h.coord.StartFlow(ctx, coordinator.StartFlowInput{Content: "Fix what vigil found", DelegatedTo: "py", ChainID: "chain_1"})
	if err != nil {
		t.Fatalf("second start_flow: %v", err)
	}
	if !second.ChainContinuation || second.PreviousAgent != "vigil" || second.RequestID == first.RequestID {
		t.Fatalf("expected continuation after vigil, got %+v", second)
	}

	var chainReturn *persistence.Event
	for chainReturn == nil {
		select {
		case ev := <-sub.Ch():
			if e, ok := ev.Payload.(persistence.Event); ok && e.State == persistence.EventChainReturn {
				chainReturn = &e
			}
		case <-time.After(time.Second):
			t.Fatal("no chain_return published")
		}
	}
	if chainReturn.Message != "📨 Vigil returning results to Claw" || chainReturn.TargetAgent != "main" {
		t.Fatalf("unexpected chain return: %+v", chainReturn)
	}

	h.sched.FireAll()
	evs := h.events(t, second.RequestID)
	if countState(evs, persistence.EventChainReturn) != 0 {
		t.Fatal("chain_return is bus-only and must not be persisted")
	}
	if ev, _ := findState(evs, "reviewing"); ev.Message != "🔄 Reviewing results from Vigil..." {
		t.Fatalf("missing reviewing event: %+v", evs)
	}
}

func TestAgentComplete_ExactlyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.coord.StartFlow(ctx, coordinator.StartFlowInput{Content: "Check ssl certs", DelegatedTo: "vigil"})
	if err != nil {
		t.Fatalf("start_flow: %v", err)
	}
	h.sched.FireAll()

	done, err := h.coord.AgentComplete(ctx, coordinator.AgentCompleteInput{Agent: "vigil", Result: "All valid"})
	if err != nil {
		t.Fatalf("agent_complete: %v", err)
	}
	if done.TaskID != res.TaskID || done.AlreadyCompleted {
		t.Fatalf("unexpected completion: %+v", done)
	}
	again, err := h.coord.DelegateComplete(ctx, coordinator.DelegateCompleteInput{TaskID: res.TaskID})
	if err != nil {
		t.Fatalf("delegate_complete: %v", err)
	}
	if !again.AlreadyCompleted {
		t.Fatalf("second completion should report alreadyCompleted: %+v", again)
	}
	h.sched.FireAll()

	evs := h.events(t, res.RequestID)
	if n := countState(evs, "completed"); n != 1 {
		t.Fatalf("expected one completed event, got %d", n)
	}
	if countState(evs, persistence.EventDelivering) != 1 {
		t.Fatalf("expected a delivering event: %+v", evs)
	}
	req := h.request(t, res.RequestID)
	if req.State != persistence.RequestCompleted || req.Result != "All valid" {
		t.Fatalf("request not completed: %+v", req)
	}
	stats, err := h.store.TodayStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TasksCompleted != 1 || stats.MessagesSent != 1 {
		t.Fatalf("stats should count once: %+v", stats)
	}
}

func TestAgentComplete_DropsPendingSteps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.coord.StartFlow(ctx, coordinator.StartFlowInput{Content: "Rotate keys", DelegatedTo: "vigil"})
	if err != nil {
		t.Fatalf("start_flow: %v", err)
	}
	if _, err := h.coord.AgentComplete(ctx, coordinator.AgentCompleteInput{Agent: "vigil"}); err != nil {
		t.Fatalf("agent_complete: %v", err)
	}
	h.sched.FireAll()

	evs := h.events(t, res.RequestID)
	for _, state := range []string{"task_created", "assigned", "in_progress"} {
		if countState(evs, state) != 0 {
			t.Fatalf("paced %s step ran after completion: %+v", state, evs)
		}
	}
	if req := h.request(t, res.RequestID); req.State != persistence.RequestCompleted {
		t.Fatalf("completion regressed to %s", req.State)
	}
}

func TestAgentComplete_NoActiveTask(t *testing.T) {
	h := newHarness(t)
	res, err := h.coord.AgentComplete(context.Background(), coordinator.AgentCompleteInput{Agent: "py"})
	if err != nil {
		t.Fatalf("agent_complete: %v", err)
	}
	if !res.Noop || res.Message != "No active task for py" {
		t.Fatalf("expected noop, got %+v", res)
	}
}

func TestDelegateComplete_NotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.DelegateComplete(context.Background(), coordinator.DelegateCompleteInput{TaskID: "task_missing"})
	if !errors.Is(err, coordinator.ErrNotFound) || err.Error() != "Task not found" {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestQuickFlow_AutoCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.coord.QuickFlow(ctx, coordinator.QuickFlowInput{
		Content:        "Write the launch email",
		Agent:          "py",
		WorkDurationMs: 1000,
		TokensInput:    120,
		TokensOutput:   30,
	})
	if err != nil {
		t.Fatalf("quick_flow: %v", err)
	}
	if res.EstimatedCompletionMs == nil || *res.EstimatedCompletionMs != 5100 {
		t.Fatalf("unexpected estimate: %+v", res.EstimatedCompletionMs)
	}
	h.sched.FireAll()

	if task := h.task(t, res.TaskID); task.Status != persistence.TaskCompleted {
		t.Fatalf("task not auto-completed: %s", task.Status)
	}
	evs := h.events(t, res.RequestID)
	ev, _ := findState(evs, "assigned")
	if ev.Message != `📧 Delegating to Py: "Write the launch email"` {
		t.Fatalf("unexpected assigned event: %q", ev.Message)
	}
	if ev, _ := findState(evs, "completed"); ev.Message != `✅ Completed: "Write the launch email"` {
		t.Fatalf("unexpected completion event: %+v", evs)
	}
	stats, _ := h.store.TodayStats(ctx)
	if stats.TokensIn != 120 || stats.TokensOut != 30 || stats.TasksCompleted != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestQuickFlow_ManualCompletionStopsAutoComplete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.coord.QuickFlow(ctx, coordinator.QuickFlowInput{Content: "Fix build", Agent: "py"})
	if err != nil {
		t.Fatalf("quick_flow: %v", err)
	}
	if _, err := h.coord.DelegateComplete(ctx, coordinator.DelegateCompleteInput{RequestID: res.RequestID}); err != nil {
		t.Fatalf("delegate_complete: %v", err)
	}
	h.sched.FireAll()
	if n := countState(h.events(t, res.RequestID), "completed"); n != 1 {
		t.Fatalf("expected exactly one completed event, got %d", n)
	}
}

func TestClearPipeline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i, text := range []string{"one", "two"} {
		if _, err := h.coord.IngestWebhook(ctx, coordinator.WebhookMessage{MessageID: int64(100 + i), Text: text, Sender: "Ana"}); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	if _, err := h.coord.StartFlow(ctx, coordinator.StartFlowInput{Content: "three", DelegatedTo: "vigil"}); err != nil {
		t.Fatalf("start_flow: %v", err)
	}

	res, err := h.coord.ClearPipeline(ctx, "")
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if res.Cleared != 2 || res.ClearedTasks != 1 {
		t.Fatalf("unexpected clear counts: %+v", res)
	}
	open, err := h.store.CountOpenTasksUnderCompletedRequests(ctx)
	if err != nil || open != 0 {
		t.Fatalf("open tasks under completed requests: %d (%v)", open, err)
	}

	again, err := h.coord.ClearPipeline(ctx, "again")
	if err != nil {
		t.Fatalf("second clear: %v", err)
	}
	if again.Cleared != 0 || again.ClearedTasks != 0 {
		t.Fatalf("second clear should be empty: %+v", again)
	}
	evs, _, err := h.store.ListEvents(ctx, 100, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	systems := 0
	for _, ev := range evs {
		if ev.State == persistence.EventSystem {
			systems++
			if !strings.Contains(ev.Message, "Session reset") {
				t.Fatalf("unexpected system message %q", ev.Message)
			}
		}
	}
	if systems != 1 {
		t.Fatalf("expected one system event, got %d", systems)
	}
}

func TestCompletePassive_RespectsDelegation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	delegated, err := h.coord.StartFlow(ctx, coordinator.StartFlowInput{Content: "Harden server", DelegatedTo: "vigil"})
	if err != nil {
		t.Fatalf("start_flow: %v", err)
	}
	h.sched.FireAll()
	out, err := h.coord.CompletePassive(ctx, delegated.RequestID, "")
	if err != nil || out != coordinator.PassiveDelegated {
		t.Fatalf("expected delegation guard, got %s (%v)", out, err)
	}
	if req := h.request(t, delegated.RequestID); req.State == persistence.RequestCompleted {
		t.Fatal("passive completion closed delegated work")
	}

	self, err := h.coord.StartFlow(ctx, coordinator.StartFlowInput{Content: "Summarize the day"})
	if err != nil {
		t.Fatalf("start_flow: %v", err)
	}
	if out, err := h.coord.CompletePassive(ctx, self.RequestID, ""); err != nil || out != coordinator.PassiveCompleted {
		t.Fatalf("expected completion, got %s (%v)", out, err)
	}
	if out, err := h.coord.CompletePassive(ctx, self.RequestID, ""); err != nil || out != coordinator.PassiveAlreadyCompleted {
		t.Fatalf("expected idempotent guard, got %s (%v)", out, err)
	}
	evs := h.events(t, self.RequestID)
	if n := countState(evs, "completed"); n != 1 {
		t.Fatalf("expected one completion event, got %d", n)
	}
	if ev, _ := findState(evs, "completed"); ev.Message != `✅ Done: "Summarize the day"` {
		t.Fatalf("unexpected done message %q", ev.Message)
	}
}

func TestIngestWebhook_DedupesAndAnalyzes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.coord.IngestWebhook(ctx, coordinator.WebhookMessage{MessageID: 42, Text: "Hello there", Sender: "Ana"})
	if err != nil || !first.Created {
		t.Fatalf("first ingest: %+v %v", first, err)
	}
	second, err := h.coord.IngestWebhook(ctx, coordinator.WebhookMessage{MessageID: 42, Text: "Hello there", Sender: "Ana"})
	if err != nil || !second.Duplicate || second.RequestID != first.RequestID {
		t.Fatalf("second ingest should be a duplicate: %+v %v", second, err)
	}
	h.sched.FireAll()

	req := h.request(t, first.RequestID)
	if req.State != persistence.RequestAnalyzing || req.Source != persistence.SourceTelegramWebhook {
		t.Fatalf("unexpected request: %+v", req)
	}
	evs := h.events(t, first.RequestID)
	if evs[0].Message != `📥 Message from Ana: "Hello there"` {
		t.Fatalf("unexpected received message %q", evs[0].Message)
	}
	stats, _ := h.store.TodayStats(ctx)
	if stats.MessagesReceived != 1 {
		t.Fatalf("expected one received message, got %d", stats.MessagesReceived)
	}
}

func TestLegacySteps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.coord.NewRequest(ctx, coordinator.StepInput{Content: "Check the firewall rules"})
	if err != nil {
		t.Fatalf("new_request: %v", err)
	}
	id := created.Request.ID

	analyzed, err := h.coord.Analyze(ctx, coordinator.StepInput{RequestID: id})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if analyzed.Analysis.Agent != "vigil" {
		t.Fatalf("router should pick vigil, got %+v", analyzed.Analysis)
	}
	if _, err := h.coord.CreateTask(ctx, coordinator.StepInput{RequestID: id, Analysis: analyzed.Analysis}); err != nil {
		t.Fatalf("create_task: %v", err)
	}
	assigned, err := h.coord.Assign(ctx, coordinator.StepInput{RequestID: id})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if assigned.AssignedTo != "vigil" || *assigned.IsSelfAssigned {
		t.Fatalf("unexpected assignment: %+v", assigned)
	}
	if _, err := h.coord.StartWork(ctx, coordinator.StepInput{RequestID: id}); err != nil {
		t.Fatalf("start_work: %v", err)
	}
	done, err := h.coord.Complete(ctx, coordinator.StepInput{RequestID: id})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Request.State != persistence.RequestCompleted {
		t.Fatalf("request not completed: %+v", done.Request)
	}
	again, err := h.coord.Complete(ctx, coordinator.StepInput{RequestID: id})
	if err != nil || !again.AlreadyCompleted {
		t.Fatalf("second complete should report alreadyCompleted: %+v %v", again, err)
	}
	if _, err := h.coord.Complete(ctx, coordinator.StepInput{RequestID: "req_missing"}); !errors.Is(err, coordinator.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDispatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.coord.Dispatch(ctx, "explode", nil); !errors.Is(err, coordinator.ErrInvalidInput) {
		t.Fatalf("expected unknown action error, got %v", err)
	}
	out, err := h.coord.Dispatch(ctx, coordinator.ActionStartFlow, json.RawMessage(`{"content":"Build the page","messageId":"77"}`))
	if err != nil {
		t.Fatalf("dispatch start_flow: %v", err)
	}
	res := out.(*coordinator.StartFlowResult)
	if req := h.request(t, res.RequestID); req.TgMessageID != 77 {
		t.Fatalf("string message id not parsed: %+v", req)
	}
	stale, err := h.coord.Dispatch(ctx, coordinator.ActionCleanupStale, nil)
	if err != nil {
		t.Fatalf("cleanup_stale: %v", err)
	}
	if got := stale.(*coordinator.StepResult); *got.Cleaned != 0 {
		t.Fatalf("cleanup_stale should clean nothing: %+v", got)
	}
}
