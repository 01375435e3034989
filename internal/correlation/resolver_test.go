package correlation_test

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/claw-office/internal/agent"
	"github.com/basket/claw-office/internal/config"
	"github.com/basket/claw-office/internal/correlation"
	"github.com/basket/claw-office/internal/persistence"
	"github.com/basket/claw-office/internal/shared"
)

type fakeJournal struct {
	store *persistence.Store

	mu        sync.Mutex
	events    []persistence.Event
	published []string
	received  int
}

func (j *fakeJournal) Emit(ctx context.Context, ev persistence.Event) {
	_ = j.store.AppendEvent(ctx, &ev)
	j.mu.Lock()
	j.events = append(j.events, ev)
	j.mu.Unlock()
}

func (j *fakeJournal) PublishRequest(_ context.Context, req *persistence.Request) {
	j.mu.Lock()
	j.published = append(j.published, req.ID)
	j.mu.Unlock()
}

func (j *fakeJournal) CountReceived(context.Context) {
	j.mu.Lock()
	j.received++
	j.mu.Unlock()
}

type harness struct {
	store    *persistence.Store
	journal  *fakeJournal
	resolver *correlation.Resolver
	advance  func(time.Duration)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "clawoffice.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	reg := agent.NewRegistry(config.Config{Agents: []config.AgentEntry{{ID: "main", Name: "Claw"}, {ID: "vigil", Name: "Vigil"}}})
	j := &fakeJournal{store: store}
	return &harness{
		store:    store,
		journal:  j,
		resolver: correlation.NewResolver(store, reg, j, nil),
		advance:  func(d time.Duration) { now = now.Add(d) },
	}
}

func (h *harness) create(t *testing.T, req persistence.Request) *persistence.Request {
	t.Helper()
	out, err := h.store.CreateRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	h.advance(10 * time.Millisecond)
	return out
}

func TestResolve_CreatesWhenNothingMatches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.resolver.Resolve(ctx, correlation.Signal{Content: "Fix the login bug", From: "Boss", AssignTo: "main"}, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.Created || res.Via != correlation.ViaCreated {
		t.Fatalf("expected creation, got %+v", res)
	}
	if res.Request.State != persistence.RequestReceived || res.Request.Source != persistence.SourceAPI {
		t.Fatalf("unexpected request: %+v", res.Request)
	}
	if h.journal.received != 1 || len(h.journal.events) != 1 {
		t.Fatalf("expected one received count and event, got %d/%d", h.journal.received, len(h.journal.events))
	}
	if got := h.journal.events[0].Message; got != `📥 Request from Boss: "Fix the login bug"` {
		t.Fatalf("unexpected event message %q", got)
	}
}

func TestResolve_PlaceholderCreationIsSilent(t *testing.T) {
	h := newHarness(t)
	res, err := h.resolver.Resolve(context.Background(), correlation.Signal{Source: persistence.SourceWebsocketLifecycle, NoFIFO: true}, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Request.Content != shared.Placeholder {
		t.Fatalf("expected placeholder content, got %q", res.Request.Content)
	}
	if len(h.journal.events) != 0 {
		t.Fatalf("placeholder creation should not emit events: %+v", h.journal.events)
	}
	if len(h.journal.published) != 1 {
		t.Fatal("creation should publish the request")
	}
}

func TestResolve_ExplicitIDWins(t *testing.T) {
	h := newHarness(t)
	older := h.create(t, persistence.Request{Content: "older", From: "Boss"})
	target := h.create(t, persistence.Request{Content: "target", From: "Boss", TgMessageID: 7})

	res, err := h.resolver.Resolve(context.Background(), correlation.Signal{RequestID: target.ID, ExternalMessageID: 99}, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Request.ID != target.ID || res.Via != correlation.ViaExplicit {
		t.Fatalf("expected explicit target, got %+v (older=%s)", res, older.ID)
	}
}

func TestResolve_UnknownExplicitIDFallsThrough(t *testing.T) {
	h := newHarness(t)
	pending := h.create(t, persistence.Request{Content: "pending", From: "Boss"})
	res, err := h.resolver.Resolve(context.Background(), correlation.Signal{RequestID: "req_missing"}, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Request.ID != pending.ID || res.Via != correlation.ViaFIFO {
		t.Fatalf("expected FIFO fallback, got %+v", res)
	}
}

func TestResolve_SameExternalIDSameRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.resolver.Resolve(ctx, correlation.Signal{ExternalMessageID: 4242, Content: "hello", NoFIFO: true}, nil)
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	h.create(t, persistence.Request{Content: "unrelated newer", From: "Boss"})
	second, err := h.resolver.Resolve(ctx, correlation.Signal{ExternalMessageID: 4242, Content: "hello again"}, nil)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if first.Request.ID != second.Request.ID {
		t.Fatalf("same external id resolved to %s and %s", first.Request.ID, second.Request.ID)
	}
	if second.Via != correlation.ViaExternalID || !second.Adopted {
		t.Fatalf("expected external id adoption, got %+v", second)
	}
	if !second.Request.CreatedAt.Equal(first.Request.CreatedAt) {
		t.Fatal("adoption must keep the original createdAt")
	}
	if second.Request.Content != "hello again" {
		t.Fatalf("adoption should take the new content, got %q", second.Request.Content)
	}
}

func TestResolve_FIFOAdoptsOldestPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r1 := h.create(t, persistence.Request{Content: "first", From: "Boss"})
	r2 := h.create(t, persistence.Request{Content: "second", From: "Boss"})
	analyzing := persistence.RequestAnalyzing
	if _, err := h.store.UpdateRequest(ctx, r2.ID, persistence.RequestPatch{State: &analyzing}); err != nil {
		t.Fatalf("advance r2: %v", err)
	}

	res, err := h.resolver.Resolve(ctx, correlation.Signal{}, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Request.ID != r1.ID || res.Via != correlation.ViaFIFO {
		t.Fatalf("expected r1 via fifo, got %s via %s", res.Request.ID, res.Via)
	}
}

func TestResolve_ClaimingFIFOIsExclusive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r1 := h.create(t, persistence.Request{Content: "first", From: "Boss"})
	r2 := h.create(t, persistence.Request{Content: "second", From: "Boss"})

	a, err := h.resolver.Resolve(ctx, correlation.Signal{Claim: true}, nil)
	if err != nil {
		t.Fatalf("resolve a: %v", err)
	}
	b, err := h.resolver.Resolve(ctx, correlation.Signal{Claim: true}, nil)
	if err != nil {
		t.Fatalf("resolve b: %v", err)
	}
	if a.Request.ID != r1.ID || b.Request.ID != r2.ID {
		t.Fatalf("claims should take distinct requests in order: %s, %s", a.Request.ID, b.Request.ID)
	}
	c, err := h.resolver.Resolve(ctx, correlation.Signal{Claim: true, Content: "third"}, nil)
	if err != nil {
		t.Fatalf("resolve c: %v", err)
	}
	if !c.Created {
		t.Fatalf("third claim should create, got %+v", c)
	}
}

func TestResolve_ClaimingSignalsTakeTheirRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.resolver.Resolve(ctx, correlation.Signal{Claim: true, Content: "self handled"}, nil)
	if err != nil {
		t.Fatalf("resolve created: %v", err)
	}
	if !created.Created || created.Request.ClaimedAt == nil {
		t.Fatalf("created request should be claimed, got %+v", created.Request)
	}

	h.create(t, persistence.Request{Content: "from telegram", From: "Boss", TgMessageID: 88})
	adopted, err := h.resolver.Resolve(ctx, correlation.Signal{Claim: true, ExternalMessageID: 88, Content: "from telegram"}, nil)
	if err != nil {
		t.Fatalf("resolve adopted: %v", err)
	}
	if adopted.Via != correlation.ViaExternalID {
		t.Fatalf("expected external id adoption, got %s", adopted.Via)
	}

	left, err := h.store.ClaimOldestPending(ctx)
	if err != nil {
		t.Fatalf("claim oldest: %v", err)
	}
	if left != nil {
		t.Fatalf("claimed requests must not be handed out again, got %s", left.ID)
	}
}

func TestResolve_TrackedRequestBeforeFIFO(t *testing.T) {
	h := newHarness(t)
	h.create(t, persistence.Request{Content: "oldest", From: "Boss"})
	tracked := h.create(t, persistence.Request{Content: "tracked", From: "Boss"})

	tr := correlation.NewTracker()
	tr.Track(tracked.ID)
	res, err := h.resolver.Resolve(context.Background(), correlation.Signal{}, tr)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Request.ID != tracked.ID || res.Via != correlation.ViaTracked {
		t.Fatalf("expected tracked request, got %+v", res)
	}
}

func TestResolve_AdoptionRepairsPlaceholderEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := h.create(t, persistence.Request{Content: shared.Placeholder, From: "Boss"})
	ev := &persistence.Event{RequestID: req.ID, State: "analyzing", Agent: "main", Message: `🔍 Analyzing: "Processing..."`}
	if err := h.store.AppendEvent(ctx, ev); err != nil {
		t.Fatalf("append: %v", err)
	}

	res, err := h.resolver.Resolve(ctx, correlation.Signal{Content: "Deploy the new landing page", Announce: true}, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Request.ID != req.ID {
		t.Fatalf("expected adoption of placeholder request")
	}
	events, err := h.store.ListRequestEvents(ctx, req.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	for _, e := range events {
		if strings.Contains(e.Message, shared.Placeholder) {
			t.Fatalf("placeholder survived in %q", e.Message)
		}
	}
	if events[0].ID != ev.ID {
		t.Fatal("repair must not change event identity or order")
	}
	if len(h.journal.events) != 1 || !strings.HasPrefix(h.journal.events[0].Message, "📥 Request from Boss") {
		t.Fatalf("expected announce event, got %+v", h.journal.events)
	}
}

func TestResolve_CompletedExternalMatchIsReturnedUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := h.create(t, persistence.Request{Content: "done", From: "Boss", TgMessageID: 5})
	done := persistence.RequestCompleted
	if _, err := h.store.UpdateRequest(ctx, req.ID, persistence.RequestPatch{State: &done}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	res, err := h.resolver.Resolve(ctx, correlation.Signal{ExternalMessageID: 5, Content: "changed", AssignTo: "vigil"}, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Request.State != persistence.RequestCompleted || res.Request.Content != "done" || res.Request.AssignedTo != "" {
		t.Fatalf("completed request must not be mutated: %+v", res.Request)
	}
}

func TestEnsure_NeverCreates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tr := correlation.NewTracker()

	req, err := h.resolver.Ensure(ctx, tr)
	if err != nil || req != nil {
		t.Fatalf("expected nothing, got %+v %v", req, err)
	}

	open := h.create(t, persistence.Request{Content: "working", From: "Boss", State: persistence.RequestInProgress})
	req, err = h.resolver.Ensure(ctx, tr)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if req == nil || req.ID != open.ID || tr.Current() != open.ID {
		t.Fatalf("expected oldest incomplete adoption, got %+v", req)
	}
}

func TestPreAdopt_OnlyPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tr := correlation.NewTracker()
	h.create(t, persistence.Request{Content: "busy", From: "Boss", State: persistence.RequestInProgress})
	if req, _ := h.resolver.PreAdopt(ctx, tr); req != nil {
		t.Fatalf("in-progress requests are not pre-adopted: %+v", req)
	}
	pending := h.create(t, persistence.Request{Content: "waiting", From: "Boss"})
	if req, _ := h.resolver.PreAdopt(ctx, tr); req == nil || req.ID != pending.ID {
		t.Fatalf("expected pending pre-adoption, got %+v", req)
	}
}
