package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/basket/claw-office/internal/persistence"
)

func TestTaskStatus_RequestStateMapping(t *testing.T) {
	cases := map[persistence.TaskStatus]persistence.RequestState{
		persistence.TaskPending:    persistence.RequestReceived,
		persistence.TaskAssigned:   persistence.RequestAssigned,
		persistence.TaskInProgress: persistence.RequestInProgress,
		persistence.TaskCompleted:  persistence.RequestCompleted,
		persistence.TaskFailed:     persistence.RequestCompleted,
	}
	for status, want := range cases {
		if got := status.RequestState(); got != want {
			t.Errorf("%s.RequestState() = %s, want %s", status, got, want)
		}
	}
	if persistence.TaskInProgress.Terminal() || !persistence.TaskFailed.Terminal() {
		t.Fatal("unexpected Terminal() result")
	}
}

func TestCreateTask_SupersedesOpenTask(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	req := mustCreateRequest(t, store, persistence.Request{Content: "x"})

	first, err := store.CreateTask(ctx, persistence.Task{RequestID: req.ID, Title: "one", AssignedAgent: "py"})
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := store.CreateTask(ctx, persistence.Task{RequestID: req.ID, Title: "two", AssignedAgent: "vigil", Status: persistence.TaskInProgress})
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	got, err := store.GetTask(ctx, first.ID)
	if err != nil {
		t.Fatalf("get first: %v", err)
	}
	if got.Status != persistence.TaskCompleted || got.Result != "Superseded" {
		t.Fatalf("expected first task superseded, got %+v", got)
	}
	latest, err := store.LatestTaskForRequest(ctx, req.ID)
	if err != nil || latest == nil || latest.ID != second.ID {
		t.Fatalf("expected latest %s, got %+v %v", second.ID, latest, err)
	}
	all, err := store.ListTasksForRequest(ctx, req.ID)
	if err != nil || len(all) != 2 {
		t.Fatalf("expected 2 tasks for request, got %d %v", len(all), err)
	}
}

func TestCreateTask_RejectsCompletedRequest(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	req := mustCreateRequest(t, store, persistence.Request{Content: "x"})
	if _, err := store.UpdateRequest(ctx, req.ID, persistence.RequestPatch{State: ptr(persistence.RequestCompleted)}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := store.CreateTask(ctx, persistence.Task{RequestID: req.ID, Title: "late"}); !errors.Is(err, persistence.ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
	if _, err := store.CreateTask(ctx, persistence.Task{RequestID: "req_missing", Title: "orphan"}); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestUpdateTask_CompletionIsExactlyOnce(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	req := mustCreateRequest(t, store, persistence.Request{Content: "x"})
	task, err := store.CreateTask(ctx, persistence.Task{RequestID: req.ID, Title: "t", AssignedAgent: "vigil", Status: persistence.TaskInProgress})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
		stale   int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			now := time.Now()
			_, err := store.UpdateTask(ctx, task.ID, persistence.TaskPatch{
				Status:      ptr(persistence.TaskCompleted),
				CompletedAt: &now,
				Result:      ptr("Completed"),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				applied++
			case errors.Is(err, persistence.ErrStale):
				stale++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if applied != 1 || stale != 4 {
		t.Fatalf("expected exactly one applied completion, got applied=%d stale=%d", applied, stale)
	}
}

func TestUpdateTask_FromGuardAndStartedAt(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	req := mustCreateRequest(t, store, persistence.Request{Content: "x"})
	task, err := store.CreateTask(ctx, persistence.Task{RequestID: req.ID, Title: "t"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	start := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	got, err := store.UpdateTask(ctx, task.ID, persistence.TaskPatch{
		From:      []persistence.TaskStatus{persistence.TaskPending},
		Status:    ptr(persistence.TaskInProgress),
		StartedAt: &start,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(start) {
		t.Fatalf("expected startedAt %v, got %v", start, got.StartedAt)
	}
	_, err = store.UpdateTask(ctx, task.ID, persistence.TaskPatch{
		From:   []persistence.TaskStatus{persistence.TaskPending},
		Status: ptr(persistence.TaskAssigned),
	})
	if !errors.Is(err, persistence.ErrStale) {
		t.Fatalf("expected ErrStale moving backwards, got %v", err)
	}
}

func TestActiveTaskForAgent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	r1 := mustCreateRequest(t, store, persistence.Request{Content: "1"})
	r2 := mustCreateRequest(t, store, persistence.Request{Content: "2"})

	done, err := store.CreateTask(ctx, persistence.Task{RequestID: r1.ID, AssignedAgent: "vigil"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.UpdateTask(ctx, done.ID, persistence.TaskPatch{Status: ptr(persistence.TaskCompleted)}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	open, err := store.CreateTask(ctx, persistence.Task{RequestID: r2.ID, AssignedAgent: "vigil", Status: persistence.TaskAssigned})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.ActiveTaskForAgent(ctx, "vigil")
	if err != nil || got == nil || got.ID != open.ID {
		t.Fatalf("expected open task %s, got %+v %v", open.ID, got, err)
	}
	none, err := store.ActiveTaskForAgent(ctx, "py")
	if err != nil || none != nil {
		t.Fatalf("expected no active task for py, got %+v %v", none, err)
	}
}

func TestBulkCompletionLeavesNoOrphans(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		req := mustCreateRequest(t, store, persistence.Request{Content: "x"})
		if _, err := store.CreateTask(ctx, persistence.Task{RequestID: req.ID, AssignedAgent: "py"}); err != nil {
			t.Fatalf("create task: %v", err)
		}
	}
	if _, err := store.CompleteAllActiveRequests(ctx, "reset"); err != nil {
		t.Fatalf("complete requests: %v", err)
	}
	n, err := store.CountOpenTasksUnderCompletedRequests(ctx)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 orphaned tasks before the task pass, got %d %v", n, err)
	}
	closed, err := store.CompleteAllActiveTasks(ctx, "reset")
	if err != nil || closed != 2 {
		t.Fatalf("expected 2 tasks closed, got %d %v", closed, err)
	}
	orphans, err := store.CloseOrphanedTasks(ctx, "reset")
	if err != nil || orphans != 0 {
		t.Fatalf("expected no orphans left, got %d %v", orphans, err)
	}
	if n, _ := store.CountOpenTasksUnderCompletedRequests(ctx); n != 0 {
		t.Fatalf("expected consistent store, got %d open tasks under completed requests", n)
	}
}
