package scheduler_test

import (
	"sync"
	"testing"
	"time"

	"github.com/basket/claw-office/internal/scheduler"
)

type recorder struct {
	mu  sync.Mutex
	got []string
}

func (r *recorder) add(s string) func() {
	return func() {
		r.mu.Lock()
		r.got = append(r.got, s)
		r.mu.Unlock()
	}
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func TestFireAll_RunsInDueOrder(t *testing.T) {
	s := scheduler.New(scheduler.Config{Manual: true})
	defer s.Stop()
	rec := &recorder{}

	s.After("req_1", 1800*time.Millisecond, rec.add("assigned"))
	s.After("req_1", 500*time.Millisecond, rec.add("analyzing"))
	s.After("req_1", 1200*time.Millisecond, rec.add("task_created"))
	s.After("req_1", 500*time.Millisecond, rec.add("analyzing-2"))

	if s.Pending() != 4 {
		t.Fatalf("pending: %d", s.Pending())
	}
	if n := s.FireAll(); n != 4 {
		t.Fatalf("ran %d", n)
	}
	want := []string{"analyzing", "analyzing-2", "task_created", "assigned"}
	got := rec.list()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order: got %v want %v", got, want)
		}
	}
}

func TestFireAll_RunsNestedCallbacks(t *testing.T) {
	s := scheduler.New(scheduler.Config{Manual: true})
	defer s.Stop()
	rec := &recorder{}

	s.After("g", 500*time.Millisecond, func() {
		rec.add("outer")()
		s.After("g", 100*time.Millisecond, rec.add("inner"))
	})
	s.After("g", 550*time.Millisecond, rec.add("later"))

	s.FireAll()
	got := rec.list()
	if len(got) != 3 || got[0] != "outer" || got[1] != "later" || got[2] != "inner" {
		t.Fatalf("nested order: %v", got)
	}
}

func TestCancelAndCancelGroup(t *testing.T) {
	s := scheduler.New(scheduler.Config{Manual: true})
	defer s.Stop()
	rec := &recorder{}

	tok := s.After("a", time.Second, rec.add("a1"))
	s.After("a", 2*time.Second, rec.add("a2"))
	s.After("b", time.Second, rec.add("b1"))

	if !s.Cancel(tok) {
		t.Fatal("cancel should report removal")
	}
	if s.Cancel(tok) {
		t.Fatal("second cancel should be a no-op")
	}
	if s.PendingGroup("a") != 1 {
		t.Fatalf("group a pending: %d", s.PendingGroup("a"))
	}
	if n := s.CancelGroup("a"); n != 1 {
		t.Fatalf("cancel group: %d", n)
	}
	s.FireAll()
	if got := rec.list(); len(got) != 1 || got[0] != "b1" {
		t.Fatalf("unexpected runs: %v", got)
	}
}

func TestRealTime_ZeroScaleRunsPromptly(t *testing.T) {
	s := scheduler.New(scheduler.Config{Scale: 0})
	defer s.Stop()

	done := make(chan string, 2)
	s.After("g", 5*time.Second, func() { done <- "first" })
	s.After("g", 10*time.Second, func() { done <- "second" })

	for _, want := range []string{"first", "second"} {
		select {
		case got := <-done:
			if got != want {
				t.Fatalf("got %s want %s", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("callbacks did not run")
		}
	}
}

func TestRealTime_HonorsDelay(t *testing.T) {
	s := scheduler.New(scheduler.Config{Scale: 1})
	defer s.Stop()

	fired := make(chan time.Time, 1)
	start := time.Now()
	s.After("g", 50*time.Millisecond, func() { fired <- time.Now() })

	select {
	case at := <-fired:
		if at.Sub(start) < 40*time.Millisecond {
			t.Fatalf("fired too early: %v", at.Sub(start))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
	}
}

func TestStop_CancelsPending(t *testing.T) {
	s := scheduler.New(scheduler.Config{Scale: 1})
	fired := make(chan struct{}, 1)
	s.After("g", 100*time.Millisecond, func() { fired <- struct{}{} })
	s.Stop()

	if s.Pending() != 0 {
		t.Fatalf("pending after stop: %d", s.Pending())
	}
	if tok := s.After("g", 0, func() {}); tok != 0 {
		t.Fatal("After on stopped scheduler should return the zero token")
	}
	select {
	case <-fired:
		t.Fatal("callback ran after Stop")
	case <-time.After(200 * time.Millisecond):
	}
	s.Stop()
}

func TestPanickingCallbackDoesNotKillDispatcher(t *testing.T) {
	s := scheduler.New(scheduler.Config{Scale: 0})
	defer s.Stop()

	ok := make(chan struct{})
	s.After("g", 0, func() { panic("boom") })
	s.After("g", time.Millisecond, func() { close(ok) })

	select {
	case <-ok:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher died after panic")
	}
}
