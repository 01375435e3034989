package correlation_test

import (
	"testing"

	"github.com/basket/claw-office/internal/correlation"
)

func TestTracker_BeginRunResets(t *testing.T) {
	tr := correlation.NewTracker()
	tr.Track("req_1")
	if !tr.BeginRun("run_a") {
		t.Fatal("first run id should be new")
	}
	if tr.Current() != "" {
		t.Fatal("new run should clear the tracked request")
	}
	tr.Track("req_2")
	tr.MarkStreaming()
	tr.MarkToolSeen()
	if tr.BeginRun("run_a") {
		t.Fatal("same run id should not reset")
	}
	if tr.Current() != "req_2" {
		t.Fatal("same run should keep the tracked request")
	}
	if !tr.BeginRun("run_b") {
		t.Fatal("different run id should reset")
	}
	st := tr.State()
	if st.RequestID != "" || st.Streaming || st.ToolSeen || st.RunID != "run_b" {
		t.Fatalf("unexpected state after reset: %+v", st)
	}
}

func TestTracker_FirstFlags(t *testing.T) {
	tr := correlation.NewTracker()
	if !tr.MarkStreaming() || tr.MarkStreaming() {
		t.Fatal("MarkStreaming should report first only once")
	}
	if !tr.MarkToolSeen() || tr.MarkToolSeen() {
		t.Fatal("MarkToolSeen should report first only once")
	}
	tr.ResetTools()
	if tr.ToolSeen() {
		t.Fatal("ResetTools should clear the flag")
	}
	tr.EndRun()
	if tr.MarkStreaming() != true {
		t.Fatal("EndRun should clear streaming")
	}
}

func TestTracker_IndependentInstances(t *testing.T) {
	a, b := correlation.NewTracker(), correlation.NewTracker()
	a.Track("req_a")
	b.Track("req_b")
	if a.Current() != "req_a" || b.Current() != "req_b" {
		t.Fatal("trackers must not share state")
	}
}
