package bus

import (
	"sync"
	"testing"
	"time"
)

func next(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Ch():
		if !ok {
			t.Fatal("subscription closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func drain(sub *Subscription) int {
	n := 0
	for {
		select {
		case _, ok := <-sub.Ch():
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

func TestBus_WorkflowPrefixTakesEveryKind(t *testing.T) {
	b := New()
	stream := b.Subscribe(TopicPrefix)
	defer b.Unsubscribe(stream)

	b.Publish(TopicRequest, "req_1")
	b.Publish(TopicTask, "task_1")
	b.Publish(TopicActivity, "evt_1")
	b.Publish(TopicMessage, "msg_1")
	b.Publish("system.status", "ignored")

	want := []struct{ kind, payload string }{
		{"request", "req_1"}, {"task", "task_1"}, {"activity", "evt_1"}, {"message", "msg_1"},
	}
	for _, w := range want {
		ev := next(t, stream)
		if Kind(ev.Topic) != w.kind || ev.Payload != w.payload {
			t.Fatalf("got %s/%v, want %s/%s", Kind(ev.Topic), ev.Payload, w.kind, w.payload)
		}
	}
	if n := drain(stream); n != 0 {
		t.Fatalf("%d unexpected events after the workflow topics", n)
	}
}

func TestBus_NarrowSubscription(t *testing.T) {
	b := New()
	tasks := b.Subscribe(TopicTask)
	all := b.Subscribe("")
	defer b.Unsubscribe(tasks)
	defer b.Unsubscribe(all)

	b.Publish(TopicRequest, "req_1")
	b.Publish(TopicTask, "task_1")

	if ev := next(t, tasks); ev.Payload != "task_1" {
		t.Fatalf("task subscriber got %v", ev.Payload)
	}
	if n := drain(tasks); n != 0 {
		t.Fatalf("task subscriber saw %d extra events", n)
	}
	if n := drain(all); n != 2 {
		t.Fatalf("catch-all subscriber saw %d events, want 2", n)
	}
}

func TestKind(t *testing.T) {
	if Kind("workflow.unknown") != "" || Kind("") != "" {
		t.Fatal("unknown topics must map to no stream event")
	}
}

func TestBus_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := New()
	slow := b.Subscribe(TopicPrefix)
	defer b.Unsubscribe(slow)

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize+10; i++ {
			b.Publish(TopicActivity, i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if n := drain(slow); n != defaultBufferSize {
		t.Fatalf("buffered %d events, want %d", n, defaultBufferSize)
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicPrefix)
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}
	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
}

func TestBus_ConcurrentPublishersFanOut(t *testing.T) {
	b := New()
	subs := []*Subscription{b.Subscribe(TopicPrefix), b.Subscribe(TopicPrefix)}
	for _, s := range subs {
		defer b.Unsubscribe(s)
	}

	const publishers, each = 8, 5
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				b.Publish(TopicTask, i)
			}
		}()
	}
	wg.Wait()

	for i, s := range subs {
		if n := drain(s); n != publishers*each {
			t.Fatalf("subscriber %d got %d events, want %d", i, n, publishers*each)
		}
	}
}

func TestBus_DroppedCount(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicPrefix)
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize+3; i++ {
		b.Publish(TopicActivity, i)
	}
	if got := b.DroppedCount(); got != 3 {
		t.Fatalf("dropped = %d, want 3", got)
	}
}

func TestBus_CloseEndsSubscriptions(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Close()

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel after Close")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
	late := b.Subscribe("")
	if _, ok := <-late.Ch(); ok {
		t.Fatal("expected subscription on closed bus to be closed")
	}
	// Publishing and unsubscribing after close are harmless.
	b.Publish(TopicTask, "x")
	b.Unsubscribe(sub)
	b.Unsubscribe(late)
}
