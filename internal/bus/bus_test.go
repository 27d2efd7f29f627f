package bus

import (
	"fmt"
	"testing"
	"time"

	"conductor/internal/logging"
)

func waitEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case evt, ok := <-sub.Events():
		if !ok {
			t.Fatalf("subscription channel closed while waiting for event")
		}
		return evt
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return Event{}
}

func waitClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("subscription channel did not close")
		}
	}
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New(logging.NewNop())
	defer b.Close()

	first := b.Subscribe("first")
	second := b.Subscribe("second")

	b.Publish(NewEvent(TypeStageSucceeded, "20240101_2000_abc123", StageOutcome{Stage: "syncing_audio"}))

	for _, sub := range []*Subscription{first, second} {
		evt := waitEvent(t, sub)
		if evt.Type != TypeStageSucceeded {
			t.Fatalf("expected %s, got %s", TypeStageSucceeded, evt.Type)
		}
		if evt.SessionID != "20240101_2000_abc123" {
			t.Fatalf("unexpected session id %q", evt.SessionID)
		}
		if evt.Timestamp.IsZero() {
			t.Fatal("expected publish to stamp the event")
		}
		outcome, ok := evt.Payload.(StageOutcome)
		if !ok {
			t.Fatalf("unexpected payload type %T", evt.Payload)
		}
		if outcome.Stage != "syncing_audio" {
			t.Fatalf("unexpected stage %q", outcome.Stage)
		}
	}
}

func TestSubscribeFiltersByType(t *testing.T) {
	b := New(logging.NewNop())
	defer b.Close()

	sub := b.Subscribe("outcomes", TypeStageSucceeded, TypeStageFailed)

	b.Publish(NewEvent(TypeStageProgress, "s1", StageProgress{Stage: "uploading", Percent: 50}))
	b.Publish(NewEvent(TypeStageFailed, "s1", StageOutcome{Stage: "uploading", Error: "remote unreachable"}))

	evt := waitEvent(t, sub)
	if evt.Type != TypeStageFailed {
		t.Fatalf("expected filtered subscription to skip progress, got %s", evt.Type)
	}
}

func TestLateSubscriberSeesOnlyFutureEvents(t *testing.T) {
	b := New(logging.NewNop())
	defer b.Close()

	b.Publish(NewEvent(TypeCaptureStarted, "early", nil))

	sub := b.Subscribe("late")
	b.Publish(NewEvent(TypeCaptureStopped, "later", nil))

	evt := waitEvent(t, sub)
	if evt.Type != TypeCaptureStopped || evt.SessionID != "later" {
		t.Fatalf("late subscriber saw %s/%s, want %s/later", evt.Type, evt.SessionID, TypeCaptureStopped)
	}
}

func TestLifecycleEventsAreNeverDropped(t *testing.T) {
	b := New(logging.NewNop(), WithProgressBacklog(1))
	defer b.Close()

	sub := b.Subscribe("slow")

	const total = 50
	for i := 0; i < total; i++ {
		b.Publish(NewEvent(TypeStageSucceeded, fmt.Sprintf("session-%03d", i), i))
	}

	for i := 0; i < total; i++ {
		evt := waitEvent(t, sub)
		got, ok := evt.Payload.(int)
		if !ok || got != i {
			t.Fatalf("event %d: got payload %v, want %d", i, evt.Payload, i)
		}
	}
	if dropped := sub.Dropped(); dropped != 0 {
		t.Fatalf("expected no drops for lifecycle events, got %d", dropped)
	}
}

func TestProgressOverflowDropsOldestFirst(t *testing.T) {
	b := New(logging.NewNop(), WithProgressBacklog(1))
	defer b.Close()

	sub := b.Subscribe("laggard")

	const total = 40
	for i := 0; i < total; i++ {
		b.Publish(NewEvent(TypeStageProgress, "s1", StageProgress{Stage: "uploading", Percent: float64(i)}))
	}
	// Publish is synchronous, so every drop has been counted by now. The
	// trailing lifecycle event marks the end of the surviving backlog.
	b.Publish(NewEvent(TypeSessionCompleted, "s1", nil))

	var indexes []int
	for {
		evt := waitEvent(t, sub)
		if evt.Type == TypeSessionCompleted {
			break
		}
		progress, ok := evt.Payload.(StageProgress)
		if !ok {
			t.Fatalf("unexpected payload type %T", evt.Payload)
		}
		indexes = append(indexes, int(progress.Percent))
	}

	if len(indexes) == 0 {
		t.Fatal("expected at least one progress event to survive")
	}
	for i := 1; i < len(indexes); i++ {
		if indexes[i] <= indexes[i-1] {
			t.Fatalf("progress events out of order: %v", indexes)
		}
	}
	if last := indexes[len(indexes)-1]; last != total-1 {
		t.Fatalf("newest progress event must survive, got last index %d", last)
	}
	if got := int(sub.Dropped()) + len(indexes); got != total {
		t.Fatalf("received %d + dropped %d != published %d", len(indexes), sub.Dropped(), total)
	}
}

func TestCloseShutsDownSubscribers(t *testing.T) {
	b := New(logging.NewNop())
	sub := b.Subscribe("watcher")

	b.Close()
	waitClosed(t, sub)

	// Publishing into a closed bus is a no-op rather than a panic.
	b.Publish(NewEvent(TypeCaptureStarted, "s1", nil))
}

func TestSubscriptionCloseDetaches(t *testing.T) {
	b := New(logging.NewNop())
	defer b.Close()

	sub := b.Subscribe("short-lived")
	keeper := b.Subscribe("keeper")

	sub.Close()
	waitClosed(t, sub)

	b.Publish(NewEvent(TypeCaptureStarted, "s1", nil))
	evt := waitEvent(t, keeper)
	if evt.Type != TypeCaptureStarted {
		t.Fatalf("remaining subscriber got %s, want %s", evt.Type, TypeCaptureStarted)
	}
}

func TestSubscribeAfterCloseReturnsClosedSubscription(t *testing.T) {
	b := New(logging.NewNop())
	b.Close()

	sub := b.Subscribe("too-late")
	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected a closed events channel")
	}
}

func TestClassOf(t *testing.T) {
	tests := []struct {
		eventType string
		want      string
	}{
		{TypeStageProgress, ClassProgress},
		{TypeStageSucceeded, ClassLifecycle},
		{TypeSessionCompleted, ClassLifecycle},
		{TypeRenderFileStable, ClassLifecycle},
		{"SOMETHING_NEW", ClassLifecycle},
	}
	for _, tt := range tests {
		if got := ClassOf(tt.eventType); got != tt.want {
			t.Errorf("ClassOf(%q) = %v, want %v", tt.eventType, got, tt.want)
		}
	}
}
