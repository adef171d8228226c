package notify

import (
	"testing"

	"github.com/grubworks/grubq/pkg/id"
)

func TestPublishFanOut(t *testing.T) {
	h := NewHub()
	a, cancelA := h.Subscribe(4)
	b, cancelB := h.Subscribe(4)
	defer cancelA()
	defer cancelB()

	jobID := id.NewGenerator().Next()
	h.Publish(Event{JobID: jobID, Status: "completed"})

	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		select {
		case ev := <-ch:
			if ev.JobID != jobID || ev.Status != "completed" {
				t.Fatalf("subscriber %s got %+v", name, ev)
			}
		default:
			t.Fatalf("subscriber %s got nothing", name)
		}
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(1)
	defer cancel()

	h.Publish(Event{Status: "queued"})
	h.Publish(Event{Status: "active"})

	ev := <-ch
	if ev.Status != "queued" {
		t.Fatalf("first event = %+v", ev)
	}
	select {
	case ev := <-ch:
		t.Fatalf("overflow event delivered: %+v", ev)
	default:
	}
}

func TestCancelClosesChannel(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(1)
	cancel()
	cancel() // idempotent

	if _, open := <-ch; open {
		t.Fatal("channel still open after cancel")
	}
	if h.Subscribers() != 0 {
		t.Fatalf("subscribers = %d after cancel", h.Subscribers())
	}
	// publishing with no subscribers must not panic
	h.Publish(Event{Status: "failed"})
}
