package events

import (
	"context"
	"testing"
	"time"

	"renderforge/internal/testsupport/redisstub"
)

func newRedisBus(t *testing.T) Bus {
	t.Helper()
	srv, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})

	bus, err := NewRedisBus(RedisBusConfig{
		Addr:         srv.Addr(),
		StreamPrefix: "renderforge:events:test",
		BlockTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("open redis bus: %v", err)
	}
	t.Cleanup(func() {
		_ = bus.Close()
	})
	return bus
}

func TestRedisBusDeliversPublishedEvents(t *testing.T) {
	bus := newRedisBus(t)

	sub := bus.Subscribe(TopicJobCompleted)
	defer sub.Close()

	event := New(TopicJobCompleted, 7, "u-1")
	event.Status = "COMPLETED"
	if err := bus.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	got := waitEvent(t, sub)
	if got.Topic != TopicJobCompleted || got.GenerationID != 7 || got.UserID != "u-1" {
		t.Fatalf("unexpected event: %#v", got)
	}
	if got.Status != "COMPLETED" || got.ID != event.ID {
		t.Fatalf("envelope lost in transit: %#v", got)
	}
}

func TestRedisBusKeepsTopicsSeparate(t *testing.T) {
	bus := newRedisBus(t)

	failures := bus.Subscribe(TopicJobFailed)
	defer failures.Close()

	if err := bus.Publish(context.Background(), New(TopicJobStarted, 3, "u-1")); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if err := bus.Publish(context.Background(), New(TopicJobFailed, 4, "u-1")); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	got := waitEvent(t, failures)
	if got.Topic != TopicJobFailed || got.GenerationID != 4 {
		t.Fatalf("subscription leaked another topic: %#v", got)
	}
}
