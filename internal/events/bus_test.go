package events

import (
	"context"
	"testing"
	"time"
)

func waitEvent(t *testing.T, sub Subscription) Event {
	t.Helper()
	select {
	case event, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestMemoryBusFansOut(t *testing.T) {
	bus := NewMemoryBus(8)
	defer bus.Close()

	first := bus.Subscribe()
	second := bus.Subscribe()

	event := New(TopicJobCompleted, 12, "u-1")
	event.Status = "COMPLETED"
	if err := bus.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	for _, sub := range []Subscription{first, second} {
		got := waitEvent(t, sub)
		if got.Topic != TopicJobCompleted || got.GenerationID != 12 || got.UserID != "u-1" {
			t.Fatalf("unexpected event: %#v", got)
		}
	}
}

func TestMemoryBusFiltersTopics(t *testing.T) {
	bus := NewMemoryBus(8)
	defer bus.Close()

	failures := bus.Subscribe(TopicJobFailed)

	if err := bus.Publish(context.Background(), New(TopicJobCreated, 1, "u")); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if err := bus.Publish(context.Background(), New(TopicJobFailed, 2, "u")); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	got := waitEvent(t, failures)
	if got.Topic != TopicJobFailed || got.GenerationID != 2 {
		t.Fatalf("filter delivered wrong event: %#v", got)
	}
	select {
	case extra := <-failures.Events():
		t.Fatalf("unexpected extra event: %#v", extra)
	default:
	}
}

func TestMemoryBusRejectsTopiclessEvent(t *testing.T) {
	bus := NewMemoryBus(1)
	defer bus.Close()
	if err := bus.Publish(context.Background(), Event{}); err == nil {
		t.Fatal("expected error for event without topic")
	}
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	bus := NewMemoryBus(4)
	defer bus.Close()

	sub := bus.Subscribe()
	sub.Close()
	sub.Close() // idempotent

	if err := bus.Publish(context.Background(), New(TopicJobStarted, 3, "u")); err != nil {
		t.Fatalf("Publish after close returned error: %v", err)
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatal("closed subscription should deliver nothing")
	}
}

func TestNewFillsEnvelope(t *testing.T) {
	event := New(TopicRatingViolation, 99, "user-7")
	if event.ID == "" || event.OccurredAt.IsZero() {
		t.Fatalf("incomplete envelope: %#v", event)
	}
	if event.Topic != TopicRatingViolation || event.GenerationID != 99 || event.UserID != "user-7" {
		t.Fatalf("unexpected envelope: %#v", event)
	}
}
