package events

import (
	"context"
	"errors"
	"sync"
)

// Bus fan-outs lifecycle events to interested subscribers.
type Bus interface {
	// Publish delivers the event to every subscription matching its topic.
	Publish(ctx context.Context, event Event) error
	// Subscribe opens a stream limited to the given topics; no topics means
	// all of them.
	Subscribe(topics ...Topic) Subscription
	Close() error
}

// Subscription represents an active event stream.
type Subscription interface {
	Events() <-chan Event
	Close()
}

// NewMemoryBus initialises an in-process fan-out bus suitable for tests and
// single-process deployments.
func NewMemoryBus(buffer int) Bus {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryBus{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryBus struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
}

func (b *memoryBus) Publish(ctx context.Context, event Event) error {
	if event.Topic == "" {
		return errors.New("event topic is required")
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !sub.wants(event.Topic) {
			continue
		}
		select {
		case sub.ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Drop instead of blocking to keep the publish path
			// responsive. Consumers are expected to drain promptly.
		}
	}
	return nil
}

func (b *memoryBus) Subscribe(topics ...Topic) Subscription {
	sub := &memorySubscription{
		bus:    b,
		ch:     make(chan Event, b.buffer),
		topics: topicSet(topics),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *memoryBus) Close() error {
	b.mu.Lock()
	subs := make([]*memorySubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

func topicSet(topics []Topic) map[Topic]struct{} {
	if len(topics) == 0 {
		return nil
	}
	set := make(map[Topic]struct{}, len(topics))
	for _, topic := range topics {
		set[topic] = struct{}{}
	}
	return set
}

type memorySubscription struct {
	once   sync.Once
	bus    *memoryBus
	ch     chan Event
	topics map[Topic]struct{}
}

func (s *memorySubscription) wants(topic Topic) bool {
	if s.topics == nil {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

func (s *memorySubscription) Events() <-chan Event {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}
