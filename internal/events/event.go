// Package events carries job lifecycle notifications between the API,
// the worker fleet, and downstream consumers. An in-process bus serves
// single-node deployments; the Redis streams bridge fans events out across
// processes with at-least-once delivery, so handlers must be idempotent.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Topic enumerates the lifecycle notifications published by the pipeline.
type Topic string

const (
	TopicJobCreated      Topic = "job_created"
	TopicJobStarted      Topic = "job_started"
	TopicJobCompleted    Topic = "job_completed"
	TopicJobFailed       Topic = "job_failed"
	TopicJobCancelled    Topic = "job_cancelled"
	TopicRatingViolation Topic = "rating_violation"
)

// Topics lists every topic, in publication order of a typical job.
func Topics() []Topic {
	return []Topic{
		TopicJobCreated,
		TopicJobStarted,
		TopicJobCompleted,
		TopicJobFailed,
		TopicJobCancelled,
		TopicRatingViolation,
	}
}

// Event is the wire envelope published on the bus.
type Event struct {
	ID           string    `json:"id"`
	Topic        Topic     `json:"topic"`
	GenerationID int64     `json:"generationId,omitempty"`
	UserID       string    `json:"userId,omitempty"`
	Status       string    `json:"status,omitempty"`
	Error        string    `json:"error,omitempty"`
	OccurredAt   time.Time `json:"occurredAt"`
}

// New builds an event with a fresh id and timestamp.
func New(topic Topic, generationID int64, userID string) Event {
	return Event{
		ID:           uuid.NewString(),
		Topic:        topic,
		GenerationID: generationID,
		UserID:       userID,
		OccurredAt:   time.Now().UTC(),
	}
}
