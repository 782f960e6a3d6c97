// Package queue implements the durable task queue the worker fleet consumes:
// Redis streams with consumer groups for production, an in-memory driver for
// tests and single-process deployments.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Task names registered with the worker fleet.
const (
	TaskProcessGeneration = "process_generation"
	TaskProcessAnalysis   = "process_analysis"
)

// Task is the envelope carried on the queue.
type Task struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Args       map[string]any `json:"args,omitempty"`
	Attempts   int            `json:"attempts"`
	EnqueuedAt time.Time      `json:"enqueuedAt"`
	// NotBefore defers execution; consumers re-circulate tasks that are not
	// yet due.
	NotBefore *time.Time `json:"notBefore,omitempty"`
}

// NewTask builds a task with a fresh id.
func NewTask(name string, args map[string]any) Task {
	return Task{
		ID:         uuid.NewString(),
		Name:       name,
		Args:       args,
		EnqueuedAt: time.Now().UTC(),
	}
}

// GenerationID extracts the generation id argument common to most tasks.
func (t Task) GenerationID() (int64, bool) {
	return int64Arg(t.Args, "generation_id")
}

// AnalysisID extracts the analysis id argument.
func (t Task) AnalysisID() (int64, bool) {
	return int64Arg(t.Args, "analysis_id")
}

func int64Arg(args map[string]any, key string) (int64, bool) {
	if args == nil {
		return 0, false
	}
	switch v := args[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}

// Handler processes one task. A non-nil error re-enqueues the task with
// backoff until the redelivery cap is reached.
type Handler func(ctx context.Context, task Task) error

// Queue is the durable task transport.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	// Consume blocks, delivering tasks to the handler until the context is
	// cancelled.
	Consume(ctx context.Context, handle Handler) error
	Close() error
}

const (
	retryBackoffBase = 5 * time.Second
	retryBackoffCap  = 5 * time.Minute
	maxDeliveries    = 20
)

// retryBackoff doubles per attempt from the base up to the cap.
func retryBackoff(attempts int) time.Duration {
	backoff := retryBackoffBase
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= retryBackoffCap {
			return retryBackoffCap
		}
	}
	return backoff
}
