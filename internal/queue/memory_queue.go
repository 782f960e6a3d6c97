package queue

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewMemory initialises an in-process task queue for tests and
// single-process deployments. Deferred tasks are delivered by timer.
func NewMemory(buffer int, logger *slog.Logger) Queue {
	if buffer <= 0 {
		buffer = 128
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &memoryQueue{
		tasks:  make(chan Task, buffer),
		logger: logger,
	}
}

type memoryQueue struct {
	tasks  chan Task
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	timers []*time.Timer
}

func (q *memoryQueue) Enqueue(ctx context.Context, task Task) error {
	if strings.TrimSpace(task.Name) == "" {
		return errors.New("task name is required")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	if task.NotBefore != nil {
		if delay := time.Until(*task.NotBefore); delay > 0 {
			q.deferTask(task, delay)
			return nil
		}
	}
	select {
	case q.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *memoryQueue) deferTask(task Task, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	timer := time.AfterFunc(delay, func() {
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return
		}
		select {
		case q.tasks <- task:
		default:
			q.logger.Warn("memory queue full, deferred task dropped", "task", task.Name, "task_id", task.ID)
		}
	})
	q.timers = append(q.timers, timer)
}

func (q *memoryQueue) Consume(ctx context.Context, handle Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case task, ok := <-q.tasks:
			if !ok {
				return nil
			}
			if err := handle(ctx, task); err != nil {
				task.Attempts++
				if task.Attempts >= maxDeliveries {
					q.logger.Error("task dropped after max deliveries",
						"task", task.Name, "task_id", task.ID, "attempts", task.Attempts, "error", err)
					continue
				}
				due := time.Now().UTC().Add(retryBackoff(task.Attempts))
				task.NotBefore = &due
				if enqueueErr := q.Enqueue(ctx, task); enqueueErr != nil && !errors.Is(enqueueErr, context.Canceled) {
					q.logger.Error("task retry enqueue failed", "task", task.Name, "error", enqueueErr)
				}
			}
		}
	}
}

func (q *memoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for _, timer := range q.timers {
		timer.Stop()
	}
	q.timers = nil
	return nil
}
