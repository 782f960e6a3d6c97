package queue

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMemoryQueueDeliversTasks(t *testing.T) {
	q := NewMemory(8, discardLogger())
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := NewTask(TaskProcessGeneration, map[string]any{"generation_id": int64(42)})
	if err := q.Enqueue(ctx, task); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	got := make(chan Task, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Consume(ctx, func(ctx context.Context, task Task) error {
			got <- task
			cancel()
			return nil
		})
	}()

	select {
	case delivered := <-got:
		if delivered.Name != TaskProcessGeneration {
			t.Fatalf("unexpected task name %q", delivered.Name)
		}
		id, ok := delivered.GenerationID()
		if !ok || id != 42 {
			t.Fatalf("GenerationID = (%d, %v), want (42, true)", id, ok)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task delivery")
	}
	<-done
}

func TestMemoryQueueRejectsUnnamedTask(t *testing.T) {
	q := NewMemory(1, discardLogger())
	defer q.Close()
	if err := q.Enqueue(context.Background(), Task{}); err == nil {
		t.Fatal("expected error for task without a name")
	}
}

func TestMemoryQueueDefersUntilDue(t *testing.T) {
	q := NewMemory(8, discardLogger())
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	due := time.Now().UTC().Add(50 * time.Millisecond)
	task := NewTask(TaskProcessGeneration, nil)
	task.NotBefore = &due
	enqueued := time.Now()
	if err := q.Enqueue(ctx, task); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	got := make(chan time.Time, 1)
	go func() {
		_ = q.Consume(ctx, func(ctx context.Context, task Task) error {
			got <- time.Now()
			cancel()
			return nil
		})
	}()

	select {
	case deliveredAt := <-got:
		if deliveredAt.Sub(enqueued) < 40*time.Millisecond {
			t.Fatalf("deferred task delivered too early: %v", deliveredAt.Sub(enqueued))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deferred task")
	}
}

func TestMemoryQueueRetriesFailedTasks(t *testing.T) {
	q := NewMemory(8, discardLogger())
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.Enqueue(ctx, NewTask(TaskProcessAnalysis, map[string]any{"analysis_id": 7})); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Consume(ctx, func(ctx context.Context, task Task) error {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n == 1 {
				return context.DeadlineExceeded
			}
			if task.Attempts != 1 {
				t.Errorf("redelivered task attempts = %d, want 1", task.Attempts)
			}
			cancel()
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for task redelivery")
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Fatalf("handler ran %d times, want 2", attempts)
	}
}

func TestTaskIDHelpers(t *testing.T) {
	task := NewTask(TaskProcessAnalysis, map[string]any{"analysis_id": float64(9)})
	if task.ID == "" || task.EnqueuedAt.IsZero() {
		t.Fatalf("NewTask left envelope incomplete: %#v", task)
	}
	id, ok := task.AnalysisID()
	if !ok || id != 9 {
		t.Fatalf("AnalysisID = (%d, %v), want (9, true)", id, ok)
	}
	if _, ok := task.GenerationID(); ok {
		t.Fatal("GenerationID should be absent")
	}
}

func TestRetryBackoffDoublesToCap(t *testing.T) {
	if got := retryBackoff(1); got != retryBackoffBase {
		t.Fatalf("retryBackoff(1) = %v, want %v", got, retryBackoffBase)
	}
	if got := retryBackoff(3); got != 4*retryBackoffBase {
		t.Fatalf("retryBackoff(3) = %v, want %v", got, 4*retryBackoffBase)
	}
	if got := retryBackoff(50); got != retryBackoffCap {
		t.Fatalf("retryBackoff(50) = %v, want cap %v", got, retryBackoffCap)
	}
}
