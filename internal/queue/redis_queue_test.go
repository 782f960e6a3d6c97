package queue

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"

	"renderforge/internal/testsupport/redisstub"
)

const testStream = "renderforge:tasks:test"

func newRedisQueue(t *testing.T) (Queue, string) {
	t.Helper()
	srv, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})

	q, err := NewRedis(RedisConfig{
		Addr:         srv.Addr(),
		Stream:       testStream,
		Group:        "workers",
		Logger:       discardLogger(),
		BlockTimeout: 100 * time.Millisecond,
		ClaimMinIdle: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("open redis queue: %v", err)
	}
	t.Cleanup(func() {
		_ = q.Close()
	})
	return q, srv.Addr()
}

func TestRedisQueueDeliversTasks(t *testing.T) {
	q, _ := newRedisQueue(t)

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
		if delivered.Name != TaskProcessGeneration || delivered.ID != task.ID {
			t.Fatalf("unexpected task: %#v", delivered)
		}
		if id, ok := delivered.GenerationID(); !ok || id != 42 {
			t.Fatalf("GenerationID = (%d, %v), want (42, true)", id, ok)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task delivery")
	}
	<-done
}

func TestRedisQueueReclaimsAbandonedDeliveries(t *testing.T) {
	q, addr := newRedisQueue(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := NewTask(TaskProcessGeneration, map[string]any{"generation_id": int64(7)})
	if err := q.Enqueue(ctx, task); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	// A consumer reads the entry and dies before acking, leaving it in the
	// group's pending list.
	ghost := redis.NewClient(&redis.Options{Addr: addr})
	defer ghost.Close()
	streams, err := ghost.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    "workers",
		Consumer: "crashed-worker",
		Streams:  []string{testStream, ">"},
		Count:    1,
		Block:    time.Second,
	}).Result()
	if err != nil {
		t.Fatalf("read into pending list: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one abandoned delivery, got %#v", streams)
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
		if delivered.ID != task.ID {
			t.Fatalf("reclaimed task %q, want %q", delivered.ID, task.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("abandoned task was never reclaimed")
	}
	<-done
}
