package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis streams queue.
type RedisConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	DB           int
	MasterName   string
	Stream       string
	Group        string
	Logger       *slog.Logger
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BlockTimeout time.Duration
	PoolSize     int
	// ClaimMinIdle is how long an entry may sit unacked before another
	// consumer claims it (crash recovery). Zero uses one minute.
	ClaimMinIdle time.Duration
}

// NewRedis initialises a durable task queue backed by Redis streams.
func NewRedis(cfg RedisConfig) (Queue, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "renderforge:tasks"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "workers"
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	q := &redisQueue{
		client:       client,
		stream:       stream,
		group:        group,
		logger:       cfg.Logger,
		blockTimeout: cfg.BlockTimeout,
		claimMinIdle: cfg.ClaimMinIdle,
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if q.blockTimeout <= 0 {
		q.blockTimeout = 2 * time.Second
	}
	if q.claimMinIdle <= 0 {
		q.claimMinIdle = time.Minute
	}
	if err := q.ensureGroup(context.Background()); err != nil {
		client.Close()
		return nil, err
	}
	return q, nil
}

type redisQueue struct {
	client       redis.UniversalClient
	stream       string
	group        string
	logger       *slog.Logger
	blockTimeout time.Duration
	claimMinIdle time.Duration

	groupMu    sync.Mutex
	groupReady atomic.Bool
}

func (q *redisQueue) Enqueue(ctx context.Context, task Task) error {
	if strings.TrimSpace(task.Name) == "" {
		return errors.New("task name is required")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"payload": string(payload)},
	}).Err()
}

func (q *redisQueue) ensureGroup(ctx context.Context) error {
	if q.groupReady.Load() {
		return nil
	}
	q.groupMu.Lock()
	defer q.groupMu.Unlock()
	if q.groupReady.Load() {
		return nil
	}
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}
	q.groupReady.Store(true)
	return nil
}

func (q *redisQueue) Consume(ctx context.Context, handle Handler) error {
	consumer := "worker-" + uuid.NewString()
	lastClaim := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := q.ensureGroup(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			q.logger.Warn("task queue group ensure failed", "error", err)
			sleepCtx(ctx, 200*time.Millisecond)
			continue
		}
		if time.Since(lastClaim) > q.claimMinIdle {
			q.claimStale(ctx, consumer)
			lastClaim = time.Now()
		}
		entries, err := q.read(ctx, consumer)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			q.logger.Warn("task queue read failed", "error", err)
			sleepCtx(ctx, 200*time.Millisecond)
			continue
		}
		for _, entry := range entries {
			q.dispatch(ctx, handle, entry)
		}
	}
}

type streamEntry struct {
	ID      string
	Payload []byte
}

func (q *redisQueue) dispatch(ctx context.Context, handle Handler, entry streamEntry) {
	var task Task
	if err := json.Unmarshal(entry.Payload, &task); err != nil {
		q.logger.Error("task decode failed", "id", entry.ID, "error", err)
		q.ack(ctx, entry.ID)
		return
	}
	if task.NotBefore != nil && task.NotBefore.After(time.Now()) {
		// Not due yet: put it back and ack the delivery.
		q.ack(ctx, entry.ID)
		if err := q.Enqueue(ctx, task); err != nil {
			q.logger.Error("task re-circulate failed", "task", task.Name, "error", err)
		}
		sleepCtx(ctx, 250*time.Millisecond)
		return
	}
	err := handle(ctx, task)
	q.ack(ctx, entry.ID)
	if err == nil {
		return
	}
	task.Attempts++
	if task.Attempts >= maxDeliveries {
		q.logger.Error("task dropped after max deliveries",
			"task", task.Name, "task_id", task.ID, "attempts", task.Attempts, "error", err)
		return
	}
	due := time.Now().UTC().Add(retryBackoff(task.Attempts))
	task.NotBefore = &due
	if enqueueErr := q.Enqueue(ctx, task); enqueueErr != nil {
		q.logger.Error("task retry enqueue failed", "task", task.Name, "error", enqueueErr)
		return
	}
	q.logger.Warn("task requeued with backoff",
		"task", task.Name, "task_id", task.ID, "attempts", task.Attempts, "due", due, "error", err)
}

func (q *redisQueue) ack(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if err := q.client.XAck(ctx, q.stream, q.group, id).Err(); err != nil {
		q.logger.Warn("task ack failed", "id", id, "error", err)
	}
}

// claimStale re-delivers entries abandoned by crashed consumers.
func (q *redisQueue) claimStale(ctx context.Context, consumer string) {
	entries, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimMinIdle,
		Start:    "0-0",
		Count:    32,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled) {
			q.logger.Warn("stale task claim failed", "error", err)
		}
		return
	}
	for _, message := range entries {
		payload, ok := message.Values["payload"].(string)
		if !ok || payload == "" {
			q.ack(ctx, message.ID)
			continue
		}
		q.ack(ctx, message.ID)
		var task Task
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			q.logger.Error("stale task decode failed", "id", message.ID, "error", err)
			continue
		}
		if err := q.Enqueue(ctx, task); err != nil {
			q.logger.Error("stale task requeue failed", "id", message.ID, "error", err)
		}
	}
}

func (q *redisQueue) read(ctx context.Context, consumer string) ([]streamEntry, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    16,
		Block:    q.blockTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var entries []streamEntry
	for _, stream := range streams {
		for _, message := range stream.Messages {
			payload, ok := message.Values["payload"].(string)
			if !ok || payload == "" {
				continue
			}
			entries = append(entries, streamEntry{ID: message.ID, Payload: []byte(payload)})
		}
	}
	return entries, nil
}

func (q *redisQueue) Close() error {
	return q.client.Close()
}

func isBusyGroup(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "busygrou")
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
