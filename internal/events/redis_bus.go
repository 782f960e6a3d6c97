package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// RedisBusConfig configures the Redis streams bridge. Group names the role
// consuming the subscription (workers, status_poller, ui); each role sees
// every event once.
type RedisBusConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	DB           int
	MasterName   string
	StreamPrefix string
	Group        string
	Logger       *slog.Logger
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BlockTimeout time.Duration
	Buffer       int
	PoolSize     int
}

// NewRedisBus initialises a bus bridged over Redis streams, one stream per
// topic.
func NewRedisBus(cfg RedisBusConfig) (Bus, error) {
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
	prefix := strings.TrimSpace(cfg.StreamPrefix)
	if prefix == "" {
		prefix = "renderforge:events"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "workers"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 128
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
	bus := &redisBus{
		client:       client,
		prefix:       prefix,
		group:        group,
		logger:       cfg.Logger,
		blockTimeout: cfg.BlockTimeout,
		buffer:       cfg.Buffer,
		groups:       make(map[string]struct{}),
	}
	if bus.logger == nil {
		bus.logger = slog.Default()
	}
	if bus.blockTimeout <= 0 {
		bus.blockTimeout = 2 * time.Second
	}
	return bus, nil
}

type redisBus struct {
	client       redis.UniversalClient
	prefix       string
	group        string
	logger       *slog.Logger
	blockTimeout time.Duration
	buffer       int

	groupMu sync.Mutex
	groups  map[string]struct{}
}

func (b *redisBus) streamFor(topic Topic) string {
	return b.prefix + ":" + string(topic)
}

func (b *redisBus) Publish(ctx context.Context, event Event) error {
	if event.Topic == "" {
		return errors.New("event topic is required")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamFor(event.Topic),
		Values: map[string]any{"payload": string(payload)},
	}).Err()
}

func (b *redisBus) Subscribe(topics ...Topic) Subscription {
	if len(topics) == 0 {
		topics = Topics()
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		bus:      b,
		consumer: "consumer-" + uuid.NewString(),
		cancel:   cancel,
		ch:       make(chan Event, b.buffer),
	}
	for _, topic := range topics {
		sub.wg.Add(1)
		go sub.run(ctx, b.streamFor(topic))
	}
	go func() {
		sub.wg.Wait()
		sub.closeChannel()
	}()
	return sub
}

func (b *redisBus) Close() error {
	return b.client.Close()
}

func (b *redisBus) ensureGroup(ctx context.Context, stream string) error {
	b.groupMu.Lock()
	defer b.groupMu.Unlock()
	if _, ok := b.groups[stream]; ok {
		return nil
	}
	err := b.client.XGroupCreateMkStream(ctx, stream, b.group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}
	b.groups[stream] = struct{}{}
	return nil
}

type redisSubscription struct {
	bus      *redisBus
	consumer string
	cancel   context.CancelFunc

	wg   sync.WaitGroup
	once sync.Once
	ch   chan Event
}

func (s *redisSubscription) Events() <-chan Event {
	return s.ch
}

func (s *redisSubscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *redisSubscription) closeChannel() {
	s.once.Do(func() {
		close(s.ch)
	})
}

func (s *redisSubscription) run(ctx context.Context, stream string) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := s.bus.ensureGroup(ctx, stream); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.bus.logger.Warn("event bus group ensure failed", "stream", stream, "error", err)
			sleepCtx(ctx, 200*time.Millisecond)
			continue
		}
		streams, err := s.bus.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.bus.group,
			Consumer: s.consumer,
			Streams:  []string{stream, ">"},
			Count:    32,
			Block:    s.bus.blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			s.bus.logger.Warn("event bus read failed", "stream", stream, "error", err)
			sleepCtx(ctx, 200*time.Millisecond)
			continue
		}
		for _, result := range streams {
			for _, message := range result.Messages {
				s.deliver(ctx, stream, message)
			}
		}
	}
}

func (s *redisSubscription) deliver(ctx context.Context, stream string, message redis.XMessage) {
	payload, ok := message.Values["payload"].(string)
	if !ok || payload == "" {
		s.ack(ctx, stream, message.ID)
		return
	}
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		s.bus.logger.Error("event decode failed", "stream", stream, "id", message.ID, "error", err)
		s.ack(ctx, stream, message.ID)
		return
	}
	select {
	case s.ch <- event:
		s.ack(ctx, stream, message.ID)
	case <-ctx.Done():
		// Left unacked: the entry is re-delivered to another consumer.
	}
}

func (s *redisSubscription) ack(ctx context.Context, stream, id string) {
	if id == "" {
		return
	}
	if err := s.bus.client.XAck(ctx, stream, s.bus.group, id).Err(); err != nil {
		s.bus.logger.Warn("event ack failed", "stream", stream, "id", id, "error", err)
	}
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
