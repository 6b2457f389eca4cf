package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mqrunner/pkg/logx"
)

// redisBackend implements the reliable-queue pattern on redis lists: a
// receive moves the entry from the ready list into a processing list, and
// Acknowledge removes it from there. The raw list entry doubles as the
// message id. With acknowledgement disabled, entries are simply popped.
type redisBackend struct {
	rdb        *redis.Client
	queueKey   string
	workingKey string
	eventsKey  string
	timeout    time.Duration
	ackReq     bool
	log        logx.Logger
}

func openRedis(cfg Config, ackRequired bool, log logx.Logger) (Backend, error) {
	if cfg.Redis.QueueKey == "" {
		return nil, errors.New("redis queue key is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	log.Info("redis queue opened",
		logx.String("addr", cfg.Redis.Addr),
		logx.String("queue", cfg.Redis.QueueKey))

	return &redisBackend{
		rdb:        rdb,
		queueKey:   cfg.Redis.QueueKey,
		workingKey: cfg.Redis.QueueKey + ":processing",
		eventsKey:  cfg.Redis.EventsKey,
		timeout:    cfg.ReceiveTimeout,
		ackReq:     ackRequired,
		log:        log,
	}, nil
}

func (b *redisBackend) Receive(ctx context.Context) (*Message, error) {
	if !b.ackReq {
		vals, err := b.rdb.BLPop(ctx, b.timeout, b.queueKey).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("blpop %s: %w", b.queueKey, err)
		}
		// BLPOP returns (key, value).
		return &Message{Content: vals[1]}, nil
	}

	entry, err := b.rdb.BLMove(ctx, b.queueKey, b.workingKey, "LEFT", "RIGHT", b.timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("blmove %s: %w", b.queueKey, err)
	}
	return &Message{Content: entry, ID: entry}, nil
}

func (b *redisBackend) Acknowledge(ctx context.Context, id string) error {
	n, err := b.rdb.LRem(ctx, b.workingKey, 1, id).Result()
	if err != nil {
		return fmt.Errorf("lrem %s: %w", b.workingKey, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	return nil
}

func (b *redisBackend) Publish(ctx context.Context, content string) error {
	if b.eventsKey == "" {
		return nil
	}
	if err := b.rdb.RPush(ctx, b.eventsKey, content).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", b.eventsKey, err)
	}
	return nil
}

func (b *redisBackend) Close() error {
	return b.rdb.Close()
}
