package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Visibility timeout for a received message. RenewLock extends it.
const lockTTL = 60 * time.Second

// How many due candidates to scan per receive before giving up; locked
// messages stay in the schedule set so a scan may pass over a few.
const receiveScanLimit = 16

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// RedisQueue implements DelayQueue on Redis. Each queue is a sorted set of
// message ids scored by visible-at time; bodies live in plain keys so peeks
// are non-destructive; processing locks are SETNX keys with a TTL. A message
// stays in the sorted set while locked, so PeekAll sees in-flight messages —
// the reconciler depends on that.
type RedisQueue struct {
	rdb *redis.Client
}

// NewRedisQueue connects to Redis and verifies the connection.
func NewRedisQueue(cfg Config) (*RedisQueue, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisQueue{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}

// Key helpers
func scheduleKey(queueName string) string {
	return fmt.Sprintf("feedmirror:q:%s", queueName)
}

func bodyKey(msgID string) string {
	return fmt.Sprintf("feedmirror:msg:%s", msgID)
}

func lockKey(msgID string) string {
	return fmt.Sprintf("feedmirror:lock:%s", msgID)
}

func attemptsKey(msgID string) string {
	return fmt.Sprintf("feedmirror:attempts:%s", msgID)
}

func (q *RedisQueue) Enqueue(ctx context.Context, queueName string, body []byte, delay time.Duration) error {
	msgID := uuid.New().String()
	visibleAt := time.Now().Add(delay)

	if err := q.rdb.Set(ctx, bodyKey(msgID), body, 0).Err(); err != nil {
		return fmt.Errorf("enqueue body failed: %w", err)
	}
	err := q.rdb.ZAdd(ctx, scheduleKey(queueName), redis.Z{
		Score:  float64(visibleAt.UnixMilli()),
		Member: msgID,
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue schedule failed: %w", err)
	}
	return nil
}

func (q *RedisQueue) Receive(ctx context.Context, queueName string) (*Message, error) {
	now := time.Now().UnixMilli()
	candidates, err := q.rdb.ZRangeByScore(ctx, scheduleKey(queueName), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now),
		Count: receiveScanLimit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("receive scan failed: %w", err)
	}

	for _, msgID := range candidates {
		token := uuid.New().String()
		locked, err := q.rdb.SetNX(ctx, lockKey(msgID), token, lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("receive lock failed: %w", err)
		}
		if !locked {
			continue
		}

		body, err := q.rdb.Get(ctx, bodyKey(msgID)).Bytes()
		if err == redis.Nil {
			// Completed by a previous holder after redelivery; clean up.
			q.rdb.ZRem(ctx, scheduleKey(queueName), msgID)
			q.rdb.Del(ctx, lockKey(msgID))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("receive body failed: %w", err)
		}

		attempts, err := q.rdb.Incr(ctx, attemptsKey(msgID)).Result()
		if err != nil {
			return nil, fmt.Errorf("receive attempts failed: %w", err)
		}

		return &Message{
			ID:        msgID,
			Queue:     queueName,
			Body:      body,
			LockToken: token,
			Attempts:  int(attempts),
		}, nil
	}

	return nil, nil
}

// holdsLock verifies the caller still owns the message's processing lock.
func (q *RedisQueue) holdsLock(ctx context.Context, msg *Message) bool {
	val, err := q.rdb.Get(ctx, lockKey(msg.ID)).Result()
	return err == nil && val == msg.LockToken
}

func (q *RedisQueue) Complete(ctx context.Context, msg *Message) error {
	if !q.holdsLock(ctx, msg) {
		return fmt.Errorf("complete failed: lock lost for message %s", msg.ID)
	}
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, scheduleKey(msg.Queue), msg.ID)
	pipe.Del(ctx, bodyKey(msg.ID), attemptsKey(msg.ID), lockKey(msg.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete failed: %w", err)
	}
	return nil
}

func (q *RedisQueue) DeadLetter(ctx context.Context, msg *Message) error {
	if !q.holdsLock(ctx, msg) {
		return fmt.Errorf("dead-letter failed: lock lost for message %s", msg.ID)
	}
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, scheduleKey(msg.Queue), msg.ID)
	pipe.ZAdd(ctx, scheduleKey(DeadLetterQueueName(msg.Queue)), redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: msg.ID,
	})
	pipe.Del(ctx, attemptsKey(msg.ID), lockKey(msg.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dead-letter failed: %w", err)
	}
	return nil
}

func (q *RedisQueue) RenewLock(ctx context.Context, msg *Message) bool {
	if !q.holdsLock(ctx, msg) {
		return false
	}
	ok, err := q.rdb.Expire(ctx, lockKey(msg.ID), lockTTL).Result()
	return err == nil && ok
}

func (q *RedisQueue) PeekAll(ctx context.Context, queueName string) ([][]byte, error) {
	msgIDs, err := q.rdb.ZRange(ctx, scheduleKey(queueName), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("peek failed: %w", err)
	}
	if len(msgIDs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(msgIDs))
	for i, id := range msgIDs {
		keys[i] = bodyKey(id)
	}
	values, err := q.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("peek bodies failed: %w", err)
	}

	bodies := make([][]byte, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			bodies = append(bodies, []byte(s))
		}
	}
	return bodies, nil
}
