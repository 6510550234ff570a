package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisQueue keeps the notification FIFO in a Redis list so replicas behind
// a load balancer share it. BLPOP gives the same take-once semantics as Hub.
type RedisQueue struct {
	client   *redis.Client
	key      string
	capacity int64
	poll     time.Duration
}

// NewRedisQueue creates a queue stored under key.
func NewRedisQueue(client *redis.Client, key string, capacity int, poll time.Duration) *RedisQueue {
	if capacity <= 0 {
		capacity = 256
	}
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	return &RedisQueue{client: client, key: key, capacity: int64(capacity), poll: poll}
}

type redisItem struct {
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Publish appends text and trims the list to capacity, dropping the oldest.
func (q *RedisQueue) Publish(ctx context.Context, text string) error {
	value, err := json.Marshal(redisItem{Text: text, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("notify redis: marshal: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, q.key, value)
	pipe.LTrim(ctx, q.key, -q.capacity, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("notify redis: publish: %w", err)
	}
	return nil
}

// Subscribe opens a subscription reading from the shared list.
func (q *RedisQueue) Subscribe(_ context.Context) (Subscription, error) {
	return &redisSubscription{queue: q, done: make(chan struct{})}, nil
}

type redisSubscription struct {
	queue *RedisQueue
	once  sync.Once
	done  chan struct{}
}

func (s *redisSubscription) Next(ctx context.Context) (Notification, error) {
	for {
		select {
		case <-s.done:
			return Notification{}, ErrClosed
		case <-ctx.Done():
			return Notification{}, ctx.Err()
		default:
		}

		res, err := s.queue.client.BLPop(ctx, s.queue.poll, s.queue.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Notification{}, ctx.Err()
			}
			return Notification{}, fmt.Errorf("notify redis: blpop: %w", err)
		}
		// res is [key, value].
		if len(res) != 2 {
			continue
		}

		var item redisItem
		if err := json.Unmarshal([]byte(res[1]), &item); err != nil {
			return Notification{Text: res[1], At: time.Now().UTC()}, nil
		}
		return Notification{Text: item.Text, At: item.At}, nil
	}
}

func (s *redisSubscription) Close() {
	s.once.Do(func() { close(s.done) })
}
