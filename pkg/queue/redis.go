package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue on a Redis list (LPUSH tail / BRPOP head)
// plus Redis pub/sub for fan-out.
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue creates a queue backed by the Redis server at addr.
func NewRedisQueue(addr, password string, db int) *RedisQueue {
	rdb := redis.NewClient(&redis.Options{
		Addr:       addr,
		Password:   password,
		DB:         db,
		MaxRetries: 3,
	})
	return &RedisQueue{client: rdb}
}

// NewRedisQueueFromClient wraps an existing client, sharing its
// connection pool.
func NewRedisQueueFromClient(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func (q *RedisQueue) Push(ctx context.Context, queue string, item []byte) error {
	if err := q.client.LPush(ctx, queue, item).Err(); err != nil {
		return fmt.Errorf("%w: lpush %s: %v", ErrUnavailable, queue, err)
	}
	return nil
}

func (q *RedisQueue) PopBlocking(ctx context.Context, queue string, timeout time.Duration) ([]byte, bool, error) {
	res, err := q.client.BRPop(ctx, timeout, queue).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: brpop %s: %v", ErrUnavailable, queue, err)
	}
	// BRPOP returns [queueName, value].
	if len(res) != 2 {
		return nil, false, fmt.Errorf("queue: unexpected brpop reply of length %d", len(res))
	}
	return []byte(res[1]), true, nil
}

func (q *RedisQueue) Publish(ctx context.Context, channel string, msg []byte) error {
	if err := q.client.Publish(ctx, channel, msg).Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrUnavailable, channel, err)
	}
	return nil
}

func (q *RedisQueue) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := q.client.Subscribe(ctx, channel)
	// Force the subscription onto the wire before returning so callers
	// don't miss messages published immediately after Subscribe.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("%w: subscribe %s: %v", ErrUnavailable, channel, err)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- []byte(msg.Payload):
			default:
				// Slow subscriber: drop. Fan-out is at-most-once.
			}
		}
	}()
	return out, func() { _ = sub.Close() }, nil
}

func (q *RedisQueue) Length(ctx context.Context, queue string) (int64, error) {
	n, err := q.client.LLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: llen %s: %v", ErrUnavailable, queue, err)
	}
	return n, nil
}

// Peek returns up to n items in pop order (oldest first) without
// removing them. With LPUSH at the tail, the next BRPOP victim sits at
// index -1.
func (q *RedisQueue) Peek(ctx context.Context, queue string, n int64) ([][]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	vals, err := q.client.LRange(ctx, queue, -n, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: lrange %s: %v", ErrUnavailable, queue, err)
	}
	out := make([][]byte, 0, len(vals))
	for i := len(vals) - 1; i >= 0; i-- {
		out = append(out, []byte(vals[i]))
	}
	return out, nil
}

func (q *RedisQueue) Clear(ctx context.Context, queue string) (int64, error) {
	n, err := q.client.LLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: llen %s: %v", ErrUnavailable, queue, err)
	}
	if err := q.client.Del(ctx, queue).Err(); err != nil {
		return 0, fmt.Errorf("%w: del %s: %v", ErrUnavailable, queue, err)
	}
	return n, nil
}

// Ping checks connectivity for health reporting.
func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}
	return nil
}

// Close releases the underlying client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
