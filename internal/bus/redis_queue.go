package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mithem/compolvo/pkg/debug"
	"github.com/redis/go-redis/v9"
)

const redisQueueKey = "compolvo:event_queue"

// RedisQueue backs the durable queue with a Redis list so that undelivered
// non-ephemeral events survive a server restart. Events are stored as JSON
// in FIFO order.
type RedisQueue struct {
	rdb *redis.Client
	key string
}

// NewRedisQueue creates a Redis-backed queue and verifies connectivity.
func NewRedisQueue(ctx context.Context, opts *redis.Options) (*RedisQueue, error) {
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisQueue{rdb: rdb, key: redisQueueKey}, nil
}

// Close closes the underlying Redis connection.
func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}

func (q *RedisQueue) Push(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("failed to push event to redis: %w", err)
	}
	return nil
}

// PopAll atomically drains the whole list via a MULTI/EXEC pipeline so a
// concurrent Push cannot be lost between the read and the delete.
func (q *RedisQueue) PopAll(ctx context.Context) ([]*Event, error) {
	pipe := q.rdb.TxPipeline()
	rangeCmd := pipe.LRange(ctx, q.key, 0, -1)
	pipe.Del(ctx, q.key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to drain redis queue: %w", err)
	}

	raw := rangeCmd.Val()
	events := make([]*Event, 0, len(raw))
	for _, item := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			// A corrupt entry cannot be retried meaningfully; drop it.
			debug.Error("Dropping undecodable queue entry: %v", err)
			continue
		}
		events = append(events, &ev)
	}
	return events, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read redis queue length: %w", err)
	}
	return int(n), nil
}
