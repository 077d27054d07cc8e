package bus

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	q, err := NewRedisQueue(context.Background(), &redis.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestRedisQueueRoundTrip(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	first := &Event{
		Type:      EventInstallSoftware,
		Recipient: &Recipient{SubscriberType: SubscriberAgent, ID: "a1"},
		Message:   json.RawMessage(`{"software":"s1","service":"nginx"}`),
		Ephemeral: false,
	}
	second := &Event{Type: EventReload, Ephemeral: true}

	require.NoError(t, q.Push(ctx, first))
	require.NoError(t, q.Push(ctx, second))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	events, err := q.PopAll(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)

	// FIFO order and full fidelity through the JSON round trip
	assert.Equal(t, EventInstallSoftware, events[0].Type)
	require.NotNil(t, events[0].Recipient)
	assert.Equal(t, "a1", events[0].Recipient.ID)
	assert.JSONEq(t, `{"software":"s1","service":"nginx"}`, string(events[0].Message))
	assert.False(t, events[0].Ephemeral)
	assert.Equal(t, EventReload, events[1].Type)
	assert.True(t, events[1].Ephemeral)

	n, err = q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRedisQueuePopAllEmpty(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	events, err := q.PopAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRedisQueueDropsCorruptEntries(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	q, err := NewRedisQueue(ctx, &redis.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	defer q.Close()

	mr.Lpush(redisQueueKey, "not json")
	require.NoError(t, q.Push(ctx, &Event{Type: EventReload}))

	events, err := q.PopAll(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventReload, events[0].Type)
}

func TestEventBusWithRedisQueue(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)
	b := New(q)

	b.Enqueue(ctx, &Event{Type: EventReload, Ephemeral: false})
	b.DrainQueue(ctx)
	require.Equal(t, 1, b.QueueLen(ctx), "durable event stays queued without subscribers")

	var delivered int
	b.Registry().Subscribe(SubscriberUser, EventReload, func(ctx context.Context, event *Event) error {
		delivered++
		return nil
	}, "")

	b.DrainQueue(ctx)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 0, b.QueueLen(ctx))
}
