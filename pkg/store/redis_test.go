package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaos-labs/dak/pkg/contracts"
)

// openTestRedisStore connects to the Redis named by DAK_TEST_REDIS_ADDR,
// or skips. Each test gets a flushed database.
func openTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()

	addr := os.Getenv("DAK_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DAK_TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	require.NoError(t, client.FlushDB(context.Background()).Err())
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisStore(client)
}

func TestRedisStore_StreamRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestRedisStore(t)

	require.NoError(t, s.CreateStream(ctx, testStream("s1")))

	got, err := s.GetStream(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "factory", got.WorkflowType)
	assert.Equal(t, "ideas", got.CurrentState["phase"])

	assert.ErrorIs(t, s.CreateStream(ctx, testStream("s1")), ErrAlreadyExists)

	_, err = s.GetStream(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_AppendEventSequencing(t *testing.T) {
	ctx := context.Background()
	s := openTestRedisStore(t)
	require.NoError(t, s.CreateStream(ctx, testStream("s1")))

	for i := 1; i <= 4; i++ {
		ev, err := s.AppendEvent(ctx, "s1", contracts.Event{
			EventType: contracts.EventTransitionSucceeded,
			TickID:    "t1",
			Payload:   map[string]any{"n": i},
		})
		require.NoError(t, err)
		assert.Equal(t, uint64(i), ev.SeqNo)
	}

	events, err := s.GetEvents(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.SeqNo)
	}
}

func TestRedisStore_LeaseScripts(t *testing.T) {
	ctx := context.Background()
	s := openTestRedisStore(t)
	require.NoError(t, s.CreateStream(ctx, testStream("s1")))

	now := time.Now()
	exp := now.Add(30 * time.Second)

	granted, err := s.AcquireLease(ctx, "s1", "w1", now, exp)
	require.NoError(t, err)
	assert.True(t, granted)

	granted, err = s.AcquireLease(ctx, "s1", "w2", now, exp)
	require.NoError(t, err)
	assert.False(t, granted)

	released, err := s.ReleaseLease(ctx, "s1", "w2")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = s.ReleaseLease(ctx, "s1", "w1")
	require.NoError(t, err)
	assert.True(t, released)

	granted, err = s.AcquireLease(ctx, "s1", "w2", now, exp)
	require.NoError(t, err)
	assert.True(t, granted)
}

func TestRedisStore_RunnableIndex(t *testing.T) {
	ctx := context.Background()
	s := openTestRedisStore(t)

	now := time.Now()

	early := testStream("early")
	early.NextTickAt = now.Add(-time.Hour)
	require.NoError(t, s.CreateStream(ctx, early))

	late := testStream("late")
	late.NextTickAt = now.Add(-time.Minute)
	require.NoError(t, s.CreateStream(ctx, late))

	future := testStream("future")
	future.NextTickAt = now.Add(time.Hour)
	require.NoError(t, s.CreateStream(ctx, future))

	due, err := s.ListRunnable(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "early", due[0].ID)
	assert.Equal(t, "late", due[1].ID)

	// Terminal streams fall out of the index.
	status := contracts.StreamCompleted
	_, err = s.UpdateStream(ctx, "early", StreamUpdate{Status: &status})
	require.NoError(t, err)

	due, err = s.ListRunnable(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "late", due[0].ID)
}
