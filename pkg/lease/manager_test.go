package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaos-labs/dak/pkg/contracts"
	"github.com/vaos-labs/dak/pkg/store"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestStream(t *testing.T, st store.Store, id string) {
	t.Helper()
	require.NoError(t, st.CreateStream(context.Background(), &contracts.Stream{
		ID:           id,
		WorkflowType: "factory",
		Status:       contracts.StreamPending,
		CurrentState: map[string]any{"phase": "ideas"},
		NextTickAt:   time.Date(2026, 2, 24, 0, 0, 0, 0, time.UTC),
	}))
}

func TestManager_AcquireAndDeny(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 24, 0, 0, 0, 0, time.UTC)
	st := store.NewMemoryStore().WithClock(fixedClock(now))
	m := NewManager(st, fixedClock(now))

	newTestStream(t, st, "s1")

	granted, err := m.Acquire(ctx, "s1", "w1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, granted)

	granted, err = m.Acquire(ctx, "s1", "w2", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, granted, "denial is a normal non-error outcome")

	got, err := st.GetStream(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "w1", got.LeaseHolder)
	require.NotNil(t, got.LeaseExpiresAt)
	assert.True(t, got.LeaseExpiresAt.Equal(now.Add(30*time.Second)))
}

func TestManager_ExpiredLeaseIsAbsent(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 24, 0, 0, 0, 0, time.UTC)
	st := store.NewMemoryStore()
	newTestStream(t, st, "s1")

	early := NewManager(st, fixedClock(now))
	granted, err := early.Acquire(ctx, "s1", "w1", 10*time.Second)
	require.NoError(t, err)
	require.True(t, granted)

	// A manager observing a later clock sees the lease as expired.
	late := NewManager(st, fixedClock(now.Add(time.Minute)))
	granted, err = late.Acquire(ctx, "s1", "w2", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, granted)
}

func TestManager_ReleaseOnlyByHolder(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	newTestStream(t, st, "s1")
	m := NewManager(st, nil)

	granted, err := m.Acquire(ctx, "s1", "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, granted)

	released, err := m.Release(ctx, "s1", "w2")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = m.Release(ctx, "s1", "w1")
	require.NoError(t, err)
	assert.True(t, released)
}

func TestManager_AcquireMissingStream(t *testing.T) {
	m := NewManager(store.NewMemoryStore(), nil)

	_, err := m.Acquire(context.Background(), "nope", "w1", time.Minute)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
