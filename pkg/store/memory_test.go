package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaos-labs/dak/pkg/contracts"
)

func testStream(id string) *contracts.Stream {
	return &contracts.Stream{
		ID:           id,
		WorkflowType: "factory",
		OwnerID:      "user-1",
		Status:       contracts.StreamPending,
		CurrentState: map[string]any{"phase": "ideas"},
		NextTickAt:   time.Date(2026, 2, 24, 0, 0, 0, 0, time.UTC),
		MaxRetries:   3,
	}
}

func TestMemoryStore_CreateGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.CreateStream(ctx, testStream("s1")))

	got, err := s.GetStream(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "factory", got.WorkflowType)
	assert.Equal(t, contracts.StreamPending, got.Status)
	assert.Equal(t, "ideas", got.CurrentState["phase"])

	err = s.CreateStream(ctx, testStream("s1"))
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = s.GetStream(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateStream(ctx, testStream("s1")))

	a, err := s.GetStream(ctx, "s1")
	require.NoError(t, err)
	a.CurrentState["phase"] = "mutated"

	b, err := s.GetStream(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "ideas", b.CurrentState["phase"])
}

func TestMemoryStore_UpdatePartial(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateStream(ctx, testStream("s1")))

	status := contracts.StreamRunning
	retries := 2
	got, err := s.UpdateStream(ctx, "s1", StreamUpdate{Status: &status, RetryCount: &retries})
	require.NoError(t, err)
	assert.Equal(t, contracts.StreamRunning, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	// Untouched fields survive.
	assert.Equal(t, "ideas", got.CurrentState["phase"])

	_, err = s.UpdateStream(ctx, "missing", StreamUpdate{Status: &status})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_AppendEventSequencing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateStream(ctx, testStream("s1")))

	for i := 1; i <= 5; i++ {
		ev, err := s.AppendEvent(ctx, "s1", contracts.Event{
			EventType: contracts.EventTransitionSucceeded,
			TickID:    "t",
		})
		require.NoError(t, err)
		assert.Equal(t, uint64(i), ev.SeqNo)
	}

	events, err := s.GetEvents(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.SeqNo, "seq_no must be 1..N gap-free")
	}

	_, err = s.AppendEvent(ctx, "missing", contracts.Event{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_SnapshotMonotone(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateStream(ctx, testStream("s1")))

	require.NoError(t, s.PutSnapshot(ctx, "s1", contracts.Snapshot{LastSeqNo: 3, State: map[string]any{"v": "a"}}))
	require.NoError(t, s.PutSnapshot(ctx, "s1", contracts.Snapshot{LastSeqNo: 1, State: map[string]any{"v": "stale"}}))

	snap, err := s.GetLatestSnapshot(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, uint64(3), snap.LastSeqNo)
	assert.Equal(t, "a", snap.State["v"])

	none, err := s.GetLatestSnapshot(ctx, "other")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestMemoryStore_DeadLetterLatest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateStream(ctx, testStream("s1")))

	none, err := s.GetLatestDeadLetter(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, s.PutDeadLetter(ctx, "s1", contracts.DeadLetter{TerminalReason: "first"}))
	require.NoError(t, s.PutDeadLetter(ctx, "s1", contracts.DeadLetter{TerminalReason: "second"}))

	dl, err := s.GetLatestDeadLetter(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, dl)
	assert.Equal(t, "second", dl.TerminalReason)
}

func TestMemoryStore_LeaseConditionalUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateStream(ctx, testStream("s1")))

	now := time.Date(2026, 2, 24, 0, 0, 0, 0, time.UTC)
	exp := now.Add(30 * time.Second)

	granted, err := s.AcquireLease(ctx, "s1", "w1", now, exp)
	require.NoError(t, err)
	assert.True(t, granted)

	// Contending worker is denied while the lease is live.
	granted, err = s.AcquireLease(ctx, "s1", "w2", now, exp)
	require.NoError(t, err)
	assert.False(t, granted)

	// Holder may re-acquire (extend).
	granted, err = s.AcquireLease(ctx, "s1", "w1", now, exp.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, granted)

	// After expiry the lease is treated as absent.
	later := exp.Add(2 * time.Minute)
	granted, err = s.AcquireLease(ctx, "s1", "w2", later, later.Add(30*time.Second))
	require.NoError(t, err)
	assert.True(t, granted)

	// w1 lost the lease; its release is a no-op.
	released, err := s.ReleaseLease(ctx, "s1", "w1")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = s.ReleaseLease(ctx, "s1", "w2")
	require.NoError(t, err)
	assert.True(t, released)

	st, err := s.GetStream(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, st.LeaseHolder)
	assert.Nil(t, st.LeaseExpiresAt)
}

func TestMemoryStore_LeaseContentionExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateStream(ctx, testStream("s1")))

	now := time.Now()
	exp := now.Add(time.Minute)

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			granted, err := s.AcquireLease(ctx, "s1", string(rune('a'+n)), now, exp)
			assert.NoError(t, err)
			if granted {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, winners, "exactly one concurrent acquire may win")
}

func TestMemoryStore_ListRunnable(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	now := time.Date(2026, 2, 24, 12, 0, 0, 0, time.UTC)

	mk := func(id string, status contracts.StreamStatus, due time.Time) {
		st := testStream(id)
		st.Status = status
		st.NextTickAt = due
		require.NoError(t, s.CreateStream(ctx, st))
	}

	mk("due-late", contracts.StreamPending, now.Add(-time.Minute))
	mk("due-early", contracts.StreamFailedRetryable, now.Add(-time.Hour))
	mk("future", contracts.StreamRunning, now.Add(time.Hour))
	mk("done", contracts.StreamCompleted, now.Add(-time.Hour))
	mk("dead", contracts.StreamFailedTerminal, now.Add(-time.Hour))

	due, err := s.ListRunnable(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "due-early", due[0].ID, "ascending next_tick_at order")
	assert.Equal(t, "due-late", due[1].ID)

	one, err := s.ListRunnable(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "due-early", one[0].ID)
}
