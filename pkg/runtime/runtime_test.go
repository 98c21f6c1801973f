package runtime

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

func seedStream(t *testing.T, rt *Runtime, id string, due time.Time) {
	t.Helper()
	require.NoError(t, rt.Store.CreateStream(context.Background(), &contracts.Stream{
		ID:           id,
		WorkflowType: "factory",
		OwnerID:      "user-1",
		Status:       contracts.StreamPending,
		CurrentState: map[string]any{"phase": "ideas"},
		NextTickAt:   due,
	}))
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestRunTickWithReceipt_DeterministicTick(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 2, 24, 0, 0, 0, 0, time.UTC)

	rt, err := NewInMemory(Options{
		WorkerID:      "sdk-worker",
		Clock:         fixedClock(t0),
		SigningSecret: "sdk-secret",
	})
	require.NoError(t, err)
	seedStream(t, rt, "sdk-stream-1", t0)

	exec, err := rt.RunTickWithReceipt(ctx, "sdk-stream-1", "sdk-tick-1")
	require.NoError(t, err)

	assert.Equal(t, contracts.TickProcessed, exec.Result.Outcome)
	assert.Equal(t, "sdk-stream-1", exec.Receipt.StreamID)
	assert.Equal(t, "sdk-tick-1", exec.Receipt.TickID)
	assert.NotEmpty(t, exec.Receipt.Signature)
}

func TestVerifyStreamReceipt_AgainstStoreState(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 2, 24, 0, 1, 0, 0, time.UTC)

	rt, err := NewInMemory(Options{
		WorkerID:      "sdk-worker-2",
		Clock:         fixedClock(t0),
		SigningSecret: "sdk-secret-2",
	})
	require.NoError(t, err)
	seedStream(t, rt, "sdk-stream-2", t0)

	exec, err := rt.RunTickWithReceipt(ctx, "sdk-stream-2", "sdk-tick-2")
	require.NoError(t, err)

	res, err := rt.VerifyStreamReceipt(ctx, exec.Receipt, "sdk-stream-2", "sdk-tick-2")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Issues)
}

func TestVerifyStreamReceipt_StaleAfterStateChange(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 2, 24, 0, 0, 0, 0, time.UTC)

	rt, err := NewInMemory(Options{Clock: fixedClock(t0)})
	require.NoError(t, err)
	seedStream(t, rt, "s1", t0)

	exec, err := rt.RunTickWithReceipt(ctx, "s1", "tick-1")
	require.NoError(t, err)

	// Mutating state after the receipt was built invalidates the digest.
	st := contracts.StreamRunning
	_, err = rt.Store.UpdateStream(ctx, "s1", store.StreamUpdate{
		Status:       &st,
		CurrentState: map[string]any{"phase": "shipped"},
	})
	require.NoError(t, err)

	res, err := rt.VerifyStreamReceipt(ctx, exec.Receipt, "s1", "tick-1")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Issues, "hash_mismatch")
}

func TestRuntime_InspectStream(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 2, 24, 0, 0, 0, 0, time.UTC)

	rt, err := NewInMemory(Options{Clock: fixedClock(t0)})
	require.NoError(t, err)
	seedStream(t, rt, "s1", t0)

	_, err = rt.RunTick(ctx, "s1", "tick-1")
	require.NoError(t, err)

	view, err := rt.InspectStream(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", view.Stream.ID)
	require.Len(t, view.RecentEvents, 1)
	assert.Equal(t, "tick-1", view.RecentEvents[0].TickID)
}

func TestRunTickWithReceipt_ReplayedTickStillVerifies(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 2, 24, 0, 0, 0, 0, time.UTC)

	rt, err := NewInMemory(Options{Clock: fixedClock(t0), SigningSecret: "s"})
	require.NoError(t, err)
	seedStream(t, rt, "s1", t0)

	first, err := rt.RunTickWithReceipt(ctx, "s1", "tick-1")
	require.NoError(t, err)
	assert.False(t, first.Result.Replayed)

	second, err := rt.RunTickWithReceipt(ctx, "s1", "tick-1")
	require.NoError(t, err)
	assert.True(t, second.Result.Replayed)

	// The replay produced no new events, so both receipts attest the
	// same ledger window.
	assert.Equal(t, first.Receipt.ContentHash, second.Receipt.ContentHash)

	res, err := rt.VerifyStreamReceipt(ctx, second.Receipt, "s1", "tick-1")
	require.NoError(t, err)
	assert.True(t, res.Valid)
}
