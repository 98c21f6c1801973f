// Package store defines the durable persistence contract consumed by the
// kernel, plus the reference backends: in-memory, SQL (SQLite/Postgres)
// and Redis.
//
// The single safety-critical primitive is the conditional lease update:
// AcquireLease and ReleaseLease must be atomic check-and-set operations
// in every backend, because two workers may race on the same stream.
// Everything else (event sequencing in particular) is serialized by
// lease exclusivity, not by the store.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/vaos-labs/dak/pkg/contracts"
)

// ErrNotFound is returned when a stream does not exist.
var ErrNotFound = errors.New("stream not found")

// ErrAlreadyExists is returned when creating a stream whose id is taken.
var ErrAlreadyExists = errors.New("stream already exists")

// ErrDuplicateSeqNo is returned when an event append would violate the
// per-stream sequence uniqueness. Seeing it means the lease protocol was
// broken upstream.
var ErrDuplicateSeqNo = errors.New("duplicate event seq_no")

// StreamUpdate is a partial update of the tick-engine-owned stream
// fields. Nil fields are left unchanged. Lease fields are deliberately
// absent; they move only through AcquireLease/ReleaseLease.
type StreamUpdate struct {
	Status       *contracts.StreamStatus
	CurrentState map[string]any
	NextTickAt   *time.Time
	RetryCount   *int
}

// Store is the durable record of streams, events, snapshots and dead
// letters. Implementations must be safe for concurrent use.
type Store interface {
	// GetStream returns the stream or ErrNotFound.
	GetStream(ctx context.Context, id string) (*contracts.Stream, error)

	// CreateStream persists a new stream, or ErrAlreadyExists.
	CreateStream(ctx context.Context, s *contracts.Stream) error

	// UpdateStream applies a partial update and returns the new stream.
	UpdateStream(ctx context.Context, id string, upd StreamUpdate) (*contracts.Stream, error)

	// ListRunnable returns up to limit streams with a runnable status and
	// next_tick_at <= now, ordered by ascending next_tick_at.
	ListRunnable(ctx context.Context, now time.Time, limit int) ([]*contracts.Stream, error)

	// AppendEvent assigns the stream's next seq_no (starting at 1,
	// gap-free) atomically and persists the event. The returned event
	// carries the assigned seq_no.
	AppendEvent(ctx context.Context, streamID string, ev contracts.Event) (*contracts.Event, error)

	// GetEvents returns the stream's full ledger ordered by seq_no.
	GetEvents(ctx context.Context, streamID string) ([]contracts.Event, error)

	// GetLatestSnapshot returns the most recent snapshot, or nil when
	// none exists yet.
	GetLatestSnapshot(ctx context.Context, streamID string) (*contracts.Snapshot, error)

	// PutSnapshot persists a snapshot. Snapshots only advance: a put at
	// or below the current last_seq_no is a silent no-op.
	PutSnapshot(ctx context.Context, streamID string, snap contracts.Snapshot) error

	// GetLatestDeadLetter returns the most recent dead letter, or nil.
	GetLatestDeadLetter(ctx context.Context, streamID string) (*contracts.DeadLetter, error)

	// PutDeadLetter persists a dead letter.
	PutDeadLetter(ctx context.Context, streamID string, dl contracts.DeadLetter) error

	// AcquireLease atomically grants the lease to workerID with the given
	// expiry iff the stream has no lease, an expired lease (relative to
	// now), or is already held by workerID. Returns false on contention.
	AcquireLease(ctx context.Context, streamID, workerID string, now, expiresAt time.Time) (bool, error)

	// ReleaseLease atomically clears the lease iff workerID still holds
	// it. Returns false when the lease was absent or reassigned.
	ReleaseLease(ctx context.Context, streamID, workerID string) (bool, error)

	// Close releases backend resources.
	Close() error
}
