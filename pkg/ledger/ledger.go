// Package ledger implements the append-only, per-stream ordered event
// log with periodic snapshotting.
//
// Appends must only happen while the caller holds the stream's lease;
// the service does not enforce this itself, it is the contract the tick
// engine upholds. The log is always authoritative over derived state;
// snapshots exist purely as a replay optimization.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vaos-labs/dak/pkg/contracts"
	"github.com/vaos-labs/dak/pkg/store"
)

// DefaultSnapshotInterval materializes a snapshot every N appended events.
const DefaultSnapshotInterval = 20

// Service appends events and materializes snapshots.
type Service struct {
	store            store.Store
	snapshotInterval int
	clock            func() time.Time
	logger           *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithSnapshotInterval sets the events-per-snapshot cadence. Values <= 1
// snapshot after every append.
func WithSnapshotInterval(n int) Option {
	return func(s *Service) { s.snapshotInterval = n }
}

// WithClock injects a clock for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// NewService creates a ledger service over st.
func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:            st,
		snapshotInterval: DefaultSnapshotInterval,
		clock:            time.Now,
		logger:           slog.Default().With("component", "ledger"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append assigns the next seq_no for the stream and persists the event.
func (s *Service) Append(ctx context.Context, streamID, tickID string, eventType contracts.EventType, payload map[string]any) (*contracts.Event, error) {
	ev, err := s.store.AppendEvent(ctx, streamID, contracts.Event{
		EventType: eventType,
		TickID:    tickID,
		Payload:   payload,
		CreatedAt: s.clock().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("append %s to %s: %w", eventType, streamID, err)
	}

	s.logger.DebugContext(ctx, "event appended",
		"stream_id", streamID, "seq_no", ev.SeqNo, "event_type", string(eventType), "tick_id", tickID)
	return ev, nil
}

// MaybeSnapshot materializes a snapshot of state at seqNo when the
// interval divides it (or the interval is <= 1). Snapshots never move
// backwards; the store enforces monotonicity.
func (s *Service) MaybeSnapshot(ctx context.Context, streamID string, seqNo uint64, state map[string]any) error {
	if !s.snapshotDue(seqNo) {
		return nil
	}

	err := s.store.PutSnapshot(ctx, streamID, contracts.Snapshot{
		LastSeqNo: seqNo,
		State:     state,
		CreatedAt: s.clock().UTC(),
	})
	if err != nil {
		return fmt.Errorf("snapshot %s at seq %d: %w", streamID, seqNo, err)
	}

	s.logger.DebugContext(ctx, "snapshot materialized",
		"stream_id", streamID, "last_seq_no", seqNo)
	return nil
}

func (s *Service) snapshotDue(seqNo uint64) bool {
	if s.snapshotInterval <= 1 {
		return true
	}
	return seqNo%uint64(s.snapshotInterval) == 0
}
