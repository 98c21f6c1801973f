// Package lease implements time-bounded exclusive ownership of a stream
// by one worker. All safety rests on the store's conditional lease
// update; the manager only adds TTL policy, clocking and logging.
package lease

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vaos-labs/dak/pkg/store"
)

// DefaultTTL bounds how long a crashed worker can block a stream.
const DefaultTTL = 30 * time.Second

// Manager grants and releases stream leases.
type Manager struct {
	store  store.Store
	clock  func() time.Time
	logger *slog.Logger
}

// NewManager creates a lease manager over st. clock may be nil for
// wall-clock time.
func NewManager(st store.Store, clock func() time.Time) *Manager {
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		store:  st,
		clock:  clock,
		logger: slog.Default().With("component", "lease"),
	}
}

// Acquire attempts to grant workerID an exclusive lease on streamID for
// ttl. A denial is a normal outcome, not an error; Acquire never blocks
// or retries internally.
func (m *Manager) Acquire(ctx context.Context, streamID, workerID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := m.clock()
	granted, err := m.store.AcquireLease(ctx, streamID, workerID, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("acquire lease for %s: %w", streamID, err)
	}
	if !granted {
		m.logger.DebugContext(ctx, "lease denied",
			"stream_id", streamID, "worker_id", workerID)
	}
	return granted, nil
}

// Release clears the lease if workerID still holds it. Returns false
// when the lease had already expired and been reassigned; the caller
// decides whether that matters.
func (m *Manager) Release(ctx context.Context, streamID, workerID string) (bool, error) {
	released, err := m.store.ReleaseLease(ctx, streamID, workerID)
	if err != nil {
		return false, fmt.Errorf("release lease for %s: %w", streamID, err)
	}
	if !released {
		m.logger.WarnContext(ctx, "lease no longer held at release",
			"stream_id", streamID, "worker_id", workerID)
	}
	return released, nil
}
