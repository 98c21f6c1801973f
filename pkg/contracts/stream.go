// Package contracts defines the shared data model of the DAK autonomy
// kernel: streams, ledger events, snapshots, dead letters, tick results
// and determinism receipts. Every other package depends on these types;
// this package depends on nothing but the standard library.
package contracts

import "time"

// StreamStatus is the lifecycle state of an autonomy stream.
type StreamStatus string

const (
	StreamPending         StreamStatus = "pending"
	StreamRunning         StreamStatus = "running"
	StreamCompleted       StreamStatus = "completed"
	StreamFailedRetryable StreamStatus = "failed_retryable"
	StreamFailedTerminal  StreamStatus = "failed_terminal"
)

// Terminal reports whether the status admits no further ticks.
func (s StreamStatus) Terminal() bool {
	return s == StreamCompleted || s == StreamFailedTerminal
}

// Runnable reports whether a stream in this status may be picked up by a
// worker once its next_tick_at is due.
func (s StreamStatus) Runnable() bool {
	return s == StreamPending || s == StreamRunning || s == StreamFailedRetryable
}

// Stream is a long-running workflow instance advanced one transition per
// tick. Status/state/schedule/retry fields are mutated only by the tick
// engine, lease fields only by the lease manager.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Stream struct {
	ID           string         `json:"id"`
	WorkflowType string         `json:"workflow_type"`
	OwnerID      string         `json:"owner_id"`
	Status       StreamStatus   `json:"status"`
	CurrentState map[string]any `json:"current_state"`
	NextTickAt   time.Time      `json:"next_tick_at"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`

	// Lease metadata for worker coordination. A lease is present iff
	// LeaseHolder is non-empty and LeaseExpiresAt is set; an expired
	// lease is treated as absent.
	LeaseHolder    string     `json:"lease_holder,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Leased reports whether the stream holds an unexpired lease at now.
func (s *Stream) Leased(now time.Time) bool {
	return s.LeaseHolder != "" && s.LeaseExpiresAt != nil && s.LeaseExpiresAt.After(now)
}
