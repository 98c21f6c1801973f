package contracts

import (
	"context"
	"time"
)

// TickOutcome is the result vocabulary of a single tick invocation.
type TickOutcome string

const (
	// TickProcessed: a transition was applied (or a retry scheduled) and
	// the stream remains tickable.
	TickProcessed TickOutcome = "processed"
	// TickCompleted: the transition signaled completion; the stream is done.
	TickCompleted TickOutcome = "completed"
	// TickLeaseNotAcquired: another worker holds the lease. Expected under
	// contention; retry later.
	TickLeaseNotAcquired TickOutcome = "lease_not_acquired"
	// TickNotDue: next_tick_at is still in the future.
	TickNotDue TickOutcome = "not_due"
	// TickAlreadyTerminal: the stream is completed or failed terminally.
	TickAlreadyTerminal TickOutcome = "already_terminal"
	// TickFailedTerminal: this tick exhausted the retry budget and
	// dead-lettered the stream.
	TickFailedTerminal TickOutcome = "failed_terminal"
)

// TickResult reports what a tick did.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type TickResult struct {
	StreamID string      `json:"stream_id"`
	TickID   string      `json:"tick_id"`
	Outcome  TickOutcome `json:"outcome"`

	// Replayed is set when the tick id had already been durably applied
	// to the stream; the invocation was an idempotent no-op.
	Replayed bool `json:"replayed,omitempty"`

	// Error is the transition error recorded this tick, if any.
	Error string `json:"error,omitempty"`

	// NextTickAt is the stream's next due time, absent on terminal outcomes.
	NextTickAt *time.Time `json:"next_tick_at,omitempty"`
}

// TransitionInput is what the injected transition sees: the stream's
// identity and its current workflow state.
type TransitionInput struct {
	Stream *Stream        `json:"stream"`
	State  map[string]any `json:"state"`
	TickID string         `json:"tick_id"`
}

// TransitionResult is the outcome of one successful transition.
type TransitionResult struct {
	// State is the stream's new workflow state.
	State map[string]any `json:"state"`

	// Completed signals the workflow has finished.
	Completed bool `json:"completed,omitempty"`

	// NextDelay overrides the engine's inter-tick delay for the next
	// tick, when the workflow wants its own cadence.
	NextDelay *time.Duration `json:"-"`
}

// TransitionFunc is the injected, workflow-specific capability that
// computes one transition. The engine bounds its execution time and
// treats a returned error (or budget overrun) as a retryable failure.
type TransitionFunc func(ctx context.Context, in TransitionInput) (*TransitionResult, error)
