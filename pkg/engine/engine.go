// Package engine implements the tick state machine: acquire lease, load
// state, run the injected transition under a time budget, record the
// outcome in the ledger, and schedule (or terminate) the stream.
//
// Many independent workers run engines against the same store; all
// coordination goes through the store's conditional lease update. The
// engine mutates stream fields only between a successful lease acquire
// and the matching release.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vaos-labs/dak/pkg/contracts"
	"github.com/vaos-labs/dak/pkg/ledger"
	"github.com/vaos-labs/dak/pkg/lease"
	"github.com/vaos-labs/dak/pkg/store"
)

// Defaults for engine configuration; all overridable via Options.
const (
	DefaultTickBudget = 10 * time.Second
	DefaultMaxRetries = 3
)

// ErrLeaseLost is returned when the lease was reassigned before the
// engine could release it. The tick's durable effects stand; the caller
// should treat the invocation as failed and re-inspect the stream.
var ErrLeaseLost = errors.New("lease no longer held at release")

// errTransitionTimeout marks a transition that exceeded the tick budget.
var errTransitionTimeout = errors.New("timeout: transition exceeded tick budget")

// Options configures an Engine. Store is required; everything else has
// a default.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Options struct {
	Store  store.Store
	Leases *lease.Manager
	Ledger *ledger.Service

	// WorkerID identifies this engine instance in lease fields.
	WorkerID string

	// LeaseTTL bounds how long a crashed worker can block a stream.
	LeaseTTL time.Duration

	// TickBudget bounds the injected transition's execution time.
	TickBudget time.Duration

	// TickDelay is the default delay between successful ticks. Zero
	// means immediate re-eligibility.
	TickDelay time.Duration

	// SnapshotInterval is the events-per-snapshot cadence, used when the
	// Ledger service is constructed here.
	SnapshotInterval int

	// MaxRetries applies to streams that do not carry their own budget.
	MaxRetries int

	// Transition is the injected workflow capability. The default echoes
	// the current state back unchanged.
	Transition contracts.TransitionFunc

	// Clock is injectable for deterministic tests.
	Clock func() time.Time

	Backoff BackoffPolicy
	Logger  *slog.Logger
}

// Engine advances streams one transition per tick.
type Engine struct {
	store      store.Store
	leases     *lease.Manager
	ledger     *ledger.Service
	workerID   string
	leaseTTL   time.Duration
	tickBudget time.Duration
	tickDelay  time.Duration
	maxRetries int
	transition contracts.TransitionFunc
	clock      func() time.Time
	backoff    BackoffPolicy
	logger     *slog.Logger
	metrics    *engineMetrics
}

// New creates an engine. Nil collaborators are constructed over Store.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine: Store is required")
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	leases := opts.Leases
	if leases == nil {
		leases = lease.NewManager(opts.Store, clock)
	}

	ledgerSvc := opts.Ledger
	if ledgerSvc == nil {
		interval := opts.SnapshotInterval
		if interval == 0 {
			interval = ledger.DefaultSnapshotInterval
		}
		ledgerSvc = ledger.NewService(opts.Store,
			ledger.WithSnapshotInterval(interval),
			ledger.WithClock(clock),
		)
	}

	workerID := opts.WorkerID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}

	leaseTTL := opts.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = lease.DefaultTTL
	}

	tickBudget := opts.TickBudget
	if tickBudget <= 0 {
		tickBudget = DefaultTickBudget
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	transition := opts.Transition
	if transition == nil {
		transition = echoTransition
	}

	backoff := opts.Backoff
	if backoff == (BackoffPolicy{}) {
		backoff = DefaultBackoff
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	metrics, err := newEngineMetrics()
	if err != nil {
		return nil, err
	}

	return &Engine{
		store:      opts.Store,
		leases:     leases,
		ledger:     ledgerSvc,
		workerID:   workerID,
		leaseTTL:   leaseTTL,
		tickBudget: tickBudget,
		tickDelay:  opts.TickDelay,
		maxRetries: maxRetries,
		transition: transition,
		clock:      clock,
		backoff:    backoff,
		logger:     logger.With("component", "engine", "worker_id", workerID),
		metrics:    metrics,
	}, nil
}

// WorkerID returns this engine's worker identity.
func (e *Engine) WorkerID() string { return e.workerID }

// echoTransition is the default no-op workflow: state passes through
// unchanged and the stream stays tickable.
func echoTransition(_ context.Context, in contracts.TransitionInput) (*contracts.TransitionResult, error) {
	return &contracts.TransitionResult{State: in.State}, nil
}

// RunTick attempts to advance streamID by one transition under the
// idempotency key tickID.
func (e *Engine) RunTick(ctx context.Context, streamID, tickID string) (*contracts.TickResult, error) {
	start := time.Now()
	e.metrics.inflight.Add(ctx, 1)
	defer e.metrics.inflight.Add(ctx, -1)

	res, err := e.runTick(ctx, streamID, tickID)

	outcome := "error"
	if res != nil {
		outcome = string(res.Outcome)
	}
	e.metrics.recordTick(ctx, outcome, time.Since(start))
	return res, err
}

func (e *Engine) runTick(ctx context.Context, streamID, tickID string) (*contracts.TickResult, error) {
	st, err := e.store.GetStream(ctx, streamID)
	if err != nil {
		return nil, fmt.Errorf("load stream %s: %w", streamID, err)
	}

	now := e.clock()

	if st.Status.Terminal() {
		return &contracts.TickResult{
			StreamID: streamID,
			TickID:   tickID,
			Outcome:  contracts.TickAlreadyTerminal,
		}, nil
	}

	if st.NextTickAt.After(now) {
		next := st.NextTickAt
		return &contracts.TickResult{
			StreamID:   streamID,
			TickID:     tickID,
			Outcome:    contracts.TickNotDue,
			NextTickAt: &next,
		}, nil
	}

	granted, err := e.leases.Acquire(ctx, streamID, e.workerID, e.leaseTTL)
	if err != nil {
		return nil, err
	}
	if !granted {
		return &contracts.TickResult{
			StreamID: streamID,
			TickID:   tickID,
			Outcome:  contracts.TickLeaseNotAcquired,
		}, nil
	}

	res, tickErr := e.tickLeased(ctx, st, tickID, now)

	released, releaseErr := e.leases.Release(ctx, streamID, e.workerID)
	if tickErr != nil {
		return nil, tickErr
	}
	if releaseErr != nil {
		return nil, releaseErr
	}
	if !released {
		return nil, fmt.Errorf("stream %s: %w", streamID, ErrLeaseLost)
	}
	return res, nil
}

// tickLeased runs the lease-protected portion of the tick. Store errors
// propagate uncaught: no durable progress can be assumed on them.
func (e *Engine) tickLeased(ctx context.Context, st *contracts.Stream, tickID string, now time.Time) (*contracts.TickResult, error) {
	replayed, err := e.alreadyApplied(ctx, st.ID, tickID)
	if err != nil {
		return nil, err
	}
	if replayed {
		e.logger.InfoContext(ctx, "tick replayed, no-op",
			"stream_id", st.ID, "tick_id", tickID)
		next := st.NextTickAt
		return &contracts.TickResult{
			StreamID:   st.ID,
			TickID:     tickID,
			Outcome:    contracts.TickProcessed,
			Replayed:   true,
			NextTickAt: &next,
		}, nil
	}

	tr, terr := e.execute(ctx, st, tickID)
	if terr != nil {
		return e.recordFailure(ctx, st, tickID, now, terr)
	}
	return e.recordSuccess(ctx, st, tickID, now, tr)
}

// alreadyApplied reports whether any event was durably recorded under
// tickID. Checked after lease acquisition, so the scan is race-free.
func (e *Engine) alreadyApplied(ctx context.Context, streamID, tickID string) (bool, error) {
	events, err := e.store.GetEvents(ctx, streamID)
	if err != nil {
		return false, fmt.Errorf("scan ledger of %s: %w", streamID, err)
	}
	for _, ev := range events {
		if ev.TickID == tickID {
			return true, nil
		}
	}
	return false, nil
}

// execute invokes the transition under the tick budget. The transition
// runs in its own goroutine; on overrun it is abandoned and the tick is
// treated as a retryable timeout failure.
func (e *Engine) execute(ctx context.Context, st *contracts.Stream, tickID string) (*contracts.TransitionResult, error) {
	budgetCtx, cancel := context.WithTimeout(ctx, e.tickBudget)
	defer cancel()

	type outcome struct {
		res *contracts.TransitionResult
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		res, err := e.transition(budgetCtx, contracts.TransitionInput{
			Stream: st,
			State:  st.CurrentState,
			TickID: tickID,
		})
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			// A cooperative transition may report the budget expiry itself.
			if errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, errTransitionTimeout
			}
			return nil, out.err
		}
		if out.res == nil {
			return &contracts.TransitionResult{State: st.CurrentState}, nil
		}
		return out.res, nil
	case <-budgetCtx.Done():
		if ctx.Err() != nil {
			// Caller cancellation is infrastructure, not a transition failure.
			return nil, ctx.Err()
		}
		return nil, errTransitionTimeout
	}
}

func (e *Engine) recordSuccess(ctx context.Context, st *contracts.Stream, tickID string, now time.Time, tr *contracts.TransitionResult) (*contracts.TickResult, error) {
	payload := map[string]any{"state": tr.State}
	if tr.Completed {
		payload["completed"] = true
	}

	ev, err := e.ledger.Append(ctx, st.ID, tickID, contracts.EventTransitionSucceeded, payload)
	if err != nil {
		return nil, err
	}

	status := contracts.StreamRunning
	var nextTick *time.Time
	if tr.Completed {
		status = contracts.StreamCompleted
	} else {
		delay := e.tickDelay
		if tr.NextDelay != nil {
			delay = *tr.NextDelay
		}
		next := now.Add(delay)
		nextTick = &next
	}

	retries := 0
	upd := store.StreamUpdate{
		Status:       &status,
		CurrentState: tr.State,
		RetryCount:   &retries,
		NextTickAt:   nextTick,
	}
	if _, err := e.store.UpdateStream(ctx, st.ID, upd); err != nil {
		return nil, fmt.Errorf("commit tick on %s: %w", st.ID, err)
	}

	if err := e.ledger.MaybeSnapshot(ctx, st.ID, ev.SeqNo, tr.State); err != nil {
		return nil, err
	}

	outcome := contracts.TickProcessed
	if tr.Completed {
		outcome = contracts.TickCompleted
	}

	e.logger.InfoContext(ctx, "tick applied",
		"stream_id", st.ID, "tick_id", tickID, "outcome", string(outcome), "seq_no", ev.SeqNo)

	return &contracts.TickResult{
		StreamID:   st.ID,
		TickID:     tickID,
		Outcome:    outcome,
		NextTickAt: nextTick,
	}, nil
}

func (e *Engine) recordFailure(ctx context.Context, st *contracts.Stream, tickID string, now time.Time, terr error) (*contracts.TickResult, error) {
	maxRetries := st.MaxRetries
	if maxRetries <= 0 {
		maxRetries = e.maxRetries
	}

	retries := st.RetryCount + 1
	terminal := retries > maxRetries

	payload := map[string]any{
		"error":       terr.Error(),
		"retry_count": retries,
	}
	if terminal {
		payload["terminal"] = true
	}

	ev, err := e.ledger.Append(ctx, st.ID, tickID, contracts.EventTransitionFailed, payload)
	if err != nil {
		return nil, err
	}

	if terminal {
		status := contracts.StreamFailedTerminal
		upd := store.StreamUpdate{Status: &status, RetryCount: &retries}
		if _, err := e.store.UpdateStream(ctx, st.ID, upd); err != nil {
			return nil, fmt.Errorf("terminate %s: %w", st.ID, err)
		}

		err := e.store.PutDeadLetter(ctx, st.ID, contracts.DeadLetter{
			TerminalReason: terr.Error(),
			LastError:      terr.Error(),
			CreatedAt:      e.clock().UTC(),
		})
		if err != nil {
			return nil, fmt.Errorf("dead-letter %s: %w", st.ID, err)
		}

		e.logger.WarnContext(ctx, "stream dead-lettered",
			"stream_id", st.ID, "tick_id", tickID, "retries", retries, "error", terr.Error())

		return &contracts.TickResult{
			StreamID: st.ID,
			TickID:   tickID,
			Outcome:  contracts.TickFailedTerminal,
			Error:    terr.Error(),
		}, nil
	}

	next := now.Add(e.backoff.Delay(st.ID, retries))
	status := contracts.StreamFailedRetryable
	upd := store.StreamUpdate{
		Status:     &status,
		RetryCount: &retries,
		NextTickAt: &next,
	}
	if _, err := e.store.UpdateStream(ctx, st.ID, upd); err != nil {
		return nil, fmt.Errorf("schedule retry on %s: %w", st.ID, err)
	}

	if err := e.ledger.MaybeSnapshot(ctx, st.ID, ev.SeqNo, st.CurrentState); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "tick failed, retry scheduled",
		"stream_id", st.ID, "tick_id", tickID, "retries", retries,
		"next_tick_at", next, "error", terr.Error())

	return &contracts.TickResult{
		StreamID:   st.ID,
		TickID:     tickID,
		Outcome:    contracts.TickProcessed,
		Error:      terr.Error(),
		NextTickAt: &next,
	}, nil
}

// ProcessRunnableStreams ticks up to limit due streams, each under a
// fresh tick id. A failure in one stream never aborts the others; all
// tick errors are joined into the returned error.
func (e *Engine) ProcessRunnableStreams(ctx context.Context, limit int) ([]*contracts.TickResult, error) {
	now := e.clock()

	due, err := e.store.ListRunnable(ctx, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list runnable streams: %w", err)
	}

	results := make([]*contracts.TickResult, 0, len(due))
	var errs []error
	for _, st := range due {
		res, err := e.RunTick(ctx, st.ID, uuid.NewString())
		if err != nil {
			e.logger.ErrorContext(ctx, "tick failed hard",
				"stream_id", st.ID, "error", err.Error())
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}
