// Package runtime assembles the kernel's collaborators (store, lease
// manager, ledger, tick engine, introspection) behind one factory, and
// layers receipt production on top of tick execution.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vaos-labs/dak/pkg/contracts"
	"github.com/vaos-labs/dak/pkg/engine"
	"github.com/vaos-labs/dak/pkg/introspect"
	"github.com/vaos-labs/dak/pkg/ledger"
	"github.com/vaos-labs/dak/pkg/lease"
	"github.com/vaos-labs/dak/pkg/receipts"
	"github.com/vaos-labs/dak/pkg/store"
)

// Options configures a Runtime. Store is required for New; everything
// else defaults.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Options struct {
	Store store.Store

	WorkerID         string
	LeaseTTL         time.Duration
	TickBudget       time.Duration
	TickDelay        time.Duration
	SnapshotInterval int
	MaxRetries       int

	Transition contracts.TransitionFunc
	Clock      func() time.Time

	// SigningSecret keys receipt signatures. Empty selects the unsigned
	// default mode.
	SigningSecret string

	// EngineVersion overrides the version tag embedded in receipts.
	EngineVersion string

	Logger *slog.Logger
}

// Runtime is a fully wired kernel instance. All collaborators share the
// same store and clock.
type Runtime struct {
	Store         store.Store
	Leases        *lease.Manager
	Ledger        *ledger.Service
	Engine        *engine.Engine
	Introspection *introspect.Service

	signingSecret string
	engineVersion string
}

// New wires a runtime over opts.Store.
func New(opts Options) (*Runtime, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("runtime: Store is required")
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	leases := lease.NewManager(opts.Store, clock)

	interval := opts.SnapshotInterval
	if interval == 0 {
		interval = ledger.DefaultSnapshotInterval
	}
	ledgerSvc := ledger.NewService(opts.Store,
		ledger.WithSnapshotInterval(interval),
		ledger.WithClock(clock),
	)

	eng, err := engine.New(engine.Options{
		Store:      opts.Store,
		Leases:     leases,
		Ledger:     ledgerSvc,
		WorkerID:   opts.WorkerID,
		LeaseTTL:   opts.LeaseTTL,
		TickBudget: opts.TickBudget,
		TickDelay:  opts.TickDelay,
		MaxRetries: opts.MaxRetries,
		Transition: opts.Transition,
		Clock:      clock,
		Logger:     opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	version := opts.EngineVersion
	if version == "" {
		version = receipts.CurrentEngineVersion
	}

	return &Runtime{
		Store:         opts.Store,
		Leases:        leases,
		Ledger:        ledgerSvc,
		Engine:        eng,
		Introspection: introspect.NewService(opts.Store),
		signingSecret: opts.SigningSecret,
		engineVersion: version,
	}, nil
}

// NewInMemory wires a runtime over a fresh in-memory store; opts.Store
// is ignored. Meant for tests and local experimentation.
func NewInMemory(opts Options) (*Runtime, error) {
	mem := store.NewMemoryStore()
	if opts.Clock != nil {
		mem.WithClock(opts.Clock)
	}
	opts.Store = mem
	return New(opts)
}

// RunTick advances streamID by one transition under tickID.
func (r *Runtime) RunTick(ctx context.Context, streamID, tickID string) (*contracts.TickResult, error) {
	return r.Engine.RunTick(ctx, streamID, tickID)
}

// ProcessRunnableStreams ticks up to limit due streams.
func (r *Runtime) ProcessRunnableStreams(ctx context.Context, limit int) ([]*contracts.TickResult, error) {
	return r.Engine.ProcessRunnableStreams(ctx, limit)
}

// InspectStream returns the read-only projection of a stream.
func (r *Runtime) InspectStream(ctx context.Context, streamID string) (*introspect.StreamView, error) {
	return r.Introspection.InspectStream(ctx, streamID)
}

// TickExecution pairs a tick result with the receipt attesting it.
type TickExecution struct {
	Result  *contracts.TickResult
	Receipt *contracts.DeterminismReceipt
}

// RunTickWithReceipt runs a tick and then builds a determinism receipt
// over the resulting ledger state. The receipt covers whatever the tick
// durably produced, including the replayed and no-op outcomes.
func (r *Runtime) RunTickWithReceipt(ctx context.Context, streamID, tickID string) (*TickExecution, error) {
	res, err := r.Engine.RunTick(ctx, streamID, tickID)
	if err != nil {
		return nil, err
	}

	st, err := r.Store.GetStream(ctx, streamID)
	if err != nil {
		return nil, fmt.Errorf("load stream for receipt: %w", err)
	}
	events, err := r.Store.GetEvents(ctx, streamID)
	if err != nil {
		return nil, fmt.Errorf("load events for receipt: %w", err)
	}
	snap, err := r.Store.GetLatestSnapshot(ctx, streamID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot for receipt: %w", err)
	}

	receipt, err := receipts.Build(receipts.BuildInput{
		Stream:        st,
		Events:        events,
		TickID:        tickID,
		Snapshot:      snap,
		EngineVersion: r.engineVersion,
		SigningSecret: r.signingSecret,
	})
	if err != nil {
		return nil, err
	}
	return &TickExecution{Result: res, Receipt: receipt}, nil
}

// VerifyStreamReceipt checks a receipt against the store's current view
// of the stream.
func (r *Runtime) VerifyStreamReceipt(ctx context.Context, receipt *contracts.DeterminismReceipt, streamID, tickID string) (*receipts.VerifyResult, error) {
	st, err := r.Store.GetStream(ctx, streamID)
	if err != nil {
		return nil, fmt.Errorf("load stream for verification: %w", err)
	}
	events, err := r.Store.GetEvents(ctx, streamID)
	if err != nil {
		return nil, fmt.Errorf("load events for verification: %w", err)
	}
	snap, err := r.Store.GetLatestSnapshot(ctx, streamID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot for verification: %w", err)
	}

	return receipts.Verify(receipt, receipts.VerifyInput{
		Stream:        st,
		Events:        events,
		TickID:        tickID,
		Snapshot:      snap,
		SigningSecret: r.signingSecret,
	})
}
