// Package introspect exposes a read-only projection of a stream for
// operators and dashboards: its current record, a recent slice of the
// ledger, and the latest snapshot. Nothing here mutates the store.
package introspect

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vaos-labs/dak/pkg/contracts"
	"github.com/vaos-labs/dak/pkg/store"
)

// DefaultRecentEvents is how many trailing ledger events a view carries
// when no explicit limit is configured.
const DefaultRecentEvents = 20

// StreamView is the composed projection returned by InspectStream.
type StreamView struct {
	Stream         *contracts.Stream     `json:"stream"`
	RecentEvents   []contracts.Event     `json:"recent_events"`
	LatestSnapshot *contracts.Snapshot   `json:"latest_snapshot,omitempty"`
	DeadLetter     *contracts.DeadLetter `json:"dead_letter,omitempty"`
}

// Service answers read-only questions about streams.
type Service struct {
	store  store.Store
	limit  int
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithRecentEventLimit overrides how many trailing events a view holds.
func WithRecentEventLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.limit = n
		}
	}
}

// NewService creates an introspection service over st.
func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:  st,
		limit:  DefaultRecentEvents,
		logger: slog.Default().With("component", "introspect"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InspectStream composes the stream record, its trailing events and the
// latest snapshot. Returns store.ErrNotFound when the stream does not
// exist. The dead letter is included only for terminally failed streams.
func (s *Service) InspectStream(ctx context.Context, streamID string) (*StreamView, error) {
	st, err := s.store.GetStream(ctx, streamID)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", streamID, err)
	}

	events, err := s.store.GetEvents(ctx, streamID)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: load events: %w", streamID, err)
	}
	if len(events) > s.limit {
		events = events[len(events)-s.limit:]
	}

	snap, err := s.store.GetLatestSnapshot(ctx, streamID)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: load snapshot: %w", streamID, err)
	}

	view := &StreamView{
		Stream:         st,
		RecentEvents:   events,
		LatestSnapshot: snap,
	}

	if st.Status == contracts.StreamFailedTerminal {
		dl, err := s.store.GetLatestDeadLetter(ctx, streamID)
		if err != nil {
			return nil, fmt.Errorf("inspect %s: load dead letter: %w", streamID, err)
		}
		view.DeadLetter = dl
	}

	s.logger.DebugContext(ctx, "stream inspected",
		"stream_id", streamID, "events", len(view.RecentEvents))
	return view, nil
}
