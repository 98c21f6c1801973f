package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/vaos-labs/dak/pkg/contracts"
)

// MemoryStore is the reference in-process implementation, used for tests
// and single-process deployments. All state is guarded by one mutex, so
// the conditional lease update is trivially atomic.
type MemoryStore struct {
	mu          sync.Mutex
	streams     map[string]*contracts.Stream
	events      map[string][]contracts.Event
	snapshots   map[string]*contracts.Snapshot
	deadLetters map[string][]contracts.DeadLetter
	clock       func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams:     make(map[string]*contracts.Stream),
		events:      make(map[string][]contracts.Event),
		snapshots:   make(map[string]*contracts.Snapshot),
		deadLetters: make(map[string][]contracts.DeadLetter),
		clock:       time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (m *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	m.clock = clock
	return m
}

func (m *MemoryStore) GetStream(_ context.Context, id string) (*contracts.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneStream(s), nil
}

func (m *MemoryStore) CreateStream(_ context.Context, s *contracts.Stream) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[s.ID]; ok {
		return ErrAlreadyExists
	}

	c := cloneStream(s)
	now := m.clock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.streams[s.ID] = c
	return nil
}

func (m *MemoryStore) UpdateStream(_ context.Context, id string, upd StreamUpdate) (*contracts.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[id]
	if !ok {
		return nil, ErrNotFound
	}

	if upd.Status != nil {
		s.Status = *upd.Status
	}
	if upd.CurrentState != nil {
		s.CurrentState = cloneState(upd.CurrentState)
	}
	if upd.NextTickAt != nil {
		s.NextTickAt = *upd.NextTickAt
	}
	if upd.RetryCount != nil {
		s.RetryCount = *upd.RetryCount
	}
	s.UpdatedAt = m.clock()

	return cloneStream(s), nil
}

func (m *MemoryStore) ListRunnable(_ context.Context, now time.Time, limit int) ([]*contracts.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*contracts.Stream
	for _, s := range m.streams {
		if s.Status.Runnable() && !s.NextTickAt.After(now) {
			due = append(due, cloneStream(s))
		}
	}

	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextTickAt.Equal(due[j].NextTickAt) {
			return due[i].NextTickAt.Before(due[j].NextTickAt)
		}
		return due[i].ID < due[j].ID
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, streamID string, ev contracts.Event) (*contracts.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[streamID]; !ok {
		return nil, ErrNotFound
	}

	events := m.events[streamID]
	ev.StreamID = streamID
	ev.SeqNo = uint64(len(events)) + 1
	ev.Payload = cloneState(ev.Payload)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = m.clock()
	}

	m.events[streamID] = append(events, ev)
	return &ev, nil
}

func (m *MemoryStore) GetEvents(_ context.Context, streamID string) ([]contracts.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.events[streamID]
	out := make([]contracts.Event, len(events))
	for i, ev := range events {
		ev.Payload = cloneState(ev.Payload)
		out[i] = ev
	}
	return out, nil
}

func (m *MemoryStore) GetLatestSnapshot(_ context.Context, streamID string) (*contracts.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.snapshots[streamID]
	if !ok {
		return nil, nil
	}
	c := *snap
	c.State = cloneState(snap.State)
	return &c, nil
}

func (m *MemoryStore) PutSnapshot(_ context.Context, streamID string, snap contracts.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.snapshots[streamID]; ok && prev.LastSeqNo >= snap.LastSeqNo {
		return nil
	}

	snap.StreamID = streamID
	snap.State = cloneState(snap.State)
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = m.clock()
	}
	m.snapshots[streamID] = &snap
	return nil
}

func (m *MemoryStore) GetLatestDeadLetter(_ context.Context, streamID string) (*contracts.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	letters := m.deadLetters[streamID]
	if len(letters) == 0 {
		return nil, nil
	}
	dl := letters[len(letters)-1]
	return &dl, nil
}

func (m *MemoryStore) PutDeadLetter(_ context.Context, streamID string, dl contracts.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dl.StreamID = streamID
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = m.clock()
	}
	m.deadLetters[streamID] = append(m.deadLetters[streamID], dl)
	return nil
}

func (m *MemoryStore) AcquireLease(_ context.Context, streamID, workerID string, now, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[streamID]
	if !ok {
		return false, ErrNotFound
	}

	if s.Leased(now) && s.LeaseHolder != workerID {
		return false, nil
	}

	exp := expiresAt
	s.LeaseHolder = workerID
	s.LeaseExpiresAt = &exp
	s.UpdatedAt = m.clock()
	return true, nil
}

func (m *MemoryStore) ReleaseLease(_ context.Context, streamID, workerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[streamID]
	if !ok {
		return false, ErrNotFound
	}

	if s.LeaseHolder != workerID {
		return false, nil
	}

	s.LeaseHolder = ""
	s.LeaseExpiresAt = nil
	s.UpdatedAt = m.clock()
	return true, nil
}

func (m *MemoryStore) Close() error { return nil }

func cloneStream(s *contracts.Stream) *contracts.Stream {
	c := *s
	c.CurrentState = cloneState(s.CurrentState)
	if s.LeaseExpiresAt != nil {
		exp := *s.LeaseExpiresAt
		c.LeaseExpiresAt = &exp
	}
	return &c
}

// cloneState deep-copies opaque workflow state through JSON, matching
// how the durable backends round-trip it.
func cloneState(state map[string]any) map[string]any {
	if state == nil {
		return nil
	}
	raw, err := json.Marshal(state)
	if err != nil {
		// Opaque state must be JSON-serializable to persist at all.
		out := make(map[string]any, len(state))
		for k, v := range state {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
