package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vaos-labs/dak/pkg/contracts"

	_ "modernc.org/sqlite" // cgo-free SQLite driver
)

// SQLStore implements Store using database/sql. It supports both
// Postgres and SQLite via standard drivers; placeholders use the $N
// style, which both lib/pq and modernc.org/sqlite accept.
type SQLStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQLStore wraps an open database handle. Call Init before use.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, clock: time.Now}
}

// OpenSQLite opens (creating if needed) a SQLite-backed store at path
// and runs migrations. Use ":memory:" for an ephemeral database.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; a single connection avoids busy errors.
	db.SetMaxOpenConns(1)

	s := NewSQLStore(db)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for deterministic tests.
func (s *SQLStore) WithClock(clock func() time.Time) *SQLStore {
	s.clock = clock
	return s
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS streams (
	id TEXT PRIMARY KEY,
	workflow_type TEXT NOT NULL,
	owner_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	current_state TEXT NOT NULL DEFAULT '{}',
	next_tick_at TIMESTAMP NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 0,
	lease_holder TEXT NOT NULL DEFAULT '',
	lease_expires_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS stream_events (
	stream_id TEXT NOT NULL,
	seq_no INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	tick_id TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (stream_id, seq_no)
);

CREATE TABLE IF NOT EXISTS stream_snapshots (
	stream_id TEXT PRIMARY KEY,
	last_seq_no INTEGER NOT NULL,
	state TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS stream_dead_letters (
	stream_id TEXT NOT NULL,
	terminal_reason TEXT NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
`

// Init creates the schema if it does not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(sqlSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

const streamColumns = `id, workflow_type, owner_id, status, current_state, next_tick_at,
	retry_count, max_retries, lease_holder, lease_expires_at, created_at, updated_at`

func (s *SQLStore) GetStream(ctx context.Context, id string) (*contracts.Stream, error) {
	query := `SELECT ` + streamColumns + ` FROM streams WHERE id = $1`
	return scanStream(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLStore) CreateStream(ctx context.Context, st *contracts.Stream) error {
	state, err := json.Marshal(st.CurrentState)
	if err != nil {
		return fmt.Errorf("marshal current_state: %w", err)
	}

	now := s.clock().UTC()
	createdAt := st.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := `
		INSERT INTO streams (id, workflow_type, owner_id, status, current_state, next_tick_at,
			retry_count, max_retries, lease_holder, lease_expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '', NULL, $9, $10)
	`
	_, err = s.db.ExecContext(ctx, query,
		st.ID, st.WorkflowType, st.OwnerID, string(st.Status), string(state),
		st.NextTickAt.UTC(), st.RetryCount, st.MaxRetries, createdAt.UTC(), now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create stream: %w", err)
	}
	return nil
}

func (s *SQLStore) UpdateStream(ctx context.Context, id string, upd StreamUpdate) (*contracts.Stream, error) {
	sets := make([]string, 0, 5)
	args := make([]any, 0, 6)

	add := func(column string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if upd.Status != nil {
		add("status", string(*upd.Status))
	}
	if upd.CurrentState != nil {
		state, err := json.Marshal(upd.CurrentState)
		if err != nil {
			return nil, fmt.Errorf("marshal current_state: %w", err)
		}
		add("current_state", string(state))
	}
	if upd.NextTickAt != nil {
		add("next_tick_at", upd.NextTickAt.UTC())
	}
	if upd.RetryCount != nil {
		add("retry_count", *upd.RetryCount)
	}
	add("updated_at", s.clock().UTC())

	args = append(args, id)
	query := fmt.Sprintf("UPDATE streams SET %s WHERE id = $%d",
		strings.Join(sets, ", "), len(args))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update stream: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update stream: rows affected: %w", err)
	}
	if rows == 0 {
		return nil, ErrNotFound
	}

	return s.GetStream(ctx, id)
}

func (s *SQLStore) ListRunnable(ctx context.Context, now time.Time, limit int) ([]*contracts.Stream, error) {
	query := `
		SELECT ` + streamColumns + `
		FROM streams
		WHERE status IN ('pending', 'running', 'failed_retryable') AND next_tick_at <= $1
		ORDER BY next_tick_at ASC, id ASC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list runnable: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Stream
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runnable: %w", err)
	}
	return out, nil
}

func (s *SQLStore) AppendEvent(ctx context.Context, streamID string, ev contracts.Event) (*contracts.Event, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.clock().UTC()
	}

	// Sequence assignment and insert in one statement; the unique
	// (stream_id, seq_no) key backstops the lease protocol.
	query := `
		INSERT INTO stream_events (stream_id, seq_no, event_type, tick_id, payload, created_at)
		VALUES ($1, (SELECT COALESCE(MAX(seq_no), 0) + 1 FROM stream_events WHERE stream_id = $1),
			$2, $3, $4, $5)
		RETURNING seq_no
	`
	var seqNo uint64
	err = s.db.QueryRowContext(ctx, query,
		streamID, string(ev.EventType), ev.TickID, string(payload), createdAt.UTC(),
	).Scan(&seqNo)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateSeqNo
		}
		return nil, fmt.Errorf("append event: %w", err)
	}

	ev.StreamID = streamID
	ev.SeqNo = seqNo
	ev.CreatedAt = createdAt
	return &ev, nil
}

func (s *SQLStore) GetEvents(ctx context.Context, streamID string) ([]contracts.Event, error) {
	query := `
		SELECT stream_id, seq_no, event_type, tick_id, payload, created_at
		FROM stream_events
		WHERE stream_id = $1
		ORDER BY seq_no ASC
	`
	rows, err := s.db.QueryContext(ctx, query, streamID)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Event
	for rows.Next() {
		var ev contracts.Event
		var eventType, payload string
		if err := rows.Scan(&ev.StreamID, &ev.SeqNo, &eventType, &ev.TickID, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.EventType = contracts.EventType(eventType)
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	return out, nil
}

func (s *SQLStore) GetLatestSnapshot(ctx context.Context, streamID string) (*contracts.Snapshot, error) {
	query := `SELECT stream_id, last_seq_no, state, created_at FROM stream_snapshots WHERE stream_id = $1`

	var snap contracts.Snapshot
	var state string
	err := s.db.QueryRowContext(ctx, query, streamID).
		Scan(&snap.StreamID, &snap.LastSeqNo, &state, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(state), &snap.State); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot state: %w", err)
	}
	return &snap, nil
}

func (s *SQLStore) PutSnapshot(ctx context.Context, streamID string, snap contracts.Snapshot) error {
	state, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("marshal snapshot state: %w", err)
	}

	createdAt := snap.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.clock().UTC()
	}

	// Monotone upsert: a snapshot never moves backwards.
	query := `
		INSERT INTO stream_snapshots (stream_id, last_seq_no, state, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (stream_id) DO UPDATE
		SET last_seq_no = excluded.last_seq_no, state = excluded.state, created_at = excluded.created_at
		WHERE excluded.last_seq_no > stream_snapshots.last_seq_no
	`
	if _, err := s.db.ExecContext(ctx, query, streamID, snap.LastSeqNo, string(state), createdAt.UTC()); err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

func (s *SQLStore) GetLatestDeadLetter(ctx context.Context, streamID string) (*contracts.DeadLetter, error) {
	query := `
		SELECT stream_id, terminal_reason, last_error, created_at
		FROM stream_dead_letters
		WHERE stream_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	var dl contracts.DeadLetter
	err := s.db.QueryRowContext(ctx, query, streamID).
		Scan(&dl.StreamID, &dl.TerminalReason, &dl.LastError, &dl.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	return &dl, nil
}

func (s *SQLStore) PutDeadLetter(ctx context.Context, streamID string, dl contracts.DeadLetter) error {
	createdAt := dl.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.clock().UTC()
	}

	query := `
		INSERT INTO stream_dead_letters (stream_id, terminal_reason, last_error, created_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := s.db.ExecContext(ctx, query, streamID, dl.TerminalReason, dl.LastError, createdAt.UTC()); err != nil {
		return fmt.Errorf("put dead letter: %w", err)
	}
	return nil
}

func (s *SQLStore) AcquireLease(ctx context.Context, streamID, workerID string, now, expiresAt time.Time) (bool, error) {
	// Single conditional UPDATE; the WHERE clause is the entire
	// correctness argument, never read-then-write.
	query := `
		UPDATE streams
		SET lease_holder = $1, lease_expires_at = $2, updated_at = $3
		WHERE id = $4
		  AND (lease_holder = '' OR lease_holder = $1 OR lease_expires_at IS NULL OR lease_expires_at <= $5)
	`
	res, err := s.db.ExecContext(ctx, query, workerID, expiresAt.UTC(), s.clock().UTC(), streamID, now.UTC())
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease: rows affected: %w", err)
	}
	if rows > 0 {
		return true, nil
	}

	// Denied or missing; distinguish for the caller.
	if _, err := s.GetStream(ctx, streamID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLStore) ReleaseLease(ctx context.Context, streamID, workerID string) (bool, error) {
	query := `
		UPDATE streams
		SET lease_holder = '', lease_expires_at = NULL, updated_at = $1
		WHERE id = $2 AND lease_holder = $3
	`
	res, err := s.db.ExecContext(ctx, query, s.clock().UTC(), streamID, workerID)
	if err != nil {
		return false, fmt.Errorf("release lease: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release lease: rows affected: %w", err)
	}
	return rows > 0, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStream(row rowScanner) (*contracts.Stream, error) {
	var st contracts.Stream
	var status, state string
	var leaseExpires sql.NullTime

	err := row.Scan(&st.ID, &st.WorkflowType, &st.OwnerID, &status, &state, &st.NextTickAt,
		&st.RetryCount, &st.MaxRetries, &st.LeaseHolder, &leaseExpires, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan stream: %w", err)
	}

	st.Status = contracts.StreamStatus(status)
	if leaseExpires.Valid {
		exp := leaseExpires.Time
		st.LeaseExpiresAt = &exp
	}
	if err := json.Unmarshal([]byte(state), &st.CurrentState); err != nil {
		return nil, fmt.Errorf("unmarshal current_state: %w", err)
	}
	return &st, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
