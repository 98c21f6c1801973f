package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vaos-labs/dak/pkg/contracts"
)

// RedisStore implements Store on Redis. Streams are JSON values, event
// ledgers are lists (list length doubles as the sequence counter), the
// lease is a dedicated key with native expiry, and a sorted set indexes
// streams by due time for the runnable scan.
//
// All check-and-set paths run as Lua scripts so they are atomic on the
// server regardless of how many workers share the instance.
type RedisStore struct {
	client *redis.Client
	clock  func() time.Time
}

// leaseAcquireScript grants the lease iff it is free or already held by
// this worker. Native PX expiry implements auto-expiring leases.
// KEYS[1] = lease key, ARGV[1] = worker id, ARGV[2] = ttl millis
var leaseAcquireScript = redis.NewScript(`
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
    return 1
end
if redis.call("GET", KEYS[1]) == ARGV[1] then
    redis.call("PEXPIRE", KEYS[1], ARGV[2])
    return 1
end
return 0
`)

// leaseReleaseScript deletes the lease only when still held by the caller.
// KEYS[1] = lease key, ARGV[1] = worker id
var leaseReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// eventAppendScript assigns seq_no = list length + 1 and pushes the
// event in one atomic step.
// KEYS[1] = stream key, KEYS[2] = events key, ARGV[1] = event JSON
var eventAppendScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return redis.error_reply("stream not found")
end
local seq = redis.call("LLEN", KEYS[2]) + 1
local ev = cjson.decode(ARGV[1])
ev["seq_no"] = seq
redis.call("RPUSH", KEYS[2], cjson.encode(ev))
return seq
`)

// snapshotPutScript keeps snapshots monotone.
// KEYS[1] = snapshot key, ARGV[1] = snapshot JSON, ARGV[2] = last_seq_no
var snapshotPutScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if raw then
    local prev = cjson.decode(raw)
    if tonumber(prev["last_seq_no"]) >= tonumber(ARGV[2]) then
        return 0
    end
end
redis.call("SET", KEYS[1], ARGV[1])
return 1
`)

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, clock: time.Now}
}

// OpenRedis connects to addr and returns a store backed by db.
func OpenRedis(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStore(client), nil
}

// WithClock overrides the clock for deterministic tests.
func (r *RedisStore) WithClock(clock func() time.Time) *RedisStore {
	r.clock = clock
	return r
}

func streamKey(id string) string     { return "dak:stream:" + id }
func eventsKey(id string) string     { return "dak:events:" + id }
func leaseKey(id string) string      { return "dak:lease:" + id }
func snapshotKey(id string) string   { return "dak:snapshot:" + id }
func deadLetterKey(id string) string { return "dak:deadletters:" + id }

const scheduleKey = "dak:schedule"

func (r *RedisStore) GetStream(ctx context.Context, id string) (*contracts.Stream, error) {
	raw, err := r.client.Get(ctx, streamKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get stream: %w", err)
	}

	var st contracts.Stream
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("unmarshal stream: %w", err)
	}

	// Lease state lives in its own key; project it onto the stream.
	holder, err := r.client.Get(ctx, leaseKey(id)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		st.LeaseHolder = ""
		st.LeaseExpiresAt = nil
	case err != nil:
		return nil, fmt.Errorf("get lease: %w", err)
	default:
		ttl, err := r.client.PTTL(ctx, leaseKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("lease ttl: %w", err)
		}
		st.LeaseHolder = holder
		if ttl > 0 {
			exp := r.clock().Add(ttl)
			st.LeaseExpiresAt = &exp
		}
	}
	return &st, nil
}

func (r *RedisStore) CreateStream(ctx context.Context, st *contracts.Stream) error {
	c := *st
	now := r.clock().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.LeaseHolder = ""
	c.LeaseExpiresAt = nil

	raw, err := json.Marshal(&c)
	if err != nil {
		return fmt.Errorf("marshal stream: %w", err)
	}

	ok, err := r.client.SetNX(ctx, streamKey(c.ID), raw, 0).Result()
	if err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	return r.reschedule(ctx, &c)
}

// UpdateStream is read-modify-write; tick-engine fields are only ever
// mutated while holding the lease, so there is no concurrent writer.
func (r *RedisStore) UpdateStream(ctx context.Context, id string, upd StreamUpdate) (*contracts.Stream, error) {
	st, err := r.GetStream(ctx, id)
	if err != nil {
		return nil, err
	}

	if upd.Status != nil {
		st.Status = *upd.Status
	}
	if upd.CurrentState != nil {
		st.CurrentState = upd.CurrentState
	}
	if upd.NextTickAt != nil {
		st.NextTickAt = *upd.NextTickAt
	}
	if upd.RetryCount != nil {
		st.RetryCount = *upd.RetryCount
	}
	st.UpdatedAt = r.clock().UTC()

	persist := *st
	persist.LeaseHolder = ""
	persist.LeaseExpiresAt = nil
	raw, err := json.Marshal(&persist)
	if err != nil {
		return nil, fmt.Errorf("marshal stream: %w", err)
	}
	if err := r.client.Set(ctx, streamKey(id), raw, 0).Err(); err != nil {
		return nil, fmt.Errorf("update stream: %w", err)
	}
	if err := r.reschedule(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

func (r *RedisStore) reschedule(ctx context.Context, st *contracts.Stream) error {
	if st.Status.Runnable() {
		err := r.client.ZAdd(ctx, scheduleKey, redis.Z{
			Score:  float64(st.NextTickAt.UnixMilli()),
			Member: st.ID,
		}).Err()
		if err != nil {
			return fmt.Errorf("schedule stream: %w", err)
		}
		return nil
	}
	if err := r.client.ZRem(ctx, scheduleKey, st.ID).Err(); err != nil {
		return fmt.Errorf("unschedule stream: %w", err)
	}
	return nil
}

func (r *RedisStore) ListRunnable(ctx context.Context, now time.Time, limit int) ([]*contracts.Stream, error) {
	ids, err := r.client.ZRangeByScore(ctx, scheduleKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list runnable: %w", err)
	}

	out := make([]*contracts.Stream, 0, len(ids))
	for _, id := range ids {
		st, err := r.GetStream(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		// The index can lag a beat behind the stream record.
		if st.Status.Runnable() && !st.NextTickAt.After(now) {
			out = append(out, st)
		}
	}
	return out, nil
}

func (r *RedisStore) AppendEvent(ctx context.Context, streamID string, ev contracts.Event) (*contracts.Event, error) {
	ev.StreamID = streamID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = r.clock().UTC()
	}

	raw, err := json.Marshal(&ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	seq, err := eventAppendScript.Run(ctx, r.client,
		[]string{streamKey(streamID), eventsKey(streamID)}, string(raw)).Int64()
	if err != nil {
		if err.Error() == "stream not found" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("append event: %w", err)
	}

	ev.SeqNo = uint64(seq)
	return &ev, nil
}

func (r *RedisStore) GetEvents(ctx context.Context, streamID string) ([]contracts.Event, error) {
	raws, err := r.client.LRange(ctx, eventsKey(streamID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}

	out := make([]contracts.Event, 0, len(raws))
	for _, raw := range raws {
		var ev contracts.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (r *RedisStore) GetLatestSnapshot(ctx context.Context, streamID string) (*contracts.Snapshot, error) {
	raw, err := r.client.Get(ctx, snapshotKey(streamID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}

	var snap contracts.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func (r *RedisStore) PutSnapshot(ctx context.Context, streamID string, snap contracts.Snapshot) error {
	snap.StreamID = streamID
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = r.clock().UTC()
	}

	raw, err := json.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	err = snapshotPutScript.Run(ctx, r.client,
		[]string{snapshotKey(streamID)}, string(raw), snap.LastSeqNo).Err()
	if err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

func (r *RedisStore) GetLatestDeadLetter(ctx context.Context, streamID string) (*contracts.DeadLetter, error) {
	raw, err := r.client.LIndex(ctx, deadLetterKey(streamID), -1).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter: %w", err)
	}

	var dl contracts.DeadLetter
	if err := json.Unmarshal([]byte(raw), &dl); err != nil {
		return nil, fmt.Errorf("unmarshal dead letter: %w", err)
	}
	return &dl, nil
}

func (r *RedisStore) PutDeadLetter(ctx context.Context, streamID string, dl contracts.DeadLetter) error {
	dl.StreamID = streamID
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = r.clock().UTC()
	}

	raw, err := json.Marshal(&dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := r.client.RPush(ctx, deadLetterKey(streamID), raw).Err(); err != nil {
		return fmt.Errorf("put dead letter: %w", err)
	}
	return nil
}

func (r *RedisStore) AcquireLease(ctx context.Context, streamID, workerID string, now, expiresAt time.Time) (bool, error) {
	exists, err := r.client.Exists(ctx, streamKey(streamID)).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	if exists == 0 {
		return false, ErrNotFound
	}

	ttl := expiresAt.Sub(now).Milliseconds()
	if ttl <= 0 {
		return false, nil
	}

	granted, err := leaseAcquireScript.Run(ctx, r.client,
		[]string{leaseKey(streamID)}, workerID, ttl).Int64()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return granted == 1, nil
}

func (r *RedisStore) ReleaseLease(ctx context.Context, streamID, workerID string) (bool, error) {
	released, err := leaseReleaseScript.Run(ctx, r.client,
		[]string{leaseKey(streamID)}, workerID).Int64()
	if err != nil {
		return false, fmt.Errorf("release lease: %w", err)
	}
	return released == 1, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
