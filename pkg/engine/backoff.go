package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy computes retry delays: exponential growth with a cap,
// plus deterministic jitter. Jitter comes from a PRF over the stream id
// and attempt number rather than a random source, so a replayed
// schedule is byte-for-byte reproducible.
type BackoffPolicy struct {
	Base      time.Duration
	Max       time.Duration
	MaxJitter time.Duration
}

// DefaultBackoff is the engine-level retry policy.
var DefaultBackoff = BackoffPolicy{
	Base:      time.Second,
	Max:       5 * time.Minute,
	MaxJitter: 250 * time.Millisecond,
}

// Delay returns the backoff before retry attempt n (1-based) of streamID.
func (p BackoffPolicy) Delay(streamID string, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	// delay = base * 2^(attempt-1), capped to avoid overflow.
	factor := int64(1)
	if n := attempt - 1; n > 0 {
		if n > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << n
		}
	}

	delay := time.Duration(factor) * p.Base
	if delay > p.Max || delay < 0 {
		delay = p.Max
	}

	return delay + p.jitter(streamID, attempt)
}

func (p BackoffPolicy) jitter(streamID string, attempt int) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}

	seed := fmt.Sprintf("%s:%d", streamID, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])

	return time.Duration(basis % uint64(p.MaxJitter)) //nolint:gosec // MaxJitter is always positive
}
