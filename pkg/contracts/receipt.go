package contracts

import "time"

// DeterminismReceipt is a signed, content-addressed summary of a tick's
// observable inputs and outputs. Built once per tick, never persisted by
// the kernel; callers keep them if they want external auditability.
type DeterminismReceipt struct {
	StreamID      string    `json:"stream_id"`
	TickID        string    `json:"tick_id"`
	ContentHash   string    `json:"content_hash"`
	EngineVersion string    `json:"engine_version"`
	Signature     string    `json:"signature"`
	CreatedAt     time.Time `json:"created_at"`
}
