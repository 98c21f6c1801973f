package contracts

import "time"

// EventType categorizes ledger events.
type EventType string

const (
	EventTransitionSucceeded EventType = "transition_succeeded"
	EventTransitionFailed    EventType = "transition_failed"
)

// Event is one entry in a stream's append-only ledger. Sequence numbers
// are assigned by the store, start at 1 and are gap-free per stream;
// their assignment is serialized by lease exclusivity, never by the
// store itself.
type Event struct {
	StreamID  string         `json:"stream_id"`
	SeqNo     uint64         `json:"seq_no"`
	EventType EventType      `json:"event_type"`
	TickID    string         `json:"tick_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Snapshot is a materialized state checkpoint as of LastSeqNo. It exists
// purely as a replay optimization; the ledger remains authoritative.
type Snapshot struct {
	StreamID  string         `json:"stream_id"`
	LastSeqNo uint64         `json:"last_seq_no"`
	State     map[string]any `json:"state"`
	CreatedAt time.Time      `json:"created_at"`
}

// DeadLetter is the terminal failure record written exactly once when a
// stream exhausts its retry budget.
type DeadLetter struct {
	StreamID       string    `json:"stream_id"`
	TerminalReason string    `json:"terminal_reason"`
	LastError      string    `json:"last_error"`
	CreatedAt      time.Time `json:"created_at"`
}
