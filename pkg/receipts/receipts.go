// Package receipts builds and verifies determinism receipts: signed,
// content-addressed summaries of what a tick observed and produced.
//
// The digest is computed over an RFC 8785 canonical form, so two
// independent observers of the same ledger state produce byte-identical
// receipts. Verification recomputes everything from scratch and reports
// mismatches as issues instead of errors; the only hard errors are
// serialization failures.
package receipts

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/vaos-labs/dak/pkg/canonicalize"
	"github.com/vaos-labs/dak/pkg/contracts"
)

// CurrentEngineVersion is embedded in receipts built by this package so
// verifiers can detect digest-format drift across major versions.
const CurrentEngineVersion = "1.0.0"

// defaultSigningSecret keeps receipts structurally valid when no secret
// is configured. It provides integrity, not authenticity.
const defaultSigningSecret = "dak-unsigned"

// Verification issue codes.
const (
	IssueHashMismatch        = "hash_mismatch"
	IssueSignatureInvalid    = "signature_invalid"
	IssueTickIDMismatch      = "tick_id_mismatch"
	IssueStreamIDMismatch    = "stream_id_mismatch"
	IssueEngineIncompatible  = "engine_version_incompatible"
	IssueEngineVersionBroken = "engine_version_unparseable"
)

// BuildInput is everything a receipt attests over. Events should be the
// stream's ledger; only entries matching TickID enter the digest.
type BuildInput struct {
	Stream        *contracts.Stream
	Events        []contracts.Event
	TickID        string
	Snapshot      *contracts.Snapshot
	EngineVersion string
	SigningSecret string
}

// VerifyInput supplies the current ledger state to check a receipt
// against. The signing secret need not be the literal value used at
// build time, only the value both ends agreed on out of band.
type VerifyInput struct {
	Stream        *contracts.Stream
	Events        []contracts.Event
	TickID        string
	Snapshot      *contracts.Snapshot
	SigningSecret string
}

// VerifyResult reports the outcome of a verification. Valid is true
// only when Issues is empty.
type VerifyResult struct {
	Valid  bool     `json:"valid"`
	Issues []string `json:"issues"`
}

// digestEnvelope is the canonical shape hashed into a receipt. Field
// order is irrelevant (JCS sorts keys); field presence is not.
type digestEnvelope struct {
	Stream   digestStream  `json:"stream"`
	Events   []digestEvent `json:"events"`
	Snapshot *digestSnap   `json:"snapshot"`
}

type digestStream struct {
	ID           string         `json:"id"`
	WorkflowType string         `json:"workflow_type"`
	Status       string         `json:"status"`
	CurrentState map[string]any `json:"current_state"`
}

type digestEvent struct {
	SeqNo     uint64         `json:"seq_no"`
	EventType string         `json:"event_type"`
	TickID    string         `json:"tick_id"`
	Payload   map[string]any `json:"payload"`
}

type digestSnap struct {
	LastSeqNo uint64         `json:"last_seq_no"`
	State     map[string]any `json:"state"`
}

// Build computes the canonical digest over in and signs it. EngineVersion
// defaults to CurrentEngineVersion; an empty secret falls back to the
// unsigned-mode constant.
func Build(in BuildInput) (*contracts.DeterminismReceipt, error) {
	if in.Stream == nil {
		return nil, fmt.Errorf("receipts: build requires a stream")
	}
	version := in.EngineVersion
	if version == "" {
		version = CurrentEngineVersion
	}

	hash, err := contentHash(in.Stream, in.Events, in.TickID, in.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("receipts: digest %s: %w", in.Stream.ID, err)
	}

	return &contracts.DeterminismReceipt{
		StreamID:      in.Stream.ID,
		TickID:        in.TickID,
		ContentHash:   hash,
		EngineVersion: version,
		Signature:     sign(in.SigningSecret, hash, in.Stream.ID, in.TickID, version),
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// Verify recomputes the digest and signature from in and compares them
// to the receipt. Mismatches accumulate as issues; Verify itself only
// errors when the supplied state cannot be serialized.
func Verify(r *contracts.DeterminismReceipt, in VerifyInput) (*VerifyResult, error) {
	if r == nil {
		return nil, fmt.Errorf("receipts: verify requires a receipt")
	}
	if in.Stream == nil {
		return nil, fmt.Errorf("receipts: verify requires a stream")
	}

	var issues []string

	if r.StreamID != in.Stream.ID {
		issues = append(issues, IssueStreamIDMismatch)
	}
	if r.TickID != in.TickID {
		issues = append(issues, IssueTickIDMismatch)
	}

	hash, err := contentHash(in.Stream, in.Events, in.TickID, in.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("receipts: digest %s: %w", in.Stream.ID, err)
	}
	if hash != r.ContentHash {
		issues = append(issues, IssueHashMismatch)
	}

	want := sign(in.SigningSecret, r.ContentHash, r.StreamID, r.TickID, r.EngineVersion)
	if !hmac.Equal([]byte(want), []byte(r.Signature)) {
		issues = append(issues, IssueSignatureInvalid)
	}

	if issue := checkEngineVersion(r.EngineVersion); issue != "" {
		issues = append(issues, issue)
	}

	return &VerifyResult{Valid: len(issues) == 0, Issues: issues}, nil
}

// contentHash canonicalizes the tick's observable window and hashes it.
// Events outside tickID are excluded so a receipt stays verifiable after
// later ticks extend the ledger.
func contentHash(s *contracts.Stream, events []contracts.Event, tickID string, snap *contracts.Snapshot) (string, error) {
	env := digestEnvelope{
		Stream: digestStream{
			ID:           s.ID,
			WorkflowType: s.WorkflowType,
			Status:       string(s.Status),
			CurrentState: s.CurrentState,
		},
		Events: make([]digestEvent, 0, len(events)),
	}
	for _, ev := range events {
		if ev.TickID != tickID {
			continue
		}
		env.Events = append(env.Events, digestEvent{
			SeqNo:     ev.SeqNo,
			EventType: string(ev.EventType),
			TickID:    ev.TickID,
			Payload:   ev.Payload,
		})
	}
	if snap != nil {
		env.Snapshot = &digestSnap{LastSeqNo: snap.LastSeqNo, State: snap.State}
	}
	return canonicalize.CanonicalHash(env)
}

// sign computes the keyed signature over the digest and the receipt's
// identifying metadata.
func sign(secret, contentHash, streamID, tickID, engineVersion string) string {
	if secret == "" {
		secret = defaultSigningSecret
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(contentHash))
	mac.Write([]byte{0})
	mac.Write([]byte(streamID))
	mac.Write([]byte{0})
	mac.Write([]byte(tickID))
	mac.Write([]byte{0})
	mac.Write([]byte(engineVersion))
	return hex.EncodeToString(mac.Sum(nil))
}

// checkEngineVersion flags receipts whose digest format may differ from
// ours. Only major-version drift is incompatible.
func checkEngineVersion(version string) string {
	got, err := semver.NewVersion(version)
	if err != nil {
		return IssueEngineVersionBroken
	}
	cur := semver.MustParse(CurrentEngineVersion)
	if got.Major() != cur.Major() {
		return IssueEngineIncompatible
	}
	return ""
}
