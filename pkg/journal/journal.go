// Package journal maintains the append-only, hash-chained record of every
// committed action. Each entry's content hash covers its predecessor's hash,
// so any edit or removal breaks the chain from that point on.
package journal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/jobledger/pkg/contracts"
	"github.com/Mindburn-Labs/jobledger/pkg/store"
)

// GenesisHash is the PrevHash of the first entry.
const GenesisHash = "genesis"

// ErrChainBroken is returned by Verify when the chain does not recompute.
var ErrChainBroken = errors.New("journal: chain broken")

// Journal appends entries through a store.JournalStore.
type Journal struct {
	clock func() time.Time
}

// New creates a Journal using the wall clock.
func New() *Journal {
	return &Journal{clock: time.Now}
}

// WithClock overrides clock for testing.
func (j *Journal) WithClock(clock func() time.Time) *Journal {
	j.clock = clock
	return j
}

// Append chains a new entry onto the journal held by js. It must run inside
// the same transaction as the change it records.
func (j *Journal) Append(ctx context.Context, js store.JournalStore, typ contracts.EntryType, jobID *contracts.JobID, actor contracts.AccountID, data map[string]any) (*contracts.JournalEntry, error) {
	last, err := js.LastEntry(ctx)
	if err != nil {
		return nil, fmt.Errorf("journal: read head: %w", err)
	}
	entry := &contracts.JournalEntry{
		Sequence:  1,
		Type:      typ,
		Actor:     actor,
		Data:      data,
		PrevHash:  GenesisHash,
		Timestamp: j.clock().UTC(),
	}
	if jobID != nil {
		id := *jobID
		entry.JobID = &id
	}
	if last != nil {
		entry.Sequence = last.Sequence + 1
		entry.PrevHash = last.ContentHash
	}
	if entry.ContentHash, err = Hash(entry); err != nil {
		return nil, err
	}
	if err := js.AppendEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("journal: append %s: %w", typ, err)
	}
	return entry, nil
}

type hashInput struct {
	Seq       uint64           `json:"seq"`
	Type      string           `json:"type"`
	JobID     *contracts.JobID `json:"job_id"`
	Actor     string           `json:"actor"`
	Data      map[string]any   `json:"data"`
	PrevHash  string           `json:"prev"`
	Timestamp string           `json:"ts"`
}

// Hash computes the content hash of entry over the RFC 8785 canonical form
// of its fields. ContentHash itself is excluded.
func Hash(entry *contracts.JournalEntry) (string, error) {
	raw, err := json.Marshal(hashInput{
		Seq:       entry.Sequence,
		Type:      string(entry.Type),
		JobID:     entry.JobID,
		Actor:     string(entry.Actor),
		Data:      entry.Data,
		PrevHash:  entry.PrevHash,
		Timestamp: entry.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("journal: marshal entry %d: %w", entry.Sequence, err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("journal: canonicalize entry %d: %w", entry.Sequence, err)
	}
	h := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

// Verifier checks a journal incrementally, one page at a time.
type Verifier struct {
	prevHash string
	nextSeq  uint64
}

// NewVerifier starts at the genesis entry.
func NewVerifier() *Verifier {
	return &Verifier{prevHash: GenesisHash, nextSeq: 1}
}

// ResumeVerifier continues a chain after entry seq whose content hash is head.
func ResumeVerifier(seq uint64, head string) *Verifier {
	if seq == 0 {
		head = GenesisHash
	}
	return &Verifier{prevHash: head, nextSeq: seq + 1}
}

// Check validates the next run of entries.
func (v *Verifier) Check(entries []*contracts.JournalEntry) error {
	for _, e := range entries {
		if e.Sequence != v.nextSeq {
			return fmt.Errorf("%w: expected sequence %d, got %d", ErrChainBroken, v.nextSeq, e.Sequence)
		}
		if e.PrevHash != v.prevHash {
			return fmt.Errorf("%w at entry %d: expected prev %s, got %s", ErrChainBroken, e.Sequence, v.prevHash, e.PrevHash)
		}
		computed, err := Hash(e)
		if err != nil {
			return err
		}
		if computed != e.ContentHash {
			return fmt.Errorf("%w: hash mismatch at entry %d", ErrChainBroken, e.Sequence)
		}
		v.prevHash = e.ContentHash
		v.nextSeq++
	}
	return nil
}

// Verified returns the number of entries checked so far.
func (v *Verifier) Verified() uint64 { return v.nextSeq - 1 }

// Head returns the content hash of the last verified entry.
func (v *Verifier) Head() string { return v.prevHash }

// Verify checks a complete journal.
func Verify(entries []*contracts.JournalEntry) error {
	return NewVerifier().Check(entries)
}

// VerifyStore walks the journal in js in pages of pageSize and returns the
// number of verified entries.
func VerifyStore(ctx context.Context, js store.JournalStore, pageSize int) (uint64, error) {
	if pageSize <= 0 {
		pageSize = 500
	}
	v := NewVerifier()
	for {
		page, err := js.ListEntries(ctx, v.Verified(), pageSize)
		if err != nil {
			return v.Verified(), fmt.Errorf("journal: list: %w", err)
		}
		if err := v.Check(page); err != nil {
			return v.Verified(), err
		}
		if len(page) < pageSize {
			return v.Verified(), nil
		}
	}
}
