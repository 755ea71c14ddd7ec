package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/jobledger/pkg/contracts"
	"github.com/Mindburn-Labs/jobledger/pkg/journal"
)

// FormatV1 identifies the JSONL export layout.
const FormatV1 = "jobledger.journal.v1"

var (
	// ErrEmpty is returned when there is nothing after the requested cursor.
	ErrEmpty = errors.New("archive: no journal entries to export")
	// ErrManifestMismatch is returned when a blob disagrees with its manifest.
	ErrManifestMismatch = errors.New("archive: manifest does not match blob")
)

// Source reads the journal in pages.
type Source interface {
	Journal(ctx context.Context, after uint64, limit int) ([]*contracts.JournalEntry, error)
}

// Manifest describes one export. It is stored as its own blob next to the
// JSONL data it points at.
type Manifest struct {
	Format string `json:"format"`
	// After is the sequence the export starts after; AnchorHash is that entry's content hash.
	After      uint64    `json:"after"`
	AnchorHash string    `json:"anchor_hash"`
	First      uint64    `json:"first"`
	Last       uint64    `json:"last"`
	Count      int       `json:"count"`
	HeadHash   string    `json:"head_hash"`
	Blob       string    `json:"blob"`
	CreatedAt  time.Time `json:"created_at"`
}

// Exporter writes journal exports to a Store.
type Exporter struct {
	store    Store
	pageSize int
	clock    func() time.Time
	logger   *slog.Logger
}

// NewExporter creates an exporter writing to store.
func NewExporter(store Store) *Exporter {
	return &Exporter{
		store:    store,
		pageSize: 500,
		clock:    time.Now,
		logger:   slog.Default().With("component", "archive"),
	}
}

// WithClock overrides the time source.
func (e *Exporter) WithClock(clock func() time.Time) *Exporter {
	e.clock = clock
	return e
}

// Export writes every entry after sequence after as JSONL, then the
// manifest, and returns the manifest reference. The chain is verified while
// exporting.
func (e *Exporter) Export(ctx context.Context, src Source, after uint64) (string, *Manifest, error) {
	var (
		buf bytes.Buffer
		v   *journal.Verifier
		m   = &Manifest{Format: FormatV1, After: after}
	)
	enc := json.NewEncoder(&buf)
	cursor := after
	for {
		page, err := src.Journal(ctx, cursor, e.pageSize)
		if err != nil {
			return "", nil, fmt.Errorf("archive: read journal: %w", err)
		}
		if len(page) == 0 {
			break
		}
		if v == nil {
			m.AnchorHash = page[0].PrevHash
			m.First = page[0].Sequence
			v = journal.ResumeVerifier(after, m.AnchorHash)
		}
		if err := v.Check(page); err != nil {
			return "", nil, fmt.Errorf("archive: %w", err)
		}
		for _, entry := range page {
			if err := enc.Encode(entry); err != nil {
				return "", nil, fmt.Errorf("archive: encode entry %d: %w", entry.Sequence, err)
			}
		}
		m.Count += len(page)
		cursor = page[len(page)-1].Sequence
		if len(page) < e.pageSize {
			break
		}
	}
	if v == nil {
		return "", nil, ErrEmpty
	}
	m.Last = v.Verified()
	m.HeadHash = v.Head()

	blob, err := e.store.Put(ctx, buf.Bytes())
	if err != nil {
		return "", nil, fmt.Errorf("archive: store entries: %w", err)
	}
	m.Blob = blob
	m.CreatedAt = e.clock().UTC()

	raw, err := json.Marshal(m)
	if err != nil {
		return "", nil, err
	}
	ref, err := e.store.Put(ctx, raw)
	if err != nil {
		return "", nil, fmt.Errorf("archive: store manifest: %w", err)
	}
	e.logger.Info("journal exported", "manifest", ref, "first", m.First, "last", m.Last, "count", m.Count)
	return ref, m, nil
}

// Load reads an export back and verifies it against its manifest.
func Load(ctx context.Context, store Store, manifestRef string) (*Manifest, []*contracts.JournalEntry, error) {
	raw, err := store.Get(ctx, manifestRef)
	if err != nil {
		return nil, nil, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nil, fmt.Errorf("archive: decode manifest: %w", err)
	}
	if m.Format != FormatV1 {
		return nil, nil, fmt.Errorf("%w: unknown format %q", ErrManifestMismatch, m.Format)
	}
	data, err := store.Get(ctx, m.Blob)
	if err != nil {
		return nil, nil, err
	}

	var entries []*contracts.JournalEntry
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var entry contracts.JournalEntry
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			return nil, nil, fmt.Errorf("archive: decode line %d: %w", len(entries)+1, err)
		}
		entries = append(entries, &entry)
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("archive: read blob: %w", err)
	}

	v := journal.ResumeVerifier(m.After, m.AnchorHash)
	if err := v.Check(entries); err != nil {
		return nil, nil, fmt.Errorf("archive: %w", err)
	}
	if len(entries) != m.Count || v.Verified() != m.Last || v.Head() != m.HeadHash {
		return nil, nil, fmt.Errorf("%w: %s", ErrManifestMismatch, manifestRef)
	}
	return &m, entries, nil
}
