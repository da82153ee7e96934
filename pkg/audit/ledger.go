package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Entry is one immutable, hash-chained ledger record.
type Entry struct {
	Sequence    uint64         `json:"sequence"`
	EntryType   string         `json:"entryType"`
	ContentHash string         `json:"contentHash"`
	PrevHash    string         `json:"prevHash"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data"`
}

// Ledger is the append-only store the audit service writes receipts
// into. Implementations must reject mutation of existing entries.
type Ledger interface {
	Append(entryType string, data map[string]any) (seq uint64, contentHash string, err error)
	Entry(seq uint64) (*Entry, error)
	Length() int
	VerifyChain() (bool, string)
}

const genesisHash = "genesis"

// ChainLedger is the in-memory hash-chained Ledger. Each entry's
// content hash covers its data and the previous head, so any
// historical edit breaks every hash after it.
type ChainLedger struct {
	mu       sync.RWMutex
	entries  []Entry
	headHash string
	clock    func() time.Time
}

// NewChainLedger creates an empty chain.
func NewChainLedger() *ChainLedger {
	return &ChainLedger{headHash: genesisHash, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (l *ChainLedger) WithClock(clock func() time.Time) *ChainLedger {
	l.clock = clock
	return l
}

func entryHash(seq uint64, entryType string, data map[string]any, prevHash string) (string, error) {
	hashInput := struct {
		Seq      uint64         `json:"seq"`
		Type     string         `json:"type"`
		Data     map[string]any `json:"data"`
		PrevHash string         `json:"prev"`
	}{seq, entryType, data, prevHash}

	raw, err := json.Marshal(hashInput)
	if err != nil {
		return "", fmt.Errorf("marshal ledger entry: %w", err)
	}
	h := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

// Append chains a new entry onto the head and returns its sequence
// number and content hash.
func (l *ChainLedger) Append(entryType string, data map[string]any) (uint64, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := uint64(len(l.entries)) + 1
	contentHash, err := entryHash(seq, entryType, data, l.headHash)
	if err != nil {
		return 0, "", err
	}

	l.entries = append(l.entries, Entry{
		Sequence:    seq,
		EntryType:   entryType,
		ContentHash: contentHash,
		PrevHash:    l.headHash,
		Timestamp:   l.clock().UTC(),
		Data:        data,
	})
	l.headHash = contentHash
	return seq, contentHash, nil
}

// Entry retrieves one entry by sequence number, 1-based.
func (l *ChainLedger) Entry(seq uint64) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq == 0 || seq > uint64(len(l.entries)) {
		return nil, fmt.Errorf("ledger entry %d not found", seq)
	}
	entry := l.entries[seq-1]
	return &entry, nil
}

// Length reports the number of entries.
func (l *ChainLedger) Length() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Head returns the current head hash.
func (l *ChainLedger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headHash
}

// VerifyChain walks the whole chain and recomputes every hash.
func (l *ChainLedger) VerifyChain() (bool, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prevHash := genesisHash
	for i, entry := range l.entries {
		if entry.PrevHash != prevHash {
			return false, fmt.Sprintf("chain broken at entry %d: expected prev %s, got %s", i+1, prevHash, entry.PrevHash)
		}
		computed, err := entryHash(entry.Sequence, entry.EntryType, entry.Data, entry.PrevHash)
		if err != nil {
			return false, fmt.Sprintf("cannot rehash entry %d", i+1)
		}
		if computed != entry.ContentHash {
			return false, fmt.Sprintf("hash mismatch at entry %d", i+1)
		}
		prevHash = entry.ContentHash
	}
	return true, "chain verified"
}
