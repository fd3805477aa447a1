package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gowebpki/jcs"
)

// ChainEntry is a tamper-evident log record. PreviousHash links each
// entry to the preceding one; Hash covers the entry including the link.
type ChainEntry struct {
	Event        Event  `json:"event"`
	PreviousHash string `json:"previous_hash"`
	Hash         string `json:"hash"`
}

// ChainLog is an in-memory, hash-chained audit sink. Appends are
// serialized; the chain can be verified end to end at any point.
type ChainLog struct {
	mu      sync.RWMutex
	entries []ChainEntry
}

// NewChainLog creates an empty chained log.
func NewChainLog() *ChainLog {
	return &ChainLog{entries: make([]ChainEntry, 0, 64)}
}

// Record appends the event, linking it to the previous entry.
func (l *ChainLog) Record(_ context.Context, event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prevHash := ""
	if len(l.entries) > 0 {
		prevHash = l.entries[len(l.entries)-1].Hash
	}

	entry := ChainEntry{Event: event, PreviousHash: prevHash}
	hash, err := computeEntryHash(entry)
	if err != nil {
		return fmt.Errorf("audit: hash entry: %w", err)
	}
	entry.Hash = hash
	l.entries = append(l.entries, entry)
	return nil
}

// Entries returns a copy of the chain.
func (l *ChainLog) Entries() []ChainEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ChainEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries in the chain.
func (l *ChainLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Reset discards all entries. For test and archival use.
func (l *ChainLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = l.entries[:0]
}

// VerifyChain checks link and content integrity of the whole log.
func (l *ChainLog) VerifyChain() (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i, entry := range l.entries {
		if i == 0 {
			if entry.PreviousHash != "" {
				return false, fmt.Errorf("audit: genesis entry has non-empty previous hash")
			}
		} else if entry.PreviousHash != l.entries[i-1].Hash {
			return false, fmt.Errorf("audit: chain broken at index %d: previous hash mismatch", i)
		}

		computed, err := computeEntryHash(ChainEntry{Event: entry.Event, PreviousHash: entry.PreviousHash})
		if err != nil {
			return false, fmt.Errorf("audit: recompute hash at index %d: %w", i, err)
		}
		if computed != entry.Hash {
			return false, fmt.Errorf("audit: integrity failure at index %d: computed %s, stored %s", i, computed, entry.Hash)
		}
	}
	return true, nil
}

// computeEntryHash canonicalizes the entry (JCS) and hashes it. The Hash
// field itself is excluded by hashing a pre-Hash copy.
func computeEntryHash(entry ChainEntry) (string, error) {
	raw, err := json.Marshal(map[string]any{
		"event":         entry.Event,
		"previous_hash": entry.PreviousHash,
	})
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
