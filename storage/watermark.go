package storage

import (
	"fmt"
	"sync"
)

// RollbackError is returned when a counter value is older than the highest
// value previously observed for it. This happens when the record store is
// restored from a stale backup; continuing would reissue serials or CRL
// numbers.
type RollbackError struct {
	CAID    string
	Counter string
	Seen    uint64
	Got     uint64
}

func (e RollbackError) Error() string {
	return fmt.Sprintf("rollback detected: %s/%s is %d but %d was already observed", e.CAID, e.Counter, e.Got, e.Seen)
}

// Watermarks tracks the highest value seen per CA counter, independently of
// the Repository holding the counters themselves.
type Watermarks interface {
	Seen(caID, counter string) uint64
	Advance(caID, counter string, value uint64) error
}

func watermarkKey(caID, counter string) string {
	return caID + "/" + counter
}

// MemoryWatermarks is an in-memory implementation suitable for tests.
type MemoryWatermarks struct {
	mu    sync.RWMutex
	marks map[string]uint64
}

// NewMemoryWatermarks returns an empty in-memory watermark set.
func NewMemoryWatermarks() *MemoryWatermarks {
	return &MemoryWatermarks{marks: make(map[string]uint64)}
}

func (w *MemoryWatermarks) Seen(caID, counter string) uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.marks[watermarkKey(caID, counter)]
}

func (w *MemoryWatermarks) Advance(caID, counter string, value uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	k := watermarkKey(caID, counter)
	if value < w.marks[k] {
		return RollbackError{CAID: caID, Counter: counter, Seen: w.marks[k], Got: value}
	}
	w.marks[k] = value
	return nil
}
