package bbolt

import (
	"encoding/binary"
	"sync"

	"github.com/jmcleod/ironca/storage"
	"go.etcd.io/bbolt"
)

var watermarkBucket = []byte("__watermarks")

// Watermarks persists counter high-water marks in a dedicated BBolt bucket.
// It uses a write-through cache: reads come from an in-memory map,
// writes persist to BBolt and update the in-memory map atomically.
//
// Keep it in a different file from the record store so that restoring the
// records from a backup does not also restore the marks.
type Watermarks struct {
	db    *bbolt.DB
	mu    sync.RWMutex
	cache map[string]uint64
}

var _ storage.Watermarks = (*Watermarks)(nil)

// NewWatermarks returns a persistent watermark set backed by a BBolt database.
func NewWatermarks(db *bbolt.DB) (*Watermarks, error) {
	w := &Watermarks{
		db:    db,
		cache: make(map[string]uint64),
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(watermarkBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			if len(v) == 8 {
				w.cache[string(k)] = binary.BigEndian.Uint64(v)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// NewWatermarksFromFile opens a BBolt database at the given path and returns a new Watermarks.
func NewWatermarksFromFile(path string, options *bbolt.Options) (*Watermarks, error) {
	db, err := open(path, options)
	if err != nil {
		return nil, err
	}
	return NewWatermarks(db)
}

// Close closes the underlying BBolt database.
func (w *Watermarks) Close() error {
	return w.db.Close()
}

func (w *Watermarks) Seen(caID, counter string) uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cache[caID+"/"+counter]
}

func (w *Watermarks) Advance(caID, counter string, value uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	k := caID + "/" + counter
	if value < w.cache[k] {
		return storage.RollbackError{CAID: caID, Counter: counter, Seen: w.cache[k], Got: value}
	}
	if value == w.cache[k] {
		return nil
	}

	err := w.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(watermarkBucket)
		if err != nil {
			return err
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], value)
		return b.Put([]byte(k), buf[:])
	})
	if err != nil {
		return err
	}

	w.cache[k] = value
	return nil
}
